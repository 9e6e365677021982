package ledger_test

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/ledger"
	"leaseflow/ledger/ledgertest"
	"leaseflow/viewcache"
)

func addr(label string) address.Address {
	return address.Address(sha256.Sum256([]byte(label)))
}

func TestListingCodecKeepsOptionalTenant(t *testing.T) {
	tenant := addr("tenant")
	in := &ledger.Listing{
		Owner:          addr("owner"),
		PropertyAttest: addr("attest"),
		Rent:           25000,
		Deposit:        50000,
		BuildingArea:   33,
		Status:         ledger.ListingRented,
		CurrentTenant:  &tenant,
		CreatedAt:      1717000000,
		UpdatedAt:      1717000100,
	}
	copy(in.MetadataURI[:], "QmMetadata")

	out, err := ledger.DecodeListing(ledger.EncodeListing(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.CurrentTenant == nil || *out.CurrentTenant != tenant {
		t.Fatalf("tenant lost in round trip")
	}
	if out.Rent != in.Rent || out.Status != in.Status || out.MetadataURI != in.MetadataURI {
		t.Fatalf("listing mismatch: %+v", out)
	}
}

func TestDecodeRejectsWrongAccountType(t *testing.T) {
	data := ledger.EncodeEscrow(&ledger.Escrow{Amount: 1})
	if _, err := ledger.DecodeLease(data); err == nil {
		t.Fatalf("expected discriminator mismatch")
	}
}

func TestElapsedWholeMonths(t *testing.T) {
	start := int64(1_700_000_000)
	cases := []struct {
		now  int64
		want int64
	}{
		{start - 1, 0},
		{start, 0},
		{start + ledger.SecondsPerMonth - 1, 0},
		{start + ledger.SecondsPerMonth, 1},
		{start + 3*ledger.SecondsPerMonth + 5, 3},
	}
	for _, tc := range cases {
		if got := ledger.ElapsedWholeMonths(tc.now, start); got != tc.want {
			t.Fatalf("ElapsedWholeMonths(%d): expected %d, got %d", tc.now-start, tc.want, got)
		}
	}
}

func TestFee(t *testing.T) {
	if got := ledger.Fee(25000, 100); got != 250 {
		t.Fatalf("expected 250, got %d", got)
	}
	if got := ledger.Fee(^uint64(0), 1000); got != ^uint64(0)/10 {
		t.Fatalf("fee must not overflow, got %d", got)
	}
}

func TestSplitMatches(t *testing.T) {
	top := ^uint64(0)
	cases := []struct {
		total, landlord, tenant uint64
		want                    bool
	}{
		{50_000, 20_000, 30_000, true},
		{50_000, 50_000, 0, true},
		{50_000, 0, 50_000, true},
		{50_000, 20_000, 20_000, false},
		{top, top, 0, true},
		{0, top, 1, false},
		{top - 1, top, top, false},
	}
	for _, tc := range cases {
		if got := ledger.SplitMatches(tc.total, tc.landlord, tc.tenant); got != tc.want {
			t.Fatalf("SplitMatches(%d, %d, %d) = %v, want %v", tc.total, tc.landlord, tc.tenant, got, tc.want)
		}
	}
}

func TestReaderCachesUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	fake := ledgertest.NewFake()
	listingAddr := addr("listing")
	fake.PutListing(listingAddr, &ledger.Listing{Rent: 100, Deposit: 100})

	r := ledger.NewReader(fake, viewcache.NewMemory(0), addr("program"), 0)
	if _, err := r.Listing(ctx, listingAddr); err != nil {
		t.Fatalf("listing: %v", err)
	}
	fake.PutListing(listingAddr, &ledger.Listing{Rent: 200, Deposit: 200})

	cached, _ := r.Listing(ctx, listingAddr)
	if cached.Rent != 100 {
		t.Fatalf("expected cached view, got rent %d", cached.Rent)
	}
	if fake.AccountReads() != 1 {
		t.Fatalf("expected a single ledger read, got %d", fake.AccountReads())
	}

	fresh, _ := r.Fresh().Listing(ctx, listingAddr)
	if fresh.Rent != 200 {
		t.Fatalf("fresh read must bypass the cache, got rent %d", fresh.Rent)
	}

	fake.PutListing(listingAddr, &ledger.Listing{Rent: 300, Deposit: 300})
	r.Invalidate(ctx, listingAddr)
	again, _ := r.Listing(ctx, listingAddr)
	if again.Rent != 300 {
		t.Fatalf("expected invalidated view to be re-read, got rent %d", again.Rent)
	}
}

func TestReaderNotFoundIsTyped(t *testing.T) {
	r := ledger.NewReader(ledgertest.NewFake(), viewcache.NewMemory(0), addr("program"), 0)
	_, err := r.Lease(context.Background(), addr("missing"))
	if !errors.Is(err, ledger.ErrLeaseNotFound) {
		t.Fatalf("expected ErrLeaseNotFound, got %v", err)
	}
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Fatalf("expected not_found kind, got %s", apperr.KindOf(err))
	}
}

func TestApplicationsForListingFilters(t *testing.T) {
	ctx := context.Background()
	fake := ledgertest.NewFake()
	listingA, listingB := addr("listing-a"), addr("listing-b")
	fake.PutApplication(addr("app-1"), &ledger.Application{Listing: listingA, Applicant: addr("x")})
	fake.PutApplication(addr("app-2"), &ledger.Application{Listing: listingA, Applicant: addr("y")})
	fake.PutApplication(addr("app-3"), &ledger.Application{Listing: listingB, Applicant: addr("z")})
	fake.PutListing(listingA, &ledger.Listing{})

	r := ledger.NewReader(fake, viewcache.NewMemory(0), addr("program"), 0)
	apps, err := r.ApplicationsForListing(ctx, listingA)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(apps) != 2 {
		t.Fatalf("expected 2 applications for listing A, got %d", len(apps))
	}
	for _, a := range apps {
		if a.Listing != listingA {
			t.Fatalf("application for another listing leaked into results")
		}
	}
}

func TestDisputesForLease(t *testing.T) {
	fake := ledgertest.NewFake()
	lease := addr("lease")
	fake.PutDispute(addr("dispute-1"), &ledger.Dispute{Lease: lease, Initiator: addr("tenant")})
	fake.PutDispute(addr("dispute-2"), &ledger.Dispute{Lease: addr("other-lease"), Initiator: addr("tenant")})
	fake.PutEscrow(addr("escrow"), &ledger.Escrow{Lease: lease})

	r := ledger.NewReader(fake, viewcache.NewMemory(0), addr("program"), 0)
	disputes, err := r.DisputesForLease(context.Background(), lease)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(disputes) != 1 || disputes[0].Address != addr("dispute-1") {
		t.Fatalf("unexpected disputes %+v", disputes)
	}
}

func TestMapRejection(t *testing.T) {
	code, ok := ledger.RejectionCode("ListingInactive")
	if !ok {
		t.Fatalf("ListingInactive missing from table")
	}
	if err := ledger.MapRejection("6008"); err.Code != "listing_inactive" || err.Kind != apperr.KindStateConflict || code != 6008 {
		t.Fatalf("unexpected mapping: %+v", err)
	}
	if err := ledger.MapRejection("0x1776"); err.Kind != apperr.KindAuthorization {
		t.Fatalf("hex code 0x1776 should map to Unauthorized, got %+v", err)
	}
	if err := ledger.MapRejection("BlockhashNotFound"); !errors.Is(err, ledger.ErrStaleRecencyToken) {
		t.Fatalf("expected stale recency token, got %+v", err)
	}
	if err := ledger.MapRejection("9999"); !errors.Is(err, ledger.ErrLedgerRejected) {
		t.Fatalf("unknown code should be ledger_rejected, got %+v", err)
	}
	if err := ledger.MapRejection("InvalidDistribution"); err.Code != "amount_mismatch" {
		t.Fatalf("names resolve through the table, got %+v", err)
	}
	if err := ledger.MapRejection("Error processing Instruction 0: custom program error: 0x1778"); err.Code != "listing_inactive" {
		t.Fatalf("runtime log form should resolve, got %+v", err)
	}
	if g := ledger.Guard("PaymentNotDue"); g.Kind != apperr.KindStateConflict || g.Code != "payment_not_due" {
		t.Fatalf("unexpected guard error: %+v", g)
	}
	if _, ok := ledger.RejectionCode("PaymentNotDue"); ok {
		t.Fatalf("pre-flight only conditions carry no program code")
	}
	if err := ledger.MapRejection("6037"); !errors.Is(err, ledger.ErrLedgerRejected) {
		t.Fatalf("codes past the program table are unknown, got %+v", err)
	}
	if err := ledger.MapRejection("AlreadySigned"); err.Code != "already_signed" {
		t.Fatalf("guard names still resolve, got %+v", err)
	}
}

func TestRPCClient(t *testing.T) {
	listingAddr := addr("listing")
	data := ledger.EncodeListing(&ledger.Listing{Rent: 42})
	hash := addr("blockhash")

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		_ = json.Unmarshal(body, &req)
		w.Header().Set("content-type", "application/json")
		switch req.Method {
		case "getAccountInfo":
			if strings.Contains(string(req.Params[0]), listingAddr.String()) {
				_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"value":{"data":["` + base64.StdEncoding.EncodeToString(data) + `","base64"]}}}`))
				return
			}
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"value":null}}`))
		case "getLatestBlockhash":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"value":{"blockhash":"` + hash.String() + `","lastValidBlockHeight":1150}}}`))
		case "getBlockHeight":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":1000}`))
		default:
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"method not found"}}`))
		}
	}))
	defer ts.Close()

	c := ledger.NewRPCClient(ts.URL)
	ctx := context.Background()

	got, err := c.GetAccount(ctx, listingAddr)
	if err != nil {
		t.Fatalf("getAccountInfo: %v", err)
	}
	l, err := ledger.DecodeListing(got)
	if err != nil || l.Rent != 42 {
		t.Fatalf("decoded listing mismatch: %+v %v", l, err)
	}
	if _, err := c.GetAccount(ctx, addr("missing")); !errors.Is(err, ledger.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	bh, err := c.LatestBlockhash(ctx)
	if err != nil || bh.Hash != [32]byte(hash) || bh.LastValidHeight != 1150 {
		t.Fatalf("blockhash mismatch: %+v %v", bh, err)
	}
	if h, err := c.BlockHeight(ctx); err != nil || h != 1000 {
		t.Fatalf("block height: %d %v", h, err)
	}
	if _, err := c.GetProgramAccounts(ctx, addr("program")); apperr.KindOf(err) != apperr.KindExternalService {
		t.Fatalf("rpc error should surface as external service, got %v", err)
	}
}
