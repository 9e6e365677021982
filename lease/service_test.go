package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/compensation"
	"leaseflow/contentstore"
	"leaseflow/flow/flowtest"
	"leaseflow/ledger"
)

var (
	landlord = flowtest.Party("landlord")
	tenant   = flowtest.Party("tenant")
)

type fixture struct {
	h       *flowtest.Harness
	svc     *Service
	listing address.Address
	app     address.Address
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	h := flowtest.New(t)
	listing := h.Must(t)(h.Deps.Deriver.Listing(flowtest.Party("property")))
	h.Ledger.PutListing(listing, &ledger.Listing{Owner: landlord, Rent: 25_000, Deposit: 50_000, Status: ledger.ListingAvailable})
	createdAt := h.Now().Unix() - 3600
	app := h.Must(t)(h.Deps.Deriver.Application(listing, tenant, createdAt))
	h.Ledger.PutApplication(app, &ledger.Application{Listing: listing, Applicant: tenant, Status: ledger.ApplicationApproved, CreatedAt: createdAt})
	return fixture{h: h, svc: NewService(h.Deps), listing: listing, app: app}
}

func (f fixture) createInput() CreateInput {
	start := f.h.Now().Add(7 * 24 * time.Hour).Unix()
	return CreateInput{
		Landlord:    landlord,
		Application: f.app,
		StartDate:   start,
		EndDate:     start + 12*ledger.SecondsPerMonth,
		PaymentDay:  5,
		Terms:       "No subletting.",
	}
}

func (f fixture) seedLease(t *testing.T, mutate func(*ledger.Lease)) address.Address {
	t.Helper()
	start := f.h.Now().Unix()
	addr := f.h.Must(t)(f.h.Deps.Deriver.Lease(f.listing, tenant, start))
	l := &ledger.Lease{
		Listing:        f.listing,
		Landlord:       landlord,
		Tenant:         tenant,
		Rent:           25_000,
		Deposit:        50_000,
		StartDate:      start,
		EndDate:        start + 12*ledger.SecondsPerMonth,
		PaymentDay:     5,
		PaidMonths:     1,
		LandlordSigned: true,
		TenantSigned:   true,
		Status:         ledger.LeaseActive,
	}
	if mutate != nil {
		mutate(l)
	}
	f.h.Ledger.PutLease(addr, l)
	return addr
}

func TestCreateUploadsContractAndCleanupRemovesIt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := f.createInput()

	res, err := f.svc.Create(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	want := f.h.Must(t)(f.h.Deps.Deriver.Lease(f.listing, tenant, in.StartDate))
	if res.Entity != want {
		t.Fatalf("entity = %s, want %s", res.Entity, want)
	}
	opened := f.h.Attempts.Last()
	if len(opened.Artifacts.ContentIDs) != 1 {
		t.Fatalf("expected the contract as an artifact, got %+v", opened.Artifacts)
	}
	contract := opened.Artifacts.ContentIDs[0]
	if !f.h.Store.Has(contract) {
		t.Fatalf("contract must be pinned while the attempt is prepared")
	}

	// The landlord reports that the transaction failed; cleanup runs on the
	// attempt's artifacts.
	report := compensation.NewCoordinator(f.h.Store).WithBackOff(0, nil).Cleanup(ctx, opened.Artifacts)
	if report.JSONsCleaned != 1 || report.Failed() {
		t.Fatalf("unexpected report %+v", report)
	}
	if _, err := f.h.Store.Get(ctx, contract); !errors.Is(err, contentstore.ErrNotFound) {
		t.Fatalf("expected content_not_found after cleanup, got %v", err)
	}
}

func TestCreateGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.h.Now().Unix()

	cases := []struct {
		name   string
		mutate func(*CreateInput)
		want   error
	}{
		{"start in the past", func(in *CreateInput) { in.StartDate = now - 1 }, ledger.Guard("InvalidStartDate")},
		{"start too far out", func(in *CreateInput) { in.StartDate = now + ledger.MaxLeaseLeadTime }, ledger.Guard("InvalidStartDate")},
		{"end before start", func(in *CreateInput) { in.EndDate = in.StartDate }, ErrInvalidEndDate},
		{"payment day zero", func(in *CreateInput) { in.PaymentDay = 0 }, ledger.Guard("InvalidPaymentDay")},
		{"payment day 29", func(in *CreateInput) { in.PaymentDay = 29 }, ledger.Guard("InvalidPaymentDay")},
		{"not the owner", func(in *CreateInput) { in.Landlord = tenant }, ledger.Guard("Unauthorized")},
	}
	for _, tc := range cases {
		in := f.createInput()
		tc.mutate(&in)
		if _, err := f.svc.Create(ctx, in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if f.h.Store.Puts() != 0 {
		t.Fatalf("guards must not upload")
	}
}

func TestCreateRequiresApprovedApplication(t *testing.T) {
	f := newFixture(t)
	app, _ := f.h.Deps.Reader.Application(context.Background(), f.app)
	app.Status = ledger.ApplicationPending
	f.h.Ledger.PutApplication(f.app, app)
	f.h.Invalidate(f.app)

	if _, err := f.svc.Create(context.Background(), f.createInput()); !errors.Is(err, ledger.Guard("InvalidApplicationStatus")) {
		t.Fatalf("expected invalid_application_status, got %v", err)
	}
}

func TestSignReturnsBreakdown(t *testing.T) {
	f := newFixture(t)
	addr := f.seedLease(t, func(l *ledger.Lease) { l.TenantSigned = false; l.PaidMonths = 0 })

	res, err := f.svc.Sign(context.Background(), tenant, addr)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if res.Breakdown == nil || res.Breakdown.Fee != 250 || res.Breakdown.Net != 24_750 || res.Breakdown.Escrowed != 50_000 {
		t.Fatalf("unexpected breakdown %+v", res.Breakdown)
	}
	if got := f.h.Attempts.Last(); got.Kind != "sign_lease" || len(got.Touched) != 3 {
		t.Fatalf("unexpected attempt %+v", got)
	}
}

func TestSignGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	signed := f.seedLease(t, nil)

	if _, err := f.svc.Sign(ctx, landlord, signed); !errors.Is(err, ledger.Guard("Unauthorized")) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.svc.Sign(ctx, tenant, signed); !errors.Is(err, ledger.Guard("AlreadySigned")) {
		t.Fatalf("expected already_signed, got %v", err)
	}
}

func TestPayRentBoundary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.seedLease(t, nil)
	start := f.h.Now()

	f.h.SetNow(start.Add(time.Duration(ledger.SecondsPerMonth-1) * time.Second))
	_, err := f.svc.PayRent(ctx, tenant, addr)
	if !apperr.IsKind(err, apperr.KindStateConflict) || !errors.Is(err, ledger.Guard("PaymentNotDue")) {
		t.Fatalf("elapsed < paid must be rejected, got %v", err)
	}

	f.h.SetNow(start.Add(time.Duration(ledger.SecondsPerMonth) * time.Second))
	res, err := f.svc.PayRent(ctx, tenant, addr)
	if err != nil {
		t.Fatalf("elapsed == paid must be accepted: %v", err)
	}
	if res.Breakdown == nil || res.Breakdown.Amount != 25_000 || res.Breakdown.Fee != 250 {
		t.Fatalf("unexpected breakdown %+v", res.Breakdown)
	}
}

func TestPayRentGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	unsigned := f.seedLease(t, func(l *ledger.Lease) { l.TenantSigned = false })
	if _, err := f.svc.PayRent(ctx, tenant, unsigned); !errors.Is(err, ErrNotEffective) {
		t.Fatalf("expected lease_not_effective, got %v", err)
	}

	f.h.SetNow(f.h.Now().Add(time.Second))
	ended := f.seedLease(t, func(l *ledger.Lease) { l.EndDate = l.StartDate })
	if _, err := f.svc.PayRent(ctx, tenant, ended); !errors.Is(err, ErrLeaseEnded) {
		t.Fatalf("expected lease_ended, got %v", err)
	}
	if _, err := f.svc.PayRent(ctx, landlord, ended); !errors.Is(err, ledger.Guard("Unauthorized")) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestTerminateRefusedDuringDispute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	addr := f.seedLease(t, nil)
	escrow := f.h.Must(t)(f.h.Deps.Deriver.Escrow(addr))
	f.h.Ledger.PutEscrow(escrow, &ledger.Escrow{Lease: addr, Amount: 50_000, HasDispute: true})

	if _, err := f.svc.Terminate(ctx, landlord, addr); !errors.Is(err, ledger.Guard("DisputeInProgress")) {
		t.Fatalf("expected dispute_in_progress, got %v", err)
	}

	f.h.Ledger.PutEscrow(escrow, &ledger.Escrow{Lease: addr, Amount: 50_000})
	if _, err := f.svc.Terminate(ctx, tenant, addr); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if _, err := f.svc.Terminate(ctx, flowtest.Party("stranger"), addr); !errors.Is(err, ledger.Guard("Unauthorized")) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestTerminateUnsignedLeaseWithoutEscrow(t *testing.T) {
	f := newFixture(t)
	addr := f.seedLease(t, func(l *ledger.Lease) { l.TenantSigned = false })
	if _, err := f.svc.Terminate(context.Background(), landlord, addr); err != nil {
		t.Fatalf("terminate before escrow exists: %v", err)
	}
}

func TestGetReportsDueMonths(t *testing.T) {
	f := newFixture(t)
	addr := f.seedLease(t, nil)
	f.h.SetNow(f.h.Now().Add(65 * 24 * time.Hour))

	view, err := f.svc.Get(context.Background(), addr)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.DueMonths != 2 || view.PaidMonths != 1 || view.Status != "active" {
		t.Fatalf("unexpected view %+v", view)
	}
}
