package application

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/flow/flowtest"
	"leaseflow/ledger"
)

var (
	landlord = flowtest.Party("landlord")
	tenant   = flowtest.Party("tenant")
	attest   = flowtest.Party("tenant-attestation")
)

func seedListing(t *testing.T, h *flowtest.Harness, status ledger.ListingStatus) address.Address {
	t.Helper()
	addr := h.Must(t)(h.Deps.Deriver.Listing(flowtest.Party("property")))
	h.Ledger.PutListing(addr, &ledger.Listing{Owner: landlord, Rent: 20_000, Deposit: 40_000, Status: status})
	return addr
}

func seedApplication(t *testing.T, h *flowtest.Harness, listing, applicant address.Address, createdAt int64, status ledger.ApplicationStatus) address.Address {
	t.Helper()
	addr := h.Must(t)(h.Deps.Deriver.Application(listing, applicant, createdAt))
	h.Ledger.PutApplication(addr, &ledger.Application{
		Listing: listing, Applicant: applicant, TenantAttest: attest, Status: status, CreatedAt: createdAt, UpdatedAt: createdAt,
	})
	return addr
}

func TestApplyToOwnListingIsRejectedBeforeIO(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	listing := seedListing(t, h, ledger.ListingAvailable)

	_, err := svc.Apply(context.Background(), ApplyInput{Applicant: landlord, Listing: listing, TenantAttest: attest, Message: "me"})
	if !apperr.IsKind(err, apperr.KindValidation) || !errors.Is(err, ErrOwnListing) {
		t.Fatalf("expected cannot_apply_own_listing validation error, got %v", err)
	}
	if h.Store.Puts() != 0 {
		t.Fatalf("nothing may be uploaded")
	}
	if h.Ledger.BlockhashReads() != 0 || h.Attempts.Count() != 0 {
		t.Fatalf("nothing may be assembled")
	}
}

func TestApplyPreparesCoSignedTransaction(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	listing := seedListing(t, h, ledger.ListingAvailable)

	res, err := svc.Apply(context.Background(), ApplyInput{Applicant: tenant, Listing: listing, TenantAttest: attest, Message: "Quiet, no pets."})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	want := h.Must(t)(h.Deps.Deriver.Application(listing, tenant, h.Now().Unix()))
	if res.Entity != want {
		t.Fatalf("entity = %s, want %s", res.Entity, want)
	}
	if len(res.Signers) != 2 || res.Signers[0] != tenant || res.Signers[1] != h.Signer.Address() {
		t.Fatalf("unexpected signers %v", res.Signers)
	}
	if got := h.Attempts.Last(); got.Kind != "apply_lease" || len(got.Artifacts.ContentIDs) != 1 || !h.Store.Has(got.Artifacts.ContentIDs[0]) {
		t.Fatalf("unexpected attempt %+v", got)
	}
}

func TestApplyGuards(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	ctx := context.Background()

	delisted := seedListing(t, h, ledger.ListingDelisted)
	if _, err := svc.Apply(ctx, ApplyInput{Applicant: tenant, Listing: delisted, TenantAttest: attest}); !errors.Is(err, ledger.Guard("ListingInactive")) {
		t.Fatalf("expected listing_inactive, got %v", err)
	}

	h.Ledger.PutListing(delisted, &ledger.Listing{Owner: landlord, Status: ledger.ListingAvailable})
	h.Invalidate(delisted)
	seedApplication(t, h, delisted, tenant, h.Now().Unix()-60, ledger.ApplicationPending)
	if _, err := svc.Apply(ctx, ApplyInput{Applicant: tenant, Listing: delisted, TenantAttest: attest}); !errors.Is(err, errApplicationExists) {
		t.Fatalf("expected application_exists, got %v", err)
	}
	if _, err := svc.Apply(ctx, ApplyInput{Applicant: tenant, Listing: delisted}); !errors.Is(err, ErrMissingAttest) {
		t.Fatalf("expected tenant_attest_required, got %v", err)
	}
	if h.Store.Puts() != 0 {
		t.Fatalf("guards must not upload")
	}
}

func TestApplyAfterWithdrawnApplication(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	listing := seedListing(t, h, ledger.ListingAvailable)
	seedApplication(t, h, listing, tenant, h.Now().Unix()-3600, ledger.ApplicationWithdrawn)

	if _, err := svc.Apply(context.Background(), ApplyInput{Applicant: tenant, Listing: listing, TenantAttest: attest}); err != nil {
		t.Fatalf("a withdrawn application must not block a new one: %v", err)
	}
}

func TestConcurrentApprovalsLoserGetsConflict(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	ctx := context.Background()
	listing := seedListing(t, h, ledger.ListingAvailable)
	createdAt := h.Now().Unix() - 600
	rival := flowtest.Party("rival-tenant")
	first := seedApplication(t, h, listing, tenant, createdAt, ledger.ApplicationPending)
	second := seedApplication(t, h, listing, rival, createdAt+1, ledger.ApplicationPending)

	// Both prepare before either lands.
	won, err := svc.Approve(ctx, landlord, first)
	if err != nil {
		t.Fatalf("approve first: %v", err)
	}
	lost, err := svc.Approve(ctx, landlord, second)
	if err != nil {
		t.Fatalf("approve second: %v", err)
	}
	if won.AttemptID == lost.AttemptID {
		t.Fatalf("each approval is its own attempt")
	}

	// The first approval lands; the second is now refused before signing.
	h.Ledger.PutApplication(first, &ledger.Application{
		Listing: listing, Applicant: tenant, TenantAttest: attest, Status: ledger.ApplicationApproved, CreatedAt: createdAt, UpdatedAt: h.Now().Unix(),
	})
	h.Invalidate(first)
	if _, err := svc.Approve(ctx, landlord, second); !errors.Is(err, ErrListingHasApproval) {
		t.Fatalf("expected listing_has_approval, got %v", err)
	}
	if !apperr.IsKind(ErrListingHasApproval, apperr.KindStateConflict) {
		t.Fatalf("listing_has_approval must be a state conflict")
	}

	// Once the winner's lease flips the listing, the already signed loser is
	// rejected by the program as an inactive listing.
	h.Ledger.PutListing(listing, &ledger.Listing{Owner: landlord, Rent: 20_000, Deposit: 40_000, Status: ledger.ListingRented})
	h.Invalidate(listing)
	code, _ := ledger.RejectionCode("ListingInactive")
	loser := ledger.MapRejection(fmt.Sprintf("custom program error: 0x%x", code))
	if loser.Kind != apperr.KindStateConflict {
		t.Fatalf("loser must see a state conflict, got %v", loser)
	}
	if _, err := svc.Approve(ctx, landlord, second); !errors.Is(err, loser) {
		t.Fatalf("pre-flight must agree with the ledger, got %v", err)
	}
	if _, err := svc.Reject(ctx, landlord, second); err != nil {
		t.Fatalf("the loser can still be rejected: %v", err)
	}
}

func TestDecisionGuards(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	ctx := context.Background()
	listing := seedListing(t, h, ledger.ListingAvailable)
	app := seedApplication(t, h, listing, tenant, h.Now().Unix(), ledger.ApplicationPending)

	if _, err := svc.Approve(ctx, tenant, app); !errors.Is(err, ledger.Guard("Unauthorized")) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	res, err := svc.Reject(ctx, landlord, app)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if h.Attempts.Last().Kind != "reject_application" || res.Entity != app {
		t.Fatalf("unexpected reject result %+v", res)
	}

	h.Ledger.PutListing(listing, &ledger.Listing{Owner: landlord, Status: ledger.ListingDelisted})
	h.Invalidate(listing)
	if _, err := svc.Approve(ctx, landlord, app); !errors.Is(err, ledger.Guard("ListingInactive")) {
		t.Fatalf("expected listing_inactive, got %v", err)
	}
}

func TestForgedApplicationAddress(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	listing := seedListing(t, h, ledger.ListingAvailable)
	forged := flowtest.Party("forged")
	h.Ledger.PutApplication(forged, &ledger.Application{Listing: listing, Applicant: tenant, Status: ledger.ApplicationPending})

	if _, err := svc.Approve(context.Background(), landlord, forged); !apperr.IsKind(err, apperr.KindInternal) {
		t.Fatalf("expected account mismatch, got %v", err)
	}
}

func TestWithdrawAndCancel(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	ctx := context.Background()
	listing := seedListing(t, h, ledger.ListingAvailable)
	pending := seedApplication(t, h, listing, tenant, h.Now().Unix()-10, ledger.ApplicationPending)
	other := flowtest.Party("other-tenant")
	approved := seedApplication(t, h, listing, other, h.Now().Unix()-20, ledger.ApplicationApproved)

	if _, err := svc.Withdraw(ctx, other, pending); !errors.Is(err, ledger.Guard("Unauthorized")) {
		t.Fatalf("only the applicant withdraws, got %v", err)
	}
	if _, err := svc.Withdraw(ctx, tenant, pending); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := svc.Withdraw(ctx, other, approved); !errors.Is(err, ledger.Guard("InvalidApplicationStatus")) {
		t.Fatalf("approved applications cannot be withdrawn, got %v", err)
	}

	if _, err := svc.Cancel(ctx, tenant, approved); !errors.Is(err, ledger.Guard("Unauthorized")) {
		t.Fatalf("a stranger cannot cancel, got %v", err)
	}
	if _, err := svc.Cancel(ctx, landlord, approved); err != nil {
		t.Fatalf("owner cancel: %v", err)
	}
	if got := h.Attempts.Last(); got.Kind != "cancel_approved_application" || len(got.Touched) != 2 {
		t.Fatalf("unexpected attempt %+v", got)
	}
	if _, err := svc.Cancel(ctx, landlord, pending); !errors.Is(err, ledger.Guard("InvalidApplicationStatus")) {
		t.Fatalf("pending applications are withdrawn, not cancelled, got %v", err)
	}

	h.Ledger.PutListing(listing, &ledger.Listing{Owner: landlord, Status: ledger.ListingRented, CurrentTenant: &other})
	h.Invalidate(listing)
	if _, err := svc.Cancel(ctx, other, approved); !errors.Is(err, ledger.Guard("ListingAlreadyRented")) {
		t.Fatalf("expected listing_rented, got %v", err)
	}
}

func TestForListing(t *testing.T) {
	h := flowtest.New(t)
	svc := NewService(h.Deps)
	listing := seedListing(t, h, ledger.ListingAvailable)
	seedApplication(t, h, listing, tenant, 1, ledger.ApplicationPending)
	seedApplication(t, h, listing, flowtest.Party("b"), 2, ledger.ApplicationRejected)
	seedApplication(t, h, flowtest.Party("elsewhere"), tenant, 3, ledger.ApplicationPending)

	views, err := svc.ForListing(context.Background(), listing)
	if err != nil {
		t.Fatalf("for listing: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(views))
	}
}
