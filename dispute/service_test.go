package dispute

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/flow/flowtest"
	"leaseflow/ledger"
)

var (
	landlord = flowtest.Party("landlord")
	tenant   = flowtest.Party("tenant")
)

const deposit = 60_000

type fixture struct {
	h      *flowtest.Harness
	svc    *Service
	lease  address.Address
	escrow address.Address
}

func newFixture(t *testing.T, esc ledger.Escrow) fixture {
	t.Helper()
	h := flowtest.New(t)
	listing := h.Must(t)(h.Deps.Deriver.Listing(flowtest.Party("property")))
	start := h.Now().Unix() - 40*ledger.SecondsPerDay
	leaseAddr := h.Must(t)(h.Deps.Deriver.Lease(listing, tenant, start))
	h.Ledger.PutLease(leaseAddr, &ledger.Lease{
		Listing: listing, Landlord: landlord, Tenant: tenant, Rent: 30_000, Deposit: deposit,
		StartDate: start, EndDate: start + 12*ledger.SecondsPerMonth, PaymentDay: 3, PaidMonths: 2,
		LandlordSigned: true, TenantSigned: true, Status: ledger.LeaseActive,
	})
	escrowAddr := h.Must(t)(h.Deps.Deriver.Escrow(leaseAddr))
	esc.Lease = leaseAddr
	esc.Amount = deposit
	h.Ledger.PutEscrow(escrowAddr, &esc)
	return fixture{h: h, svc: NewService(h.Deps), lease: leaseAddr, escrow: escrowAddr}
}

func (f fixture) putDispute(t *testing.T, initiator address.Address, status ledger.DisputeStatus, createdAt int64) address.Address {
	t.Helper()
	addr := f.h.Must(t)(f.h.Deps.Deriver.Dispute(f.lease, initiator))
	f.h.Ledger.PutDispute(addr, &ledger.Dispute{Lease: f.lease, Initiator: initiator, Reason: ledger.ReasonDeposit, Status: status, CreatedAt: createdAt})
	return addr
}

func TestRaise(t *testing.T) {
	f := newFixture(t, ledger.Escrow{Status: ledger.EscrowHolding})
	res, err := f.svc.Raise(context.Background(), RaiseInput{Initiator: tenant, Lease: f.lease, Reason: ledger.ReasonDeposit})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	want := f.h.Must(t)(f.h.Deps.Deriver.Dispute(f.lease, tenant))
	if res.Entity != want {
		t.Fatalf("entity = %s, want %s", res.Entity, want)
	}
	if got := f.h.Attempts.Last(); got.Kind != "raise_dispute" || got.Touched[1] != f.escrow {
		t.Fatalf("unexpected attempt %+v", got)
	}
}

func TestRaiseGuards(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t, ledger.Escrow{})
	if _, err := f.svc.Raise(ctx, RaiseInput{Initiator: tenant, Lease: f.lease, Reason: 7}); !errors.Is(err, ledger.Guard("InvalidDisputeReason")) {
		t.Fatalf("expected invalid_dispute_reason, got %v", err)
	}
	if _, err := f.svc.Raise(ctx, RaiseInput{Initiator: flowtest.Party("stranger"), Lease: f.lease}); !errors.Is(err, ledger.Guard("Unauthorized")) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	f.putDispute(t, tenant, ledger.DisputeOpen, 1)
	if _, err := f.svc.Raise(ctx, RaiseInput{Initiator: tenant, Lease: f.lease}); !errors.Is(err, ledger.Guard("DisputeInProgress")) {
		t.Fatalf("expected dispute_in_progress, got %v", err)
	}
	if _, err := f.svc.Raise(ctx, RaiseInput{Initiator: landlord, Lease: f.lease, Reason: ledger.ReasonOther}); err != nil {
		t.Fatalf("the other party may raise its own dispute: %v", err)
	}

	released := newFixture(t, ledger.Escrow{Status: ledger.EscrowReleased})
	if _, err := released.svc.Raise(ctx, RaiseInput{Initiator: tenant, Lease: released.lease}); !errors.Is(err, ledger.Guard("EscrowAlreadySettled")) {
		t.Fatalf("expected escrow_settled, got %v", err)
	}
}

func TestResolve(t *testing.T) {
	f := newFixture(t, ledger.Escrow{HasDispute: true})
	addr := f.putDispute(t, tenant, ledger.DisputeOpen, 1)
	arbitrator := f.h.Config.Arbitrator

	res, err := f.svc.Resolve(context.Background(), ResolveInput{Arbitrator: arbitrator, Dispute: addr, LandlordAmount: 15_000, TenantAmount: 45_000})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Signers) != 1 || res.Signers[0] != arbitrator {
		t.Fatalf("only the arbitrator signs, got %v", res.Signers)
	}
}

func TestResolveGuards(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, ledger.Escrow{HasDispute: true})
	open := f.putDispute(t, tenant, ledger.DisputeOpen, 1)
	closed := f.putDispute(t, landlord, ledger.DisputeResolved, 2)
	arbitrator := f.h.Config.Arbitrator

	cases := []struct {
		name string
		in   ResolveInput
		want error
	}{
		{"not the arbitrator", ResolveInput{Arbitrator: landlord, Dispute: open, LandlordAmount: deposit}, ledger.Guard("Unauthorized")},
		{"already resolved", ResolveInput{Arbitrator: arbitrator, Dispute: closed, LandlordAmount: deposit}, ledger.Guard("DisputeAlreadyResolved")},
		{"short split", ResolveInput{Arbitrator: arbitrator, Dispute: open, LandlordAmount: 1}, ledger.Guard("InvalidDistribution")},
		{"wrapping split", ResolveInput{Arbitrator: arbitrator, Dispute: open, LandlordAmount: ^uint64(0), TenantAmount: deposit + 1}, ledger.Guard("InvalidDistribution")},
	}
	for _, tc := range cases {
		if _, err := f.svc.Resolve(ctx, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if f.h.Attempts.Count() != 0 {
		t.Fatalf("guards must not prepare anything")
	}
}

func TestGeneratedResolutionsSumToDeposit(t *testing.T) {
	f := newFixture(t, ledger.Escrow{HasDispute: true})
	addr := f.putDispute(t, tenant, ledger.DisputeOpen, 1)
	arbitrator := f.h.Config.Arbitrator
	rng := rand.New(rand.NewPCG(3, 5))

	for i := 0; i < 200; i++ {
		la := rng.Uint64N(deposit + 1)
		ta := deposit - la
		if rng.IntN(3) == 0 {
			ta = rng.Uint64N(deposit + 1)
		}
		_, err := f.svc.Resolve(context.Background(), ResolveInput{Arbitrator: arbitrator, Dispute: addr, LandlordAmount: la, TenantAmount: ta})
		switch {
		case err == nil && la+ta != deposit:
			t.Fatalf("accepted %d+%d for a deposit of %d", la, ta, deposit)
		case err != nil && la+ta == deposit:
			t.Fatalf("rejected exact split %d+%d: %v", la, ta, err)
		case err != nil && !apperr.IsKind(err, apperr.KindValidation):
			t.Fatalf("a bad split is a validation error, got %v", err)
		}
	}
}

func TestList(t *testing.T) {
	f := newFixture(t, ledger.Escrow{HasDispute: true})
	older := f.putDispute(t, tenant, ledger.DisputeResolved, 10)
	newer := f.putDispute(t, landlord, ledger.DisputeOpen, 20)

	views, err := f.svc.List(context.Background(), f.lease)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(views) != 2 || views[0].Address != newer || views[1].Address != older {
		t.Fatalf("unexpected order %+v", views)
	}
	if views[0].Reason != "deposit" || views[1].Status != "resolved" {
		t.Fatalf("unexpected views %+v", views)
	}
}
