// Package dispute prepares raising a deposit dispute and the arbitrator's
// resolution of it.
package dispute

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"leaseflow/address"
	"leaseflow/escrow"
	"leaseflow/flow"
	"leaseflow/ledger"
	"leaseflow/txassembler"
)

type Service struct {
	deps   flow.Deps
	logger *slog.Logger
}

func NewService(deps flow.Deps) *Service {
	return &Service{deps: deps, logger: slog.Default().With("component", "dispute")}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "dispute")
	}
	return s
}

// Raise prepares a raise_dispute transaction. Each party can hold one
// dispute per lease, since the dispute address is keyed by the initiator.
func (s *Service) Raise(ctx context.Context, in RaiseInput) (flow.Result, error) {
	if !in.Reason.Valid() {
		return flow.Result{}, ledger.Guard("InvalidDisputeReason")
	}
	l, err := s.deps.Reader.Lease(ctx, in.Lease)
	if err != nil {
		return flow.Result{}, err
	}
	if !l.IsParty(in.Initiator) {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if l.Status != ledger.LeaseActive {
		return flow.Result{}, ledger.Guard("LeaseAlreadyTerminated")
	}

	fresh := s.deps.Reader.Fresh()
	escrowAddr, err := s.deps.Deriver.Escrow(in.Lease)
	if err != nil {
		return flow.Result{}, err
	}
	esc, err := fresh.Escrow(ctx, escrowAddr)
	if err != nil {
		return flow.Result{}, err
	}
	if esc.Status == ledger.EscrowReleased {
		return flow.Result{}, ledger.Guard("EscrowAlreadySettled")
	}

	disputeAddr, err := s.deps.Deriver.Dispute(in.Lease, in.Initiator)
	if err != nil {
		return flow.Result{}, err
	}
	existing, err := fresh.Dispute(ctx, disputeAddr)
	switch {
	case errors.Is(err, ledger.ErrDisputeNotFound):
	case err != nil:
		return flow.Result{}, err
	case existing.Status == ledger.DisputeOpen:
		return flow.Result{}, ledger.Guard("DisputeInProgress").WithMessage("dispute %s is still open", disputeAddr)
	default:
		return flow.Result{}, ledger.Guard("DisputeAlreadyResolved").WithMessage("dispute %s was already raised and resolved", disputeAddr)
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "raise_dispute",
		Instruction: raiseIx(s.deps.Program(), in.Reason),
		Accounts: txassembler.AccountSet{}.
			Set("lease", in.Lease).
			Set("escrow", escrowAddr).
			Set("dispute", disputeAddr).
			Set("initiator", in.Initiator).
			Set("system_program", address.SystemProgramID),
		Initiator: in.Initiator,
		Entity:    disputeAddr,
		Touched:   []address.Address{disputeAddr, escrowAddr},
		Payload:   map[string]any{"lease": in.Lease.String(), "reason": reasonName(in.Reason)},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("dispute prepared", "operation", "raise_dispute", "dispute", disputeAddr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// Resolve prepares the arbitrator's resolve_dispute transaction, which pays
// out the escrow according to the split.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (flow.Result, error) {
	cfgAddr, cfg, err := s.deps.Config(ctx)
	if err != nil {
		return flow.Result{}, err
	}
	if in.Arbitrator != cfg.Arbitrator {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}

	fresh := s.deps.Reader.Fresh()
	d, err := fresh.Dispute(ctx, in.Dispute)
	if err != nil {
		return flow.Result{}, err
	}
	derived, err := s.deps.Deriver.Dispute(d.Lease, d.Initiator)
	if err != nil {
		return flow.Result{}, err
	}
	if derived != in.Dispute {
		return flow.Result{}, txassembler.ErrAccountMismatch.WithMessage("dispute %s is not derived from its own fields", in.Dispute)
	}
	if d.Status != ledger.DisputeOpen {
		return flow.Result{}, ledger.Guard("DisputeAlreadyResolved")
	}

	escrowAddr, err := s.deps.Deriver.Escrow(d.Lease)
	if err != nil {
		return flow.Result{}, err
	}
	esc, err := fresh.Escrow(ctx, escrowAddr)
	if err != nil {
		return flow.Result{}, err
	}
	if err := escrow.CheckSplit(esc.Amount, in.LandlordAmount, in.TenantAmount); err != nil {
		return flow.Result{}, err
	}
	l, err := s.deps.Reader.Lease(ctx, d.Lease)
	if err != nil {
		return flow.Result{}, err
	}

	accounts := txassembler.AccountSet{}.
		Set("config", cfgAddr).
		Set("lease", d.Lease).
		Set("escrow", escrowAddr).
		Set("dispute", in.Dispute).
		Set("arbitrator", in.Arbitrator).
		Set("token_program", address.TokenProgramID)
	if err := escrow.PayoutAccounts(s.deps.Deriver, accounts, cfg, d.Lease, l); err != nil {
		return flow.Result{}, err
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "resolve_dispute",
		Instruction: resolveIx(s.deps.Program(), in.LandlordAmount, in.TenantAmount),
		Accounts:    accounts,
		Initiator:   in.Arbitrator,
		Entity:      in.Dispute,
		Touched:     []address.Address{in.Dispute, escrowAddr},
		Payload:     map[string]any{"landlord_amount": in.LandlordAmount, "tenant_amount": in.TenantAmount},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("resolution prepared", "operation", "resolve_dispute", "dispute", in.Dispute.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// Get returns one dispute.
func (s *Service) Get(ctx context.Context, addr address.Address) (View, error) {
	d, err := s.deps.Reader.Dispute(ctx, addr)
	if err != nil {
		return View{}, err
	}
	return newView(addr, d), nil
}

// List returns the disputes raised on a lease, newest first.
func (s *Service) List(ctx context.Context, lease address.Address) ([]View, error) {
	disputes, err := s.deps.Reader.DisputesForLease(ctx, lease)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(disputes))
	for _, d := range disputes {
		out = append(out, newView(d.Address, d.Dispute))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}
