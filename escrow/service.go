// Package escrow prepares the two-step release of a lease deposit: one party
// proposes a split and the other confirms it.
package escrow

import (
	"context"
	"log/slog"

	"leaseflow/address"
	"leaseflow/flow"
	"leaseflow/ledger"
	"leaseflow/txassembler"
)

var errInvalidDistribution = ledger.Guard("InvalidDistribution")

// View is an escrow as served to clients.
type View struct {
	Address           address.Address `json:"address"`
	Lease             address.Address `json:"lease"`
	Amount            uint64          `json:"amount"`
	Status            string          `json:"status"`
	ReleaseToLandlord uint64          `json:"releaseToLandlord"`
	ReleaseToTenant   uint64          `json:"releaseToTenant"`
	LandlordConfirmed bool            `json:"landlordConfirmed"`
	TenantConfirmed   bool            `json:"tenantConfirmed"`
	HasDispute        bool            `json:"hasDispute"`
}

type Service struct {
	deps   flow.Deps
	logger *slog.Logger
}

func NewService(deps flow.Deps) *Service {
	return &Service{deps: deps, logger: slog.Default().With("component", "escrow")}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "escrow")
	}
	return s
}

// load reads an escrow straight from the ledger, since the dispute flag can
// change under any cached view, and resolves its lease.
func (s *Service) load(ctx context.Context, addr address.Address) (*ledger.Escrow, *ledger.Lease, error) {
	esc, err := s.deps.Reader.Fresh().Escrow(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	derived, err := s.deps.Deriver.Escrow(esc.Lease)
	if err != nil {
		return nil, nil, err
	}
	if derived != addr {
		return nil, nil, txassembler.ErrAccountMismatch.WithMessage("escrow %s does not belong to lease %s", addr, esc.Lease)
	}
	l, err := s.deps.Reader.Lease(ctx, esc.Lease)
	if err != nil {
		return nil, nil, err
	}
	return esc, l, nil
}

// CheckSplit applies the release guards shared by escrow and dispute
// resolution: the two shares must add up to exactly the escrowed amount.
func CheckSplit(amount, landlordAmount, tenantAmount uint64) error {
	if !ledger.SplitMatches(amount, landlordAmount, tenantAmount) {
		return errInvalidDistribution.WithMessage("%d to the landlord and %d to the tenant do not sum to %d",
			landlordAmount, tenantAmount, amount)
	}
	return nil
}

// Initiate prepares an initiate_release transaction proposing how the
// deposit is split. The initiator's confirmation is implied.
func (s *Service) Initiate(ctx context.Context, caller, addr address.Address, landlordAmount, tenantAmount uint64) (flow.Result, error) {
	esc, l, err := s.load(ctx, addr)
	if err != nil {
		return flow.Result{}, err
	}
	if !l.IsParty(caller) {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if esc.Status != ledger.EscrowHolding {
		return flow.Result{}, ledger.Guard("EscrowAlreadySettled").WithMessage("escrow is %s", esc.Status)
	}
	if esc.HasDispute {
		return flow.Result{}, ledger.Guard("DisputeInProgress")
	}
	if err := CheckSplit(esc.Amount, landlordAmount, tenantAmount); err != nil {
		return flow.Result{}, err
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "initiate_release",
		Instruction: initiateReleaseIx(s.deps.Program(), landlordAmount, tenantAmount),
		Accounts:    txassembler.AccountSet{}.Set("lease", esc.Lease).Set("escrow", addr).Set("signer", caller),
		Initiator:   caller,
		Entity:      addr,
		Touched:     []address.Address{addr},
		Payload:     map[string]any{"landlord_amount": landlordAmount, "tenant_amount": tenantAmount},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("release prepared", "operation", "initiate_release", "escrow", addr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// Confirm prepares the counterparty's confirm_release transaction, which
// pays out both shares and frees the listing.
func (s *Service) Confirm(ctx context.Context, caller, addr address.Address) (flow.Result, error) {
	esc, l, err := s.load(ctx, addr)
	if err != nil {
		return flow.Result{}, err
	}
	if !l.IsParty(caller) {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	switch esc.Status {
	case ledger.EscrowHolding:
		return flow.Result{}, ledger.Guard("SettleRequestNotFound")
	case ledger.EscrowReleased:
		return flow.Result{}, ledger.Guard("EscrowAlreadySettled")
	}
	if esc.HasDispute {
		return flow.Result{}, ledger.Guard("DisputeInProgress")
	}
	if (caller == l.Landlord && esc.LandlordConfirmed) || (caller == l.Tenant && esc.TenantConfirmed) {
		return flow.Result{}, ledger.Guard("SettleAlreadyConfirmed")
	}

	cfgAddr, cfg, err := s.deps.Config(ctx)
	if err != nil {
		return flow.Result{}, err
	}
	accounts := txassembler.AccountSet{}.
		Set("config", cfgAddr).
		Set("listing", l.Listing).
		Set("lease", esc.Lease).
		Set("escrow", addr).
		Set("signer", caller).
		Set("token_program", address.TokenProgramID)
	if err := PayoutAccounts(s.deps.Deriver, accounts, cfg, esc.Lease, l); err != nil {
		return flow.Result{}, err
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "confirm_release",
		Instruction: confirmReleaseIx(s.deps.Program()),
		Accounts:    accounts,
		Initiator:   caller,
		Entity:      addr,
		Touched:     []address.Address{addr, l.Listing},
		Payload:     map[string]any{"landlord_amount": esc.ReleaseToLandlord, "tenant_amount": esc.ReleaseToTenant},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("release confirmation prepared", "operation", "confirm_release", "escrow", addr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// PayoutAccounts sets the vault and both parties' token accounts that a
// deposit payout moves funds between.
func PayoutAccounts(d *address.Deriver, accounts txassembler.AccountSet, cfg *ledger.Config, leaseAddr address.Address, l *ledger.Lease) error {
	vault, err := d.EscrowVault(leaseAddr)
	if err != nil {
		return err
	}
	accounts.Set("escrow_token", vault)
	landlordToken, err := d.TokenAccount(l.Landlord, cfg.Mint)
	if err != nil {
		return err
	}
	accounts.Set("landlord_token", landlordToken)
	tenantToken, err := d.TokenAccount(l.Tenant, cfg.Mint)
	if err != nil {
		return err
	}
	accounts.Set("tenant_token", tenantToken)
	return nil
}

// Get returns one escrow.
func (s *Service) Get(ctx context.Context, addr address.Address) (View, error) {
	esc, err := s.deps.Reader.Escrow(ctx, addr)
	if err != nil {
		return View{}, err
	}
	return View{
		Address:           addr,
		Lease:             esc.Lease,
		Amount:            esc.Amount,
		Status:            esc.Status.String(),
		ReleaseToLandlord: esc.ReleaseToLandlord,
		ReleaseToTenant:   esc.ReleaseToTenant,
		LandlordConfirmed: esc.LandlordConfirmed,
		TenantConfirmed:   esc.TenantConfirmed,
		HasDispute:        esc.HasDispute,
	}, nil
}
