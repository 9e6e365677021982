// Package lease prepares the transactions that create, sign, pay and end
// leases.
package lease

import (
	"context"
	"errors"
	"log/slog"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/compensation"
	"leaseflow/contentstore"
	"leaseflow/flow"
	"leaseflow/ledger"
	"leaseflow/txassembler"
)

var (
	ErrInvalidEndDate = apperr.Validation("invalid_end_date", "lease must end after it starts")
	ErrLeaseExists    = apperr.StateConflict("lease_exists", "a lease with this start date already exists")
	ErrLeaseEnded     = apperr.StateConflict("lease_ended", "the lease term has ended")
	ErrNotEffective   = apperr.StateConflict("lease_not_effective", "both parties must sign before rent is paid")
)

// Contract is the JSON document a lease's contract field points at.
type Contract struct {
	Listing    address.Address `json:"listing"`
	Landlord   address.Address `json:"landlord"`
	Tenant     address.Address `json:"tenant"`
	Rent       uint64          `json:"rent"`
	Deposit    uint64          `json:"deposit"`
	StartDate  int64           `json:"startDate"`
	EndDate    int64           `json:"endDate"`
	PaymentDay uint8           `json:"paymentDay"`
	Terms      string          `json:"terms,omitempty"`
}

// CreateInput describes a lease offered by a landlord to an approved
// applicant. Rent and deposit always come from the listing.
type CreateInput struct {
	Landlord    address.Address
	Application address.Address
	StartDate   int64
	EndDate     int64
	PaymentDay  uint8
	Terms       string
}

// View is a lease as served to clients.
type View struct {
	Address        address.Address        `json:"address"`
	Listing        address.Address        `json:"listing"`
	Landlord       address.Address        `json:"landlord"`
	Tenant         address.Address        `json:"tenant"`
	Rent           uint64                 `json:"rent"`
	Deposit        uint64                 `json:"deposit"`
	StartDate      int64                  `json:"startDate"`
	EndDate        int64                  `json:"endDate"`
	PaymentDay     uint8                  `json:"paymentDay"`
	PaidMonths     uint32                 `json:"paidMonths"`
	DueMonths      int64                  `json:"dueMonths"`
	LandlordSigned bool                   `json:"landlordSigned"`
	TenantSigned   bool                   `json:"tenantSigned"`
	Status         string                 `json:"status"`
	ContractID     contentstore.ContentID `json:"contractId"`
}

type Service struct {
	deps   flow.Deps
	logger *slog.Logger
}

func NewService(deps flow.Deps) *Service {
	return &Service{deps: deps, logger: slog.Default().With("component", "lease")}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "lease")
	}
	return s
}

// Create prepares a create_lease transaction signed by the landlord. The
// tenant's signature comes later with Sign.
func (s *Service) Create(ctx context.Context, in CreateInput) (flow.Result, error) {
	now := s.deps.Unix()
	if in.StartDate <= now || in.StartDate >= now+ledger.MaxLeaseLeadTime {
		return flow.Result{}, ledger.Guard("InvalidStartDate")
	}
	if in.EndDate <= in.StartDate {
		return flow.Result{}, ErrInvalidEndDate
	}
	if in.PaymentDay < ledger.MinPaymentDay || in.PaymentDay > ledger.MaxPaymentDay {
		return flow.Result{}, ledger.Guard("InvalidPaymentDay")
	}

	app, err := s.deps.Reader.Application(ctx, in.Application)
	if err != nil {
		return flow.Result{}, err
	}
	derivedApp, err := s.deps.Deriver.Application(app.Listing, app.Applicant, app.CreatedAt)
	if err != nil {
		return flow.Result{}, err
	}
	l, err := s.deps.Reader.Listing(ctx, app.Listing)
	if err != nil {
		return flow.Result{}, err
	}
	if l.Owner != in.Landlord {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if app.Status != ledger.ApplicationApproved {
		return flow.Result{}, ledger.Guard("InvalidApplicationStatus").WithMessage("application is %s", app.Status)
	}
	if l.Status != ledger.ListingAvailable || l.CurrentTenant != nil {
		return flow.Result{}, ledger.Guard("ListingAlreadyRented")
	}

	leaseAddr, err := s.deps.Deriver.Lease(app.Listing, app.Applicant, in.StartDate)
	if err != nil {
		return flow.Result{}, err
	}
	exists, err := s.deps.Reader.Exists(ctx, leaseAddr)
	if err != nil {
		return flow.Result{}, err
	}
	if exists {
		return flow.Result{}, ErrLeaseExists.WithMessage("lease %s already exists", leaseAddr)
	}

	contractID, field, err := s.deps.UploadJSON(ctx, in.Landlord, Contract{
		Listing:    app.Listing,
		Landlord:   in.Landlord,
		Tenant:     app.Applicant,
		Rent:       l.Rent,
		Deposit:    l.Deposit,
		StartDate:  in.StartDate,
		EndDate:    in.EndDate,
		PaymentDay: in.PaymentDay,
		Terms:      in.Terms,
	})
	if err != nil {
		return flow.Result{}, err
	}

	accounts := txassembler.AccountSet{}.
		Set("listing", app.Listing).
		SetDerived("application", in.Application, derivedApp).
		Set("lease", leaseAddr).
		Set("landlord", in.Landlord).
		Set("system_program", address.SystemProgramID)

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind: "create_lease",
		Instruction: createLeaseIx(s.deps.Program(), createArgs{
			applicant:    app.Applicant,
			appCreatedAt: app.CreatedAt,
			start:        in.StartDate,
			end:          in.EndDate,
			paymentDay:   in.PaymentDay,
			contract:     field,
		}),
		Accounts:  accounts,
		Initiator: in.Landlord,
		Entity:    leaseAddr,
		Touched:   []address.Address{leaseAddr},
		Artifacts: compensation.Artifacts{ContentIDs: []contentstore.ContentID{contractID}},
		Payload:   map[string]any{"listing": app.Listing.String(), "tenant": app.Applicant.String()},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("lease prepared", "operation", "create_lease", "lease", leaseAddr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// tokenAccounts resolves the associated token accounts of the parties that
// rent flows between.
func (s *Service) tokenAccounts(accounts txassembler.AccountSet, cfg *ledger.Config, l *ledger.Lease) error {
	for role, owner := range map[string]address.Address{
		"tenant_token":       l.Tenant,
		"landlord_token":     l.Landlord,
		"fee_receiver_token": cfg.FeeReceiver,
	} {
		a, err := s.deps.Deriver.TokenAccount(owner, cfg.Mint)
		if err != nil {
			return err
		}
		accounts.Set(role, a)
	}
	return nil
}

// Sign prepares the tenant's sign_lease transaction, which pays the first
// month and moves the deposit into escrow.
func (s *Service) Sign(ctx context.Context, tenant, leaseAddr address.Address) (flow.Result, error) {
	l, err := s.deps.Reader.Lease(ctx, leaseAddr)
	if err != nil {
		return flow.Result{}, err
	}
	if l.Tenant != tenant {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if l.Status != ledger.LeaseActive {
		return flow.Result{}, ledger.Guard("LeaseAlreadyTerminated")
	}
	if !l.LandlordSigned || l.TenantSigned {
		return flow.Result{}, ledger.Guard("AlreadySigned").WithMessage("lease %s is not awaiting the tenant's signature", leaseAddr)
	}
	listing, err := s.deps.Reader.Listing(ctx, l.Listing)
	if err != nil {
		return flow.Result{}, err
	}
	if listing.Status != ledger.ListingAvailable {
		return flow.Result{}, ledger.Guard("ListingAlreadyRented")
	}

	cfgAddr, cfg, err := s.deps.Config(ctx)
	if err != nil {
		return flow.Result{}, err
	}
	escrowAddr, err := s.deps.Deriver.Escrow(leaseAddr)
	if err != nil {
		return flow.Result{}, err
	}
	vault, err := s.deps.Deriver.EscrowVault(leaseAddr)
	if err != nil {
		return flow.Result{}, err
	}
	accounts := txassembler.AccountSet{}.
		Set("config", cfgAddr).
		Set("listing", l.Listing).
		Set("lease", leaseAddr).
		Set("escrow", escrowAddr).
		Set("tenant", tenant).
		Set("escrow_token", vault).
		Set("usdc_mint", cfg.Mint).
		Set("token_program", address.TokenProgramID).
		Set("system_program", address.SystemProgramID).
		Set("rent", address.RentSysvarID)
	if err := s.tokenAccounts(accounts, cfg, l); err != nil {
		return flow.Result{}, err
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "sign_lease",
		Instruction: signLeaseIx(s.deps.Program()),
		Accounts:    accounts,
		Initiator:   tenant,
		Entity:      leaseAddr,
		Touched:     []address.Address{leaseAddr, l.Listing, escrowAddr},
		Payload:     map[string]any{"rent": l.Rent, "deposit": l.Deposit},
	})
	if err != nil {
		return flow.Result{}, err
	}
	res.Breakdown = flow.NewBreakdown(l.Rent, cfg.FeeRateBps)
	res.Breakdown.Escrowed = l.Deposit
	s.logger.Info("lease signature prepared", "operation", "sign_lease", "lease", leaseAddr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// PayRent prepares a pay_rent transaction. A month is payable once the
// number of whole 30-day months since the start reaches the months paid, so
// paying exactly on the boundary is accepted.
func (s *Service) PayRent(ctx context.Context, tenant, leaseAddr address.Address) (flow.Result, error) {
	l, err := s.deps.Reader.Lease(ctx, leaseAddr)
	if err != nil {
		return flow.Result{}, err
	}
	if l.Tenant != tenant {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if l.Status != ledger.LeaseActive {
		return flow.Result{}, ledger.Guard("LeaseAlreadyTerminated")
	}
	if !l.Effective() {
		return flow.Result{}, ErrNotEffective
	}
	now := s.deps.Unix()
	if now >= l.EndDate {
		return flow.Result{}, ErrLeaseEnded
	}
	elapsed := ledger.ElapsedWholeMonths(now, l.StartDate)
	if elapsed < int64(l.PaidMonths) {
		return flow.Result{}, ledger.Guard("PaymentNotDue").WithMessage("%d months paid and %d elapsed; the next month is not due", l.PaidMonths, elapsed)
	}

	cfgAddr, cfg, err := s.deps.Config(ctx)
	if err != nil {
		return flow.Result{}, err
	}
	accounts := txassembler.AccountSet{}.
		Set("config", cfgAddr).
		Set("lease", leaseAddr).
		Set("tenant", tenant).
		Set("token_program", address.TokenProgramID)
	if err := s.tokenAccounts(accounts, cfg, l); err != nil {
		return flow.Result{}, err
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "pay_rent",
		Instruction: payRentIx(s.deps.Program()),
		Accounts:    accounts,
		Initiator:   tenant,
		Entity:      leaseAddr,
		Touched:     []address.Address{leaseAddr},
		Payload:     map[string]any{"month": l.PaidMonths + 1, "rent": l.Rent},
	})
	if err != nil {
		return flow.Result{}, err
	}
	res.Breakdown = flow.NewBreakdown(l.Rent, cfg.FeeRateBps)
	s.logger.Info("rent payment prepared", "operation", "pay_rent", "lease", leaseAddr.String(),
		"month", l.PaidMonths+1, "attempt_id", res.AttemptID)
	return res, nil
}

// Terminate prepares a terminate_lease transaction for either party. It is
// refused while a dispute holds the escrow.
func (s *Service) Terminate(ctx context.Context, caller, leaseAddr address.Address) (flow.Result, error) {
	l, err := s.deps.Reader.Lease(ctx, leaseAddr)
	if err != nil {
		return flow.Result{}, err
	}
	if !l.IsParty(caller) {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if l.Status != ledger.LeaseActive {
		return flow.Result{}, ledger.Guard("LeaseAlreadyTerminated")
	}
	escrowAddr, err := s.deps.Deriver.Escrow(leaseAddr)
	if err != nil {
		return flow.Result{}, err
	}
	esc, err := s.deps.Reader.Fresh().Escrow(ctx, escrowAddr)
	switch {
	case errors.Is(err, ledger.ErrEscrowNotFound):
	case err != nil:
		return flow.Result{}, err
	case esc.HasDispute:
		return flow.Result{}, ledger.Guard("DisputeInProgress")
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "terminate_lease",
		Instruction: terminateIx(s.deps.Program()),
		Accounts:    txassembler.AccountSet{}.Set("listing", l.Listing).Set("lease", leaseAddr).Set("escrow", escrowAddr).Set("signer", caller),
		Initiator:   caller,
		Entity:      leaseAddr,
		Touched:     []address.Address{leaseAddr, l.Listing},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("termination prepared", "operation", "terminate_lease", "lease", leaseAddr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// Get returns one lease with the number of months currently due.
func (s *Service) Get(ctx context.Context, addr address.Address) (View, error) {
	l, err := s.deps.Reader.Lease(ctx, addr)
	if err != nil {
		return View{}, err
	}
	return View{
		Address:        addr,
		Listing:        l.Listing,
		Landlord:       l.Landlord,
		Tenant:         l.Tenant,
		Rent:           l.Rent,
		Deposit:        l.Deposit,
		StartDate:      l.StartDate,
		EndDate:        l.EndDate,
		PaymentDay:     l.PaymentDay,
		PaidMonths:     l.PaidMonths,
		DueMonths:      ledger.ElapsedWholeMonths(s.deps.Unix(), l.StartDate),
		LandlordSigned: l.LandlordSigned,
		TenantSigned:   l.TenantSigned,
		Status:         l.Status.String(),
		ContractID:     contentstore.DecodeFromFixedField(l.ContractURI),
	}, nil
}
