// Package application prepares the transactions that move a rental
// application from submission to a landlord's decision.
package application

import (
	"context"
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
	ErrOwnListing         = apperr.Validation("cannot_apply_own_listing", "a landlord cannot apply to their own listing")
	ErrMissingAttest      = apperr.Validation("tenant_attest_required", "a tenant attestation account is required")
	ErrMessageTooLong     = apperr.Validation("message_too_long", "application message exceeds 2000 characters")
	ErrCoSignerMismatch   = apperr.Internal("cosigner_mismatch", "the configured co-signer is not the platform key")
	ErrListingHasApproval = apperr.StateConflict("listing_has_approval", "another application on this listing is already approved")
	errApplicationExists  = ledger.Guard("ApplicationAlreadyExists")
)

const maxMessageRunes = 2000

// Message is the JSON document an application's message field points at.
type Message struct {
	Listing   address.Address `json:"listing"`
	Applicant address.Address `json:"applicant"`
	Text      string          `json:"text"`
	CreatedAt int64           `json:"createdAt"`
}

// ApplyInput describes a tenant's application to a listing.
type ApplyInput struct {
	Applicant    address.Address
	Listing      address.Address
	TenantAttest address.Address
	Message      string
}

// View is an application as served to clients.
type View struct {
	Address      address.Address        `json:"address"`
	Listing      address.Address        `json:"listing"`
	Applicant    address.Address        `json:"applicant"`
	TenantAttest address.Address        `json:"tenantAttest"`
	MessageID    contentstore.ContentID `json:"messageId"`
	Status       string                 `json:"status"`
	CreatedAt    int64                  `json:"createdAt"`
	UpdatedAt    int64                  `json:"updatedAt"`
}

func newView(addr address.Address, a *ledger.Application) View {
	return View{
		Address:      addr,
		Listing:      a.Listing,
		Applicant:    a.Applicant,
		TenantAttest: a.TenantAttest,
		MessageID:    contentstore.DecodeFromFixedField(a.MessageURI),
		Status:       a.Status.String(),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

type Service struct {
	deps   flow.Deps
	logger *slog.Logger
}

func NewService(deps flow.Deps) *Service {
	return &Service{deps: deps, logger: slog.Default().With("component", "application")}
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "application")
	}
	return s
}

// Apply prepares an apply_lease transaction co-signed by the platform.
func (s *Service) Apply(ctx context.Context, in ApplyInput) (flow.Result, error) {
	if in.TenantAttest.IsZero() {
		return flow.Result{}, ErrMissingAttest
	}
	if len([]rune(in.Message)) > maxMessageRunes {
		return flow.Result{}, ErrMessageTooLong
	}
	l, err := s.deps.Reader.Listing(ctx, in.Listing)
	if err != nil {
		return flow.Result{}, err
	}
	if l.Owner == in.Applicant {
		return flow.Result{}, ErrOwnListing
	}
	if l.Status != ledger.ListingAvailable {
		return flow.Result{}, ledger.Guard("ListingInactive")
	}
	if err := s.ensureNoOpenApplication(ctx, in.Listing, in.Applicant); err != nil {
		return flow.Result{}, err
	}

	createdAt := s.deps.Unix()
	appAddr, err := s.deps.Deriver.Application(in.Listing, in.Applicant, createdAt)
	if err != nil {
		return flow.Result{}, err
	}
	cfgAddr, cfg, err := s.deps.Config(ctx)
	if err != nil {
		return flow.Result{}, err
	}
	signer := s.deps.Runner.Assembler().CoSignerAddress()
	if cfg.APISigner != signer {
		return flow.Result{}, ErrCoSignerMismatch.WithMessage("config co-signer %s, platform key %s", cfg.APISigner, signer)
	}

	msgID, field, err := s.deps.UploadJSON(ctx, in.Applicant, Message{
		Listing:   in.Listing,
		Applicant: in.Applicant,
		Text:      in.Message,
		CreatedAt: createdAt,
	})
	if err != nil {
		return flow.Result{}, err
	}

	accounts := txassembler.AccountSet{}.
		Set("config", cfgAddr).
		Set("listing", in.Listing).
		Set("application", appAddr).
		Set("applicant", in.Applicant).
		Set("api_signer", signer).
		Set("tenant_attest", in.TenantAttest).
		Set("system_program", address.SystemProgramID)

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "apply_lease",
		Instruction: applyLeaseIx(s.deps.Program(), field, createdAt),
		Accounts:    accounts,
		Initiator:   in.Applicant,
		Entity:      appAddr,
		Touched:     []address.Address{appAddr},
		Artifacts:   compensation.Artifacts{ContentIDs: []contentstore.ContentID{msgID}},
		Payload:     map[string]any{"listing": in.Listing.String(), "created_at": createdAt},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("application prepared", "operation", "apply_lease", "application", appAddr.String(),
		"listing", in.Listing.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// ensureNoOpenApplication enforces at most one Pending or Approved
// application per applicant and listing.
func (s *Service) ensureNoOpenApplication(ctx context.Context, listing, applicant address.Address) error {
	apps, err := s.deps.Reader.ApplicationsForListing(ctx, listing)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if app.Applicant != applicant {
			continue
		}
		if app.Status == ledger.ApplicationPending || app.Status == ledger.ApplicationApproved {
			return errApplicationExists.WithMessage("application %s is still %s", app.Address, app.Status)
		}
	}
	return nil
}

// load reads an application and its listing, and checks that addr is the
// derived address of the application it holds.
func (s *Service) load(ctx context.Context, addr address.Address) (*ledger.Application, *ledger.Listing, error) {
	app, err := s.deps.Reader.Application(ctx, addr)
	if err != nil {
		return nil, nil, err
	}
	derived, err := s.deps.Deriver.Application(app.Listing, app.Applicant, app.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	if derived != addr {
		return nil, nil, txassembler.ErrAccountMismatch.WithMessage("application %s is not derived from its own fields", addr)
	}
	l, err := s.deps.Reader.Listing(ctx, app.Listing)
	if err != nil {
		return nil, nil, err
	}
	return app, l, nil
}

// Approve prepares an approve_application transaction for the listing owner.
func (s *Service) Approve(ctx context.Context, owner, addr address.Address) (flow.Result, error) {
	return s.decide(ctx, "approve_application", owner, addr)
}

// Reject prepares a reject_application transaction for the listing owner.
func (s *Service) Reject(ctx context.Context, owner, addr address.Address) (flow.Result, error) {
	return s.decide(ctx, "reject_application", owner, addr)
}

func (s *Service) decide(ctx context.Context, kind string, owner, addr address.Address) (flow.Result, error) {
	app, l, err := s.load(ctx, addr)
	if err != nil {
		return flow.Result{}, err
	}
	if l.Owner != owner {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if app.Status != ledger.ApplicationPending {
		return flow.Result{}, ledger.Guard("InvalidApplicationStatus").WithMessage("application is %s", app.Status)
	}
	if kind == "approve_application" {
		if l.Status != ledger.ListingAvailable {
			return flow.Result{}, ledger.Guard("ListingInactive")
		}
		if err := s.ensureNoOtherApproval(ctx, app.Listing, addr); err != nil {
			return flow.Result{}, err
		}
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        kind,
		Instruction: decisionIx(kind, s.deps.Program(), app.Applicant, app.CreatedAt),
		Accounts:    txassembler.AccountSet{}.Set("listing", app.Listing).Set("application", addr).Set("owner", owner),
		Initiator:   owner,
		Entity:      addr,
		Touched:     []address.Address{addr},
		Payload:     map[string]any{"listing": app.Listing.String(), "applicant": app.Applicant.String()},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("application decision prepared", "operation", kind, "application", addr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// ensureNoOtherApproval keeps a listing to one approved applicant. The program
// only flips the listing once a lease lands, so two approvals would both commit.
func (s *Service) ensureNoOtherApproval(ctx context.Context, listing, addr address.Address) error {
	apps, err := s.deps.Reader.ApplicationsForListing(ctx, listing)
	if err != nil {
		return err
	}
	for _, app := range apps {
		if app.Address != addr && app.Status == ledger.ApplicationApproved {
			return ErrListingHasApproval.WithMessage("application %s is already approved", app.Address)
		}
	}
	return nil
}

// Withdraw prepares a withdraw_application transaction for the applicant.
func (s *Service) Withdraw(ctx context.Context, applicant, addr address.Address) (flow.Result, error) {
	app, _, err := s.load(ctx, addr)
	if err != nil {
		return flow.Result{}, err
	}
	if app.Applicant != applicant {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if app.Status != ledger.ApplicationPending {
		return flow.Result{}, ledger.Guard("InvalidApplicationStatus").WithMessage("application is %s", app.Status)
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "withdraw_application",
		Instruction: withdrawIx(s.deps.Program()),
		Accounts:    txassembler.AccountSet{}.Set("application", addr).Set("applicant", applicant),
		Initiator:   applicant,
		Entity:      addr,
		Touched:     []address.Address{addr},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("withdrawal prepared", "operation", "withdraw_application", "application", addr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// Cancel prepares a cancel_approved_application transaction. Either the
// applicant or the listing owner may cancel before a lease is signed.
func (s *Service) Cancel(ctx context.Context, caller, addr address.Address) (flow.Result, error) {
	app, l, err := s.load(ctx, addr)
	if err != nil {
		return flow.Result{}, err
	}
	if caller != app.Applicant && caller != l.Owner {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if app.Status != ledger.ApplicationApproved {
		return flow.Result{}, ledger.Guard("InvalidApplicationStatus").WithMessage("application is %s", app.Status)
	}
	if l.Status == ledger.ListingRented {
		return flow.Result{}, ledger.Guard("ListingAlreadyRented")
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "cancel_approved_application",
		Instruction: cancelApprovedIx(s.deps.Program(), app.Applicant, app.CreatedAt),
		Accounts:    txassembler.AccountSet{}.Set("listing", app.Listing).Set("application", addr).Set("signer", caller),
		Initiator:   caller,
		Entity:      addr,
		Touched:     []address.Address{addr, app.Listing},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("cancellation prepared", "operation", "cancel_approved_application", "application", addr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// Get returns one application.
func (s *Service) Get(ctx context.Context, addr address.Address) (View, error) {
	app, err := s.deps.Reader.Application(ctx, addr)
	if err != nil {
		return View{}, err
	}
	return newView(addr, app), nil
}

// ForListing lists every application on a listing, read from the ledger.
func (s *Service) ForListing(ctx context.Context, listing address.Address) ([]View, error) {
	apps, err := s.deps.Reader.ApplicationsForListing(ctx, listing)
	if err != nil {
		return nil, err
	}
	out := make([]View, 0, len(apps))
	for _, app := range apps {
		out = append(out, newView(app.Address, app.Application))
	}
	return out, nil
}
