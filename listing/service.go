// Package listing prepares the transactions that create, delist and edit
// rental listings.
package listing

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"time"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/compensation"
	"leaseflow/contentstore"
	"leaseflow/disclosure"
	"leaseflow/flow"
	"leaseflow/ledger"
	"leaseflow/txassembler"
)

// DefaultApprovalWindow is how long an approved application blocks delisting.
const DefaultApprovalWindow = 72 * time.Hour

var (
	ErrInvalidRent      = apperr.Validation("invalid_rent", "rent must be greater than zero")
	ErrMissingAttest    = apperr.Validation("property_attest_required", "a property attestation account is required")
	ErrListingExists    = apperr.StateConflict("listing_exists", "a listing for this property already exists")
	ErrApprovalPending  = apperr.StateConflict("approval_pending", "an approved application is still inside its window")
	ErrEmptyUpdate      = apperr.Validation("empty_update", "nothing to update")
	ErrCoSignerMismatch = apperr.Internal("cosigner_mismatch", "the configured co-signer is not the platform key")
)

// DisclosureSource hands out validated property disclosures.
type DisclosureSource interface {
	Require(party address.Address, credentialID string) (disclosure.Validated, error)
}

type Service struct {
	deps           flow.Deps
	disclosures    DisclosureSource
	approvalWindow time.Duration
	logger         *slog.Logger
}

func NewService(deps flow.Deps, disclosures DisclosureSource) *Service {
	return &Service{
		deps:           deps,
		disclosures:    disclosures,
		approvalWindow: DefaultApprovalWindow,
		logger:         slog.Default().With("component", "listing"),
	}
}

func (s *Service) WithApprovalWindow(d time.Duration) *Service {
	if d > 0 {
		s.approvalWindow = d
	}
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "listing")
	}
	return s
}

// CheckTerms applies the deposit rule rent <= deposit <= 3*rent without
// overflowing.
func CheckTerms(rent, deposit uint64) error {
	if rent == 0 {
		return ErrInvalidRent
	}
	if deposit < rent {
		return ledger.Guard("DepositOutOfRange")
	}
	if rent <= math.MaxUint64/3 && deposit > 3*rent {
		return ledger.Guard("DepositOutOfRange")
	}
	return nil
}

// Create prepares a create_listing transaction backed by a validated property
// disclosure. The disclosure stays cached for its window; the listing account
// itself keeps a property from being listed twice.
func (s *Service) Create(ctx context.Context, in CreateInput) (flow.Result, error) {
	if err := CheckTerms(in.Rent, in.Deposit); err != nil {
		return flow.Result{}, err
	}
	if in.PropertyAttest.IsZero() {
		return flow.Result{}, ErrMissingAttest
	}

	listingAddr, err := s.deps.Deriver.Listing(in.PropertyAttest)
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
	exists, err := s.deps.Reader.Exists(ctx, listingAddr)
	if err != nil {
		return flow.Result{}, err
	}
	if exists {
		return flow.Result{}, ErrListingExists.WithMessage("listing %s already exists", listingAddr)
	}

	v, err := s.disclosures.Require(in.Owner, in.CredentialID)
	if err != nil {
		return flow.Result{}, err
	}
	if v.CredentialType != disclosure.CredentialProperty {
		return flow.Result{}, disclosure.ErrDisclosureRequired.WithMessage("credential %s is not a property credential", in.CredentialID)
	}

	metaID, field, err := s.deps.UploadJSON(ctx, in.Owner, Metadata{
		Address:      v.Address,
		BuildingArea: v.BuildingArea,
		Use:          v.Fields["use"],
		Title:        in.Title,
		Description:  in.Description,
		Images:       in.Images,
		Rent:         in.Rent,
		Deposit:      in.Deposit,
	})
	if err != nil {
		return flow.Result{}, err
	}

	accounts := txassembler.AccountSet{}.
		Set("config", cfgAddr).
		Set("listing", listingAddr).
		Set("owner", in.Owner).
		Set("api_signer", signer).
		Set("property_attest", in.PropertyAttest).
		Set("system_program", address.SystemProgramID)

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "create_listing",
		Instruction: createListingIx(s.deps.Program(), v.BuildingArea, in.Rent, in.Deposit, field),
		Accounts:    accounts,
		Initiator:   in.Owner,
		Entity:      listingAddr,
		Touched:     []address.Address{listingAddr},
		Artifacts:   compensation.Artifacts{ContentIDs: []contentstore.ContentID{metaID}, ImageIDs: in.Images},
		Payload:     map[string]any{"credential_id": in.CredentialID, "rent": in.Rent, "deposit": in.Deposit},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("listing prepared", "operation", "create_listing", "listing", listingAddr.String(),
		"owner", in.Owner.String(), "attempt_id", res.AttemptID)
	return res, nil
}

// Get returns the listing with its metadata document when the store has it.
func (s *Service) Get(ctx context.Context, addr address.Address) (View, error) {
	l, err := s.deps.Reader.Listing(ctx, addr)
	if err != nil {
		return View{}, err
	}
	view := newView(addr, l)
	if view.MetadataID == "" {
		return view, nil
	}
	meta, err := s.metadata(ctx, view.MetadataID)
	if err != nil {
		s.logger.Warn("listing metadata unavailable", "listing", addr.String(), "metadata_id", view.MetadataID, "error", err)
		return view, nil
	}
	view.Metadata = meta
	return view, nil
}

func (s *Service) metadata(ctx context.Context, id contentstore.ContentID) (*Metadata, error) {
	raw, err := s.deps.Content.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, apperr.Internal("metadata_decode_failed", "listing metadata is not valid JSON").Wrap(err)
	}
	return &meta, nil
}

// Toggle prepares a toggle_listing transaction that flips a listing between
// Available and Delisted.
func (s *Service) Toggle(ctx context.Context, owner, addr address.Address) (flow.Result, error) {
	l, err := s.deps.Reader.Listing(ctx, addr)
	if err != nil {
		return flow.Result{}, err
	}
	if l.Owner != owner {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if l.Status == ledger.ListingRented {
		return flow.Result{}, ledger.Guard("CannotDeactivateWithLease")
	}
	if l.Status == ledger.ListingAvailable {
		if err := s.ensureNoLiveApproval(ctx, addr); err != nil {
			return flow.Result{}, err
		}
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "toggle_listing",
		Instruction: toggleListingIx(s.deps.Program()),
		Accounts:    txassembler.AccountSet{}.Set("listing", addr).Set("owner", owner),
		Initiator:   owner,
		Entity:      addr,
		Touched:     []address.Address{addr},
		Payload:     map[string]any{"from": l.Status.String()},
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("listing toggle prepared", "operation", "toggle_listing", "listing", addr.String(), "attempt_id", res.AttemptID)
	return res, nil
}

func (s *Service) ensureNoLiveApproval(ctx context.Context, addr address.Address) error {
	apps, err := s.deps.Reader.ApplicationsForListing(ctx, addr)
	if err != nil {
		return err
	}
	cutoff := s.deps.Unix() - int64(s.approvalWindow/time.Second)
	for _, app := range apps {
		if app.Status == ledger.ApplicationApproved && app.UpdatedAt > cutoff {
			return ErrApprovalPending.WithMessage("application %s was approved inside the last %s", app.Address, s.approvalWindow)
		}
	}
	return nil
}

// Update prepares an update_listing transaction with a fresh metadata document.
func (s *Service) Update(ctx context.Context, in UpdateInput) (flow.Result, error) {
	if in.Rent == nil && in.Deposit == nil && !in.touchesMetadata() {
		return flow.Result{}, ErrEmptyUpdate
	}
	l, err := s.deps.Reader.Listing(ctx, in.Listing)
	if err != nil {
		return flow.Result{}, err
	}
	if l.Owner != in.Owner {
		return flow.Result{}, ledger.Guard("Unauthorized")
	}
	if l.Status == ledger.ListingRented {
		return flow.Result{}, ledger.Guard("ListingAlreadyRented")
	}
	rent, deposit := l.Rent, l.Deposit
	if in.Rent != nil {
		rent = *in.Rent
	}
	if in.Deposit != nil {
		deposit = *in.Deposit
	}
	if err := CheckTerms(rent, deposit); err != nil {
		return flow.Result{}, err
	}

	// The metadata document mirrors the terms, so every update replaces it.
	meta := &Metadata{BuildingArea: l.BuildingArea}
	current := contentstore.DecodeFromFixedField(l.MetadataURI)
	if current != "" {
		if meta, err = s.metadata(ctx, current); err != nil {
			return flow.Result{}, err
		}
	}
	if in.Title != nil {
		meta.Title = *in.Title
	}
	if in.Description != nil {
		meta.Description = *in.Description
	}
	if in.Images != nil {
		meta.Images = in.Images
	}
	meta.Rent, meta.Deposit = rent, deposit

	metaID, field, err := s.deps.UploadJSON(ctx, in.Owner, meta)
	if err != nil {
		return flow.Result{}, err
	}
	// Images may already back the live listing, and an unchanged document has
	// the live document's id, so only a new document is compensated.
	var artifacts compensation.Artifacts
	if metaID != current {
		artifacts.ContentIDs = []contentstore.ContentID{metaID}
	}

	res, err := s.deps.Runner.Run(ctx, flow.Request{
		Kind:        "update_listing",
		Instruction: updateListingIx(s.deps.Program(), in.Rent, in.Deposit, &field),
		Accounts:    txassembler.AccountSet{}.Set("listing", in.Listing).Set("owner", in.Owner),
		Initiator:   in.Owner,
		Entity:      in.Listing,
		Touched:     []address.Address{in.Listing},
		Artifacts:   artifacts,
	})
	if err != nil {
		return flow.Result{}, err
	}
	s.logger.Info("listing update prepared", "operation", "update_listing", "listing", in.Listing.String(), "attempt_id", res.AttemptID)
	return res, nil
}
