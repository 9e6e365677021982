// Package disclosure runs the request, poll and cache protocol for
// credential disclosures with the attestation service.
package disclosure

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/metrics"
)

const (
	PendingWindow   = 5 * time.Minute
	ValidatedWindow = 10 * time.Minute
)

// Status is the engine's view of one disclosure request.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

var (
	ErrNoCredential       = apperr.Authorization("credential_missing", "the wallet holds no credential of the requested type")
	ErrUnknownCredential  = apperr.Validation("unknown_credential_type", "credential type is not supported")
	ErrDisclosureExpired  = apperr.Expired("disclosure_expired", "disclosure request expired; start a new one")
	ErrDisclosureRequired = apperr.Validation("disclosure_required", "a validated disclosure is required")
	ErrWrongParty         = apperr.Authorization("disclosure_wrong_party", "disclosure request belongs to another wallet")
)

// Validated is a disclosure that passed its rules.
type Validated struct {
	Party          string            `json:"party"`
	CredentialID   string            `json:"credentialId"`
	CredentialType string            `json:"credentialType"`
	Fields         map[string]string `json:"fields"`
	BuildingArea   uint32            `json:"buildingArea,omitempty"`
	Address        string            `json:"address,omitempty"`
	ValidatedAt    time.Time         `json:"validatedAt"`
}

type pendingRecord struct {
	requestID      string
	party          address.Address
	credentialID   string
	credentialType string
	createdAt      time.Time
}

// CreateInput is one request for a holder to disclose a credential.
type CreateInput struct {
	Party          address.Address
	CredentialID   string
	CredentialType string
	RequiredFields []string
	Purpose        string
}

// Created is returned to the holder so they can present the credential.
type Created struct {
	RequestID       string    `json:"requestId"`
	PresentationURI string    `json:"presentationUri"`
	QRCodeURL       string    `json:"qrCodeUrl"`
	ExpiresAt       time.Time `json:"expiresAt"`
}

// PollResult reports a request's status and, once completed, the validated result.
type PollResult struct {
	RequestID string     `json:"requestId"`
	Status    Status     `json:"status"`
	Result    *Validated `json:"result,omitempty"`
}

type Engine struct {
	client    Client
	pending   *ttlcache.Cache[string, pendingRecord]
	validated *ttlcache.Cache[string, Validated]
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

func NewEngine(client Client) *Engine {
	return &Engine{
		client: client,
		pending: ttlcache.New[string, pendingRecord](
			ttlcache.WithTTL[string, pendingRecord](PendingWindow),
			ttlcache.WithDisableTouchOnHit[string, pendingRecord](),
		),
		validated: ttlcache.New[string, Validated](
			ttlcache.WithTTL[string, Validated](ValidatedWindow),
			ttlcache.WithDisableTouchOnHit[string, Validated](),
		),
		now:    time.Now,
		logger: slog.Default().With("component", "disclosure"),
	}
}

// WithClock replaces the engine's clock; windows are measured against it.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	if logger != nil {
		e.logger = logger.With("component", "disclosure")
	}
	return e
}

func (e *Engine) WithMetrics(m *metrics.Metrics) *Engine {
	e.metrics = m
	return e
}

// Start runs the caches' expiry loops until Stop.
func (e *Engine) Start() {
	go e.pending.Start()
	go e.validated.Start()
}

func (e *Engine) Stop() {
	e.pending.Stop()
	e.validated.Stop()
}

func validatedKey(party, credentialID string) string { return party + "|" + credentialID }

// Create checks that the holder has the credential and opens a request.
func (e *Engine) Create(ctx context.Context, in CreateInput) (Created, error) {
	rules, ok := RulesFor(in.CredentialType)
	if !ok {
		return Created{}, ErrUnknownCredential.WithMessage("credential type %q is not supported", in.CredentialType)
	}
	fields := in.RequiredFields
	if len(fields) == 0 {
		fields = rules.Required
	}

	did := DID(in.Party)
	status, err := e.client.AttestationStatus(ctx, did)
	if err != nil {
		return Created{}, err
	}
	if !status.Has(in.CredentialType) {
		return Created{}, ErrNoCredential
	}

	req, err := e.client.CreateRequest(ctx, CreateParams{
		HolderDID:      did,
		CredentialType: in.CredentialType,
		CredentialID:   in.CredentialID,
		RequiredFields: fields,
		Purpose:        in.Purpose,
	})
	if err != nil {
		return Created{}, err
	}

	now := e.now()
	e.pending.Set(req.RequestID, pendingRecord{
		requestID:      req.RequestID,
		party:          in.Party,
		credentialID:   in.CredentialID,
		credentialType: in.CredentialType,
		createdAt:      now,
	}, ttlcache.DefaultTTL)

	expires := now.Add(PendingWindow)
	if !req.ExpiresAt.IsZero() && req.ExpiresAt.Before(expires) {
		expires = req.ExpiresAt
	}
	e.logger.Info("disclosure requested", "operation", "create_disclosure", "request_id", req.RequestID,
		"party", in.Party.String(), "credential_type", in.CredentialType)
	return Created{
		RequestID:       req.RequestID,
		PresentationURI: req.PresentationURI,
		QRCodeURL:       e.client.QRCodeURL(req.PresentationURI),
		ExpiresAt:       expires,
	}, nil
}

// lookup returns the pending record if it is still inside its window.
func (e *Engine) lookup(requestID string) (pendingRecord, bool) {
	item := e.pending.Get(requestID)
	if item == nil {
		return pendingRecord{}, false
	}
	rec := item.Value()
	if e.now().Sub(rec.createdAt) > PendingWindow {
		e.pending.Delete(requestID)
		return pendingRecord{}, false
	}
	return rec, true
}

// Poll asks the attestation service for the request's status. party must be
// the wallet that created the request.
func (e *Engine) Poll(ctx context.Context, requestID string, party address.Address) (PollResult, error) {
	rec, ok := e.lookup(requestID)
	if !ok {
		e.metrics.DisclosurePoll(string(StatusExpired))
		return PollResult{RequestID: requestID, Status: StatusExpired}, nil
	}
	if rec.party != party {
		return PollResult{}, ErrWrongParty
	}

	remote, err := e.client.RequestStatus(ctx, requestID)
	if err != nil {
		return PollResult{}, err
	}
	return e.settle(rec, remote.Status, remote.DisclosedData)
}

// HandleCallback is the push form of completion from the attestation service.
func (e *Engine) HandleCallback(ctx context.Context, requestID, status string, data map[string]string) (PollResult, error) {
	rec, ok := e.lookup(requestID)
	if !ok {
		e.metrics.DisclosurePoll(string(StatusExpired))
		return PollResult{RequestID: requestID, Status: StatusExpired}, nil
	}
	return e.settle(rec, status, data)
}

func (e *Engine) settle(rec pendingRecord, remoteStatus string, data map[string]string) (PollResult, error) {
	switch remoteStatus {
	case "completed":
		rules, _ := RulesFor(rec.credentialType)
		v, err := Validate(rec.party.String(), rec.credentialID, data, rules)
		e.pending.Delete(rec.requestID)
		if err != nil {
			e.metrics.DisclosurePoll("invalid")
			e.logger.Warn("disclosure failed validation", "request_id", rec.requestID, "party", rec.party.String(), "error", err)
			return PollResult{}, err
		}
		v.ValidatedAt = e.now()
		e.validated.Set(validatedKey(v.Party, v.CredentialID), v, ttlcache.DefaultTTL)
		e.metrics.DisclosurePoll(string(StatusCompleted))
		e.logger.Info("disclosure validated", "operation", "poll_disclosure", "request_id", rec.requestID, "party", v.Party)
		return PollResult{RequestID: rec.requestID, Status: StatusCompleted, Result: &v}, nil
	case "expired", "rejected":
		e.pending.Delete(rec.requestID)
		e.metrics.DisclosurePoll(string(StatusExpired))
		return PollResult{RequestID: rec.requestID, Status: StatusExpired}, nil
	default:
		e.metrics.DisclosurePoll(string(StatusPending))
		return PollResult{RequestID: rec.requestID, Status: StatusPending}, nil
	}
}

// Lookup returns a validated result without consuming it.
func (e *Engine) Lookup(party address.Address, credentialID string) (Validated, bool) {
	item := e.validated.Get(validatedKey(party.String(), credentialID))
	if item == nil {
		return Validated{}, false
	}
	v := item.Value()
	if e.now().Sub(v.ValidatedAt) > ValidatedWindow {
		e.validated.Delete(validatedKey(party.String(), credentialID))
		return Validated{}, false
	}
	return v, true
}

// Require returns the validated result for credentialID without consuming
// it, so a party whose submission failed can prepare again inside the window.
func (e *Engine) Require(party address.Address, credentialID string) (Validated, error) {
	v, ok := e.Lookup(party, credentialID)
	if !ok {
		return Validated{}, ErrDisclosureRequired.WithMessage("no validated disclosure for credential %s", credentialID)
	}
	return v, nil
}
