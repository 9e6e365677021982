// Package attempt is the orchestration layer's own bookkeeping for prepared
// transactions: which party holds which transaction, what was uploaded for
// it, and what the party later reported about it.
package attempt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/compensation"
	"leaseflow/contentstore"
	"leaseflow/ledger"
	"leaseflow/metrics"
)

var (
	ErrWrongParty         = apperr.Authorization("attempt_wrong_party", "attempt belongs to another party")
	ErrAlreadyConfirmed   = apperr.StateConflict("attempt_confirmed", "attempt was already confirmed")
	ErrAlreadyFailed      = apperr.StateConflict("attempt_failed", "attempt was already reported as failed")
	ErrMissingKey         = apperr.Validation("idempotency_key_required", "an idempotency key is required")
	ErrReportInProgress   = apperr.StateConflict("report_in_progress", "a report with this key is still being processed")
	ErrKeyForOtherAttempt = apperr.Validation("idempotency_key_reused", "idempotency key was used for another attempt")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Pool is the database handle the service needs.
type Pool interface {
	TxBeginner
	Querier
}

// Store defines the data access required by the service.
type Store interface {
	InsertAttempt(ctx context.Context, tx pgx.Tx, id string, params OpenParams) (Attempt, error)
	ReserveReport(ctx context.Context, tx pgx.Tx, attemptID, key string) error
	LockAttempt(ctx context.Context, tx pgx.Tx, id string) (Attempt, error)
	Get(ctx context.Context, q Querier, id string) (Attempt, error)
	MarkFailed(ctx context.Context, tx pgx.Tx, id, code string) error
	MarkConfirmed(ctx context.Context, tx pgx.Tx, id, signature string) error
	AppendEvent(ctx context.Context, tx pgx.Tx, attemptID, eventType string, actor address.Address, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	StoreOutcome(ctx context.Context, q Querier, key string, outcome FailureOutcome) error
	LoadOutcome(ctx context.Context, q Querier, key string) (FailureOutcome, string, bool, error)
	StageUpload(ctx context.Context, q Querier, owner address.Address, id contentstore.ContentID, kind string) error
	OwnedUploads(ctx context.Context, q Querier, owner address.Address, ids []contentstore.ContentID) (compensation.Artifacts, error)
	ReleaseStaged(ctx context.Context, q Querier, owner address.Address, ids []contentstore.ContentID) error
}

// Cleaner runs compensation for a failed attempt.
type Cleaner interface {
	Cleanup(ctx context.Context, a compensation.Artifacts) compensation.Report
}

// FreshnessChecker compares a recency token's last valid height with the ledger.
type FreshnessChecker interface {
	EnsureFresh(ctx context.Context, lastValidHeight uint64) error
}

// Publisher delivers lifecycle events to one party's live connections.
type Publisher interface {
	PublishToParty(party address.Address, eventType string, data any)
}

// VerifyFunc checks fresh ledger state for the attempt's expected post-state.
type VerifyFunc func(ctx context.Context, a Attempt) error

type Service struct {
	pool      Pool
	repo      Store
	cleaner   Cleaner
	freshness FreshnessChecker
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	newID     func() string
}

func NewService(pool Pool, repo Store, cleaner Cleaner, freshness FreshnessChecker) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		cleaner:   cleaner,
		freshness: freshness,
		logger:    slog.Default().With("component", "attempt"),
		newID:     func() string { return uuid.NewString() },
	}
}

func (s *Service) WithIDGenerator(fn func() string) *Service {
	if fn != nil {
		s.newID = fn
	}
	return s
}

func (s *Service) WithPublisher(p Publisher) *Service {
	s.publisher = p
	return s
}

func (s *Service) WithMetrics(m *metrics.Metrics) *Service {
	s.metrics = m
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	if logger != nil {
		s.logger = logger.With("component", "attempt")
	}
	return s
}

func (s *Service) publish(party address.Address, eventType string, data any) {
	if s.publisher != nil {
		s.publisher.PublishToParty(party, eventType, data)
	}
}

// Open records a prepared transaction with its timeline event and outbox row.
func (s *Service) Open(ctx context.Context, params OpenParams) (Attempt, error) {
	if params.Kind == "" || params.Initiator.IsZero() {
		return Attempt{}, fmt.Errorf("attempt: kind and initiator are required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Attempt{}, fmt.Errorf("attempt: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	id := s.newID()
	rec, err := s.repo.InsertAttempt(ctx, tx, id, params)
	if err != nil {
		return Attempt{}, err
	}

	payload := map[string]any{"kind": params.Kind, "entity": params.Entity.String()}
	for k, v := range params.Payload {
		payload[k] = v
	}
	if err := s.repo.AppendEvent(ctx, tx, id, EventPrepared, params.Initiator, payload); err != nil {
		return Attempt{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicPrepared, map[string]any{
		"attempt_id": id,
		"kind":       params.Kind,
		"initiator":  params.Initiator.String(),
		"entity":     params.Entity.String(),
	}); err != nil {
		return Attempt{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Attempt{}, fmt.Errorf("attempt: commit tx: %w", err)
	}

	s.metrics.AttemptOpened(params.Kind)
	s.publish(params.Initiator, "attempt_prepared", map[string]any{"attemptId": id, "kind": params.Kind, "entity": params.Entity})
	return rec, nil
}

// ReportFailure marks the attempt failed and compensates its artifacts. A
// repeated report with the same idempotency key replays the first outcome.
func (s *Service) ReportFailure(ctx context.Context, report FailureReport) (FailureOutcome, error) {
	if report.IdempotencyKey == "" {
		return FailureOutcome{}, ErrMissingKey
	}
	if report.AttemptID == "" {
		return FailureOutcome{}, apperr.Validation("attempt_id_required", "attempt id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return FailureOutcome{}, fmt.Errorf("attempt: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.ReserveReport(ctx, tx, report.AttemptID, report.IdempotencyKey); err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			_ = tx.Rollback(ctx)
			return s.replay(ctx, report)
		}
		return FailureOutcome{}, err
	}

	rec, err := s.repo.LockAttempt(ctx, tx, report.AttemptID)
	if err != nil {
		return FailureOutcome{}, err
	}
	if rec.Initiator != report.Party {
		return FailureOutcome{}, ErrWrongParty
	}

	switch rec.Status {
	case StatusConfirmed:
		return FailureOutcome{}, ErrAlreadyConfirmed
	case StatusFailed:
		code := ""
		if rec.FailureCode != nil {
			code = *rec.FailureCode
		}
		outcome := newOutcome(rec.ID, ErrAlreadyFailed.WithMessage("attempt already failed with %s", code), nil)
		outcome.Replayed = true
		if err := s.repo.StoreOutcome(ctx, tx, report.IdempotencyKey, outcome); err != nil {
			return FailureOutcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return FailureOutcome{}, fmt.Errorf("attempt: commit tx: %w", err)
		}
		return outcome, nil
	}

	mapped := ledger.MapRejection(report.LedgerCode)
	if err := s.repo.MarkFailed(ctx, tx, rec.ID, mapped.Code); err != nil {
		return FailureOutcome{}, err
	}
	if err := s.repo.AppendEvent(ctx, tx, rec.ID, EventFailed, report.Party, map[string]any{
		"ledger_code": report.LedgerCode,
		"reason":      report.Reason,
		"error_code":  mapped.Code,
	}); err != nil {
		return FailureOutcome{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicFailed, map[string]any{
		"attempt_id": rec.ID,
		"kind":       rec.Kind,
		"error_code": mapped.Code,
	}); err != nil {
		return FailureOutcome{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FailureOutcome{}, fmt.Errorf("attempt: commit tx: %w", err)
	}

	// The failure is committed; a caller hanging up must not strand pins that
	// a replay of this key will never retry.
	detached := context.WithoutCancel(ctx)
	cleanup := s.cleaner.Cleanup(detached, rec.Artifacts)
	outcome := newOutcome(rec.ID, mapped, &cleanup)
	if err := s.repo.StoreOutcome(detached, s.pool, report.IdempotencyKey, outcome); err != nil {
		s.logger.Error("store failure outcome", "operation", "report_failure", "attempt_id", rec.ID, "error", err)
	}

	s.metrics.AttemptOutcome(string(StatusFailed), mapped.Code)
	s.logger.Info("attempt failed",
		"operation", "report_failure", "attempt_id", rec.ID, "kind", rec.Kind,
		"entity", rec.Entity.String(), "error_code", mapped.Code, "cleanup_failed", cleanup.Failed())
	s.publish(rec.Initiator, "attempt_failed", map[string]any{"attemptId": rec.ID, "errorCode": mapped.Code})
	return outcome, nil
}

func (s *Service) replay(ctx context.Context, report FailureReport) (FailureOutcome, error) {
	outcome, attemptID, ok, err := s.repo.LoadOutcome(ctx, s.pool, report.IdempotencyKey)
	if err != nil {
		return FailureOutcome{}, err
	}
	if attemptID != report.AttemptID {
		return FailureOutcome{}, ErrKeyForOtherAttempt
	}
	if !ok {
		return FailureOutcome{}, ErrReportInProgress
	}
	outcome.Replayed = true
	return outcome, nil
}

// Confirm marks the attempt confirmed once verify observes the expected
// ledger state. Confirming twice returns the confirmed attempt.
func (s *Service) Confirm(ctx context.Context, params ConfirmParams, verify VerifyFunc) (Attempt, error) {
	rec, err := s.repo.Get(ctx, s.pool, params.AttemptID)
	if err != nil {
		return Attempt{}, err
	}
	if rec.Initiator != params.Party {
		return Attempt{}, ErrWrongParty
	}
	switch rec.Status {
	case StatusConfirmed:
		return rec, nil
	case StatusFailed:
		return Attempt{}, ErrAlreadyFailed
	}

	if verify != nil {
		if err := verify(ctx, rec); err != nil {
			return Attempt{}, err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Attempt{}, fmt.Errorf("attempt: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	locked, err := s.repo.LockAttempt(ctx, tx, rec.ID)
	if err != nil {
		return Attempt{}, err
	}
	switch locked.Status {
	case StatusConfirmed:
		return locked, nil
	case StatusFailed:
		return Attempt{}, ErrAlreadyFailed
	}
	if err := s.repo.MarkConfirmed(ctx, tx, rec.ID, params.Signature); err != nil {
		return Attempt{}, err
	}
	if err := s.repo.AppendEvent(ctx, tx, rec.ID, EventConfirmed, params.Party, map[string]any{"signature": params.Signature}); err != nil {
		return Attempt{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, OutboxTopicConfirmed, map[string]any{
		"attempt_id": rec.ID,
		"kind":       rec.Kind,
		"entity":     rec.Entity.String(),
	}); err != nil {
		return Attempt{}, err
	}
	if err := s.repo.ReleaseStaged(ctx, tx, rec.Initiator, rec.Artifacts.ImageIDs); err != nil {
		return Attempt{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Attempt{}, fmt.Errorf("attempt: commit tx: %w", err)
	}

	locked.Status = StatusConfirmed
	if params.Signature != "" {
		sig := params.Signature
		locked.Signature = &sig
	}
	s.metrics.AttemptOutcome(string(StatusConfirmed), "")
	s.publish(rec.Initiator, "attempt_confirmed", map[string]any{"attemptId": rec.ID, "entity": rec.Entity})
	return locked, nil
}

// CheckFresh reports whether the attempt's transaction can still land.
func (s *Service) CheckFresh(ctx context.Context, id string, party address.Address) error {
	rec, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return err
	}
	if rec.Initiator != party {
		return ErrWrongParty
	}
	if rec.Status != StatusPrepared {
		return apperr.StateConflict("attempt_not_prepared", "attempt already has an outcome")
	}
	return s.freshness.EnsureFresh(ctx, rec.LastValidHeight)
}

// Get returns an attempt owned by party.
func (s *Service) Get(ctx context.Context, id string, party address.Address) (Attempt, error) {
	rec, err := s.repo.Get(ctx, s.pool, id)
	if err != nil {
		return Attempt{}, err
	}
	if rec.Initiator != party {
		return Attempt{}, ErrWrongParty
	}
	return rec, nil
}

// StageUpload remembers content uploaded by owner ahead of any attempt.
func (s *Service) StageUpload(ctx context.Context, owner address.Address, id contentstore.ContentID, kind string) error {
	return s.repo.StageUpload(ctx, s.pool, owner, id, kind)
}

// CleanupStaged compensates staged uploads owned by owner. Ids owned by
// anyone else are skipped and returned.
func (s *Service) CleanupStaged(ctx context.Context, owner address.Address, requested compensation.Artifacts) (compensation.Report, []contentstore.ContentID, error) {
	all := append(append([]contentstore.ContentID(nil), requested.ContentIDs...), requested.ImageIDs...)
	owned, err := s.repo.OwnedUploads(ctx, s.pool, owner, all)
	if err != nil {
		return compensation.Report{}, nil, err
	}

	ownedSet := make(map[contentstore.ContentID]struct{})
	for _, id := range append(append([]contentstore.ContentID(nil), owned.ContentIDs...), owned.ImageIDs...) {
		ownedSet[id] = struct{}{}
	}
	var skipped []contentstore.ContentID
	for _, id := range all {
		if _, ok := ownedSet[id]; !ok {
			skipped = append(skipped, id)
		}
	}

	detached := context.WithoutCancel(ctx)
	report := s.cleaner.Cleanup(detached, owned)
	var cleaned []contentstore.ContentID
	for _, d := range report.Details {
		if d.Cleaned {
			cleaned = append(cleaned, d.ID)
		}
	}
	if err := s.repo.ReleaseStaged(detached, s.pool, owner, cleaned); err != nil {
		s.logger.Error("release cleaned uploads", "operation", "cleanup_staged", "owner", owner.String(), "error", err)
	}
	return report, skipped, nil
}
