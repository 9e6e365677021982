package attempt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/compensation"
	"leaseflow/contentstore"
)

var (
	// ErrDuplicateIdempotencyKey signals the report key was already reserved.
	ErrDuplicateIdempotencyKey = errors.New("attempt: duplicate idempotency key")
	// ErrAttemptNotFound is returned when no attempt row exists for the identifier.
	ErrAttemptNotFound = apperr.NotFound("attempt_not_found", "attempt does not exist")
)

// Querier is satisfied by pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const attemptColumns = `id::text, kind, initiator, entity, entity_hash, touched, content_ids, image_ids,
       last_valid_height, status, failure_code, signature, created_at, updated_at`

func scanAttempt(row pgx.Row) (Attempt, error) {
	var (
		rec                 Attempt
		initiator, entity   string
		contentIDs, imageID []string
		touched             []string
		lastValid           int64
		status              string
	)
	if err := row.Scan(&rec.ID, &rec.Kind, &initiator, &entity, &rec.EntityHash, &touched, &contentIDs, &imageID,
		&lastValid, &status, &rec.FailureCode, &rec.Signature, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return Attempt{}, err
	}
	var err error
	if rec.Initiator, err = address.Parse(initiator); err != nil {
		return Attempt{}, fmt.Errorf("attempt: stored initiator: %w", err)
	}
	if rec.Entity, err = address.Parse(entity); err != nil {
		return Attempt{}, fmt.Errorf("attempt: stored entity: %w", err)
	}
	for _, t := range touched {
		a, err := address.Parse(t)
		if err != nil {
			return Attempt{}, fmt.Errorf("attempt: stored touched account: %w", err)
		}
		rec.Touched = append(rec.Touched, a)
	}
	rec.Artifacts = compensation.Artifacts{ContentIDs: toContentIDs(contentIDs), ImageIDs: toContentIDs(imageID)}
	rec.LastValidHeight = uint64(lastValid)
	rec.Status = Status(status)
	return rec, nil
}

func toContentIDs(in []string) []contentstore.ContentID {
	out := make([]contentstore.ContentID, 0, len(in))
	for _, s := range in {
		out = append(out, contentstore.ContentID(s))
	}
	return out
}

func addressStrings(in []address.Address) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, a.String())
	}
	return out
}

func toStrings(in []contentstore.ContentID) []string {
	out := make([]string, 0, len(in))
	for _, id := range in {
		out = append(out, string(id))
	}
	return out
}

// InsertAttempt writes the attempt row inside the active transaction.
func (r *Repository) InsertAttempt(ctx context.Context, tx pgx.Tx, id string, params OpenParams) (Attempt, error) {
	const insertSQL = `
INSERT INTO attempts (id, kind, initiator, entity, entity_hash, touched, content_ids, image_ids, last_valid_height, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'prepared')
RETURNING ` + attemptColumns

	rec, err := scanAttempt(tx.QueryRow(ctx, insertSQL,
		id,
		params.Kind,
		params.Initiator.String(),
		params.Entity.String(),
		params.EntityHash,
		addressStrings(params.Touched),
		toStrings(params.Artifacts.ContentIDs),
		toStrings(params.Artifacts.ImageIDs),
		int64(params.LastValidHeight),
	))
	if err != nil {
		return Attempt{}, fmt.Errorf("attempt: insert: %w", err)
	}
	return rec, nil
}

// ReserveReport claims an idempotency key for a failure report.
func (r *Repository) ReserveReport(ctx context.Context, tx pgx.Tx, attemptID, key string) error {
	if key == "" {
		return fmt.Errorf("attempt: empty idempotency key")
	}
	_, err := tx.Exec(ctx, `INSERT INTO attempt_reports (idempotency_key, attempt_id) VALUES ($1, $2)`, key, attemptID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("attempt: insert idempotency key: %w", err)
	}
	return nil
}

// LockAttempt loads the attempt with a row lock held until the transaction ends.
func (r *Repository) LockAttempt(ctx context.Context, tx pgx.Tx, id string) (Attempt, error) {
	rec, err := scanAttempt(tx.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attempt{}, ErrAttemptNotFound
		}
		return Attempt{}, fmt.Errorf("attempt: lock: %w", err)
	}
	return rec, nil
}

// Get loads an attempt without locking.
func (r *Repository) Get(ctx context.Context, q Querier, id string) (Attempt, error) {
	rec, err := scanAttempt(q.QueryRow(ctx, `SELECT `+attemptColumns+` FROM attempts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Attempt{}, ErrAttemptNotFound
		}
		return Attempt{}, fmt.Errorf("attempt: get: %w", err)
	}
	return rec, nil
}

func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, id, code string) error {
	const updateSQL = `
UPDATE attempts
SET status = 'failed', failure_code = $2, updated_at = now()
WHERE id = $1 AND status = 'prepared'
`
	tag, err := tx.Exec(ctx, updateSQL, id, code)
	if err != nil {
		return fmt.Errorf("attempt: mark failed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.StateConflict("attempt_not_prepared", "attempt already has an outcome")
	}
	return nil
}

func (r *Repository) MarkConfirmed(ctx context.Context, tx pgx.Tx, id, signature string) error {
	const updateSQL = `
UPDATE attempts
SET status = 'confirmed', signature = NULLIF($2, ''), updated_at = now()
WHERE id = $1 AND status = 'prepared'
`
	tag, err := tx.Exec(ctx, updateSQL, id, signature)
	if err != nil {
		return fmt.Errorf("attempt: mark confirmed: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return apperr.StateConflict("attempt_not_prepared", "attempt already has an outcome")
	}
	return nil
}

// AppendEvent adds a timeline event; seq is monotonic per attempt because
// callers hold the attempt row lock or created the row in this transaction.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, attemptID, eventType string, actor address.Address, payload map[string]any) error {
	if payload == nil {
		payload = make(map[string]any, 1)
	}
	payload["attempt_id"] = attemptID
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("attempt: marshal timeline payload: %w", err)
	}
	var actorID any
	if !actor.IsZero() {
		actorID = actor.String()
	}
	const insertSQL = `
INSERT INTO attempt_events (attempt_id, seq, type, payload, actor_id)
VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM attempt_events WHERE attempt_id = $1), $2, $3::jsonb, $4)
`
	if _, err := tx.Exec(ctx, insertSQL, attemptID, eventType, body, actorID); err != nil {
		return fmt.Errorf("attempt: insert timeline event: %w", err)
	}
	return nil
}

func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("attempt: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("attempt: enqueue outbox: %w", err)
	}
	return nil
}

// StoreOutcome records the result for an idempotency key so replays return it.
func (r *Repository) StoreOutcome(ctx context.Context, q Querier, key string, outcome FailureOutcome) error {
	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("attempt: marshal outcome: %w", err)
	}
	if _, err := q.Exec(ctx, `UPDATE attempt_reports SET outcome = $2::jsonb WHERE idempotency_key = $1`, key, body); err != nil {
		return fmt.Errorf("attempt: store outcome: %w", err)
	}
	return nil
}

// LoadOutcome returns the stored outcome for key. ok is false while the first
// report is still running its cleanup.
func (r *Repository) LoadOutcome(ctx context.Context, q Querier, key string) (FailureOutcome, string, bool, error) {
	var (
		attemptID string
		body      []byte
	)
	err := q.QueryRow(ctx, `SELECT attempt_id::text, outcome FROM attempt_reports WHERE idempotency_key = $1`, key).Scan(&attemptID, &body)
	if err != nil {
		return FailureOutcome{}, "", false, fmt.Errorf("attempt: load outcome: %w", err)
	}
	if body == nil {
		return FailureOutcome{}, attemptID, false, nil
	}
	var out FailureOutcome
	if err := json.Unmarshal(body, &out); err != nil {
		return FailureOutcome{}, attemptID, false, fmt.Errorf("attempt: decode outcome: %w", err)
	}
	out.Error = &apperr.Error{Kind: out.ErrorKind, Code: out.ErrorCode, Message: out.Message}
	return out, attemptID, true, nil
}

func (r *Repository) StageUpload(ctx context.Context, q Querier, owner address.Address, id contentstore.ContentID, kind string) error {
	const insertSQL = `
INSERT INTO staged_uploads (owner, content_id, kind)
VALUES ($1, $2, $3)
ON CONFLICT (owner, content_id) DO NOTHING
`
	if _, err := q.Exec(ctx, insertSQL, owner.String(), string(id), kind); err != nil {
		return fmt.Errorf("attempt: stage upload: %w", err)
	}
	return nil
}

// OwnedUploads returns the subset of ids staged by owner, grouped by kind.
func (r *Repository) OwnedUploads(ctx context.Context, q Querier, owner address.Address, ids []contentstore.ContentID) (compensation.Artifacts, error) {
	rows, err := q.Query(ctx, `SELECT content_id, kind FROM staged_uploads WHERE owner = $1 AND content_id = ANY($2)`, owner.String(), toStrings(ids))
	if err != nil {
		return compensation.Artifacts{}, fmt.Errorf("attempt: owned uploads: %w", err)
	}
	defer rows.Close()

	var out compensation.Artifacts
	for rows.Next() {
		var id, kind string
		if err := rows.Scan(&id, &kind); err != nil {
			return compensation.Artifacts{}, fmt.Errorf("attempt: scan staged upload: %w", err)
		}
		if kind == UploadKindImage {
			out.ImageIDs = append(out.ImageIDs, contentstore.ContentID(id))
		} else {
			out.ContentIDs = append(out.ContentIDs, contentstore.ContentID(id))
		}
	}
	return out, rows.Err()
}

// ReleaseStaged forgets staged uploads once a transaction referencing them lands.
func (r *Repository) ReleaseStaged(ctx context.Context, q Querier, owner address.Address, ids []contentstore.ContentID) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, `DELETE FROM staged_uploads WHERE owner = $1 AND content_id = ANY($2)`, owner.String(), toStrings(ids)); err != nil {
		return fmt.Errorf("attempt: release staged uploads: %w", err)
	}
	return nil
}
