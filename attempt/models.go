package attempt

import (
	"time"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/compensation"
)

// Status tracks what the client has reported for a prepared transaction.
type Status string

const (
	StatusPrepared  Status = "prepared"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Attempt is one prepared transaction handed to a client. It records what
// this layer created off-chain for the transaction, never ledger state.
type Attempt struct {
	ID              string
	Kind            string
	Initiator       address.Address
	Entity          address.Address
	EntityHash      []byte
	Touched         []address.Address
	Artifacts       compensation.Artifacts
	LastValidHeight uint64
	Status          Status
	FailureCode     *string
	Signature       *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TimelineEvent captures an immutable event for an attempt.
type TimelineEvent struct {
	ID        int64
	AttemptID string
	Seq       int
	Type      string
	ActorID   *string
	CreatedAt time.Time
	Payload   []byte
}

// OutboxMessage represents a transactional outbox entry.
type OutboxMessage struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// OpenParams describes a transaction about to be returned to its initiator.
// Touched lists other accounts the transaction writes; their cached views are
// dropped on confirmation.
type OpenParams struct {
	Kind            string
	Initiator       address.Address
	Entity          address.Address
	EntityHash      []byte
	Touched         []address.Address
	Artifacts       compensation.Artifacts
	LastValidHeight uint64
	Payload         map[string]any
}

// FailureReport is a client's statement that its submission failed.
type FailureReport struct {
	AttemptID      string
	Party          address.Address
	IdempotencyKey string
	LedgerCode     string
	Reason         string
}

// FailureOutcome is returned for a failure report and replayed verbatim for
// duplicate reports with the same idempotency key.
type FailureOutcome struct {
	AttemptID string               `json:"attemptId"`
	Error     *apperr.Error        `json:"-"`
	ErrorKind apperr.Kind          `json:"errorKind"`
	ErrorCode string               `json:"errorCode"`
	Message   string               `json:"message"`
	Cleanup   *compensation.Report `json:"cleanup,omitempty"`
	Replayed  bool                 `json:"replayed"`
}

func newOutcome(attemptID string, mapped *apperr.Error, cleanup *compensation.Report) FailureOutcome {
	return FailureOutcome{
		AttemptID: attemptID,
		Error:     mapped,
		ErrorKind: mapped.Kind,
		ErrorCode: mapped.Code,
		Message:   mapped.Message,
		Cleanup:   cleanup,
	}
}

// ConfirmParams is a client's statement that its submission landed.
type ConfirmParams struct {
	AttemptID string
	Party     address.Address
	Signature string
}

// StagedUpload is content uploaded ahead of any attempt.
type StagedUpload struct {
	Owner     address.Address
	ContentID string
	Kind      string
	CreatedAt time.Time
}

const (
	OutboxTopicPrepared  = "attempt.prepared"
	OutboxTopicFailed    = "attempt.failed"
	OutboxTopicConfirmed = "attempt.confirmed"

	EventPrepared  = "PREPARED"
	EventFailed    = "FAILED"
	EventConfirmed = "CONFIRMED"

	UploadKindImage = "image"
	UploadKindJSON  = "json"
)
