// Package flow is the prepare pipeline every lifecycle operation ends with:
// build, sign, record the attempt, and compensate if any of that fails.
package flow

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"

	"leaseflow/address"
	"leaseflow/apperr"
	"leaseflow/attempt"
	"leaseflow/compensation"
	"leaseflow/ledger"
	"leaseflow/txassembler"
)

var ErrNotLanded = apperr.StateConflict("not_landed", "the ledger does not show the transaction's effect yet")

// Request is one transaction to prepare for an initiator.
type Request struct {
	Kind        string
	Instruction txassembler.Instruction
	Accounts    txassembler.AccountSet
	Initiator   address.Address
	// Entity is the account whose change proves the transaction landed.
	Entity    address.Address
	Touched   []address.Address
	Artifacts compensation.Artifacts
	Payload   map[string]any
}

// Result is handed back to the client, which adds its signature and submits.
type Result struct {
	AttemptID       string                 `json:"attemptId"`
	Transaction     string                 `json:"transaction"`
	Entity          address.Address        `json:"entity"`
	Artifacts       compensation.Artifacts `json:"artifacts"`
	LastValidHeight uint64                 `json:"lastValidHeight"`
	Signers         []address.Address      `json:"signers"`
	Breakdown       *Breakdown             `json:"breakdown,omitempty"`
}

// Breakdown itemizes an amount the initiator pays. Escrowed is held apart
// from Amount and carries no fee.
type Breakdown struct {
	Amount   uint64 `json:"amount"`
	Fee      uint64 `json:"fee"`
	Net      uint64 `json:"net"`
	Escrowed uint64 `json:"escrowed,omitempty"`
}

// NewBreakdown splits amount into the platform fee and the remainder.
func NewBreakdown(amount uint64, feeRateBps uint16) *Breakdown {
	fee := ledger.Fee(amount, feeRateBps)
	return &Breakdown{Amount: amount, Fee: fee, Net: amount - fee}
}

// Opener records prepared attempts.
type Opener interface {
	Open(ctx context.Context, params attempt.OpenParams) (attempt.Attempt, error)
}

type Runner struct {
	asm      *txassembler.Assembler
	reader   *ledger.Reader
	attempts Opener
	cleaner  attempt.Cleaner
	logger   *slog.Logger
}

func NewRunner(asm *txassembler.Assembler, reader *ledger.Reader, attempts Opener, cleaner attempt.Cleaner) *Runner {
	return &Runner{
		asm:      asm,
		reader:   reader,
		attempts: attempts,
		cleaner:  cleaner,
		logger:   slog.Default().With("component", "flow"),
	}
}

func (r *Runner) WithLogger(logger *slog.Logger) *Runner {
	if logger != nil {
		r.logger = logger.With("component", "flow")
	}
	return r
}

// Assembler exposes the assembler for callers that need the co-signer identity.
func (r *Runner) Assembler() *txassembler.Assembler { return r.asm }

// Reader exposes the cached ledger reader.
func (r *Runner) Reader() *ledger.Reader { return r.reader }

// Run prepares req. Either the whole result is returned or an error is, and
// in the error case any artifacts uploaded for req have been unpinned.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	res, err := r.run(ctx, req)
	if err != nil {
		r.Compensate(ctx, req.Kind, req.Artifacts)
		return Result{}, err
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, req Request) (Result, error) {
	unsigned, err := r.asm.Build(req.Instruction, req.Accounts, req.Initiator)
	if err != nil {
		r.logger.Error("build transaction", "operation", req.Kind, "entity", req.Entity.String(), "error", err)
		return Result{}, err
	}

	hash, err := r.entityHash(ctx, req.Entity)
	if err != nil {
		return Result{}, err
	}

	prepared, err := r.asm.Finish(ctx, unsigned)
	if err != nil {
		return Result{}, err
	}

	rec, err := r.attempts.Open(ctx, attempt.OpenParams{
		Kind:            req.Kind,
		Initiator:       req.Initiator,
		Entity:          req.Entity,
		EntityHash:      hash,
		Touched:         req.Touched,
		Artifacts:       req.Artifacts,
		LastValidHeight: prepared.LastValidHeight,
		Payload:         req.Payload,
	})
	if err != nil {
		return Result{}, err
	}

	r.logger.Info("transaction prepared",
		"operation", req.Kind, "entity", req.Entity.String(), "attempt_id", rec.ID,
		"last_valid_height", prepared.LastValidHeight)
	return Result{
		AttemptID:       rec.ID,
		Transaction:     prepared.Base64(),
		Entity:          req.Entity,
		Artifacts:       req.Artifacts,
		LastValidHeight: prepared.LastValidHeight,
		Signers:         prepared.Signers,
	}, nil
}

// Compensate unpins artifacts uploaded by a call that is about to fail.
func (r *Runner) Compensate(ctx context.Context, kind string, a compensation.Artifacts) {
	if a.Empty() {
		return
	}
	report := r.cleaner.Cleanup(context.WithoutCancel(ctx), a)
	r.logger.Warn("compensated failed preparation",
		"operation", kind, "jsons_cleaned", report.JSONsCleaned, "images_cleaned", report.ImagesCleaned,
		"cleanup_failed", report.Failed())
}

// entityHash fingerprints the entity account as it is now; nil when absent.
func (r *Runner) entityHash(ctx context.Context, entity address.Address) ([]byte, error) {
	data, err := r.reader.Fresh().Account(ctx, entity)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return nil, nil
		}
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Verify checks that the attempt's entity account changed since the attempt
// was prepared, then drops cached views of every account it touched.
func (r *Runner) Verify(ctx context.Context, a attempt.Attempt) error {
	hash, err := r.entityHash(ctx, a.Entity)
	if err != nil {
		return err
	}
	if hash == nil || bytes.Equal(hash, a.EntityHash) {
		return ErrNotLanded.WithMessage("%s %s shows no change yet", a.Kind, a.Entity)
	}
	r.reader.Invalidate(ctx, a.Touched...)
	return nil
}
