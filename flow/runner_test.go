package flow_test

import (
	"context"
	"errors"
	"testing"

	"leaseflow/apperr"
	"leaseflow/attempt"
	"leaseflow/compensation"
	"leaseflow/contentstore"
	"leaseflow/flow"
	"leaseflow/flow/flowtest"
	"leaseflow/txassembler"
)

func touchInstruction() txassembler.Instruction {
	return txassembler.Instruction{
		Name:    "touch",
		Program: flowtest.ProgramID,
		Roles: []txassembler.Role{
			{Name: "entity", Writable: true},
			{Name: "payer", Signer: true, Writable: true},
		},
	}
}

func TestRunPreparesAndRecordsAttempt(t *testing.T) {
	h := flowtest.New(t)
	payer := flowtest.Party("payer")
	entity := flowtest.Party("entity")

	res, err := h.Deps.Runner.Run(context.Background(), flow.Request{
		Kind:        "touch",
		Instruction: touchInstruction(),
		Accounts:    txassembler.AccountSet{}.Set("entity", entity).Set("payer", payer),
		Initiator:   payer,
		Entity:      entity,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.AttemptID == "" || res.Transaction == "" {
		t.Fatalf("incomplete result: %+v", res)
	}
	if got := h.Attempts.Last(); got.EntityHash != nil || got.LastValidHeight != res.LastValidHeight {
		t.Fatalf("unexpected attempt params: %+v", got)
	}
}

func TestRunCompensatesOnBuildFailure(t *testing.T) {
	h := flowtest.New(t)
	ctx := context.Background()
	payer := flowtest.Party("payer")
	doc, err := h.Store.Put(ctx, []byte(`{"doc":1}`), "application/json", payer.String())
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err = h.Deps.Runner.Run(ctx, flow.Request{
		Kind:        "touch",
		Instruction: touchInstruction(),
		Accounts:    txassembler.AccountSet{}.Set("payer", payer),
		Initiator:   payer,
		Artifacts:   compensation.Artifacts{ContentIDs: []contentstore.ContentID{doc.ContentID}},
	})
	if !errors.Is(err, txassembler.ErrAccountMismatch) {
		t.Fatalf("expected account mismatch, got %v", err)
	}
	if h.Store.Has(doc.ContentID) {
		t.Fatalf("expected uploaded document to be unpinned")
	}
	if h.Attempts.Count() != 0 {
		t.Fatalf("no attempt may be recorded for a failed build")
	}
}

func TestRunCompensatesWhenAttemptCannotBeRecorded(t *testing.T) {
	h := flowtest.New(t)
	ctx := context.Background()
	payer := flowtest.Party("payer")
	doc, _ := h.Store.Put(ctx, []byte(`{"doc":2}`), "application/json", payer.String())
	h.Attempts.Err = errors.New("database down")

	_, err := h.Deps.Runner.Run(ctx, flow.Request{
		Kind:        "touch",
		Instruction: touchInstruction(),
		Accounts:    txassembler.AccountSet{}.Set("entity", flowtest.Party("entity")).Set("payer", payer),
		Initiator:   payer,
		Artifacts:   compensation.Artifacts{ContentIDs: []contentstore.ContentID{doc.ContentID}},
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if h.Store.Has(doc.ContentID) {
		t.Fatalf("expected uploaded document to be unpinned")
	}
}

func TestVerifyRequiresChangedEntity(t *testing.T) {
	h := flowtest.New(t)
	ctx := context.Background()
	entity := flowtest.Party("entity")
	a := attempt.Attempt{Kind: "touch", Entity: entity}

	if err := h.Deps.Runner.Verify(ctx, a); !apperr.IsKind(err, apperr.KindStateConflict) {
		t.Fatalf("absent entity must not verify, got %v", err)
	}

	h.Ledger.Put(entity, []byte("v1"))
	if err := h.Deps.Runner.Verify(ctx, a); err != nil {
		t.Fatalf("created entity should verify, got %v", err)
	}

	res, err := h.Deps.Runner.Run(ctx, flow.Request{
		Kind:        "touch",
		Instruction: touchInstruction(),
		Accounts:    txassembler.AccountSet{}.Set("entity", entity).Set("payer", flowtest.Party("payer")),
		Initiator:   flowtest.Party("payer"),
		Entity:      entity,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	prepared := attempt.Attempt{ID: res.AttemptID, Kind: "touch", Entity: entity, EntityHash: h.Attempts.Last().EntityHash}
	if err := h.Deps.Runner.Verify(ctx, prepared); !errors.Is(err, flow.ErrNotLanded) {
		t.Fatalf("unchanged entity must not verify, got %v", err)
	}
	h.Ledger.Put(entity, []byte("v2"))
	if err := h.Deps.Runner.Verify(ctx, prepared); err != nil {
		t.Fatalf("changed entity should verify, got %v", err)
	}
}

func TestBreakdown(t *testing.T) {
	b := flow.NewBreakdown(25_000, 100)
	if b.Fee != 250 || b.Net != 24_750 {
		t.Fatalf("unexpected breakdown: %+v", b)
	}
}
