// Package flowtest wires lifecycle services against an in-memory ledger,
// content store and attempt recorder.
package flowtest

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync"
	"testing"
	"time"

	"leaseflow/address"
	"leaseflow/attempt"
	"leaseflow/compensation"
	"leaseflow/contentstore"
	"leaseflow/flow"
	"leaseflow/ledger"
	"leaseflow/ledger/ledgertest"
	"leaseflow/txassembler"
	"leaseflow/viewcache"
)

// ProgramID is the lifecycle program used by tests.
var ProgramID = address.MustParse("6ptqmN5bGJnx5ahuJaUV3kNKz2JhNgguuzHx7yvEGdfL")

// Party returns a deterministic on-curve address for name.
func Party(name string) address.Address {
	seed := sha256.Sum256([]byte("party:" + name))
	return address.FromPublicKey(ed25519.NewKeyFromSeed(seed[:]).Public().(ed25519.PublicKey))
}

// Recorder stands in for the attempt service.
type Recorder struct {
	mu     sync.Mutex
	Opened []attempt.OpenParams
	Err    error
}

func (r *Recorder) Open(ctx context.Context, p attempt.OpenParams) (attempt.Attempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return attempt.Attempt{}, r.Err
	}
	r.Opened = append(r.Opened, p)
	return attempt.Attempt{
		ID:              fmt.Sprintf("attempt-%d", len(r.Opened)),
		Kind:            p.Kind,
		Initiator:       p.Initiator,
		Entity:          p.Entity,
		EntityHash:      p.EntityHash,
		Touched:         p.Touched,
		Artifacts:       p.Artifacts,
		LastValidHeight: p.LastValidHeight,
		Status:          attempt.StatusPrepared,
	}, nil
}

// Count is the number of attempts opened.
func (r *Recorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Opened)
}

// Last returns the most recent attempt parameters.
func (r *Recorder) Last() attempt.OpenParams {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Opened) == 0 {
		return attempt.OpenParams{}
	}
	return r.Opened[len(r.Opened)-1]
}

type Harness struct {
	Ledger   *ledgertest.Fake
	Store    *contentstore.MemoryStore
	Attempts *Recorder
	Signer   *txassembler.KeySigner
	Config   *ledger.Config
	Deps     flow.Deps

	mu  sync.Mutex
	now time.Time
}

// New returns a harness with an initialized program config at 2025-01-01.
func New(t testing.TB) *Harness {
	t.Helper()
	seed := sha256.Sum256([]byte("platform-signer"))
	signer := txassembler.NewKeySigner(ed25519.NewKeyFromSeed(seed[:]))

	h := &Harness{
		Ledger:   ledgertest.NewFake(),
		Store:    contentstore.NewMemoryStore(),
		Attempts: &Recorder{},
		Signer:   signer,
		now:      time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h.Config = &ledger.Config{
		Authority:   Party("authority"),
		APISigner:   signer.Address(),
		Arbitrator:  Party("arbitrator"),
		FeeReceiver: Party("fee-receiver"),
		Mint:        Party("mint"),
		FeeRateBps:  100,
		Initialized: true,
	}

	deriver := address.NewDeriver(ProgramID)
	cfgAddr, err := deriver.Config()
	if err != nil {
		t.Fatalf("derive config: %v", err)
	}
	h.Ledger.PutConfig(cfgAddr, h.Config)

	reader := ledger.NewReader(h.Ledger, viewcache.NewMemory(1024), ProgramID, time.Minute)
	cleaner := compensation.NewCoordinator(h.Store).WithBackOff(0, nil)
	runner := flow.NewRunner(txassembler.New(h.Ledger, signer), reader, h.Attempts, cleaner)
	h.Deps = flow.Deps{
		Runner:  runner,
		Reader:  reader,
		Deriver: deriver,
		Content: h.Store,
		Now:     h.Now,
	}
	return h
}

func (h *Harness) Now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *Harness) SetNow(t time.Time) {
	h.mu.Lock()
	h.now = t
	h.mu.Unlock()
}

// Must binds t and returns a helper that unwraps a derivation, failing the
// test on error: h.Must(t)(h.Deps.Deriver.Listing(attest)).
func (h *Harness) Must(t testing.TB) func(address.Address, error) address.Address {
	return func(addr address.Address, err error) address.Address {
		t.Helper()
		if err != nil {
			t.Fatalf("derive: %v", err)
		}
		return addr
	}
}

// Invalidate drops every cached view so the next read sees the fake ledger.
func (h *Harness) Invalidate(addrs ...address.Address) {
	h.Deps.Reader.Invalidate(context.Background(), addrs...)
}
