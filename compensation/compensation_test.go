package compensation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"

	"leaseflow/contentstore"
)

func zeroBackOff() backoff.BackOff { return &backoff.ZeroBackOff{} }

// flakyStore fails the first n unpins of each id.
type flakyStore struct {
	*contentstore.MemoryStore
	mu       sync.Mutex
	failures map[contentstore.ContentID]int
	calls    map[contentstore.ContentID]int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: contentstore.NewMemoryStore(),
		failures:    map[contentstore.ContentID]int{},
		calls:       map[contentstore.ContentID]int{},
	}
}

func (f *flakyStore) Unpin(ctx context.Context, id contentstore.ContentID) bool {
	f.mu.Lock()
	f.calls[id]++
	if f.failures[id] > 0 {
		f.failures[id]--
		f.mu.Unlock()
		return false
	}
	f.mu.Unlock()
	return f.MemoryStore.Unpin(ctx, id)
}

func TestCleanupUnpinsAndCounts(t *testing.T) {
	ctx := context.Background()
	store := contentstore.NewMemoryStore()
	doc, _ := store.Put(ctx, []byte(`{"contract":true}`), "application/json", "landlord")
	img, _ := store.Put(ctx, []byte("png-bytes"), "image/png", "landlord")

	c := NewCoordinator(store).WithBackOff(0, zeroBackOff)
	report := c.Cleanup(ctx, Artifacts{
		ContentIDs: []contentstore.ContentID{doc.ContentID, doc.ContentID},
		ImageIDs:   []contentstore.ContentID{img.ContentID},
	})

	if report.JSONsCleaned != 1 || report.ImagesCleaned != 1 || report.Failed() {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Details) != 2 {
		t.Fatalf("duplicate ids must be collapsed, got %d details", len(report.Details))
	}
	if _, err := store.Get(ctx, doc.ContentID); !errors.Is(err, contentstore.ErrNotFound) {
		t.Fatalf("expected document to be gone, got %v", err)
	}
}

func TestCleanupRetriesTransientFailure(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	res, _ := store.Put(ctx, []byte("metadata"), "application/json", "")
	store.failures[res.ContentID] = 2

	c := NewCoordinator(store).WithBackOff(3, zeroBackOff)
	report := c.Cleanup(ctx, Artifacts{ContentIDs: []contentstore.ContentID{res.ContentID}})

	if report.JSONsCleaned != 1 {
		t.Fatalf("expected retry to clean the artifact, got %+v", report)
	}
	if report.Details[0].Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", report.Details[0].Attempts)
	}
}

func TestCleanupNeverFailsWhenStoreIsDown(t *testing.T) {
	ctx := context.Background()
	store := contentstore.NewMemoryStore()
	res, _ := store.Put(ctx, []byte("metadata"), "application/json", "")
	store.SetUnavailable(true)

	c := NewCoordinator(store).WithBackOff(2, zeroBackOff)
	report := c.Cleanup(ctx, Artifacts{
		ContentIDs: []contentstore.ContentID{res.ContentID},
		ImageIDs:   []contentstore.ContentID{"QmImage"},
	})

	if report.JSONsFailed != 1 || report.ImagesFailed != 1 {
		t.Fatalf("expected both artifacts to be reported failed, got %+v", report)
	}
	if len(report.Errors) != 2 {
		t.Fatalf("expected one error string per failed artifact, got %v", report.Errors)
	}
}

func TestCleanupEmpty(t *testing.T) {
	report := NewCoordinator(contentstore.NewMemoryStore()).Cleanup(context.Background(), Artifacts{})
	if report.Failed() || len(report.Details) != 0 {
		t.Fatalf("empty cleanup should be a no-op, got %+v", report)
	}
}
