package attempt

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"leaseflow/compensation"
	"leaseflow/contentstore"
)

// TestReportFailure_Integration connects to a real PostgreSQL via DATABASE_URL
// and verifies the repository and service together, including key replay.
func TestReportFailure_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"attempts", "attempt_reports", "attempt_events", "outbox", "staged_uploads"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skip("database schema missing; apply migrations/001_init.sql")
		}
	}

	store := contentstore.NewMemoryStore()
	doc, err := store.Put(ctx, []byte(`{"lease":"contract"}`), "application/json", landlord.String())
	if err != nil {
		t.Fatalf("seed content: %v", err)
	}

	cleaner := compensation.NewCoordinator(store).WithBackOff(0, nil)
	svc := NewService(pool, NewRepository(), cleaner, nil)

	rec, err := svc.Open(ctx, OpenParams{
		Kind:            "create_lease",
		Initiator:       landlord,
		Entity:          listing,
		Artifacts:       compensation.Artifacts{ContentIDs: []contentstore.ContentID{doc.ContentID}},
		LastValidHeight: 1150,
	})
	if err != nil {
		t.Fatalf("open attempt: %v", err)
	}

	key := "itest-failure-" + rec.ID
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'attempt_id' = $1`, rec.ID)
		pool.Exec(ctx2, `DELETE FROM attempts WHERE id = $1`, rec.ID)
	})

	report := FailureReport{AttemptID: rec.ID, Party: landlord, IdempotencyKey: key, LedgerCode: "6008"}
	first, err := svc.ReportFailure(ctx, report)
	if err != nil {
		t.Fatalf("report failure (first): %v", err)
	}
	if first.ErrorCode != "listing_inactive" || first.Cleanup == nil || first.Cleanup.JSONsCleaned != 1 {
		t.Fatalf("unexpected outcome: %+v", first)
	}
	if _, err := store.Get(ctx, doc.ContentID); err == nil {
		t.Fatalf("expected contract to be unpinned")
	}

	second, err := svc.ReportFailure(ctx, report)
	if err != nil {
		t.Fatalf("report failure (second): %v", err)
	}
	if !second.Replayed || second.ErrorCode != first.ErrorCode {
		t.Fatalf("expected replay of first outcome, got %+v", second)
	}

	var (
		evCount int
		maxSeq  int
	)
	if err := pool.QueryRow(ctx, `SELECT COUNT(*), MAX(seq) FROM attempt_events WHERE attempt_id = $1`, rec.ID).Scan(&evCount, &maxSeq); err != nil {
		t.Fatalf("verify events: %v", err)
	}
	if evCount != 2 || maxSeq != 2 {
		t.Fatalf("expected PREPARED and FAILED events, got count=%d max_seq=%d", evCount, maxSeq)
	}

	var outCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'attempt_id' = $2`, OutboxTopicFailed, rec.ID).Scan(&outCount); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if outCount != 1 {
		t.Fatalf("expected 1 failed outbox message, got %d", outCount)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
