package actors

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leaseflow/address"
	"leaseflow/attempt"
	"leaseflow/compensation"
	"leaseflow/contentstore"
)

var ledgerCodes = []string{"6004", "6011", "BlockhashNotFound", "InsufficientFunds", ""}

// Wallet derives a stable address for label.
func Wallet(label string) address.Address {
	return address.Address(sha256.Sum256([]byte("stress-wallet/" + label)))
}

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// fatal reports whether err should end the actor. Domain conflicts and
// connection resets from chaos are part of the run.
func fatal(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

// Opener records prepared attempts for a rotating set of wallets, each with
// freshly uploaded content attached.
func Opener(ctx context.Context, svc *attempt.Service, store contentstore.Store, wallets []address.Address, stop <-chan struct{}) error {
	kinds := []string{"create_listing", "submit_application", "create_lease", "pay_rent"}
	for n := 0; ; n++ {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		initiator := wallets[rand.Intn(len(wallets))]
		doc, err := store.Put(ctx, []byte(fmt.Sprintf(`{"n":%d,"seed":%d}`, n, rand.Int63())), "application/json", initiator.String())
		if err != nil {
			pause(10, 20)
			continue
		}
		_, err = svc.Open(ctx, attempt.OpenParams{
			Kind:            kinds[rand.Intn(len(kinds))],
			Initiator:       initiator,
			Entity:          Wallet(fmt.Sprintf("entity-%d", rand.Intn(16))),
			Artifacts:       compensation.Artifacts{ContentIDs: []contentstore.ContentID{doc.ContentID}},
			LastValidHeight: uint64(1000 + rand.Intn(500)),
		})
		if fatal(err) {
			return fmt.Errorf("opener: %w", err)
		}
		pause(10, 20)
	}
}

func pickAttempt(ctx context.Context, pool *pgxpool.Pool) (string, address.Address, bool) {
	var id, initiator string
	err := pool.QueryRow(ctx, `SELECT id::text, initiator FROM attempts ORDER BY random() LIMIT 1`).Scan(&id, &initiator)
	if err != nil {
		return "", address.Zero, false
	}
	addr, err := address.Parse(initiator)
	if err != nil {
		return "", address.Zero, false
	}
	return id, addr, true
}

// Reporter files failure reports whose idempotency keys collide on purpose:
// several reporters draw from the same small key space per attempt.
func Reporter(ctx context.Context, pool *pgxpool.Pool, svc *attempt.Service, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, initiator, ok := pickAttempt(ctx, pool)
		if !ok {
			pause(20, 20)
			continue
		}
		_, err := svc.ReportFailure(ctx, attempt.FailureReport{
			AttemptID:      id,
			Party:          initiator,
			IdempotencyKey: fmt.Sprintf("stress-%s-%d", id, rand.Intn(3)),
			LedgerCode:     ledgerCodes[rand.Intn(len(ledgerCodes))],
			Reason:         "stress",
		})
		if fatal(err) {
			return fmt.Errorf("reporter: %w", err)
		}
		pause(15, 25)
	}
}

// Confirmer races the reporters to settle the same attempts as landed.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, svc *attempt.Service, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		id, initiator, ok := pickAttempt(ctx, pool)
		if !ok {
			pause(20, 20)
			continue
		}
		_, err := svc.Confirm(ctx, attempt.ConfirmParams{AttemptID: id, Party: initiator, Signature: fmt.Sprintf("sig-%d", rand.Int63())}, nil)
		if fatal(err) {
			return fmt.Errorf("confirmer: %w", err)
		}
		pause(20, 30)
	}
}

// Stager uploads images ahead of any attempt and then cleans a random subset
// of them up, sometimes asking for ids staged by another wallet.
func Stager(ctx context.Context, svc *attempt.Service, store contentstore.Store, wallets []address.Address, stop <-chan struct{}) error {
	var staged []contentstore.ContentID
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		owner := wallets[rand.Intn(len(wallets))]
		img, err := store.Put(ctx, []byte(fmt.Sprintf("image-%d", rand.Int63())), "image/png", owner.String())
		if err == nil {
			err := svc.StageUpload(ctx, owner, img.ContentID, attempt.UploadKindImage)
			if fatal(err) {
				return fmt.Errorf("stager: %w", err)
			}
			if err == nil {
				staged = append(staged, img.ContentID)
			}
		}
		if len(staged) > 4 && rand.Intn(3) == 0 {
			n := 1 + rand.Intn(len(staged))
			_, _, err := svc.CleanupStaged(ctx, owner, compensation.Artifacts{ImageIDs: staged[:n]})
			if fatal(err) {
				return fmt.Errorf("stager cleanup: %w", err)
			}
			staged = append([]contentstore.ContentID(nil), staged[n:]...)
		}
		pause(25, 25)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, or dead after repeated simulated delivery failures.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		if err := drainOutbox(ctx, pool); fatal(err) {
			return err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func drainOutbox(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id::text, attempts FROM outbox WHERE status = 'pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
	if err != nil {
		return err
	}
	type pending struct {
		id       string
		attempts int
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (pending, error) {
		var p pending
		err := row.Scan(&p.id, &p.attempts)
		return p, err
	})
	if err != nil {
		return err
	}
	for _, p := range batch {
		switch {
		case rand.Intn(10) != 0:
			_, err = tx.Exec(ctx, `UPDATE outbox SET status = 'processed', attempts = attempts + 1 WHERE id = $1`, p.id)
		case p.attempts >= 4:
			_, err = tx.Exec(ctx, `UPDATE outbox SET status = 'dead', attempts = attempts + 1 WHERE id = $1`, p.id)
		default:
			_, err = tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, p.id)
		}
		if err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}
