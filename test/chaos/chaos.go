package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killer terminates random backends that belong to the stress run.
type Killer struct {
	Pool        *pgxpool.Pool
	Application string
	Interval    time.Duration
	// OneIn is the chance per tick, as 1/OneIn, that a backend is killed.
	OneIn  int
	killed atomic.Int64
}

// Killed returns how many backends were terminated so far.
func (k *Killer) Killed() int64 { return k.killed.Load() }

// Run ticks until ctx is cancelled or stop is closed.
func (k *Killer) Run(ctx context.Context, stop <-chan struct{}) {
	interval, oneIn := k.Interval, k.OneIn
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if oneIn <= 0 {
		oneIn = 5
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			var n int64
			err := k.Pool.QueryRow(ctx, `
SELECT COUNT(*) FROM (
    SELECT pg_terminate_backend(pid) FROM pg_stat_activity
    WHERE datname = current_database() AND application_name = $1 AND pid <> pg_backend_pid()
    ORDER BY random() LIMIT 1
) t`, k.Application).Scan(&n)
			if err == nil {
				k.killed.Add(n)
			}
		}
	}
}
