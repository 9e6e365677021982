package fanout

import (
	"context"
	"crypto/sha256"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"leaseflow/address"
	"leaseflow/ledger"
)

const (
	DefaultPollInterval = 2 * time.Second
	defaultParallelism  = 8
)

// AccountSource reads raw account bytes straight from the ledger.
type AccountSource interface {
	Account(ctx context.Context, addr address.Address) ([]byte, error)
}

// Watcher is the single producer of account deltas. It polls every watched
// account and publishes a delta when the account's data changes.
type Watcher struct {
	hub         *Hub
	source      AccountSource
	interval    time.Duration
	parallelism int
	logger      *slog.Logger
}

// NewWatcher polls through source. Pass reader.Fresh() so every poll
// reaches the ledger and refreshes the shared read cache.
func NewWatcher(hub *Hub, source AccountSource) *Watcher {
	return &Watcher{
		hub:         hub,
		source:      source,
		interval:    DefaultPollInterval,
		parallelism: defaultParallelism,
		logger:      slog.Default().With("component", "fanout_watcher"),
	}
}

func (w *Watcher) WithInterval(d time.Duration) *Watcher {
	if d > 0 {
		w.interval = d
	}
	return w
}

func (w *Watcher) WithParallelism(n int) *Watcher {
	if n > 0 {
		w.parallelism = n
	}
	return w
}

func (w *Watcher) WithLogger(logger *slog.Logger) *Watcher {
	if logger != nil {
		w.logger = logger.With("component", "fanout_watcher")
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Poll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Warn("poll failed", "error", err)
			}
		}
	}
}

// Poll re-reads every watched account once.
func (w *Watcher) Poll(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for addr, kind := range w.hub.watchedSnapshot() {
		g.Go(func() error {
			w.check(gctx, kind, addr)
			return gctx.Err()
		})
	}
	return g.Wait()
}

func (w *Watcher) check(ctx context.Context, kind ledger.Kind, addr address.Address) {
	data, err := w.source.Account(ctx, addr)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		w.logger.Debug("account read failed", "address", addr.String(), "error", err)
		return
	}
	if !w.hub.observe(addr, sha256.Sum256(data)) {
		return
	}
	if data == nil {
		w.hub.Publish(kind, addr, map[string]any{"closed": true})
		return
	}
	v, err := ledger.Decode(kind, data)
	if err != nil {
		w.logger.Warn("account decode failed", "address", addr.String(), "kind", string(kind), "error", err)
		return
	}
	w.hub.Publish(kind, addr, Delta(v))
}

// Delta picks the fields clients track for each account kind.
func Delta(v any) map[string]any {
	switch a := v.(type) {
	case *ledger.Listing:
		var tenant any
		if a.CurrentTenant != nil {
			tenant = a.CurrentTenant.String()
		}
		return map[string]any{"status": a.Status.String(), "currentTenant": tenant}
	case *ledger.Application:
		return map[string]any{"status": a.Status.String()}
	case *ledger.Lease:
		return map[string]any{
			"status":         a.Status.String(),
			"paidMonths":     a.PaidMonths,
			"landlordSigned": a.LandlordSigned,
			"tenantSigned":   a.TenantSigned,
		}
	case *ledger.Escrow:
		return map[string]any{
			"status":            a.Status.String(),
			"hasDispute":        a.HasDispute,
			"releaseToLandlord": a.ReleaseToLandlord,
			"releaseToTenant":   a.ReleaseToTenant,
		}
	case *ledger.Dispute:
		return map[string]any{"status": a.Status.String()}
	default:
		return nil
	}
}
