// Package compensation unpins off-chain artifacts whose ledger transaction
// never landed. It is the only place that removes content after a failure.
package compensation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"leaseflow/apperr"
	"leaseflow/contentstore"
	"leaseflow/metrics"
)

const (
	kindJSON  = "json"
	kindImage = "image"

	defaultParallelism = 4
	defaultMaxRetries  = 3
)

var errUnpinFailed = errors.New("compensation: unpin reported failure")

// Artifacts lists what a failed attempt left behind.
type Artifacts struct {
	ContentIDs []contentstore.ContentID `json:"contentIds"`
	ImageIDs   []contentstore.ContentID `json:"imageIds"`
}

func (a Artifacts) Empty() bool { return len(a.ContentIDs) == 0 && len(a.ImageIDs) == 0 }

// Merge appends other's ids.
func (a Artifacts) Merge(other Artifacts) Artifacts {
	return Artifacts{
		ContentIDs: append(append([]contentstore.ContentID(nil), a.ContentIDs...), other.ContentIDs...),
		ImageIDs:   append(append([]contentstore.ContentID(nil), a.ImageIDs...), other.ImageIDs...),
	}
}

// Detail records the outcome for one artifact.
type Detail struct {
	ID       contentstore.ContentID `json:"id"`
	Kind     string                 `json:"kind"`
	Cleaned  bool                   `json:"cleaned"`
	Attempts int                    `json:"attempts"`
}

// Report summarizes a cleanup run.
type Report struct {
	JSONsCleaned  int      `json:"jsonsCleaned"`
	JSONsFailed   int      `json:"jsonsFailed"`
	ImagesCleaned int      `json:"imagesCleaned"`
	ImagesFailed  int      `json:"imagesFailed"`
	Details       []Detail `json:"details"`
	Errors        []string `json:"errors,omitempty"`
}

// Failed reports whether any artifact is still pinned.
func (r Report) Failed() bool { return r.JSONsFailed+r.ImagesFailed > 0 }

// Coordinator runs cleanups against one content store.
type Coordinator struct {
	store       contentstore.Store
	parallelism int
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewCoordinator(store contentstore.Store) *Coordinator {
	return &Coordinator{
		store:       store,
		parallelism: defaultParallelism,
		maxRetries:  defaultMaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
		logger: slog.Default().With("component", "compensation"),
	}
}

func (c *Coordinator) WithLogger(logger *slog.Logger) *Coordinator {
	if logger != nil {
		c.logger = logger.With("component", "compensation")
	}
	return c
}

func (c *Coordinator) WithMetrics(m *metrics.Metrics) *Coordinator {
	c.metrics = m
	return c
}

func (c *Coordinator) WithParallelism(n int) *Coordinator {
	if n > 0 {
		c.parallelism = n
	}
	return c
}

// WithBackOff overrides the retry schedule; tests use a zero backoff.
func (c *Coordinator) WithBackOff(maxRetries uint64, newBackOff func() backoff.BackOff) *Coordinator {
	c.maxRetries = maxRetries
	if newBackOff != nil {
		c.newBackOff = newBackOff
	}
	return c
}

type job struct {
	id   contentstore.ContentID
	kind string
}

// Cleanup unpins every artifact and never returns an error. Failures are
// recorded in the report and logged.
func (c *Coordinator) Cleanup(ctx context.Context, a Artifacts) Report {
	jobs := dedupe(a)
	report := Report{Details: make([]Detail, len(jobs))}
	if len(jobs) == 0 {
		return report
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallelism)
	for i, j := range jobs {
		g.Go(func() error {
			detail := c.unpin(gctx, j)
			mu.Lock()
			report.Details[i] = detail
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, d := range report.Details {
		switch {
		case d.Kind == kindJSON && d.Cleaned:
			report.JSONsCleaned++
		case d.Kind == kindJSON:
			report.JSONsFailed++
		case d.Cleaned:
			report.ImagesCleaned++
		default:
			report.ImagesFailed++
		}
		if !d.Cleaned {
			failure := apperr.CompensationFailure("unpin_failed", fmt.Sprintf("%s %s is still pinned after %d attempts", d.Kind, d.ID, d.Attempts))
			report.Errors = append(report.Errors, failure.Error())
			c.logger.Warn("compensation left artifact pinned", "artifact_id", string(d.ID), "kind", d.Kind, "attempts", d.Attempts)
		}
	}
	c.logger.Info("compensation finished",
		"jsons_cleaned", report.JSONsCleaned, "jsons_failed", report.JSONsFailed,
		"images_cleaned", report.ImagesCleaned, "images_failed", report.ImagesFailed)
	return report
}

func (c *Coordinator) unpin(ctx context.Context, j job) Detail {
	d := Detail{ID: j.id, Kind: j.kind}
	op := func() error {
		d.Attempts++
		if c.store.Unpin(ctx, j.id) {
			return nil
		}
		return errUnpinFailed
	}
	b := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), c.maxRetries), ctx)
	d.Cleaned = backoff.Retry(op, b) == nil
	c.metrics.Unpin(j.kind, d.Cleaned)
	return d
}

func dedupe(a Artifacts) []job {
	seen := make(map[contentstore.ContentID]struct{}, len(a.ContentIDs)+len(a.ImageIDs))
	var jobs []job
	add := func(ids []contentstore.ContentID, kind string) {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			jobs = append(jobs, job{id: id, kind: kind})
		}
	}
	add(a.ContentIDs, kindJSON)
	add(a.ImageIDs, kindImage)
	return jobs
}
