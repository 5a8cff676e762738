// Package syncer runs repository sweeps: ingest new activity, evaluate the
// proposals it touched, then deliver the outbox.
//
// The scheduler and the webhook server both trigger sweeps through a
// Coordinator. Concurrent requests for the same repository share one
// in-flight sweep.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/fcp"
	"github.com/fcpbot/fcpbot/internal/ingest"
	"github.com/fcpbot/fcpbot/internal/metrics"
	"github.com/fcpbot/fcpbot/internal/notify"
	"github.com/fcpbot/fcpbot/internal/roster"
	"github.com/fcpbot/fcpbot/internal/storage"
	"github.com/fcpbot/fcpbot/internal/telemetry"
)

const scopeName = "github.com/fcpbot/fcpbot/syncer"

// Defaults
const (
	DefaultInitialLookback = 30 * 24 * time.Hour
	DefaultTriggerTimeout  = 10 * time.Minute
)

// SweepReport describes one completed repository sweep
type SweepReport struct {
	ID         string // UUIDv7, also the "sweep" log attribute
	Repository string
	Since      time.Time
	Ingest     *ingest.Result
	Evaluation *fcp.Result
	Delivery   *notify.DeliveryResult
	Duration   time.Duration
	Shared     bool // Collapsed into a sweep another caller started
}

// CycleReport describes one pass over every roster repository
type CycleReport struct {
	Sweeps   []*SweepReport
	Failures map[string]error // Repository -> sweep error
}

// Options tunes a Coordinator. Zero values select defaults.
type Options struct {
	InitialLookback time.Duration // Window for repositories never synced
	TriggerTimeout  time.Duration // Bound on asynchronous webhook sweeps
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Coordinator runs sweeps for the roster's repositories
type Coordinator struct {
	store     storage.Storage
	roster    *roster.Roster
	pipeline  *ingest.Pipeline
	machine   *fcp.Machine
	deliverer *notify.Deliverer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	durations metric.Float64Histogram

	lookback       time.Duration
	triggerTimeout time.Duration
	group          singleflight.Group

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	// Now is the coordinator clock. Tests override it.
	Now func() time.Time
}

// New creates a coordinator from its collaborators
func New(store storage.Storage, r *roster.Roster, p *ingest.Pipeline, m *fcp.Machine, d *notify.Deliverer, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.InitialLookback <= 0 {
		opts.InitialLookback = DefaultInitialLookback
	}
	if opts.TriggerTimeout <= 0 {
		opts.TriggerTimeout = DefaultTriggerTimeout
	}
	durations, _ := telemetry.Meter(scopeName).Float64Histogram("fcpbot.sweep.duration",
		metric.WithDescription("Repository sweep duration"),
		metric.WithUnit("s"),
	)
	return &Coordinator{
		store:          store,
		roster:         r,
		pipeline:       p,
		machine:        m,
		deliverer:      d,
		metrics:        opts.Metrics,
		logger:         logger.With("component", "syncer"),
		tracer:         telemetry.Tracer(scopeName),
		durations:      durations,
		lookback:       opts.InitialLookback,
		triggerTimeout: opts.TriggerTimeout,
		Now:            time.Now,
	}
}

// Repositories returns the repositories a cycle sweeps
func (c *Coordinator) Repositories() []string {
	return c.roster.Repositories()
}

// SweepRepository sweeps repo from its watermark. A call made while a sweep
// of repo is running waits for that sweep and shares its report.
func (c *Coordinator) SweepRepository(ctx context.Context, repo string) (*SweepReport, error) {
	return c.do(ctx, repo, time.Time{})
}

// Backfill sweeps repo from since instead of its watermark. The watermark
// still only moves forward.
func (c *Coordinator) Backfill(ctx context.Context, repo string, since time.Time) (*SweepReport, error) {
	if since.IsZero() {
		return nil, errors.New("backfill needs a start time")
	}
	return c.do(ctx, repo, since)
}

func (c *Coordinator) do(ctx context.Context, repo string, since time.Time) (*SweepReport, error) {
	if !c.roster.Watches(repo) {
		return nil, fault.Config("sweep", fmt.Errorf("repository %s is not in the roster", repo))
	}
	key := repo
	if !since.IsZero() {
		key += "@" + since.UTC().Format(time.RFC3339Nano)
	}
	v, err, shared := c.group.Do(key, func() (any, error) {
		return c.sweep(ctx, repo, since)
	})
	if err != nil {
		return nil, err
	}
	report := *v.(*SweepReport)
	report.Shared = shared
	return &report, nil
}

func (c *Coordinator) sweep(ctx context.Context, repo string, since time.Time) (*SweepReport, error) {
	start := c.Now()
	id := newSweepID()
	logger := c.logger.With("sweep", id, "repository", repo)
	ctx, span := c.tracer.Start(ctx, "sync.sweep", trace.WithAttributes(
		attribute.String("fcpbot.repository", repo),
		attribute.String("fcpbot.sweep", id),
	))
	defer span.End()

	report, err := c.runSweep(ctx, logger, repo, since)
	elapsed := c.Now().Sub(start)
	c.metrics.ObserveSweep(repo, err == nil, elapsed)
	c.durations.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("fcpbot.repository", repo),
		attribute.String("fcpbot.outcome", outcome(err)),
	))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("sweep failed", "error", err, "duration", elapsed)
		if recErr := c.store.RecordSyncFailure(ctx, repo, start, err.Error()); recErr != nil {
			logger.Error("recording sweep failure", "error", recErr)
		}
		return nil, fault.WithRepository(err, repo)
	}
	report.ID = id
	report.Duration = elapsed
	logger.Info("sweep complete",
		"touched", len(report.Ingest.Touched),
		"transitions", len(report.Evaluation.Transitions),
		"delivered", report.Delivery.Delivered,
		"duration", elapsed,
	)
	return report, nil
}

func outcome(err error) string {
	if err != nil {
		return metrics.OutcomeFailure
	}
	return metrics.OutcomeSuccess
}

func (c *Coordinator) runSweep(ctx context.Context, logger *slog.Logger, repo string, since time.Time) (*SweepReport, error) {
	if since.IsZero() {
		var err error
		if since, err = c.since(ctx, repo); err != nil {
			return nil, err
		}
	}
	logger.Debug("sweep starting", "since", since)

	ingested, err := c.pipeline.Ingest(ctx, repo, since)
	if err != nil {
		return nil, err
	}
	c.metrics.AddEvents(repo, "applied", ingested.Issues+ingested.Comments)
	c.metrics.AddEvents(repo, "ignored", ingested.Ignored)
	c.metrics.AddEvents(repo, "skipped", ingested.Skipped)
	c.metrics.SetWatermark(repo, ingested.SweepStart)

	evaluated, err := c.machine.EvaluateRepository(ctx, repo, ingested.Touched)
	if err != nil {
		return nil, err
	}
	for _, t := range evaluated.Transitions {
		c.metrics.AddTransition(repo, string(t.From), string(t.To))
	}
	c.metrics.AddAttention(repo, len(evaluated.Flagged))

	delivered, err := c.deliverer.Deliver(ctx, repo)
	if err != nil {
		return nil, err
	}
	c.metrics.AddNotifications(repo, "delivered", delivered.Delivered)
	c.metrics.AddNotifications(repo, "failed", delivered.Failed)
	c.metrics.AddNotifications(repo, "deferred", delivered.Deferred)

	return &SweepReport{
		Repository: repo,
		Since:      since,
		Ingest:     ingested,
		Evaluation: evaluated,
		Delivery:   delivered,
	}, nil
}

// since returns the watermark of repo, or the start of the initial
// lookback window when the repository was never synced.
func (c *Coordinator) since(ctx context.Context, repo string) (time.Time, error) {
	wm, err := c.store.GetWatermark(ctx, repo)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return time.Time{}, fmt.Errorf("read watermark: %w", err)
	case wm.SyncedAt != nil:
		return *wm.SyncedAt, nil
	}
	return c.Now().Add(-c.lookback).UTC(), nil
}

// Cycle sweeps every roster repository in order. One repository's failure
// does not stop the others. An unreachable store ends the cycle with an
// internal fault.
func (c *Coordinator) Cycle(ctx context.Context) (*CycleReport, error) {
	if err := c.store.Ping(ctx); err != nil {
		return nil, fault.Internal("cycle", fmt.Errorf("store unreachable: %w", err))
	}
	report := &CycleReport{Failures: make(map[string]error)}
	for _, repo := range c.roster.Repositories() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		sweep, err := c.SweepRepository(ctx, repo)
		if err != nil {
			if fault.IsFatal(err) {
				return report, err
			}
			report.Failures[repo] = err
			continue
		}
		report.Sweeps = append(report.Sweeps, sweep)
	}
	c.logger.Info("cycle complete",
		"repositories", len(c.roster.Repositories()),
		"failed", len(report.Failures))
	return report, nil
}

// TriggerSweep starts an asynchronous sweep of repo and reports whether it
// was accepted. It refuses once Close has been called.
func (c *Coordinator) TriggerSweep(repo string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.triggerTimeout)
		defer cancel()
		if _, err := c.SweepRepository(ctx, repo); err != nil {
			c.logger.Warn("triggered sweep failed", "repository", repo, "error", err)
		}
	}()
	return true
}

// Close stops accepting triggers and waits for triggered sweeps to finish
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}

func newSweepID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
