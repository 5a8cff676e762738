// Package scheduler runs sync cycles on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/fcpbot/fcpbot/internal/fault"
	"github.com/fcpbot/fcpbot/internal/syncer"
)

// Cycler runs one pass over every repository. *syncer.Coordinator
// implements it.
type Cycler interface {
	Cycle(ctx context.Context) (*syncer.CycleReport, error)
}

// Scheduler is the perpetual sync loop. Run it under a supervisor: it
// returns only when ctx ends or a cycle fails fatally.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	logger   *slog.Logger

	// Immediate runs the first cycle at start instead of after one interval
	Immediate bool
}

// New creates a scheduler
func New(c Cycler, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{cycler: c, interval: interval, logger: logger.With("component", "scheduler")}
}

// Run sleeps for the interval, runs a cycle, and repeats. Per-repository
// failures are logged and the loop continues; a fatal failure such as an
// unreachable store is returned. Cancelling ctx returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fault.Config("scheduler", errors.New("interval must be positive"))
	}
	first := s.interval
	if s.Immediate {
		first = 0
	}
	timer := time.NewTimer(first)
	defer timer.Stop()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-timer.C:
		}
		if err := s.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if fault.IsFatal(err) {
				return err
			}
			s.logger.Warn("cycle failed", "error", err)
		}
		timer.Reset(s.interval)
	}
}

// RunOnce runs a single cycle and logs each repository's outcome
func (s *Scheduler) RunOnce(ctx context.Context) error {
	start := time.Now()
	report, err := s.cycler.Cycle(ctx)
	if report != nil {
		for _, sweep := range report.Sweeps {
			s.logger.Info("repository synced",
				"repository", sweep.Repository,
				"sweep", sweep.ID,
				"issues", sweep.Ingest.Issues,
				"comments", sweep.Ingest.Comments,
				"transitions", len(sweep.Evaluation.Transitions),
			)
		}
		for repo, ferr := range report.Failures {
			s.logger.Warn("repository sync failed", "repository", repo, "kind", fault.KindOf(ferr), "error", ferr)
		}
	}
	if err != nil {
		return err
	}
	s.logger.Debug("cycle finished", "duration", time.Since(start))
	return nil
}
