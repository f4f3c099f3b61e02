package signalrouter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"git.home.luguber.info/inful/forgeflow/internal/ledger"
	"git.home.luguber.info/inful/forgeflow/internal/logfields"
	"git.home.luguber.info/inful/forgeflow/internal/metrics"
	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// Sweeper periodically resolves pending phase runs whose deadline passed
// without a termination signal. It is the fallback for lost signals and
// hung workers.
type Sweeper struct {
	ledger    ledger.Ledger
	handler   CompletionHandler
	rec       metrics.Recorder
	scheduler gocron.Scheduler
	interval  time.Duration
}

// NewSweeper builds a sweeper running at the given cadence.
func NewSweeper(l ledger.Ledger, handler CompletionHandler, interval time.Duration, rec metrics.Recorder) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create sweep scheduler: %w", err)
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Sweeper{
		ledger:    l,
		handler:   handler,
		rec:       rec,
		scheduler: s,
		interval:  interval,
	}, nil
}

// Start schedules the sweep job and begins execution.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(s.Sweep, ctx),
		gocron.WithName("phase-timeout-sweep"),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule timeout sweep: %w", err)
	}
	s.scheduler.Start()
	slog.Info("Timeout sweeper started", "interval", s.interval.String())
	return nil
}

// Stop shuts the scheduler down.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}

// Sweep resolves every expired pending run as an infrastructure failure.
// The conditional resolve keeps the sweep safe against a signal arriving
// for the same run at the same moment.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.ledger.ExpiredPendingRuns(ctx, time.Now())
	if err != nil {
		slog.Error("Timeout sweep query failed", logfields.Error(err))
		return
	}

	for _, run := range expired {
		detail := fmt.Sprintf("phase timed out at %s", run.Deadline.UTC().Format(time.RFC3339))
		resolved, err := s.ledger.ResolvePhaseRun(ctx, run.ExecutionID, run.Phase, run.Attempt, state.OutcomeInfraFailed, detail)
		if err != nil {
			slog.Error("Failed to resolve timed-out phase run", logfields.Error(err),
				logfields.ExecutionID(run.ExecutionID), logfields.Phase(string(run.Phase)))
			continue
		}
		if !resolved {
			continue
		}

		slog.Warn("Phase run timed out",
			logfields.ExecutionID(run.ExecutionID),
			logfields.Phase(string(run.Phase)),
			logfields.Attempt(run.Attempt))
		s.rec.IncTimeoutSweep()
		s.rec.IncPhaseOutcome(string(run.Phase), string(state.OutcomeInfraFailed))

		run.Outcome = state.OutcomeInfraFailed
		run.Detail = detail
		now := time.Now()
		run.CompletedAt = &now
		s.handler(ctx, run)
	}
}
