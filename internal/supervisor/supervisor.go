package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/forgeflow/internal/fferrors"
	"git.home.luguber.info/inful/forgeflow/internal/handoff"
	"git.home.luguber.info/inful/forgeflow/internal/ledger"
	"git.home.luguber.info/inful/forgeflow/internal/logfields"
	"git.home.luguber.info/inful/forgeflow/internal/metrics"
	"git.home.luguber.info/inful/forgeflow/internal/quota"
	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// TimeoutFunc returns the wall-clock budget for a phase.
type TimeoutFunc func(phase state.Phase) time.Duration

// Supervisor gates worker launches through org quotas, records the pending
// phase run and hands the process to the executor. Launch failures surface
// synchronously as *fferrors.PipelineError with CategoryLaunch and leave no
// run behind.
type Supervisor struct {
	ledger    ledger.Ledger
	store     handoff.Store
	executor  Executor
	quotas    *quota.Manager
	rec       metrics.Recorder
	timeoutFn TimeoutFunc
}

// New wires a supervisor.
func New(l ledger.Ledger, store handoff.Store, executor Executor, quotas *quota.Manager, timeoutFn TimeoutFunc, rec metrics.Recorder) *Supervisor {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Supervisor{
		ledger:    l,
		store:     store,
		executor:  executor,
		quotas:    quotas,
		rec:       rec,
		timeoutFn: timeoutFn,
	}
}

// LaunchPhase writes the worker's input document, starts the worker and
// appends its pending run with a deadline for the timeout sweep. The input
// payload is stored under the attempt's input key before launch so the
// worker can read it immediately.
func (s *Supervisor) LaunchPhase(ctx context.Context, exec *state.BuildExecution, phase state.Phase, input []byte) (*state.PhaseRun, error) {
	if err := s.quotas.AcquireWorker(exec.OrgID); err != nil {
		var limitErr *quota.QuotaLimitError
		if errors.As(err, &limitErr) {
			s.rec.IncLaunchFailure()
			return nil, fferrors.LaunchFailure(err, "worker quota exceeded").
				WithContext("org_id", exec.OrgID).
				WithContext("phase", string(phase))
		}
		return nil, fmt.Errorf("quota check failed: %w", err)
	}

	run, err := s.launch(ctx, exec, phase, input)
	if err != nil {
		s.quotas.ReleaseWorker(exec.OrgID)
		return nil, err
	}
	return run, nil
}

func (s *Supervisor) launch(ctx context.Context, exec *state.BuildExecution, phase state.Phase, input []byte) (*state.PhaseRun, error) {
	attempt, err := s.ledger.NextAttempt(ctx, exec.ID, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate attempt: %w", err)
	}

	inputKey := handoff.InputKey(exec.ID, phase, attempt)
	outputKey := handoff.OutputKey(exec.ID, phase, attempt)
	if err := s.store.Put(ctx, inputKey, input); err != nil {
		return nil, fferrors.LaunchFailure(err, "failed to stage worker input").
			WithContext("key", inputKey)
	}

	now := time.Now()
	run := state.PhaseRun{
		ExecutionID: exec.ID,
		Phase:       phase,
		Attempt:     attempt,
		Outcome:     state.OutcomePending,
		StartedAt:   now,
		Deadline:    now.Add(s.timeoutFn(phase)),
	}
	if err := s.ledger.CreatePhaseRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to record phase run: %w", err)
	}

	workerRef, err := s.executor.Launch(ctx, LaunchSpec{
		ExecutionID: exec.ID,
		OrgID:       exec.OrgID,
		Phase:       phase,
		Attempt:     attempt,
		InputKey:    inputKey,
		OutputKey:   outputKey,
		Timeout:     s.timeoutFn(phase),
	})
	if err != nil {
		s.rec.IncLaunchFailure()
		// The run row stays pending; resolve it so the audit trail shows
		// the failed attempt rather than a phantom timeout.
		if _, rerr := s.ledger.ResolvePhaseRun(ctx, exec.ID, phase, attempt, state.OutcomeInfraFailed, "worker launch failed: "+err.Error()); rerr != nil {
			slog.Error("Failed to resolve run after launch failure",
				logfields.ExecutionID(exec.ID), logfields.Error(rerr))
		}
		return nil, fferrors.LaunchFailure(err, "worker launch failed").
			WithContext("phase", string(phase)).
			WithContext("attempt", attempt)
	}

	run.WorkerRef = workerRef

	slog.Info("Phase launched",
		logfields.ExecutionID(exec.ID),
		logfields.OrgID(exec.OrgID),
		logfields.Phase(string(phase)),
		logfields.Attempt(attempt),
		logfields.WorkerRef(workerRef))

	return &run, nil
}

// ReleaseWorker returns an org's quota slot after a run resolves.
func (s *Supervisor) ReleaseWorker(orgID string) {
	s.quotas.ReleaseWorker(orgID)
}
