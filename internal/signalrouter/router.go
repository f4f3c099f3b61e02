package signalrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/forgeflow/internal/handoff"
	"git.home.luguber.info/inful/forgeflow/internal/ledger"
	"git.home.luguber.info/inful/forgeflow/internal/logfields"
	"git.home.luguber.info/inful/forgeflow/internal/metrics"
	"git.home.luguber.info/inful/forgeflow/internal/retry"
	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// CompletionHandler receives a run after it has been terminally resolved,
// with Outcome and Detail filled. Invoked exactly once per run.
type CompletionHandler func(ctx context.Context, run state.PhaseRun)

// Router matches termination signals to pending phase runs, classifies the
// worker output and resolves the run through the ledger.
type Router struct {
	ledger  ledger.Ledger
	store   handoff.Store
	handler CompletionHandler
	grace   time.Duration
	policy  retry.Policy
	rec     metrics.Recorder
}

// NewRouter wires a router. The grace period bounds how long we wait for a
// terminated worker's output object to become visible.
func NewRouter(l ledger.Ledger, store handoff.Store, handler CompletionHandler, grace time.Duration, rec metrics.Recorder) *Router {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Router{
		ledger:  l,
		store:   store,
		handler: handler,
		grace:   grace,
		policy:  retry.DefaultPolicy(),
		rec:     rec,
	}
}

// HandleTermination processes one delivered signal. Safe to call
// concurrently and with duplicates; only the first signal per run resolves
// anything.
func (r *Router) HandleTermination(ctx context.Context, event TerminationEvent) {
	log := slog.With(
		logfields.ExecutionID(event.ExecutionID),
		logfields.Phase(string(event.Phase)),
		logfields.Attempt(event.Attempt))

	run, err := r.lookupRun(ctx, event)
	if err != nil {
		log.Warn("Dropping signal for unknown phase run", logfields.Error(err))
		return
	}
	if run.Outcome != state.OutcomePending {
		log.Debug("Duplicate termination signal ignored", logfields.Outcome(string(run.Outcome)))
		r.rec.IncDuplicateSignal()
		return
	}

	outcome, detail := r.classify(ctx, event)

	resolved, err := r.ledger.ResolvePhaseRun(ctx, event.ExecutionID, event.Phase, event.Attempt, outcome, detail)
	if err != nil {
		log.Error("Failed to resolve phase run", logfields.Error(err))
		return
	}
	if !resolved {
		// Lost the race against a concurrent duplicate or the timeout sweep.
		log.Debug("Phase run already resolved", logfields.Outcome(string(outcome)))
		r.rec.IncDuplicateSignal()
		return
	}

	log.Info("Phase run resolved", logfields.Outcome(string(outcome)))
	r.rec.IncPhaseOutcome(string(event.Phase), string(outcome))
	if !run.StartedAt.IsZero() {
		r.rec.ObservePhaseDuration(string(event.Phase), time.Since(run.StartedAt))
	}

	run.Outcome = outcome
	run.Detail = detail
	now := time.Now()
	run.CompletedAt = &now
	r.handler(ctx, *run)
}

// lookupRun fetches the run row, retrying briefly in case the signal beat
// the supervisor's insert.
func (r *Router) lookupRun(ctx context.Context, event TerminationEvent) (*state.PhaseRun, error) {
	deadline := time.Now().Add(r.grace)
	for attempt := 0; ; attempt++ {
		run, err := r.ledger.GetPhaseRun(ctx, event.ExecutionID, event.Phase, event.Attempt)
		if err == nil {
			return run, nil
		}
		if _, notFound := err.(ledger.ErrRunNotFound); !notFound {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.policy.Delay(attempt + 1)):
		}
	}
}

// classify maps a termination plus its output object to a run outcome.
func (r *Router) classify(ctx context.Context, event TerminationEvent) (state.Outcome, string) {
	if event.Abnormal {
		return state.OutcomeInfraFailed, fmt.Sprintf("worker terminated abnormally (exit %d)", event.ExitCode)
	}

	data, err := r.fetchOutput(ctx, handoff.OutputKey(event.ExecutionID, event.Phase, event.Attempt))
	if err != nil {
		if handoff.IsNotFound(err) {
			return state.OutcomeInfraFailed, "no output within grace period"
		}
		return state.OutcomeInfraFailed, fmt.Sprintf("output fetch failed: %v", err)
	}

	switch event.Phase {
	case state.PhaseVerify:
		return classifyVerify(data)
	case state.PhaseDeploy:
		return classifyDeploy(data)
	default:
		return classifyEnvelope(data)
	}
}

// fetchOutput polls for the output object until the grace period elapses.
// The store may lag the process exit when the backend is remote.
func (r *Router) fetchOutput(ctx context.Context, key string) ([]byte, error) {
	deadline := time.Now().Add(r.grace)
	for attempt := 0; ; attempt++ {
		data, err := r.store.Get(ctx, key)
		if err == nil {
			return data, nil
		}
		if !handoff.IsNotFound(err) {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.policy.Delay(attempt + 1)):
		}
	}
}

func classifyVerify(data []byte) (state.Outcome, string) {
	var report state.QAReport
	if err := json.Unmarshal(data, &report); err != nil {
		return state.OutcomeInfraFailed, fmt.Sprintf("malformed verification report: %v", err)
	}
	switch report.Status {
	case state.QAStatusPass:
		return state.OutcomeSucceeded, ""
	case state.QAStatusFail:
		return state.OutcomeLogicalFailed, fmt.Sprintf("verification failed with %d issues", len(report.Issues))
	default:
		return state.OutcomeInfraFailed, fmt.Sprintf("malformed verification report: unknown status %q", report.Status)
	}
}

func classifyDeploy(data []byte) (state.Outcome, string) {
	var report state.DeployReport
	if err := json.Unmarshal(data, &report); err != nil {
		return state.OutcomeInfraFailed, fmt.Sprintf("malformed deploy report: %v", err)
	}
	switch report.Status {
	case "success":
		if len(report.SucceededUnits()) == 0 {
			return state.OutcomeLogicalFailed, "deploy reported success but no unit deployed"
		}
		return state.OutcomeSucceeded, ""
	case "failed":
		return state.OutcomeLogicalFailed, "deploy reported failure"
	default:
		return state.OutcomeInfraFailed, fmt.Sprintf("malformed deploy report: unknown status %q", report.Status)
	}
}

func classifyEnvelope(data []byte) (state.Outcome, string) {
	var out state.WorkerOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return state.OutcomeInfraFailed, fmt.Sprintf("malformed worker output: %v", err)
	}
	switch out.Status {
	case "success":
		return state.OutcomeSucceeded, ""
	case "failed":
		// Decompose and Orchestrate have no meaningful logical failure mode;
		// a reported failure means the toolchain broke underneath them.
		return state.OutcomeInfraFailed, "worker reported failure"
	default:
		return state.OutcomeInfraFailed, fmt.Sprintf("malformed worker output: unknown status %q", out.Status)
	}
}
