// Package controller drives the build pipeline state machine: it sequences
// the Decompose, Orchestrate, Verify and Deploy phases, runs the bounded
// verification and infrastructure retry loops and owns every terminal
// decision about an execution.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/forgeflow/internal/enrich"
	"git.home.luguber.info/inful/forgeflow/internal/fferrors"
	"git.home.luguber.info/inful/forgeflow/internal/guard"
	"git.home.luguber.info/inful/forgeflow/internal/handoff"
	"git.home.luguber.info/inful/forgeflow/internal/ledger"
	"git.home.luguber.info/inful/forgeflow/internal/logfields"
	"git.home.luguber.info/inful/forgeflow/internal/metrics"
	"git.home.luguber.info/inful/forgeflow/internal/state"
	"git.home.luguber.info/inful/forgeflow/internal/supervisor"
)

// Terminal failure reasons recorded on the execution.
const (
	ReasonVerifyExhausted = "verification exhausted retries"
	ReasonInfraExhausted  = "infrastructure retries exhausted"
	ReasonCancelled       = "cancelled"
)

// StartRequest describes a new build submission.
type StartRequest struct {
	OrgID       string
	UserID      string
	SpecContent string
}

// Controller is the pipeline state machine. All transitions for one
// execution run under its per-execution mutex, on top of the ledger's
// conditional updates.
type Controller struct {
	ledger ledger.Ledger
	store  handoff.Store
	sup    *supervisor.Supervisor
	bus    *Bus
	rec    metrics.Recorder
	locks  *mutexMap

	boundsMu      sync.RWMutex
	maxIterations int
	maxCycles     int
}

// New wires a controller with the given retry bounds.
func New(l ledger.Ledger, store handoff.Store, sup *supervisor.Supervisor, bus *Bus, maxIterations, maxCycles int, rec metrics.Recorder) *Controller {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Controller{
		ledger:        l,
		store:         store,
		sup:           sup,
		bus:           bus,
		rec:           rec,
		locks:         newMutexMap(),
		maxIterations: maxIterations,
		maxCycles:     maxCycles,
	}
}

// UpdateBounds applies hot-reloaded retry bounds. In-flight guard checks
// use the new values on their next evaluation.
func (c *Controller) UpdateBounds(maxIterations, maxCycles int) {
	c.boundsMu.Lock()
	defer c.boundsMu.Unlock()
	c.maxIterations = maxIterations
	c.maxCycles = maxCycles
	slog.Info("Retry bounds updated", "max_iterations", maxIterations, "max_cycles", maxCycles)
}

func (c *Controller) bounds() (maxIterations, maxCycles int) {
	c.boundsMu.RLock()
	defer c.boundsMu.RUnlock()
	return c.maxIterations, c.maxCycles
}

// StartBuild accepts a build spec, records the execution and launches the
// first Decompose worker. The returned execution reflects any launch
// failure handling that happened synchronously.
func (c *Controller) StartBuild(ctx context.Context, req StartRequest) (*state.BuildExecution, error) {
	if req.OrgID == "" {
		return nil, fferrors.New(fferrors.CategoryValidation, fferrors.SeverityError, "org id is required")
	}
	if req.SpecContent == "" {
		return nil, fferrors.New(fferrors.CategoryValidation, fferrors.SeverityError, "build spec content is required")
	}

	execID := uuid.NewString()
	specKey := handoff.SpecKey(execID, 1)
	spec := state.BuildSpec{ExecutionID: execID, Revision: 1, Content: req.SpecContent}
	specData, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal build spec: %w", err)
	}
	if err := c.store.Put(ctx, specKey, specData); err != nil {
		return nil, fferrors.Wrap(err, fferrors.CategoryStorage, fferrors.SeverityError, "failed to store build spec")
	}

	now := time.Now()
	exec := &state.BuildExecution{
		ID:           execID,
		OrgID:        req.OrgID,
		UserID:       req.UserID,
		SpecRef:      specKey,
		SpecRevision: 1,
		Status:       state.StatusPending,
		CurrentPhase: state.PhaseDecompose,
		QAIteration:  1,
		BuildCycle:   1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := c.ledger.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to create execution: %w", err)
	}
	if err := c.ledger.RecordSpecRevision(ctx, execID, 1, specKey, ""); err != nil {
		return nil, fmt.Errorf("failed to record spec revision: %w", err)
	}

	c.rec.IncExecutionStarted()
	c.publish(ctx, ExecutionEvent{
		ExecutionID: execID,
		Type:        EventExecutionStarted,
		Status:      state.StatusPending,
		QAIteration: 1,
		BuildCycle:  1,
		Revision:    1,
	})

	slog.Info("Build execution started",
		logfields.ExecutionID(execID),
		logfields.OrgID(req.OrgID))

	c.locks.Lock(execID)
	defer c.locks.Unlock(execID)
	if err := c.launchDecompose(ctx, exec); err != nil {
		slog.Error("Initial launch failed", logfields.ExecutionID(execID), logfields.Error(err))
	}

	return c.ledger.GetExecution(ctx, execID)
}

// OnPhaseResolved is the completion handler invoked by the signal router
// and timeout sweeper, exactly once per resolved run.
func (c *Controller) OnPhaseResolved(ctx context.Context, run state.PhaseRun) {
	c.locks.Lock(run.ExecutionID)
	defer c.locks.Unlock(run.ExecutionID)

	exec, err := c.ledger.GetExecution(ctx, run.ExecutionID)
	if err != nil {
		slog.Error("Resolution for unknown execution",
			logfields.ExecutionID(run.ExecutionID), logfields.Error(err))
		return
	}

	c.sup.ReleaseWorker(exec.OrgID)

	if exec.Status.IsTerminal() {
		slog.Debug("Ignoring resolution for finished execution",
			logfields.ExecutionID(exec.ID), logfields.Phase(string(run.Phase)))
		return
	}

	c.publish(ctx, ExecutionEvent{
		ExecutionID: exec.ID,
		Type:        EventPhaseResolved,
		Phase:       run.Phase,
		Attempt:     run.Attempt,
		Outcome:     run.Outcome,
		Reason:      run.Detail,
	})

	if exec.Status == state.StatusCancelling {
		// The worker was allowed to finish; its outcome is discarded.
		c.finalize(ctx, exec, state.StatusFailed, ReasonCancelled)
		return
	}

	switch run.Outcome {
	case state.OutcomeSucceeded:
		c.advance(ctx, exec, run)
	case state.OutcomeLogicalFailed:
		if run.Phase == state.PhaseVerify {
			c.retryIteration(ctx, exec, run)
		} else {
			c.finalize(ctx, exec, state.StatusFailed, "deploy failed: "+run.Detail)
		}
	case state.OutcomeInfraFailed:
		if err := c.retryCycle(ctx, exec.ID, run.Detail); err != nil {
			slog.Error("Cycle retry failed", logfields.ExecutionID(exec.ID), logfields.Error(err))
		}
	default:
		slog.Error("Unexpected run outcome",
			logfields.ExecutionID(exec.ID), logfields.Outcome(string(run.Outcome)))
	}
}

// Cancel flags a pending or running execution for cancellation. The
// in-flight worker finishes naturally; the execution fails at its next
// resolution.
func (c *Controller) Cancel(ctx context.Context, executionID string) (bool, error) {
	ok, err := c.ledger.RequestCancel(ctx, executionID)
	if err != nil {
		return false, err
	}
	if ok {
		c.publish(ctx, ExecutionEvent{ExecutionID: executionID, Type: EventCancelRequested})
		slog.Info("Cancellation requested", logfields.ExecutionID(executionID))
	}
	return ok, nil
}

// advance moves a succeeded run to the next phase, or finishes the
// execution after Deploy.
func (c *Controller) advance(ctx context.Context, exec *state.BuildExecution, run state.PhaseRun) {
	if run.Phase == state.PhaseDeploy {
		c.completeDeploy(ctx, exec, run)
		return
	}

	next, _ := run.Phase.Next()
	input := mustJSON(map[string]any{
		"sourceKey": handoff.OutputKey(run.ExecutionID, run.Phase, run.Attempt),
	})
	if err := c.launchPhase(ctx, exec, next, input); err != nil {
		slog.Error("Failed to launch next phase",
			logfields.ExecutionID(exec.ID), logfields.Phase(string(next)), logfields.Error(err))
	}
}

// completeDeploy records deployed artifacts and finalizes the execution as
// completed or partial_success.
func (c *Controller) completeDeploy(ctx context.Context, exec *state.BuildExecution, run state.PhaseRun) {
	data, err := c.store.Get(ctx, handoff.OutputKey(run.ExecutionID, run.Phase, run.Attempt))
	if err != nil {
		c.finalize(ctx, exec, state.StatusFailed, "deploy output unreadable: "+err.Error())
		return
	}
	var report state.DeployReport
	if err := json.Unmarshal(data, &report); err != nil {
		c.finalize(ctx, exec, state.StatusFailed, "deploy output unreadable: "+err.Error())
		return
	}

	verified := c.verifiedOutcomes(ctx, exec.ID)
	now := time.Now()
	for _, unit := range report.SucceededUnits() {
		artifact := state.ToolArtifact{
			ExecutionID:      exec.ID,
			Name:             unit.Name,
			ArtifactRef:      unit.ArtifactRef,
			DeployedAt:       now,
			VerifiedOutcomes: verified,
		}
		if err := c.ledger.CreateArtifact(ctx, artifact); err != nil {
			slog.Error("Failed to record artifact",
				logfields.ExecutionID(exec.ID), logfields.Error(err))
		}
	}

	ok := len(report.SucceededUnits())
	if ok == len(report.Units) {
		c.finalize(ctx, exec, state.StatusCompleted, "")
		return
	}
	c.finalize(ctx, exec, state.StatusPartialSuccess,
		fmt.Sprintf("%d of %d units deployed", ok, len(report.Units)))
}

// verifiedOutcomes collects the signatures of the verify runs that passed,
// linking each artifact back to the verification evidence behind it.
func (c *Controller) verifiedOutcomes(ctx context.Context, executionID string) []string {
	runs, err := c.ledger.ListPhaseRuns(ctx, executionID)
	if err != nil {
		slog.Warn("Failed to list runs for artifact provenance",
			logfields.ExecutionID(executionID), logfields.Error(err))
		return nil
	}
	var sigs []string
	for _, r := range runs {
		if r.Phase == state.PhaseVerify && r.Outcome == state.OutcomeSucceeded {
			sigs = append(sigs, r.Signature())
		}
	}
	return sigs
}

// retryIteration runs the inner loop: enrich the spec with verification
// feedback and restart from Decompose, or fail once the bound is reached.
func (c *Controller) retryIteration(ctx context.Context, exec *state.BuildExecution, run state.PhaseRun) {
	maxIterations, _ := c.bounds()
	next := exec.QAIteration + 1
	if guard.CheckIteration(next, maxIterations) == guard.Exhausted {
		c.finalize(ctx, exec, state.StatusFailed, ReasonVerifyExhausted)
		return
	}

	reportKey := handoff.OutputKey(run.ExecutionID, run.Phase, run.Attempt)
	reportData, err := c.store.Get(ctx, reportKey)
	if err != nil {
		if cerr := c.retryCycle(ctx, exec.ID, "verification report unreadable: "+err.Error()); cerr != nil {
			slog.Error("Cycle retry failed", logfields.ExecutionID(exec.ID), logfields.Error(cerr))
		}
		return
	}
	var report state.QAReport
	if err := json.Unmarshal(reportData, &report); err != nil {
		if cerr := c.retryCycle(ctx, exec.ID, "verification report unreadable: "+err.Error()); cerr != nil {
			slog.Error("Cycle retry failed", logfields.ExecutionID(exec.ID), logfields.Error(cerr))
		}
		return
	}

	specData, err := c.store.Get(ctx, exec.SpecRef)
	if err != nil {
		c.finalize(ctx, exec, state.StatusFailed, "build spec unreadable: "+err.Error())
		return
	}
	var spec state.BuildSpec
	if err := json.Unmarshal(specData, &spec); err != nil {
		c.finalize(ctx, exec, state.StatusFailed, "build spec unreadable: "+err.Error())
		return
	}

	revised := enrich.Revise(spec, report, exec.QAIteration, reportKey)
	newKey := handoff.SpecKey(exec.ID, revised.Revision)
	revisedData, err := json.Marshal(revised)
	if err != nil {
		c.finalize(ctx, exec, state.StatusFailed, "failed to marshal revised spec: "+err.Error())
		return
	}
	if err := c.store.Put(ctx, newKey, revisedData); err != nil {
		c.finalize(ctx, exec, state.StatusFailed, "failed to store revised spec: "+err.Error())
		return
	}
	if _, err := c.ledger.SetSpec(ctx, exec.ID, revised.Revision, newKey); err != nil {
		slog.Error("Failed to set spec revision", logfields.ExecutionID(exec.ID), logfields.Error(err))
		return
	}
	if err := c.ledger.RecordSpecRevision(ctx, exec.ID, revised.Revision, newKey, reportKey); err != nil {
		slog.Error("Failed to record spec revision", logfields.ExecutionID(exec.ID), logfields.Error(err))
	}

	ok, err := c.ledger.BumpIteration(ctx, exec.ID, exec.QAIteration)
	if err != nil {
		slog.Error("Failed to bump iteration", logfields.ExecutionID(exec.ID), logfields.Error(err))
		return
	}
	if !ok {
		// Counter moved underneath us, or a cancel landed mid-transition.
		c.resolveStalledCancel(ctx, exec.ID)
		return
	}

	exec.QAIteration = next
	exec.SpecRef = newKey
	exec.SpecRevision = revised.Revision

	c.rec.IncIterationRetry()
	c.publish(ctx, ExecutionEvent{
		ExecutionID: exec.ID,
		Type:        EventSpecRevised,
		Revision:    revised.Revision,
	})
	c.publish(ctx, ExecutionEvent{
		ExecutionID: exec.ID,
		Type:        EventIterationRetry,
		QAIteration: next,
		Reason:      run.Detail,
	})

	slog.Info("Verification retry",
		logfields.ExecutionID(exec.ID),
		logfields.Iteration(next),
		logfields.Revision(revised.Revision))

	if err := c.launchDecompose(ctx, exec); err != nil {
		slog.Error("Failed to relaunch after enrichment",
			logfields.ExecutionID(exec.ID), logfields.Error(err))
	}
}

// retryCycle runs the outer loop: restart from Decompose on the current
// spec revision, or fail once the bound is reached. Also the landing path
// for synchronous launch failures.
func (c *Controller) retryCycle(ctx context.Context, executionID, detail string) error {
	exec, err := c.ledger.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return nil
	}
	if exec.Status == state.StatusCancelling {
		c.finalize(ctx, exec, state.StatusFailed, ReasonCancelled)
		return nil
	}

	_, maxCycles := c.bounds()
	next := exec.BuildCycle + 1
	if guard.CheckCycle(next, maxCycles) == guard.Exhausted {
		c.finalize(ctx, exec, state.StatusFailed, ReasonInfraExhausted)
		return nil
	}

	ok, err := c.ledger.BumpCycle(ctx, exec.ID, exec.BuildCycle)
	if err != nil {
		return err
	}
	if !ok {
		c.resolveStalledCancel(ctx, exec.ID)
		return nil
	}
	exec.BuildCycle = next

	c.rec.IncCycleRetry()
	c.publish(ctx, ExecutionEvent{
		ExecutionID: exec.ID,
		Type:        EventCycleRetry,
		BuildCycle:  next,
		Reason:      detail,
	})

	slog.Warn("Infrastructure retry",
		logfields.ExecutionID(exec.ID),
		logfields.Cycle(next),
		"detail", detail)

	return c.launchDecompose(ctx, exec)
}

// launchDecompose starts the pipeline's first phase against the current
// spec revision.
func (c *Controller) launchDecompose(ctx context.Context, exec *state.BuildExecution) error {
	input := mustJSON(map[string]any{
		"buildSpecRef": exec.SpecRef,
		"revision":     exec.SpecRevision,
	})
	return c.launchPhase(ctx, exec, state.PhaseDecompose, input)
}

func (c *Controller) launchPhase(ctx context.Context, exec *state.BuildExecution, phase state.Phase, input []byte) error {
	ok, err := c.ledger.SetPhase(ctx, exec.ID, phase)
	if err != nil {
		return err
	}
	if !ok {
		cur, gerr := c.ledger.GetExecution(ctx, exec.ID)
		if gerr != nil {
			return gerr
		}
		if cur.Status == state.StatusCancelling {
			c.finalize(ctx, cur, state.StatusFailed, ReasonCancelled)
		}
		return nil
	}

	run, err := c.sup.LaunchPhase(ctx, exec, phase, input)
	if err != nil {
		if fferrors.CategoryOf(err) == fferrors.CategoryLaunch {
			return c.retryCycle(ctx, exec.ID, "worker launch failed: "+err.Error())
		}
		c.finalize(ctx, exec, state.StatusFailed, "internal error: "+err.Error())
		return err
	}

	c.publish(ctx, ExecutionEvent{
		ExecutionID: exec.ID,
		Type:        EventPhaseStarted,
		Phase:       phase,
		Attempt:     run.Attempt,
	})
	return nil
}

// finalize records a terminal status exactly once and emits the closing
// stream event.
func (c *Controller) finalize(ctx context.Context, exec *state.BuildExecution, status state.ExecutionStatus, reason string) {
	ok, err := c.ledger.Finalize(ctx, exec.ID, status, reason)
	if err != nil {
		slog.Error("Failed to finalize execution",
			logfields.ExecutionID(exec.ID), logfields.Error(err))
		return
	}
	if !ok {
		return
	}

	c.rec.IncExecutionOutcome(string(status))
	slog.Info("Execution finished",
		logfields.ExecutionID(exec.ID),
		logfields.Status(string(status)),
		"reason", reason)

	c.publish(ctx, ExecutionEvent{
		ExecutionID: exec.ID,
		Type:        EventExecutionFinished,
		Status:      status,
		Reason:      reason,
	})
}

// resolveStalledCancel finalizes an execution that was flagged cancelling
// while a transition was mid-flight, so it cannot hang with no pending run.
func (c *Controller) resolveStalledCancel(ctx context.Context, executionID string) {
	cur, err := c.ledger.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	if cur.Status == state.StatusCancelling {
		c.finalize(ctx, cur, state.StatusFailed, ReasonCancelled)
	}
}

func (c *Controller) publish(ctx context.Context, ev ExecutionEvent) {
	if err := c.bus.Publish(ctx, ev); err != nil {
		slog.Error("Failed to publish execution event",
			logfields.ExecutionID(ev.ExecutionID), logfields.Error(err))
	}
}

// GetExecution returns one execution record.
func (c *Controller) GetExecution(ctx context.Context, id string) (*state.BuildExecution, error) {
	return c.ledger.GetExecution(ctx, id)
}

// ListExecutions returns recent executions for an org.
func (c *Controller) ListExecutions(ctx context.Context, orgID string, limit int) ([]state.BuildExecution, error) {
	return c.ledger.ListExecutions(ctx, orgID, limit)
}

// Trail returns the phase-run audit trail for an execution.
func (c *Controller) Trail(ctx context.Context, executionID string) ([]state.PhaseRun, error) {
	return c.ledger.ListPhaseRuns(ctx, executionID)
}

// Artifacts returns the deployed artifacts for an execution.
func (c *Controller) Artifacts(ctx context.Context, executionID string) ([]state.ToolArtifact, error) {
	return c.ledger.ListArtifacts(ctx, executionID)
}

// SpecRevisions returns the spec revision history for an execution.
func (c *Controller) SpecRevisions(ctx context.Context, executionID string) ([]ledger.SpecRevision, error) {
	return c.ledger.ListSpecRevisions(ctx, executionID)
}

// Stream follows an execution's event log from the beginning until it
// finishes or ctx is cancelled.
func (c *Controller) Stream(ctx context.Context, executionID string) <-chan ExecutionEvent {
	return c.bus.Stream(ctx, executionID)
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
