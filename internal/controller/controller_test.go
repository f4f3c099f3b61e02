package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/forgeflow/internal/enrich"
	"git.home.luguber.info/inful/forgeflow/internal/eventstore"
	"git.home.luguber.info/inful/forgeflow/internal/handoff"
	"git.home.luguber.info/inful/forgeflow/internal/ledger"
	"git.home.luguber.info/inful/forgeflow/internal/quota"
	"git.home.luguber.info/inful/forgeflow/internal/signalrouter"
	"git.home.luguber.info/inful/forgeflow/internal/state"
	"git.home.luguber.info/inful/forgeflow/internal/supervisor"
)

const (
	outSuccess    = `{"status":"success"}`
	outVerifyPass = `{"status":"pass","issues":[],"feedback":""}`
	outVerifyFail = `{"status":"fail","issues":[{"type":"test","severity":"high","message":"unit tests failed"}],"feedback":"fix the tests"}`
	outDeployOK   = `{"status":"success","units":[{"name":"svc-a","ok":true,"artifactRef":"img:a"},{"name":"svc-b","ok":true,"artifactRef":"img:b"}]}`
)

// workerStep scripts one simulated worker run.
type workerStep struct {
	body     string // output written before exit; empty writes nothing
	exitCode int
	abnormal bool
	hold     bool // launch but never terminate
}

// workerScript replays steps per phase in launch order, repeating the last
// step once the list is exhausted.
type workerScript struct {
	mu    sync.Mutex
	steps map[state.Phase][]workerStep
	next  map[state.Phase]int
}

func newWorkerScript() *workerScript {
	return &workerScript{steps: make(map[state.Phase][]workerStep), next: make(map[state.Phase]int)}
}

func (s *workerScript) set(phase state.Phase, steps ...workerStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[phase] = steps
}

func (s *workerScript) take(phase state.Phase) workerStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.steps[phase]
	if len(steps) == 0 {
		return workerStep{body: outSuccess}
	}
	i := s.next[phase]
	if i >= len(steps) {
		i = len(steps) - 1
	}
	s.next[phase]++
	return steps[i]
}

type harness struct {
	ledger *ledger.SQLiteLedger
	store  *handoff.MockStore
	execr  *supervisor.ScriptedExecutor
	bus    *signalrouter.FakeBus
	ctrl   *Controller
	script *workerScript
}

func newHarness(t *testing.T, maxIterations, maxCycles int) *harness {
	t.Helper()
	ctx := context.Background()

	l, err := ledger.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	es, err := eventstore.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })

	store := handoff.NewMockStore()
	execr := supervisor.NewScriptedExecutor()
	fakeBus := signalrouter.NewFakeBus(128)
	t.Cleanup(func() { fakeBus.Close() })

	quotas := quota.NewManager(quota.PlanQuotas["enterprise"])
	sup := supervisor.New(l, store, execr, quotas,
		func(state.Phase) time.Duration { return time.Minute }, nil)

	ctrl := New(l, store, sup, NewBus(es), maxIterations, maxCycles, nil)
	router := signalrouter.NewRouter(l, store, ctrl.OnPhaseResolved, 100*time.Millisecond, nil)
	require.NoError(t, fakeBus.Subscribe(ctx, router.HandleTermination))

	script := newWorkerScript()
	execr.OnLaunch(func(spec supervisor.LaunchSpec) {
		step := script.take(spec.Phase)
		if step.hold {
			return
		}
		if step.body != "" {
			_ = store.Put(ctx, spec.OutputKey, []byte(step.body))
		}
		_ = fakeBus.PublishTermination(ctx, signalrouter.TerminationEvent{
			ExecutionID: spec.ExecutionID,
			Phase:       spec.Phase,
			Attempt:     spec.Attempt,
			ExitCode:    step.exitCode,
			Abnormal:    step.abnormal,
			At:          time.Now(),
		})
	})

	return &harness{ledger: l, store: store, execr: execr, bus: fakeBus, ctrl: ctrl, script: script}
}

func (h *harness) start(t *testing.T) *state.BuildExecution {
	t.Helper()
	exec, err := h.ctrl.StartBuild(context.Background(), StartRequest{
		OrgID:       "org-1",
		UserID:      "user-1",
		SpecContent: "build the widget service",
	})
	require.NoError(t, err)
	return exec
}

func (h *harness) waitTerminal(t *testing.T, executionID string) *state.BuildExecution {
	t.Helper()
	var exec *state.BuildExecution
	require.Eventually(t, func() bool {
		var err error
		exec, err = h.ledger.GetExecution(context.Background(), executionID)
		return err == nil && exec.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)
	return exec
}

func TestHappyPathCompletes(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{body: outDeployOK})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Equal(t, 1, final.QAIteration)
	assert.Equal(t, 1, final.BuildCycle)
	assert.Equal(t, 1, final.SpecRevision)
	assert.Empty(t, final.Reason)

	runs, err := h.ledger.ListPhaseRuns(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	for i, phase := range state.Phases {
		assert.Equal(t, phase, runs[i].Phase)
		assert.Equal(t, state.OutcomeSucceeded, runs[i].Outcome)
		assert.Equal(t, 1, runs[i].Attempt)
	}

	artifacts, err := h.ledger.ListArtifacts(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
	assert.Equal(t, "svc-a", artifacts[0].Name)
	assert.Contains(t, artifacts[0].VerifiedOutcomes, state.RunSignature(exec.ID, state.PhaseVerify, 1))
}

func TestVerifyRetriesThenCompletes(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseVerify,
		workerStep{body: outVerifyFail},
		workerStep{body: outVerifyFail},
		workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{body: outDeployOK})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.QAIteration)
	assert.Equal(t, 1, final.BuildCycle)
	assert.Equal(t, 3, final.SpecRevision)

	assert.Equal(t, 3, h.execr.LaunchCount("decompose"))
	assert.Equal(t, 3, h.execr.LaunchCount("verify"))

	revisions, err := h.ledger.ListSpecRevisions(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, revisions, 3)
	assert.Empty(t, revisions[0].QAReportRef)
	assert.NotEmpty(t, revisions[1].QAReportRef)

	// The final spec carries both rounds of feedback, with the original
	// content intact at the front.
	data, err := h.store.Get(context.Background(), final.SpecRef)
	require.NoError(t, err)
	var spec state.BuildSpec
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, 2, enrich.FeedbackBlocks(spec))
	assert.Contains(t, spec.Content, "build the widget service")
}

func TestVerifyExhaustsIterations(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyFail})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusFailed, final.Status)
	assert.Equal(t, ReasonVerifyExhausted, final.Reason)
	assert.Equal(t, 3, final.QAIteration)

	runs, err := h.ledger.ListPhaseRuns(context.Background(), exec.ID)
	require.NoError(t, err)
	verifyFails := 0
	for _, r := range runs {
		if r.Phase == state.PhaseVerify {
			assert.Equal(t, state.OutcomeLogicalFailed, r.Outcome)
			verifyFails++
		}
	}
	assert.Equal(t, 3, verifyFails)

	// No enrichment happens after the bound is hit.
	revisions, err := h.ledger.ListSpecRevisions(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Len(t, revisions, 3)
}

func TestInfraFailuresExhaustCycles(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseDecompose, workerStep{exitCode: 137, abnormal: true})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusFailed, final.Status)
	assert.Equal(t, ReasonInfraExhausted, final.Reason)
	assert.Equal(t, 2, final.BuildCycle)
	assert.Equal(t, 1, final.QAIteration)
	assert.Equal(t, 1, final.SpecRevision)
	assert.Equal(t, 2, h.execr.LaunchCount("decompose"))
}

func TestInfraFailureRecovers(t *testing.T) {
	h := newHarness(t, 3, 3)
	h.script.set(state.PhaseDecompose,
		workerStep{exitCode: 1, abnormal: true},
		workerStep{body: outSuccess})
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{body: outDeployOK})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.BuildCycle)
	// Same spec revision across the infrastructure restart.
	assert.Equal(t, 1, final.SpecRevision)
}

func TestLaunchFailureRoutesToCycleRetry(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.execr.FailNextLaunch(string(state.PhaseDecompose), errors.New("scheduler out of capacity"))
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{body: outDeployOK})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.BuildCycle)
}

func TestPartialDeploySuccess(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{
		body: `{"status":"success","units":[{"name":"svc-a","ok":true,"artifactRef":"img:a"},{"name":"svc-b","ok":false,"error":"rollout timeout"}]}`,
	})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusPartialSuccess, final.Status)
	assert.Equal(t, "1 of 2 units deployed", final.Reason)

	artifacts, err := h.ledger.ListArtifacts(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "svc-a", artifacts[0].Name)
}

func TestZeroUnitsDeployedFails(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{
		body: `{"status":"success","units":[{"name":"svc-a","ok":false,"error":"crashloop"}]}`,
	})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusFailed, final.Status)
	assert.Contains(t, final.Reason, "deploy failed")
}

func TestCancellationDiscardsInFlightOutcome(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseOrchestrate, workerStep{hold: true})

	exec := h.start(t)
	ctx := context.Background()

	// Wait until the orchestrate worker is in flight.
	require.Eventually(t, func() bool {
		return h.execr.LaunchCount("orchestrate") == 1
	}, 2*time.Second, 5*time.Millisecond)

	ok, err := h.ctrl.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	require.True(t, ok)

	cur, err := h.ledger.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCancelling, cur.Status)

	// The worker finishes successfully, but the outcome is discarded.
	_ = h.store.Put(ctx, handoff.OutputKey(exec.ID, state.PhaseOrchestrate, 1), []byte(outSuccess))
	require.NoError(t, h.bus.PublishTermination(ctx, signalrouter.TerminationEvent{
		ExecutionID: exec.ID, Phase: state.PhaseOrchestrate, Attempt: 1, At: time.Now(),
	}))

	final := h.waitTerminal(t, exec.ID)
	assert.Equal(t, state.StatusFailed, final.Status)
	assert.Equal(t, ReasonCancelled, final.Reason)

	// No further phase was launched after cancellation.
	assert.Equal(t, 0, h.execr.LaunchCount("verify"))
}

func TestCancelRejectedWhenTerminal(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{body: outDeployOK})

	exec := h.start(t)
	h.waitTerminal(t, exec.ID)

	ok, err := h.ctrl.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDuplicateSignalAfterTerminalIsIgnored(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{body: outDeployOK})

	exec := h.start(t)
	h.waitTerminal(t, exec.ID)

	ctx := context.Background()
	runsBefore, err := h.ledger.ListPhaseRuns(ctx, exec.ID)
	require.NoError(t, err)

	require.NoError(t, h.bus.PublishTermination(ctx, signalrouter.TerminationEvent{
		ExecutionID: exec.ID, Phase: state.PhaseDecompose, Attempt: 1, At: time.Now(),
	}))
	time.Sleep(50 * time.Millisecond)

	final, err := h.ledger.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, final.Status)

	runsAfter, err := h.ledger.ListPhaseRuns(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, len(runsBefore), len(runsAfter))
}

func TestStreamReplaysAndFollowsToFinish(t *testing.T) {
	h := newHarness(t, 3, 2)
	h.script.set(state.PhaseVerify, workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{body: outDeployOK})

	exec := h.start(t)
	h.waitTerminal(t, exec.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []ExecutionEvent
	for ev := range h.ctrl.Stream(ctx, exec.ID) {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, EventExecutionStarted, events[0].Type)
	assert.Equal(t, EventExecutionFinished, events[len(events)-1].Type)

	// Event IDs are strictly increasing: replay order matches append order.
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].ID, events[i-1].ID)
	}

	var phaseStarts []state.Phase
	for _, ev := range events {
		if ev.Type == EventPhaseStarted {
			phaseStarts = append(phaseStarts, ev.Phase)
		}
	}
	assert.Equal(t, state.Phases, phaseStarts)
}

func TestUpdateBoundsTakesEffect(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.ctrl.UpdateBounds(3, 2)
	h.script.set(state.PhaseVerify,
		workerStep{body: outVerifyFail},
		workerStep{body: outVerifyPass})
	h.script.set(state.PhaseDeploy, workerStep{body: outDeployOK})

	exec := h.start(t)
	final := h.waitTerminal(t, exec.ID)

	assert.Equal(t, state.StatusCompleted, final.Status)
	assert.Equal(t, 2, final.QAIteration)
}

func TestStartBuildValidation(t *testing.T) {
	h := newHarness(t, 3, 2)
	ctx := context.Background()

	_, err := h.ctrl.StartBuild(ctx, StartRequest{OrgID: "", SpecContent: "x"})
	require.Error(t, err)

	_, err = h.ctrl.StartBuild(ctx, StartRequest{OrgID: "org-1", SpecContent: ""})
	require.Error(t, err)
}
