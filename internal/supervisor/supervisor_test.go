package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/forgeflow/internal/fferrors"
	"git.home.luguber.info/inful/forgeflow/internal/handoff"
	"git.home.luguber.info/inful/forgeflow/internal/ledger"
	"git.home.luguber.info/inful/forgeflow/internal/quota"
	"git.home.luguber.info/inful/forgeflow/internal/state"
)

func newSupervisorFixture(t *testing.T, quotas quota.ResourceQuotas) (*Supervisor, *ledger.SQLiteLedger, *handoff.MockStore, *ScriptedExecutor) {
	t.Helper()
	l, err := ledger.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	store := handoff.NewMockStore()
	execr := NewScriptedExecutor()
	mgr := quota.NewManager(quotas)
	sup := New(l, store, execr, mgr, func(state.Phase) time.Duration { return time.Minute }, nil)
	return sup, l, store, execr
}

func seedExecution(t *testing.T, l *ledger.SQLiteLedger, id string) *state.BuildExecution {
	t.Helper()
	exec := &state.BuildExecution{
		ID: id, OrgID: "org-1", Status: state.StatusRunning,
		CurrentPhase: state.PhaseDecompose, QAIteration: 1, BuildCycle: 1, SpecRevision: 1,
	}
	require.NoError(t, l.CreateExecution(context.Background(), exec))
	return exec
}

func TestLaunchPhaseStagesInputAndRecordsRun(t *testing.T) {
	sup, l, store, execr := newSupervisorFixture(t, quota.PlanQuotas["enterprise"])
	exec := seedExecution(t, l, "exec-1")
	ctx := context.Background()

	run, err := sup.LaunchPhase(ctx, exec, state.PhaseDecompose, []byte(`{"buildSpecRef":"k","revision":1}`))
	require.NoError(t, err)

	assert.Equal(t, 1, run.Attempt)
	assert.Equal(t, state.OutcomePending, run.Outcome)
	assert.True(t, run.Deadline.After(run.StartedAt))

	data, err := store.Get(ctx, handoff.InputKey("exec-1", state.PhaseDecompose, 1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"buildSpecRef":"k","revision":1}`, string(data))

	stored, err := l.GetPhaseRun(ctx, "exec-1", state.PhaseDecompose, 1)
	require.NoError(t, err)
	assert.Equal(t, state.OutcomePending, stored.Outcome)

	launches := execr.Launches()
	require.Len(t, launches, 1)
	assert.Equal(t, handoff.OutputKey("exec-1", state.PhaseDecompose, 1), launches[0].OutputKey)
}

func TestLaunchPhaseAttemptsIncrease(t *testing.T) {
	sup, l, _, _ := newSupervisorFixture(t, quota.PlanQuotas["enterprise"])
	exec := seedExecution(t, l, "exec-2")
	ctx := context.Background()

	first, err := sup.LaunchPhase(ctx, exec, state.PhaseVerify, nil)
	require.NoError(t, err)
	require.NoError(t, func() error {
		_, err := l.ResolvePhaseRun(ctx, "exec-2", state.PhaseVerify, first.Attempt, state.OutcomeLogicalFailed, "x")
		return err
	}())

	second, err := sup.LaunchPhase(ctx, exec, state.PhaseVerify, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Attempt+1, second.Attempt)
}

func TestLaunchPhaseQuotaExceeded(t *testing.T) {
	sup, l, _, execr := newSupervisorFixture(t, quota.ResourceQuotas{MaxConcurrentWorkers: 1})
	exec := seedExecution(t, l, "exec-3")
	ctx := context.Background()

	_, err := sup.LaunchPhase(ctx, exec, state.PhaseDecompose, nil)
	require.NoError(t, err)

	_, err = sup.LaunchPhase(ctx, exec, state.PhaseOrchestrate, nil)
	require.Error(t, err)
	assert.Equal(t, fferrors.CategoryLaunch, fferrors.CategoryOf(err))
	assert.True(t, fferrors.IsRetryable(err))

	// No run row for the rejected launch.
	_, rerr := l.GetPhaseRun(ctx, "exec-3", state.PhaseOrchestrate, 1)
	var notFound ledger.ErrRunNotFound
	assert.ErrorAs(t, rerr, &notFound)
	assert.Equal(t, 1, len(execr.Launches()))
}

func TestLaunchPhaseQuotaReleasedAfterResolution(t *testing.T) {
	sup, l, _, _ := newSupervisorFixture(t, quota.ResourceQuotas{MaxConcurrentWorkers: 1})
	exec := seedExecution(t, l, "exec-4")
	ctx := context.Background()

	_, err := sup.LaunchPhase(ctx, exec, state.PhaseDecompose, nil)
	require.NoError(t, err)

	sup.ReleaseWorker(exec.OrgID)

	_, err = sup.LaunchPhase(ctx, exec, state.PhaseOrchestrate, nil)
	assert.NoError(t, err)
}

func TestLaunchPhaseExecutorFailure(t *testing.T) {
	sup, l, _, execr := newSupervisorFixture(t, quota.PlanQuotas["enterprise"])
	exec := seedExecution(t, l, "exec-5")
	ctx := context.Background()

	execr.FailNextLaunch(string(state.PhaseDecompose), errors.New("no capacity"))

	_, err := sup.LaunchPhase(ctx, exec, state.PhaseDecompose, nil)
	require.Error(t, err)
	assert.Equal(t, fferrors.CategoryLaunch, fferrors.CategoryOf(err))

	// The failed attempt is resolved in the audit trail, not left pending.
	run, rerr := l.GetPhaseRun(ctx, "exec-5", state.PhaseDecompose, 1)
	require.NoError(t, rerr)
	assert.Equal(t, state.OutcomeInfraFailed, run.Outcome)
	assert.Contains(t, run.Detail, "launch failed")

	// The slot is free for the retry.
	next, err := sup.LaunchPhase(ctx, exec, state.PhaseDecompose, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, next.Attempt)
}

func TestScriptedExecutorOnLaunchCallback(t *testing.T) {
	execr := NewScriptedExecutor()
	var seen []string
	execr.OnLaunch(func(spec LaunchSpec) { seen = append(seen, spec.Signature()) })

	_, err := execr.Launch(context.Background(), LaunchSpec{
		ExecutionID: "e", Phase: state.PhaseDeploy, Attempt: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"e.deploy.3"}, seen)
	assert.Equal(t, 1, execr.LaunchCount("deploy"))
}
