package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseNext(t *testing.T) {
	next, ok := PhaseDecompose.Next()
	require.True(t, ok)
	assert.Equal(t, PhaseOrchestrate, next)

	next, ok = PhaseVerify.Next()
	require.True(t, ok)
	assert.Equal(t, PhaseDeploy, next)

	_, ok = PhaseDeploy.Next()
	assert.False(t, ok, "deploy is the last phase")
}

func TestParsePhase(t *testing.T) {
	for _, p := range Phases {
		got, err := ParsePhase(string(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}

	_, err := ParsePhase("compile")
	assert.Error(t, err)
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []ExecutionStatus{StatusCompleted, StatusFailed, StatusPartialSuccess}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s", s)
	}
	for _, s := range []ExecutionStatus{StatusPending, StatusRunning, StatusCancelling} {
		assert.False(t, s.IsTerminal(), "status %s", s)
	}
}

func TestRunSignature(t *testing.T) {
	run := PhaseRun{ExecutionID: "exec-1", Phase: PhaseVerify, Attempt: 3}
	assert.Equal(t, "exec-1.verify.3", run.Signature())
}

func TestDeployReportSucceededUnits(t *testing.T) {
	rep := DeployReport{
		Status: "success",
		Units: []DeployUnit{
			{Name: "api", OK: true, ArtifactRef: "a1"},
			{Name: "worker", OK: false, Error: "image push failed"},
			{Name: "cron", OK: true, ArtifactRef: "a2"},
		},
	}
	ok := rep.SucceededUnits()
	require.Len(t, ok, 2)
	assert.Equal(t, "api", ok[0].Name)
	assert.Equal(t, "cron", ok[1].Name)
}
