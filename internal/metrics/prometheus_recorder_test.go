package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderCounters(t *testing.T) {
	reg := prom.NewRegistry()
	pr := NewPrometheusRecorder(reg)

	pr.IncExecutionStarted()
	pr.IncExecutionStarted()
	pr.IncExecutionOutcome("completed")
	pr.IncPhaseOutcome("verify", "logical_failed")
	pr.IncIterationRetry()
	pr.IncCycleRetry()
	pr.IncDuplicateSignal()
	pr.IncTimeoutSweep()
	pr.IncLaunchFailure()
	pr.ObservePhaseDuration("decompose", 2*time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(pr.executionsStarted))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.executionOutcomes.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.phaseOutcomes.WithLabelValues("verify", "logical_failed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.iterationRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.cycleRetries))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.duplicateSignals))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.timeoutSweeps))
	assert.Equal(t, float64(1), testutil.ToFloat64(pr.launchFailures))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNoopRecorderIsSafe(t *testing.T) {
	var r Recorder = NoopRecorder{}
	r.IncExecutionStarted()
	r.IncExecutionOutcome("failed")
	r.IncPhaseOutcome("deploy", "succeeded")
	r.ObservePhaseDuration("deploy", time.Second)
	r.IncIterationRetry()
	r.IncCycleRetry()
	r.IncDuplicateSignal()
	r.IncTimeoutSweep()
	r.IncLaunchFailure()
}

func TestNilPrometheusRecorderIsSafe(t *testing.T) {
	var pr *PrometheusRecorder
	pr.IncExecutionStarted()
	pr.ObservePhaseDuration("verify", time.Second)
}
