package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once              sync.Once
	executionsStarted prom.Counter
	executionOutcomes *prom.CounterVec
	phaseOutcomes     *prom.CounterVec
	phaseDuration     *prom.HistogramVec
	iterationRetries  prom.Counter
	cycleRetries      prom.Counter
	duplicateSignals  prom.Counter
	timeoutSweeps     prom.Counter
	launchFailures    prom.Counter
}

// NewPrometheusRecorder constructs and registers Prometheus metrics (idempotent).
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.executionsStarted = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgeflow",
			Name:      "executions_started_total",
			Help:      "Build executions accepted for processing",
		})
		pr.executionOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forgeflow",
			Name:      "execution_outcomes_total",
			Help:      "Executions reaching a terminal status",
		}, []string{"status"})
		pr.phaseOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "forgeflow",
			Name:      "phase_outcomes_total",
			Help:      "Phase run resolutions by phase and outcome",
		}, []string{"phase", "outcome"})
		pr.phaseDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "forgeflow",
			Name:      "phase_duration_seconds",
			Help:      "Wall-clock duration of resolved phase runs",
			Buckets:   prom.DefBuckets,
		}, []string{"phase"})
		pr.iterationRetries = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgeflow",
			Name:      "iteration_retries_total",
			Help:      "Inner-loop retries triggered by failed verification",
		})
		pr.cycleRetries = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgeflow",
			Name:      "cycle_retries_total",
			Help:      "Outer-loop restarts triggered by infrastructure failure",
		})
		pr.duplicateSignals = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgeflow",
			Name:      "duplicate_signals_total",
			Help:      "Completion signals dropped by dedupe",
		})
		pr.timeoutSweeps = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgeflow",
			Name:      "timeout_sweeps_total",
			Help:      "Phase runs resolved as infra_failed by the timeout sweep",
		})
		pr.launchFailures = prom.NewCounter(prom.CounterOpts{
			Namespace: "forgeflow",
			Name:      "launch_failures_total",
			Help:      "Worker launches that failed synchronously",
		})
		reg.MustRegister(pr.executionsStarted, pr.executionOutcomes, pr.phaseOutcomes,
			pr.phaseDuration, pr.iterationRetries, pr.cycleRetries, pr.duplicateSignals,
			pr.timeoutSweeps, pr.launchFailures)
	})
	return pr
}

func (p *PrometheusRecorder) IncExecutionStarted() {
	if p == nil || p.executionsStarted == nil {
		return
	}
	p.executionsStarted.Inc()
}

func (p *PrometheusRecorder) IncExecutionOutcome(status string) {
	if p == nil || p.executionOutcomes == nil {
		return
	}
	p.executionOutcomes.WithLabelValues(status).Inc()
}

func (p *PrometheusRecorder) IncPhaseOutcome(phase, outcome string) {
	if p == nil || p.phaseOutcomes == nil {
		return
	}
	p.phaseOutcomes.WithLabelValues(phase, outcome).Inc()
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	if p == nil || p.phaseDuration == nil {
		return
	}
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncIterationRetry() {
	if p == nil || p.iterationRetries == nil {
		return
	}
	p.iterationRetries.Inc()
}

func (p *PrometheusRecorder) IncCycleRetry() {
	if p == nil || p.cycleRetries == nil {
		return
	}
	p.cycleRetries.Inc()
}

func (p *PrometheusRecorder) IncDuplicateSignal() {
	if p == nil || p.duplicateSignals == nil {
		return
	}
	p.duplicateSignals.Inc()
}

func (p *PrometheusRecorder) IncTimeoutSweep() {
	if p == nil || p.timeoutSweeps == nil {
		return
	}
	p.timeoutSweeps.Inc()
}

func (p *PrometheusRecorder) IncLaunchFailure() {
	if p == nil || p.launchFailures == nil {
		return
	}
	p.launchFailures.Inc()
}
