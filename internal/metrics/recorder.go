package metrics

import "time"

// Recorder defines observability hooks for pipeline metrics. Implementations
// may forward to Prometheus, OpenTelemetry, etc. All methods must be safe for
// nil receivers when using the NoopRecorder (allowing optional injection).
type Recorder interface {
	IncExecutionStarted()
	IncExecutionOutcome(status string) // completed|failed|partial_success
	IncPhaseOutcome(phase, outcome string)
	ObservePhaseDuration(phase string, d time.Duration)
	IncIterationRetry()
	IncCycleRetry()
	IncDuplicateSignal()
	IncTimeoutSweep()
	IncLaunchFailure()
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncExecutionStarted()                        {}
func (NoopRecorder) IncExecutionOutcome(string)                  {}
func (NoopRecorder) IncPhaseOutcome(string, string)              {}
func (NoopRecorder) ObservePhaseDuration(string, time.Duration)  {}
func (NoopRecorder) IncIterationRetry()                          {}
func (NoopRecorder) IncCycleRetry()                              {}
func (NoopRecorder) IncDuplicateSignal()                         {}
func (NoopRecorder) IncTimeoutSweep()                            {}
func (NoopRecorder) IncLaunchFailure()                           {}
