// Package supervisor launches phase workers and records their pending runs.
// It never waits for results; completion arrives asynchronously through the
// termination signal channel.
package supervisor

import (
	"context"
	"time"

	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// LaunchSpec describes one worker process to start.
type LaunchSpec struct {
	ExecutionID string
	OrgID       string
	Phase       state.Phase
	Attempt     int
	InputKey    string // handoff key the worker reads its input from
	OutputKey   string // handoff key the worker must write before exiting
	Timeout     time.Duration
}

// Signature returns the run identity this launch will produce.
func (s LaunchSpec) Signature() string {
	return state.RunSignature(s.ExecutionID, s.Phase, s.Attempt)
}

// Executor starts and stops worker processes. Launch is fire and forget:
// it returns once the worker is running, and the worker's exit is reported
// through the termination signal channel, never through the executor.
type Executor interface {
	// Launch starts a worker and returns a reference to it. A non-nil error
	// means the worker never started.
	Launch(ctx context.Context, spec LaunchSpec) (workerRef string, err error)

	// Terminate asks a running worker to stop. Used only for operator
	// intervention; cancellation lets workers finish naturally.
	Terminate(ctx context.Context, workerRef string) error

	// Describe names the execution backend for diagnostics.
	Describe() string
}
