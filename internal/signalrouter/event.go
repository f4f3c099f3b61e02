// Package signalrouter consumes worker termination signals and turns them
// into exactly-once phase-run resolutions. Signals are delivered at least
// once; the ledger's conditional resolve is the dedupe point.
package signalrouter

import (
	"context"
	"time"

	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// TerminationEvent is the signal emitted when a phase worker process exits.
type TerminationEvent struct {
	ExecutionID string      `json:"execution_id"`
	Phase       state.Phase `json:"phase"`
	Attempt     int         `json:"attempt"`
	ExitCode    int         `json:"exit_code"`
	Abnormal    bool        `json:"abnormal"` // crash, kill or launch wrapper failure
	At          time.Time   `json:"at"`
}

// Signature returns the {executionID}.{phase}.{attempt} identity of the run
// this event belongs to.
func (e TerminationEvent) Signature() string {
	return state.RunSignature(e.ExecutionID, e.Phase, e.Attempt)
}

// Handler processes one delivered termination event.
type Handler func(ctx context.Context, event TerminationEvent)

// Source is a subscription to the termination signal channel. Delivery is
// at least once and unordered.
type Source interface {
	// Subscribe starts delivering events to the handler until Close.
	Subscribe(ctx context.Context, handler Handler) error
	Close() error
}

// Publisher emits termination events into the signal channel. The process
// watcher publishes through this after reaping a worker.
type Publisher interface {
	PublishTermination(ctx context.Context, event TerminationEvent) error
}
