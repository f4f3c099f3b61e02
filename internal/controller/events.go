package controller

import (
	"time"

	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// Event names published on the execution event stream.
const (
	EventExecutionStarted  = "ExecutionStarted"
	EventPhaseStarted      = "PhaseStarted"
	EventPhaseResolved     = "PhaseResolved"
	EventSpecRevised       = "SpecRevised"
	EventIterationRetry    = "IterationRetry"
	EventCycleRetry        = "CycleRetry"
	EventCancelRequested   = "CancelRequested"
	EventExecutionFinished = "ExecutionFinished"
)

// ExecutionEvent is one entry on an execution's event stream.
type ExecutionEvent struct {
	ID          int64                 `json:"id,omitempty"` // assigned on persistence
	ExecutionID string                `json:"execution_id"`
	Type        string                `json:"type"`
	Phase       state.Phase           `json:"phase,omitempty"`
	Attempt     int                   `json:"attempt,omitempty"`
	Outcome     state.Outcome         `json:"outcome,omitempty"`
	Status      state.ExecutionStatus `json:"status,omitempty"`
	QAIteration int                   `json:"qa_iteration,omitempty"`
	BuildCycle  int                   `json:"build_cycle,omitempty"`
	Revision    int                   `json:"spec_revision,omitempty"`
	Reason      string                `json:"reason,omitempty"`
	At          time.Time             `json:"at"`
}

// Name returns the event type for bus routing.
func (e ExecutionEvent) Name() string { return e.Type }
