// Package ledger persists execution-level state: one record per build
// execution plus its append-only phase-run audit trail. All mutations are
// single conditional updates so duplicate completion signals can never
// double-advance the state machine.
package ledger

import (
	"context"
	"time"

	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// Ledger is the Status Ledger contract consumed by the controller,
// supervisor and signal router.
type Ledger interface {
	// CreateExecution inserts a new execution record.
	CreateExecution(ctx context.Context, exec *state.BuildExecution) error

	// GetExecution retrieves an execution by id. Returns ErrExecutionNotFound.
	GetExecution(ctx context.Context, id string) (*state.BuildExecution, error)

	// ListExecutions returns the most recent executions for an org.
	ListExecutions(ctx context.Context, orgID string, limit int) ([]state.BuildExecution, error)

	// SetPhase conditionally moves a non-terminal execution to a phase and
	// marks it running. Returns false when the execution was already
	// terminal or cancelling.
	SetPhase(ctx context.Context, id string, phase state.Phase) (bool, error)

	// BumpIteration conditionally increments the inner loop counter from an
	// expected prior value.
	BumpIteration(ctx context.Context, id string, expect int) (bool, error)

	// BumpCycle conditionally increments the outer loop counter from an
	// expected prior value.
	BumpCycle(ctx context.Context, id string, expect int) (bool, error)

	// SetSpec records the current BuildSpec revision on the execution row.
	SetSpec(ctx context.Context, id string, revision int, specRef string) (bool, error)

	// Finalize conditionally moves a non-terminal execution to a terminal
	// status with its diagnostic reason attached. Returns false when the
	// execution was already terminal; terminal statuses never mutate again.
	Finalize(ctx context.Context, id string, status state.ExecutionStatus, reason string) (bool, error)

	// RequestCancel sets the cancelling marker on a pending or running
	// execution. Returns false otherwise.
	RequestCancel(ctx context.Context, id string) (bool, error)

	// CreatePhaseRun appends a new pending phase run. Inserting a duplicate
	// (execution, phase, attempt) triple is an error.
	CreatePhaseRun(ctx context.Context, run state.PhaseRun) error

	// NextAttempt returns the next attempt number for (execution, phase).
	NextAttempt(ctx context.Context, executionID string, phase state.Phase) (int, error)

	// GetPhaseRun fetches one phase run. Returns ErrRunNotFound.
	GetPhaseRun(ctx context.Context, executionID string, phase state.Phase, attempt int) (*state.PhaseRun, error)

	// ResolvePhaseRun terminally resolves a pending run exactly once.
	// Returns false when the run was already resolved; this is the dedupe
	// point for duplicate completion signals.
	ResolvePhaseRun(ctx context.Context, executionID string, phase state.Phase, attempt int, outcome state.Outcome, detail string) (bool, error)

	// ListPhaseRuns returns the full audit trail for an execution in
	// creation order.
	ListPhaseRuns(ctx context.Context, executionID string) ([]state.PhaseRun, error)

	// ExpiredPendingRuns returns pending runs whose deadline passed before now.
	ExpiredPendingRuns(ctx context.Context, now time.Time) ([]state.PhaseRun, error)

	// RecordSpecRevision appends one immutable BuildSpec revision pointer.
	RecordSpecRevision(ctx context.Context, executionID string, revision int, specRef, qaReportRef string) error

	// ListSpecRevisions returns the revision history for an execution.
	ListSpecRevisions(ctx context.Context, executionID string) ([]SpecRevision, error)

	// CreateArtifact records one deployed unit.
	CreateArtifact(ctx context.Context, artifact state.ToolArtifact) error

	// ListArtifacts returns the artifacts produced by an execution.
	ListArtifacts(ctx context.Context, executionID string) ([]state.ToolArtifact, error)

	// Close releases underlying resources.
	Close() error
}

// SpecRevision is one row of an execution's build-spec revision history.
type SpecRevision struct {
	ExecutionID string    `json:"execution_id"`
	Revision    int       `json:"revision"`
	SpecRef     string    `json:"spec_ref"`
	QAReportRef string    `json:"qa_report_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ErrExecutionNotFound is returned when an execution id is unknown.
type ErrExecutionNotFound struct {
	ID string
}

func (e ErrExecutionNotFound) Error() string {
	return "execution not found: " + e.ID
}

// ErrRunNotFound is returned when a phase run triple is unknown.
type ErrRunNotFound struct {
	Signature string
}

func (e ErrRunNotFound) Error() string {
	return "phase run not found: " + e.Signature
}
