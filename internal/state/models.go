// Package state defines the data model shared by every pipeline component:
// executions, phase runs, build specs, verification reports and artifacts.
package state

import (
	"fmt"
	"time"
)

// Phase is one discrete stage of the pipeline.
type Phase string

const (
	PhaseDecompose   Phase = "decompose"
	PhaseOrchestrate Phase = "orchestrate"
	PhaseVerify      Phase = "verify"
	PhaseDeploy      Phase = "deploy"
)

// Phases lists the pipeline phases in execution order.
var Phases = []Phase{PhaseDecompose, PhaseOrchestrate, PhaseVerify, PhaseDeploy}

// ParsePhase converts a string into a Phase, rejecting unknown values.
func ParsePhase(s string) (Phase, error) {
	switch Phase(s) {
	case PhaseDecompose, PhaseOrchestrate, PhaseVerify, PhaseDeploy:
		return Phase(s), nil
	}
	return "", fmt.Errorf("unknown phase: %q", s)
}

// Next returns the phase following p, or false when p is the last phase.
func (p Phase) Next() (Phase, bool) {
	for i, ph := range Phases {
		if ph == p && i+1 < len(Phases) {
			return Phases[i+1], true
		}
	}
	return "", false
}

// ExecutionStatus is the lifecycle state of a BuildExecution.
type ExecutionStatus string

const (
	StatusPending        ExecutionStatus = "pending"
	StatusRunning        ExecutionStatus = "running"
	StatusCancelling     ExecutionStatus = "cancelling"
	StatusCompleted      ExecutionStatus = "completed"
	StatusFailed         ExecutionStatus = "failed"
	StatusPartialSuccess ExecutionStatus = "partial_success"
)

// IsTerminal reports whether the status can never change again.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPartialSuccess:
		return true
	}
	return false
}

// Outcome is the terminal classification of one PhaseRun.
type Outcome string

const (
	OutcomePending       Outcome = "pending"
	OutcomeSucceeded     Outcome = "succeeded"
	OutcomeInfraFailed   Outcome = "infra_failed"
	OutcomeLogicalFailed Outcome = "logical_failed"
)

// BuildExecution is the aggregate root for one build-verify-deploy cycle.
// It is mutated exclusively through conditional ledger updates.
type BuildExecution struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	UserID       string          `json:"user_id"`
	SpecRef      string          `json:"spec_ref"`      // handoff key of the current BuildSpec revision
	SpecRevision int             `json:"spec_revision"` // monotonic, starts at 1
	Status       ExecutionStatus `json:"status"`
	CurrentPhase Phase           `json:"current_phase"`
	QAIteration  int             `json:"qa_iteration"` // inner loop counter, starts at 1
	BuildCycle   int             `json:"build_cycle"`  // outer loop counter, starts at 1
	Reason       string          `json:"reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// PhaseRun is one attempt to execute a phase worker. Rows are append-only
// and together form the execution's audit trail.
type PhaseRun struct {
	ExecutionID string     `json:"execution_id"`
	Phase       Phase      `json:"phase"`
	Attempt     int        `json:"attempt"` // strictly increasing per (execution, phase)
	WorkerRef   string     `json:"worker_ref"`
	Outcome     Outcome    `json:"outcome"`
	Detail      string     `json:"detail,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	Deadline    time.Time  `json:"deadline"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Signature returns the identity triple used for signal matching and dedupe.
func (r PhaseRun) Signature() string {
	return RunSignature(r.ExecutionID, r.Phase, r.Attempt)
}

// RunSignature builds the canonical {executionID}.{phase}.{attempt} identity.
func RunSignature(executionID string, phase Phase, attempt int) string {
	return fmt.Sprintf("%s.%s.%d", executionID, phase, attempt)
}

// BuildSpec is one immutable revision of the build-instruction document.
// Content is opaque to the controller and lives in the handoff store.
type BuildSpec struct {
	ExecutionID string `json:"execution_id"`
	Revision    int    `json:"revision"`
	Content     string `json:"content"`
	QAReportRef string `json:"qa_report_ref,omitempty"` // report that produced this revision, empty for revision 1
}

// QAIssue is one finding from a verification run.
type QAIssue struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

const (
	QAStatusPass = "pass"
	QAStatusFail = "fail"
)

// QAReport is the structured result of a Verify phase worker.
type QAReport struct {
	ExecutionID string    `json:"execution_id,omitempty"`
	Revision    int       `json:"revision,omitempty"`
	Status      string    `json:"status"` // pass|fail
	Issues      []QAIssue `json:"issues"`
	Feedback    string    `json:"feedback"`
}

// Passed reports whether verification succeeded.
func (q QAReport) Passed() bool { return q.Status == QAStatusPass }

// DeployUnit is the per-unit result reported by a Deploy phase worker.
type DeployUnit struct {
	Name        string `json:"name"`
	OK          bool   `json:"ok"`
	ArtifactRef string `json:"artifact_ref,omitempty"`
	Error       string `json:"error,omitempty"`
}

// DeployReport is the structured output of a Deploy phase worker.
type DeployReport struct {
	Status string       `json:"status"` // success|failed
	Units  []DeployUnit `json:"units"`
}

// SucceededUnits returns the units that deployed cleanly.
func (d DeployReport) SucceededUnits() []DeployUnit {
	var ok []DeployUnit
	for _, u := range d.Units {
		if u.OK {
			ok = append(ok, u)
		}
	}
	return ok
}

// ToolArtifact records one independently deployable unit that reached
// production as the result of a succeeded Deploy run.
type ToolArtifact struct {
	ExecutionID      string    `json:"execution_id"`
	Name             string    `json:"name"`
	ArtifactRef      string    `json:"artifact_ref"`
	DeployedAt       time.Time `json:"deployed_at"`
	VerifiedOutcomes []string  `json:"verified_outcomes,omitempty"`
}

// WorkerOutput is the minimal envelope every phase worker must write to
// its output key before exiting.
type WorkerOutput struct {
	Status string `json:"status"` // success|failed (pass|fail for verify)
}
