package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// SQLiteLedger implements Ledger using SQLite.
type SQLiteLedger struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteLedger opens (or creates) a ledger database.
// Use ":memory:" for an in-memory database, or a file path for persistence.
func NewSQLiteLedger(dbPath string) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	l := &SQLiteLedger{db: db}
	if err := l.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return l, nil
}

func (l *SQLiteLedger) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		org_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		spec_ref TEXT NOT NULL,
		spec_revision INTEGER NOT NULL,
		status TEXT NOT NULL,
		current_phase TEXT NOT NULL,
		qa_iteration INTEGER NOT NULL,
		build_cycle INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_org_created ON executions(org_id, created_at);

	CREATE TABLE IF NOT EXISTS phase_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		phase TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		worker_ref TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		deadline INTEGER NOT NULL,
		completed_at INTEGER,
		UNIQUE(execution_id, phase, attempt)
	);
	CREATE INDEX IF NOT EXISTS idx_phase_runs_execution ON phase_runs(execution_id);
	CREATE INDEX IF NOT EXISTS idx_phase_runs_sweep ON phase_runs(outcome, deadline);

	CREATE TABLE IF NOT EXISTS build_specs (
		execution_id TEXT NOT NULL,
		revision INTEGER NOT NULL,
		spec_ref TEXT NOT NULL,
		qa_report_ref TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		PRIMARY KEY(execution_id, revision)
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT NOT NULL,
		name TEXT NOT NULL,
		artifact_ref TEXT NOT NULL,
		deployed_at INTEGER NOT NULL,
		verified_outcomes TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_execution ON artifacts(execution_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

const nonTerminal = "('pending','running')"

// CreateExecution inserts a new execution record.
func (l *SQLiteLedger) CreateExecution(ctx context.Context, exec *state.BuildExecution) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO executions (id, org_id, user_id, spec_ref, spec_revision, status, current_phase,
		 qa_iteration, build_cycle, reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.OrgID, exec.UserID, exec.SpecRef, exec.SpecRevision, string(exec.Status),
		string(exec.CurrentPhase), exec.QAIteration, exec.BuildCycle, exec.Reason,
		exec.CreatedAt.UnixMilli(), exec.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// GetExecution retrieves an execution by id.
func (l *SQLiteLedger) GetExecution(ctx context.Context, id string) (*state.BuildExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row := l.db.QueryRowContext(ctx,
		`SELECT id, org_id, user_id, spec_ref, spec_revision, status, current_phase,
		 qa_iteration, build_cycle, reason, created_at, updated_at
		 FROM executions WHERE id = ?`, id)

	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, ErrExecutionNotFound{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns the most recent executions for an org.
func (l *SQLiteLedger) ListExecutions(ctx context.Context, orgID string, limit int) ([]state.BuildExecution, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, org_id, user_id, spec_ref, spec_revision, status, current_phase,
		 qa_iteration, build_cycle, reason, created_at, updated_at
		 FROM executions WHERE org_id = ? ORDER BY created_at DESC, id LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var out []state.BuildExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, *exec)
	}
	return out, rows.Err()
}

// SetPhase conditionally moves a non-terminal execution to a phase.
func (l *SQLiteLedger) SetPhase(ctx context.Context, id string, phase state.Phase) (bool, error) {
	return l.conditional(ctx,
		`UPDATE executions SET status = 'running', current_phase = ?, updated_at = ?
		 WHERE id = ? AND status IN `+nonTerminal,
		string(phase), nowMilli(), id)
}

// BumpIteration conditionally increments the inner loop counter.
func (l *SQLiteLedger) BumpIteration(ctx context.Context, id string, expect int) (bool, error) {
	return l.conditional(ctx,
		`UPDATE executions SET qa_iteration = ?, updated_at = ?
		 WHERE id = ? AND qa_iteration = ? AND status IN `+nonTerminal,
		expect+1, nowMilli(), id, expect)
}

// BumpCycle conditionally increments the outer loop counter.
func (l *SQLiteLedger) BumpCycle(ctx context.Context, id string, expect int) (bool, error) {
	return l.conditional(ctx,
		`UPDATE executions SET build_cycle = ?, updated_at = ?
		 WHERE id = ? AND build_cycle = ? AND status IN `+nonTerminal,
		expect+1, nowMilli(), id, expect)
}

// SetSpec records the current BuildSpec revision on the execution row.
func (l *SQLiteLedger) SetSpec(ctx context.Context, id string, revision int, specRef string) (bool, error) {
	return l.conditional(ctx,
		`UPDATE executions SET spec_revision = ?, spec_ref = ?, updated_at = ?
		 WHERE id = ? AND spec_revision < ? AND status IN `+nonTerminal,
		revision, specRef, nowMilli(), id, revision)
}

// Finalize conditionally moves a non-terminal execution to a terminal status.
func (l *SQLiteLedger) Finalize(ctx context.Context, id string, status state.ExecutionStatus, reason string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("finalize with non-terminal status %q", status)
	}
	return l.conditional(ctx,
		`UPDATE executions SET status = ?, reason = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending','running','cancelling')`,
		string(status), reason, nowMilli(), id)
}

// RequestCancel sets the cancelling marker.
func (l *SQLiteLedger) RequestCancel(ctx context.Context, id string) (bool, error) {
	return l.conditional(ctx,
		`UPDATE executions SET status = 'cancelling', updated_at = ?
		 WHERE id = ? AND status IN `+nonTerminal,
		nowMilli(), id)
}

// CreatePhaseRun appends a new pending phase run.
func (l *SQLiteLedger) CreatePhaseRun(ctx context.Context, run state.PhaseRun) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO phase_runs (execution_id, phase, attempt, worker_ref, outcome, detail, started_at, deadline)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ExecutionID, string(run.Phase), run.Attempt, run.WorkerRef, string(run.Outcome),
		run.Detail, run.StartedAt.UnixMilli(), run.Deadline.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert phase run %s: %w", run.Signature(), err)
	}
	return nil
}

// NextAttempt returns the next attempt number for (execution, phase).
func (l *SQLiteLedger) NextAttempt(ctx context.Context, executionID string, phase state.Phase) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var maxAttempt int
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) FROM phase_runs WHERE execution_id = ? AND phase = ?`,
		executionID, string(phase)).Scan(&maxAttempt)
	if err != nil {
		return 0, fmt.Errorf("query max attempt: %w", err)
	}
	return maxAttempt + 1, nil
}

// GetPhaseRun fetches one phase run.
func (l *SQLiteLedger) GetPhaseRun(ctx context.Context, executionID string, phase state.Phase, attempt int) (*state.PhaseRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	row := l.db.QueryRowContext(ctx,
		`SELECT execution_id, phase, attempt, worker_ref, outcome, detail, started_at, deadline, completed_at
		 FROM phase_runs WHERE execution_id = ? AND phase = ? AND attempt = ?`,
		executionID, string(phase), attempt)

	run, err := scanPhaseRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound{Signature: state.RunSignature(executionID, phase, attempt)}
	}
	if err != nil {
		return nil, fmt.Errorf("scan phase run: %w", err)
	}
	return run, nil
}

// ResolvePhaseRun terminally resolves a pending run exactly once.
func (l *SQLiteLedger) ResolvePhaseRun(ctx context.Context, executionID string, phase state.Phase, attempt int, outcome state.Outcome, detail string) (bool, error) {
	return l.conditional(ctx,
		`UPDATE phase_runs SET outcome = ?, detail = ?, completed_at = ?
		 WHERE execution_id = ? AND phase = ? AND attempt = ? AND outcome = 'pending'`,
		string(outcome), detail, nowMilli(), executionID, string(phase), attempt)
}

// ListPhaseRuns returns the full audit trail for an execution.
func (l *SQLiteLedger) ListPhaseRuns(ctx context.Context, executionID string) ([]state.PhaseRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT execution_id, phase, attempt, worker_ref, outcome, detail, started_at, deadline, completed_at
		 FROM phase_runs WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query phase runs: %w", err)
	}
	defer rows.Close()

	var out []state.PhaseRun
	for rows.Next() {
		run, err := scanPhaseRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phase run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// ExpiredPendingRuns returns pending runs whose deadline passed before now.
func (l *SQLiteLedger) ExpiredPendingRuns(ctx context.Context, now time.Time) ([]state.PhaseRun, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT execution_id, phase, attempt, worker_ref, outcome, detail, started_at, deadline, completed_at
		 FROM phase_runs WHERE outcome = 'pending' AND deadline <= ? ORDER BY id`, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query expired runs: %w", err)
	}
	defer rows.Close()

	var out []state.PhaseRun
	for rows.Next() {
		run, err := scanPhaseRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan phase run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// RecordSpecRevision appends one immutable BuildSpec revision pointer.
func (l *SQLiteLedger) RecordSpecRevision(ctx context.Context, executionID string, revision int, specRef, qaReportRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO build_specs (execution_id, revision, spec_ref, qa_report_ref, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		executionID, revision, specRef, qaReportRef, nowMilli())
	if err != nil {
		return fmt.Errorf("insert spec revision: %w", err)
	}
	return nil
}

// ListSpecRevisions returns the revision history for an execution.
func (l *SQLiteLedger) ListSpecRevisions(ctx context.Context, executionID string) ([]SpecRevision, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT execution_id, revision, spec_ref, qa_report_ref, created_at
		 FROM build_specs WHERE execution_id = ? ORDER BY revision`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query spec revisions: %w", err)
	}
	defer rows.Close()

	var out []SpecRevision
	for rows.Next() {
		var rev SpecRevision
		var createdAt int64
		if err := rows.Scan(&rev.ExecutionID, &rev.Revision, &rev.SpecRef, &rev.QAReportRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scan spec revision: %w", err)
		}
		rev.CreatedAt = time.UnixMilli(createdAt)
		out = append(out, rev)
	}
	return out, rows.Err()
}

// CreateArtifact records one deployed unit.
func (l *SQLiteLedger) CreateArtifact(ctx context.Context, artifact state.ToolArtifact) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO artifacts (execution_id, name, artifact_ref, deployed_at, verified_outcomes)
		 VALUES (?, ?, ?, ?, ?)`,
		artifact.ExecutionID, artifact.Name, artifact.ArtifactRef,
		artifact.DeployedAt.UnixMilli(), strings.Join(artifact.VerifiedOutcomes, ","))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// ListArtifacts returns the artifacts produced by an execution.
func (l *SQLiteLedger) ListArtifacts(ctx context.Context, executionID string) ([]state.ToolArtifact, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT execution_id, name, artifact_ref, deployed_at, verified_outcomes
		 FROM artifacts WHERE execution_id = ? ORDER BY id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []state.ToolArtifact
	for rows.Next() {
		var a state.ToolArtifact
		var deployedAt int64
		var outcomes string
		if err := rows.Scan(&a.ExecutionID, &a.Name, &a.ArtifactRef, &deployedAt, &outcomes); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.DeployedAt = time.UnixMilli(deployedAt)
		if outcomes != "" {
			a.VerifiedOutcomes = strings.Split(outcomes, ",")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Close closes the database connection.
func (l *SQLiteLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

// conditional runs a conditional update and reports whether a row changed.
func (l *SQLiteLedger) conditional(ctx context.Context, query string, args ...any) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("conditional update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*state.BuildExecution, error) {
	var exec state.BuildExecution
	var status, phase string
	var createdAt, updatedAt int64

	err := row.Scan(&exec.ID, &exec.OrgID, &exec.UserID, &exec.SpecRef, &exec.SpecRevision,
		&status, &phase, &exec.QAIteration, &exec.BuildCycle, &exec.Reason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = state.ExecutionStatus(status)
	exec.CurrentPhase = state.Phase(phase)
	exec.CreatedAt = time.UnixMilli(createdAt)
	exec.UpdatedAt = time.UnixMilli(updatedAt)
	return &exec, nil
}

func scanPhaseRun(row rowScanner) (*state.PhaseRun, error) {
	var run state.PhaseRun
	var phase, outcome string
	var startedAt, deadline int64
	var completedAt sql.NullInt64

	err := row.Scan(&run.ExecutionID, &phase, &run.Attempt, &run.WorkerRef, &outcome,
		&run.Detail, &startedAt, &deadline, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Phase = state.Phase(phase)
	run.Outcome = state.Outcome(outcome)
	run.StartedAt = time.UnixMilli(startedAt)
	run.Deadline = time.UnixMilli(deadline)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		run.CompletedAt = &t
	}
	return &run, nil
}

func nowMilli() int64 { return time.Now().UnixMilli() }
