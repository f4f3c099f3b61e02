package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyExecutionID = "execution_id"
	KeyOrgID       = "org_id"
	KeyPhase       = "phase"
	KeyAttempt     = "attempt"
	KeyOutcome     = "outcome"
	KeyStatus      = "status"
	KeyIteration   = "qa_iteration"
	KeyCycle       = "build_cycle"
	KeyRevision    = "spec_revision"
	KeyWorkerRef   = "worker_ref"
	KeyKey         = "object_key"
	KeyDurationMS  = "duration_ms"
	KeyError       = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func ExecutionID(id string) slog.Attr  { return slog.String(KeyExecutionID, id) }
func OrgID(id string) slog.Attr        { return slog.String(KeyOrgID, id) }
func Phase(p string) slog.Attr         { return slog.String(KeyPhase, p) }
func Attempt(n int) slog.Attr          { return slog.Int(KeyAttempt, n) }
func Outcome(o string) slog.Attr       { return slog.String(KeyOutcome, o) }
func Status(s string) slog.Attr        { return slog.String(KeyStatus, s) }
func Iteration(n int) slog.Attr        { return slog.Int(KeyIteration, n) }
func Cycle(n int) slog.Attr            { return slog.Int(KeyCycle, n) }
func Revision(n int) slog.Attr         { return slog.Int(KeyRevision, n) }
func WorkerRef(ref string) slog.Attr   { return slog.String(KeyWorkerRef, ref) }
func ObjectKey(k string) slog.Attr     { return slog.String(KeyKey, k) }
func DurationMS(ms float64) slog.Attr  { return slog.Float64(KeyDurationMS, ms) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
