package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/forgeflow/internal/logfields"
	"git.home.luguber.info/inful/forgeflow/internal/signalrouter"
)

// ProcessExecutor runs workers as local child processes. The worker binary
// discovers its task through FORGEFLOW_* environment variables and the
// handoff store; the executor reaps the process and publishes the
// termination signal.
type ProcessExecutor struct {
	command   []string
	workDir   string
	publisher signalrouter.Publisher

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

// NewProcessExecutor builds an executor around the worker argv. Each run
// gets its own sandbox directory under workDir.
func NewProcessExecutor(command []string, workDir string, publisher signalrouter.Publisher) (*ProcessExecutor, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command is required")
	}
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worker directory: %w", err)
	}
	return &ProcessExecutor{
		command:   command,
		workDir:   workDir,
		publisher: publisher,
		running:   make(map[string]*exec.Cmd),
	}, nil
}

func (e *ProcessExecutor) Describe() string { return "local-process" }

// Launch starts the worker process and a reaper goroutine. The returned
// reference identifies the process for Terminate.
func (e *ProcessExecutor) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	workerRef := "proc-" + uuid.NewString()

	sandbox := filepath.Join(e.workDir, spec.Signature())
	if err := os.MkdirAll(sandbox, 0o755); err != nil {
		return "", fmt.Errorf("failed to create worker sandbox: %w", err)
	}

	// Deliberately not bound to ctx: a launched worker outlives the request
	// that started it.
	cmd := exec.Command(e.command[0], e.command[1:]...)
	cmd.Dir = sandbox
	cmd.Env = append(os.Environ(),
		"FORGEFLOW_EXECUTION_ID="+spec.ExecutionID,
		"FORGEFLOW_ORG_ID="+spec.OrgID,
		"FORGEFLOW_PHASE="+string(spec.Phase),
		fmt.Sprintf("FORGEFLOW_ATTEMPT=%d", spec.Attempt),
		"FORGEFLOW_INPUT_KEY="+spec.InputKey,
		"FORGEFLOW_OUTPUT_KEY="+spec.OutputKey,
	)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start worker: %w", err)
	}

	e.mu.Lock()
	e.running[workerRef] = cmd
	e.mu.Unlock()

	slog.Info("Worker launched",
		logfields.ExecutionID(spec.ExecutionID),
		logfields.Phase(string(spec.Phase)),
		logfields.Attempt(spec.Attempt),
		logfields.WorkerRef(workerRef),
		"pid", cmd.Process.Pid)

	go e.reap(workerRef, cmd, spec)

	return workerRef, nil
}

// reap waits for the process and publishes its termination signal.
func (e *ProcessExecutor) reap(workerRef string, cmd *exec.Cmd, spec LaunchSpec) {
	err := cmd.Wait()

	e.mu.Lock()
	delete(e.running, workerRef)
	e.mu.Unlock()

	exitCode := 0
	abnormal := false
	if err != nil {
		abnormal = true
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
			// A worker that exits non-zero after writing its output is not
			// abnormal; classification decides from the output itself.
			abnormal = !exitErr.Exited()
		}
	}

	event := signalrouter.TerminationEvent{
		ExecutionID: spec.ExecutionID,
		Phase:       spec.Phase,
		Attempt:     spec.Attempt,
		ExitCode:    exitCode,
		Abnormal:    abnormal,
		At:          time.Now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.publisher.PublishTermination(ctx, event); err != nil {
		// The timeout sweep picks the run up if this signal is lost.
		slog.Error("Failed to publish termination signal",
			logfields.ExecutionID(spec.ExecutionID),
			logfields.Phase(string(spec.Phase)),
			logfields.Error(err))
	}
}

// Terminate sends SIGKILL to a running worker.
func (e *ProcessExecutor) Terminate(_ context.Context, workerRef string) error {
	e.mu.Lock()
	cmd, ok := e.running[workerRef]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("worker not running: %s", workerRef)
	}
	return cmd.Process.Kill()
}
