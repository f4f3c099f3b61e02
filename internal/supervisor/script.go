package supervisor

import (
	"context"
	"fmt"
	"sync"
)

// ScriptedExecutor is a test double that records launches and can be
// programmed to fail them. Tests drive completion by publishing
// termination events themselves.
type ScriptedExecutor struct {
	mu         sync.Mutex
	launches   []LaunchSpec
	terminated []string
	failNext   map[string]error // phase -> launch error, consumed on use
	onLaunch   func(spec LaunchSpec)
}

// NewScriptedExecutor creates an executor where every launch succeeds.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{failNext: make(map[string]error)}
}

// FailNextLaunch makes the next launch of the given phase return err.
func (e *ScriptedExecutor) FailNextLaunch(phase string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failNext[phase] = err
}

// OnLaunch registers a callback invoked after each successful launch.
func (e *ScriptedExecutor) OnLaunch(fn func(spec LaunchSpec)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onLaunch = fn
}

func (e *ScriptedExecutor) Describe() string { return "scripted" }

func (e *ScriptedExecutor) Launch(_ context.Context, spec LaunchSpec) (string, error) {
	e.mu.Lock()
	if err, ok := e.failNext[string(spec.Phase)]; ok {
		delete(e.failNext, string(spec.Phase))
		e.mu.Unlock()
		return "", err
	}
	e.launches = append(e.launches, spec)
	fn := e.onLaunch
	e.mu.Unlock()

	if fn != nil {
		fn(spec)
	}
	return fmt.Sprintf("scripted-%s", spec.Signature()), nil
}

func (e *ScriptedExecutor) Terminate(_ context.Context, workerRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminated = append(e.terminated, workerRef)
	return nil
}

// Launches returns a copy of every recorded launch.
func (e *ScriptedExecutor) Launches() []LaunchSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]LaunchSpec, len(e.launches))
	copy(out, e.launches)
	return out
}

// LaunchCount returns how many launches of the phase were recorded.
func (e *ScriptedExecutor) LaunchCount(phase string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, l := range e.launches {
		if string(l.Phase) == phase {
			n++
		}
	}
	return n
}
