// Package handoff provides the durable key/blob store used to pass phase
// inputs and outputs between the controller and its workers.
package handoff

import (
	"context"
	"fmt"

	"git.home.luguber.info/inful/forgeflow/internal/state"
)

// Store is the Object Handoff Store. Keys are namespaced per
// execution/phase/attempt so concurrent executions never contend.
type Store interface {
	// Put stores a blob under the given key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves a blob by key. Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Exists checks whether a key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases any resources held by the store.
	Close() error
}

// InputKey is where a phase worker reads its input pointer document.
func InputKey(executionID string, phase state.Phase, attempt int) string {
	return fmt.Sprintf("%s/%s/%d/input.json", executionID, phase, attempt)
}

// OutputKey is where a phase worker must write its result before exiting.
func OutputKey(executionID string, phase state.Phase, attempt int) string {
	return fmt.Sprintf("%s/%s/%d/output.json", executionID, phase, attempt)
}

// SpecKey is where one immutable BuildSpec revision lives.
func SpecKey(executionID string, revision int) string {
	return fmt.Sprintf("%s/spec/%d/spec.json", executionID, revision)
}

// ErrNotFound is returned when a key doesn't exist.
type ErrNotFound struct {
	Key string
}

func (e ErrNotFound) Error() string {
	return "object not found: " + e.Key
}

// IsNotFound returns true if the error is ErrNotFound.
func IsNotFound(err error) bool {
	_, ok := err.(ErrNotFound)
	return ok
}
