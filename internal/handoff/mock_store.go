package handoff

import (
	"context"
	"sync"
)

// MockStore is an in-memory implementation of Store for testing.
type MockStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	calls   MockCalls

	// FailPut, when set, is returned by Put for matching keys.
	FailPut map[string]error
}

// MockCalls tracks method invocations for test verification.
type MockCalls struct {
	Put    int
	Get    int
	Exists int
}

// NewMockStore creates a new in-memory handoff store.
func NewMockStore() *MockStore {
	return &MockStore{objects: make(map[string][]byte)}
}

// Put stores a blob under the given key.
func (m *MockStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Put++

	if err, ok := m.FailPut[key]; ok {
		return err
	}

	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[key] = stored
	return nil
}

// Get retrieves a blob by key.
func (m *MockStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.calls.Get++

	data, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound{Key: key}
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Exists checks whether a key is present.
func (m *MockStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	m.calls.Exists++

	_, ok := m.objects[key]
	return ok, nil
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }

// Delete removes a key; used by tests to simulate a worker that never wrote output.
func (m *MockStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
}

// Calls returns a snapshot of the call counters.
func (m *MockStore) Calls() MockCalls {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}
