package controller

import "sync"

// mutexMap serializes state transitions per execution. Two completion
// signals for the same execution never interleave; different executions
// proceed independently.
type mutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func newMutexMap() *mutexMap {
	return &mutexMap{mutexes: make(map[string]*sync.Mutex)}
}

func (m *mutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *mutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *mutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}
