package store

import "sync"

// MutexMap provides per-key in-process mutexes. The store serializes
// lock-queue dispatch and session submission through it so that the
// follow-up transaction only has to re-check, not retry.
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

// NewMutexMap creates an empty MutexMap.
func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

// Lock acquires the mutex for key and returns its unlock function.
func (m *MutexMap) Lock(key string) func() {
	mu := m.getMutex(key)
	mu.Lock()
	return mu.Unlock
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}
