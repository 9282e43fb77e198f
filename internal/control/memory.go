package control

import (
	"context"
	"sync"
)

// MemorySignalStore is a process-local SignalStore for tests and single-node
// deployments without Redis.
type MemorySignalStore struct {
	signals map[string]Signal
	mu      sync.RWMutex
}

var _ SignalStore = (*MemorySignalStore)(nil)

// NewMemorySignalStore creates an empty in-memory signal store.
func NewMemorySignalStore() *MemorySignalStore {
	return &MemorySignalStore{signals: make(map[string]Signal)}
}

// Set stores the current signal for the scope.
func (s *MemorySignalStore) Set(ctx context.Context, scope Scope, id string, sig Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals[Key(scope, id)] = sig
	return nil
}

// Get returns the task-scoped signal if present, else the trace-scoped one.
func (s *MemorySignalStore) Get(ctx context.Context, traceID, taskID string) (Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if taskID != "" {
		if sig, ok := s.signals[Key(ScopeTask, taskID)]; ok && sig != SignalNone {
			return sig, nil
		}
	}
	if sig, ok := s.signals[Key(ScopeTrace, traceID)]; ok {
		return sig, nil
	}
	return SignalNone, nil
}

// Clear removes the signal for the scope.
func (s *MemorySignalStore) Clear(ctx context.Context, scope Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.signals, Key(scope, id))
	return nil
}
