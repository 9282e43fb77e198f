package registry

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is a process-local Registry. Entries vanish on restart,
// which is acceptable because sessions re-register on first heartbeat.
type MemoryRegistry struct {
	entries map[string]*Entry
	mu      sync.Mutex
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemory creates an empty in-memory registry.
func NewMemory() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]*Entry)}
}

// live returns the entry for key if it has not expired, lazily deleting
// expired entries. Valid iff now < expires_at.
func (m *MemoryRegistry) live(key string, now time.Time) (*Entry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !now.Before(entry.ExpiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return entry, true
}

// refreshable returns the entry for key if it can still be refreshed. A
// heartbeat arriving at expires_at exactly is accepted.
func (m *MemoryRegistry) refreshable(key string, now time.Time) (*Entry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if now.After(entry.ExpiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return entry, true
}

func (m *MemoryRegistry) save(key string, address []byte, ttl time.Duration) {
	now := time.Now().UTC()
	addr := append([]byte(nil), address...)
	m.entries[key] = &Entry{
		Address:       addr,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
	}
}

// Save overwrites any prior entry and sets expires_at = now + ttl.
func (m *MemoryRegistry) Save(ctx context.Context, tenantID, nodeID string, address []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.save(Key(tenantID, nodeID), address, ttl)
	return nil
}

// Get returns the address only if the entry has not expired.
func (m *MemoryRegistry) Get(ctx context.Context, tenantID, nodeID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(Key(tenantID, nodeID), time.Now().UTC())
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.Address...), nil
}

// Delete removes the entry. Idempotent.
func (m *MemoryRegistry) Delete(ctx context.Context, tenantID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, Key(tenantID, nodeID))
	return nil
}

// RefreshTTL extends the entry's TTL without touching last_heartbeat.
func (m *MemoryRegistry) RefreshTTL(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	entry, ok := m.refreshable(Key(tenantID, nodeID), now)
	if !ok {
		return ErrNotFound
	}
	entry.ExpiresAt = now.Add(ttl)
	return nil
}

// UpdateHeartbeat refreshes the TTL and touches last_heartbeat.
func (m *MemoryRegistry) UpdateHeartbeat(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	entry, ok := m.refreshable(Key(tenantID, nodeID), now)
	if !ok {
		return ErrNotFound
	}
	entry.ExpiresAt = now.Add(ttl)
	entry.LastHeartbeat = now
	return nil
}

// Exists reports whether a valid entry exists.
func (m *MemoryRegistry) Exists(ctx context.Context, tenantID, nodeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(Key(tenantID, nodeID), time.Now().UTC())
	return ok, nil
}

// SaveExecutorRef stores the executor pointer for a paused task.
func (m *MemoryRegistry) SaveExecutorRef(ctx context.Context, taskID string, address []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.save(ExecutorKey(taskID), address, ttl)
	return nil
}

// GetExecutorRef returns the executor pointer for a paused task.
func (m *MemoryRegistry) GetExecutorRef(ctx context.Context, taskID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(ExecutorKey(taskID), time.Now().UTC())
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), entry.Address...), nil
}

// DeleteExecutorRef removes the executor pointer. Idempotent.
func (m *MemoryRegistry) DeleteExecutorRef(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, ExecutorKey(taskID))
	return nil
}
