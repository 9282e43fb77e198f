// Package registry stores (tenant, node) → executor address references with
// TTL-refreshed heartbeats. At most one valid reference exists per key; a
// reference is valid iff now < expires_at.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors
var (
	// ErrNotFound is returned when no valid reference exists for a key.
	ErrNotFound = errors.New("actor reference not found")
)

// Key returns the storage key for a (tenant, node) pair.
func Key(tenantID, nodeID string) string {
	return fmt.Sprintf("actor_ref:%s:%s", tenantID, nodeID)
}

// ExecutorKey returns the storage key for a paused task's executor pointer.
func ExecutorKey(taskID string) string {
	return fmt.Sprintf("exec_ref:%s", taskID)
}

// Entry is a stored actor reference. The address is an opaque byte string
// that must round-trip byte-exactly.
type Entry struct {
	Address       []byte    `json:"address"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry is the actor reference store.
type Registry interface {
	// Save overwrites any prior entry and sets expires_at = now + ttl.
	Save(ctx context.Context, tenantID, nodeID string, address []byte, ttl time.Duration) error

	// Get returns the address only if the entry has not expired. Expired
	// entries are lazily deleted.
	Get(ctx context.Context, tenantID, nodeID string) ([]byte, error)

	// Delete removes the entry. Idempotent.
	Delete(ctx context.Context, tenantID, nodeID string) error

	// RefreshTTL extends the entry's TTL. Fails with ErrNotFound if no
	// entry exists.
	RefreshTTL(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error

	// UpdateHeartbeat refreshes the TTL and touches last_heartbeat.
	UpdateHeartbeat(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error

	// Exists reports whether a valid entry exists.
	Exists(ctx context.Context, tenantID, nodeID string) (bool, error)

	// SaveExecutorRef stores the executor pointer for a paused task.
	SaveExecutorRef(ctx context.Context, taskID string, address []byte, ttl time.Duration) error

	// GetExecutorRef returns the executor pointer for a paused task.
	GetExecutorRef(ctx context.Context, taskID string) ([]byte, error)

	// DeleteExecutorRef removes the executor pointer. Idempotent.
	DeleteExecutorRef(ctx context.Context, taskID string) error
}
