package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/logger"
)

// RedisRegistry stores actor references in Redis, relying on key TTLs for
// expiry. When Redis is unreachable it transparently falls back to a
// process-local MemoryRegistry with the same TTL semantics; entries written
// during the outage vanish on restart, which is acceptable because sessions
// re-register on first heartbeat.
type RedisRegistry struct {
	client   *redis.Client
	fallback *MemoryRegistry
	logger   *logger.Logger
}

var _ Registry = (*RedisRegistry)(nil)

// NewRedis creates a Redis-backed registry with in-memory fallback.
func NewRedis(client *redis.Client, log *logger.Logger) *RedisRegistry {
	return &RedisRegistry{
		client:   client,
		fallback: NewMemory(),
		logger:   log.WithFields(zap.String("component", "actor-registry")),
	}
}

func (r *RedisRegistry) degraded(op string, err error) {
	r.logger.Warn("redis unavailable, using in-memory fallback",
		zap.String("op", op),
		zap.Error(err))
}

func (r *RedisRegistry) saveEntry(ctx context.Context, key string, address []byte, ttl time.Duration) error {
	now := time.Now().UTC()
	entry := Entry{
		Address:       address,
		CreatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		LastHeartbeat: now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry: %w", err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *RedisRegistry) getEntry(ctx context.Context, key string) (*Entry, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry entry: %w", err)
	}
	return &entry, nil
}

// Save overwrites any prior entry and sets expires_at = now + ttl.
func (r *RedisRegistry) Save(ctx context.Context, tenantID, nodeID string, address []byte, ttl time.Duration) error {
	if err := r.saveEntry(ctx, Key(tenantID, nodeID), address, ttl); err != nil {
		r.degraded("save", err)
		return r.fallback.Save(ctx, tenantID, nodeID, address, ttl)
	}
	return nil
}

// Get returns the address only if the entry has not expired. Redis enforces
// expiry through the key TTL.
func (r *RedisRegistry) Get(ctx context.Context, tenantID, nodeID string) ([]byte, error) {
	entry, err := r.getEntry(ctx, Key(tenantID, nodeID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Not in Redis; the fallback may hold entries written during
			// an outage.
			return r.fallback.Get(ctx, tenantID, nodeID)
		}
		r.degraded("get", err)
		return r.fallback.Get(ctx, tenantID, nodeID)
	}
	return entry.Address, nil
}

// Delete removes the entry. Idempotent.
func (r *RedisRegistry) Delete(ctx context.Context, tenantID, nodeID string) error {
	if err := r.client.Del(ctx, Key(tenantID, nodeID)).Err(); err != nil {
		r.degraded("delete", err)
	}
	return r.fallback.Delete(ctx, tenantID, nodeID)
}

// RefreshTTL extends the entry's TTL without touching last_heartbeat.
func (r *RedisRegistry) RefreshTTL(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	ok, err := r.client.Expire(ctx, Key(tenantID, nodeID), ttl).Result()
	if err != nil {
		r.degraded("refresh_ttl", err)
		return r.fallback.RefreshTTL(ctx, tenantID, nodeID, ttl)
	}
	if !ok {
		return r.fallback.RefreshTTL(ctx, tenantID, nodeID, ttl)
	}
	return nil
}

// UpdateHeartbeat refreshes the TTL and touches last_heartbeat.
func (r *RedisRegistry) UpdateHeartbeat(ctx context.Context, tenantID, nodeID string, ttl time.Duration) error {
	key := Key(tenantID, nodeID)
	entry, err := r.getEntry(ctx, key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return r.fallback.UpdateHeartbeat(ctx, tenantID, nodeID, ttl)
		}
		r.degraded("update_heartbeat", err)
		return r.fallback.UpdateHeartbeat(ctx, tenantID, nodeID, ttl)
	}

	now := time.Now().UTC()
	entry.LastHeartbeat = now
	entry.ExpiresAt = now.Add(ttl)
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal registry entry: %w", err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		r.degraded("update_heartbeat", err)
		return r.fallback.UpdateHeartbeat(ctx, tenantID, nodeID, ttl)
	}
	return nil
}

// Exists reports whether a valid entry exists.
func (r *RedisRegistry) Exists(ctx context.Context, tenantID, nodeID string) (bool, error) {
	n, err := r.client.Exists(ctx, Key(tenantID, nodeID)).Result()
	if err != nil {
		r.degraded("exists", err)
		return r.fallback.Exists(ctx, tenantID, nodeID)
	}
	if n > 0 {
		return true, nil
	}
	return r.fallback.Exists(ctx, tenantID, nodeID)
}

// SaveExecutorRef stores the executor pointer for a paused task.
func (r *RedisRegistry) SaveExecutorRef(ctx context.Context, taskID string, address []byte, ttl time.Duration) error {
	if err := r.saveEntry(ctx, ExecutorKey(taskID), address, ttl); err != nil {
		r.degraded("save_executor_ref", err)
		return r.fallback.SaveExecutorRef(ctx, taskID, address, ttl)
	}
	return nil
}

// GetExecutorRef returns the executor pointer for a paused task.
func (r *RedisRegistry) GetExecutorRef(ctx context.Context, taskID string) ([]byte, error) {
	entry, err := r.getEntry(ctx, ExecutorKey(taskID))
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return r.fallback.GetExecutorRef(ctx, taskID)
		}
		r.degraded("get_executor_ref", err)
		return r.fallback.GetExecutorRef(ctx, taskID)
	}
	return entry.Address, nil
}

// DeleteExecutorRef removes the executor pointer. Idempotent.
func (r *RedisRegistry) DeleteExecutorRef(ctx context.Context, taskID string) error {
	if err := r.client.Del(ctx, ExecutorKey(taskID)).Err(); err != nil {
		r.degraded("delete_executor_ref", err)
	}
	return r.fallback.DeleteExecutorRef(ctx, taskID)
}
