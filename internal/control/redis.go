package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisSignalStore stores control signals in Redis so every process in the
// deployment observes them.
type RedisSignalStore struct {
	client *redis.Client
}

var _ SignalStore = (*RedisSignalStore)(nil)

// NewRedisSignalStore creates a Redis-backed signal store.
func NewRedisSignalStore(client *redis.Client) *RedisSignalStore {
	return &RedisSignalStore{client: client}
}

// Set stores the current signal for the scope.
func (s *RedisSignalStore) Set(ctx context.Context, scope Scope, id string, sig Signal) error {
	if err := s.client.Set(ctx, Key(scope, id), string(sig), 0).Err(); err != nil {
		return fmt.Errorf("failed to set control signal: %w", err)
	}
	return nil
}

// Get returns the task-scoped signal if present, else the trace-scoped one.
func (s *RedisSignalStore) Get(ctx context.Context, traceID, taskID string) (Signal, error) {
	if taskID != "" {
		val, err := s.client.Get(ctx, Key(ScopeTask, taskID)).Result()
		if err == nil && val != "" {
			return Signal(val), nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return SignalNone, fmt.Errorf("failed to get control signal: %w", err)
		}
	}

	val, err := s.client.Get(ctx, Key(ScopeTrace, traceID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return SignalNone, nil
		}
		return SignalNone, fmt.Errorf("failed to get control signal: %w", err)
	}
	return Signal(val), nil
}

// Clear removes the signal for the scope.
func (s *RedisSignalStore) Clear(ctx context.Context, scope Scope, id string) error {
	if err := s.client.Del(ctx, Key(scope, id)).Err(); err != nil {
		return fmt.Errorf("failed to clear control signal: %w", err)
	}
	return nil
}
