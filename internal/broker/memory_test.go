package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/common/logger"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestPublishDeliversToConsumer(t *testing.T) {
	b := NewMemoryBroker(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var received []Message
	_, err := b.Consume("topic.a", func(ctx context.Context, msg Message) error {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "topic.a", Message{"n": 1}))
	require.NoError(t, b.Publish(context.Background(), "topic.b", Message{"n": 2}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})
	mu.Lock()
	assert.Equal(t, 1, received[0]["n"])
	mu.Unlock()
}

func TestPublishDelayedWaits(t *testing.T) {
	b := NewMemoryBroker(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	var gotAt time.Time
	_, err := b.Consume("delayed", func(ctx context.Context, msg Message) error {
		mu.Lock()
		gotAt = time.Now()
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, b.PublishDelayed(context.Background(), "delayed", Message{}, 100*time.Millisecond))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !gotAt.IsZero()
	})
	mu.Lock()
	elapsed := gotAt.Sub(start)
	mu.Unlock()
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryBroker(logger.Default())
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Consume("topic", func(ctx context.Context, msg Message) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "topic", Message{}))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "topic", Message{}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestCloseRejectsPublishes(t *testing.T) {
	b := NewMemoryBroker(logger.Default())
	b.Close()

	assert.Error(t, b.Publish(context.Background(), "topic", Message{}))
	assert.False(t, b.IsConnected())
	_, err := b.Consume("topic", func(ctx context.Context, msg Message) error { return nil })
	assert.Error(t, err)
}
