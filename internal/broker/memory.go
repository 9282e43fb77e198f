package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/logger"
)

// MemoryBroker implements Broker using in-process dispatch. Messages are
// delivered to every active subscription for the topic, one handler call at
// a time per subscription.
type MemoryBroker struct {
	subscriptions map[string][]*memorySubscription
	timers        map[*time.Timer]struct{}
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBroker
	topic   string
	handler Handler
	active  bool
	// serializes handler invocations for this subscription
	handlerMu sync.Mutex
	mu        sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.subscriptions[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NewMemoryBroker creates a new in-memory broker.
func NewMemoryBroker(log *logger.Logger) *MemoryBroker {
	return &MemoryBroker{
		subscriptions: make(map[string][]*memorySubscription),
		timers:        make(map[*time.Timer]struct{}),
		logger:        log.WithFields(zap.String("component", "memory-broker")),
	}
}

// Publish delivers the message to all active subscriptions for the topic.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, msg Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("broker is closed")
	}
	subs := make([]*memorySubscription, len(b.subscriptions[topic]))
	copy(subs, b.subscriptions[topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}

		go func(s *memorySubscription) {
			s.handlerMu.Lock()
			defer s.handlerMu.Unlock()
			if err := s.handler(context.Background(), msg); err != nil {
				b.logger.Error("message handler error",
					zap.String("topic", topic),
					zap.Error(err))
			}
		}(sub)
	}

	b.logger.Debug("published message", zap.String("topic", topic))
	return nil
}

// PublishDelayed schedules the message for delivery after the delay.
func (b *MemoryBroker) PublishDelayed(ctx context.Context, topic string, msg Message, delay time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("broker is closed")
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, timer)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}
		if err := b.Publish(context.Background(), topic, msg); err != nil {
			b.logger.Error("delayed publish failed",
				zap.String("topic", topic),
				zap.Error(err))
		}
	})
	b.timers[timer] = struct{}{}
	b.mu.Unlock()
	return nil
}

// Consume registers a handler for a topic.
func (b *MemoryBroker) Consume(topic string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("broker is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		topic:   topic,
		handler: handler,
		active:  true,
	}
	b.subscriptions[topic] = append(b.subscriptions[topic], sub)

	b.logger.Info("consumer registered", zap.String("topic", topic))
	return sub, nil
}

// Close shuts the broker down and cancels pending delayed publishes.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for timer := range b.timers {
		timer.Stop()
	}
	b.timers = make(map[*time.Timer]struct{})
	for topic, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
		delete(b.subscriptions, topic)
	}
}

// IsConnected reports whether the broker accepts messages.
func (b *MemoryBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
