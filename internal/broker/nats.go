package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/config"
	"github.com/orchid/orchid/internal/common/logger"
)

// NATSBroker implements Broker using NATS.
type NATSBroker struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.NATSConfig
}

// NewNATSBroker creates a new NATS broker with reconnection logic.
func NewNATSBroker(cfg config.NATSConfig, log *logger.Logger) (*NATSBroker, error) {
	b := &NATSBroker{
		logger: log.WithFields(zap.String("component", "nats-broker")),
		config: cfg,
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error",
				zap.Error(err),
				zap.String("subject", sub.Subject),
			)
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b.conn = conn
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return b, nil
}

// Publish sends a message to a topic.
func (b *NATSBroker) Publish(ctx context.Context, topic string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := b.conn.Publish(topic, data); err != nil {
		b.logger.Error("failed to publish message",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	b.logger.Debug("published message", zap.String("topic", topic))
	return nil
}

// PublishDelayed approximates a delayed publish by sleeping in a background
// goroutine and publishing when the delay elapses. Best-effort by contract.
func (b *NATSBroker) PublishDelayed(ctx context.Context, topic string, msg Message, delay time.Duration) error {
	timer := time.NewTimer(delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			if err := b.Publish(context.Background(), topic, msg); err != nil {
				b.logger.Error("delayed publish failed",
					zap.String("topic", topic),
					zap.Error(err))
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

// Consume registers a queue subscription so each message is handled once
// across all instances of the consuming service.
func (b *NATSBroker) Consume(topic string, handler Handler) (Subscription, error) {
	sub, err := b.conn.QueueSubscribe(topic, "orchid-"+topic, func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal message",
				zap.String("topic", m.Subject),
				zap.Error(err),
			)
			return
		}
		if err := handler(context.Background(), msg); err != nil {
			b.logger.Error("message handler failed",
				zap.String("topic", m.Subject),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}

	b.logger.Debug("consumer registered", zap.String("topic", topic))
	return &natsSubscription{sub: sub}, nil
}

// Close closes the connection.
func (b *NATSBroker) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// IsConnected returns connection status.
func (b *NATSBroker) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

// natsSubscription wraps a NATS subscription to implement Subscription.
type natsSubscription struct {
	sub *nats.Subscription
}

// Unsubscribe removes the subscription from the server.
func (s *natsSubscription) Unsubscribe() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// IsValid returns whether the subscription is still active.
func (s *natsSubscription) IsValid() bool {
	return s.sub != nil && s.sub.IsValid()
}
