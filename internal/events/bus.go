package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/logger"
)

// Observer receives every published event. Observer failures are contained;
// a panicking observer never disturbs the publisher.
type Observer interface {
	OnEvent(event *Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event *Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(event *Event) { f(event) }

// Bus is a synchronous in-process event bus. Publishing constructs an
// immutable Event and hands it to every registered observer in order.
type Bus struct {
	observers []Observer
	mu        sync.RWMutex
	logger    *logger.Logger
}

// NewBus creates an event bus with no observers.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		logger: log.WithFields(zap.String("component", "event-bus")),
	}
}

// Register adds an observer. Observers registered after a publish only see
// subsequent events.
func (b *Bus) Register(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

// Publish emits a trace-scoped event. Unknown event types are recorded as
// SYSTEM_ERROR rather than dropped.
func (b *Bus) Publish(traceID string, eventType EventType, source string, data map[string]interface{}, level ...string) {
	if !eventType.IsKnown() {
		b.logger.Warn("unknown event type, recording as SYSTEM_ERROR",
			zap.String("event_type", string(eventType)))
		eventType = SystemError
	}

	taskID := traceID
	taskPath := source
	if data != nil {
		if v, ok := data["task_id"].(string); ok && v != "" {
			taskID = v
		}
		if v, ok := data["task_path"].(string); ok && v != "" {
			taskPath = v
		}
	}

	event := newEvent(eventType, traceID, taskID, taskPath, source)
	event.Payload = data
	b.deliver(event)
}

// TaskEvent carries the optional attributes of a task-scoped event.
type TaskEvent struct {
	TaskID          string
	TraceID         string
	TaskPath        string
	Type            EventType
	Source          string
	AgentID         string
	Data            map[string]interface{}
	ContextSnapshot map[string]interface{}
	Error           string
}

// PublishTaskEvent emits a task-scoped event and returns the constructed
// Event.
func (b *Bus) PublishTaskEvent(e TaskEvent) *Event {
	eventType := e.Type
	if !eventType.IsKnown() {
		b.logger.Warn("unknown event type, recording as SYSTEM_ERROR",
			zap.String("event_type", string(eventType)))
		eventType = SystemError
	}

	event := newEvent(eventType, e.TraceID, e.TaskID, e.TaskPath, e.Source)
	payload := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		payload[k] = v
	}
	if e.AgentID != "" {
		payload["agent_id"] = e.AgentID
	}
	event.Payload = payload
	event.ContextSnapshot = e.ContextSnapshot
	event.Error = e.Error

	b.deliver(event)
	return event
}

// deliver hands the event to each observer, containing panics.
func (b *Bus) deliver(event *Event) {
	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, obs := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event observer panicked",
						zap.String("event_type", string(event.Type)),
						zap.Any("panic", r))
				}
			}()
			obs.OnEvent(event)
		}()
	}

	b.logger.Debug("event published",
		zap.String("event_type", string(event.Type)),
		zap.String("trace_id", event.TraceID),
		zap.String("task_id", event.TaskID))
}
