package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/common/logger"
)

func TestPublishTaskEventReachesObservers(t *testing.T) {
	bus := NewBus(logger.Default())

	var mu sync.Mutex
	var seen []*Event
	bus.Register(ObserverFunc(func(e *Event) {
		mu.Lock()
		seen = append(seen, e)
		mu.Unlock()
	}))

	event := bus.PublishTaskEvent(TaskEvent{
		TaskID:   "task-1",
		TraceID:  "trace-1",
		TaskPath: "root/worker",
		Type:     TaskStarted,
		Source:   "test",
		AgentID:  "worker",
		Data:     map[string]interface{}{"key": "value"},
	})

	require.NotNil(t, event)
	assert.NotEmpty(t, event.EventID)
	assert.Equal(t, TaskStarted, event.Type)
	assert.Equal(t, "worker", event.Payload["agent_id"])
	assert.False(t, event.Timestamp.IsZero())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, event.EventID, seen[0].EventID)
}

func TestObserverPanicDoesNotPropagate(t *testing.T) {
	bus := NewBus(logger.Default())

	bus.Register(ObserverFunc(func(e *Event) {
		panic("observer bug")
	}))
	var count int
	bus.Register(ObserverFunc(func(e *Event) {
		count++
	}))

	assert.NotPanics(t, func() {
		bus.Publish("trace-1", TaskCompleted, "test", nil)
	})
	assert.Equal(t, 1, count, "later observers still run")
}

func TestUnknownEventTypeBecomesSystemError(t *testing.T) {
	bus := NewBus(logger.Default())

	event := bus.PublishTaskEvent(TaskEvent{
		TaskID:  "task-1",
		TraceID: "trace-1",
		Type:    EventType("NOT_A_REAL_TYPE"),
		Source:  "test",
	})
	assert.Equal(t, SystemError, event.Type)
}

func TestRecorderRingEvictsOldest(t *testing.T) {
	bus := NewBus(logger.Default())
	rec := NewRecorder(3)
	bus.Register(rec)

	for i := 0; i < 5; i++ {
		bus.PublishTaskEvent(TaskEvent{
			TaskID:  "task-1",
			TraceID: "trace-1",
			Type:    TaskProgress,
			Source:  "test",
			Data:    map[string]interface{}{"seq": i},
		})
	}

	events := rec.ByTrace("trace-1")
	require.Len(t, events, 3)
	assert.Equal(t, 2, events[0].Payload["seq"])
	assert.Equal(t, 4, events[2].Payload["seq"])

	rec.Drop("trace-1")
	assert.Empty(t, rec.ByTrace("trace-1"))
}
