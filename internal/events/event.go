// Package events provides fire-and-forget structured event emission for
// observers of the orchestration pipeline.
package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened. The set is closed; unknown strings are
// mapped to SystemError at publish time.
type EventType string

const (
	TaskCreated        EventType = "TASK_CREATED"
	TaskPlanning       EventType = "TASK_PLANNING"
	TaskDispatched     EventType = "TASK_DISPATCHED"
	TaskStarted        EventType = "TASK_STARTED"
	TaskProgress       EventType = "TASK_PROGRESS"
	TaskPaused         EventType = "TASK_PAUSED"
	TaskResumed        EventType = "TASK_RESUMED"
	TaskCompleted      EventType = "TASK_COMPLETED"
	TaskFailed         EventType = "TASK_FAILED"
	TaskCancelled      EventType = "TASK_CANCELLED"
	CapabilityStarted  EventType = "CAPABILITY_STARTED"
	CapabilityExecuted EventType = "CAPABILITY_EXECUTED"
	CapabilityFailed   EventType = "CAPABILITY_FAILED"
	AgentHeartbeat     EventType = "AGENT_HEARTBEAT"
	AgentThinking      EventType = "AGENT_THINKING"
	ToolCalled         EventType = "TOOL_CALLED"
	ToolResult         EventType = "TOOL_RESULT"
	SystemError        EventType = "SYSTEM_ERROR"
)

var knownTypes = map[EventType]struct{}{
	TaskCreated: {}, TaskPlanning: {}, TaskDispatched: {}, TaskStarted: {},
	TaskProgress: {}, TaskPaused: {}, TaskResumed: {}, TaskCompleted: {},
	TaskFailed: {}, TaskCancelled: {}, CapabilityStarted: {},
	CapabilityExecuted: {}, CapabilityFailed: {}, AgentHeartbeat: {},
	AgentThinking: {}, ToolCalled: {}, ToolResult: {}, SystemError: {},
}

// IsKnown reports whether t belongs to the closed event type set.
func (t EventType) IsKnown() bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is an immutable, append-only record of something that happened.
type Event struct {
	EventID         string                 `json:"event_id"`
	TraceID         string                 `json:"trace_id"`
	TaskID          string                 `json:"task_id"`
	TaskPath        string                 `json:"task_path"`
	Type            EventType              `json:"event_type"`
	Timestamp       time.Time              `json:"timestamp"`
	Source          string                 `json:"source_component"`
	Payload         map[string]interface{} `json:"payload,omitempty"`
	ContextSnapshot map[string]interface{} `json:"enriched_context_snapshot,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// newEvent constructs an Event with a fresh UUID and a UTC timestamp.
func newEvent(eventType EventType, traceID, taskID, taskPath, source string) *Event {
	return &Event{
		EventID:   uuid.New().String(),
		TraceID:   traceID,
		TaskID:    taskID,
		TaskPath:  taskPath,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}
