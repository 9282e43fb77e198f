// Package messages defines the message types that cross actor boundaries.
// Parent/child relations in the task tree are carried as ids; the only refs
// inside messages are reply targets and the executor pointer of a paused
// task.
package messages

import (
	"time"

	"github.com/orchid/orchid/internal/actor"
)

// TaskStatus is the outcome reported for a task or sub-task.
type TaskStatus string

const (
	StatusSuccess   TaskStatus = "SUCCESS"
	StatusFailed    TaskStatus = "FAILED"
	StatusNeedInput TaskStatus = "NEED_INPUT"
)

// SubTaskType selects the execution target of a planned sub-task.
type SubTaskType string

const (
	SubTaskAgent SubTaskType = "AGENT"
	SubTaskMCP   SubTaskType = "MCP"
)

// ---------------------------------------------------------------------------
// Router / session messages

// UserRequest enters the actor mesh at the router.
type UserRequest struct {
	TenantID string
	NodeID   string
	Message  interface{}
}

// RegisterActor is sent by a session to the router after initialization.
type RegisterActor struct {
	TenantID string
	NodeID   string
}

// RegisterAccepted confirms a session's registration. The session only
// accepts forwarded payloads after this arrives.
type RegisterAccepted struct {
	TenantID string
	NodeID   string
}

// RegisterRejected tells a session another session already holds its key.
type RegisterRejected struct {
	TenantID string
	NodeID   string
}

// UnregisterActor is sent by a session to the router on termination.
type UnregisterActor struct {
	TenantID string
	NodeID   string
}

// RefreshTTL extends a registration without touching last_heartbeat.
type RefreshTTL struct {
	TenantID string
	NodeID   string
}

// Heartbeat refreshes a registration and its heartbeat timestamp.
type Heartbeat struct {
	TenantID  string
	NodeID    string
	Timestamp time.Time
}

// HeartbeatResponse echoes the heartbeat timestamp back to the session.
type HeartbeatResponse struct {
	Timestamp time.Time
}

// Initialize bootstraps a freshly spawned session actor.
type Initialize struct {
	TenantID        string
	NodeID          string
	OriginalMessage interface{}
	OriginalSender  *actor.Ref
}

// ---------------------------------------------------------------------------
// Agent pipeline messages

// AgentTask asks an agent to handle one task.
type AgentTask struct {
	AgentID               string
	TaskID                string
	TraceID               string
	TaskPath              string
	Content               string
	Description           string
	Context               map[string]interface{}
	Parameters            map[string]interface{}
	UserID                string
	IsParameterCompletion bool
	ReplyTo               *actor.Ref
}

// SubTaskSpec is one planned step of a task group.
type SubTaskSpec struct {
	Step              int
	Type              SubTaskType
	Executor          string
	Description       string
	Params            map[string]interface{}
	IsParallel        bool
	StrategyReasoning string
}

// TaskGroupRequest carries a planned group of sub-tasks to an aggregator.
type TaskGroupRequest struct {
	TaskID          string
	TraceID         string
	TaskPath        string
	ParentTaskID    string
	Subtasks        []SubTaskSpec
	Strategy        string
	Context         map[string]interface{}
	EnrichedContext map[string]interface{}
	UserID          string
	ReplyTo         *actor.Ref
}

// TaskCompleted reports a child's combined outcome upward. For NEED_INPUT,
// ExecutorRef points at the execution actor waiting for the missing
// parameters.
type TaskCompleted struct {
	TaskID        string
	TraceID       string
	TaskPath      string
	AgentID       string
	Status        TaskStatus
	Result        map[string]interface{}
	Error         string
	MissingParams []string
	Question      string
	ExecutorRef   *actor.Ref
}

// ResumeTask asks an agent to resume a paused task with completed
// parameters.
type ResumeTask struct {
	TaskID     string
	Parameters map[string]interface{}
	UserID     string
	ReplyTo    *actor.Ref
}

// ---------------------------------------------------------------------------
// Execution messages

// ExecuteTask asks a leaf actor to invoke one connector capability.
type ExecuteTask struct {
	TaskID          string
	TraceID         string
	TaskPath        string
	Capability      string
	RunningConfig   map[string]interface{}
	Content         string
	Description     string
	GlobalContext   map[string]interface{}
	EnrichedContext map[string]interface{}
	Timeout         time.Duration
	ReplyTo         *actor.Ref
}

// ResumeExecution carries completed parameters back to a waiting execution
// actor.
type ResumeExecution struct {
	TaskID     string
	Parameters map[string]interface{}
	ReplyTo    *actor.Ref
}

// ExecutionResult is the outcome of one connector invocation.
type ExecutionResult struct {
	TaskID        string
	TraceID       string
	TaskPath      string
	Status        TaskStatus
	Result        map[string]interface{}
	Error         string
	Retryable     bool
	MissingParams []string
	Question      string
	ExecutorRef   *actor.Ref
}

// ---------------------------------------------------------------------------
// Caller-facing replies

// TaskResult is the terminal reply delivered to the original caller.
type TaskResult struct {
	TaskID   string
	TraceID  string
	TaskPath string
	Result   map[string]interface{}
	Error    string
}

// TaskPaused tells the original caller which parameters are still required.
// ExecutorRef rides along so an enclosing agent can persist the paused
// executor under its own task id; external callers ignore it.
type TaskPaused struct {
	TaskID        string
	MissingParams []string
	Question      string
	ExecutorRef   *actor.Ref
}
