// Package models defines the persistent data model of the scheduling
// subsystem: task definitions, scheduled runs, and task instances.
package models

import "time"

// ScheduleType classifies how a run was produced.
type ScheduleType string

const (
	ScheduleImmediate    ScheduleType = "IMMEDIATE"
	ScheduleDelayed      ScheduleType = "DELAYED"
	ScheduleCron         ScheduleType = "CRON"
	ScheduleLoop         ScheduleType = "LOOP"
	ScheduleIntervalLoop ScheduleType = "INTERVAL_LOOP"
)

// RunStatus is the lifecycle state of a ScheduledRun.
type RunStatus string

const (
	RunPending    RunStatus = "PENDING"
	RunScheduled  RunStatus = "SCHEDULED"
	RunDispatched RunStatus = "DISPATCHED"
	RunSuccess    RunStatus = "SUCCESS"
	RunFailed     RunStatus = "FAILED"
	RunCancelled  RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSuccess, RunFailed, RunCancelled:
		return true
	}
	return false
}

// ValidRunTransition reports whether a ScheduledRun may move from one status
// to another. Any non-terminal status may be cancelled.
func ValidRunTransition(from, to RunStatus) bool {
	if to == RunCancelled {
		return !from.Terminal()
	}
	switch from {
	case RunPending:
		return to == RunScheduled
	case RunScheduled:
		// Revert to PENDING happens when a publish or hand-off fails.
		return to == RunDispatched || to == RunPending
	case RunDispatched:
		return to == RunSuccess || to == RunFailed
	}
	return false
}

// InstanceStatus is the lifecycle state of a TaskInstance.
type InstanceStatus string

const (
	InstancePending    InstanceStatus = "PENDING"
	InstanceRunning    InstanceStatus = "RUNNING"
	InstancePaused     InstanceStatus = "PAUSED"
	InstanceDispatched InstanceStatus = "DISPATCHED"
	InstanceSuccess    InstanceStatus = "SUCCESS"
	InstanceFailed     InstanceStatus = "FAILED"
	InstanceCancelled  InstanceStatus = "CANCELLED"
)

// Terminal reports whether the instance status is final.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case InstanceSuccess, InstanceFailed, InstanceCancelled:
		return true
	}
	return false
}

// LoopConfig describes how a looping definition repeats.
type LoopConfig struct {
	MaxRounds   int `json:"max_rounds"`
	IntervalSec int `json:"interval_sec,omitempty"`
}

// Definition is a reusable task template. Immutable after creation except
// for IsActive and LastTriggeredAt.
type Definition struct {
	ID              string                 `json:"id" db:"id"`
	Name            string                 `json:"name" db:"name"`
	Content         map[string]interface{} `json:"content" db:"-"`
	CronExpr        string                 `json:"cron_expr,omitempty" db:"cron_expr"`
	LoopConfig      *LoopConfig            `json:"loop_config,omitempty" db:"-"`
	IsActive        bool                   `json:"is_active" db:"is_active"`
	IsTemporary     bool                   `json:"is_temporary" db:"is_temporary"`
	DefaultTimeout  int                    `json:"default_timeout,omitempty" db:"default_timeout"`
	LastTriggeredAt *time.Time             `json:"last_triggered_at,omitempty" db:"last_triggered_at"`
	CreatedAt       time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at" db:"updated_at"`
}

// ScheduledRun is a concrete future execution of a definition.
type ScheduledRun struct {
	ID             string                 `json:"id" db:"id"`
	DefinitionID   string                 `json:"definition_id" db:"definition_id"`
	TraceID        string                 `json:"trace_id" db:"trace_id"`
	ScheduledTime  time.Time              `json:"scheduled_time" db:"scheduled_time"`
	Type           ScheduleType           `json:"schedule_type" db:"schedule_type"`
	ScheduleConfig map[string]interface{} `json:"schedule_config" db:"-"`
	InputParams    map[string]interface{} `json:"input_params" db:"-"`
	RoundIndex     int                    `json:"round_index" db:"round_index"`
	Priority       int                    `json:"priority" db:"priority"`
	Status         RunStatus              `json:"status" db:"status"`
	RetryCount     int                    `json:"retry_count" db:"retry_count"`
	LastError      string                 `json:"last_error,omitempty" db:"last_error"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at" db:"updated_at"`
}

// TaskInstance is the runtime execution record of one run.
type TaskInstance struct {
	ID           string                 `json:"id" db:"id"`
	DefinitionID string                 `json:"definition_id" db:"definition_id"`
	TraceID      string                 `json:"trace_id" db:"trace_id"`
	Status       InstanceStatus         `json:"status" db:"status"`
	ScheduleType ScheduleType           `json:"schedule_type" db:"schedule_type"`
	RoundIndex   int                    `json:"round_index" db:"round_index"`
	InputParams  map[string]interface{} `json:"input_params" db:"-"`
	OutputRef    string                 `json:"output_ref,omitempty" db:"output_ref"`
	ErrorMsg     string                 `json:"error_msg,omitempty" db:"error_msg"`
	DependsOn    []string               `json:"depends_on,omitempty" db:"-"`
	StartedAt    *time.Time             `json:"started_at,omitempty" db:"started_at"`
	FinishedAt   *time.Time             `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
}
