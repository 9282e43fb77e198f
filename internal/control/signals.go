// Package control stores advisory control signals (cancel/pause/resume)
// addressable by trace id or task id. Signals are cooperative cancellation
// points consumed by aggregators and leaf actors between steps, not forceful
// termination.
package control

import (
	"context"
	"fmt"
)

// Signal is a control action.
type Signal string

const (
	SignalNone   Signal = ""
	SignalCancel Signal = "CANCEL"
	SignalPause  Signal = "PAUSE"
	SignalResume Signal = "RESUME"
)

// Scope selects the key family a signal is written under.
type Scope string

const (
	ScopeTrace Scope = "trace"
	ScopeTask  Scope = "task"
)

// Key returns the store key for a signal: cmd:trace:{id} or cmd:task:{id}.
func Key(scope Scope, id string) string {
	return fmt.Sprintf("cmd:%s:%s", scope, id)
}

// SignalStore stores the current control signal per trace or task.
type SignalStore interface {
	// Set stores the current signal for the scope, replacing any prior one.
	Set(ctx context.Context, scope Scope, id string, sig Signal) error

	// Get returns the task-scoped signal if present, else the trace-scoped
	// one, else SignalNone. Task-scoped signals take precedence.
	Get(ctx context.Context, traceID, taskID string) (Signal, error)

	// Clear removes the signal for the scope. Idempotent.
	Clear(ctx context.Context, scope Scope, id string) error
}
