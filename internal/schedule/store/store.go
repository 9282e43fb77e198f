// Package store provides durable storage for task definitions, scheduled
// runs, and task instances.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/orchid/orchid/internal/schedule/models"
)

// Common errors
var (
	ErrNotFound          = errors.New("record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrDefinitionInUse   = errors.New("definition is referenced by live runs or instances")
)

// Store is the interface for schedule storage operations. Status transitions
// are guarded: the implementation rejects transitions outside the model's
// transition table, and PENDING→SCHEDULED is atomic so concurrent scanners
// cannot double-dispatch a run.
type Store interface {
	// Definition operations
	CreateDefinition(ctx context.Context, def *models.Definition) error
	GetDefinition(ctx context.Context, id string) (*models.Definition, error)
	ListDefinitions(ctx context.Context) ([]*models.Definition, error)
	ListActiveCron(ctx context.Context) ([]*models.Definition, error)
	UpdateDefinitionActive(ctx context.Context, id string, active bool) error
	UpdateLastTriggeredAt(ctx context.Context, id string, at time.Time) error
	DeleteDefinition(ctx context.Context, id string) error

	// Scheduled run operations
	CreateRun(ctx context.Context, run *models.ScheduledRun) error
	GetRun(ctx context.Context, id string) (*models.ScheduledRun, error)
	// GetPending returns runs with status PENDING and scheduled_time <=
	// before, ordered by (priority DESC, scheduled_time ASC).
	GetPending(ctx context.Context, before time.Time, limit int) ([]*models.ScheduledRun, error)
	UpdateRunStatus(ctx context.Context, id string, to models.RunStatus) error
	RecordRetry(ctx context.Context, id string, errMsg string) error
	ListRunsByTrace(ctx context.Context, traceID string) ([]*models.ScheduledRun, error)
	UpdateRunInputParams(ctx context.Context, id string, params map[string]interface{}) error
	UpdateRunScheduleConfig(ctx context.Context, id string, cfg map[string]interface{}) error

	// Task instance operations
	CreateInstance(ctx context.Context, inst *models.TaskInstance) error
	GetInstance(ctx context.Context, id string) (*models.TaskInstance, error)
	ListInstancesByTrace(ctx context.Context, traceID string) ([]*models.TaskInstance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status models.InstanceStatus, errMsg string) error
	UpdateInstanceFinished(ctx context.Context, id string, finishedAt time.Time, status models.InstanceStatus, outputRef, errMsg string) error
	UpdateInstanceStarted(ctx context.Context, id string, startedAt time.Time) error
	UpdateInstanceInputParams(ctx context.Context, id string, params map[string]interface{}) error

	// Request id binding
	BindRequestID(ctx context.Context, requestID, traceID string) error
	LatestTraceForRequest(ctx context.Context, requestID string) (string, error)

	// Close closes the store.
	Close() error
}
