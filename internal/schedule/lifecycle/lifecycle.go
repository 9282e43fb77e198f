// Package lifecycle manages task definitions and traces: ad-hoc submission,
// triggering, and the cancel/pause/resume/modify controls.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
	"github.com/orchid/orchid/internal/schedule/cronexpr"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/scheduler"
	"github.com/orchid/orchid/internal/schedule/store"
)

// ErrUnknownScheduleType is returned for schedule types outside the
// supported set.
var ErrUnknownScheduleType = errors.New("unsupported schedule type")

// ExecutorControl pushes a control action for an already dispatched task to
// the executor side. The in-process executor observes control signals
// directly, so its implementation is a no-op.
type ExecutorControl interface {
	Control(ctx context.Context, taskID, action string) error
}

// NoExecutorControl is the in-process ExecutorControl.
type NoExecutorControl struct{}

// Control is a no-op.
func (NoExecutorControl) Control(ctx context.Context, taskID, action string) error { return nil }

// Resumer routes completed parameters for a paused task back into the
// executor mesh.
type Resumer interface {
	Resume(ctx context.Context, traceID, taskID string, params map[string]interface{}) error
}

// Service drives definition and trace lifecycles.
type Service struct {
	store     store.Store
	scheduler *scheduler.Service
	signals   control.SignalStore
	bus       *events.Bus
	executor  ExecutorControl
	resumer   Resumer
	logger    *logger.Logger
}

// SetResumer installs the parameter-completion route. Optional; without it,
// ResumeWithParams returns a result with Success false (and no error).
func (s *Service) SetResumer(r Resumer) { s.resumer = r }

// NewService creates a lifecycle service.
func NewService(st store.Store, sched *scheduler.Service, signals control.SignalStore, bus *events.Bus, executor ExecutorControl, log *logger.Logger) *Service {
	if executor == nil {
		executor = NoExecutorControl{}
	}
	return &Service{
		store:     st,
		scheduler: sched,
		signals:   signals,
		bus:       bus,
		executor:  executor,
		logger:    log.WithFields(zap.String("component", "lifecycle")),
	}
}

// ---------------------------------------------------------------------------
// Definitions

// CreateDefinitionRequest carries the attributes of a new definition.
type CreateDefinitionRequest struct {
	Name           string
	Content        map[string]interface{}
	CronExpr       string
	LoopConfig     *models.LoopConfig
	IsActive       bool
	IsTemporary    bool
	DefaultTimeout int
}

// CreateDefinition validates and stores a definition. Invalid cron
// expressions are rejected here, before anything is persisted.
func (s *Service) CreateDefinition(ctx context.Context, req CreateDefinitionRequest) (*models.Definition, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("definition name is required")
	}
	if req.CronExpr != "" {
		if err := cronexpr.Validate(req.CronExpr); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	def := &models.Definition{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Content:        req.Content,
		CronExpr:       req.CronExpr,
		LoopConfig:     req.LoopConfig,
		IsActive:       req.IsActive,
		IsTemporary:    req.IsTemporary,
		DefaultTimeout: req.DefaultTimeout,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateDefinition(ctx, def); err != nil {
		return nil, err
	}

	s.logger.Info("definition created",
		zap.String("definition_id", def.ID),
		zap.String("name", def.Name),
		zap.Bool("temporary", def.IsTemporary))
	return def, nil
}

// ListDefinitions returns all stored definitions.
func (s *Service) ListDefinitions(ctx context.Context) ([]*models.Definition, error) {
	return s.store.ListDefinitions(ctx)
}

// GetDefinition returns one definition.
func (s *Service) GetDefinition(ctx context.Context, id string) (*models.Definition, error) {
	return s.store.GetDefinition(ctx, id)
}

// ---------------------------------------------------------------------------
// Ad-hoc submission and triggering

// AdHocRequest bundles a definition and its first trigger in one call.
type AdHocRequest struct {
	TaskName       string
	TaskContent    map[string]interface{}
	InputParams    map[string]interface{}
	LoopConfig     *models.LoopConfig
	IsTemporary    bool
	ScheduleType   string // IMMEDIATE, ONCE, CRON, DELAYED, LOOP
	ScheduleConfig map[string]interface{}
	RequestID      string
}

// SubmitAdHocTask creates a (usually temporary) definition and schedules
// its first run, returning the new trace id.
func (s *Service) SubmitAdHocTask(ctx context.Context, req AdHocRequest) (string, error) {
	def, err := s.CreateDefinition(ctx, CreateDefinitionRequest{
		Name:        req.TaskName,
		Content:     req.TaskContent,
		LoopConfig:  req.LoopConfig,
		IsActive:    true,
		IsTemporary: req.IsTemporary,
	})
	if err != nil {
		return "", err
	}

	traceID := uuid.New().String()

	switch req.ScheduleType {
	case "", "IMMEDIATE", "ONCE":
		_, err = s.scheduler.ScheduleImmediate(ctx, def.ID, req.InputParams, traceID, 0)

	case "CRON":
		expr, _ := req.ScheduleConfig["cron_expression"].(string)
		if expr == "" {
			return "", fmt.Errorf("CRON schedule requires schedule_config.cron_expression")
		}
		if err := cronexpr.Validate(expr); err != nil {
			return "", err
		}
		_, err = s.scheduler.ScheduleCron(ctx, def.ID, expr, req.InputParams, nil, traceID)

	case "DELAYED":
		delay := intConfig(req.ScheduleConfig, "delay_seconds")
		if delay <= 0 {
			return "", fmt.Errorf("DELAYED schedule requires schedule_config.delay_seconds")
		}
		_, err = s.scheduler.ScheduleDelayed(ctx, def.ID, req.InputParams, delay, traceID)

	case "LOOP":
		maxRounds := 1
		intervalSec := 0
		if req.LoopConfig != nil {
			if req.LoopConfig.MaxRounds > 0 {
				maxRounds = req.LoopConfig.MaxRounds
			}
			intervalSec = req.LoopConfig.IntervalSec
		}
		_, err = s.scheduler.ScheduleLoop(ctx, def.ID, req.InputParams, maxRounds, intervalSec, traceID)

	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownScheduleType, req.ScheduleType)
	}
	if err != nil {
		return "", err
	}

	if req.RequestID != "" {
		if bindErr := s.store.BindRequestID(ctx, req.RequestID, traceID); bindErr != nil {
			s.logger.Warn("failed to bind request id", zap.Error(bindErr))
		}
	}

	s.bus.Publish(traceID, events.TaskCreated, "lifecycle", map[string]interface{}{
		"definition_id": def.ID,
		"schedule_type": req.ScheduleType,
	})
	return traceID, nil
}

// TriggerDefinition starts a new trace for a stored definition. A CRON
// trigger reuses the definition's expression; everything else runs
// immediately.
func (s *Service) TriggerDefinition(ctx context.Context, definitionID string, params map[string]interface{}, triggerType, requestID string) (string, error) {
	traceID, err := s.StartTrace(ctx, definitionID, params, triggerType)
	if err != nil {
		return "", err
	}
	if requestID != "" {
		if bindErr := s.store.BindRequestID(ctx, requestID, traceID); bindErr != nil {
			s.logger.Warn("failed to bind request id", zap.Error(bindErr))
		}
	}
	return traceID, nil
}

// StartTrace implements the scanner's TraceStarter: it schedules one run
// for the definition under a fresh trace id.
func (s *Service) StartTrace(ctx context.Context, definitionID string, params map[string]interface{}, triggerType string) (string, error) {
	def, err := s.store.GetDefinition(ctx, definitionID)
	if err != nil {
		return "", err
	}

	traceID := uuid.New().String()
	if triggerType == "CRON" && def.CronExpr != "" {
		if _, err := s.scheduler.ScheduleCron(ctx, def.ID, def.CronExpr, params, nil, traceID); err != nil {
			return "", err
		}
	} else {
		if _, err := s.scheduler.ScheduleImmediate(ctx, def.ID, params, traceID, 0); err != nil {
			return "", err
		}
	}

	s.bus.Publish(traceID, events.TaskCreated, "lifecycle", map[string]interface{}{
		"definition_id": def.ID,
		"trigger_type":  triggerType,
	})
	return traceID, nil
}

// LatestTraceForRequest resolves the trace most recently bound to a request
// id.
func (s *Service) LatestTraceForRequest(ctx context.Context, requestID string) (string, error) {
	return s.store.LatestTraceForRequest(ctx, requestID)
}

func intConfig(cfg map[string]interface{}, key string) int {
	if cfg == nil {
		return 0
	}
	switch v := cfg[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
