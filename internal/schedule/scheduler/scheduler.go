// Package scheduler materializes trigger requests into pending scheduled
// runs. Each call produces exactly one PENDING record; the scanner and
// dispatcher move it through the rest of its lifecycle.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/schedule/cronexpr"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/store"
)

// Service creates scheduled run records for immediate, delayed, cron, and
// loop triggers.
type Service struct {
	store  store.Store
	logger *logger.Logger
}

// NewService creates a scheduler service.
func NewService(st store.Store, log *logger.Logger) *Service {
	return &Service{
		store:  st,
		logger: log.WithFields(zap.String("component", "scheduler")),
	}
}

// CreateRequest carries the attributes of a scheduled run to be created.
type CreateRequest struct {
	DefinitionID   string
	TraceID        string
	ScheduledTime  time.Time
	Type           models.ScheduleType
	ScheduleConfig map[string]interface{}
	InputParams    map[string]interface{}
	RoundIndex     int
	Priority       int
}

// CreateScheduledRun inserts a PENDING run record and returns its id.
func (s *Service) CreateScheduledRun(ctx context.Context, req CreateRequest) (string, error) {
	now := time.Now().UTC()
	run := &models.ScheduledRun{
		ID:             uuid.New().String(),
		DefinitionID:   req.DefinitionID,
		TraceID:        req.TraceID,
		ScheduledTime:  req.ScheduledTime.UTC(),
		Type:           req.Type,
		ScheduleConfig: req.ScheduleConfig,
		InputParams:    req.InputParams,
		RoundIndex:     req.RoundIndex,
		Priority:       req.Priority,
		Status:         models.RunPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return "", err
	}

	s.logger.Info("scheduled run created",
		zap.String("run_id", run.ID),
		zap.String("definition_id", run.DefinitionID),
		zap.String("trace_id", run.TraceID),
		zap.String("schedule_type", string(run.Type)),
		zap.Time("scheduled_time", run.ScheduledTime),
		zap.Int("round_index", run.RoundIndex))
	return run.ID, nil
}

// ScheduleImmediate creates a run due now.
func (s *Service) ScheduleImmediate(ctx context.Context, definitionID string, params map[string]interface{}, traceID string, priority int) (string, error) {
	return s.CreateScheduledRun(ctx, CreateRequest{
		DefinitionID:   definitionID,
		TraceID:        orNewTrace(traceID),
		ScheduledTime:  time.Now().UTC(),
		Type:           models.ScheduleImmediate,
		ScheduleConfig: map[string]interface{}{"type": "immediate"},
		InputParams:    params,
		Priority:       priority,
	})
}

// ScheduleDelayed creates a run due after delaySec seconds.
func (s *Service) ScheduleDelayed(ctx context.Context, definitionID string, params map[string]interface{}, delaySec int, traceID string) (string, error) {
	scheduledTime := time.Now().UTC().Add(time.Duration(delaySec) * time.Second)
	return s.CreateScheduledRun(ctx, CreateRequest{
		DefinitionID:  definitionID,
		TraceID:       orNewTrace(traceID),
		ScheduledTime: scheduledTime,
		Type:          models.ScheduleDelayed,
		ScheduleConfig: map[string]interface{}{
			"type":               "delayed",
			"delay_seconds":      delaySec,
			"original_scheduled": scheduledTime.Format(time.RFC3339),
		},
		InputParams: params,
	})
}

// ScheduleCron creates a run at the next occurrence of the expression
// strictly after startFrom (or now). The expression is kept in the schedule
// config so the dispatcher can reschedule the following occurrence.
func (s *Service) ScheduleCron(ctx context.Context, definitionID, cronExpression string, params map[string]interface{}, startFrom *time.Time, traceID string) (string, error) {
	base := time.Now().UTC()
	if startFrom != nil {
		base = startFrom.UTC()
	}
	nextRun, err := cronexpr.Next(cronExpression, base)
	if err != nil {
		return "", fmt.Errorf("cannot schedule cron run: %w", err)
	}

	return s.CreateScheduledRun(ctx, CreateRequest{
		DefinitionID:  definitionID,
		TraceID:       orNewTrace(traceID),
		ScheduledTime: nextRun,
		Type:          models.ScheduleCron,
		ScheduleConfig: map[string]interface{}{
			"type":               "cron",
			"expression":         cronExpression,
			"original_scheduled": nextRun.Format(time.RFC3339),
		},
		InputParams: params,
	})
}

// ScheduleLoop creates round 0 of a loop due now. Loops with an interval are
// typed INTERVAL_LOOP; bare loops reschedule immediately on completion.
func (s *Service) ScheduleLoop(ctx context.Context, definitionID string, params map[string]interface{}, maxRounds, intervalSec int, traceID string) (string, error) {
	scheduleType := models.ScheduleLoop
	configType := "loop"
	if intervalSec > 0 {
		scheduleType = models.ScheduleIntervalLoop
		configType = "interval_loop"
	}

	now := time.Now().UTC()
	return s.CreateScheduledRun(ctx, CreateRequest{
		DefinitionID:  definitionID,
		TraceID:       orNewTrace(traceID),
		ScheduledTime: now,
		Type:          scheduleType,
		ScheduleConfig: map[string]interface{}{
			"type":               configType,
			"max_rounds":         maxRounds,
			"loop_interval":      intervalSec,
			"original_scheduled": now.Format(time.RFC3339),
		},
		InputParams: params,
		RoundIndex:  0,
	})
}

func orNewTrace(traceID string) string {
	if traceID != "" {
		return traceID
	}
	return uuid.New().String()
}
