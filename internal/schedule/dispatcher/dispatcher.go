// Package dispatcher consumes due scheduled runs from the broker, hands them
// off to the executor side, and processes the status callbacks that come
// back, rescheduling cron and loop chains as they complete.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/broker"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/scheduler"
	"github.com/orchid/orchid/internal/schedule/store"
	"github.com/orchid/orchid/internal/telemetry"
)

// ExecutorNotifier pushes run hand-offs and control actions to the external
// executor side.
type ExecutorNotifier interface {
	// NotifyReady announces a run is ready for execution, with full metadata.
	NotifyReady(ctx context.Context, run *models.ScheduledRun) error
}

// Config holds dispatch retry configuration.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration // base delay, doubled per attempt
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		RetryDelay: 30 * time.Second,
	}
}

// Dispatcher consumes task.scheduled and task.status_update.
type Dispatcher struct {
	store     store.Store
	broker    broker.Broker
	scheduler *scheduler.Service
	signals   control.SignalStore
	bus       *events.Bus
	notifier  ExecutorNotifier
	logger    *logger.Logger
	config    Config

	subs []broker.Subscription
}

// New creates a dispatcher.
func New(st store.Store, b broker.Broker, sched *scheduler.Service, signals control.SignalStore, bus *events.Bus, notifier ExecutorNotifier, log *logger.Logger, cfg Config) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}
	return &Dispatcher{
		store:     st,
		broker:    b,
		scheduler: sched,
		signals:   signals,
		bus:       bus,
		notifier:  notifier,
		logger:    log.WithFields(zap.String("component", "schedule-dispatcher")),
		config:    cfg,
	}
}

// Start registers the broker consumers.
func (d *Dispatcher) Start(ctx context.Context) error {
	scheduledSub, err := d.broker.Consume(broker.TopicTaskScheduled, d.handleScheduled)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", broker.TopicTaskScheduled, err)
	}
	statusSub, err := d.broker.Consume(broker.TopicTaskStatusUpdate, d.handleStatusUpdate)
	if err != nil {
		scheduledSub.Unsubscribe()
		return fmt.Errorf("failed to consume %s: %w", broker.TopicTaskStatusUpdate, err)
	}
	d.subs = []broker.Subscription{scheduledSub, statusSub}
	d.logger.Info("dispatcher started")
	return nil
}

// Stop removes the broker consumers.
func (d *Dispatcher) Stop() {
	for _, sub := range d.subs {
		_ = sub.Unsubscribe()
	}
	d.subs = nil
	d.logger.Info("dispatcher stopped")
}

// handleScheduled processes one task.scheduled message. The handler is
// idempotent: a second delivery of the same run id sees the run already out
// of SCHEDULED and skips.
func (d *Dispatcher) handleScheduled(ctx context.Context, msg broker.Message) error {
	runID, _ := msg["task_id"].(string)
	if runID == "" {
		d.logger.Warn("scheduled message without task_id")
		return nil
	}

	ctx, span := telemetry.Tracer("dispatcher").Start(ctx, "dispatch run")
	defer span.End()

	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("scheduled run not found", zap.String("run_id", runID))
			return nil
		}
		return err
	}
	if run.Status != models.RunScheduled {
		d.logger.Debug("run already processed, skipping",
			zap.String("run_id", runID),
			zap.String("status", string(run.Status)))
		return nil
	}

	if err := d.notifier.NotifyReady(ctx, run); err != nil {
		d.logger.Error("failed to hand off run",
			zap.String("run_id", runID),
			zap.Error(err))
		d.retryOrGiveUp(ctx, run, err)
		return nil
	}

	if err := d.store.UpdateRunStatus(ctx, runID, models.RunDispatched); err != nil {
		// Another dispatcher instance claimed the run between our re-read
		// and the transition; the executor side dedupes by run id.
		d.logger.Warn("could not mark run dispatched",
			zap.String("run_id", runID),
			zap.Error(err))
		return nil
	}

	d.createInstance(ctx, run)

	d.bus.PublishTaskEvent(events.TaskEvent{
		TaskID:  run.ID,
		TraceID: run.TraceID,
		Type:    events.TaskDispatched,
		Source:  "dispatcher",
		Data: map[string]interface{}{
			"definition_id": run.DefinitionID,
			"round_index":   run.RoundIndex,
		},
	})

	d.logger.Info("run dispatched", zap.String("run_id", runID), zap.String("trace_id", run.TraceID))
	return nil
}

// createInstance records the runtime counterpart of a dispatched run.
func (d *Dispatcher) createInstance(ctx context.Context, run *models.ScheduledRun) {
	inst := &models.TaskInstance{
		ID:           run.ID,
		DefinitionID: run.DefinitionID,
		TraceID:      run.TraceID,
		Status:       models.InstanceDispatched,
		ScheduleType: run.Type,
		RoundIndex:   run.RoundIndex,
		InputParams:  run.InputParams,
		CreatedAt:    time.Now().UTC(),
	}
	if err := d.store.CreateInstance(ctx, inst); err != nil {
		// A redelivered message may have created it already.
		d.logger.Debug("instance not created", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// retryOrGiveUp records the failure and either returns the run to PENDING
// for a later scan or cancels it once retries are exhausted. The backoff is
// recorded in the schedule config.
func (d *Dispatcher) retryOrGiveUp(ctx context.Context, run *models.ScheduledRun, cause error) {
	if err := d.store.RecordRetry(ctx, run.ID, cause.Error()); err != nil {
		d.logger.Error("failed to record retry", zap.String("run_id", run.ID), zap.Error(err))
	}

	attempt := run.RetryCount + 1
	if attempt > d.config.MaxRetries {
		d.logger.Error("dispatch retries exhausted, cancelling run",
			zap.String("run_id", run.ID),
			zap.Int("attempts", attempt))
		if err := d.store.UpdateRunStatus(ctx, run.ID, models.RunCancelled); err != nil {
			d.logger.Error("failed to cancel run", zap.String("run_id", run.ID), zap.Error(err))
		}
		d.bus.PublishTaskEvent(events.TaskEvent{
			TaskID:  run.ID,
			TraceID: run.TraceID,
			Type:    events.TaskFailed,
			Source:  "dispatcher",
			Error:   cause.Error(),
		})
		return
	}

	backoff := time.Duration(float64(d.config.RetryDelay) * math.Pow(2, float64(attempt-1)))
	cfg := run.ScheduleConfig
	if cfg == nil {
		cfg = map[string]interface{}{}
	}
	cfg["retry_backoff_seconds"] = int(backoff.Seconds())
	if err := d.store.UpdateRunScheduleConfig(ctx, run.ID, cfg); err != nil {
		d.logger.Error("failed to record backoff", zap.String("run_id", run.ID), zap.Error(err))
	}

	if err := d.store.UpdateRunStatus(ctx, run.ID, models.RunPending); err != nil {
		d.logger.Error("failed to return run to pending", zap.String("run_id", run.ID), zap.Error(err))
	}
}
