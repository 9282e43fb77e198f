package dispatcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/broker"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/scheduler"
	"github.com/orchid/orchid/internal/schedule/store"
)

// handleStatusUpdate processes one task.status_update message from the
// executor side. Terminal states close out the run and instance, then may
// spawn the next cron occurrence or loop round.
func (d *Dispatcher) handleStatusUpdate(ctx context.Context, msg broker.Message) error {
	runID, _ := msg["task_id"].(string)
	status, _ := msg["status"].(string)
	if runID == "" || status == "" {
		d.logger.Warn("status update missing task_id or status")
		return nil
	}

	d.logger.Info("status update received",
		zap.String("run_id", runID),
		zap.String("status", status))

	switch models.RunStatus(status) {
	case models.RunSuccess, models.RunFailed, models.RunCancelled:
		return d.handleCompletion(ctx, runID, models.RunStatus(status), msg)
	default:
		// Non-terminal updates (e.g. RUNNING) only touch the instance.
		if models.InstanceStatus(status) == models.InstanceRunning {
			if err := d.store.UpdateInstanceStarted(ctx, runID, time.Now().UTC()); err != nil && !errors.Is(err, store.ErrNotFound) {
				d.logger.Error("failed to mark instance running", zap.String("run_id", runID), zap.Error(err))
			}
		}
		return nil
	}
}

func (d *Dispatcher) handleCompletion(ctx context.Context, runID string, status models.RunStatus, msg broker.Message) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.logger.Warn("completion for unknown run", zap.String("run_id", runID))
			return nil
		}
		return err
	}
	if run.Status.Terminal() {
		d.logger.Debug("run already terminal, skipping", zap.String("run_id", runID))
		return nil
	}

	if err := d.store.UpdateRunStatus(ctx, runID, status); err != nil {
		d.logger.Error("failed to finalize run",
			zap.String("run_id", runID),
			zap.String("status", string(status)),
			zap.Error(err))
		return nil
	}

	outputRef, _ := msg["output_ref"].(string)
	errMsg, _ := msg["error"].(string)
	instStatus := models.InstanceStatus(status)
	if err := d.store.UpdateInstanceFinished(ctx, runID, time.Now().UTC(), instStatus, outputRef, errMsg); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.logger.Error("failed to finish instance", zap.String("run_id", runID), zap.Error(err))
	}

	if status != models.RunCancelled {
		d.rescheduleChain(ctx, run)
	}

	eventType := events.TaskCompleted
	switch status {
	case models.RunFailed:
		eventType = events.TaskFailed
	case models.RunCancelled:
		eventType = events.TaskCancelled
	}
	d.bus.PublishTaskEvent(events.TaskEvent{
		TaskID:  run.ID,
		TraceID: run.TraceID,
		Type:    eventType,
		Source:  "dispatcher",
		Data: map[string]interface{}{
			"definition_id": run.DefinitionID,
			"round_index":   run.RoundIndex,
		},
		Error: errMsg,
	})
	return nil
}

// rescheduleChain spawns the next cron occurrence or loop round for a
// completed run. A CANCEL signal on the trace stops the chain.
func (d *Dispatcher) rescheduleChain(ctx context.Context, run *models.ScheduledRun) {
	if sig, err := d.signals.Get(ctx, run.TraceID, run.ID); err == nil && sig == control.SignalCancel {
		d.logger.Info("trace cancelled, chain stops",
			zap.String("run_id", run.ID),
			zap.String("trace_id", run.TraceID))
		return
	}

	switch run.Type {
	case models.ScheduleCron:
		expr, _ := run.ScheduleConfig["expression"].(string)
		if expr == "" {
			return
		}
		// Cron chains start a fresh trace per occurrence.
		if _, err := d.scheduler.ScheduleCron(ctx, run.DefinitionID, expr, run.InputParams, nil, ""); err != nil {
			d.logger.Error("failed to reschedule cron run",
				zap.String("run_id", run.ID),
				zap.Error(err))
		}

	case models.ScheduleLoop, models.ScheduleIntervalLoop:
		maxRounds := intFromConfig(run.ScheduleConfig, "max_rounds")
		if run.RoundIndex+1 >= maxRounds {
			return
		}
		interval := intFromConfig(run.ScheduleConfig, "loop_interval")
		next := scheduler.CreateRequest{
			DefinitionID:   run.DefinitionID,
			TraceID:        run.TraceID,
			ScheduledTime:  time.Now().UTC().Add(time.Duration(interval) * time.Second),
			Type:           run.Type,
			ScheduleConfig: run.ScheduleConfig,
			InputParams:    run.InputParams,
			RoundIndex:     run.RoundIndex + 1,
			Priority:       run.Priority,
		}
		if _, err := d.scheduler.CreateScheduledRun(ctx, next); err != nil {
			d.logger.Error("failed to schedule next loop round",
				zap.String("run_id", run.ID),
				zap.Int("next_round", run.RoundIndex+1),
				zap.Error(err))
		}
	}
}

// intFromConfig reads an integer out of a decoded JSON config map, where
// numbers arrive as float64.
func intFromConfig(cfg map[string]interface{}, key string) int {
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
