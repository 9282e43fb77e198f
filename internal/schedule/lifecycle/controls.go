package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
	"github.com/orchid/orchid/internal/schedule/models"
)

// ControlResult reports the outcome of a trace control operation.
type ControlResult struct {
	Success           bool     `json:"success"`
	Message           string   `json:"message"`
	AffectedInstances []string `json:"affected_instances,omitempty"`
	FailedInstances   []string `json:"failed_instances,omitempty"`
}

// CancelTrace writes a trace-scoped CANCEL signal, cancels every
// non-terminal run and instance of the trace, and pushes CANCEL to the
// executor for work that is already out.
func (s *Service) CancelTrace(ctx context.Context, traceID string) (*ControlResult, error) {
	if err := s.signals.Set(ctx, control.ScopeTrace, traceID, control.SignalCancel); err != nil {
		return nil, err
	}

	runs, err := s.store.ListRunsByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	instances, err := s.store.ListInstancesByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 && len(instances) == 0 {
		return &ControlResult{Success: false, Message: "No tasks found to cancel"}, nil
	}

	var affected, failed []string

	for _, run := range runs {
		if run.Status.Terminal() {
			continue
		}
		affected = append(affected, run.ID)
		if err := s.store.UpdateRunStatus(ctx, run.ID, models.RunCancelled); err != nil {
			s.logger.Error("failed to cancel run", zap.String("run_id", run.ID), zap.Error(err))
			failed = append(failed, run.ID)
		}
	}

	now := time.Now().UTC()
	for _, inst := range instances {
		if inst.Status.Terminal() {
			continue
		}
		dispatched := inst.Status == models.InstanceRunning || inst.Status == models.InstanceDispatched
		if err := s.store.UpdateInstanceFinished(ctx, inst.ID, now, models.InstanceCancelled, "", "Task cancelled by user"); err != nil {
			s.logger.Error("failed to cancel instance", zap.String("instance_id", inst.ID), zap.Error(err))
			failed = append(failed, inst.ID)
			continue
		}
		if dispatched {
			if err := s.executor.Control(ctx, inst.ID, string(control.SignalCancel)); err != nil {
				s.logger.Warn("executor cancel push failed", zap.String("instance_id", inst.ID), zap.Error(err))
			}
		}
	}

	s.bus.Publish(traceID, events.TaskCancelled, "lifecycle", map[string]interface{}{
		"affected": len(affected),
	})

	result := &ControlResult{
		Success:           len(failed) == 0,
		AffectedInstances: affected,
		FailedInstances:   failed,
	}
	if result.Success {
		result.Message = "Trace cancelled"
	} else {
		result.Message = "Trace partially cancelled"
	}
	return result, nil
}

// PauseTrace writes a trace-scoped PAUSE signal and pauses every instance
// that has not been handed to the executor yet. Dispatched work receives
// the pause through the executor side.
func (s *Service) PauseTrace(ctx context.Context, traceID string) (*ControlResult, error) {
	if err := s.signals.Set(ctx, control.ScopeTrace, traceID, control.SignalPause); err != nil {
		return nil, err
	}

	instances, err := s.store.ListInstancesByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}

	var affected, failed []string
	for _, inst := range instances {
		if inst.Status.Terminal() || inst.Status == models.InstancePaused {
			continue
		}
		affected = append(affected, inst.ID)
		if inst.Status == models.InstanceRunning || inst.Status == models.InstanceDispatched {
			if err := s.executor.Control(ctx, inst.ID, string(control.SignalPause)); err != nil {
				s.logger.Warn("executor pause push failed", zap.String("instance_id", inst.ID), zap.Error(err))
				failed = append(failed, inst.ID)
				continue
			}
		}
		if err := s.store.UpdateInstanceStatus(ctx, inst.ID, models.InstancePaused, ""); err != nil {
			failed = append(failed, inst.ID)
		}
	}

	s.bus.Publish(traceID, events.TaskPaused, "lifecycle", map[string]interface{}{
		"affected": len(affected),
	})

	return &ControlResult{
		Success:           len(failed) == 0,
		Message:           "Trace paused",
		AffectedInstances: affected,
		FailedInstances:   failed,
	}, nil
}

// ResumeTrace writes a trace-scoped RESUME signal and returns paused
// instances to PENDING so the pipeline picks them back up.
func (s *Service) ResumeTrace(ctx context.Context, traceID string) (*ControlResult, error) {
	if err := s.signals.Set(ctx, control.ScopeTrace, traceID, control.SignalResume); err != nil {
		return nil, err
	}

	instances, err := s.store.ListInstancesByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}

	var affected, failed []string
	for _, inst := range instances {
		if inst.Status != models.InstancePaused {
			continue
		}
		affected = append(affected, inst.ID)
		if err := s.executor.Control(ctx, inst.ID, string(control.SignalResume)); err != nil {
			s.logger.Warn("executor resume push failed", zap.String("instance_id", inst.ID), zap.Error(err))
		}
		if err := s.store.UpdateInstanceStatus(ctx, inst.ID, models.InstancePending, ""); err != nil {
			failed = append(failed, inst.ID)
		}
	}

	s.bus.Publish(traceID, events.TaskResumed, "lifecycle", map[string]interface{}{
		"affected": len(affected),
	})

	return &ControlResult{
		Success:           len(failed) == 0,
		Message:           "Trace resumed",
		AffectedInstances: affected,
		FailedInstances:   failed,
	}, nil
}

// ResumeWithParams resumes a NEED_INPUT pause: it clears the pause signal
// for the task and routes the completed parameters back to the execution
// actor that asked for them.
func (s *Service) ResumeWithParams(ctx context.Context, traceID, taskID string, params map[string]interface{}) (*ControlResult, error) {
	if s.resumer == nil {
		return &ControlResult{Success: false, Message: "resume routing is not configured"}, nil
	}
	if err := s.signals.Set(ctx, control.ScopeTask, taskID, control.SignalResume); err != nil {
		return nil, err
	}
	if err := s.resumer.Resume(ctx, traceID, taskID, params); err != nil {
		return nil, err
	}

	s.bus.Publish(traceID, events.TaskResumed, "lifecycle", map[string]interface{}{
		"task_id": taskID,
	})
	return &ControlResult{
		Success:           true,
		Message:           "Resume routed to executor",
		AffectedInstances: []string{taskID},
	}, nil
}

// ModifyTrace updates input params and/or schedule config on every record
// of the trace that has not been handed to the executor yet. Dispatched
// work is immutable.
func (s *Service) ModifyTrace(ctx context.Context, traceID string, inputParams, scheduleConfig map[string]interface{}) (*ControlResult, error) {
	if inputParams == nil && scheduleConfig == nil {
		return &ControlResult{Success: false, Message: "No fields provided to modify"}, nil
	}

	runs, err := s.store.ListRunsByTrace(ctx, traceID)
	if err != nil {
		return nil, err
	}

	var affected, failed []string
	for _, run := range runs {
		if run.Status != models.RunPending && run.Status != models.RunScheduled {
			continue
		}
		affected = append(affected, run.ID)
		if inputParams != nil {
			if err := s.store.UpdateRunInputParams(ctx, run.ID, inputParams); err != nil {
				failed = append(failed, run.ID)
				continue
			}
		}
		if scheduleConfig != nil {
			if err := s.store.UpdateRunScheduleConfig(ctx, run.ID, scheduleConfig); err != nil {
				failed = append(failed, run.ID)
			}
		}
	}

	if len(affected) == 0 {
		return &ControlResult{Success: false, Message: "No modifiable tasks in trace"}, nil
	}

	if inputParams != nil {
		instances, err := s.store.ListInstancesByTrace(ctx, traceID)
		if err == nil {
			for _, inst := range instances {
				if inst.Status == models.InstancePending || inst.Status == models.InstancePaused {
					_ = s.store.UpdateInstanceInputParams(ctx, inst.ID, inputParams)
				}
			}
		}
	}

	return &ControlResult{
		Success:           len(failed) == 0,
		Message:           "Trace modified",
		AffectedInstances: affected,
		FailedInstances:   failed,
	}, nil
}
