// Package bridge connects the scheduling pipeline to the in-process actor
// mesh: dispatched runs enter the router as user requests, and the mesh's
// terminal replies flow back as task.status_update messages.
package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/broker"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/store"
)

// defaultTenant is used when a run's input params don't name one.
const defaultTenant = "default"

// ActorExecutor hands dispatched runs to the router actor. It implements
// the dispatcher's ExecutorNotifier.
type ActorExecutor struct {
	router   *actor.Ref
	callback *actor.Ref
	store    store.Store
	logger   *logger.Logger
}

// NewActorExecutor creates the in-process executor. The callback actor it
// spawns converts mesh replies into status updates.
func NewActorExecutor(system *actor.System, router *actor.Ref, st store.Store, b broker.Broker, log *logger.Logger) *ActorExecutor {
	callback := system.Spawn("status-callback", newCallback(st, b, log))
	return &ActorExecutor{
		router:   router,
		callback: callback,
		store:    st,
		logger:   log.WithFields(zap.String("component", "actor-executor")),
	}
}

// NotifyReady resolves the run's definition and routes an agent task into
// the mesh for the run's (tenant, node) pair.
func (e *ActorExecutor) NotifyReady(ctx context.Context, run *models.ScheduledRun) error {
	def, err := e.store.GetDefinition(ctx, run.DefinitionID)
	if err != nil {
		return err
	}

	tenantID, _ := run.InputParams["tenant_id"].(string)
	if tenantID == "" {
		tenantID = defaultTenant
	}
	nodeID, _ := run.InputParams["node_id"].(string)
	if nodeID == "" {
		nodeID = def.ID
	}

	task := messages.AgentTask{
		AgentID: nodeID,
		TaskID:  run.ID,
		TraceID: run.TraceID,
		Content: def.Name,
		Context: map[string]interface{}{
			"task_content":  def.Content,
			"definition_id": def.ID,
			"round_index":   run.RoundIndex,
		},
		Parameters: run.InputParams,
		UserID:     tenantID,
		ReplyTo:    e.callback,
	}

	e.router.Tell(messages.UserRequest{
		TenantID: tenantID,
		NodeID:   nodeID,
		Message:  task,
	}, e.callback)

	e.logger.Info("run handed to actor mesh",
		zap.String("run_id", run.ID),
		zap.String("tenant_id", tenantID),
		zap.String("node_id", nodeID))
	return nil
}

// Resume implements lifecycle.Resumer: completed parameters re-enter the
// mesh as a parameter-completion agent task addressed at the paused task id.
func (e *ActorExecutor) Resume(ctx context.Context, traceID, taskID string, params map[string]interface{}) error {
	tenantID, _ := params["tenant_id"].(string)
	if tenantID == "" {
		tenantID = defaultTenant
	}
	nodeID, _ := params["node_id"].(string)
	if nodeID == "" {
		if inst, err := e.store.GetInstance(ctx, taskID); err == nil {
			nodeID = inst.DefinitionID
		} else {
			// Sub-task pauses have no instance row; any agent can resolve
			// the executor pointer through the registry.
			nodeID = taskID
		}
	}

	task := messages.AgentTask{
		AgentID:               nodeID,
		TaskID:                taskID,
		TraceID:               traceID,
		Parameters:            params,
		UserID:                tenantID,
		IsParameterCompletion: true,
		ReplyTo:               e.callback,
	}
	e.router.Tell(messages.UserRequest{
		TenantID: tenantID,
		NodeID:   nodeID,
		Message:  task,
	}, e.callback)

	e.logger.Info("resume routed to mesh",
		zap.String("task_id", taskID),
		zap.String("trace_id", traceID))
	return nil
}

// callbackActor turns TaskResult / TaskPaused replies from the mesh into
// task.status_update messages and instance updates.
type callbackActor struct {
	store  store.Store
	broker broker.Broker
	log    *logger.Logger
}

func newCallback(st store.Store, b broker.Broker, log *logger.Logger) *callbackActor {
	return &callbackActor{
		store:  st,
		broker: b,
		log:    log.WithFields(zap.String("component", "status-callback")),
	}
}

// Receive implements actor.Behavior.
func (c *callbackActor) Receive(ctx *actor.Context, msg interface{}) {
	switch m := msg.(type) {
	case messages.TaskResult:
		c.publishTerminal(m)
	case messages.TaskPaused:
		c.recordPaused(m)
	default:
		// replies from intermediate hops are not status updates
	}
}

func (c *callbackActor) publishTerminal(result messages.TaskResult) {
	status := string(models.RunSuccess)
	if result.Error != "" {
		status = string(models.RunFailed)
		if result.Error == "cancelled" {
			status = string(models.RunCancelled)
		}
	}

	msg := broker.Message{
		"task_id":   result.TaskID,
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if result.Error != "" {
		msg["error"] = result.Error
	}

	if err := c.broker.Publish(context.Background(), broker.TopicTaskStatusUpdate, msg); err != nil {
		c.log.Error("failed to publish status update",
			zap.String("task_id", result.TaskID),
			zap.Error(err))
	}
}

func (c *callbackActor) recordPaused(paused messages.TaskPaused) {
	if err := c.store.UpdateInstanceStatus(context.Background(), paused.TaskID, models.InstancePaused, ""); err != nil {
		// The paused id may belong to a sub-task with no instance row.
		c.log.Debug("no instance to pause", zap.String("task_id", paused.TaskID))
	}
	c.log.Info("task paused awaiting input",
		zap.String("task_id", paused.TaskID),
		zap.Strings("missing_params", paused.MissingParams))
}
