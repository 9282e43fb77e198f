// Package agent implements the planning actor: it classifies the incoming
// task, plans it into a group of sub-tasks, fans the group out through a
// task-group aggregator, and routes pause/resume handshakes back to the
// execution actor that requested input.
package agent

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/aggregator"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/capability"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
	"github.com/orchid/orchid/internal/registry"
)

// executorRefTTL bounds how long a paused task's executor pointer stays
// resolvable. Generous: a pause window is human-scale.
const executorRefTTL = 24 * time.Hour

// Deps carries the shared collaborators of agent actors.
type Deps struct {
	System     *actor.System
	Aggregator aggregator.Deps
	Classifier capability.Classifier
	Planner    capability.Planner
	Oracle     capability.StrategyOracle
	Registry   registry.Registry
	Signals    control.SignalStore
	Bus        *events.Bus
	Logger     *logger.Logger
}

// pendingGroup tracks one in-flight aggregation.
type pendingGroup struct {
	groupTaskID  string
	parentTaskID string
}

// Actor is the per-(tenant, node) planning agent.
type Actor struct {
	deps Deps
	log  *logger.Logger

	agentID  string
	taskPath string

	taskToSender  map[string]*actor.Ref
	taskToExecRef map[string]*actor.Ref
	// in-flight aggregations, keyed by aggregator ref so overlapping tasks
	// on one agent don't collide
	groups map[*actor.Ref]*pendingGroup
}

// New creates an agent behavior.
func New(deps Deps) *Actor {
	return &Actor{
		deps:          deps,
		log:           deps.Logger.WithFields(zap.String("component", "agent-actor")),
		taskToSender:  make(map[string]*actor.Ref),
		taskToExecRef: make(map[string]*actor.Ref),
		groups:        make(map[*actor.Ref]*pendingGroup),
	}
}

// Receive implements actor.Behavior.
func (a *Actor) Receive(ctx *actor.Context, msg interface{}) {
	switch m := msg.(type) {
	case messages.AgentTask:
		a.handleTask(ctx, m)
	case messages.ResumeTask:
		a.taskToSender[m.TaskID] = replyOrSender(m.ReplyTo, ctx)
		a.resumePausedTask(ctx, m.TaskID, m.Parameters)
	case messages.TaskCompleted:
		a.handleGroupResult(ctx, m)
	case messages.ExecutionResult:
		a.handleResumedResult(ctx, m)
	case actor.ChildExited:
		a.handleChildExit(ctx, m)
	default:
		a.log.Warn("agent received unknown message", zap.String("agent_id", a.agentID))
	}
}

func (a *Actor) handleTask(ctx *actor.Context, task messages.AgentTask) {
	if a.agentID == "" {
		a.agentID = task.AgentID
		a.taskPath = task.TaskPath
		a.log = a.log.WithFields(zap.String("agent_id", a.agentID))
	}

	replyTo := replyOrSender(task.ReplyTo, ctx)
	if task.TaskID == "" {
		a.log.Error("agent task missing task_id")
		return
	}
	a.taskToSender[task.TaskID] = replyTo

	// Parameter completion goes straight back to the paused executor.
	if task.IsParameterCompletion {
		a.resumePausedTask(ctx, task.TaskID, task.Parameters)
		return
	}

	userInput := task.Content
	if task.Description != "" && task.Description != task.Content {
		userInput = strings.TrimSpace(task.Content + " " + task.Description)
	}

	classification := a.classify(userInput, task.Context)

	switch classification.Operation {
	case capability.OpResumeTask:
		targetID := classification.TargetTaskID
		if targetID == "" {
			targetID = task.TaskID
		}
		a.taskToSender[targetID] = replyTo
		a.resumePausedTask(ctx, targetID, classification.Parameters)

	case capability.OpCancelTask:
		a.cancelTask(ctx, task, classification, replyTo)

	default: // NEW_TASK, EXECUTE_TASK, LOOP_TASK all plan and fan out
		a.planAndDispatch(ctx, task, userInput)
	}
}

func (a *Actor) classify(userInput string, taskContext map[string]interface{}) *capability.Classification {
	classification, err := a.deps.Classifier.Classify(userInput, taskContext)
	if err != nil || classification == nil {
		a.log.Warn("classification failed, defaulting to NEW_TASK", zap.Error(err))
		return &capability.Classification{Operation: capability.OpNewTask}
	}
	return classification
}

func (a *Actor) cancelTask(ctx *actor.Context, task messages.AgentTask, classification *capability.Classification, replyTo *actor.Ref) {
	targetID := classification.TargetTaskID
	if targetID == "" {
		targetID = task.TaskID
	}
	if err := a.deps.Signals.Set(context.Background(), control.ScopeTask, targetID, control.SignalCancel); err != nil {
		ctx.Send(replyTo, messages.TaskResult{
			TaskID: task.TaskID, TraceID: task.TraceID, TaskPath: task.TaskPath,
			Error: "failed to set cancel signal: " + err.Error(),
		})
		return
	}
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: targetID, TraceID: task.TraceID, TaskPath: task.TaskPath,
		Type: events.TaskCancelled, Source: "agent-actor", AgentID: a.agentID,
	})
	ctx.Send(replyTo, messages.TaskResult{
		TaskID: task.TaskID, TraceID: task.TraceID, TaskPath: task.TaskPath,
		Result: map[string]interface{}{"cancelled_task_id": targetID},
	})
}

// planAndDispatch runs the planner, applies the strategy oracle, wraps the
// plan into a task group, and hands it to a fresh aggregator.
func (a *Actor) planAndDispatch(ctx *actor.Context, task messages.AgentTask, userInput string) {
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: task.TaskID, TraceID: task.TraceID, TaskPath: task.TaskPath,
		Type: events.TaskCreated, Source: "agent-actor", AgentID: a.agentID,
		Data: map[string]interface{}{"user_id": task.UserID},
	})
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: task.TaskID, TraceID: task.TraceID, TaskPath: task.TaskPath,
		Type: events.TaskPlanning, Source: "agent-actor", AgentID: a.agentID,
	})

	taskContent := map[string]interface{}{}
	if content, ok := task.Context["task_content"].(map[string]interface{}); ok {
		taskContent = content
	}

	plan, err := a.deps.Planner.Plan(a.agentID, userInput, taskContent, "")
	if err != nil {
		a.replyFailed(ctx, task.TaskID, task.TraceID, task.TaskPath, "planning failed: "+err.Error())
		return
	}

	for i := range plan {
		if plan[i].Type == messages.SubTaskAgent {
			parallel, reasoning := a.deps.Oracle.ShouldParallelize(plan[i].Description, userInput)
			plan[i].IsParallel = parallel
			plan[i].StrategyReasoning = reasoning
		}
	}

	strategy := "standard"
	for _, spec := range plan {
		if spec.IsParallel {
			strategy = aggregator.StrategyParallel
			break
		}
	}

	groupPath := joinPath(a.taskPath, a.agentID)
	request := messages.TaskGroupRequest{
		TaskID:       uuid.New().String(),
		TraceID:      task.TraceID,
		TaskPath:     groupPath,
		ParentTaskID: task.TaskID,
		Subtasks:     plan,
		Strategy:     strategy,
		Context:      mergeContext(task.Context, task.Parameters),
		UserID:       task.UserID,
		ReplyTo:      ctx.Self(),
	}

	agg := ctx.Spawn("aggregator", aggregator.New(a.deps.Aggregator))
	a.groups[agg] = &pendingGroup{
		groupTaskID:  request.TaskID,
		parentTaskID: task.TaskID,
	}
	ctx.Send(agg, request)

	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: task.TaskID, TraceID: task.TraceID, TaskPath: task.TaskPath,
		Type: events.TaskDispatched, Source: "agent-actor", AgentID: a.agentID,
		Data: map[string]interface{}{"plan_size": len(plan), "strategy": strategy},
	})
}

// handleGroupResult processes an aggregator's combined outcome and relays
// it to the original caller. The reporting aggregator is identified by the
// message sender.
func (a *Actor) handleGroupResult(ctx *actor.Context, completed messages.TaskCompleted) {
	group := a.groups[ctx.Sender()]
	if group == nil {
		a.log.Warn("group result without a pending group", zap.String("task_id", completed.TaskID))
		return
	}
	delete(a.groups, ctx.Sender())
	parentTaskID := group.parentTaskID
	replyTo := a.taskToSender[parentTaskID]

	switch completed.Status {
	case messages.StatusNeedInput:
		// The pause is reported under the task id this agent's caller
		// knows, so it propagates unchanged through every layer above.
		// Persist the executor pointer under the same id so the resume
		// resolves here.
		if completed.ExecutorRef != nil {
			a.saveExecutorRef(parentTaskID, completed.ExecutorRef)
		}
		a.taskToSender[parentTaskID] = replyTo
		ctx.Send(replyTo, messages.TaskPaused{
			TaskID:        parentTaskID,
			MissingParams: completed.MissingParams,
			Question:      completed.Question,
			ExecutorRef:   completed.ExecutorRef,
		})

	default:
		ctx.Send(replyTo, messages.TaskResult{
			TaskID:   parentTaskID,
			TraceID:  completed.TraceID,
			TaskPath: completed.TaskPath,
			Result:   completed.Result,
			Error:    completed.Error,
		})
		a.publishOutcome(completed, parentTaskID)
		delete(a.taskToSender, parentTaskID)
	}
}

// handleResumedResult processes the reply a resumed execution actor sends
// directly to this agent.
func (a *Actor) handleResumedResult(ctx *actor.Context, result messages.ExecutionResult) {
	replyTo := a.taskToSender[result.TaskID]
	if replyTo == nil {
		a.log.Warn("resumed result without a caller", zap.String("task_id", result.TaskID))
		return
	}

	switch result.Status {
	case messages.StatusNeedInput:
		if result.ExecutorRef != nil {
			a.saveExecutorRef(result.TaskID, result.ExecutorRef)
		}
		ctx.Send(replyTo, messages.TaskPaused{
			TaskID:        result.TaskID,
			MissingParams: result.MissingParams,
			Question:      result.Question,
			ExecutorRef:   result.ExecutorRef,
		})
	default:
		ctx.Send(replyTo, messages.TaskResult{
			TaskID:   result.TaskID,
			TraceID:  result.TraceID,
			TaskPath: result.TaskPath,
			Result:   result.Result,
			Error:    result.Error,
		})
		a.clearExecutorRef(result.TaskID)
		delete(a.taskToSender, result.TaskID)
	}
}

// resumePausedTask routes completed parameters back to the execution actor
// recorded for the task.
func (a *Actor) resumePausedTask(ctx *actor.Context, taskID string, parameters map[string]interface{}) {
	replyTo := a.taskToSender[taskID]

	execRef := a.taskToExecRef[taskID]
	if execRef == nil {
		execRef = a.loadExecutorRef(taskID)
	}
	if execRef == nil {
		a.log.Error("cannot find execution actor for task", zap.String("task_id", taskID))
		ctx.Send(replyTo, messages.TaskResult{
			TaskID: taskID,
			Error:  "Cannot find the ExecutionActor for this task",
		})
		return
	}

	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: taskID, Type: events.TaskResumed, Source: "agent-actor", AgentID: a.agentID,
		Data: map[string]interface{}{"parameters": paramNames(parameters)},
	})

	ctx.Send(execRef, messages.ResumeExecution{
		TaskID:     taskID,
		Parameters: parameters,
		ReplyTo:    ctx.Self(),
	})
}

// handleChildExit reports FAILED for a group whose aggregator died.
func (a *Actor) handleChildExit(ctx *actor.Context, exited actor.ChildExited) {
	if exited.Reason == nil {
		return
	}
	group := a.groups[exited.Child]
	if group == nil {
		return
	}
	delete(a.groups, exited.Child)
	a.replyFailed(ctx, group.parentTaskID, "", "", "task group failed: aggregator terminated")
}

func (a *Actor) replyFailed(ctx *actor.Context, taskID, traceID, taskPath, errMsg string) {
	replyTo := a.taskToSender[taskID]
	ctx.Send(replyTo, messages.TaskResult{
		TaskID: taskID, TraceID: traceID, TaskPath: taskPath, Error: errMsg,
	})
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: taskID, TraceID: traceID, TaskPath: taskPath,
		Type: events.TaskFailed, Source: "agent-actor", AgentID: a.agentID,
		Error: errMsg,
	})
	delete(a.taskToSender, taskID)
}

func (a *Actor) publishOutcome(completed messages.TaskCompleted, parentTaskID string) {
	eventType := events.TaskCompleted
	if completed.Status == messages.StatusFailed {
		eventType = events.TaskFailed
	}
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: parentTaskID, TraceID: completed.TraceID, TaskPath: completed.TaskPath,
		Type: eventType, Source: "agent-actor", AgentID: a.agentID,
		Error: completed.Error,
	})
}

// saveExecutorRef keeps the paused task's executor pointer both warm (in
// memory) and durable (in the registry keyed by task id).
func (a *Actor) saveExecutorRef(taskID string, ref *actor.Ref) {
	a.taskToExecRef[taskID] = ref
	encoded := a.deps.System.EncodeRef(ref)
	if err := a.deps.Registry.SaveExecutorRef(context.Background(), taskID, encoded, executorRefTTL); err != nil {
		a.log.Warn("failed to persist executor ref", zap.String("task_id", taskID), zap.Error(err))
	}
}

func (a *Actor) loadExecutorRef(taskID string) *actor.Ref {
	encoded, err := a.deps.Registry.GetExecutorRef(context.Background(), taskID)
	if err != nil {
		return nil
	}
	ref, err := a.deps.System.DecodeRef(encoded)
	if err != nil {
		a.log.Warn("stored executor ref no longer resolvable",
			zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	return ref
}

func (a *Actor) clearExecutorRef(taskID string) {
	delete(a.taskToExecRef, taskID)
	_ = a.deps.Registry.DeleteExecutorRef(context.Background(), taskID)
}

func replyOrSender(replyTo *actor.Ref, ctx *actor.Context) *actor.Ref {
	if replyTo != nil {
		return replyTo
	}
	return ctx.Sender()
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "/" + segment
}

func mergeContext(taskContext, parameters map[string]interface{}) map[string]interface{} {
	merged := map[string]interface{}{}
	for k, v := range taskContext {
		merged[k] = v
	}
	if len(parameters) > 0 {
		merged["parameters"] = parameters
	}
	return merged
}

func paramNames(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
