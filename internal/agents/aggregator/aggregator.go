// Package aggregator implements the task-group aggregator: a single-shot
// actor that owns one group of sub-tasks, drives them sequentially or in
// parallel, and reports the combined outcome upward. NEED_INPUT from any
// child aborts the group immediately and propagates unchanged.
package aggregator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/leaf"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
)

// StrategyParallel selects concurrent dispatch of all children.
const StrategyParallel = "parallel"

// Deps carries the shared collaborators of aggregator actors.
type Deps struct {
	// Router receives AGENT-type children as UserRequests.
	Router  *actor.Ref
	Leaf    leaf.Deps
	Signals control.SignalStore
	Bus     *events.Bus
	Logger  *logger.Logger
}

type childResult struct {
	executor string
	status   messages.TaskStatus
	result   map[string]interface{}
	err      string
}

// Actor aggregates one task group.
type Actor struct {
	deps Deps
	log  *logger.Logger

	req      messages.TaskGroupRequest
	parallel bool
	enriched map[string]interface{}

	pending   map[string]int // child task id -> subtask index
	results   []*childResult
	nextIndex int
	done      bool
}

// New creates an aggregator behavior.
func New(deps Deps) *Actor {
	return &Actor{
		deps:    deps,
		log:     deps.Logger.WithFields(zap.String("component", "task-group-aggregator")),
		pending: make(map[string]int),
	}
}

// Receive implements actor.Behavior.
func (a *Actor) Receive(ctx *actor.Context, msg interface{}) {
	if a.done {
		return
	}
	switch m := msg.(type) {
	case messages.TaskGroupRequest:
		a.handleRequest(ctx, m)
	case messages.ExecutionResult:
		a.handleChild(ctx, m.TaskID, &childResult{
			status: m.Status,
			result: m.Result,
			err:    m.Error,
		}, m.MissingParams, m.Question, m.ExecutorRef)
	case messages.TaskCompleted:
		a.handleChild(ctx, m.TaskID, &childResult{
			status: m.Status,
			result: m.Result,
			err:    m.Error,
		}, m.MissingParams, m.Question, m.ExecutorRef)
	case messages.TaskResult:
		status := messages.StatusSuccess
		if m.Error != "" {
			status = messages.StatusFailed
		}
		a.handleChild(ctx, m.TaskID, &childResult{
			status: status,
			result: m.Result,
			err:    m.Error,
		}, nil, "", nil)
	case messages.TaskPaused:
		a.handleChild(ctx, m.TaskID, &childResult{
			status: messages.StatusNeedInput,
		}, m.MissingParams, m.Question, m.ExecutorRef)
	case actor.ChildExited:
		a.handleChildExit(ctx, m)
	default:
		a.log.Warn("aggregator received unknown message")
	}
}

func (a *Actor) handleRequest(ctx *actor.Context, req messages.TaskGroupRequest) {
	a.req = req
	a.parallel = req.Strategy == StrategyParallel
	a.results = make([]*childResult, len(req.Subtasks))
	a.enriched = map[string]interface{}{}
	for k, v := range req.EnrichedContext {
		a.enriched[k] = v
	}

	// Empty plan: immediate success.
	if len(req.Subtasks) == 0 {
		a.finish(ctx, messages.TaskCompleted{
			TaskID: req.TaskID, TraceID: req.TraceID, TaskPath: req.TaskPath,
			Status: messages.StatusSuccess,
			Result: map[string]interface{}{},
		})
		return
	}

	if a.parallel {
		for i := range req.Subtasks {
			a.dispatch(ctx, i)
		}
		return
	}
	a.dispatch(ctx, 0)
}

// dispatch sends one sub-task to its target, honoring cancel signals.
func (a *Actor) dispatch(ctx *actor.Context, index int) {
	if sig, err := a.deps.Signals.Get(context.Background(), a.req.TraceID, a.req.TaskID); err == nil && sig == control.SignalCancel {
		a.abortCancelled(ctx)
		return
	}

	spec := a.req.Subtasks[index]
	childTaskID := uuid.New().String()
	a.pending[childTaskID] = index

	childPath := a.req.TaskPath + "/" + spec.Executor

	switch spec.Type {
	case messages.SubTaskAgent:
		task := messages.AgentTask{
			AgentID:     spec.Executor,
			TaskID:      childTaskID,
			TraceID:     a.req.TraceID,
			TaskPath:    a.req.TaskPath,
			Content:     spec.Description,
			Description: spec.Description,
			Context:     a.mergedContext(),
			Parameters:  spec.Params,
			UserID:      a.req.UserID,
			ReplyTo:     ctx.Self(),
		}
		ctx.Send(a.deps.Router, messages.UserRequest{
			TenantID: a.req.UserID,
			NodeID:   spec.Executor,
			Message:  task,
		})

	default: // MCP / leaf
		child := ctx.Spawn("leaf", leaf.New(a.deps.Leaf))
		timeout := time.Duration(0)
		if secs, ok := spec.Params["timeout_seconds"].(float64); ok {
			timeout = time.Duration(secs) * time.Second
		}
		inputs, _ := spec.Params["inputs"].(map[string]interface{})
		config := spec.Params
		if inputs == nil {
			config = map[string]interface{}{}
			for k, v := range spec.Params {
				config[k] = v
			}
			config["inputs"] = map[string]interface{}{}
		}
		ctx.Send(child, messages.ExecuteTask{
			TaskID:          childTaskID,
			TraceID:         a.req.TraceID,
			TaskPath:        childPath,
			Capability:      spec.Executor,
			RunningConfig:   config,
			Content:         spec.Description,
			Description:     spec.Description,
			GlobalContext:   a.req.Context,
			EnrichedContext: a.enriched,
			Timeout:         timeout,
			ReplyTo:         ctx.Self(),
		})
	}

	a.log.Debug("sub-task dispatched",
		zap.String("group_task_id", a.req.TaskID),
		zap.String("child_task_id", childTaskID),
		zap.String("executor", spec.Executor),
		zap.Int("step", spec.Step))
}

// handleChild records a child's outcome and advances the group.
func (a *Actor) handleChild(ctx *actor.Context, childTaskID string, res *childResult, missing []string, question string, executorRef *actor.Ref) {
	index, ok := a.pending[childTaskID]
	if !ok {
		a.log.Debug("reply for unknown child", zap.String("child_task_id", childTaskID))
		return
	}
	delete(a.pending, childTaskID)

	spec := a.req.Subtasks[index]
	res.executor = spec.Executor
	a.results[index] = res

	switch res.status {
	case messages.StatusNeedInput:
		// NEED_INPUT propagates unchanged: same task id, same missing set.
		a.finish(ctx, messages.TaskCompleted{
			TaskID: childTaskID, TraceID: a.req.TraceID, TaskPath: a.req.TaskPath,
			Status: messages.StatusNeedInput,
			Result: map[string]interface{}{
				"missing_params": missing,
				"question":       question,
			},
			MissingParams: missing,
			Question:      question,
			ExecutorRef:   executorRef,
		})
		return

	case messages.StatusFailed:
		if !a.parallel {
			a.finishFailed(ctx, res.err)
			return
		}
		// Parallel mode keeps waiting for the siblings.

	case messages.StatusSuccess:
		a.enrich(spec, res.result)
	}

	if a.parallel {
		if a.outstanding() == 0 {
			a.finishParallel(ctx)
		}
		return
	}

	// Sequential: move to the next step.
	a.nextIndex = index + 1
	if a.nextIndex >= len(a.req.Subtasks) {
		a.finishSequential(ctx)
		return
	}
	a.dispatch(ctx, a.nextIndex)
}

// handleChildExit converts an abnormal leaf death into a FAILED child
// outcome so the group never hangs.
func (a *Actor) handleChildExit(ctx *actor.Context, exited actor.ChildExited) {
	if exited.Reason == nil {
		return // normal stop after reply
	}
	for childTaskID := range a.pending {
		// A failed child never sent its reply; fail the group.
		a.handleChild(ctx, childTaskID, &childResult{
			status: messages.StatusFailed,
			err:    fmt.Sprintf("executor terminated: %v", exited.Reason),
		}, nil, "", nil)
		return
	}
}

func (a *Actor) outstanding() int { return len(a.pending) }

// enrich writes structured key-value pairs from a successful child's result
// into the enriched context under the child's task path prefix.
func (a *Actor) enrich(spec messages.SubTaskSpec, result map[string]interface{}) {
	prefix := a.req.TaskPath + "/" + spec.Executor
	for k, v := range result {
		a.enriched[prefix+"."+k] = v
	}
}

func (a *Actor) finishSequential(ctx *actor.Context) {
	a.finish(ctx, messages.TaskCompleted{
		TaskID: a.req.TaskID, TraceID: a.req.TraceID, TaskPath: a.req.TaskPath,
		Status: messages.StatusSuccess,
		Result: a.combinedResult(),
	})
}

func (a *Actor) finishParallel(ctx *actor.Context) {
	firstError := ""
	for _, res := range a.results {
		if res != nil && res.status == messages.StatusFailed && firstError == "" {
			firstError = res.err
		}
	}
	if firstError != "" {
		a.finishFailed(ctx, firstError)
		return
	}
	a.finish(ctx, messages.TaskCompleted{
		TaskID: a.req.TaskID, TraceID: a.req.TraceID, TaskPath: a.req.TaskPath,
		Status: messages.StatusSuccess,
		Result: a.combinedResult(),
	})
}

func (a *Actor) finishFailed(ctx *actor.Context, errMsg string) {
	a.finish(ctx, messages.TaskCompleted{
		TaskID: a.req.TaskID, TraceID: a.req.TraceID, TaskPath: a.req.TaskPath,
		Status: messages.StatusFailed,
		Result: a.combinedResult(),
		Error:  errMsg,
	})
}

func (a *Actor) abortCancelled(ctx *actor.Context) {
	a.finishFailed(ctx, "cancelled")
}

// combinedResult builds {details: {executor: {...}}, enriched_context: ...}.
func (a *Actor) combinedResult() map[string]interface{} {
	details := map[string]interface{}{}
	for _, res := range a.results {
		if res == nil {
			continue
		}
		entry := map[string]interface{}{"status": string(res.status)}
		if res.result != nil {
			entry["result"] = res.result
		}
		if res.err != "" {
			entry["error"] = res.err
		}
		details[res.executor] = entry
	}
	return map[string]interface{}{
		"details":          details,
		"enriched_context": a.enriched,
	}
}

func (a *Actor) mergedContext() map[string]interface{} {
	merged := map[string]interface{}{}
	for k, v := range a.req.Context {
		merged[k] = v
	}
	for k, v := range a.enriched {
		merged[k] = v
	}
	return merged
}

// finish reports the combined outcome upward and stops the aggregator.
func (a *Actor) finish(ctx *actor.Context, completed messages.TaskCompleted) {
	a.done = true
	ctx.Send(a.req.ReplyTo, completed)

	eventType := events.TaskCompleted
	switch completed.Status {
	case messages.StatusFailed:
		eventType = events.TaskFailed
	case messages.StatusNeedInput:
		eventType = events.TaskPaused
	}
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: a.req.TaskID, TraceID: a.req.TraceID, TaskPath: a.req.TaskPath,
		Type: eventType, Source: "task-group-aggregator",
		Data:  map[string]interface{}{"subtasks": len(a.req.Subtasks)},
		Error: completed.Error,
	})
	ctx.Stop()
}
