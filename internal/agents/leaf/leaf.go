// Package leaf implements the execution actor: the leaf of the task tree
// that invokes one external connector and reports SUCCESS, FAILED, or
// NEED_INPUT. A leaf that reports NEED_INPUT stays alive so a later resume
// can reach it with the completed parameters.
package leaf

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/connector"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
)

// defaultTimeout bounds a connector invocation when the task definition
// does not carry its own.
const defaultTimeout = 120 * time.Second

// Deps carries the shared collaborators of leaf actors.
type Deps struct {
	Connectors *connector.Registry
	Signals    control.SignalStore
	Bus        *events.Bus
	Logger     *logger.Logger
}

// Actor executes one task at a time against a connector.
type Actor struct {
	deps Deps

	// current invocation; retained across a NEED_INPUT pause
	taskID    string
	traceID   string
	taskPath  string
	capName   string
	config    map[string]interface{}
	inputs    map[string]interface{}
	timeout   time.Duration
	replyTo   *actor.Ref
	completed map[string]interface{}
	paused    bool
}

// connectorReply carries the connector outcome back into the mailbox so the
// invocation itself never blocks message processing.
type connectorReply struct {
	taskID   string
	response *connector.Response
	err      error
	timedOut bool
}

// New creates a leaf actor behavior.
func New(deps Deps) *Actor {
	return &Actor{deps: deps}
}

// Receive implements actor.Behavior.
func (a *Actor) Receive(ctx *actor.Context, msg interface{}) {
	switch m := msg.(type) {
	case messages.ExecuteTask:
		a.handleExecute(ctx, m)
	case messages.ResumeExecution:
		a.handleResume(ctx, m)
	case connectorReply:
		a.handleReply(ctx, m)
	case actor.ChildExited:
		// leaves have no children; ignore
	default:
		a.deps.Logger.Warn("leaf actor received unknown message",
			zap.String("actor", ctx.Self().ID()))
	}
}

func (a *Actor) handleExecute(ctx *actor.Context, task messages.ExecuteTask) {
	a.taskID = task.TaskID
	a.traceID = task.TraceID
	a.taskPath = task.TaskPath
	a.capName = task.Capability
	a.config = task.RunningConfig
	a.replyTo = task.ReplyTo
	a.timeout = task.Timeout
	a.paused = false
	if a.timeout <= 0 {
		a.timeout = defaultTimeout
	}
	if inputs, ok := task.RunningConfig["inputs"].(map[string]interface{}); ok {
		a.inputs = inputs
	} else {
		a.inputs = map[string]interface{}{}
	}

	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: a.taskID, TraceID: a.traceID, TaskPath: a.taskPath,
		Type: events.CapabilityStarted, Source: "leaf-actor",
		Data: map[string]interface{}{"capability": a.capName},
	})

	a.invoke(ctx)
}

func (a *Actor) handleResume(ctx *actor.Context, resume messages.ResumeExecution) {
	if !a.paused {
		a.deps.Logger.Warn("resume for a task that is not paused",
			zap.String("resume_task_id", resume.TaskID),
			zap.String("current_task_id", a.taskID))
		return
	}
	// Each layer above relabels the pause to the id its own caller knows,
	// so the resume may arrive under a different id than this actor was
	// dispatched with. Adopt it: replies must carry the id the caller used.
	a.taskID = resume.TaskID
	a.paused = false
	if resume.ReplyTo != nil {
		a.replyTo = resume.ReplyTo
	}
	for k, v := range resume.Parameters {
		a.inputs[k] = v
	}

	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: a.taskID, TraceID: a.traceID, TaskPath: a.taskPath,
		Type: events.TaskResumed, Source: "leaf-actor",
		Data: map[string]interface{}{"parameters": keys(resume.Parameters)},
	})

	a.invoke(ctx)
}

// invoke checks the control signal, validates the config, and runs the
// connector in a background task so the mailbox stays responsive.
func (a *Actor) invoke(actx *actor.Context) {
	if sig, err := a.deps.Signals.Get(context.Background(), a.traceID, a.taskID); err == nil && sig == control.SignalCancel {
		a.fail(actx, "cancelled", false)
		return
	}

	conn, err := a.deps.Connectors.Get(a.capName)
	if err != nil {
		a.fail(actx, "Capability "+a.capName+" not supported", false)
		return
	}
	if err := connector.ValidateConfig(conn, a.config); err != nil {
		a.fail(actx, err.Error(), false)
		return
	}

	self := actx.Self()
	taskID := a.taskID
	inputs := a.inputs
	config := a.config
	timeout := a.timeout

	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		resp, execErr := conn.Execute(cctx, inputs, config)
		reply := connectorReply{taskID: taskID, response: resp, err: execErr}
		if cctx.Err() == context.DeadlineExceeded {
			reply.timedOut = true
		}
		self.Tell(reply, nil)
	}()
}

// handleReply interprets the connector's structured response.
func (a *Actor) handleReply(ctx *actor.Context, reply connectorReply) {
	if reply.taskID != a.taskID {
		return
	}

	if reply.timedOut {
		a.fail(ctx, "timeout", false)
		return
	}
	if reply.err != nil {
		a.fail(ctx, reply.err.Error(), true)
		return
	}

	resp := reply.response
	switch resp.Status {
	case connector.StatusSuccess:
		a.succeed(ctx, resp.Result)
	case connector.StatusFailure:
		a.failWith(ctx, resp.Error, true)
	case connector.StatusError:
		a.failWith(ctx, resp.Error, false)
	case connector.StatusNeedInput:
		a.needInput(ctx, resp)
	default:
		a.fail(ctx, "unknown status from connector: "+string(resp.Status), false)
	}
}

func (a *Actor) succeed(ctx *actor.Context, result map[string]interface{}) {
	ctx.Send(a.replyTo, messages.ExecutionResult{
		TaskID: a.taskID, TraceID: a.traceID, TaskPath: a.taskPath,
		Status: messages.StatusSuccess, Result: result,
	})
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: a.taskID, TraceID: a.traceID, TaskPath: a.taskPath,
		Type: events.CapabilityExecuted, Source: "leaf-actor",
		Data: map[string]interface{}{"capability": a.capName, "status": "success"},
	})
	ctx.Stop()
}

func (a *Actor) failWith(ctx *actor.Context, errMsg string, retryable bool) {
	if errMsg == "" {
		errMsg = "connector reported failure"
	}
	a.fail(ctx, errMsg, retryable)
}

func (a *Actor) fail(ctx *actor.Context, errMsg string, retryable bool) {
	ctx.Send(a.replyTo, messages.ExecutionResult{
		TaskID: a.taskID, TraceID: a.traceID, TaskPath: a.taskPath,
		Status: messages.StatusFailed, Error: errMsg, Retryable: retryable,
	})
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: a.taskID, TraceID: a.traceID, TaskPath: a.taskPath,
		Type: events.CapabilityFailed, Source: "leaf-actor",
		Data:  map[string]interface{}{"capability": a.capName, "retryable": retryable},
		Error: errMsg,
	})
	ctx.Stop()
}

// needInput reports the missing parameters upward and keeps the actor alive
// so the resume can find it.
func (a *Actor) needInput(ctx *actor.Context, resp *connector.Response) {
	missing := make([]string, 0, len(resp.Missing))
	question := ""
	for name, desc := range resp.Missing {
		missing = append(missing, name)
		if desc != "" {
			if question != "" {
				question += "; "
			}
			question += name + ": " + desc
		}
	}
	a.completed = resp.Completed
	a.paused = true

	ctx.Send(a.replyTo, messages.ExecutionResult{
		TaskID: a.taskID, TraceID: a.traceID, TaskPath: a.taskPath,
		Status:        messages.StatusNeedInput,
		Result:        resp.Completed,
		MissingParams: missing,
		Question:      question,
		ExecutorRef:   ctx.Self(),
	})
	a.deps.Bus.PublishTaskEvent(events.TaskEvent{
		TaskID: a.taskID, TraceID: a.traceID, TaskPath: a.taskPath,
		Type: events.TaskPaused, Source: "leaf-actor",
		Data: map[string]interface{}{"missing_params": missing},
	})
	// no Stop: the actor waits for ResumeExecution
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
