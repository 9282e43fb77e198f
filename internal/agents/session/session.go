// Package session implements the per-(tenant, node) session actor. A
// session owns exactly one agent actor, registers itself with the router
// before accepting any forwarded payload, and keeps its registration alive
// with a heartbeat task that runs cooperatively beside the mailbox.
package session

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/agent"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/common/logger"
)

// maxHeartbeatMisses bounds reattempts before the session gives up and
// terminates itself.
const maxHeartbeatMisses = 5

// Config holds session timing configuration.
type Config struct {
	TTL               time.Duration // registry TTL granted on register
	HeartbeatInterval time.Duration // strictly less than TTL
}

// DefaultConfig returns default configuration: TTL 1 hour, heartbeat every
// 50 minutes.
func DefaultConfig() Config {
	return Config{
		TTL:               time.Hour,
		HeartbeatInterval: 50 * time.Minute,
	}
}

// Deps carries the session's collaborators.
type Deps struct {
	Router *actor.Ref
	Agent  agent.Deps
	Config Config
	Logger *logger.Logger
}

type pendingPayload struct {
	msg    interface{}
	sender *actor.Ref
}

// Actor is the session behavior.
type Actor struct {
	deps Deps
	log  *logger.Logger

	tenantID   string
	nodeID     string
	agentRef   *actor.Ref
	selfRef    *actor.Ref
	registered bool

	// payloads buffered between Initialize and the register outcome
	pending []pendingPayload

	heartbeatRunning atomic.Bool
	missedBeats      atomic.Int32
	awaitingResponse atomic.Bool
}

// New creates a session behavior.
func New(deps Deps) *Actor {
	if deps.Config.TTL <= 0 {
		deps.Config = DefaultConfig()
	}
	return &Actor{
		deps: deps,
		log:  deps.Logger.WithFields(zap.String("component", "session-actor")),
	}
}

// sessionStop asks the session to terminate from its heartbeat task.
type sessionStop struct{}

// Receive implements actor.Behavior.
func (a *Actor) Receive(ctx *actor.Context, msg interface{}) {
	switch m := msg.(type) {
	case messages.Initialize:
		a.handleInitialize(ctx, m)
	case messages.RegisterAccepted:
		a.handleRegisterAccepted(ctx)
	case messages.RegisterRejected:
		a.handleRegisterRejected(ctx, m)
	case messages.HeartbeatResponse:
		a.missedBeats.Store(0)
		a.awaitingResponse.Store(false)
	case actor.ChildExited:
		a.handleAgentExit(ctx, m)
	case sessionStop:
		ctx.Stop()
	default:
		a.handlePayload(ctx, msg)
	}
}

func (a *Actor) handleInitialize(ctx *actor.Context, init messages.Initialize) {
	if a.selfRef != nil {
		return
	}
	a.tenantID = init.TenantID
	a.nodeID = init.NodeID
	a.selfRef = ctx.Self()
	a.log = a.log.WithFields(
		zap.String("tenant_id", a.tenantID),
		zap.String("node_id", a.nodeID))

	a.agentRef = ctx.Spawn("agent", agent.New(a.deps.Agent))

	if init.OriginalMessage != nil {
		a.pending = append(a.pending, pendingPayload{msg: init.OriginalMessage, sender: init.OriginalSender})
	}

	// Register before accepting the first forwarded payload; uniqueness
	// rests on the registry's at-most-one-per-key invariant.
	ctx.Send(a.deps.Router, messages.RegisterActor{
		TenantID: a.tenantID,
		NodeID:   a.nodeID,
	})
}

func (a *Actor) handleRegisterAccepted(ctx *actor.Context) {
	if a.registered {
		return
	}
	a.registered = true
	a.startHeartbeat()
	a.log.Info("session registered")

	for _, payload := range a.pending {
		a.forwardWithSender(ctx, payload.msg, payload.sender)
	}
	a.pending = nil
}

// handleRegisterRejected means another session won the key. Buffered
// payloads are re-routed through the router so the winner receives them,
// then the loser terminates.
func (a *Actor) handleRegisterRejected(ctx *actor.Context, rej messages.RegisterRejected) {
	a.log.Info("registration rejected, re-routing pending payloads",
		zap.Int("pending", len(a.pending)))
	for _, payload := range a.pending {
		a.deps.Router.Tell(messages.UserRequest{
			TenantID: rej.TenantID,
			NodeID:   rej.NodeID,
			Message:  payload.msg,
		}, payload.sender)
	}
	a.pending = nil
	ctx.Stop()
}

// handlePayload relays a non-control payload to the agent, buffering while
// the registration outcome is still unknown.
func (a *Actor) handlePayload(ctx *actor.Context, msg interface{}) {
	if a.selfRef == nil {
		a.log.Warn("payload before initialization, dropping")
		return
	}
	if !a.registered {
		a.pending = append(a.pending, pendingPayload{msg: msg, sender: ctx.Sender()})
		return
	}
	a.forwardWithSender(ctx, msg, ctx.Sender())
}

func (a *Actor) forwardWithSender(ctx *actor.Context, msg interface{}, sender *actor.Ref) {
	// Activity extends the registration without touching last_heartbeat.
	ctx.Send(a.deps.Router, messages.RefreshTTL{TenantID: a.tenantID, NodeID: a.nodeID})

	switch m := msg.(type) {
	case messages.AgentTask:
		if m.ReplyTo == nil {
			m.ReplyTo = sender
		}
		ctx.Send(a.agentRef, m)
	case messages.ResumeTask:
		if m.ReplyTo == nil {
			m.ReplyTo = sender
		}
		ctx.Send(a.agentRef, m)
	default:
		a.log.Warn("unsupported payload for agent, dropping")
	}
}

// handleAgentExit restarts the agent after a failure; a deliberate agent
// stop winds the session down with it.
func (a *Actor) handleAgentExit(ctx *actor.Context, exited actor.ChildExited) {
	if exited.Child != a.agentRef {
		return
	}
	if exited.Reason != nil {
		a.log.Warn("agent failed, restarting", zap.Any("reason", exited.Reason))
		a.agentRef = ctx.Spawn("agent", agent.New(a.deps.Agent))
		return
	}
	a.log.Info("agent stopped, session terminating")
	ctx.Stop()
}

// startHeartbeat launches the cooperative heartbeat task. It interacts with
// the router only through message sends; cancellation uses an atomic flag.
func (a *Actor) startHeartbeat() {
	if !a.heartbeatRunning.CompareAndSwap(false, true) {
		return
	}

	router := a.deps.Router
	self := a.selfRef
	tenantID, nodeID := a.tenantID, a.nodeID
	interval := a.deps.Config.HeartbeatInterval

	go func() {
		for a.heartbeatRunning.Load() {
			wait := interval
			if missed := a.missedBeats.Load(); missed > 0 {
				// Reattempt with exponential backoff after a miss.
				wait = time.Duration(1<<uint(missed-1)) * time.Second
				if wait > interval {
					wait = interval
				}
			}

			select {
			case <-time.After(wait):
			case <-self.Done():
				return
			}
			if !a.heartbeatRunning.Load() {
				return
			}

			if a.awaitingResponse.Swap(true) {
				// The previous beat went unanswered.
				missed := a.missedBeats.Add(1)
				if missed >= maxHeartbeatMisses {
					a.log.Error("heartbeat failed repeatedly, terminating session",
						zap.Int32("missed", missed))
					self.Tell(sessionStop{}, nil)
					return
				}
			}

			router.Tell(messages.Heartbeat{
				TenantID:  tenantID,
				NodeID:    nodeID,
				Timestamp: time.Now().UTC(),
			}, self)
		}
	}()
}

// PostStop unregisters the session and stops its heartbeat and agent.
func (a *Actor) PostStop() {
	a.heartbeatRunning.Store(false)
	if a.registered {
		a.deps.Router.Tell(messages.UnregisterActor{
			TenantID: a.tenantID,
			NodeID:   a.nodeID,
		}, a.selfRef)
	}
	if a.agentRef != nil {
		a.agentRef.Stop()
	}
	a.log.Info("session stopped")
}
