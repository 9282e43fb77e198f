// Package router implements the global routing actor. It holds the only
// write path into the reference registry: sessions register, unregister,
// refresh, and heartbeat through it, and user requests are routed to the
// session owning their (tenant, node) key — spawning one when none exists.
package router

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/agents/session"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/registry"
)

// Deps carries the router's collaborators. Session deps are held by pointer
// because they in turn carry the router's own ref; the wiring closes the
// cycle after the router is spawned, before any traffic flows.
type Deps struct {
	System   *actor.System
	Registry registry.Registry
	Session  *session.Deps
	TTL      time.Duration
	Logger   *logger.Logger
}

// Actor is the router behavior. A process runs exactly one.
type Actor struct {
	deps Deps
	log  *logger.Logger
}

// New creates the router behavior.
func New(deps Deps) *Actor {
	if deps.TTL <= 0 {
		deps.TTL = time.Hour
	}
	return &Actor{
		deps: deps,
		log:  deps.Logger.WithFields(zap.String("component", "router-actor")),
	}
}

// Receive implements actor.Behavior.
func (a *Actor) Receive(ctx *actor.Context, msg interface{}) {
	switch m := msg.(type) {
	case messages.UserRequest:
		a.handleUserRequest(ctx, m)
	case messages.RegisterActor:
		a.handleRegister(ctx, m)
	case messages.UnregisterActor:
		a.handleUnregister(ctx, m)
	case messages.RefreshTTL:
		a.handleRefreshTTL(m)
	case messages.Heartbeat:
		a.handleHeartbeat(ctx, m)
	case actor.ChildExited:
		// session lifecycles are self-managed; nothing to do
	default:
		a.log.Warn("router received unknown message")
	}
}

// handleUserRequest forwards the payload to the registered session, or
// spawns a fresh one when no valid registration exists.
func (a *Actor) handleUserRequest(ctx *actor.Context, req messages.UserRequest) {
	encoded, err := a.deps.Registry.Get(context.Background(), req.TenantID, req.NodeID)
	if err == nil {
		if ref, decodeErr := a.deps.System.DecodeRef(encoded); decodeErr == nil {
			a.log.Debug("routing to existing session",
				zap.String("tenant_id", req.TenantID),
				zap.String("node_id", req.NodeID))
			ref.Tell(req.Message, ctx.Sender())
			return
		}
		// The stored address no longer resolves (e.g. process restart left
		// a stale entry); fall through and build a fresh session.
		a.log.Warn("stale session reference, respawning",
			zap.String("tenant_id", req.TenantID),
			zap.String("node_id", req.NodeID))
		_ = a.deps.Registry.Delete(context.Background(), req.TenantID, req.NodeID)
	} else if !errors.Is(err, registry.ErrNotFound) {
		a.log.Error("registry lookup failed", zap.Error(err))
	}

	sessionRef := ctx.Spawn("session", session.New(*a.deps.Session))
	ctx.Send(sessionRef, messages.Initialize{
		TenantID:        req.TenantID,
		NodeID:          req.NodeID,
		OriginalMessage: req.Message,
		OriginalSender:  ctx.Sender(),
	})
	a.log.Info("session spawned",
		zap.String("tenant_id", req.TenantID),
		zap.String("node_id", req.NodeID))
}

// handleRegister stores the sender's address. When another live session
// already holds the key, the late registrant is rejected and terminates
// itself, preserving at-most-one-per-key.
func (a *Actor) handleRegister(ctx *actor.Context, reg messages.RegisterActor) {
	sender := ctx.Sender()
	if sender == nil {
		a.log.Error("register without sender")
		return
	}

	if existing, err := a.deps.Registry.Get(context.Background(), reg.TenantID, reg.NodeID); err == nil {
		if ref, decodeErr := a.deps.System.DecodeRef(existing); decodeErr == nil && ref != sender {
			a.log.Info("registration race lost",
				zap.String("tenant_id", reg.TenantID),
				zap.String("node_id", reg.NodeID))
			ctx.Send(sender, messages.RegisterRejected{TenantID: reg.TenantID, NodeID: reg.NodeID})
			return
		}
	}

	encoded := a.deps.System.EncodeRef(sender)
	if err := a.deps.Registry.Save(context.Background(), reg.TenantID, reg.NodeID, encoded, a.deps.TTL); err != nil {
		a.log.Error("failed to register session", zap.Error(err))
		return
	}
	ctx.Send(sender, messages.RegisterAccepted{TenantID: reg.TenantID, NodeID: reg.NodeID})
	a.log.Info("session registered",
		zap.String("tenant_id", reg.TenantID),
		zap.String("node_id", reg.NodeID))
}

// handleUnregister deletes the registration, but only when it still points
// at the sender — a rejected duplicate must not evict the winner.
func (a *Actor) handleUnregister(ctx *actor.Context, unreg messages.UnregisterActor) {
	sender := ctx.Sender()
	if sender != nil {
		if existing, err := a.deps.Registry.Get(context.Background(), unreg.TenantID, unreg.NodeID); err == nil {
			if string(existing) != string(a.deps.System.EncodeRef(sender)) {
				a.log.Debug("unregister from non-owner ignored",
					zap.String("tenant_id", unreg.TenantID),
					zap.String("node_id", unreg.NodeID))
				return
			}
		}
	}
	if err := a.deps.Registry.Delete(context.Background(), unreg.TenantID, unreg.NodeID); err != nil {
		a.log.Error("failed to unregister session", zap.Error(err))
		return
	}
	a.log.Info("session unregistered",
		zap.String("tenant_id", unreg.TenantID),
		zap.String("node_id", unreg.NodeID))
}

func (a *Actor) handleRefreshTTL(refresh messages.RefreshTTL) {
	err := a.deps.Registry.RefreshTTL(context.Background(), refresh.TenantID, refresh.NodeID, a.deps.TTL)
	if err != nil && !errors.Is(err, registry.ErrNotFound) {
		a.log.Error("failed to refresh ttl", zap.Error(err))
	}
}

// handleHeartbeat refreshes the TTL and heartbeat timestamp, re-registering
// the sender when the entry vanished (e.g. a registry restart), and replies
// with the echoed timestamp.
func (a *Actor) handleHeartbeat(ctx *actor.Context, hb messages.Heartbeat) {
	err := a.deps.Registry.UpdateHeartbeat(context.Background(), hb.TenantID, hb.NodeID, a.deps.TTL)
	if errors.Is(err, registry.ErrNotFound) && ctx.Sender() != nil {
		encoded := a.deps.System.EncodeRef(ctx.Sender())
		err = a.deps.Registry.Save(context.Background(), hb.TenantID, hb.NodeID, encoded, a.deps.TTL)
	}
	if err != nil {
		a.log.Error("heartbeat failed", zap.Error(err))
		return
	}
	ctx.Send(ctx.Sender(), messages.HeartbeatResponse{Timestamp: hb.Timestamp})
}
