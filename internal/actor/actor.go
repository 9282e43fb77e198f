// Package actor provides a minimal in-process actor runtime: each actor owns
// a single mailbox processed one message at a time, actors address each
// other through Refs, and parents are notified when children exit.
package actor

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/logger"
)

// ErrUnknownRef is returned when a serialized address cannot be resolved to
// a live actor.
var ErrUnknownRef = errors.New("unknown actor reference")

// Behavior is the message-processing body of an actor. Receive is invoked
// for one message at a time; the runtime never calls it concurrently.
type Behavior interface {
	Receive(ctx *Context, msg interface{})
}

// PostStopper is implemented by behaviors that need cleanup when the actor
// terminates.
type PostStopper interface {
	PostStop()
}

// ChildExited is delivered to a parent when one of its children terminates.
type ChildExited struct {
	Child  *Ref
	Reason interface{} // nil on normal stop, the panic value on failure
}

// Context is passed to Behavior.Receive and exposes the runtime operations
// available while processing a message.
type Context struct {
	system *System
	self   *Ref
	sender *Ref
}

// System returns the owning actor system.
func (c *Context) System() *System { return c.system }

// Self returns the actor's own reference.
func (c *Context) Self() *Ref { return c.self }

// Sender returns the reference attached to the current message, or nil.
func (c *Context) Sender() *Ref { return c.sender }

// Send delivers a message to another actor with self as the sender.
func (c *Context) Send(to *Ref, msg interface{}) {
	if to == nil {
		return
	}
	to.Tell(msg, c.self)
}

// Spawn creates a child actor. The child's exit is reported back to this
// actor as a ChildExited message.
func (c *Context) Spawn(name string, b Behavior) *Ref {
	return c.system.spawn(name, b, c.self)
}

// Stop terminates this actor after the current message completes.
func (c *Context) Stop() {
	c.self.stop(nil)
}

// Logger returns the system logger scoped to this actor.
func (c *Context) Logger() *logger.Logger {
	return c.system.logger.WithFields(zap.String("actor", c.self.id))
}

// envelope pairs a message with its sender.
type envelope struct {
	msg    interface{}
	sender *Ref
}

// Ref is a send-target for one actor. Refs are safe for concurrent use.
type Ref struct {
	id     string
	system *System
	mbox   *mailbox
	parent *Ref

	stopOnce sync.Once
	reason   interface{}
	done     chan struct{}
}

// ID returns the actor's unique id within its system.
func (r *Ref) ID() string { return r.id }

// Tell enqueues a message. Delivery from a single sender is FIFO. Messages
// sent to a stopped actor are dropped.
func (r *Ref) Tell(msg interface{}, sender *Ref) {
	r.mbox.push(envelope{msg: msg, sender: sender})
}

// Done is closed when the actor has terminated.
func (r *Ref) Done() <-chan struct{} { return r.done }

// Stop terminates the actor once its current message completes. Safe to
// call from outside the actor.
func (r *Ref) Stop() { r.stop(nil) }

// stop closes the mailbox; the actor's own loop observes the close, exits
// (messages still queued are discarded), and runs cleanup. Cleanup
// therefore never races message processing.
func (r *Ref) stop(reason interface{}) {
	r.stopOnce.Do(func() {
		r.reason = reason
		r.mbox.close()
	})
}

// System owns the actors of one process and the id → ref lookup used for
// address reconstruction.
type System struct {
	name   string
	logger *logger.Logger

	actors map[string]*actorCell
	mu     sync.RWMutex
	wg     sync.WaitGroup

	// onFailure observes actor panics (e.g. to emit SYSTEM_ERROR events).
	onFailure func(ref *Ref, reason interface{})
}

type actorCell struct {
	ref      *Ref
	behavior Behavior
}

// NewSystem creates an actor system.
func NewSystem(name string, log *logger.Logger) *System {
	return &System{
		name:   name,
		logger: log.WithFields(zap.String("component", "actor-system"), zap.String("system", name)),
		actors: make(map[string]*actorCell),
	}
}

// OnFailure registers a hook invoked when an actor panics. Must be set
// before actors are spawned.
func (s *System) OnFailure(fn func(ref *Ref, reason interface{})) {
	s.onFailure = fn
}

// Spawn creates a top-level actor with the given name prefix.
func (s *System) Spawn(name string, b Behavior) *Ref {
	return s.spawn(name, b, nil)
}

func (s *System) spawn(name string, b Behavior, parent *Ref) *Ref {
	ref := &Ref{
		id:     fmt.Sprintf("%s-%s", name, uuid.New().String()[:8]),
		system: s,
		mbox:   newMailbox(),
		parent: parent,
		done:   make(chan struct{}),
	}

	cell := &actorCell{ref: ref, behavior: b}

	s.mu.Lock()
	s.actors[ref.id] = cell
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(cell)

	s.logger.Debug("actor spawned", zap.String("actor", ref.id))
	return ref
}

// run is the actor's message loop. Cleanup happens here, after the mailbox
// closes, so it is serialized with message processing.
func (s *System) run(cell *actorCell) {
	defer s.wg.Done()

	ref := cell.ref
	for {
		env, ok := ref.mbox.pop()
		if !ok {
			break
		}
		if failed := s.invoke(cell, env); failed {
			break
		}
	}
	ref.stop(nil) // no-op when a stop reason is already recorded
	s.finish(ref, ref.reason)
}

// invoke processes one message, containing panics. Returns true when the
// actor failed and terminated.
func (s *System) invoke(cell *actorCell, env envelope) (failed bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("actor panicked",
				zap.String("actor", cell.ref.id),
				zap.Any("panic", r))
			if s.onFailure != nil {
				s.onFailure(cell.ref, r)
			}
			cell.ref.stop(r)
			failed = true
		}
	}()

	ctx := &Context{system: s, self: cell.ref, sender: env.sender}
	cell.behavior.Receive(ctx, env.msg)
	return false
}

// finish unregisters a terminated actor, runs its PostStop hook, and
// notifies the parent. Children are left running: ownership transfers are
// explicit (a paused execution actor must outlive its aggregator), so
// behaviors stop their children from PostStop when they own them.
func (s *System) finish(ref *Ref, reason interface{}) {
	s.mu.Lock()
	cell, ok := s.actors[ref.id]
	delete(s.actors, ref.id)
	s.mu.Unlock()

	if ok {
		if stopper, isStopper := cell.behavior.(PostStopper); isStopper {
			func() {
				defer func() { _ = recover() }()
				stopper.PostStop()
			}()
		}
	}

	if ref.parent != nil {
		ref.parent.Tell(ChildExited{Child: ref, Reason: reason}, nil)
	}

	close(ref.done)
	s.logger.Debug("actor stopped", zap.String("actor", ref.id))
}

// Lookup returns the live ref for an actor id.
func (s *System) Lookup(id string) (*Ref, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cell, ok := s.actors[id]
	if !ok {
		return nil, false
	}
	return cell.ref, true
}

// Shutdown stops every actor and waits for their loops to drain.
func (s *System) Shutdown() {
	s.mu.RLock()
	refs := make([]*Ref, 0, len(s.actors))
	for _, cell := range s.actors {
		refs = append(refs, cell.ref)
	}
	s.mu.RUnlock()

	for _, ref := range refs {
		ref.stop(nil)
	}
	s.wg.Wait()
}
