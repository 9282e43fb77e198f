package actor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/common/logger"
)

type collector struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (c *collector) Receive(ctx *Context, msg interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) snapshot() []interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]interface{}, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestMailboxFIFOFromSingleSender(t *testing.T) {
	system := NewSystem("test", logger.Default())
	defer system.Shutdown()

	c := &collector{}
	ref := system.Spawn("collector", c)

	for i := 0; i < 100; i++ {
		ref.Tell(i, nil)
	}

	waitFor(t, func() bool { return len(c.snapshot()) == 100 })
	msgs := c.snapshot()
	for i := 0; i < 100; i++ {
		assert.Equal(t, i, msgs[i])
	}
}

type parentBehavior struct {
	mu     sync.Mutex
	exited []ChildExited
	child  *Ref
}

func (p *parentBehavior) Receive(ctx *Context, msg interface{}) {
	switch m := msg.(type) {
	case string:
		if m == "spawn" {
			p.mu.Lock()
			p.child = ctx.Spawn("child", &collector{})
			p.mu.Unlock()
		}
	case ChildExited:
		p.mu.Lock()
		p.exited = append(p.exited, m)
		p.mu.Unlock()
	}
}

func TestChildExitNotification(t *testing.T) {
	system := NewSystem("test", logger.Default())
	defer system.Shutdown()

	p := &parentBehavior{}
	parent := system.Spawn("parent", p)
	parent.Tell("spawn", nil)

	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.child != nil
	})

	p.mu.Lock()
	child := p.child
	p.mu.Unlock()
	child.Stop()

	waitFor(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.exited) == 1
	})
	p.mu.Lock()
	assert.Nil(t, p.exited[0].Reason)
	assert.Equal(t, child, p.exited[0].Child)
	p.mu.Unlock()
}

type panicky struct{}

func (panicky) Receive(ctx *Context, msg interface{}) {
	panic("boom")
}

func TestPanicTerminatesActorAndNotifiesHook(t *testing.T) {
	system := NewSystem("test", logger.Default())
	defer system.Shutdown()

	var mu sync.Mutex
	var failures []interface{}
	system.OnFailure(func(ref *Ref, reason interface{}) {
		mu.Lock()
		failures = append(failures, reason)
		mu.Unlock()
	})

	ref := system.Spawn("panicky", panicky{})
	ref.Tell("go", nil)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failures) == 1
	})
	mu.Lock()
	assert.Equal(t, "boom", failures[0])
	mu.Unlock()

	<-ref.Done()
	_, alive := system.Lookup(ref.ID())
	assert.False(t, alive)
}

func TestAddressRoundTrip(t *testing.T) {
	system := NewSystem("test", logger.Default())
	defer system.Shutdown()

	ref := system.Spawn("addressed", &collector{})

	encoded := system.EncodeRef(ref)
	decoded, err := system.DecodeRef(encoded)
	require.NoError(t, err)
	assert.Same(t, ref, decoded)

	// Byte-exact round trip of the serialized form.
	reencoded := system.EncodeRef(decoded)
	assert.Equal(t, encoded, reencoded)
}

func TestDecodeRefFailsForDeadActor(t *testing.T) {
	system := NewSystem("test", logger.Default())
	defer system.Shutdown()

	ref := system.Spawn("ephemeral", &collector{})
	encoded := system.EncodeRef(ref)

	ref.Stop()
	<-ref.Done()

	_, err := system.DecodeRef(encoded)
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestDecodeRefRejectsForeignSystem(t *testing.T) {
	a := NewSystem("a", logger.Default())
	defer a.Shutdown()
	b := NewSystem("b", logger.Default())
	defer b.Shutdown()

	ref := a.Spawn("local", &collector{})
	_, err := b.DecodeRef(a.EncodeRef(ref))
	assert.ErrorIs(t, err, ErrUnknownRef)
}
