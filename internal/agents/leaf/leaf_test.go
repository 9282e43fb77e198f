package leaf

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/connector"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
)

type probe struct {
	mu   sync.Mutex
	msgs []messages.ExecutionResult
}

func (p *probe) Receive(ctx *actor.Context, msg interface{}) {
	if m, ok := msg.(messages.ExecutionResult); ok {
		p.mu.Lock()
		p.msgs = append(p.msgs, m)
		p.mu.Unlock()
	}
}

func (p *probe) results() []messages.ExecutionResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]messages.ExecutionResult, len(p.msgs))
	copy(out, p.msgs)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type slowConnector struct {
	name  string
	delay time.Duration
}

func (s *slowConnector) Name() string           { return s.name }
func (s *slowConnector) RequiredKeys() []string { return nil }
func (s *slowConnector) Execute(ctx context.Context, inputs, config map[string]interface{}) (*connector.Response, error) {
	select {
	case <-time.After(s.delay):
		return &connector.Response{Status: connector.StatusSuccess}, nil
	case <-ctx.Done():
		return &connector.Response{Status: connector.StatusFailure, Error: "interrupted"}, nil
	}
}

func newFixture(t *testing.T) (*actor.System, Deps, *connector.Registry, control.SignalStore) {
	log := logger.Default()
	system := actor.NewSystem(fmt.Sprintf("leaf-%s", t.Name()), log)
	t.Cleanup(system.Shutdown)

	connectors := connector.NewRegistry()
	signals := control.NewMemorySignalStore()
	deps := Deps{
		Connectors: connectors,
		Signals:    signals,
		Bus:        events.NewBus(log),
		Logger:     log,
	}
	return system, deps, connectors, signals
}

func TestUnknownCapabilityFails(t *testing.T) {
	system, deps, _, _ := newFixture(t)

	p := &probe{}
	probeRef := system.Spawn("probe", p)
	ref := system.Spawn("leaf", New(deps))

	ref.Tell(messages.ExecuteTask{
		TaskID:        "task-1",
		Capability:    "nonexistent",
		RunningConfig: map[string]interface{}{},
		ReplyTo:       probeRef,
	}, nil)

	waitFor(t, func() bool { return len(p.results()) == 1 })
	result := p.results()[0]
	assert.Equal(t, messages.StatusFailed, result.Status)
	assert.Equal(t, "Capability nonexistent not supported", result.Error)
}

func TestTimeoutProducesFailedWithTimeoutError(t *testing.T) {
	system, deps, connectors, _ := newFixture(t)
	connectors.Register(&slowConnector{name: "slow", delay: 5 * time.Second})

	p := &probe{}
	probeRef := system.Spawn("probe", p)
	ref := system.Spawn("leaf", New(deps))

	ref.Tell(messages.ExecuteTask{
		TaskID:        "task-1",
		Capability:    "slow",
		RunningConfig: map[string]interface{}{},
		Timeout:       50 * time.Millisecond,
		ReplyTo:       probeRef,
	}, nil)

	waitFor(t, func() bool { return len(p.results()) == 1 })
	result := p.results()[0]
	assert.Equal(t, messages.StatusFailed, result.Status)
	assert.Equal(t, "timeout", result.Error)
}

func TestCancelSignalShortCircuitsExecution(t *testing.T) {
	system, deps, connectors, signals := newFixture(t)
	connectors.Register(&slowConnector{name: "slow", delay: time.Second})

	require.NoError(t, signals.Set(context.Background(), control.ScopeTask, "task-1", control.SignalCancel))

	p := &probe{}
	probeRef := system.Spawn("probe", p)
	ref := system.Spawn("leaf", New(deps))

	start := time.Now()
	ref.Tell(messages.ExecuteTask{
		TaskID:        "task-1",
		TraceID:       "trace-1",
		Capability:    "slow",
		RunningConfig: map[string]interface{}{},
		ReplyTo:       probeRef,
	}, nil)

	waitFor(t, func() bool { return len(p.results()) == 1 })
	result := p.results()[0]
	assert.Equal(t, messages.StatusFailed, result.Status)
	assert.Equal(t, "cancelled", result.Error)
	assert.Less(t, time.Since(start), time.Second, "the connector was never invoked")
}

func TestNeedInputKeepsActorAliveForResume(t *testing.T) {
	system, deps, connectors, _ := newFixture(t)
	connectors.Register(connector.NewWorkflowConnector(connector.InvokerFunc(
		func(ctx context.Context, apiKey string, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": inputs["code"]}, nil
		})))

	p := &probe{}
	probeRef := system.Spawn("probe", p)
	ref := system.Spawn("leaf", New(deps))

	ref.Tell(messages.ExecuteTask{
		TaskID:     "task-1",
		Capability: "workflow",
		RunningConfig: map[string]interface{}{
			"api_key":         "k",
			"inputs":          map[string]interface{}{},
			"required_inputs": map[string]interface{}{"code": "the code"},
		},
		ReplyTo: probeRef,
	}, nil)

	waitFor(t, func() bool { return len(p.results()) == 1 })
	paused := p.results()[0]
	require.Equal(t, messages.StatusNeedInput, paused.Status)
	assert.Equal(t, []string{"code"}, paused.MissingParams)
	require.NotNil(t, paused.ExecutorRef)

	// The actor is still resolvable and accepts the resume.
	_, alive := system.Lookup(ref.ID())
	assert.True(t, alive)

	paused.ExecutorRef.Tell(messages.ResumeExecution{
		TaskID:     "task-1",
		Parameters: map[string]interface{}{"code": "xyz"},
		ReplyTo:    probeRef,
	}, nil)

	waitFor(t, func() bool { return len(p.results()) == 2 })
	done := p.results()[1]
	assert.Equal(t, messages.StatusSuccess, done.Status)
	assert.Equal(t, "xyz", done.Result["echo"])
}
