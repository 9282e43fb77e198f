package aggregator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/leaf"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/connector"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
)

type scriptedConnector struct {
	name      string
	responses map[string]*connector.Response // keyed by params["id"]
	delay     time.Duration
	mu        sync.Mutex
	calls     []string
}

func (s *scriptedConnector) Name() string           { return s.name }
func (s *scriptedConnector) RequiredKeys() []string { return nil }
func (s *scriptedConnector) Execute(ctx context.Context, inputs, config map[string]interface{}) (*connector.Response, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return &connector.Response{Status: connector.StatusFailure, Error: "interrupted"}, nil
		}
	}
	id, _ := config["id"].(string)
	s.mu.Lock()
	s.calls = append(s.calls, id)
	s.mu.Unlock()
	if resp, ok := s.responses[id]; ok {
		return resp, nil
	}
	return &connector.Response{Status: connector.StatusSuccess, Result: map[string]interface{}{"id": id}}, nil
}

type probe struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (p *probe) Receive(ctx *actor.Context, msg interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *probe) completed() []messages.TaskCompleted {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []messages.TaskCompleted
	for _, msg := range p.msgs {
		if m, ok := msg.(messages.TaskCompleted); ok {
			out = append(out, m)
		}
	}
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

type fixture struct {
	system     *actor.System
	deps       Deps
	connectors *connector.Registry
	signals    control.SignalStore
	probe      *probe
	probeRef   *actor.Ref
}

func newFixture(t *testing.T) *fixture {
	log := logger.Default()
	system := actor.NewSystem(fmt.Sprintf("agg-%s", t.Name()), log)
	t.Cleanup(system.Shutdown)

	connectors := connector.NewRegistry()
	signals := control.NewMemorySignalStore()
	bus := events.NewBus(log)

	deps := Deps{
		Leaf:    leaf.Deps{Connectors: connectors, Signals: signals, Bus: bus, Logger: log},
		Signals: signals,
		Bus:     bus,
		Logger:  log,
	}

	p := &probe{}
	return &fixture{
		system:     system,
		deps:       deps,
		connectors: connectors,
		signals:    signals,
		probe:      p,
		probeRef:   system.Spawn("probe", p),
	}
}

func (f *fixture) run(req messages.TaskGroupRequest) {
	req.ReplyTo = f.probeRef
	agg := f.system.Spawn("aggregator", New(f.deps))
	agg.Tell(req, f.probeRef)
}

func mcpStep(step int, executor, id string) messages.SubTaskSpec {
	return messages.SubTaskSpec{
		Step:     step,
		Type:     messages.SubTaskMCP,
		Executor: executor,
		Params:   map[string]interface{}{"id": id, "inputs": map[string]interface{}{}},
	}
}

func TestEmptySubtaskListSucceedsImmediately(t *testing.T) {
	f := newFixture(t)

	f.run(messages.TaskGroupRequest{
		TaskID:  "group-1",
		TraceID: "trace-1",
	})

	waitFor(t, func() bool { return len(f.probe.completed()) == 1 })
	result := f.probe.completed()[0]
	assert.Equal(t, messages.StatusSuccess, result.Status)
	assert.Empty(t, result.Result)
}

func TestParallelSingleChildBehavesLikeSequential(t *testing.T) {
	f := newFixture(t)
	f.connectors.Register(&scriptedConnector{name: "only", responses: map[string]*connector.Response{}})

	f.run(messages.TaskGroupRequest{
		TaskID:   "group-1",
		TraceID:  "trace-1",
		Strategy: StrategyParallel,
		Subtasks: []messages.SubTaskSpec{mcpStep(0, "only", "a")},
	})

	waitFor(t, func() bool { return len(f.probe.completed()) == 1 })
	result := f.probe.completed()[0]
	require.Equal(t, messages.StatusSuccess, result.Status)
	details := result.Result["details"].(map[string]interface{})
	assert.Contains(t, details, "only")
}

func TestParallelFailureWaitsForSiblings(t *testing.T) {
	f := newFixture(t)
	fast := &scriptedConnector{
		name: "fast",
		responses: map[string]*connector.Response{
			"b": {Status: connector.StatusError, Error: "fast failure"},
		},
	}
	slow := &scriptedConnector{name: "slow", delay: 100 * time.Millisecond, responses: map[string]*connector.Response{}}
	f.connectors.Register(fast)
	f.connectors.Register(slow)

	f.run(messages.TaskGroupRequest{
		TaskID:   "group-1",
		TraceID:  "trace-1",
		Strategy: StrategyParallel,
		Subtasks: []messages.SubTaskSpec{
			mcpStep(0, "slow", "a"),
			mcpStep(1, "fast", "b"),
		},
	})

	waitFor(t, func() bool { return len(f.probe.completed()) == 1 })
	result := f.probe.completed()[0]
	assert.Equal(t, messages.StatusFailed, result.Status)
	assert.Equal(t, "fast failure", result.Error)

	// The slow sibling still ran to completion and is in the details.
	details := result.Result["details"].(map[string]interface{})
	assert.Contains(t, details, "slow")
	assert.Contains(t, details, "fast")
}

func TestSequentialContextEnrichment(t *testing.T) {
	f := newFixture(t)
	first := &scriptedConnector{
		name: "producer",
		responses: map[string]*connector.Response{
			"a": {Status: connector.StatusSuccess, Result: map[string]interface{}{"rows": 42}},
		},
	}
	second := &scriptedConnector{name: "consumer", responses: map[string]*connector.Response{}}
	f.connectors.Register(first)
	f.connectors.Register(second)

	f.run(messages.TaskGroupRequest{
		TaskID:   "group-1",
		TraceID:  "trace-1",
		TaskPath: "root",
		Subtasks: []messages.SubTaskSpec{
			mcpStep(0, "producer", "a"),
			mcpStep(1, "consumer", "b"),
		},
	})

	waitFor(t, func() bool { return len(f.probe.completed()) == 1 })
	result := f.probe.completed()[0]
	require.Equal(t, messages.StatusSuccess, result.Status)

	enriched := result.Result["enriched_context"].(map[string]interface{})
	assert.EqualValues(t, 42, enriched["root/producer.rows"])
}

func TestCancelSignalAbortsBeforeDispatch(t *testing.T) {
	f := newFixture(t)
	conn := &scriptedConnector{name: "work", responses: map[string]*connector.Response{}}
	f.connectors.Register(conn)

	require.NoError(t, f.signals.Set(context.Background(), control.ScopeTrace, "trace-1", control.SignalCancel))

	f.run(messages.TaskGroupRequest{
		TaskID:   "group-1",
		TraceID:  "trace-1",
		Subtasks: []messages.SubTaskSpec{mcpStep(0, "work", "a")},
	})

	waitFor(t, func() bool { return len(f.probe.completed()) == 1 })
	result := f.probe.completed()[0]
	assert.Equal(t, messages.StatusFailed, result.Status)
	assert.Equal(t, "cancelled", result.Error)

	conn.mu.Lock()
	calls := len(conn.calls)
	conn.mu.Unlock()
	assert.Equal(t, 0, calls, "no child dispatched under a cancelled trace")
}
