package router

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/agent"
	"github.com/orchid/orchid/internal/agents/aggregator"
	"github.com/orchid/orchid/internal/agents/leaf"
	"github.com/orchid/orchid/internal/agents/messages"
	"github.com/orchid/orchid/internal/agents/session"
	"github.com/orchid/orchid/internal/capability"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/connector"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
	"github.com/orchid/orchid/internal/registry"
)

// stubConnector is a scriptable test connector.
type stubConnector struct {
	name     string
	response *connector.Response
	mu       sync.Mutex
	calls    int
}

func (s *stubConnector) Name() string           { return s.name }
func (s *stubConnector) RequiredKeys() []string { return nil }
func (s *stubConnector) Execute(ctx context.Context, inputs, config map[string]interface{}) (*connector.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.response, nil
}
func (s *stubConnector) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// probe collects the replies the mesh sends to the original caller.
type probe struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (p *probe) Receive(ctx *actor.Context, msg interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
}

func (p *probe) snapshot() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]interface{}, len(p.msgs))
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

// mesh bundles a fully wired in-process actor mesh for tests.
type mesh struct {
	system     *actor.System
	router     *actor.Ref
	registry   registry.Registry
	signals    control.SignalStore
	connectors *connector.Registry
}

func newMesh(t *testing.T) *mesh {
	t.Helper()
	log := logger.Default()
	system := actor.NewSystem(fmt.Sprintf("test-%s", t.Name()), log)
	t.Cleanup(system.Shutdown)

	reg := registry.NewMemory()
	signals := control.NewMemorySignalStore()
	bus := events.NewBus(log)
	connectors := connector.NewRegistry()

	leafDeps := leaf.Deps{Connectors: connectors, Signals: signals, Bus: bus, Logger: log}
	aggDeps := aggregator.Deps{Leaf: leafDeps, Signals: signals, Bus: bus, Logger: log}
	agentDeps := agent.Deps{
		System:     system,
		Classifier: capability.NewRuleClassifier(),
		Planner:    capability.NewContentPlanner(),
		Oracle:     capability.NewSequentialOracle(),
		Registry:   reg,
		Signals:    signals,
		Bus:        bus,
		Logger:     log,
	}
	sd := &session.Deps{
		Config: session.Config{TTL: time.Hour, HeartbeatInterval: 50 * time.Minute},
		Logger: log,
	}
	routerRef := system.Spawn("router", New(Deps{
		System:   system,
		Registry: reg,
		Session:  sd,
		TTL:      time.Hour,
		Logger:   log,
	}))

	aggDeps.Router = routerRef
	agentDeps.Aggregator = aggDeps
	sd.Router = routerRef
	sd.Agent = agentDeps

	return &mesh{
		system:     system,
		router:     routerRef,
		registry:   reg,
		signals:    signals,
		connectors: connectors,
	}
}

func agentTask(taskID, content string, taskContent map[string]interface{}, replyTo *actor.Ref) messages.AgentTask {
	return messages.AgentTask{
		AgentID: "node-1",
		TaskID:  taskID,
		TraceID: "trace-" + taskID,
		Content: content,
		Context: map[string]interface{}{"task_content": taskContent},
		UserID:  "tenant-1",
		ReplyTo: replyTo,
	}
}

func TestConcurrentRequestsYieldOneRegistration(t *testing.T) {
	m := newMesh(t)
	m.connectors.Register(&stubConnector{
		name:     "echo",
		response: &connector.Response{Status: connector.StatusSuccess, Result: map[string]interface{}{"ok": true}},
	})

	p := &probe{}
	probeRef := m.system.Spawn("probe", p)

	content := map[string]interface{}{"connector": "echo"}
	for i := 0; i < 2; i++ {
		m.router.Tell(messages.UserRequest{
			TenantID: "tenant-1",
			NodeID:   "node-1",
			Message:  agentTask(fmt.Sprintf("task-%d", i), "do it", content, probeRef),
		}, probeRef)
	}

	waitFor(t, func() bool {
		results := 0
		for _, msg := range p.snapshot() {
			if _, ok := msg.(messages.TaskResult); ok {
				results++
			}
		}
		return results == 2
	})

	// Exactly one session holds the key.
	ok, err := m.registry.Exists(context.Background(), "tenant-1", "node-1")
	require.NoError(t, err)
	assert.True(t, ok)
	for _, msg := range p.snapshot() {
		result := msg.(messages.TaskResult)
		assert.Empty(t, result.Error)
	}
}

func TestSequentialFailureSkipsRemainingChildren(t *testing.T) {
	m := newMesh(t)
	okConn := &stubConnector{
		name:     "fetcher",
		response: &connector.Response{Status: connector.StatusSuccess, Result: map[string]interface{}{"rows": 3}},
	}
	failConn := &stubConnector{
		name:     "transformer",
		response: &connector.Response{Status: connector.StatusError, Error: "bad schema"},
	}
	skippedConn := &stubConnector{
		name:     "uploader",
		response: &connector.Response{Status: connector.StatusSuccess},
	}
	m.connectors.Register(okConn)
	m.connectors.Register(failConn)
	m.connectors.Register(skippedConn)

	p := &probe{}
	probeRef := m.system.Spawn("probe", p)

	content := map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"executor": "fetcher", "description": "fetch"},
			map[string]interface{}{"executor": "transformer", "description": "transform"},
			map[string]interface{}{"executor": "uploader", "description": "upload"},
		},
	}
	m.router.Tell(messages.UserRequest{
		TenantID: "tenant-1", NodeID: "node-1",
		Message: agentTask("seq-1", "pipeline", content, probeRef),
	}, probeRef)

	waitFor(t, func() bool { return len(p.snapshot()) == 1 })

	result := p.snapshot()[0].(messages.TaskResult)
	assert.Equal(t, "bad schema", result.Error)

	details := result.Result["details"].(map[string]interface{})
	fetcher := details["fetcher"].(map[string]interface{})
	assert.Equal(t, "SUCCESS", fetcher["status"])
	assert.Contains(t, details, "transformer")
	assert.NotContains(t, details, "uploader", "later steps never ran")

	assert.Equal(t, 1, okConn.callCount())
	assert.Equal(t, 1, failConn.callCount())
	assert.Equal(t, 0, skippedConn.callCount())
}

func TestNeedInputPausesAndResumes(t *testing.T) {
	m := newMesh(t)
	m.connectors.Register(connector.NewWorkflowConnector(connector.InvokerFunc(
		func(ctx context.Context, apiKey string, inputs map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{"greeting": fmt.Sprintf("hello %v", inputs["code"])}, nil
		})))

	p := &probe{}
	probeRef := m.system.Spawn("probe", p)

	content := map[string]interface{}{
		"connector": "workflow",
		"api_key":   "key-1",
		"inputs":    map[string]interface{}{},
		"required_inputs": map[string]interface{}{
			"code": "the confirmation code",
		},
	}
	m.router.Tell(messages.UserRequest{
		TenantID: "tenant-1", NodeID: "node-1",
		Message: agentTask("pause-1", "greet", content, probeRef),
	}, probeRef)

	waitFor(t, func() bool { return len(p.snapshot()) == 1 })
	paused, ok := p.snapshot()[0].(messages.TaskPaused)
	require.True(t, ok, "caller receives TaskPaused, got %T", p.snapshot()[0])
	assert.Equal(t, "pause-1", paused.TaskID, "the pause carries the id the caller submitted")
	assert.Equal(t, []string{"code"}, paused.MissingParams)

	// The executor pointer is durable in the registry.
	_, err := m.registry.GetExecutorRef(context.Background(), paused.TaskID)
	require.NoError(t, err)

	// Resume with the missing parameter through the same route.
	m.router.Tell(messages.UserRequest{
		TenantID: "tenant-1", NodeID: "node-1",
		Message: messages.ResumeTask{
			TaskID:     paused.TaskID,
			Parameters: map[string]interface{}{"code": "abc"},
			ReplyTo:    probeRef,
		},
	}, probeRef)

	waitFor(t, func() bool { return len(p.snapshot()) == 2 })
	result, ok := p.snapshot()[1].(messages.TaskResult)
	require.True(t, ok, "resume completes the same task, got %T", p.snapshot()[1])
	assert.Equal(t, paused.TaskID, result.TaskID, "no new chain is started")
	assert.Empty(t, result.Error)
	assert.Equal(t, "hello abc", result.Result["greeting"])
}

func TestResumeUnknownTaskReportsError(t *testing.T) {
	m := newMesh(t)

	p := &probe{}
	probeRef := m.system.Spawn("probe", p)

	m.router.Tell(messages.UserRequest{
		TenantID: "tenant-1", NodeID: "node-1",
		Message: messages.ResumeTask{
			TaskID:     "never-paused",
			Parameters: map[string]interface{}{"x": 1},
			ReplyTo:    probeRef,
		},
	}, probeRef)

	waitFor(t, func() bool { return len(p.snapshot()) == 1 })
	result := p.snapshot()[0].(messages.TaskResult)
	assert.Equal(t, "Cannot find the ExecutionActor for this task", result.Error)
}
