package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/broker"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/scheduler"
	"github.com/orchid/orchid/internal/schedule/store"
)

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
	err      error
}

func (f *fakeNotifier) NotifyReady(ctx context.Context, run *models.ScheduledRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.notified = append(f.notified, run.ID)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified)
}

type fixture struct {
	store      *store.MemoryStore
	broker     *broker.MemoryBroker
	scheduler  *scheduler.Service
	signals    control.SignalStore
	notifier   *fakeNotifier
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	log := logger.Default()
	st := store.NewMemory()
	b := broker.NewMemoryBroker(log)
	sched := scheduler.NewService(st, log)
	signals := control.NewMemorySignalStore()
	notifier := &fakeNotifier{}
	d := New(st, b, sched, signals, events.NewBus(log), notifier, log, DefaultConfig())
	return &fixture{store: st, broker: b, scheduler: sched, signals: signals, notifier: notifier, dispatcher: d}
}

func scheduledRun(t *testing.T, f *fixture, scheduleType models.ScheduleType, cfg map[string]interface{}, round int) *models.ScheduledRun {
	t.Helper()
	now := time.Now().UTC()
	run := &models.ScheduledRun{
		ID:             uuid.New().String(),
		DefinitionID:   "def-1",
		TraceID:        uuid.New().String(),
		ScheduledTime:  now,
		Type:           scheduleType,
		ScheduleConfig: cfg,
		InputParams:    map[string]interface{}{},
		RoundIndex:     round,
		Status:         models.RunPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.store.CreateRun(context.Background(), run))
	require.NoError(t, f.store.UpdateRunStatus(context.Background(), run.ID, models.RunScheduled))
	return run
}

func TestHandleScheduledIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := scheduledRun(t, f, models.ScheduleImmediate, map[string]interface{}{"type": "immediate"}, 0)

	msg := broker.Message{"task_id": run.ID}
	require.NoError(t, f.dispatcher.handleScheduled(ctx, msg))
	require.NoError(t, f.dispatcher.handleScheduled(ctx, msg), "second delivery is a no-op")

	assert.Equal(t, 1, f.notifier.count(), "exactly one hand-off")

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunDispatched, got.Status)

	inst, err := f.store.GetInstance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceDispatched, inst.Status)
}

func TestHandleScheduledRetriesOnHandOffFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("executor unreachable")
	ctx := context.Background()
	run := scheduledRun(t, f, models.ScheduleImmediate, map[string]interface{}{"type": "immediate"}, 0)

	require.NoError(t, f.dispatcher.handleScheduled(ctx, broker.Message{"task_id": run.ID}))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunPending, got.Status, "failed hand-off returns the run to PENDING")
	assert.Equal(t, 1, got.RetryCount)
	assert.Contains(t, got.ScheduleConfig, "retry_backoff_seconds")
}

func TestHandleScheduledCancelsAfterRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("executor unreachable")
	ctx := context.Background()
	run := scheduledRun(t, f, models.ScheduleImmediate, map[string]interface{}{"type": "immediate"}, 0)

	for attempt := 0; attempt < f.dispatcher.config.MaxRetries+1; attempt++ {
		got, err := f.store.GetRun(ctx, run.ID)
		require.NoError(t, err)
		if got.Status == models.RunPending {
			require.NoError(t, f.store.UpdateRunStatus(ctx, run.ID, models.RunScheduled))
		}
		require.NoError(t, f.dispatcher.handleScheduled(ctx, broker.Message{"task_id": run.ID}))
	}

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCancelled, got.Status)
}

func TestStatusUpdateFinalizesRunAndInstance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	run := scheduledRun(t, f, models.ScheduleImmediate, map[string]interface{}{"type": "immediate"}, 0)
	require.NoError(t, f.dispatcher.handleScheduled(ctx, broker.Message{"task_id": run.ID}))

	require.NoError(t, f.dispatcher.handleStatusUpdate(ctx, broker.Message{
		"task_id": run.ID,
		"status":  "SUCCESS",
	}))

	got, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, got.Status)

	inst, err := f.store.GetInstance(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceSuccess, inst.Status)
	assert.NotNil(t, inst.FinishedAt)
}

func TestLoopCompletionSchedulesNextRound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := map[string]interface{}{"type": "interval_loop", "max_rounds": 3, "loop_interval": 30}
	run := scheduledRun(t, f, models.ScheduleIntervalLoop, cfg, 0)
	require.NoError(t, f.dispatcher.handleScheduled(ctx, broker.Message{"task_id": run.ID}))

	require.NoError(t, f.dispatcher.handleStatusUpdate(ctx, broker.Message{
		"task_id": run.ID,
		"status":  "SUCCESS",
	}))

	runs, err := f.store.ListRunsByTrace(ctx, run.TraceID)
	require.NoError(t, err)
	require.Len(t, runs, 2, "round 1 is scheduled")
	next := runs[1]
	assert.Equal(t, 1, next.RoundIndex)
	assert.Equal(t, models.RunPending, next.Status)
	assert.Equal(t, run.TraceID, next.TraceID, "loop rounds share the trace")

	wantMin := time.Now().UTC().Add(28 * time.Second)
	wantMax := time.Now().UTC().Add(32 * time.Second)
	assert.True(t, next.ScheduledTime.After(wantMin) && next.ScheduledTime.Before(wantMax))
}

func TestLoopStopsAtMaxRounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := map[string]interface{}{"type": "loop", "max_rounds": 2, "loop_interval": 0}
	run := scheduledRun(t, f, models.ScheduleLoop, cfg, 1) // final round
	require.NoError(t, f.dispatcher.handleScheduled(ctx, broker.Message{"task_id": run.ID}))

	require.NoError(t, f.dispatcher.handleStatusUpdate(ctx, broker.Message{
		"task_id": run.ID,
		"status":  "SUCCESS",
	}))

	runs, err := f.store.ListRunsByTrace(ctx, run.TraceID)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "no round beyond max_rounds")
}

func TestLoopCancelledTraceDoesNotContinue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := map[string]interface{}{"type": "interval_loop", "max_rounds": 5, "loop_interval": 10}
	run := scheduledRun(t, f, models.ScheduleIntervalLoop, cfg, 0)
	require.NoError(t, f.dispatcher.handleScheduled(ctx, broker.Message{"task_id": run.ID}))

	require.NoError(t, f.signals.Set(ctx, control.ScopeTrace, run.TraceID, control.SignalCancel))

	require.NoError(t, f.dispatcher.handleStatusUpdate(ctx, broker.Message{
		"task_id": run.ID,
		"status":  "FAILED",
		"error":   "cancelled",
	}))

	runs, err := f.store.ListRunsByTrace(ctx, run.TraceID)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "cancelled trace spawns no further rounds")
}

func TestCronCompletionSchedulesNextOccurrenceWithFreshTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cfg := map[string]interface{}{"type": "cron", "expression": "*/5 * * * *"}
	run := scheduledRun(t, f, models.ScheduleCron, cfg, 0)
	require.NoError(t, f.dispatcher.handleScheduled(ctx, broker.Message{"task_id": run.ID}))

	require.NoError(t, f.dispatcher.handleStatusUpdate(ctx, broker.Message{
		"task_id": run.ID,
		"status":  "SUCCESS",
	}))

	// The next occurrence lives on a fresh trace.
	sameTrace, err := f.store.ListRunsByTrace(ctx, run.TraceID)
	require.NoError(t, err)
	assert.Len(t, sameTrace, 1)

	pending, err := f.store.GetPending(ctx, time.Now().UTC().Add(6*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.ScheduleCron, pending[0].Type)
	assert.NotEqual(t, run.TraceID, pending[0].TraceID)
}
