package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/schedule/models"
)

// storeFactories lets every test run against both implementations.
func storeFactories(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemory()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLite(filepath.Join(t.TempDir(), "orchid-test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func newRun(status models.RunStatus, scheduledTime time.Time, priority int) *models.ScheduledRun {
	now := time.Now().UTC()
	return &models.ScheduledRun{
		ID:             uuid.New().String(),
		DefinitionID:   "def-1",
		TraceID:        uuid.New().String(),
		ScheduledTime:  scheduledTime,
		Type:           models.ScheduleImmediate,
		ScheduleConfig: map[string]interface{}{"type": "immediate"},
		InputParams:    map[string]interface{}{"k": "v"},
		Priority:       priority,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestDefinitionLifecycle(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			now := time.Now().UTC()
			def := &models.Definition{
				ID:        uuid.New().String(),
				Name:      "report",
				Content:   map[string]interface{}{"connector": "http", "url": "http://example.test"},
				CronExpr:  "*/5 * * * *",
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			}
			require.NoError(t, s.CreateDefinition(ctx, def))

			got, err := s.GetDefinition(ctx, def.ID)
			require.NoError(t, err)
			assert.Equal(t, "report", got.Name)
			assert.Equal(t, "*/5 * * * *", got.CronExpr)
			assert.Equal(t, "http", got.Content["connector"])
			assert.Nil(t, got.LastTriggeredAt)

			crons, err := s.ListActiveCron(ctx)
			require.NoError(t, err)
			require.Len(t, crons, 1)

			require.NoError(t, s.UpdateDefinitionActive(ctx, def.ID, false))
			crons, err = s.ListActiveCron(ctx)
			require.NoError(t, err)
			assert.Empty(t, crons)

			fired := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
			require.NoError(t, s.UpdateLastTriggeredAt(ctx, def.ID, fired))
			got, err = s.GetDefinition(ctx, def.ID)
			require.NoError(t, err)
			require.NotNil(t, got.LastTriggeredAt)
			assert.True(t, got.LastTriggeredAt.Equal(fired), "last_triggered_at should round-trip")

			_, err = s.GetDefinition(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDeleteDefinitionGuard(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			now := time.Now().UTC()
			def := &models.Definition{
				ID: uuid.New().String(), Name: "d", Content: map[string]interface{}{},
				IsActive: true, CreatedAt: now, UpdatedAt: now,
			}
			require.NoError(t, s.CreateDefinition(ctx, def))

			run := newRun(models.RunPending, now, 0)
			run.DefinitionID = def.ID
			require.NoError(t, s.CreateRun(ctx, run))

			assert.ErrorIs(t, s.DeleteDefinition(ctx, def.ID), ErrDefinitionInUse)

			require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunCancelled))
			assert.NoError(t, s.DeleteDefinition(ctx, def.ID))
		})
	}
}

func TestGetPendingOrderingAndLimit(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			now := time.Now().UTC()

			early := newRun(models.RunPending, now.Add(-2*time.Minute), 0)
			late := newRun(models.RunPending, now.Add(-1*time.Minute), 0)
			urgent := newRun(models.RunPending, now.Add(-30*time.Second), 5)
			future := newRun(models.RunPending, now.Add(time.Hour), 9)
			claimed := newRun(models.RunScheduled, now.Add(-time.Hour), 9)
			for _, run := range []*models.ScheduledRun{early, late, urgent, future, claimed} {
				require.NoError(t, s.CreateRun(ctx, run))
			}

			pending, err := s.GetPending(ctx, now, 100)
			require.NoError(t, err)
			require.Len(t, pending, 3)
			// priority DESC first, then scheduled_time ASC
			assert.Equal(t, urgent.ID, pending[0].ID)
			assert.Equal(t, early.ID, pending[1].ID)
			assert.Equal(t, late.ID, pending[2].ID)

			limited, err := s.GetPending(ctx, now, 2)
			require.NoError(t, err)
			assert.Len(t, limited, 2)
		})
	}
}

func TestGuardedRunTransitions(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			run := newRun(models.RunPending, time.Now().UTC(), 0)
			require.NoError(t, s.CreateRun(ctx, run))

			// The valid chain
			require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunScheduled))
			require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunDispatched))
			require.NoError(t, s.UpdateRunStatus(ctx, run.ID, models.RunSuccess))

			// Terminal is final
			err := s.UpdateRunStatus(ctx, run.ID, models.RunPending)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			// PENDING -> SCHEDULED claims exactly once
			second := newRun(models.RunPending, time.Now().UTC(), 0)
			require.NoError(t, s.CreateRun(ctx, second))
			require.NoError(t, s.UpdateRunStatus(ctx, second.ID, models.RunScheduled))
			err = s.UpdateRunStatus(ctx, second.ID, models.RunScheduled)
			assert.ErrorIs(t, err, ErrInvalidTransition)

			// Revert path for failed publishes
			require.NoError(t, s.UpdateRunStatus(ctx, second.ID, models.RunPending))
		})
	}
}

func TestRecordRetry(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			run := newRun(models.RunPending, time.Now().UTC(), 0)
			require.NoError(t, s.CreateRun(ctx, run))

			require.NoError(t, s.RecordRetry(ctx, run.ID, "broker unavailable"))
			require.NoError(t, s.RecordRetry(ctx, run.ID, "still unavailable"))

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, got.RetryCount)
			assert.Equal(t, "still unavailable", got.LastError)
		})
	}
}

func TestInstanceFinishedRequiresTerminal(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			inst := &models.TaskInstance{
				ID: uuid.New().String(), DefinitionID: "def-1", TraceID: "trace-1",
				Status: models.InstanceDispatched, ScheduleType: models.ScheduleImmediate,
				InputParams: map[string]interface{}{}, CreatedAt: time.Now().UTC(),
			}
			require.NoError(t, s.CreateInstance(ctx, inst))

			err := s.UpdateInstanceFinished(ctx, inst.ID, time.Now().UTC(), models.InstanceRunning, "", "")
			assert.ErrorIs(t, err, ErrInvalidTransition)

			require.NoError(t, s.UpdateInstanceFinished(ctx, inst.ID, time.Now().UTC(), models.InstanceSuccess, "ref-1", ""))
			got, err := s.GetInstance(ctx, inst.ID)
			require.NoError(t, err)
			assert.Equal(t, models.InstanceSuccess, got.Status)
			require.NotNil(t, got.FinishedAt)
			assert.Equal(t, "ref-1", got.OutputRef)
		})
	}
}

func TestListByTraceOrdersByRound(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()
			traceID := uuid.New().String()

			for round := 2; round >= 0; round-- {
				run := newRun(models.RunPending, time.Now().UTC(), 0)
				run.TraceID = traceID
				run.RoundIndex = round
				require.NoError(t, s.CreateRun(ctx, run))
			}

			runs, err := s.ListRunsByTrace(ctx, traceID)
			require.NoError(t, err)
			require.Len(t, runs, 3)
			for i, run := range runs {
				assert.Equal(t, i, run.RoundIndex)
			}
		})
	}
}

func TestRequestIDBinding(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			ctx := context.Background()

			_, err := s.LatestTraceForRequest(ctx, "req-1")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.BindRequestID(ctx, "req-1", "trace-a"))
			require.NoError(t, s.BindRequestID(ctx, "req-1", "trace-b"))

			traceID, err := s.LatestTraceForRequest(ctx, "req-1")
			require.NoError(t, err)
			assert.Equal(t, "trace-b", traceID)
		})
	}
}
