package scanner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/store"
)

type fakeStarter struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeStarter) StartTrace(ctx context.Context, definitionID string, params map[string]interface{}, triggerType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, definitionID)
	return uuid.New().String(), nil
}

func (f *fakeStarter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

func cronDefinition(t *testing.T, st store.Store, expr string) *models.Definition {
	t.Helper()
	now := time.Now().UTC()
	def := &models.Definition{
		ID:        uuid.New().String(),
		Name:      "cron-def",
		Content:   map[string]interface{}{"connector": "http"},
		CronExpr:  expr,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateDefinition(context.Background(), def))
	return def
}

func TestCronTickFiresDueDefinitionOnce(t *testing.T) {
	st := store.NewMemory()
	starter := &fakeStarter{}
	loop := NewCronLoop(st, starter, logger.Default())
	ctx := context.Background()

	def := cronDefinition(t, st, "*/5 * * * *")

	// A minute divisible by five: due (last_triggered_at defaults seven
	// days back, so the next occurrence is long past).
	minute := time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)
	loop.Tick(ctx, minute)
	assert.Equal(t, 1, starter.count())

	// The guard prevents a second fire within the same minute.
	loop.Tick(ctx, minute)
	assert.Equal(t, 1, starter.count())

	got, err := st.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
	assert.True(t, got.LastTriggeredAt.Equal(minute))
}

func TestCronTickSkipsNonDivisibleMinute(t *testing.T) {
	st := store.NewMemory()
	starter := &fakeStarter{}
	loop := NewCronLoop(st, starter, logger.Default())
	ctx := context.Background()

	def := cronDefinition(t, st, "*/5 * * * *")
	fired := time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)
	require.NoError(t, st.UpdateLastTriggeredAt(ctx, def.ID, fired))

	// Minutes 6..9 after a fire at :05 are not occurrences of */5.
	for m := 6; m <= 9; m++ {
		loop.Tick(ctx, time.Date(2025, 6, 2, 10, m, 0, 0, time.UTC))
	}
	assert.Equal(t, 0, starter.count())

	// :10 is.
	loop.Tick(ctx, time.Date(2025, 6, 2, 10, 10, 0, 0, time.UTC))
	assert.Equal(t, 1, starter.count())
}

func TestCronTickIgnoresInactiveAndInvalid(t *testing.T) {
	st := store.NewMemory()
	starter := &fakeStarter{}
	loop := NewCronLoop(st, starter, logger.Default())
	ctx := context.Background()

	inactive := cronDefinition(t, st, "* * * * *")
	require.NoError(t, st.UpdateDefinitionActive(ctx, inactive.ID, false))
	cronDefinition(t, st, "not a valid expression")

	loop.Tick(ctx, time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC))
	assert.Equal(t, 0, starter.count())
}
