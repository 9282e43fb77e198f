package scanner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/schedule/cronexpr"
	"github.com/orchid/orchid/internal/schedule/store"
)

// TraceStarter starts a new trace for a definition. Implemented by the
// lifecycle service.
type TraceStarter interface {
	StartTrace(ctx context.Context, definitionID string, params map[string]interface{}, triggerType string) (string, error)
}

// backfillWindow bounds how far back a fresh definition's first occurrence
// is computed when it has never fired.
const backfillWindow = 7 * 24 * time.Hour

// CronLoop wakes once per wall-clock minute, aligned to the minute boundary,
// and starts a trace for every active cron definition whose next occurrence
// has arrived. The last_triggered_at guard ensures at most one fire per
// (definition, wall minute).
type CronLoop struct {
	store   store.Store
	starter TraceStarter
	logger  *logger.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewCronLoop creates the minute-aligned cron loop.
func NewCronLoop(st store.Store, starter TraceStarter, log *logger.Logger) *CronLoop {
	return &CronLoop{
		store:   st,
		starter: starter,
		logger:  log.WithFields(zap.String("component", "cron-loop")),
	}
}

// Start begins the loop.
func (c *CronLoop) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("cron loop starting")
	c.wg.Add(1)
	go c.loop(ctx)
	return nil
}

// Stop stops the loop.
func (c *CronLoop) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return ErrNotRunning
	}
	c.running = false
	close(c.stopCh)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("cron loop stopped")
	return nil
}

func (c *CronLoop) loop(ctx context.Context) {
	defer c.wg.Done()

	for {
		// Sleep to the next whole minute so fires align with cron's
		// minute-level resolution.
		now := time.Now().UTC()
		next := now.Truncate(time.Minute).Add(time.Minute)
		wait := time.Until(next)
		if wait < time.Second {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-c.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}

		c.Tick(ctx, time.Now().UTC().Truncate(time.Minute))
	}
}

// Tick evaluates every active cron definition against the given wall minute.
// Exported for tests and manual triggers.
func (c *CronLoop) Tick(ctx context.Context, now time.Time) {
	defs, err := c.store.ListActiveCron(ctx)
	if err != nil {
		c.logger.Error("failed to list cron definitions", zap.Error(err))
		return
	}

	for _, def := range defs {
		if def.CronExpr == "" || cronexpr.Validate(def.CronExpr) != nil {
			continue
		}

		base := now.Add(-backfillWindow)
		if def.LastTriggeredAt != nil {
			base = def.LastTriggeredAt.UTC()
		}

		next, err := cronexpr.Next(def.CronExpr, base)
		if err != nil {
			c.logger.Error("failed to compute next occurrence",
				zap.String("definition_id", def.ID),
				zap.String("cron_expr", def.CronExpr),
				zap.Error(err))
			continue
		}

		if now.Before(next) {
			continue
		}

		c.logger.Info("cron definition due",
			zap.String("definition_id", def.ID),
			zap.Time("next_run", next),
			zap.Time("now", now))

		if _, err := c.starter.StartTrace(ctx, def.ID, map[string]interface{}{}, "CRON"); err != nil {
			c.logger.Error("failed to start cron trace",
				zap.String("definition_id", def.ID),
				zap.Error(err))
			continue
		}

		// Setting last_triggered_at to the current minute prevents a second
		// fire within the same minute.
		if err := c.store.UpdateLastTriggeredAt(ctx, def.ID, now); err != nil {
			c.logger.Error("failed to update last_triggered_at",
				zap.String("definition_id", def.ID),
				zap.Error(err))
		}
	}
}
