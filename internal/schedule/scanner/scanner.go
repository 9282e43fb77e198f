// Package scanner discovers due scheduled runs and pushes them onto the
// broker for dispatch. It also hosts the minute-aligned cron loop that
// starts new traces for definitions carrying a cron expression.
package scanner

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchid/orchid/internal/broker"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/schedule/models"
	"github.com/orchid/orchid/internal/schedule/store"
)

// Common errors
var (
	ErrAlreadyRunning = errors.New("scanner is already running")
	ErrNotRunning     = errors.New("scanner is not running")
)

// Config holds scanner configuration.
type Config struct {
	ScanInterval time.Duration // how often to scan for due runs
	ScanLimit    int           // max runs per scan
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		ScanInterval: 10 * time.Second,
		ScanLimit:    100,
	}
}

// Scanner periodically finds due PENDING runs, claims them with a guarded
// PENDING→SCHEDULED transition, and publishes them onto task.scheduled.
type Scanner struct {
	store  store.Store
	broker broker.Broker
	logger *logger.Logger
	config Config

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scanner.
func New(st store.Store, b broker.Broker, log *logger.Logger, cfg Config) *Scanner {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = DefaultConfig().ScanInterval
	}
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = DefaultConfig().ScanLimit
	}
	return &Scanner{
		store:  st,
		broker: b,
		logger: log.WithFields(zap.String("component", "schedule-scanner")),
		config: cfg,
	}
}

// Start begins the scan loop.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("schedule scanner starting",
		zap.Duration("scan_interval", s.config.ScanInterval),
		zap.Int("scan_limit", s.config.ScanLimit))

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop stops the scan loop.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("schedule scanner stopped")
	return nil
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs a single scan pass. Exported so manual triggers and
// tests can force a pass without waiting for the ticker.
func (s *Scanner) ScanOnce(ctx context.Context) {
	now := time.Now().UTC()
	pending, err := s.store.GetPending(ctx, now, s.config.ScanLimit)
	if err != nil {
		s.logger.Error("failed to query pending runs", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	s.logger.Info("found pending runs to process", zap.Int("count", len(pending)))

	for _, run := range pending {
		s.claimAndPublish(ctx, run)
	}
}

// claimAndPublish claims a run via the guarded transition and publishes it.
// A failed claim means another scanner instance won the race; that is not an
// error. A failed publish reverts the claim so the next pass retries.
func (s *Scanner) claimAndPublish(ctx context.Context, run *models.ScheduledRun) {
	if err := s.store.UpdateRunStatus(ctx, run.ID, models.RunScheduled); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			s.logger.Debug("run already claimed", zap.String("run_id", run.ID))
			return
		}
		s.logger.Error("failed to claim run", zap.String("run_id", run.ID), zap.Error(err))
		return
	}

	msg := broker.Message{
		"task_id":         run.ID,
		"definition_id":   run.DefinitionID,
		"trace_id":        run.TraceID,
		"input_params":    run.InputParams,
		"scheduled_time":  run.ScheduledTime.UTC().Format(time.RFC3339),
		"round_index":     run.RoundIndex,
		"schedule_config": run.ScheduleConfig,
	}

	if err := s.broker.Publish(ctx, broker.TopicTaskScheduled, msg); err != nil {
		s.logger.Error("failed to publish scheduled run",
			zap.String("run_id", run.ID),
			zap.Error(err))
		if retryErr := s.store.RecordRetry(ctx, run.ID, err.Error()); retryErr != nil {
			s.logger.Error("failed to record retry", zap.String("run_id", run.ID), zap.Error(retryErr))
		}
		// Revert the claim so the next scan pass picks the run up again.
		if revertErr := s.store.UpdateRunStatus(ctx, run.ID, models.RunPending); revertErr != nil {
			s.logger.Error("failed to revert run to pending",
				zap.String("run_id", run.ID),
				zap.Error(revertErr))
		}
		return
	}

	s.logger.Debug("run published for dispatch", zap.String("run_id", run.ID))
}
