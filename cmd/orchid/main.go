// Package main is the unified entry point for Orchid. A single binary runs
// the trigger API, the schedule pipeline, and the actor mesh with shared
// infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orchid/orchid/internal/actor"
	"github.com/orchid/orchid/internal/agents/agent"
	"github.com/orchid/orchid/internal/agents/aggregator"
	"github.com/orchid/orchid/internal/agents/bridge"
	"github.com/orchid/orchid/internal/agents/leaf"
	"github.com/orchid/orchid/internal/agents/router"
	"github.com/orchid/orchid/internal/agents/session"
	"github.com/orchid/orchid/internal/broker"
	"github.com/orchid/orchid/internal/capability"
	"github.com/orchid/orchid/internal/common/config"
	"github.com/orchid/orchid/internal/common/httpmw"
	"github.com/orchid/orchid/internal/common/logger"
	"github.com/orchid/orchid/internal/connector"
	"github.com/orchid/orchid/internal/control"
	"github.com/orchid/orchid/internal/events"
	"github.com/orchid/orchid/internal/registry"
	"github.com/orchid/orchid/internal/schedule/dispatcher"
	"github.com/orchid/orchid/internal/schedule/handlers"
	"github.com/orchid/orchid/internal/schedule/lifecycle"
	"github.com/orchid/orchid/internal/schedule/scanner"
	"github.com/orchid/orchid/internal/schedule/scheduler"
	"github.com/orchid/orchid/internal/schedule/store"
	"github.com/orchid/orchid/internal/telemetry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Orchid...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Message broker (NATS if configured, in-memory otherwise)
	var msgBroker broker.Broker
	if cfg.NATS.URL != "" {
		natsBroker, err := broker.NewNATSBroker(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		msgBroker = natsBroker
		log.Info("Using NATS broker", zap.String("url", cfg.NATS.URL))
	} else {
		msgBroker = broker.NewMemoryBroker(log)
		log.Info("Using in-memory broker")
	}
	defer msgBroker.Close()

	// 4. Registry and control signals (Redis if configured)
	var (
		actorRegistry registry.Registry
		signals       control.SignalStore
	)
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		actorRegistry = registry.NewRedis(redisClient, log)
		signals = control.NewRedisSignalStore(redisClient)
		log.Info("Using Redis registry", zap.String("addr", cfg.Redis.Addr))
	} else {
		actorRegistry = registry.NewMemory()
		signals = control.NewMemorySignalStore()
		log.Info("Using in-memory registry")
	}

	// 5. Schedule store
	scheduleStore, err := store.New(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open schedule store", zap.Error(err))
	}
	defer scheduleStore.Close()

	// 6. Event bus with a bounded recorder for inspection
	eventBus := events.NewBus(log)
	eventBus.Register(events.NewRecorder(256))

	// 7. Connector registry
	connectors := connector.NewRegistry()
	connectors.Register(connector.NewHTTPConnector(30 * time.Second))
	connectors.Register(connector.NewWorkflowConnector(nil))

	// 8. Actor system and mesh
	system := actor.NewSystem("orchid", log)
	system.OnFailure(func(ref *actor.Ref, reason interface{}) {
		eventBus.Publish("system", events.SystemError, ref.ID(), map[string]interface{}{
			"panic": fmt.Sprint(reason),
		})
	})
	defer system.Shutdown()

	leafDeps := leaf.Deps{
		Connectors: connectors,
		Signals:    signals,
		Bus:        eventBus,
		Logger:     log,
	}

	aggDeps := aggregator.Deps{
		Leaf:    leafDeps,
		Signals: signals,
		Bus:     eventBus,
		Logger:  log,
	}
	agentDeps := agent.Deps{
		System:     system,
		Classifier: capability.NewRuleClassifier(),
		Planner:    capability.NewContentPlanner(),
		Oracle:     capability.NewSequentialOracle(),
		Registry:   actorRegistry,
		Signals:    signals,
		Bus:        eventBus,
		Logger:     log,
	}
	sessionDeps := &session.Deps{
		Config: session.Config{
			TTL:               cfg.Registry.TTL(),
			HeartbeatInterval: cfg.Registry.HeartbeatDuration(),
		},
		Logger: log,
	}

	routerRef := system.Spawn("router", router.New(router.Deps{
		System:   system,
		Registry: actorRegistry,
		Session:  sessionDeps,
		TTL:      cfg.Registry.TTL(),
		Logger:   log,
	}))

	// Close the dependency cycle: sessions and aggregators need the router.
	aggDeps.Router = routerRef
	agentDeps.Aggregator = aggDeps
	sessionDeps.Router = routerRef
	sessionDeps.Agent = agentDeps

	// 9. Scheduling pipeline
	schedulerSvc := scheduler.NewService(scheduleStore, log)
	lifecycleSvc := lifecycle.NewService(scheduleStore, schedulerSvc, signals, eventBus, nil, log)

	executor := bridge.NewActorExecutor(system, routerRef, scheduleStore, msgBroker, log)
	lifecycleSvc.SetResumer(executor)

	dispatcherSvc := dispatcher.New(scheduleStore, msgBroker, schedulerSvc, signals, eventBus, executor, log, dispatcher.Config{
		MaxRetries: cfg.Dispatcher.MaxRetries,
		RetryDelay: time.Duration(cfg.Dispatcher.RetryDelay) * time.Second,
	})
	if err := dispatcherSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start dispatcher", zap.Error(err))
	}
	defer dispatcherSvc.Stop()

	scanSvc := scanner.New(scheduleStore, msgBroker, log, scanner.Config{
		ScanInterval: cfg.Scheduler.ScanIntervalDuration(),
		ScanLimit:    cfg.Scheduler.ScanLimit,
	})
	if err := scanSvc.Start(ctx); err != nil {
		log.Fatal("Failed to start scanner", zap.Error(err))
	}
	defer scanSvc.Stop()

	cronLoop := scanner.NewCronLoop(scheduleStore, lifecycleSvc, log)
	if err := cronLoop.Start(ctx); err != nil {
		log.Fatal("Failed to start cron loop", zap.Error(err))
	}
	defer cronLoop.Stop()

	// 10. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(httpmw.RequestLogger(log, "orchid"))
	engine.Use(httpmw.OtelTracing("orchid"))

	handlers.NewTriggerHandlers(lifecycleSvc, log).RegisterRoutes(engine)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	// 11. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case <-groupCtx.Done():
	}
	cancel()

	if err := group.Wait(); err != nil {
		log.Error("Shutdown error", zap.Error(err))
	}

	if err := telemetry.Shutdown(context.Background()); err != nil {
		log.Warn("Tracer shutdown failed", zap.Error(err))
	}
	log.Info("Orchid stopped")
}
