// wfsearch server
// Runs walk-forward optimizations: plans runs, queues their jobs and executes them in containers.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/saltfish/wfsearch/internal/api/grpc"
	httpapi "github.com/saltfish/wfsearch/internal/api/http"
	"github.com/saltfish/wfsearch/internal/config"
	"github.com/saltfish/wfsearch/internal/db"
	"github.com/saltfish/wfsearch/internal/db/repository"
	"github.com/saltfish/wfsearch/internal/events"
	"github.com/saltfish/wfsearch/internal/executor"
	"github.com/saltfish/wfsearch/internal/metrics"
	"github.com/saltfish/wfsearch/internal/optimizer"
	"github.com/saltfish/wfsearch/internal/scheduler"
)

// Build-time variables (set via ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting wfsearch",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("environment", cfg.Env),
		zap.String("log_level", cfg.Logging.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Application error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("wfsearch stopped")
}

// run initializes and runs all application components.
func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	backend := &cfg.Backend

	// 1. Storage: PostgreSQL when configured, memory otherwise
	var (
		repos *repository.Repositories
		pool  *db.Pool
	)
	if backend.Database.Enabled() {
		logger.Info("Connecting to PostgreSQL...")
		var err error
		pool, err = db.NewPool(ctx, &backend.Database, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer pool.Close()

		if err := pool.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		repos = repository.NewRepositories(pool)
		logger.Info("Connected to PostgreSQL")
	} else {
		logger.Info("Database not configured, keeping state in memory")
		repos = repository.NewMemoryRepositories()
	}

	// 2. Execution engine
	logger.Info("Initializing Docker manager...")
	dockerManager, err := executor.NewDockerManager(&backend.Docker, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Docker manager: %w", err)
	}
	exec := executor.NewContainerExecutor(dockerManager, logger)
	if n, err := exec.CleanupStale(ctx, backend.Docker.StaleAfter()); err != nil {
		logger.Warn("Failed to clean up stale containers", zap.Error(err))
	} else if n > 0 {
		logger.Info("Removed stale containers", zap.Int("count", n))
	}

	// 3. Event publisher (RabbitMQ)
	var eventPublisher events.Publisher
	if backend.RabbitMQ.Enabled() {
		logger.Info("Connecting to RabbitMQ...")
		publisher, err := events.NewRabbitMQPublisher(&backend.RabbitMQ, logger)
		if err != nil {
			logger.Warn("Failed to connect to RabbitMQ, using no-op publisher", zap.Error(err))
			eventPublisher = events.NewNoOpPublisher()
		} else {
			eventPublisher = publisher
			defer publisher.Close()
		}
	} else {
		logger.Info("RabbitMQ not configured, using no-op publisher")
		eventPublisher = events.NewNoOpPublisher()
	}

	// 4. Observers of every run
	promMetrics := metrics.New()
	hub := httpapi.NewHub(logger)
	go hub.Run()
	defer hub.Shutdown()
	grpcServer := grpc.NewServer(logger)

	// 5. Scheduler and run manager. The scheduler queues the manager's jobs and
	// hands their results back to it.
	sched := scheduler.NewScheduler(&backend.Scheduler, repos, exec, eventPublisher, logger)
	manager := optimizer.NewManager(repos, sched, eventPublisher, logger,
		optimizer.WithObservers(events.NewStrategyObserver(eventPublisher, logger), promMetrics, hub),
		optimizer.WithRunHooks(promMetrics, hub, grpcServer),
	)
	sched.SetResultSink(manager)

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			logger.Error("Error stopping scheduler", zap.Error(err))
		}
	}()

	// 6. Results reported by external engines over the bus
	if backend.RabbitMQ.Enabled() {
		subscriber, err := events.NewRabbitMQSubscriber(&backend.RabbitMQ, backend.RabbitMQ.Queue, logger)
		if err != nil {
			logger.Warn("Failed to create RabbitMQ subscriber, engine results will not be consumed", zap.Error(err))
		} else {
			defer subscriber.Close()
			handler := events.NewEngineResultHandler(ctx, manager, logger)
			if err := subscriber.Subscribe(ctx, []string{events.RoutingKeyEngineResult}, handler); err != nil {
				logger.Warn("Failed to subscribe to engine results", zap.Error(err))
			}
		}
	}

	// 7. Cron schedules
	launcher := scheduler.NewRunLauncher(manager, logger)
	if err := launcher.Start(backend.Schedules); err != nil {
		return fmt.Errorf("failed to start run launcher: %w", err)
	}
	defer launcher.Stop()

	// 8. HTTP server (health, metrics, REST API, websocket)
	httpAddr := fmt.Sprintf(":%d", backend.HTTPPort)
	httpapi.Version = Version
	opts := []httpapi.Option{
		httpapi.WithScheduler(sched),
		httpapi.WithLauncher(launcher),
		httpapi.WithHub(hub),
		httpapi.WithMetrics(promMetrics.Handler()),
	}
	if pool != nil {
		opts = append(opts, httpapi.WithDatabase(pool))
	}
	httpServer := httpapi.NewServer(httpAddr, manager, logger, opts...)

	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// 9. gRPC health server
	grpcAddr := fmt.Sprintf(":%d", backend.GRPCPort)
	go func() {
		if err := grpcServer.Start(grpcAddr); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	logger.Info("wfsearch initialized and running",
		zap.String("grpc_address", grpcAddr),
		zap.String("http_address", httpAddr),
		zap.Int("schedules", len(launcher.Schedules())),
	)

	<-ctx.Done()

	logger.Info("Shutting down wfsearch...")
	grpcServer.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	grpcServer.Stop()
	logger.Info("gRPC server stopped")

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	// Deferred: launcher, subscriber, scheduler (waits for active jobs), publisher, database
	return nil
}

// initLogger initializes the zap logger based on configuration.
func initLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapCfg zap.Config

	if cfg.Logging.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
	}

	switch cfg.Logging.Level {
	case "debug":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	if cfg.Logging.OutputPath != "" && cfg.Logging.OutputPath != "stdout" {
		zapCfg.OutputPaths = []string{cfg.Logging.OutputPath}
	}

	return zapCfg.Build()
}
