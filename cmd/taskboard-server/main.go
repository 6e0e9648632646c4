// Command taskboard-server is the production entrypoint: it loads
// configuration, wires the append log's domain packages to Postgres/Redis,
// and serves the capability-URL HTTP surface alongside a
// standalone metrics listener, until an interrupt asks it to drain and
// stop.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/coldtrail/taskboard/internal/api"
	"github.com/coldtrail/taskboard/internal/config"
	"github.com/coldtrail/taskboard/internal/database"
	"github.com/coldtrail/taskboard/pkg/appendlog"
	"github.com/coldtrail/taskboard/pkg/audit"
	"github.com/coldtrail/taskboard/pkg/capability"
	"github.com/coldtrail/taskboard/pkg/clock"
	"github.com/coldtrail/taskboard/pkg/events"
	"github.com/coldtrail/taskboard/pkg/metrics"
	"github.com/coldtrail/taskboard/pkg/shared/logging"
	"github.com/coldtrail/taskboard/pkg/webhook"
	"github.com/coldtrail/taskboard/pkg/workspace"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "config.yaml", "path to the server's YAML configuration file")
	sweep := flag.Bool("sweep", false, "run the background claim sweeper in this process")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic("load config: " + err.Error())
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		panic("build logger: " + err.Error())
	}
	defer logger.Sync()

	if err := run(cfg, logger, *sweep); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger, sweep bool) error {
	// otel's internal diagnostics (span export failures, propagator errors)
	// go through the logr shim so they land in the same structured log as
	// everything else instead of to stderr.
	otel.SetLogger(zapr.NewLogger(logger))

	dbConfig := database.DefaultConfig()
	dbConfig.Host = cfg.Database.Host
	dbConfig.Port = cfg.Database.Port
	dbConfig.User = cfg.Database.User
	dbConfig.Password = cfg.Database.Password
	dbConfig.Database = cfg.Database.Name
	dbConfig.SSLMode = cfg.Database.SSLMode
	dbConfig.LoadFromEnv()

	db, err := database.Connect(dbConfig, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.Migrate(db.DB); err != nil {
		return err
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
	} else {
		logger.Warn("redis address not configured, capability lookups will bypass the cache")
	}
	if cfg.Capability.Salt == "dev-salt-change-me" {
		logger.Warn("capability.salt left at its development default; set CAPABILITY_SALT in production")
	}

	clk := clock.Real{}

	capStore := capability.NewStore(db)
	capCache := capability.NewCachedStore(capStore, rdb, cfg.Redis.TTL, logger)

	files := workspace.NewRepository(db)

	appendRepo := appendlog.NewRepository(db)
	handler := appendlog.NewHandler(appendRepo, clk)
	executor := appendlog.NewExecutor(db, handler)
	broker := appendlog.NewBroker(db, clk)
	claims := appendlog.NewClaimService(db, appendRepo, capStore, clk)

	auditStore := audit.NewStore(db, logger, clk, cfg.Audit.BufferSize, cfg.Audit.BatchSize, cfg.Audit.FlushInterval)
	defer auditStore.Close()

	bus := events.NewBus()

	webhookStore := webhook.NewStore(db)
	dispatcher := webhook.NewDispatcher(webhookStore, webhook.Options{
		DispatchTimeout: cfg.Webhook.DispatchTimeout,
		MaxConcurrent:   cfg.Webhook.MaxConcurrent,
	}, logger)
	unsubscribeWebhooks := dispatcher.Subscribe(bus)
	defer unsubscribeWebhooks()

	handlers := &api.Handlers{
		Capability:              capCache,
		Salt:                    cfg.Capability.Salt,
		Files:                   files,
		Appends:                 appendRepo,
		Broker:                  broker,
		Batch:                   executor,
		Claims:                  claims,
		Audit:                   auditStore,
		Events:                  bus,
		Clock:                   clk,
		Logger:                  logger,
		IdempotencyWaitTimeout:  cfg.Idempotency.WaitTimeout,
		IdempotencyPollInterval: cfg.Idempotency.PollInterval,
		AppendMaxContentBytes:   cfg.Append.MaxContentBytes,
		RequestBodyMaxBytes:     cfg.Append.RequestBodyMaxBytes,
	}

	router := api.NewRouter(handlers, allowedOrigins())

	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.WebhookPort,
		Handler: router,
	}

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, logger)
	metricsServer.StartAsync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if sweep {
		sweeper := appendlog.NewSweeper(appendRepo, bus, clk, logger, cfg.Claim.SweepInterval)
		go sweeper.Run(ctx)
		logger.Info("claim sweeper started", zap.Duration("interval", cfg.Claim.SweepInterval))
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("taskboard-server listening", zap.String("port", cfg.Server.WebhookPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- err
		}
	}()

	select {
	case err := <-serverErrors:
		return err
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining in-flight requests")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown error", zap.Error(err))
	}

	return nil
}

// allowedOrigins reads a comma-free single-origin override for local
// development; production deployments front this service with their own
// ingress/CORS policy and rarely need the server itself to allow more than
// one origin.
func allowedOrigins() []string {
	if v := os.Getenv("CORS_ALLOWED_ORIGIN"); v != "" {
		return []string{v}
	}
	return []string{"*"}
}
