// Baton orchestrator server — serves the HTTP/WebSocket API, runs the
// agent coordination loops, executes job task graphs, and relays the event
// streams to live subscribers.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/batonworks/baton/pkg/api"
	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/coordination"
	"github.com/batonworks/baton/pkg/events"
	"github.com/batonworks/baton/pkg/observability"
	"github.com/batonworks/baton/pkg/orchestrator"
	"github.com/batonworks/baton/pkg/store"
	"github.com/batonworks/baton/pkg/tdd"
	"github.com/batonworks/baton/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", getEnv("BATON_CONFIG", "baton.yaml"), "path to the YAML config file")
	envFile := flag.String("env-file", getEnv("BATON_ENV_FILE", ".env"), "path to an optional .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	slog.Info("Starting baton",
		"version", version.Full(),
		"store", cfg.Store.Backend,
		"addr", cfg.Server.Addr)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to open store", "backend", cfg.Store.Backend, "error", err)
		return 1
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.New(reg)

	publisher := events.NewPublisher(st)
	manager := events.NewConnectionManager(cfg.Server.SubscriberQueueSize, metrics)
	relay := events.NewRelay(st, manager)

	breaker := coordination.NewCircuitBreaker(cfg.Coordination.CircuitBreakerThreshold, cfg.Coordination.CircuitBreakerTimeout)
	health := coordination.NewHealthMonitor(st, publisher, cfg.Coordination, metrics)
	discovery := coordination.NewDiscovery(st, health, breaker, publisher, cfg.Coordination)
	router := coordination.NewRouter(st, discovery, breaker, publisher, cfg.Coordination, metrics)
	engine := tdd.NewEngine(st, cfg.TDD, metrics)
	executor := orchestrator.NewExecutor(st, router, health, publisher, engine, cfg.Executor, cfg.TDD, metrics)

	gin.SetMode(gin.ReleaseMode)
	server := api.NewServer(executor, discovery, router, health, manager, st, reg, cfg.Server)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return health.Run(gctx) })
	g.Go(func() error { return discovery.RunScan(gctx) })
	g.Go(func() error { return discovery.RunCleanup(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return executor.RunResults(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	slog.Info("Baton started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Shutdown with error", "error", err)
		return 2
	}
	slog.Info("Shutdown complete")
	return 0
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	}
}
