// Baton agent worker — hosts one worker per agent type against the shared
// store, consuming work items from the canonical input streams and
// answering with the built-in stub implementations.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/batonworks/baton/pkg/agent"
	"github.com/batonworks/baton/pkg/config"
	"github.com/batonworks/baton/pkg/store"
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
	types := flag.String("types", getEnv("BATON_AGENT_TYPES", ""), "comma-separated agent types to host (empty hosts all)")
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

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		slog.Error("Failed to open store", "backend", cfg.Store.Backend, "error", err)
		return 1
	}
	defer st.Close()

	invokers := selectInvokers(*types)
	if len(invokers) == 0 {
		slog.Error("No agent types selected", "types", *types)
		return 1
	}

	hosted := make([]string, 0, len(invokers))
	g, gctx := errgroup.WithContext(ctx)
	for _, invoker := range invokers {
		worker := agent.NewWorker(st, invoker, agent.WorkerConfig{
			HeartbeatInterval: cfg.Coordination.HeartbeatInterval,
		})
		hosted = append(hosted, invoker.Type())
		g.Go(func() error { return worker.Run(gctx) })
	}
	slog.Info("Agent workers started", "version", version.Full(), "types", hosted)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Shutdown with error", "error", err)
		return 2
	}
	slog.Info("Shutdown complete")
	return 0
}

// selectInvokers filters the built-in invokers down to the requested agent
// types. An empty selection hosts every type.
func selectInvokers(types string) []agent.Invoker {
	all := agent.StubInvokers()
	if strings.TrimSpace(types) == "" {
		return all
	}
	wanted := make(map[string]bool)
	for _, t := range strings.Split(types, ",") {
		if t = store.NormalizeAgentType(t); t != "" {
			wanted[t] = true
		}
	}
	var out []agent.Invoker
	for _, invoker := range all {
		if wanted[invoker.Type()] {
			out = append(out, invoker)
		}
	}
	return out
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
