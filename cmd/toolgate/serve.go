package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate-io/toolgate/internal/audit"
	"github.com/toolgate-io/toolgate/internal/capability"
	"github.com/toolgate-io/toolgate/internal/config"
	"github.com/toolgate-io/toolgate/internal/events"
	"github.com/toolgate-io/toolgate/internal/httpapi"
	"github.com/toolgate-io/toolgate/internal/observability"
	"github.com/toolgate-io/toolgate/internal/ratelimit"
	"github.com/toolgate-io/toolgate/internal/registry"
	"github.com/toolgate-io/toolgate/internal/reload"
	"github.com/toolgate-io/toolgate/internal/sandbox"
	"github.com/toolgate-io/toolgate/internal/server"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	serveListenAddr string
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the proxy",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `toolgate --config path` and `toolgate serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8440)")
		cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	}
}

// runServe starts the proxy: sandbox selector, server fleet, reload
// coordinator, config watcher, and HTTP gateway.
func runServe(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	configPath := goutils.Env("TOOLGATE_CONFIG", serveConfigPath)
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		cfg.Gateway.ListenAddr = serveListenAddr
	}

	logger.Info("toolgate starting",
		slog.String("version", version),
		slog.String("config", configPath),
		slog.Int("servers", len(cfg.Servers)),
	)

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(logger)
	defer bus.Close()

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return err
	}
	go obs.ObserveBus(ctx, bus)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	}()

	// Audit log (optional).
	var auditor *audit.Logger
	if cfg.Audit.Enabled {
		auditor, err = audit.New(cfg.Audit.Path, logger)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		defer auditor.Close()
		go auditor.Consume(ctx, bus)
		logger.Debug("audit log enabled", slog.String("path", cfg.Audit.Path))
	}

	// Sandbox selector probes the platform once at startup.
	selector := sandbox.NewSelector(sandbox.DockerConfig{
		Image: goutils.Env("TOOLGATE_DOCKER_IMAGE", ""),
	}, logger)

	reg := registry.New(selector, bus, logger, server.Options{
		ClientVersion: version,
	})
	defer reg.StopAll()

	// Reload coordinator applies the initial snapshot and every later one,
	// coalescing bursts to the most recent.
	coord := reload.NewCoordinator(reg, bus, logger)
	go coord.Run(ctx)
	coord.Submit(cfg)

	// Watch the config file for changes.
	go func() {
		err := config.Watch(ctx, configPath, logger, coord.Submit)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("config watcher stopped", slog.String("error", err.Error()))
		}
	}()

	// Aggregated tool cache, invalidated by lifecycle events.
	toolCache := capability.NewCache(reg, cfg.Capability.TTL(), logger)
	go toolCache.Watch(ctx, bus)

	// Readiness: degraded while any configured server sits in the failed state.
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("servers", func(_ context.Context) error {
			for _, st := range reg.Statuses() {
				if st.State == server.StateFailed {
					return fmt.Errorf("server %s failed: %s", st.Name, st.Error)
				}
			}
			return nil
		})
	}

	gw := buildGateway(cfg, configPath, reg, toolCache, coord, bus, auditor, obs, logger)

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	// Wait for signal or gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Error("stopping gateway", slog.String("error", err.Error()))
	}

	return nil
}

// buildGateway assembles the HTTP gateway from config and shared components.
func buildGateway(cfg *config.Snapshot, configPath string, reg *registry.Registry, toolCache *capability.Cache, coord *reload.Coordinator, bus *events.Bus, auditor *audit.Logger, obs *observability.Observability, logger *slog.Logger) *httpapi.Gateway {
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		BurstSize:         cfg.Gateway.BurstSize,
	})

	// Build API key → client ID mapping from config + env override.
	apiKeys := cfg.Gateway.APIKeys
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("TOOLGATE_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.ListenAddr,
		EnableDocs:     cfg.Gateway.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Gateway.MaxRequestBytes,
		RequestTimeout: cfg.Gateway.RequestTimeout(),
		ConfigPath:     configPath,
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
		if obs.Tracer != nil {
			gwCfg.Tracer = obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			gwCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	return httpapi.NewGateway(gwCfg, reg, toolCache, coord, bus, limiter, auditor, logger)
}
