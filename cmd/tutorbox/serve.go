package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/tutorbox/internal/config"
	"github.com/jkaninda/tutorbox/internal/gateway"
	"github.com/jkaninda/tutorbox/internal/gateway/httpapi"
	"github.com/jkaninda/tutorbox/internal/gateway/ws"
	"github.com/jkaninda/tutorbox/internal/sandbox"
	"github.com/jkaninda/tutorbox/internal/session"
)

var servePort string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tutorials over HTTP and the WebSocket terminal",
	RunE:  runServe,
}

func init() {
	// Register on both root and serve so that `tutorbox --port :9090`
	// and `tutorbox serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts tutorbox in server mode.
func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr, true)

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}
	if cfg.Gateways.HTTP == nil || !cfg.Gateways.HTTP.Enabled {
		return fmt.Errorf("the http gateway must be enabled to serve (gateways.http.enabled)")
	}

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()
	reapLeftovers(ctx, sc)

	logger.Info("starting tutorbox",
		slog.String("version", version),
		slog.String("sandbox", sc.Provider.Name()),
		slog.String("storage", sc.Store.Driver()),
		slog.Int("flows", sc.Catalog.Len()),
	)

	// Idle reaper: ends abandoned flows and prunes idle rate-limit buckets.
	reaper := session.NewReaper(sc.Registry, cfg.Sessions.SweepInterval(), logger).
		WithAfterSweep(func(time.Time) {
			if n := sc.Limiter.Prune(limiterIdle); n > 0 {
				logger.Debug("pruned rate limit buckets", slog.Int("count", n))
			}
		})
	stopReaper, err := reaper.Start(ctx)
	if err != nil {
		return err
	}
	defer stopReaper()

	gateways := buildGateways(cfg, sc)
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline. Sandboxes are released by Cleanup.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	return nil
}

// reapLeftovers removes sandboxes left behind by a crashed process. It runs
// before any flow starts, so nothing it finds is in use.
func reapLeftovers(ctx context.Context, sc *SharedComponents) {
	if err := sc.Workspace.CleanSandbox(); err != nil {
		sc.Logger.Warn("cleaning sandbox directory", slog.String("error", err.Error()))
	}
	if r, ok := sc.Provider.(sandbox.OrphanReaper); ok {
		if _, err := r.ReapOrphans(ctx); err != nil {
			sc.Logger.Warn("removing orphaned sandboxes", slog.String("error", err.Error()))
		}
	}
}

// buildGateways creates the HTTP gateway and, when enabled, the WebSocket
// terminal mounted on it. The terminal comes last so it stops first.
func buildGateways(cfg *config.Config, sc *SharedComponents) []gateway.Gateway {
	gwCfg := cfg.Gateways
	httpCfg := httpapi.Config{
		ListenAddr:     gwCfg.HTTP.Addr(),
		EnableDocs:     gwCfg.HTTP.EnableDocs,
		SSE:            gwCfg.HTTP.SSE,
		APIKeys:        apiKeys(gwCfg.HTTP, sc.Logger),
		MaxRequestSize: gwCfg.HTTP.MaxRequestSizeBytes,
	}
	if sc.Obs != nil {
		httpCfg.HealthChecker = sc.Obs.Health
		httpCfg.Metrics = sc.Obs.MetricsOrNil()
		httpCfg.Tracer = sc.Obs.SpanTracer()
		if m := sc.Obs.MetricsOrNil(); m != nil {
			httpCfg.MetricsRegistry = m.Registry
			if cfg.Observability.Metrics != nil {
				httpCfg.MetricsPath = cfg.Observability.Metrics.Path
			}
		}
	}

	httpGW := httpapi.NewGateway(httpCfg, sc.Service, sc.Logger)
	gws := []gateway.Gateway{httpGW}
	sc.Logger.Debug("gateway enabled",
		slog.String("type", "http"),
		slog.String("addr", httpCfg.ListenAddr),
		slog.Bool("admin", len(httpCfg.APIKeys) > 0),
	)

	if wsCfg := gwCfg.WebSocket; wsCfg != nil && wsCfg.Enabled {
		wsServer := ws.NewServer(sc.Service, wsCfg, sc.Obs.MetricsOrNil(), sc.Logger)
		httpGW.WithHandler(wsCfg.WSPath(), wsServer.Handler())
		gws = append(gws, wsServer)
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "websocket"),
			slog.String("path", wsCfg.WSPath()),
		)
	}
	return gws
}

// apiKeys merges operator keys from config with TUTORBOX_API_KEYS
// ("key:name,key2:name2").
func apiKeys(h *config.HTTPGatewayConfig, logger *slog.Logger) map[string]string {
	keys := make(map[string]string, len(h.APIKeyOperatorMapping))
	for k, v := range h.APIKeyOperatorMapping {
		keys[k] = v
	}
	env := os.Getenv("TUTORBOX_API_KEYS")
	if env == "" {
		return keys
	}
	for _, pair := range strings.Split(env, ",") {
		key, name, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || key == "" || name == "" {
			logger.Warn("ignoring malformed TUTORBOX_API_KEYS entry")
			continue
		}
		keys[key] = name
	}
	return keys
}
