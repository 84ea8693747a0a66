package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/spf13/cobra"

	"github.com/jkaninda/quorum/internal/config"
	"github.com/jkaninda/quorum/internal/gateway"
	"github.com/jkaninda/quorum/internal/gateway/httpapi"
	"github.com/jkaninda/quorum/internal/gateway/ws"
	"github.com/jkaninda/quorum/internal/ratelimit"
)

var (
	configPath string
	servePort  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the approvement engine with the HTTP API and WebSocket stream",
	RunE:  runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
	// Registered on both root and serve so that
	// `quorum --port :9090` and `quorum serve --port :9090` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// loadConfig resolves the config path (QUORUM_CONFIG wins over --config).
func loadConfig() (*config.Config, string, error) {
	path := goutils.Env("QUORUM_CONFIG", configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// runServe starts the engine and every gateway, then waits for a signal.
func runServe(_ *cobra.Command, _ []string) error {
	logger, err := newLogger(os.Stderr, logLevel)
	if err != nil {
		return err
	}

	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		cfg.Server.ListenAddr = servePort
	}

	logger.Info("starting quorum",
		slog.String("config", path),
		slog.String("version", version),
	)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sc.Engine.Start(ctx); err != nil {
		return fmt.Errorf("starting approvement engine: %w", err)
	}

	if cfg.Retention.IsEnabled() {
		stopRetention, err := sc.Engine.StartRetention(ctx, cfg.Retention.CronSchedule(), cfg.Retention.MaxAge())
		if err != nil {
			stopEngine(sc)
			return err
		}
		defer stopRetention()
	}

	limiter := ratelimit.NewLimiter(cfg.Server.RateLimit.Limiter())
	go pruneLimiter(ctx, limiter, time.Minute)

	gateways := buildGateways(cfg, sc, limiter)
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	// Start all gateways in goroutines.
	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(ctx)
		}(gw)
	}

	// Wait for signal or first gateway error.
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errs:
		if runErr != nil {
			logger.Error("gateway exited with error", slog.String("error", runErr.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	if err := sc.Engine.Stop(shutdownCtx); err != nil {
		logger.Error("stopping approvement engine", slog.String("error", err.Error()))
	}

	return runErr
}

// buildGateways wires the HTTP API and, when enabled, the WebSocket stream
// mounted on it. Slack interactive endpoints without their own listener
// are mounted on the API as well.
func buildGateways(cfg *config.Config, sc *SharedComponents, limiter *ratelimit.Limiter) []gateway.Gateway {
	httpCfg := httpapi.Config{
		ListenAddr:    cfg.Server.Addr(),
		EnableDocs:    cfg.Server.EnableDocs,
		Version:       version,
		APIKeys:       cfg.Server.APIKeys,
		HealthChecker: sc.Obs.Health,
	}
	if m := sc.Obs.MetricsOrNil(); m != nil {
		httpCfg.Metrics = m
		httpCfg.MetricsHandler = m.Handler()
		httpCfg.MetricsPath = cfg.Observability.MetricsPath()
	}
	if t := sc.Obs.TracerOrNil(); t != nil {
		httpCfg.Tracer = t.Tracer()
	}

	api := httpapi.NewGateway(httpCfg, sc.Engine, limiter, sc.Logger)
	if sc.History != nil {
		api.WithHistory(sc.History)
	}
	for _, sl := range sc.mountedSlack {
		api.WithHandler(http.MethodPost, sl.Path(), sl.Handler())
		sc.Logger.Debug("slack endpoint mounted on http api",
			slog.String("channel", sl.Name()),
			slog.String("path", sl.Path()),
		)
	}

	var gws []gateway.Gateway
	if cfg.WebSocket.IsEnabled() {
		wsServer := ws.NewServer(sc.Engine.Changes(), ws.Config{}, sc.Logger)
		api.WithHandler(http.MethodGet, cfg.WebSocket.WSPath(), wsServer.Handler())
		gws = append(gws, wsServer)
		sc.Obs.MetricsOrNil().GaugeFunc("ws_clients", "Connected WebSocket status stream clients.", func() float64 {
			return float64(wsServer.ClientCount())
		})
		sc.Logger.Debug("gateway enabled",
			slog.String("type", "websocket"),
			slog.String("path", cfg.WebSocket.WSPath()),
		)
	}
	return append(gws, api)
}

// pruneLimiter drops idle rate limit buckets until ctx is done.
func pruneLimiter(ctx context.Context, limiter *ratelimit.Limiter, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Prune()
		}
	}
}

func stopEngine(sc *SharedComponents) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sc.Engine.Stop(ctx); err != nil {
		sc.Logger.Error("stopping approvement engine", slog.String("error", err.Error()))
	}
}
