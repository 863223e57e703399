package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/isolab/internal/config"
	"github.com/jkaninda/isolab/internal/gateway"
	"github.com/jkaninda/isolab/internal/gateway/httpapi"
	"github.com/jkaninda/isolab/internal/gateway/ws"
	"github.com/jkaninda/isolab/internal/hostinfo"
	goutils "github.com/jkaninda/go-utils"
)

// sweepMaxAge is how long an idle rate-limit bucket survives before the
// scheduled sweep drops it.
const sweepMaxAge = 30 * time.Minute

var (
	serveConfigPath string
	serveListenAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the isolab server (dashboard + JSON API)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `isolab --config path` and `isolab serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serveListenAddr, "listen", "", "override HTTP listen address (e.g. :8000)")
	}
}

// runServe starts the isolab server: lab manager, dashboard, API, and
// the WebSocket lab feed.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.LoadOrDefault(goutils.Env("ISOLAB_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if serveListenAddr != "" {
		cfg.Server.ListenAddr = serveListenAddr
	}

	logger.Info("starting isolab server", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scheduled sweep of idle rate-limit buckets.
	cancelSweeper, err := sc.Limiter.StartSweeper(ctx, cfg.Server.SweepCron(), sweepMaxAge, logger)
	if err != nil {
		return fmt.Errorf("starting rate limit sweeper: %w", err)
	}
	defer cancelSweeper()

	// Live lab feed for dashboard browsers.
	feed := ws.NewFeed(sc.Labs, sc.Sessions, ws.DefaultInterval, logger)
	go feed.Run(ctx)

	var gw gateway.Gateway = buildGateway(cfg, sc, feed)
	logger.Info("gateway configured", slog.String("addr", cfg.Server.Addr()))

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

// buildGateway assembles the HTTP gateway from shared components.
func buildGateway(cfg *config.Config, sc *SharedComponents, feed *ws.Feed) *httpapi.Gateway {
	loginLimit, loginWindow := cfg.Server.Login()
	createLimit, createWindow := cfg.Server.Create()

	httpCfg := httpapi.Config{
		ListenAddr:   cfg.Server.Addr(),
		EnableDocs:   cfg.Server.EnableDocs,
		LoginLimit:   loginLimit,
		LoginWindow:  loginWindow,
		CreateLimit:  createLimit,
		CreateWindow: createWindow,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		httpCfg.Anomaly = sc.Obs.Anomaly
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	return httpapi.NewGateway(httpCfg, sc.Labs, sc.Creds, sc.Sessions, sc.Limiter, sc.Logger).
		WithHostInfo(hostinfo.NewCollector()).
		WithAudit(sc.Recorder).
		WithChangeNotifier(feed.Notify).
		WithHandler("/ws/labs", feed.Handler())
}
