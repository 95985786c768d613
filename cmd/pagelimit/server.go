package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/goodtune/pagelimit/internal/api"
	"github.com/goodtune/pagelimit/internal/bus"
	"github.com/goodtune/pagelimit/internal/config"
	"github.com/goodtune/pagelimit/internal/metrics"
	"github.com/goodtune/pagelimit/internal/systemd"
	"github.com/goodtune/pagelimit/internal/usage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the pagelimit daemon",
	Long:  `Start the coordinator daemon with the bus websocket, the settings API, and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration, following log level edits while running
	cfg, err := config.Watch(configPath, func(updated *config.Config) {
		zerolog.SetGlobalLevel(parseLevel(updated.Logging.Level))
		log.Info().Str("level", updated.Logging.Level).Msg("Configuration reloaded")
	}, func(err error) {
		log.Error().Err(err).Msg("Ignoring invalid configuration change")
	})
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting pagelimit")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	a, err := newApp(cfg, clock.New(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("path", cfg.Storage.Path).
		Str("sync_type", cfg.Storage.SyncType).
		Msg("Storage initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Message bus
	hub := bus.NewHub(a.coord, logger)
	a.coord.SetNotifier(hub)
	go hub.Run(ctx)

	// Retention
	resetScheduler := usage.NewResetScheduler(a.coord, cfg.Usage.RetentionDays, clock.New(), logger)
	resetScheduler.Start()

	// HTTP server
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.HTTPPort)
	httpServer := api.NewServer(httpAddr, hub, a.coord, a.repo, a.editor, logger)
	if sdListeners.Activated && sdListeners.HTTP != nil {
		httpServer.SetListener(sdListeners.HTTP)
	}
	if err := httpServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	// Metrics server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, func(ctx context.Context) error {
			_, err := a.repo.IsSyncingEnabled(ctx)
			return err
		}, logger)
		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger.Info().Msg("pagelimit startup complete")
	logger.Info().Msgf("Bus: ws://%s/ws", httpAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}
	go func() {
		if err := systemd.RunWatchdog(ctx); err != nil {
			logger.Warn().Err(err).Msg("Systemd watchdog stopped")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	resetScheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping HTTP server")
	}

	// Closes every bus connection
	cancel()

	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("pagelimit stopped")
	return nil
}
