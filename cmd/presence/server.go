package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goodtune/presence/internal/api"
	"github.com/goodtune/presence/internal/config"
	"github.com/goodtune/presence/internal/metrics"
	"github.com/goodtune/presence/internal/presence"
	"github.com/goodtune/presence/internal/storage"
	"github.com/goodtune/presence/internal/storage/postgres"
	"github.com/goodtune/presence/internal/storage/postgres/migrate"
	"github.com/goodtune/presence/internal/storage/redis"
	"github.com/goodtune/presence/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the presence server",
	Long:  `Start the accrual clock, the periodic auditor, the JSON API and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting presence")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	store, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	// Tracker components share one clock and one write path
	trackerCfg := trackerConfig(cfg.Tracking, cfg.Audit)
	clock := presence.RealClock{}
	updater := presence.NewUpdater(store.Sessions(), clock, trackerCfg, logger)
	queries := presence.NewPresence(store, clock, trackerCfg, logger)
	updater.Subscribe(queries.Invalidate)

	controller := presence.NewController(store, updater, logger)
	accruer := presence.NewAccruer(store, updater, logger)
	auditor := presence.NewAuditor(store, clock, trackerCfg.AuditTolerance, logger)

	accruer.Start()
	auditor.Start(config.ParseDuration(cfg.Audit.Interval, 15*time.Minute))

	logger.Info().
		Int("workers", trackerCfg.Workers).
		Int("cache_size", trackerCfg.CacheSize).
		Str("audit_interval", cfg.Audit.Interval).
		Msg("Tracking started")

	// API server
	apiServer := api.NewServer(api.Config{
		ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: config.ParseDuration(cfg.Server.RateLimitWindow, time.Minute),
	}, store, controller, queries, auditor, logger)

	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	// Metrics server
	metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	metricsServer := metrics.NewServer(metricsAddr, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return store.Ping(ctx)
	}, logger)

	if sdListeners.Activated && sdListeners.Metrics != nil {
		metricsServer.SetListener(sdListeners.Metrics)
	}

	if err := metricsServer.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger.Info().Msg("Presence startup complete")
	logger.Info().Msgf("API: http://%s:%d/api", cfg.Server.BindAddress, cfg.Server.APIPort)
	logger.Info().Msgf("Metrics: http://%s", metricsAddr)

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}

	watchdogStop := make(chan struct{})
	if interval := systemd.WatchdogInterval(); interval > 0 {
		go runWatchdog(interval, store, watchdogStop, logger)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan

		if sig == syscall.SIGHUP {
			// Configuration is immutable at runtime; an audit is the useful
			// thing an operator can ask for without a restart
			logger.Info().Msg("SIGHUP received, running audit")
			if report, err := auditor.Run(context.Background()); err != nil {
				logger.Error().Err(err).Msg("Audit failed")
			} else {
				logger.Info().Bool("healthy", report.Healthy()).Msg("Audit complete")
			}
			continue
		}

		logger.Info().Msg("Shutdown signal received, gracefully stopping...")
		break
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}
	close(watchdogStop)

	if err := apiServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping API server")
	}

	// Stop the clock after the API so no lifecycle call races the last tick
	accruer.Stop()
	auditor.Stop()

	if err := metricsServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping metrics server")
	}

	logger.Info().Msg("Presence stopped")

	return nil
}

// runWatchdog pings the systemd watchdog while the store is reachable.
func runWatchdog(interval time.Duration, store storage.Store, stop <-chan struct{}, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval/2)
			err := store.Ping(ctx)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Msg("Storage unreachable, withholding watchdog ping")
				continue
			}
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Warn().Err(err).Msg("Failed to send systemd watchdog notification")
			}
		}
	}
}

func openStorage(cfg config.StorageConfig, logger zerolog.Logger) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	case "postgres":
		if cfg.Postgres.AutoMigrate {
			if err := migrate.Run(cfg.Postgres.DSN, "up"); err != nil {
				return nil, fmt.Errorf("failed to migrate database: %w", err)
			}
			logger.Info().Msg("Database schema is up to date")
		}
		return postgres.Open(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be redis or postgres)", storageType)
	}
}

// trackerConfig converts the file configuration into tracker tunables.
// Validation has already rejected unparsable durations.
func trackerConfig(tracking config.TrackingConfig, audit config.AuditConfig) presence.Config {
	return presence.Config{
		TickInterval:      config.ParseDuration(tracking.TickInterval, presence.DefaultTickInterval),
		InactivityTimeout: config.ParseDuration(tracking.InactivityTimeout, presence.DefaultInactivityTimeout),
		MaxFold:           config.ParseDuration(tracking.MaxFold, 0),
		MaxUpdateAttempts: tracking.MaxUpdateAttempts,
		Workers:           tracking.Workers,
		CacheSize:         tracking.CacheSize,
		AuditTolerance:    config.ParseDuration(audit.Tolerance, presence.DefaultAuditTolerance),
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
