package main

import (
	"fmt"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/goodtune/pagelimit/internal/config"
	"github.com/goodtune/pagelimit/internal/coordinator"
	"github.com/goodtune/pagelimit/internal/lock"
	"github.com/goodtune/pagelimit/internal/matcher"
	"github.com/goodtune/pagelimit/internal/metrics"
	"github.com/goodtune/pagelimit/internal/settings"
	"github.com/goodtune/pagelimit/internal/storage"
	"github.com/goodtune/pagelimit/internal/storage/bolt"
	"github.com/goodtune/pagelimit/internal/storage/redis"
)

// app is the set of components shared by the daemon and the offline
// commands.
type app struct {
	store  storage.Store
	repo   *settings.Repository
	locker *lock.Locker
	coord  *coordinator.Coordinator
	editor *settings.Editor
}

func newApp(cfg *config.Config, clk clock.Clock, logger zerolog.Logger) (*app, error) {
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	m, err := matcher.New(matcher.DefaultCacheSize, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	locker := lock.New(func(name string, waited time.Duration) {
		metrics.LockWaitDuration.WithLabelValues(name).Observe(waited.Seconds())
	})
	repo := settings.NewRepository(store, logger)

	return &app{
		store:  store,
		repo:   repo,
		locker: locker,
		coord:  coordinator.New(repo, m, locker, clk, logger),
		editor: settings.NewEditor(repo, locker, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// openStorage opens the bolt file for the local partition and, when
// configured, redis for the sync partition.
func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	boltStore, err := bolt.Open(cfg.Path)
	if err != nil {
		return nil, err
	}

	switch cfg.SyncType {
	case "", "bolt":
		return boltStore, nil
	case "redis":
		redisStore, err := redis.Open(cfg.Redis)
		if err != nil {
			_ = boltStore.Close()
			return nil, err
		}
		return storage.Combine(boltStore.Local(), redisStore.Sync(), redisStore.Close, boltStore.Close), nil
	default:
		_ = boltStore.Close()
		return nil, fmt.Errorf("unsupported sync storage type: %s", cfg.SyncType)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// quietLogger is used by the interactive commands.
func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
