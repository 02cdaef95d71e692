// Package bootstrap builds the backends shared by the API and the
// worker from configuration.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

// Logger returns a JSON logger in production and a text logger
// otherwise, at cfg.LogLevel.
func Logger(cfg config.App) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// OpenStore opens the configured attendance store and, when enabled,
// migrates it. The returned close function is never nil.
func OpenStore(ctx context.Context, cfg config.App, logger *slog.Logger) (attendance.Store, func() error, error) {
	var db *store.DB
	switch cfg.StoreBackend {
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on restart and not shared between processes")
		return attendance.NewMemoryStore(), func() error { return nil }, nil
	case config.StorePostgres:
		var err error
		db, err = store.NewDB(cfg.DatabaseURL)
		if err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
	case config.StoreSQLite:
		var err error
		db, err = store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	repo := attendance.NewRepository(db)
	if cfg.MigrateOnStart {
		if err := repo.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	logger.Info("store ready", "backend", cfg.StoreBackend)
	return repo, db.Close, nil
}

// OpenBus returns the configured event bus. rdb is required for the
// redis backend.
func OpenBus(cfg config.App, rdb *store.Redis, logger *slog.Logger) (queue.Bus, error) {
	switch cfg.BusBackend {
	case config.BusMemory:
		return queue.NewInMemory(64), nil
	case config.BusRedis:
		if rdb == nil {
			return nil, errors.New("redis bus requires a redis client")
		}
		return queue.NewRedisBus(rdb.Client, cfg.BusChannel, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.BusBackend)
	}
}
