package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	instanceMu   sync.RWMutex
	instance     Backend
	instancePool *pgxpool.Pool
)

// Get returns the process-wide backend instance installed by Init (or a
// test via SetForTest). It panics if no instance has been installed,
// mirroring the "must call Init before use" contract of a process-wide
// singleton.
func Get() Backend {
	instanceMu.RLock()
	defer instanceMu.RUnlock()
	if instance == nil {
		panic("datastore: Get called before Init")
	}
	return instance
}

// SetForTest installs b as the process-wide instance and returns a
// function that restores whatever instance was previously installed.
// Tests should defer the restore function.
func SetForTest(b Backend) func() {
	instanceMu.Lock()
	previous := instance
	instance = b
	instanceMu.Unlock()
	return func() {
		instanceMu.Lock()
		instance = previous
		instanceMu.Unlock()
	}
}

// Init resolves the backend from the environment, runs the appropriate
// bidirectional migration, and for the database backend preloads the
// cache so subsequent synchronous reads are served. It installs the
// resulting Backend as the process-wide singleton.
func Init(ctx context.Context, logger *slog.Logger, reg prometheus.Registerer) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	return InitWithConfig(ctx, cfg, logger, reg)
}

// InitWithConfig is Init with an explicit Config, for callers (and
// tests) that don't want to go through the environment.
func InitWithConfig(ctx context.Context, cfg Config, logger *slog.Logger, reg prometheus.Registerer) error {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := NewMetrics(reg)

	switch cfg.Backend {
	case KindFilesystem:
		fs := NewFSBackend(cfg.StateDir, logger, metrics)
		if cfg.DBURL != "" {
			pool, err := pgxpool.New(ctx, cfg.DBURL)
			if err != nil {
				return fmt.Errorf("datastore: connect for downgrade check: %w", err)
			}
			defer pool.Close()
			db := newDBBackend(pool, logger, metrics)
			home, _ := os.UserHomeDir()
			if err := MigrateDBToFS(ctx, cfg.StateDir, home, db, logger); err != nil {
				return fmt.Errorf("datastore: db-to-fs migration: %w", err)
			}
		}
		installInstance(fs, nil)
		return nil

	case KindDatabase:
		pool, err := pgxpool.New(ctx, cfg.DBURL)
		if err != nil {
			return fmt.Errorf("datastore: connect to database: %w", err)
		}
		db := newDBBackend(pool, logger, metrics)
		if err := db.EnsureSchema(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("datastore: ensure schema: %w", err)
		}
		home, _ := os.UserHomeDir()
		if err := MigrateFSToDB(ctx, cfg.StateDir, home, db, logger); err != nil {
			pool.Close()
			return fmt.Errorf("datastore: fs-to-db migration: %w", err)
		}
		if err := db.EnsurePreloaded(ctx); err != nil {
			pool.Close()
			return fmt.Errorf("datastore: preload: %w", err)
		}
		installInstance(db, pool)
		return nil

	default:
		return ErrInvalidConfig
	}
}

func installInstance(b Backend, pool *pgxpool.Pool) {
	instanceMu.Lock()
	instance = b
	instancePool = pool
	instanceMu.Unlock()
}

// Flush awaits the process-wide backend's durability barrier.
func Flush(ctx context.Context) error {
	return Get().Flush(ctx)
}

// Close releases resources held by the process-wide instance (the
// database connection pool, if any). It is safe to call even when the
// filesystem backend is active.
func Close() error {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instancePool != nil {
		instancePool.Close()
		instancePool = nil
	}
	instance = nil
	return nil
}
