package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// migrationSentinelKey is the DB-side sentinel recorded once the
// filesystem-to-database upgrade has fully succeeded.
const migrationSentinelKey = reservedPrefix + "fs-to-db"

// downgradeMarkerName is the FS-side marker recorded once the
// database-to-filesystem downgrade has fully succeeded.
const downgradeMarkerName = ".migrated-from-db"

// migrationSentinel is the payload of the DB sentinel / FS marker.
type migrationSentinel struct {
	MigratedAt time.Time `json:"migratedAt"`
	Count      int       `json:"count"`
}

// excludedDirs are never descended into during filesystem enumeration:
// they hold scratch state that does not belong in the KV table.
var excludedDirs = map[string]bool{
	"workspace":    true,
	"sessions":     true,
	"media":        true,
	"logs":         true,
	"node_modules": true,
}

func isExcludedDir(name string) bool {
	return excludedDirs[name] || strings.HasPrefix(name, "workspace-")
}

func isExcludedFile(name string) bool {
	return strings.HasSuffix(name, ".bak") || strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".lock")
}

// MigrateFSToDB imports every *.json document under stateDir into the
// database backend, skipping the sentinel's own reserved prefix and any
// scratch directory. It is idempotent: a prior successful run leaves the
// _migration/fs-to-db sentinel in place and this call returns
// immediately. A partial failure (any file skipped) leaves the sentinel
// unwritten so the next startup retries.
func MigrateFSToDB(ctx context.Context, stateDir, home string, db *DBBackend, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "datastore", "migration", "fs-to-db")

	var sentinel json.RawMessage
	err := db.pool.QueryRow(ctx, `SELECT data FROM kv WHERE key = $1`, migrationSentinelKey).Scan(&sentinel)
	switch {
	case err == nil:
		logger.Info("fs-to-db migration already complete, skipping")
		return nil
	case !errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("datastore: check fs-to-db sentinel: %w", err)
	}

	files, err := enumerateJSONFiles(stateDir)
	if err != nil {
		return fmt.Errorf("datastore: enumerate state dir %q: %w", stateDir, err)
	}

	migrated, failed := 0, 0
	for _, path := range files {
		var doc any
		ok, err := loadJSON(path, &doc)
		if err != nil || !ok {
			logger.Warn("skipping unreadable or corrupt state file", "path", path, "error", err)
			failed++
			continue
		}

		key := Normalize(path, home)
		if checkReservedKey(key) != nil {
			logger.Warn("skipping state file under the reserved key prefix", "path", path, "key", key)
			continue
		}
		if err := upsertIfAbsent(ctx, db, key, doc); err != nil {
			logger.Warn("failed to import state file", "path", path, "key", key, "error", err)
			failed++
			continue
		}
		migrated++
	}

	logger.Info("fs-to-db migration pass complete", "migrated", migrated, "total", len(files), "failed", failed)

	if failed > 0 {
		return nil // sentinel intentionally withheld; next startup retries
	}

	return db.writeJSONUnchecked(migrationSentinelKey, migrationSentinel{
		MigratedAt: time.Now(),
		Count:      migrated,
	})
}

// upsertIfAbsent writes doc under key only if the database does not
// already hold a row for it, mirroring the `ON CONFLICT (key) DO
// NOTHING` guarantee so concurrently-booting processes never race.
func upsertIfAbsent(ctx context.Context, db *DBBackend, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("datastore: marshal %q for import: %w", key, err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO kv (key, data, updated_at) VALUES ($1, $2, now()) ON CONFLICT (key) DO NOTHING`,
		key, data,
	)
	return err
}

// enumerateJSONFiles walks root recursively, collecting *.json files
// while skipping excluded directories and sidecar files.
func enumerateJSONFiles(root string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			if path != root && isExcludedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if isExcludedFile(name) {
			return nil
		}
		if strings.HasSuffix(name, ".json") {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MigrateDBToFS exports every non-sentinel row to stateDir, re-anchoring
// relative keys under home and writing absolute keys verbatim. A file
// that already exists on disk is never overwritten. It is idempotent via
// the stateDir/.migrated-from-db marker.
func MigrateDBToFS(ctx context.Context, stateDir, home string, db *DBBackend, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "datastore", "migration", "db-to-fs")

	markerPath := filepath.Join(stateDir, downgradeMarkerName)
	if _, err := os.Stat(markerPath); err == nil {
		logger.Info("db-to-fs migration already complete, skipping")
		return nil
	}

	rows, err := db.pool.Query(ctx, `SELECT key, data FROM kv WHERE key NOT LIKE $1`, reservedPrefix+"%")
	if err != nil {
		return fmt.Errorf("datastore: export rows: %w", err)
	}
	defer rows.Close()

	migrated, failed := 0, 0
	for rows.Next() {
		var key string
		var raw []byte
		if err := rows.Scan(&key, &raw); err != nil {
			logger.Warn("skipping unreadable row", "error", err)
			failed++
			continue
		}

		target, err := Materialize(key, home)
		if err != nil {
			logger.Warn("skipping key with no safe materialization", "key", key, "error", err)
			failed++
			continue
		}
		if _, err := os.Stat(target); err == nil {
			continue // never overwrite a pre-existing file
		}

		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			logger.Warn("skipping corrupt row", "key", key, "error", err)
			failed++
			continue
		}
		if err := saveJSON(target, doc); err != nil {
			logger.Warn("failed to export row", "key", key, "target", target, "error", err)
			failed++
			continue
		}
		migrated++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("datastore: export rows iteration: %w", err)
	}

	logger.Info("db-to-fs migration pass complete", "migrated", migrated, "failed", failed)

	if failed > 0 {
		return nil // marker intentionally withheld; next startup retries
	}

	return saveJSON(markerPath, migrationSentinel{
		MigratedAt: time.Now(),
		Count:      migrated,
	})
}
