package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FSBackend implements Backend over one JSON document per file under
// root. Each key is a path (after Normalize/Materialize) relative to,
// or anchored under, root.
type FSBackend struct {
	root     string
	lockOpts LockOptions
	logger   *slog.Logger
	metrics  *Metrics
}

// NewFSBackend creates a filesystem-backed store rooted at root.
func NewFSBackend(root string, logger *slog.Logger, metrics *Metrics) *FSBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &FSBackend{
		root:     root,
		lockOpts: DefaultLockOptions(),
		logger:   logger.With("component", "datastore", "backend", "fs"),
		metrics:  metrics,
	}
}

func (b *FSBackend) path(key string) string {
	return filepath.Join(b.root, filepath.FromSlash(key))
}

// ReadJSON performs a strict, synchronous disk read.
func (b *FSBackend) ReadJSON(key string, out any) (bool, error) {
	b.metrics.reads.WithLabelValues("fs").Inc()
	exists, err := loadJSON(b.path(key), out)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// ReadJSON5 attempts a strict parse, then a lenient one, on disk reads.
func (b *FSBackend) ReadJSON5(key string, out any) (bool, error) {
	b.metrics.reads.WithLabelValues("fs").Inc()
	return loadJSONLenient(b.path(key), out)
}

// ReadText returns the raw file contents, or ("", false, nil) if absent.
func (b *FSBackend) ReadText(key string) (string, bool, error) {
	b.metrics.reads.WithLabelValues("fs").Inc()
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(data), true, nil
}

// ReadJSONWithFallback leaves out at its caller-supplied fallback value
// when key does not exist.
func (b *FSBackend) ReadJSONWithFallback(key string, out any) (bool, error) {
	return b.ReadJSON(key, out)
}

// WriteJSON synchronously, atomically persists doc.
func (b *FSBackend) WriteJSON(key string, doc any) error {
	if err := checkReservedKey(key); err != nil {
		return err
	}
	b.metrics.writes.WithLabelValues("fs").Inc()
	return saveJSON(b.path(key), doc)
}

// WriteJSONWithBackup persists doc and best-effort copies it to a .bak
// sidecar.
func (b *FSBackend) WriteJSONWithBackup(key string, doc any) error {
	if err := checkReservedKey(key); err != nil {
		return err
	}
	b.metrics.writes.WithLabelValues("fs").Inc()
	return saveJSONWithBackup(b.path(key), doc)
}

// WriteText writes content verbatim.
func (b *FSBackend) WriteText(key, content string) error {
	if err := checkReservedKey(key); err != nil {
		return err
	}
	b.metrics.writes.WithLabelValues("fs").Inc()
	return saveText(b.path(key), content)
}

// UpdateJSONWithLock holds a per-key file lock for the duration of a
// strict read, the updater call, and (if changed) the write.
func (b *FSBackend) UpdateJSONWithLock(ctx context.Context, key string, updater Updater) error {
	if err := checkReservedKey(key); err != nil {
		return err
	}
	path := b.path(key)
	timer := b.metrics.lockWait.WithLabelValues("fs")
	start := time.Now()

	return WithLock(ctx, path+".lock", b.lockOpts, func() error {
		timer.Observe(time.Since(start).Seconds())

		var current json.RawMessage
		exists, err := loadJSON(path, &current)
		if err != nil {
			return err
		}
		if !exists {
			current = nil
		}

		next, changed, err := updater(current)
		if err != nil {
			return fmt.Errorf("datastore: updater for %q: %w", key, err)
		}
		if !changed {
			return nil
		}
		b.metrics.writes.WithLabelValues("fs").Inc()
		return saveJSON(path, next)
	})
}

// Delete unlinks the file backing key. Absence is not an error.
func (b *FSBackend) Delete(key string) error {
	if err := checkReservedKey(key); err != nil {
		return err
	}
	b.metrics.deletes.WithLabelValues("fs").Inc()
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Flush is a no-op: filesystem writes are synchronous.
func (b *FSBackend) Flush(_ context.Context) error {
	return nil
}
