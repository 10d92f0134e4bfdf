package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/szaher/agentspec/internal/datastore"
)

// ErrStateCorrupted is returned when the state file and its backup are both corrupted.
type ErrStateCorrupted struct {
	Path       string
	BackupUsed bool
	Err        error
}

func (e *ErrStateCorrupted) Error() string {
	if e.BackupUsed {
		return fmt.Sprintf("state file %q and backup are both corrupted: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("state file %q is corrupted: %v", e.Path, e.Err)
}

func (e *ErrStateCorrupted) Unwrap() error { return e.Err }

// ErrStateLocked is returned when a lock cannot be acquired within the timeout.
type ErrStateLocked struct {
	Path string
}

func (e *ErrStateLocked) Error() string {
	return fmt.Sprintf("state file %q is locked by another process", e.Path)
}

// LockConfig configures lock behavior.
type LockConfig struct {
	LockTimeout    time.Duration // How long to wait for a lock (default 30s)
	StaleThreshold time.Duration // Age after which a lock is considered stale (default 5m)
}

// DefaultLockConfig returns the default lock configuration.
func DefaultLockConfig() LockConfig {
	return LockConfig{
		LockTimeout:    30 * time.Second,
		StaleThreshold: 5 * time.Minute,
	}
}

// lockHandle is the subset of datastore's lock handle LocalBackend needs.
// It is satisfied structurally by the unexported type datastore.Lock
// returns, so LocalBackend never has to name that type.
type lockHandle interface {
	Unlock() error
}

// LocalBackend implements Backend using a local JSON file. Its atomic
// write and cross-process lock are both delegated to internal/datastore,
// the shared primitive the rest of the store contract is built on; only
// the resource-lifecycle backup policy (preserve the pre-image on every
// overwrite, recover from it on corruption) stays here, since it is
// stricter than datastore's own mirror-style `.bak` and existing callers
// depend on it.
type LocalBackend struct {
	Path       string
	store      *datastore.FSBackend
	lockConfig LockConfig
	lockHandle lockHandle
	lockTime   time.Time // when lock was acquired, for held duration logging
}

// NewLocalBackend creates a new local JSON state backend.
func NewLocalBackend(path string) *LocalBackend {
	return &LocalBackend{
		Path:       path,
		store:      datastore.NewFSBackend(filepath.Dir(path), slog.Default(), nil),
		lockConfig: DefaultLockConfig(),
	}
}

// WithLockConfig sets the lock configuration.
func (b *LocalBackend) WithLockConfig(cfg LockConfig) *LocalBackend {
	if cfg.LockTimeout > 0 {
		b.lockConfig.LockTimeout = cfg.LockTimeout
	}
	if cfg.StaleThreshold > 0 {
		b.lockConfig.StaleThreshold = cfg.StaleThreshold
	}
	return b
}

// stateFile is the on-disk JSON structure.
type stateFile struct {
	Version string  `json:"version"`
	Entries []Entry `json:"entries"`
}

// key is the datastore key for the main state document: the file name,
// resolved against the FSBackend rooted at the state file's directory.
func (b *LocalBackend) key() string {
	return filepath.Base(b.Path)
}

// Load reads all state entries from the JSON file.
// If the state file is corrupted, it attempts recovery from the .bak backup.
func (b *LocalBackend) Load() ([]Entry, error) {
	var sf stateFile
	exists, err := b.store.ReadJSON(b.key(), &sf)
	if err != nil {
		var corrupt *datastore.ErrCorrupt
		if errors.As(err, &corrupt) {
			slog.Error("state file corrupted", "path", b.Path, "json_error", err)
			return b.recoverFromBackup(err)
		}
		return nil, err
	}
	if !exists {
		return b.loadFromBackup()
	}
	return sf.Entries, nil
}

// loadFromBackup attempts to load from the .bak file when the main file is missing.
func (b *LocalBackend) loadFromBackup() ([]Entry, error) {
	var sf stateFile
	exists, err := b.store.ReadJSON(b.key()+".bak", &sf)
	if err != nil {
		return nil, &ErrStateCorrupted{Path: b.Path, BackupUsed: true, Err: err}
	}
	if !exists {
		return nil, nil // No state file and no backup — fresh start
	}

	slog.Error("state file missing, restored from backup", "path", b.Path, "backup_path", b.Path+".bak")
	if writeErr := b.store.WriteJSON(b.key(), sf); writeErr != nil {
		slog.Error("failed to restore backup to state path", "path", b.Path, "error", writeErr)
	}
	return sf.Entries, nil
}

// recoverFromBackup attempts to load from the .bak file after detecting corruption.
func (b *LocalBackend) recoverFromBackup(originalErr error) ([]Entry, error) {
	var sf stateFile
	exists, err := b.store.ReadJSON(b.key()+".bak", &sf)
	if err != nil || !exists {
		slog.Error("backup also unavailable", "path", b.Path, "backup_path", b.Path+".bak")
		return nil, &ErrStateCorrupted{Path: b.Path, BackupUsed: true, Err: originalErr}
	}

	slog.Error("state file corrupted, falling back to backup", "path", b.Path, "backup_path", b.Path+".bak")
	if writeErr := b.store.WriteJSON(b.key(), sf); writeErr != nil {
		slog.Error("failed to restore backup to state path", "path", b.Path, "error", writeErr)
	}
	return sf.Entries, nil
}

// Save writes all state entries atomically using datastore's temp-file →
// fsync → rename primitive. The previous state, if any, is preserved as
// a pre-image `.bak` before the new content replaces it, so a corrupted
// write can be recovered from the generation immediately prior.
func (b *LocalBackend) Save(entries []Entry) error {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].FQN < entries[j].FQN
	})
	sf := stateFile{
		Version: "1.0",
		Entries: entries,
	}

	bakPath := b.Path + ".bak"
	hadPrevious := false
	if _, err := os.Stat(b.Path); err == nil {
		if err := os.Rename(b.Path, bakPath); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
		hadPrevious = true
		slog.Info("state backup created", "path", b.Path, "backup_path", bakPath)
	}

	if err := b.store.WriteJSON(b.key(), sf); err != nil {
		if hadPrevious {
			if restoreErr := os.Rename(bakPath, b.Path); restoreErr != nil {
				slog.Error("failed to restore backup after write failure", "path", b.Path, "error", restoreErr)
			}
		}
		return err
	}
	return nil
}

// Get retrieves a single entry by FQN.
func (b *LocalBackend) Get(fqn string) (*Entry, error) {
	entries, err := b.Load()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].FQN == fqn {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// List returns all entries, optionally filtered by status.
func (b *LocalBackend) List(status *Status) ([]Entry, error) {
	entries, err := b.Load()
	if err != nil {
		return nil, err
	}
	if status == nil {
		return entries, nil
	}
	var filtered []Entry
	for _, e := range entries {
		if e.Status == *status {
			filtered = append(filtered, e)
		}
	}
	return filtered, nil
}

// LockWithContext acquires an exclusive file lock via datastore's shared
// cross-process lock primitive, which already implements the bounded
// exponential backoff and stale/dead-holder detection this backend used
// to duplicate.
func (b *LocalBackend) LockWithContext(ctx context.Context) error {
	opts := datastore.LockOptions{
		MaxRetries:    lockRetries(b.lockConfig.LockTimeout),
		MinBackoff:    100 * time.Millisecond,
		MaxBackoff:    100 * time.Millisecond,
		BackoffFactor: 1,
		StaleAfter:    b.lockConfig.StaleThreshold,
	}

	h, err := datastore.Lock(ctx, b.Path+".lock", opts)
	if err != nil {
		var timeout *datastore.ErrLockTimeout
		if errors.As(err, &timeout) {
			slog.Error("lock timeout", "path", b.Path, "wait_duration", b.lockConfig.LockTimeout)
			return &ErrStateLocked{Path: b.Path}
		}
		return err
	}

	b.lockHandle = h
	b.lockTime = time.Now()
	slog.Info("lock acquired", "path", b.Path, "pid", os.Getpid())
	return nil
}

// lockRetries approximates the previous deadline-based wait as a retry
// count against datastore's fixed 100ms polling interval.
func lockRetries(timeout time.Duration) int {
	if timeout <= 0 {
		return 10
	}
	n := int(timeout / (100 * time.Millisecond))
	if n < 1 {
		n = 1
	}
	return n
}

// Lock acquires an exclusive file lock (backward-compatible, no context).
func (b *LocalBackend) Lock() error {
	return b.LockWithContext(context.Background())
}

// Unlock releases the file lock.
func (b *LocalBackend) Unlock() error {
	if b.lockHandle == nil {
		return nil
	}

	heldDuration := time.Since(b.lockTime)
	pid := os.Getpid()

	err := b.lockHandle.Unlock()
	b.lockHandle = nil

	slog.Info("lock released", "path", b.Path, "pid", pid, "held_duration", heldDuration)
	return err
}
