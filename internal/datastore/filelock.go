package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"syscall"
	"time"
)

// LockOptions tunes the cross-process file lock's acquisition policy.
type LockOptions struct {
	MaxRetries    int
	MinBackoff    time.Duration
	MaxBackoff    time.Duration
	BackoffFactor float64
	StaleAfter    time.Duration
}

// DefaultLockOptions matches spec: up to 10 retries, exponential backoff
// from 100ms to 10s with factor 2 and jitter, locks older than 30s are
// considered stale.
func DefaultLockOptions() LockOptions {
	return LockOptions{
		MaxRetries:    10,
		MinBackoff:    100 * time.Millisecond,
		MaxBackoff:    10 * time.Second,
		BackoffFactor: 2,
		StaleAfter:    30 * time.Second,
	}
}

// lockInfo is written into the lock file so a waiter can diagnose (and
// potentially break) a stale holder.
type lockInfo struct {
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Created  time.Time `json:"created"`
}

// handle is the held lock returned by Lock; callers must call Unlock.
type handle struct {
	path string
	f    *os.File
}

func (h *handle) Unlock() error {
	err := syscall.Flock(int(h.f.Fd()), syscall.LOCK_UN)
	_ = h.f.Close()
	_ = os.Remove(h.path)
	return err
}

// Lock acquires an exclusive advisory lock on path (conventionally a
// sibling "<key>.lock" file), honoring opts' retry budget. A lock held
// past opts.StaleAfter, or held by a PID that is no longer alive on this
// host, is broken and re-acquired. Returns *ErrLockTimeout if the retry
// budget is exhausted.
func Lock(ctx context.Context, path string, opts LockOptions) (*handle, error) {
	attempt := 0
	backoff := opts.MinBackoff
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, fmt.Errorf("datastore: open lock file %q: %w", path, err)
		}

		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err == nil {
			writeLockInfo(f)
			return &handle{path: path, f: f}, nil
		}

		holder := readLockInfo(path)
		if holder != nil && (!isProcessAlive(holder) || time.Since(holder.Created) > opts.StaleAfter) {
			_ = f.Close()
			_ = os.Remove(path)
			continue
		}
		_ = f.Close()

		attempt++
		if attempt > opts.MaxRetries {
			return nil, &ErrLockTimeout{Path: path}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * opts.BackoffFactor)
		if backoff > opts.MaxBackoff {
			backoff = opts.MaxBackoff
		}
	}
}

// WithLock acquires path, runs fn, and releases the lock on every exit
// path including a panic unwinding through fn.
func WithLock(ctx context.Context, path string, opts LockOptions, fn func() error) error {
	h, err := Lock(ctx, path, opts)
	if err != nil {
		return err
	}
	defer func() { _ = h.Unlock() }()
	return fn()
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// +/-20% jitter around d.
	delta := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

func writeLockInfo(f *os.File) {
	hostname, _ := os.Hostname()
	info := lockInfo{PID: os.Getpid(), Hostname: hostname, Created: time.Now()}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = f.Write(data)
	_ = f.Sync()
}

func readLockInfo(path string) *lockInfo {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}
	var info lockInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil
	}
	return &info
}

func isProcessAlive(info *lockInfo) bool {
	hostname, _ := os.Hostname()
	if info.Hostname != "" && info.Hostname != hostname {
		// Can't probe a PID on a different host; don't assume dead.
		return true
	}
	if info.PID <= 0 {
		return true
	}
	return syscall.Kill(info.PID, 0) == nil
}
