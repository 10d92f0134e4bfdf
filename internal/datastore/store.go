// Package datastore implements the pluggable key-value state store shared
// by the AgentSpec runtime's long-lived collaborators: sandbox registries,
// the pairing handshake store, the cron job registry, the Telegram offset
// tracker, and the restart sentinel. Two backends, filesystem and
// database, implement the same Backend contract so callers can treat
// state as cheap local memory regardless of deployment shape.
package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCorrupt is returned when a strict JSON read encounters malformed
// data. Callers must not treat it as absence.
type ErrCorrupt struct {
	Key string
	Err error
}

func (e *ErrCorrupt) Error() string {
	return fmt.Sprintf("datastore: key %q is corrupt: %v", e.Key, e.Err)
}

func (e *ErrCorrupt) Unwrap() error { return e.Err }

// ErrLockTimeout is returned when a file lock could not be acquired
// within the configured retry budget.
type ErrLockTimeout struct {
	Path string
}

func (e *ErrLockTimeout) Error() string {
	return fmt.Sprintf("datastore: timed out acquiring lock for %q", e.Path)
}

// ErrInvalidConfig is returned when OPENCLAW_DATASTORE names an
// unrecognized backend.
var ErrInvalidConfig = errors.New("datastore: invalid OPENCLAW_DATASTORE value")

// ErrMisconfigured is returned when the database backend is selected but
// no connection string is configured.
var ErrMisconfigured = errors.New("datastore: database backend selected but OPENCLAW_STATE_DB_URL is unset")

// reservedPrefix is the key namespace callers must not use; it is
// reserved for migration sentinels.
const reservedPrefix = "_migration/"

// Updater transforms the current value of a key inside an atomic
// read-modify-write. current is nil when the key is absent. If changed
// is false, next is ignored and no write is performed.
type Updater func(current json.RawMessage) (next any, changed bool, err error)

// Backend is the storage contract implemented by both the filesystem and
// database backends. It is the sole API callers should depend on; they
// must not reach into backend-specific internals.
type Backend interface {
	// ReadJSON decodes the document stored at key into out. It reports
	// whether the key exists. Absence is not an error.
	ReadJSON(key string, out any) (bool, error)

	// ReadJSON5 behaves like ReadJSON but, on the filesystem backend,
	// falls back to a lenient parse when strict JSON decoding fails.
	// The database backend always stores strict JSON, so ReadJSON5 is
	// identical to ReadJSON there.
	ReadJSON5(key string, out any) (bool, error)

	// ReadText reads a raw text document. Absence yields ("", false, nil).
	ReadText(key string) (string, bool, error)

	// ReadJSONWithFallback decodes the document at key into out, which
	// must already hold the caller's fallback value. It reports whether
	// the key existed; out is left at the fallback value when it did not.
	ReadJSONWithFallback(key string, out any) (bool, error)

	// WriteJSON persists doc under key.
	WriteJSON(key string, doc any) error

	// WriteJSONWithBackup persists doc under key and best-effort copies
	// the result to a `.bak` sidecar (filesystem) or is otherwise
	// identical to WriteJSON (database).
	WriteJSONWithBackup(key string, doc any) error

	// WriteText persists raw text content under key.
	WriteText(key string, content string) error

	// UpdateJSONWithLock is the store's sole atomic read-modify-write
	// primitive: updater observes a snapshot no concurrent update for
	// the same key can have interleaved against.
	UpdateJSONWithLock(ctx context.Context, key string, updater Updater) error

	// Delete removes key. Absence is not an error.
	Delete(key string) error

	// Flush blocks until every write or delete issued before the call
	// is durable. It is the store's explicit durability barrier.
	Flush(ctx context.Context) error
}

func checkReservedKey(key string) error {
	if len(key) >= len(reservedPrefix) && key[:len(reservedPrefix)] == reservedPrefix {
		return fmt.Errorf("datastore: key %q uses the reserved %q prefix", key, reservedPrefix)
	}
	return nil
}
