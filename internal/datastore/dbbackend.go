package datastore

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// dbPool is the subset of *pgxpool.Pool the database backend needs. It
// exists so unit tests can substitute a fake without a live Postgres,
// the same shape as session.RedisClient abstracts a real Redis driver.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// textMarker wraps plain-text documents so they round-trip through the
// jsonb column: the database backend always stores strict JSON.
type textMarker struct {
	Text string `json:"__text"`
}

// cacheSlot is the unit of identity in the write-through cache. Writers
// compare by pointer, not by value, to detect whether a later mutation
// has already superseded theirs.
type cacheSlot struct {
	data json.RawMessage
}

// DBBackend implements Backend over a single (key, jsonb) table, with a
// write-through in-memory cache, per-key ordered asynchronous writes,
// and a transactional advisory-lock update path.
type DBBackend struct {
	pool    dbPool
	logger  *slog.Logger
	metrics *Metrics

	mu    sync.RWMutex
	cache map[string]*cacheSlot

	chainMu sync.Mutex
	chains  map[string]<-chan struct{}
	pending sync.WaitGroup

	preloaded   bool
	preloadOnce singleflight.Group
}

// NewDBBackend wraps pool as a Backend. Call EnsurePreloaded before
// relying on synchronous reads returning existing data.
func NewDBBackend(pool *pgxpool.Pool, logger *slog.Logger, metrics *Metrics) *DBBackend {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return newDBBackend(pool, logger, metrics)
}

func newDBBackend(pool dbPool, logger *slog.Logger, metrics *Metrics) *DBBackend {
	return &DBBackend{
		pool:    pool,
		logger:  logger.With("component", "datastore", "backend", "db"),
		metrics: metrics,
		cache:   make(map[string]*cacheSlot),
		chains:  make(map[string]<-chan struct{}),
	}
}

// EnsureSchema runs the schema migrator (component E).
func (b *DBBackend) EnsureSchema(ctx context.Context) error {
	return applyMigrations(ctx, b.pool)
}

// ReadJSON returns a clone of the cached value for key, or (false, nil)
// if absent. If the backend has never preloaded and key is not cached,
// a best-effort background preload is triggered; subsequent reads may
// still return absent until it completes.
func (b *DBBackend) ReadJSON(key string, out any) (bool, error) {
	data, exists := b.readRaw(key)
	if !exists {
		return false, nil
	}
	if len(data) == 0 || string(data) == "null" {
		return true, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &ErrCorrupt{Key: key, Err: err}
	}
	return true, nil
}

// readRaw returns a clone of the raw cached bytes for key. If the
// backend has never preloaded and key is not cached, a best-effort
// background preload is triggered; subsequent reads may still return
// absent until it completes.
func (b *DBBackend) readRaw(key string) (json.RawMessage, bool) {
	b.metrics.reads.WithLabelValues("db").Inc()

	b.mu.RLock()
	slot, ok := b.cache[key]
	preloaded := b.preloaded
	b.mu.RUnlock()

	if !ok && !preloaded {
		b.logger.Warn("read before preload, triggering background preload", "key", key)
		go func() {
			if err := b.PreloadAll(context.Background()); err != nil {
				b.logger.Error("background preload failed", "error", err)
			}
		}()
		return nil, false
	}
	if !ok {
		return nil, false
	}
	clone := make(json.RawMessage, len(slot.data))
	copy(clone, slot.data)
	return clone, true
}

// ReadJSON5 is identical to ReadJSON: the database backend only ever
// stores strict JSON.
func (b *DBBackend) ReadJSON5(key string, out any) (bool, error) {
	return b.ReadJSON(key, out)
}

// ReadText unwraps the {"__text": ...} marker object, or a plain JSON
// string cache entry, written by WriteText.
func (b *DBBackend) ReadText(key string) (string, bool, error) {
	data, exists := b.readRaw(key)
	if !exists {
		return "", false, nil
	}
	if len(data) == 0 || string(data) == "null" {
		return "", true, nil
	}

	var marker struct {
		Text *string `json:"__text"`
	}
	if err := json.Unmarshal(data, &marker); err == nil && marker.Text != nil {
		return *marker.Text, true, nil
	}

	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		return plain, true, nil
	}
	return "", true, &ErrCorrupt{Key: key, Err: fmt.Errorf("value is neither a text marker nor a plain string")}
}

// ReadJSONWithFallback leaves out at its caller-supplied fallback value
// when key does not exist.
func (b *DBBackend) ReadJSONWithFallback(key string, out any) (bool, error) {
	return b.ReadJSON(key, out)
}

// WriteJSON clones doc into the cache synchronously, then enqueues an
// asynchronous upsert on the per-key write chain.
func (b *DBBackend) WriteJSON(key string, doc any) error {
	if err := checkReservedKey(key); err != nil {
		return err
	}
	return b.writeJSONUnchecked(key, doc)
}

// writeJSONUnchecked is WriteJSON without the reserved-prefix guard, for
// the migrator's own sentinel bookkeeping.
func (b *DBBackend) writeJSONUnchecked(key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("datastore: marshal %q: %w", key, err)
	}
	b.metrics.writes.WithLabelValues("db").Inc()
	b.enqueueWrite(key, data)
	return nil
}

// WriteJSONWithBackup is identical to WriteJSON: there is no on-disk
// sidecar concept for the database backend.
func (b *DBBackend) WriteJSONWithBackup(key string, doc any) error {
	return b.WriteJSON(key, doc)
}

// WriteText wraps content as {"__text": content} and delegates to
// WriteJSON.
func (b *DBBackend) WriteText(key, content string) error {
	return b.WriteJSON(key, textMarker{Text: content})
}

// publish clones data into the cache and returns the slot it installed,
// along with whatever slot was previously there.
func (b *DBBackend) publish(key string, data json.RawMessage) (published, previous *cacheSlot) {
	clone := make(json.RawMessage, len(data))
	copy(clone, data)
	slot := &cacheSlot{data: clone}

	b.mu.Lock()
	previous = b.cache[key]
	b.cache[key] = slot
	b.metrics.cacheSize.Set(float64(len(b.cache)))
	b.mu.Unlock()
	return slot, previous
}

func (b *DBBackend) enqueueWrite(key string, data json.RawMessage) {
	published, previous := b.publish(key, data)
	payload := make(json.RawMessage, len(data))
	copy(payload, data)

	b.runChained(key, func(ctx context.Context) {
		_, err := b.pool.Exec(ctx,
			`INSERT INTO kv (key, data, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			key, payload,
		)
		if err != nil {
			b.logger.Error("async write failed", "key", key, "error", err)
			b.revertIfStillMine(key, published, previous)
		}
	})
}

// Delete clears the cache synchronously and enqueues an asynchronous
// DELETE on the same per-key chain.
func (b *DBBackend) Delete(key string) error {
	if err := checkReservedKey(key); err != nil {
		return err
	}
	b.metrics.deletes.WithLabelValues("db").Inc()

	b.mu.Lock()
	previous := b.cache[key]
	delete(b.cache, key)
	b.metrics.cacheSize.Set(float64(len(b.cache)))
	b.mu.Unlock()

	b.runChained(key, func(ctx context.Context) {
		_, err := b.pool.Exec(ctx, `DELETE FROM kv WHERE key = $1`, key)
		if err != nil {
			b.logger.Error("async delete failed", "key", key, "error", err)
			b.mu.Lock()
			if _, stillAbsent := b.cache[key]; !stillAbsent && previous != nil {
				b.cache[key] = previous
				b.metrics.cacheSize.Set(float64(len(b.cache)))
			}
			b.mu.Unlock()
		}
	})
	return nil
}

// revertIfStillMine restores previous for key only if published is
// still the cache's current slot for that key, i.e. no later mutation
// has superseded it.
func (b *DBBackend) revertIfStillMine(key string, published, previous *cacheSlot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cache[key] != published {
		return // superseded, leave the newer value alone
	}
	if previous == nil {
		delete(b.cache, key)
	} else {
		b.cache[key] = previous
	}
	b.metrics.cacheSize.Set(float64(len(b.cache)))
}

// runChained appends fn to key's per-key serial write chain and tracks
// it in pendingWrites until it completes.
func (b *DBBackend) runChained(key string, fn func(ctx context.Context)) {
	b.chainMu.Lock()
	prev := b.chains[key]
	done := make(chan struct{})
	b.chains[key] = done
	b.chainMu.Unlock()

	b.pending.Add(1)
	b.metrics.pendingOps.Inc()
	go func() {
		defer close(done)
		defer b.pending.Done()
		defer b.metrics.pendingOps.Dec()
		if prev != nil {
			<-prev
		}
		fn(context.Background())
	}()
}

// UpdateJSONWithLock runs synchronously inside a database transaction,
// bypassing the write chain entirely: a transaction-scoped advisory
// lock keyed by stableLockID(key) serializes callers even when the row
// does not yet exist, which SELECT ... FOR UPDATE alone cannot do.
func (b *DBBackend) UpdateJSONWithLock(ctx context.Context, key string, updater Updater) error {
	if err := checkReservedKey(key); err != nil {
		return err
	}
	start := time.Now()

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("datastore: begin update tx for %q: %w", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, stableLockID(key)); err != nil {
		return fmt.Errorf("datastore: acquire advisory lock for %q: %w", key, err)
	}
	b.metrics.lockWait.WithLabelValues("db").Observe(time.Since(start).Seconds())

	var current json.RawMessage
	err = tx.QueryRow(ctx, `SELECT data FROM kv WHERE key = $1`, key).Scan(&current)
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		current = nil
	default:
		return fmt.Errorf("datastore: read %q under lock: %w", key, err)
	}

	next, changed, err := updater(current)
	if err != nil {
		return fmt.Errorf("datastore: updater for %q: %w", key, err)
	}

	var result json.RawMessage
	if changed {
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("datastore: marshal update result for %q: %w", key, err)
		}
		result = data
		if _, err := tx.Exec(ctx,
			`INSERT INTO kv (key, data, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data, updated_at = now()`,
			key, result,
		); err != nil {
			return fmt.Errorf("datastore: upsert %q under lock: %w", key, err)
		}
		b.metrics.writes.WithLabelValues("db").Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("datastore: commit update tx for %q: %w", key, err)
	}

	// Reconcile the cache with the value observed under the lock.
	b.mu.Lock()
	switch {
	case changed:
		clone := make(json.RawMessage, len(result))
		copy(clone, result)
		b.cache[key] = &cacheSlot{data: clone}
	case current != nil:
		clone := make(json.RawMessage, len(current))
		copy(clone, current)
		b.cache[key] = &cacheSlot{data: clone}
	default:
		delete(b.cache, key)
	}
	b.metrics.cacheSize.Set(float64(len(b.cache)))
	b.mu.Unlock()

	return nil
}

// Flush blocks until every write/delete issued before the call is
// durable: it awaits the pendingWrites WaitGroup.
func (b *DBBackend) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PreloadAll replaces the cache with the authoritative set of rows and
// marks the backend preloaded.
func (b *DBBackend) PreloadAll(ctx context.Context) error {
	start := time.Now()
	rows, err := b.pool.Query(ctx, `SELECT key, data FROM kv`)
	if err != nil {
		return fmt.Errorf("datastore: preload all: %w", err)
	}
	defer rows.Close()

	fresh := make(map[string]*cacheSlot)
	for rows.Next() {
		var key string
		var data json.RawMessage
		if err := rows.Scan(&key, &data); err != nil {
			return fmt.Errorf("datastore: preload scan: %w", err)
		}
		clone := make(json.RawMessage, len(data))
		copy(clone, data)
		fresh[key] = &cacheSlot{data: clone}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("datastore: preload rows: %w", err)
	}

	b.mu.Lock()
	b.cache = fresh
	b.preloaded = true
	b.metrics.cacheSize.Set(float64(len(b.cache)))
	b.mu.Unlock()
	b.metrics.preloadTime.Observe(time.Since(start).Seconds())
	return nil
}

// Preload is a targeted warm-up of a subset of keys; unlike PreloadAll
// it does not replace the whole cache image or flip the preloaded flag.
func (b *DBBackend) Preload(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	rows, err := b.pool.Query(ctx, `SELECT key, data FROM kv WHERE key = ANY($1)`, keys)
	if err != nil {
		return fmt.Errorf("datastore: preload keys: %w", err)
	}
	defer rows.Close()

	b.mu.Lock()
	defer b.mu.Unlock()
	for rows.Next() {
		var key string
		var data json.RawMessage
		if err := rows.Scan(&key, &data); err != nil {
			return fmt.Errorf("datastore: preload keys scan: %w", err)
		}
		clone := make(json.RawMessage, len(data))
		copy(clone, data)
		b.cache[key] = &cacheSlot{data: clone}
	}
	b.metrics.cacheSize.Set(float64(len(b.cache)))
	return rows.Err()
}

// EnsurePreloaded memoizes PreloadAll: concurrent callers collapse into
// one query via singleflight, and errors propagate to every caller so
// startup can fail fast.
func (b *DBBackend) EnsurePreloaded(ctx context.Context) error {
	b.mu.RLock()
	done := b.preloaded
	b.mu.RUnlock()
	if done {
		return nil
	}
	_, err, _ := b.preloadOnce.Do("preload", func() (any, error) {
		return nil, b.PreloadAll(ctx)
	})
	return err
}

// stableLockID derives a deterministic, well-distributed advisory lock
// id from key: the first 8 bytes of SHA-256(key), interpreted as a
// signed 64-bit big-endian integer and reduced to the JS-safe integer
// range so drivers that round-trip through a float64 still see the
// identical value other processes compute.
func stableLockID(key string) int64 {
	sum := sha256.Sum256([]byte(key))
	v := int64(binary.BigEndian.Uint64(sum[:8]))
	if v == math.MinInt64 {
		v = math.MaxInt64
	} else if v < 0 {
		v = -v
	}
	const maxSafeInteger = int64(1)<<53 - 1
	return v % maxSafeInteger
}
