package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDBPool is an in-memory stand-in for *pgxpool.Pool, following the
// same narrow-interface, map-backed shape as session.mockRedisClient: it
// understands exactly the fixed set of statements the database backend
// issues and nothing more.
type fakeDBPool struct {
	mu         sync.Mutex
	kv         map[string]json.RawMessage
	migrations map[string]bool

	execErr  error
	queryErr error

	advisoryMu sync.Mutex
	advisory   map[int64]*sync.Mutex
}

func newFakeDBPool() *fakeDBPool {
	return &fakeDBPool{
		kv:         make(map[string]json.RawMessage),
		migrations: make(map[string]bool),
		advisory:   make(map[int64]*sync.Mutex),
	}
}

// advisoryLock returns the mutex standing in for the transaction-scoped
// advisory lock on id, creating it on first use.
func (p *fakeDBPool) advisoryLock(id int64) *sync.Mutex {
	p.advisoryMu.Lock()
	defer p.advisoryMu.Unlock()
	m, ok := p.advisory[id]
	if !ok {
		m = &sync.Mutex{}
		p.advisory[id] = m
	}
	return m
}

func (p *fakeDBPool) seed(key string, doc any) {
	data, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.kv[key] = data
	p.mu.Unlock()
}

func (p *fakeDBPool) rowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.kv)
}

func (p *fakeDBPool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if p.execErr != nil {
		return pgconn.CommandTag{}, p.execErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.Contains(sql, "CREATE TABLE IF NOT EXISTS"):
		// schema bootstrap, nothing to track
	case strings.Contains(sql, "INSERT INTO kv_migrations"):
		p.migrations[args[0].(string)] = true
	case strings.Contains(sql, "INSERT INTO kv "), strings.Contains(sql, "INSERT INTO kv("):
		key := args[0].(string)
		p.kv[key] = toRawMessage(args[1])
	case strings.Contains(sql, "DELETE FROM kv"):
		delete(p.kv, args[0].(string))
	default:
		return pgconn.CommandTag{}, fmt.Errorf("fakeDBPool: unhandled Exec statement: %s", sql)
	}
	return pgconn.CommandTag{}, nil
}

func (p *fakeDBPool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.Contains(sql, "SELECT 1 FROM kv_migrations"):
		if p.migrations[args[0].(string)] {
			return &fakeRow{vals: []any{1}}
		}
		return &fakeRow{err: pgx.ErrNoRows}
	case strings.Contains(sql, "SELECT data FROM kv"):
		if data, ok := p.kv[args[0].(string)]; ok {
			return &fakeRow{vals: []any{data}}
		}
		return &fakeRow{err: pgx.ErrNoRows}
	default:
		return &fakeRow{err: fmt.Errorf("fakeDBPool: unhandled QueryRow statement: %s", sql)}
	}
}

func (p *fakeDBPool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case strings.Contains(sql, "WHERE key = ANY"):
		want := map[string]bool{}
		for _, k := range args[0].([]string) {
			want[k] = true
		}
		var rows [][2]any
		for k, v := range p.kv {
			if want[k] {
				rows = append(rows, [2]any{k, v})
			}
		}
		return &fakeRows{rows: rows}, nil
	case strings.Contains(sql, "SELECT key, data FROM kv"):
		var rows [][2]any
		for k, v := range p.kv {
			rows = append(rows, [2]any{k, v})
		}
		return &fakeRows{rows: rows}, nil
	default:
		return nil, fmt.Errorf("fakeDBPool: unhandled Query statement: %s", sql)
	}
}

func (p *fakeDBPool) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeTx{pool: p}, nil
}

func toRawMessage(v any) json.RawMessage {
	switch d := v.(type) {
	case json.RawMessage:
		return d
	case []byte:
		return json.RawMessage(d)
	default:
		panic(fmt.Sprintf("fakeDBPool: unsupported value type %T", v))
	}
}

// fakeTx is a single-statement-at-a-time transaction that delegates to
// the same pool state; it exists only to satisfy pgx.Tx, not to provide
// real isolation. It does hold real mutexes for the advisory locks it
// takes, released on Commit/Rollback, so that concurrent UpdateJSONWithLock
// callers against the same key are actually serialized the way
// pg_advisory_xact_lock serializes them in production.
type fakeTx struct {
	pool   *fakeDBPool
	closed bool
	held   []*sync.Mutex
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.release()
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.release()
	return nil
}

func (t *fakeTx) release() {
	if t.closed {
		return
	}
	t.closed = true
	for _, m := range t.held {
		m.Unlock()
	}
	t.held = nil
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if strings.Contains(sql, "pg_advisory_xact_lock") {
		id := args[0].(int64)
		m := t.pool.advisoryLock(id)
		m.Lock()
		t.held = append(t.held, m)
		return pgconn.CommandTag{}, nil
	}
	return t.pool.Exec(ctx, sql, args...)
}
func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.pool.Query(ctx, sql, args...)
}
func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.pool.QueryRow(ctx, sql, args...)
}
func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("fakeTx: CopyFrom not supported")
}
func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeTx) LargeObjects() pgx.LargeObjects                              { return pgx.LargeObjects{} }
func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("fakeTx: Prepare not supported")
}
func (t *fakeTx) QueryFunc(ctx context.Context, sql string, args []any, scans []any, f func(pgx.QueryFuncRow) error) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, errors.New("fakeTx: QueryFunc not supported")
}
func (t *fakeTx) Conn() *pgx.Conn { return nil }

// fakeRow implements pgx.Row over a fixed set of already-known values.
type fakeRow struct {
	vals []any
	err  error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("fakeRow: scan arity mismatch: got %d dest, have %d values", len(dest), len(r.vals))
	}
	for i, d := range dest {
		if err := assignScan(d, r.vals[i]); err != nil {
			return err
		}
	}
	return nil
}

// fakeRows implements pgx.Rows over a fixed, pre-materialized (key, data)
// slice.
type fakeRows struct {
	rows [][2]any
	idx  int
}

func (r *fakeRows) Close()     {}
func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag            { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	r.idx++
	return r.idx <= len(r.rows)
}
func (r *fakeRows) Scan(dest ...any) error {
	row := r.rows[r.idx-1]
	if len(dest) != 2 {
		return fmt.Errorf("fakeRows: scan arity mismatch: got %d dest, want 2", len(dest))
	}
	if err := assignScan(dest[0], row[0]); err != nil {
		return err
	}
	return assignScan(dest[1], row[1])
}
func (r *fakeRows) Values() ([]any, error) { return nil, errors.New("fakeRows: Values not supported") }
func (r *fakeRows) RawValues() [][]byte    { return nil }
func (r *fakeRows) Conn() *pgx.Conn        { return nil }

func assignScan(dest any, src any) error {
	switch d := dest.(type) {
	case *int:
		switch s := src.(type) {
		case int:
			*d = s
		default:
			return fmt.Errorf("assignScan: cannot assign %T into *int", src)
		}
	case *string:
		switch s := src.(type) {
		case string:
			*d = s
		default:
			return fmt.Errorf("assignScan: cannot assign %T into *string", src)
		}
	case *json.RawMessage:
		switch s := src.(type) {
		case json.RawMessage:
			*d = s
		case []byte:
			*d = json.RawMessage(s)
		default:
			return fmt.Errorf("assignScan: cannot assign %T into *json.RawMessage", src)
		}
	default:
		return fmt.Errorf("assignScan: unsupported destination type %T", dest)
	}
	return nil
}
