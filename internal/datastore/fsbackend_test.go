package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func newTestFSBackend(t *testing.T) *FSBackend {
	t.Helper()
	return NewFSBackend(t.TempDir(), nil, nil)
}

func TestFSBackendWriteReadRoundTrip(t *testing.T) {
	b := newTestFSBackend(t)

	if err := b.WriteJSON("agents/a.json", widget{Name: "gizmo", Count: 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	var got widget
	exists, err := b.ReadJSON("agents/a.json", &got)
	if err != nil || !exists {
		t.Fatalf("ReadJSON: exists=%v err=%v", exists, err)
	}
	if got.Name != "gizmo" || got.Count != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestFSBackendReadMissingKey(t *testing.T) {
	b := newTestFSBackend(t)
	var out widget
	exists, err := b.ReadJSON("does/not/exist.json", &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Error("expected exists=false")
	}
}

func TestFSBackendDeleteIsIdempotent(t *testing.T) {
	b := newTestFSBackend(t)
	if err := b.WriteJSON("a.json", widget{Name: "x"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if err := b.Delete("a.json"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := b.Delete("a.json"); err != nil {
		t.Fatalf("Delete on absent key should be a no-op, got: %v", err)
	}
	exists, err := b.ReadJSON("a.json", &widget{})
	if err != nil || exists {
		t.Fatalf("expected gone: exists=%v err=%v", exists, err)
	}
}

func TestFSBackendWriteJSONWithBackup(t *testing.T) {
	b := newTestFSBackend(t)
	if err := b.WriteJSONWithBackup("a.json", widget{Name: "gizmo"}); err != nil {
		t.Fatalf("WriteJSONWithBackup: %v", err)
	}
	var backup widget
	exists, err := loadJSON(b.path("a.json")+".bak", &backup)
	if err != nil || !exists {
		t.Fatalf("expected backup sidecar: exists=%v err=%v", exists, err)
	}
}

func TestFSBackendWriteTextReadText(t *testing.T) {
	b := newTestFSBackend(t)
	if err := b.WriteText("notes.txt", "hello"); err != nil {
		t.Fatalf("WriteText: %v", err)
	}
	got, exists, err := b.ReadText("notes.txt")
	if err != nil || !exists {
		t.Fatalf("ReadText: exists=%v err=%v", exists, err)
	}
	if got != "hello" {
		t.Errorf("got %q", got)
	}
}

func TestFSBackendRejectsReservedPrefix(t *testing.T) {
	b := newTestFSBackend(t)
	err := b.WriteJSON("_migration/fs-to-db", widget{})
	if err == nil {
		t.Fatal("expected error writing to reserved prefix")
	}
}

func TestFSBackendUpdateJSONWithLockCreatesOnAbsence(t *testing.T) {
	b := newTestFSBackend(t)

	err := b.UpdateJSONWithLock(context.Background(), "counter.json", func(current json.RawMessage) (any, bool, error) {
		if current != nil {
			t.Errorf("expected nil current for a new key, got %s", current)
		}
		return widget{Name: "counter", Count: 1}, true, nil
	})
	if err != nil {
		t.Fatalf("UpdateJSONWithLock: %v", err)
	}

	var got widget
	exists, err := b.ReadJSON("counter.json", &got)
	if err != nil || !exists {
		t.Fatalf("ReadJSON after update: exists=%v err=%v", exists, err)
	}
	if got.Count != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestFSBackendUpdateJSONWithLockIncrementsExisting(t *testing.T) {
	b := newTestFSBackend(t)
	if err := b.WriteJSON("counter.json", widget{Name: "counter", Count: 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	for i := 0; i < 5; i++ {
		err := b.UpdateJSONWithLock(context.Background(), "counter.json", func(current json.RawMessage) (any, bool, error) {
			var w widget
			if err := json.Unmarshal(current, &w); err != nil {
				return nil, false, err
			}
			w.Count++
			return w, true, nil
		})
		if err != nil {
			t.Fatalf("UpdateJSONWithLock iteration %d: %v", i, err)
		}
	}

	var got widget
	if _, err := b.ReadJSON("counter.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Count != 6 {
		t.Errorf("got Count=%d, want 6", got.Count)
	}
}

func TestFSBackendUpdateJSONWithLockNoWriteWhenUnchanged(t *testing.T) {
	b := newTestFSBackend(t)
	if err := b.WriteJSON("counter.json", widget{Name: "counter", Count: 1}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	err := b.UpdateJSONWithLock(context.Background(), "counter.json", func(current json.RawMessage) (any, bool, error) {
		return nil, false, nil
	})
	if err != nil {
		t.Fatalf("UpdateJSONWithLock: %v", err)
	}

	var got widget
	if _, err := b.ReadJSON("counter.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Count != 1 {
		t.Errorf("unexpected mutation: got %+v", got)
	}
}

func TestFSBackendUpdateJSONWithLockPropagatesUpdaterError(t *testing.T) {
	b := newTestFSBackend(t)
	sentinel := errors.New("boom")
	err := b.UpdateJSONWithLock(context.Background(), "k.json", func(current json.RawMessage) (any, bool, error) {
		return nil, false, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel error, got %v", err)
	}
}

func TestFSBackendFlushIsNoOp(t *testing.T) {
	b := newTestFSBackend(t)
	if err := b.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

// TestFSBackendUpdateJSONWithLockConcurrentSameKey runs N goroutines
// incrementing the same counter document through UpdateJSONWithLock. The
// flock-based lock must serialize every read-modify-write round trip, so
// the final count must equal exactly N: a lost update means two callers
// read the same value and raced each other to write.
func TestFSBackendUpdateJSONWithLockConcurrentSameKey(t *testing.T) {
	b := newTestFSBackend(t)
	if err := b.WriteJSON("counter.json", widget{Name: "counter"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.UpdateJSONWithLock(context.Background(), "counter.json", func(current json.RawMessage) (any, bool, error) {
				var w widget
				if err := json.Unmarshal(current, &w); err != nil {
					return nil, false, err
				}
				w.Count++
				return w, true, nil
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdateJSONWithLock: %v", err)
		}
	}

	var got widget
	if _, err := b.ReadJSON("counter.json", &got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Count != n {
		t.Errorf("got Count=%d, want %d (a mismatch means a lost update)", got.Count, n)
	}
}

// TestFSBackendUpdateJSONWithLockConcurrentDisjointKeys runs concurrent
// UpdateJSONWithLock calls against distinct keys and verifies each key's
// lock (colocated next to its own document) never blocks or corrupts an
// unrelated key's update.
func TestFSBackendUpdateJSONWithLockConcurrentDisjointKeys(t *testing.T) {
	b := newTestFSBackend(t)

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("agents/%d.json", i)
			err := b.UpdateJSONWithLock(context.Background(), key, func(current json.RawMessage) (any, bool, error) {
				if current != nil {
					return nil, false, fmt.Errorf("key %q: expected absent, got %s", key, current)
				}
				return widget{Name: fmt.Sprintf("agent-%d", i), Count: i}, true, nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("UpdateJSONWithLock: %v", err)
		}
	}

	for i := 0; i < n; i++ {
		var got widget
		key := fmt.Sprintf("agents/%d.json", i)
		exists, err := b.ReadJSON(key, &got)
		if err != nil || !exists {
			t.Fatalf("ReadJSON(%q): exists=%v err=%v", key, exists, err)
		}
		if got.Count != i {
			t.Errorf("key %q: got Count=%d, want %d", key, got.Count, i)
		}
	}
}
