package datastore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"
)

// loadJSON performs a strict JSON read. A missing file reports
// (false, nil); a malformed file reports (false, *ErrCorrupt).
func loadJSON(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, &ErrCorrupt{Key: path, Err: err}
	}
	return true, nil
}

// loadJSONLenient attempts a strict JSON parse first, then falls back to
// a YAML parse (YAML is a superset of JSON and tolerates comments and
// trailing commas the way JSON5 does). Only the human-editable config
// paths use this; the update path never does, so a stale "fixed up"
// reading of a malformed file can never silently overwrite real data.
func loadJSONLenient(path string, out any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	strictErr := json.Unmarshal(data, out)
	if strictErr == nil {
		return true, nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return false, &ErrCorrupt{Key: path, Err: strictErr}
	}
	return true, nil
}

// saveJSON writes v to path atomically: marshal, write to a temp
// sibling named with the process id and a ULID (timestamp + random
// entropy), fsync, fsync the parent directory, rename into place, then
// fsync the parent directory again. The parent directory is created
// with mode 0o700 if missing.
func saveJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("datastore: create directory %q: %w", dir, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("datastore: marshal %q: %w", path, err)
	}
	data = append(data, '\n')

	tmpName := fmt.Sprintf(".%s.%d.%s.tmp", filepath.Base(path), os.Getpid(), ulid.Make().String())
	tmpPath := filepath.Join(dir, tmpName)

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("datastore: create temp file: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("datastore: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("datastore: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("datastore: close temp file: %w", err)
	}

	if err := fsyncDir(dir); err != nil {
		return fmt.Errorf("datastore: fsync directory before rename: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("datastore: rename into place: %w", err)
	}
	cleanup = false
	if err := fsyncDir(dir); err != nil {
		return fmt.Errorf("datastore: fsync directory after rename: %w", err)
	}
	return nil
}

// saveJSONWithBackup performs saveJSON, then best-effort copies the
// result to path+".bak". Backup failures are silent: the primary write
// already succeeded and is the durable source of truth.
func saveJSONWithBackup(path string, v any) error {
	if err := saveJSON(path, v); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	_ = os.WriteFile(path+".bak", data, 0o600)
	return nil
}

// saveText writes content verbatim, creating the parent directory with
// mode 0o700 if missing. Text files are not rewritten atomically; callers
// needing durability should use WriteJSON with a {"__text": ...} shape.
func saveText(path, content string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("datastore: create directory %q: %w", dir, err)
	}
	return os.WriteFile(path, []byte(content), 0o600)
}

func fsyncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
