package datastore

import (
	"fmt"
	"runtime"
	"strings"
)

// Normalize maps a call-site path to a portable storage key. If path
// lies under home (matched on an exact match, or home followed by a
// path separator), the home prefix and one following separator are
// stripped, yielding a relative key. Otherwise the path is returned
// unchanged. Both '/' and '\' are treated as home-boundary separators
// so the normalizer tolerates heterogeneous call sites.
func Normalize(path, home string) string {
	if home == "" {
		return path
	}
	if path == home {
		return ""
	}
	if strings.HasPrefix(path, home) {
		rest := path[len(home):]
		if len(rest) > 0 && (rest[0] == '/' || rest[0] == '\\') {
			return rest[1:]
		}
	}
	return path
}

// ErrForeignOSKey is returned by Materialize when a storage key is shaped
// as an absolute path for an OS family other than runtime.GOOS. Restoring
// such a key would otherwise be handed to the filesystem as a single
// garbled path component instead of the absolute location it names on its
// origin host.
type ErrForeignOSKey struct {
	Key  string
	Host string
}

func (e *ErrForeignOSKey) Error() string {
	return fmt.Sprintf("datastore: key %q is an absolute path for a different OS family than host %q", e.Key, e.Host)
}

// Materialize reverses Normalize: an absolute storage key shaped for the
// current host's OS family is returned verbatim; a relative one is
// re-anchored under home. An absolute key shaped for a different OS
// family (e.g. a Windows drive-letter path restored on a POSIX host) is
// rejected with ErrForeignOSKey rather than guessed at.
func Materialize(storageKey, home string) (string, error) {
	if isPosixAbsoluteKey(storageKey) {
		if runtime.GOOS == "windows" {
			return "", &ErrForeignOSKey{Key: storageKey, Host: runtime.GOOS}
		}
		return storageKey, nil
	}
	if isWindowsAbsoluteKey(storageKey) {
		if runtime.GOOS != "windows" {
			return "", &ErrForeignOSKey{Key: storageKey, Host: runtime.GOOS}
		}
		return storageKey, nil
	}
	if home == "" {
		return storageKey, nil
	}
	sep := "/"
	if strings.Contains(home, "\\") && !strings.Contains(home, "/") {
		sep = "\\"
	}
	if strings.HasSuffix(home, "/") || strings.HasSuffix(home, "\\") {
		return home + storageKey, nil
	}
	return home + sep + storageKey, nil
}

// isAbsoluteKey reports whether storageKey looks like an absolute path on
// either a POSIX host ("/...") or a Windows host ("C:\..." or "C:/...").
func isAbsoluteKey(storageKey string) bool {
	return isPosixAbsoluteKey(storageKey) || isWindowsAbsoluteKey(storageKey)
}

func isPosixAbsoluteKey(storageKey string) bool {
	return strings.HasPrefix(storageKey, "/")
}

func isWindowsAbsoluteKey(storageKey string) bool {
	return len(storageKey) >= 3 && storageKey[1] == ':' && (storageKey[2] == '\\' || storageKey[2] == '/')
}
