package tele

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/tgward/tgward"
)

// SessionPath resolves the session file location. An explicit path wins over
// dir+name; the returned name is the file base without the .session suffix.
func SessionPath(dir, name, explicit string) (path, sessionName string) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		base := strings.TrimSuffix(filepath.Base(explicit), ".session")
		return explicit, base
	}
	if name == "" {
		name = "default"
	}
	return filepath.Join(dir, name+".session"), name
}

// ListSessions returns the session names present in dir, sorted.
func ListSessions(dir string) []string {
	matches, _ := filepath.Glob(filepath.Join(dir, "*.session"))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".session"))
	}
	sort.Strings(names)
	return names
}

// HardenSessionStorage restricts the session directory to 0700 and the
// session file to 0600. Best effort: permission tightening must not stop a
// bind that would otherwise work.
func HardenSessionStorage(dir, file string) {
	if dir != "" {
		_ = os.MkdirAll(dir, 0o700)
		if info, err := os.Stat(dir); err == nil && info.Mode().Perm() != 0o700 {
			_ = os.Chmod(dir, 0o700)
		}
	}
	if info, err := os.Stat(file); err == nil && info.Mode().Perm() != 0o600 {
		_ = os.Chmod(file, 0o600)
	}
}

// SessionLock holds the cross-process lock for a session file.
type SessionLock struct {
	fl *flock.Flock
}

// AcquireSessionLock locks <path>.lock according to mode. In "exclusive"
// mode a non-blocking exclusive lock is taken and a collision returns
// ErrSessionLocked; "shared" and "off" take no lock.
func AcquireSessionLock(path, mode string) (*SessionLock, error) {
	if mode != "exclusive" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &tgward.ErrSessionLocked{Path: path}
	}
	return &SessionLock{fl: fl}, nil
}

// Release drops the lock. Safe on a nil lock.
func (l *SessionLock) Release() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
}
