// Package store provides the persistent state files shared by tgward
// processes: JSON dictionaries and key=value counter files, each protected by
// an advisory lock on a sibling <file>.lock and replaced atomically via a
// temporary file and rename. Malformed or missing JSON reads as an empty
// mapping, never as an error.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"go.uber.org/zap"
)

// Option configures a Load or Update call.
type Option func(*options)

type options struct {
	rootKey string
}

// WithRootKey scopes the mutator or read to a nested mapping under key,
// preserving sibling keys on write.
func WithRootKey(key string) Option {
	return func(o *options) { o.rootKey = key }
}

// Load snapshot-reads the JSON dictionary at path under a shared lock.
func Load(path string, opts ...Option) (map[string]any, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var out map[string]any
	err := WithLock(path, true, func() error {
		raw := readJSONDict(path)
		if o.rootKey == "" {
			out = raw
			return nil
		}
		out = nestedDict(raw, o.rootKey)
		return nil
	})
	return out, err
}

// Update acquires the exclusive lock for path, parses the current state,
// applies mutate, and atomically replaces the file. The mutator's return
// value is passed through, so a single critical section can both decide and
// record.
func Update[T any](path string, mutate func(state map[string]any) (T, error), opts ...Option) (T, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var result T
	err := WithLock(path, false, func() error {
		raw := readJSONDict(path)
		state := raw
		if o.rootKey != "" {
			state = nestedDict(raw, o.rootKey)
		}

		var err error
		result, err = mutate(state)
		if err != nil {
			return err
		}

		payload := state
		if o.rootKey != "" {
			raw[o.rootKey] = state
			payload = raw
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("store: encode %s: %w", path, err)
		}
		return WriteAtomic(path, data)
	})
	return result, err
}

// WithLock runs fn while holding the advisory lock for path (a sibling
// <path>.lock file), shared or exclusive. If the lock cannot be acquired the
// call degrades to best-effort single-process semantics and logs a warning.
func WithLock(path string, shared bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: create dir for %s: %w", path, err)
	}

	fl := flock.New(path + ".lock")
	var err error
	if shared {
		err = fl.RLock()
	} else {
		err = fl.Lock()
	}
	if err != nil {
		zap.L().Warn("store: advisory lock unavailable, cross-process safety reduced",
			zap.String("path", path), zap.Error(err))
		return fn()
	}
	defer fl.Unlock()

	return fn()
}

// WriteAtomic replaces path with data using a sibling temporary file and
// rename, so readers never observe a torn file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("store: temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("store: replace %s: %w", path, err)
	}
	return nil
}

func readJSONDict(path string) map[string]any {
	data, err := os.ReadFile(path)
	if err != nil {
		return map[string]any{}
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return map[string]any{}
	}
	return raw
}

func nestedDict(raw map[string]any, key string) map[string]any {
	if nested, ok := raw[key].(map[string]any); ok {
		return nested
	}
	return map[string]any{}
}
