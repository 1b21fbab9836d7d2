package actions

import (
	"time"

	"github.com/tgward/tgward/store"
)

// Idempotency tracks recently executed action digests so identical payloads
// inside the window are refused unless the caller forces a resend. State is
// a JSON object mapping digest to last-executed Unix time, trimmed on every
// access.
type Idempotency struct {
	file    string
	window  time.Duration
	enabled bool

	now func() time.Time
}

// NewIdempotency opens the idempotency store at file.
func NewIdempotency(file string, windowSec int, enabled bool) *Idempotency {
	return &Idempotency{
		file:    file,
		window:  time.Duration(windowSec) * time.Second,
		enabled: enabled,
		now:     time.Now,
	}
}

// CheckDuplicate reports whether digest was executed within the window, and
// the seconds remaining until it falls out.
func (i *Idempotency) CheckDuplicate(digest string) (bool, int, error) {
	if !i.enabled {
		return false, 0, nil
	}
	now := i.now()

	retryAfter, err := store.Update(i.file, func(state map[string]any) (int, error) {
		i.trim(state, now)

		last, ok := state[digest].(float64)
		if !ok {
			return 0, nil
		}
		remaining := int(i.window/time.Second) - int(now.Unix()-int64(last))
		if remaining < 0 {
			remaining = 0
		}
		return remaining, nil
	})
	if err != nil {
		return false, 0, err
	}
	return retryAfter > 0, retryAfter, nil
}

// MarkExecuted records a successful execute for digest.
func (i *Idempotency) MarkExecuted(digest string) error {
	if !i.enabled {
		return nil
	}
	now := i.now()
	_, err := store.Update(i.file, func(state map[string]any) (struct{}, error) {
		i.trim(state, now)
		state[digest] = float64(now.Unix())
		return struct{}{}, nil
	})
	return err
}

func (i *Idempotency) trim(state map[string]any, now time.Time) {
	horizon := float64(now.Add(-i.window).Unix())
	for digest, v := range state {
		last, ok := v.(float64)
		if !ok || last < horizon {
			delete(state, digest)
		}
	}
}
