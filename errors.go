package tgward

import (
	"errors"
	"fmt"
	"time"

	"github.com/gotd/td/tgerr"
)

// ErrFloodWait is a Telegram-initiated backoff signal carrying the required
// sleep seconds. The transport raises its own variant; this type exists so
// tests and non-transport code can produce one.
type ErrFloodWait struct {
	Seconds int
}

func (e *ErrFloodWait) Error() string {
	return fmt.Sprintf("FLOOD_WAIT: server requires a %ds pause", e.Seconds)
}

// FloodWait reports the server-mandated pause if err is a FLOOD_WAIT, either
// the transport's or a local *ErrFloodWait.
func FloodWait(err error) (time.Duration, bool) {
	if d, ok := tgerr.AsFloodWait(err); ok {
		return d, true
	}
	var fw *ErrFloodWait
	if errors.As(err, &fw) {
		return time.Duration(fw.Seconds) * time.Second, true
	}
	return 0, false
}

// ErrCircuitOpen is returned while the flood circuit breaker rejects calls.
type ErrCircuitOpen struct {
	SecondsRemaining int
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker is open for %ds due to recent long FLOOD_WAIT", e.SecondsRemaining)
}

// ErrQuotaExceeded is returned when a daily operation quota is exhausted.
type ErrQuotaExceeded struct {
	Op    OpType
	Used  int
	Limit int
}

func (e *ErrQuotaExceeded) Error() string {
	var what string
	switch e.Op {
	case OpDM:
		what = "dm quota exceeded"
	case OpJoin:
		what = "join quota exceeded"
	case OpGroupMsg:
		what = "group message quota exceeded"
	default:
		what = "api quota exceeded"
	}
	return fmt.Sprintf("%s: %d/%d per day", what, e.Used, e.Limit)
}

// ErrWriteBlocked is raised by the direct-write guard when a write-shape
// request reaches the transport outside a designated actions context. It is
// never recovered inside the core: reaching a tool boundary means the process
// is misconfigured.
type ErrWriteBlocked struct {
	Method string
}

func (e *ErrWriteBlocked) Error() string {
	return fmt.Sprintf("direct write %q blocked: process or context is not designated for actions", e.Method)
}

// ErrSessionMismatch is returned when the bound session belongs to a
// different account than the configured expected username.
type ErrSessionMismatch struct {
	Expected string
	Actual   string
	UserID   int64
}

func (e *ErrSessionMismatch) Error() string {
	actual := e.Actual
	if actual == "" {
		actual = "<no_username>"
	} else {
		actual = "@" + actual
	}
	return fmt.Sprintf("session mismatch: expected account @%s, got %s (id=%d); point the session path at the correct account and restart", e.Expected, actual, e.UserID)
}

// ErrSessionLocked is returned when another process holds the exclusive
// session lock.
type ErrSessionLocked struct {
	Path string
}

func (e *ErrSessionLocked) Error() string {
	return fmt.Sprintf("session %s is in use by another process", e.Path)
}

// ErrNotAuthorized is returned when the session file exists but is not an
// authorized Telegram session.
type ErrNotAuthorized struct {
	Session string
}

func (e *ErrNotAuthorized) Error() string {
	return fmt.Sprintf("session %q is not authorized; run tgward-login to authenticate", e.Session)
}

// ErrEntityNotFound is returned when an identifier cannot be resolved to a
// Telegram user, group or channel.
type ErrEntityNotFound struct {
	Identifier string
}

func (e *ErrEntityNotFound) Error() string {
	return fmt.Sprintf("could not resolve %q to a Telegram entity", e.Identifier)
}
