package tgward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// callOptions tune one SafeCall invocation.
type callOptions struct {
	maxRetries int
	timeout    time.Duration
}

// CallOption configures a SafeCall.
type CallOption func(*callOptions)

// WithRetries sets the maximum FLOOD_WAIT retries (default 3).
func WithRetries(n int) CallOption {
	return func(o *callOptions) { o.maxRetries = n }
}

// WithTimeout sets the per-attempt timeout (default 30s).
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// SafeCall runs fn through the full protection stack: circuit check, quota
// check, token acquisition (local then shared), per-attempt timeout, and
// FLOOD_WAIT retry with exponential backoff on top of the server-mandated
// wait. FLOOD_WAIT is the only recoverable error; timeouts and everything
// else propagate untouched. The operation counter for op is incremented only
// after fn returns successfully; api_calls counts every attempt.
func SafeCall[T any](ctx context.Context, l *Limiter, op OpType, fn func(ctx context.Context) (T, error), opts ...CallOption) (T, error) {
	var zero T

	o := callOptions{maxRetries: 3, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	if err := l.CheckCircuit(); err != nil {
		return zero, err
	}
	if op == OpDM || op == OpJoin || op == OpGroupMsg {
		if err := l.CheckQuota(op); err != nil {
			return zero, err
		}
	}

	const baseWait = time.Second
	retry := 0
	for {
		if err := l.CheckCircuit(); err != nil {
			return zero, err
		}

		l.met.IncRequests(ctx)
		acquired, err := l.Acquire(ctx, 1)
		if err != nil {
			return zero, err
		}
		if !acquired {
			return zero, fmt.Errorf("could not acquire rate limit token")
		}
		if err := l.IncrementAPI(); err != nil {
			return zero, err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
		start := time.Now()
		result, err := fn(attemptCtx)
		l.met.ObserveLatency(ctx, time.Since(start).Seconds())
		cancel()

		if err == nil {
			if op == OpDM || op == OpJoin || op == OpGroupMsg {
				if incErr := l.IncrementOp(op); incErr != nil {
					l.log.Warn("counter increment failed", zap.Error(incErr))
				}
			}
			return result, nil
		}

		if wait, ok := FloodWait(err); ok {
			retry++
			waitSec := int(wait / time.Second)
			l.met.IncFloodWaits(ctx)
			if incErr := l.IncrementFlood(waitSec); incErr != nil {
				l.log.Warn("flood counter increment failed", zap.Error(incErr))
			}
			if retry > o.maxRetries {
				l.log.Error("max retries exceeded after FLOOD_WAIT", zap.String("op", string(op)))
				return zero, err
			}
			backoff := baseWait * (1 << (retry - 1))
			l.log.Warn("FLOOD_WAIT, backing off before retry",
				zap.Duration("server_wait", wait),
				zap.Duration("backoff", backoff),
				zap.Int("retry", retry),
				zap.Int("max_retries", o.maxRetries))
			if sleepErr := l.sleep(ctx, wait+backoff); sleepErr != nil {
				return zero, sleepErr
			}
			continue
		}

		var open *ErrCircuitOpen
		if errors.As(err, &open) {
			return zero, err
		}
		if errors.Is(err, context.DeadlineExceeded) {
			l.log.Error("call timed out", zap.String("op", string(op)), zap.Duration("timeout", o.timeout))
			return zero, fmt.Errorf("telegram call timed out after %s: %w", o.timeout, err)
		}

		return zero, err
	}
}
