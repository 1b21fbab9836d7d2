// Package tgward is a guarded, rate-limited mediation layer over the Telegram
// MTProto client API. It exposes two stdio tool servers — a read profile and
// an actions profile — so an external agent host can drive Telegram
// operations without exceeding anti-abuse thresholds and without executing a
// write that a human has not explicitly authorized.
//
// The root package holds the concurrency kernel and shared vocabulary:
//
//   - [TokenBucket] and [Limiter] — local and cross-process token buckets,
//     per-operation daily quotas, and a FLOOD_WAIT-driven circuit breaker
//   - [SafeCall] — the retry wrapper every Telegram call goes through
//   - typed errors ([ErrFloodWait], [ErrCircuitOpen], [ErrQuotaExceeded],
//     [ErrWriteBlocked], ...) matched with errors.As
//   - identifier validation and target normalization
//
// Subsystems live in subpackages:
//
//   - store: lock-protected, atomically replaced JSON and key=value state files
//   - tele: session lifecycle, credential sourcing, and the direct-write guard
//   - ops: typed Telegram operations (participants, messages, members, files)
//   - actions: the dry-run, approval-code, confirmation and idempotency pipeline
//   - batch: bulk add-member batches with approval and run leases
//   - mcp: the stdio JSON-RPC tool server
//   - server: the shared context and the two tool profiles
//
// Entrypoints are cmd/tgward-read, cmd/tgward-actions, and cmd/tgward-login.
package tgward
