package batch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RunOutcome is the result of one Run pass.
type RunOutcome struct {
	Record        *Record
	ProcessedNow  int
	StoppedReason string
	Message       string
}

// AddMemberFunc executes one non-dry add-member action.
type AddMemberFunc func(ctx context.Context, group, user string) AddResult

// Run advances up to maxActions pending actions of an approved batch. The
// run lock is leased to this process for the duration and released on every
// exit path. A recognized join-quota failure pauses the batch; rights
// failures and unknown errors mark only the current action.
func (e *Engine) Run(ctx context.Context, id string, maxActions int, add AddMemberFunc, markExecuted func(actionHash string)) (*RunOutcome, error) {
	if maxActions <= 0 {
		return nil, fmt.Errorf("max_actions must be > 0")
	}

	now := e.now().Unix()
	if err := e.acquireRunLock(id, now); err != nil {
		return nil, err
	}
	defer e.releaseRunLock(id)

	// Entry checks. Each failed check clears the lock via the deferred
	// release; the state transition itself is persisted here.
	rec, err := e.Get(id)
	if err != nil {
		return nil, err
	}

	if rec.ExpiresAtTS <= now {
		rec, _ = e.update(id, func(r *Record) error {
			r.Status = StatusExpired
			return nil
		})
		return &RunOutcome{Record: rec}, fmt.Errorf("batch is expired")
	}
	if !rec.Approved {
		return &RunOutcome{Record: rec}, fmt.Errorf("batch is not approved; call tg_approve_batch first")
	}
	if rec.ApprovedUntilTS <= now {
		rec, _ = e.update(id, func(r *Record) error {
			r.Approved = false
			r.Status = StatusPendingApproval
			return nil
		})
		return &RunOutcome{Record: rec}, fmt.Errorf("batch approval expired; call tg_approve_batch again")
	}
	if rec.Status == StatusCompleted {
		return &RunOutcome{Record: rec, Message: "batch already completed"}, nil
	}

	rec, err = e.update(id, func(r *Record) error {
		r.Status = StatusRunning
		r.LastError = ""
		return nil
	})
	if err != nil {
		return nil, err
	}

	processed := 0
	stoppedReason := ""
	for i := range rec.Actions {
		if processed >= maxActions {
			break
		}
		action := &rec.Actions[i]
		if action.Status != ActionPending {
			continue
		}

		// Config may have changed since create: re-gate every action.
		allowed, allowedErr := e.checkAllowed(action.Group)
		if !allowed {
			action.Status = ActionBlockedPolicy
			action.LastError = allowedErr
			action.LastRunTS = now
			processed++
			continue
		}

		result := add(ctx, action.Group, rec.User)
		action.Attempts++
		action.LastRunTS = now

		if result.Success {
			if result.AlreadyMember {
				action.Status = ActionAlreadyMember
			} else {
				action.Status = ActionSuccess
				if markExecuted != nil {
					markExecuted(action.ActionHash)
				}
			}
			action.LastError = ""
			processed++
			continue
		}

		errLower := strings.ToLower(result.Error)
		action.LastError = result.Error

		if strings.Contains(errLower, "join quota exceeded") {
			rec.Status = StatusPausedQuota
			rec.LastError = result.Error
			stoppedReason = "join_quota_exceeded"
			break
		}
		if strings.Contains(errLower, "can't write in this chat") || strings.Contains(errLower, "chat_write_forbidden") {
			action.Status = ActionBlockedRights
		} else {
			action.Status = ActionFailed
		}
		processed++
	}

	pendingLeft := false
	for _, a := range rec.Actions {
		if a.Status == ActionPending {
			pendingLeft = true
			break
		}
	}
	if rec.Status == StatusRunning {
		if pendingLeft {
			rec.Status = StatusApproved
		} else {
			rec.Status = StatusCompleted
		}
	}
	endTS := e.now().Unix()
	if rec.Status == StatusCompleted {
		rec.CompletedAtTS = endTS
	}
	rec.LastRunTS = endTS

	final, err := e.update(id, func(r *Record) error {
		r.Actions = rec.Actions
		r.Status = rec.Status
		r.LastError = rec.LastError
		r.LastRunTS = rec.LastRunTS
		r.CompletedAtTS = rec.CompletedAtTS
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("batch run finished",
		zap.String("batch_id", id),
		zap.Int("processed", processed),
		zap.String("status", string(final.Status)),
		zap.String("stopped_reason", stoppedReason))
	return &RunOutcome{Record: final, ProcessedNow: processed, StoppedReason: stoppedReason}, nil
}

// acquireRunLock leases the batch to this process. A live lease held by a
// different owner blocks the run.
func (e *Engine) acquireRunLock(id string, now int64) error {
	_, err := e.update(id, func(r *Record) error {
		if r.RunLockUntilTS > now && r.RunLockOwner != "" && r.RunLockOwner != e.owner {
			return fmt.Errorf("batch is already running by another worker until %d; retry after the lock lease expires", r.RunLockUntilTS)
		}
		r.RunLockOwner = e.owner
		r.RunLockUntilTS = now + int64(e.runLease/time.Second)
		return nil
	})
	return err
}

// releaseRunLock clears the lease if this process still owns it.
func (e *Engine) releaseRunLock(id string) {
	now := e.now().Unix()
	_, _ = e.update(id, func(r *Record) error {
		if r.RunLockOwner != "" && r.RunLockOwner != e.owner {
			return fmt.Errorf("lock owned elsewhere")
		}
		r.RunLockOwner = ""
		r.RunLockUntilTS = now
		return nil
	})
}
