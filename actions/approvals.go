package actions

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tgward/tgward/store"
)

// Approvals issues and consumes the one-time codes that bind a dry-run
// preview to its execute. State is a JSON object mapping code to
// {digest, expires_at}, trimmed of expired entries on every access.
type Approvals struct {
	file string
	ttl  time.Duration

	now func() time.Time
}

// NewApprovals opens the approval store at file with the given code TTL.
func NewApprovals(file string, ttlSec int) *Approvals {
	return &Approvals{
		file: file,
		ttl:  time.Duration(ttlSec) * time.Second,
		now:  time.Now,
	}
}

// ApprovalMeta is attached to successful dry-run responses.
type ApprovalMeta struct {
	Code         string
	ExpiresInSec int
	ExpiresAtTS  int64
}

// Issue creates a one-time code bound to the payload digest.
func (a *Approvals) Issue(digest string) (ApprovalMeta, error) {
	now := a.now()
	code := uuid.NewString()
	expiresAt := now.Add(a.ttl)

	_, err := store.Update(a.file, func(state map[string]any) (struct{}, error) {
		trimApprovals(state, now)
		state[code] = map[string]any{
			"digest":     digest,
			"expires_at": float64(expiresAt.Unix()),
		}
		return struct{}{}, nil
	})
	if err != nil {
		return ApprovalMeta{}, err
	}

	return ApprovalMeta{
		Code:         code,
		ExpiresInSec: int(a.ttl / time.Second),
		ExpiresAtTS:  expiresAt.Unix(),
	}, nil
}

// Consume spends the code for the given digest. Each code works exactly
// once and only for the payload it was issued for.
func (a *Approvals) Consume(digest, approvalCode string) error {
	now := a.now()
	code := strings.TrimSpace(approvalCode)

	errMsg, err := store.Update(a.file, func(state map[string]any) (string, error) {
		trimApprovals(state, now)

		if code == "" {
			return "execution blocked: approval_code is required. Run the same action with dry_run=true first.", nil
		}
		item, ok := state[code].(map[string]any)
		if !ok {
			return "execution blocked: approval_code is invalid or expired.", nil
		}
		if d, _ := item["digest"].(string); d != digest {
			return "execution blocked: approval_code does not match this payload. Generate a fresh dry_run preview.", nil
		}
		delete(state, code)
		return "", nil
	})
	if err != nil {
		return err
	}
	if errMsg != "" {
		return fmt.Errorf("%s", errMsg)
	}
	return nil
}

func trimApprovals(state map[string]any, now time.Time) {
	nowUnix := float64(now.Unix())
	for code, v := range state {
		item, ok := v.(map[string]any)
		if !ok {
			delete(state, code)
			continue
		}
		expires, _ := item["expires_at"].(float64)
		if expires <= nowUnix {
			delete(state, code)
		}
	}
}
