package actions

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testApprovals(t *testing.T, ttlSec int) (*Approvals, *time.Time) {
	t.Helper()
	now := time.Now()
	a := NewApprovals(filepath.Join(t.TempDir(), "approvals.json"), ttlSec)
	a.now = func() time.Time { return now }
	return a, &now
}

func TestApprovalIssueAndConsumeOnce(t *testing.T) {
	a, _ := testApprovals(t, 1800)
	digest := strings.Repeat("ab", 32)

	meta, err := a.Issue(digest)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Code == "" || meta.ExpiresInSec != 1800 {
		t.Fatalf("meta = %+v", meta)
	}

	if err := a.Consume(digest, meta.Code); err != nil {
		t.Fatalf("first consume failed: %v", err)
	}

	// The code is one-shot.
	err = a.Consume(digest, meta.Code)
	if err == nil || !strings.Contains(err.Error(), "invalid or expired") {
		t.Errorf("second consume = %v, want invalid-or-expired", err)
	}
}

func TestApprovalDigestMismatch(t *testing.T) {
	a, _ := testApprovals(t, 1800)

	meta, err := a.Issue("digest-for-target-a")
	if err != nil {
		t.Fatal(err)
	}

	err = a.Consume("digest-for-target-b", meta.Code)
	if err == nil || !strings.Contains(err.Error(), "does not match this payload") {
		t.Errorf("got %v, want payload-mismatch error", err)
	}

	// The mismatched attempt must not have consumed the code.
	if err := a.Consume("digest-for-target-a", meta.Code); err != nil {
		t.Errorf("matching consume after mismatch failed: %v", err)
	}
}

func TestApprovalExpiry(t *testing.T) {
	a, now := testApprovals(t, 60)

	meta, err := a.Issue("some-digest")
	if err != nil {
		t.Fatal(err)
	}

	*now = now.Add(61 * time.Second)
	err = a.Consume("some-digest", meta.Code)
	if err == nil || !strings.Contains(err.Error(), "invalid or expired") {
		t.Errorf("got %v, want expiry error", err)
	}
}

func TestApprovalEmptyCode(t *testing.T) {
	a, _ := testApprovals(t, 60)
	err := a.Consume("whatever", "")
	if err == nil || !strings.Contains(err.Error(), "approval_code is required") {
		t.Errorf("got %v, want required-code error", err)
	}
}
