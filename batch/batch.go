// Package batch implements bulk add-member batches: a persistent record of
// per-group actions advanced under a one-time approval lease and a short
// run lease, so several workers sharing the state file never double-run the
// same batch.
package batch

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tgward/tgward"
	"github.com/tgward/tgward/actions"
	"github.com/tgward/tgward/store"
)

// Status is the batch lifecycle state.
type Status string

const (
	StatusPendingApproval Status = "pending_approval"
	StatusApproved        Status = "approved"
	StatusRunning         Status = "running"
	StatusPausedQuota     Status = "paused_quota"
	StatusCompleted       Status = "completed"
	StatusExpired         Status = "expired"
)

// ActionStatus is the per-action state.
type ActionStatus string

const (
	ActionPending       ActionStatus = "pending"
	ActionSuccess       ActionStatus = "success"
	ActionAlreadyMember ActionStatus = "already_member"
	ActionBlockedRights ActionStatus = "blocked_rights"
	ActionBlockedPolicy ActionStatus = "blocked_policy"
	ActionFailed        ActionStatus = "failed"
)

// Action is one group entry inside a batch.
type Action struct {
	Group      string       `json:"group"`
	ActionHash string       `json:"action_hash"`
	Status     ActionStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	LastError  string       `json:"last_error,omitempty"`
	LastRunTS  int64        `json:"last_run_ts,omitempty"`
}

// Record is the persistent batch state.
type Record struct {
	ID              string   `json:"id"`
	Type            string   `json:"type"`
	Status          Status   `json:"status"`
	Approved        bool     `json:"approved"`
	ApprovedAtTS    int64    `json:"approved_at_ts,omitempty"`
	ApprovedUntilTS int64    `json:"approved_until_ts,omitempty"`
	RunLockOwner    string   `json:"run_lock_owner,omitempty"`
	RunLockUntilTS  int64    `json:"run_lock_until_ts,omitempty"`
	User            string   `json:"user"`
	Note            string   `json:"note,omitempty"`
	CreatedAtTS     int64    `json:"created_at_ts"`
	ExpiresAtTS     int64    `json:"expires_at_ts"`
	Actions         []Action `json:"actions"`
	LastRunTS       int64    `json:"last_run_ts,omitempty"`
	LastError       string   `json:"last_error,omitempty"`
	CompletedAtTS   int64    `json:"completed_at_ts,omitempty"`
}

// BlockedTarget reports a group rejected by the allowlist at create time.
type BlockedTarget struct {
	Group string `json:"group"`
	Error string `json:"error"`
}

// AddResult is what the engine needs back from one add-member execution.
type AddResult struct {
	Success       bool
	AlreadyMember bool
	Error         string
}

// Engine drives batch records in the shared state file.
type Engine struct {
	file            string
	owner           string // "<server>:<pid>"
	defaultTTLHours int
	approvalLease   time.Duration
	runLease        time.Duration
	log             *zap.Logger

	now          func() time.Time
	checkAllowed func(group string) (bool, string)
}

// NewEngine opens the batch store at file. owner identifies this process in
// run locks; checkAllowed is the live allowlist gate, re-consulted at run
// time.
func NewEngine(file, owner string, defaultTTLHours, approvalLeaseSec, runLeaseSec int, checkAllowed func(string) (bool, string), log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		file:            file,
		owner:           owner,
		defaultTTLHours: defaultTTLHours,
		approvalLease:   time.Duration(approvalLeaseSec) * time.Second,
		runLease:        time.Duration(runLeaseSec) * time.Second,
		log:             log,
		now:             time.Now,
		checkAllowed:    checkAllowed,
	}
}

func newBatchID() string {
	var b [7]byte
	_, _ = rand.Read(b[:])
	return "batch_" + base64.RawURLEncoding.EncodeToString(b[:])
}

// --- record <-> store codec ---

func decodeRecord(v any) (*Record, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, false
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func encodeRecord(r *Record) map[string]any {
	data, _ := json.Marshal(r)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

// update applies fn to one record under the batch-file lock. fn sees a
// decoded copy; a non-nil error aborts without writing.
func (e *Engine) update(id string, fn func(r *Record) error) (*Record, error) {
	id = strings.TrimSpace(id)
	rec, err := store.Update(e.file, func(state map[string]any) (*Record, error) {
		r, ok := decodeRecord(state[id])
		if !ok {
			return nil, fmt.Errorf("batch %q not found", id)
		}
		if err := fn(r); err != nil {
			return nil, err
		}
		state[id] = encodeRecord(r)
		return r, nil
	}, store.WithRootKey("batches"))
	return rec, err
}

// Get loads one record.
func (e *Engine) Get(id string) (*Record, error) {
	state, err := store.Load(e.file, store.WithRootKey("batches"))
	if err != nil {
		return nil, err
	}
	r, ok := decodeRecord(state[strings.TrimSpace(id)])
	if !ok {
		return nil, fmt.Errorf("batch %q not found", id)
	}
	return r, nil
}

// Create builds and persists an add-member batch: groups are deduplicated
// preserving order, each is run through the allowlist, and disallowed ones
// are recorded as blocked_policy.
func (e *Engine) Create(user string, groups []string, note string, ttlHours int) (*Record, []BlockedTarget, error) {
	normalizedUser := strings.TrimSpace(user)
	userKey := strings.ToLower(normalizedUser)

	var unique []string
	seen := make(map[string]struct{})
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		if _, dup := seen[g]; dup {
			continue
		}
		seen[g] = struct{}{}
		unique = append(unique, g)
	}

	var blocked []BlockedTarget
	actionsList := make([]Action, 0, len(unique))
	for _, g := range unique {
		hash := actions.HashPayload(map[string]any{
			"action": "add_member",
			"target": tgward.NormalizeTarget(g),
			"user":   userKey,
		})
		allowed, errMsg := e.checkAllowed(g)
		if !allowed {
			blocked = append(blocked, BlockedTarget{Group: g, Error: errMsg})
			actionsList = append(actionsList, Action{
				Group:      g,
				ActionHash: hash,
				Status:     ActionBlockedPolicy,
				LastError:  errMsg,
			})
			continue
		}
		actionsList = append(actionsList, Action{Group: g, ActionHash: hash, Status: ActionPending})
	}

	if ttlHours < 1 {
		ttlHours = e.defaultTTLHours
	}
	now := e.now().Unix()
	rec := &Record{
		ID:          newBatchID(),
		Type:        "add_member",
		Status:      StatusPendingApproval,
		User:        normalizedUser,
		Note:        strings.TrimSpace(note),
		CreatedAtTS: now,
		ExpiresAtTS: now + int64(ttlHours)*3600,
		Actions:     actionsList,
	}

	_, err := store.Update(e.file, func(state map[string]any) (struct{}, error) {
		state[rec.ID] = encodeRecord(rec)
		return struct{}{}, nil
	}, store.WithRootKey("batches"))
	if err != nil {
		return nil, nil, err
	}

	e.log.Info("batch created",
		zap.String("batch_id", rec.ID),
		zap.String("user", normalizedUser),
		zap.Int("groups", len(actionsList)),
		zap.Int("blocked", len(blocked)))
	return rec, blocked, nil
}

// reportFile is the JSON shape a previous bulk run leaves behind.
type reportFile struct {
	Items []struct {
		ChatID json.RawMessage `json:"chat_id"`
		Result struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		} `json:"result"`
	} `json:"items"`
}

// GroupsFromReport extracts failed chat ids from a report file, keeping
// items whose error contains the needle.
func GroupsFromReport(data []byte, errorContains string) ([]string, error) {
	var report reportFile
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse report: %w", err)
	}
	if report.Items == nil {
		return nil, fmt.Errorf("report has no valid 'items' array")
	}

	needle := strings.ToLower(strings.TrimSpace(errorContains))
	var groups []string
	for _, item := range report.Items {
		if item.Result.Success || len(item.ChatID) == 0 {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(item.Result.Error), needle) {
			continue
		}
		groups = append(groups, strings.Trim(string(item.ChatID), `"`))
	}
	return groups, nil
}

// Approve marks the batch approved for the approval lease. The caller has
// already validated the confirmation phrase.
func (e *Engine) Approve(id string) (*Record, error) {
	now := e.now().Unix()
	rec, err := e.update(id, func(r *Record) error {
		if r.ExpiresAtTS <= now {
			return fmt.Errorf("batch is expired")
		}
		r.Approved = true
		r.ApprovedAtTS = now
		r.ApprovedUntilTS = now + int64(e.approvalLease/time.Second)
		if r.Status == StatusPendingApproval {
			r.Status = StatusApproved
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("batch approved", zap.String("batch_id", rec.ID), zap.Int64("approved_until_ts", rec.ApprovedUntilTS))
	return rec, nil
}

// Summarize builds the compact progress view shared by every batch response.
func Summarize(r *Record) map[string]any {
	counts := map[ActionStatus]int{}
	for _, a := range r.Actions {
		counts[a.Status]++
	}
	failed := len(r.Actions) - counts[ActionPending] - counts[ActionSuccess] -
		counts[ActionAlreadyMember] - counts[ActionBlockedRights] - counts[ActionBlockedPolicy]

	return map[string]any{
		"batch_id":                r.ID,
		"batch_type":              r.Type,
		"status":                  string(r.Status),
		"approved":                r.Approved,
		"approval_valid_until_ts": r.ApprovedUntilTS,
		"run_lock_owner":          r.RunLockOwner,
		"run_lock_until_ts":       r.RunLockUntilTS,
		"user":                    r.User,
		"created_at_ts":           r.CreatedAtTS,
		"approved_at_ts":          r.ApprovedAtTS,
		"expires_at_ts":           r.ExpiresAtTS,
		"total":                   len(r.Actions),
		"pending_count":           counts[ActionPending],
		"success_count":           counts[ActionSuccess],
		"already_member_count":    counts[ActionAlreadyMember],
		"blocked_rights_count":    counts[ActionBlockedRights],
		"blocked_policy_count":    counts[ActionBlockedPolicy],
		"failed_count":            failed,
	}
}

// PendingPreview lists up to n pending group identifiers.
func PendingPreview(r *Record, n int) []string {
	var out []string
	for _, a := range r.Actions {
		if a.Status == ActionPending {
			out = append(out, a.Group)
			if len(out) >= n {
				break
			}
		}
	}
	return out
}
