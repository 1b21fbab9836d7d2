// Package actions implements the authorization pipeline in front of every
// Telegram write: startup safety gate, allowlist, confirm flag, human
// confirmation phrase, one-time approval codes issued at dry-run, and the
// idempotency window. Gates are evaluated in a fixed order and every blocked
// response carries an actionable next step.
package actions

import (
	"fmt"
	"strings"

	"github.com/tgward/tgward"
	"github.com/tgward/tgward/internal/config"
)

// Policy is the active action gate configuration, derived from config once
// at startup.
type Policy struct {
	Enabled          bool
	RequireAllowlist bool
	AllowedTargets   map[string]struct{}

	MaxMessageLen int
	MaxFileMB     int

	RequireConfirmationText bool
	ConfirmationPhrase      string // lowercase
	MinConfirmationTextLen  int

	RequireApprovalCode bool
	ApprovalTTLSec      int

	IdempotencyEnabled   bool
	IdempotencyWindowSec int

	UnsafeOverride bool

	// StartupBlockReason disables all actions when the startup safety gate
	// found unsafe settings and the override is not set.
	StartupBlockReason string
	UnsafePolicyIssues []string
}

// NewPolicy derives the runtime policy from config, running the startup
// safety gate.
func NewPolicy(cfg config.ActionsConfig) *Policy {
	p := &Policy{
		Enabled:                 cfg.Enabled,
		RequireAllowlist:        cfg.RequireAllowlist,
		AllowedTargets:          tgward.ParseAllowlist(cfg.AllowedGroups),
		MaxMessageLen:           cfg.MaxMessageLen,
		MaxFileMB:               cfg.MaxFileMB,
		RequireConfirmationText: cfg.RequireConfirmationText,
		ConfirmationPhrase:      strings.ToLower(strings.TrimSpace(cfg.ConfirmationPhrase)),
		MinConfirmationTextLen:  cfg.MinConfirmationTextLen,
		RequireApprovalCode:     cfg.RequireApprovalCode,
		ApprovalTTLSec:          cfg.ApprovalTTLSec,
		IdempotencyEnabled:      cfg.IdempotencyEnabled,
		IdempotencyWindowSec:    cfg.IdempotencyWindowSec,
		UnsafeOverride:          cfg.UnsafeOverride,
	}
	return p
}

// ApplyStartupGate records unsafe-policy issues; unless the unsafe override
// is set, any issue disables all actions for the process.
func (p *Policy) ApplyStartupGate(issues []string) {
	p.UnsafePolicyIssues = issues
	if len(issues) > 0 && !p.UnsafeOverride {
		p.Enabled = false
		p.StartupBlockReason = "unsafe actions policy detected: " + strings.Join(issues, "; ") +
			". Set TGW_ACTIONS_UNSAFE_OVERRIDE=1 only if you really need non-safe mode."
	}
}

// DetectUnsafeDefaults returns the ways the current configuration weakens
// the default-safe action policy.
func DetectUnsafeDefaults(guard config.GuardConfig, act config.ActionsConfig) []string {
	var issues []string
	if !guard.BlockDirectWrite {
		issues = append(issues, "direct-write guard must stay enabled (TGW_BLOCK_DIRECT_WRITE=1)")
	}
	if guard.AllowDirectWrite {
		issues = append(issues, "direct writes must stay blocked (TGW_ALLOW_DIRECT_WRITE=0)")
	}
	if !guard.EnforceActionProcess {
		issues = append(issues, "action-process enforcement must stay on (TGW_ENFORCE_ACTION_PROCESS=1)")
	}
	if !act.RequireAllowlist {
		issues = append(issues, "allowlist must stay required (TGW_ACTIONS_REQUIRE_ALLOWLIST=1)")
	}
	if !act.RequireConfirmationText {
		issues = append(issues, "confirmation text must stay required (TGW_ACTIONS_REQUIRE_CONFIRMATION_TEXT=1)")
	}
	if !act.RequireApprovalCode {
		issues = append(issues, "approval codes must stay required (TGW_ACTIONS_REQUIRE_APPROVAL_CODE=1)")
	}
	if !act.IdempotencyEnabled {
		issues = append(issues, "idempotency must stay enabled (TGW_ACTIONS_IDEMPOTENCY_ENABLED=1)")
	}
	return issues
}

// CheckTargetAllowed applies the allowlist gate to a normalized target.
func (p *Policy) CheckTargetAllowed(group string) (bool, string) {
	normalized := tgward.NormalizeTarget(group)

	if p.RequireAllowlist && len(p.AllowedTargets) == 0 {
		return false, "actions blocked: allowlist is required but the allowed targets set is empty"
	}
	if len(p.AllowedTargets) > 0 {
		if _, ok := p.AllowedTargets[normalized]; !ok {
			return false, fmt.Sprintf("target %q is not in the allowed targets set", group)
		}
	}
	return true, ""
}

// ValidateConfirmationText applies the confirmation-phrase gate: non-dry-run
// requires the caller to echo the configured phrase (compared
// case-insensitively, whitespace trimmed) and meet the minimum length.
func (p *Policy) ValidateConfirmationText(confirmationText string, dryRun bool) (bool, string) {
	if dryRun || !p.RequireConfirmationText {
		return true, ""
	}

	text := strings.TrimSpace(confirmationText)
	if len([]rune(text)) < p.MinConfirmationTextLen {
		return false, fmt.Sprintf(
			"execution blocked: add confirmation_text from the user in this thread (min %d chars)",
			p.MinConfirmationTextLen)
	}
	if p.ConfirmationPhrase != "" && strings.ToLower(text) != p.ConfirmationPhrase {
		return false, fmt.Sprintf("execution blocked: confirmation_text must be exactly %q", p.ConfirmationPhrase)
	}
	return true, ""
}

// CheckPreconditions runs the gate sequence shared by every action tool:
// startup gate, enabled gate, allowlist, confirm flag, confirmation phrase.
func (p *Policy) CheckPreconditions(group string, dryRun, confirm bool, confirmationText string) (bool, string) {
	if p.StartupBlockReason != "" {
		return false, p.StartupBlockReason
	}
	if !p.Enabled {
		return false, "actions are disabled. Set TGW_ACTIONS_ENABLED=1."
	}
	if ok, errMsg := p.CheckTargetAllowed(group); !ok {
		return false, errMsg
	}
	if !dryRun && !confirm {
		return false, "execution blocked: set confirm=true to run a destructive action. Use dry_run=true to preview safely."
	}
	if ok, errMsg := p.ValidateConfirmationText(confirmationText, dryRun); !ok {
		return false, errMsg
	}
	return true, ""
}

// NextStep maps a blocked-response error to an actionable hint.
func (p *Policy) NextStep(errMsg string) string {
	text := strings.ToLower(errMsg)
	switch {
	case text == "":
		return ""
	case strings.Contains(text, "unsafe actions policy detected"):
		return "Restore the strict safety settings, then restart the actions server. Use TGW_ACTIONS_UNSAFE_OVERRIDE=1 only for temporary debugging."
	case strings.Contains(text, "actions are disabled"):
		return "Set TGW_ACTIONS_ENABLED=1 for the actions server and restart it."
	case strings.Contains(text, "allowed targets set is empty"):
		return "Set TGW_ACTIONS_ALLOWED_GROUPS with explicit targets, then retry dry_run."
	case strings.Contains(text, "not in the allowed targets set"):
		return "Add this target to TGW_ACTIONS_ALLOWED_GROUPS, then retry dry_run."
	case strings.Contains(text, "confirm=true"):
		return "Run the same action with dry_run=true first, then rerun with confirm=true."
	case strings.Contains(text, "confirmation_text"):
		return fmt.Sprintf("Use exact confirmation_text=%q in this thread.", p.ConfirmationPhrase)
	case strings.Contains(text, "approval_code"):
		return "Run the matching action with dry_run=true to get a one-time approval_code, then execute."
	case strings.Contains(text, "duplicate action blocked"):
		return "Wait until the idempotency window expires, or set force_resend=true if the resend is intentional."
	default:
		return ""
	}
}

// Blocked shapes the standard blocked response, attaching the next-step hint
// when one applies.
func (p *Policy) Blocked(errMsg string, extra map[string]any) map[string]any {
	payload := map[string]any{"success": false, "error": errMsg}
	if step := p.NextStep(errMsg); step != "" {
		payload["next_step"] = step
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}
