package actions

import (
	"strings"
	"testing"

	"github.com/tgward/tgward/internal/config"
)

func testActionsConfig() config.ActionsConfig {
	cfg := config.Default().Actions
	cfg.Enabled = true
	cfg.AllowedGroups = "-1001111111111, @SafeGroup"
	return cfg
}

func safeGuardConfig() config.GuardConfig {
	return config.Default().Guard
}

func TestHashPayloadStableAcrossKeyOrder(t *testing.T) {
	a := HashPayload(map[string]any{
		"action": "send_message",
		"target": "-100123",
		"text":   "hello",
	})
	b := HashPayload(map[string]any{
		"text":   "hello",
		"action": "send_message",
		"target": "-100123",
	})
	if a != b {
		t.Errorf("digest differs across key order: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestHashPayloadDiffersOnContent(t *testing.T) {
	a := HashPayload(map[string]any{"action": "send_message", "target": "x", "text": "one"})
	b := HashPayload(map[string]any{"action": "send_message", "target": "x", "text": "two"})
	if a == b {
		t.Error("different payloads must not collide")
	}
}

func TestCheckTargetAllowed(t *testing.T) {
	p := NewPolicy(testActionsConfig())

	if ok, _ := p.CheckTargetAllowed("-1001111111111"); !ok {
		t.Error("allowlisted numeric target rejected")
	}
	if ok, _ := p.CheckTargetAllowed("@safegroup"); !ok {
		t.Error("allowlist comparison must be case-insensitive and @-insensitive")
	}
	if ok, errMsg := p.CheckTargetAllowed("@othergroup"); ok || errMsg == "" {
		t.Error("target outside the allowlist must be rejected with a reason")
	}
}

func TestEmptyAllowlistWithRequirementBlocks(t *testing.T) {
	cfg := testActionsConfig()
	cfg.AllowedGroups = ""
	p := NewPolicy(cfg)

	ok, errMsg := p.CheckTargetAllowed("@anygroup")
	if ok {
		t.Fatal("empty required allowlist must hard-block")
	}
	if !strings.Contains(errMsg, "empty") {
		t.Errorf("unexpected error: %q", errMsg)
	}
}

func TestValidateConfirmationText(t *testing.T) {
	p := NewPolicy(testActionsConfig()) // phrase "отправляй", min len 6

	if ok, _ := p.ValidateConfirmationText("", true); !ok {
		t.Error("dry-run skips the confirmation gate")
	}
	if ok, _ := p.ValidateConfirmationText("отправляй", false); !ok {
		t.Error("exact phrase must pass")
	}
	if ok, _ := p.ValidateConfirmationText("  ОтПравляй  ", false); !ok {
		t.Error("comparison is case-insensitive and trimmed")
	}
	if ok, _ := p.ValidateConfirmationText("да", false); ok {
		t.Error("short text must fail the minimum length")
	}
	if ok, _ := p.ValidateConfirmationText("отправляй!", false); ok {
		t.Error("non-matching phrase must fail")
	}
}

func TestCheckPreconditionsOrder(t *testing.T) {
	p := NewPolicy(testActionsConfig())

	// Non-dry-run without confirm.
	ok, errMsg := p.CheckPreconditions("-1001111111111", false, false, "отправляй")
	if ok || !strings.Contains(errMsg, "confirm=true") {
		t.Errorf("missing confirm: ok=%v err=%q", ok, errMsg)
	}

	// Allowlist rejection comes before the confirm gate.
	_, errMsg = p.CheckPreconditions("@evilgroup", false, false, "")
	if !strings.Contains(errMsg, "not in the allowed targets") {
		t.Errorf("expected allowlist error first, got %q", errMsg)
	}

	// Full pass.
	if ok, errMsg := p.CheckPreconditions("-1001111111111", false, true, "отправляй"); !ok {
		t.Errorf("expected pass, got %q", errMsg)
	}
}

func TestDisabledActionsBlocked(t *testing.T) {
	cfg := testActionsConfig()
	cfg.Enabled = false
	p := NewPolicy(cfg)

	ok, errMsg := p.CheckPreconditions("-1001111111111", true, false, "")
	if ok || !strings.Contains(errMsg, "disabled") {
		t.Errorf("ok=%v err=%q", ok, errMsg)
	}
}

func TestDetectUnsafeDefaults(t *testing.T) {
	if issues := DetectUnsafeDefaults(safeGuardConfig(), testActionsConfig()); len(issues) != 0 {
		t.Errorf("safe defaults flagged: %v", issues)
	}

	guard := safeGuardConfig()
	guard.AllowDirectWrite = true
	act := testActionsConfig()
	act.RequireApprovalCode = false
	issues := DetectUnsafeDefaults(guard, act)
	if len(issues) != 2 {
		t.Errorf("got %d issues, want 2: %v", len(issues), issues)
	}
}

func TestStartupGateDisablesActions(t *testing.T) {
	p := NewPolicy(testActionsConfig())
	p.ApplyStartupGate([]string{"approval codes must stay required"})

	if p.Enabled {
		t.Error("unsafe policy without override must disable actions")
	}
	ok, errMsg := p.CheckPreconditions("-1001111111111", true, false, "")
	if ok || !strings.Contains(errMsg, "unsafe actions policy detected") {
		t.Errorf("ok=%v err=%q", ok, errMsg)
	}
}

func TestStartupGateOverride(t *testing.T) {
	cfg := testActionsConfig()
	cfg.UnsafeOverride = true
	p := NewPolicy(cfg)
	p.ApplyStartupGate([]string{"something unsafe"})

	if !p.Enabled {
		t.Error("override keeps actions enabled")
	}
	if p.StartupBlockReason != "" {
		t.Error("override must not set a block reason")
	}
	if len(p.UnsafePolicyIssues) != 1 {
		t.Error("issues are still reported")
	}
}

func TestNextStepHints(t *testing.T) {
	p := NewPolicy(testActionsConfig())

	tests := []struct {
		errMsg string
		want   string
	}{
		{"execution blocked: set confirm=true to run a destructive action", "dry_run=true first"},
		{"execution blocked: approval_code is invalid or expired.", "dry_run=true"},
		{"Duplicate action blocked by idempotency window.", "force_resend=true"},
		{"target \"x\" is not in the allowed targets set", "TGW_ACTIONS_ALLOWED_GROUPS"},
		{"something unrelated", ""},
	}
	for _, tt := range tests {
		got := p.NextStep(tt.errMsg)
		if tt.want == "" {
			if got != "" {
				t.Errorf("NextStep(%q) = %q, want empty", tt.errMsg, got)
			}
			continue
		}
		if !strings.Contains(got, tt.want) {
			t.Errorf("NextStep(%q) = %q, want contains %q", tt.errMsg, got, tt.want)
		}
	}
}

func TestBlockedResponseShape(t *testing.T) {
	p := NewPolicy(testActionsConfig())
	payload := p.Blocked("execution blocked: set confirm=true to run a destructive action. Use dry_run=true to preview safely.", map[string]any{"extra": 1})

	if payload["success"] != false {
		t.Error("blocked payload must have success=false")
	}
	if payload["next_step"] == nil {
		t.Error("expected next_step hint")
	}
	if payload["extra"] != 1 {
		t.Error("extra fields must pass through")
	}
}
