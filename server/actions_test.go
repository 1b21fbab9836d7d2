package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/tgward/tgward"
	"github.com/tgward/tgward/actions"
	"github.com/tgward/tgward/batch"
	"github.com/tgward/tgward/internal/config"
	"github.com/tgward/tgward/mcp"
	"github.com/tgward/tgward/metrics"
)

// testActionServer wires the full actions tool surface over in-memory stdio
// with a real gate and batch engine. The Telegram manager is never reached:
// these tests exercise the authorization pipeline, which runs entirely in
// front of it.
func testActionServer(t *testing.T) (*mcp.Server, *actions.Gate) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Actions.Enabled = true
	cfg.Actions.AllowedGroups = "-1001111111111, @safegroup"
	cfg.Actions.ApprovalFile = filepath.Join(dir, "approvals.json")
	cfg.Actions.IdempotencyFile = filepath.Join(dir, "idem.json")
	cfg.Batch.File = filepath.Join(dir, "batches.json")
	cfg.Rate.DataDir = dir
	cfg.Guard.ActionProcess = true
	cfg.Guard.WriteContext = "actions_mcp"

	met, err := metrics.New()
	if err != nil {
		t.Fatal(err)
	}
	lim := tgward.NewLimiter(tgward.LimiterConfig{DataDir: dir, GlobalMode: "off"})

	policy := actions.NewPolicy(cfg.Actions)
	policy.ApplyStartupGate(actions.DetectUnsafeDefaults(cfg.Guard, cfg.Actions))
	gate := actions.NewGate(
		policy,
		actions.NewApprovals(cfg.Actions.ApprovalFile, cfg.Actions.ApprovalTTLSec),
		actions.NewIdempotency(cfg.Actions.IdempotencyFile, cfg.Actions.IdempotencyWindowSec, true),
	)
	engine := batch.NewEngine(cfg.Batch.File, "test:1", cfg.Batch.DefaultTTLHours,
		cfg.Batch.ApprovalLeaseSec, cfg.Batch.RunLeaseSec, policy.CheckTargetAllowed, zap.NewNop())

	sctx := NewContext(cfg, ProfileActions, lim, met, zap.NewNop())
	srv := mcp.New("test-actions", "0.0.0", zap.NewNop())
	RegisterActionTools(srv, sctx, ActionDeps{Gate: gate, Engine: engine, Batch: cfg.Batch})
	return srv, gate
}

// callTool drives one tools/call through the stdio framing and decodes the
// tool's JSON payload.
func callTool(t *testing.T, srv *mcp.Server, tool string, args map[string]any) map[string]any {
	t.Helper()

	argJSON, err := json.Marshal(args)
	if err != nil {
		t.Fatal(err)
	}
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, tool, argJSON)

	var out bytes.Buffer
	srv.SetIO(strings.NewReader(frame+"\n"), &out)
	if err := srv.Serve(context.Background()); err != nil {
		t.Fatal(err)
	}

	var resp struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
			IsError bool `json:"isError"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("decode frame: %v (raw %s)", err, out.String())
	}
	if len(resp.Result.Content) == 0 {
		t.Fatalf("empty tool result: %s", out.String())
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(resp.Result.Content[0].Text), &payload); err != nil {
		t.Fatalf("decode payload: %v (raw %q)", err, resp.Result.Content[0].Text)
	}
	return payload
}

func TestSendMessageDryRunIssuesApproval(t *testing.T) {
	srv, _ := testActionServer(t)

	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":        "-1001111111111",
		"message_text": "hello",
		"dry_run":      true,
	})

	if got["success"] != true || got["dry_run"] != true {
		t.Fatalf("payload = %v", got)
	}
	code, _ := got["approval_code"].(string)
	if code == "" {
		t.Error("dry-run must issue an approval code")
	}
	hash, _ := got["action_hash"].(string)
	if len(hash) != 64 {
		t.Errorf("action_hash = %q", hash)
	}
	if got["confirmation_text_required"] != "отправляй" {
		t.Errorf("confirmation_text_required = %v", got["confirmation_text_required"])
	}
	if got["approval_expires_in_sec"] != float64(1800) {
		t.Errorf("approval_expires_in_sec = %v", got["approval_expires_in_sec"])
	}
}

func TestSendMessageBlockedWithoutConfirm(t *testing.T) {
	srv, _ := testActionServer(t)

	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":        "-1001111111111",
		"message_text": "hello",
	})

	if got["success"] != false {
		t.Fatalf("payload = %v", got)
	}
	if !strings.Contains(got["error"].(string), "confirm=true") {
		t.Errorf("error = %v", got["error"])
	}
	if !strings.Contains(got["next_step"].(string), "dry_run=true") {
		t.Errorf("next_step = %v", got["next_step"])
	}
}

func TestSendMessageAllowlistGate(t *testing.T) {
	srv, _ := testActionServer(t)

	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":        "@evilgroup",
		"message_text": "hi",
		"dry_run":      true,
	})
	if got["success"] != false || !strings.Contains(got["error"].(string), "not in the allowed targets") {
		t.Fatalf("payload = %v", got)
	}
}

func TestSendMessageWrongPhraseBlocked(t *testing.T) {
	srv, _ := testActionServer(t)

	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":             "-1001111111111",
		"message_text":      "hello",
		"confirm":           true,
		"confirmation_text": "nope nope",
	})
	if got["success"] != false || !strings.Contains(got["error"].(string), "confirmation_text") {
		t.Fatalf("payload = %v", got)
	}
}

func TestApprovalCodeMismatchedPayload(t *testing.T) {
	srv, _ := testActionServer(t)

	// Dry-run for one payload...
	dry := callTool(t, srv, "tg_send_message", map[string]any{
		"group":        "-1001111111111",
		"message_text": "payload A",
		"dry_run":      true,
	})
	code := dry["approval_code"].(string)

	// ...executed against a different payload: the code must not match.
	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":             "-1001111111111",
		"message_text":      "payload B",
		"confirm":           true,
		"confirmation_text": "отправляй",
		"approval_code":     code,
	})
	if got["success"] != false {
		t.Fatalf("payload = %v", got)
	}
	if !strings.Contains(got["error"].(string), "does not match this payload") {
		t.Errorf("error = %v", got["error"])
	}
}

func TestExecuteWithoutApprovalCode(t *testing.T) {
	srv, _ := testActionServer(t)

	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":             "-1001111111111",
		"message_text":      "hello",
		"confirm":           true,
		"confirmation_text": "отправляй",
	})
	if got["success"] != false || !strings.Contains(got["error"].(string), "approval_code is required") {
		t.Fatalf("payload = %v", got)
	}
}

func TestDuplicateBlockedByIdempotency(t *testing.T) {
	srv, gate := testActionServer(t)

	// First dry-run to obtain a valid code for the payload.
	dry := callTool(t, srv, "tg_send_message", map[string]any{
		"group":        "-1001111111111",
		"message_text": "hello",
		"dry_run":      true,
	})
	code := dry["approval_code"].(string)
	hash := dry["action_hash"].(string)

	// Simulate an earlier successful execute of the same payload.
	if err := gate.Idempotency.MarkExecuted(hash); err != nil {
		t.Fatal(err)
	}

	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":             "-1001111111111",
		"message_text":      "hello",
		"confirm":           true,
		"confirmation_text": "отправляй",
		"approval_code":     code,
	})
	if got["duplicate_blocked"] != true {
		t.Fatalf("payload = %v", got)
	}
	if retry, _ := got["retry_after_sec"].(float64); retry <= 0 {
		t.Errorf("retry_after_sec = %v, want > 0", got["retry_after_sec"])
	}
	if got["action_hash"] != hash {
		t.Errorf("action_hash = %v, want %v", got["action_hash"], hash)
	}
}

func TestMessageLengthBoundary(t *testing.T) {
	srv, _ := testActionServer(t)

	atLimit := strings.Repeat("a", 2000)
	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":        "-1001111111111",
		"message_text": atLimit,
		"dry_run":      true,
	})
	if got["success"] != true {
		t.Fatalf("exactly max_message_len must pass: %v", got["error"])
	}

	overLimit := strings.Repeat("a", 2001)
	got = callTool(t, srv, "tg_send_message", map[string]any{
		"group":        "-1001111111111",
		"message_text": overLimit,
		"dry_run":      true,
	})
	if got["success"] != false || !strings.Contains(got["error"].(string), "too long") {
		t.Fatalf("payload = %v", got)
	}
}

func TestMemberToolDefaultsToDryRun(t *testing.T) {
	srv, _ := testActionServer(t)

	// dry_run omitted: previews never require confirm, so the next gate to
	// fire would be target resolution — but the allowlist check runs first,
	// and a blocked target proves the gates ran in preview mode.
	got := callTool(t, srv, "tg_add_member_to_group", map[string]any{
		"group": "@evilgroup",
		"user":  "@alice_01",
	})
	if got["success"] != false || !strings.Contains(got["error"].(string), "not in the allowed targets") {
		t.Fatalf("payload = %v", got)
	}
}

func TestBatchCreateApproveStatusFlow(t *testing.T) {
	srv, _ := testActionServer(t)

	created := callTool(t, srv, "tg_create_add_member_batch", map[string]any{
		"user":   "@newuser",
		"groups": []string{"-1001111111111", "@safegroup", "@evilgroup"},
	})
	if created["success"] != true {
		t.Fatalf("create = %v", created)
	}
	if created["pending_count"] != float64(2) || created["blocked_policy_count"] != float64(1) {
		t.Fatalf("counts = %v / %v", created["pending_count"], created["blocked_policy_count"])
	}
	batchID := created["batch_id"].(string)

	// Approval requires the exact phrase.
	denied := callTool(t, srv, "tg_approve_batch", map[string]any{
		"batch_id":          batchID,
		"confirmation_text": "wrong phrase",
	})
	if denied["success"] != false {
		t.Fatalf("approve with wrong phrase = %v", denied)
	}

	approvedResp := callTool(t, srv, "tg_approve_batch", map[string]any{
		"batch_id":          batchID,
		"confirmation_text": "отправляй",
	})
	if approvedResp["success"] != true || approvedResp["status"] != "approved" {
		t.Fatalf("approve = %v", approvedResp)
	}

	status := callTool(t, srv, "tg_get_batch_status", map[string]any{"batch_id": batchID})
	if status["success"] != true || status["approved"] != true {
		t.Fatalf("status = %v", status)
	}
	preview := status["pending_groups_preview"].([]any)
	if len(preview) != 2 {
		t.Errorf("preview = %v", preview)
	}
}

func TestPolicyToolShape(t *testing.T) {
	srv, _ := testActionServer(t)

	got := callTool(t, srv, "tg_get_actions_policy", nil)
	if got["actions_enabled"] != true {
		t.Fatalf("policy = %v", got)
	}
	if got["confirmation_phrase"] != "отправляй" {
		t.Errorf("phrase = %v", got["confirmation_phrase"])
	}
	targets := got["allowed_targets"].([]any)
	if len(targets) != 2 {
		t.Errorf("allowed_targets = %v", targets)
	}
	if got["require_approval_code"] != true || got["idempotency_enabled"] != true {
		t.Error("gates must be reported on")
	}
	if _, ok := got["recommended_write_flow"]; !ok {
		t.Error("missing recommended_write_flow")
	}
}

func TestStartupGateBlocksEverything(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Actions.Enabled = true
	cfg.Actions.RequireApprovalCode = false // unsafe
	cfg.Actions.AllowedGroups = "@safegroup"
	cfg.Actions.ApprovalFile = filepath.Join(dir, "approvals.json")
	cfg.Actions.IdempotencyFile = filepath.Join(dir, "idem.json")
	cfg.Batch.File = filepath.Join(dir, "batches.json")
	cfg.Rate.DataDir = dir

	met, _ := metrics.New()
	lim := tgward.NewLimiter(tgward.LimiterConfig{DataDir: dir, GlobalMode: "off"})
	policy := actions.NewPolicy(cfg.Actions)
	policy.ApplyStartupGate(actions.DetectUnsafeDefaults(cfg.Guard, cfg.Actions))
	gate := actions.NewGate(policy,
		actions.NewApprovals(cfg.Actions.ApprovalFile, cfg.Actions.ApprovalTTLSec),
		actions.NewIdempotency(cfg.Actions.IdempotencyFile, cfg.Actions.IdempotencyWindowSec, true))
	engine := batch.NewEngine(cfg.Batch.File, "test:1", 168, 3600, 1800, policy.CheckTargetAllowed, zap.NewNop())

	sctx := NewContext(cfg, ProfileActions, lim, met, zap.NewNop())
	srv := mcp.New("test-actions", "0.0.0", zap.NewNop())
	RegisterActionTools(srv, sctx, ActionDeps{Gate: gate, Engine: engine, Batch: cfg.Batch})

	got := callTool(t, srv, "tg_send_message", map[string]any{
		"group":        "@safegroup",
		"message_text": "hi",
		"dry_run":      true,
	})
	if got["success"] != false || !strings.Contains(got["error"].(string), "unsafe actions policy detected") {
		t.Fatalf("payload = %v", got)
	}
}
