package server

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tgward/tgward"
	"github.com/tgward/tgward/actions"
	"github.com/tgward/tgward/batch"
	"github.com/tgward/tgward/internal/config"
	"github.com/tgward/tgward/mcp"
)

// ActionDeps bundles what the actions profile needs beyond the shared
// context.
type ActionDeps struct {
	Gate   *actions.Gate
	Engine *batch.Engine
	Batch  config.BatchConfig
}

type confirmParams struct {
	Confirm          bool   `json:"confirm"`
	ConfirmationText string `json:"confirmation_text"`
	ApprovalCode     string `json:"approval_code"`
	ForceResend      bool   `json:"force_resend"`
}

type sendMessageParams struct {
	Group       string `json:"group"`
	MessageText string `json:"message_text"`
	DryRun      bool   `json:"dry_run"`
	confirmParams
}

type sendFileParams struct {
	Group    string `json:"group"`
	FilePath string `json:"file_path"`
	Caption  string `json:"caption"`
	DryRun   bool   `json:"dry_run"`
	confirmParams
}

// Member tools preview by default: an omitted dry_run means true.
type memberParams struct {
	Group  string `json:"group"`
	User   string `json:"user"`
	DryRun *bool  `json:"dry_run"`
	confirmParams
}

type migrateParams struct {
	Group   string `json:"group"`
	OldUser string `json:"old_user"`
	NewUser string `json:"new_user"`
	DryRun  *bool  `json:"dry_run"`
	confirmParams
}

type createBatchParams struct {
	User     string   `json:"user"`
	Groups   []string `json:"groups"`
	Note     string   `json:"note"`
	TTLHours int      `json:"ttl_hours"`
}

type createBatchFromReportParams struct {
	ReportPath    string `json:"report_path"`
	User          string `json:"user"`
	Note          string `json:"note"`
	ErrorContains string `json:"error_contains"`
	TTLHours      int    `json:"ttl_hours"`
}

type approveBatchParams struct {
	BatchID          string `json:"batch_id"`
	ConfirmationText string `json:"confirmation_text"`
}

type batchStatusParams struct {
	BatchID string `json:"batch_id"`
}

type runBatchParams struct {
	BatchID    string `json:"batch_id"`
	MaxActions int    `json:"max_actions"`
}

func defaultTrue(v *bool) bool {
	if v == nil {
		return true
	}
	return *v
}

// RegisterActionTools adds the actions-profile tool surface: the read tools
// useful for target validation plus the gated write and batch tools.
func RegisterActionTools(srv *mcp.Server, c *Context, deps ActionDeps) {
	gate := deps.Gate
	policy := gate.Policy

	confirmationRequired := func() any {
		if policy.RequireConfirmationText {
			return policy.ConfirmationPhrase
		}
		return nil
	}

	approvalMeta := func(result map[string]any, meta *actions.ApprovalMeta) {
		if meta != nil {
			result["approval_code"] = meta.Code
			result["approval_expires_in_sec"] = meta.ExpiresInSec
			result["approval_expires_at_ts"] = meta.ExpiresAtTS
		}
	}

	duplicateBlocked := func(hash string, retryAfter int) map[string]any {
		return map[string]any{
			"success":           false,
			"duplicate_blocked": true,
			"retry_after_sec":   retryAfter,
			"action_hash":       hash,
			"error":             "Duplicate action blocked by idempotency window. Set force_resend=true to override.",
		}
	}

	// checkDuplicate applies the idempotency gate; nil means proceed.
	checkDuplicate := func(hash string, forceResend bool) map[string]any {
		if forceResend {
			return nil
		}
		dup, retryAfter, err := gate.Idempotency.CheckDuplicate(hash)
		if err != nil {
			return policy.Blocked("idempotency check failed: "+err.Error(), nil)
		}
		if dup {
			return duplicateBlocked(hash, retryAfter)
		}
		return nil
	}

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_send_message",
			Description: "Send a message with policy gates (confirm + confirmation_text + approval code + idempotency).",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"},"message_text":{"type":"string"},"dry_run":{"type":"boolean","default":false},"confirm":{"type":"boolean","default":false},"confirmation_text":{"type":"string"},"approval_code":{"type":"string"},"force_resend":{"type":"boolean","default":false}},"required":["group","message_text"]}`),
		},
		Execute: handle(func(ctx context.Context, p sendMessageParams) map[string]any {
			if ok, errMsg := policy.CheckPreconditions(p.Group, p.DryRun, p.Confirm, p.ConfirmationText); !ok {
				return policy.Blocked(errMsg, nil)
			}

			text := strings.TrimSpace(p.MessageText)
			if text == "" {
				return policy.Blocked("message_text is empty", nil)
			}
			if n := utf8.RuneCountInString(text); n > policy.MaxMessageLen {
				return map[string]any{
					"success": false,
					"error":   "message_text is too long: " + itoa(n) + " > " + itoa(policy.MaxMessageLen),
				}
			}

			hash := actions.HashPayload(map[string]any{
				"action": "send_message",
				"target": tgward.NormalizeTarget(p.Group),
				"text":   text,
			})

			ok, errMsg, meta := gate.ApprovalGate(hash, p.DryRun, p.ApprovalCode)
			if !ok {
				return policy.Blocked(errMsg, nil)
			}

			if p.DryRun {
				result := map[string]any{
					"success":                    true,
					"dry_run":                    true,
					"target":                     p.Group,
					"message_len":                utf8.RuneCountInString(text),
					"action_hash":                hash,
					"confirmation_text_required": confirmationRequired(),
				}
				approvalMeta(result, meta)
				return result
			}

			if blocked := checkDuplicate(hash, p.ForceResend); blocked != nil {
				return blocked
			}

			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return policy.Blocked(err.Error(), nil)
			}
			if err := mgr.SendMessage(c.OpCtx(ctx), p.Group, text); err != nil {
				return map[string]any{
					"success":     false,
					"target":      p.Group,
					"action_hash": hash,
					"error":       "send_message failed: " + err.Error(),
				}
			}

			_ = gate.Idempotency.MarkExecuted(hash)
			return map[string]any{
				"success":     true,
				"target":      p.Group,
				"message_len": utf8.RuneCountInString(text),
				"action_hash": hash,
			}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_send_file",
			Description: "Send a local file with policy gates (confirm + confirmation_text + approval code + idempotency).",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"},"file_path":{"type":"string"},"caption":{"type":"string"},"dry_run":{"type":"boolean","default":false},"confirm":{"type":"boolean","default":false},"confirmation_text":{"type":"string"},"approval_code":{"type":"string"},"force_resend":{"type":"boolean","default":false}},"required":["group","file_path"]}`),
		},
		Execute: handle(func(ctx context.Context, p sendFileParams) map[string]any {
			if ok, errMsg := policy.CheckPreconditions(p.Group, p.DryRun, p.Confirm, p.ConfirmationText); !ok {
				return policy.Blocked(errMsg, nil)
			}

			path := strings.TrimSpace(p.FilePath)
			if path == "" {
				return policy.Blocked("file_path is empty", nil)
			}
			info, err := os.Stat(path)
			if err != nil {
				return policy.Blocked("file_path does not exist: "+path, nil)
			}
			if info.IsDir() {
				return policy.Blocked("file_path is not a file: "+path, nil)
			}
			if info.Size() > int64(policy.MaxFileMB)<<20 {
				return map[string]any{
					"success": false,
					"error":   "file is too large: " + itoa64(info.Size()>>20) + " MB > " + itoa(policy.MaxFileMB) + " MB",
				}
			}

			caption := strings.TrimSpace(p.Caption)
			if n := utf8.RuneCountInString(caption); n > policy.MaxMessageLen {
				return map[string]any{
					"success": false,
					"error":   "caption is too long: " + itoa(n) + " > " + itoa(policy.MaxMessageLen),
				}
			}

			absPath, err := filepath.Abs(path)
			if err != nil {
				absPath = path
			}
			hash := actions.HashPayload(map[string]any{
				"action":        "send_file",
				"target":        tgward.NormalizeTarget(p.Group),
				"file_path":     absPath,
				"file_size":     info.Size(),
				"file_mtime_ns": info.ModTime().UnixNano(),
				"caption":       caption,
			})

			ok, errMsg, meta := gate.ApprovalGate(hash, p.DryRun, p.ApprovalCode)
			if !ok {
				return policy.Blocked(errMsg, nil)
			}

			if p.DryRun {
				result := map[string]any{
					"success":                    true,
					"dry_run":                    true,
					"target":                     p.Group,
					"file_path":                  path,
					"file_size_bytes":            info.Size(),
					"caption_len":                utf8.RuneCountInString(caption),
					"action_hash":                hash,
					"confirmation_text_required": confirmationRequired(),
				}
				approvalMeta(result, meta)
				return result
			}

			if blocked := checkDuplicate(hash, p.ForceResend); blocked != nil {
				return blocked
			}

			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return policy.Blocked(err.Error(), nil)
			}
			if err := mgr.SendFile(c.OpCtx(ctx), p.Group, path, caption); err != nil {
				return map[string]any{
					"success":     false,
					"target":      p.Group,
					"action_hash": hash,
					"error":       "send_file failed: " + err.Error(),
				}
			}

			_ = gate.Idempotency.MarkExecuted(hash)
			return map[string]any{
				"success":         true,
				"target":          p.Group,
				"file_path":       path,
				"file_size_bytes": info.Size(),
				"caption_len":     utf8.RuneCountInString(caption),
				"action_hash":     hash,
			}
		}),
	})

	memberTool := func(name, description, action string) {
		srv.AddTool(mcp.ToolHandler{
			Definition: mcp.ToolDefinition{
				Name:        name,
				Description: description,
				InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"},"user":{"type":"string"},"dry_run":{"type":"boolean","default":true},"confirm":{"type":"boolean","default":false},"confirmation_text":{"type":"string"},"approval_code":{"type":"string"},"force_resend":{"type":"boolean","default":false}},"required":["group","user"]}`),
			},
			Execute: handle(func(ctx context.Context, p memberParams) map[string]any {
				dryRun := defaultTrue(p.DryRun)
				if ok, errMsg := policy.CheckPreconditions(p.Group, dryRun, p.Confirm, p.ConfirmationText); !ok {
					return policy.Blocked(errMsg, nil)
				}

				hash := actions.HashPayload(map[string]any{
					"action": action,
					"target": tgward.NormalizeTarget(p.Group),
					"user":   strings.ToLower(strings.TrimSpace(p.User)),
				})

				ok, errMsg, meta := gate.ApprovalGate(hash, dryRun, p.ApprovalCode)
				if !ok {
					return policy.Blocked(errMsg, nil)
				}
				if !dryRun {
					if blocked := checkDuplicate(hash, p.ForceResend); blocked != nil {
						return blocked
					}
				}

				mgr, err := c.Manager(c.OpCtx(ctx))
				if err != nil {
					return policy.Blocked(err.Error(), nil)
				}

				var result map[string]any
				if action == "add_member" {
					result = asMap(mgr.AddMember(c.OpCtx(ctx), p.Group, p.User, dryRun))
				} else {
					result = asMap(mgr.RemoveMember(c.OpCtx(ctx), p.Group, p.User, dryRun))
				}

				if success, _ := result["success"].(bool); success && !dryRun {
					_ = gate.Idempotency.MarkExecuted(hash)
				}
				if dryRun {
					approvalMeta(result, meta)
				}
				result["action_hash"] = hash
				result["confirmation_text_required"] = confirmationRequired()
				return result
			}),
		})
	}

	memberTool("tg_add_member_to_group",
		"Add a user to a group/channel with confirmation and idempotency gates.", "add_member")
	memberTool("tg_remove_member_from_group",
		"Remove a user from a group/channel with confirmation and idempotency gates.", "remove_member")

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_migrate_member",
			Description: "Migrate a member (add new, remove old) with confirmation and idempotency gates.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"},"old_user":{"type":"string"},"new_user":{"type":"string"},"dry_run":{"type":"boolean","default":true},"confirm":{"type":"boolean","default":false},"confirmation_text":{"type":"string"},"approval_code":{"type":"string"},"force_resend":{"type":"boolean","default":false}},"required":["group","old_user","new_user"]}`),
		},
		Execute: handle(func(ctx context.Context, p migrateParams) map[string]any {
			dryRun := defaultTrue(p.DryRun)
			if ok, errMsg := policy.CheckPreconditions(p.Group, dryRun, p.Confirm, p.ConfirmationText); !ok {
				return policy.Blocked(errMsg, nil)
			}

			hash := actions.HashPayload(map[string]any{
				"action":   "migrate_member",
				"target":   tgward.NormalizeTarget(p.Group),
				"old_user": strings.ToLower(strings.TrimSpace(p.OldUser)),
				"new_user": strings.ToLower(strings.TrimSpace(p.NewUser)),
			})

			ok, errMsg, meta := gate.ApprovalGate(hash, dryRun, p.ApprovalCode)
			if !ok {
				return policy.Blocked(errMsg, nil)
			}
			if !dryRun {
				if blocked := checkDuplicate(hash, p.ForceResend); blocked != nil {
					return blocked
				}
			}

			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return policy.Blocked(err.Error(), nil)
			}
			result := asMap(mgr.MigrateMember(c.OpCtx(ctx), p.Group, p.OldUser, p.NewUser, dryRun))

			if success, _ := result["success"].(bool); success && !dryRun {
				_ = gate.Idempotency.MarkExecuted(hash)
			}
			if dryRun {
				approvalMeta(result, meta)
			}
			result["action_hash"] = hash
			result["confirmation_text_required"] = confirmationRequired()
			return result
		}),
	})

	createBatch := func(p createBatchParams) map[string]any {
		if policy.StartupBlockReason != "" {
			return policy.Blocked(policy.StartupBlockReason, nil)
		}
		if !policy.Enabled {
			return policy.Blocked("actions are disabled. Set TGW_ACTIONS_ENABLED=1.", nil)
		}
		if strings.TrimSpace(p.User) == "" {
			return policy.Blocked("user is empty", nil)
		}
		if len(p.Groups) == 0 {
			return policy.Blocked("groups list is empty", nil)
		}

		rec, blocked, err := deps.Engine.Create(p.User, p.Groups, p.Note, p.TTLHours)
		if err != nil {
			return policy.Blocked(err.Error(), nil)
		}

		result := map[string]any{"success": true}
		for k, v := range batch.Summarize(rec) {
			result[k] = v
		}
		result["blocked_targets"] = blocked
		result["next_step"] = "Call tg_approve_batch(batch_id, confirmation_text), then tg_run_add_member_batch(batch_id)."
		return result
	}

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_create_add_member_batch",
			Description: "Create a batch for adding one user to many groups with a one-time approval.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"user":{"type":"string"},"groups":{"type":"array","items":{"type":"string"}},"note":{"type":"string"},"ttl_hours":{"type":"integer"}},"required":["user","groups"]}`),
		},
		Execute: handle(func(ctx context.Context, p createBatchParams) map[string]any {
			return createBatch(p)
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_create_add_member_batch_from_report",
			Description: "Create an add-member batch from a JSON report of a previous run, selecting failed items.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"report_path":{"type":"string"},"user":{"type":"string"},"note":{"type":"string"},"error_contains":{"type":"string","default":"join quota exceeded"},"ttl_hours":{"type":"integer"}},"required":["report_path","user"]}`),
		},
		Execute: handle(func(ctx context.Context, p createBatchFromReportParams) map[string]any {
			path := strings.TrimSpace(p.ReportPath)
			data, err := os.ReadFile(path)
			if err != nil {
				return policy.Blocked("report_path is not readable: "+path, nil)
			}

			needle := p.ErrorContains
			if needle == "" {
				needle = "join quota exceeded"
			}
			groups, err := batch.GroupsFromReport(data, needle)
			if err != nil {
				return policy.Blocked(err.Error(), nil)
			}
			if len(groups) == 0 {
				return map[string]any{
					"success": false,
					"error":   "no failed groups matched error_contains=" + needle + " in the report",
				}
			}

			note := strings.TrimSpace("from_report:" + filepath.Base(path) + " " + p.Note)
			return createBatch(createBatchParams{User: p.User, Groups: groups, Note: note, TTLHours: p.TTLHours})
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_approve_batch",
			Description: "Approve a previously created batch once; runs within the lease need no per-action approval.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"batch_id":{"type":"string"},"confirmation_text":{"type":"string"}},"required":["batch_id","confirmation_text"]}`),
		},
		Execute: handle(func(ctx context.Context, p approveBatchParams) map[string]any {
			if ok, errMsg := policy.ValidateConfirmationText(p.ConfirmationText, false); !ok {
				return policy.Blocked(errMsg, nil)
			}

			rec, err := deps.Engine.Approve(p.BatchID)
			if err != nil {
				return policy.Blocked(err.Error(), nil)
			}

			result := map[string]any{"success": true}
			for k, v := range batch.Summarize(rec) {
				result[k] = v
			}
			result["approval_lease_sec"] = deps.Batch.ApprovalLeaseSec
			return result
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_batch_status",
			Description: "Get status and per-state counters for an action batch.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"batch_id":{"type":"string"}},"required":["batch_id"]}`),
		},
		Execute: handle(func(ctx context.Context, p batchStatusParams) map[string]any {
			rec, err := deps.Engine.Get(p.BatchID)
			if err != nil {
				return policy.Blocked(err.Error(), nil)
			}

			result := map[string]any{"success": true}
			for k, v := range batch.Summarize(rec) {
				result[k] = v
			}
			result["pending_groups_preview"] = batch.PendingPreview(rec, 20)
			result["last_error"] = rec.LastError
			return result
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_run_add_member_batch",
			Description: "Execute an approved add-member batch without per-action confirmations.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"batch_id":{"type":"string"},"max_actions":{"type":"integer","default":100}},"required":["batch_id"]}`),
		},
		Execute: handle(func(ctx context.Context, p runBatchParams) map[string]any {
			if policy.StartupBlockReason != "" {
				return policy.Blocked(policy.StartupBlockReason, nil)
			}
			if !policy.Enabled {
				return policy.Blocked("actions are disabled. Set TGW_ACTIONS_ENABLED=1.", nil)
			}

			maxActions := p.MaxActions
			if maxActions == 0 {
				maxActions = 100
			}

			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return policy.Blocked(err.Error(), nil)
			}

			add := func(ctx context.Context, group, user string) batch.AddResult {
				res := mgr.AddMember(ctx, group, user, false)
				return batch.AddResult{
					Success:       res.Success,
					AlreadyMember: res.AlreadyMember,
					Error:         res.Error,
				}
			}
			markExecuted := func(hash string) { _ = gate.Idempotency.MarkExecuted(hash) }

			outcome, err := deps.Engine.Run(c.OpCtx(ctx), p.BatchID, maxActions, add, markExecuted)
			if err != nil {
				extra := map[string]any{}
				if outcome != nil && outcome.Record != nil {
					extra = batch.Summarize(outcome.Record)
				}
				return policy.Blocked(err.Error(), extra)
			}

			result := map[string]any{"success": true}
			for k, v := range batch.Summarize(outcome.Record) {
				result[k] = v
			}
			if outcome.Message != "" {
				result["message"] = outcome.Message
			}
			result["processed_now"] = outcome.ProcessedNow
			result["stopped_reason"] = outcome.StoppedReason
			return result
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_actions_policy",
			Description: "Return the active action policy gates and limits.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{}}`),
		},
		Execute: handle(func(ctx context.Context, _ struct{}) map[string]any {
			return policyPayload(c, policy, deps.Batch)
		}),
	})
}

func policyPayload(c *Context, policy *actions.Policy, batchCfg config.BatchConfig) map[string]any {
	allowed := make([]string, 0, len(policy.AllowedTargets))
	for t := range policy.AllowedTargets {
		allowed = append(allowed, t)
	}
	sort.Strings(allowed)

	var phrase any
	if policy.RequireConfirmationText {
		phrase = policy.ConfirmationPhrase
	}
	var approvalTTL any
	if policy.RequireApprovalCode {
		approvalTTL = policy.ApprovalTTLSec
	}

	limiterStats := c.lim.Stats()
	return map[string]any{
		"server_profile":             string(c.profile),
		"actions_enabled":            policy.Enabled,
		"require_allowlist":          policy.RequireAllowlist,
		"allowed_targets":            allowed,
		"max_message_len":            policy.MaxMessageLen,
		"max_file_mb":                policy.MaxFileMB,
		"idempotency_enabled":        policy.IdempotencyEnabled,
		"idempotency_window_sec":     policy.IdempotencyWindowSec,
		"require_confirmation_text":  policy.RequireConfirmationText,
		"confirmation_phrase":        phrase,
		"min_confirmation_text_len":  policy.MinConfirmationTextLen,
		"require_approval_code":      policy.RequireApprovalCode,
		"approval_ttl_sec":           approvalTTL,
		"batch_file":                 batchCfg.File,
		"batch_default_ttl_hours":    batchCfg.DefaultTTLHours,
		"batch_approval_lease_sec":   batchCfg.ApprovalLeaseSec,
		"batch_run_lease_sec":        batchCfg.RunLeaseSec,
		"unsafe_override":            policy.UnsafeOverride,
		"unsafe_policy_issues":       policy.UnsafePolicyIssues,
		"safe_startup_block_reason":  policy.StartupBlockReason,
		"write_context":              c.cfg.Guard.WriteContext,
		"direct_write_guard":         c.cfg.Guard.BlockDirectWrite,
		"enforce_action_process":     c.cfg.Guard.EnforceActionProcess,
		"group_msg_usage":            limiterStats["group_msg_usage"],
		"circuit_breaker":            limiterStats["circuit_breaker"],
		"allow_session_switch":       c.cfg.Session.AllowSwitch,
		"recommended_write_flow": []string{
			"1) Call the write tool with dry_run=true to preview and get approval_code.",
			"2) Ask the user for the exact confirmation_text phrase in this thread.",
			"3) Execute the same payload with confirm=true + confirmation_text + approval_code.",
			"4) Handle duplicate_blocked by waiting or using force_resend=true intentionally.",
		},
		"recommended_batch_flow": []string{
			"1) tg_create_add_member_batch(user, groups).",
			"2) tg_approve_batch(batch_id, confirmation_text).",
			"3) Repeat tg_run_add_member_batch(batch_id, max_actions) until completed.",
			"4) If the lease expires, re-run tg_approve_batch and continue.",
		},
	}
}

func itoa(n int) string { return strconv.Itoa(n) }

func itoa64(n int64) string { return strconv.FormatInt(n, 10) }
