package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tgward/tgward/mcp"
)

// handle adapts a typed params handler to an mcp tool Execute func. Handler
// errors become {"error": ...} payloads; nothing raises past the tool
// boundary.
func handle[P any](fn func(ctx context.Context, p P) map[string]any) func(context.Context, json.RawMessage) mcp.ToolCallResult {
	return func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
		var p P
		if len(args) > 0 {
			if err := json.Unmarshal(args, &p); err != nil {
				return mcp.ErrorResult("invalid arguments: " + err.Error())
			}
		}
		return mcp.JSONResult(fn(ctx, p))
	}
}

func errPayload(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}

type groupParams struct {
	Group string `json:"group"`
}

type participantsParams struct {
	Group string `json:"group"`
	Limit int    `json:"limit"`
}

type searchParticipantsParams struct {
	Group string `json:"group"`
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type messagesParams struct {
	Group string `json:"group"`
	Limit int    `json:"limit"`
	MinID int    `json:"min_id"`
}

type dialogsParams struct {
	Limit      int    `json:"limit"`
	DialogType string `json:"dialog_type"`
}

type usernameParams struct {
	Username string `json:"username"`
}

type userByIDParams struct {
	UserID int64 `json:"user_id"`
}

type downloadParams struct {
	Group     string `json:"group"`
	MessageID int    `json:"message_id"`
	OutputDir string `json:"output_dir"`
}

type sessionParams struct {
	SessionName string `json:"session_name"`
}

// RegisterReadTools adds the read-profile tool surface to srv.
func RegisterReadTools(srv *mcp.Server, c *Context) {
	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_list_sessions",
			Description: "List available Telegram sessions in the sessions directory.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{}}`),
		},
		Execute: handle(func(ctx context.Context, _ struct{}) map[string]any {
			return c.ListSessions()
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_use_session",
			Description: "Switch to a different Telegram session if allowed by configuration.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"session_name":{"type":"string"}},"required":["session_name"]}`),
		},
		Execute: handle(func(ctx context.Context, p sessionParams) map[string]any {
			return c.UseSession(c.OpCtx(ctx), p.SessionName)
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_auth_status",
			Description: "Report authorization status for the current Telegram session.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{}}`),
		},
		Execute: handle(func(ctx context.Context, _ struct{}) map[string]any {
			return c.AuthStatus(c.OpCtx(ctx))
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_group_info",
			Description: "Get info about a Telegram group/channel (id, title, participants_count, type).",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"}},"required":["group"]}`),
		},
		Execute: handle(func(ctx context.Context, p groupParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			info, err := mgr.GroupInfo(c.OpCtx(ctx), p.Group)
			if err != nil {
				return errPayload(err)
			}
			return asMap(info)
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_participants",
			Description: "Get participants of a Telegram group (id, username, first_name, is_premium, ...).",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"},"limit":{"type":"integer","default":100}},"required":["group"]}`),
		},
		Execute: handle(func(ctx context.Context, p participantsParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			participants, err := mgr.Participants(c.OpCtx(ctx), p.Group, p.Limit)
			if err != nil {
				return errPayload(err)
			}
			return map[string]any{"count": len(participants), "participants": participants}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_search_participants",
			Description: "Search group participants by name or username.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"},"query":{"type":"string"},"limit":{"type":"integer","default":50}},"required":["group","query"]}`),
		},
		Execute: handle(func(ctx context.Context, p searchParticipantsParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			limit := p.Limit
			if limit <= 0 {
				limit = 50
			}
			participants, err := mgr.SearchParticipants(c.OpCtx(ctx), p.Group, p.Query, limit)
			if err != nil {
				return errPayload(err)
			}
			return map[string]any{"count": len(participants), "participants": participants}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_messages",
			Description: "Get messages from a Telegram group (id, date, text, from_id, views, ...).",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"},"limit":{"type":"integer","default":100},"min_id":{"type":"integer","default":0}},"required":["group"]}`),
		},
		Execute: handle(func(ctx context.Context, p messagesParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			messages, err := mgr.Messages(c.OpCtx(ctx), p.Group, p.Limit, p.MinID)
			if err != nil {
				return errPayload(err)
			}
			return map[string]any{"count": len(messages), "messages": messages}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_message_count",
			Description: "Get the total number of messages in a Telegram group.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"}},"required":["group"]}`),
		},
		Execute: handle(func(ctx context.Context, p groupParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			count, err := mgr.MessageCount(c.OpCtx(ctx), p.Group)
			if err != nil {
				return map[string]any{"group": p.Group, "error": "could not retrieve message count: " + err.Error()}
			}
			return map[string]any{"group": p.Group, "message_count": count}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_group_creation_date",
			Description: "Get the approximate creation date of a Telegram group (via its first message).",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"}},"required":["group"]}`),
		},
		Execute: handle(func(ctx context.Context, p groupParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			created, err := mgr.CreationDate(c.OpCtx(ctx), p.Group)
			if err != nil {
				return map[string]any{"group": p.Group, "error": "could not determine creation date: " + err.Error()}
			}
			return map[string]any{"group": p.Group, "creation_date": created.Format(time.RFC3339)}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_my_dialogs",
			Description: "List groups, channels and chats the current account is a member of.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"limit":{"type":"integer","default":100},"dialog_type":{"type":"string","enum":["all","user","group","channel"],"default":"all"}}}`),
		},
		Execute: handle(func(ctx context.Context, p dialogsParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			limit := p.Limit
			if limit <= 0 {
				limit = 100
			}
			dialogs, err := mgr.Dialogs(c.OpCtx(ctx), limit, p.DialogType)
			if err != nil {
				return errPayload(err)
			}
			return map[string]any{"count": len(dialogs), "dialogs": dialogs}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_resolve_username",
			Description: "Resolve a Telegram @username to user/channel/chat info (id, type, name).",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"username":{"type":"string"}},"required":["username"]}`),
		},
		Execute: handle(func(ctx context.Context, p usernameParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			resolved, err := mgr.ResolveUsernameInfo(c.OpCtx(ctx), p.Username)
			if err != nil {
				return map[string]any{"error": fmt.Sprintf("could not resolve username %q: %v", p.Username, err)}
			}
			return asMap(resolved)
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_user_by_id",
			Description: "Get user info by numeric Telegram ID.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"user_id":{"type":"integer"}},"required":["user_id"]}`),
		},
		Execute: handle(func(ctx context.Context, p userByIDParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			user, err := mgr.UserByID(c.OpCtx(ctx), p.UserID)
			if err != nil {
				return errPayload(err)
			}
			return map[string]any{
				"id":         user.ID,
				"username":   user.Username,
				"first_name": user.FirstName,
				"last_name":  user.LastName,
				"phone":      user.Phone,
				"is_bot":     user.Bot,
				"is_premium": user.Premium,
			}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_download_media",
			Description: "Download a file/media from a Telegram message to a local directory.",
			InputSchema: mcp.Schema(`{"type":"object","properties":{"group":{"type":"string"},"message_id":{"type":"integer"},"output_dir":{"type":"string","default":"data/downloads"}},"required":["group","message_id"]}`),
		},
		Execute: handle(func(ctx context.Context, p downloadParams) map[string]any {
			mgr, err := c.Manager(c.OpCtx(ctx))
			if err != nil {
				return errPayload(err)
			}
			outputDir := p.OutputDir
			if outputDir == "" {
				outputDir = "data/downloads"
			}
			path, err := mgr.DownloadMedia(c.OpCtx(ctx), p.Group, p.MessageID, outputDir)
			if err != nil {
				return map[string]any{"success": false, "error": "download failed: " + err.Error()}
			}
			return map[string]any{"success": true, "path": path}
		}),
	})

	srv.AddTool(mcp.ToolHandler{
		Definition: mcp.ToolDefinition{
			Name:        "tg_get_stats",
			Description: "Get anti-spam statistics (API calls, flood waits, quotas, latency histogram).",
			InputSchema: mcp.Schema(`{"type":"object","properties":{}}`),
		},
		Execute: handle(func(ctx context.Context, _ struct{}) map[string]any {
			return c.Stats()
		}),
	})
}

// asMap converts a JSON-tagged struct into the map payload tools return.
func asMap(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"error": err.Error()}
	}
	return m
}
