// Package server wires the stdio tool surfaces: a shared lazily-bound
// session context and the read and actions tool profiles registered on the
// mcp server.
package server

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tgward/tgward"
	"github.com/tgward/tgward/internal/config"
	"github.com/tgward/tgward/metrics"
	"github.com/tgward/tgward/ops"
	"github.com/tgward/tgward/tele"
)

// Profile selects which tool surface a process exposes.
type Profile string

const (
	ProfileRead    Profile = "read"
	ProfileActions Profile = "actions"
)

// Context is the shared runtime state of one tool-server process: one active
// Telegram client/session, bound lazily on the first tool call.
type Context struct {
	cfg     config.Config
	profile Profile
	log     *zap.Logger
	lim     *tgward.Limiter
	met     *metrics.Instruments

	mu             sync.Mutex
	client         *tele.Client
	mgr            *ops.Manager
	currentSession string
}

// NewContext builds the shared context for a profile.
func NewContext(cfg config.Config, profile Profile, lim *tgward.Limiter, met *metrics.Instruments, log *zap.Logger) *Context {
	if log == nil {
		log = zap.NewNop()
	}
	return &Context{cfg: cfg, profile: profile, log: log, lim: lim, met: met}
}

// OpCtx tags ctx with this profile's write context, so the guard can tell
// which surface a request came from.
func (c *Context) OpCtx(ctx context.Context) context.Context {
	return tele.WithWriteContext(ctx, c.cfg.Guard.WriteContext)
}

// CurrentSession returns the bound session name, or "".
func (c *Context) CurrentSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSession
}

func (c *Context) guardPolicy() tele.GuardPolicy {
	g := c.cfg.Guard
	return tele.GuardPolicy{
		Enabled:              g.BlockDirectWrite,
		AllowDirect:          g.AllowDirectWrite,
		EnforceActionProcess: g.EnforceActionProcess,
		ActionProcess:        g.ActionProcess,
		AllowedContexts:      tgward.ParseAllowlist(g.AllowedContexts),
		DefaultContext:       g.WriteContext,
		AuthBootstrap:        g.AuthBootstrap,
	}
}

func (c *Context) dialOptions() (tele.Options, error) {
	creds, err := tele.LoadCredentials(tele.SecretSource{
		Provider:            c.cfg.Telegram.SecretProvider,
		APIID:               c.cfg.Telegram.APIID,
		APIHash:             c.cfg.Telegram.APIHash,
		KeychainService:     c.cfg.Telegram.KeychainService,
		KeychainAccountID:   c.cfg.Telegram.KeychainAccountID,
		KeychainAccountHash: c.cfg.Telegram.KeychainAccountHash,
		CommandID:           c.cfg.Telegram.SecretCommandID,
		CommandHash:         c.cfg.Telegram.SecretCommandHash,
	})
	if err != nil {
		return tele.Options{}, err
	}

	path, name := tele.SessionPath(c.cfg.Session.Dir, c.cfg.Session.Name, c.cfg.Session.Path)
	return tele.Options{
		Credentials:      creds,
		SessionPath:      path,
		SessionName:      name,
		LockMode:         c.cfg.Session.LockMode,
		Guard:            c.guardPolicy(),
		ExpectedUsername: c.cfg.Telegram.ExpectedUsername,
		Logger:           c.log,
	}, nil
}

// Manager lazily binds the session on first use and returns the operation
// manager.
func (c *Context) Manager(ctx context.Context) (*ops.Manager, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mgr != nil {
		return c.mgr, nil
	}

	opts, err := c.dialOptions()
	if err != nil {
		return nil, err
	}
	client, err := tele.Dial(ctx, opts)
	if err != nil {
		return nil, err
	}

	c.client = client
	c.currentSession = opts.SessionName
	c.mgr = ops.NewManager(client.API(), c.lim, c.log.Named("ops"))
	return c.mgr, nil
}

// ListSessions enumerates session files in the sessions directory.
func (c *Context) ListSessions() map[string]any {
	return map[string]any{
		"sessions": tele.ListSessions(c.cfg.Session.Dir),
		"current":  c.CurrentSession(),
	}
}

// UseSession disconnects the current client and rebinds to the named
// session, when switching is allowed by configuration.
func (c *Context) UseSession(ctx context.Context, name string) map[string]any {
	if !c.cfg.Session.AllowSwitch {
		return map[string]any{
			"error": "session switching is disabled. Set TGW_ALLOW_SESSION_SWITCH=1 to enable it.",
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	opts, err := c.dialOptions()
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	opts.SessionPath, opts.SessionName = tele.SessionPath(c.cfg.Session.Dir, name, "")

	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.mgr = nil
		c.currentSession = ""
	}

	client, err := tele.Dial(ctx, opts)
	if err != nil {
		return map[string]any{"error": fmt.Sprintf("failed to switch session: %v", err)}
	}
	c.client = client
	c.currentSession = opts.SessionName
	c.mgr = ops.NewManager(client.API(), c.lim, c.log.Named("ops"))

	account := client.Self().Username
	if account == "" {
		account = client.Self().FirstName
	}
	return map[string]any{"switched_to": opts.SessionName, "account": account}
}

// AuthStatus reports authorization for the current (or default) session. A
// transient probe client is torn down before returning; an expected-account
// mismatch surfaces as authorized=false with the mismatch error.
func (c *Context) AuthStatus(ctx context.Context) map[string]any {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	opts, err := c.dialOptions()
	if err != nil {
		return map[string]any{"authorized": false, "error": err.Error()}
	}

	payload := map[string]any{
		"authorized":   false,
		"session_name": opts.SessionName,
		"session_path": opts.SessionPath,
	}

	if client == nil {
		probe, err := tele.Dial(ctx, opts)
		if err != nil {
			payload["error"] = err.Error()
			return payload
		}
		defer probe.Close()
		client = probe
	}

	self := client.Self()
	payload["authorized"] = true
	payload["account"] = map[string]any{
		"id":         self.ID,
		"username":   self.Username,
		"first_name": self.FirstName,
	}
	if err := tele.VerifyExpectedAccount(c.cfg.Telegram.ExpectedUsername, self); err != nil {
		payload["authorized"] = false
		payload["error"] = err.Error()
	}
	return payload
}

// Stats assembles the anti-spam statistics payload.
func (c *Context) Stats() map[string]any {
	return map[string]any{
		"rate_limiter":    c.lim.Stats(),
		"metrics":         c.met.Snapshot(),
		"current_session": c.CurrentSession(),
	}
}

// Close releases the client and session lock.
func (c *Context) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
		c.mgr = nil
	}
}
