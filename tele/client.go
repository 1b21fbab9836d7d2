package tele

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/tgward/tgward"
)

// Options configure a guarded client bind.
type Options struct {
	Credentials      Credentials
	SessionPath      string
	SessionName      string
	LockMode         string // "shared", "exclusive" or "off"
	Guard            GuardPolicy
	ExpectedUsername string // normalized: no @, lowercase; "" disables the check
	Logger           *zap.Logger
}

// Client is a connected, guarded gotd client bound to one session file. The
// run loop lives in a background goroutine for the client's lifetime; Close
// tears it down and releases the session lock.
type Client struct {
	log  *zap.Logger
	opts Options

	client *telegram.Client
	api    *tg.Client
	self   *tg.User

	lock   *SessionLock
	cancel context.CancelFunc
	done   chan error
}

// Dial hardens the session storage, acquires the session lock, connects, and
// verifies authorization and the expected account.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	HardenSessionStorage(filepath.Dir(opts.SessionPath), opts.SessionPath)

	lock, err := AcquireSessionLock(opts.SessionPath, opts.LockMode)
	if err != nil {
		return nil, err
	}

	guard := NewWriteGuard(opts.Guard, log.Named("guard"))
	tc := telegram.NewClient(opts.Credentials.APIID, opts.Credentials.APIHash, telegram.Options{
		SessionStorage: &session.FileStorage{Path: opts.SessionPath},
		Logger:         log.Named("gotd"),
		Middlewares:    []telegram.Middleware{guard},
	})

	c := &Client{
		log:    log,
		opts:   opts,
		client: tc,
		lock:   lock,
		done:   make(chan error, 1),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	ready := make(chan struct{})
	go func() {
		c.done <- tc.Run(runCtx, func(ctx context.Context) error {
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
	case err := <-c.done:
		c.teardown()
		return nil, fmt.Errorf("tele: connect: %w", err)
	case <-ctx.Done():
		c.teardown()
		return nil, ctx.Err()
	}

	status, err := tc.Auth().Status(ctx)
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("tele: auth status: %w", err)
	}
	if !status.Authorized {
		c.teardown()
		return nil, &tgward.ErrNotAuthorized{Session: opts.SessionName}
	}

	self, err := tc.Self(ctx)
	if err != nil {
		c.teardown()
		return nil, fmt.Errorf("tele: fetch self: %w", err)
	}
	if err := VerifyExpectedAccount(opts.ExpectedUsername, self); err != nil {
		c.teardown()
		return nil, err
	}

	c.self = self
	c.api = tc.API()
	HardenSessionStorage(filepath.Dir(opts.SessionPath), opts.SessionPath)

	log.Info("session bound",
		zap.String("session", opts.SessionName),
		zap.Int64("account_id", self.ID),
		zap.String("username", self.Username))
	return c, nil
}

// VerifyExpectedAccount compares the connected account against the
// configured expected username, case-insensitively. An empty expectation
// always passes.
func VerifyExpectedAccount(expected string, self *tg.User) error {
	if expected == "" {
		return nil
	}
	actual := strings.ToLower(strings.TrimSpace(self.Username))
	if actual != expected {
		return &tgward.ErrSessionMismatch{Expected: expected, Actual: self.Username, UserID: self.ID}
	}
	return nil
}

// API returns the raw typed request client. Every call through it passes the
// write guard.
func (c *Client) API() *tg.Client { return c.api }

// Self returns the account fetched at bind time.
func (c *Client) Self() *tg.User { return c.self }

// SessionName returns the bound session's name.
func (c *Client) SessionName() string { return c.opts.SessionName }

// Close stops the run loop and releases the session lock.
func (c *Client) Close() {
	c.teardown()
}

func (c *Client) teardown() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	c.lock.Release()
	c.lock = nil
}
