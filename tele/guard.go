// Package tele binds tgward to the Telegram MTProto transport: credential
// sourcing, session files and locks, the guarded client, and the direct-write
// guard that classifies raw requests before they reach the wire.
package tele

import (
	"context"
	"strings"

	"github.com/gotd/td/bin"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/tgward/tgward"
)

type writeContextKey struct{}

// WithWriteContext tags ctx with a write-capability context name. The guard
// only lets write-shape requests through when the tag is in the allowed set.
func WithWriteContext(ctx context.Context, tag string) context.Context {
	return context.WithValue(ctx, writeContextKey{}, tag)
}

// WriteContextTag returns the write context tag carried by ctx, or "".
func WriteContextTag(ctx context.Context) string {
	tag, _ := ctx.Value(writeContextKey{}).(string)
	return tag
}

// GuardPolicy is the direct-write guard configuration.
type GuardPolicy struct {
	// Enabled turns classification on; when false nothing is blocked.
	Enabled bool
	// AllowDirect is the explicit escape hatch that waives all checks.
	AllowDirect bool
	// EnforceActionProcess requires the process-level actions marker for
	// any write.
	EnforceActionProcess bool
	// ActionProcess marks this process as the designated actions process.
	ActionProcess bool
	// AllowedContexts is the set of write context tags permitted to write.
	AllowedContexts map[string]struct{}
	// DefaultContext applies when the calling context carries no tag.
	DefaultContext string
	// AuthBootstrap permits auth.* requests so the login helper can run.
	AuthBootstrap bool
}

// Request verbs after the TL namespace is stripped. Unknown verbs are
// treated as writes.
var (
	readVerbs = []string{
		"get", "check", "search", "resolve", "read", "fetch", "ping", "help",
	}
	writeVerbs = []string{
		"send", "edit", "delete", "forward", "invite", "add", "join", "leave",
		"create", "update", "upload", "import", "export", "pin", "unpin",
		"set", "start", "stop", "save", "install", "uninstall", "report",
		"block", "unblock", "kick", "ban", "unban",
	}
)

// IsWriteMethod classifies a TL method name such as "messages.sendMessage".
func IsWriteMethod(typeName string) bool {
	name := typeName
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	lower := strings.ToLower(name)
	for _, v := range readVerbs {
		if strings.HasPrefix(lower, v) {
			return false
		}
	}
	for _, v := range writeVerbs {
		if strings.HasPrefix(lower, v) {
			return true
		}
	}
	return true
}

// ContainsWrite reports whether any of the method names is a write. Used for
// multi-request operations that must be gated as a unit.
func ContainsWrite(typeNames []string) bool {
	for _, n := range typeNames {
		if IsWriteMethod(n) {
			return true
		}
	}
	return false
}

// WriteGuard is a gotd middleware that rejects write-shape requests unless
// the process and calling context are designated for actions.
type WriteGuard struct {
	policy GuardPolicy
	log    *zap.Logger
}

// NewWriteGuard builds the middleware for the given policy.
func NewWriteGuard(policy GuardPolicy, log *zap.Logger) *WriteGuard {
	if log == nil {
		log = zap.NewNop()
	}
	return &WriteGuard{policy: policy, log: log}
}

// Handle implements telegram.Middleware.
func (g *WriteGuard) Handle(next tg.Invoker) telegram.InvokeFunc {
	return func(ctx context.Context, input bin.Encoder, output bin.Decoder) error {
		name := requestTypeName(input)
		if g.Blocks(ctx, name) {
			g.log.Error("direct write blocked",
				zap.String("method", name),
				zap.String("write_context", WriteContextTag(ctx)))
			return &tgward.ErrWriteBlocked{Method: name}
		}
		return next.Invoke(ctx, input, output)
	}
}

// Blocks reports whether the guard would reject method name under ctx.
func (g *WriteGuard) Blocks(ctx context.Context, name string) bool {
	if name == "" {
		return false
	}
	if g.policy.AuthBootstrap && strings.HasPrefix(name, "auth.") {
		return false
	}
	if !IsWriteMethod(name) {
		return false
	}
	return !g.writeAllowed(ctx)
}

func (g *WriteGuard) writeAllowed(ctx context.Context) bool {
	if !g.policy.Enabled {
		return true
	}
	if g.policy.AllowDirect {
		return true
	}
	if g.policy.EnforceActionProcess && !g.policy.ActionProcess {
		return false
	}
	tag := WriteContextTag(ctx)
	if tag == "" {
		tag = g.policy.DefaultContext
	}
	_, ok := g.policy.AllowedContexts[tag]
	return ok
}

func requestTypeName(input bin.Encoder) string {
	if o, ok := input.(interface{ TypeName() string }); ok {
		return o.TypeName()
	}
	return ""
}

var _ telegram.Middleware = (*WriteGuard)(nil)
