package tele

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/tgward/tgward"
)

func allowActions() GuardPolicy {
	return GuardPolicy{
		Enabled:              true,
		EnforceActionProcess: true,
		ActionProcess:        true,
		AllowedContexts:      map[string]struct{}{"actions_mcp": {}},
		DefaultContext:       "read_mcp",
	}
}

func TestWriteRequestDetection(t *testing.T) {
	tests := []struct {
		method string
		write  bool
	}{
		{"channels.inviteToChannel", true},
		{"messages.sendMessage", true},
		{"messages.deleteChatUser", true},
		{"channels.editBanned", true},
		{"messages.forwardMessages", true},
		{"account.updateProfile", true},
		{"channels.getFullChannel", false},
		{"messages.getHistory", false},
		{"contacts.resolveUsername", false},
		{"messages.search", false},
		{"messages.readHistory", false},
		{"help.getConfig", false},
		{"ping", false},
		{"messages.checkChatInvite", false},
		// Unknown verbs are conservatively writes.
		{"messages.translateText", true},
		{"frobnicate", true},
	}
	for _, tt := range tests {
		if got := IsWriteMethod(tt.method); got != tt.write {
			t.Errorf("IsWriteMethod(%q) = %v, want %v", tt.method, got, tt.write)
		}
	}
}

func TestContainsWrite(t *testing.T) {
	if ContainsWrite([]string{"messages.getCommonChats", "messages.getHistory"}) {
		t.Error("all-read batch flagged as write")
	}
	if !ContainsWrite([]string{"messages.getCommonChats", "messages.deleteChatUser"}) {
		t.Error("batch with one write must be a write")
	}
}

func TestAuthRequestsBlockedWithoutBootstrap(t *testing.T) {
	policy := allowActions()
	policy.ActionProcess = false
	g := NewWriteGuard(policy, zap.NewNop())

	if !g.Blocks(context.Background(), "auth.sendCode") {
		t.Error("auth.sendCode must be blocked without the bootstrap flag")
	}

	policy.AuthBootstrap = true
	g = NewWriteGuard(policy, zap.NewNop())
	if g.Blocks(context.Background(), "auth.sendCode") {
		t.Error("auth.sendCode must pass with the bootstrap flag")
	}
}

func TestEnforceActionProcess(t *testing.T) {
	policy := allowActions()
	policy.ActionProcess = false
	g := NewWriteGuard(policy, zap.NewNop())

	ctx := WithWriteContext(context.Background(), "actions_mcp")
	if !g.Blocks(ctx, "messages.sendMessage") {
		t.Error("non-action process must be blocked even with the right context tag")
	}

	policy.ActionProcess = true
	g = NewWriteGuard(policy, zap.NewNop())
	if g.Blocks(ctx, "messages.sendMessage") {
		t.Error("designated action process with allowed context must pass")
	}
}

func TestWriteContextGate(t *testing.T) {
	g := NewWriteGuard(allowActions(), zap.NewNop())

	// Default context is read_mcp: writes blocked.
	if !g.Blocks(context.Background(), "messages.sendMessage") {
		t.Error("write without actions context must be blocked")
	}

	readCtx := WithWriteContext(context.Background(), "read_mcp")
	if !g.Blocks(readCtx, "messages.sendMessage") {
		t.Error("read_mcp context must not allow writes")
	}

	actionsCtx := WithWriteContext(context.Background(), "actions_mcp")
	if g.Blocks(actionsCtx, "messages.sendMessage") {
		t.Error("actions_mcp context must allow writes")
	}

	// Reads pass regardless of context.
	if g.Blocks(readCtx, "messages.getHistory") {
		t.Error("reads must never be blocked")
	}
}

func TestGuardDisabledAllowsEverything(t *testing.T) {
	g := NewWriteGuard(GuardPolicy{Enabled: false}, zap.NewNop())
	if g.Blocks(context.Background(), "messages.sendMessage") {
		t.Error("disabled guard must not block")
	}
}

func TestAllowDirectEscapeHatch(t *testing.T) {
	policy := allowActions()
	policy.ActionProcess = false
	policy.AllowDirect = true
	g := NewWriteGuard(policy, zap.NewNop())
	if g.Blocks(context.Background(), "messages.sendMessage") {
		t.Error("explicit direct-write override must allow writes")
	}
}

func TestWriteBlockedErrorShape(t *testing.T) {
	var err error = &tgward.ErrWriteBlocked{Method: "channels.inviteToChannel"}

	var wb *tgward.ErrWriteBlocked
	if !errors.As(err, &wb) {
		t.Fatal("ErrWriteBlocked must match errors.As")
	}
	if wb.Method != "channels.inviteToChannel" {
		t.Errorf("method = %q", wb.Method)
	}
}
