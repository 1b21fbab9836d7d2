package ops

import (
	"testing"

	"github.com/gotd/td/tg"
)

func TestMarkedID(t *testing.T) {
	tests := []struct {
		e    Entity
		want int64
	}{
		{Entity{Kind: KindUser, ID: 42}, 42},
		{Entity{Kind: KindChat, ID: 456}, -456},
		{Entity{Kind: KindChannel, ID: 1234567890}, -1001234567890},
	}
	for _, tt := range tests {
		if got := tt.e.MarkedID(); got != tt.want {
			t.Errorf("MarkedID(%s %d) = %d, want %d", tt.e.Kind, tt.e.ID, got, tt.want)
		}
	}
}

func TestInputPeerShapes(t *testing.T) {
	user := Entity{Kind: KindUser, ID: 1, AccessHash: 11}
	if _, ok := user.InputPeer().(*tg.InputPeerUser); !ok {
		t.Error("user entity must build InputPeerUser")
	}
	if _, ok := user.InputUser(); !ok {
		t.Error("user entity must build InputUser")
	}
	if _, ok := user.InputChannel(); ok {
		t.Error("user entity must not build InputChannel")
	}

	channel := Entity{Kind: KindChannel, ID: 2, AccessHash: 22}
	if _, ok := channel.InputPeer().(*tg.InputPeerChannel); !ok {
		t.Error("channel entity must build InputPeerChannel")
	}
	if ch, ok := channel.InputChannel(); !ok || ch.ChannelID != 2 || ch.AccessHash != 22 {
		t.Errorf("InputChannel = %+v, %v", ch, ok)
	}

	chat := Entity{Kind: KindChat, ID: 3}
	if p, ok := chat.InputPeer().(*tg.InputPeerChat); !ok || p.ChatID != 3 {
		t.Errorf("chat peer = %+v", chat.InputPeer())
	}
}

func TestEntityCacheIndexesUsersAndChats(t *testing.T) {
	c := newEntityCache()
	c.addUsers([]tg.UserClass{
		&tg.User{ID: 10, AccessHash: 100, Username: "Alice_01", FirstName: "Alice"},
	})
	c.addChats([]tg.ChatClass{
		&tg.Chat{ID: 20, Title: "Basic Group"},
		&tg.Channel{ID: 30, AccessHash: 300, Title: "Big Channel", Username: "bigchannel", Broadcast: true},
	})

	if u, ok := c.user(10); !ok || u.AccessHash != 100 {
		t.Errorf("user lookup = %+v, %v", u, ok)
	}
	if _, ok := c.chat(20); !ok {
		t.Error("chat lookup failed")
	}
	if ch, ok := c.channel(30); !ok || !ch.Broadcast {
		t.Errorf("channel lookup = %+v, %v", ch, ok)
	}

	// Username lookups are case-insensitive and @-tolerant.
	if e, ok := c.byName("@alice_01"); !ok || e.Kind != KindUser {
		t.Errorf("byName = %+v, %v", e, ok)
	}
	if e, ok := c.byName("BigChannel"); !ok || e.Kind != KindChannel {
		t.Errorf("byName = %+v, %v", e, ok)
	}
}

func TestUserStatusMapping(t *testing.T) {
	tests := []struct {
		status tg.UserStatusClass
		want   string
	}{
		{&tg.UserStatusOnline{}, "online"},
		{&tg.UserStatusOffline{}, "offline"},
		{&tg.UserStatusRecently{}, "recently"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := userStatus(tt.status); got != tt.want {
			t.Errorf("userStatus(%T) = %q, want %q", tt.status, got, tt.want)
		}
	}
}
