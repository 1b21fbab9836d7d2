// Package ops is the operation manager: typed Telegram operations routed
// through the rate-limit kernel with the correct operation type. It keeps an
// in-process entity cache so numeric ids and usernames resolve to input
// peers without repeated lookups.
package ops

import (
	"strings"
	"sync"

	"github.com/gotd/td/tg"
)

// EntityKind tags the group/channel/user union.
type EntityKind string

const (
	KindUser    EntityKind = "user"
	KindChat    EntityKind = "group"
	KindChannel EntityKind = "channel"
)

// channelMarkOffset converts between bare channel ids and the marked
// "-100…" form used in dialog listings and caller-supplied identifiers.
const channelMarkOffset = 1_000_000_000_000

// Entity is the resolved form of a Telegram user, basic group or channel.
type Entity struct {
	Kind       EntityKind
	ID         int64
	AccessHash int64

	Title    string
	Username string

	FirstName string
	LastName  string
	Phone     string
	Bot       bool
	Verified  bool
	Premium   bool
	Status    string

	Broadcast         bool
	ParticipantsCount int
}

// MarkedID returns the dialog-style id: positive for users, -id for basic
// groups, -100… for channels.
func (e Entity) MarkedID() int64 {
	switch e.Kind {
	case KindChat:
		return -e.ID
	case KindChannel:
		return -(channelMarkOffset + e.ID)
	default:
		return e.ID
	}
}

// InputPeer builds the wire peer for this entity.
func (e Entity) InputPeer() tg.InputPeerClass {
	switch e.Kind {
	case KindUser:
		return &tg.InputPeerUser{UserID: e.ID, AccessHash: e.AccessHash}
	case KindChannel:
		return &tg.InputPeerChannel{ChannelID: e.ID, AccessHash: e.AccessHash}
	default:
		return &tg.InputPeerChat{ChatID: e.ID}
	}
}

// InputChannel returns the channel form, if this entity is a channel.
func (e Entity) InputChannel() (*tg.InputChannel, bool) {
	if e.Kind != KindChannel {
		return nil, false
	}
	return &tg.InputChannel{ChannelID: e.ID, AccessHash: e.AccessHash}, true
}

// InputUser returns the user form, if this entity is a user.
func (e Entity) InputUser() (*tg.InputUser, bool) {
	if e.Kind != KindUser {
		return nil, false
	}
	return &tg.InputUser{UserID: e.ID, AccessHash: e.AccessHash}, true
}

func userStatus(s tg.UserStatusClass) string {
	switch s.(type) {
	case *tg.UserStatusOnline:
		return "online"
	case *tg.UserStatusOffline:
		return "offline"
	case *tg.UserStatusRecently:
		return "recently"
	case *tg.UserStatusLastWeek:
		return "last_week"
	case *tg.UserStatusLastMonth:
		return "last_month"
	default:
		return ""
	}
}

func fromUser(u *tg.User) Entity {
	return Entity{
		Kind:       KindUser,
		ID:         u.ID,
		AccessHash: u.AccessHash,
		Username:   u.Username,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		Phone:      u.Phone,
		Bot:        u.Bot,
		Verified:   u.Verified,
		Premium:    u.Premium,
		Status:     userStatus(u.Status),
	}
}

func fromChat(c *tg.Chat) Entity {
	return Entity{
		Kind:              KindChat,
		ID:                c.ID,
		Title:             c.Title,
		ParticipantsCount: c.ParticipantsCount,
	}
}

func fromChannel(c *tg.Channel) Entity {
	return Entity{
		Kind:              KindChannel,
		ID:                c.ID,
		AccessHash:        c.AccessHash,
		Title:             c.Title,
		Username:          c.Username,
		Broadcast:         c.Broadcast,
		ParticipantsCount: c.ParticipantsCount,
	}
}

// entityCache indexes resolved entities by id and username. Telegram input
// peers need access hashes the server only hands out inside responses, so
// every response's users/chats are folded in.
type entityCache struct {
	mu         sync.Mutex
	users      map[int64]Entity
	chats      map[int64]Entity
	channels   map[int64]Entity
	byUsername map[string]Entity
}

func newEntityCache() *entityCache {
	return &entityCache{
		users:      make(map[int64]Entity),
		chats:      make(map[int64]Entity),
		channels:   make(map[int64]Entity),
		byUsername: make(map[string]Entity),
	}
}

func (c *entityCache) put(e Entity) {
	switch e.Kind {
	case KindUser:
		c.users[e.ID] = e
	case KindChat:
		c.chats[e.ID] = e
	case KindChannel:
		c.channels[e.ID] = e
	}
	if e.Username != "" {
		c.byUsername[strings.ToLower(e.Username)] = e
	}
}

func (c *entityCache) addUsers(users []tg.UserClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, uc := range users {
		if u, ok := uc.(*tg.User); ok {
			c.put(fromUser(u))
		}
	}
}

func (c *entityCache) addChats(chats []tg.ChatClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range chats {
		switch v := cc.(type) {
		case *tg.Chat:
			c.put(fromChat(v))
		case *tg.Channel:
			c.put(fromChannel(v))
		}
	}
}

func (c *entityCache) user(id int64) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.users[id]
	return e, ok
}

func (c *entityCache) chat(id int64) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.chats[id]
	return e, ok
}

func (c *entityCache) channel(id int64) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.channels[id]
	return e, ok
}

func (c *entityCache) byName(username string) (Entity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byUsername[strings.ToLower(strings.TrimPrefix(username, "@"))]
	return e, ok
}
