package ops

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/tgward/tgward"
)

// dialogScanLimit bounds how many recent dialogs a cold id/title resolution
// may inspect.
const dialogScanLimit = 500

// Manager exposes the typed Telegram operations, each routed through the
// rate-limit kernel with its operation type.
type Manager struct {
	api   *tg.Client
	lim   *tgward.Limiter
	log   *zap.Logger
	cache *entityCache
}

// NewManager wraps a guarded API client.
func NewManager(api *tg.Client, lim *tgward.Limiter, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{api: api, lim: lim, log: log, cache: newEntityCache()}
}

func randomID() int64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return int64(binary.LittleEndian.Uint64(b[:]) >> 1)
}

// --- resolution ---

// ResolveGroup resolves an identifier to a basic group or channel: numeric
// id, "-100…" string, @username, bare username, or an exact dialog title
// (the only form where spaces are allowed).
func (m *Manager) ResolveGroup(ctx context.Context, identifier string) (Entity, error) {
	id := strings.TrimSpace(identifier)

	if tgward.IsNumericIdentifier(id) {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return Entity{}, &tgward.ErrEntityNotFound{Identifier: identifier}
		}
		e, err := m.resolveNumeric(ctx, n)
		if err != nil {
			return Entity{}, err
		}
		if e.Kind == KindUser {
			return Entity{}, &tgward.ErrEntityNotFound{Identifier: identifier}
		}
		return e, nil
	}

	if err := tgward.ValidateIdentifier(id); err != nil {
		if strings.ContainsAny(id, " \t") {
			return m.resolveByTitle(ctx, id)
		}
		return Entity{}, err
	}

	e, err := m.resolveUsername(ctx, id)
	if err != nil {
		return Entity{}, err
	}
	if e.Kind == KindUser {
		return Entity{}, &tgward.ErrEntityNotFound{Identifier: identifier}
	}
	return e, nil
}

// ResolveUser resolves a user identifier: numeric id (cache-backed) or
// @username.
func (m *Manager) ResolveUser(ctx context.Context, identifier string) (Entity, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return Entity{}, &tgward.ErrEntityNotFound{Identifier: identifier}
	}

	if tgward.IsNumericIdentifier(id) {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil || n <= 0 {
			return Entity{}, &tgward.ErrEntityNotFound{Identifier: identifier}
		}
		return m.UserByID(ctx, n)
	}

	e, err := m.resolveUsername(ctx, id)
	if err != nil {
		return Entity{}, err
	}
	if e.Kind != KindUser {
		return Entity{}, &tgward.ErrEntityNotFound{Identifier: identifier}
	}
	return e, nil
}

// resolveTarget resolves a write target: group, channel or user dialog, so
// the actions surface stays usable for 1:1 delivery too.
func (m *Manager) resolveTarget(ctx context.Context, identifier string) (Entity, error) {
	id := strings.TrimSpace(identifier)

	if tgward.IsNumericIdentifier(id) {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return Entity{}, &tgward.ErrEntityNotFound{Identifier: identifier}
		}
		return m.resolveNumeric(ctx, n)
	}

	if strings.ContainsAny(id, " \t") {
		return m.resolveByTitle(ctx, id)
	}

	if err := tgward.ValidateIdentifier(id); err != nil {
		return Entity{}, err
	}
	return m.resolveUsername(ctx, id)
}

func (m *Manager) resolveNumeric(ctx context.Context, n int64) (Entity, error) {
	lookup := func() (Entity, bool) {
		switch {
		case n < -channelMarkOffset:
			return m.cache.channel(-n - channelMarkOffset)
		case n < 0:
			return m.cache.chat(-n)
		default:
			if e, ok := m.cache.user(n); ok {
				return e, true
			}
			if e, ok := m.cache.channel(n); ok {
				return e, true
			}
			return m.cache.chat(n)
		}
	}

	if e, ok := lookup(); ok {
		return e, nil
	}
	if err := m.scanDialogs(ctx); err != nil {
		return Entity{}, err
	}
	if e, ok := lookup(); ok {
		return e, nil
	}

	// Basic chats can be fetched without an access hash.
	if n < 0 && n > -channelMarkOffset {
		chatID := -n
		chats, err := tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (tg.MessagesChatsClass, error) {
			return m.api.MessagesGetChats(ctx, []int64{chatID})
		})
		if err == nil {
			m.cache.addChats(chats.GetChats())
			if e, ok := m.cache.chat(chatID); ok {
				return e, nil
			}
		}
	}

	return Entity{}, &tgward.ErrEntityNotFound{Identifier: strconv.FormatInt(n, 10)}
}

func (m *Manager) resolveUsername(ctx context.Context, name string) (Entity, error) {
	uname := strings.TrimPrefix(strings.TrimSpace(name), "@")
	if e, ok := m.cache.byName(uname); ok {
		return e, nil
	}

	res, err := tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (*tg.ContactsResolvedPeer, error) {
		return m.api.ContactsResolveUsername(ctx, uname)
	})
	if err != nil {
		return Entity{}, err
	}
	m.cache.addUsers(res.Users)
	m.cache.addChats(res.Chats)

	switch peer := res.Peer.(type) {
	case *tg.PeerUser:
		if e, ok := m.cache.user(peer.UserID); ok {
			return e, nil
		}
	case *tg.PeerChannel:
		if e, ok := m.cache.channel(peer.ChannelID); ok {
			return e, nil
		}
	case *tg.PeerChat:
		if e, ok := m.cache.chat(peer.ChatID); ok {
			return e, nil
		}
	}
	return Entity{}, &tgward.ErrEntityNotFound{Identifier: name}
}

// resolveByTitle scans recent dialogs for an exact, case-insensitive title.
func (m *Manager) resolveByTitle(ctx context.Context, title string) (Entity, error) {
	if err := m.scanDialogs(ctx); err != nil {
		return Entity{}, err
	}

	target := strings.ToLower(strings.TrimSpace(title))
	m.cache.mu.Lock()
	defer m.cache.mu.Unlock()
	for _, e := range m.cache.channels {
		if strings.ToLower(e.Title) == target {
			return e, nil
		}
	}
	for _, e := range m.cache.chats {
		if strings.ToLower(e.Title) == target {
			return e, nil
		}
	}
	return Entity{}, &tgward.ErrEntityNotFound{Identifier: title}
}

// scanDialogs folds one bounded dialogs fetch into the entity cache.
func (m *Manager) scanDialogs(ctx context.Context) error {
	_, err := m.fetchDialogs(ctx, dialogScanLimit)
	return err
}

// fetchDialogs returns up to limit raw dialogs and fills the cache from the
// response's users and chats.
func (m *Manager) fetchDialogs(ctx context.Context, limit int) ([]tg.DialogClass, error) {
	if limit <= 0 || limit > dialogScanLimit {
		limit = dialogScanLimit
	}

	res, err := tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (tg.MessagesDialogsClass, error) {
		return m.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
			Limit:      limit,
			OffsetPeer: &tg.InputPeerEmpty{},
		})
	})
	if err != nil {
		return nil, err
	}

	switch d := res.(type) {
	case *tg.MessagesDialogs:
		m.cache.addUsers(d.Users)
		m.cache.addChats(d.Chats)
		return d.Dialogs, nil
	case *tg.MessagesDialogsSlice:
		m.cache.addUsers(d.Users)
		m.cache.addChats(d.Chats)
		return d.Dialogs, nil
	default:
		return nil, nil
	}
}
