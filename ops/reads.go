package ops

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/tgward/tgward"
)

const participantsPageSize = 200

// GroupInfo returns the normalized payload for a group or channel, filling
// the participant count from full info when the initial lookup lacks it.
func (m *Manager) GroupInfo(ctx context.Context, identifier string) (*GroupInfo, error) {
	e, err := m.ResolveGroup(ctx, identifier)
	if err != nil {
		return nil, err
	}

	count := e.ParticipantsCount
	if count == 0 {
		if full, err := m.fullParticipantsCount(ctx, e); err == nil {
			count = full
		} else {
			m.log.Debug("full info lookup failed", zap.Int64("id", e.ID), zap.Error(err))
		}
	}

	info := &GroupInfo{
		ID:                e.ID,
		Title:             e.Title,
		Username:          e.Username,
		ParticipantsCount: count,
		Type:              "group",
	}
	if e.Kind == KindChannel {
		info.Type = "channel"
	}
	return info, nil
}

func (m *Manager) fullParticipantsCount(ctx context.Context, e Entity) (int, error) {
	if ch, ok := e.InputChannel(); ok {
		full, err := tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (*tg.MessagesChatFull, error) {
			return m.api.ChannelsGetFullChannel(ctx, ch)
		})
		if err != nil {
			return 0, err
		}
		if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
			return cf.ParticipantsCount, nil
		}
		return 0, fmt.Errorf("unexpected full chat type %T", full.FullChat)
	}

	full, err := tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (*tg.MessagesChatFull, error) {
		return m.api.MessagesGetFullChat(ctx, e.ID)
	})
	if err != nil {
		return 0, err
	}
	if cf, ok := full.FullChat.(*tg.ChatFull); ok {
		if p, ok := cf.Participants.(*tg.ChatParticipants); ok {
			return len(p.Participants), nil
		}
	}
	return 0, fmt.Errorf("unexpected full chat type %T", full.FullChat)
}

// Participants lists up to limit non-bot members.
func (m *Manager) Participants(ctx context.Context, identifier string, limit int) ([]Participant, error) {
	return m.participants(ctx, identifier, "", limit)
}

// SearchParticipants lists non-bot members matching query, filtered
// server-side for channels.
func (m *Manager) SearchParticipants(ctx context.Context, identifier, query string, limit int) ([]Participant, error) {
	return m.participants(ctx, identifier, query, limit)
}

func (m *Manager) participants(ctx context.Context, identifier, query string, limit int) ([]Participant, error) {
	e, err := m.ResolveGroup(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var users []*tg.User
	if ch, ok := e.InputChannel(); ok {
		users, err = m.channelParticipants(ctx, ch, query, limit)
	} else {
		users, err = m.chatParticipants(ctx, e.ID, query)
	}
	if err != nil {
		return nil, err
	}

	out := make([]Participant, 0, len(users))
	for _, u := range users {
		if u.Bot {
			continue
		}
		out = append(out, Participant{
			ID:         u.ID,
			Username:   u.Username,
			FirstName:  u.FirstName,
			LastName:   u.LastName,
			Phone:      u.Phone,
			IsBot:      u.Bot,
			IsVerified: u.Verified,
			IsPremium:  u.Premium,
			Status:     userStatus(u.Status),
		})
		if len(out) >= limit {
			break
		}
		if err := m.lim.SmartPause(ctx, "participants", len(out)); err != nil {
			return nil, err
		}
	}

	m.log.Info("participants fetched",
		zap.String("group", identifier),
		zap.Int("count", len(out)),
		zap.Bool("search", query != ""))
	return out, nil
}

func (m *Manager) channelParticipants(ctx context.Context, ch *tg.InputChannel, query string, limit int) ([]*tg.User, error) {
	var filter tg.ChannelParticipantsFilterClass = &tg.ChannelParticipantsRecent{}
	if query != "" {
		filter = &tg.ChannelParticipantsSearch{Q: query}
	}

	var users []*tg.User
	offset := 0
	for len(users) < limit {
		page := participantsPageSize
		if rest := limit - len(users); rest < page {
			page = rest
		}

		res, err := tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (tg.ChannelsChannelParticipantsClass, error) {
			return m.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
				Channel: ch,
				Filter:  filter,
				Offset:  offset,
				Limit:   page,
			})
		})
		if err != nil {
			return nil, err
		}

		batch, ok := res.(*tg.ChannelsChannelParticipants)
		if !ok {
			break
		}
		m.cache.addUsers(batch.Users)
		for _, uc := range batch.Users {
			if u, ok := uc.(*tg.User); ok {
				users = append(users, u)
			}
		}
		offset += len(batch.Participants)
		if len(batch.Participants) < page {
			break
		}
	}
	return users, nil
}

func (m *Manager) chatParticipants(ctx context.Context, chatID int64, query string) ([]*tg.User, error) {
	full, err := tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (*tg.MessagesChatFull, error) {
		return m.api.MessagesGetFullChat(ctx, chatID)
	})
	if err != nil {
		return nil, err
	}
	m.cache.addUsers(full.Users)

	needle := strings.ToLower(query)
	var users []*tg.User
	for _, uc := range full.Users {
		u, ok := uc.(*tg.User)
		if !ok {
			continue
		}
		if needle != "" && !userMatches(u, needle) {
			continue
		}
		users = append(users, u)
	}
	return users, nil
}

func userMatches(u *tg.User, needle string) bool {
	for _, s := range []string{u.Username, u.FirstName, u.LastName} {
		if s != "" && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

// Messages lists history entries newest-first, skipping service and empty
// messages. minID limits the fetch to ids above it, for continuation.
func (m *Manager) Messages(ctx context.Context, identifier string, limit, minID int) ([]MessageInfo, error) {
	e, err := m.resolveTarget(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	var out []MessageInfo
	offsetID := 0
	for len(out) < limit {
		page := 100
		res, err := m.history(ctx, e, &tg.MessagesGetHistoryRequest{
			Peer:     e.InputPeer(),
			OffsetID: offsetID,
			MinID:    minID,
			Limit:    page,
		})
		if err != nil {
			return nil, err
		}

		msgs := historyMessages(res)
		if len(msgs) == 0 {
			break
		}
		for _, mc := range msgs {
			msg, ok := mc.(*tg.Message)
			if !ok {
				continue // service message
			}
			offsetID = msg.ID
			if msg.Message == "" && msg.Media == nil {
				continue
			}
			out = append(out, messageInfo(msg))
			if len(out) >= limit {
				break
			}
			if err := m.lim.SmartPause(ctx, "messages", len(out)); err != nil {
				return nil, err
			}
		}
		if len(msgs) < page {
			break
		}
	}

	m.log.Info("messages fetched", zap.String("group", identifier), zap.Int("count", len(out)))
	return out, nil
}

func (m *Manager) history(ctx context.Context, e Entity, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	return tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (tg.MessagesMessagesClass, error) {
		return m.api.MessagesGetHistory(ctx, req)
	})
}

func historyMessages(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesChannelMessages:
		return v.Messages
	default:
		return nil
	}
}

func messageInfo(msg *tg.Message) MessageInfo {
	info := MessageInfo{
		ID:       msg.ID,
		Date:     time.Unix(int64(msg.Date), 0).UTC().Format(time.RFC3339),
		Text:     msg.Message,
		IsPinned: msg.Pinned,
		HasMedia: msg.Media != nil,
	}
	if peer, ok := msg.FromID.(*tg.PeerUser); ok {
		info.FromID = peer.UserID
	}
	if reply, ok := msg.ReplyTo.(*tg.MessageReplyHeader); ok {
		info.IsReply = true
		info.ReplyToMsgID = reply.ReplyToMsgID
	}
	if v, ok := msg.GetViews(); ok {
		info.Views = v
	}
	if f, ok := msg.GetForwards(); ok {
		info.Forwards = f
	}
	if msg.Media != nil {
		info.MediaType = strings.TrimPrefix(fmt.Sprintf("%T", msg.Media), "*tg.")
	}
	if fwd, ok := msg.GetFwdFrom(); ok {
		fi := &FwdInfo{
			FromName:    fwd.FromName,
			Date:        time.Unix(int64(fwd.Date), 0).UTC().Format(time.RFC3339),
			ChannelPost: fwd.ChannelPost,
		}
		switch p := fwd.FromID.(type) {
		case *tg.PeerUser:
			fi.FromID, fi.FromType = p.UserID, "user"
		case *tg.PeerChannel:
			fi.FromID, fi.FromType = p.ChannelID, "channel"
		case *tg.PeerChat:
			fi.FromID, fi.FromType = p.ChatID, "chat"
		}
		info.FwdFrom = fi
	}
	return info
}

// MessageCount returns the total history size via a zero-cost history probe.
func (m *Manager) MessageCount(ctx context.Context, identifier string) (int, error) {
	e, err := m.resolveTarget(ctx, identifier)
	if err != nil {
		return 0, err
	}

	res, err := m.history(ctx, e, &tg.MessagesGetHistoryRequest{
		Peer:  e.InputPeer(),
		Limit: 1,
	})
	if err != nil {
		return 0, err
	}

	switch v := res.(type) {
	case *tg.MessagesMessagesSlice:
		return v.Count, nil
	case *tg.MessagesChannelMessages:
		return v.Count, nil
	case *tg.MessagesMessages:
		return len(v.Messages), nil
	default:
		return 0, fmt.Errorf("unexpected history type %T", res)
	}
}

// CreationDate approximates the group's creation from its earliest message,
// fetched with a single offset trick.
func (m *Manager) CreationDate(ctx context.Context, identifier string) (time.Time, error) {
	e, err := m.resolveTarget(ctx, identifier)
	if err != nil {
		return time.Time{}, err
	}

	res, err := m.history(ctx, e, &tg.MessagesGetHistoryRequest{
		Peer:      e.InputPeer(),
		OffsetID:  1,
		AddOffset: -1,
		Limit:     1,
	})
	if err != nil {
		return time.Time{}, err
	}

	for _, mc := range historyMessages(res) {
		switch msg := mc.(type) {
		case *tg.Message:
			return time.Unix(int64(msg.Date), 0).UTC(), nil
		case *tg.MessageService:
			return time.Unix(int64(msg.Date), 0).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("no messages found for %q", identifier)
}

// Dialogs lists the account's dialogs with an optional kind filter
// ("all", "user", "group", "channel"), applied after the fetch.
func (m *Manager) Dialogs(ctx context.Context, limit int, dialogType string) ([]DialogInfo, error) {
	raw, err := m.fetchDialogs(ctx, limit)
	if err != nil {
		return nil, err
	}

	var out []DialogInfo
	for _, dc := range raw {
		d, ok := dc.(*tg.Dialog)
		if !ok {
			continue
		}

		var e Entity
		var found bool
		switch p := d.Peer.(type) {
		case *tg.PeerUser:
			e, found = m.cache.user(p.UserID)
		case *tg.PeerChat:
			e, found = m.cache.chat(p.ChatID)
		case *tg.PeerChannel:
			e, found = m.cache.channel(p.ChannelID)
		}
		if !found {
			continue
		}

		kind := "other"
		switch e.Kind {
		case KindUser:
			kind = "user"
		case KindChat:
			kind = "group"
		case KindChannel:
			kind = "channel"
		}
		if dialogType != "all" && dialogType != "" && kind != dialogType {
			continue
		}

		title := e.Title
		if title == "" {
			title = strings.TrimSpace(e.FirstName + " " + e.LastName)
		}
		if title == "" {
			title = "Untitled"
		}
		out = append(out, DialogInfo{
			ID:                e.MarkedID(),
			Title:             title,
			Type:              kind,
			Username:          e.Username,
			ParticipantsCount: e.ParticipantsCount,
			UnreadCount:       d.UnreadCount,
		})
	}

	m.log.Info("dialogs fetched", zap.Int("count", len(out)), zap.String("filter", dialogType))
	return out, nil
}

// ResolveUsernameInfo resolves @username to a typed payload by entity kind.
func (m *Manager) ResolveUsernameInfo(ctx context.Context, username string) (*ResolvedPeer, error) {
	e, err := m.resolveUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	switch e.Kind {
	case KindUser:
		return &ResolvedPeer{
			ID:        e.ID,
			Type:      "user",
			Username:  e.Username,
			FirstName: e.FirstName,
			LastName:  e.LastName,
			IsBot:     e.Bot,
			IsPremium: e.Premium,
		}, nil
	case KindChannel:
		kind := "supergroup"
		if e.Broadcast {
			kind = "channel"
		}
		return &ResolvedPeer{
			ID:                e.ID,
			Type:              kind,
			Username:          e.Username,
			Title:             e.Title,
			ParticipantsCount: e.ParticipantsCount,
		}, nil
	default:
		return &ResolvedPeer{
			ID:                e.ID,
			Type:              "chat",
			Title:             e.Title,
			ParticipantsCount: e.ParticipantsCount,
		}, nil
	}
}

// UserByID returns a user by numeric id. Telegram only yields access hashes
// inside responses, so an id never seen by this process resolves through the
// dialog scan or fails.
func (m *Manager) UserByID(ctx context.Context, id int64) (Entity, error) {
	if e, ok := m.cache.user(id); ok {
		return e, nil
	}
	if err := m.scanDialogs(ctx); err != nil {
		return Entity{}, err
	}
	if e, ok := m.cache.user(id); ok {
		return e, nil
	}

	users, err := tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) ([]tg.UserClass, error) {
		return m.api.UsersGetUsers(ctx, []tg.InputUserClass{&tg.InputUser{UserID: id}})
	})
	if err != nil {
		return Entity{}, &tgward.ErrEntityNotFound{Identifier: fmt.Sprintf("%d", id)}
	}
	m.cache.addUsers(users)
	if e, ok := m.cache.user(id); ok {
		return e, nil
	}
	return Entity{}, &tgward.ErrEntityNotFound{Identifier: fmt.Sprintf("%d", id)}
}
