package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"

	"github.com/tgward/tgward"
)

// AddMember adds a user to a group or channel. Already-member is an
// idempotent success. Membership changes draw from the join quota.
func (m *Manager) AddMember(ctx context.Context, group, user string, dryRun bool) *MemberResult {
	groupEnt, userEnt, res := m.resolveMemberPair(ctx, "add_member", group, user, dryRun)
	if res != nil {
		return res
	}

	result := memberResult("add_member", dryRun, groupEnt, userEnt)
	if dryRun {
		return result
	}

	var err error
	if ch, ok := groupEnt.InputChannel(); ok {
		iu, _ := userEnt.InputUser()
		_, err = tgward.SafeCall(ctx, m.lim, tgward.OpJoin, func(ctx context.Context) (tg.UpdatesClass, error) {
			return m.api.ChannelsInviteToChannel(ctx, &tg.ChannelsInviteToChannelRequest{
				Channel: ch,
				Users:   []tg.InputUserClass{iu},
			})
		})
	} else {
		iu, _ := userEnt.InputUser()
		_, err = tgward.SafeCall(ctx, m.lim, tgward.OpJoin, func(ctx context.Context) (tg.UpdatesClass, error) {
			return m.api.MessagesAddChatUser(ctx, &tg.MessagesAddChatUserRequest{
				ChatID:   groupEnt.ID,
				UserID:   iu,
				FwdLimit: 0,
			})
		})
	}

	if err != nil {
		if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
			return &MemberResult{
				Success:       true,
				Action:        "add_member",
				AlreadyMember: true,
				DryRun:        dryRun,
				Group:         group,
				User:          user,
			}
		}
		m.log.Error("add member failed", zap.String("group", group), zap.String("user", user), zap.Error(err))
		return memberFailure("add_member", dryRun, group, user, err)
	}
	return result
}

// RemoveMember removes a user. Channels go through a ban/unban pair so the
// user can rejoin later; not-a-participant is an idempotent success.
func (m *Manager) RemoveMember(ctx context.Context, group, user string, dryRun bool) *MemberResult {
	groupEnt, userEnt, res := m.resolveMemberPair(ctx, "remove_member", group, user, dryRun)
	if res != nil {
		return res
	}

	result := memberResult("remove_member", dryRun, groupEnt, userEnt)
	if dryRun {
		return result
	}

	var err error
	if ch, ok := groupEnt.InputChannel(); ok {
		edit := func(viewMessages bool) error {
			_, callErr := tgward.SafeCall(ctx, m.lim, tgward.OpJoin, func(ctx context.Context) (tg.UpdatesClass, error) {
				return m.api.ChannelsEditBanned(ctx, &tg.ChannelsEditBannedRequest{
					Channel:      ch,
					Participant:  userEnt.InputPeer(),
					BannedRights: tg.ChatBannedRights{ViewMessages: viewMessages},
				})
			})
			return callErr
		}
		err = edit(true)
		if err == nil {
			err = edit(false)
		}
	} else {
		iu, _ := userEnt.InputUser()
		_, err = tgward.SafeCall(ctx, m.lim, tgward.OpJoin, func(ctx context.Context) (tg.UpdatesClass, error) {
			return m.api.MessagesDeleteChatUser(ctx, &tg.MessagesDeleteChatUserRequest{
				ChatID: groupEnt.ID,
				UserID: iu,
			})
		})
	}

	if err != nil {
		if tgerr.Is(err, "USER_NOT_PARTICIPANT") {
			return &MemberResult{
				Success:        true,
				Action:         "remove_member",
				NotParticipant: true,
				DryRun:         dryRun,
				Group:          group,
				User:           user,
			}
		}
		m.log.Error("remove member failed", zap.String("group", group), zap.String("user", user), zap.Error(err))
		return memberFailure("remove_member", dryRun, group, user, err)
	}
	return result
}

// MigrateMember adds the new account, then removes the old one. If the add
// fails the remove is skipped and the failure reported.
func (m *Manager) MigrateMember(ctx context.Context, group, oldUser, newUser string, dryRun bool) *MemberResult {
	if strings.TrimSpace(oldUser) == strings.TrimSpace(newUser) {
		return &MemberResult{
			Success: false,
			Action:  "migrate_member",
			DryRun:  dryRun,
			Group:   group,
			Error:   "old_user and new_user are the same",
		}
	}

	addPreview := m.AddMember(ctx, group, newUser, true)
	removePreview := m.RemoveMember(ctx, group, oldUser, true)

	if dryRun {
		return &MemberResult{
			Success:       addPreview.Success && removePreview.Success,
			Action:        "migrate_member",
			DryRun:        true,
			Group:         group,
			AddNewUser:    addPreview,
			RemoveOldUser: removePreview,
		}
	}

	addResult := m.AddMember(ctx, group, newUser, false)
	if !addResult.Success {
		return &MemberResult{
			Success:    false,
			Action:     "migrate_member",
			DryRun:     false,
			Group:      group,
			Error:      "failed to add new user; old user was not removed",
			AddNewUser: addResult,
		}
	}

	removeResult := m.RemoveMember(ctx, group, oldUser, false)
	return &MemberResult{
		Success:       removeResult.Success,
		Action:        "migrate_member",
		DryRun:        false,
		Group:         group,
		AddNewUser:    addResult,
		RemoveOldUser: removeResult,
	}
}

func (m *Manager) resolveMemberPair(ctx context.Context, action, group, user string, dryRun bool) (Entity, Entity, *MemberResult) {
	groupEnt, err := m.ResolveGroup(ctx, group)
	if err != nil {
		return Entity{}, Entity{}, memberFailure(action, dryRun, group, user, err)
	}
	userEnt, err := m.ResolveUser(ctx, user)
	if err != nil {
		return Entity{}, Entity{}, memberFailure(action, dryRun, group, user, err)
	}
	return groupEnt, userEnt, nil
}

func memberResult(action string, dryRun bool, group, user Entity) *MemberResult {
	groupType := "group"
	if group.Kind == KindChannel {
		groupType = "channel"
	}
	return &MemberResult{
		Success:      true,
		Action:       action,
		DryRun:       dryRun,
		GroupID:      group.ID,
		GroupType:    groupType,
		UserID:       user.ID,
		UserUsername: user.Username,
	}
}

func memberFailure(action string, dryRun bool, group, user string, err error) *MemberResult {
	return &MemberResult{
		Success: false,
		Action:  action,
		DryRun:  dryRun,
		Group:   group,
		User:    user,
		Error:   err.Error(),
	}
}

// SendMessage sends text to a group, channel or user dialog.
func (m *Manager) SendMessage(ctx context.Context, target, text string) error {
	e, err := m.resolveTarget(ctx, target)
	if err != nil {
		return err
	}

	_, err = tgward.SafeCall(ctx, m.lim, tgward.OpGroupMsg, func(ctx context.Context) (tg.UpdatesClass, error) {
		return m.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer:     e.InputPeer(),
			Message:  text,
			RandomID: randomID(),
		})
	})
	if err != nil {
		m.log.Error("send message failed", zap.String("target", target), zap.Error(err))
		return err
	}
	m.log.Info("message sent", zap.String("target", target), zap.Int("len", len(text)))
	return nil
}

// SendFile uploads a local file and sends it as a document with a caption.
func (m *Manager) SendFile(ctx context.Context, target, path, caption string) error {
	e, err := m.resolveTarget(ctx, target)
	if err != nil {
		return err
	}

	mime := "application/octet-stream"
	if mt, detectErr := mimetype.DetectFile(path); detectErr == nil {
		mime = mt.String()
	}

	_, err = tgward.SafeCall(ctx, m.lim, tgward.OpGroupMsg, func(ctx context.Context) (tg.UpdatesClass, error) {
		file, upErr := uploader.NewUploader(m.api).FromPath(ctx, path)
		if upErr != nil {
			return nil, fmt.Errorf("upload %s: %w", path, upErr)
		}
		return m.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer: e.InputPeer(),
			Media: &tg.InputMediaUploadedDocument{
				File:     file,
				MimeType: mime,
				Attributes: []tg.DocumentAttributeClass{
					&tg.DocumentAttributeFilename{FileName: filepath.Base(path)},
				},
			},
			Message:  caption,
			RandomID: randomID(),
		})
	}, tgward.WithTimeout(fileTransferTimeout))
	if err != nil {
		m.log.Error("send file failed", zap.String("target", target), zap.String("path", path), zap.Error(err))
		return err
	}
	m.log.Info("file sent", zap.String("target", target), zap.String("path", path))
	return nil
}

// FileSize returns the size of a local file, for action-hash and limit checks.
func FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", path)
	}
	return info.Size(), nil
}
