package ops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/tgward/tgward"
)

const fileTransferTimeout = 5 * time.Minute

// DownloadMedia fetches the media attached to a message into outputDir and
// returns the local path.
func (m *Manager) DownloadMedia(ctx context.Context, identifier string, messageID int, outputDir string) (string, error) {
	e, err := m.resolveTarget(ctx, identifier)
	if err != nil {
		return "", err
	}

	msg, err := m.messageByID(ctx, e, messageID)
	if err != nil {
		return "", err
	}
	if msg.Media == nil {
		return "", fmt.Errorf("message %d has no media", messageID)
	}

	location, filename, err := mediaLocation(msg.Media, messageID)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	outPath := filepath.Join(outputDir, filename)

	_, err = tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (struct{}, error) {
		_, dlErr := downloader.NewDownloader().Download(m.api, location).ToPath(ctx, outPath)
		return struct{}{}, dlErr
	}, tgward.WithTimeout(fileTransferTimeout))
	if err != nil {
		return "", err
	}

	m.log.Info("media downloaded", zap.Int("message_id", messageID), zap.String("path", outPath))
	return outPath, nil
}

func (m *Manager) messageByID(ctx context.Context, e Entity, messageID int) (*tg.Message, error) {
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}}

	var res tg.MessagesMessagesClass
	var err error
	if ch, ok := e.InputChannel(); ok {
		res, err = tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (tg.MessagesMessagesClass, error) {
			return m.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{Channel: ch, ID: ids})
		})
	} else {
		res, err = tgward.SafeCall(ctx, m.lim, tgward.OpAPI, func(ctx context.Context) (tg.MessagesMessagesClass, error) {
			return m.api.MessagesGetMessages(ctx, ids)
		})
	}
	if err != nil {
		return nil, err
	}

	for _, mc := range historyMessages(res) {
		if msg, ok := mc.(*tg.Message); ok && msg.ID == messageID {
			return msg, nil
		}
	}
	return nil, fmt.Errorf("message %d not found", messageID)
}

func mediaLocation(media tg.MessageMediaClass, messageID int) (tg.InputFileLocationClass, string, error) {
	switch v := media.(type) {
	case *tg.MessageMediaDocument:
		docClass, ok := v.GetDocument()
		if !ok {
			return nil, "", fmt.Errorf("document is empty")
		}
		doc, ok := docClass.(*tg.Document)
		if !ok {
			return nil, "", fmt.Errorf("document is empty")
		}
		filename := fmt.Sprintf("document_%d", doc.ID)
		for _, attr := range doc.Attributes {
			if fn, ok := attr.(*tg.DocumentAttributeFilename); ok {
				filename = fn.FileName
			}
		}
		return &tg.InputDocumentFileLocation{
			ID:            doc.ID,
			AccessHash:    doc.AccessHash,
			FileReference: doc.FileReference,
		}, filename, nil

	case *tg.MessageMediaPhoto:
		photoClass, ok := v.GetPhoto()
		if !ok {
			return nil, "", fmt.Errorf("photo is empty")
		}
		photo, ok := photoClass.(*tg.Photo)
		if !ok {
			return nil, "", fmt.Errorf("photo is empty")
		}
		thumb := largestPhotoSize(photo.Sizes)
		if thumb == "" {
			return nil, "", fmt.Errorf("photo has no sizes")
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumb,
		}, fmt.Sprintf("photo_%d_%d.jpg", messageID, photo.ID), nil

	default:
		return nil, "", fmt.Errorf("unsupported media type %T", media)
	}
}

func largestPhotoSize(sizes []tg.PhotoSizeClass) string {
	best := ""
	bestArea := -1
	for _, sc := range sizes {
		if s, ok := sc.(*tg.PhotoSize); ok {
			if area := s.W * s.H; area > bestArea {
				bestArea = area
				best = s.Type
			}
		}
	}
	return best
}
