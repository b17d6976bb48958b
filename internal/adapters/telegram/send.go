package telegram

import (
	"context"
	"math/rand/v2"
	"path/filepath"
	"slices"

	"spectra/internal/domain/gateway"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
)

const (
	uploadPartSize   = 512 * 1024
	deleteChunkLimit = 100
	fallbackMIME     = "application/octet-stream"
)

// SendMessage отправляет текст либо файл с подписью. Фиксированный RandomID
// в запросе делает повтор после обрыва идемпотентным на стороне сервера.
func (c *Client) SendMessage(ctx context.Context, dest gateway.Entity, req gateway.SendRequest) (gateway.MessageRef, error) {
	peer, err := c.peers.inputPeer(ctx, dest)
	if err != nil {
		return gateway.MessageRef{}, err
	}
	randomID := req.RandomID
	if randomID == 0 {
		randomID = rand.Int64()
	}

	var updates tg.UpdatesClass
	err = c.writeRPC(ctx, func(ctx context.Context) error {
		var err error
		if req.File == "" {
			updates, err = c.sendText(ctx, peer, req, randomID)
		} else {
			updates, err = c.sendFile(ctx, peer, req, randomID)
		}
		return err
	})
	if err != nil {
		return gateway.MessageRef{}, err
	}

	ids := newMessageIDs(updates)
	if len(ids) == 0 {
		return gateway.MessageRef{}, &classed{class: gateway.ErrProtocol, cause: errors.New("sent message id is missing in response")}
	}
	return gateway.MessageRef{ChannelID: dest.ID, ID: ids[0]}, nil
}

func (c *Client) sendText(ctx context.Context, peer tg.InputPeerClass, req gateway.SendRequest, randomID int64) (tg.UpdatesClass, error) {
	r := &tg.MessagesSendMessageRequest{
		Peer:     peer,
		Message:  req.Text,
		RandomID: randomID,
		Silent:   req.Silent,
	}
	if req.TopicID > 0 {
		r.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: req.TopicID})
	}
	return c.api.MessagesSendMessage(ctx, r)
}

// sendFile загружает файл и шлёт его документом; Text становится подписью.
func (c *Client) sendFile(ctx context.Context, peer tg.InputPeerClass, req gateway.SendRequest, randomID int64) (tg.UpdatesClass, error) {
	file, err := uploader.NewUploader(c.api).WithPartSize(uploadPartSize).FromPath(ctx, req.File)
	if err != nil {
		return nil, errors.Wrapf(err, "upload %s", req.File)
	}

	name := req.FileName
	if name == "" {
		name = filepath.Base(req.File)
	}
	mime := req.MIME
	if mime == "" {
		mime = fallbackMIME
	}
	media := &tg.InputMediaUploadedDocument{
		File:     file,
		MimeType: mime,
		Attributes: []tg.DocumentAttributeClass{
			&tg.DocumentAttributeFilename{FileName: name},
		},
	}

	r := &tg.MessagesSendMediaRequest{
		Peer:     peer,
		Media:    media,
		Message:  req.Text,
		RandomID: randomID,
		Silent:   req.Silent,
	}
	if req.TopicID > 0 {
		r.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: req.TopicID})
	}
	return c.api.MessagesSendMedia(ctx, r)
}

// ForwardMessages пересылает пакет сообщений со штатной шапкой «forwarded
// from». Ссылки возвращаются в порядке возрастания новых id; их может быть
// меньше, чем запрошено, если часть исходных сообщений уже удалена.
func (c *Client) ForwardMessages(ctx context.Context, dest, from gateway.Entity, ids []int, topicID int) ([]gateway.MessageRef, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	fromPeer, err := c.peers.inputPeer(ctx, from)
	if err != nil {
		return nil, err
	}
	toPeer, err := c.peers.inputPeer(ctx, dest)
	if err != nil {
		return nil, err
	}

	randomIDs := make([]int64, len(ids))
	for i := range randomIDs {
		randomIDs[i] = rand.Int64()
	}
	r := &tg.MessagesForwardMessagesRequest{
		FromPeer: fromPeer,
		ToPeer:   toPeer,
		ID:       ids,
		RandomID: randomIDs,
	}
	if topicID > 0 {
		r.SetTopMsgID(topicID)
	}

	var updates tg.UpdatesClass
	err = c.writeRPC(ctx, func(ctx context.Context) error {
		var err error
		updates, err = c.api.MessagesForwardMessages(ctx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	newIDs := newMessageIDs(updates)
	refs := make([]gateway.MessageRef, 0, len(newIDs))
	for _, id := range newIDs {
		refs = append(refs, gateway.MessageRef{ChannelID: dest.ID, ID: id})
	}
	return refs, nil
}

// DeleteMessages удаляет сообщения пачками. Для диалогов и групп удаление
// делается для обеих сторон.
func (c *Client) DeleteMessages(ctx context.Context, entity gateway.Entity, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	for start := 0; start < len(ids); start += deleteChunkLimit {
		end := min(start+deleteChunkLimit, len(ids))
		if err := c.deleteChunk(ctx, entity, ids[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) deleteChunk(ctx context.Context, entity gateway.Entity, ids []int) error {
	return c.writeRPC(ctx, func(ctx context.Context) error {
		if entity.Kind == gateway.KindChannel {
			channel, err := c.peers.inputChannel(ctx, entity.ID)
			if err != nil {
				return err
			}
			_, err = c.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
				Channel: channel,
				ID:      ids,
			})
			return err
		}
		_, err := c.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
			Revoke: true,
			ID:     ids,
		})
		return err
	})
}

// newMessageIDs достаёт id созданных сообщений из контейнера обновлений.
// Для каналов сервер присылает UpdateNewChannelMessage, для диалогов —
// UpdateNewMessage либо короткий UpdatesShortSentMessage; UpdateMessageID
// остаётся запасным источником.
func newMessageIDs(updates tg.UpdatesClass) []int {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return []int{u.ID}
	case *tg.Updates:
		return idsFromUpdates(u.Updates)
	case *tg.UpdatesCombined:
		return idsFromUpdates(u.Updates)
	}
	return nil
}

func idsFromUpdates(list []tg.UpdateClass) []int {
	var ids, fallback []int
	for _, upd := range list {
		switch x := upd.(type) {
		case *tg.UpdateNewMessage:
			if id, _ := splitMessage(x.Message); id != 0 {
				ids = append(ids, id)
			}
		case *tg.UpdateNewChannelMessage:
			if id, _ := splitMessage(x.Message); id != 0 {
				ids = append(ids, id)
			}
		case *tg.UpdateMessageID:
			fallback = append(fallback, x.ID)
		}
	}
	if len(ids) == 0 {
		ids = fallback
	}
	slices.Sort(ids)
	return ids
}
