package telegram

import (
	"context"
	"io"
	"os"

	"spectra/internal/domain/gateway"
	"spectra/internal/infra/storage"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
)

// DownloadMedia скачивает вложение сообщения в локальный файл и возвращает
// число записанных байт. Сообщение перечитывается с сервера: file reference
// из ранее полученных страниц к моменту скачивания мог протухнуть.
func (c *Client) DownloadMedia(ctx context.Context, msg gateway.Message, toPath string) (int64, error) {
	raw, err := c.refetchMessage(ctx, msg.ChannelID, msg.ID)
	if err != nil {
		return 0, err
	}
	loc, err := mediaLocation(raw)
	if err != nil {
		return 0, err
	}

	if err := storage.EnsureDir(toPath); err != nil {
		return 0, err
	}
	f, err := os.Create(toPath)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s", toPath)
	}
	counting := &countingWriter{w: f}
	_, err = downloader.NewDownloader().Download(c.api, loc).Stream(ctx, counting)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(toPath)
		return 0, classifyError(err)
	}
	c.state.markUp()
	return counting.n, nil
}

// refetchMessage перечитывает сообщение по адресу (канал, id). Вид пира в
// адресе не сохранён, поэтому сначала пробуется канальный маршрут, затем
// общий, работающий для диалогов и обычных групп.
func (c *Client) refetchMessage(ctx context.Context, channelID int64, id int) (*tg.Message, error) {
	inputIDs := []tg.InputMessageClass{&tg.InputMessageID{ID: id}}

	var raw []tg.MessageClass
	err := c.readRPC(ctx, func(ctx context.Context) error {
		var (
			resp tg.MessagesMessagesClass
			err  error
		)
		if channel, chErr := c.peers.inputChannel(ctx, channelID); chErr == nil {
			resp, err = c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
				Channel: channel,
				ID:      inputIDs,
			})
		} else {
			resp, err = c.api.MessagesGetMessages(ctx, inputIDs)
		}
		if err != nil {
			return err
		}
		raw, _, err = normalizeHistory(resp)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, mc := range raw {
		if m, ok := mc.(*tg.Message); ok && m.ID == id {
			return m, nil
		}
	}
	return nil, errors.Errorf("message %d in %d is not available", id, channelID)
}

// mediaLocation строит адрес файла для загрузчика. Фото качается в
// максимальном доступном размере.
func mediaLocation(msg *tg.Message) (tg.InputFileLocationClass, error) {
	media, ok := msg.GetMedia()
	if !ok {
		return nil, errors.Errorf("message %d has no media", msg.ID)
	}
	switch m := media.(type) {
	case *tg.MessageMediaDocument:
		docClass, ok := m.GetDocument()
		if !ok {
			return nil, errors.Errorf("message %d: document is empty", msg.ID)
		}
		doc, ok := docClass.(*tg.Document)
		if !ok {
			return nil, errors.Errorf("message %d: unexpected document %T", msg.ID, docClass)
		}
		return doc.AsInputDocumentFileLocation(), nil
	case *tg.MessageMediaPhoto:
		photoClass, ok := m.GetPhoto()
		if !ok {
			return nil, errors.Errorf("message %d: photo is empty", msg.ID)
		}
		photo, ok := photoClass.(*tg.Photo)
		if !ok {
			return nil, errors.Errorf("message %d: unexpected photo %T", msg.ID, photoClass)
		}
		_, _, _, thumbType := largestPhotoSize(photo)
		if thumbType == "" {
			return nil, errors.Errorf("message %d: photo has no sizes", msg.ID)
		}
		return &tg.InputPhotoFileLocation{
			ID:            photo.ID,
			AccessHash:    photo.AccessHash,
			FileReference: photo.FileReference,
			ThumbSize:     thumbType,
		}, nil
	}
	return nil, errors.Errorf("message %d: media %T is not downloadable", msg.ID, media)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
