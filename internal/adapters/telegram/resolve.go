package telegram

import (
	"context"
	"strconv"
	"strings"

	"spectra/internal/domain/gateway"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/timeutil"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

// botSuperPrefix — префикс Bot API для идентификаторов каналов и супергрупп:
// chat_id = -100<channel_id>. Обычные группы приходят просто отрицательными.
const botSuperPrefix int64 = -1000000000000

const dialogPageLimit = 100

// Пауза между страницами messages.getDialogs. Лимитер выравнивает частоту
// RPC, а джиттер размывает регулярность серийного обхода.
const (
	dialogWaitMinMs = 500
	dialogWaitMaxMs = 1500
)

// ResolveEntity находит сущность по @username, ссылке t.me, числовому id
// (включая формат Bot API -100...) или алиасу "me"/"self".
func (c *Client) ResolveEntity(ctx context.Context, ref string) (gateway.Entity, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return gateway.Entity{}, &classed{class: gateway.ErrEntityResolveFailed, cause: errors.New("empty reference")}
	}

	switch strings.ToLower(trimmed) {
	case "me", "self", "saved":
		return c.Self(ctx)
	}

	if id, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return c.resolveByID(ctx, id)
	}

	username, err := normalizeRef(trimmed)
	if err != nil {
		return gateway.Entity{}, &classed{class: gateway.ErrEntityResolveFailed, cause: err}
	}
	return c.resolveUsername(ctx, username)
}

// normalizeRef срезает протокол, домен t.me и @ — остаётся голый username.
func normalizeRef(ref string) (string, error) {
	trimmed := strings.TrimSpace(ref)
	trimmed = strings.TrimPrefix(trimmed, "https://")
	trimmed = strings.TrimPrefix(trimmed, "http://")
	trimmed = strings.TrimPrefix(trimmed, "t.me/")
	trimmed = strings.TrimPrefix(trimmed, "@")
	if trimmed == "" {
		return "", errors.New("empty username")
	}
	// Ссылки вида t.me/name/123 указывают на сообщение; сущность — первый сегмент.
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	if trimmed == "" {
		return "", errors.New("empty username")
	}
	return trimmed, nil
}

// resolveByID пробует разрешить числовой id: формат Bot API распознаётся по
// знаку и префиксу, голый положительный id пробуется как канал, затем
// пользователь, затем обычная группа.
func (c *Client) resolveByID(ctx context.Context, id int64) (gateway.Entity, error) {
	switch {
	case id < botSuperPrefix:
		return c.resolveKind(ctx, gateway.KindChannel, botSuperPrefix-id)
	case id < 0:
		return c.resolveKind(ctx, gateway.KindChat, -id)
	}

	for _, kind := range []gateway.EntityKind{gateway.KindChannel, gateway.KindUser, gateway.KindChat} {
		ent, err := c.resolveKind(ctx, kind, id)
		if err == nil {
			return ent, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return gateway.Entity{}, ctxErr
		}
	}
	return gateway.Entity{}, &classed{
		class: gateway.ErrEntityResolveFailed,
		cause: errors.Errorf("id %d is not visible to account %s", id, c.name),
	}
}

// resolveKind разрешает id заданного вида через менеджер пиров; при промахе
// кэша менеджер сам делает серверный запрос.
func (c *Client) resolveKind(ctx context.Context, kind gateway.EntityKind, id int64) (gateway.Entity, error) {
	var ent gateway.Entity
	err := c.readRPC(ctx, func(ctx context.Context) error {
		switch kind {
		case gateway.KindChannel:
			channel, err := c.peers.mgr.ResolveChannelID(ctx, id)
			if err != nil {
				return err
			}
			ent = entityFromChannel(channel.Raw())
		case gateway.KindUser:
			user, err := c.peers.mgr.ResolveUserID(ctx, id)
			if err != nil {
				return err
			}
			ent = entityFromUser(user.Raw())
		case gateway.KindChat:
			chat, err := c.peers.mgr.ResolveChatID(ctx, id)
			if err != nil {
				return err
			}
			ent = entityFromChat(chat.Raw())
		default:
			return errors.Errorf("unsupported entity kind %q", kind)
		}
		return nil
	})
	if err != nil {
		return gateway.Entity{}, err
	}
	return ent, nil
}

// resolveUsername разрешает username через contacts.resolveUsername.
// Пришедшие сущности оседают в кэше пиров вместе с access hash.
func (c *Client) resolveUsername(ctx context.Context, username string) (gateway.Entity, error) {
	var ent gateway.Entity
	err := c.readRPC(ctx, func(ctx context.Context) error {
		resolved, err := c.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{
			Username: username,
		})
		if err != nil {
			return err
		}
		if applyErr := c.peers.apply(ctx, resolved.Users, resolved.Chats); applyErr != nil {
			logger.Warnf("account %s: cache resolved peers: %v", c.name, applyErr)
		}

		switch p := resolved.Peer.(type) {
		case *tg.PeerChannel:
			for _, chat := range resolved.Chats {
				if v, ok := chat.(*tg.Channel); ok && v.ID == p.ChannelID {
					ent = entityFromChannel(v)
					return nil
				}
			}
		case *tg.PeerChat:
			for _, chat := range resolved.Chats {
				if v, ok := chat.(*tg.Chat); ok && v.ID == p.ChatID {
					ent = entityFromChat(v)
					return nil
				}
			}
		case *tg.PeerUser:
			for _, user := range resolved.Users {
				if u, ok := user.(*tg.User); ok && u.ID == p.UserID {
					ent = entityFromUser(u)
					return nil
				}
			}
		}
		return &classed{
			class: gateway.ErrEntityResolveFailed,
			cause: errors.Errorf("username %q is not in the resolve response", username),
		}
	})
	if err != nil {
		return gateway.Entity{}, err
	}
	return ent, nil
}

type entityKey struct {
	kind gateway.EntityKind
	id   int64
}

// ListDialogs выгружает весь список диалогов аккаунта. Пагинация идёт по
// тройке (offset_date, offset_id, offset_peer); access hash для offset_peer
// собираются из уже пройденных страниц.
func (c *Client) ListDialogs(ctx context.Context) ([]gateway.Entity, error) {
	var out []gateway.Entity
	seen := make(map[entityKey]struct{})

	offsetDate, offsetID := 0, 0
	var offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}

	userHashes := make(map[int64]int64)
	channelHashes := make(map[int64]int64)

	for first := true; ; first = false {
		if !first {
			if err := timeutil.SleepRandomMs(ctx, dialogWaitMinMs, dialogWaitMaxMs); err != nil {
				return nil, err
			}
		}
		var page *tg.MessagesDialogs
		err := c.readRPC(ctx, func(ctx context.Context) error {
			resp, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
				OffsetDate: offsetDate,
				OffsetID:   offsetID,
				OffsetPeer: offsetPeer,
				Limit:      dialogPageLimit,
			})
			if err != nil {
				return err
			}
			page, err = normalizeDialogs(resp)
			return err
		})
		if err != nil {
			return nil, errors.Wrap(err, "get dialogs")
		}
		if page == nil || len(page.Dialogs) == 0 {
			break
		}

		if applyErr := c.peers.apply(ctx, page.Users, page.Chats); applyErr != nil {
			logger.Warnf("account %s: cache dialog peers: %v", c.name, applyErr)
		}

		for _, u := range page.Users {
			if user, ok := u.(*tg.User); ok {
				userHashes[user.ID] = user.AccessHash
				addEntity(&out, seen, entityFromUser(user))
			}
		}
		for _, ch := range page.Chats {
			switch v := ch.(type) {
			case *tg.Chat:
				addEntity(&out, seen, entityFromChat(v))
			case *tg.Channel:
				channelHashes[v.ID] = v.AccessHash
				addEntity(&out, seen, entityFromChannel(v))
			}
		}

		last := page.Dialogs[len(page.Dialogs)-1]
		prevDate, prevID := offsetDate, offsetID
		switch dlg := last.(type) {
		case *tg.Dialog:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(page.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerInput(dlg.Peer, userHashes, channelHashes)
		case *tg.DialogFolder:
			offsetID = dlg.TopMessage
			offsetDate = messageDate(page.Messages, dlg.TopMessage)
			offsetPeer = dialogPeerInput(dlg.Peer, userHashes, channelHashes)
		default:
			offsetPeer = &tg.InputPeerEmpty{}
		}
		// Сервер не вернул дату или id последнего диалога: не откатываем
		// курсор назад, продолжаем с прежней позиции.
		if offsetDate == 0 {
			offsetDate = prevDate
		}
		if offsetID == 0 {
			offsetID = prevID
		}

		if len(page.Dialogs) < dialogPageLimit {
			break
		}
	}
	return out, nil
}

func addEntity(out *[]gateway.Entity, seen map[entityKey]struct{}, ent gateway.Entity) {
	key := entityKey{kind: ent.Kind, id: ent.ID}
	if _, ok := seen[key]; ok {
		return
	}
	seen[key] = struct{}{}
	*out = append(*out, ent)
}

func normalizeDialogs(resp tg.MessagesDialogsClass) (*tg.MessagesDialogs, error) {
	switch data := resp.(type) {
	case *tg.MessagesDialogs:
		return data, nil
	case *tg.MessagesDialogsSlice:
		return &tg.MessagesDialogs{
			Dialogs:  data.Dialogs,
			Messages: data.Messages,
			Chats:    data.Chats,
			Users:    data.Users,
		}, nil
	case *tg.MessagesDialogsNotModified:
		return nil, nil
	default:
		return nil, errors.Errorf("unexpected dialogs response: %T", resp)
	}
}

// messageDate находит дату сообщения id среди сообщений страницы диалогов.
func messageDate(messages []tg.MessageClass, id int) int {
	for _, msg := range messages {
		switch item := msg.(type) {
		case *tg.Message:
			if item.ID == id {
				return item.Date
			}
		case *tg.MessageService:
			if item.ID == id {
				return item.Date
			}
		}
	}
	return 0
}

func dialogPeerInput(peer tg.PeerClass, userHashes, channelHashes map[int64]int64) tg.InputPeerClass {
	switch entity := peer.(type) {
	case *tg.PeerUser:
		return &tg.InputPeerUser{UserID: entity.UserID, AccessHash: userHashes[entity.UserID]}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: entity.ChatID}
	case *tg.PeerChannel:
		return &tg.InputPeerChannel{ChannelID: entity.ChannelID, AccessHash: channelHashes[entity.ChannelID]}
	default:
		return &tg.InputPeerEmpty{}
	}
}
