package telegram

import (
	"fmt"
	"mime"
	"strings"
	"time"

	"spectra/internal/domain/gateway"

	"github.com/gotd/td/tg"
)

// pageEntities — справочник пользователей и чатов, пришедших вместе со
// страницей истории. По нему заполняются имена отправителей без
// дополнительных запросов.
type pageEntities struct {
	users    map[int64]*tg.User
	chats    map[int64]*tg.Chat
	channels map[int64]*tg.Channel
}

func collectEntities(users []tg.UserClass, chats []tg.ChatClass) *pageEntities {
	e := &pageEntities{
		users:    make(map[int64]*tg.User, len(users)),
		chats:    make(map[int64]*tg.Chat),
		channels: make(map[int64]*tg.Channel),
	}
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			e.users[user.ID] = user
		}
	}
	for _, c := range chats {
		switch chat := c.(type) {
		case *tg.Chat:
			e.chats[chat.ID] = chat
		case *tg.Channel:
			e.channels[chat.ID] = chat
		}
	}
	return e
}

// senderName возвращает видимое имя пира или пустую строку, если сущности
// не было в странице.
func (e *pageEntities) senderName(peer tg.PeerClass) string {
	if e == nil || peer == nil {
		return ""
	}
	switch p := peer.(type) {
	case *tg.PeerUser:
		if user, ok := e.users[p.UserID]; ok {
			return visibleUserName(user)
		}
	case *tg.PeerChat:
		if chat, ok := e.chats[p.ChatID]; ok {
			return chat.Title
		}
	case *tg.PeerChannel:
		if ch, ok := e.channels[p.ChannelID]; ok {
			return ch.Title
		}
	}
	return ""
}

func visibleUserName(u *tg.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		name = u.Username
	}
	return name
}

// peerID извлекает числовой идентификатор пира без различия вида.
func peerID(peer tg.PeerClass) int64 {
	switch p := peer.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return p.ChatID
	case *tg.PeerChannel:
		return p.ChannelID
	}
	return 0
}

// convertMessage переводит tg.Message в доменное представление. Имя
// отправителя берётся из сущностей страницы; для канальных постов без
// from_id используется подпись автора поста.
func convertMessage(msg *tg.Message, ents *pageEntities) gateway.Message {
	out := gateway.Message{
		ID:        msg.ID,
		ChannelID: peerID(msg.PeerID),
		Date:      time.Unix(int64(msg.Date), 0).UTC(),
		Text:      msg.Message,
	}

	if from, ok := msg.GetFromID(); ok {
		out.SenderID = peerID(from)
		out.SenderName = ents.senderName(from)
	}
	if out.SenderName == "" {
		if author, ok := msg.GetPostAuthor(); ok {
			out.SenderName = author
		}
	}

	if media, ok := msg.GetMedia(); ok {
		out.File, out.Media = extractMedia(media)
	}
	if reply, ok := msg.GetReplyTo(); ok {
		out.ReplyTo = convertReply(reply)
	}
	return out
}

// convertReply разбирает заголовок ответа. Для сообщений внутри топика
// TopicID указывает на корневое сервисное сообщение топика.
func convertReply(hdr tg.MessageReplyHeaderClass) *gateway.ReplyRef {
	h, ok := hdr.(*tg.MessageReplyHeader)
	if !ok {
		return nil
	}
	ref := &gateway.ReplyRef{}
	if id, ok := h.GetReplyToMsgID(); ok {
		ref.MsgID = id
	}
	if h.ForumTopic {
		if top, ok := h.GetReplyToTopID(); ok {
			ref.TopicID = top
		} else {
			// Ответ на корень топика: top_id опущен, им служит сам msg_id.
			ref.TopicID = ref.MsgID
		}
	}
	if ref.MsgID == 0 && ref.TopicID == 0 {
		return nil
	}
	return ref
}

// extractMedia раскладывает вложение на файловую и медийную части. Вложения
// без скачиваемого файла (опросы, геометки, контакты) дают только MediaInfo.
func extractMedia(media tg.MessageMediaClass) (*gateway.FileInfo, *gateway.MediaInfo) {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil, nil
		}
		return photoInfo(photo)
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil, nil
		}
		return documentInfo(doc)
	case *tg.MessageMediaContact:
		return nil, &gateway.MediaInfo{Kind: gateway.MediaContact}
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		return nil, &gateway.MediaInfo{Kind: gateway.MediaLocation}
	case *tg.MessageMediaPoll:
		return nil, &gateway.MediaInfo{Kind: gateway.MediaPoll}
	case *tg.MessageMediaGame:
		return nil, &gateway.MediaInfo{Kind: gateway.MediaGame}
	case *tg.MessageMediaWebPage:
		return nil, &gateway.MediaInfo{Kind: gateway.MediaWebPage}
	}
	return nil, nil
}

// photoInfo синтезирует файловую часть для фотографии: у фото нет имени и
// MIME в схеме, но дедупликации и очереди нужен полноценный FileInfo.
func photoInfo(photo *tg.Photo) (*gateway.FileInfo, *gateway.MediaInfo) {
	size, width, height, _ := largestPhotoSize(photo)
	file := &gateway.FileInfo{
		ID:   photo.ID,
		Name: fmt.Sprintf("photo_%d.jpg", photo.ID),
		Size: size,
		MIME: "image/jpeg",
	}
	return file, &gateway.MediaInfo{Kind: gateway.MediaPhoto, Width: width, Height: height}
}

// largestPhotoSize выбирает самый большой вариант фото. Возвращает размер в
// байтах, габариты и тип варианта для InputPhotoFileLocation.
func largestPhotoSize(photo *tg.Photo) (size int64, width, height int, thumbType string) {
	for _, s := range photo.Sizes {
		switch ps := s.(type) {
		case *tg.PhotoSize:
			if int64(ps.Size) >= size {
				size, width, height, thumbType = int64(ps.Size), ps.W, ps.H, ps.Type
			}
		case *tg.PhotoSizeProgressive:
			var best int
			for _, n := range ps.Sizes {
				if n > best {
					best = n
				}
			}
			if int64(best) >= size {
				size, width, height, thumbType = int64(best), ps.W, ps.H, ps.Type
			}
		}
	}
	return size, width, height, thumbType
}

// documentInfo извлекает файл и медиакласс документа по его атрибутам.
func documentInfo(doc *tg.Document) (*gateway.FileInfo, *gateway.MediaInfo) {
	file := &gateway.FileInfo{ID: doc.ID, Size: doc.Size, MIME: doc.MimeType}
	media := &gateway.MediaInfo{Kind: gateway.MediaDocument}

	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			file.Name = a.FileName
		case *tg.DocumentAttributeVideo:
			media.Kind = gateway.MediaVideo
			if a.RoundMessage {
				media.Kind = gateway.MediaVideoNote
			}
			media.Duration = int(a.Duration)
			media.Width, media.Height = a.W, a.H
		case *tg.DocumentAttributeAudio:
			media.Kind = gateway.MediaAudio
			if a.Voice {
				media.Kind = gateway.MediaVoice
			}
			media.Duration = a.Duration
		case *tg.DocumentAttributeSticker:
			media.Kind = gateway.MediaSticker
		case *tg.DocumentAttributeAnimated:
			media.Kind = gateway.MediaAnimation
		case *tg.DocumentAttributeImageSize:
			media.Width, media.Height = a.W, a.H
		}
	}

	if file.Name == "" {
		file.Name = fmt.Sprintf("doc_%d%s", doc.ID, extensionForMIME(doc.MimeType))
	}
	return file, media
}

// extensionForMIME подбирает расширение для безымянного документа.
func extensionForMIME(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "video/mp4":
		return ".mp4"
	case "audio/ogg":
		return ".ogg"
	case "audio/mpeg":
		return ".mp3"
	case "image/webp":
		return ".webp"
	}
	if exts, err := mime.ExtensionsByType(mimeType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// Конвертация сырых сущностей Telegram в доменные.

func entityFromUser(u *tg.User) gateway.Entity {
	return gateway.Entity{
		ID:       u.ID,
		Kind:     gateway.KindUser,
		Title:    visibleUserName(u),
		Username: u.Username,
	}
}

func entityFromChat(c *tg.Chat) gateway.Entity {
	return gateway.Entity{ID: c.ID, Kind: gateway.KindChat, Title: c.Title}
}

func entityFromChannel(c *tg.Channel) gateway.Entity {
	return gateway.Entity{
		ID:       c.ID,
		Kind:     gateway.KindChannel,
		Title:    c.Title,
		Username: c.Username,
		Forum:    c.Forum,
	}
}

// convertTopic переводит форум-топик в доменный вид.
func convertTopic(t *tg.ForumTopic) gateway.Topic {
	topic := gateway.Topic{
		ID:        t.ID,
		Title:     t.Title,
		IconColor: t.IconColor,
		Closed:    t.Closed,
		Date:      time.Unix(int64(t.Date), 0).UTC(),
	}
	if emoji, ok := t.GetIconEmojiID(); ok {
		topic.IconEmojiID = emoji
	}
	return topic
}
