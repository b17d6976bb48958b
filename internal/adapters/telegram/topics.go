package telegram

import (
	"context"
	"math/rand/v2"

	"spectra/internal/domain/gateway"
	"spectra/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

const topicsPageLimit = 100

// ListForumTopics возвращает страницу топиков форума. Нулевой курсор на
// входе — первая страница; нулевой на выходе — страниц больше нет.
func (c *Client) ListForumTopics(ctx context.Context, channel gateway.Entity, cursor gateway.TopicCursor) ([]gateway.Topic, gateway.TopicCursor, error) {
	input, err := c.peers.inputChannel(ctx, channel.ID)
	if err != nil {
		return nil, gateway.TopicCursor{}, err
	}

	var resp *tg.MessagesForumTopics
	err = c.readRPC(ctx, func(ctx context.Context) error {
		var err error
		resp, err = c.api.ChannelsGetForumTopics(ctx, &tg.ChannelsGetForumTopicsRequest{
			Channel:     input,
			OffsetDate:  cursor.OffsetDate,
			OffsetID:    cursor.OffsetID,
			OffsetTopic: cursor.OffsetTopic,
			Limit:       topicsPageLimit,
		})
		return err
	})
	if err != nil {
		return nil, gateway.TopicCursor{}, err
	}

	if applyErr := c.peers.apply(ctx, resp.Users, resp.Chats); applyErr != nil {
		logger.Warnf("account %s: cache topic peers: %v", c.name, applyErr)
	}

	topics := make([]gateway.Topic, 0, len(resp.Topics))
	var last *tg.ForumTopic
	for _, tc := range resp.Topics {
		topic, ok := tc.(*tg.ForumTopic)
		if !ok {
			continue
		}
		topics = append(topics, convertTopic(topic))
		last = topic
	}

	if len(resp.Topics) < topicsPageLimit || last == nil {
		return topics, gateway.TopicCursor{}, nil
	}
	next := gateway.TopicCursor{
		OffsetDate:  messageDate(resp.Messages, last.TopMessage),
		OffsetID:    last.TopMessage,
		OffsetTopic: last.ID,
	}
	if next.OffsetDate == 0 {
		next.OffsetDate = last.Date
	}
	if next == cursor {
		// Сервер не сдвинул позицию, продолжать бессмысленно.
		return topics, gateway.TopicCursor{}, nil
	}
	return topics, next, nil
}

// CreateForumTopic создаёт топик и возвращает его id — он же id корневого
// сервисного сообщения топика.
func (c *Client) CreateForumTopic(ctx context.Context, channel gateway.Entity, req gateway.TopicRequest) (int, error) {
	input, err := c.peers.inputChannel(ctx, channel.ID)
	if err != nil {
		return 0, err
	}
	randomID := req.RandomID
	if randomID == 0 {
		randomID = rand.Int64()
	}

	r := &tg.ChannelsCreateForumTopicRequest{
		Channel:  input,
		Title:    req.Title,
		RandomID: randomID,
	}
	if req.IconColor > 0 {
		r.SetIconColor(req.IconColor)
	}
	if req.IconEmojiID > 0 {
		r.SetIconEmojiID(req.IconEmojiID)
	}

	var updates tg.UpdatesClass
	err = c.writeRPC(ctx, func(ctx context.Context) error {
		var err error
		updates, err = c.api.ChannelsCreateForumTopic(ctx, r)
		return err
	})
	if err != nil {
		return 0, err
	}

	ids := newMessageIDs(updates)
	if len(ids) == 0 {
		return 0, &classed{class: gateway.ErrProtocol, cause: errors.New("created topic id is missing in response")}
	}
	return ids[0], nil
}
