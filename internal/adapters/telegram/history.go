package telegram

import (
	"context"

	"spectra/internal/domain/gateway"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
)

const (
	historyPageLimit = 100
	getMessagesChunk = 100
)

// historyState — состояние постраничного обхода истории, живущее в замыкании
// итератора. Границы: выдаются только id > MinID и id < MaxID.
//
// Восходящий обход строится на оконной арифметике messages.getHistory:
// запрос (OffsetID=X+1, AddOffset=-N, Limit=N) возвращает N сообщений с
// id > X — следующую восходящую страницу, в убывающем порядке внутри ответа.
// У верха истории окно прижимается и может захватить id <= X: такие
// отрезаются фильтром, а прижатие означает конец обхода.
type historyState struct {
	c      *Client
	entity gateway.Entity
	opts   gateway.IterOptions

	input  tg.InputPeerClass
	cursor int
	served int
	done   bool
}

// IterMessages отдаёт ленивый одноразовый итератор по истории сущности.
// Сетевых вызовов до первого Next не делает.
func (c *Client) IterMessages(_ context.Context, entity gateway.Entity, opts gateway.IterOptions) *gateway.MessageIter {
	st := &historyState{c: c, entity: entity, opts: opts}
	if st.opts.PageSize <= 0 || st.opts.PageSize > historyPageLimit {
		st.opts.PageSize = historyPageLimit
	}
	if st.opts.Reverse {
		st.cursor = st.opts.MinID
	} else {
		st.cursor = st.opts.MaxID
	}
	return gateway.NewMessageIter(st.fetchPage)
}

// fetchPage выдаёт очередную непустую страницу. Окна, целиком съеденные
// фильтрами (MediaOnly, границы), пропускаются внутри: пустой результат
// означает только конец истории.
func (st *historyState) fetchPage(ctx context.Context) ([]gateway.Message, error) {
	if err := st.ensureInput(ctx); err != nil {
		return nil, err
	}
	for {
		if st.done {
			return nil, nil
		}
		if st.opts.Limit > 0 && st.served >= st.opts.Limit {
			return nil, nil
		}
		page, err := st.fetchWindow(ctx)
		if err != nil {
			return nil, err
		}
		if len(page) > 0 {
			st.served += len(page)
			return page, nil
		}
	}
}

func (st *historyState) ensureInput(ctx context.Context) error {
	if st.input != nil {
		return nil
	}
	input, err := st.c.peers.inputPeer(ctx, st.entity)
	if err != nil {
		return err
	}
	st.input = input
	return nil
}

// fetchWindow делает один RPC и фильтрует окно. Может пометить done.
func (st *historyState) fetchWindow(ctx context.Context) ([]gateway.Message, error) {
	limit := st.windowLimit()

	var (
		raw  []tg.MessageClass
		ents *pageEntities
		err  error
	)
	if st.opts.Reverse {
		raw, ents, err = st.fetchRaw(ctx, st.cursor+1, -limit, limit)
	} else {
		raw, ents, err = st.fetchRaw(ctx, st.cursor, 0, limit)
	}
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		st.done = true
		return nil, nil
	}
	if len(raw) < limit {
		st.done = true
	}

	if st.opts.Reverse {
		return st.collectAscending(raw, ents), nil
	}
	return st.collectDescending(raw, ents), nil
}

// windowLimit подрезает размер окна под остаток Limit.
func (st *historyState) windowLimit() int {
	limit := st.opts.PageSize
	if st.opts.Limit > 0 {
		if rest := st.opts.Limit - st.served; rest < limit {
			limit = rest
		}
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// fetchRaw выполняет запрос истории либо ответов топика с одинаковой оконной
// арифметикой.
func (st *historyState) fetchRaw(ctx context.Context, offsetID, addOffset, limit int) ([]tg.MessageClass, *pageEntities, error) {
	var resp tg.MessagesMessagesClass
	err := st.c.readRPC(ctx, func(ctx context.Context) error {
		var err error
		if st.opts.TopicID > 0 {
			resp, err = st.c.api.MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
				Peer:      st.input,
				MsgID:     st.opts.TopicID,
				OffsetID:  offsetID,
				AddOffset: addOffset,
				Limit:     limit,
			})
		} else {
			resp, err = st.c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
				Peer:      st.input,
				OffsetID:  offsetID,
				AddOffset: addOffset,
				Limit:     limit,
			})
		}
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return normalizeHistory(resp)
}

// collectAscending обращает окно (ответ убывает по id) и двигает курсор
// вверх. Вход id <= курсора означает прижатое к верху истории окно: всё, что
// выше, уже внутри, после этого окна обход закончен.
func (st *historyState) collectAscending(raw []tg.MessageClass, ents *pageEntities) []gateway.Message {
	start := st.cursor
	out := make([]gateway.Message, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		id, msg := splitMessage(raw[i])
		if id == 0 {
			continue
		}
		if id <= start {
			st.done = true
			continue
		}
		if id > st.cursor {
			st.cursor = id
		}
		if st.opts.MaxID > 0 && id >= st.opts.MaxID {
			st.done = true
			continue
		}
		if msg == nil {
			continue
		}
		m := convertMessage(msg, ents)
		if st.opts.MediaOnly && !m.HasFile() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// collectDescending двигает курсор вниз; достижение MinID завершает обход.
func (st *historyState) collectDescending(raw []tg.MessageClass, ents *pageEntities) []gateway.Message {
	out := make([]gateway.Message, 0, len(raw))
	for _, mc := range raw {
		id, msg := splitMessage(mc)
		if id == 0 {
			continue
		}
		if st.cursor == 0 || id < st.cursor {
			st.cursor = id
		}
		if st.opts.MinID > 0 && id <= st.opts.MinID {
			st.done = true
			continue
		}
		if st.opts.MaxID > 0 && id >= st.opts.MaxID {
			continue
		}
		if msg == nil {
			continue
		}
		m := convertMessage(msg, ents)
		if st.opts.MediaOnly && !m.HasFile() {
			continue
		}
		out = append(out, m)
	}
	return out
}

// splitMessage достаёт id для арифметики курсора; содержимое возвращается
// только для обычных сообщений, сервисные и пустые дают nil.
func splitMessage(mc tg.MessageClass) (int, *tg.Message) {
	switch v := mc.(type) {
	case *tg.Message:
		return v.ID, v
	case *tg.MessageService:
		return v.ID, nil
	case *tg.MessageEmpty:
		return v.ID, nil
	}
	return 0, nil
}

func normalizeHistory(resp tg.MessagesMessagesClass) ([]tg.MessageClass, *pageEntities, error) {
	switch data := resp.(type) {
	case *tg.MessagesMessages:
		return data.Messages, collectEntities(data.Users, data.Chats), nil
	case *tg.MessagesMessagesSlice:
		return data.Messages, collectEntities(data.Users, data.Chats), nil
	case *tg.MessagesChannelMessages:
		return data.Messages, collectEntities(data.Users, data.Chats), nil
	case *tg.MessagesMessagesNotModified:
		return nil, nil, nil
	default:
		return nil, nil, errors.Errorf("unexpected history response: %T", resp)
	}
}

// GetMessages выбирает конкретные сообщения по id. Отсутствующие id
// пропускаются без ошибки.
func (c *Client) GetMessages(ctx context.Context, entity gateway.Entity, ids []int) ([]gateway.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := make([]gateway.Message, 0, len(ids))
	for start := 0; start < len(ids); start += getMessagesChunk {
		end := min(start+getMessagesChunk, len(ids))
		page, err := c.getMessagesChunk(ctx, entity, ids[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
	}
	return out, nil
}

func (c *Client) getMessagesChunk(ctx context.Context, entity gateway.Entity, ids []int) ([]gateway.Message, error) {
	inputIDs := make([]tg.InputMessageClass, 0, len(ids))
	for _, id := range ids {
		inputIDs = append(inputIDs, &tg.InputMessageID{ID: id})
	}

	var (
		raw  []tg.MessageClass
		ents *pageEntities
	)
	err := c.readRPC(ctx, func(ctx context.Context) error {
		var (
			resp tg.MessagesMessagesClass
			err  error
		)
		if entity.Kind == gateway.KindChannel {
			channel, chErr := c.peers.inputChannel(ctx, entity.ID)
			if chErr != nil {
				return chErr
			}
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
		raw, ents, err = normalizeHistory(resp)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]gateway.Message, 0, len(raw))
	for _, mc := range raw {
		if msg, ok := mc.(*tg.Message); ok {
			out = append(out, convertMessage(msg, ents))
		}
	}
	return out, nil
}
