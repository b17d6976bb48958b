package gateway

import "context"

// FetchPage выбирает очередную страницу сообщений. Пустая страница без
// ошибки означает конец истории. Смещения и лимиты хранит замыкание.
type FetchPage func(ctx context.Context) ([]Message, error)

// MessageIter — ленивый одноразовый итератор по истории. Страницы
// запрашиваются по мере продвижения, так что обход миллионных каналов не
// держит историю в памяти.
//
//	it := gw.IterMessages(ctx, ch, opts)
//	for it.Next(ctx) {
//	    handle(it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type MessageIter struct {
	fetch FetchPage
	buf   []Message
	cur   Message
	err   error
	done  bool
}

// NewMessageIter оборачивает постраничную выборку в итератор.
func NewMessageIter(fetch FetchPage) *MessageIter {
	return &MessageIter{fetch: fetch}
}

// Next продвигает итератор. false — история кончилась или случилась ошибка;
// различать по Err.
func (it *MessageIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	for len(it.buf) == 0 {
		if it.done {
			return false
		}
		if err := ctx.Err(); err != nil {
			it.err = err
			return false
		}
		page, err := it.fetch(ctx)
		if err != nil {
			it.err = err
			return false
		}
		if len(page) == 0 {
			it.done = true
			return false
		}
		it.buf = page
	}
	it.cur = it.buf[0]
	it.buf = it.buf[1:]
	return true
}

// Value — текущее сообщение. Валидно только после успешного Next.
func (it *MessageIter) Value() Message { return it.cur }

// Err — первая ошибка обхода, включая отмену контекста.
func (it *MessageIter) Err() error { return it.err }

// Collect вычитывает итератор до конца. Удобно для небольших выборок и
// тестов; для массового архивирования пользуйтесь Next.
func (it *MessageIter) Collect(ctx context.Context) ([]Message, error) {
	var out []Message
	for it.Next(ctx) {
		out = append(out, it.Value())
	}
	return out, it.Err()
}
