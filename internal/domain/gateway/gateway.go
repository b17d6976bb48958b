// Package gateway — доменный порт доступа к Telegram. Компоненты ядра
// (форвардер, органайзер, индексатор, планировщик) программируют против
// этого интерфейса и не знают ничего про MTProto: реализация живёт в
// internal/adapters/telegram, а в тестах подменяется фейком.
package gateway

import "context"

// Gateway — набор операций над одним Telegram-аккаунтом. Все вызовы
// блокирующие и уважают контекст; ошибки классифицированы (см. errors.go),
// FloodWait всегда приходит типизированным значением.
type Gateway interface {
	// ResolveEntity находит сущность по @username, ссылке t.me, числовому id
	// или алиасу "me"/"self". Неразрешимая ссылка — ErrEntityResolveFailed.
	ResolveEntity(ctx context.Context, ref string) (Entity, error)

	// ListDialogs возвращает все диалоги аккаунта (каналы, чаты, пользователи).
	ListDialogs(ctx context.Context) ([]Entity, error)

	// IterMessages отдаёт ленивый одноразовый итератор по истории сущности.
	// Порядок и границы задаются IterOptions.
	IterMessages(ctx context.Context, entity Entity, opts IterOptions) *MessageIter

	// GetMessages выбирает конкретные сообщения по id. Отсутствующие id
	// молча пропускаются: len(result) может быть меньше len(ids).
	GetMessages(ctx context.Context, entity Entity, ids []int) ([]Message, error)

	// SendMessage отправляет текст или локальный файл с подписью.
	SendMessage(ctx context.Context, dest Entity, req SendRequest) (MessageRef, error)

	// ForwardMessages пересылает пачку сообщений одним вызовом. topicID > 0
	// направляет пересылку в топик форума получателя.
	ForwardMessages(ctx context.Context, dest, from Entity, ids []int, topicID int) ([]MessageRef, error)

	// DeleteMessages удаляет сообщения у получателя (для всех участников).
	DeleteMessages(ctx context.Context, entity Entity, ids []int) error

	// DownloadMedia скачивает вложение сообщения в локальный файл и
	// возвращает число записанных байт.
	DownloadMedia(ctx context.Context, msg Message, toPath string) (int64, error)

	// ListForumTopics возвращает страницу топиков форума. Нулевой курсор —
	// первая страница; нулевой next-курсор — страниц больше нет.
	ListForumTopics(ctx context.Context, channel Entity, cursor TopicCursor) ([]Topic, TopicCursor, error)

	// CreateForumTopic создаёт топик и возвращает его id (id сервисного
	// сообщения о создании).
	CreateForumTopic(ctx context.Context, channel Entity, req TopicRequest) (int, error)

	// Self возвращает собственный аккаунт (цель для Saved Messages).
	Self(ctx context.Context) (Entity, error)
}

// Provider выдаёт Gateway, привязанный к конкретному аккаунту из пула.
// Реализуется хабом клиентов в internal/adapters/telegram.
type Provider interface {
	Gateway(account string) (Gateway, error)
}
