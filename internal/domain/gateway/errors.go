package gateway

import (
	"fmt"

	"github.com/go-faster/errors"
)

// Классифицированные ошибки шлюза. Адаптер переводит коды MTProto в эти
// значения, чтобы домен принимал решения без разбора строк.
var (
	// ErrChannelPrivate — канал приватный или аккаунт из него исключён.
	ErrChannelPrivate = errors.New("channel is private")
	// ErrAdminRequired — операция требует прав администратора.
	ErrAdminRequired = errors.New("admin rights required")
	// ErrUserBanned — аккаунт забанен в канале или деактивирован.
	ErrUserBanned = errors.New("user banned in channel")
	// ErrAuthInvalid — сессия отозвана либо ключ авторизации недействителен.
	ErrAuthInvalid = errors.New("authorization invalid")
	// ErrRateLimit — сервер ограничил частоту запросов (PEER_FLOOD и родня).
	ErrRateLimit = errors.New("rate limited")
	// ErrProtocol — неустранимая ошибка уровня протокола (bad request).
	ErrProtocol = errors.New("protocol error")
	// ErrTransient — временный сбой: сеть, таймаут вызова, внутренние 5xx.
	// Повтор с тем же запросом имеет смысл.
	ErrTransient = errors.New("transient error")
	// ErrTopicExists — топик с таким заголовком уже есть.
	ErrTopicExists = errors.New("topic already exists")
	// ErrTopicClosed — топик закрыт для записи.
	ErrTopicClosed = errors.New("topic closed")
	// ErrTopicDeleted — топик удалён.
	ErrTopicDeleted = errors.New("topic deleted")
	// ErrDeleteForbidden — нет прав на удаление сообщения.
	ErrDeleteForbidden = errors.New("delete forbidden")
	// ErrEntityResolveFailed — ссылка не разрешилась ни одним способом.
	ErrEntityResolveFailed = errors.New("entity resolve failed")
)

// FloodWaitError — сервер велел подождать Seconds секунд. Всегда
// возвращается типизированным значением: вызывающий решает, спать или
// переключать аккаунт, не разбирая текст ошибки.
type FloodWaitError struct {
	Seconds int
}

func (e *FloodWaitError) Error() string {
	return fmt.Sprintf("flood wait: %d seconds", e.Seconds)
}

// AsFloodWait извлекает длительность ожидания из цепочки ошибок.
func AsFloodWait(err error) (int, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Seconds, true
	}
	return 0, false
}
