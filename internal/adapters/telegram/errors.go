package telegram

import (
	"context"
	"io"
	rand "math/rand/v2"
	"net"
	"time"

	"spectra/internal/domain/gateway"
	"spectra/internal/infra/throttle"

	"github.com/go-faster/errors"
	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
	"github.com/gotd/td/tgerr"
)

// floodWaitJitterMax — верхняя граница случайной добавки к обязательному
// FLOOD_WAIT. Разносит повторы разных воркеров, чтобы они не входили в лимит
// Telegram одновременно.
const floodWaitJitterMax = 3

// classed связывает классифицирующий сентинел шлюза с исходной ошибкой RPC:
// errors.Is видит класс, Unwrap ведёт к оригиналу.
type classed struct {
	class error
	cause error
}

func (e *classed) Error() string        { return e.class.Error() + ": " + e.cause.Error() }
func (e *classed) Is(target error) bool { return target == e.class }
func (e *classed) Unwrap() error        { return e.cause }

// classifyError переводит ошибку MTProto в классифицированную ошибку шлюза.
// FLOOD_WAIT всегда превращается в *gateway.FloodWaitError, известные коды RPC
// получают сентинел, сбои транспорта считаются временными. Отмена контекста
// проходит как есть.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		seconds := int(wait / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		return &gateway.FloodWaitError{Seconds: seconds}
	}
	if rpcErr, ok := tgerr.As(err); ok {
		return &classed{class: rpcClass(rpcErr), cause: err}
	}
	if isNetworkError(err) {
		return &classed{class: gateway.ErrTransient, cause: err}
	}
	return err
}

// rpcClass сопоставляет тип и код RPC-ошибки сентинелу шлюза. Сначала
// известные типы, затем грубая классификация по коду.
func rpcClass(rpcErr *tgerr.Error) error {
	switch rpcErr.Type {
	case "CHANNEL_PRIVATE", "CHANNEL_INVALID", "CHAT_ID_INVALID":
		return gateway.ErrChannelPrivate
	case "CHAT_ADMIN_REQUIRED", "CHAT_WRITE_FORBIDDEN":
		return gateway.ErrAdminRequired
	case "USER_BANNED_IN_CHANNEL", "USER_DEACTIVATED", "USER_DEACTIVATED_BAN":
		return gateway.ErrUserBanned
	case "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED":
		return gateway.ErrAuthInvalid
	case "PEER_FLOOD":
		return gateway.ErrRateLimit
	case "TOPIC_CLOSED":
		return gateway.ErrTopicClosed
	case "TOPIC_DELETED":
		return gateway.ErrTopicDeleted
	case "MESSAGE_DELETE_FORBIDDEN":
		return gateway.ErrDeleteForbidden
	case "USERNAME_NOT_OCCUPIED", "USERNAME_INVALID", "PEER_ID_INVALID":
		return gateway.ErrEntityResolveFailed
	}

	switch {
	case rpcErr.Code == 401:
		return gateway.ErrAuthInvalid
	case rpcErr.Code == 403:
		return gateway.ErrAdminRequired
	case rpcErr.Code == 420:
		return gateway.ErrRateLimit
	case rpcErr.Code >= 500:
		return gateway.ErrTransient
	default:
		return gateway.ErrProtocol
	}
}

// isNetworkError распознаёт сбои транспорта, после которых повтор с тем же
// запросом имеет смысл. Отмена контекста сбоем не считается.
func isNetworkError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, pool.ErrConnDead) || errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// stopRetry помечает классифицированную ошибку как окончательную для ворот
// читающих вызовов: троттлер вернёт её без повторов.
type stopRetry struct{ error }

func (stopRetry) StopRetry() bool { return true }
func (e stopRetry) Unwrap() error { return e.error }

// gateOutcome готовит ошибку RPC к прохождению через ворота читающих вызовов:
// FLOOD_WAIT остаётся нетронутым (его поглотит WaitExtractor), временные сбои
// уходят на повтор, всё остальное завершает попытки немедленно.
func gateOutcome(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := tgerr.AsFloodWait(err); ok {
		return err
	}
	classified := classifyError(err)
	if errors.Is(classified, gateway.ErrTransient) {
		return classified
	}
	return stopRetry{classified}
}

// unwrapStopRetry снимает маркер stopRetry с ошибки, вернувшейся из ворот,
// чтобы домен видел уже классифицированное значение.
func unwrapStopRetry(err error) error {
	var sr stopRetry
	if errors.As(err, &sr) {
		return sr.error
	}
	return err
}

// floodWaitExtractor распознаёт FLOOD_WAIT и FLOOD_PREMIUM_WAIT и возвращает
// обязательную паузу с небольшим джиттером.
func floodWaitExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}
		return wait + time.Duration(rand.IntN(floodWaitJitterMax))*time.Second, true // #nosec G404
	}
}
