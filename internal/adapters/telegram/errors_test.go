package telegram

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"spectra/internal/domain/gateway"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tgerr"
)

func TestClassifyErrorFloodWait(t *testing.T) {
	t.Parallel()

	got := classifyError(tgerr.New(420, "FLOOD_WAIT_7"))
	if seconds, ok := gateway.AsFloodWait(got); !ok || seconds != 7 {
		t.Fatalf("classifyError(FLOOD_WAIT_7) = %v, want 7 seconds", got)
	}

	// Нулевое ожидание округляется вверх до секунды.
	got = classifyError(tgerr.New(420, "FLOOD_WAIT_0"))
	if seconds, ok := gateway.AsFloodWait(got); !ok || seconds != 1 {
		t.Fatalf("classifyError(FLOOD_WAIT_0) = %v, want 1 second", got)
	}
}

func TestClassifyErrorRPCTypes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		code int
		typ  string
		want error
	}{
		{"channelPrivate", 400, "CHANNEL_PRIVATE", gateway.ErrChannelPrivate},
		{"adminRequired", 400, "CHAT_ADMIN_REQUIRED", gateway.ErrAdminRequired},
		{"userBanned", 400, "USER_BANNED_IN_CHANNEL", gateway.ErrUserBanned},
		{"authKey", 401, "AUTH_KEY_UNREGISTERED", gateway.ErrAuthInvalid},
		{"sessionRevoked", 401, "SESSION_REVOKED", gateway.ErrAuthInvalid},
		{"peerFlood", 400, "PEER_FLOOD", gateway.ErrRateLimit},
		{"topicClosed", 400, "TOPIC_CLOSED", gateway.ErrTopicClosed},
		{"topicDeleted", 400, "TOPIC_DELETED", gateway.ErrTopicDeleted},
		{"deleteForbidden", 403, "MESSAGE_DELETE_FORBIDDEN", gateway.ErrDeleteForbidden},
		{"usernameFree", 400, "USERNAME_NOT_OCCUPIED", gateway.ErrEntityResolveFailed},
		{"code401Fallback", 401, "SOMETHING_UNSEEN", gateway.ErrAuthInvalid},
		{"code403Fallback", 403, "SOMETHING_UNSEEN", gateway.ErrAdminRequired},
		{"code500Fallback", 500, "INTERNAL", gateway.ErrTransient},
		{"code400Fallback", 400, "SOMETHING_UNSEEN", gateway.ErrProtocol},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			origin := tgerr.New(tc.code, tc.typ)
			got := classifyError(origin)
			if !errors.Is(got, tc.want) {
				t.Fatalf("classifyError(%s) = %v, want %v", tc.typ, got, tc.want)
			}
			// Исходная RPC-ошибка остаётся доступной через цепочку.
			if _, ok := tgerr.As(got); !ok {
				t.Fatalf("classifyError(%s) lost the rpc cause", tc.typ)
			}
		})
	}
}

func TestClassifyErrorTransport(t *testing.T) {
	t.Parallel()

	if got := classifyError(io.EOF); !errors.Is(got, gateway.ErrTransient) {
		t.Fatalf("classifyError(EOF) = %v, want transient", got)
	}
	opErr := &net.OpError{Op: "read", Err: io.ErrUnexpectedEOF}
	if got := classifyError(opErr); !errors.Is(got, gateway.ErrTransient) {
		t.Fatalf("classifyError(net.OpError) = %v, want transient", got)
	}

	canceled := errors.Wrap(context.Canceled, "rpc")
	if got := classifyError(canceled); got != canceled {
		t.Fatalf("classifyError(canceled) = %v, want passthrough", got)
	}

	plain := errors.New("plain")
	if got := classifyError(plain); got != plain {
		t.Fatalf("classifyError(plain) = %v, want passthrough", got)
	}
	if classifyError(nil) != nil {
		t.Fatalf("classifyError(nil) != nil")
	}
}

func TestGateOutcome(t *testing.T) {
	t.Parallel()

	if gateOutcome(nil) != nil {
		t.Fatalf("gateOutcome(nil) != nil")
	}

	// FLOOD_WAIT уходит в ворота нетронутым — его обработает WaitExtractor.
	flood := tgerr.New(420, "FLOOD_WAIT_5")
	if got := gateOutcome(flood); got != error(flood) {
		t.Fatalf("gateOutcome(flood) = %v, want raw error", got)
	}

	var sr stopRetry

	got := gateOutcome(io.EOF)
	if !errors.Is(got, gateway.ErrTransient) {
		t.Fatalf("gateOutcome(EOF) = %v, want transient", got)
	}
	if errors.As(got, &sr) {
		t.Fatalf("transient error is marked stopRetry")
	}

	got = gateOutcome(tgerr.New(400, "CHANNEL_PRIVATE"))
	if !errors.As(got, &sr) || !sr.StopRetry() {
		t.Fatalf("gateOutcome(permanent) = %v, want stopRetry", got)
	}
	unwrapped := unwrapStopRetry(got)
	if !errors.Is(unwrapped, gateway.ErrChannelPrivate) {
		t.Fatalf("unwrapStopRetry() = %v, want channel private", unwrapped)
	}

	plain := errors.New("plain")
	if unwrapStopRetry(plain) != plain {
		t.Fatalf("unwrapStopRetry(plain) changed the error")
	}
}

func TestFloodWaitExtractor(t *testing.T) {
	t.Parallel()

	extract := floodWaitExtractor()

	wait, ok := extract(tgerr.New(420, "FLOOD_WAIT_4"))
	if !ok {
		t.Fatalf("extract(FLOOD_WAIT_4) = false, want true")
	}
	if wait < 4*time.Second || wait >= 4*time.Second+time.Duration(floodWaitJitterMax)*time.Second {
		t.Fatalf("wait = %v, want [4s, 4s+jitter)", wait)
	}

	if _, ok := extract(io.EOF); ok {
		t.Fatalf("extract(EOF) = true, want false")
	}
	if _, ok := extract(nil); ok {
		t.Fatalf("extract(nil) = true, want false")
	}
}

func TestIsNetworkError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"deadline", context.DeadlineExceeded, true},
		{"netOpError", &net.OpError{Op: "read", Err: io.ErrUnexpectedEOF}, true},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("plain"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := isNetworkError(tc.err); got != tc.want {
			t.Fatalf("%s: isNetworkError() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
