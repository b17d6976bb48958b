package forwarder

import (
	"strconv"
	"strings"
	"time"

	"spectra/internal/domain/gateway"
	"spectra/internal/infra/config"
	"spectra/internal/infra/timeutil"
)

// renderAttribution подставляет реквизиты сообщения в шаблон заголовка.
// Метка времени форматируется strftime-шаблоном конфига в таймзоне
// приложения.
func renderAttribution(cfg config.AttributionConfig, origin gateway.Entity, msg gateway.Message, loc *time.Location) string {
	layout := timeutil.StrftimeLayout(cfg.TimestampFormat)
	r := strings.NewReplacer(
		"{source_channel_name}", entityLabel(origin),
		"{source_channel_id}", strconv.FormatInt(origin.ID, 10),
		"{sender_name}", senderLabel(msg),
		"{sender_id}", strconv.FormatInt(msg.SenderID, 10),
		"{timestamp}", msg.Date.In(loc).Format(layout),
		"{message_id}", strconv.Itoa(msg.ID),
	)
	return r.Replace(cfg.Template)
}

// entityLabel — человекочитаемая подпись сущности: заголовок, @username
// или числовой id.
func entityLabel(e gateway.Entity) string {
	switch {
	case e.Title != "":
		return e.Title
	case e.Username != "":
		return "@" + e.Username
	default:
		return strconv.FormatInt(e.ID, 10)
	}
}

func senderLabel(msg gateway.Message) string {
	if msg.SenderName != "" {
		return msg.SenderName
	}
	if msg.SenderID != 0 {
		return strconv.FormatInt(msg.SenderID, 10)
	}
	return "unknown"
}
