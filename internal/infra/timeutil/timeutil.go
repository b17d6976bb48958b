// Пакет timeutil содержит служебные функции для работы со временем:
// парсинг таймзон, преобразование strftime-шаблонов в layout Go,
// контекстно-отменяемые ожидания и форматирование объёмов данных.
package timeutil

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ParseLocation разбирает либо IANA‑таймзону (например, "Europe/Moscow"),
// либо UTC‑смещение (например, "+03:00", "-0700", "UTC+3", "GMT-04:30").
// Возвращает *time.Location или ошибку.
func ParseLocation(value string) (*time.Location, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, errors.New("empty timezone")
	}
	// Try IANA first.
	if loc, err := time.LoadLocation(v); err == nil {
		return loc, nil
	}
	// Try to parse UTC offset forms.
	if loc, ok := ParseUTCOffsetToLocation(v); ok {
		return loc, nil
	}
	return nil, fmt.Errorf("invalid timezone %q: not an IANA name or UTC offset", value)
}

// ParseUTCOffsetToLocation парсит строки вида "+03:00", "-0700", "UTC+3", "GMT-04:30" или "Z".
// Возвращает фиксированную таймзону и ok=true при успешном разборе.
func ParseUTCOffsetToLocation(value string) (*time.Location, bool) {
	v := strings.TrimSpace(strings.ToUpper(value))
	if v == "Z" || v == "UTC" || v == "GMT" {
		return time.FixedZone("UTC+00:00", 0), true
	}
	// Normalize optional UTC/GMT prefix
	v = strings.TrimPrefix(v, "UTC")
	v = strings.TrimPrefix(v, "GMT")
	v = strings.TrimSpace(v)
	// Patterns: +HH, -HH, +HHMM, -HHMM, +HH:MM, -HH:MM
	re := regexp.MustCompile(`^([+-])\s*(\d{1,2})(?::?(\d{2}))?$`)
	m := re.FindStringSubmatch(v)
	if m == nil {
		return nil, false
	}
	sign := 1
	if m[1] == "-" {
		sign = -1
	}
	hours, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, false
	}
	mins := 0
	if m[3] != "" {
		var err2 error
		mins, err2 = strconv.Atoi(m[3])
		if err2 != nil {
			return nil, false
		}
	}
	if hours < 0 || hours > 14 || mins < 0 || mins > 59 {
		return nil, false
	}
	const (
		secInHour = 60 * 60
		secInMin  = 60
	)
	offset := sign * ((hours * secInHour) + (mins * secInMin))
	name := fmt.Sprintf("UTC%+03d:%02d", sign*hours, mins)
	return time.FixedZone(name, offset), true
}

// strftimeTable сопоставляет директивы strftime эквивалентам layout Go.
// Покрыт практический минимум: даты, время, имена месяцев/дней, %% как литерал.
var strftimeTable = map[byte]string{
	'Y': "2006",
	'y': "06",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'b': "Jan",
	'B': "January",
	'a': "Mon",
	'A': "Monday",
	'p': "PM",
	'I': "03",
	'z': "-0700",
	'Z': "MST",
}

// StrftimeLayout конвертирует строку формата в стиле strftime ("%Y-%m-%d %H:%M:%S")
// в layout Go. Неизвестные директивы переносятся как есть (без знака процента),
// "%%" становится литеральным процентом. Пустой вход даёт layout "2006-01-02 15:04:05".
func StrftimeLayout(format string) string {
	if format == "" {
		return "2006-01-02 15:04:05"
	}
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			b.WriteByte(c)
			continue
		}
		i++
		d := format[i]
		if d == '%' {
			b.WriteByte('%')
			continue
		}
		if layout, ok := strftimeTable[d]; ok {
			b.WriteString(layout)
			continue
		}
		b.WriteByte(d)
	}
	return b.String()
}

// Sleep блокирует горутину на d с уважением к отмене контекста.
// Возвращает ошибку контекста, если тот отменился раньше таймера.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		// Осушаем канал, чтобы сработавший таймер не протёк в чужой select.
		if !timer.Stop() {
			<-timer.C
		}
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SleepRandomMs блокирует горутину на случайный интервал из [minMs, maxMs).
// Если minMs==maxMs — ждём ровно это значение; при некорректных границах не ждём вовсе.
// Используется для пейсинга отправок, чтобы серии не выглядели машинными.
func SleepRandomMs(ctx context.Context, minMs, maxMs int) error {
	if minMs <= 0 || maxMs < minMs {
		return ctx.Err()
	}
	delta := minMs
	if maxMs > minMs {
		delta = rand.IntN(maxMs-minMs) + minMs // #nosec G404
	}
	return Sleep(ctx, time.Duration(delta)*time.Millisecond)
}

// ByteCountIEC форматирует количество байт в человекочитаемые единицы IEC (KiB, MiB, ...).
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// DateKey возвращает дату t в виде "YYYY-MM-DD" — ключ суточной статистики.
func DateKey(t time.Time) string {
	return t.Format("2006-01-02")
}
