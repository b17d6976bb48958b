// Package grouping — сборка сообщений в группы пересылки. Группа — атом
// доставки и дедупликации: многотомный архив уходит получателю целиком
// либо не уходит вовсе. Стратегии чистые, без ввода-вывода.
package grouping

import (
	"sort"
	"strings"
	"time"

	"spectra/internal/domain/gateway"
)

// Strategy — способ сборки групп.
type Strategy string

const (
	// StrategyNone — каждое сообщение отдельной группой.
	StrategyNone Strategy = "none"
	// StrategyTime — подряд идущие сообщения одного отправителя в окне.
	StrategyTime Strategy = "time"
	// StrategyFilename — многотомники по общей основе имени файла.
	StrategyFilename Strategy = "filename"
)

// DefaultWindow — окно time-стратегии по умолчанию.
const DefaultWindow = 5 * time.Minute

// Config — параметры группировки.
type Config struct {
	Strategy Strategy
	Window   time.Duration // только для StrategyTime; <=0 — DefaultWindow
}

// Group разбивает сообщения на группы согласно стратегии. Порядок групп —
// по минимальному id внутри группы; неизвестная стратегия ведёт себя
// как none.
func Group(msgs []gateway.Message, cfg Config) [][]gateway.Message {
	switch cfg.Strategy {
	case StrategyTime:
		window := cfg.Window
		if window <= 0 {
			window = DefaultWindow
		}
		return groupByTime(msgs, window)
	case StrategyFilename:
		return groupByFilename(msgs)
	default:
		return groupNone(msgs)
	}
}

func groupNone(msgs []gateway.Message) [][]gateway.Message {
	out := make([][]gateway.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, []gateway.Message{m})
	}
	return out
}

// groupByTime сортирует по (дата, id) и клеит подряд идущие сообщения
// одного отправителя, пока зазор между соседями не превышает окно.
func groupByTime(msgs []gateway.Message, window time.Duration) [][]gateway.Message {
	sorted := make([]gateway.Message, len(msgs))
	copy(sorted, msgs)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].ID < sorted[j].ID
	})

	var out [][]gateway.Message
	for _, m := range sorted {
		if n := len(out); n > 0 {
			last := out[n-1]
			prev := last[len(last)-1]
			if m.SenderID == prev.SenderID && m.Date.Sub(prev.Date) <= window {
				out[n-1] = append(last, m)
				continue
			}
		}
		out = append(out, []gateway.Message{m})
	}
	return out
}

type fileKey struct {
	sender int64
	base   string
	ext    string
}

type fileMember struct {
	msg  gateway.Message
	part int
}

// groupByFilename складывает файлы в корзины по (отправитель, основа,
// расширение); корзина из двух и более участников — многотомник,
// упорядоченный по номеру части, затем по id. Остальное — поодиночке.
func groupByFilename(msgs []gateway.Message) [][]gateway.Message {
	var (
		order   []fileKey
		buckets = map[fileKey][]fileMember{}
		singles [][]gateway.Message
	)
	for _, m := range msgs {
		if m.File == nil || m.File.Name == "" {
			singles = append(singles, []gateway.Message{m})
			continue
		}
		p := ParseFilename(m.File.Name)
		k := fileKey{
			sender: m.SenderID,
			base:   strings.ToLower(p.Base),
			ext:    strings.ToLower(p.Ext),
		}
		if _, seen := buckets[k]; !seen {
			order = append(order, k)
		}
		buckets[k] = append(buckets[k], fileMember{msg: m, part: p.Part})
	}

	var out [][]gateway.Message
	for _, k := range order {
		members := buckets[k]
		sort.Slice(members, func(i, j int) bool {
			if members[i].part != members[j].part {
				return members[i].part < members[j].part
			}
			return members[i].msg.ID < members[j].msg.ID
		})
		group := make([]gateway.Message, 0, len(members))
		for _, fm := range members {
			group = append(group, fm.msg)
		}
		out = append(out, group)
	}
	out = append(out, singles...)

	sort.Slice(out, func(i, j int) bool { return minID(out[i]) < minID(out[j]) })
	return out
}

func minID(group []gateway.Message) int {
	m := group[0].ID
	for _, msg := range group[1:] {
		if msg.ID < m {
			m = msg.ID
		}
	}
	return m
}
