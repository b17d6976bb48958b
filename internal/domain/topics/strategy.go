package topics

import (
	"fmt"
	"strings"
	"time"

	"spectra/internal/domain/classify"
	"spectra/internal/domain/gateway"
)

// Стратегии именования топиков.
const (
	StrategyContentType   = "content_type"
	StrategyDateBased     = "date_based"
	StrategySourceChannel = "source_channel"
	StrategyFileExtension = "file_extension"
	StrategyCustomRules   = "custom_rules"
	StrategyHybrid        = "hybrid"
)

// Разрешённые Telegram цвета иконок топиков.
const (
	ColorBlue   = 0x6FB9F0
	ColorYellow = 0xFFD67E
	ColorPurple = 0xCB86DB
	ColorGreen  = 0x8EEE98
	ColorPink   = 0xFF93B2
	ColorRed    = 0xFB6F5F
)

// Candidate — желаемый топик: заголовок, цвет и категория для реестра.
type Candidate struct {
	Title     string
	IconColor int
	Category  string
}

// TitleRule — пользовательское правило именования: категория -> топик.
// Правила просматриваются раньше стратегии; побеждает наибольший Priority,
// при равенстве — порядок объявления.
type TitleRule struct {
	Category  string
	Title     string
	IconColor int
	Priority  int
}

// contentTopics — таблица топиков по категориям контента.
var contentTopics = map[string]Candidate{
	"photos":     {Title: "📸 Photos", IconColor: ColorBlue},
	"videos":     {Title: "🎬 Videos", IconColor: ColorRed},
	"documents":  {Title: "📄 Documents", IconColor: ColorYellow},
	"audio":      {Title: "🎵 Audio", IconColor: ColorPurple},
	"voice":      {Title: "🎤 Voice Messages", IconColor: ColorPurple},
	"animations": {Title: "🎞 GIFs", IconColor: ColorPink},
	"stickers":   {Title: "🎨 Stickers", IconColor: ColorGreen},
	"links":      {Title: "🔗 Links", IconColor: ColorBlue},
	"archives":   {Title: "📦 Archives", IconColor: ColorYellow},
	"ebooks":     {Title: "📚 Books", IconColor: ColorGreen},
	"software":   {Title: "💿 Software", IconColor: ColorRed},
	"torrents":   {Title: "🧲 Torrents", IconColor: ColorGreen},
	"text":       {Title: "💬 Text", IconColor: ColorBlue},
}

// candidateFor выбирает желаемый топик: сперва пользовательские правила,
// затем стратегия. Пустой заголовок не возвращается никогда: когда не из
// чего строить имя, кандидатом становится общий топик.
func (m *Manager) candidateFor(msg gateway.Message, meta classify.Result) Candidate {
	if c, ok := m.ruleCandidate(meta); ok {
		return c
	}
	switch m.cfg.Strategy {
	case StrategyDateBased:
		return dateCandidate(msg.Date.In(m.cfg.Location), m.cfg.DatePattern)
	case StrategySourceChannel:
		src := strings.TrimPrefix(meta.Extra["source"], "@")
		if src == "" {
			return m.generalCandidate()
		}
		return Candidate{Title: "📡 " + src, IconColor: ColorBlue, Category: "source:" + strings.ToLower(src)}
	case StrategyFileExtension:
		if meta.FileExt == "" {
			return m.generalCandidate()
		}
		ext := strings.ToUpper(strings.TrimPrefix(meta.FileExt, "."))
		return Candidate{
			Title:     fmt.Sprintf("📎 %s Files", ext),
			IconColor: ColorYellow,
			Category:  "ext:" + strings.ToLower(ext),
		}
	case StrategyCustomRules:
		// Правила уже просмотрены выше; раз сюда дошли — совпадений нет.
		return m.generalCandidate()
	case StrategyHybrid:
		if c, ok := contentTopics[meta.Category]; ok {
			c.Category = meta.Category
			return c
		}
		return dateCandidate(msg.Date.In(m.cfg.Location), m.cfg.DatePattern)
	default: // content_type
		if c, ok := contentTopics[meta.Category]; ok {
			c.Category = meta.Category
			return c
		}
		if meta.Category != "" {
			return Candidate{
				Title:     "📁 " + titleWord(meta.Category),
				IconColor: ColorYellow,
				Category:  meta.Category,
			}
		}
		return m.generalCandidate()
	}
}

// ruleCandidate ищет среди пользовательских правил лучшее совпадение по
// категории.
func (m *Manager) ruleCandidate(meta classify.Result) (Candidate, bool) {
	best := -1
	for i, r := range m.cfg.CustomRules {
		if !strings.EqualFold(r.Category, meta.Category) {
			continue
		}
		if best == -1 || r.Priority > m.cfg.CustomRules[best].Priority {
			best = i
		}
	}
	if best == -1 {
		return Candidate{}, false
	}
	r := m.cfg.CustomRules[best]
	color := r.IconColor
	if color == 0 {
		color = ColorBlue
	}
	return Candidate{Title: r.Title, IconColor: color, Category: meta.Category}, true
}

func (m *Manager) generalCandidate() Candidate {
	title := m.cfg.GeneralTopicTitle
	if title == "" {
		title = DefaultGeneralTitle
	}
	return Candidate{Title: title, IconColor: ColorBlue, Category: "general"}
}

// dateCandidate — топик календарного среза.
func dateCandidate(at time.Time, pattern string) Candidate {
	switch pattern {
	case "weekly":
		year, week := at.ISOWeek()
		return Candidate{
			Title:     fmt.Sprintf("%d-W%02d - Weekly Archive", year, week),
			IconColor: ColorGreen,
			Category:  "date:weekly",
		}
	case "monthly":
		return Candidate{
			Title:     at.Format("January 2006") + " - Monthly Archive",
			IconColor: ColorGreen,
			Category:  "date:monthly",
		}
	default: // daily
		return Candidate{
			Title:     at.Format("2006-01-02") + " - Daily Archive",
			IconColor: ColorGreen,
			Category:  "date:daily",
		}
	}
}

func titleWord(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return strings.ToUpper(string(r[0])) + string(r[1:])
}
