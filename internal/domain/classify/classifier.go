// Package classify — классификация контента сообщений. Конвейер правил
// определяет категорию и уверенность; результат ложится в метаданные и
// управляет выбором топика. Классификация детерминированная: одинаковый
// вход всегда даёт одинаковый результат.
package classify

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/go-faster/errors"

	"spectra/internal/domain/gateway"
)

// Strategy — способ сопоставления правила.
type Strategy string

const (
	RuleMediaType     Strategy = "media_type"
	RuleFileExtension Strategy = "file_extension"
	RuleSizeBased     Strategy = "size_based"
	RulePattern       Strategy = "pattern_matching"
	RuleSourceBased   Strategy = "source_based"

	// Точки расширения: валидные стратегии, пока не дающие совпадений.
	RuleContentAnalysis  Strategy = "content_analysis"
	RuleMLClassification Strategy = "ml_classification"
)

// Rule — одно правило классификации. Pattern трактуется по стратегии:
// тип медиа, имя группы расширений, имя паттерна из фиксированной таблицы
// либо имя канала-источника. Размеры — только для size_based (MaxSize 0 —
// без верхней границы).
type Rule struct {
	Name        string
	Strategy    Strategy
	Pattern     string
	Category    string
	Subcategory string
	Priority    int
	MinSize     int64
	MaxSize     int64
}

// Input — сообщение плюс контекст происхождения.
type Input struct {
	Message gateway.Message
	Source  string // заголовок или @username канала-источника
}

// Result — итог классификации.
type Result struct {
	ContentType string
	Category    string
	Subcategory string
	FileExt     string
	FileSize    int64
	MIME        string
	Duration    int
	Width       int
	Height      int
	Keywords    []string
	Confidence  float64
	Extra       map[string]string
}

// Classifier — скомпилированный конвейер правил.
type Classifier struct {
	rules    []Rule
	patterns map[string]*regexp.Regexp // имя правила -> regex из таблицы
}

// New проверяет и упорядочивает правила. Правила применяются в порядке
// убывания приоритета; при равенстве — в порядке объявления.
func New(rules []Rule) (*Classifier, error) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	patterns := map[string]*regexp.Regexp{}
	for _, r := range sorted {
		switch r.Strategy {
		case RulePattern:
			re, ok := namedPatterns[r.Pattern]
			if !ok {
				return nil, errors.Errorf("rule %q: unknown pattern %q", r.Name, r.Pattern)
			}
			patterns[r.Name] = re
		case RuleFileExtension:
			if !knownExtensionGroup(r.Pattern) {
				return nil, errors.Errorf("rule %q: unknown extension group %q", r.Name, r.Pattern)
			}
		}
	}
	return &Classifier{rules: sorted, patterns: patterns}, nil
}

// Default — классификатор со встроенным набором правил.
func Default() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		// Встроенные правила проверяются тестами; сюда попадает только
		// сломанная правка таблицы.
		panic(err)
	}
	return c
}

// ContentTypeOf — тип контента сообщения по его вложению.
func ContentTypeOf(m gateway.Message) string {
	switch {
	case m.Media != nil:
		return string(m.Media.Kind)
	case m.File != nil:
		return string(gateway.MediaDocument)
	case strings.TrimSpace(m.Text) != "":
		return "text"
	default:
		return "unknown"
	}
}

// Classify прогоняет сообщение через конвейер. Каждое сработавшее правило
// прибавляет 0.1 к уверенности (потолок 1.0); категорию определяет самое
// приоритетное из сработавших. Без совпадений категория равна типу контента.
func (c *Classifier) Classify(in Input) Result {
	m := in.Message
	res := Result{
		ContentType: ContentTypeOf(m),
		Keywords:    extractKeywords(m),
		Extra:       map[string]string{},
	}
	if m.File != nil {
		res.FileSize = m.File.Size
		res.MIME = m.File.MIME
		res.FileExt = strings.ToLower(fileExt(m.File.Name))
		res.Extra["size_category"] = sizeCategory(m.File.Size)
		if g := ExtensionGroup(res.FileExt); g != "" {
			res.Extra["extension_group"] = g
		}
	}
	if m.Media != nil {
		res.Duration = m.Media.Duration
		res.Width = m.Media.Width
		res.Height = m.Media.Height
		if m.Media.Kind == gateway.MediaVideo && m.Media.Duration > 0 {
			res.Extra["video_length"] = videoLength(m.Media.Duration)
		}
	}
	if in.Source != "" {
		res.Extra["source"] = in.Source
	}

	matched := 0
	for _, r := range c.rules {
		if !c.ruleMatches(r, in, res) {
			continue
		}
		matched++
		if res.Category == "" {
			res.Category = r.Category
		}
		if res.Subcategory == "" && r.Subcategory != "" {
			res.Subcategory = r.Subcategory
		}
	}
	if res.Category == "" {
		res.Category = res.ContentType
	}
	res.Confidence = float64(matched) / 10
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	return res
}

func (c *Classifier) ruleMatches(r Rule, in Input, res Result) bool {
	m := in.Message
	switch r.Strategy {
	case RuleMediaType:
		return r.Pattern == res.ContentType
	case RuleFileExtension:
		return res.FileExt != "" && ExtensionGroup(res.FileExt) == r.Pattern
	case RuleSizeBased:
		if m.File == nil {
			return false
		}
		if m.File.Size < r.MinSize {
			return false
		}
		return r.MaxSize == 0 || m.File.Size <= r.MaxSize
	case RulePattern:
		re := c.patterns[r.Name]
		return re != nil && re.MatchString(m.Text)
	case RuleSourceBased:
		src := strings.TrimPrefix(strings.ToLower(in.Source), "@")
		pat := strings.TrimPrefix(strings.ToLower(r.Pattern), "@")
		return src != "" && src == pat
	default:
		// content_analysis и ml_classification пока ничего не матчат.
		return false
	}
}

func knownExtensionGroup(name string) bool {
	for _, g := range extensionGroups {
		if g == name {
			return true
		}
	}
	return false
}

// fileExt — расширение с учётом составных (.tar.gz и родня).
func fileExt(name string) string {
	lower := strings.ToLower(name)
	for _, me := range []string{".tar.gz", ".tar.bz2", ".tar.xz"} {
		if strings.HasSuffix(lower, me) && len(name) > len(me) {
			return me
		}
	}
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[i:]
	}
	return ""
}

// Служебные слова, не годящиеся в ключевые.
var stopWords = map[string]struct{}{
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {},
	"will": {}, "your": {}, "what": {}, "when": {}, "were": {},
	"been": {}, "they": {}, "them": {}, "there": {}, "their": {},
	"about": {}, "which": {}, "would": {}, "could": {}, "should": {},
	"чтобы": {}, "этот": {}, "если": {}, "также": {},
}

const maxKeywords = 20

// extractKeywords вынимает осмысленные слова из текста: длина от четырёх
// символов, без чисел, без служебных слов, без повторов, в нижнем регистре.
func extractKeywords(m gateway.Message) []string {
	text := m.Text
	if text == "" {
		return nil
	}
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	seen := map[string]struct{}{}
	var out []string
	for _, f := range fields {
		w := strings.ToLower(f)
		if len([]rune(w)) < 4 || isNumeric(w) {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
