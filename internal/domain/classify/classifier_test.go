package classify_test

import (
	"reflect"
	"strings"
	"testing"

	"spectra/internal/domain/classify"
	"spectra/internal/domain/gateway"
)

func docMsg(name string, size int64) gateway.Message {
	return gateway.Message{
		ID:    1,
		File:  &gateway.FileInfo{Name: name, Size: size, MIME: "application/octet-stream"},
		Media: &gateway.MediaInfo{Kind: gateway.MediaDocument},
	}
}

func TestContentTypeOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  gateway.Message
		want string
	}{
		{"photo", gateway.Message{Media: &gateway.MediaInfo{Kind: gateway.MediaPhoto}}, "photo"},
		{"file without media info", gateway.Message{File: &gateway.FileInfo{Name: "a.bin"}}, "document"},
		{"text", gateway.Message{Text: "hello"}, "text"},
		{"empty", gateway.Message{}, "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := classify.ContentTypeOf(tc.msg); got != tc.want {
				t.Fatalf("ContentTypeOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestClassifyDefaultRules(t *testing.T) {
	t.Parallel()

	c := classify.Default()

	cases := []struct {
		name         string
		in           classify.Input
		wantCategory string
		wantType     string
	}{
		{
			name:         "rar archive wins over generic document",
			in:           classify.Input{Message: docMsg("backup.rar", 5 << 20)},
			wantCategory: "archives",
			wantType:     "document",
		},
		{
			name:         "pdf is an ebook",
			in:           classify.Input{Message: docMsg("book.pdf", 2 << 20)},
			wantCategory: "ebooks",
			wantType:     "document",
		},
		{
			name: "photo",
			in: classify.Input{Message: gateway.Message{
				Media: &gateway.MediaInfo{Kind: gateway.MediaPhoto},
				File:  &gateway.FileInfo{Name: "photo_1.jpg", Size: 300 << 10, MIME: "image/jpeg"},
			}},
			wantCategory: "photos",
			wantType:     "photo",
		},
		{
			name:         "link in text",
			in:           classify.Input{Message: gateway.Message{Text: "смотри https://example.com/x"}},
			wantCategory: "links",
			wantType:     "text",
		},
		{
			name:         "plain text falls back to content type",
			in:           classify.Input{Message: gateway.Message{Text: "просто заметка без ссылок"}},
			wantCategory: "text",
			wantType:     "text",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := c.Classify(tc.in)
			if got.Category != tc.wantCategory {
				t.Fatalf("Category = %q, want %q", got.Category, tc.wantCategory)
			}
			if got.ContentType != tc.wantType {
				t.Fatalf("ContentType = %q, want %q", got.ContentType, tc.wantType)
			}
		})
	}
}

func TestClassifyConfidenceAccumulates(t *testing.T) {
	t.Parallel()

	c := classify.Default()
	// Архив: ext-archives + media-document = два сработавших правила.
	got := c.Classify(classify.Input{Message: docMsg("backup.rar", 5 << 20)})
	if got.Confidence != 0.2 {
		t.Fatalf("Confidence = %v, want 0.2", got.Confidence)
	}
	// Без совпадений — нулевая уверенность.
	none := c.Classify(classify.Input{Message: gateway.Message{}})
	if none.Confidence != 0 {
		t.Fatalf("Confidence(empty) = %v, want 0", none.Confidence)
	}
}

func TestClassifyConfidenceCap(t *testing.T) {
	t.Parallel()

	// Одиннадцать правил, срабатывающих одновременно: потолок 1.0.
	rules := make([]classify.Rule, 0, 11)
	for i := 0; i < 11; i++ {
		rules = append(rules, classify.Rule{
			Name:     string(rune('a' + i)),
			Strategy: classify.RuleMediaType,
			Pattern:  "text",
			Category: "everything",
			Priority: i,
		})
	}
	c, err := classify.New(rules)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := c.Classify(classify.Input{Message: gateway.Message{Text: "hi there"}})
	if got.Confidence != 1.0 {
		t.Fatalf("Confidence = %v, want 1.0", got.Confidence)
	}
}

func TestClassifyPriorityOrder(t *testing.T) {
	t.Parallel()

	rules := []classify.Rule{
		{Name: "low", Strategy: classify.RuleMediaType, Pattern: "text", Category: "low-cat", Priority: 1},
		{Name: "high", Strategy: classify.RuleMediaType, Pattern: "text", Category: "high-cat", Priority: 9},
	}
	c, err := classify.New(rules)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := c.Classify(classify.Input{Message: gateway.Message{Text: "abc def"}})
	if got.Category != "high-cat" {
		t.Fatalf("Category = %q, want high-cat", got.Category)
	}
	if got.Confidence != 0.2 {
		t.Fatalf("Confidence = %v, want 0.2 (оба правила сработали)", got.Confidence)
	}
}

func TestClassifySourceBased(t *testing.T) {
	t.Parallel()

	rules := []classify.Rule{{
		Name: "research", Strategy: classify.RuleSourceBased,
		Pattern: "@research_channel", Category: "research", Priority: 70,
	}}
	c, err := classify.New(rules)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	hit := c.Classify(classify.Input{Message: gateway.Message{Text: "note"}, Source: "research_channel"})
	if hit.Category != "research" {
		t.Fatalf("Category = %q, want research", hit.Category)
	}
	miss := c.Classify(classify.Input{Message: gateway.Message{Text: "note"}, Source: "other"})
	if miss.Category == "research" {
		t.Fatalf("source_based не должен срабатывать для другого источника")
	}
}

func TestClassifySizeRule(t *testing.T) {
	t.Parallel()

	rules := []classify.Rule{{
		Name: "mid", Strategy: classify.RuleSizeBased,
		MinSize: 10, MaxSize: 100, Category: "mid-size", Priority: 5,
	}}
	c, err := classify.New(rules)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	cases := []struct {
		size int64
		want bool
	}{{9, false}, {10, true}, {100, true}, {101, false}}
	for _, tc := range cases {
		got := c.Classify(classify.Input{Message: docMsg("x.bin", tc.size)})
		hit := got.Category == "mid-size"
		if hit != tc.want {
			t.Fatalf("size %d: matched = %v, want %v", tc.size, hit, tc.want)
		}
	}
}

func TestClassifyUnknownPatternName(t *testing.T) {
	t.Parallel()

	_, err := classify.New([]classify.Rule{{
		Name: "bad", Strategy: classify.RulePattern, Pattern: "base58", Category: "x",
	}})
	if err == nil {
		t.Fatalf("New(unknown pattern) error = nil, want error")
	}
}

func TestClassifyUnknownExtensionGroup(t *testing.T) {
	t.Parallel()

	_, err := classify.New([]classify.Rule{{
		Name: "bad", Strategy: classify.RuleFileExtension, Pattern: "torrents", Category: "x",
	}})
	if err == nil {
		t.Fatalf("New(unknown extension group) error = nil, want error")
	}
}

func TestClassifyNamedPatterns(t *testing.T) {
	t.Parallel()

	cases := []struct {
		pattern string
		text    string
	}{
		{"url", "читай https://example.com/page"},
		{"email", "пишите на dev@example.org"},
		{"hashtag", "релиз #backup2026"},
		{"mention", "спросить у @spectra_admin"},
		{"phone", "звонить +7 (900) 123-45-67"},
		{"ip_address", "хост 10.20.30.40 недоступен"},
	}
	for _, tc := range cases {
		t.Run(tc.pattern, func(t *testing.T) {
			t.Parallel()
			c, err := classify.New([]classify.Rule{{
				Name: tc.pattern, Strategy: classify.RulePattern,
				Pattern: tc.pattern, Category: "hit", Priority: 1,
			}})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if got := c.Classify(classify.Input{Message: gateway.Message{Text: tc.text}}); got.Category != "hit" {
				t.Fatalf("Category = %q, want hit для паттерна %s", got.Category, tc.pattern)
			}
			if miss := c.Classify(classify.Input{Message: gateway.Message{Text: "ничего похожего"}}); miss.Category == "hit" {
				t.Fatalf("паттерн %s сработал на тексте без совпадений", tc.pattern)
			}
		})
	}
}

func TestClassifyExtensionPointsNeverMatch(t *testing.T) {
	t.Parallel()

	c, err := classify.New([]classify.Rule{
		{Name: "ca", Strategy: classify.RuleContentAnalysis, Pattern: "anything", Category: "x", Priority: 5},
		{Name: "ml", Strategy: classify.RuleMLClassification, Pattern: "anything", Category: "x", Priority: 5},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got := c.Classify(classify.Input{Message: docMsg("any.bin", 10)})
	if got.Category == "x" || got.Confidence != 0 {
		t.Fatalf("точки расширения не должны давать совпадений: %+v", got)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	t.Parallel()

	c := classify.Default()
	in := classify.Input{
		Message: gateway.Message{
			Text:  "Ночной бэкап сервера https://host/x",
			File:  &gateway.FileInfo{Name: "backup_part1.rar", Size: 200 << 20},
			Media: &gateway.MediaInfo{Kind: gateway.MediaDocument},
		},
		Source: "@infra",
	}
	a := c.Classify(in)
	b := c.Classify(in)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("повторная классификация дала другой результат:\n%#v\n%#v", a, b)
	}
}

func TestClassifyExtras(t *testing.T) {
	t.Parallel()

	c := classify.Default()

	video := c.Classify(classify.Input{Message: gateway.Message{
		Media: &gateway.MediaInfo{Kind: gateway.MediaVideo, Duration: 30, Width: 1920, Height: 1080},
		File:  &gateway.FileInfo{Name: "clip.mp4", Size: 50 << 20, MIME: "video/mp4"},
	}})
	if video.Extra["video_length"] != "short_video" {
		t.Fatalf("video_length = %q, want short_video", video.Extra["video_length"])
	}
	if video.Extra["size_category"] != "large" {
		t.Fatalf("size_category = %q, want large", video.Extra["size_category"])
	}
	if video.Extra["extension_group"] != "video" {
		t.Fatalf("extension_group = %q, want video", video.Extra["extension_group"])
	}
	if video.Width != 1920 || video.Duration != 30 {
		t.Fatalf("размеры не прокинулись: %#v", video)
	}

	long := c.Classify(classify.Input{Message: gateway.Message{
		Media: &gateway.MediaInfo{Kind: gateway.MediaVideo, Duration: 300},
	}})
	if long.Extra["video_length"] != "long_video" {
		t.Fatalf("video_length(300s) = %q, want long_video", long.Extra["video_length"])
	}

	kw := c.Classify(classify.Input{Message: gateway.Message{
		Text: "Ежемесячный отчёт отдела продаж за 2026 год, отчёт финальный",
	}})
	want := []string{"ежемесячный", "отчёт", "отдела", "продаж", "финальный"}
	if !reflect.DeepEqual(kw.Keywords, want) {
		t.Fatalf("Keywords = %#v, want %#v", kw.Keywords, want)
	}
}

func TestSizeCategories(t *testing.T) {
	t.Parallel()

	c := classify.Default()
	cases := []struct {
		size int64
		want string
	}{
		{50 << 10, "tiny"},
		{500 << 10, "small"},
		{5 << 20, "medium"},
		{50 << 20, "large"},
		{500 << 20, "huge"},
	}
	for _, tc := range cases {
		got := c.Classify(classify.Input{Message: docMsg("x.bin", tc.size)})
		if got.Extra["size_category"] != tc.want {
			t.Fatalf("size_category(%d) = %q, want %q", tc.size, got.Extra["size_category"], tc.want)
		}
	}
}

func TestKeywordsStopWordsAndCap(t *testing.T) {
	t.Parallel()

	c := classify.Default()

	stop := c.Classify(classify.Input{Message: gateway.Message{
		Text: "news that matter will come from trusted sources",
	}})
	for _, w := range stop.Keywords {
		if w == "that" || w == "will" || w == "from" {
			t.Fatalf("служебное слово %q попало в ключевые: %#v", w, stop.Keywords)
		}
	}

	words := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		words = append(words, "keyword"+string(rune('a'+i)))
	}
	capped := c.Classify(classify.Input{Message: gateway.Message{Text: strings.Join(words, " ")}})
	if len(capped.Keywords) != 20 {
		t.Fatalf("len(Keywords) = %d, want 20", len(capped.Keywords))
	}
}
