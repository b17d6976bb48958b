package classify

import "regexp"

// Категории размеров файлов для extra-атрибутов.
const (
	KiB = 1 << 10
	MiB = 1 << 20
	GiB = 1 << 30
)

func sizeCategory(size int64) string {
	switch {
	case size < 100*KiB:
		return "tiny"
	case size < 1*MiB:
		return "small"
	case size < 10*MiB:
		return "medium"
	case size < 100*MiB:
		return "large"
	default:
		return "huge"
	}
}

// Граница «длинного» видео — пять минут.
const longVideoSeconds = 300

func videoLength(seconds int) string {
	if seconds < longVideoSeconds {
		return "short_video"
	}
	return "long_video"
}

// extensionGroups — фиксированная таблица групп расширений. Правила со
// стратегией file_extension ссылаются на имя группы, а не на сами
// расширения.
var extensionGroups = map[string]string{
	".jpg": "image", ".jpeg": "image", ".png": "image", ".gif": "image",
	".bmp": "image", ".webp": "image", ".tiff": "image", ".heic": "image",

	".mp4": "video", ".mkv": "video", ".avi": "video", ".mov": "video",
	".wmv": "video", ".flv": "video", ".webm": "video", ".m4v": "video",
	".mpg": "video", ".mpeg": "video", ".3gp": "video",

	".mp3": "audio", ".flac": "audio", ".wav": "audio", ".ogg": "audio",
	".m4a": "audio", ".aac": "audio", ".wma": "audio", ".opus": "audio",

	".doc": "document", ".docx": "document", ".xls": "document",
	".xlsx": "document", ".ppt": "document", ".pptx": "document",
	".txt": "document", ".rtf": "document", ".odt": "document",
	".ods": "document",

	".zip": "archive", ".rar": "archive", ".7z": "archive",
	".tar": "archive", ".gz": "archive", ".bz2": "archive",
	".xz": "archive", ".zst": "archive",
	".tar.gz": "archive", ".tar.bz2": "archive", ".tar.xz": "archive",

	".go": "code", ".py": "code", ".js": "code", ".ts": "code",
	".java": "code", ".c": "code", ".cpp": "code", ".h": "code",
	".rs": "code", ".rb": "code", ".php": "code", ".sh": "code",

	".csv": "data", ".json": "data", ".xml": "data", ".yaml": "data",
	".yml": "data", ".sql": "data", ".db": "data", ".sqlite": "data",
	".parquet": "data",

	".pdf": "ebook", ".epub": "ebook", ".mobi": "ebook",
	".azw3": "ebook", ".fb2": "ebook", ".djvu": "ebook",

	".ttf": "font", ".otf": "font", ".woff": "font", ".woff2": "font",

	".dwg": "cad", ".dxf": "cad", ".stl": "cad", ".step": "cad",
	".stp": "cad",

	".svg": "vector", ".eps": "vector", ".ai": "vector", ".cdr": "vector",

	".exe": "executable", ".msi": "executable", ".apk": "executable",
	".dmg": "executable", ".deb": "executable", ".rpm": "executable",
	".appimage": "executable",

	".iso": "iso_image", ".img": "iso_image",
}

// ExtensionGroup — группа расширения из фиксированной таблицы
// (пустая строка для незнакомых расширений).
func ExtensionGroup(ext string) string {
	return extensionGroups[ext]
}

// namedPatterns — фиксированная таблица регулярных выражений. Правила со
// стратегией pattern_matching ссылаются на имя паттерна.
var namedPatterns = map[string]*regexp.Regexp{
	"url":         regexp.MustCompile(`(?i)\bhttps?://\S+`),
	"email":       regexp.MustCompile(`(?i)\b[a-z0-9._%+-]+@[a-z0-9.-]+\.[a-z]{2,}\b`),
	"hashtag":     regexp.MustCompile(`#[\p{L}\d_]+`),
	"mention":     regexp.MustCompile(`@[A-Za-z][A-Za-z0-9_]{3,31}`),
	"phone":       regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`),
	"bitcoin":     regexp.MustCompile(`\b(bc1[a-z0-9]{25,62}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})\b`),
	"credit_card": regexp.MustCompile(`\b(?:\d[ -]?){12,15}\d\b`),
	"ip_address":  regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`),
}

// DefaultRules — встроенная таблица правил. Группы расширений уточняют
// категорию документов (приоритет 60), типы медиа дают базовую категорию
// (50), текстовые паттерны и размеры — ниже. Пользовательские правила
// добавляются поверх этой таблицы.
func DefaultRules() []Rule {
	return []Rule{
		// Уточнение по группе расширения.
		{Name: "ext-archive", Strategy: RuleFileExtension, Priority: 60, Pattern: "archive", Category: "archives"},
		{Name: "ext-ebook", Strategy: RuleFileExtension, Priority: 60, Pattern: "ebook", Category: "ebooks"},
		{Name: "ext-executable", Strategy: RuleFileExtension, Priority: 60, Pattern: "executable", Category: "software"},
		{Name: "ext-iso", Strategy: RuleFileExtension, Priority: 60, Pattern: "iso_image", Category: "software", Subcategory: "disk_images"},
		{Name: "ext-data", Strategy: RuleFileExtension, Priority: 60, Pattern: "data", Category: "data"},
		{Name: "ext-code", Strategy: RuleFileExtension, Priority: 60, Pattern: "code", Category: "code"},

		// Базовая категория по типу медиа.
		{Name: "media-photo", Strategy: RuleMediaType, Priority: 50, Pattern: "photo", Category: "photos"},
		{Name: "media-video", Strategy: RuleMediaType, Priority: 50, Pattern: "video", Category: "videos"},
		{Name: "media-video-note", Strategy: RuleMediaType, Priority: 50, Pattern: "video_note", Category: "videos", Subcategory: "video_notes"},
		{Name: "media-document", Strategy: RuleMediaType, Priority: 50, Pattern: "document", Category: "documents"},
		{Name: "media-audio", Strategy: RuleMediaType, Priority: 50, Pattern: "audio", Category: "audio"},
		{Name: "media-voice", Strategy: RuleMediaType, Priority: 50, Pattern: "voice", Category: "voice"},
		{Name: "media-animation", Strategy: RuleMediaType, Priority: 50, Pattern: "animation", Category: "animations"},
		{Name: "media-sticker", Strategy: RuleMediaType, Priority: 50, Pattern: "sticker", Category: "stickers"},
		{Name: "media-game", Strategy: RuleMediaType, Priority: 50, Pattern: "game", Category: "games"},
		{Name: "media-webpage", Strategy: RuleMediaType, Priority: 50, Pattern: "webpage", Category: "links"},

		// Текстовые паттерны из фиксированной таблицы.
		{Name: "pattern-url", Strategy: RulePattern, Priority: 40, Pattern: "url", Category: "links"},

		// Габариты.
		{Name: "size-huge", Strategy: RuleSizeBased, Priority: 30, Category: "large_files",
			MinSize: int64(3) * GiB / 2}, // от полутора гигабайт
	}
}
