// Пакет config отвечает за загрузку и проверку конфигурации приложения. Он:
//  1. читает необязательный .env (через godotenv) с параметрами запуска,
//  2. декодирует основной JSON-конфиг в типизированную структуру,
//  3. нормализует значения и подставляет дефолты, накапливая предупреждения,
//  4. валидирует критичные поля (аккаунты, пути) с ошибкой на старте.
//
// Бизнес-контекст: конфиг описывает пул аккаунтов MTProto, путь к базе
// состояния, правила пересылки и группировки, шаблон атрибуции, настройки
// организации форум-топиков и фоновый планировщик. Один JSON-документ, путь
// к которому приходит из флага -config или переменной SPECTRA_CONFIG.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"spectra/internal/infra/timeutil"

	"github.com/joho/godotenv"
)

// Bootstrap — минимальные параметры запуска, приходящие из окружения (.env)
// ещё до чтения основного JSON-конфига: путь к конфигу, переопределение
// уровня логирования и необязательный таймаут для скриптовых прогонов.
type Bootstrap struct {
	ConfigPath    string
	LogLevel      string
	RunTimeoutSec int
}

// RunTimeout возвращает таймаут работы процесса или 0, если он не задан.
func (b Bootstrap) RunTimeout() time.Duration {
	return time.Duration(b.RunTimeoutSec) * time.Second
}

// LoadBootstrap читает .env (если файл существует) и собирает параметры
// запуска. Отсутствие .env не ошибка: у всех значений есть дефолты, а сами
// переменные можно задать и обычным окружением процесса.
func LoadBootstrap(envPath string) Bootstrap {
	if envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
		}
	}
	b := Bootstrap{
		ConfigPath: strings.TrimSpace(os.Getenv("SPECTRA_CONFIG")),
		LogLevel:   strings.ToLower(strings.TrimSpace(os.Getenv("SPECTRA_LOG_LEVEL"))),
	}
	if v := strings.TrimSpace(os.Getenv("SPECTRA_RUN_TIMEOUT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			b.RunTimeoutSec = n
		}
	}
	return b
}

// FlexID — идентификатор назначения, который в JSON может быть и строкой,
// и числом. Хранится строкой; пустое значение означает «не задано».
type FlexID string

func (f *FlexID) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("destination id must be a string or a number: %w", err)
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }
func (f FlexID) IsZero() bool   { return f == "" }

// AccountConfig описывает одну учетную запись MTProto. Файл сессии и кеш
// пиров живут в SessionsDir под именем session_name.
type AccountConfig struct {
	APIID       int    `json:"api_id"`
	APIHash     string `json:"api_hash"`
	SessionName string `json:"session_name"`
	Phone       string `json:"phone"`
}

// ProxyConfig — необязательный исходящий прокси для всех клиентов.
// Поддерживается только socks5; socks4/http распознаются, но отклоняются
// в предупреждение с переходом на прямое соединение.
type ProxyConfig struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Addr возвращает адрес прокси в форме host:port.
func (p ProxyConfig) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// ForwardingConfig управляет пайплайном пересылки.
type ForwardingConfig struct {
	ForwardWithAttribution     bool   `json:"forward_with_attribution"`
	EnableDeduplication        bool   `json:"enable_deduplication"`
	DefaultDestinationID       FlexID `json:"default_destination_id"`
	SecondaryUniqueDestination FlexID `json:"secondary_unique_destination"`
	IncludeTextOnly            bool   `json:"include_text_only"`
}

// GroupingConfig выбирает стратегию объединения сообщений в группы.
type GroupingConfig struct {
	Strategy          string `json:"strategy"`
	TimeWindowSeconds int    `json:"time_window_seconds"`
}

// AttributionConfig — шаблон заголовка атрибуции и его исключения.
type AttributionConfig struct {
	Template                    string   `json:"template"`
	TimestampFormat             string   `json:"timestamp_format"`
	DisableAttributionForGroups []FlexID `json:"disable_attribution_for_groups"`
}

// TopicOrganizationConfig — глобальные настройки организации форум-топиков.
// Пер-канальные переопределения хранятся в базе состояния и имеют приоритет.
type TopicOrganizationConfig struct {
	Enabled                           bool    `json:"enabled"`
	Mode                              string  `json:"mode"`
	TopicStrategy                     string  `json:"topic_strategy"`
	FallbackStrategy                  string  `json:"fallback_strategy"`
	MaxTopicsPerChannel               int     `json:"max_topics_per_channel"`
	TopicCreationCooldownSeconds      int     `json:"topic_creation_cooldown_seconds"`
	EnableClassification              bool    `json:"enable_classification"`
	ClassificationConfidenceThreshold float64 `json:"classification_confidence_threshold"`
	GeneralTopicTitle                 string  `json:"general_topic_title"`
	AutoCleanupEmptyTopics            bool    `json:"auto_cleanup_empty_topics"`
	EnableStatistics                  bool    `json:"enable_statistics"`
	Debug                             bool    `json:"debug"`
}

// SchedulerConfig — фоновый планировщик и лимит полосы для файловой очереди.
type SchedulerConfig struct {
	Enabled            bool   `json:"enabled"`
	StateFile          string `json:"state_file"`
	BandwidthLimitKbps int    `json:"bandwidth_limit_kbps"`
}

// LogConfig — уровень консольного лога и необязательный файловый вывод
// с ротацией.
type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
}

// Config — корень конфигурации. После Load все поля нормализованы:
// энумы приведены к нижнему регистру, дефолты подставлены, пути непустые.
type Config struct {
	Accounts     []AccountConfig         `json:"accounts"`
	DBPath       string                  `json:"db_path"`
	MediaDir     string                  `json:"media_dir"`
	SessionsDir  string                  `json:"sessions_dir"`
	Timezone     string                  `json:"timezone"`
	RateLimitRPS int                     `json:"rate_limit_rps"`
	Proxy        ProxyConfig             `json:"proxy"`
	Forwarding   ForwardingConfig        `json:"forwarding"`
	Grouping     GroupingConfig          `json:"grouping"`
	Attribution  AttributionConfig       `json:"attribution"`
	Topics       TopicOrganizationConfig `json:"topic_organization"`
	Scheduler    SchedulerConfig         `json:"scheduler"`
	Log          LogConfig               `json:"log"`

	location *time.Location
}

// Значения по умолчанию для необязательных полей конфига.
const (
	defaultDBPath              = "spectra.db"
	defaultMediaDir            = "media"
	defaultSessionsDir         = "sessions"
	defaultTimezone            = "UTC"
	defaultRateLimitRPS        = 1
	defaultGroupingStrategy    = "filename"
	defaultTimeWindowSeconds   = 300
	defaultTimestampFormat     = "%Y-%m-%d %H:%M:%S"
	defaultOrgMode             = "auto_create"
	defaultTopicStrategy       = "content_type"
	defaultFallbackStrategy    = "general_topic"
	defaultMaxTopicsPerChannel = 100
	defaultTopicCooldownSec    = 30
	defaultConfidence          = 0.5
	defaultGeneralTopicTitle   = "General Discussion"
	defaultSchedulerStateFile  = "scheduler_state.json"
	defaultLogLevel            = "info"
	defaultLogMaxSizeMB        = 50
	defaultLogMaxBackups       = 3
	defaultLogMaxAgeDays       = 14
)

const defaultAttributionTemplate = "📨 From: {source_channel_name} [{source_channel_id}]\n" +
	"👤 {sender_name} [{sender_id}]\n" +
	"🕒 {timestamp} | #{message_id}"

// Load читает JSON-конфиг по пути path, применяет дефолты и валидирует
// значения. Некритичные проблемы накапливаются в списке предупреждений
// (логируются позже, когда логгер поднят), критичные становятся ошибкой.
func Load(path string) (*Config, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{}
	if err = json.Unmarshal(raw, cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	warnings := cfg.normalize()
	if err = cfg.validate(); err != nil {
		return nil, warnings, err
	}
	return cfg, warnings, nil
}

// Location возвращает часовой пояс приложения, зафиксированный при загрузке.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// SessionFile возвращает путь к файлу сессии MTProto для аккаунта name.
func (c *Config) SessionFile(name string) string {
	return filepath.Join(c.SessionsDir, name+".session.json")
}

// PeersCacheFile возвращает путь к bbolt-кешу пиров для аккаунта name.
func (c *Config) PeersCacheFile(name string) string {
	return filepath.Join(c.SessionsDir, name+".peers.bbolt")
}

// AttributionDisabledFor сообщает, выключена ли атрибуция для назначения id.
func (c *Config) AttributionDisabledFor(id string) bool {
	for _, g := range c.Attribution.DisableAttributionForGroups {
		if string(g) == id {
			return true
		}
	}
	return false
}

// normalize подставляет дефолты и приводит значения к каноническому виду.
// Возвращает предупреждения о значениях, которые пришлось заменить.
func (c *Config) normalize() []string {
	var warnings []string

	sanitizePath(&c.DBPath, defaultDBPath)
	sanitizePath(&c.MediaDir, defaultMediaDir)
	sanitizePath(&c.SessionsDir, defaultSessionsDir)
	sanitizePositiveInt(&c.RateLimitRPS, defaultRateLimitRPS, "rate_limit_rps", &warnings)

	c.location = sanitizeTimezone(&c.Timezone, defaultTimezone, &warnings)
	sanitizeProxy(&c.Proxy, &warnings)

	sanitizeEnum(&c.Grouping.Strategy, defaultGroupingStrategy, "grouping.strategy", &warnings,
		"none", "time", "filename")
	sanitizePositiveInt(&c.Grouping.TimeWindowSeconds, defaultTimeWindowSeconds,
		"grouping.time_window_seconds", &warnings)

	if strings.TrimSpace(c.Attribution.Template) == "" {
		c.Attribution.Template = defaultAttributionTemplate
	}
	if strings.TrimSpace(c.Attribution.TimestampFormat) == "" {
		c.Attribution.TimestampFormat = defaultTimestampFormat
	}

	t := &c.Topics
	sanitizeEnum(&t.Mode, defaultOrgMode, "topic_organization.mode", &warnings,
		"disabled", "auto_create", "existing_only", "hybrid")
	sanitizeEnum(&t.TopicStrategy, defaultTopicStrategy, "topic_organization.topic_strategy", &warnings,
		"content_type", "date_based", "file_extension", "source_channel", "custom_rules", "hybrid")
	sanitizeEnum(&t.FallbackStrategy, defaultFallbackStrategy, "topic_organization.fallback_strategy", &warnings,
		"general_topic", "no_topic", "retry_once", "queue_for_retry")
	sanitizePositiveInt(&t.MaxTopicsPerChannel, defaultMaxTopicsPerChannel,
		"topic_organization.max_topics_per_channel", &warnings)
	sanitizePositiveInt(&t.TopicCreationCooldownSeconds, defaultTopicCooldownSec,
		"topic_organization.topic_creation_cooldown_seconds", &warnings)
	if t.ClassificationConfidenceThreshold <= 0 || t.ClassificationConfidenceThreshold > 1 {
		if t.ClassificationConfidenceThreshold != 0 {
			appendWarningf(&warnings,
				"config topic_organization.classification_confidence_threshold %v is out of (0,1]; using default %v",
				t.ClassificationConfidenceThreshold, defaultConfidence)
		}
		t.ClassificationConfidenceThreshold = defaultConfidence
	}
	if strings.TrimSpace(t.GeneralTopicTitle) == "" {
		t.GeneralTopicTitle = defaultGeneralTopicTitle
	}

	if strings.TrimSpace(c.Scheduler.StateFile) == "" {
		c.Scheduler.StateFile = defaultSchedulerStateFile
	}
	sanitizeNonNegativeInt(&c.Scheduler.BandwidthLimitKbps, 0,
		"scheduler.bandwidth_limit_kbps", &warnings)

	sanitizeLogLevel(&c.Log.Level, defaultLogLevel, &warnings)
	sanitizePositiveInt(&c.Log.MaxSizeMB, defaultLogMaxSizeMB, "log.max_size_mb", &warnings)
	sanitizeNonNegativeInt(&c.Log.MaxBackups, defaultLogMaxBackups, "log.max_backups", &warnings)
	sanitizeNonNegativeInt(&c.Log.MaxAgeDays, defaultLogMaxAgeDays, "log.max_age_days", &warnings)

	return warnings
}

// validate проверяет критичные поля, без которых приложение не стартует.
func (c *Config) validate() error {
	if len(c.Accounts) == 0 {
		return errors.New("config accounts must contain at least one entry")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i := range c.Accounts {
		a := &c.Accounts[i]
		a.APIHash = strings.TrimSpace(a.APIHash)
		a.SessionName = strings.TrimSpace(a.SessionName)
		a.Phone = strings.TrimSpace(a.Phone)
		if a.APIID <= 0 {
			return fmt.Errorf("config accounts[%d]: api_id must be a positive integer", i)
		}
		if a.APIHash == "" {
			return fmt.Errorf("config accounts[%d]: api_hash must be set", i)
		}
		if a.SessionName == "" {
			return fmt.Errorf("config accounts[%d]: session_name must be set", i)
		}
		if _, ok := seen[a.SessionName]; ok {
			return fmt.Errorf("config accounts[%d]: duplicate session_name %q", i, a.SessionName)
		}
		seen[a.SessionName] = struct{}{}
	}
	return nil
}

// appendWarningf — накопление предупреждений о заменённых значениях.
// Список возвращается из Load и логируется после инициализации логгера.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// sanitizePath подставляет fallback вместо пустого пути. Пустой путь в JSON
// читается как «не задано», поэтому предупреждение не пишется.
func sanitizePath(v *string, fallback string) {
	if strings.TrimSpace(*v) == "" {
		*v = fallback
		return
	}
	*v = strings.TrimSpace(*v)
}

// sanitizePositiveInt требует v > 0. Ноль трактуется как «не задано» и молча
// заменяется дефолтом; отрицательное значение дополнительно даёт предупреждение.
func sanitizePositiveInt(v *int, fallback int, name string, warnings *[]string) {
	if *v > 0 {
		return
	}
	if *v < 0 {
		appendWarningf(warnings, "config %s value %d must be positive; using default %d", name, *v, fallback)
	}
	*v = fallback
}

// sanitizeNonNegativeInt требует v >= 0; ноль — валидное значение.
func sanitizeNonNegativeInt(v *int, fallback int, name string, warnings *[]string) {
	if *v >= 0 {
		return
	}
	appendWarningf(warnings, "config %s value %d must not be negative; using default %d", name, *v, fallback)
	*v = fallback
}

// sanitizeEnum приводит значение к нижнему регистру и ограничивает набором
// allowed. Пустое значение молча получает дефолт, неизвестное — с предупреждением.
func sanitizeEnum(v *string, fallback, name string, warnings *[]string, allowed ...string) {
	val := strings.ToLower(strings.TrimSpace(*v))
	if val == "" {
		*v = fallback
		return
	}
	if slices.Contains(allowed, val) {
		*v = val
		return
	}
	appendWarningf(warnings, "config %s value %q is invalid; using default %q", name, *v, fallback)
	*v = fallback
}

// sanitizeTimezone проверяет, что значение — корректная IANA-зона или
// UTC-смещение, и возвращает разобранную локацию.
func sanitizeTimezone(v *string, fallback string, warnings *[]string) *time.Location {
	val := strings.TrimSpace(*v)
	if val == "" {
		val = fallback
	}
	loc, err := timeutil.ParseLocation(val)
	if err != nil {
		appendWarningf(warnings, "config timezone %q is invalid; using %q", val, fallback)
		*v = fallback
		return time.UTC
	}
	*v = val
	return loc
}

// sanitizeProxy выключает прокси при неподдерживаемом типе или неполном
// адресе. Поддерживается только socks5: для socks4/http нет диалера.
func sanitizeProxy(p *ProxyConfig, warnings *[]string) {
	if !p.Enabled {
		return
	}
	typ := strings.ToLower(strings.TrimSpace(p.Type))
	p.Type = typ
	switch typ {
	case "socks5":
	case "socks4", "http":
		appendWarningf(warnings, "config proxy.type %q is not supported, only socks5 is; proxy disabled", typ)
		p.Enabled = false
		return
	default:
		appendWarningf(warnings, "config proxy.type %q is unknown; proxy disabled", p.Type)
		p.Enabled = false
		return
	}
	if strings.TrimSpace(p.Host) == "" || p.Port <= 0 || p.Port > 65535 {
		appendWarningf(warnings, "config proxy address %s is invalid; proxy disabled", p.Addr())
		p.Enabled = false
	}
}

// sanitizeLogLevel ограничивает уровень набором {debug, info, warn, error}.
func sanitizeLogLevel(level *string, fallback string, warnings *[]string) {
	lvl := strings.ToLower(strings.TrimSpace(*level))
	if lvl == "" {
		*level = fallback
		return
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		*level = lvl
	default:
		appendWarningf(warnings, "config log.level value %q is invalid; using default %q", *level, fallback)
		*level = fallback
	}
}
