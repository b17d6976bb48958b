// Package topics — реестр форумных топиков канала и фабрика новых.
//
// Менеджер держит LRU-кэш известных топиков (id и нормализованный заголовок),
// синхронизирует его с Telegram и реестром в хранилище и создаёт недостающие
// топики с соблюдением паузы между созданиями. Стратегия именования задаёт,
// какой топик нужен сообщению: по типу контента, по дате, по источнику,
// по расширению файла или по пользовательским правилам.
package topics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"spectra/internal/domain/classify"
	"spectra/internal/domain/gateway"
	"spectra/internal/infra/cache"
	"spectra/internal/infra/store"
	"spectra/internal/infra/timeutil"
)

// Значения по умолчанию.
const (
	DefaultGeneralTitle   = "General Discussion"
	DefaultCreateCooldown = 30 * time.Second
	DefaultMaxTopics      = 200
	defaultCacheTTL       = 30 * time.Minute
	cacheCapacity         = 512
)

// ErrTopicLimit — в канале уже максимум топиков, новые не создаём.
var ErrTopicLimit = errors.New("topic limit reached")

// Config — поведение менеджера в одном канале.
type Config struct {
	Strategy          string           // content_type | date_based | source_channel | file_extension | custom_rules | hybrid
	DatePattern       string           // daily | weekly | monthly, для date_based и hybrid
	MaxTopics         int              // потолок топиков в канале; 0 — по умолчанию
	CreateCooldown    time.Duration    // минимальная пауза между созданиями; 0 — по умолчанию
	GeneralTopicTitle string           // заголовок общего топика
	CustomRules       []TitleRule      // правила для custom_rules
	Location          *time.Location   // таймзона календарных топиков; nil — UTC
	CacheTTL          time.Duration    // срок годности записей кэша; 0 — по умолчанию
}

func (c *Config) normalize() {
	if c.MaxTopics <= 0 {
		c.MaxTopics = DefaultMaxTopics
	}
	if c.CreateCooldown <= 0 {
		c.CreateCooldown = DefaultCreateCooldown
	}
	if c.GeneralTopicTitle == "" {
		c.GeneralTopicTitle = DefaultGeneralTitle
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
}

// GatewayPort — операции шлюза, нужные менеджеру.
type GatewayPort interface {
	ListForumTopics(ctx context.Context, channel gateway.Entity, cursor gateway.TopicCursor) ([]gateway.Topic, gateway.TopicCursor, error)
	CreateForumTopic(ctx context.Context, channel gateway.Entity, req gateway.TopicRequest) (int, error)
}

// Resolution — итог подбора топика для сообщения.
type Resolution struct {
	TopicID int
	Title   string
	Created bool // топик создан в этом вызове
}

// Manager обслуживает топики одного форум-канала.
type Manager struct {
	channel gateway.Entity
	gw      GatewayPort
	st      *store.Store
	cfg     Config
	log     *zap.Logger

	byID    *cache.LRU[int, gateway.Topic]
	byTitle *cache.LRU[string, int]

	mu         sync.Mutex // сериализует создание и паузу между созданиями
	lastCreate time.Time
	known      int // счёт топиков по последнему обзору

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option настраивает менеджер при создании.
type Option func(*Manager)

// WithNow подменяет источник времени. Используется в тестах.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithSleep подменяет функцию ожидания. Используется в тестах.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) { m.sleep = sleep }
}

// NewManager создаёт менеджер топиков канала. Хранилище может быть nil —
// тогда реестр в базе не ведётся, работает только кэш.
func NewManager(channel gateway.Entity, gw GatewayPort, st *store.Store, cfg Config, log *zap.Logger, opts ...Option) *Manager {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		channel: channel,
		gw:      gw,
		st:      st,
		cfg:     cfg,
		log:     log.With(zap.Int64("channel", channel.ID)),
		byID:    cache.New[int, gateway.Topic](cacheCapacity, cfg.CacheTTL),
		byTitle: cache.New[string, int](cacheCapacity, cfg.CacheTTL),
		now:     time.Now,
		sleep:   timeutil.Sleep,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetOrCreateTopic возвращает топик для сообщения: сперва кэш, затем свежий
// обзор канала, и только потом создание. Ошибка создания (нет прав, потолок,
// повторный flood wait) отдаётся вызывающему — он решает, куда класть
// сообщение вместо топика.
func (m *Manager) GetOrCreateTopic(ctx context.Context, msg gateway.Message, meta classify.Result) (Resolution, error) {
	cand := m.candidateFor(msg, meta)
	return m.resolve(ctx, cand)
}

// LookupTopic ищет существующий топик для сообщения, ничего не создавая.
// Второй результат — нашёлся ли топик.
func (m *Manager) LookupTopic(ctx context.Context, msg gateway.Message, meta classify.Result) (Resolution, bool, error) {
	return m.lookup(ctx, m.candidateFor(msg, meta))
}

// EnsureGeneralTopic возвращает общий топик канала, создавая его при нужде.
func (m *Manager) EnsureGeneralTopic(ctx context.Context) (Resolution, error) {
	return m.resolve(ctx, m.generalCandidate())
}

// lookup ищет кандидата в кэше, а при промахе — в свежем списке топиков
// канала: его могли разметить с другого аккаунта.
func (m *Manager) lookup(ctx context.Context, cand Candidate) (Resolution, bool, error) {
	key := titleKey(cand.Title)

	if id, ok := m.byTitle.Get(key); ok {
		if t, ok := m.byID.Get(id); ok {
			return Resolution{TopicID: t.ID, Title: t.Title}, true, nil
		}
	}

	total, err := m.refresh(ctx)
	if err != nil {
		return Resolution{}, false, errors.Wrap(err, "list topics")
	}
	m.mu.Lock()
	m.known = total
	m.mu.Unlock()
	if id, ok := m.byTitle.Get(key); ok {
		if t, ok := m.byID.Get(id); ok {
			m.persist(ctx, t, cand.Category)
			return Resolution{TopicID: t.ID, Title: t.Title}, true, nil
		}
	}
	return Resolution{}, false, nil
}

func (m *Manager) resolve(ctx context.Context, cand Candidate) (Resolution, error) {
	if res, ok, err := m.lookup(ctx, cand); err != nil || ok {
		return res, err
	}

	id, created, err := m.create(ctx, cand)
	if err != nil {
		return Resolution{}, err
	}
	t := gateway.Topic{ID: id, Title: cand.Title, IconColor: cand.IconColor, Date: m.now()}
	m.remember(t)
	m.persist(ctx, t, cand.Category)
	if created {
		m.log.Info("topic created",
			zap.Int("topic_id", id),
			zap.String("title", cand.Title))
	}
	return Resolution{TopicID: id, Title: cand.Title, Created: created}, nil
}

// create выполняет создание с паузой и одной повторной попыткой после
// flood wait. Второй flood wait подряд — уже ошибка. Второе возвращаемое
// значение — создали ли топик мы сами (false при гонке с другим аккаунтом).
func (m *Manager) create(ctx context.Context, cand Candidate) (int, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.known >= m.cfg.MaxTopics {
		return 0, false, errors.Wrapf(ErrTopicLimit, "%d topics", m.known)
	}

	if wait := m.cooldownLeft(); wait > 0 {
		if err := m.sleep(ctx, wait); err != nil {
			return 0, false, err
		}
	}

	req := gateway.TopicRequest{Title: cand.Title, IconColor: cand.IconColor}
	id, err := m.gw.CreateForumTopic(ctx, m.channel, req)
	if sec, ok := gateway.AsFloodWait(err); ok {
		m.log.Warn("flood wait on topic create",
			zap.Int("seconds", sec),
			zap.String("title", cand.Title))
		if serr := m.sleep(ctx, time.Duration(sec+1)*time.Second); serr != nil {
			return 0, false, serr
		}
		id, err = m.gw.CreateForumTopic(ctx, m.channel, req)
	}
	if errors.Is(err, gateway.ErrTopicExists) {
		// Гонка с другим аккаунтом: топик появился между обзором и созданием.
		if found, ok := m.lookupAfterRace(ctx, cand.Title); ok {
			return found, false, nil
		}
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "create topic %q", cand.Title)
	}
	m.lastCreate = m.now()
	m.known++
	return id, true, nil
}

func (m *Manager) cooldownLeft() time.Duration {
	if m.lastCreate.IsZero() {
		return 0
	}
	passed := m.now().Sub(m.lastCreate)
	if passed >= m.cfg.CreateCooldown {
		return 0
	}
	return m.cfg.CreateCooldown - passed
}

// lookupAfterRace перечитывает топики после TOPIC_EXISTS и ищет заголовок.
// Вызывается строго под mu.
func (m *Manager) lookupAfterRace(ctx context.Context, title string) (int, bool) {
	total, err := m.refresh(ctx)
	if err != nil {
		return 0, false
	}
	m.known = total
	if id, ok := m.byTitle.Get(titleKey(title)); ok {
		return id, true
	}
	return 0, false
}

// refresh выкачивает полный список топиков канала в кэш и возвращает их
// число. Счётчик known не трогает: это забота вызывающего.
func (m *Manager) refresh(ctx context.Context) (int, error) {
	var cursor gateway.TopicCursor
	total := 0
	for {
		page, next, err := m.gw.ListForumTopics(ctx, m.channel, cursor)
		if err != nil {
			return 0, err
		}
		for _, t := range page {
			m.remember(t)
			total++
		}
		if next.IsZero() {
			break
		}
		cursor = next
	}
	return total, nil
}

func (m *Manager) remember(t gateway.Topic) {
	m.byID.Put(t.ID, t)
	m.byTitle.Put(titleKey(t.Title), t.ID)
}

// persist отражает топик в реестре хранилища. Ошибка реестра не роняет
// подбор: доставка важнее учёта.
func (m *Manager) persist(ctx context.Context, t gateway.Topic, category string) {
	if m.st == nil {
		return
	}
	row := store.TopicRow{
		ChannelID: m.channel.ID,
		TopicID:   t.ID,
		Title:     t.Title,
		Category:  category,
		IconColor: t.IconColor,
		CreatedAt: t.Date,
		Active:    !t.Closed,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = m.now()
	}
	if err := m.st.UpsertTopic(ctx, row); err != nil {
		m.log.Warn("topic registry update failed", zap.Error(err))
	}
}

// CleanupEmptyTopics деактивирует в реестре топики без единого сообщения,
// созданные раньше порога. Сами топики в Telegram не трогаем: удаление
// истории требует отдельных прав и необратимо.
func (m *Manager) CleanupEmptyTopics(ctx context.Context, olderThan time.Duration) (int, error) {
	if m.st == nil {
		return 0, nil
	}
	rows, err := m.st.ListTopics(ctx, m.channel.ID, true)
	if err != nil {
		return 0, errors.Wrap(err, "list registry")
	}
	cutoff := m.now().Add(-olderThan)
	cleaned := 0
	for _, row := range rows {
		if row.MessageCount > 0 || !row.CreatedAt.Before(cutoff) {
			continue
		}
		if err := m.st.DeactivateTopic(ctx, m.channel.ID, row.TopicID); err != nil {
			return cleaned, errors.Wrapf(err, "deactivate topic %d", row.TopicID)
		}
		m.byTitle.Delete(titleKey(row.Title))
		m.byID.Delete(row.TopicID)
		cleaned++
	}
	if cleaned > 0 {
		m.log.Info("empty topics deactivated", zap.Int("count", cleaned))
	}
	return cleaned, nil
}

// titleKey нормализует заголовок для поиска: регистр и края пробелов не значимы.
func titleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}
