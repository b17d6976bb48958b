// Package organizer — движок организации: склеивает классификатор с
// менеджером топиков и решает, в какой топик класть сообщение.
//
// Движок живёт на время прогона пересылки в один канал-форум. Неудачный
// подбор топика не блокирует доставку: сообщение уходит без топика, а режим
// отката решает, что делать дальше — общий топик, ничего или очередь
// повторов. Очередь повторов ограничена и сбрасывает самые старые записи.
package organizer

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"spectra/internal/domain/classify"
	"spectra/internal/domain/gateway"
	"spectra/internal/domain/topics"
	"spectra/internal/infra/pr"
	"spectra/internal/infra/store"
	"spectra/internal/infra/timeutil"
)

// Режимы организации.
const (
	ModeDisabled     = "disabled"
	ModeAutoCreate   = "auto_create"
	ModeExistingOnly = "existing_only"
	ModeHybrid       = "hybrid"
)

// Стратегии отката, когда топик подобрать не удалось.
const (
	FallbackGeneralTopic  = "general_topic"
	FallbackNoTopic       = "no_topic"
	FallbackRetryOnce     = "retry_once"
	FallbackQueueForRetry = "queue_for_retry"
)

// DefaultRetryLimit — ёмкость очереди повторов по умолчанию.
const DefaultRetryLimit = 10000

// ErrNoTopic — топик не подобран ни стратегией, ни откатом.
var ErrNoTopic = errors.New("no topic resolved")

// Classifier — порт классификатора контента.
type Classifier interface {
	Classify(in classify.Input) classify.Result
}

// TopicResolver — порт менеджера топиков.
type TopicResolver interface {
	GetOrCreateTopic(ctx context.Context, msg gateway.Message, meta classify.Result) (topics.Resolution, error)
	LookupTopic(ctx context.Context, msg gateway.Message, meta classify.Result) (topics.Resolution, bool, error)
	EnsureGeneralTopic(ctx context.Context) (topics.Resolution, error)
}

// Config — поведение движка для одного канала назначения.
type Config struct {
	Enabled              bool
	Mode                 string
	TopicStrategy        string // стратегия менеджера топиков; пишется в привязки
	Fallback             string
	EnableClassification bool
	ConfidenceThreshold  float64 // ниже порога — предупреждение в лог, не отказ
	EnableStats          bool
	Debug                bool
	RetryLimit           int // ёмкость очереди повторов; 0 — DefaultRetryLimit
}

func (c *Config) normalize() {
	if c.Mode == "" {
		c.Mode = ModeAutoCreate
	}
	if c.Fallback == "" {
		c.Fallback = FallbackGeneralTopic
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = DefaultRetryLimit
	}
}

// ConfigFromStore переводит сохранённую конфигурацию канала в конфиг движка.
// Второй результат — была ли конфигурация вообще.
func ConfigFromStore(c *store.OrgConfig) (Config, bool) {
	if c == nil {
		return Config{}, false
	}
	return Config{
		Enabled:              c.Mode != ModeDisabled,
		Mode:                 c.Mode,
		TopicStrategy:        c.TopicStrategy,
		Fallback:             c.FallbackStrategy,
		EnableClassification: c.EnableClassification,
		ConfidenceThreshold:  c.ConfidenceThreshold,
		EnableStats:          c.EnableStats,
		Debug:                c.Debug,
	}, true
}

// Result — итог организации одного сообщения. Success=false означает лишь,
// что топик не решён: доставка сообщения остаётся на совести вызывающего.
type Result struct {
	Success      bool
	TopicID      int // 0 — без топика
	TopicTitle   string
	TopicCreated bool // топик создан в ходе этого вызова
	Category     string
	FallbackUsed bool
	Metadata     *classify.Result
	Err          error
}

// Engine организует сообщения одного прогона в топики канала назначения.
type Engine struct {
	cfg      Config
	channel  int64
	source   string // подпись источника для классификатора
	cls      Classifier
	resolver TopicResolver
	st       *store.Store
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	retry   []gateway.Message
	dropped int
}

// Option настраивает движок при создании.
type Option func(*Engine)

// WithNow подменяет источник времени. Используется в тестах.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine создаёт движок для канала назначения dest. Хранилище может быть
// nil — тогда Commit ничего не записывает.
func NewEngine(dest gateway.Entity, source string, cls Classifier, resolver TopicResolver, st *store.Store, cfg Config, log *zap.Logger, opts ...Option) *Engine {
	cfg.normalize()
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		cfg:      cfg,
		channel:  dest.ID,
		source:   source,
		cls:      cls,
		resolver: resolver,
		st:       st,
		log:      log.With(zap.Int64("channel", dest.ID)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OrganizeMessage классифицирует сообщение и подбирает ему топик.
func (e *Engine) OrganizeMessage(ctx context.Context, msg gateway.Message) Result {
	return e.organize(ctx, msg, true)
}

func (e *Engine) organize(ctx context.Context, msg gateway.Message, allowQueue bool) Result {
	if !e.cfg.Enabled || e.cfg.Mode == ModeDisabled {
		return Result{Success: true}
	}

	var meta *classify.Result
	if e.cfg.EnableClassification && e.cls != nil {
		m := e.cls.Classify(classify.Input{Message: msg, Source: e.source})
		meta = &m
		if e.cfg.Debug {
			e.log.Debug("classification detail",
				zap.Int("message_id", msg.ID),
				zap.String("meta", pr.Pf(m)))
		}
		if e.cfg.ConfidenceThreshold > 0 && m.Confidence < e.cfg.ConfidenceThreshold {
			e.log.Warn("classification confidence below threshold",
				zap.Int("message_id", msg.ID),
				zap.Float64("confidence", m.Confidence),
				zap.Float64("threshold", e.cfg.ConfidenceThreshold))
		}
	}

	res, found, err := e.route(ctx, msg, metaValue(meta))
	if err == nil && found {
		return Result{
			Success:      true,
			TopicID:      res.TopicID,
			TopicTitle:   res.Title,
			TopicCreated: res.Created,
			Category:     categoryOf(meta),
			Metadata:     meta,
		}
	}
	return e.fallback(ctx, msg, meta, err, allowQueue)
}

// route выбирает топик согласно режиму.
func (e *Engine) route(ctx context.Context, msg gateway.Message, meta classify.Result) (topics.Resolution, bool, error) {
	switch e.cfg.Mode {
	case ModeExistingOnly:
		return e.resolver.LookupTopic(ctx, msg, meta)
	case ModeHybrid:
		res, err := e.resolver.GetOrCreateTopic(ctx, msg, meta)
		if err == nil {
			return res, true, nil
		}
		if e.cfg.Debug {
			e.log.Debug("auto create failed, trying existing topics", zap.Error(err))
		}
		return e.resolver.LookupTopic(ctx, msg, meta)
	default: // auto_create
		res, err := e.resolver.GetOrCreateTopic(ctx, msg, meta)
		if err != nil {
			return topics.Resolution{}, false, err
		}
		return res, true, nil
	}
}

// fallback применяет стратегию отката. Постановка в очередь повторов при
// повторной обработке самой очереди управляется allowQueue.
func (e *Engine) fallback(ctx context.Context, msg gateway.Message, meta *classify.Result, cause error, allowQueue bool) Result {
	if cause != nil {
		e.log.Warn("topic routing failed",
			zap.Int("message_id", msg.ID),
			zap.Error(cause))
	}
	base := Result{Category: categoryOf(meta), Metadata: meta, FallbackUsed: true}

	switch e.cfg.Fallback {
	case FallbackNoTopic:
		base.Success = true
		return base
	case FallbackRetryOnce, FallbackQueueForRetry:
		if allowQueue {
			e.enqueueRetry(msg)
		}
		base.Err = cause
		if base.Err == nil {
			base.Err = ErrNoTopic
		}
		return base
	default: // general_topic
		gen, err := e.resolver.EnsureGeneralTopic(ctx)
		if err != nil {
			e.log.Warn("general topic unavailable", zap.Error(err))
			base.Err = err
			return base
		}
		base.Success = true
		base.TopicID = gen.TopicID
		base.TopicTitle = gen.Title
		base.TopicCreated = gen.Created
		return base
	}
}

// enqueueRetry кладёт сообщение в очередь повторов, выталкивая самые старые
// записи при переполнении.
func (e *Engine) enqueueRetry(msg gateway.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.retry) >= e.cfg.RetryLimit {
		drop := len(e.retry) - e.cfg.RetryLimit + 1
		e.retry = append(e.retry[:0], e.retry[drop:]...)
		e.dropped += drop
	}
	e.retry = append(e.retry, msg)
}

// ProcessRetryQueue повторно организует отложенные сообщения. Возвращает
// число удачно организованных и оставшихся без топика. При queue_for_retry
// неудачи возвращаются в очередь, при retry_once — отбрасываются.
func (e *Engine) ProcessRetryQueue(ctx context.Context) (organized, failed int) {
	e.mu.Lock()
	batch := e.retry
	e.retry = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return 0, 0
	}

	requeue := e.cfg.Fallback == FallbackQueueForRetry
	for i, msg := range batch {
		if ctx.Err() != nil {
			e.mu.Lock()
			e.retry = append(e.retry, batch[i:]...)
			e.mu.Unlock()
			break
		}
		res := e.organize(ctx, msg, requeue)
		if res.Success && res.TopicID != 0 {
			organized++
		} else {
			failed++
		}
	}
	e.log.Info("retry queue drained",
		zap.Int("organized", organized),
		zap.Int("failed", failed))
	return organized, failed
}

// RetryQueueLen возвращает текущий размер очереди повторов.
func (e *Engine) RetryQueueLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retry)
}

// DroppedRetries возвращает, сколько записей вытолкнуто из очереди повторов.
func (e *Engine) DroppedRetries() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Commit фиксирует итог организации после успешной доставки: метаданные
// контента, привязку к топику, счётчик топика и дневную статистику.
// delivered — координаты доставленной копии в канале назначения.
func (e *Engine) Commit(ctx context.Context, delivered gateway.MessageRef, res Result) error {
	if e.st == nil {
		return nil
	}
	if res.Metadata != nil {
		m := res.Metadata
		meta := store.ContentMeta{
			ChannelID:   delivered.ChannelID,
			MessageID:   delivered.ID,
			ContentType: m.ContentType,
			Category:    m.Category,
			Subcategory: m.Subcategory,
			FileExt:     m.FileExt,
			FileSize:    m.FileSize,
			MIME:        m.MIME,
			Duration:    m.Duration,
			Width:       m.Width,
			Height:      m.Height,
			Keywords:    m.Keywords,
			Confidence:  m.Confidence,
			Extra:       m.Extra,
		}
		if err := e.st.UpsertContentMetadata(ctx, meta); err != nil {
			return errors.Wrap(err, "content metadata")
		}
	}
	if res.TopicID != 0 {
		a := store.Assignment{
			ChannelID:    delivered.ChannelID,
			MessageID:    delivered.ID,
			TopicID:      res.TopicID,
			TopicTitle:   res.TopicTitle,
			Category:     res.Category,
			Method:       e.assignMethod(res),
			Confidence:   confidenceOf(res.Metadata),
			FallbackUsed: res.FallbackUsed,
			CreatedAt:    e.now(),
		}
		if err := e.st.UpsertAssignment(ctx, a); err != nil {
			return errors.Wrap(err, "assignment")
		}
		if err := e.st.TouchTopic(ctx, e.channel, res.TopicID, e.now(), 1); err != nil {
			return errors.Wrap(err, "touch topic")
		}
	}
	if e.cfg.EnableStats {
		d := store.StatsDelta{
			ChannelID: e.channel,
			Date:      timeutil.DateKey(e.now()),
			Processed: 1,
		}
		switch {
		case res.TopicID != 0:
			d.Successful = 1
		case !res.Success:
			d.Failed = 1
		}
		if res.FallbackUsed {
			d.Fallback = 1
		}
		if res.TopicCreated {
			d.TopicsCreated = 1
		}
		if res.Category != "" {
			d.Categories = map[string]int{res.Category: 1}
		}
		if err := e.st.AccumulateStats(ctx, d); err != nil {
			return errors.Wrap(err, "stats")
		}
	}
	return nil
}

// Способы назначения топика в topic_assignments.
const (
	MethodAuto     = "auto"
	MethodFallback = "fallback"
	MethodManual   = "manual"
)

// assignMethod — чем решён топик: стратегией или откатом.
func (e *Engine) assignMethod(res Result) string {
	if res.FallbackUsed {
		return MethodFallback
	}
	return MethodAuto
}

func metaValue(m *classify.Result) classify.Result {
	if m == nil {
		return classify.Result{}
	}
	return *m
}

func categoryOf(m *classify.Result) string {
	if m == nil {
		return ""
	}
	return m.Category
}

func confidenceOf(m *classify.Result) float64 {
	if m == nil {
		return 0
	}
	return m.Confidence
}
