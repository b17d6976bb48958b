// Package queue — воркер персистентной очереди пофайловой пересылки.
// Очередь наполняют расписания вида file_forward; воркер дренирует её
// пачками, уважая приоритет породившего расписания и лимит полосы.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"spectra/internal/domain/accounts"
	"spectra/internal/domain/dedup"
	"spectra/internal/domain/gateway"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/store"
)

const (
	// DefaultBatch — сколько элементов берётся за один дренаж.
	DefaultBatch = 50
	// DefaultInterval — пауза между дренажами в фоновом режиме.
	DefaultInterval = 30 * time.Second
	// itemTimeout — потолок на обработку одного элемента.
	itemTimeout = 5 * time.Minute
	// maxStatusLen — длина причины неудачи в колонке статуса.
	maxStatusLen = 200
)

// Summary — итог одного дренажа.
type Summary struct {
	Processed  int // элементов взято из очереди
	Forwarded  int // успешно переслано
	Duplicates int // пропущено как дубликаты
	Failed     int // помечено error:<msg>
	Requeued   int // оставлено pending (flood wait, обрыв)
}

// Option — настройка воркера.
type Option func(*Worker)

// WithBandwidthLimit включает лимит полосы в КиБ/с. Ноль — без лимита.
func WithBandwidthLimit(kibps int) Option {
	return func(w *Worker) {
		if kibps <= 0 {
			w.limiter = nil
			return
		}
		bytesPerSec := kibps * 1024
		w.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
	}
}

// WithBatch задаёт размер пачки дренажа.
func WithBatch(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithInterval задаёт паузу фонового цикла.
func WithInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithNow подменяет источник времени (для тестов).
func WithNow(fn func() time.Time) Option {
	return func(w *Worker) { w.now = fn }
}

// Worker дренирует file_forward_queue: приоритет расписания по убыванию,
// внутри приоритета — FIFO.
type Worker struct {
	st       *store.Store
	pool     *accounts.Pool
	provider gateway.Provider
	dd       *dedup.Deduplicator // nil — без дедупликации
	scratch  string              // корень для временных скачиваний

	limiter  *rate.Limiter
	batch    int
	interval time.Duration
	now      func() time.Time
}

// NewWorker собирает воркер очереди. dd может быть nil: тогда успех
// фиксируется без записи хэшей.
func NewWorker(st *store.Store, pool *accounts.Pool, provider gateway.Provider, dd *dedup.Deduplicator, scratchRoot string, opts ...Option) *Worker {
	w := &Worker{
		st:       st,
		pool:     pool,
		provider: provider,
		dd:       dd,
		scratch:  scratchRoot,
		batch:    DefaultBatch,
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run дренирует очередь по таймеру до отмены контекста.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.DrainOnce(ctx, w.batch); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("queue: drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce обрабатывает до limit ожидающих элементов. Ошибка отдельного
// элемента фиксируется в его статусе и не прерывает дренаж; прерывают его
// только отмена контекста и flood wait на аккаунте.
func (w *Worker) DrainOnce(ctx context.Context, limit int) (Summary, error) {
	if limit <= 0 {
		limit = w.batch
	}
	var sum Summary
	items, err := w.st.DequeuePendingFiles(ctx, limit)
	if err != nil {
		return sum, err
	}
	if len(items) == 0 {
		return sum, nil
	}

	var scratch *dedup.Scratch
	if w.dd != nil {
		scratch, err = dedup.NewScratch(w.scratch)
		if err != nil {
			return sum, err
		}
		defer scratch.Cleanup()
	}

	logger.Info("queue: drain started",
		zap.Int("items", len(items)),
		zap.Int("limit", limit))
	for _, it := range items {
		if ctx.Err() != nil {
			sum.Requeued += len(items) - sum.Processed
			return sum, ctx.Err()
		}
		sum.Processed++
		stop := w.processItem(ctx, scratch, it, &sum)
		if stop {
			sum.Requeued += len(items) - sum.Processed
			break
		}
	}
	logger.Info("queue: drain finished",
		zap.Int("processed", sum.Processed),
		zap.Int("forwarded", sum.Forwarded),
		zap.Int("duplicates", sum.Duplicates),
		zap.Int("failed", sum.Failed),
		zap.Int("requeued", sum.Requeued))
	return sum, nil
}

// ErrNoDestination — ни строка очереди, ни её расписание не знают получателя.
var ErrNoDestination = errors.New("queue item has no destination")

// processItem обрабатывает один элемент; true — дренаж надо прервать
// (аккаунт ушёл в кулдаун либо оборвался контекст).
func (w *Worker) processItem(ctx context.Context, scratch *dedup.Scratch, it store.QueueItem, sum *Summary) bool {
	ictx, cancel := context.WithTimeout(ctx, itemTimeout)
	defer cancel()

	dup, err := w.forwardItem(ictx, scratch, it)
	switch {
	case err == nil && dup:
		sum.Duplicates++
		logger.Info("queue: duplicate skipped",
			zap.Int64("queue_id", it.QueueID),
			zap.Int("message_id", it.MessageID))
		w.mark(ctx, it.QueueID, store.QueueSuccess)
		return false
	case err == nil:
		sum.Forwarded++
		w.mark(ctx, it.QueueID, store.QueueSuccess)
		return false
	default:
		if sec, ok := gateway.AsFloodWait(err); ok {
			// Элемент остаётся pending: следующий дренаж дойдёт до него
			// уже другим аккаунтом либо после кулдауна.
			sum.Requeued++
			logger.Warn("queue: flood wait, item requeued",
				zap.Int64("queue_id", it.QueueID),
				zap.Int("seconds", sec))
			return true
		}
		if ctx.Err() != nil {
			sum.Requeued++
			return true
		}
		sum.Failed++
		logger.Warn("queue: item failed",
			zap.Int64("queue_id", it.QueueID),
			zap.Int("message_id", it.MessageID),
			zap.Error(err))
		w.mark(ctx, it.QueueID, store.QueueErrorStatus(truncate(err.Error(), maxStatusLen)))
		return false
	}
}

// forwardItem выполняет пересылку одного элемента целиком: аренда аккаунта,
// разрешение сущностей, проверка дубликата, доставка, запись хэшей.
// true без ошибки — элемент оказался дубликатом и не пересылался.
func (w *Worker) forwardItem(ctx context.Context, scratch *dedup.Scratch, it store.QueueItem) (bool, error) {
	destRef, err := w.resolveDestination(ctx, it)
	if err != nil {
		return false, err
	}

	lease, err := w.pool.Select(ctx, "")
	if err != nil {
		return false, err
	}
	defer lease.Release()

	gw, err := w.provider.Gateway(lease.Name())
	if err != nil {
		return false, err
	}

	origin, err := gw.ResolveEntity(ctx, strconv.FormatInt(it.OriginChannel, 10))
	if err != nil {
		return false, w.accountAware(ctx, lease.Name(), err)
	}
	dest, err := gw.ResolveEntity(ctx, destRef)
	if err != nil {
		return false, w.accountAware(ctx, lease.Name(), err)
	}

	msgs, err := gw.GetMessages(ctx, origin, []int{it.MessageID})
	if err != nil {
		return false, w.accountAware(ctx, lease.Name(), err)
	}
	if len(msgs) == 0 {
		return false, errors.Errorf("message %d missing in origin %d", it.MessageID, it.OriginChannel)
	}
	msg := msgs[0]

	if w.dd != nil {
		dup, err := w.dd.IsDuplicate(ctx, scratch, []gateway.Message{msg}, gw)
		if err != nil {
			return false, err
		}
		if dup {
			return true, nil
		}
	}

	if _, err := gw.ForwardMessages(ctx, dest, origin, []int{it.MessageID}, 0); err != nil {
		return false, w.accountAware(ctx, lease.Name(), err)
	}

	if w.dd != nil {
		if err := w.dd.RecordForwarded(ctx, scratch, []gateway.Message{msg}, 0, gw, w.now()); err != nil {
			logger.Warn("queue: forwarded but not recorded",
				zap.Int64("queue_id", it.QueueID),
				zap.Error(err))
		}
	}

	if msg.File != nil {
		if err := w.charge(ctx, msg.File.Size); err != nil {
			return false, err
		}
	}
	return false, nil
}

// resolveDestination выбирает получателя: из самой строки очереди либо из
// породившего расписания.
func (w *Worker) resolveDestination(ctx context.Context, it store.QueueItem) (string, error) {
	if it.Destination != "" {
		return it.Destination, nil
	}
	if it.ScheduleID == 0 {
		return "", ErrNoDestination
	}
	entry, err := w.st.GetSchedule(ctx, it.ScheduleID)
	if err != nil {
		return "", err
	}
	var params struct {
		Destination string `json:"destination"`
	}
	if err := json.Unmarshal([]byte(entry.ParamsJSON), &params); err != nil {
		return "", errors.Wrap(err, "schedule params")
	}
	if params.Destination == "" {
		return "", ErrNoDestination
	}
	return params.Destination, nil
}

// accountAware конвертирует flood wait и баны в смену статуса аккаунта.
func (w *Worker) accountAware(ctx context.Context, account string, err error) error {
	if sec, ok := gateway.AsFloodWait(err); ok {
		if markErr := w.pool.MarkFloodWait(ctx, account, sec); markErr != nil {
			logger.Warn("queue: flood wait not recorded", zap.Error(markErr))
		}
	}
	return err
}

// charge списывает размер файла из бюджета полосы, при необходимости
// засыпая. Файлы крупнее секундного бюджета списываются по частям.
func (w *Worker) charge(ctx context.Context, size int64) error {
	if w.limiter == nil || size <= 0 {
		return nil
	}
	burst := int64(w.limiter.Burst())
	for size > 0 {
		chunk := size
		if chunk > burst {
			chunk = burst
		}
		if err := w.limiter.WaitN(ctx, int(chunk)); err != nil {
			return err
		}
		size -= chunk
	}
	return nil
}

func (w *Worker) mark(ctx context.Context, queueID int64, status string) {
	if err := w.st.MarkQueueEntry(ctx, queueID, status, w.now()); err != nil {
		logger.Warn("queue: status not recorded",
			zap.Int64("queue_id", queueID),
			zap.Error(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
