// Package schedule — планировщик повторяющихся заданий. Раз в секунду
// сверяет cron-выражения включённых записей с часами; каждая запись
// выполняется максимум в одном экземпляре, перехлёст пропускается с
// предупреждением. Снимок ближайших срабатываний персистится в файл,
// чтобы рестарт продолжал с того же места.
package schedule

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"spectra/internal/infra/concurrency"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/storage"
	"spectra/internal/infra/store"
)

// Виды заданий.
const (
	KindChannelForward = "channel_forward"
	KindFileForward    = "file_forward"
	KindMassMigration  = "mass_migration"
	KindGeneric        = "generic"
)

const (
	// DefaultTick — шаг опроса расписаний.
	DefaultTick = time.Second
	// snapshotDebounce — пауза коалесцирования записей снимка.
	snapshotDebounce = 2 * time.Second
	// snapshotKey — единственный ключ дебаунсера снимка.
	snapshotKey = "snapshot"
)

// ErrEntryInFlight — запись уже выполняется.
var ErrEntryInFlight = errors.New("schedule entry already running")

// JobFunc — исполнитель задания одного вида.
type JobFunc func(ctx context.Context, entry store.ScheduleEntry) error

// ValidateCron проверяет cron-выражение (пять полей, стандартный разбор).
func ValidateCron(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// EntryStatus — запись расписания с вычисленным временем следующего
// срабатывания (для отчёта оператору).
type EntryStatus struct {
	Entry    store.ScheduleEntry
	NextFire time.Time
	InFlight bool
}

// Option — настройка планировщика.
type Option func(*Scheduler)

// WithTick меняет шаг опроса (в тестах — чаще).
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithNow подменяет источник времени (для тестов).
func WithNow(fn func() time.Time) Option {
	return func(s *Scheduler) { s.now = fn }
}

// Scheduler — однопоточный цикл оценки расписаний с фоновыми исполнителями.
type Scheduler struct {
	st        *store.Store
	handlers  map[string]JobFunc
	loc       *time.Location
	stateFile string

	tick time.Duration
	now  func() time.Time

	mu       sync.Mutex
	inflight map[int64]bool
	base     map[int64]time.Time // точка отсчёта next: last_run либо первая встреча
	next     map[int64]time.Time // ближайшее срабатывание (для снимка и отчёта)

	deb *concurrency.Debouncer[string]
	wg  sync.WaitGroup
}

// New собирает планировщик. handlers отображает вид задания на исполнителя;
// loc задаёт часовой пояс cron-выражений; stateFile — путь снимка (пустой —
// без персиста).
func New(st *store.Store, handlers map[string]JobFunc, loc *time.Location, stateFile string, opts ...Option) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		st:        st,
		handlers:  handlers,
		loc:       loc,
		stateFile: stateFile,
		tick:      DefaultTick,
		now:       time.Now,
		inflight:  map[int64]bool{},
		base:      map[int64]time.Time{},
		next:      map[int64]time.Time{},
		deb:       concurrency.NewDebouncer[string](snapshotDebounce),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.loadSnapshot()
	return s
}

// Run крутит цикл оценки до отмены контекста, затем дожидается хвоста
// запущенных заданий и сбрасывает снимок.
func (s *Scheduler) Run(ctx context.Context) error {
	s.deb.Start(ctx)
	logger.Info("scheduler: started",
		zap.Duration("tick", s.tick),
		zap.String("state_file", s.stateFile))
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.deb.Stop()
			logger.Info("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Tick(ctx, s.now()); err != nil {
				if ctx.Err() != nil {
					continue
				}
				logger.Warn("scheduler: tick failed", zap.Error(err))
			}
		}
	}
}

// Tick выполняет одну оценку расписаний на момент at и возвращает число
// запущенных заданий. Задания стартуют в фоне; перехлёст пропускается.
func (s *Scheduler) Tick(ctx context.Context, at time.Time) (int, error) {
	entries, err := s.st.ListSchedules(ctx, true)
	if err != nil {
		return 0, err
	}
	at = at.In(s.loc)

	fired := 0
	alive := map[int64]struct{}{}
	for _, e := range entries {
		alive[e.ID] = struct{}{}
		sched, err := cron.ParseStandard(e.CronExpr)
		if err != nil {
			logger.Warn("scheduler: bad cron expression",
				zap.Int64("id", e.ID),
				zap.String("name", e.Name),
				zap.String("cron", e.CronExpr),
				zap.Error(err))
			continue
		}
		if s.fireIfDue(ctx, e, sched, at) {
			fired++
		}
	}
	s.prune(alive)
	return fired, nil
}

// fireIfDue вычисляет ближайшее срабатывание записи и при необходимости
// запускает задание. true — задание запущено.
func (s *Scheduler) fireIfDue(ctx context.Context, e store.ScheduleEntry, sched cron.Schedule, at time.Time) bool {
	s.mu.Lock()
	base := e.LastRunAt
	if base.IsZero() {
		base = s.base[e.ID]
	}
	if base.IsZero() {
		// Первая встреча: запись ждёт своего cron-времени, а не стреляет
		// сразу при добавлении.
		s.base[e.ID] = at
		s.next[e.ID] = sched.Next(at)
		s.mu.Unlock()
		s.persistSnapshot()
		return false
	}
	next := sched.Next(base.In(s.loc))
	s.next[e.ID] = next
	if next.After(at) {
		s.mu.Unlock()
		return false
	}
	if s.inflight[e.ID] {
		s.mu.Unlock()
		logger.Warn("scheduler: run overlaps, skipping",
			zap.Int64("id", e.ID),
			zap.String("name", e.Name))
		return false
	}
	s.inflight[e.ID] = true
	s.base[e.ID] = at
	s.next[e.ID] = sched.Next(at)
	s.mu.Unlock()

	if err := s.st.TouchScheduleRun(ctx, e.ID, at); err != nil {
		logger.Warn("scheduler: last_run not recorded",
			zap.Int64("id", e.ID),
			zap.Error(err))
	}
	s.persistSnapshot()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.clearInflight(e.ID)
		s.execute(ctx, e)
	}()
	return true
}

// RunEntry выполняет запись немедленно и синхронно, вне её cron-расписания
// (операторский «запустить сейчас»). Перехлёст с уже идущим экземпляром —
// ошибка ErrEntryInFlight.
func (s *Scheduler) RunEntry(ctx context.Context, id int64) error {
	e, err := s.st.GetSchedule(ctx, id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.inflight[e.ID] {
		s.mu.Unlock()
		return errors.Wrapf(ErrEntryInFlight, "%q", e.Name)
	}
	s.inflight[e.ID] = true
	now := s.now().In(s.loc)
	s.base[e.ID] = now
	s.mu.Unlock()
	defer s.clearInflight(e.ID)

	if err := s.st.TouchScheduleRun(ctx, e.ID, now); err != nil {
		logger.Warn("scheduler: last_run not recorded",
			zap.Int64("id", e.ID),
			zap.Error(err))
	}
	s.persistSnapshot()
	return s.execute(ctx, e)
}

// Report — записи расписаний с ближайшими срабатываниями.
func (s *Scheduler) Report(ctx context.Context) ([]EntryStatus, error) {
	entries, err := s.st.ListSchedules(ctx, false)
	if err != nil {
		return nil, err
	}
	now := s.now().In(s.loc)
	out := make([]EntryStatus, 0, len(entries))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		st := EntryStatus{Entry: e, InFlight: s.inflight[e.ID]}
		if e.Enabled {
			if sched, err := cron.ParseStandard(e.CronExpr); err == nil {
				base := e.LastRunAt
				if base.IsZero() {
					base = s.base[e.ID]
				}
				if base.IsZero() {
					base = now
				}
				st.NextFire = sched.Next(base.In(s.loc))
			}
		}
		out = append(out, st)
	}
	return out, nil
}

// execute запускает исполнителя вида задания и логирует исход.
func (s *Scheduler) execute(ctx context.Context, e store.ScheduleEntry) error {
	handler, ok := s.handlers[e.Kind]
	if !ok {
		logger.Warn("scheduler: unknown job kind",
			zap.Int64("id", e.ID),
			zap.String("kind", e.Kind))
		return errors.Errorf("unknown schedule kind %q", e.Kind)
	}
	started := s.now()
	logger.Info("scheduler: job started",
		zap.Int64("id", e.ID),
		zap.String("name", e.Name),
		zap.String("kind", e.Kind))
	err := handler(ctx, e)
	if err != nil {
		logger.Warn("scheduler: job failed",
			zap.Int64("id", e.ID),
			zap.String("name", e.Name),
			zap.Duration("took", s.now().Sub(started)),
			zap.Error(err))
		return err
	}
	logger.Info("scheduler: job finished",
		zap.Int64("id", e.ID),
		zap.String("name", e.Name),
		zap.Duration("took", s.now().Sub(started)))
	return nil
}

func (s *Scheduler) clearInflight(id int64) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// prune выбрасывает из памяти записи, которых больше нет в базе.
func (s *Scheduler) prune(alive map[int64]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.base {
		if _, ok := alive[id]; !ok {
			delete(s.base, id)
			delete(s.next, id)
		}
	}
}

// snapshotState — формат файла снимка.
type snapshotState struct {
	SavedAt time.Time               `json:"saved_at"`
	Entries map[int64]snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Base time.Time `json:"base"`
	Next time.Time `json:"next"`
}

// persistSnapshot планирует атомарную запись снимка; частые изменения
// коалесцируются дебаунсером.
func (s *Scheduler) persistSnapshot() {
	if s.stateFile == "" {
		return
	}
	s.deb.Do(snapshotKey, func() {
		s.mu.Lock()
		state := snapshotState{
			SavedAt: s.now(),
			Entries: make(map[int64]snapshotEntry, len(s.base)),
		}
		for id, base := range s.base {
			state.Entries[id] = snapshotEntry{Base: base, Next: s.next[id]}
		}
		s.mu.Unlock()

		data, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			logger.Warn("scheduler: snapshot marshal failed", zap.Error(err))
			return
		}
		if err := storage.AtomicWriteFile(s.stateFile, data); err != nil {
			logger.Warn("scheduler: snapshot not written", zap.Error(err))
		}
	})
}

// loadSnapshot восстанавливает точки отсчёта из файла снимка (best-effort).
func (s *Scheduler) loadSnapshot() {
	if s.stateFile == "" {
		return
	}
	data, err := os.ReadFile(s.stateFile)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("scheduler: snapshot not read", zap.Error(err))
		}
		return
	}
	var state snapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warn("scheduler: snapshot corrupted, ignoring", zap.Error(err))
		return
	}
	s.mu.Lock()
	for id, e := range state.Entries {
		s.base[id] = e.Base
		s.next[id] = e.Next
	}
	s.mu.Unlock()
	logger.Info("scheduler: snapshot restored",
		zap.Int("entries", len(state.Entries)),
		zap.Time("saved_at", state.SavedAt))
}
