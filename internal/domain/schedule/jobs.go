package schedule

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"spectra/internal/domain/accounts"
	"spectra/internal/domain/classify"
	"spectra/internal/domain/forwarder"
	"spectra/internal/domain/gateway"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/store"
)

// ChannelForwardParams — параметры задания channel_forward.
type ChannelForwardParams struct {
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	Account        string `json:"account,omitempty"`
	StartMessageID int    `json:"start_message_id,omitempty"`
	TopicID        int    `json:"topic_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// FileForwardParams — параметры задания file_forward. Types фильтрует по
// типу контента (document, video, audio...); нулевые границы размера
// означают «без ограничения».
type FileForwardParams struct {
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Types       []string `json:"types,omitempty"`
	MinSize     int64    `json:"min_size,omitempty"`
	MaxSize     int64    `json:"max_size,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// MassMigrationParams — параметры задания mass_migration.
type MassMigrationParams struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Account     string `json:"account,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// GenericParams — параметры задания generic.
type GenericParams struct {
	Command string `json:"command"`
}

// Params разбирает params_json записи в типизированную структуру.
func Params[T any](raw string) (T, error) {
	var p T
	if raw == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, errors.Wrap(err, "schedule params")
	}
	return p, nil
}

// Jobs — стандартный набор исполнителей видов заданий.
type Jobs struct {
	fwd      *forwarder.Forwarder
	st       *store.Store
	pool     *accounts.Pool
	provider gateway.Provider
	now      func() time.Time
}

// NewJobs собирает исполнителей поверх форвардера, пула и хранилища.
func NewJobs(fwd *forwarder.Forwarder, st *store.Store, pool *accounts.Pool, provider gateway.Provider) *Jobs {
	return &Jobs{fwd: fwd, st: st, pool: pool, provider: provider, now: time.Now}
}

// Handlers — отображение вида задания на исполнителя для планировщика.
func (j *Jobs) Handlers() map[string]JobFunc {
	return map[string]JobFunc{
		KindChannelForward: j.ChannelForward,
		KindFileForward:    j.FileForward,
		KindMassMigration:  j.MassMigration,
		KindGeneric:        j.Generic,
	}
}

// ChannelForward гонит полный конвейер пересылки канала. Дубликаты отсекает
// дедупликатор, поэтому периодические прогоны безопасны.
func (j *Jobs) ChannelForward(ctx context.Context, e store.ScheduleEntry) error {
	p, err := Params[ChannelForwardParams](e.ParamsJSON)
	if err != nil {
		return err
	}
	if p.Source == "" {
		return errors.New("channel_forward: source is required")
	}
	res, err := j.fwd.Run(ctx, forwarder.Job{
		Origin:         p.Source,
		Dest:           p.Destination,
		Account:        p.Account,
		StartMessageID: p.StartMessageID,
		TopicID:        p.TopicID,
		Limit:          p.Limit,
	})
	if err != nil {
		return err
	}
	logger.Info("schedule: channel forward done",
		zap.Int64("id", e.ID),
		zap.String("source", p.Source),
		zap.Int("forwarded", res.MessagesForwarded),
		zap.Int("duplicates", res.Duplicates))
	return nil
}

// FileForward сканирует источник и ставит подходящие файлы в очередь
// пофайловой пересылки. Уже виденные сообщения не дублируются.
func (j *Jobs) FileForward(ctx context.Context, e store.ScheduleEntry) error {
	p, err := Params[FileForwardParams](e.ParamsJSON)
	if err != nil {
		return err
	}
	if p.Source == "" || p.Destination == "" {
		return errors.New("file_forward: source and destination are required")
	}

	lease, err := j.pool.Select(ctx, "")
	if err != nil {
		return err
	}
	defer lease.Release()
	gw, err := j.provider.Gateway(lease.Name())
	if err != nil {
		return err
	}
	origin, err := gw.ResolveEntity(ctx, p.Source)
	if err != nil {
		return errors.Wrapf(err, "resolve %q", p.Source)
	}

	it := gw.IterMessages(ctx, origin, gateway.IterOptions{
		Reverse:   true,
		MediaOnly: true,
		Limit:     p.Limit,
	})
	enqueued, scanned := 0, 0
	for it.Next(ctx) {
		m := it.Value()
		scanned++
		if !j.wantFile(m, p) {
			continue
		}
		seen, err := j.st.QueueContains(ctx, origin.ID, m.ID)
		if err != nil {
			return err
		}
		if seen {
			continue
		}
		if _, err := j.st.EnqueueFile(ctx, store.QueueItem{
			ScheduleID:    e.ID,
			OriginChannel: origin.ID,
			MessageID:     m.ID,
			FileID:        m.File.ID,
			Destination:   p.Destination,
			EnqueuedAt:    j.now(),
		}); err != nil {
			return err
		}
		enqueued++
	}
	if err := it.Err(); err != nil {
		return err
	}
	logger.Info("schedule: files enqueued",
		zap.Int64("id", e.ID),
		zap.String("source", p.Source),
		zap.Int("scanned", scanned),
		zap.Int("enqueued", enqueued))
	return nil
}

// wantFile — проходит ли сообщение фильтры задания.
func (j *Jobs) wantFile(m gateway.Message, p FileForwardParams) bool {
	if !m.HasFile() {
		return false
	}
	if p.MinSize > 0 && m.File.Size < p.MinSize {
		return false
	}
	if p.MaxSize > 0 && m.File.Size > p.MaxSize {
		return false
	}
	if len(p.Types) == 0 {
		return true
	}
	ct := classify.ContentTypeOf(m)
	for _, t := range p.Types {
		if t == ct {
			return true
		}
	}
	return false
}

// MassMigration зеркалирует источник в назначение с прогрессом в базе.
func (j *Jobs) MassMigration(ctx context.Context, e store.ScheduleEntry) error {
	p, err := Params[MassMigrationParams](e.ParamsJSON)
	if err != nil {
		return err
	}
	if p.Source == "" || p.Destination == "" {
		return errors.New("mass_migration: source and destination are required")
	}
	res, err := j.fwd.Mirror(ctx, forwarder.MirrorJob{
		Source:  p.Source,
		Dest:    p.Destination,
		Account: p.Account,
		Limit:   p.Limit,
	})
	if err != nil {
		return err
	}
	logger.Info("schedule: mass migration done",
		zap.Int64("id", e.ID),
		zap.String("source", p.Source),
		zap.Int("mirrored", res.MessagesForwarded),
		zap.Int("last_id", res.LastMessageID))
	return nil
}

// Generic — регистрируемое задание без встроенного действия: хук для
// внешних исполнителей, пока только логируется.
func (j *Jobs) Generic(ctx context.Context, e store.ScheduleEntry) error {
	p, err := Params[GenericParams](e.ParamsJSON)
	if err != nil {
		return err
	}
	logger.Info("schedule: generic job acknowledged",
		zap.Int64("id", e.ID),
		zap.String("name", e.Name),
		zap.String("command", p.Command))
	return nil
}
