package forwarder

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"spectra/internal/domain/accounts"
	"spectra/internal/domain/gateway"
	"spectra/internal/infra/store"
)

// mirrorFlushEvery — сколько зеркалированных пар копить до записи в базу.
const mirrorFlushEvery = 64

// deleteChunkSize — размер порции id для messages.deleteMessages при откате.
const deleteChunkSize = 100

// MirrorJob — задание массовой миграции: полное зеркало источника в
// назначение, без группировки, дедупликации и атрибуции, с курсором
// возобновления в базе.
type MirrorJob struct {
	Source  string
	Dest    string
	Account string
	Limit   int // максимум сообщений за прогон; 0 — до конца истории
}

// Mirror зеркалирует историю источника поверх сохранённого курсора. Прогон
// можно прерывать: курсор пишется вместе с каждой порцией пар, повторный
// запуск продолжит со следующего сообщения.
func (f *Forwarder) Mirror(ctx context.Context, job MirrorJob) (Result, error) {
	var res Result

	lease, err := f.pool.Select(ctx, job.Account)
	if err != nil {
		return res, errors.Wrap(err, "select account")
	}
	defer lease.Release()

	gw, err := f.provider.Gateway(lease.Name())
	if err != nil {
		return res, errors.Wrapf(err, "gateway %s", lease.Name())
	}
	src, err := gw.ResolveEntity(ctx, job.Source)
	if err != nil {
		return res, errors.Wrapf(err, "resolve source %q", job.Source)
	}
	dst, err := f.resolveDest(ctx, gw, job.Dest)
	if err != nil {
		return res, err
	}

	log := f.log.With(
		zap.String("account", lease.Name()),
		zap.Int64("source", src.ID),
		zap.Int64("dest", dst.ID))

	minID := 0
	if prog, err := f.st.GetMirrorProgress(ctx, src.ID, dst.ID); err != nil {
		return res, errors.Wrap(err, "load mirror progress")
	} else if prog != nil {
		minID = prog.LastMessageID
	}
	if err := f.setMirrorState(ctx, src.ID, dst.ID, minID, store.MirrorRunning); err != nil {
		return res, err
	}
	log.Info("mirror started", zap.Int("resume_after", minID))

	var pending []store.MirrorPair
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := f.st.RecordMirrored(ctx, src.ID, dst.ID, pending, f.now()); err != nil {
			return errors.Wrap(err, "record mirrored")
		}
		last := pending[len(pending)-1].SourceMessageID
		pending = pending[:0]
		return f.setMirrorState(ctx, src.ID, dst.ID, last, store.MirrorRunning)
	}

	iter := gw.IterMessages(ctx, src, gateway.IterOptions{
		MinID:   minID,
		Limit:   job.Limit,
		Reverse: true,
	})
	for iter.Next(ctx) {
		msg := iter.Value()
		ref, err := f.mirrorOne(ctx, log, gw, lease, src, dst, msg.ID)
		if err != nil {
			if ferr := flush(); ferr != nil {
				log.Warn("flush on abort failed", zap.Error(ferr))
			}
			return res, errors.Wrapf(err, "mirror message %d", msg.ID)
		}
		pending = append(pending, store.MirrorPair{SourceMessageID: msg.ID, DestMessageID: ref.ID})
		res.MessagesForwarded++
		if msg.HasFile() {
			res.FilesForwarded++
			res.BytesForwarded += msg.File.Size
		}
		if msg.ID > res.LastMessageID {
			res.LastMessageID = msg.ID
		}
		if len(pending) >= mirrorFlushEvery {
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		if ferr := flush(); ferr != nil {
			log.Warn("flush on abort failed", zap.Error(ferr))
		}
		return res, errors.Wrap(err, "read history")
	}
	if err := flush(); err != nil {
		return res, err
	}

	last := res.LastMessageID
	if last < minID {
		last = minID
	}
	if err := f.setMirrorState(ctx, src.ID, dst.ID, last, store.MirrorDone); err != nil {
		return res, err
	}
	log.Info("mirror finished",
		zap.Int("mirrored", res.MessagesForwarded),
		zap.Int("last_id", last))
	return res, nil
}

// mirrorOne пересылает одно сообщение с одним повтором после FloodWait.
func (f *Forwarder) mirrorOne(ctx context.Context, log *zap.Logger, gw gateway.Gateway, lease *accounts.Lease, src, dst gateway.Entity, id int) (gateway.MessageRef, error) {
	for attempt := 0; ; attempt++ {
		refs, err := gw.ForwardMessages(ctx, dst, src, []int{id}, 0)
		if err == nil {
			if len(refs) == 0 {
				return gateway.MessageRef{ChannelID: dst.ID}, nil
			}
			return refs[0], nil
		}
		sec, ok := gateway.AsFloodWait(err)
		if !ok || attempt > 0 {
			return gateway.MessageRef{}, err
		}
		_ = f.pool.MarkFloodWait(ctx, lease.Name(), sec)
		log.Warn("flood wait during mirror",
			zap.Int("message_id", id),
			zap.Int("seconds", sec))
		if serr := f.sleep(ctx, time.Duration(sec+1)*time.Second); serr != nil {
			return gateway.MessageRef{}, serr
		}
	}
}

// Rollback удаляет из назначения всё, что было зеркалировано для пары
// каналов, и очищает пары. Возвращает число удалённых сообщений.
func (f *Forwarder) Rollback(ctx context.Context, source, destRef, account string) (int, error) {
	lease, err := f.pool.Select(ctx, account)
	if err != nil {
		return 0, errors.Wrap(err, "select account")
	}
	defer lease.Release()

	gw, err := f.provider.Gateway(lease.Name())
	if err != nil {
		return 0, errors.Wrapf(err, "gateway %s", lease.Name())
	}
	src, err := gw.ResolveEntity(ctx, source)
	if err != nil {
		return 0, errors.Wrapf(err, "resolve source %q", source)
	}
	dst, err := f.resolveDest(ctx, gw, destRef)
	if err != nil {
		return 0, err
	}

	pairs, err := f.st.MirroredMessages(ctx, src.ID, dst.ID)
	if err != nil {
		return 0, errors.Wrap(err, "load mirrored pairs")
	}
	ids := make([]int, 0, len(pairs))
	for _, p := range pairs {
		if p.DestMessageID != 0 {
			ids = append(ids, p.DestMessageID)
		}
	}

	deleted := 0
	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]
		if err := f.deleteChunk(ctx, gw, lease, dst, chunk); err != nil {
			return deleted, errors.Wrapf(err, "delete messages %d..%d", chunk[0], chunk[len(chunk)-1])
		}
		deleted += len(chunk)
	}

	if err := f.st.DeleteMirrored(ctx, src.ID, dst.ID); err != nil {
		return deleted, errors.Wrap(err, "clear mirrored pairs")
	}
	if err := f.setMirrorState(ctx, src.ID, dst.ID, 0, store.MirrorRolledBack); err != nil {
		return deleted, err
	}
	f.log.Info("mirror rolled back",
		zap.Int64("source", src.ID),
		zap.Int64("dest", dst.ID),
		zap.Int("deleted", deleted))
	return deleted, nil
}

// deleteChunk удаляет порцию сообщений с одним повтором после FloodWait.
func (f *Forwarder) deleteChunk(ctx context.Context, gw gateway.Gateway, lease *accounts.Lease, dst gateway.Entity, ids []int) error {
	for attempt := 0; ; attempt++ {
		err := gw.DeleteMessages(ctx, dst, ids)
		if err == nil {
			return nil
		}
		sec, ok := gateway.AsFloodWait(err)
		if !ok || attempt > 0 {
			return err
		}
		_ = f.pool.MarkFloodWait(ctx, lease.Name(), sec)
		if serr := f.sleep(ctx, time.Duration(sec+1)*time.Second); serr != nil {
			return serr
		}
	}
}

func (f *Forwarder) setMirrorState(ctx context.Context, src, dst int64, lastID int, status string) error {
	err := f.st.SetMirrorProgress(ctx, store.MirrorProgress{
		SourceChannel: src,
		DestChannel:   dst,
		LastMessageID: lastID,
		Status:        status,
		UpdatedAt:     f.now(),
	})
	return errors.Wrap(err, "save mirror progress")
}
