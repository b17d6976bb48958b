// Package dedup — глобальная дедупликация файлов. Файл считается дубликатом,
// если его SHA-256 уже встречался где угодно раньше; решение принимается по
// содержимому, а не по имени или подписи. Группа — атом проверки: дубликат
// любого участника бракует всю группу, запись успешной доставки тоже идёт
// всей группой либо никак.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"spectra/internal/domain/gateway"
	"spectra/internal/infra/logger"
	"spectra/internal/infra/storage"
	"spectra/internal/infra/store"
)

var (
	// ErrDownloadFailed — вложение не удалось скачать для хэширования.
	ErrDownloadFailed = errors.New("download failed")
	// ErrHashMismatch — содержимое scratch-файла изменилось между
	// проверкой и записью; фиксировать такой хэш нельзя.
	ErrHashMismatch = errors.New("hash mismatch")
)

// Downloader — то, что умеет скачать вложение сообщения в файл.
// Обычно это gateway.Gateway; в тестах — фейк.
type Downloader interface {
	DownloadMedia(ctx context.Context, msg gateway.Message, toPath string) (int64, error)
}

// Scratch — временный каталог одного прогона. Файл скачивается сюда один
// раз и переиспользуется между IsDuplicate и RecordForwarded; первый
// вычисленный хэш запоминается, и повторное хэширование сверяется с ним.
// Scratch не потокобезопасен: один прогон — одна горутина.
type Scratch struct {
	dir  string
	seen map[string]string // путь -> sha256 первого прохода
}

// NewScratch создаёт уникальный подкаталог прогона внутри root.
func NewScratch(root string) (*Scratch, error) {
	dir := filepath.Join(root, "run-"+uuid.NewString())
	if err := storage.EnsureDirPath(dir); err != nil {
		return nil, errors.Wrap(err, "scratch dir")
	}
	return &Scratch{dir: dir, seen: map[string]string{}}, nil
}

// Dir — путь каталога прогона.
func (s *Scratch) Dir() string { return s.dir }

// Path — детерминированный путь файла сообщения внутри каталога прогона.
func (s *Scratch) Path(msg gateway.Message) string {
	return filepath.Join(s.dir, fmt.Sprintf("%d_%d.bin", msg.ChannelID, msg.ID))
}

// Cleanup удаляет каталог прогона со всем содержимым.
func (s *Scratch) Cleanup() {
	storage.RemoveTree(s.dir)
}

// Deduplicator — реестр известных хэшей. Память — рабочая копия,
// засеянная из базы при старте и пополняемая после каждой записи.
type Deduplicator struct {
	st    *store.Store
	mu    sync.RWMutex
	known map[string]int64 // sha256 -> file_id
}

// New создаёт дедупликатор поверх хранилища. Перед работой нужно прогреть
// реестр вызовом Warm.
func New(st *store.Store) *Deduplicator {
	return &Deduplicator{st: st, known: map[string]int64{}}
}

// Warm засевает реестр из базы. Выборка потоковая: инвентарь на миллионы
// файлов прогревается без промежуточных слайсов.
func (d *Deduplicator) Warm(ctx context.Context) error {
	started := time.Now()
	fresh := map[string]int64{}
	err := d.st.LoadHashes(ctx, func(fileID int64, sha string) error {
		fresh[sha] = fileID
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "warm dedup")
	}
	d.mu.Lock()
	d.known = fresh
	d.mu.Unlock()
	logger.Info("dedup: registry warmed",
		zap.Int("hashes", len(fresh)),
		zap.Duration("took", time.Since(started)))
	return nil
}

// Known — размер реестра.
func (d *Deduplicator) Known() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.known)
}

// IsDuplicate скачивает файлы группы (или берёт уже скачанные из scratch)
// и отвечает, дублирует ли группа что-то из реестра. Дубликат любого
// участника бракует группу целиком.
func (d *Deduplicator) IsDuplicate(ctx context.Context, scratch *Scratch, group []gateway.Message, dl Downloader) (bool, error) {
	hashes, err := d.hashGroup(ctx, scratch, group, dl)
	if err != nil {
		return false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sha := range hashes {
		if _, seen := d.known[sha]; seen {
			return true, nil
		}
	}
	return false, nil
}

// RecordForwarded фиксирует успешную доставку группы: хэши и инвентарь
// пишутся одной транзакцией, затем пополняется реестр в памяти.
func (d *Deduplicator) RecordForwarded(ctx context.Context, scratch *Scratch, group []gateway.Message, topicID int, dl Downloader, at time.Time) error {
	hashes, err := d.hashGroup(ctx, scratch, group, dl)
	if err != nil {
		return err
	}
	files := make([]store.ForwardedFile, 0, len(hashes))
	for _, m := range group {
		sha, ok := hashes[m.ID]
		if !ok {
			continue
		}
		files = append(files, store.ForwardedFile{
			ChannelID: m.ChannelID,
			MessageID: m.ID,
			SHA256:    sha,
			TopicID:   topicID,
		})
	}
	ids, err := d.st.RecordForwardedGroup(ctx, files, at)
	if err != nil {
		return err
	}
	d.mu.Lock()
	for sha, id := range ids {
		d.known[sha] = id
	}
	d.mu.Unlock()
	return nil
}

// hashGroup возвращает SHA-256 файловых участников группы по id сообщения.
// Сообщения без файлов пропускаются. Нескачавшийся файл — не приговор
// группе: он логируется и выпадает из проверки, дубликатом не считается.
func (d *Deduplicator) hashGroup(ctx context.Context, scratch *Scratch, group []gateway.Message, dl Downloader) (map[int]string, error) {
	out := make(map[int]string, len(group))
	for _, m := range group {
		if !m.HasFile() {
			continue
		}
		path := scratch.Path(m)
		if _, err := os.Stat(path); err != nil {
			if _, err := dl.DownloadMedia(ctx, m, path); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				logger.Warn("dedup: download failed, skipping file",
					zap.Int("message_id", m.ID),
					zap.Int64("channel_id", m.ChannelID),
					zap.Error(fmt.Errorf("%w: %w", ErrDownloadFailed, err)))
				continue
			}
		}
		sha, err := hashFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "hash message %d", m.ID)
		}
		// Расхождение с первым проходом значит, что файл кто-то подменил
		// или обрезал; записать такой хэш — навсегда отравить реестр.
		if prev, ok := scratch.seen[path]; ok && prev != sha {
			return nil, errors.Wrapf(ErrHashMismatch, "message %d", m.ID)
		}
		scratch.seen[path] = sha
		out[m.ID] = sha
	}
	return out, nil
}

// hashFile — потоковый SHA-256 блоками по 8 КиБ: файл любого размера
// хэшируется в постоянной памяти.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	buf := make([]byte, 8*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
