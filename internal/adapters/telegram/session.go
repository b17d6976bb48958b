package telegram

import (
	"context"
	"os"
	"sync"

	"spectra/internal/infra/storage"

	"github.com/go-faster/errors"

	tdsession "github.com/gotd/td/session"
)

// fileSession хранит MTProto-сессию аккаунта в обычном файле. Запись атомарна,
// чтобы падение процесса посреди сохранения не оставило битую сессию, из-за
// которой пришлось бы заново проходить авторизацию по коду.
type fileSession struct {
	path string
	mux  sync.Mutex
}

var _ tdsession.Storage = (*fileSession)(nil)

// LoadSession читает файл сессии с диска.
func (f *fileSession) LoadSession(_ context.Context) ([]byte, error) {
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *fileSession) StoreSession(_ context.Context, data []byte) error {
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.path, data); err != nil {
		return errors.Wrap(err, "atomic write session")
	}
	return nil
}
