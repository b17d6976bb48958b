// Package storage — утилиты безопасной работы с локальным хранилищем.
// В этом файле реализованы:
//   - EnsureDir / EnsureDirPath — гарантируют наличие директорий;
//   - AtomicWriteFile — атомарная запись файла с синхронизацией данных и метаданных;
//   - RemoveTree — аккуратная зачистка каталога (scratch-директории одного прогона).
//
// Используется для хранения MTProto-сессий, снапшотов планировщика и временных
// файлов медиа, где недопустимы частично записанные файлы.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"spectra/internal/infra/logger"
)

// Сессии и снимки содержат секреты, поэтому итоговые файлы читает только
// владелец процесса.
const defaultFilePerm = 0600

// EnsureDir создаёт каталог, в котором должен лежать файл path. Путь без
// каталога ("." или пустая строка) — no-op.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// EnsureDirPath гарантирует наличие каталога path (сам аргумент — директория,
// а не файл внутри неё). Используется для media_dir, sessions_dir и scratch-каталогов.
func EnsureDirPath(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", path, err)
	}
	return nil
}

// AtomicWriteFile записывает data в path так, что наблюдаемое состояние
// файла всегда либо старое, либо новое целиком: temp в том же каталоге,
// fsync, rename поверх цели, fsync каталога. Rename атомарен лишь в
// пределах одного тома, поэтому temp создаётся рядом с целью. Итоговые
// права — defaultFilePerm.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(defaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// Синхронизация каталога фиксирует новое имя в журнале ФС. На части
	// систем не поддерживается, поэтому ошибка — только предупреждение.
	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}

// RemoveTree удаляет каталог вместе с содержимым. Ошибка логируется, но не
// возвращается: зачистка scratch-каталога не должна ронять завершившийся прогон.
func RemoveTree(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		logger.Warnf("RemoveTree: %v", err)
	}
}
