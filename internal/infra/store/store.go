// Package store — единая база состояния SPECTRA поверх SQLite.
// Здесь живут дедупликационный инвентарь, реестр топиков, метаданные
// контента, статистика организации, очередь пофайловой пересылки,
// расписания и прогресс зеркалирования. Схема накатывается встроенными
// миграциями (только вперёд), база открывается в WAL с одним соединением:
// при таком режиме писатели сериализуются сами собой.
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"spectra/internal/infra/logger"
	"spectra/internal/infra/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Error — ошибка хранилища с именем операции. Все методы Store заворачивают
// ошибки в этот тип, чтобы в логах было видно, какая операция споткнулась.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Store — открытая база состояния.
type Store struct {
	db   *sql.DB
	path string
}

// Open открывает (и при необходимости создаёт) базу по указанному пути,
// накатывает миграции и возвращает готовое хранилище.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, wrap("open", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	// Одно соединение: SQLite в WAL и так однописательный, а так не ловим
	// SQLITE_BUSY между собственными горутинами.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, wrap("open", err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrateUp(); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", err)
	}
	logger.Info("store: database opened", zap.String("path", path))
	return s, nil
}

// Close закрывает базу.
func (s *Store) Close() error {
	return wrap("close", s.db.Close())
}

// Path — путь к файлу базы.
func (s *Store) Path() string { return s.path }

// migrateUp накатывает встроенные миграции до последней версии.
// Миграции только вперёд, откатов схемы нет.
func (s *Store) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "migrations source")
	}
	drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "migrate driver")
	}
	m, err := migrate.NewWithInstance("iofs", src, "spectra", drv)
	if err != nil {
		return errors.Wrap(err, "migrator")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "up")
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errors.Wrap(err, "version")
	}
	if dirty {
		return errors.Errorf("schema version %d is dirty", version)
	}
	logger.Debug("store: migrations applied", zap.Uint("version", version))
	return nil
}

// withTx выполняет fn внутри транзакции.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrap(op, err)
	}
	return wrap(op, tx.Commit())
}

// Времена храним текстом в UTC: RFC3339 читается глазами в sqlite3 и
// сортируется лексикографически.
func fmtTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
