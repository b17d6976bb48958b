package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

// InventoryRow — факт успешной пересылки файла: из какого канала, каким
// сообщением и в какой топик ушёл файл. По этим строкам дедупликация
// доказывает «этот файл отсюда уже пересылали».
type InventoryRow struct {
	ChannelID   int64
	MessageID   int
	FileID      int64
	TopicID     int
	ForwardedAt time.Time
}

// UpsertHash регистрирует SHA-256 и возвращает file_id. Повторная
// регистрация того же хэша возвращает существующий id.
func (s *Store) UpsertHash(ctx context.Context, sha256 string, at time.Time) (int64, error) {
	// DO UPDATE с самоприсваиванием нужен ради RETURNING на конфликте.
	const q = `INSERT INTO file_hashes (sha256, first_seen_at) VALUES (?, ?)
	           ON CONFLICT(sha256) DO UPDATE SET sha256 = excluded.sha256
	           RETURNING file_id`
	var id int64
	if err := s.db.QueryRowContext(ctx, q, sha256, fmtTime(at)).Scan(&id); err != nil {
		return 0, wrap("upsert hash", err)
	}
	return id, nil
}

// HashExists проверяет, встречался ли хэш раньше.
func (s *Store) HashExists(ctx context.Context, sha256 string) (int64, bool, error) {
	const q = `SELECT file_id FROM file_hashes WHERE sha256 = ?`
	var id int64
	err := s.db.QueryRowContext(ctx, q, sha256).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap("hash exists", err)
	}
	return id, true, nil
}

// LoadHashes прогоняет fn по всем известным хэшам. Потоковая выборка:
// миллионные инвентари не собираются в слайс.
func (s *Store) LoadHashes(ctx context.Context, fn func(fileID int64, sha256 string) error) error {
	const q = `SELECT file_id, sha256 FROM file_hashes`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return wrap("load hashes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			sha string
		)
		if err := rows.Scan(&id, &sha); err != nil {
			return wrap("load hashes", err)
		}
		if err := fn(id, sha); err != nil {
			return wrap("load hashes", err)
		}
	}
	return wrap("load hashes", rows.Err())
}

// RecordInventory записывает факты пересылки одной транзакцией: либо вся
// группа целиком, либо ничего.
func (s *Store) RecordInventory(ctx context.Context, items []InventoryRow) error {
	if len(items) == 0 {
		return nil
	}
	const q = `INSERT INTO channel_file_inventory
	           (channel_id, message_id, file_id, topic_id, forwarded_at)
	           VALUES (?, ?, ?, ?, ?)`
	return s.withTx(ctx, "record inventory", func(tx *sql.Tx) error {
		for _, it := range items {
			if _, err := tx.ExecContext(ctx, q,
				it.ChannelID, it.MessageID, it.FileID, it.TopicID, fmtTime(it.ForwardedAt)); err != nil {
				return err
			}
		}
		return nil
	})
}

// ForwardedFile — файл доставленной группы: происхождение, хэш и топик,
// в который группа легла у получателя.
type ForwardedFile struct {
	ChannelID int64
	MessageID int
	SHA256    string
	TopicID   int
}

// RecordForwardedGroup регистрирует хэши и инвентарь всей группы одной
// транзакцией: либо группа записана целиком, либо не записана вовсе.
// Возвращает соответствие sha256 -> file_id для пополнения кэша дедупликации.
func (s *Store) RecordForwardedGroup(ctx context.Context, files []ForwardedFile, at time.Time) (map[string]int64, error) {
	if len(files) == 0 {
		return nil, nil
	}
	const upsert = `INSERT INTO file_hashes (sha256, first_seen_at) VALUES (?, ?)
	                ON CONFLICT(sha256) DO UPDATE SET sha256 = excluded.sha256
	                RETURNING file_id`
	const inventory = `INSERT INTO channel_file_inventory
	                   (channel_id, message_id, file_id, topic_id, forwarded_at)
	                   VALUES (?, ?, ?, ?, ?)`
	ids := make(map[string]int64, len(files))
	err := s.withTx(ctx, "record forwarded group", func(tx *sql.Tx) error {
		for _, f := range files {
			var fileID int64
			if err := tx.QueryRowContext(ctx, upsert, f.SHA256, fmtTime(at)).Scan(&fileID); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, inventory,
				f.ChannelID, f.MessageID, fileID, f.TopicID, fmtTime(at)); err != nil {
				return err
			}
			ids[f.SHA256] = fileID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CountHashes — размер глобального реестра хэшей.
func (s *Store) CountHashes(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_hashes`).Scan(&n)
	return n, wrap("count hashes", err)
}

// CountInventory — сколько фактов пересылки накоплено.
func (s *Store) CountInventory(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM channel_file_inventory`).Scan(&n)
	return n, wrap("count inventory", err)
}
