package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

// Статусы зеркалирования пары каналов.
const (
	MirrorIdle       = "idle"
	MirrorRunning    = "running"
	MirrorDone       = "done"
	MirrorRolledBack = "rolled_back"
)

// MirrorProgress — курсор массовой миграции: докуда дочитан источник.
type MirrorProgress struct {
	SourceChannel int64
	DestChannel   int64
	LastMessageID int
	Status        string
	UpdatedAt     time.Time
}

// MirrorPair — соответствие исходного и зеркального сообщения. По этим парам
// rollback удаляет то, что было зеркалировано.
type MirrorPair struct {
	SourceMessageID int
	DestMessageID   int
}

// GetMirrorProgress возвращает прогресс пары либо nil, если зеркалирование
// ещё не запускалось.
func (s *Store) GetMirrorProgress(ctx context.Context, src, dst int64) (*MirrorProgress, error) {
	const q = `SELECT source_channel, dest_channel, last_message_id, status, updated_at
	           FROM mirror_progress WHERE source_channel = ? AND dest_channel = ?`
	var (
		p       MirrorProgress
		updated string
	)
	err := s.db.QueryRowContext(ctx, q, src, dst).Scan(
		&p.SourceChannel, &p.DestChannel, &p.LastMessageID, &p.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get mirror progress", err)
	}
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}

// SetMirrorProgress сохраняет курсор и статус пары.
func (s *Store) SetMirrorProgress(ctx context.Context, p MirrorProgress) error {
	const q = `INSERT INTO mirror_progress (source_channel, dest_channel, last_message_id, status, updated_at)
	           VALUES (?, ?, ?, ?, ?)
	           ON CONFLICT(source_channel, dest_channel) DO UPDATE SET
	               last_message_id = excluded.last_message_id,
	               status          = excluded.status,
	               updated_at      = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q,
		p.SourceChannel, p.DestChannel, p.LastMessageID, p.Status, fmtTime(p.UpdatedAt))
	return wrap("set mirror progress", err)
}

// RecordMirrored запоминает пары «исходное → зеркальное сообщение».
func (s *Store) RecordMirrored(ctx context.Context, src, dst int64, pairs []MirrorPair, at time.Time) error {
	if len(pairs) == 0 {
		return nil
	}
	const q = `INSERT INTO mirror_messages
	           (source_channel, dest_channel, source_message_id, dest_message_id, mirrored_at)
	           VALUES (?, ?, ?, ?, ?)
	           ON CONFLICT(source_channel, dest_channel, source_message_id) DO UPDATE SET
	               dest_message_id = excluded.dest_message_id,
	               mirrored_at     = excluded.mirrored_at`
	return s.withTx(ctx, "record mirrored", func(tx *sql.Tx) error {
		for _, p := range pairs {
			if _, err := tx.ExecContext(ctx, q, src, dst, p.SourceMessageID, p.DestMessageID, fmtTime(at)); err != nil {
				return err
			}
		}
		return nil
	})
}

// MirroredMessages возвращает все пары зеркалирования в порядке исходных id.
func (s *Store) MirroredMessages(ctx context.Context, src, dst int64) ([]MirrorPair, error) {
	const q = `SELECT source_message_id, dest_message_id FROM mirror_messages
	           WHERE source_channel = ? AND dest_channel = ?
	           ORDER BY source_message_id`
	rows, err := s.db.QueryContext(ctx, q, src, dst)
	if err != nil {
		return nil, wrap("mirrored messages", err)
	}
	defer rows.Close()
	var out []MirrorPair
	for rows.Next() {
		var p MirrorPair
		if err := rows.Scan(&p.SourceMessageID, &p.DestMessageID); err != nil {
			return nil, wrap("mirrored messages", err)
		}
		out = append(out, p)
	}
	return out, wrap("mirrored messages", rows.Err())
}

// DeleteMirrored очищает пары после отката.
func (s *Store) DeleteMirrored(ctx context.Context, src, dst int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mirror_messages WHERE source_channel = ? AND dest_channel = ?`, src, dst)
	return wrap("delete mirrored", err)
}
