package store

import (
	"context"
	"time"
)

// ChannelAccess — видимость канала с конкретного аккаунта по результатам
// последней индексации диалогов.
type ChannelAccess struct {
	AccountID    string
	ChannelID    int64
	ChannelTitle string
	LastSeenAt   time.Time
}

// UpsertChannelAccess фиксирует, что аккаунт видит канал.
func (s *Store) UpsertChannelAccess(ctx context.Context, account string, channelID int64, title string, at time.Time) error {
	const q = `INSERT INTO channel_access (account_id, channel_id, channel_title, last_seen_at)
	           VALUES (?, ?, ?, ?)
	           ON CONFLICT(account_id, channel_id) DO UPDATE SET
	               channel_title = excluded.channel_title,
	               last_seen_at  = excluded.last_seen_at`
	_, err := s.db.ExecContext(ctx, q, account, channelID, title, fmtTime(at))
	return wrap("upsert channel access", err)
}

// EnumerateChannelAccess возвращает всю карту доступности.
func (s *Store) EnumerateChannelAccess(ctx context.Context) ([]ChannelAccess, error) {
	const q = `SELECT account_id, channel_id, channel_title, last_seen_at
	           FROM channel_access ORDER BY channel_id, account_id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrap("enumerate channel access", err)
	}
	defer rows.Close()
	var out []ChannelAccess
	for rows.Next() {
		var (
			ca   ChannelAccess
			seen string
		)
		if err := rows.Scan(&ca.AccountID, &ca.ChannelID, &ca.ChannelTitle, &seen); err != nil {
			return nil, wrap("enumerate channel access", err)
		}
		ca.LastSeenAt = parseTime(seen)
		out = append(out, ca)
	}
	return out, wrap("enumerate channel access", rows.Err())
}

// AccountsForChannel — аккаунты, с которых канал виден. Порядок стабильный,
// чтобы выбор предпочтительного аккаунта был воспроизводим.
func (s *Store) AccountsForChannel(ctx context.Context, channelID int64) ([]string, error) {
	const q = `SELECT account_id FROM channel_access WHERE channel_id = ? ORDER BY account_id`
	rows, err := s.db.QueryContext(ctx, q, channelID)
	if err != nil {
		return nil, wrap("accounts for channel", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, wrap("accounts for channel", err)
		}
		out = append(out, name)
	}
	return out, wrap("accounts for channel", rows.Err())
}
