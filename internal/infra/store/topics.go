package store

import (
	"context"
	"time"
)

// TopicRow — запись реестра топиков форума. Реестр отражает то, что движок
// организации знает о топиках канала; источником истины остаётся Telegram.
type TopicRow struct {
	ChannelID      int64
	TopicID        int
	Title          string
	IconColor      int
	IconEmojiID    int64
	Category       string
	Subcategory    string
	Description    string
	MessageCount   int
	CreatedAt      time.Time
	LastActivityAt time.Time
	Active         bool
}

// UpsertTopic регистрирует топик либо обновляет его атрибуты. Счётчик
// сообщений при конфликте не трогаем: им управляет TouchTopic.
func (s *Store) UpsertTopic(ctx context.Context, t TopicRow) error {
	const q = `INSERT INTO forum_topics
	           (channel_id, topic_id, title, icon_color, icon_emoji_id,
	            category, subcategory, description, message_count,
	            created_at, last_activity_at, is_active)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	           ON CONFLICT(channel_id, topic_id) DO UPDATE SET
	               title            = excluded.title,
	               icon_color       = excluded.icon_color,
	               icon_emoji_id    = excluded.icon_emoji_id,
	               category         = excluded.category,
	               subcategory      = excluded.subcategory,
	               description      = excluded.description,
	               last_activity_at = excluded.last_activity_at,
	               is_active        = excluded.is_active`
	_, err := s.db.ExecContext(ctx, q,
		t.ChannelID, t.TopicID, t.Title, t.IconColor, t.IconEmojiID,
		t.Category, t.Subcategory, t.Description, t.MessageCount,
		fmtTime(t.CreatedAt), fmtTime(t.LastActivityAt), boolInt(t.Active))
	return wrap("upsert topic", err)
}

// TouchTopic двигает активность топика: message_count += delta и свежий
// last_activity_at.
func (s *Store) TouchTopic(ctx context.Context, channelID int64, topicID int, at time.Time, delta int) error {
	const q = `UPDATE forum_topics
	           SET message_count = message_count + ?, last_activity_at = ?
	           WHERE channel_id = ? AND topic_id = ?`
	_, err := s.db.ExecContext(ctx, q, delta, fmtTime(at), channelID, topicID)
	return wrap("touch topic", err)
}

// DeactivateTopic помечает топик неактивным (мягкое удаление).
func (s *Store) DeactivateTopic(ctx context.Context, channelID int64, topicID int) error {
	const q = `UPDATE forum_topics SET is_active = 0 WHERE channel_id = ? AND topic_id = ?`
	_, err := s.db.ExecContext(ctx, q, channelID, topicID)
	return wrap("deactivate topic", err)
}

// UpdateTopicInfo правит заголовок и описание записи реестра.
func (s *Store) UpdateTopicInfo(ctx context.Context, channelID int64, topicID int, title, description string) error {
	const q = `UPDATE forum_topics SET title = ?, description = ?
	           WHERE channel_id = ? AND topic_id = ?`
	_, err := s.db.ExecContext(ctx, q, title, description, channelID, topicID)
	return wrap("update topic info", err)
}

// ListTopics возвращает топики канала, по умолчанию включая неактивные.
func (s *Store) ListTopics(ctx context.Context, channelID int64, activeOnly bool) ([]TopicRow, error) {
	q := `SELECT channel_id, topic_id, title, icon_color, icon_emoji_id,
	             category, subcategory, description, message_count,
	             created_at, last_activity_at, is_active
	      FROM forum_topics WHERE channel_id = ?`
	if activeOnly {
		q += ` AND is_active = 1`
	}
	q += ` ORDER BY topic_id`
	rows, err := s.db.QueryContext(ctx, q, channelID)
	if err != nil {
		return nil, wrap("list topics", err)
	}
	defer rows.Close()
	var out []TopicRow
	for rows.Next() {
		var (
			t                sTopicScan
			created, touched string
		)
		if err := rows.Scan(&t.ChannelID, &t.TopicID, &t.Title, &t.IconColor, &t.IconEmojiID,
			&t.Category, &t.Subcategory, &t.Description, &t.MessageCount,
			&created, &touched, &t.Active); err != nil {
			return nil, wrap("list topics", err)
		}
		out = append(out, TopicRow{
			ChannelID:      t.ChannelID,
			TopicID:        t.TopicID,
			Title:          t.Title,
			IconColor:      t.IconColor,
			IconEmojiID:    t.IconEmojiID,
			Category:       t.Category,
			Subcategory:    t.Subcategory,
			Description:    t.Description,
			MessageCount:   t.MessageCount,
			CreatedAt:      parseTime(created),
			LastActivityAt: parseTime(touched),
			Active:         t.Active != 0,
		})
	}
	return out, wrap("list topics", rows.Err())
}

// sTopicScan — промежуточная форма скана: is_active в SQLite целое.
type sTopicScan struct {
	ChannelID    int64
	TopicID      int
	Title        string
	IconColor    int
	IconEmojiID  int64
	Category     string
	Subcategory  string
	Description  string
	MessageCount int
	Active       int
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
