package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// ContentMeta — результат классификации сообщения, как он ложится в базу.
type ContentMeta struct {
	ChannelID   int64
	MessageID   int
	ContentType string
	Category    string
	Subcategory string
	FileExt     string
	FileSize    int64
	MIME        string
	Duration    int
	Width       int
	Height      int
	Keywords    []string
	Confidence  float64
	Extra       map[string]string
}

// Assignment — привязка сообщения к топику.
type Assignment struct {
	ChannelID    int64
	MessageID    int
	TopicID      int
	TopicTitle   string
	Category     string
	Method       string
	Confidence   float64
	FallbackUsed bool
	CreatedAt    time.Time
}

// StatsDelta — приращение дневной статистики организации. Все счётчики
// только прибавляются: перезаписи дневных строк нет.
type StatsDelta struct {
	ChannelID     int64
	Date          string // ключ YYYY-MM-DD
	Processed     int
	TopicsCreated int
	Successful    int
	Failed        int
	Fallback      int
	Categories    map[string]int
}

// StatsRow — накопленная строка статистики за день.
type StatsRow struct {
	ChannelID     int64
	Date          string
	Processed     int
	TopicsCreated int
	Successful    int
	Failed        int
	Fallback      int
	Categories    map[string]int
}

// OrgConfig — персистентная конфигурация организации канала.
type OrgConfig struct {
	ChannelID            int64
	Mode                 string
	TopicStrategy        string
	FallbackStrategy     string
	MaxTopics            int
	CooldownS            int
	EnableClassification bool
	ConfidenceThreshold  float64
	GeneralTopicTitle    string
	AutoCleanup          bool
	EnableStats          bool
	Debug                bool
}

// UpsertContentMetadata сохраняет метаданные сообщения (повтор перезаписывает).
func (s *Store) UpsertContentMetadata(ctx context.Context, m ContentMeta) error {
	extra := "{}"
	if len(m.Extra) > 0 {
		raw, err := json.Marshal(m.Extra)
		if err != nil {
			return wrap("upsert content metadata", err)
		}
		extra = string(raw)
	}
	const q = `INSERT INTO content_metadata
	           (channel_id, message_id, content_type, category, subcategory,
	            file_ext, file_size, mime, duration, width, height,
	            keywords, confidence, extra_json)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	           ON CONFLICT(channel_id, message_id) DO UPDATE SET
	               content_type = excluded.content_type,
	               category     = excluded.category,
	               subcategory  = excluded.subcategory,
	               file_ext     = excluded.file_ext,
	               file_size    = excluded.file_size,
	               mime         = excluded.mime,
	               duration     = excluded.duration,
	               width        = excluded.width,
	               height       = excluded.height,
	               keywords     = excluded.keywords,
	               confidence   = excluded.confidence,
	               extra_json   = excluded.extra_json`
	_, err := s.db.ExecContext(ctx, q,
		m.ChannelID, m.MessageID, m.ContentType, m.Category, m.Subcategory,
		m.FileExt, m.FileSize, m.MIME, m.Duration, m.Width, m.Height,
		strings.Join(m.Keywords, ","), m.Confidence, extra)
	return wrap("upsert content metadata", err)
}

// UpsertAssignment сохраняет привязку сообщения к топику.
func (s *Store) UpsertAssignment(ctx context.Context, a Assignment) error {
	const q = `INSERT INTO topic_assignments
	           (channel_id, message_id, topic_id, topic_title, category,
	            method, confidence, fallback_used, created_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	           ON CONFLICT(channel_id, message_id) DO UPDATE SET
	               topic_id      = excluded.topic_id,
	               topic_title   = excluded.topic_title,
	               category      = excluded.category,
	               method        = excluded.method,
	               confidence    = excluded.confidence,
	               fallback_used = excluded.fallback_used`
	_, err := s.db.ExecContext(ctx, q,
		a.ChannelID, a.MessageID, a.TopicID, a.TopicTitle, a.Category,
		a.Method, a.Confidence, boolInt(a.FallbackUsed), fmtTime(a.CreatedAt))
	return wrap("upsert assignment", err)
}

// AccumulateStats прибавляет дельту к дневной строке. Категорийные счётчики
// сливаются внутри транзакции, так что параллельные прогоны ничего не теряют.
func (s *Store) AccumulateStats(ctx context.Context, d StatsDelta) error {
	return s.withTx(ctx, "accumulate stats", func(tx *sql.Tx) error {
		var rawCats string
		err := tx.QueryRowContext(ctx,
			`SELECT categories_json FROM organization_stats WHERE channel_id = ? AND date = ?`,
			d.ChannelID, d.Date).Scan(&rawCats)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			rawCats = "{}"
		case err != nil:
			return err
		}
		cats := map[string]int{}
		if err := json.Unmarshal([]byte(rawCats), &cats); err != nil {
			return errors.Wrap(err, "categories json")
		}
		for k, v := range d.Categories {
			cats[k] += v
		}
		merged, err := json.Marshal(cats)
		if err != nil {
			return err
		}
		const q = `INSERT INTO organization_stats
		           (channel_id, date, messages_processed, topics_created,
		            successful_assignments, failed_assignments, fallback_used, categories_json)
		           VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		           ON CONFLICT(channel_id, date) DO UPDATE SET
		               messages_processed     = messages_processed + excluded.messages_processed,
		               topics_created         = topics_created + excluded.topics_created,
		               successful_assignments = successful_assignments + excluded.successful_assignments,
		               failed_assignments     = failed_assignments + excluded.failed_assignments,
		               fallback_used          = fallback_used + excluded.fallback_used,
		               categories_json        = ?`
		_, err = tx.ExecContext(ctx, q,
			d.ChannelID, d.Date, d.Processed, d.TopicsCreated,
			d.Successful, d.Failed, d.Fallback, string(merged), string(merged))
		return err
	})
}

// StatsRange возвращает дневные строки канала за отрезок [from, to]
// включительно; ключи дат сравниваются лексикографически.
func (s *Store) StatsRange(ctx context.Context, channelID int64, from, to string) ([]StatsRow, error) {
	const q = `SELECT channel_id, date, messages_processed, topics_created,
	                  successful_assignments, failed_assignments, fallback_used, categories_json
	           FROM organization_stats
	           WHERE channel_id = ? AND date >= ? AND date <= ?
	           ORDER BY date`
	rows, err := s.db.QueryContext(ctx, q, channelID, from, to)
	if err != nil {
		return nil, wrap("stats range", err)
	}
	defer rows.Close()
	var out []StatsRow
	for rows.Next() {
		var (
			r    StatsRow
			cats string
		)
		if err := rows.Scan(&r.ChannelID, &r.Date, &r.Processed, &r.TopicsCreated,
			&r.Successful, &r.Failed, &r.Fallback, &cats); err != nil {
			return nil, wrap("stats range", err)
		}
		r.Categories = map[string]int{}
		if err := json.Unmarshal([]byte(cats), &r.Categories); err != nil {
			return nil, wrap("stats range", errors.Wrap(err, "categories json"))
		}
		out = append(out, r)
	}
	return out, wrap("stats range", rows.Err())
}

// GetOrgConfig возвращает конфигурацию организации канала либо nil,
// если канал ещё не настраивали.
func (s *Store) GetOrgConfig(ctx context.Context, channelID int64) (*OrgConfig, error) {
	const q = `SELECT channel_id, mode, topic_strategy, fallback_strategy, max_topics,
	                  cooldown_s, enable_classification, confidence_threshold,
	                  general_topic_title, auto_cleanup, enable_stats, debug
	           FROM organization_configs WHERE channel_id = ?`
	var (
		c                       OrgConfig
		class, cleanup, st, dbg int
	)
	err := s.db.QueryRowContext(ctx, q, channelID).Scan(
		&c.ChannelID, &c.Mode, &c.TopicStrategy, &c.FallbackStrategy, &c.MaxTopics,
		&c.CooldownS, &class, &c.ConfidenceThreshold,
		&c.GeneralTopicTitle, &cleanup, &st, &dbg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get org config", err)
	}
	c.EnableClassification = class != 0
	c.AutoCleanup = cleanup != 0
	c.EnableStats = st != 0
	c.Debug = dbg != 0
	return &c, nil
}

// PutOrgConfig сохраняет конфигурацию организации канала.
func (s *Store) PutOrgConfig(ctx context.Context, c OrgConfig) error {
	const q = `INSERT INTO organization_configs
	           (channel_id, mode, topic_strategy, fallback_strategy, max_topics,
	            cooldown_s, enable_classification, confidence_threshold,
	            general_topic_title, auto_cleanup, enable_stats, debug)
	           VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	           ON CONFLICT(channel_id) DO UPDATE SET
	               mode                  = excluded.mode,
	               topic_strategy        = excluded.topic_strategy,
	               fallback_strategy     = excluded.fallback_strategy,
	               max_topics            = excluded.max_topics,
	               cooldown_s            = excluded.cooldown_s,
	               enable_classification = excluded.enable_classification,
	               confidence_threshold  = excluded.confidence_threshold,
	               general_topic_title   = excluded.general_topic_title,
	               auto_cleanup          = excluded.auto_cleanup,
	               enable_stats          = excluded.enable_stats,
	               debug                 = excluded.debug`
	_, err := s.db.ExecContext(ctx, q,
		c.ChannelID, c.Mode, c.TopicStrategy, c.FallbackStrategy, c.MaxTopics,
		c.CooldownS, boolInt(c.EnableClassification), c.ConfidenceThreshold,
		c.GeneralTopicTitle, boolInt(c.AutoCleanup), boolInt(c.EnableStats), boolInt(c.Debug))
	return wrap("put org config", err)
}
