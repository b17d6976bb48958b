package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Статусы элементов очереди пофайловой пересылки. Неудачи хранятся как
// "error:<сообщение>": текст причины живёт прямо в колонке статуса.
const (
	QueuePending = "pending"
	QueueSuccess = "success"

	queueErrorPrefix = "error:"
)

// QueueErrorStatus кодирует причину неудачи в статус элемента.
func QueueErrorStatus(msg string) string {
	return queueErrorPrefix + msg
}

// IsQueueError сообщает, что статус — неудача, и возвращает причину.
func IsQueueError(status string) (string, bool) {
	if !strings.HasPrefix(status, queueErrorPrefix) {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(status, queueErrorPrefix)), true
}

// QueueItem — отложенная пересылка одного сообщения с файлом.
// Priority подтягивается из породившего расписания и в таблице не хранится.
type QueueItem struct {
	QueueID       int64
	ScheduleID    int64
	OriginChannel int64
	MessageID     int
	FileID        int64
	Destination   string
	Status        string
	EnqueuedAt    time.Time
	AttemptedAt   time.Time
	Priority      int
}

// EnqueueFile ставит файл в очередь и возвращает id элемента.
func (s *Store) EnqueueFile(ctx context.Context, it QueueItem) (int64, error) {
	const q = `INSERT INTO file_forward_queue
	           (schedule_id, origin_channel, message_id, file_id, destination, status, enqueued_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	status := it.Status
	if status == "" {
		status = QueuePending
	}
	res, err := s.db.ExecContext(ctx, q,
		it.ScheduleID, it.OriginChannel, it.MessageID, it.FileID,
		it.Destination, status, fmtTime(it.EnqueuedAt))
	if err != nil {
		return 0, wrap("enqueue file", err)
	}
	id, err := res.LastInsertId()
	return id, wrap("enqueue file", err)
}

// DequeuePendingFiles выбирает ожидающие элементы: приоритет расписания по
// убыванию, внутри приоритета — FIFO. Статусы не меняет: пометка результата
// остаётся за воркером.
func (s *Store) DequeuePendingFiles(ctx context.Context, limit int) ([]QueueItem, error) {
	const q = `SELECT q.queue_id, q.schedule_id, q.origin_channel, q.message_id,
	                  q.file_id, q.destination, q.status, q.enqueued_at, q.attempted_at,
	                  COALESCE(se.priority, 0)
	           FROM file_forward_queue q
	           LEFT JOIN schedule_entries se ON se.id = q.schedule_id
	           WHERE q.status = 'pending'
	           ORDER BY COALESCE(se.priority, 0) DESC, q.queue_id ASC
	           LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, wrap("dequeue pending", err)
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		var (
			it       QueueItem
			enq, att string
		)
		if err := rows.Scan(&it.QueueID, &it.ScheduleID, &it.OriginChannel, &it.MessageID,
			&it.FileID, &it.Destination, &it.Status, &enq, &att, &it.Priority); err != nil {
			return nil, wrap("dequeue pending", err)
		}
		it.EnqueuedAt = parseTime(enq)
		it.AttemptedAt = parseTime(att)
		out = append(out, it)
	}
	return out, wrap("dequeue pending", rows.Err())
}

// QueueContains отвечает, ставилось ли сообщение канала в очередь раньше
// (в любом статусе). Защищает периодические file_forward-задания от
// повторного наполнения очереди теми же файлами.
func (s *Store) QueueContains(ctx context.Context, originChannel int64, messageID int) (bool, error) {
	const q = `SELECT 1 FROM file_forward_queue WHERE origin_channel = ? AND message_id = ? LIMIT 1`
	var one int
	err := s.db.QueryRowContext(ctx, q, originChannel, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, wrap("queue contains", err)
	}
	return true, nil
}

// MarkQueueEntry выставляет статус элемента и время попытки.
func (s *Store) MarkQueueEntry(ctx context.Context, queueID int64, status string, at time.Time) error {
	const q = `UPDATE file_forward_queue SET status = ?, attempted_at = ? WHERE queue_id = ?`
	_, err := s.db.ExecContext(ctx, q, status, fmtTime(at), queueID)
	return wrap("mark queue entry", err)
}

// QueueCounts — распределение очереди по статусам. Разные причины неудач
// схлопываются в одну корзину "error".
func (s *Store) QueueCounts(ctx context.Context) (map[string]int, error) {
	const q = `SELECT status, COUNT(*) FROM file_forward_queue GROUP BY status`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrap("queue counts", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, wrap("queue counts", err)
		}
		if _, failed := IsQueueError(status); failed {
			out["error"] += n
			continue
		}
		out[status] += n
	}
	return out, wrap("queue counts", rows.Err())
}

// ListQueue возвращает элементы очереди; status == "" — без фильтра,
// "error" — все неудачи независимо от причины.
func (s *Store) ListQueue(ctx context.Context, status string, limit int) ([]QueueItem, error) {
	q := `SELECT q.queue_id, q.schedule_id, q.origin_channel, q.message_id,
	             q.file_id, q.destination, q.status, q.enqueued_at, q.attempted_at,
	             COALESCE(se.priority, 0)
	      FROM file_forward_queue q
	      LEFT JOIN schedule_entries se ON se.id = q.schedule_id`
	args := []any{}
	switch {
	case status == "error":
		q += ` WHERE q.status LIKE ?`
		args = append(args, queueErrorPrefix+"%")
	case status != "":
		q += ` WHERE q.status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY q.queue_id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("list queue", err)
	}
	defer rows.Close()
	var out []QueueItem
	for rows.Next() {
		var (
			it       QueueItem
			enq, att string
		)
		if err := rows.Scan(&it.QueueID, &it.ScheduleID, &it.OriginChannel, &it.MessageID,
			&it.FileID, &it.Destination, &it.Status, &enq, &att, &it.Priority); err != nil {
			return nil, wrap("list queue", err)
		}
		it.EnqueuedAt = parseTime(enq)
		it.AttemptedAt = parseTime(att)
		out = append(out, it)
	}
	return out, wrap("list queue", rows.Err())
}
