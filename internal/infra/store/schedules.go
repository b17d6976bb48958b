package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
)

// ErrNotFound — запрошенной записи нет.
var ErrNotFound = errors.New("not found")

// ScheduleEntry — персистентная запись расписания. Параметры задания хранятся
// сырым JSON: их структура зависит от kind и разбирается планировщиком.
type ScheduleEntry struct {
	ID         int64
	Name       string
	Kind       string
	CronExpr   string
	ParamsJSON string
	Priority   int
	Enabled    bool
	LastRunAt  time.Time
}

// AddSchedule добавляет запись и возвращает её id.
func (s *Store) AddSchedule(ctx context.Context, e ScheduleEntry) (int64, error) {
	params := e.ParamsJSON
	if params == "" {
		params = "{}"
	}
	const q = `INSERT INTO schedule_entries (name, kind, cron_expr, params_json, priority, enabled, last_run_at)
	           VALUES (?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		e.Name, e.Kind, e.CronExpr, params, e.Priority, boolInt(e.Enabled), fmtTime(e.LastRunAt))
	if err != nil {
		return 0, wrap("add schedule", err)
	}
	id, err := res.LastInsertId()
	return id, wrap("add schedule", err)
}

// GetSchedule возвращает запись по id (ErrNotFound, если её нет).
func (s *Store) GetSchedule(ctx context.Context, id int64) (ScheduleEntry, error) {
	const q = `SELECT id, name, kind, cron_expr, params_json, priority, enabled, last_run_at
	           FROM schedule_entries WHERE id = ?`
	var (
		e       ScheduleEntry
		enabled int
		lastRun string
	)
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&e.ID, &e.Name, &e.Kind, &e.CronExpr, &e.ParamsJSON, &e.Priority, &enabled, &lastRun)
	if errors.Is(err, sql.ErrNoRows) {
		return ScheduleEntry{}, wrap("get schedule", ErrNotFound)
	}
	if err != nil {
		return ScheduleEntry{}, wrap("get schedule", err)
	}
	e.Enabled = enabled != 0
	e.LastRunAt = parseTime(lastRun)
	return e, nil
}

// ListSchedules возвращает записи расписаний, при onlyEnabled — лишь включённые.
func (s *Store) ListSchedules(ctx context.Context, onlyEnabled bool) ([]ScheduleEntry, error) {
	q := `SELECT id, name, kind, cron_expr, params_json, priority, enabled, last_run_at
	      FROM schedule_entries`
	if onlyEnabled {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrap("list schedules", err)
	}
	defer rows.Close()
	var out []ScheduleEntry
	for rows.Next() {
		var (
			e       ScheduleEntry
			enabled int
			lastRun string
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.Kind, &e.CronExpr, &e.ParamsJSON,
			&e.Priority, &enabled, &lastRun); err != nil {
			return nil, wrap("list schedules", err)
		}
		e.Enabled = enabled != 0
		e.LastRunAt = parseTime(lastRun)
		out = append(out, e)
	}
	return out, wrap("list schedules", rows.Err())
}

// RemoveSchedule удаляет запись; ErrNotFound, если id неизвестен.
func (s *Store) RemoveSchedule(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedule_entries WHERE id = ?`, id)
	if err != nil {
		return wrap("remove schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("remove schedule", err)
	}
	if n == 0 {
		return wrap("remove schedule", ErrNotFound)
	}
	return nil
}

// SetScheduleEnabled включает либо выключает запись.
func (s *Store) SetScheduleEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedule_entries SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return wrap("set schedule enabled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("set schedule enabled", err)
	}
	if n == 0 {
		return wrap("set schedule enabled", ErrNotFound)
	}
	return nil
}

// TouchScheduleRun фиксирует момент последнего запуска.
func (s *Store) TouchScheduleRun(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedule_entries SET last_run_at = ? WHERE id = ?`, fmtTime(at), id)
	return wrap("touch schedule run", err)
}
