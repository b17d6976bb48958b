package store

import (
	"context"
	"time"
)

// AccountRow — персистентное состояние аккаунта пула. Рантайм-состояние
// (кулдауны, счётчики) живёт в пуле и периодически сбрасывается сюда,
// чтобы переживать перезапуски и показываться в консоли.
type AccountRow struct {
	SessionName   string
	APIID         int
	Phone         string
	Status        string
	CooldownUntil time.Time
	UsageCount    int
	LastError     string
	UpdatedAt     time.Time
}

// UpsertAccount регистрирует аккаунт из конфигурации. Статус и счётчики при
// повторной регистрации не трогаем: ими управляют UpdateAccountStatus и
// BumpAccountUsage.
func (s *Store) UpsertAccount(ctx context.Context, a AccountRow) error {
	status := a.Status
	if status == "" {
		status = "active"
	}
	const q = `INSERT INTO accounts (session_name, api_id, phone, status, updated_at)
	           VALUES (?, ?, ?, ?, ?)
	           ON CONFLICT(session_name) DO UPDATE SET
	               api_id     = excluded.api_id,
	               phone      = excluded.phone,
	               updated_at = excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q, a.SessionName, a.APIID, a.Phone, status, fmtTime(a.UpdatedAt))
	return wrap("upsert account", err)
}

// ListAccounts возвращает все аккаунты в стабильном порядке.
func (s *Store) ListAccounts(ctx context.Context) ([]AccountRow, error) {
	const q = `SELECT session_name, api_id, phone, status, cooldown_until,
	                  usage_count, last_error, updated_at
	           FROM accounts ORDER BY session_name`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrap("list accounts", err)
	}
	defer rows.Close()
	var out []AccountRow
	for rows.Next() {
		var (
			a                 AccountRow
			cooldown, updated string
		)
		if err := rows.Scan(&a.SessionName, &a.APIID, &a.Phone, &a.Status,
			&cooldown, &a.UsageCount, &a.LastError, &updated); err != nil {
			return nil, wrap("list accounts", err)
		}
		a.CooldownUntil = parseTime(cooldown)
		a.UpdatedAt = parseTime(updated)
		out = append(out, a)
	}
	return out, wrap("list accounts", rows.Err())
}

// UpdateAccountStatus фиксирует смену состояния аккаунта.
func (s *Store) UpdateAccountStatus(ctx context.Context, name, status string, cooldownUntil time.Time, lastErr string, at time.Time) error {
	const q = `UPDATE accounts
	           SET status = ?, cooldown_until = ?, last_error = ?, updated_at = ?
	           WHERE session_name = ?`
	_, err := s.db.ExecContext(ctx, q, status, fmtTime(cooldownUntil), lastErr, fmtTime(at), name)
	return wrap("update account status", err)
}

// BumpAccountUsage прибавляет единицу к счётчику использования.
func (s *Store) BumpAccountUsage(ctx context.Context, name string, at time.Time) error {
	const q = `UPDATE accounts SET usage_count = usage_count + 1, updated_at = ? WHERE session_name = ?`
	_, err := s.db.ExecContext(ctx, q, fmtTime(at), name)
	return wrap("bump account usage", err)
}

// ResetAccountUsage обнуляет счётчики и кулдауны всех аккаунтов.
func (s *Store) ResetAccountUsage(ctx context.Context, at time.Time) error {
	const q = `UPDATE accounts
	           SET usage_count = 0, cooldown_until = '', last_error = '',
	               status = CASE WHEN status = 'flood_wait' THEN 'active' ELSE status END,
	               updated_at = ?`
	_, err := s.db.ExecContext(ctx, q, fmtTime(at))
	return wrap("reset account usage", err)
}
