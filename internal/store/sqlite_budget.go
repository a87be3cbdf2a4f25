package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Budgets

const budgetColumns = `id, tenant_id, project_id, user_id, period, amount, currency, used,
	start_at, end_at, warning_threshold, critical_threshold, send_notifications, notify_email,
	created_at, updated_at`

func scanBudget(scan func(...any) error) (BudgetRecord, error) {
	var b BudgetRecord
	var startAt, endAt, createdAt, updatedAt string
	err := scan(&b.ID, &b.TenantID, &b.ProjectID, &b.UserID, &b.Period, &b.Amount,
		&b.Currency, &b.Used, &startAt, &endAt, &b.WarningThreshold, &b.CriticalThreshold,
		&b.SendNotifications, &b.NotifyEmail, &createdAt, &updatedAt)
	if err != nil {
		return b, err
	}
	b.StartAt, _ = time.Parse(time.RFC3339, startAt)
	b.EndAt, _ = time.Parse(time.RFC3339, endAt)
	b.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return b, nil
}

func (s *SQLiteStore) ListBudgets(ctx context.Context, tenantID string) ([]BudgetRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE tenant_id = ? ORDER BY start_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var budgets []BudgetRecord
	for rows.Next() {
		b, err := scanBudget(rows.Scan)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

func (s *SQLiteStore) GetBudget(ctx context.Context, id string) (*BudgetRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budgets WHERE id = ?`, id)
	b, err := scanBudget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *SQLiteStore) UpsertBudget(ctx context.Context, b BudgetRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budgets (id, tenant_id, project_id, user_id, period, amount, currency, used,
		   start_at, end_at, warning_threshold, critical_threshold, send_notifications, notify_email,
		   created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id=excluded.tenant_id,
		   project_id=excluded.project_id,
		   user_id=excluded.user_id,
		   period=excluded.period,
		   amount=excluded.amount,
		   currency=excluded.currency,
		   used=excluded.used,
		   start_at=excluded.start_at,
		   end_at=excluded.end_at,
		   warning_threshold=excluded.warning_threshold,
		   critical_threshold=excluded.critical_threshold,
		   send_notifications=excluded.send_notifications,
		   notify_email=excluded.notify_email,
		   updated_at=excluded.updated_at`,
		b.ID, b.TenantID, b.ProjectID, b.UserID, b.Period, b.Amount, b.Currency, b.Used,
		b.StartAt.UTC().Format(time.RFC3339), b.EndAt.UTC().Format(time.RFC3339),
		b.WarningThreshold, b.CriticalThreshold, b.SendNotifications, b.NotifyEmail,
		b.CreatedAt.UTC().Format(time.RFC3339), b.UpdatedAt.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) DeleteBudget(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM budgets WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) ActiveBudgets(ctx context.Context, tenantID, projectID, userID string, at time.Time) ([]BudgetRecord, error) {
	ts := at.UTC().Format(time.RFC3339)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets
		 WHERE tenant_id = ?
		   AND (project_id = '' OR project_id = ?)
		   AND (user_id = '' OR user_id = ?)
		   AND start_at <= ? AND end_at >= ?
		 ORDER BY start_at`, tenantID, projectID, userID, ts, ts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var budgets []BudgetRecord
	for rows.Next() {
		b, err := scanBudget(rows.Scan)
		if err != nil {
			return nil, err
		}
		budgets = append(budgets, b)
	}
	return budgets, rows.Err()
}

func (s *SQLiteStore) OverlappingBudget(ctx context.Context, b BudgetRecord) (*BudgetRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets
		 WHERE tenant_id = ? AND project_id = ? AND user_id = ? AND period = ?
		   AND id != ?
		   AND start_at < ? AND end_at > ?
		 LIMIT 1`,
		b.TenantID, b.ProjectID, b.UserID, b.Period, b.ID,
		b.EndAt.UTC().Format(time.RFC3339), b.StartAt.UTC().Format(time.RFC3339))
	other, err := scanBudget(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &other, nil
}

func (s *SQLiteStore) SetBudgetUsed(ctx context.Context, id string, used float64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET used = ?, updated_at = ? WHERE id = ?`,
		used, at.UTC().Format(time.RFC3339), id)
	return err
}

// Usage

const usageColumns = `id, request_id, tenant_id, project_id, user_id, model_id, provider_id, operation,
	input_tokens, output_tokens, cost, currency, duration_ms, success, timestamp`

func scanUsage(scan func(...any) error) (UsageRecord, error) {
	var u UsageRecord
	var ts string
	err := scan(&u.ID, &u.RequestID, &u.TenantID, &u.ProjectID, &u.UserID, &u.ModelID,
		&u.ProviderID, &u.Operation, &u.InputTokens, &u.OutputTokens, &u.Cost, &u.Currency,
		&u.DurationMs, &u.Success, &ts)
	if err != nil {
		return u, err
	}
	u.Timestamp, _ = time.Parse(time.RFC3339, ts)
	return u, nil
}

func insertUsage(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, u UsageRecord) (bool, error) {
	res, err := ex.ExecContext(ctx,
		`INSERT OR IGNORE INTO usage_records (id, request_id, tenant_id, project_id, user_id,
		   model_id, provider_id, operation, input_tokens, output_tokens, cost, currency,
		   duration_ms, success, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.RequestID, u.TenantID, u.ProjectID, u.UserID, u.ModelID, u.ProviderID,
		u.Operation, u.InputTokens, u.OutputTokens, u.Cost, u.Currency, u.DurationMs,
		u.Success, u.Timestamp.UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) AddUsage(ctx context.Context, u UsageRecord) (bool, error) {
	return insertUsage(ctx, s.db, u)
}

func (s *SQLiteStore) RecordUsageTx(ctx context.Context, u UsageRecord, debits map[string]float64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := insertUsage(ctx, tx, u)
	if err != nil {
		return false, err
	}
	if !inserted {
		// Duplicate usage ID: the work was already billed. The deferred
		// rollback discards nothing of consequence.
		return false, nil
	}
	ts := u.Timestamp.UTC().Format(time.RFC3339)
	for budgetID, amount := range debits {
		if _, err := tx.ExecContext(ctx,
			`UPDATE budgets SET used = used + ?, updated_at = ? WHERE id = ?`,
			amount, ts, budgetID); err != nil {
			return false, fmt.Errorf("debit budget %s: %w", budgetID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) SumUsage(ctx context.Context, tenantID, projectID, userID string, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(cost) FROM usage_records
		 WHERE tenant_id = ?
		   AND (? = '' OR project_id = ?)
		   AND (? = '' OR user_id = ?)
		   AND timestamp >= ? AND timestamp < ?`,
		tenantID, projectID, projectID, userID, userID,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339)).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

func (s *SQLiteStore) DailyUsageTotals(ctx context.Context, tenantID, projectID, userID string, from, to time.Time) ([]DailyTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(timestamp, 1, 10) AS day, SUM(cost) FROM usage_records
		 WHERE tenant_id = ?
		   AND (? = '' OR project_id = ?)
		   AND (? = '' OR user_id = ?)
		   AND timestamp >= ? AND timestamp < ?
		 GROUP BY day ORDER BY day`,
		tenantID, projectID, projectID, userID, userID,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var totals []DailyTotal
	for rows.Next() {
		var d DailyTotal
		if err := rows.Scan(&d.Day, &d.Cost); err != nil {
			return nil, err
		}
		totals = append(totals, d)
	}
	return totals, rows.Err()
}

func (s *SQLiteStore) ListUsage(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]UsageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+usageColumns+` FROM usage_records
		 WHERE tenant_id = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp DESC LIMIT ?`,
		tenantID, from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []UsageRecord
	for rows.Next() {
		u, err := scanUsage(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, u)
	}
	return records, rows.Err()
}

// Notifications

func (s *SQLiteStore) AddNotification(ctx context.Context, n NotificationRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, budget_id, tenant_id, type, recipient, subject, sent_at, read)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.BudgetID, n.TenantID, n.Type, n.Recipient, n.Subject,
		n.SentAt.UTC().Format(time.RFC3339), n.Read)
	return err
}

func scanNotification(scan func(...any) error) (NotificationRecord, error) {
	var n NotificationRecord
	var sentAt string
	err := scan(&n.ID, &n.BudgetID, &n.TenantID, &n.Type, &n.Recipient, &n.Subject, &sentAt, &n.Read)
	if err != nil {
		return n, err
	}
	n.SentAt, _ = time.Parse(time.RFC3339, sentAt)
	return n, nil
}

func (s *SQLiteStore) LatestNotification(ctx context.Context, budgetID, typ string) (*NotificationRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, budget_id, tenant_id, type, recipient, subject, sent_at, read
		 FROM notifications WHERE budget_id = ? AND type = ?
		 ORDER BY sent_at DESC LIMIT 1`, budgetID, typ)
	n, err := scanNotification(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *SQLiteStore) ListNotifications(ctx context.Context, tenantID string, limit int) ([]NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, budget_id, tenant_id, type, recipient, subject, sent_at, read
		 FROM notifications WHERE tenant_id = ?
		 ORDER BY sent_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var notifications []NotificationRecord
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

func (s *SQLiteStore) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = 1 WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) DeleteNotificationsForBudget(ctx context.Context, budgetID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE budget_id = ?`, budgetID)
	return err
}
