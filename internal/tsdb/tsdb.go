// Package tsdb is a small embedded time-series store for per-model latency,
// cost, and token history. It shares the main SQLite handle and feeds the
// history endpoints; Prometheus remains the operational metrics surface.
package tsdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Metric names written by the recorder.
const (
	MetricLatencyMs = "latency_ms"
	MetricCostUSD   = "cost_usd"
	MetricTokens    = "tokens"
)

// Point is a single observation tagged with its tenant/model/provider.
type Point struct {
	Timestamp  time.Time `json:"timestamp"`
	Metric     string    `json:"metric"`
	TenantID   string    `json:"tenant_id,omitempty"`
	ModelID    string    `json:"model_id,omitempty"`
	ProviderID string    `json:"provider_id,omitempty"`
	Value      float64   `json:"value"`
}

// Series groups the points of one metric for one model/provider pair.
type Series struct {
	Metric     string   `json:"metric"`
	ModelID    string   `json:"model_id,omitempty"`
	ProviderID string   `json:"provider_id,omitempty"`
	Points     []DataPt `json:"points"`
}

// DataPt is a timestamp+value pair for JSON output.
type DataPt struct {
	T     time.Time `json:"t"`
	Value float64   `json:"v"`
}

// QueryParams selects a metric, optional tag filters, a time range, and an
// optional downsampling bucket.
type QueryParams struct {
	Metric     string
	TenantID   string
	ModelID    string
	ProviderID string
	Start      time.Time
	End        time.Time
	StepMs     int64 // bucket width for averaging, 0 returns raw points
}

const flushBatch = 100

// Store buffers writes in memory and lands them in SQLite in batches, so the
// hot execution path never waits on a disk transaction.
type Store struct {
	db        *sql.DB
	retention time.Duration

	mu      sync.Mutex
	pending []Point
}

// New prepares the points table on the shared SQLite handle. Retention
// defaults to seven days until SetRetention overrides it.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db, retention: 7 * 24 * time.Hour}
	for _, q := range []string{
		`CREATE TABLE IF NOT EXISTS tsdb_points (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts INTEGER NOT NULL,
			metric TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			provider_id TEXT NOT NULL DEFAULT '',
			value REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_ts ON tsdb_points(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_tsdb_metric ON tsdb_points(metric, ts)`,
	} {
		if _, err := db.Exec(q); err != nil {
			return nil, fmt.Errorf("tsdb migrate: %w", err)
		}
	}
	return s, nil
}

// SetRetention sets how far back Prune keeps data.
func (s *Store) SetRetention(d time.Duration) {
	s.retention = d
}

// Write queues a point; a full batch triggers a flush.
func (s *Store) Write(p Point) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	s.pending = append(s.pending, p)
	if len(s.pending) < flushBatch {
		s.mu.Unlock()
		return
	}
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	s.land(batch)
}

// Flush writes all queued points to disk.
func (s *Store) Flush() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(batch) > 0 {
		s.land(batch)
	}
}

func (s *Store) land(batch []Point) {
	tx, err := s.db.Begin()
	if err != nil {
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO tsdb_points (ts, metric, tenant_id, model_id, provider_id, value) VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range batch {
		_, _ = stmt.Exec(p.Timestamp.UnixMilli(), p.Metric, p.TenantID, p.ModelID, p.ProviderID, p.Value)
	}
	_ = tx.Commit()
}

func (q QueryParams) whereClause() (string, []any) {
	conds := []string{"metric = ?"}
	args := []any{q.Metric}
	if q.TenantID != "" {
		conds = append(conds, "tenant_id = ?")
		args = append(args, q.TenantID)
	}
	if q.ModelID != "" {
		conds = append(conds, "model_id = ?")
		args = append(args, q.ModelID)
	}
	if q.ProviderID != "" {
		conds = append(conds, "provider_id = ?")
		args = append(args, q.ProviderID)
	}
	if !q.Start.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, q.Start.UnixMilli())
	}
	if !q.End.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, q.End.UnixMilli())
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// Query returns matching points grouped into one Series per model/provider
// pair, ordered by first appearance. StepMs > 0 averages values into fixed
// buckets.
func (s *Store) Query(ctx context.Context, q QueryParams) ([]Series, error) {
	s.Flush()

	where, args := q.whereClause()
	var query string
	if q.StepMs > 0 {
		query = fmt.Sprintf(
			`SELECT (ts / %d) * %d AS bucket, model_id, provider_id, AVG(value)
			 FROM tsdb_points %s
			 GROUP BY bucket, model_id, provider_id
			 ORDER BY bucket ASC`, q.StepMs, q.StepMs, where)
	} else {
		query = fmt.Sprintf(
			`SELECT ts, model_id, provider_id, value
			 FROM tsdb_points %s
			 ORDER BY ts ASC`, where)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type tags struct{ model, provider string }
	grouped := make(map[tags][]DataPt)
	var order []tags

	for rows.Next() {
		var tsMs int64
		var modelID, providerID string
		var value float64
		if err := rows.Scan(&tsMs, &modelID, &providerID, &value); err != nil {
			return nil, err
		}
		k := tags{modelID, providerID}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], DataPt{T: time.UnixMilli(tsMs), Value: value})
	}

	out := make([]Series, 0, len(order))
	for _, k := range order {
		out = append(out, Series{
			Metric:     q.Metric,
			ModelID:    k.model,
			ProviderID: k.provider,
			Points:     grouped[k],
		})
	}
	return out, rows.Err()
}

// Prune deletes points older than the retention window and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context) (int64, error) {
	s.Flush()
	cutoff := time.Now().Add(-s.retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM tsdb_points WHERE ts < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Metrics lists the distinct metric names present in the store.
func (s *Store) Metrics(ctx context.Context) ([]string, error) {
	s.Flush()
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT metric FROM tsdb_points ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		names = append(names, m)
	}
	return names, rows.Err()
}
