package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Decisions

func (s *SQLiteStore) AddDecision(ctx context.Context, d DecisionRecord) error {
	fallbacks, err := json.Marshal(d.FallbackModels)
	if err != nil {
		return fmt.Errorf("marshal fallback models: %w", err)
	}
	if d.FallbackModels == nil {
		fallbacks = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions (id, tenant_id, user_id, project_id, task_type, strategy,
		   selected_model_id, fallback_models, final_score, candidate_count, duration_ms, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TenantID, d.UserID, d.ProjectID, d.TaskType, d.Strategy,
		d.SelectedModelID, string(fallbacks), d.FinalScore, d.CandidateCount,
		d.DurationMs, d.Reason, d.Timestamp.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, tenantID string, limit, offset int) ([]DecisionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, user_id, project_id, task_type, strategy, selected_model_id,
		   fallback_models, final_score, candidate_count, duration_ms, reason, timestamp
		 FROM decisions WHERE tenant_id = ?
		 ORDER BY timestamp DESC LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var decisions []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var fallbacks, ts string
		if err := rows.Scan(&d.ID, &d.TenantID, &d.UserID, &d.ProjectID, &d.TaskType,
			&d.Strategy, &d.SelectedModelID, &fallbacks, &d.FinalScore, &d.CandidateCount,
			&d.DurationMs, &d.Reason, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fallbacks), &d.FallbackModels); err != nil {
			return nil, fmt.Errorf("unmarshal fallback models for %s: %w", d.ID, err)
		}
		d.Timestamp, _ = time.Parse(time.RFC3339, ts)
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// Execution logs

func (s *SQLiteStore) AddExecutionLog(ctx context.Context, e ExecutionLogRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_logs (id, request_id, tenant_id, user_id, model_id, provider_id,
		   operation, input_tokens, output_tokens, cost_usd, latency_ms, status_code, attempts,
		   fallback_used, success, error_class, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.TenantID, e.UserID, e.ModelID, e.ProviderID, e.Operation,
		e.InputTokens, e.OutputTokens, e.CostUSD, e.LatencyMs, e.StatusCode, e.Attempts,
		e.FallbackUsed, e.Success, e.ErrorClass, e.Timestamp.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListExecutionLogs(ctx context.Context, tenantID string, limit, offset int) ([]ExecutionLogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, tenant_id, user_id, model_id, provider_id, operation,
		   input_tokens, output_tokens, cost_usd, latency_ms, status_code, attempts,
		   fallback_used, success, error_class, timestamp
		 FROM execution_logs WHERE tenant_id = ?
		 ORDER BY timestamp DESC LIMIT ? OFFSET ?`, tenantID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []ExecutionLogRecord
	for rows.Next() {
		var e ExecutionLogRecord
		var ts string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.TenantID, &e.UserID, &e.ModelID,
			&e.ProviderID, &e.Operation, &e.InputTokens, &e.OutputTokens, &e.CostUSD,
			&e.LatencyMs, &e.StatusCode, &e.Attempts, &e.FallbackUsed, &e.Success,
			&e.ErrorClass, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		logs = append(logs, e)
	}
	return logs, rows.Err()
}

// Circuit events

func (s *SQLiteStore) AddCircuitEvent(ctx context.Context, e CircuitEventRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO circuit_events (circuit_id, event_type, from_state, to_state, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.CircuitID, e.EventType, e.FromState, e.ToState, e.Details,
		e.Timestamp.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListCircuitEvents(ctx context.Context, circuitID string, limit int) ([]CircuitEventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, circuit_id, event_type, from_state, to_state, details, timestamp
		 FROM circuit_events WHERE circuit_id = ?
		 ORDER BY timestamp DESC, id DESC LIMIT ?`, circuitID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []CircuitEventRecord
	for rows.Next() {
		var e CircuitEventRecord
		var ts string
		if err := rows.Scan(&e.ID, &e.CircuitID, &e.EventType, &e.FromState, &e.ToState, &e.Details, &ts); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339, ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Config changes

func (s *SQLiteStore) AddConfigChange(ctx context.Context, c ConfigChangeRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_changes (actor, kind, resource_id, detail, request_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.Actor, c.Kind, c.ResourceID, c.Detail, c.RequestID,
		c.Timestamp.UTC().Format(time.RFC3339))
	return err
}

func (s *SQLiteStore) ListConfigChanges(ctx context.Context, limit, offset int) ([]ConfigChangeRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, kind, resource_id, detail, request_id, timestamp
		 FROM config_changes ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var changes []ConfigChangeRecord
	for rows.Next() {
		var c ConfigChangeRecord
		var ts string
		if err := rows.Scan(&c.ID, &c.Actor, &c.Kind, &c.ResourceID, &c.Detail, &c.RequestID, &ts); err != nil {
			return nil, err
		}
		c.Timestamp, _ = time.Parse(time.RFC3339, ts)
		changes = append(changes, c)
	}
	return changes, rows.Err()
}
