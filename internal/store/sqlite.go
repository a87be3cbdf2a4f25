package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/arbiterhq/arbiter/internal/registry"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", pragmaDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer at a time. Limit connections to avoid
	// contention and keep a small idle pool for read concurrency.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// pragmaDSN appends the WAL and busy-timeout pragmas as DSN parameters so the
// driver applies them to every pooled connection. A db.Exec PRAGMA would only
// reach the one connection it happens to run on.
func pragmaDSN(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// DB returns the underlying sql.DB handle (used by TSDB).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			provider_id TEXT NOT NULL,
			vendor_model_id TEXT NOT NULL DEFAULT '',
			tier TEXT NOT NULL DEFAULT 'standard',
			intelligence REAL NOT NULL DEFAULT 0,
			context_window INTEGER NOT NULL DEFAULT 4096,
			max_output_tokens INTEGER NOT NULL DEFAULT 4096,
			input_per_m REAL NOT NULL DEFAULT 0,
			output_per_m REAL NOT NULL DEFAULT 0,
			capabilities TEXT NOT NULL DEFAULT '{}',
			regions TEXT NOT NULL DEFAULT '[]',
			encryption_at_rest INTEGER NOT NULL DEFAULT 0,
			active INTEGER NOT NULL DEFAULT 1,
			deprecated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			regions TEXT NOT NULL DEFAULT '[]',
			credential_ref TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			config TEXT NOT NULL DEFAULT '{}'
		)`,
		`CREATE TABLE IF NOT EXISTS budgets (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			period TEXT NOT NULL,
			amount REAL NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			used REAL NOT NULL DEFAULT 0,
			start_at TEXT NOT NULL,
			end_at TEXT NOT NULL,
			warning_threshold REAL NOT NULL DEFAULT 0.8,
			critical_threshold REAL NOT NULL DEFAULT 0.95,
			send_notifications INTEGER NOT NULL DEFAULT 1,
			notify_email TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_budgets_tenant ON budgets(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL,
			project_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			operation TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost REAL NOT NULL DEFAULT 0,
			currency TEXT NOT NULL DEFAULT 'USD',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_tenant_ts ON usage_records(tenant_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			budget_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			recipient TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL DEFAULT '',
			sent_at TEXT NOT NULL,
			read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_budget ON notifications(budget_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			project_id TEXT NOT NULL DEFAULT '',
			task_type TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			selected_model_id TEXT NOT NULL,
			fallback_models TEXT NOT NULL DEFAULT '[]',
			final_score REAL NOT NULL DEFAULT 0,
			candidate_count INTEGER NOT NULL DEFAULT 0,
			duration_ms REAL NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_tenant_ts ON decisions(tenant_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL DEFAULT '',
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			operation TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			latency_ms INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 200,
			attempts INTEGER NOT NULL DEFAULT 1,
			fallback_used INTEGER NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 1,
			error_class TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_logs_tenant_ts ON execution_logs(tenant_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS circuit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			circuit_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			from_state TEXT NOT NULL DEFAULT '',
			to_state TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_circuit_events_circuit ON circuit_events(circuit_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS config_changes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_config_changes_ts ON config_changes(timestamp)`,
		`CREATE TABLE IF NOT EXISTS vault_blob (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			salt BLOB NOT NULL,
			data TEXT NOT NULL DEFAULT '{}'
		)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Models

const modelColumns = `id, provider_id, vendor_model_id, tier, intelligence, context_window, max_output_tokens,
	input_per_m, output_per_m, capabilities, regions, encryption_at_rest, active, deprecated_at`

func scanModel(scan func(...any) error) (registry.Model, error) {
	var m registry.Model
	var caps, regions string
	var deprecated sql.NullString
	err := scan(&m.ID, &m.ProviderID, &m.VendorModelID, &m.Tier, &m.Intelligence,
		&m.ContextWindow, &m.MaxOutputTokens, &m.InputPerMTokens, &m.OutputPerMTokens,
		&caps, &regions, &m.EncryptionAtRest, &m.Active, &deprecated)
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(caps), &m.Capabilities); err != nil {
		return m, fmt.Errorf("unmarshal capabilities for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(regions), &m.Regions); err != nil {
		return m, fmt.Errorf("unmarshal regions for %s: %w", m.ID, err)
	}
	if deprecated.Valid && deprecated.String != "" {
		t, err := time.Parse(time.RFC3339, deprecated.String)
		if err != nil {
			return m, fmt.Errorf("parse deprecated_at for %s: %w", m.ID, err)
		}
		m.DeprecatedAt = &t
	}
	return m, nil
}

func (s *SQLiteStore) ListModels(ctx context.Context) ([]registry.Model, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM models`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []registry.Model
	for rows.Next() {
		m, err := scanModel(rows.Scan)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*registry.Model, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id = ?`, id)
	m, err := scanModel(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m registry.Model) error {
	caps, err := json.Marshal(m.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	regions, err := json.Marshal(m.Regions)
	if err != nil {
		return fmt.Errorf("marshal regions: %w", err)
	}
	if m.Capabilities == nil {
		caps = []byte("{}")
	}
	if m.Regions == nil {
		regions = []byte("[]")
	}
	var deprecated sql.NullString
	if m.DeprecatedAt != nil {
		deprecated = sql.NullString{String: m.DeprecatedAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO models (id, provider_id, vendor_model_id, tier, intelligence, context_window, max_output_tokens,
		   input_per_m, output_per_m, capabilities, regions, encryption_at_rest, active, deprecated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider_id=excluded.provider_id,
		   vendor_model_id=excluded.vendor_model_id,
		   tier=excluded.tier,
		   intelligence=excluded.intelligence,
		   context_window=excluded.context_window,
		   max_output_tokens=excluded.max_output_tokens,
		   input_per_m=excluded.input_per_m,
		   output_per_m=excluded.output_per_m,
		   capabilities=excluded.capabilities,
		   regions=excluded.regions,
		   encryption_at_rest=excluded.encryption_at_rest,
		   active=excluded.active,
		   deprecated_at=excluded.deprecated_at`,
		m.ID, m.ProviderID, m.VendorModelID, string(m.Tier), m.Intelligence,
		m.ContextWindow, m.MaxOutputTokens, m.InputPerMTokens, m.OutputPerMTokens,
		string(caps), string(regions), m.EncryptionAtRest, m.Active, deprecated)
	return err
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return err
}

// Providers

const providerColumns = `id, name, base_url, regions, credential_ref, enabled, config`

func scanProvider(scan func(...any) error) (registry.Provider, error) {
	var p registry.Provider
	var regions, config string
	err := scan(&p.ID, &p.Name, &p.BaseURL, &regions, &p.CredentialRef, &p.Enabled, &config)
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(regions), &p.Regions); err != nil {
		return p, fmt.Errorf("unmarshal regions for %s: %w", p.ID, err)
	}
	if err := json.Unmarshal([]byte(config), &p.Config); err != nil {
		return p, fmt.Errorf("unmarshal config for %s: %w", p.ID, err)
	}
	return p, nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context) ([]registry.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+providerColumns+` FROM providers`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var providers []registry.Provider
	for rows.Next() {
		p, err := scanProvider(rows.Scan)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*registry.Provider, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = ?`, id)
	p, err := scanProvider(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) UpsertProvider(ctx context.Context, p registry.Provider) error {
	regions, err := json.Marshal(p.Regions)
	if err != nil {
		return fmt.Errorf("marshal regions: %w", err)
	}
	if p.Regions == nil {
		regions = []byte("[]")
	}
	config, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO providers (id, name, base_url, regions, credential_ref, enabled, config)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name,
		   base_url=excluded.base_url,
		   regions=excluded.regions,
		   credential_ref=excluded.credential_ref,
		   enabled=excluded.enabled,
		   config=excluded.config`,
		p.ID, p.Name, p.BaseURL, string(regions), p.CredentialRef, p.Enabled, string(config))
	return err
}

func (s *SQLiteStore) DeleteProvider(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id)
	return err
}

// Vault persistence

func (s *SQLiteStore) SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error {
	j, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal vault data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO vault_blob (id, salt, data) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET salt=excluded.salt, data=excluded.data`,
		salt, string(j))
	return err
}

func (s *SQLiteStore) LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error) {
	var salt []byte
	var dataStr string
	err := s.db.QueryRowContext(ctx, `SELECT salt, data FROM vault_blob WHERE id = 1`).Scan(&salt, &dataStr)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	var data map[string]string
	if err := json.Unmarshal([]byte(dataStr), &data); err != nil {
		return nil, nil, fmt.Errorf("unmarshal vault data: %w", err)
	}
	return salt, data, nil
}
