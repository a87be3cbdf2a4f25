// Package store persists catalog configuration, budgets, usage, and audit
// trails. The SQLite implementation is the only one; the interface exists so
// services can be tested against lightweight fakes.
package store

import (
	"context"
	"time"

	"github.com/arbiterhq/arbiter/internal/registry"
)

// BudgetRecord is a spending limit scoped to a tenant and optionally narrowed
// to a project or user. Empty ProjectID/UserID means the budget covers the
// whole tenant.
type BudgetRecord struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ProjectID string `json:"project_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	Period   string  `json:"period"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Used     float64 `json:"used"`

	StartAt time.Time `json:"start_at"`
	EndAt   time.Time `json:"end_at"`

	// Thresholds are fractions of Amount in (0,1].
	WarningThreshold  float64 `json:"warning_threshold"`
	CriticalThreshold float64 `json:"critical_threshold"`

	SendNotifications bool      `json:"send_notifications"`
	NotifyEmail       string    `json:"notify_email,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// UsageRecord is one billed model invocation. The ID is caller-supplied and
// deduplicated on insert, so retried pipelines never double-charge.
type UsageRecord struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id,omitempty"`
	TenantID   string `json:"tenant_id"`
	ProjectID  string `json:"project_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ModelID    string `json:"model_id"`
	ProviderID string `json:"provider_id"`
	Operation  string `json:"operation"`

	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Currency     string  `json:"currency"`

	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	Timestamp  time.Time `json:"timestamp"`
}

// DailyTotal is one day of summed usage cost, keyed by UTC date.
type DailyTotal struct {
	Day  string  `json:"day"`
	Cost float64 `json:"cost"`
}

// NotificationRecord is a budget alert that was sent (or suppressed and
// recorded for the in-app feed).
type NotificationRecord struct {
	ID        string    `json:"id"`
	BudgetID  string    `json:"budget_id"`
	TenantID  string    `json:"tenant_id"`
	Type      string    `json:"type"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	SentAt    time.Time `json:"sent_at"`
	Read      bool      `json:"read"`
}

// DecisionRecord captures one arbitration outcome for audit and tuning.
type DecisionRecord struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	UserID          string    `json:"user_id,omitempty"`
	ProjectID       string    `json:"project_id,omitempty"`
	TaskType        string    `json:"task_type"`
	Strategy        string    `json:"strategy"`
	SelectedModelID string    `json:"selected_model_id"`
	FallbackModels  []string  `json:"fallback_models,omitempty"`
	FinalScore      float64   `json:"final_score"`
	CandidateCount  int       `json:"candidate_count"`
	DurationMs      float64   `json:"duration_ms"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ExecutionLogRecord is the per-request execution audit row.
type ExecutionLogRecord struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	TenantID     string    `json:"tenant_id"`
	UserID       string    `json:"user_id,omitempty"`
	ModelID      string    `json:"model_id"`
	ProviderID   string    `json:"provider_id"`
	Operation    string    `json:"operation"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	StatusCode   int       `json:"status_code"`
	Attempts     int       `json:"attempts"`
	FallbackUsed bool      `json:"fallback_used"`
	Success      bool      `json:"success"`
	ErrorClass   string    `json:"error_class,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// CircuitEventRecord is one breaker state transition, persisted for
// operator forensics.
type CircuitEventRecord struct {
	ID        int64     `json:"id"`
	CircuitID string    `json:"circuit_id"`
	EventType string    `json:"event_type"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConfigChangeRecord is an audit entry for catalog, budget, or credential
// mutations.
type ConfigChangeRecord struct {
	ID         int64     `json:"id"`
	Actor      string    `json:"actor"`
	Kind       string    `json:"kind"`
	ResourceID string    `json:"resource_id"`
	Detail     string    `json:"detail,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is the persistence interface. Get methods return (nil, nil) when the
// row does not exist.
type Store interface {
	registry.Store

	// Budgets
	ListBudgets(ctx context.Context, tenantID string) ([]BudgetRecord, error)
	GetBudget(ctx context.Context, id string) (*BudgetRecord, error)
	UpsertBudget(ctx context.Context, b BudgetRecord) error
	DeleteBudget(ctx context.Context, id string) error
	// ActiveBudgets returns every budget whose scope covers the given
	// tenant/project/user and whose period contains at.
	ActiveBudgets(ctx context.Context, tenantID, projectID, userID string, at time.Time) ([]BudgetRecord, error)
	// OverlappingBudget returns a budget with the same scope and period whose
	// date range intersects b's, excluding b itself. Nil when none exists.
	OverlappingBudget(ctx context.Context, b BudgetRecord) (*BudgetRecord, error)
	SetBudgetUsed(ctx context.Context, id string, used float64, at time.Time) error

	// Usage
	AddUsage(ctx context.Context, u UsageRecord) (bool, error)
	// RecordUsageTx inserts the usage record and applies the per-budget
	// debits in one transaction. A duplicate usage ID rolls everything back
	// and returns false without error.
	RecordUsageTx(ctx context.Context, u UsageRecord, debits map[string]float64) (bool, error)
	SumUsage(ctx context.Context, tenantID, projectID, userID string, from, to time.Time) (float64, error)
	DailyUsageTotals(ctx context.Context, tenantID, projectID, userID string, from, to time.Time) ([]DailyTotal, error)
	ListUsage(ctx context.Context, tenantID string, from, to time.Time, limit int) ([]UsageRecord, error)

	// Notifications
	AddNotification(ctx context.Context, n NotificationRecord) error
	LatestNotification(ctx context.Context, budgetID, typ string) (*NotificationRecord, error)
	ListNotifications(ctx context.Context, tenantID string, limit int) ([]NotificationRecord, error)
	MarkNotificationRead(ctx context.Context, id string) error
	DeleteNotificationsForBudget(ctx context.Context, budgetID string) error

	// Audit
	AddDecision(ctx context.Context, d DecisionRecord) error
	ListDecisions(ctx context.Context, tenantID string, limit, offset int) ([]DecisionRecord, error)
	AddExecutionLog(ctx context.Context, e ExecutionLogRecord) error
	ListExecutionLogs(ctx context.Context, tenantID string, limit, offset int) ([]ExecutionLogRecord, error)
	AddCircuitEvent(ctx context.Context, e CircuitEventRecord) error
	ListCircuitEvents(ctx context.Context, circuitID string, limit int) ([]CircuitEventRecord, error)
	AddConfigChange(ctx context.Context, c ConfigChangeRecord) error
	ListConfigChanges(ctx context.Context, limit, offset int) ([]ConfigChangeRecord, error)

	// Vault persistence
	SaveVaultBlob(ctx context.Context, salt []byte, data map[string]string) error
	LoadVaultBlob(ctx context.Context) ([]byte, map[string]string, error)

	Migrate(ctx context.Context) error
	Close() error
}
