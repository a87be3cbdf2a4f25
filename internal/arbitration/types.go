// Package arbitration chooses the best model for a request. Candidates are
// enumerated from the catalog, scored on performance, cost, compliance, and
// reliability, then selected per the context's strategy with a ranked
// fallback list.
package arbitration

import (
	"time"

	"github.com/arbiterhq/arbiter/internal/health"
	"github.com/arbiterhq/arbiter/internal/registry"
)

// Strategy tags.
const (
	StrategyBalanced    = "balanced"
	StrategyCost        = "cost_optimized"
	StrategyPerformance = "performance_critical"
	StrategyLatency     = "latency_sensitive"
	StrategyReliability = "reliability_focused"
	StrategyCapability  = "capability_optimized"
)

// Context is the per-request policy envelope.
type Context struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`

	// TaskType picks the scoring weights and default token profile.
	// Defaults to "general".
	TaskType string `json:"task_type,omitempty"`

	MinIntelligence      float64  `json:"min_intelligence,omitempty"`
	MaxCostUSD           float64  `json:"max_cost_usd,omitempty"`
	MaxLatency           time.Duration `json:"max_latency,omitempty"`
	MinContextTokens     int      `json:"min_context_tokens,omitempty"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty"`

	AllowedModels    []string `json:"allowed_models,omitempty"`
	BlockedModels    []string `json:"blocked_models,omitempty"`
	AllowedProviders []string `json:"allowed_providers,omitempty"`
	BlockedProviders []string `json:"blocked_providers,omitempty"`

	RequiredRegion          string `json:"required_region,omitempty"`
	RequireEncryptionAtRest bool   `json:"require_encryption_at_rest,omitempty"`

	// Strategy overrides tag derivation when set.
	Strategy            string `json:"strategy,omitempty"`
	EnableFallback      bool   `json:"enable_fallback,omitempty"`
	MaxFallbackAttempts int    `json:"max_fallback_attempts,omitempty"`

	EstimatedInputTokens  int `json:"estimated_input_tokens,omitempty"`
	EstimatedOutputTokens int `json:"estimated_output_tokens,omitempty"`
}

// Candidate is a model augmented with per-context scores.
type Candidate struct {
	Model registry.Model `json:"model"`

	// Dimension scores in [0,100].
	Performance float64 `json:"performance"`
	Cost        float64 `json:"cost"`
	Compliance  float64 `json:"compliance"`
	Reliability float64 `json:"reliability"`

	// Value is intelligence per expected dollar; the tie-breaker.
	Value float64 `json:"value"`

	FinalScore float64 `json:"final_score"`

	ExpectedCostUSD   float64      `json:"expected_cost_usd"`
	ExpectedLatencyMs float64      `json:"expected_latency_ms"`
	ProviderHealth    health.State `json:"provider_health"`
}

// Estimation is a token-level cost projection for one model.
type Estimation struct {
	ModelID      string  `json:"model_id"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Prediction is the expected runtime behavior of the selected model.
type Prediction struct {
	ModelID             string  `json:"model_id"`
	ExpectedLatencyMs   float64 `json:"expected_latency_ms"`
	ExpectedSuccessRate float64 `json:"expected_success_rate"`
	ExpectedTokensPerSec float64 `json:"expected_tokens_per_sec"`
	// Basis is "history" when backed by observed samples, "default" otherwise.
	Basis string `json:"basis"`
}

// Result is the outcome of one arbitration.
type Result struct {
	DecisionID string     `json:"decision_id"`
	Selected   *Candidate `json:"selected"`
	// Candidates holds every scored candidate that survived enumeration,
	// ordered by final score descending.
	Candidates []Candidate `json:"candidates"`
	// Fallbacks are the top remaining candidates after the primary, at most
	// three, for the execution fallback chain.
	Fallbacks []Candidate `json:"fallbacks"`

	Estimation Estimation `json:"estimation"`
	Prediction Prediction `json:"prediction"`

	// Factors records the weights applied per dimension.
	Factors map[string]float64 `json:"factors"`
	// Excluded lists model ids dropped by the business filter.
	Excluded []string `json:"excluded,omitempty"`

	Strategy   string    `json:"strategy"`
	Degraded   bool      `json:"degraded,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMs float64   `json:"duration_ms"`
}

// FallbackModelIDs returns the fallback list as model ids.
func (r *Result) FallbackModelIDs() []string {
	ids := make([]string, len(r.Fallbacks))
	for i, c := range r.Fallbacks {
		ids[i] = c.Model.ID
	}
	return ids
}
