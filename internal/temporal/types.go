package temporal

import (
	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/providers"
)

// ExecuteInput is the input for the ExecuteWorkflow.
type ExecuteInput struct {
	RequestID string                `json:"request_id"`
	Request   providers.ChatRequest `json:"request"`
	Context   arbitration.Context   `json:"context"`
}

// Target is one (model, provider) pair in the dispatch order.
type Target struct {
	ModelID    string `json:"model_id"`
	ProviderID string `json:"provider_id"`
}

// Selection is the serializable arbitration outcome the workflow walks: the
// primary target followed by its fallbacks.
type Selection struct {
	DecisionID string   `json:"decision_id,omitempty"`
	Targets    []Target `json:"targets"`
}

// DispatchInput is the input for the DispatchToProvider activity.
type DispatchInput struct {
	RequestID string                `json:"request_id"`
	Target    Target                `json:"target"`
	Request   providers.ChatRequest `json:"request"`
}

// DispatchOutput is the output of the DispatchToProvider activity.
type DispatchOutput struct {
	Content      string  `json:"content"`
	FinishReason string  `json:"finish_reason,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    float64 `json:"latency_ms"`
	Attempts     int     `json:"attempts"`
	ErrorClass   string  `json:"error_class,omitempty"`
}

// RecordInput is the input for the RecordOutcome activity.
type RecordInput struct {
	RequestID    string              `json:"request_id"`
	DecisionID   string              `json:"decision_id,omitempty"`
	Context      arbitration.Context `json:"context"`
	Target       Target              `json:"target"`
	InputTokens  int                 `json:"input_tokens,omitempty"`
	OutputTokens int                 `json:"output_tokens,omitempty"`
	CostUSD      float64             `json:"cost_usd,omitempty"`
	LatencyMs    float64             `json:"latency_ms"`
	DurationMs   float64             `json:"duration_ms"`
	Attempts     int                 `json:"attempts"`
	FallbackUsed bool                `json:"fallback_used,omitempty"`
	Success      bool                `json:"success"`
	ErrorClass   string              `json:"error_class,omitempty"`
	ErrorMsg     string              `json:"error_msg,omitempty"`
}

// ExecuteOutput is the output of the ExecuteWorkflow.
type ExecuteOutput struct {
	DecisionID   string  `json:"decision_id,omitempty"`
	ModelID      string  `json:"model_id"`
	ProviderID   string  `json:"provider_id"`
	Content      string  `json:"content"`
	FinishReason string  `json:"finish_reason,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    float64 `json:"latency_ms"`
	Attempts     int     `json:"attempts"`
	FallbackUsed bool    `json:"fallback_used,omitempty"`
	Error        string  `json:"error,omitempty"`
}
