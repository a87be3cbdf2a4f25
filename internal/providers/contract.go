// Package providers defines the adapter contract for upstream LLM vendors and
// the shared HTTP plumbing all adapters use. Each vendor package (openai,
// anthropic, mock) translates the provider-agnostic request envelope into its
// wire format; the execution pipeline only ever sees this interface.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/internal/registry"
)

// OperationType labels a usage record with the kind of call that produced it.
type OperationType string

const (
	OpChatCompletion          OperationType = "chat_completion"
	OpStreamingChatCompletion OperationType = "streaming_chat_completion"
	OpEmbedding               OperationType = "embedding"
	OpModeration              OperationType = "moderation"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-agnostic completion request envelope.
type ChatRequest struct {
	// Model is the vendor-side model identifier.
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`

	MaxTokens        int      `json:"max_tokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty"`
	Stop             []string `json:"stop,omitempty"`

	// Correlation identifiers forwarded as X-* headers.
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Usage is the token accounting a provider reports.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ChatResponse is the provider-agnostic completion result.
type ChatResponse struct {
	ID           string          `json:"id"`
	Model        string          `json:"model"`
	Content      string          `json:"content"`
	FinishReason string          `json:"finish_reason,omitempty"`
	Usage        Usage           `json:"usage"`
	LatencyMs    float64         `json:"latency_ms"`
	Raw          json.RawMessage `json:"-"`
}

// StreamChunk is one delta of a streaming completion. A non-nil Err terminates
// the stream; a chunk with Done set carries the final usage when the provider
// reports it.
type StreamChunk struct {
	Delta        string `json:"delta,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	Done         bool   `json:"done,omitempty"`
	Usage        *Usage `json:"usage,omitempty"`
	Err          error  `json:"-"`
}

// EmbedRequest asks for vector embeddings.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbedResponse carries one vector per input.
type EmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
	Usage      Usage       `json:"usage"`
}

// ModerationRequest asks for a content policy check.
type ModerationRequest struct {
	Model string `json:"model,omitempty"`
	Input string `json:"input"`
}

// ModerationResponse reports policy category hits.
type ModerationResponse struct {
	Flagged    bool               `json:"flagged"`
	Categories map[string]float64 `json:"categories,omitempty"`
}

// HealthStatus is a point-in-time provider liveness reading.
type HealthStatus struct {
	Healthy    bool      `json:"healthy"`
	StatusCode int       `json:"status_code,omitempty"`
	LatencyMs  float64   `json:"latency_ms"`
	CheckedAt  time.Time `json:"checked_at"`
	Detail     string    `json:"detail,omitempty"`
}

// CostEstimate is the projected spend for a token count pair, including the
// provider's service fee.
type CostEstimate struct {
	ModelID      string  `json:"model_id"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	BaseUSD      float64 `json:"base_usd"`
	FeeUSD       float64 `json:"fee_usd"`
	TotalUSD     float64 `json:"total_usd"`
}

// Adapter is the contract every provider integration satisfies.
type Adapter interface {
	// ID returns the provider id this adapter serves.
	ID() string

	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)
	Moderate(ctx context.Context, req ModerationRequest) (*ModerationResponse, error)

	// ListModels returns the vendor-side model identifiers the endpoint serves.
	ListModels(ctx context.Context) ([]string, error)

	// Health probes the provider endpoint. Results are cached for 60 seconds.
	Health(ctx context.Context) (*HealthStatus, error)

	// HealthEndpoint returns the URL the background prober hits, or "" when
	// the provider has no probeable endpoint.
	HealthEndpoint() string

	// EstimateCost projects the spend for a token count pair at the model's
	// catalog prices plus the provider service fee.
	EstimateCost(model *registry.Model, inputTokens, outputTokens int) CostEstimate
}

// Estimate computes a cost estimate from catalog prices and a service fee
// percentage. Shared by all adapters.
func Estimate(model *registry.Model, feePercent float64, inputTokens, outputTokens int) CostEstimate {
	base := model.CostFor(inputTokens, outputTokens)
	fee := base * feePercent / 100
	return CostEstimate{
		ModelID:      model.ID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		BaseUSD:      base,
		FeeUSD:       fee,
		TotalUSD:     base + fee,
	}
}

// StatusError captures an HTTP status code from a provider response.
// Used by adapters to return structured errors the retry policy can inspect.
type StatusError struct {
	StatusCode     int
	Body           string
	RetryAfterSecs int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Body)
}

// ParseRetryAfter records a Retry-After header value (seconds form only).
// Invalid or empty values leave RetryAfterSecs at zero.
func (e *StatusError) ParseRetryAfter(header string) {
	if header == "" {
		return
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		e.RetryAfterSecs = secs
	}
}

// RetryableStatus reports whether an HTTP status is worth retrying.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
