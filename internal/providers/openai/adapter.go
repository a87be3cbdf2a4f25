// Package openai implements the provider adapter for OpenAI-compatible
// endpoints (api.openai.com, Azure OpenAI deployments, and self-hosted
// servers speaking the same wire format).
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/registry"
)

// Adapter implements providers.Adapter for OpenAI.
type Adapter struct {
	id         string
	apiKey     string
	baseURL    string
	feePercent float64
	headers    map[string]string
	client     *http.Client
	health     providers.HealthCache
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the HTTP client (timeouts, test transports).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		a.client = c
	}
}

// WithServiceFee sets the service fee percentage applied to cost estimates.
func WithServiceFee(pct float64) Option {
	return func(a *Adapter) {
		a.feePercent = pct
	}
}

// WithHeaders adds custom headers to every upstream request.
func WithHeaders(h map[string]string) Option {
	return func(a *Adapter) {
		a.headers = h
	}
}

// New creates an OpenAI adapter.
func New(id, apiKey, baseURL string, opts ...Option) *Adapter {
	a := &Adapter{
		id:      id,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns the models listing URL; it answers GETs cheaply.
func (a *Adapter) HealthEndpoint() string { return a.baseURL + "/v1/models" }

func (a *Adapter) requestHeaders(req *providers.ChatRequest) map[string]string {
	h := map[string]string{
		"Authorization": "Bearer " + a.apiKey,
		"User-Agent":    "arbiter/1.0",
	}
	for k, v := range a.headers {
		h[k] = v
	}
	if req != nil {
		if req.SessionID != "" {
			h["X-Session-ID"] = req.SessionID
		}
		if req.TenantID != "" {
			h["X-Tenant-ID"] = req.TenantID
		}
		if req.UserID != "" {
			h["X-User-ID"] = req.UserID
		}
	}
	return h
}

func chatPayload(req providers.ChatRequest, stream bool) map[string]any {
	messages := make([]map[string]string, len(req.Messages))
	for i, msg := range req.Messages {
		messages[i] = map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		}
	}
	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if req.FrequencyPenalty != nil {
		payload["frequency_penalty"] = *req.FrequencyPenalty
	}
	if req.PresencePenalty != nil {
		payload["presence_penalty"] = *req.PresencePenalty
	}
	if len(req.Stop) > 0 {
		payload["stop"] = req.Stop
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload
}

type chatCompletion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if req.RequestID != "" {
		ctx = providers.WithRequestID(ctx, req.RequestID)
	}

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/chat/completions",
		chatPayload(req, false), a.requestHeaders(&req))
	if err != nil {
		return nil, err
	}

	var parsed chatCompletion
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("response contained no choices")
	}

	return &providers.ChatResponse{
		ID:           parsed.ID,
		Model:        parsed.Model,
		Content:      parsed.Choices[0].Message.Content,
		FinishReason: parsed.Choices[0].FinishReason,
		Usage: providers.Usage{
			InputTokens:  parsed.Usage.PromptTokens,
			OutputTokens: parsed.Usage.CompletionTokens,
		},
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Raw:       body,
	}, nil
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (a *Adapter) ChatStream(ctx context.Context, req providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	if req.RequestID != "" {
		ctx = providers.WithRequestID(ctx, req.RequestID)
	}

	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/chat/completions",
		chatPayload(req, true), a.requestHeaders(&req))
	if err != nil {
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		var usage *providers.Usage
		err := providers.ScanSSE(body, func(data []byte) bool {
			var chunk chatChunk
			if err := json.Unmarshal(data, &chunk); err != nil {
				// Skip malformed keep-alive frames.
				return true
			}
			if chunk.Usage != nil {
				usage = &providers.Usage{
					InputTokens:  chunk.Usage.PromptTokens,
					OutputTokens: chunk.Usage.CompletionTokens,
				}
			}
			for _, c := range chunk.Choices {
				sc := providers.StreamChunk{Delta: c.Delta.Content, FinishReason: c.FinishReason}
				select {
				case out <- sc:
				case <-ctx.Done():
					return false
				}
			}
			return true
		})
		if err != nil {
			select {
			case out <- providers.StreamChunk{Err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- providers.StreamChunk{Done: true, Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (a *Adapter) Embed(ctx context.Context, req providers.EmbedRequest) (*providers.EmbedResponse, error) {
	payload := map[string]any{
		"model": req.Model,
		"input": req.Input,
	}
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/embeddings", payload, a.requestHeaders(nil))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	out := &providers.EmbedResponse{
		Embeddings: make([][]float64, len(parsed.Data)),
		Usage:      providers.Usage{InputTokens: parsed.Usage.PromptTokens},
	}
	for i, d := range parsed.Data {
		out.Embeddings[i] = d.Embedding
	}
	return out, nil
}

func (a *Adapter) Moderate(ctx context.Context, req providers.ModerationRequest) (*providers.ModerationResponse, error) {
	payload := map[string]any{"input": req.Input}
	if req.Model != "" {
		payload["model"] = req.Model
	}
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/moderations", payload, a.requestHeaders(nil))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results []struct {
			Flagged        bool               `json:"flagged"`
			CategoryScores map[string]float64 `json:"category_scores"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return nil, fmt.Errorf("response contained no results")
	}
	return &providers.ModerationResponse{
		Flagged:    parsed.Results[0].Flagged,
		Categories: parsed.Results[0].CategoryScores,
	}, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	body, err := providers.DoGet(ctx, a.client, a.baseURL+"/v1/models", a.requestHeaders(nil))
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	ids := make([]string, len(parsed.Data))
	for i, m := range parsed.Data {
		ids[i] = m.ID
	}
	return ids, nil
}

func (a *Adapter) Health(ctx context.Context) (*providers.HealthStatus, error) {
	return a.health.Check(ctx, a.client, a.HealthEndpoint())
}

func (a *Adapter) EstimateCost(model *registry.Model, inputTokens, outputTokens int) providers.CostEstimate {
	return providers.Estimate(model, a.feePercent, inputTokens, outputTokens)
}
