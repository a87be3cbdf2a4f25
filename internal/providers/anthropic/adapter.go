// Package anthropic implements the provider adapter for the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/registry"
)

const anthropicVersion = "2023-06-01"

// defaultMaxTokens is applied when the request omits max_tokens; the
// Messages API requires the field.
const defaultMaxTokens = 4096

// Adapter implements providers.Adapter for Anthropic.
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

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		a.client.Timeout = d
	}
}

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

// New creates an Anthropic adapter. A zero timeout defaults to 60s.
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

// HealthEndpoint returns a URL for health probing. A GET to the messages
// endpoint returns 405 (Method Not Allowed) which proves reachability.
func (a *Adapter) HealthEndpoint() string {
	return a.baseURL + "/v1/messages"
}

func (a *Adapter) requestHeaders(req *providers.ChatRequest) map[string]string {
	h := map[string]string{
		"x-api-key":         a.apiKey,
		"anthropic-version": anthropicVersion,
		"User-Agent":        "arbiter/1.0",
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

// chatPayload maps the envelope onto the Messages API. System messages move
// into the top-level system field.
func chatPayload(req providers.ChatRequest, stream bool) map[string]any {
	var system string
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			system = msg.Content
			continue
		}
		messages = append(messages, map[string]string{
			"role":    msg.Role,
			"content": msg.Content,
		})
	}

	payload := map[string]any{
		"model":    req.Model,
		"messages": messages,
	}
	if system != "" {
		payload["system"] = system
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	} else {
		payload["max_tokens"] = defaultMaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.TopP != nil {
		payload["top_p"] = *req.TopP
	}
	if len(req.Stop) > 0 {
		payload["stop_sequences"] = req.Stop
	}
	if stream {
		payload["stream"] = true
	}
	return payload
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if req.RequestID != "" {
		ctx = providers.WithRequestID(ctx, req.RequestID)
	}

	start := time.Now()
	body, err := providers.DoRequest(ctx, a.client, a.baseURL+"/v1/messages",
		chatPayload(req, false), a.requestHeaders(&req))
	if err != nil {
		return nil, err
	}

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var content string
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return &providers.ChatResponse{
		ID:           parsed.ID,
		Model:        parsed.Model,
		Content:      content,
		FinishReason: parsed.StopReason,
		Usage: providers.Usage{
			InputTokens:  parsed.Usage.InputTokens,
			OutputTokens: parsed.Usage.OutputTokens,
		},
		LatencyMs: float64(time.Since(start).Milliseconds()),
		Raw:       body,
	}, nil
}

// streamEvent covers the subset of Messages API SSE events we consume.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) ChatStream(ctx context.Context, req providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	if req.RequestID != "" {
		ctx = providers.WithRequestID(ctx, req.RequestID)
	}

	body, err := providers.DoStreamRequest(ctx, a.client, a.baseURL+"/v1/messages",
		chatPayload(req, true), a.requestHeaders(&req))
	if err != nil {
		return nil, err
	}

	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		defer func() { _ = body.Close() }()

		usage := providers.Usage{}
		err := providers.ScanSSE(body, func(data []byte) bool {
			var ev streamEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return true
			}
			switch ev.Type {
			case "message_start":
				usage.InputTokens = ev.Message.Usage.InputTokens
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					select {
					case out <- providers.StreamChunk{Delta: ev.Delta.Text}:
					case <-ctx.Done():
						return false
					}
				}
			case "message_delta":
				usage.OutputTokens += ev.Usage.OutputTokens
				if ev.Delta.StopReason != "" {
					select {
					case out <- providers.StreamChunk{FinishReason: ev.Delta.StopReason}:
					case <-ctx.Done():
						return false
					}
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
		case out <- providers.StreamChunk{Done: true, Usage: &usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

// Embed is unsupported: Anthropic does not expose an embeddings endpoint.
func (a *Adapter) Embed(ctx context.Context, req providers.EmbedRequest) (*providers.EmbedResponse, error) {
	return nil, fmt.Errorf("anthropic: embeddings not supported")
}

// Moderate is unsupported: Anthropic does not expose a moderation endpoint.
func (a *Adapter) Moderate(ctx context.Context, req providers.ModerationRequest) (*providers.ModerationResponse, error) {
	return nil, fmt.Errorf("anthropic: moderation not supported")
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
