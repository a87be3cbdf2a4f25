// Package mock implements an in-process provider adapter for tests and local
// development. Responses, latency, and failures are scriptable per call.
package mock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/registry"
)

// Adapter implements providers.Adapter with scriptable behaviour.
type Adapter struct {
	id         string
	feePercent float64

	mu        sync.Mutex
	reply     string
	latency   time.Duration
	failWith  error
	failCount int // fail this many calls, then succeed
	calls     int
}

// New creates a mock adapter that echoes a canned reply.
func New(id string) *Adapter {
	return &Adapter{id: id, reply: "mock response"}
}

// SetReply sets the canned completion content.
func (a *Adapter) SetReply(s string) {
	a.mu.Lock()
	a.reply = s
	a.mu.Unlock()
}

// SetLatency adds artificial latency to every call.
func (a *Adapter) SetLatency(d time.Duration) {
	a.mu.Lock()
	a.latency = d
	a.mu.Unlock()
}

// FailWith makes every call fail with err until cleared (pass nil).
func (a *Adapter) FailWith(err error) {
	a.mu.Lock()
	a.failWith = err
	a.failCount = 0
	a.mu.Unlock()
}

// FailNTimes makes the next n calls fail with err, then succeed.
func (a *Adapter) FailNTimes(n int, err error) {
	a.mu.Lock()
	a.failWith = err
	a.failCount = n
	a.mu.Unlock()
}

// Calls returns how many chat calls the adapter has served.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint returns "" so the prober skips the mock.
func (a *Adapter) HealthEndpoint() string { return "" }

// step applies latency, counts the call, and returns the scripted error.
func (a *Adapter) step(ctx context.Context) error {
	a.mu.Lock()
	a.calls++
	latency := a.latency
	err := a.failWith
	if err != nil && a.failCount > 0 {
		a.failCount--
		if a.failCount == 0 {
			a.failWith = nil
		}
	}
	a.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func estimateTokens(messages []providers.Message) int {
	n := 0
	for _, m := range messages {
		n += len(strings.Fields(m.Content))
	}
	if n == 0 {
		n = 1
	}
	return n
}

func (a *Adapter) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	start := time.Now()
	if err := a.step(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	reply := a.reply
	a.mu.Unlock()

	return &providers.ChatResponse{
		ID:           "mock-" + a.id,
		Model:        req.Model,
		Content:      reply,
		FinishReason: "stop",
		Usage: providers.Usage{
			InputTokens:  estimateTokens(req.Messages),
			OutputTokens: len(strings.Fields(reply)),
		},
		LatencyMs: float64(time.Since(start).Milliseconds()),
	}, nil
}

func (a *Adapter) ChatStream(ctx context.Context, req providers.ChatRequest) (<-chan providers.StreamChunk, error) {
	if err := a.step(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	reply := a.reply
	a.mu.Unlock()

	out := make(chan providers.StreamChunk)
	go func() {
		defer close(out)
		words := strings.Fields(reply)
		for i, w := range words {
			if i > 0 {
				w = " " + w
			}
			select {
			case out <- providers.StreamChunk{Delta: w}:
			case <-ctx.Done():
				return
			}
		}
		usage := &providers.Usage{
			InputTokens:  estimateTokens(req.Messages),
			OutputTokens: len(words),
		}
		select {
		case out <- providers.StreamChunk{Done: true, FinishReason: "stop", Usage: usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

func (a *Adapter) Embed(ctx context.Context, req providers.EmbedRequest) (*providers.EmbedResponse, error) {
	if err := a.step(ctx); err != nil {
		return nil, err
	}
	out := &providers.EmbedResponse{Embeddings: make([][]float64, len(req.Input))}
	for i, s := range req.Input {
		out.Embeddings[i] = []float64{float64(len(s)), 0.5, -0.5}
		out.Usage.InputTokens += len(strings.Fields(s))
	}
	return out, nil
}

func (a *Adapter) Moderate(ctx context.Context, req providers.ModerationRequest) (*providers.ModerationResponse, error) {
	if err := a.step(ctx); err != nil {
		return nil, err
	}
	flagged := strings.Contains(strings.ToLower(req.Input), "forbidden")
	return &providers.ModerationResponse{Flagged: flagged}, nil
}

func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"mock-small", "mock-large"}, nil
}

func (a *Adapter) Health(ctx context.Context) (*providers.HealthStatus, error) {
	return &providers.HealthStatus{Healthy: true, CheckedAt: time.Now()}, nil
}

func (a *Adapter) EstimateCost(model *registry.Model, inputTokens, outputTokens int) providers.CostEstimate {
	return providers.Estimate(model, a.feePercent, inputTokens, outputTokens)
}
