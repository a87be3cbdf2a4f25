// Package execution runs chat completions against provider adapters on behalf
// of the arbitration engine. It owns the request lifecycle around an upstream
// call: validation, circuit and rate-limit gates, retry with backoff, the
// fallback chain, and the bookkeeping that feeds stats, budgets, and the
// execution log.
package execution

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/circuitbreaker"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/health"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/stats"
	"github.com/arbiterhq/arbiter/internal/store"
)

const (
	// batchConcurrency bounds concurrent executions inside ExecuteBatch.
	batchConcurrency = 10

	maxRequestTokens = 100000
)

// Response is the result of a completed execution, the upstream completion
// plus the arbitration and accounting detail around it.
type Response struct {
	*providers.ChatResponse

	DecisionID   string  `json:"decision_id,omitempty"`
	RequestID    string  `json:"request_id"`
	ModelID      string  `json:"model_id"`
	ProviderID   string  `json:"provider_id"`
	CostUSD      float64 `json:"cost_usd"`
	DurationMs   float64 `json:"duration_ms"`
	Attempts     int     `json:"attempts"`
	FallbackUsed bool    `json:"fallback_used,omitempty"`
}

// Pipeline executes requests against registered provider adapters. All
// collaborators beyond the engine and catalog are optional; a nil collaborator
// disables its gate or bookkeeping.
type Pipeline struct {
	engine  *arbitration.Engine
	catalog *registry.Catalog

	mu       sync.RWMutex
	adapters map[string]providers.Adapter

	circuits *circuitbreaker.Registry
	limiter  *ratelimit.Limiter
	budget   *budget.Service
	stats    *stats.Collector
	health   *health.Tracker
	store    store.Store
	metrics  *metrics.Registry
	bus      *events.Bus
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAdapter registers a provider adapter, keyed by its ID.
func WithAdapter(a providers.Adapter) Option {
	return func(p *Pipeline) { p.adapters[a.ID()] = a }
}

// WithCircuits wires the circuit breaker registry into the gate chain.
func WithCircuits(r *circuitbreaker.Registry) Option {
	return func(p *Pipeline) { p.circuits = r }
}

// WithLimiter wires per-provider rate limiting into the gate chain.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithBudget wires usage debits into success bookkeeping.
func WithBudget(b *budget.Service) Option {
	return func(p *Pipeline) { p.budget = b }
}

// WithStats wires the rolling stats collector.
func WithStats(c *stats.Collector) Option {
	return func(p *Pipeline) { p.stats = c }
}

// WithHealth wires the provider health tracker.
func WithHealth(t *health.Tracker) Option {
	return func(p *Pipeline) { p.health = t }
}

// WithStore wires the execution log.
func WithStore(s store.Store) Option {
	return func(p *Pipeline) { p.store = s }
}

// WithMetrics wires Prometheus instrumentation.
func WithMetrics(m *metrics.Registry) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithEventBus wires execution events.
func WithEventBus(b *events.Bus) Option {
	return func(p *Pipeline) { p.bus = b }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithNow injects a clock for tests.
func WithNow(fn func() time.Time) Option {
	return func(p *Pipeline) { p.nowFunc = fn }
}

// New creates a Pipeline around an arbitration engine and model catalog.
func New(engine *arbitration.Engine, catalog *registry.Catalog, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:   engine,
		catalog:  catalog,
		adapters: make(map[string]providers.Adapter),
		logger:   slog.Default(),
		nowFunc:  time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// RegisterAdapter adds or replaces the adapter for a provider.
func (p *Pipeline) RegisterAdapter(a providers.Adapter) {
	p.mu.Lock()
	p.adapters[a.ID()] = a
	p.mu.Unlock()
}

func (p *Pipeline) adapter(providerID string) providers.Adapter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.adapters[providerID]
}

// validateRequest enforces the request parameter ranges before any gate or
// upstream call runs.
func validateRequest(req providers.ChatRequest) error {
	if len(req.Messages) == 0 {
		return &arbitration.ValidationError{Field: "messages", Msg: "at least one message is required"}
	}
	for i, m := range req.Messages {
		if m.Role == "" {
			return &arbitration.ValidationError{Field: "messages", Msg: fmt.Sprintf("message %d has no role", i)}
		}
	}
	if req.MaxTokens <= 0 || req.MaxTokens > maxRequestTokens {
		return &arbitration.ValidationError{Field: "max_tokens", Msg: "max_tokens must be between 1 and 100000"}
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return &arbitration.ValidationError{Field: "temperature", Msg: "temperature must be between 0 and 2"}
	}
	if req.TopP != nil && (*req.TopP < 0 || *req.TopP > 1) {
		return &arbitration.ValidationError{Field: "top_p", Msg: "top_p must be between 0 and 1"}
	}
	if req.FrequencyPenalty != nil && (*req.FrequencyPenalty < -2 || *req.FrequencyPenalty > 2) {
		return &arbitration.ValidationError{Field: "frequency_penalty", Msg: "frequency_penalty must be between -2 and 2"}
	}
	if req.PresencePenalty != nil && (*req.PresencePenalty < -2 || *req.PresencePenalty > 2) {
		return &arbitration.ValidationError{Field: "presence_penalty", Msg: "presence_penalty must be between -2 and 2"}
	}
	return nil
}
