package execution

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/circuitbreaker"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/stats"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Completion is the terminal accounting of a stream. Success means the stream
// drained to its final chunk; a cancelled or broken stream completes with
// Success false and debits nothing.
type Completion struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	CostUSD      float64       `json:"cost_usd"`
	Duration     time.Duration `json:"duration"`
	Success      bool          `json:"success"`
	Err          error         `json:"-"`
}

// Stream is a live streaming execution. Chunks closes when the stream ends;
// Done then delivers exactly one Completion.
type Stream struct {
	DecisionID string
	RequestID  string
	ModelID    string
	ProviderID string

	Chunks <-chan providers.StreamChunk
	Done   <-chan Completion
}

// ExecuteStream arbitrates a model and opens a streaming completion against
// it. The fallback chain applies only to opening the stream; once chunks are
// flowing the stream is committed to its model. Bookkeeping runs when the
// stream finishes: a drained stream records usage and debits budgets, a
// partial one does not.
func (p *Pipeline) ExecuteStream(ctx context.Context, req providers.ChatRequest, ac arbitration.Context) (*Stream, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	start := p.nowFunc()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	req.TenantID = ac.TenantID
	req.UserID = ac.UserID

	pl, err := p.buildPlan(ctx, req, ac)
	if err != nil {
		return nil, err
	}

	var firstErr error
	for i, m := range pl.models {
		fallback := i > 0
		if fallback {
			p.noteFallback(ac, m, firstErr)
		}
		src, err := p.openStream(ctx, req, m)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if ctx.Err() != nil {
				break
			}
			continue
		}
		return p.consumeStream(ctx, req, ac, pl, m, src, start, fallback), nil
	}

	err = firstErr
	if len(pl.models) > 1 && ctx.Err() == nil {
		err = &arbitration.AllModelsFailedError{Attempts: len(pl.models), Err: firstErr}
	}
	p.finishFailure(ctx, req, ac, pl, start, len(pl.models), err)
	return nil, err
}

// openStream runs the gate chain for one model and asks its adapter for a
// chunk stream. Stream opens are not retried; a failed open falls through to
// the next model in the plan.
func (p *Pipeline) openStream(ctx context.Context, req providers.ChatRequest, m registry.Model) (<-chan providers.StreamChunk, error) {
	circuitID := circuitbreaker.ProviderCircuit(m.ProviderID)
	if p.circuits != nil && !p.circuits.Allow(circuitID) {
		return nil, &arbitration.CircuitOpenError{CircuitID: circuitID}
	}
	if p.limiter != nil {
		key := ratelimit.ProviderKey(m.ProviderID)
		if !p.limiter.Allow(key, 1) {
			return nil, &arbitration.RateLimitExceededError{Key: key, RetryAt: p.limiter.ResetTime(key)}
		}
	}
	adapter := p.adapter(m.ProviderID)
	if adapter == nil {
		return nil, &arbitration.ProviderError{ProviderID: m.ProviderID, Err: errors.New("no adapter registered")}
	}

	out := req
	out.Model = m.VendorModelID
	if out.Model == "" {
		out.Model = m.ID
	}
	src, err := adapter.ChatStream(ctx, out)
	if err != nil {
		p.recordUpstream(m.ProviderID, circuitID, false, 0, err)
		var se *providers.StatusError
		if errors.As(err, &se) {
			return nil, &arbitration.ProviderError{ProviderID: m.ProviderID, StatusCode: se.StatusCode, Err: err}
		}
		return nil, &arbitration.ProviderError{ProviderID: m.ProviderID, Err: err}
	}
	return src, nil
}

// consumeStream forwards chunks to the caller and settles the completion when
// the provider stream ends.
func (p *Pipeline) consumeStream(ctx context.Context, req providers.ChatRequest, ac arbitration.Context, pl *plan, m registry.Model, src <-chan providers.StreamChunk, start time.Time, fallback bool) *Stream {
	chunks := make(chan providers.StreamChunk)
	done := make(chan Completion, 1)

	go func() {
		defer close(chunks)
		defer close(done)

		var usage providers.Usage
		var streamErr error
		drained := false

	loop:
		for {
			select {
			case chunk, ok := <-src:
				if !ok {
					break loop
				}
				if chunk.Err != nil {
					streamErr = chunk.Err
					break loop
				}
				if chunk.Done {
					drained = true
					if chunk.Usage != nil {
						usage = *chunk.Usage
					}
				}
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					streamErr = ctx.Err()
					drained = false
					break loop
				}
			case <-ctx.Done():
				streamErr = ctx.Err()
				break loop
			}
		}

		done <- p.settleStream(ctx, req, ac, pl, m, usage, start, drained, fallback, streamErr)
	}()

	return &Stream{
		DecisionID: pl.decisionID,
		RequestID:  req.RequestID,
		ModelID:    m.ID,
		ProviderID: m.ProviderID,
		Chunks:     chunks,
		Done:       done,
	}
}

// settleStream runs the terminal bookkeeping for a stream. Only a drained
// stream records usage; circuit failure is recorded for broken streams but
// not for caller cancellation.
func (p *Pipeline) settleStream(ctx context.Context, req providers.ChatRequest, ac arbitration.Context, pl *plan, m registry.Model, usage providers.Usage, start time.Time, drained, fallback bool, streamErr error) Completion {
	now := p.nowFunc()
	duration := now.Sub(start)
	circuitID := circuitbreaker.ProviderCircuit(m.ProviderID)

	if !drained {
		if streamErr == nil {
			streamErr = errors.New("stream ended before completion")
		}
		if !errors.Is(streamErr, context.Canceled) {
			p.recordUpstream(m.ProviderID, circuitID, false, 0, streamErr)
		}
		p.finishFailure(ctx, req, ac, pl, start, 1, streamErr)
		return Completion{Duration: duration, Success: false, Err: streamErr}
	}

	latencyMs := float64(duration.Milliseconds())
	p.recordUpstream(m.ProviderID, circuitID, true, latencyMs, nil)

	// The caller may cancel right after the final chunk; bookkeeping for a
	// drained stream still runs.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var feePercent float64
	if prov, err := p.catalog.Provider(ctx, m.ProviderID); err == nil && prov != nil {
		feePercent = prov.Config.ServiceFeePercent
	}
	cost := providers.Estimate(&m, feePercent, usage.InputTokens, usage.OutputTokens).TotalUSD

	if p.stats != nil {
		p.stats.Record(stats.Snapshot{
			Timestamp:    now,
			TenantID:     ac.TenantID,
			ModelID:      m.ID,
			ProviderID:   m.ProviderID,
			LatencyMs:    latencyMs,
			CostUSD:      cost,
			Success:      true,
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
		})
	}
	if p.budget != nil {
		err := p.budget.RecordUsage(ctx, store.UsageRecord{
			ID:           uuid.NewString(),
			RequestID:    req.RequestID,
			TenantID:     ac.TenantID,
			ProjectID:    ac.ProjectID,
			UserID:       ac.UserID,
			ModelID:      m.ID,
			ProviderID:   m.ProviderID,
			Operation:    "streaming_chat_completion",
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			Cost:         cost,
			Currency:     "USD",
			DurationMs:   duration.Milliseconds(),
			Success:      true,
			Timestamp:    now,
		})
		if err != nil {
			p.logger.Warn("usage recording failed", "request_id", req.RequestID, "error", err)
		}
	}
	p.writeExecutionLog(ctx, store.ExecutionLogRecord{
		ID:           uuid.NewString(),
		RequestID:    req.RequestID,
		TenantID:     ac.TenantID,
		UserID:       ac.UserID,
		ModelID:      m.ID,
		ProviderID:   m.ProviderID,
		Operation:    "streaming_chat_completion",
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    duration.Milliseconds(),
		StatusCode:   200,
		Attempts:     1,
		FallbackUsed: fallback,
		Success:      true,
		Timestamp:    now,
	})
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(ac.TenantID, m.ID, m.ProviderID, "success").Inc()
		p.metrics.RequestLatency.WithLabelValues(m.ID, m.ProviderID).Observe(latencyMs)
		p.metrics.CostUSD.WithLabelValues(ac.TenantID, m.ID, m.ProviderID).Add(cost)
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:       events.EventExecuteSuccess,
			TenantID:   ac.TenantID,
			ModelID:    m.ID,
			ProviderID: m.ProviderID,
			DecisionID: pl.decisionID,
			RequestID:  req.RequestID,
			LatencyMs:  latencyMs,
			CostUSD:    cost,
		})
	}

	return Completion{
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		CostUSD:      cost,
		Duration:     duration,
		Success:      true,
	}
}
