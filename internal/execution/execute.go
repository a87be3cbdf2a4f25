package execution

import (
	"context"
	"errors"
	"fmt"
	"net"
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

// plan is the ordered list of models an execution may try: the arbitrated
// primary followed by its fallbacks, or a single pinned model when the caller
// named one explicitly.
type plan struct {
	models     []registry.Model
	decisionID string
}

func (p *Pipeline) buildPlan(ctx context.Context, req providers.ChatRequest, ac arbitration.Context) (*plan, error) {
	if req.Model != "" {
		m, err := p.catalog.UsableModel(ctx, req.Model)
		if err != nil {
			return nil, &arbitration.StoreError{Op: "get model", Err: err}
		}
		if m == nil {
			return nil, &arbitration.ValidationError{Field: "model", Msg: fmt.Sprintf("model %q is not available", req.Model)}
		}
		return &plan{models: []registry.Model{*m}}, nil
	}

	res, err := p.engine.Select(ctx, ac)
	if err != nil {
		return nil, err
	}
	models := []registry.Model{res.Selected.Model}
	if ac.EnableFallback {
		limit := ac.MaxFallbackAttempts
		if limit <= 0 || limit > len(res.Fallbacks) {
			limit = len(res.Fallbacks)
		}
		for _, c := range res.Fallbacks[:limit] {
			models = append(models, c.Model)
		}
	}
	return &plan{models: models, decisionID: res.DecisionID}, nil
}

// Execute validates the request, arbitrates a model (unless one is pinned in
// req.Model), and runs it through the gate chain, retry loop, and fallback
// chain. Success triggers usage recording and budget debits; every outcome
// lands in the execution log.
func (p *Pipeline) Execute(ctx context.Context, req providers.ChatRequest, ac arbitration.Context) (*Response, error) {
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
	attempts := 0
	for i, m := range pl.models {
		fallback := i > 0
		if fallback {
			p.noteFallback(ac, m, firstErr)
		}
		resp, n, err := p.tryModel(ctx, req, m)
		attempts += n
		if err == nil {
			out := p.finishSuccess(ctx, req, ac, pl, m, resp, start, attempts, fallback)
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
		p.logger.Warn("model execution failed",
			"request_id", req.RequestID,
			"model", m.ID,
			"provider", m.ProviderID,
			"fallback", fallback,
			"error", err)
		if ctx.Err() != nil {
			break
		}
	}

	err = firstErr
	if len(pl.models) > 1 && ctx.Err() == nil {
		err = &arbitration.AllModelsFailedError{Attempts: attempts, Err: firstErr}
	}
	p.finishFailure(ctx, req, ac, pl, start, attempts, err)
	return nil, err
}

// Dispatch runs one named model through the gate chain and retry loop without
// arbitration, fallback, or bookkeeping. Callers that orchestrate their own
// fallback walk, such as the durable workflow activities, record outcomes
// themselves. The returned count is the number of upstream attempts made.
func (p *Pipeline) Dispatch(ctx context.Context, req providers.ChatRequest, modelID string) (*providers.ChatResponse, int, error) {
	if err := validateRequest(req); err != nil {
		return nil, 0, err
	}
	m, err := p.catalog.UsableModel(ctx, modelID)
	if err != nil {
		return nil, 0, &arbitration.StoreError{Op: "get model", Err: err}
	}
	if m == nil {
		return nil, 0, &arbitration.ValidationError{Field: "model", Msg: fmt.Sprintf("model %q is not available", modelID)}
	}
	return p.tryModel(ctx, req, *m)
}

// tryModel runs the per-model gate chain and the retry loop for one model.
// The returned attempt count includes every upstream call made.
func (p *Pipeline) tryModel(ctx context.Context, req providers.ChatRequest, m registry.Model) (*providers.ChatResponse, int, error) {
	circuitID := circuitbreaker.ProviderCircuit(m.ProviderID)
	if p.circuits != nil && !p.circuits.Allow(circuitID) {
		return nil, 0, &arbitration.CircuitOpenError{CircuitID: circuitID}
	}
	if p.limiter != nil {
		key := ratelimit.ProviderKey(m.ProviderID)
		if !p.limiter.Allow(key, 1) {
			return nil, 0, &arbitration.RateLimitExceededError{Key: key, RetryAt: p.limiter.ResetTime(key)}
		}
	}

	adapter := p.adapter(m.ProviderID)
	if adapter == nil {
		return nil, 0, &arbitration.ProviderError{ProviderID: m.ProviderID, Err: errors.New("no adapter registered")}
	}

	cfg := registry.DefaultProviderConfiguration()
	if prov, err := p.catalog.Provider(ctx, m.ProviderID); err == nil && prov != nil {
		cfg = prov.Config
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	out := req
	out.Model = m.VendorModelID
	if out.Model == "" {
		out.Model = m.ID
	}

	var lastErr error
	tries := 0
	for attempt := 1; attempt <= cfg.MaxRetries; attempt++ {
		tries = attempt
		resp, err := p.callOnce(ctx, adapter, out, cfg.RequestTimeout)
		if err == nil {
			p.recordUpstream(m.ProviderID, circuitID, true, resp.LatencyMs, nil)
			return resp, attempt, nil
		}
		lastErr = err

		// Caller went away: stop immediately. Only a deadline counts
		// against the circuit.
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				p.recordUpstream(m.ProviderID, circuitID, false, 0, err)
			}
			return nil, attempt, ctx.Err()
		}

		p.recordUpstream(m.ProviderID, circuitID, false, 0, err)
		delay, retryable := retryAfter(err, cfg.RetryDelay, attempt)
		if !retryable || attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
	}

	var se *providers.StatusError
	if errors.As(lastErr, &se) {
		return nil, tries, &arbitration.ProviderError{ProviderID: m.ProviderID, StatusCode: se.StatusCode, Err: lastErr}
	}
	return nil, tries, &arbitration.ProviderError{ProviderID: m.ProviderID, Err: lastErr}
}

// callOnce dispatches a single upstream call under the provider's request
// timeout.
func (p *Pipeline) callOnce(ctx context.Context, adapter providers.Adapter, req providers.ChatRequest, timeout time.Duration) (*providers.ChatResponse, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return adapter.Chat(ctx, req)
}

// retryAfter decides whether an upstream error is worth retrying and how long
// to wait. Retryable are the transient HTTP statuses and transport timeouts;
// other 4xx and parse failures are terminal. A Retry-After hint from the
// provider overrides the linear backoff.
func retryAfter(err error, base time.Duration, attempt int) (time.Duration, bool) {
	delay := base * time.Duration(attempt)

	var se *providers.StatusError
	if errors.As(err, &se) {
		if !providers.RetryableStatus(se.StatusCode) {
			return 0, false
		}
		if se.RetryAfterSecs > 0 {
			delay = time.Duration(se.RetryAfterSecs) * time.Second
		}
		return delay, true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return delay, true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return delay, true
	}
	return 0, false
}

// recordUpstream feeds one upstream call outcome to the health tracker and
// circuit breaker.
func (p *Pipeline) recordUpstream(providerID, circuitID string, ok bool, latencyMs float64, err error) {
	if p.health != nil {
		if ok {
			p.health.RecordSuccess(providerID, latencyMs)
		} else {
			p.health.RecordError(providerID, err.Error())
		}
	}
	if p.circuits != nil {
		if ok {
			p.circuits.RecordSuccess(circuitID)
		} else {
			p.circuits.RecordFailure(circuitID, err.Error())
		}
	}
}

func (p *Pipeline) noteFallback(ac arbitration.Context, m registry.Model, cause error) {
	if p.metrics != nil {
		p.metrics.FallbacksTotal.WithLabelValues(m.ProviderID).Inc()
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:       events.EventFallback,
			TenantID:   ac.TenantID,
			ModelID:    m.ID,
			ProviderID: m.ProviderID,
			ErrorMsg:   fmt.Sprint(cause),
		})
	}
}

// finishSuccess runs all success bookkeeping. Store and budget errors are
// logged, never surfaced to the caller.
func (p *Pipeline) finishSuccess(ctx context.Context, req providers.ChatRequest, ac arbitration.Context, pl *plan, m registry.Model, resp *providers.ChatResponse, start time.Time, attempts int, fallback bool) *Response {
	now := p.nowFunc()
	durationMs := float64(now.Sub(start).Milliseconds())

	var feePercent float64
	if prov, err := p.catalog.Provider(ctx, m.ProviderID); err == nil && prov != nil {
		feePercent = prov.Config.ServiceFeePercent
	}
	cost := providers.Estimate(&m, feePercent, resp.Usage.InputTokens, resp.Usage.OutputTokens).TotalUSD

	if p.stats != nil {
		p.stats.Record(stats.Snapshot{
			Timestamp:    now,
			TenantID:     ac.TenantID,
			ModelID:      m.ID,
			ProviderID:   m.ProviderID,
			LatencyMs:    resp.LatencyMs,
			CostUSD:      cost,
			Success:      true,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
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
			Operation:    "chat_completion",
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			Cost:         cost,
			Currency:     "USD",
			DurationMs:   now.Sub(start).Milliseconds(),
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
		Operation:    "chat_completion",
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    int64(resp.LatencyMs),
		StatusCode:   200,
		Attempts:     attempts,
		FallbackUsed: fallback,
		Success:      true,
		Timestamp:    now,
	})
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(ac.TenantID, m.ID, m.ProviderID, "success").Inc()
		p.metrics.RequestLatency.WithLabelValues(m.ID, m.ProviderID).Observe(resp.LatencyMs)
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
			LatencyMs:  resp.LatencyMs,
			CostUSD:    cost,
		})
	}

	return &Response{
		ChatResponse: resp,
		DecisionID:   pl.decisionID,
		RequestID:    req.RequestID,
		ModelID:      m.ID,
		ProviderID:   m.ProviderID,
		CostUSD:      cost,
		DurationMs:   durationMs,
		Attempts:     attempts,
		FallbackUsed: fallback,
	}
}

// finishFailure logs a failed execution. No usage is recorded and no budget
// is debited. The log write gets its own context since the caller's may
// already be dead.
func (p *Pipeline) finishFailure(ctx context.Context, req providers.ChatRequest, ac arbitration.Context, pl *plan, start time.Time, attempts int, cause error) {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	now := p.nowFunc()
	var modelID, providerID string
	if len(pl.models) > 0 {
		modelID = pl.models[0].ID
		providerID = pl.models[0].ProviderID
	}
	statusCode := 0
	var se *providers.StatusError
	if errors.As(cause, &se) {
		statusCode = se.StatusCode
	}
	p.writeExecutionLog(logCtx, store.ExecutionLogRecord{
		ID:           uuid.NewString(),
		RequestID:    req.RequestID,
		TenantID:     ac.TenantID,
		UserID:       ac.UserID,
		ModelID:      modelID,
		ProviderID:   providerID,
		Operation:    "chat_completion",
		LatencyMs:    now.Sub(start).Milliseconds(),
		StatusCode:   statusCode,
		Attempts:     attempts,
		FallbackUsed: len(pl.models) > 1,
		Success:      false,
		ErrorClass:   arbitration.Classify(cause),
		Timestamp:    now,
	})
	if p.metrics != nil {
		p.metrics.RequestsTotal.WithLabelValues(ac.TenantID, modelID, providerID, arbitration.Classify(cause)).Inc()
	}
	if p.bus != nil {
		p.bus.Publish(events.Event{
			Type:       events.EventExecuteError,
			TenantID:   ac.TenantID,
			ModelID:    modelID,
			ProviderID: providerID,
			DecisionID: pl.decisionID,
			RequestID:  req.RequestID,
			ErrorKind:  arbitration.Classify(cause),
			ErrorMsg:   fmt.Sprint(cause),
		})
	}
}

func (p *Pipeline) writeExecutionLog(ctx context.Context, rec store.ExecutionLogRecord) {
	if p.store == nil {
		return
	}
	if err := p.store.AddExecutionLog(ctx, rec); err != nil {
		p.logger.Warn("execution log write failed", "request_id", rec.RequestID, "error", err)
	}
}
