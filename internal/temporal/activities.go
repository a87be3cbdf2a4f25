package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"

	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/execution"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/stats"
	"github.com/arbiterhq/arbiter/internal/store"
)

// Activities holds the collaborators the workflow activities run against.
// Everything beyond Engine, Pipeline, and Catalog is optional.
type Activities struct {
	Engine   *arbitration.Engine
	Pipeline *execution.Pipeline
	Catalog  *registry.Catalog
	Store    store.Store
	Budget   *budget.Service
	Stats    *stats.Collector
	Metrics  *metrics.Registry
	Bus      *events.Bus
	Logger   *slog.Logger
}

// SelectModel arbitrates a model for the request and returns the dispatch
// order as serializable targets. A pinned req.Model bypasses arbitration.
func (a *Activities) SelectModel(ctx context.Context, in ExecuteInput) (Selection, error) {
	if in.Request.Model != "" {
		m, err := a.Catalog.UsableModel(ctx, in.Request.Model)
		if err != nil {
			return Selection{}, &arbitration.StoreError{Op: "get model", Err: err}
		}
		if m == nil {
			return Selection{}, &arbitration.ValidationError{Field: "model", Msg: fmt.Sprintf("model %q is not available", in.Request.Model)}
		}
		return Selection{Targets: []Target{{ModelID: m.ID, ProviderID: m.ProviderID}}}, nil
	}

	res, err := a.Engine.Select(ctx, in.Context)
	if err != nil {
		return Selection{}, err
	}
	sel := Selection{
		DecisionID: res.DecisionID,
		Targets:    []Target{{ModelID: res.Selected.Model.ID, ProviderID: res.Selected.Model.ProviderID}},
	}
	if in.Context.EnableFallback {
		limit := in.Context.MaxFallbackAttempts
		if limit <= 0 || limit > len(res.Fallbacks) {
			limit = len(res.Fallbacks)
		}
		for _, c := range res.Fallbacks[:limit] {
			sel.Targets = append(sel.Targets, Target{ModelID: c.Model.ID, ProviderID: c.Model.ProviderID})
		}
	}
	return sel, nil
}

// DispatchToProvider runs one target through the gate chain and retry loop.
// Health and circuit records happen inside the pipeline; this activity only
// adds the cost figure the workflow carries forward.
func (a *Activities) DispatchToProvider(ctx context.Context, in DispatchInput) (DispatchOutput, error) {
	activity.RecordHeartbeat(ctx, "dispatching "+in.Target.ModelID)

	resp, attempts, err := a.Pipeline.Dispatch(ctx, in.Request, in.Target.ModelID)
	if err != nil {
		return DispatchOutput{Attempts: attempts, ErrorClass: arbitration.Classify(err)}, err
	}

	var cost float64
	if m, merr := a.Catalog.Model(ctx, in.Target.ModelID); merr == nil && m != nil {
		var fee float64
		if prov, perr := a.Catalog.Provider(ctx, m.ProviderID); perr == nil && prov != nil {
			fee = prov.Config.ServiceFeePercent
		}
		cost = providers.Estimate(m, fee, resp.Usage.InputTokens, resp.Usage.OutputTokens).TotalUSD
	}

	return DispatchOutput{
		Content:      resp.Content,
		FinishReason: resp.FinishReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostUSD:      cost,
		LatencyMs:    resp.LatencyMs,
		Attempts:     attempts,
	}, nil
}

// RecordOutcome writes the workflow's final bookkeeping: usage and budget
// debit on success, the execution log and metrics either way.
func (a *Activities) RecordOutcome(ctx context.Context, in RecordInput) error {
	now := time.Now().UTC()
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if in.Success {
		if a.Stats != nil {
			a.Stats.Record(stats.Snapshot{
				Timestamp:    now,
				TenantID:     in.Context.TenantID,
				ModelID:      in.Target.ModelID,
				ProviderID:   in.Target.ProviderID,
				LatencyMs:    in.LatencyMs,
				CostUSD:      in.CostUSD,
				Success:      true,
				InputTokens:  in.InputTokens,
				OutputTokens: in.OutputTokens,
			})
		}
		if a.Budget != nil {
			err := a.Budget.RecordUsage(ctx, store.UsageRecord{
				ID:           uuid.NewString(),
				RequestID:    in.RequestID,
				TenantID:     in.Context.TenantID,
				ProjectID:    in.Context.ProjectID,
				UserID:       in.Context.UserID,
				ModelID:      in.Target.ModelID,
				ProviderID:   in.Target.ProviderID,
				Operation:    "chat_completion",
				InputTokens:  in.InputTokens,
				OutputTokens: in.OutputTokens,
				Cost:         in.CostUSD,
				Currency:     "USD",
				DurationMs:   int64(in.DurationMs),
				Success:      true,
				Timestamp:    now,
			})
			if err != nil {
				logger.Warn("usage recording failed", "request_id", in.RequestID, "error", err)
			}
		}
	}

	if a.Store != nil {
		statusCode := 0
		if in.Success {
			statusCode = 200
		}
		err := a.Store.AddExecutionLog(ctx, store.ExecutionLogRecord{
			ID:           uuid.NewString(),
			RequestID:    in.RequestID,
			TenantID:     in.Context.TenantID,
			UserID:       in.Context.UserID,
			ModelID:      in.Target.ModelID,
			ProviderID:   in.Target.ProviderID,
			Operation:    "chat_completion",
			InputTokens:  in.InputTokens,
			OutputTokens: in.OutputTokens,
			CostUSD:      in.CostUSD,
			LatencyMs:    int64(in.LatencyMs),
			StatusCode:   statusCode,
			Attempts:     in.Attempts,
			FallbackUsed: in.FallbackUsed,
			Success:      in.Success,
			ErrorClass:   in.ErrorClass,
			Timestamp:    now,
		})
		if err != nil {
			return fmt.Errorf("execution log write: %w", err)
		}
	}

	if a.Metrics != nil {
		status := "success"
		if !in.Success {
			status = in.ErrorClass
		}
		a.Metrics.RequestsTotal.WithLabelValues(in.Context.TenantID, in.Target.ModelID, in.Target.ProviderID, status).Inc()
		if in.Success {
			a.Metrics.RequestLatency.WithLabelValues(in.Target.ModelID, in.Target.ProviderID).Observe(in.LatencyMs)
			a.Metrics.CostUSD.WithLabelValues(in.Context.TenantID, in.Target.ModelID, in.Target.ProviderID).Add(in.CostUSD)
		}
	}

	if a.Bus != nil {
		ev := events.Event{
			Type:       events.EventExecuteSuccess,
			TenantID:   in.Context.TenantID,
			ModelID:    in.Target.ModelID,
			ProviderID: in.Target.ProviderID,
			DecisionID: in.DecisionID,
			RequestID:  in.RequestID,
			LatencyMs:  in.LatencyMs,
			CostUSD:    in.CostUSD,
		}
		if !in.Success {
			ev.Type = events.EventExecuteError
			ev.ErrorKind = in.ErrorClass
			ev.ErrorMsg = in.ErrorMsg
			ev.CostUSD = 0
		}
		a.Bus.Publish(ev)
	}
	return nil
}
