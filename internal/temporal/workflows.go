package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	activityTimeout = 60 * time.Second
)

// ExecuteWorkflow runs one arbitrated chat completion as a durable workflow:
// select a model, dispatch down the fallback chain, record the outcome. Each
// step is an activity so a worker crash resumes from the last completed step
// instead of re-running the whole request.
func ExecuteWorkflow(ctx workflow.Context, input ExecuteInput) (ExecuteOutput, error) {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1, // Activities handle their own retry logic.
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)

	start := workflow.Now(ctx)

	input.Request.RequestID = input.RequestID
	input.Request.TenantID = input.Context.TenantID
	input.Request.UserID = input.Context.UserID

	var sel Selection
	err := workflow.ExecuteActivity(ctx, (*Activities).SelectModel, input).Get(ctx, &sel)
	if err != nil {
		return ExecuteOutput{Error: err.Error()}, err
	}

	// Walk the dispatch order. Each target gets one activity; the activity
	// owns the per-provider retry loop.
	var out DispatchOutput
	var target Target
	attempts := 0
	fallback := false
	for i, t := range sel.Targets {
		target = t
		fallback = i > 0
		dispatchErr := workflow.ExecuteActivity(ctx, (*Activities).DispatchToProvider, DispatchInput{
			RequestID: input.RequestID,
			Target:    t,
			Request:   input.Request,
		}).Get(ctx, &out)
		attempts += out.Attempts
		if out.Attempts == 0 {
			attempts++
		}
		err = dispatchErr
		if err == nil {
			break
		}
	}

	durationMs := float64(workflow.Now(ctx).Sub(start).Milliseconds())

	rec := RecordInput{
		RequestID:    input.RequestID,
		DecisionID:   sel.DecisionID,
		Context:      input.Context,
		Target:       target,
		LatencyMs:    out.LatencyMs,
		DurationMs:   durationMs,
		Attempts:     attempts,
		FallbackUsed: fallback,
		Success:      err == nil,
		ErrorClass:   out.ErrorClass,
	}
	if err == nil {
		rec.InputTokens = out.InputTokens
		rec.OutputTokens = out.OutputTokens
		rec.CostUSD = out.CostUSD
	} else {
		rec.ErrorMsg = err.Error()
		if rec.ErrorClass == "" {
			// Failed activities do not report a result payload.
			rec.ErrorClass = "provider_error"
		}
	}
	if recErr := workflow.ExecuteActivity(ctx, (*Activities).RecordOutcome, rec).Get(ctx, nil); recErr != nil {
		workflow.GetLogger(ctx).Warn("outcome recording failed", "request_id", input.RequestID, "error", recErr)
	}

	if err != nil {
		return ExecuteOutput{
			DecisionID:   sel.DecisionID,
			ModelID:      target.ModelID,
			ProviderID:   target.ProviderID,
			Attempts:     attempts,
			FallbackUsed: fallback,
			Error:        err.Error(),
		}, err
	}

	return ExecuteOutput{
		DecisionID:   sel.DecisionID,
		ModelID:      target.ModelID,
		ProviderID:   target.ProviderID,
		Content:      out.Content,
		FinishReason: out.FinishReason,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		CostUSD:      out.CostUSD,
		LatencyMs:    out.LatencyMs,
		Attempts:     attempts,
		FallbackUsed: fallback,
	}, nil
}
