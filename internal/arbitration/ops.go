package arbitration

import (
	"context"
	"fmt"

	"github.com/arbiterhq/arbiter/internal/health"
	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/stats"
)

// EstimateCost projects the cost of running the context's token profile on a
// specific model, including the provider's service fee.
func (e *Engine) EstimateCost(ctx context.Context, modelID string, ac Context) (*Estimation, error) {
	m, err := e.catalog.Model(ctx, modelID)
	if err != nil {
		return nil, &StoreError{Op: "get model", Err: err}
	}
	if m == nil {
		return nil, &ValidationError{Field: "model_id", Msg: fmt.Sprintf("unknown model %q", modelID)}
	}
	var feePercent float64
	p, err := e.catalog.Provider(ctx, m.ProviderID)
	if err == nil && p != nil {
		feePercent = p.Config.ServiceFeePercent
	}

	inTok, outTok := TokensFor(ac.TaskType, ac.EstimatedInputTokens, ac.EstimatedOutputTokens)
	est := providers.Estimate(m, feePercent, inTok, outTok)
	return &Estimation{
		ModelID:      modelID,
		InputTokens:  inTok,
		OutputTokens: outTok,
		CostUSD:      est.TotalUSD,
	}, nil
}

// PredictPerformance scores the context's candidates without running the
// gates and returns the expected behavior of the model Select would favor.
func (e *Engine) PredictPerformance(ctx context.Context, ac Context) (*Prediction, error) {
	if ac.TaskType == "" {
		ac.TaskType = "general"
	}
	candidates, err := e.enumerate(ctx, ac)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &NoSuitableModelError{Reason: "no active model passed the context filters"}
	}
	e.scoreAll(ctx, ac, candidates, WeightsFor(ac.TaskType))
	kept, _, _, _ := businessFilter(candidates, ac)
	sortByFinal(kept)
	primary := pickByStrategy(kept, deriveStrategy(ac))
	p := e.predictFor(primary)
	return &p, nil
}

// Configuration is the engine's static tuning surface.
type Configuration struct {
	TaskWeights        map[string]Weights `json:"task_weights"`
	BalancedWeights    Weights            `json:"balanced_weights"`
	FilterFloor        float64            `json:"filter_floor"`
	DefaultPerformance float64            `json:"default_performance"`
	DefaultReliability float64            `json:"default_reliability"`
}

// GetConfiguration returns the scoring tables currently in force.
func (e *Engine) GetConfiguration() Configuration {
	weights := make(map[string]Weights, len(taskWeights))
	for k, v := range taskWeights {
		weights[k] = v
	}
	return Configuration{
		TaskWeights:        weights,
		BalancedWeights:    balancedWeights,
		FilterFloor:        businessFilterFloor,
		DefaultPerformance: defaultPerformance,
		DefaultReliability: defaultReliability,
	}
}

// GetHealthStatus returns the current state of every observed provider.
func (e *Engine) GetHealthStatus() map[string]health.State {
	out := make(map[string]health.State)
	if e.health == nil {
		return out
	}
	for _, s := range e.health.AllStats() {
		out[s.ProviderID] = s.State
	}
	return out
}

// GetMetrics returns per-model rolling aggregates.
func (e *Engine) GetMetrics() map[string][]stats.Aggregate {
	if e.stats == nil {
		return map[string][]stats.Aggregate{}
	}
	return e.stats.Summary()
}

// RuleSuggestion is one tuning recommendation from decision history.
type RuleSuggestion struct {
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// OptimizeRules inspects a tenant's recent decisions and suggests context
// adjustments. Heuristics only; nothing is applied automatically.
func (e *Engine) OptimizeRules(ctx context.Context, tenantID string) ([]RuleSuggestion, error) {
	if e.decisions == nil {
		return nil, nil
	}
	recent, err := e.decisions.ListDecisions(ctx, tenantID, 200, 0)
	if err != nil {
		return nil, &StoreError{Op: "list decisions", Err: err}
	}
	if len(recent) == 0 {
		return nil, nil
	}

	var failures, degradedScores, total int
	byModel := make(map[string]int)
	for _, d := range recent {
		total++
		if d.SelectedModelID == "" {
			failures++
			continue
		}
		byModel[d.SelectedModelID]++
		if d.FinalScore < businessFilterFloor {
			degradedScores++
		}
	}

	var out []RuleSuggestion
	if failures*4 > total {
		out = append(out, RuleSuggestion{
			Rule:   "loosen_filters",
			Detail: fmt.Sprintf("%d of %d recent arbitrations failed; consider relaxing cost or capability constraints", failures, total),
		})
	}
	if degradedScores > 0 {
		out = append(out, RuleSuggestion{
			Rule:   "review_catalog",
			Detail: fmt.Sprintf("%d recent selections ran in degraded mode; the catalog may lack a model fitting this tenant's contexts", degradedScores),
		})
	}
	for id, n := range byModel {
		if n*10 > total*9 {
			out = append(out, RuleSuggestion{
				Rule:   "concentration",
				Detail: fmt.Sprintf("model %s won %d of %d recent arbitrations; a single upstream dominates this tenant's traffic", id, n, total),
			})
		}
	}
	return out, nil
}
