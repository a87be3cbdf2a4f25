package arbitration

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/compliance"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/health"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/stats"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/user"
)

// businessFilterFloor drops candidates scoring below it unless the filter
// would empty the set.
const businessFilterFloor = 50

// batchSelectConcurrency bounds BatchSelect parallelism.
const batchSelectConcurrency = 5

// Limiter is the rate-limit gate the engine consults before enumeration.
type Limiter interface {
	Allow(key string, n int) bool
	ResetTime(key string) time.Time
}

// BudgetChecker is the budget gate.
type BudgetChecker interface {
	CheckBudget(ctx context.Context, tenantID, projectID, userID string, estimatedCostUSD float64) budget.CheckResult
}

// DecisionStore persists and reads arbitration decisions.
type DecisionStore interface {
	AddDecision(ctx context.Context, d store.DecisionRecord) error
	ListDecisions(ctx context.Context, tenantID string, limit, offset int) ([]store.DecisionRecord, error)
}

// Engine arbitrates model selection.
type Engine struct {
	catalog    *registry.Catalog
	stats      *stats.Collector
	health     *health.Tracker
	compliance compliance.Service
	users      user.Service
	limiter    Limiter
	budget     BudgetChecker
	decisions  DecisionStore
	bus        *events.Bus
	metrics    *metrics.Registry
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithStats supplies observed model performance.
func WithStats(c *stats.Collector) Option { return func(e *Engine) { e.stats = c } }

// WithHealth supplies provider health for candidate filtering.
func WithHealth(t *health.Tracker) Option { return func(e *Engine) { e.health = t } }

// WithCompliance supplies tenant compliance rules.
func WithCompliance(s compliance.Service) Option { return func(e *Engine) { e.compliance = s } }

// WithUserService supplies per-user blocked models.
func WithUserService(s user.Service) Option { return func(e *Engine) { e.users = s } }

// WithLimiter installs the pre-enumeration rate-limit gate.
func WithLimiter(l Limiter) Option { return func(e *Engine) { e.limiter = l } }

// WithBudget installs the pre-enumeration budget gate.
func WithBudget(b BudgetChecker) Option { return func(e *Engine) { e.budget = b } }

// WithDecisionStore persists decision rows.
func WithDecisionStore(d DecisionStore) Option { return func(e *Engine) { e.decisions = d } }

// WithEventBus publishes decision events.
func WithEventBus(bus *events.Bus) Option { return func(e *Engine) { e.bus = bus } }

// WithMetrics records decision latency.
func WithMetrics(m *metrics.Registry) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger overrides the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithNow overrides the time source (tests).
func WithNow(now func() time.Time) Option { return func(e *Engine) { e.nowFunc = now } }

// New creates an engine over the catalog. Every collaborator is optional:
// absent ones fail open (no gate, no history, no rules).
func New(catalog *registry.Catalog, opts ...Option) *Engine {
	e := &Engine{
		catalog: catalog,
		logger:  slog.Default(),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Select arbitrates one context. Rate-limit and budget gates run before
// candidate enumeration; every outcome, success or failure, emits a decision
// row.
func (e *Engine) Select(ctx context.Context, ac Context) (*Result, error) {
	started := e.nowFunc()
	if ac.TaskType == "" {
		ac.TaskType = "general"
	}

	res, err := e.selectInner(ctx, ac)
	elapsed := e.nowFunc().Sub(started)
	if e.metrics != nil {
		e.metrics.DecisionLatency.Observe(elapsed.Seconds())
	}

	if err != nil {
		e.recordDecision(ctx, ac, nil, "", elapsed, err)
		return nil, err
	}
	res.DurationMs = float64(elapsed) / float64(time.Millisecond)
	e.recordDecision(ctx, ac, res, res.Strategy, elapsed, nil)
	return res, nil
}

func (e *Engine) selectInner(ctx context.Context, ac Context) (*Result, error) {
	if ac.TenantID == "" {
		return nil, &ValidationError{Field: "tenant_id", Msg: "required"}
	}
	if ac.UserID == "" {
		return nil, &ValidationError{Field: "user_id", Msg: "required"}
	}

	if e.limiter != nil {
		key := ratelimit.ContextKey(ac.TenantID, ac.UserID, ac.ProjectID)
		if !e.limiter.Allow(key, 1) {
			return nil, &RateLimitExceededError{Key: key, RetryAt: e.limiter.ResetTime(key)}
		}
	}
	if e.budget != nil {
		check := e.budget.CheckBudget(ctx, ac.TenantID, ac.ProjectID, ac.UserID, 0)
		if !check.Allowed {
			return nil, &InsufficientBudgetError{Reason: check.Reason}
		}
	}

	candidates, err := e.enumerate(ctx, ac)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, &NoSuitableModelError{Reason: "no active model passed the context filters"}
	}

	weights := WeightsFor(ac.TaskType)
	e.scoreAll(ctx, ac, candidates, weights)

	kept, belowFloor, excluded, degraded := businessFilter(candidates, ac)

	strategy := deriveStrategy(ac)
	sortByFinal(kept)
	primary := pickByStrategy(kept, strategy)

	// Fallbacks come from the kept set first. Candidates that only missed the
	// score floor fill the remaining slots: a small catalog still has a
	// recovery path when the primary's provider fails or its circuit opens.
	sortByFinal(belowFloor)
	fallbacks := make([]Candidate, 0, 3)
pools:
	for _, pool := range [][]Candidate{kept, belowFloor} {
		for _, c := range pool {
			if c.Model.ID == primary.Model.ID {
				continue
			}
			fallbacks = append(fallbacks, c)
			if len(fallbacks) == 3 {
				break pools
			}
		}
	}

	inTok, outTok := TokensFor(ac.TaskType, ac.EstimatedInputTokens, ac.EstimatedOutputTokens)
	res := &Result{
		DecisionID: uuid.NewString(),
		Selected:   primary,
		Candidates: kept,
		Fallbacks:  fallbacks,
		Estimation: Estimation{
			ModelID:      primary.Model.ID,
			InputTokens:  inTok,
			OutputTokens: outTok,
			CostUSD:      primary.ExpectedCostUSD,
		},
		Prediction: e.predictFor(primary),
		Factors: map[string]float64{
			"performance": weights.Performance,
			"cost":        weights.Cost,
			"compliance":  weights.Compliance,
			"reliability": weights.Reliability,
		},
		Excluded:  excluded,
		Strategy:  strategy,
		Degraded:  degraded,
		Timestamp: e.nowFunc(),
	}
	return res, nil
}

// enumerate loads active models and applies the context's hard filters.
func (e *Engine) enumerate(ctx context.Context, ac Context) ([]Candidate, error) {
	models, err := e.catalog.ActiveModels(ctx)
	if err != nil {
		return nil, &StoreError{Op: "list models", Err: err}
	}

	var userBlocked []string
	if e.users != nil {
		constraints, err := e.users.GetUserConstraints(ctx, ac.UserID)
		if err != nil {
			e.logger.Warn("user constraints unavailable, proceeding without",
				slog.String("user_id", ac.UserID), slog.Any("error", err))
		} else {
			userBlocked = constraints.BlockedModels
		}
	}

	var out []Candidate
	for _, m := range models {
		if m.Intelligence < ac.MinIntelligence {
			continue
		}
		if ac.MinContextTokens > 0 && m.ContextWindow < ac.MinContextTokens {
			continue
		}
		if !listed(ac.AllowedModels, m.ID, true) || listed(ac.BlockedModels, m.ID, false) {
			continue
		}
		if !listed(ac.AllowedProviders, m.ProviderID, true) || listed(ac.BlockedProviders, m.ProviderID, false) {
			continue
		}
		if listed(userBlocked, m.ID, false) {
			continue
		}
		if e.health != nil {
			switch e.health.StateOf(m.ProviderID) {
			case health.StateDegraded, health.StateUnstable, health.StateDown:
				continue
			}
		}
		if ac.RequiredRegion != "" && !m.ServesRegion(ac.RequiredRegion) {
			continue
		}
		if ac.RequireEncryptionAtRest && !m.EncryptionAtRest {
			continue
		}
		if !hasAllCapabilities(&m, ac.RequiredCapabilities) {
			continue
		}
		c := Candidate{Model: m, ProviderHealth: health.StateUnknown}
		if e.health != nil {
			c.ProviderHealth = e.health.StateOf(m.ProviderID)
		}
		out = append(out, c)
	}
	return out, nil
}

// scoreAll fills every candidate's dimensions and final score.
func (e *Engine) scoreAll(ctx context.Context, ac Context, candidates []Candidate, w Weights) {
	inTok, outTok := TokensFor(ac.TaskType, ac.EstimatedInputTokens, ac.EstimatedOutputTokens)
	for i := range candidates {
		c := &candidates[i]

		var perf stats.ModelPerformance
		var rel float64
		var hasRel bool
		if e.stats != nil {
			perf = e.stats.Performance(c.Model.ID, performanceLookback)
			rel, hasRel = e.stats.Reliability(c.Model.ID)
		}

		var violations []compliance.Violation
		if e.compliance != nil {
			v, err := e.compliance.CheckModelCompliance(ctx, ac.TenantID, compliance.ModelFacts{
				ModelID:          c.Model.ID,
				ProviderID:       c.Model.ProviderID,
				Regions:          c.Model.Regions,
				EncryptionAtRest: c.Model.EncryptionAtRest,
			})
			if err != nil {
				e.logger.Warn("compliance check unavailable, scoring without",
					slog.String("model_id", c.Model.ID), slog.Any("error", err))
			} else {
				violations = v
			}
		}

		scoreCandidate(c, perf, hasRel, rel, violations, inTok, outTok)
	}
	normalizeCostScores(candidates)
	finalizeScores(candidates, w)
}

// businessFilter drops weak or over-limit candidates. An emptied set falls
// back to the top three by final score (degraded mode). Candidates that only
// missed the score floor come back in belowFloor; the caller's hard latency
// and cost caps are final, the floor is not.
func businessFilter(candidates []Candidate, ac Context) (kept, belowFloor []Candidate, excluded []string, degraded bool) {
	maxLatencyMs := float64(ac.MaxLatency) / float64(time.Millisecond)
	for _, c := range candidates {
		switch {
		case maxLatencyMs > 0 && c.ExpectedLatencyMs > maxLatencyMs:
			excluded = append(excluded, c.Model.ID)
		case ac.MaxCostUSD > 0 && c.ExpectedCostUSD > ac.MaxCostUSD:
			excluded = append(excluded, c.Model.ID)
		case c.FinalScore < businessFilterFloor:
			excluded = append(excluded, c.Model.ID)
			belowFloor = append(belowFloor, c)
		default:
			kept = append(kept, c)
		}
	}
	if len(kept) > 0 {
		return kept, belowFloor, excluded, false
	}

	// Degraded mode: nothing survived, keep the least-bad three.
	all := make([]Candidate, len(candidates))
	copy(all, candidates)
	sortByFinal(all)
	if len(all) > 3 {
		all = all[:3]
	}
	return all, nil, excluded, true
}

// deriveStrategy maps the context to a selection tag when no explicit
// strategy is set.
func deriveStrategy(ac Context) string {
	if ac.Strategy != "" {
		return ac.Strategy
	}
	switch {
	case ac.MaxCostUSD > 0 && ac.MaxCostUSD < 0.10:
		return StrategyCost
	case ac.MinIntelligence > 70:
		return StrategyPerformance
	case ac.MaxLatency > 0 && ac.MaxLatency < 2*time.Second:
		return StrategyLatency
	case len(ac.RequiredCapabilities) > 0:
		return StrategyCapability
	}
	return StrategyBalanced
}

// pickByStrategy chooses the primary from a non-empty candidate set. Ties are
// broken by value score.
func pickByStrategy(candidates []Candidate, strategy string) *Candidate {
	best := &candidates[0]
	for i := 1; i < len(candidates); i++ {
		c := &candidates[i]
		if beats(c, best, strategy) {
			best = c
		}
	}
	return best
}

func beats(a, b *Candidate, strategy string) bool {
	var cmp int
	switch strategy {
	case StrategyCost:
		cmp = compareAsc(a.ExpectedCostUSD, b.ExpectedCostUSD)
	case StrategyPerformance:
		cmp = compareDesc(a.Performance, b.Performance)
	case StrategyLatency:
		cmp = compareAsc(unknownLast(a.ExpectedLatencyMs), unknownLast(b.ExpectedLatencyMs))
	case StrategyReliability:
		cmp = compareDesc(a.Reliability, b.Reliability)
	default:
		cmp = compareDesc(a.FinalScore, b.FinalScore)
	}
	if cmp != 0 {
		return cmp < 0
	}
	return a.Value > b.Value
}

func compareAsc(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareDesc(a, b float64) int { return compareAsc(b, a) }

// unknownLast makes zero (no observed latency) sort after any measurement.
func unknownLast(ms float64) float64 {
	if ms <= 0 {
		return float64(time.Hour) / float64(time.Millisecond)
	}
	return ms
}

// sortByFinal orders candidates by final score descending, value breaking
// ties.
func sortByFinal(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FinalScore != candidates[j].FinalScore {
			return candidates[i].FinalScore > candidates[j].FinalScore
		}
		return candidates[i].Value > candidates[j].Value
	})
}

// listed reports membership. For allow lists an empty list passes everything;
// emptyPasses selects that behavior.
func listed(list []string, id string, emptyPasses bool) bool {
	if len(list) == 0 {
		return emptyPasses
	}
	for _, v := range list {
		if v == id {
			return true
		}
	}
	return false
}

func hasAllCapabilities(m *registry.Model, required []string) bool {
	for _, name := range required {
		if !m.HasCapability(name) {
			return false
		}
	}
	return true
}

func (e *Engine) predictFor(c *Candidate) Prediction {
	p := Prediction{ModelID: c.Model.ID, Basis: "default", ExpectedSuccessRate: defaultReliability / 100.0}
	if e.stats == nil {
		return p
	}
	perf := e.stats.Performance(c.Model.ID, performanceLookback)
	if perf.SampleCount == 0 {
		return p
	}
	return Prediction{
		ModelID:              c.Model.ID,
		ExpectedLatencyMs:    perf.AvgLatencyMs,
		ExpectedSuccessRate:  perf.SuccessRate,
		ExpectedTokensPerSec: perf.TokensPerSec,
		Basis:                "history",
	}
}

// recordDecision persists and publishes one decision outcome. Store failures
// are logged and swallowed; bookkeeping never degrades the caller's result.
func (e *Engine) recordDecision(ctx context.Context, ac Context, res *Result, strategy string, elapsed time.Duration, cause error) {
	rec := store.DecisionRecord{
		ID:         uuid.NewString(),
		TenantID:   ac.TenantID,
		UserID:     ac.UserID,
		ProjectID:  ac.ProjectID,
		TaskType:   ac.TaskType,
		Strategy:   strategy,
		DurationMs: float64(elapsed) / float64(time.Millisecond),
		Timestamp:  e.nowFunc(),
	}
	ev := events.Event{
		Type:      events.EventDecision,
		Timestamp: rec.Timestamp,
		TenantID:  ac.TenantID,
		LatencyMs: rec.DurationMs,
	}
	if res != nil {
		rec.ID = res.DecisionID
		rec.SelectedModelID = res.Selected.Model.ID
		rec.FallbackModels = res.FallbackModelIDs()
		rec.FinalScore = res.Selected.FinalScore
		rec.CandidateCount = len(res.Candidates)
		ev.DecisionID = res.DecisionID
		ev.ModelID = res.Selected.Model.ID
		ev.ProviderID = res.Selected.Model.ProviderID
	} else {
		rec.Reason = Classify(cause)
		ev.ErrorKind = rec.Reason
		if cause != nil {
			ev.ErrorMsg = cause.Error()
		}
	}

	if e.decisions != nil {
		if err := e.decisions.AddDecision(ctx, rec); err != nil {
			e.logger.Warn("decision row not persisted",
				slog.String("decision_id", rec.ID), slog.Any("error", err))
		}
	}
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

// BatchItem pairs one BatchSelect outcome with its error.
type BatchItem struct {
	Result *Result
	Err    error
}

// BatchSelect arbitrates several contexts with bounded concurrency. Results
// align with the input order.
func (e *Engine) BatchSelect(ctx context.Context, contexts []Context) []BatchItem {
	out := make([]BatchItem, len(contexts))
	sem := make(chan struct{}, batchSelectConcurrency)
	done := make(chan int, len(contexts))
	for i := range contexts {
		go func(i int) {
			sem <- struct{}{}
			defer func() { <-sem }()
			res, err := e.Select(ctx, contexts[i])
			out[i] = BatchItem{Result: res, Err: err}
			done <- i
		}(i)
	}
	for range contexts {
		<-done
	}
	return out
}
