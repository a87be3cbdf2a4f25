package arbitration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/compliance"
	"github.com/arbiterhq/arbiter/internal/health"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/stats"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/user"
)

// catStore is an in-memory registry.Store for engine tests.
type catStore struct {
	models    map[string]registry.Model
	providers map[string]registry.Provider
}

func newCatStore() *catStore {
	return &catStore{
		models:    make(map[string]registry.Model),
		providers: make(map[string]registry.Provider),
	}
}

func (s *catStore) ListModels(ctx context.Context) ([]registry.Model, error) {
	out := make([]registry.Model, 0, len(s.models))
	for _, m := range s.models {
		out = append(out, m)
	}
	return out, nil
}

func (s *catStore) GetModel(ctx context.Context, id string) (*registry.Model, error) {
	if m, ok := s.models[id]; ok {
		return &m, nil
	}
	return nil, nil
}

func (s *catStore) UpsertModel(ctx context.Context, m registry.Model) error {
	s.models[m.ID] = m
	return nil
}

func (s *catStore) DeleteModel(ctx context.Context, id string) error {
	delete(s.models, id)
	return nil
}

func (s *catStore) ListProviders(ctx context.Context) ([]registry.Provider, error) {
	out := make([]registry.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		out = append(out, p)
	}
	return out, nil
}

func (s *catStore) GetProvider(ctx context.Context, id string) (*registry.Provider, error) {
	if p, ok := s.providers[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (s *catStore) UpsertProvider(ctx context.Context, p registry.Provider) error {
	s.providers[p.ID] = p
	return nil
}

func (s *catStore) DeleteProvider(ctx context.Context, id string) error {
	delete(s.providers, id)
	return nil
}

type decisionRecorder struct {
	mu   sync.Mutex
	rows []store.DecisionRecord
}

func (r *decisionRecorder) AddDecision(ctx context.Context, d store.DecisionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, d)
	return nil
}

func (r *decisionRecorder) ListDecisions(ctx context.Context, tenantID string, limit, offset int) ([]store.DecisionRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.DecisionRecord
	for _, d := range r.rows {
		if d.TenantID == tenantID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *decisionRecorder) last(t *testing.T) store.DecisionRecord {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows) == 0 {
		t.Fatal("no decision recorded")
	}
	return r.rows[len(r.rows)-1]
}

type fakeLimiter struct{ allow bool }

func (f *fakeLimiter) Allow(key string, n int) bool    { return f.allow }
func (f *fakeLimiter) ResetTime(key string) time.Time  { return time.Time{} }

type fakeBudget struct{ res budget.CheckResult }

func (f *fakeBudget) CheckBudget(ctx context.Context, tenantID, projectID, userID string, est float64) budget.CheckResult {
	return f.res
}

func model(id, providerID string, intelligence, inPerM, outPerM float64) registry.Model {
	return registry.Model{
		ID: id, ProviderID: providerID, Tier: registry.TierStandard,
		Intelligence: intelligence, ContextWindow: 128000, MaxOutputTokens: 4096,
		InputPerMTokens: inPerM, OutputPerMTokens: outPerM,
		Capabilities: map[string]int{registry.CapStreaming: 90},
		Regions:      []string{"us"}, Active: true,
	}
}

func seedCatalog(t *testing.T, models ...registry.Model) *registry.Catalog {
	t.Helper()
	cs := newCatStore()
	cs.providers["openai"] = registry.Provider{ID: "openai", Enabled: true}
	cs.providers["anthropic"] = registry.Provider{ID: "anthropic", Enabled: true}
	for _, m := range models {
		cs.models[m.ID] = m
	}
	return registry.NewCatalog(cs)
}

func seedStats(c *stats.Collector, modelID, providerID string, n int, failures int, latencyMs float64, now time.Time) {
	for i := 0; i < n; i++ {
		c.Record(stats.Snapshot{
			Timestamp:  now.Add(-time.Duration(i) * time.Minute),
			ModelID:    modelID,
			ProviderID: providerID,
			LatencyMs:  latencyMs,
			Success:    i >= failures,
		})
	}
}

func baseContext() Context {
	return Context{TenantID: "t1", UserID: "u1", TaskType: "chat"}
}

func TestSelectBalancedPrefersCheaperModel(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	a := model("model-a", "openai", 80, 2, 6)
	b := model("model-b", "anthropic", 60, 0.5, 1.5)
	catalog := seedCatalog(t, a, b)

	collector := stats.NewCollector(stats.WithNow(func() time.Time { return now }))
	seedStats(collector, "model-a", "openai", 100, 1, 300, now)
	seedStats(collector, "model-b", "anthropic", 100, 5, 800, now)

	rec := &decisionRecorder{}
	e := New(catalog, WithStats(collector), WithDecisionStore(rec),
		WithNow(func() time.Time { return now }))

	res, err := e.Select(context.Background(), baseContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyBalanced {
		t.Errorf("strategy = %s", res.Strategy)
	}
	if res.Selected.Model.ID != "model-b" {
		t.Fatalf("selected %s, want model-b (cheaper at balanced weights)", res.Selected.Model.ID)
	}
	// The cheaper model's cost score must dominate.
	var candA, candB *Candidate
	for i := range res.Candidates {
		switch res.Candidates[i].Model.ID {
		case "model-a":
			candA = &res.Candidates[i]
		case "model-b":
			candB = &res.Candidates[i]
		}
	}
	if candA == nil || candB == nil {
		t.Fatal("both candidates should survive")
	}
	if candB.Cost <= candA.Cost {
		t.Errorf("cost scores: a=%v b=%v", candA.Cost, candB.Cost)
	}
	if candA.Performance <= candB.Performance {
		t.Errorf("performance scores: a=%v b=%v", candA.Performance, candB.Performance)
	}
	if len(res.Fallbacks) != 1 || res.Fallbacks[0].Model.ID != "model-a" {
		t.Errorf("fallbacks = %v", res.FallbackModelIDs())
	}

	d := rec.last(t)
	if d.SelectedModelID != "model-b" || d.Strategy != StrategyBalanced {
		t.Errorf("decision row = %+v", d)
	}
}

func TestFallbacksIncludeBelowFloorCandidates(t *testing.T) {
	// With no observed history the priciest of two models gets a cost score
	// of 0 and a final score just under the filter floor. It must still show
	// up as a fallback: a two-model catalog needs a recovery path when the
	// primary's provider fails.
	a := model("model-a", "openai", 80, 2, 6)
	b := model("model-b", "anthropic", 60, 0.5, 1.5)
	e := New(seedCatalog(t, a, b), WithDecisionStore(&decisionRecorder{}))

	res, err := e.Select(context.Background(), baseContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected.Model.ID != "model-b" {
		t.Fatalf("selected %s, want model-b", res.Selected.Model.ID)
	}
	if len(res.Fallbacks) != 1 || res.Fallbacks[0].Model.ID != "model-a" {
		t.Fatalf("fallbacks = %v, want [model-a]", res.FallbackModelIDs())
	}

	// It stays reported as excluded from primary selection.
	found := false
	for _, id := range res.Excluded {
		if id == "model-a" {
			found = true
		}
	}
	if !found {
		t.Errorf("excluded = %v, want model-a listed", res.Excluded)
	}
}

func TestSelectValidatesContext(t *testing.T) {
	e := New(seedCatalog(t, model("m", "openai", 50, 1, 1)), WithDecisionStore(&decisionRecorder{}))

	_, err := e.Select(context.Background(), Context{UserID: "u1"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "tenant_id" {
		t.Errorf("err = %v", err)
	}
	_, err = e.Select(context.Background(), Context{TenantID: "t1"})
	if !errors.As(err, &ve) || ve.Field != "user_id" {
		t.Errorf("err = %v", err)
	}
}

func TestRateLimitGatePrecedesEnumeration(t *testing.T) {
	rec := &decisionRecorder{}
	e := New(seedCatalog(t, model("m", "openai", 50, 1, 1)),
		WithLimiter(&fakeLimiter{allow: false}), WithDecisionStore(rec))

	_, err := e.Select(context.Background(), baseContext())
	var rl *RateLimitExceededError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v", err)
	}
	if d := rec.last(t); d.Reason != "rate_limit_exceeded" {
		t.Errorf("decision reason = %q", d.Reason)
	}
}

func TestBudgetGatePrecedesEnumeration(t *testing.T) {
	rec := &decisionRecorder{}
	e := New(seedCatalog(t, model("m", "openai", 50, 1, 1)),
		WithBudget(&fakeBudget{res: budget.CheckResult{Allowed: false, Reason: "budget b1 would be exceeded"}}),
		WithDecisionStore(rec))

	_, err := e.Select(context.Background(), baseContext())
	var ib *InsufficientBudgetError
	if !errors.As(err, &ib) {
		t.Fatalf("err = %v", err)
	}
	if d := rec.last(t); d.Reason != "insufficient_budget" {
		t.Errorf("decision reason = %q", d.Reason)
	}
}

func TestEnumerationFilters(t *testing.T) {
	smart := model("smart", "openai", 90, 1, 1)
	smart.EncryptionAtRest = true
	smart.Regions = []string{"us", "eu"}
	smart.Capabilities = map[string]int{registry.CapVision: 95}
	dumb := model("dumb", "openai", 30, 1, 1)
	weakVision := model("weak-vision", "openai", 60, 1, 1)
	weakVision.Capabilities = map[string]int{registry.CapVision: 50}
	catalog := seedCatalog(t, smart, dumb, weakVision)
	e := New(catalog)
	ctx := context.Background()

	cases := []struct {
		name string
		ac   Context
		want string
	}{
		{"min intelligence", func() Context {
			ac := baseContext()
			ac.MinIntelligence = 50
			ac.Strategy = StrategyBalanced
			return ac
		}(), "smart"},
		{"capability threshold", func() Context {
			ac := baseContext()
			ac.RequiredCapabilities = []string{registry.CapVision}
			return ac
		}(), "smart"},
		{"required region", func() Context {
			ac := baseContext()
			ac.RequiredRegion = "eu"
			return ac
		}(), "smart"},
		{"encryption", func() Context {
			ac := baseContext()
			ac.RequireEncryptionAtRest = true
			return ac
		}(), "smart"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := e.Select(ctx, tc.ac)
			if err != nil {
				t.Fatal(err)
			}
			if res.Selected.Model.ID != tc.want {
				t.Errorf("selected %s, want %s", res.Selected.Model.ID, tc.want)
			}
			if tc.name == "capability threshold" && len(res.Candidates) != 1 {
				t.Errorf("weak capability score should not pass: %d candidates", len(res.Candidates))
			}
		})
	}
}

func TestBlockLists(t *testing.T) {
	a := model("a", "openai", 50, 1, 1)
	b := model("b", "anthropic", 50, 2, 2)
	e := New(seedCatalog(t, a, b))
	ctx := context.Background()

	ac := baseContext()
	ac.BlockedProviders = []string{"openai"}
	res, err := e.Select(ctx, ac)
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected.Model.ID != "b" {
		t.Errorf("selected %s with openai blocked", res.Selected.Model.ID)
	}

	ac = baseContext()
	ac.AllowedModels = []string{"a"}
	res, err = e.Select(ctx, ac)
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected.Model.ID != "a" || len(res.Candidates) != 1 {
		t.Errorf("allow list not applied: %+v", res.FallbackModelIDs())
	}
}

func TestUserBlockedModels(t *testing.T) {
	users := user.NewStaticService()
	users.SetConstraints(user.Constraints{UserID: "u1", BlockedModels: []string{"a"}})
	e := New(seedCatalog(t, model("a", "openai", 50, 1, 1), model("b", "openai", 50, 2, 2)),
		WithUserService(users))

	res, err := e.Select(context.Background(), baseContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected.Model.ID != "b" {
		t.Errorf("selected %s despite user block", res.Selected.Model.ID)
	}
}

func TestUnhealthyProviderFiltered(t *testing.T) {
	tracker := health.NewTracker(health.DefaultConfig())
	// Two consecutive errors: degraded.
	tracker.RecordError("openai", "boom")
	tracker.RecordError("openai", "boom")

	e := New(seedCatalog(t, model("a", "openai", 50, 1, 1), model("b", "anthropic", 50, 2, 2)),
		WithHealth(tracker))

	res, err := e.Select(context.Background(), baseContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected.Model.ID != "b" {
		t.Errorf("selected %s on a degraded provider", res.Selected.Model.ID)
	}
	if res.Selected.ProviderHealth == health.StateDegraded {
		t.Errorf("winner carries degraded health: %+v", res.Selected)
	}
}

func TestNoSuitableModel(t *testing.T) {
	rec := &decisionRecorder{}
	e := New(seedCatalog(t), WithDecisionStore(rec))

	_, err := e.Select(context.Background(), baseContext())
	var ns *NoSuitableModelError
	if !errors.As(err, &ns) {
		t.Fatalf("err = %v", err)
	}
	if d := rec.last(t); d.Reason != "no_suitable_model" {
		t.Errorf("decision reason = %q", d.Reason)
	}
}

func TestDegradedModeKeepsTopThree(t *testing.T) {
	models := []registry.Model{
		model("m1", "openai", 90, 1, 1),
		model("m2", "openai", 80, 2, 2),
		model("m3", "openai", 70, 3, 3),
		model("m4", "openai", 60, 4, 4),
	}
	e := New(seedCatalog(t, models...))

	ac := baseContext()
	// An impossible cost ceiling empties the filtered set.
	ac.MaxCostUSD = 0.0000001
	res, err := e.Select(context.Background(), ac)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Degraded {
		t.Error("expected degraded mode")
	}
	if len(res.Candidates) != 3 {
		t.Errorf("degraded mode kept %d candidates, want 3", len(res.Candidates))
	}
	if len(res.Excluded) != 4 {
		t.Errorf("excluded = %v", res.Excluded)
	}
}

func TestStrategyDerivation(t *testing.T) {
	cases := []struct {
		name string
		ac   Context
		want string
	}{
		{"explicit", Context{Strategy: StrategyReliability}, StrategyReliability},
		{"cheap cap", Context{MaxCostUSD: 0.05}, StrategyCost},
		{"high intelligence", Context{MinIntelligence: 75}, StrategyPerformance},
		{"tight latency", Context{MaxLatency: time.Second}, StrategyLatency},
		{"capabilities", Context{RequiredCapabilities: []string{registry.CapVision}}, StrategyCapability},
		{"default", Context{}, StrategyBalanced},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveStrategy(tc.ac); got != tc.want {
				t.Errorf("deriveStrategy = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestCostStrategyPicksCheapest(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	cheap := model("cheap", "openai", 40, 0.1, 0.3)
	fancy := model("fancy", "anthropic", 95, 5, 15)
	collector := stats.NewCollector(stats.WithNow(func() time.Time { return now }))
	seedStats(collector, "fancy", "anthropic", 50, 0, 200, now)

	e := New(seedCatalog(t, cheap, fancy), WithStats(collector),
		WithNow(func() time.Time { return now }))

	ac := baseContext()
	ac.Strategy = StrategyCost
	res, err := e.Select(context.Background(), ac)
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected.Model.ID != "cheap" {
		t.Errorf("cost strategy selected %s", res.Selected.Model.ID)
	}

	ac.Strategy = StrategyLatency
	res, err = e.Select(context.Background(), ac)
	if err != nil {
		t.Fatal(err)
	}
	// Only fancy has observed latency; unknown sorts last.
	if res.Selected.Model.ID != "fancy" {
		t.Errorf("latency strategy selected %s", res.Selected.Model.ID)
	}
}

func TestTieBrokenByValue(t *testing.T) {
	// Identical pricing and no history: identical final scores. The higher
	// intelligence model has the better value ratio.
	a := model("a", "openai", 40, 1, 1)
	b := model("b", "openai", 80, 1, 1)
	e := New(seedCatalog(t, a, b))

	res, err := e.Select(context.Background(), baseContext())
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected.Model.ID != "b" {
		t.Errorf("tie-break selected %s, want b (higher value)", res.Selected.Model.ID)
	}
}

func TestFallbackListBounds(t *testing.T) {
	var models []registry.Model
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		models = append(models, model(id, "openai", 50, 1, 1))
	}
	e := New(seedCatalog(t, models...))

	res, err := e.Select(context.Background(), baseContext())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Fallbacks) != 3 {
		t.Fatalf("fallbacks = %d, want 3", len(res.Fallbacks))
	}
	seen := map[string]bool{res.Selected.Model.ID: true}
	for _, f := range res.Fallbacks {
		if seen[f.Model.ID] {
			t.Errorf("duplicate or primary in fallbacks: %s", f.Model.ID)
		}
		seen[f.Model.ID] = true
	}
}

func TestBatchSelectAlignsResults(t *testing.T) {
	e := New(seedCatalog(t, model("m", "openai", 50, 1, 1)))

	contexts := make([]Context, 10)
	for i := range contexts {
		contexts[i] = baseContext()
	}
	// One invalid context mid-batch.
	contexts[4].TenantID = ""

	items := e.BatchSelect(context.Background(), contexts)
	if len(items) != 10 {
		t.Fatalf("items = %d", len(items))
	}
	for i, item := range items {
		if i == 4 {
			if item.Err == nil {
				t.Error("index 4 should fail validation")
			}
			continue
		}
		if item.Err != nil {
			t.Errorf("index %d: %v", i, item.Err)
		} else if item.Result.Selected.Model.ID != "m" {
			t.Errorf("index %d selected %s", i, item.Result.Selected.Model.ID)
		}
	}
}

func TestEstimateCostIncludesServiceFee(t *testing.T) {
	cs := newCatStore()
	cs.providers["openai"] = registry.Provider{
		ID: "openai", Enabled: true,
		Config: registry.ProviderConfiguration{ServiceFeePercent: 10},
	}
	m := model("m", "openai", 50, 2, 6)
	cs.models["m"] = m
	e := New(registry.NewCatalog(cs))

	ac := baseContext() // chat: 300/300 tokens
	est, err := e.EstimateCost(context.Background(), "m", ac)
	if err != nil {
		t.Fatal(err)
	}
	// base = 300/1M*2 + 300/1M*6 = 0.0024; +10% fee = 0.00264
	want := 0.00264
	if diff := est.CostUSD - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("cost = %v, want %v", est.CostUSD, want)
	}

	if _, err := e.EstimateCost(context.Background(), "nope", ac); err == nil {
		t.Error("unknown model should fail")
	}
}

func TestPredictPerformanceUsesHistory(t *testing.T) {
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)
	collector := stats.NewCollector(stats.WithNow(func() time.Time { return now }))
	seedStats(collector, "m", "openai", 20, 1, 400, now)

	e := New(seedCatalog(t, model("m", "openai", 50, 1, 1)),
		WithStats(collector), WithNow(func() time.Time { return now }))

	p, err := e.PredictPerformance(context.Background(), baseContext())
	if err != nil {
		t.Fatal(err)
	}
	if p.Basis != "history" || p.ModelID != "m" {
		t.Errorf("prediction = %+v", p)
	}
	if p.ExpectedLatencyMs != 400 {
		t.Errorf("latency = %v", p.ExpectedLatencyMs)
	}
	if p.ExpectedSuccessRate != 0.95 {
		t.Errorf("success rate = %v", p.ExpectedSuccessRate)
	}
}

func TestComplianceViolationsLowerScore(t *testing.T) {
	comp := compliance.NewStaticService()
	comp.SetRules(compliance.Rules{
		TenantID:                "t1",
		RequiredRegion:          "eu",
		RequireEncryptionAtRest: true,
	})
	usOnly := model("us-only", "openai", 50, 1, 1)
	euModel := model("eu-model", "openai", 50, 1, 1)
	euModel.Regions = []string{"eu"}
	euModel.EncryptionAtRest = true

	e := New(seedCatalog(t, usOnly, euModel), WithCompliance(comp))

	ac := baseContext()
	ac.TaskType = "compliance_sensitive"
	res, err := e.Select(context.Background(), ac)
	if err != nil {
		t.Fatal(err)
	}
	if res.Selected.Model.ID != "eu-model" {
		t.Errorf("selected %s", res.Selected.Model.ID)
	}
	for _, c := range res.Candidates {
		if c.Model.ID == "eu-model" && c.Compliance != 100 {
			t.Errorf("compliant model scored %v", c.Compliance)
		}
	}
}
