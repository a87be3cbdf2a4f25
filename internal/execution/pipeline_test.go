package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/circuitbreaker"
	"github.com/arbiterhq/arbiter/internal/health"
	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/providers/mock"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/stats"
	"github.com/arbiterhq/arbiter/internal/store"
)

// catStore is an in-memory registry.Store for pipeline tests.
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

// harness wires a pipeline around two mock providers. The model "prime" on
// provider p1 is the cheap arbitration favorite, "backup" on p2 the fallback.
type harness struct {
	pipeline *Pipeline
	primary  *mock.Adapter
	backup   *mock.Adapter
	st       *store.SQLiteStore
	circuits *circuitbreaker.Registry
	budgets  *budget.Service
}

func fastConfig() registry.ProviderConfiguration {
	cfg := registry.DefaultProviderConfiguration()
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "execution_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cs := newCatStore()
	cs.providers["p1"] = registry.Provider{ID: "p1", Enabled: true, Config: fastConfig()}
	cs.providers["p2"] = registry.Provider{ID: "p2", Enabled: true, Config: fastConfig()}
	cs.models["prime"] = registry.Model{
		ID: "prime", ProviderID: "p1", Tier: registry.TierStandard,
		Intelligence: 70, ContextWindow: 128000, MaxOutputTokens: 4096,
		InputPerMTokens: 0.5, OutputPerMTokens: 1.5,
		Capabilities: map[string]int{registry.CapStreaming: 90},
		Regions:      []string{"us"}, Active: true,
	}
	cs.models["backup"] = registry.Model{
		ID: "backup", ProviderID: "p2", Tier: registry.TierStandard,
		Intelligence: 80, ContextWindow: 128000, MaxOutputTokens: 4096,
		InputPerMTokens: 2, OutputPerMTokens: 6,
		Capabilities: map[string]int{registry.CapStreaming: 90},
		Regions:      []string{"us"}, Active: true,
	}
	catalog := registry.NewCatalog(cs)

	engine := arbitration.New(catalog)
	circuits := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig())
	t.Cleanup(circuits.Stop)
	budgets := budget.NewService(st, budget.DefaultOptions())

	primary := mock.New("p1")
	backup := mock.New("p2")

	p := New(engine, catalog,
		WithAdapter(primary),
		WithAdapter(backup),
		WithCircuits(circuits),
		WithBudget(budgets),
		WithStats(stats.NewCollector()),
		WithHealth(health.NewTracker(health.DefaultConfig())),
		WithStore(st),
	)
	return &harness{pipeline: p, primary: primary, backup: backup, st: st, circuits: circuits, budgets: budgets}
}

func chatReq() providers.ChatRequest {
	return providers.ChatRequest{
		Messages:  []providers.Message{{Role: "user", Content: "hello there"}},
		MaxTokens: 256,
	}
}

func execContext() arbitration.Context {
	return arbitration.Context{
		TenantID:       "t1",
		UserID:         "u1",
		TaskType:       "chat",
		EnableFallback: true,
	}
}

func TestExecuteValidation(t *testing.T) {
	h := newHarness(t)
	bad := func(f float64) *float64 { return &f }

	cases := []struct {
		name   string
		mutate func(*providers.ChatRequest)
		field  string
	}{
		{"no messages", func(r *providers.ChatRequest) { r.Messages = nil }, "messages"},
		{"missing role", func(r *providers.ChatRequest) { r.Messages[0].Role = "" }, "messages"},
		{"zero max tokens", func(r *providers.ChatRequest) { r.MaxTokens = 0 }, "max_tokens"},
		{"huge max tokens", func(r *providers.ChatRequest) { r.MaxTokens = 100001 }, "max_tokens"},
		{"temperature", func(r *providers.ChatRequest) { r.Temperature = bad(2.5) }, "temperature"},
		{"top_p", func(r *providers.ChatRequest) { r.TopP = bad(-0.1) }, "top_p"},
		{"frequency penalty", func(r *providers.ChatRequest) { r.FrequencyPenalty = bad(3) }, "frequency_penalty"},
		{"presence penalty", func(r *providers.ChatRequest) { r.PresencePenalty = bad(-2.5) }, "presence_penalty"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := chatReq()
			tc.mutate(&req)
			_, err := h.pipeline.Execute(context.Background(), req, execContext())
			var ve *arbitration.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if ve.Field != tc.field {
				t.Errorf("field = %q, want %q", ve.Field, tc.field)
			}
		})
	}
}

func TestExecuteHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	resp, err := h.pipeline.Execute(ctx, chatReq(), execContext())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "prime" {
		t.Errorf("model = %q, want prime", resp.ModelID)
	}
	if resp.Content == "" {
		t.Error("empty content")
	}
	if resp.RequestID == "" || resp.DecisionID == "" {
		t.Errorf("missing correlation ids: request=%q decision=%q", resp.RequestID, resp.DecisionID)
	}
	if resp.Attempts != 1 || resp.FallbackUsed {
		t.Errorf("attempts = %d fallback = %v", resp.Attempts, resp.FallbackUsed)
	}
	if resp.CostUSD <= 0 {
		t.Errorf("cost = %v, want > 0", resp.CostUSD)
	}

	logs, err := h.st.ListExecutionLogs(ctx, "t1", 10, 0)
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs = %v (err %v), want 1 row", logs, err)
	}
	if !logs[0].Success || logs[0].StatusCode != 200 || logs[0].ModelID != "prime" {
		t.Errorf("log = %+v", logs[0])
	}

	usage, err := h.st.ListUsage(ctx, "t1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if err != nil || len(usage) != 1 {
		t.Fatalf("usage = %v (err %v), want 1 row", usage, err)
	}
	if usage[0].Operation != "chat_completion" || usage[0].RequestID != resp.RequestID {
		t.Errorf("usage = %+v", usage[0])
	}
}

func TestExecuteRetriesTransientStatus(t *testing.T) {
	h := newHarness(t)
	h.primary.FailNTimes(2, &providers.StatusError{StatusCode: 503, Body: "unavailable"})

	resp, err := h.pipeline.Execute(context.Background(), chatReq(), execContext())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "prime" || resp.Attempts != 3 || resp.FallbackUsed {
		t.Errorf("model=%q attempts=%d fallback=%v", resp.ModelID, resp.Attempts, resp.FallbackUsed)
	}
	if n := h.primary.Calls(); n != 3 {
		t.Errorf("upstream calls = %d, want 3", n)
	}
}

func TestExecuteDoesNotRetryClientError(t *testing.T) {
	h := newHarness(t)
	h.primary.FailWith(&providers.StatusError{StatusCode: 400, Body: "bad request"})
	ac := execContext()
	ac.EnableFallback = false

	_, err := h.pipeline.Execute(context.Background(), chatReq(), ac)
	var pe *arbitration.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want provider error", err)
	}
	if pe.StatusCode != 400 {
		t.Errorf("status = %d, want 400", pe.StatusCode)
	}
	if n := h.primary.Calls(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}

	logs, _ := h.st.ListExecutionLogs(context.Background(), "t1", 10, 0)
	if len(logs) != 1 || logs[0].Success || logs[0].ErrorClass != "provider_error" || logs[0].StatusCode != 400 {
		t.Fatalf("failure log = %+v", logs)
	}
	usage, _ := h.st.ListUsage(context.Background(), "t1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if len(usage) != 0 {
		t.Errorf("usage rows = %d, want none on failure", len(usage))
	}
}

func TestFallbackAfterPrimaryExhausted(t *testing.T) {
	h := newHarness(t)
	h.primary.FailWith(&providers.StatusError{StatusCode: 503, Body: "down"})

	resp, err := h.pipeline.Execute(context.Background(), chatReq(), execContext())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "backup" || !resp.FallbackUsed {
		t.Errorf("model=%q fallback=%v, want backup via fallback", resp.ModelID, resp.FallbackUsed)
	}
	// 3 failed attempts against prime, then one against backup.
	if resp.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", resp.Attempts)
	}

	logs, _ := h.st.ListExecutionLogs(context.Background(), "t1", 10, 0)
	if len(logs) != 1 || !logs[0].FallbackUsed || logs[0].ModelID != "backup" {
		t.Fatalf("log = %+v", logs)
	}
	usage, _ := h.st.ListUsage(context.Background(), "t1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if len(usage) != 1 {
		t.Fatalf("usage rows = %d, want exactly 1", len(usage))
	}
}

func TestOpenCircuitSkipsProvider(t *testing.T) {
	h := newHarness(t)
	h.primary.FailWith(&providers.StatusError{StatusCode: 503, Body: "down"})

	// Two executions push p1 past the failure threshold and trip its
	// circuit.
	for i := 0; i < 2; i++ {
		if _, err := h.pipeline.Execute(context.Background(), chatReq(), execContext()); err != nil {
			t.Fatalf("execute %d: %v", i, err)
		}
	}
	circuitID := circuitbreaker.ProviderCircuit("p1")
	if st := h.circuits.StateOf(circuitID); st != circuitbreaker.Open {
		t.Fatalf("circuit state = %v, want Open", st)
	}

	// With the circuit open the adapter is never called again; execution
	// goes straight to the fallback.
	before := h.primary.Calls()
	resp, err := h.pipeline.Execute(context.Background(), chatReq(), execContext())
	if err != nil {
		t.Fatalf("execute with open circuit: %v", err)
	}
	if resp.ModelID != "backup" || !resp.FallbackUsed {
		t.Errorf("model=%q fallback=%v", resp.ModelID, resp.FallbackUsed)
	}
	if h.primary.Calls() != before {
		t.Errorf("adapter called %d times while circuit open", h.primary.Calls()-before)
	}
}

func TestAllModelsFailed(t *testing.T) {
	h := newHarness(t)
	h.primary.FailWith(&providers.StatusError{StatusCode: 503, Body: "down"})
	h.backup.FailWith(&providers.StatusError{StatusCode: 502, Body: "also down"})

	_, err := h.pipeline.Execute(context.Background(), chatReq(), execContext())
	var amf *arbitration.AllModelsFailedError
	if !errors.As(err, &amf) {
		t.Fatalf("err = %v, want all-models-failed", err)
	}
	if amf.Attempts != 6 {
		t.Errorf("attempts = %d, want 6", amf.Attempts)
	}
	var pe *arbitration.ProviderError
	if !errors.As(err, &pe) || pe.ProviderID != "p1" {
		t.Errorf("wrapped error = %v, want the original p1 failure", err)
	}

	logs, _ := h.st.ListExecutionLogs(context.Background(), "t1", 10, 0)
	if len(logs) != 1 || logs[0].ErrorClass != "all_models_failed" {
		t.Fatalf("log = %+v", logs)
	}
}

func TestCancellationRecordsNoUsage(t *testing.T) {
	h := newHarness(t)
	h.primary.SetLatency(200 * time.Millisecond)
	h.backup.SetLatency(200 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := h.pipeline.Execute(ctx, chatReq(), execContext())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	// Caller cancellation is not a provider failure.
	if st := h.circuits.StateOf(circuitbreaker.ProviderCircuit("p1")); st != circuitbreaker.Closed {
		t.Errorf("circuit state = %v, want Closed", st)
	}
	usage, _ := h.st.ListUsage(context.Background(), "t1", time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if len(usage) != 0 {
		t.Errorf("usage rows = %d, want none", len(usage))
	}
	logs, _ := h.st.ListExecutionLogs(context.Background(), "t1", 10, 0)
	if len(logs) != 1 || logs[0].Success || logs[0].ErrorClass != "cancelled" {
		t.Fatalf("log = %+v", logs)
	}
}

func TestPinnedModelSkipsArbitration(t *testing.T) {
	h := newHarness(t)
	req := chatReq()
	req.Model = "backup"

	resp, err := h.pipeline.Execute(context.Background(), req, execContext())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.ModelID != "backup" {
		t.Errorf("model = %q, want pinned backup", resp.ModelID)
	}
	if resp.DecisionID != "" {
		t.Errorf("decision id = %q, want empty for pinned model", resp.DecisionID)
	}

	req.Model = "nonexistent"
	_, err = h.pipeline.Execute(context.Background(), req, execContext())
	var ve *arbitration.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("unknown pinned model err = %v, want validation error", err)
	}
}

func TestExecuteBatchAlignsResults(t *testing.T) {
	h := newHarness(t)

	reqs := make([]BatchRequest, 5)
	for i := range reqs {
		reqs[i] = BatchRequest{Request: chatReq(), Context: execContext()}
	}
	reqs[2].Request.Messages = nil

	results := h.pipeline.ExecuteBatch(context.Background(), reqs)
	if len(results) != 5 {
		t.Fatalf("results = %d, want 5", len(results))
	}
	for i, r := range results {
		if i == 2 {
			var ve *arbitration.ValidationError
			if !errors.As(r.Err, &ve) {
				t.Errorf("slot 2 err = %v, want validation error", r.Err)
			}
			continue
		}
		if r.Err != nil || r.Response == nil {
			t.Errorf("slot %d: err = %v", i, r.Err)
		}
	}
}
