package budget

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/arbiterhq/arbiter/internal/clock"
	"github.com/arbiterhq/arbiter/internal/email"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "budget_test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func monthlyBudget(tenant string, amount float64, start time.Time) store.BudgetRecord {
	return store.BudgetRecord{
		TenantID:          tenant,
		Period:            string(PeriodMonthly),
		Amount:            amount,
		Currency:          "USD",
		StartAt:           start,
		EndAt:             start.AddDate(0, 1, 0),
		WarningThreshold:  0.8,
		CriticalThreshold: 0.95,
	}
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newTestStore(t), DefaultOptions())
	ctx := context.Background()
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		mutate func(*store.BudgetRecord)
	}{
		{"missing tenant", func(b *store.BudgetRecord) { b.TenantID = "" }},
		{"bad period", func(b *store.BudgetRecord) { b.Period = "fortnightly" }},
		{"zero amount", func(b *store.BudgetRecord) { b.Amount = 0 }},
		{"start after end", func(b *store.BudgetRecord) { b.EndAt = b.StartAt.Add(-time.Hour) }},
		{"warning above critical", func(b *store.BudgetRecord) { b.WarningThreshold = 0.96 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := monthlyBudget("t1", 100, start)
			tc.mutate(&b)
			if _, err := svc.Create(ctx, b); err == nil {
				t.Error("expected validation error")
			} else {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Errorf("expected ValidationError, got %T: %v", err, err)
				}
			}
		})
	}
}

func TestCreateRejectsOverlap(t *testing.T) {
	svc := NewService(newTestStore(t), DefaultOptions())
	ctx := context.Background()
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := monthlyBudget("t1", 100, jan1)
	first.ProjectID = "p1"
	if _, err := svc.Create(ctx, first); err != nil {
		t.Fatal(err)
	}

	// Same scope and period, range Jan 15 - Feb 14.
	second := monthlyBudget("t1", 50, jan1.AddDate(0, 0, 14))
	second.ProjectID = "p1"
	_, err := svc.Create(ctx, second)
	if err == nil {
		t.Fatal("expected overlap rejection")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Msg != "A budget already exists for this period" {
		t.Errorf("unexpected error: %v", err)
	}

	// A different project is a different scope.
	second.ProjectID = "p2"
	if _, err := svc.Create(ctx, second); err != nil {
		t.Errorf("different scope should be allowed: %v", err)
	}
}

func TestCheckBudgetSentinelAndBoundary(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewFake(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	svc := NewService(st, DefaultOptions(), WithNow(clk.Now))
	ctx := context.Background()

	// No budget at all: allowed with sentinel.
	res := svc.CheckBudget(ctx, "t1", "", "", 5)
	if !res.Allowed || res.Status != StatusNoBudget {
		t.Fatalf("expected NO_BUDGET allow, got %+v", res)
	}

	b := monthlyBudget("t1", 100, clk.Now().AddDate(0, 0, -14))
	created, err := svc.Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetBudgetUsed(ctx, created.ID, 99.99, clk.Now()); err != nil {
		t.Fatal(err)
	}

	// used = amount - 0.01: a cost of exactly 0.01 fits, anything more does not.
	res = svc.CheckBudget(ctx, "t1", "", "", 0.01)
	if !res.Allowed || res.Status != StatusOK {
		t.Errorf("exact fit should be allowed, got %+v", res)
	}
	res = svc.CheckBudget(ctx, "t1", "", "", 0.02)
	if res.Allowed || res.Status != StatusInsufficient {
		t.Errorf("overshoot should be rejected, got %+v", res)
	}

	_, details := svc.CheckBudgetWithDetails(ctx, "t1", "", "", 0.02)
	if len(details) != 1 || details[0].Allowed {
		t.Errorf("details = %+v", details)
	}
}

type failingStore struct {
	store.Store
}

func (f *failingStore) ActiveBudgets(ctx context.Context, tenantID, projectID, userID string, at time.Time) ([]store.BudgetRecord, error) {
	return nil, errors.New("db down")
}

func TestCheckBudgetFailsOpen(t *testing.T) {
	svc := NewService(&failingStore{newTestStore(t)}, DefaultOptions())
	res := svc.CheckBudget(context.Background(), "t1", "", "", 5)
	if !res.Allowed || res.Status != StatusStoreError {
		t.Fatalf("store failure must fail open, got %+v", res)
	}
}

func TestRecordUsageDebitsAndIdempotence(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewFake(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	svc := NewService(st, DefaultOptions(), WithNow(clk.Now))
	ctx := context.Background()

	tenantWide, err := svc.Create(ctx, monthlyBudget("t1", 1000, clk.Now().AddDate(0, 0, -14)))
	if err != nil {
		t.Fatal(err)
	}
	scoped := monthlyBudget("t1", 100, clk.Now().AddDate(0, 0, -14))
	scoped.ProjectID = "p1"
	projBudget, err := svc.Create(ctx, scoped)
	if err != nil {
		t.Fatal(err)
	}

	u := store.UsageRecord{
		ID: "use-1", TenantID: "t1", ProjectID: "p1", ModelID: "gpt-4o",
		ProviderID: "openai", Cost: 2.5, Currency: "USD",
		Timestamp: clk.Now(), Success: true,
	}
	if err := svc.RecordUsage(ctx, u); err != nil {
		t.Fatal(err)
	}

	// Both the tenant-wide and the project budget are debited.
	for _, id := range []string{tenantWide.ID, projBudget.ID} {
		got, _ := st.GetBudget(ctx, id)
		if got.Used != 2.5 {
			t.Errorf("budget %s used = %v, want 2.5", id, got.Used)
		}
	}

	// Replaying the same usage id is a no-op.
	if err := svc.RecordUsage(ctx, u); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetBudget(ctx, tenantWide.ID)
	if got.Used != 2.5 {
		t.Errorf("replay debited again: used = %v", got.Used)
	}
}

func TestRecordUsageConvertsCurrency(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewFake(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	svc := NewService(st, DefaultOptions(), WithNow(clk.Now))
	ctx := context.Background()

	b := monthlyBudget("t1", 100, clk.Now().AddDate(0, 0, -14))
	b.Currency = "EUR"
	created, err := svc.Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}

	u := store.UsageRecord{
		ID: "use-1", TenantID: "t1", ModelID: "m", ProviderID: "p",
		Cost: 10, Currency: "USD", Timestamp: clk.Now(), Success: true,
	}
	if err := svc.RecordUsage(ctx, u); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetBudget(ctx, created.ID)
	if math.Abs(got.Used-8.5) > 1e-9 {
		t.Errorf("expected 10 USD = 8.50 EUR, got %v", got.Used)
	}
}

func TestWarningNotificationWithCooldown(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewFake(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	sender := &email.RecordingSender{}
	opts := DefaultOptions()
	opts.SendEmail = true
	opts.DefaultEmail = "ops@example.com"
	svc := NewService(st, opts, WithNow(clk.Now), WithSender(sender))
	ctx := context.Background()

	b := monthlyBudget("t1", 100, clk.Now().AddDate(0, 0, -14))
	b.SendNotifications = true
	created, err := svc.Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetBudgetUsed(ctx, created.ID, 78, clk.Now()); err != nil {
		t.Fatal(err)
	}

	// $3 call: 78 -> 81, 81% crosses the 80% warning threshold.
	if err := svc.RecordUsage(ctx, store.UsageRecord{
		ID: "use-1", TenantID: "t1", ModelID: "m", ProviderID: "p",
		Cost: 3, Timestamp: clk.Now(), Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	if sender.Count() != 1 {
		t.Fatalf("expected 1 warning email, got %d", sender.Count())
	}
	alerts, _ := svc.GetAlerts(ctx, "t1", 10)
	if len(alerts) != 1 || alerts[0].Type != TypeWarning {
		t.Fatalf("alerts = %+v", alerts)
	}

	// A second debit an hour later stays in the warning band: cooldown holds.
	clk.Advance(time.Hour)
	if err := svc.RecordUsage(ctx, store.UsageRecord{
		ID: "use-2", TenantID: "t1", ModelID: "m", ProviderID: "p",
		Cost: 4, Timestamp: clk.Now(), Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	if sender.Count() != 1 {
		t.Fatalf("cooldown violated: %d emails", sender.Count())
	}

	// After the cooldown expires the same band may notify again.
	clk.Advance(13 * time.Hour)
	if err := svc.RecordUsage(ctx, store.UsageRecord{
		ID: "use-3", TenantID: "t1", ModelID: "m", ProviderID: "p",
		Cost: 1, Timestamp: clk.Now(), Success: true,
	}); err != nil {
		t.Fatal(err)
	}
	if sender.Count() != 2 {
		t.Fatalf("expected fresh warning after cooldown, got %d emails", sender.Count())
	}
}

func TestOverBudgetEventPublished(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewFake(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	bus := events.NewBus()
	svc := NewService(st, DefaultOptions(), WithNow(clk.Now), WithEventBus(bus))
	ctx := context.Background()

	b := monthlyBudget("t1", 10, clk.Now().AddDate(0, 0, -14))
	b.SendNotifications = true
	created, err := svc.Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetBudgetUsed(ctx, created.ID, 9, clk.Now()); err != nil {
		t.Fatal(err)
	}

	sub := bus.Subscribe(4)
	defer bus.Unsubscribe(sub)

	if err := svc.RecordUsage(ctx, store.UsageRecord{
		ID: "use-1", TenantID: "t1", ModelID: "m", ProviderID: "p",
		Cost: 5, Timestamp: clk.Now(), Success: true,
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-sub.C:
		if ev.Type != events.EventBudgetExceeded || ev.BudgetID != created.ID {
			t.Errorf("unexpected event %+v", ev)
		}
		if ev.UsagePercent < 1.3 {
			t.Errorf("usage percent = %v", ev.UsagePercent)
		}
	default:
		t.Fatal("expected budget exceeded event")
	}
}

func TestResetZeroesUsage(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewFake(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	svc := NewService(st, DefaultOptions(), WithNow(clk.Now))
	ctx := context.Background()

	b := monthlyBudget("t1", 100, clk.Now().AddDate(0, 0, -14))
	b.SendNotifications = true
	created, err := svc.Create(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetBudgetUsed(ctx, created.ID, 60, clk.Now()); err != nil {
		t.Fatal(err)
	}

	if err := svc.Reset(ctx, created.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := st.GetBudget(ctx, created.ID)
	if got.Used != 0 {
		t.Errorf("used = %v after reset", got.Used)
	}
	alerts, _ := svc.GetAlerts(ctx, "t1", 10)
	if len(alerts) != 1 || alerts[0].Type != TypeReset {
		t.Errorf("expected reset notification, got %+v", alerts)
	}
}

func TestRollover(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start.AddDate(0, 0, 10))
	opts := DefaultOptions()
	opts.AllowRollover = true
	opts.MaxRolloverPercentage = 0.5
	svc := NewService(st, opts, WithNow(clk.Now))
	ctx := context.Background()

	created, err := svc.Create(ctx, monthlyBudget("t1", 100, start))
	if err != nil {
		t.Fatal(err)
	}
	// Only $10 spent this period.
	if err := st.SetBudgetUsed(ctx, created.ID, 10, clk.Now()); err != nil {
		t.Fatal(err)
	}

	// Period still running: not eligible.
	ok, reason, err := svc.CanRollover(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("rollover allowed mid-period (%s)", reason)
	}

	// Move past the period end. amount + remaining = 190, capped at 150.
	clk.Advance(25 * 24 * time.Hour)
	next, err := svc.Rollover(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if next.Amount != 150 {
		t.Errorf("rollover amount = %v, want 150 (capped)", next.Amount)
	}
	if next.Used != 0 {
		t.Errorf("successor used = %v", next.Used)
	}
	if !next.StartAt.Equal(created.EndAt) {
		t.Errorf("successor start = %v, want %v", next.StartAt, created.EndAt)
	}
	if !next.EndAt.Equal(created.EndAt.AddDate(0, 1, 0)) {
		t.Errorf("successor end = %v", next.EndAt)
	}
}

func TestRolloverDisabled(t *testing.T) {
	svc := NewService(newTestStore(t), DefaultOptions())
	ok, reason, err := svc.CanRollover(context.Background(), "whatever")
	if err != nil {
		t.Fatal(err)
	}
	if ok || reason != "rollover disabled" {
		t.Errorf("ok=%v reason=%q", ok, reason)
	}
}

func TestForecastLinearProjection(t *testing.T) {
	st := newTestStore(t)
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start.AddDate(0, 0, 10))
	svc := NewService(st, DefaultOptions(), WithNow(clk.Now))
	ctx := context.Background()

	created, err := svc.Create(ctx, monthlyBudget("t1", 100, start))
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetBudgetUsed(ctx, created.ID, 50, clk.Now()); err != nil {
		t.Fatal(err)
	}

	f, err := svc.GetForecast(ctx, created.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	// 50 used over 10 days = 5/day; 10 more days projects to 100.
	if math.Abs(f.DailyAverage-5) > 1e-9 {
		t.Errorf("daily average = %v, want 5", f.DailyAverage)
	}
	if math.Abs(f.ForecastedUsage-100) > 1e-9 {
		t.Errorf("forecast = %v, want 100", f.ForecastedUsage)
	}
	// No usage history rows: confidence pinned low.
	if f.Confidence != 0.3 {
		t.Errorf("confidence = %v, want 0.3", f.Confidence)
	}

	// Horizon clamps to MaxForecastDays.
	f, err = svc.GetForecast(ctx, created.ID, 10_000)
	if err != nil {
		t.Fatal(err)
	}
	if f.ForecastDays != DefaultOptions().MaxForecastDays {
		t.Errorf("forecast days = %d", f.ForecastDays)
	}
}

func TestConfidenceRisesWithSteadyHistory(t *testing.T) {
	steady := make([]float64, 30)
	for i := range steady {
		steady[i] = 5
	}
	spiky := make([]float64, 30)
	for i := range spiky {
		if i%5 == 0 {
			spiky[i] = 50
		} else {
			spiky[i] = 1
		}
	}
	cSteady := confidence(steady, 30)
	cSpiky := confidence(spiky, 30)
	if cSteady <= cSpiky {
		t.Errorf("steady %v should beat spiky %v", cSteady, cSpiky)
	}
	if cSteady != 1 {
		t.Errorf("perfectly steady 30-day history should max out, got %v", cSteady)
	}
	if c := confidence([]float64{1, 2}, 2); c != 0.3 {
		t.Errorf("sparse history confidence = %v, want 0.3", c)
	}
}

func TestParallelDebitsConverge(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewFake(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	svc := NewService(st, DefaultOptions(), WithNow(clk.Now))
	ctx := context.Background()

	created, err := svc.Create(ctx, monthlyBudget("t1", 1, clk.Now().AddDate(0, 0, -14)))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- svc.RecordUsage(ctx, store.UsageRecord{
				ID: fmt.Sprintf("use-%d", i), TenantID: "t1",
				ModelID: "m", ProviderID: "p", Cost: 0.01,
				Timestamp: clk.Now(), Success: true,
			})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	got, _ := st.GetBudget(ctx, created.ID)
	if math.Abs(got.Used-1.0) > 1e-6 {
		t.Errorf("used = %v, want 1.00", got.Used)
	}
}

func TestAnalyze(t *testing.T) {
	st := newTestStore(t)
	clk := clock.NewFake(time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))
	svc := NewService(st, DefaultOptions(), WithNow(clk.Now))
	ctx := context.Background()

	a, err := svc.Create(ctx, monthlyBudget("t1", 100, clk.Now().AddDate(0, 0, -14)))
	if err != nil {
		t.Fatal(err)
	}
	scoped := monthlyBudget("t1", 50, clk.Now().AddDate(0, 0, -14))
	scoped.ProjectID = "p1"
	b, err := svc.Create(ctx, scoped)
	if err != nil {
		t.Fatal(err)
	}
	_ = st.SetBudgetUsed(ctx, a.ID, 30, clk.Now())
	_ = st.SetBudgetUsed(ctx, b.ID, 60, clk.Now())

	analysis, err := svc.Analyze(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(analysis.Budgets) != 2 {
		t.Fatalf("budgets = %d", len(analysis.Budgets))
	}
	if analysis.TotalAmount != 150 || analysis.TotalUsed != 90 {
		t.Errorf("totals = %v/%v", analysis.TotalUsed, analysis.TotalAmount)
	}
	if analysis.OverBudget != 1 {
		t.Errorf("over budget count = %d", analysis.OverBudget)
	}
}

func TestCurrencyTable(t *testing.T) {
	r := DefaultRates()
	got, ok := r.Convert(100, "USD", "EUR")
	if !ok || math.Abs(got-85) > 1e-9 {
		t.Errorf("100 USD = %v EUR (ok=%v)", got, ok)
	}
	got, ok = r.Convert(110, "JPY", "USD")
	if !ok || math.Abs(got-1) > 1e-9 {
		t.Errorf("110 JPY = %v USD (ok=%v)", got, ok)
	}
	got, ok = r.Convert(7, "CHF", "USD")
	if ok || got != 7 {
		t.Errorf("unknown currency should pass through raw: %v ok=%v", got, ok)
	}
}
