package tsdb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arbiterhq/arbiter/internal/events"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := New(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func query(t *testing.T, s *Store, q QueryParams) []Series {
	t.Helper()
	series, err := s.Query(context.Background(), q)
	if err != nil {
		t.Fatal(err)
	}
	return series
}

func TestStoreRoundTrip(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	for i, v := range []float64{100, 150, 200} {
		s.Write(Point{
			Timestamp: now.Add(time.Duration(i-2) * time.Minute),
			Metric:    "latency",
			ModelID:   "m1",
			Value:     v,
		})
	}

	series := query(t, s, QueryParams{Metric: "latency"})
	if len(series) != 1 || series[0].ModelID != "m1" {
		t.Fatalf("series = %+v", series)
	}
	if len(series[0].Points) != 3 {
		t.Errorf("points = %d, want 3", len(series[0].Points))
	}
}

func TestStoreTimeRangeFilter(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	s.Write(Point{Timestamp: now.Add(-10 * time.Minute), Metric: "cost", Value: 0.01})
	s.Write(Point{Timestamp: now.Add(-5 * time.Minute), Metric: "cost", Value: 0.02})
	s.Write(Point{Timestamp: now, Metric: "cost", Value: 0.03})

	series := query(t, s, QueryParams{Metric: "cost", Start: now.Add(-6 * time.Minute)})
	if len(series) != 1 || len(series[0].Points) != 2 {
		t.Errorf("series = %+v, want the two recent points", series)
	}
}

func TestStoreTagFilters(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	s.Write(Point{Timestamp: now, Metric: "latency", TenantID: "t1", ModelID: "m1", ProviderID: "p1", Value: 100})
	s.Write(Point{Timestamp: now, Metric: "latency", TenantID: "t2", ModelID: "m2", ProviderID: "p2", Value: 200})

	// Unfiltered: one series per model/provider pair.
	if series := query(t, s, QueryParams{Metric: "latency"}); len(series) != 2 {
		t.Errorf("unfiltered series = %d, want 2", len(series))
	}

	byModel := query(t, s, QueryParams{Metric: "latency", ModelID: "m1"})
	if len(byModel) != 1 || byModel[0].Points[0].Value != 100 {
		t.Errorf("model filter = %+v", byModel)
	}

	byTenant := query(t, s, QueryParams{Metric: "latency", TenantID: "t2"})
	if len(byTenant) != 1 || byTenant[0].Points[0].Value != 200 {
		t.Errorf("tenant filter = %+v", byTenant)
	}
}

func TestStoreDownsampleAverages(t *testing.T) {
	s := newStore(t)
	base := time.Now().UTC().Truncate(time.Minute)
	for i := range 6 {
		s.Write(Point{
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			Metric:    "latency",
			ModelID:   "m1",
			Value:     float64(100 + i*10),
		})
	}

	series := query(t, s, QueryParams{Metric: "latency", StepMs: 60_000})
	if len(series) != 1 || len(series[0].Points) != 1 {
		t.Fatalf("series = %+v, want one bucket", series)
	}
	if got := series[0].Points[0].Value; got != 125 {
		t.Errorf("bucket avg = %f, want 125", got)
	}
}

func TestStorePruneHonorsRetention(t *testing.T) {
	s := newStore(t)
	s.SetRetention(time.Hour)

	now := time.Now().UTC()
	s.Write(Point{Timestamp: now.Add(-2 * time.Hour), Metric: "old", Value: 1})
	s.Write(Point{Timestamp: now, Metric: "new", Value: 2})

	removed, err := s.Prune(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if series := query(t, s, QueryParams{Metric: "new"}); len(series) != 1 || len(series[0].Points) != 1 {
		t.Error("in-retention point lost")
	}
}

func TestStoreMetricNames(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	s.Write(Point{Timestamp: now, Metric: "latency", Value: 100})
	s.Write(Point{Timestamp: now, Metric: "cost", Value: 0.01})
	s.Write(Point{Timestamp: now, Metric: "latency", Value: 200})

	names, err := s.Metrics(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("names = %v, want 2 distinct", names)
	}
}

func TestQueryFlushesPendingWrites(t *testing.T) {
	s := newStore(t)
	now := time.Now().UTC()
	s.Write(Point{Timestamp: now, Metric: "test", Value: 1})
	s.Write(Point{Timestamp: now, Metric: "test", Value: 2})

	// Both points sit in the write buffer; Query must land them first.
	series := query(t, s, QueryParams{Metric: "test"})
	if len(series) == 0 || len(series[0].Points) != 2 {
		t.Error("expected 2 points after query-triggered flush")
	}
}

func TestRecorderWritesExecutionPoints(t *testing.T) {
	s := newStore(t)
	bus := events.NewBus()
	r := NewRecorder(s, bus)
	defer r.Stop()

	bus.Publish(events.Event{
		Type:       events.EventExecuteSuccess,
		TenantID:   "t1",
		ModelID:    "m1",
		ProviderID: "p1",
		LatencyMs:  250,
		CostUSD:    0.004,
	})
	// Unrelated events are ignored.
	bus.Publish(events.Event{Type: events.EventHealthChange, ProviderID: "p1"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		series := query(t, s, QueryParams{Metric: MetricLatencyMs, TenantID: "t1"})
		if len(series) == 1 && len(series[0].Points) == 1 {
			if series[0].Points[0].Value != 250 {
				t.Errorf("latency value = %f", series[0].Points[0].Value)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("latency point never recorded: %+v", series)
		}
		time.Sleep(10 * time.Millisecond)
	}

	costs := query(t, s, QueryParams{Metric: MetricCostUSD, TenantID: "t1"})
	if len(costs) != 1 || costs[0].Points[0].Value != 0.004 {
		t.Errorf("cost series = %+v", costs)
	}
}
