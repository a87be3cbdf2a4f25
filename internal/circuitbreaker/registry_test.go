package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryGetOrCreate(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Stop()

	a := r.Get(ProviderCircuit("openai"))
	b := r.Get(ProviderCircuit("openai"))
	if a != b {
		t.Error("Get returned different circuits for the same id")
	}
	if a.ID() != "Provider:openai" {
		t.Errorf("circuit id = %s, want Provider:openai", a.ID())
	}
}

func TestRegistryIsolatesCircuits(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(DefaultConfig(), WithRegistryNow(clk.Now))
	defer r.Stop()

	for i := 0; i < 5; i++ {
		r.RecordFailure(ProviderCircuit("openai"), "err")
	}
	if r.StateOf(ProviderCircuit("openai")) != Open {
		t.Error("openai circuit should be open")
	}
	if r.StateOf(ProviderCircuit("anthropic")) != Closed {
		t.Error("anthropic circuit should be closed")
	}
	if !r.Allow(ProviderCircuit("anthropic")) {
		t.Error("unaffected circuit must allow requests")
	}
}

func TestRegistryUnknownCircuitReportsClosed(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Stop()

	if r.StateOf(ModelCircuit("gpt-4o")) != Closed {
		t.Error("unknown circuit must report closed")
	}
	if len(r.Snapshots()) != 0 {
		t.Error("StateOf must not instantiate circuits")
	}
}

func TestRegistryResetAndResetAll(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(DefaultConfig(), WithRegistryNow(clk.Now))
	defer r.Stop()

	for _, id := range []string{ProviderCircuit("a"), ProviderCircuit("b")} {
		for i := 0; i < 5; i++ {
			r.RecordFailure(id, "err")
		}
	}

	r.Reset(ProviderCircuit("a"))
	if r.StateOf(ProviderCircuit("a")) != Closed {
		t.Error("reset circuit should be closed")
	}
	if r.StateOf(ProviderCircuit("b")) != Open {
		t.Error("other circuit should stay open")
	}

	r.ResetAll()
	if r.StateOf(ProviderCircuit("b")) != Closed {
		t.Error("ResetAll should close every circuit")
	}
}

func TestRegistryEventsCarryCircuitID(t *testing.T) {
	clk := newFakeClock()
	var mu sync.Mutex
	var opened []string
	r := NewRegistry(DefaultConfig(),
		WithRegistryNow(clk.Now),
		WithRegistryOnEvent(func(e Event) {
			if e.Type == EventOpened {
				mu.Lock()
				opened = append(opened, e.CircuitID)
				mu.Unlock()
			}
		}))
	defer r.Stop()

	for i := 0; i < 5; i++ {
		r.RecordFailure(ModelCircuit("gpt-4o"), "err")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(opened) != 1 || opened[0] != "Model:gpt-4o" {
		t.Errorf("opened events = %v, want [Model:gpt-4o]", opened)
	}
}

func TestRegistryEvictsIdleCircuits(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(DefaultConfig(), WithRegistryNow(clk.Now))
	defer r.Stop()

	r.RecordSuccess(ProviderCircuit("stale"))
	clk.Advance(20 * time.Minute)
	r.RecordSuccess(ProviderCircuit("fresh"))
	clk.Advance(15 * time.Minute)

	r.evictIdle()

	snaps := r.Snapshots()
	if len(snaps) != 1 {
		t.Fatalf("got %d circuits after eviction, want 1", len(snaps))
	}
	if snaps[0].CircuitID != "Provider:fresh" {
		t.Errorf("surviving circuit = %s, want Provider:fresh", snaps[0].CircuitID)
	}
}

func TestRegistryUpdateConfigAppliesToExistingAndNew(t *testing.T) {
	clk := newFakeClock()
	r := NewRegistry(DefaultConfig(), WithRegistryNow(clk.Now))
	defer r.Stop()

	existing := r.Get(ProviderCircuit("a"))
	_ = existing

	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	r.UpdateConfig(cfg)

	for i := 0; i < 2; i++ {
		r.RecordFailure(ProviderCircuit("a"), "err")
	}
	if r.StateOf(ProviderCircuit("a")) != Open {
		t.Error("existing circuit should use the updated threshold")
	}

	for i := 0; i < 2; i++ {
		r.RecordFailure(ProviderCircuit("new"), "err")
	}
	if r.StateOf(ProviderCircuit("new")) != Open {
		t.Error("new circuit should use the updated threshold")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(DefaultConfig())
	defer r.Stop()

	ids := []string{ProviderCircuit("a"), ProviderCircuit("b"), ModelCircuit("m1")}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := ids[i%len(ids)]
			if r.Allow(id) {
				if i%2 == 0 {
					r.RecordSuccess(id)
				} else {
					r.RecordFailure(id, "err")
				}
			}
			r.StateOf(id)
		}(i)
	}
	wg.Wait()

	if len(r.Snapshots()) != len(ids) {
		t.Errorf("got %d circuits, want %d", len(r.Snapshots()), len(ids))
	}
}
