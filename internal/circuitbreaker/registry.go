package circuitbreaker

import (
	"log/slog"
	"sync"
	"time"
)

// ProviderCircuit returns the circuit id for a provider.
func ProviderCircuit(providerID string) string { return "Provider:" + providerID }

// ModelCircuit returns the circuit id for a model.
func ModelCircuit(modelID string) string { return "Model:" + modelID }

// idleEvictAfter is how long a circuit may go untouched before the janitor
// removes it.
const idleEvictAfter = 30 * time.Minute

// janitorInterval is how often the janitor scans for idle circuits.
const janitorInterval = 5 * time.Minute

// Registry manages keyed circuits, creating them on first use and evicting
// circuits that have seen no traffic for a while.
type Registry struct {
	cfg     Config
	onEvent func(Event)
	nowFunc func() time.Time

	mu       sync.RWMutex
	circuits map[string]*Breaker

	stopOnce sync.Once
	stop     chan struct{}
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryOnEvent registers a callback invoked on every circuit event.
func WithRegistryOnEvent(fn func(Event)) RegistryOption {
	return func(r *Registry) {
		r.onEvent = fn
	}
}

// WithRegistryNow overrides the registry's time source (tests).
func WithRegistryNow(fn func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.nowFunc = fn
	}
}

// NewRegistry creates a registry whose circuits use cfg, and starts the
// idle-circuit janitor. Call Stop when done.
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:      cfg,
		nowFunc:  time.Now,
		circuits: make(map[string]*Breaker),
		stop:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	go r.janitor()
	return r
}

// Get returns the circuit for id, creating it if needed.
func (r *Registry) Get(id string) *Breaker {
	r.mu.RLock()
	b, ok := r.circuits[id]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.circuits[id]; ok {
		return b
	}
	b = New(id, r.cfg, WithOnEvent(r.onEvent), WithNow(r.nowFunc))
	r.circuits[id] = b
	return b
}

// Allow reports whether a request guarded by circuit id may proceed.
func (r *Registry) Allow(id string) bool {
	return r.Get(id).Allow()
}

// RecordSuccess records a success on circuit id.
func (r *Registry) RecordSuccess(id string) {
	r.Get(id).RecordSuccess()
}

// RecordFailure records a failure on circuit id.
func (r *Registry) RecordFailure(id, details string) {
	r.Get(id).RecordFailure(details)
}

// StateOf returns the state of circuit id. Circuits that were never created
// report Closed without being instantiated.
func (r *Registry) StateOf(id string) State {
	r.mu.RLock()
	b, ok := r.circuits[id]
	r.mu.RUnlock()
	if !ok {
		return Closed
	}
	return b.CurrentState()
}

// Reset forces circuit id back to Closed. It is a no-op for unknown circuits.
func (r *Registry) Reset(id string) {
	r.mu.RLock()
	b, ok := r.circuits[id]
	r.mu.RUnlock()
	if ok {
		b.Reset()
	}
}

// ResetAll forces every circuit back to Closed.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.circuits {
		b.Reset()
	}
}

// UpdateConfig applies cfg to all current circuits and to circuits created
// from now on.
func (r *Registry) UpdateConfig(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	circuits := make([]*Breaker, 0, len(r.circuits))
	for _, b := range r.circuits {
		circuits = append(circuits, b)
	}
	r.mu.Unlock()
	for _, b := range circuits {
		b.UpdateConfig(cfg)
	}
}

// Snapshots returns stats for every live circuit.
func (r *Registry) Snapshots() []Stats {
	r.mu.RLock()
	circuits := make([]*Breaker, 0, len(r.circuits))
	for _, b := range r.circuits {
		circuits = append(circuits, b)
	}
	r.mu.RUnlock()

	out := make([]Stats, 0, len(circuits))
	for _, b := range circuits {
		out = append(out, b.Snapshot())
	}
	return out
}

// Stop terminates the janitor goroutine.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *Registry) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.evictIdle()
		}
	}
}

// evictIdle drops circuits that saw no traffic within idleEvictAfter.
func (r *Registry) evictIdle() {
	cutoff := r.nowFunc().Add(-idleEvictAfter)

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.circuits {
		if b.lastTouchedAt().Before(cutoff) {
			delete(r.circuits, id)
			slog.Debug("evicted idle circuit", "circuit_id", id)
		}
	}
}
