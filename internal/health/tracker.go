// Package health tracks provider liveness. The tracker folds request outcomes
// and probe results into a five-state status; the prober drives it from
// provider health endpoints on an interval.
package health

import (
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/events"
)

// State represents the health state of a provider.
type State string

const (
	// StateUnknown means the provider has never been observed.
	StateUnknown State = "unknown"
	StateHealthy State = "healthy"
	// StateDegraded means a short run of consecutive errors.
	StateDegraded State = "degraded"
	// StateUnstable means errors are mixed with successes at a high rate.
	StateUnstable State = "unstable"
	StateDown     State = "down"
)

// Stats captures runtime health metrics for a single provider.
type Stats struct {
	ProviderID    string    `json:"provider_id"`
	State         State     `json:"state"`
	TotalRequests int64     `json:"total_requests"`
	TotalErrors   int64     `json:"total_errors"`
	ConsecErrors  int       `json:"consec_errors"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`

	// recent is a ring of the last outcomes (true = success) used for the
	// unstable-state computation.
	recent []bool
}

// TrackerConfig configures the health tracker thresholds.
type TrackerConfig struct {
	// ConsecErrorsForDegraded: how many consecutive errors before degraded state.
	ConsecErrorsForDegraded int
	// ConsecErrorsForDown: how many consecutive errors before down state.
	ConsecErrorsForDown int
	// UnstableErrorRate: recent error rate at or above which a provider that
	// is still answering some requests is marked unstable.
	UnstableErrorRate float64
	// RecentWindow: how many recent outcomes feed the unstable computation.
	RecentWindow int
	// CooldownDuration: how long to keep a provider in down state.
	CooldownDuration time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ConsecErrorsForDegraded: 2,
		ConsecErrorsForDown:     5,
		UnstableErrorRate:       0.3,
		RecentWindow:            20,
		CooldownDuration:        30 * time.Second,
	}
}

// Tracker tracks runtime health of all providers.
type Tracker struct {
	cfg      TrackerConfig
	EventBus *events.Bus
	onUpdate func(providerID string, state State)

	mu    sync.RWMutex
	stats map[string]*Stats

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// TrackerOption configures optional Tracker behaviour.
type TrackerOption func(*Tracker)

// WithEventBus attaches an event bus to the tracker so that health state
// transitions are published as EventHealthChange events.
func WithEventBus(bus *events.Bus) TrackerOption {
	return func(t *Tracker) {
		t.EventBus = bus
	}
}

// WithOnUpdate registers a callback invoked on every RecordSuccess/RecordError
// call (not just state transitions). Use this to keep external gauges current.
func WithOnUpdate(fn func(providerID string, state State)) TrackerOption {
	return func(t *Tracker) {
		t.onUpdate = fn
	}
}

// WithNow overrides the tracker's time source (tests).
func WithNow(fn func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.nowFunc = fn
	}
}

// NewTracker creates a health tracker with the given config.
func NewTracker(cfg TrackerConfig, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		cfg:     cfg,
		stats:   make(map[string]*Stats),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// record applies an outcome under the lock, recomputes the state, and then
// notifies the callback and bus outside the lock.
func (t *Tracker) record(providerID, reason string, apply func(s *Stats)) {
	t.mu.Lock()
	s := t.getOrCreate(providerID)
	oldState := s.State

	apply(s)

	s.State = t.computeState(s)
	if s.State == StateDown {
		s.CooldownUntil = t.nowFunc().Add(t.cfg.CooldownDuration)
	}
	newState := s.State
	t.mu.Unlock()

	if t.onUpdate != nil {
		t.onUpdate(providerID, newState)
	}
	if oldState != newState && t.EventBus != nil {
		t.EventBus.Publish(events.Event{
			Type:       events.EventHealthChange,
			ProviderID: providerID,
			OldState:   string(oldState),
			NewState:   string(newState),
			Reason:     reason,
		})
	}
}

// RecordSuccess folds in a successful request, clearing any error run and
// cooldown.
func (t *Tracker) RecordSuccess(providerID string, latencyMs float64) {
	t.record(providerID, "success recorded", func(s *Stats) {
		s.TotalRequests++
		s.ConsecErrors = 0
		s.LastSuccessAt = t.nowFunc()
		s.CooldownUntil = time.Time{}
		t.pushOutcome(s, true)

		// Exponentially weighted latency average.
		if s.TotalRequests == 1 {
			s.AvgLatencyMs = latencyMs
		} else {
			s.AvgLatencyMs = s.AvgLatencyMs*0.9 + latencyMs*0.1
		}
	})
}

// RecordError folds in a failed request.
func (t *Tracker) RecordError(providerID string, errMsg string) {
	t.record(providerID, errMsg, func(s *Stats) {
		s.TotalRequests++
		s.TotalErrors++
		s.ConsecErrors++
		s.LastError = errMsg
		s.LastErrorTime = t.nowFunc()
		t.pushOutcome(s, false)
	})
}

// computeState derives the five-state status from the counters.
// Caller must hold t.mu.
func (t *Tracker) computeState(s *Stats) State {
	if s.ConsecErrors >= t.cfg.ConsecErrorsForDown {
		return StateDown
	}
	if s.ConsecErrors >= t.cfg.ConsecErrorsForDegraded {
		return StateDegraded
	}
	// Mixed successes and errors at a high recent rate: unstable.
	if t.cfg.UnstableErrorRate > 0 && len(s.recent) >= 4 {
		errs := 0
		for _, ok := range s.recent {
			if !ok {
				errs++
			}
		}
		if rate := float64(errs) / float64(len(s.recent)); rate >= t.cfg.UnstableErrorRate {
			return StateUnstable
		}
	}
	return StateHealthy
}

// pushOutcome appends to the recent-outcome ring. Caller must hold t.mu.
func (t *Tracker) pushOutcome(s *Stats, success bool) {
	s.recent = append(s.recent, success)
	if t.cfg.RecentWindow > 0 && len(s.recent) > t.cfg.RecentWindow {
		s.recent = s.recent[len(s.recent)-t.cfg.RecentWindow:]
	}
}

// IsAvailable returns whether a provider should receive requests.
func (t *Tracker) IsAvailable(providerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return true // unknown provider is assumed available
	}
	if s.State == StateDown && t.nowFunc().Before(s.CooldownUntil) {
		return false
	}
	return true
}

// StateOf returns the current state of a provider. Providers that were never
// observed report StateUnknown.
func (t *Tracker) StateOf(providerID string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[providerID]; ok {
		return s.State
	}
	return StateUnknown
}

// GetStats returns a copy of the health stats for a provider.
func (t *Tracker) GetStats(providerID string) *Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.stats[providerID]
	if !ok {
		return &Stats{ProviderID: providerID, State: StateUnknown}
	}
	cp := *s
	cp.recent = nil
	return &cp
}

// AllStats returns a copy of health stats for all known providers.
func (t *Tracker) AllStats() []Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]Stats, 0, len(t.stats))
	for _, s := range t.stats {
		cp := *s
		cp.recent = nil
		result = append(result, cp)
	}
	return result
}

// GetAvgLatencyMs returns the average latency for a provider.
func (t *Tracker) GetAvgLatencyMs(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[providerID]; ok {
		return s.AvgLatencyMs
	}
	return 0
}

// GetErrorRate returns the error rate for a provider.
func (t *Tracker) GetErrorRate(providerID string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.stats[providerID]; ok && s.TotalRequests > 0 {
		return float64(s.TotalErrors) / float64(s.TotalRequests)
	}
	return 0
}

func (t *Tracker) getOrCreate(providerID string) *Stats {
	s, ok := t.stats[providerID]
	if !ok {
		s = &Stats{ProviderID: providerID, State: StateUnknown}
		t.stats[providerID] = s
	}
	return s
}
