// Package circuitbreaker implements per-upstream failure isolation. Each
// circuit (typically "Provider:<id>" or "Model:<id>") tracks outcomes in a
// sliding time window and moves through a Closed/Open/HalfOpen state machine:
// trip on too many (or too high a percentage of) recent failures, cool down
// for a reset timeout, then admit a bounded number of probe requests before
// closing again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the current state of a circuit.
type State int

const (
	// Closed is the normal operating state: all requests are allowed.
	Closed State = iota
	// Open means the circuit has tripped: requests are denied until the
	// reset timeout elapses.
	Open
	// HalfOpen admits a bounded number of probe requests to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// EventType identifies a circuit transition or notable occurrence.
type EventType string

const (
	EventClosed        EventType = "closed"
	EventOpened        EventType = "opened"
	EventHalfOpen      EventType = "half_open"
	EventReset         EventType = "reset"
	EventConfigUpdated EventType = "config_updated"
	EventFailure       EventType = "failure"
)

// Event describes a circuit state transition.
type Event struct {
	CircuitID string    `json:"circuit_id"`
	Type      EventType `json:"type"`
	From      State     `json:"-"`
	To        State     `json:"-"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds the trip/recovery thresholds for a circuit.
type Config struct {
	// FailureThreshold is the absolute number of failures within the window
	// that trips the circuit.
	FailureThreshold int
	// FailurePercentage trips the circuit when the share of failures in the
	// window reaches this value (0-100). Only evaluated once the window holds
	// at least minSamplesForPercentage outcomes, so a short burst cannot trip
	// the circuit on percentage alone.
	FailurePercentage float64
	// Window is the sliding time window over which outcomes are counted.
	Window time.Duration
	// ResetTimeout is how long the circuit stays Open before probing.
	ResetTimeout time.Duration
	// MaxHalfOpenProbes is the number of requests admitted while HalfOpen.
	MaxHalfOpenProbes int
	// SuccessThreshold is the number of consecutive successful probes needed
	// to close a HalfOpen circuit.
	SuccessThreshold int
	// SlidingWindow enables windowed counting. When false the circuit trips
	// on consecutive failures alone.
	SlidingWindow bool
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		FailurePercentage: 50,
		Window:            time.Minute,
		ResetTimeout:      30 * time.Second,
		MaxHalfOpenProbes: 3,
		SuccessThreshold:  2,
		SlidingWindow:     true,
	}
}

// minSamplesForPercentage guards the percentage rule against tiny windows:
// a window of 5 outcomes with 4 failures must not trip a threshold-5 circuit.
const minSamplesForPercentage = 10

// windowPruneBuffer keeps slightly-expired entries so percentage math near
// the window edge stays stable between prune passes.
const windowPruneBuffer = 10 * time.Second

type outcome struct {
	at      time.Time
	success bool
}

// Stats is a point-in-time snapshot of a circuit.
type Stats struct {
	CircuitID       string    `json:"circuit_id"`
	State           string    `json:"state"`
	SuccessCount    int64     `json:"success_count"`
	FailureCount    int64     `json:"failure_count"`
	ConsecFailures  int       `json:"consec_failures"`
	TotalRequests   int64     `json:"total_requests"`
	RecentFailures  int       `json:"recent_failures"`
	RecentTotal     int       `json:"recent_total"`
	HalfOpenProbes  int       `json:"half_open_probes"`
	LastSuccessAt   time.Time `json:"last_success_at,omitempty"`
	LastFailureAt   time.Time `json:"last_failure_at,omitempty"`
	LastStateChange time.Time `json:"last_state_change,omitempty"`
}

// Breaker is a single goroutine-safe circuit.
type Breaker struct {
	id  string
	cfg Config

	mu              sync.Mutex
	state           State
	window          []outcome
	successCount    int64
	failureCount    int64
	consecFailures  int
	totalRequests   int64
	lastSuccess     time.Time
	lastFailure     time.Time
	lastStateChange time.Time
	lastTouched     time.Time

	// HalfOpen bookkeeping: probes admitted, consecutive probe successes.
	halfOpenProbes    int
	halfOpenSuccesses int

	onEvent func(Event)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithOnEvent registers a callback invoked on every transition event. The
// callback runs while the breaker's mutex is held, so it must not call back
// into the breaker.
func WithOnEvent(fn func(Event)) Option {
	return func(b *Breaker) {
		b.onEvent = fn
	}
}

// WithNow overrides the breaker's time source (tests).
func WithNow(fn func() time.Time) Option {
	return func(b *Breaker) {
		b.nowFunc = fn
	}
}

// New creates a circuit in the Closed state.
func New(id string, cfg Config, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailurePercentage <= 0 {
		cfg.FailurePercentage = 50
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.MaxHalfOpenProbes <= 0 {
		cfg.MaxHalfOpenProbes = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	b := &Breaker{
		id:      id,
		cfg:     cfg,
		state:   Closed,
		nowFunc: time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	b.lastStateChange = b.nowFunc()
	b.lastTouched = b.lastStateChange
	return b
}

// ID returns the circuit id.
func (b *Breaker) ID() string { return b.id }

// Allow reports whether the next request may proceed.
//
// Closed always allows. Open denies until the reset timeout elapses, at which
// point the circuit transitions to HalfOpen and the call is admitted as a
// probe. HalfOpen admits up to MaxHalfOpenProbes outstanding probes.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastTouched = b.nowFunc()
	b.maybeHalfOpenLocked()

	switch b.state {
	case Closed:
		return true
	case Open:
		return false
	case HalfOpen:
		if b.halfOpenProbes < b.cfg.MaxHalfOpenProbes {
			b.halfOpenProbes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.lastTouched = now
	b.successCount++
	b.totalRequests++
	b.consecFailures = 0
	b.lastSuccess = now
	b.appendOutcomeLocked(outcome{at: now, success: true})

	if b.state == HalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.setStateLocked(Closed, EventClosed, "probe successes reached threshold")
			b.window = nil
		}
	}
}

// RecordFailure records a failed call outcome and trips the circuit when the
// window thresholds are exceeded.
func (b *Breaker) RecordFailure(details string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	b.lastTouched = now
	b.failureCount++
	b.totalRequests++
	b.consecFailures++
	b.lastFailure = now
	b.appendOutcomeLocked(outcome{at: now, success: false})

	b.emitLocked(Event{
		CircuitID: b.id,
		Type:      EventFailure,
		From:      b.state,
		To:        b.state,
		FromState: b.state.String(),
		ToState:   b.state.String(),
		Details:   details,
		Timestamp: now,
	})

	switch b.state {
	case Closed:
		if b.shouldTripLocked(now) {
			b.setStateLocked(Open, EventOpened, details)
		}
	case HalfOpen:
		// Any probe failure re-trips immediately.
		b.setStateLocked(Open, EventOpened, details)
	}
}

// CurrentState returns the circuit state, performing the lazy Open→HalfOpen
// transition when the reset timeout has elapsed.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Reset forces the circuit back to Closed and clears the window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	from := b.state
	b.state = Closed
	b.window = nil
	b.consecFailures = 0
	b.halfOpenProbes = 0
	b.halfOpenSuccesses = 0
	b.lastStateChange = b.nowFunc()
	b.emitLocked(Event{
		CircuitID: b.id,
		Type:      EventReset,
		From:      from,
		To:        Closed,
		FromState: from.String(),
		ToState:   Closed.String(),
		Timestamp: b.lastStateChange,
	})
}

// UpdateConfig swaps the circuit's thresholds at runtime.
func (b *Breaker) UpdateConfig(cfg Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	b.emitLocked(Event{
		CircuitID: b.id,
		Type:      EventConfigUpdated,
		From:      b.state,
		To:        b.state,
		FromState: b.state.String(),
		ToState:   b.state.String(),
		Timestamp: b.nowFunc(),
	})
}

// Snapshot returns a copy of the circuit's counters.
func (b *Breaker) Snapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	failures, total := b.recentCountsLocked(b.nowFunc())
	return Stats{
		CircuitID:       b.id,
		State:           b.state.String(),
		SuccessCount:    b.successCount,
		FailureCount:    b.failureCount,
		ConsecFailures:  b.consecFailures,
		TotalRequests:   b.totalRequests,
		RecentFailures:  failures,
		RecentTotal:     total,
		HalfOpenProbes:  b.halfOpenProbes,
		LastSuccessAt:   b.lastSuccess,
		LastFailureAt:   b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

// lastTouchedAt returns when the circuit last saw any activity.
func (b *Breaker) lastTouchedAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastTouched
}

// maybeHalfOpenLocked performs the lazy Open→HalfOpen transition.
// Caller must hold b.mu.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state != Open {
		return
	}
	if b.nowFunc().Sub(b.lastStateChange) >= b.cfg.ResetTimeout {
		b.setStateLocked(HalfOpen, EventHalfOpen, "reset timeout elapsed")
	}
}

// shouldTripLocked evaluates the trip rules against the current window.
// Caller must hold b.mu.
func (b *Breaker) shouldTripLocked(now time.Time) bool {
	if !b.cfg.SlidingWindow {
		return b.consecFailures >= b.cfg.FailureThreshold
	}
	failures, total := b.recentCountsLocked(now)
	if failures >= b.cfg.FailureThreshold {
		return true
	}
	if total >= minSamplesForPercentage {
		pct := float64(failures) / float64(total) * 100
		if pct >= b.cfg.FailurePercentage {
			return true
		}
	}
	return false
}

// recentCountsLocked returns (failures, total) within the window.
// Caller must hold b.mu.
func (b *Breaker) recentCountsLocked(now time.Time) (int, int) {
	cutoff := now.Add(-b.cfg.Window)
	failures, total := 0, 0
	for _, o := range b.window {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if !o.success {
			failures++
		}
	}
	return failures, total
}

// appendOutcomeLocked records an outcome and prunes entries older than the
// window plus a small buffer. Caller must hold b.mu.
func (b *Breaker) appendOutcomeLocked(o outcome) {
	b.window = append(b.window, o)
	cutoff := o.at.Add(-(b.cfg.Window + windowPruneBuffer))
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

// setStateLocked transitions the circuit, resetting HalfOpen bookkeeping and
// emitting an event. Caller must hold b.mu.
func (b *Breaker) setStateLocked(to State, et EventType, details string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.lastStateChange = b.nowFunc()
	b.halfOpenProbes = 0
	b.halfOpenSuccesses = 0
	b.emitLocked(Event{
		CircuitID: b.id,
		Type:      et,
		From:      from,
		To:        to,
		FromState: from.String(),
		ToState:   to.String(),
		Details:   details,
		Timestamp: b.lastStateChange,
	})
}

// emitLocked fires the event callback if registered. Caller must hold b.mu.
func (b *Breaker) emitLocked(e Event) {
	if b.onEvent != nil {
		b.onEvent(e)
	}
}
