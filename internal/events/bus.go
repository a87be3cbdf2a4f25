// Package events carries engine happenings (decisions, executions, circuit
// and health transitions, budget thresholds) to in-process subscribers, the
// SSE feed, and the time-series recorder.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType identifies the kind of event.
type EventType string

const (
	EventDecision        EventType = "decision"
	EventExecuteSuccess  EventType = "execute_success"
	EventExecuteError    EventType = "execute_error"
	EventFallback        EventType = "fallback"
	EventHealthChange    EventType = "health_change"
	EventCircuitOpened   EventType = "circuit_opened"
	EventCircuitClosed   EventType = "circuit_closed"
	EventCircuitHalfOpen EventType = "circuit_half_open"
	EventCircuitReset    EventType = "circuit_reset"
	EventBudgetWarning   EventType = "budget_warning"
	EventBudgetCritical  EventType = "budget_critical"
	EventBudgetExceeded  EventType = "budget_exceeded"
	EventConfigChanged   EventType = "config_changed"
)

// Event is a single engine event published on the bus.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Arbitration/execution fields.
	TenantID   string  `json:"tenant_id,omitempty"`
	ModelID    string  `json:"model_id,omitempty"`
	ProviderID string  `json:"provider_id,omitempty"`
	DecisionID string  `json:"decision_id,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
	LatencyMs  float64 `json:"latency_ms,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	ErrorKind  string  `json:"error_kind,omitempty"`
	ErrorMsg   string  `json:"error_msg,omitempty"`
	Reason     string  `json:"reason,omitempty"`

	// Health and circuit fields.
	CircuitID string `json:"circuit_id,omitempty"`
	OldState  string `json:"old_state,omitempty"`
	NewState  string `json:"new_state,omitempty"`

	// Budget fields.
	BudgetID     string  `json:"budget_id,omitempty"`
	UsagePercent float64 `json:"usage_percent,omitempty"`
}

// JSON returns the event as a JSON byte slice.
func (e *Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Subscriber receives events on a channel.
type Subscriber struct {
	C    chan Event
	done chan struct{}
}

// Done is closed when the subscriber is removed from the bus.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Bus fans events out to every subscriber. Delivery is best-effort: a
// subscriber whose buffer is full misses the event rather than stalling the
// publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a subscriber with the given channel buffer. A
// non-positive bufSize gets the default of 64.
func (b *Bus) Subscribe(bufSize int) *Subscriber {
	if bufSize <= 0 {
		bufSize = 64
	}
	s := &Subscriber{
		C:    make(chan Event, bufSize),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe detaches s and closes its Done channel. The event channel is
// left open so a concurrent Publish cannot send on a closed channel.
func (b *Bus) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	close(s.done)
}

// Publish stamps a missing timestamp and delivers e to every subscriber that
// has buffer room.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.C <- e:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
