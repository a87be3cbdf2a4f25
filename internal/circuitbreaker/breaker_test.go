package circuitbreaker

import (
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests drive the breaker's notion of time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(clk *fakeClock, opts ...Option) *Breaker {
	opts = append([]Option{WithNow(clk.Now)}, opts...)
	return New("Provider:test", DefaultConfig(), opts...)
}

func TestTripsAtFailureThreshold(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	for i := 0; i < 4; i++ {
		b.RecordFailure("upstream 500")
		if got := b.CurrentState(); got != Closed {
			t.Fatalf("after %d failures state = %v, want closed", i+1, got)
		}
	}
	b.RecordFailure("upstream 500")
	if got := b.CurrentState(); got != Open {
		t.Fatalf("after 5 failures state = %v, want open", got)
	}
	if b.Allow() {
		t.Error("open circuit must not allow requests")
	}
}

func TestFourFailuresOneSuccessStaysClosed(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	for i := 0; i < 4; i++ {
		b.RecordFailure("timeout")
	}
	b.RecordSuccess()

	// 4 failures out of 5 is 80%, but with fewer than 10 samples the
	// percentage rule does not apply and 4 < FailureThreshold.
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state = %v, want closed", got)
	}

	// One more failure reaches the absolute threshold.
	b.RecordFailure("timeout")
	if got := b.CurrentState(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}
}

func TestPercentageRuleRequiresMinimumSamples(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.FailureThreshold = 100 // keep the absolute rule out of the way
	b := New("Provider:test", cfg, WithNow(clk.Now))

	// 9 samples at 55% failure: below the sample floor, stays closed.
	for i := 0; i < 5; i++ {
		b.RecordFailure("err")
	}
	for i := 0; i < 4; i++ {
		b.RecordSuccess()
	}
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state = %v, want closed with only 9 samples", got)
	}

	// 10th sample is a failure: 6/10 = 60% >= 50%, trips.
	b.RecordFailure("err")
	if got := b.CurrentState(); got != Open {
		t.Fatalf("state = %v, want open at 60%% of 10 samples", got)
	}
}

func TestWindowExpiryForgivesOldFailures(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	for i := 0; i < 4; i++ {
		b.RecordFailure("err")
	}
	// Old failures age out of the one-minute window.
	clk.Advance(2 * time.Minute)

	b.RecordFailure("err")
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state = %v, want closed after window expiry", got)
	}
}

func TestOpenRejectsUntilResetTimeout(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	for i := 0; i < 5; i++ {
		b.RecordFailure("err")
	}
	if b.Allow() {
		t.Fatal("open circuit allowed a request")
	}

	clk.Advance(29 * time.Second)
	if b.Allow() {
		t.Fatal("circuit allowed a request before the reset timeout")
	}

	clk.Advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("circuit did not admit a probe after the reset timeout")
	}
	if got := b.CurrentState(); got != HalfOpen {
		t.Fatalf("state = %v, want half-open", got)
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	for i := 0; i < 5; i++ {
		b.RecordFailure("err")
	}
	clk.Advance(31 * time.Second)

	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	b.RecordSuccess()
	if got := b.CurrentState(); got != HalfOpen {
		t.Fatalf("after one probe success state = %v, want half-open", got)
	}

	if !b.Allow() {
		t.Fatal("second probe not admitted")
	}
	b.RecordSuccess()
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("after two probe successes state = %v, want closed", got)
	}
	if !b.Allow() {
		t.Error("closed circuit must allow requests")
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	for i := 0; i < 5; i++ {
		b.RecordFailure("err")
	}
	clk.Advance(31 * time.Second)
	if !b.Allow() {
		t.Fatal("probe not admitted")
	}

	b.RecordFailure("probe failed")
	if got := b.CurrentState(); got != Open {
		t.Fatalf("state = %v, want open after probe failure", got)
	}
	if b.Allow() {
		t.Error("reopened circuit must not allow requests")
	}
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	for i := 0; i < 5; i++ {
		b.RecordFailure("err")
	}
	clk.Advance(31 * time.Second)

	for i := 0; i < 3; i++ {
		if !b.Allow() {
			t.Fatalf("probe %d not admitted", i+1)
		}
	}
	if b.Allow() {
		t.Error("fourth probe admitted past MaxHalfOpenProbes")
	}
}

func TestResetForcesClosed(t *testing.T) {
	clk := newFakeClock()
	var events []Event
	b := newTestBreaker(clk, WithOnEvent(func(e Event) {
		events = append(events, e)
	}))

	for i := 0; i < 5; i++ {
		b.RecordFailure("err")
	}
	if got := b.CurrentState(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}

	b.Reset()
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state = %v, want closed after reset", got)
	}
	if !b.Allow() {
		t.Error("reset circuit must allow requests")
	}

	// Window is cleared: a single new failure does not trip.
	b.RecordFailure("err")
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state = %v, want closed after one post-reset failure", got)
	}

	var sawReset bool
	for _, e := range events {
		if e.Type == EventReset && e.ToState == "closed" {
			sawReset = true
		}
	}
	if !sawReset {
		t.Error("no reset event emitted")
	}
}

func TestNonSlidingWindowUsesConsecutiveFailures(t *testing.T) {
	clk := newFakeClock()
	cfg := DefaultConfig()
	cfg.SlidingWindow = false
	cfg.FailureThreshold = 3
	b := New("Provider:test", cfg, WithNow(clk.Now))

	b.RecordFailure("err")
	b.RecordFailure("err")
	b.RecordSuccess() // resets the consecutive counter
	b.RecordFailure("err")
	b.RecordFailure("err")
	if got := b.CurrentState(); got != Closed {
		t.Fatalf("state = %v, want closed at 2 consecutive failures", got)
	}
	b.RecordFailure("err")
	if got := b.CurrentState(); got != Open {
		t.Fatalf("state = %v, want open at 3 consecutive failures", got)
	}
}

func TestOpensExactlyOnceUnderParallelFailures(t *testing.T) {
	clk := newFakeClock()
	var mu sync.Mutex
	opened := 0
	b := newTestBreaker(clk, WithOnEvent(func(e Event) {
		if e.Type == EventOpened {
			mu.Lock()
			opened++
			mu.Unlock()
		}
	}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.RecordFailure("concurrent error")
		}()
	}
	wg.Wait()

	if got := b.CurrentState(); got != Open {
		t.Fatalf("state = %v, want open", got)
	}
	if opened != 1 {
		t.Errorf("opened %d times, want exactly 1", opened)
	}
}

func TestTransitionEvents(t *testing.T) {
	clk := newFakeClock()
	var events []Event
	b := newTestBreaker(clk, WithOnEvent(func(e Event) {
		if e.Type != EventFailure {
			events = append(events, e)
		}
	}))

	for i := 0; i < 5; i++ {
		b.RecordFailure("err")
	}
	clk.Advance(31 * time.Second)
	b.Allow()
	b.RecordSuccess()
	b.RecordSuccess()

	want := []EventType{EventOpened, EventHalfOpen, EventClosed}
	if len(events) != len(want) {
		t.Fatalf("got %d transition events, want %d: %+v", len(events), len(want), events)
	}
	for i, e := range events {
		if e.Type != want[i] {
			t.Errorf("event %d = %s, want %s", i, e.Type, want[i])
		}
	}
}

func TestSnapshotCounters(t *testing.T) {
	clk := newFakeClock()
	b := newTestBreaker(clk)

	b.RecordSuccess()
	b.RecordSuccess()
	b.RecordFailure("err")

	s := b.Snapshot()
	if s.SuccessCount != 2 || s.FailureCount != 1 || s.TotalRequests != 3 {
		t.Errorf("counters = %d/%d/%d, want 2/1/3", s.SuccessCount, s.FailureCount, s.TotalRequests)
	}
	if s.State != "closed" {
		t.Errorf("state = %s, want closed", s.State)
	}
	if s.RecentFailures != 1 || s.RecentTotal != 3 {
		t.Errorf("recent = %d/%d, want 1/3", s.RecentFailures, s.RecentTotal)
	}
}
