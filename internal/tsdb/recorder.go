package tsdb

import (
	"github.com/arbiterhq/arbiter/internal/events"
)

// Recorder turns successful execution events into time-series points. It runs
// off the event bus so the execution path never blocks on history writes.
type Recorder struct {
	store *Store
	bus   *events.Bus
	sub   *events.Subscriber
	done  chan struct{}
}

// NewRecorder subscribes to the bus and starts recording.
func NewRecorder(store *Store, bus *events.Bus) *Recorder {
	r := &Recorder{
		store: store,
		bus:   bus,
		sub:   bus.Subscribe(256),
		done:  make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		var ev events.Event
		select {
		case ev = <-r.sub.C:
		case <-r.sub.Done():
			return
		}
		if ev.Type != events.EventExecuteSuccess {
			continue
		}
		r.store.Write(Point{
			Timestamp:  ev.Timestamp,
			Metric:     MetricLatencyMs,
			TenantID:   ev.TenantID,
			ModelID:    ev.ModelID,
			ProviderID: ev.ProviderID,
			Value:      ev.LatencyMs,
		})
		r.store.Write(Point{
			Timestamp:  ev.Timestamp,
			Metric:     MetricCostUSD,
			TenantID:   ev.TenantID,
			ModelID:    ev.ModelID,
			ProviderID: ev.ProviderID,
			Value:      ev.CostUSD,
		})
	}
}

// Stop detaches from the bus, waits for in-flight events, and flushes.
func (r *Recorder) Stop() {
	r.bus.Unsubscribe(r.sub)
	<-r.done
	r.store.Flush()
}
