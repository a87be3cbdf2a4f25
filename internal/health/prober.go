package health

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Probeable is implemented by provider adapters that expose a liveness URL.
// An empty HealthEndpoint opts the adapter out of probing.
type Probeable interface {
	ID() string
	HealthEndpoint() string
}

// ProberConfig sets the probe cadence and the per-request deadline.
type ProberConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
}

func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:     30 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Prober polls provider health endpoints on a fixed cadence and records the
// outcomes on the tracker, so a provider that stops answering degrades even
// while no tenant traffic flows through it.
type Prober struct {
	cfg     ProberConfig
	tracker *Tracker
	client  *http.Client
	logger  *slog.Logger
	quit    chan struct{}
	done    chan struct{}

	mu      sync.RWMutex
	targets map[string]Probeable
}

func NewProber(cfg ProberConfig, tracker *Tracker, targets []Probeable, logger *slog.Logger) *Prober {
	byID := make(map[string]Probeable, len(targets))
	for _, t := range targets {
		byID[t.ID()] = t
	}
	return &Prober{
		cfg:     cfg,
		tracker: tracker,
		targets: byID,
		client:  &http.Client{Timeout: cfg.ProbeTimeout},
		logger:  logger,
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// AddTarget registers or replaces a probe target while the loop is running.
func (p *Prober) AddTarget(t Probeable) {
	p.mu.Lock()
	p.targets[t.ID()] = t
	p.mu.Unlock()
	p.logger.Info("probe target added", slog.String("provider", t.ID()))
}

// RemoveTarget drops a probe target by provider ID.
func (p *Prober) RemoveTarget(id string) {
	p.mu.Lock()
	delete(p.targets, id)
	p.mu.Unlock()
	p.logger.Info("probe target removed", slog.String("provider", id))
}

// Start launches the probe loop. The first sweep runs immediately.
func (p *Prober) Start() {
	go p.loop()
}

// Stop ends the loop and waits for any in-flight sweep to finish.
func (p *Prober) Stop() {
	close(p.quit)
	<-p.done
}

func (p *Prober) loop() {
	defer close(p.done)

	p.sweep()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.quit:
			return
		}
	}
}

// sweep probes every registered target concurrently and waits for all of
// them, so a sweep never overlaps the next tick.
func (p *Prober) sweep() {
	p.mu.RLock()
	batch := make([]Probeable, 0, len(p.targets))
	for _, t := range p.targets {
		batch = append(batch, t)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range batch {
		wg.Add(1)
		go func(target Probeable) {
			defer wg.Done()
			p.check(target)
		}(t)
	}
	wg.Wait()
}

// probeOK reports whether a status code indicates a reachable, serving
// endpoint. 401 and 405 count: the endpoint exists, it just rejects an
// unauthenticated GET.
func probeOK(status int) bool {
	if status >= 200 && status < 300 {
		return true
	}
	return status == http.StatusUnauthorized || status == http.StatusMethodNotAllowed
}

func (p *Prober) check(target Probeable) {
	url := target.HealthEndpoint()
	if url == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		p.fail(target.ID(), "probe: "+err.Error())
		return
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.fail(target.ID(), "probe: "+err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()

	latencyMs := float64(time.Since(start).Milliseconds())
	if !probeOK(resp.StatusCode) {
		p.fail(target.ID(), "probe: HTTP "+resp.Status)
		return
	}

	p.tracker.RecordSuccess(target.ID(), latencyMs)
	p.logger.Debug("probe ok",
		slog.String("provider", target.ID()),
		slog.Int("status", resp.StatusCode),
		slog.Float64("latency_ms", latencyMs),
	)
}

func (p *Prober) fail(providerID, reason string) {
	p.tracker.RecordError(providerID, reason)
	p.logger.Warn("probe failed",
		slog.String("provider", providerID),
		slog.String("reason", reason),
	)
}
