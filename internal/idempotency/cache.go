// Package idempotency replays cached responses for repeated Idempotency-Key
// requests so network retries cannot double-execute a chat request or
// double-debit a budget.
package idempotency

import (
	"sync"
	"time"
)

// Response is the replayable part of an HTTP exchange.
type Response struct {
	Status int
	Header map[string]string
	Body   []byte
}

type record struct {
	resp      Response
	expiresAt time.Time
}

// Cache holds responses for a fixed TTL, bounded by maxEntries. When full,
// the record closest to expiry is dropped to make room.
type Cache struct {
	mu         sync.Mutex
	records    map[string]record
	ttl        time.Duration
	maxEntries int
	quit       chan struct{}
}

// New starts a cache whose janitor sweeps expired records every ttl/2, with a
// one second floor on the sweep interval.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		records:    make(map[string]record),
		ttl:        ttl,
		maxEntries: maxEntries,
		quit:       make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the cached response for key, or ok=false on a miss or after
// expiry. Expired records are removed on access.
func (c *Cache) Get(key string) (Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return Response{}, false
	}
	if time.Now().After(rec.expiresAt) {
		delete(c.records, key)
		return Response{}, false
	}
	return rec.resp, true
}

// Put stores resp under key. Overwriting an existing key never evicts.
func (c *Cache) Put(key string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.records[key]; !exists && len(c.records) >= c.maxEntries {
		c.dropSoonest()
	}
	c.records[key] = record{resp: resp, expiresAt: time.Now().Add(c.ttl)}
}

// Stop ends the janitor goroutine.
func (c *Cache) Stop() {
	close(c.quit)
}

func (c *Cache) janitor() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.quit:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, rec := range c.records {
		if now.After(rec.expiresAt) {
			delete(c.records, k)
		}
	}
}

// dropSoonest removes the record nearest to expiry. With a uniform TTL that
// is the oldest insert. Caller holds c.mu.
func (c *Cache) dropSoonest() {
	var victim string
	var soonest time.Time
	for k, rec := range c.records {
		if victim == "" || rec.expiresAt.Before(soonest) {
			victim = k
			soonest = rec.expiresAt
		}
	}
	if victim != "" {
		delete(c.records, victim)
	}
}
