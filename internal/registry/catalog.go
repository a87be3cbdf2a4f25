package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arbiterhq/arbiter/internal/clock"
	"github.com/arbiterhq/arbiter/internal/events"
)

// Store is the persistence surface the catalog reads through.
type Store interface {
	ListModels(ctx context.Context) ([]Model, error)
	GetModel(ctx context.Context, id string) (*Model, error)
	UpsertModel(ctx context.Context, m Model) error
	DeleteModel(ctx context.Context, id string) error

	ListProviders(ctx context.Context) ([]Provider, error)
	GetProvider(ctx context.Context, id string) (*Provider, error)
	UpsertProvider(ctx context.Context, p Provider) error
	DeleteProvider(ctx context.Context, id string) error
}

// Cache TTLs. The catalog is read-mostly; writes evict explicitly, so reads
// tolerate these staleness windows.
const (
	modelListTTL = 30 * time.Minute
	modelInfoTTL = 15 * time.Minute
)

type cachedModels struct {
	models    []Model
	expiresAt time.Time
}

type cachedModel struct {
	model     *Model
	expiresAt time.Time
}

type cachedProvider struct {
	provider  *Provider
	expiresAt time.Time
}

// Catalog serves models and providers with TTL caching on top of the store.
type Catalog struct {
	store Store
	clk   clock.Clock
	bus   *events.Bus

	mu        sync.RWMutex
	active    cachedModels
	models    map[string]cachedModel
	providers map[string]cachedProvider
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithEventBus publishes EventConfigChanged on catalog mutations.
func WithEventBus(bus *events.Bus) CatalogOption {
	return func(c *Catalog) {
		c.bus = bus
	}
}

// WithClock overrides the catalog's time source (tests).
func WithClock(clk clock.Clock) CatalogOption {
	return func(c *Catalog) {
		c.clk = clk
	}
}

// NewCatalog creates a catalog backed by store.
func NewCatalog(store Store, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		store:     store,
		clk:       clock.Real{},
		models:    make(map[string]cachedModel),
		providers: make(map[string]cachedProvider),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ActiveModels returns all models currently usable for arbitration: model
// active, provider enabled, deprecation date absent or in the future.
func (c *Catalog) ActiveModels(ctx context.Context) ([]Model, error) {
	now := c.clk.Now()

	c.mu.RLock()
	if c.active.models != nil && now.Before(c.active.expiresAt) {
		out := make([]Model, len(c.active.models))
		copy(out, c.active.models)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	models, err := c.store.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	providers, err := c.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	byID := make(map[string]*Provider, len(providers))
	for i := range providers {
		byID[providers[i].ID] = &providers[i]
	}

	usable := make([]Model, 0, len(models))
	for _, m := range models {
		if m.Usable(byID[m.ProviderID], now) {
			usable = append(usable, m)
		}
	}

	c.mu.Lock()
	c.active = cachedModels{models: usable, expiresAt: now.Add(modelListTTL)}
	// Refresh the provider cache with what we already fetched.
	for i := range providers {
		p := providers[i]
		c.providers[p.ID] = cachedProvider{provider: &p, expiresAt: now.Add(modelInfoTTL)}
	}
	c.mu.Unlock()

	out := make([]Model, len(usable))
	copy(out, usable)
	return out, nil
}

// Model returns a single model by id.
func (c *Catalog) Model(ctx context.Context, id string) (*Model, error) {
	now := c.clk.Now()

	c.mu.RLock()
	if cm, ok := c.models[id]; ok && now.Before(cm.expiresAt) {
		cp := *cm.model
		c.mu.RUnlock()
		return &cp, nil
	}
	c.mu.RUnlock()

	m, err := c.store.GetModel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get model %s: %w", id, err)
	}
	// Unknown ids are not cached; a model created moments later is visible
	// immediately.
	if m == nil {
		return nil, nil
	}

	c.mu.Lock()
	c.models[id] = cachedModel{model: m, expiresAt: now.Add(modelInfoTTL)}
	c.mu.Unlock()

	cp := *m
	return &cp, nil
}

// UsableModel returns the model when it exists and may receive traffic, nil
// otherwise. Usability requires the model active, its provider enabled, and
// the deprecation date absent or in the future.
func (c *Catalog) UsableModel(ctx context.Context, id string) (*Model, error) {
	m, err := c.Model(ctx, id)
	if err != nil || m == nil {
		return nil, err
	}
	p, err := c.Provider(ctx, m.ProviderID)
	if err != nil {
		return nil, err
	}
	if !m.Usable(p, c.clk.Now()) {
		return nil, nil
	}
	return m, nil
}

// Provider returns a single provider by id.
func (c *Catalog) Provider(ctx context.Context, id string) (*Provider, error) {
	now := c.clk.Now()

	c.mu.RLock()
	if cp, ok := c.providers[id]; ok && now.Before(cp.expiresAt) {
		out := *cp.provider
		c.mu.RUnlock()
		return &out, nil
	}
	c.mu.RUnlock()

	p, err := c.store.GetProvider(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", id, err)
	}
	if p == nil {
		return nil, nil
	}

	c.mu.Lock()
	c.providers[id] = cachedProvider{provider: p, expiresAt: now.Add(modelInfoTTL)}
	c.mu.Unlock()

	out := *p
	return &out, nil
}

// SaveModel upserts a model, evicts affected cache keys, and publishes a
// config-change event.
func (c *Catalog) SaveModel(ctx context.Context, m Model) error {
	if m.ID == "" || m.ProviderID == "" {
		return fmt.Errorf("model id and provider id are required")
	}
	if err := c.store.UpsertModel(ctx, m); err != nil {
		return fmt.Errorf("upsert model %s: %w", m.ID, err)
	}
	c.evictModel(m.ID)
	c.publishChange("model", m.ID)
	return nil
}

// DeleteModel removes a model and evicts affected cache keys.
func (c *Catalog) DeleteModel(ctx context.Context, id string) error {
	if err := c.store.DeleteModel(ctx, id); err != nil {
		return fmt.Errorf("delete model %s: %w", id, err)
	}
	c.evictModel(id)
	c.publishChange("model", id)
	return nil
}

// SaveProvider upserts a provider, evicts affected cache keys, and publishes
// a config-change event. Credential rotation goes through here: the caller
// updates CredentialRef and the change is logged downstream of the event.
func (c *Catalog) SaveProvider(ctx context.Context, p Provider) error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if err := c.store.UpsertProvider(ctx, p); err != nil {
		return fmt.Errorf("upsert provider %s: %w", p.ID, err)
	}
	c.evictProvider(p.ID)
	c.publishChange("provider", p.ID)
	return nil
}

// DeleteProvider removes a provider and evicts affected cache keys.
func (c *Catalog) DeleteProvider(ctx context.Context, id string) error {
	if err := c.store.DeleteProvider(ctx, id); err != nil {
		return fmt.Errorf("delete provider %s: %w", id, err)
	}
	c.evictProvider(id)
	c.publishChange("provider", id)
	return nil
}

// InvalidateAll drops every cached entry.
func (c *Catalog) InvalidateAll() {
	c.mu.Lock()
	c.active = cachedModels{}
	c.models = make(map[string]cachedModel)
	c.providers = make(map[string]cachedProvider)
	c.mu.Unlock()
}

func (c *Catalog) evictModel(id string) {
	c.mu.Lock()
	delete(c.models, id)
	c.active = cachedModels{}
	c.mu.Unlock()
}

func (c *Catalog) evictProvider(id string) {
	c.mu.Lock()
	delete(c.providers, id)
	// Provider changes affect model usability.
	c.active = cachedModels{}
	c.mu.Unlock()
}

func (c *Catalog) publishChange(kind, id string) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.Event{
		Type:   events.EventConfigChanged,
		Reason: kind + ":" + id,
	})
}
