// Package app loads configuration from the environment and assembles the
// engine, pipeline, budget service, and HTTP surface into a runnable server.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/circuitbreaker"
	"github.com/arbiterhq/arbiter/internal/compliance"
	"github.com/arbiterhq/arbiter/internal/email"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/execution"
	"github.com/arbiterhq/arbiter/internal/health"
	"github.com/arbiterhq/arbiter/internal/httpapi"
	"github.com/arbiterhq/arbiter/internal/idempotency"
	"github.com/arbiterhq/arbiter/internal/logging"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/providers"
	"github.com/arbiterhq/arbiter/internal/providers/anthropic"
	"github.com/arbiterhq/arbiter/internal/providers/mock"
	"github.com/arbiterhq/arbiter/internal/providers/openai"
	"github.com/arbiterhq/arbiter/internal/ratelimit"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/stats"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/temporal"
	"github.com/arbiterhq/arbiter/internal/tracing"
	"github.com/arbiterhq/arbiter/internal/tsdb"
	"github.com/arbiterhq/arbiter/internal/user"
	"github.com/arbiterhq/arbiter/internal/vault"
)

type Server struct {
	cfg    Config
	r      *chi.Mux
	logger *slog.Logger

	store    *store.SQLiteStore
	catalog  *registry.Catalog
	engine   *arbitration.Engine
	pipeline *execution.Pipeline
	budgets  *budget.Service
	circuits *circuitbreaker.Registry
	tracker  *health.Tracker
	prober   *health.Prober
	limiter  *ratelimit.Limiter
	vault    *vault.Vault
	bus      *events.Bus

	idem     *idempotency.Cache
	tsdb     *tsdb.Store
	recorder *tsdb.Recorder
	temporal *temporal.Manager

	tracingShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	tracingShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OTelEnabled,
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "arbiter",
	})
	if err != nil {
		return nil, err
	}

	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	bus := events.NewBus()
	m := metrics.New()
	catalog := registry.NewCatalog(db, registry.WithEventBus(bus))
	collector := stats.NewCollector()
	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))

	circuits := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(),
		circuitbreaker.WithRegistryOnEvent(circuitEventSink(db, bus, m, logger)))

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, time.Second,
		ratelimit.WithCounter(m.RateLimited))

	budgets := budget.NewService(db, budget.DefaultOptions(),
		budget.WithSender(email.NewLogSender(logger)),
		budget.WithEventBus(bus),
		budget.WithMetrics(m),
		budget.WithLogger(logger))

	engine := arbitration.New(catalog,
		arbitration.WithStats(collector),
		arbitration.WithHealth(tracker),
		arbitration.WithCompliance(compliance.NewStaticService()),
		arbitration.WithUserService(user.NewStaticService()),
		arbitration.WithLimiter(limiter),
		arbitration.WithBudget(budgets),
		arbitration.WithDecisionStore(db),
		arbitration.WithEventBus(bus),
		arbitration.WithMetrics(m),
		arbitration.WithLogger(logger))

	timeout := time.Duration(cfg.ProviderTimeoutSecs) * time.Second
	adapters, probeTargets := buildAdapters(timeout, logger)

	pipeOpts := []execution.Option{
		execution.WithCircuits(circuits),
		execution.WithLimiter(limiter),
		execution.WithBudget(budgets),
		execution.WithStats(collector),
		execution.WithHealth(tracker),
		execution.WithStore(db),
		execution.WithMetrics(m),
		execution.WithEventBus(bus),
		execution.WithLogger(logger),
	}
	for _, a := range adapters {
		pipeOpts = append(pipeOpts, execution.WithAdapter(a))
	}
	pipeline := execution.New(engine, catalog, pipeOpts...)

	prober := health.NewProber(health.DefaultProberConfig(), tracker, probeTargets, logger)
	prober.Start()

	v, err := vault.New(context.Background(), cfg.VaultEnabled, db)
	if err != nil {
		prober.Stop()
		circuits.Stop()
		limiter.Stop()
		_ = db.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    db,
		catalog:  catalog,
		engine:   engine,
		pipeline: pipeline,
		budgets:  budgets,
		circuits: circuits,
		tracker:  tracker,
		prober:   prober,
		limiter:  limiter,
		vault:    v,
		bus:      bus,

		idem:            idempotency.New(24*time.Hour, 10000),
		tracingShutdown: tracingShutdown,
	}

	if cfg.TSDBEnabled {
		ts, err := tsdb.New(db.DB())
		if err != nil {
			s.Close()
			return nil, err
		}
		ts.SetRetention(time.Duration(cfg.TSDBRetentionDays) * 24 * time.Hour)
		s.tsdb = ts
		s.recorder = tsdb.NewRecorder(ts, bus)
	}

	deps := httpapi.Dependencies{
		Engine:   engine,
		Pipeline: pipeline,
		Budget:   budgets,
		Catalog:  catalog,
		Vault:    v,
		Metrics:  m,
		Store:    db,
		Health:   tracker,
		Circuits: circuits,
		Stats:    collector,
		EventBus: bus,
		TSDB:     s.tsdb,
	}

	// Temporal is optional. A dial failure degrades to the direct pipeline
	// rather than blocking startup.
	if cfg.TemporalEnabled {
		acts := &temporal.Activities{
			Engine:   engine,
			Pipeline: pipeline,
			Catalog:  catalog,
			Store:    db,
			Budget:   budgets,
			Stats:    collector,
			Metrics:  m,
			Bus:      bus,
			Logger:   logger,
		}
		mgr, err := temporal.New(temporal.Config{
			HostPort:  cfg.TemporalHostPort,
			Namespace: cfg.TemporalNamespace,
			TaskQueue: cfg.TemporalTaskQueue,
		}, acts)
		if err != nil {
			logger.Warn("temporal unavailable, durable execution disabled", slog.String("error", err.Error()))
		} else if err := mgr.Start(); err != nil {
			logger.Warn("temporal worker failed to start", slog.String("error", err.Error()))
			mgr.Stop()
		} else {
			s.temporal = mgr
			deps.TemporalClient = mgr.Client()
			deps.TemporalTaskQueue = mgr.TaskQueue()
			logger.Info("temporal worker started",
				slog.String("host", cfg.TemporalHostPort),
				slog.String("task_queue", cfg.TemporalTaskQueue))
		}
	}

	s.r = buildRouter(cfg, logger, limiter, s.idem, deps)
	return s, nil
}

func buildRouter(cfg Config, logger *slog.Logger, limiter *ratelimit.Limiter, idem *idempotency.Cache, deps httpapi.Dependencies) *chi.Mux {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "Idempotency-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(tracing.Middleware())
	r.Use(limiter.Middleware)
	r.Use(idempotency.Middleware(idem))

	httpapi.MountRoutes(r, deps)
	return r
}

// circuitEventSink persists circuit transitions, mirrors them onto the event
// bus, and keeps the state gauge current.
func circuitEventSink(db *store.SQLiteStore, bus *events.Bus, m *metrics.Registry, logger *slog.Logger) func(circuitbreaker.Event) {
	return func(ev circuitbreaker.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := db.AddCircuitEvent(ctx, store.CircuitEventRecord{
			CircuitID: ev.CircuitID,
			EventType: string(ev.Type),
			FromState: ev.FromState,
			ToState:   ev.ToState,
			Details:   ev.Details,
			Timestamp: ev.Timestamp,
		}); err != nil {
			logger.Warn("persist circuit event", slog.String("circuit", ev.CircuitID), slog.String("error", err.Error()))
		}
		m.CircuitState.WithLabelValues(ev.CircuitID).Set(float64(ev.To))

		var typ events.EventType
		switch ev.Type {
		case circuitbreaker.EventOpened:
			typ = events.EventCircuitOpened
		case circuitbreaker.EventClosed:
			typ = events.EventCircuitClosed
		case circuitbreaker.EventHalfOpen:
			typ = events.EventCircuitHalfOpen
		case circuitbreaker.EventReset:
			typ = events.EventCircuitReset
		default:
			return
		}
		bus.Publish(events.Event{
			Type:      typ,
			CircuitID: ev.CircuitID,
			OldState:  ev.FromState,
			NewState:  ev.ToState,
			Reason:    ev.Details,
		})
	}
}

// buildAdapters registers provider adapters whose API keys are present in the
// environment. The mock provider is for local development and tests.
func buildAdapters(timeout time.Duration, logger *slog.Logger) ([]providers.Adapter, []health.Probeable) {
	httpClient := &http.Client{
		Timeout:   timeout,
		Transport: tracing.HTTPTransport(nil),
	}

	var adapters []providers.Adapter
	var targets []health.Probeable

	if key := os.Getenv("ARBITER_OPENAI_API_KEY"); key != "" {
		a := openai.New("openai", key, "https://api.openai.com", openai.WithHTTPClient(httpClient))
		adapters = append(adapters, a)
		targets = append(targets, a)
		logger.Info("registered provider", slog.String("provider", "openai"))
	}
	if key := os.Getenv("ARBITER_ANTHROPIC_API_KEY"); key != "" {
		a := anthropic.New("anthropic", key, "https://api.anthropic.com", anthropic.WithHTTPClient(httpClient))
		adapters = append(adapters, a)
		targets = append(targets, a)
		logger.Info("registered provider", slog.String("provider", "anthropic"))
	}
	if ids := os.Getenv("ARBITER_MOCK_PROVIDERS"); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			adapters = append(adapters, mock.New(id))
			logger.Info("registered provider", slog.String("provider", id), slog.Bool("mock", true))
		}
	}
	return adapters, targets
}

func (s *Server) Router() http.Handler { return s.r }

// Reload applies a new configuration to the running server. Only settings
// that can change without a restart take effect; the rest need a process
// restart.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

func (s *Server) Close() error {
	if s.temporal != nil {
		s.temporal.Stop()
	}
	if s.recorder != nil {
		s.recorder.Stop()
	}
	if s.prober != nil {
		s.prober.Stop()
	}
	if s.circuits != nil {
		s.circuits.Stop()
	}
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.idem != nil {
		s.idem.Stop()
	}
	if s.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.tracingShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
