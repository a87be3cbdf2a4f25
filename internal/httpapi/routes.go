// Package httpapi exposes the arbitration engine, execution pipeline, and
// budget service over a chi router, plus the admin surface for the catalog,
// circuits, credential vault, and observability feeds.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/sdk/client"

	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/circuitbreaker"
	"github.com/arbiterhq/arbiter/internal/events"
	"github.com/arbiterhq/arbiter/internal/execution"
	"github.com/arbiterhq/arbiter/internal/health"
	"github.com/arbiterhq/arbiter/internal/metrics"
	"github.com/arbiterhq/arbiter/internal/registry"
	"github.com/arbiterhq/arbiter/internal/stats"
	"github.com/arbiterhq/arbiter/internal/store"
	"github.com/arbiterhq/arbiter/internal/tsdb"
	"github.com/arbiterhq/arbiter/internal/vault"
)

// temporalCircuitID guards the durable execution path. When the Temporal
// frontend misbehaves the breaker opens and requests fall back to the direct
// pipeline.
const temporalCircuitID = "Temporal:executor"

type Dependencies struct {
	Engine   *arbitration.Engine
	Pipeline *execution.Pipeline
	Budget   *budget.Service
	Catalog  *registry.Catalog
	Vault    *vault.Vault
	Metrics  *metrics.Registry
	Store    store.Store
	Health   *health.Tracker
	Circuits *circuitbreaker.Registry
	Stats    *stats.Collector
	EventBus *events.Bus
	TSDB     *tsdb.Store

	// Temporal workflow client (nil when Temporal is disabled).
	TemporalClient    client.Client
	TemporalTaskQueue string
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		models, err := d.Catalog.ActiveModels(req.Context())
		if err != nil || len(models) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"status": "unhealthy",
				"models": len(models),
			})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"models": len(models),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/arbitrate", SelectHandler(d))
		r.Post("/arbitrate/batch", BatchSelectHandler(d))
		r.Post("/execute", ExecuteHandler(d))
		r.Post("/execute/stream", ExecuteStreamHandler(d))
		r.Post("/execute/batch", ExecuteBatchHandler(d))
		r.Post("/estimate", EstimateHandler(d))
		r.Post("/predict", PredictHandler(d))

		r.Route("/budgets", func(r chi.Router) {
			r.Post("/", BudgetCreateHandler(d))
			r.Get("/", BudgetListHandler(d))
			r.Get("/{id}", BudgetGetHandler(d))
			r.Patch("/{id}", BudgetUpdateHandler(d))
			r.Delete("/{id}", BudgetDeleteHandler(d))
			r.Post("/{id}/reset", BudgetResetHandler(d))
			r.Post("/{id}/rollover", BudgetRolloverHandler(d))
			r.Get("/{id}/forecast", BudgetForecastHandler(d))
			r.Post("/check", BudgetCheckHandler(d))
			r.Get("/usage", BudgetUsageHandler(d))
			r.Get("/analysis", BudgetAnalysisHandler(d))
			r.Get("/alerts", BudgetAlertsHandler(d))
			r.Post("/alerts/{id}/read", BudgetAlertReadHandler(d))
		})
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Get("/configuration", ConfigurationHandler(d))
		r.Get("/optimize", OptimizeHandler(d))
		r.Get("/health", HealthStatusHandler(d))
		r.Get("/stats", StatsHandler(d))

		r.Post("/models", ModelsUpsertHandler(d))
		r.Get("/models", ModelsListHandler(d))
		r.Delete("/models/{id}", ModelsDeleteHandler(d))
		r.Post("/providers", ProvidersUpsertHandler(d))
		r.Get("/providers", ProvidersListHandler(d))
		r.Delete("/providers/{id}", ProvidersDeleteHandler(d))

		r.Get("/circuits", CircuitsListHandler(d))
		r.Post("/circuits/{id}/reset", CircuitResetHandler(d))
		r.Post("/circuits/reset", CircuitsResetAllHandler(d))
		r.Get("/circuits/{id}/events", CircuitEventsHandler(d))

		r.Get("/workflows", WorkflowsListHandler(d))
		r.Get("/workflows/{id}", WorkflowDescribeHandler(d))
		r.Get("/workflows/{id}/history", WorkflowHistoryHandler(d))

		r.Get("/decisions", DecisionsHandler(d))
		r.Get("/logs", ExecutionLogsHandler(d))
		r.Get("/config-changes", ConfigChangesHandler(d))

		r.Post("/vault/unlock", VaultUnlockHandler(d))
		r.Post("/vault/lock", VaultLockHandler(d))
		r.Post("/vault/rotate", VaultRotateHandler(d))
		r.Post("/vault/credentials", VaultSetHandler(d))
		r.Get("/vault/credentials", VaultKeysHandler(d))
		r.Delete("/vault/credentials/{key}", VaultDeleteHandler(d))

		if d.TSDB != nil {
			r.Get("/tsdb/query", TSDBQueryHandler(d.TSDB))
			r.Get("/tsdb/metrics", TSDBMetricsHandler(d.TSDB))
			r.Post("/tsdb/prune", TSDBPruneHandler(d.TSDB))
		}
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}
