package httpapi

import (
	"net/http"

	"github.com/arbiterhq/arbiter/internal/arbitration"
)

// SelectRequest is the JSON body for /v1/arbitrate.
type SelectRequest struct {
	Context arbitration.Context `json:"context"`
}

func SelectHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectRequest
		if !decodeBody(w, r, &req) {
			return
		}
		res, err := d.Engine.Select(r.Context(), req.Context)
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// BatchSelectRequest is the JSON body for /v1/arbitrate/batch.
type BatchSelectRequest struct {
	Contexts []arbitration.Context `json:"contexts"`
}

// batchSelectItem mirrors arbitration.BatchItem with a JSON-safe error.
type batchSelectItem struct {
	Result *arbitration.Result `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
	Kind   string              `json:"kind,omitempty"`
}

func BatchSelectHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchSelectRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Contexts) == 0 {
			jsonError(w, "contexts required", http.StatusBadRequest)
			return
		}
		items := d.Engine.BatchSelect(r.Context(), req.Contexts)
		out := make([]batchSelectItem, len(items))
		for i, it := range items {
			out[i].Result = it.Result
			if it.Err != nil {
				out[i].Error = it.Err.Error()
				out[i].Kind = arbitration.Classify(it.Err)
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// EstimateRequest is the JSON body for /v1/estimate.
type EstimateRequest struct {
	ModelID string              `json:"model_id"`
	Context arbitration.Context `json:"context"`
}

func EstimateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req EstimateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		est, err := d.Engine.EstimateCost(r.Context(), req.ModelID, req.Context)
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, est)
	}
}

func PredictHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectRequest
		if !decodeBody(w, r, &req) {
			return
		}
		pred, err := d.Engine.PredictPerformance(r.Context(), req.Context)
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pred)
	}
}

func ConfigurationHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Engine.GetConfiguration())
	}
}

func OptimizeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.URL.Query().Get("tenant")
		if tenantID == "" {
			jsonError(w, "tenant required", http.StatusBadRequest)
			return
		}
		suggestions, err := d.Engine.OptimizeRules(r.Context(), tenantID)
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
	}
}

func HealthStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := map[string]any{"providers": d.Engine.GetHealthStatus()}
		if d.Health != nil {
			out["stats"] = d.Health.AllStats()
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Stats == nil {
			jsonError(w, "stats disabled", http.StatusNotFound)
			return
		}
		if tenant := r.URL.Query().Get("tenant"); tenant != "" {
			writeJSON(w, http.StatusOK, d.Stats.SummaryForTenant(tenant))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models":    d.Stats.Summary(),
			"providers": d.Stats.SummaryByProvider(),
			"global":    d.Stats.Global(),
		})
	}
}
