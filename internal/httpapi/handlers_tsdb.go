package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/internal/tsdb"
)

// TSDBQueryHandler serves time-series queries. Start and end are RFC 3339;
// the window defaults to the last hour.
func TSDBQueryHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		metric := q.Get("metric")
		if metric == "" {
			jsonError(w, "metric required", http.StatusBadRequest)
			return
		}
		now := time.Now().UTC()
		params := tsdb.QueryParams{
			Metric:     metric,
			TenantID:   q.Get("tenant"),
			ModelID:    q.Get("model"),
			ProviderID: q.Get("provider"),
			Start:      now.Add(-time.Hour),
			End:        now,
		}
		if v := q.Get("start"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "invalid start", http.StatusBadRequest)
				return
			}
			params.Start = t
		}
		if v := q.Get("end"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				jsonError(w, "invalid end", http.StatusBadRequest)
				return
			}
			params.End = t
		}
		if v := q.Get("step_ms"); v != "" {
			step, err := strconv.ParseInt(v, 10, 64)
			if err != nil || step < 0 {
				jsonError(w, "invalid step_ms", http.StatusBadRequest)
				return
			}
			params.StepMs = step
		}

		series, err := ts.Query(r.Context(), params)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"series": series})
	}
}

func TSDBMetricsHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := ts.Metrics(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"metrics": names})
	}
}

func TSDBPruneHandler(ts *tsdb.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		removed, err := ts.Prune(r.Context())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
	}
}
