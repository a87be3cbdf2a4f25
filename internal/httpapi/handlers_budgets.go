package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/arbiterhq/arbiter/internal/budget"
	"github.com/arbiterhq/arbiter/internal/store"
)

// budgetError maps budget service errors onto HTTP statuses.
func budgetError(w http.ResponseWriter, err error) {
	var ve *budget.ValidationError
	if errors.As(err, &ve) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

func BudgetCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var b store.BudgetRecord
		if !decodeBody(w, r, &b) {
			return
		}
		created, err := d.Budget.Create(r.Context(), b)
		if err != nil {
			budgetError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	}
}

func BudgetListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			jsonError(w, "tenant required", http.StatusBadRequest)
			return
		}
		budgets, err := d.Budget.List(r.Context(), tenant)
		if err != nil {
			budgetError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, budgets)
	}
}

func BudgetGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := d.Budget.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			budgetError(w, err)
			return
		}
		if b == nil {
			jsonError(w, "budget not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, b)
	}
}

// BudgetUpdateBody is the PATCH body; absent fields stay unchanged.
type BudgetUpdateBody struct {
	Amount            *float64   `json:"amount,omitempty"`
	Period            *string    `json:"period,omitempty"`
	StartAt           *time.Time `json:"start_at,omitempty"`
	EndAt             *time.Time `json:"end_at,omitempty"`
	WarningThreshold  *float64   `json:"warning_threshold,omitempty"`
	CriticalThreshold *float64   `json:"critical_threshold,omitempty"`
	SendNotifications *bool      `json:"send_notifications,omitempty"`
	NotifyEmail       *string    `json:"notify_email,omitempty"`
}

func BudgetUpdateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BudgetUpdateBody
		if !decodeBody(w, r, &body) {
			return
		}
		req := budget.UpdateRequest{
			Amount:            body.Amount,
			StartAt:           body.StartAt,
			EndAt:             body.EndAt,
			WarningThreshold:  body.WarningThreshold,
			CriticalThreshold: body.CriticalThreshold,
			SendNotifications: body.SendNotifications,
			NotifyEmail:       body.NotifyEmail,
		}
		if body.Period != nil {
			p := budget.Period(*body.Period)
			req.Period = &p
		}
		updated, err := d.Budget.Update(r.Context(), chi.URLParam(r, "id"), req)
		if err != nil {
			budgetError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func BudgetDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Budget.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			budgetError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func BudgetResetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Budget.Reset(r.Context(), chi.URLParam(r, "id")); err != nil {
			budgetError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func BudgetRolloverHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, reason, err := d.Budget.CanRollover(r.Context(), id)
		if err != nil {
			budgetError(w, err)
			return
		}
		if !ok {
			jsonError(w, reason, http.StatusConflict)
			return
		}
		next, err := d.Budget.Rollover(r.Context(), id)
		if err != nil {
			budgetError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, next)
	}
}

func BudgetForecastHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := queryInt(r, "days", 30)
		fc, err := d.Budget.GetForecast(r.Context(), chi.URLParam(r, "id"), days)
		if err != nil {
			budgetError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, fc)
	}
}

// BudgetCheckBody is the JSON body for /v1/budgets/check.
type BudgetCheckBody struct {
	TenantID      string  `json:"tenant_id"`
	ProjectID     string  `json:"project_id,omitempty"`
	UserID        string  `json:"user_id,omitempty"`
	EstimatedCost float64 `json:"estimated_cost_usd"`
}

func BudgetCheckHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body BudgetCheckBody
		if !decodeBody(w, r, &body) {
			return
		}
		if body.TenantID == "" {
			jsonError(w, "tenant_id required", http.StatusBadRequest)
			return
		}
		result, details := d.Budget.CheckBudgetWithDetails(r.Context(), body.TenantID, body.ProjectID, body.UserID, body.EstimatedCost)
		writeJSON(w, http.StatusOK, map[string]any{
			"result":  result,
			"details": details,
		})
	}
}

func BudgetUsageHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tenant := q.Get("tenant")
		if tenant == "" {
			jsonError(w, "tenant required", http.StatusBadRequest)
			return
		}
		statuses, err := d.Budget.GetCurrentUsage(r.Context(), tenant, q.Get("project"), q.Get("user"))
		if err != nil {
			budgetError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
	}
}

func BudgetAnalysisHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			jsonError(w, "tenant required", http.StatusBadRequest)
			return
		}
		analysis, err := d.Budget.Analyze(r.Context(), tenant)
		if err != nil {
			budgetError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, analysis)
	}
}

func BudgetAlertsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant := r.URL.Query().Get("tenant")
		if tenant == "" {
			jsonError(w, "tenant required", http.StatusBadRequest)
			return
		}
		alerts, err := d.Budget.GetAlerts(r.Context(), tenant, queryInt(r, "limit", 50))
		if err != nil {
			budgetError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alerts)
	}
}

func BudgetAlertReadHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := d.Budget.MarkNotificationRead(r.Context(), chi.URLParam(r, "id")); err != nil {
			budgetError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
