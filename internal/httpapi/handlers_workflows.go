package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.temporal.io/api/enums/v1"
	workflowpb "go.temporal.io/api/workflow/v1"
	"go.temporal.io/api/workflowservice/v1"
)

// workflowSummary flattens Temporal's execution info into the JSON shape the
// admin surface returns.
func workflowSummary(info *workflowpb.WorkflowExecutionInfo) map[string]any {
	out := map[string]any{
		"workflow_id": info.Execution.WorkflowId,
		"run_id":      info.Execution.RunId,
		"type":        info.Type.Name,
		"status":      info.Status.String(),
		"start_time":  info.StartTime.AsTime().Format(time.RFC3339),
	}
	if info.CloseTime != nil {
		out["close_time"] = info.CloseTime.AsTime().Format(time.RFC3339)
		out["duration_ms"] = info.CloseTime.AsTime().Sub(info.StartTime.AsTime()).Milliseconds()
	}
	return out
}

// WorkflowsListHandler lists durable executions via Temporal visibility.
// GET /admin/v1/workflows?limit=50&status=RUNNING
func WorkflowsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TemporalClient == nil {
			writeJSON(w, http.StatusOK, map[string]any{
				"workflows": []any{},
				"durable":   false,
			})
			return
		}

		limit := queryInt(r, "limit", 50)
		if limit < 1 || limit > 200 {
			limit = 50
		}

		query := ""
		if status := r.URL.Query().Get("status"); status != "" {
			query = "ExecutionStatus = '" + status + "'"
		}

		resp, err := d.TemporalClient.ListWorkflow(r.Context(), &workflowservice.ListWorkflowExecutionsRequest{
			PageSize: int32(limit),
			Query:    query,
		})
		if err != nil {
			jsonError(w, "temporal query error: "+err.Error(), http.StatusBadGateway)
			return
		}

		workflows := make([]map[string]any, 0, len(resp.Executions))
		for _, exec := range resp.Executions {
			workflows = append(workflows, workflowSummary(exec))
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"workflows": workflows,
			"durable":   true,
		})
	}
}

// WorkflowDescribeHandler returns the status of one durable execution.
// GET /admin/v1/workflows/{id}
func WorkflowDescribeHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TemporalClient == nil {
			jsonError(w, "durable execution disabled", http.StatusServiceUnavailable)
			return
		}

		workflowID := chi.URLParam(r, "id")
		if workflowID == "" {
			jsonError(w, "workflow id required", http.StatusBadRequest)
			return
		}

		desc, err := d.TemporalClient.DescribeWorkflowExecution(r.Context(), workflowID, "")
		if err != nil {
			jsonError(w, "describe error: "+err.Error(), http.StatusBadGateway)
			return
		}

		writeJSON(w, http.StatusOK, workflowSummary(desc.WorkflowExecutionInfo))
	}
}

// WorkflowHistoryHandler returns the event history of one durable execution.
// GET /admin/v1/workflows/{id}/history
func WorkflowHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.TemporalClient == nil {
			jsonError(w, "durable execution disabled", http.StatusServiceUnavailable)
			return
		}

		workflowID := chi.URLParam(r, "id")
		if workflowID == "" {
			jsonError(w, "workflow id required", http.StatusBadRequest)
			return
		}

		iter := d.TemporalClient.GetWorkflowHistory(r.Context(), workflowID, "",
			false, enums.HISTORY_EVENT_FILTER_TYPE_ALL_EVENT)

		var history []map[string]any
		for iter.HasNext() {
			event, err := iter.Next()
			if err != nil {
				jsonError(w, "history error: "+err.Error(), http.StatusBadGateway)
				return
			}
			history = append(history, map[string]any{
				"event_id":   event.EventId,
				"event_type": event.EventType.String(),
				"timestamp":  event.EventTime.AsTime().Format(time.RFC3339),
			})
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"workflow_id": workflowID,
			"events":      history,
		})
	}
}
