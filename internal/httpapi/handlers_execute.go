package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.temporal.io/sdk/client"

	"github.com/arbiterhq/arbiter/internal/arbitration"
	"github.com/arbiterhq/arbiter/internal/execution"
	"github.com/arbiterhq/arbiter/internal/providers"
	temporalpkg "github.com/arbiterhq/arbiter/internal/temporal"
)

// ExecuteRequest is the JSON body for the execute endpoints.
type ExecuteRequest struct {
	Request providers.ChatRequest `json:"request"`
	Context arbitration.Context   `json:"context"`
}

// ExecuteResponse is the JSON body returned by /v1/execute. Both the direct
// pipeline and the durable workflow paths produce this shape.
type ExecuteResponse struct {
	DecisionID   string  `json:"decision_id,omitempty"`
	RequestID    string  `json:"request_id"`
	ModelID      string  `json:"model_id"`
	ProviderID   string  `json:"provider_id"`
	Content      string  `json:"content"`
	FinishReason string  `json:"finish_reason,omitempty"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    float64 `json:"latency_ms"`
	Attempts     int     `json:"attempts"`
	FallbackUsed bool    `json:"fallback_used,omitempty"`
	Durable      bool    `json:"durable,omitempty"`
}

func ExecuteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Request.RequestID == "" {
			if rid := middleware.GetReqID(r.Context()); rid != "" {
				req.Request.RequestID = rid
			} else {
				req.Request.RequestID = uuid.NewString()
			}
		}

		// Durable path when Temporal is configured and its breaker allows.
		if d.TemporalClient != nil && d.Circuits != nil && d.Circuits.Allow(temporalCircuitID) {
			if out, handled := d.executeDurable(w, r, req); handled {
				if out != nil {
					writeJSON(w, http.StatusOK, out)
				}
				return
			}
			// Temporal unavailable; the direct pipeline serves the request.
		}

		resp, err := d.Pipeline.Execute(r.Context(), req.Request, req.Context)
		if err != nil {
			apiError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ExecuteResponse{
			DecisionID:   resp.DecisionID,
			RequestID:    resp.RequestID,
			ModelID:      resp.ModelID,
			ProviderID:   resp.ProviderID,
			Content:      resp.Content,
			FinishReason: resp.FinishReason,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			CostUSD:      resp.CostUSD,
			LatencyMs:    resp.LatencyMs,
			Attempts:     resp.Attempts,
			FallbackUsed: resp.FallbackUsed,
		})
	}
}

// executeDurable runs the request through the Temporal workflow. The second
// return is false when Temporal infrastructure failed and the caller should
// fall back to the direct pipeline; a business failure from the workflow is
// written to the client here.
func (d Dependencies) executeDurable(w http.ResponseWriter, r *http.Request, req ExecuteRequest) (*ExecuteResponse, bool) {
	input := temporalpkg.ExecuteInput{
		RequestID: req.Request.RequestID,
		Request:   req.Request,
		Context:   req.Context,
	}
	run, err := d.TemporalClient.ExecuteWorkflow(r.Context(), client.StartWorkflowOptions{
		ID:        fmt.Sprintf("execute-%s", input.RequestID),
		TaskQueue: d.TemporalTaskQueue,
	}, temporalpkg.ExecuteWorkflow, input)
	if err != nil {
		d.Circuits.RecordFailure(temporalCircuitID, err.Error())
		return nil, false
	}

	var out temporalpkg.ExecuteOutput
	if err := run.Get(r.Context(), &out); err != nil {
		// The workflow itself ran; a failed execution is a business outcome,
		// not a Temporal infrastructure failure.
		d.Circuits.RecordSuccess(temporalCircuitID)
		jsonError(w, err.Error(), http.StatusBadGateway)
		return nil, true
	}
	d.Circuits.RecordSuccess(temporalCircuitID)
	return &ExecuteResponse{
		DecisionID:   out.DecisionID,
		RequestID:    input.RequestID,
		ModelID:      out.ModelID,
		ProviderID:   out.ProviderID,
		Content:      out.Content,
		FinishReason: out.FinishReason,
		InputTokens:  out.InputTokens,
		OutputTokens: out.OutputTokens,
		CostUSD:      out.CostUSD,
		LatencyMs:    out.LatencyMs,
		Attempts:     out.Attempts,
		FallbackUsed: out.FallbackUsed,
		Durable:      true,
	}, true
}

// ExecuteStreamHandler opens a streaming execution and forwards chunks as
// server-sent events, ending with a "done" event carrying the completion
// accounting.
func ExecuteStreamHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExecuteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			jsonError(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		stream, err := d.Pipeline.ExecuteStream(r.Context(), req.Request, req.Context)
		if err != nil {
			apiError(w, err)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Model-ID", stream.ModelID)
		w.Header().Set("X-Request-ID", stream.RequestID)
		w.WriteHeader(http.StatusOK)

		for chunk := range stream.Chunks {
			writeSSE(w, "chunk", chunk)
			flusher.Flush()
		}
		comp := <-stream.Done
		payload := map[string]any{
			"success":       comp.Success,
			"input_tokens":  comp.InputTokens,
			"output_tokens": comp.OutputTokens,
			"cost_usd":      comp.CostUSD,
			"duration_ms":   comp.Duration.Milliseconds(),
		}
		if comp.Err != nil {
			payload["error"] = comp.Err.Error()
		}
		writeSSE(w, "done", payload)
		flusher.Flush()
	}
}

// BatchExecuteRequest is the JSON body for /v1/execute/batch.
type BatchExecuteRequest struct {
	Requests []ExecuteRequest `json:"requests"`
}

type batchExecuteItem struct {
	Response *ExecuteResponse `json:"response,omitempty"`
	Error    string           `json:"error,omitempty"`
	Kind     string           `json:"kind,omitempty"`
}

func ExecuteBatchHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BatchExecuteRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if len(req.Requests) == 0 {
			jsonError(w, "requests required", http.StatusBadRequest)
			return
		}
		batch := make([]execution.BatchRequest, len(req.Requests))
		for i, br := range req.Requests {
			batch[i] = execution.BatchRequest{Request: br.Request, Context: br.Context}
		}
		results := d.Pipeline.ExecuteBatch(r.Context(), batch)
		out := make([]batchExecuteItem, len(results))
		for i, res := range results {
			if res.Err != nil {
				out[i].Error = res.Err.Error()
				out[i].Kind = arbitration.Classify(res.Err)
				continue
			}
			out[i].Response = &ExecuteResponse{
				DecisionID:   res.Response.DecisionID,
				RequestID:    res.Response.RequestID,
				ModelID:      res.Response.ModelID,
				ProviderID:   res.Response.ProviderID,
				Content:      res.Response.Content,
				FinishReason: res.Response.FinishReason,
				InputTokens:  res.Response.Usage.InputTokens,
				OutputTokens: res.Response.Usage.OutputTokens,
				CostUSD:      res.Response.CostUSD,
				LatencyMs:    res.Response.LatencyMs,
				Attempts:     res.Response.Attempts,
				FallbackUsed: res.Response.FallbackUsed,
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}
