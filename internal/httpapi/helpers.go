package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/internal/arbitration"
)

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>", "kind": "<taxonomy>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError maps a typed engine error onto an HTTP response. Rate-limit
// rejections carry a Retry-After hint.
func apiError(w http.ResponseWriter, err error) {
	var rl *arbitration.RateLimitExceededError
	if errors.As(err, &rl) && !rl.RetryAt.IsZero() {
		secs := int(time.Until(rl.RetryAt).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	kind := arbitration.Classify(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(kind))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "kind": kind})
}

func statusFor(kind string) int {
	switch kind {
	case "validation":
		return http.StatusBadRequest
	case "no_suitable_model":
		return http.StatusNotFound
	case "rate_limit_exceeded":
		return http.StatusTooManyRequests
	case "insufficient_budget":
		return http.StatusPaymentRequired
	case "compliance_violation":
		return http.StatusForbidden
	case "circuit_open":
		return http.StatusServiceUnavailable
	case "cancelled":
		return http.StatusRequestTimeout
	case "provider_error", "all_models_failed":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v, rejecting unknown junk
// politely with a 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

// queryInt parses an integer query parameter, falling back to def.
func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
