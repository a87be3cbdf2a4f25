package idempotency

import (
	"bytes"
	"net/http"
)

// Middleware replays cached responses for repeated Idempotency-Key headers.
// Keys are scoped by X-Tenant-ID so tenants cannot replay each other's
// responses. Requests without the header pass through untouched, and 5xx
// responses are never cached so a retry reaches the upstream again. Replays
// carry an Idempotency-Replay: true header.
func Middleware(cache *Cache) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.Header.Get("X-Tenant-ID") + "\x00" + key

			if resp, ok := cache.Get(key); ok {
				for k, v := range resp.Header {
					w.Header().Set(k, v)
				}
				w.Header().Set("Idempotency-Replay", "true")
				w.WriteHeader(resp.Status)
				_, _ = w.Write(resp.Body)
				return
			}

			rec := &responseRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
				status:         http.StatusOK,
			}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError {
				return
			}
			hdr := make(map[string]string, len(rec.Header()))
			for k, v := range rec.Header() {
				if len(v) > 0 {
					hdr[k] = v[0]
				}
			}
			cache.Put(key, Response{Status: rec.status, Header: hdr, Body: rec.body.Bytes()})
		})
	}
}

// responseRecorder tees the response so it can be cached while streaming to
// the client.
type responseRecorder struct {
	http.ResponseWriter
	body    *bytes.Buffer
	status  int
	written bool
}

func (r *responseRecorder) WriteHeader(code int) {
	if !r.written {
		r.status = code
		r.written = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
