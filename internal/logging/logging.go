// Package logging configures the process-wide slog logger. Output is JSON and
// every record passes through a redacting handler so credentials, auth headers,
// and tenant chat content stay out of the logs.
package logging

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// level is shared by every handler so SetLevel takes effect without
// rebuilding the logger.
var level = new(slog.LevelVar)

// Setup installs the default logger at the given level and returns it.
func Setup(lvl string) *slog.Logger {
	SetLevel(lvl)
	logger := slog.New(&RedactingHandler{
		base: slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}),
	})
	slog.SetDefault(logger)
	return logger
}

// SetLevel adjusts the global level at runtime. Unrecognized values fall back
// to info.
func SetLevel(lvl string) {
	switch lvl {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// exactRedactKeys are attribute keys replaced wholesale: auth headers plus
// tenant message content.
var exactRedactKeys = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"x-api-key":           {},
	"api-key":             {},
	"cookie":              {},
	"set-cookie":          {},
	"body":                {},
	"request_body":        {},
	"messages":            {},
	"prompt":              {},
}

// substringRedactKeys catch attributes whose key embeds a credential word,
// e.g. "openai_api_key" or "vault_password".
var substringRedactKeys = []string{"key", "token", "secret", "password", "credential"}

func redact(a slog.Attr) slog.Attr {
	k := strings.ToLower(a.Key)
	if _, ok := exactRedactKeys[k]; ok {
		return slog.String(a.Key, "[REDACTED]")
	}
	for _, frag := range substringRedactKeys {
		if strings.Contains(k, frag) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// RedactingHandler rewrites sensitive attributes before delegating to the
// wrapped handler.
type RedactingHandler struct {
	base slog.Handler
}

func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.base.Enabled(ctx, l)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redact(a))
		return true
	})
	return h.base.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		clean = append(clean, redact(a))
	}
	return &RedactingHandler{base: h.base.WithAttrs(clean)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

// RequestLogger emits one structured line per request with tenant and request
// correlation IDs. Bodies and auth headers are never logged.
func RequestLogger(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				reqID = middleware.GetReqID(r.Context())
			}

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", reqID),
				slog.String("tenant_id", r.Header.Get("X-Tenant-ID")),
				slog.String("user_id", r.Header.Get("X-User-ID")),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
