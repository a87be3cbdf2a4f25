package providers

import "context"

// requestIDKey is unexported so only this package can stash the value;
// callers go through WithRequestID/GetRequestID.
type requestIDKey struct{}

// WithRequestID stamps a context with the pipeline request ID so the shared
// HTTP layer can echo it in outbound headers and log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns the request ID carried by ctx, or "" when none is set.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
