// Package middleware provides HTTP middleware for the ops API.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/taskhive/internal/api/shared"
	"github.com/phrazzld/taskhive/internal/platform/logger"
)

// Trace stamps a trace ID onto the request context and attaches a
// trace-scoped logger so downstream handlers correlate their logs with the
// response the client saw.
func Trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		traceID := shared.GetTraceID(ctx)

		log := slog.With(slog.String("trace_id", traceID))
		ctx = logger.WithContext(ctx, log)

		log.Debug("request started",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
