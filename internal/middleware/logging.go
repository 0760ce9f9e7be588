package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request and recovers panics as 500s.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic recovered", "request_id", requestID, "panic", rec, "stack", string(debug.Stack()))
					writeError(sw, http.StatusInternalServerError, "internal server error")
				}
				logger.InfoContext(r.Context(), "request",
					"request_id", requestID,
					"method", r.Method,
					"path", r.URL.Path,
					"status", sw.status,
					"duration", time.Since(start).String(),
				)
			}()
			next.ServeHTTP(sw, r)
		})
	}
}
