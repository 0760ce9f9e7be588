package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
)

// RawBody reads at most limit bytes of the request body, keeps the exact
// bytes in the context for signature checks, and replaces r.Body so
// downstream handlers can read it again.
func RawBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeError(w, http.StatusBadRequest, "could not read request body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			ctx := context.WithValue(r.Context(), ctxRawBodyKey, body)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RawBodyFromCtx returns the body captured by RawBody, or nil.
func RawBodyFromCtx(ctx context.Context) []byte {
	b, _ := ctx.Value(ctxRawBodyKey).([]byte)
	return b
}
