package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/inaiurai/keyservice/internal/auth"
)

type contextKey string

const (
	ctxPrincipalKey contextKey = "principal"
	ctxRawBodyKey   contextKey = "raw_body"
)

// TokenValidator is the subset of auth.Service used by FrontendAuth.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (*auth.Principal, error)
}

// FrontendAuth authenticates command requests from the chat front end by
// validating the Bearer token and storing the principal in the context.
func FrontendAuth(tokens TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			p, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// PrincipalFromCtx returns the authenticated principal or nil.
func PrincipalFromCtx(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*auth.Principal)
	return p
}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"message":"` + msg + `"}`))
}
