package router

import (
	"log/slog"
	"net/http"

	"github.com/inaiurai/keyservice/internal/auth"
	"github.com/inaiurai/keyservice/internal/handlers"
	"github.com/inaiurai/keyservice/internal/middleware"
)

// Body limits. Validation payloads are tiny; provider webhooks carry a
// handful of fields.
const (
	validateBodyLimit = 16 << 10
	webhookBodyLimit  = 64 << 10
)

// Deps bundles the handlers and middleware inputs the router wires together.
type Deps struct {
	Auth     *auth.Handler
	Keys     *handlers.KeyHandler
	Commands *handlers.CommandHandler
	Payments *handlers.PaymentHandler
	Tokens   middleware.TokenValidator
	Limiter  *middleware.RateLimiter // nil disables rate limiting
	Metrics  http.Handler            // nil leaves /metrics unrouted
	Logger   *slog.Logger
}

// New returns the service's http.Handler. Public routes are the health check,
// key validation, account info and the provider webhook; /api/commands/* and
// invoice cancellation require a bearer token.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()
	requireAuth := middleware.FrontendAuth(d.Tokens)
	limit := func(h http.Handler) http.Handler {
		if d.Limiter == nil {
			return h
		}
		return d.Limiter.Handler(h)
	}

	mux.HandleFunc("GET /{$}", handlers.Health)

	mux.Handle("POST /api/validate-key", limit(middleware.RawBody(validateBodyLimit)(http.HandlerFunc(d.Keys.ValidateKey))))
	mux.Handle("GET /api/user/{accountId}", limit(http.HandlerFunc(d.Keys.GetAccount)))

	mux.HandleFunc("POST /api/auth/token", d.Auth.IssueToken)

	mux.Handle("POST /api/commands/free-key", requireAuth(http.HandlerFunc(d.Commands.FreeKey)))
	mux.Handle("POST /api/commands/bind-identity", requireAuth(http.HandlerFunc(d.Commands.BindIdentity)))
	mux.Handle("POST /api/commands/bind-hwid", requireAuth(http.HandlerFunc(d.Commands.BindHardware)))
	mux.Handle("GET /api/commands/status", requireAuth(http.HandlerFunc(d.Commands.Status)))
	mux.Handle("POST /api/commands/purchase", requireAuth(http.HandlerFunc(d.Commands.Purchase)))

	mux.Handle("POST /webhook/pakasir", middleware.RawBody(webhookBodyLimit)(http.HandlerFunc(d.Payments.Webhook)))
	mux.HandleFunc("GET /api/payment/status/{invoiceId}", d.Payments.InvoiceStatus)
	mux.HandleFunc("GET /payment/success", handlers.PaymentReturn)
	mux.Handle("POST /api/payment/{invoiceId}/cancel", requireAuth(http.HandlerFunc(d.Payments.CancelInvoice)))

	if d.Metrics != nil {
		mux.Handle("GET /metrics", d.Metrics)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return middleware.RequestLogger(logger)(mux)
}
