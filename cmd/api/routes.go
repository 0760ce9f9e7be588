package main

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"

	"github.com/inaiurai/keyservice/internal/auth"
	"github.com/inaiurai/keyservice/internal/config"
	"github.com/inaiurai/keyservice/internal/handlers"
	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/metrics"
	"github.com/inaiurai/keyservice/internal/middleware"
	"github.com/inaiurai/keyservice/internal/payments"
	"github.com/inaiurai/keyservice/internal/router"
	"github.com/inaiurai/keyservice/internal/services"
)

// newHTTPHandler assembles the handlers, the router and CORS.
func newHTTPHandler(
	cfg *config.Config,
	logger *slog.Logger,
	keySvc *keys.Service,
	paySvc *payments.Service,
	validator *services.Validator,
	reg *prometheus.Registry,
) http.Handler {
	authSvc := auth.NewService(auth.Config{
		Secret:     []byte(cfg.Auth.JWTSecret),
		ServiceKey: cfg.Auth.ServiceKey,
		TTL:        cfg.Auth.TokenTTL,
	})

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, logger)
	}

	mux := router.New(router.Deps{
		Auth:     auth.NewHandler(authSvc, logger),
		Keys:     &handlers.KeyHandler{Keys: keySvc, Validator: validator, Logger: logger},
		Commands: &handlers.CommandHandler{Keys: keySvc, Payments: paySvc, Logger: logger},
		Payments: &handlers.PaymentHandler{Payments: paySvc, Logger: logger},
		Tokens:   authSvc,
		Limiter:  limiter,
		Metrics:  metrics.Handler(reg),
		Logger:   logger,
	})

	return cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.ServiceKeyHeader},
		AllowCredentials: true,
	}).Handler(mux)
}
