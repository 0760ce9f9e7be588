package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/keyservice/internal/auth"
	"github.com/inaiurai/keyservice/internal/config"
	"github.com/inaiurai/keyservice/internal/identity"
	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/models"
	"github.com/inaiurai/keyservice/internal/repository"
)

type keyAdmin interface {
	SweepExpiredFreeKeys(ctx context.Context) (int64, error)
	RevokeKey(ctx context.Context, value string) (*models.Key, error)
	Status(ctx context.Context, accountID string) (*keys.AccountStatus, error)
}

type paymentLister interface {
	ListByAccountID(ctx context.Context, accountID string) ([]*models.Payment, error)
}

type tokenSigner interface {
	Sign(accountID, displayName string) (string, error)
}

type app struct {
	keys     keyAdmin
	payments paymentLister
	tokens   tokenSigner
	close    func()
}

// wireApp builds the app from the service's own environment. The pool
// connects lazily, so token works without a reachable database.
func wireApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create database pool: %w", err)
	}
	keySvc := keys.NewService(pool, repository.NewAccountRepo(pool), repository.NewKeyRepo(pool),
		identity.NewClient(cfg.Identity.LookupURL, cfg.Identity.Timeout),
		keys.NewHardwareHasher([]byte(cfg.HWIDSecret)))
	keySvc.Location = cfg.Location()

	return &app{
		keys:     keySvc,
		payments: repository.NewPaymentRepo(pool),
		tokens: auth.NewService(auth.Config{
			Secret:     []byte(cfg.Auth.JWTSecret),
			ServiceKey: cfg.Auth.ServiceKey,
			TTL:        cfg.Auth.TokenTTL,
		}),
		close: pool.Close,
	}, nil
}
