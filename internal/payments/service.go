// Package payments creates provider invoices and reconciles confirmed
// payment notifications into exactly one paid key per invoice.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/keyservice/internal/jobs"
	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/metrics"
	"github.com/inaiurai/keyservice/internal/models"
	"github.com/inaiurai/keyservice/internal/pakasir"
	"github.com/inaiurai/keyservice/internal/services"
)

var (
	ErrUnknownTier      = errors.New("unknown price tier")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrMalformedEvent   = errors.New("malformed payment event")
)

// Outcome reports what HandleProviderEvent did with an event.
type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeGranted   Outcome = "granted"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeUnmatched Outcome = "unmatched"
)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Provider interface {
	CreateInvoice(ctx context.Context, in pakasir.InvoiceRequest) (*pakasir.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*pakasir.InvoiceStatus, error)
	CancelInvoice(ctx context.Context, invoiceID string) error
}

type AccountStore interface {
	Upsert(ctx context.Context, tx pgx.Tx, accountID, displayName string) (*models.Account, error)
}

type PaymentStore interface {
	InsertIfAbsentTx(ctx context.Context, tx pgx.Tx, p *models.Payment) (bool, error)
}

// KeyGranter is implemented by keys.Service.
type KeyGranter interface {
	CreatePaidKeyTx(ctx context.Context, tx pgx.Tx, accountID string) (*models.Key, error)
}

type EventValidator interface {
	Validate(name string, raw []byte) error
}

// DeferFunc durably schedules a confirmed event for a later retry. Provided by
// main as a closure over the River client.
type DeferFunc func(ctx context.Context, ev pakasir.Event) error

// Config is injected at construction.
type Config struct {
	// BaseURL is the public URL of this service, used for callback and return URLs.
	BaseURL string
	// ReturnURL is where the buyer lands after paying; empty means
	// BaseURL + "/payment/success".
	ReturnURL        string
	WebhookSecret    []byte
	RequireSignature bool
	ProviderTimeout  time.Duration
	InvoiceExpiry    time.Duration
	// RetryBackoff is the base delay between CheckInvoiceStatus attempts.
	RetryBackoff time.Duration
}

type Service struct {
	Pool      TxBeginner
	Accounts  AccountStore
	Payments  PaymentStore
	Keys      KeyGranter
	Provider  Provider
	Validator EventValidator
	Defer     DeferFunc
	Config    Config
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

func NewService(pool TxBeginner, accounts AccountStore, payments PaymentStore, granter KeyGranter, provider Provider, validator EventValidator, cfg Config) *Service {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.InvoiceExpiry <= 0 {
		cfg.InvoiceExpiry = time.Hour
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	return &Service{
		Pool:      pool,
		Accounts:  accounts,
		Payments:  payments,
		Keys:      granter,
		Provider:  provider,
		Validator: validator,
		Config:    cfg,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// PurchaseIntent is the invoice created for a purchase.
type PurchaseIntent struct {
	OrderID string
	Tier    Tier
	Invoice *pakasir.Invoice
}

// CreatePurchaseIntent creates the account if needed and requests an invoice
// for the tier priced at amount. No local payment state is written; the
// payment record appears only once the provider confirms.
func (s *Service) CreatePurchaseIntent(ctx context.Context, accountID, displayName string, amount int64) (*PurchaseIntent, error) {
	tier, ok := TierByAmount(amount)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTier, amount)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: begin: %v", keys.ErrStorage, err)
	}
	defer tx.Rollback(ctx)
	acc, err := s.Accounts.Upsert(ctx, tx, accountID, displayName)
	if err != nil {
		return nil, fmt.Errorf("%w: upsert account: %v", keys.ErrStorage, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", keys.ErrStorage, err)
	}

	name := acc.DisplayName
	if name == "" {
		name = accountID
	}
	orderID := BuildOrderID(accountID, s.now())
	base := strings.TrimRight(s.Config.BaseURL, "/")
	req := pakasir.InvoiceRequest{
		OrderID:       orderID,
		Amount:        tier.Amount,
		CustomerName:  name,
		CustomerEmail: accountID + "@discord.user",
		Description:   "Premium Key - " + name,
		CallbackURL:   base + "/webhook/pakasir",
		ReturnURL:     s.returnURL(base),
		ExpirySeconds: int(s.Config.InvoiceExpiry / time.Second),
	}

	cctx, cancel := context.WithTimeout(ctx, s.Config.ProviderTimeout)
	defer cancel()
	inv, err := s.Provider.CreateInvoice(cctx, req)
	if err != nil {
		s.Metrics.ProviderError("create_invoice")
		s.logger().Error("create invoice failed", "account_id", accountID, "order_id", orderID, "error", err)
		return nil, err
	}
	s.logger().Info("invoice created", "account_id", accountID, "order_id", orderID, "invoice_id", inv.InvoiceID, "amount", tier.Amount)
	return &PurchaseIntent{OrderID: orderID, Tier: tier, Invoice: inv}, nil
}

func (s *Service) returnURL(base string) string {
	if s.Config.ReturnURL != "" {
		return s.Config.ReturnURL
	}
	return base + "/payment/success"
}

// HandleProviderEvent authenticates and applies a raw webhook body. An error
// means the provider should get a non-2xx reply; every other case, including
// ignored statuses, duplicates and deferred events, is acknowledged.
func (s *Service) HandleProviderEvent(ctx context.Context, raw []byte, signature string) (Outcome, error) {
	if err := s.authenticate(raw, signature); err != nil {
		s.Metrics.WebhookEvent("rejected")
		return "", err
	}
	if err := s.Validator.Validate(services.SchemaPakasirWebhook, raw); err != nil {
		s.Metrics.WebhookEvent("rejected")
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	var ev pakasir.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		s.Metrics.WebhookEvent("rejected")
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	log := s.logger().With("invoice_id", ev.InvoiceID, "order_id", ev.OrderID, "status", ev.Status)
	if !pakasir.IsPaid(ev.Status) {
		log.Info("payment event ignored")
		s.Metrics.WebhookEvent(string(OutcomeIgnored))
		return OutcomeIgnored, nil
	}

	outcome, err := s.reconcile(ctx, ev)
	if errors.Is(err, ErrBadOrderID) {
		// No account can ever match; redelivery would not help.
		log.Error("payment event has unresolvable order id; acknowledged without grant", "error", err)
		outcome, err = OutcomeUnmatched, nil
	}
	if errors.Is(err, keys.ErrNotFound) && s.Defer != nil {
		if derr := s.Defer(ctx, ev); derr != nil {
			log.Error("defer payment failed", "error", derr)
			return "", derr
		}
		log.Warn("account not found, payment deferred for retry")
		outcome, err = OutcomeDeferred, nil
	}
	if err != nil {
		log.Error("payment reconcile failed", "error", err)
		return "", err
	}
	s.Metrics.WebhookEvent(string(outcome))
	return outcome, nil
}

func (s *Service) authenticate(raw []byte, signature string) error {
	switch {
	case signature == "" && s.Config.RequireSignature:
		return fmt.Errorf("%w: missing %s", ErrInvalidSignature, pakasir.SignatureHeader)
	case signature == "":
		s.logger().Warn("webhook has no signature; accepting unauthenticated event")
		return nil
	case len(s.Config.WebhookSecret) == 0 && s.Config.RequireSignature:
		return fmt.Errorf("%w: no webhook secret configured", ErrInvalidSignature)
	case len(s.Config.WebhookSecret) == 0:
		s.logger().Warn("webhook secret not configured; signature not verified")
		return nil
	case !pakasir.VerifySignature(s.Config.WebhookSecret, raw, signature):
		return ErrInvalidSignature
	}
	return nil
}

// ReconcileConfirmed applies a confirmed event from the retry queue. Events
// whose order id can never resolve are reported as jobs.ErrPermanent.
func (s *Service) ReconcileConfirmed(ctx context.Context, ev pakasir.Event) error {
	outcome, err := s.reconcile(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrBadOrderID) {
			return fmt.Errorf("%w: %w", jobs.ErrPermanent, err)
		}
		return err
	}
	s.Metrics.WebhookEvent(string(outcome))
	s.logger().Info("deferred payment reconciled", "invoice_id", ev.InvoiceID, "outcome", outcome)
	return nil
}

// reconcile grants a paid key and records the payment in one transaction.
// The account row lock serializes concurrent deliveries, and the unique
// provider invoice id turns every later delivery into a duplicate.
func (s *Service) reconcile(ctx context.Context, ev pakasir.Event) (Outcome, error) {
	accountID, err := ParseOrderID(ev.OrderID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: begin: %v", keys.ErrStorage, err)
	}
	defer tx.Rollback(ctx)

	key, err := s.Keys.CreatePaidKeyTx(ctx, tx, accountID)
	if err != nil {
		return "", err
	}
	paidAt := ev.PaidTime(s.now())
	inserted, err := s.Payments.InsertIfAbsentTx(ctx, tx, &models.Payment{
		ID:                uuid.New(),
		AccountID:         accountID,
		ProviderInvoiceID: ev.InvoiceID,
		OrderID:           ev.OrderID,
		Amount:            ev.Amount,
		Status:            models.PaymentStatusCompleted,
		PaidAt:            &paidAt,
	})
	if err != nil {
		return "", fmt.Errorf("%w: insert payment: %v", keys.ErrStorage, err)
	}
	if !inserted {
		s.logger().Info("duplicate payment event", "invoice_id", ev.InvoiceID, "account_id", accountID)
		return OutcomeDuplicate, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: commit: %v", keys.ErrStorage, err)
	}
	s.Metrics.KeyIssued(string(models.KeyKindPaid))
	s.logger().Info("payment reconciled", "invoice_id", ev.InvoiceID, "account_id", accountID, "key_id", key.ID)
	return OutcomeGranted, nil
}

// CheckInvoiceStatus reads the invoice from the provider. It is a pure read,
// so retryable provider failures are retried up to three times.
func (s *Service) CheckInvoiceStatus(ctx context.Context, invoiceID string) (*pakasir.InvoiceStatus, error) {
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i) * s.Config.RetryBackoff):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, s.Config.ProviderTimeout)
		st, err := s.Provider.GetInvoice(cctx, invoiceID)
		cancel()
		if err == nil {
			return st, nil
		}
		lastErr = err
		var pe *pakasir.ProviderError
		if !errors.As(err, &pe) || !pe.Retryable() {
			break
		}
	}
	s.Metrics.ProviderError("get_invoice")
	return nil, lastErr
}

func (s *Service) CancelInvoice(ctx context.Context, invoiceID string) error {
	cctx, cancel := context.WithTimeout(ctx, s.Config.ProviderTimeout)
	defer cancel()
	if err := s.Provider.CancelInvoice(cctx, invoiceID); err != nil {
		s.Metrics.ProviderError("cancel_invoice")
		return err
	}
	s.logger().Info("invoice cancelled", "invoice_id", invoiceID)
	return nil
}
