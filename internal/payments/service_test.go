package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/keyservice/internal/jobs"
	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/models"
	"github.com/inaiurai/keyservice/internal/pakasir"
	"github.com/inaiurai/keyservice/internal/services"
	"github.com/inaiurai/keyservice/internal/testutil"
)

type fakeProvider struct {
	mu        sync.Mutex
	created   []pakasir.InvoiceRequest
	createErr error
	statusErr []error
	getCalls  int
	cancelled []string
}

func (f *fakeProvider) CreateInvoice(_ context.Context, in pakasir.InvoiceRequest) (*pakasir.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, in)
	return &pakasir.Invoice{InvoiceID: "INV-1", PaymentURL: "https://pay.example/INV-1", OrderID: in.OrderID, Amount: in.Amount}, nil
}

func (f *fakeProvider) GetInvoice(_ context.Context, invoiceID string) (*pakasir.InvoiceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if len(f.statusErr) > 0 {
		err := f.statusErr[0]
		f.statusErr = f.statusErr[1:]
		if err != nil {
			return nil, err
		}
	}
	return &pakasir.InvoiceStatus{InvoiceID: invoiceID, Status: pakasir.StatusPaid}, nil
}

func (f *fakeProvider) CancelInvoice(_ context.Context, invoiceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, invoiceID)
	return nil
}

type harness struct {
	svc      *Service
	db       *testutil.MemDB
	provider *fakeProvider
	deferred []pakasir.Event
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db := testutil.NewMemDB()
	v, err := services.NewValidator()
	require.NoError(t, err)
	keySvc := keys.NewService(db, db.Accounts, db.Keys, nil, keys.NewHardwareHasher(nil))
	h := &harness{db: db, provider: &fakeProvider{}}
	cfg.RetryBackoff = time.Millisecond
	h.svc = NewService(db, db.Accounts, db.Payments, keySvc, h.provider, v, cfg)
	h.svc.Now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	h.svc.Defer = func(_ context.Context, ev pakasir.Event) error {
		h.deferred = append(h.deferred, ev)
		return nil
	}
	return h
}

func paidEvent(accountID, invoiceID, status string) []byte {
	return []byte(fmt.Sprintf(`{"order_id":"PREMIUM_%s_1714557600000","invoice_id":%q,"amount":50000,"status":%q,"paid_at":"2024-05-01T10:00:00Z"}`, accountID, invoiceID, status))
}

// ---------------------------------------------------------------------------
// Order ids and tiers
// ---------------------------------------------------------------------------

func TestOrderIDRoundTrip(t *testing.T) {
	at := time.UnixMilli(1714557600000)
	for _, id := range []string{"123456789012345678", "user_with_underscores", "a"} {
		got, err := ParseOrderID(BuildOrderID(id, at))
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}
	assert.Equal(t, "PREMIUM_42_1714557600000", BuildOrderID("42", at))

	for _, bad := range []string{"", "PREMIUM_", "PREMIUM__1", "ORDER_42_1", "PREMIUM_42", "PREMIUM_42_abc"} {
		_, err := ParseOrderID(bad)
		assert.ErrorIs(t, err, ErrBadOrderID, bad)
	}
}

func TestPriceTiersGrantFlatDuration(t *testing.T) {
	require.Len(t, PriceTiers, 3)
	for _, tier := range PriceTiers {
		assert.Equal(t, models.PaidKeyDuration, tier.Duration, tier.Label)
	}
	_, ok := TierByAmount(75000)
	assert.False(t, ok)
}

// ---------------------------------------------------------------------------
// CreatePurchaseIntent
// ---------------------------------------------------------------------------

func TestCreatePurchaseIntent(t *testing.T) {
	h := newHarness(t, Config{BaseURL: "https://keys.example/"})
	ctx := context.Background()

	intent, err := h.svc.CreatePurchaseIntent(ctx, "42", "alice", 100000)
	require.NoError(t, err)
	assert.Equal(t, "3 Bulan", intent.Tier.Label)
	assert.Equal(t, "PREMIUM_42_1714557600000", intent.OrderID)
	assert.Equal(t, "INV-1", intent.Invoice.InvoiceID)

	require.Len(t, h.provider.created, 1)
	req := h.provider.created[0]
	assert.Equal(t, int64(100000), req.Amount)
	assert.Equal(t, "42@discord.user", req.CustomerEmail)
	assert.Equal(t, "Premium Key - alice", req.Description)
	assert.Equal(t, "https://keys.example/webhook/pakasir", req.CallbackURL)
	assert.Equal(t, "https://keys.example/payment/success", req.ReturnURL)
	assert.Equal(t, 3600, req.ExpirySeconds)

	_, err = h.db.Accounts.GetByID(ctx, "42")
	assert.NoError(t, err, "purchase creates the account")
}

func TestCreatePurchaseIntent_ConfiguredReturnURL(t *testing.T) {
	h := newHarness(t, Config{BaseURL: "https://keys.example", ReturnURL: "https://shop.example/thanks"})

	_, err := h.svc.CreatePurchaseIntent(context.Background(), "42", "alice", 100000)
	require.NoError(t, err)
	require.Len(t, h.provider.created, 1)
	assert.Equal(t, "https://shop.example/thanks", h.provider.created[0].ReturnURL)
	assert.Equal(t, "https://keys.example/webhook/pakasir", h.provider.created[0].CallbackURL)
}

func TestCreatePurchaseIntent_Errors(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.svc.CreatePurchaseIntent(ctx, "42", "alice", 12345)
	assert.ErrorIs(t, err, ErrUnknownTier)

	h.provider.createErr = &pakasir.ProviderError{Op: "create invoice", Timeout: true, Err: context.DeadlineExceeded}
	_, err = h.svc.CreatePurchaseIntent(ctx, "42", "alice", 50000)
	var pe *pakasir.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.True(t, pe.Timeout)
	assert.Empty(t, h.db.AllPayments())
}

// ---------------------------------------------------------------------------
// HandleProviderEvent
// ---------------------------------------------------------------------------

func TestHandleProviderEvent_GrantsOnce_Sequential(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.db.PutAccount(&models.Account{AccountID: "42"})

	outcome, err := h.svc.HandleProviderEvent(ctx, paidEvent("42", "INV-1", "PAID"), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, outcome)

	for i := 0; i < 4; i++ {
		outcome, err = h.svc.HandleProviderEvent(ctx, paidEvent("42", "INV-1", "SETTLEMENT"), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	}

	issued := h.db.AllKeys()
	require.Len(t, issued, 1)
	assert.Equal(t, models.KeyKindPaid, issued[0].Kind)

	pays := h.db.AllPayments()
	require.Len(t, pays, 1)
	assert.Equal(t, "INV-1", pays[0].ProviderInvoiceID)
	assert.Equal(t, models.PaymentStatusCompleted, pays[0].Status)
	assert.Equal(t, int64(50000), pays[0].Amount)
	assert.True(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC).Equal(*pays[0].PaidAt))
}

func TestHandleProviderEvent_GrantsOnce_Concurrent(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.db.PutAccount(&models.Account{AccountID: "42"})

	const k = 20
	outcomes := make([]Outcome, k)
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			o, err := h.svc.HandleProviderEvent(ctx, paidEvent("42", "INV-7", "PAID"), "")
			assert.NoError(t, err)
			outcomes[i] = o
		}(i)
	}
	wg.Wait()

	granted := 0
	for _, o := range outcomes {
		if o == OutcomeGranted {
			granted++
		}
	}
	assert.Equal(t, 1, granted)
	assert.Len(t, h.db.AllKeys(), 1)
	assert.Len(t, h.db.AllPayments(), 1)
}

func TestHandleProviderEvent_SeparateInvoicesGrantSeparateKeys(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.db.PutAccount(&models.Account{AccountID: "42"})

	for _, inv := range []string{"INV-1", "INV-2"} {
		outcome, err := h.svc.HandleProviderEvent(ctx, paidEvent("42", inv, "PAID"), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeGranted, outcome)
	}
	assert.Len(t, h.db.AllKeys(), 2)
}

func TestHandleProviderEvent_NonTerminalStatusesIgnored(t *testing.T) {
	h := newHarness(t, Config{})
	h.db.PutAccount(&models.Account{AccountID: "42"})

	for _, st := range []string{"PENDING", "EXPIRED", "CANCELLED", "paid"} {
		outcome, err := h.svc.HandleProviderEvent(context.Background(), paidEvent("42", "INV-"+st, st), "")
		require.NoError(t, err)
		assert.Equal(t, OutcomeIgnored, outcome, st)
	}
	assert.Empty(t, h.db.AllKeys())
	assert.Empty(t, h.db.AllPayments())
}

func TestHandleProviderEvent_UnknownAccountDeferred(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	outcome, err := h.svc.HandleProviderEvent(ctx, paidEvent("ghost", "INV-3", "PAID"), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeferred, outcome)
	require.Len(t, h.deferred, 1)
	assert.Equal(t, "INV-3", h.deferred[0].InvoiceID)
	assert.Empty(t, h.db.AllPayments())

	// Account shows up later; the queued retry grants the key.
	h.db.PutAccount(&models.Account{AccountID: "ghost"})
	require.NoError(t, h.svc.ReconcileConfirmed(ctx, h.deferred[0]))
	assert.Len(t, h.db.AllKeys(), 1)
	assert.Len(t, h.db.AllPayments(), 1)

	// A redelivery after the retry is a duplicate.
	outcome, err = h.svc.HandleProviderEvent(ctx, paidEvent("ghost", "INV-3", "PAID"), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestHandleProviderEvent_DeferFailureIsNotAcked(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Defer = func(context.Context, pakasir.Event) error { return errors.New("queue down") }

	_, err := h.svc.HandleProviderEvent(context.Background(), paidEvent("ghost", "INV-3", "PAID"), "")
	assert.ErrorContains(t, err, "queue down")
}

func TestHandleProviderEvent_Signatures(t *testing.T) {
	secret := []byte("whsec")
	body := paidEvent("42", "INV-1", "PENDING")

	h := newHarness(t, Config{WebhookSecret: secret})
	ctx := context.Background()

	_, err := h.svc.HandleProviderEvent(ctx, body, pakasir.Sign(secret, body))
	assert.NoError(t, err)

	_, err = h.svc.HandleProviderEvent(ctx, body, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = h.svc.HandleProviderEvent(ctx, body, "")
	assert.NoError(t, err, "unsigned events are accepted unless signatures are required")

	strict := newHarness(t, Config{WebhookSecret: secret, RequireSignature: true})
	_, err = strict.svc.HandleProviderEvent(ctx, body, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	_, err = strict.svc.HandleProviderEvent(ctx, body, pakasir.Sign(secret, body))
	assert.NoError(t, err)
}

func TestHandleProviderEvent_Malformed(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	for _, raw := range []string{
		`not json`,
		`{"invoice_id":"INV-1","amount":1,"status":"PAID"}`,
		`{"order_id":"PREMIUM_42_1","invoice_id":"INV-1","amount":1.5,"status":"PAID"}`,
	} {
		_, err := h.svc.HandleProviderEvent(ctx, []byte(raw), "")
		assert.ErrorIs(t, err, ErrMalformedEvent, raw)
	}
	assert.Empty(t, h.deferred)
}

func TestHandleProviderEvent_UnresolvableOrderIDIsAcked(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	for _, raw := range []string{
		`{"order_id":"ORDER-1","invoice_id":"INV-1","amount":50000,"status":"PAID"}`,
		`{"order_id":"PREMIUM_42","invoice_id":"INV-2","amount":50000,"status":"SETTLEMENT"}`,
	} {
		outcome, err := h.svc.HandleProviderEvent(ctx, []byte(raw), "")
		require.NoError(t, err, raw)
		assert.Equal(t, OutcomeUnmatched, outcome, raw)
	}
	assert.Empty(t, h.deferred, "unresolvable events are not queued for retry")
	assert.Empty(t, h.db.AllKeys())
	assert.Empty(t, h.db.AllPayments())
}

func TestHandleProviderEvent_WholeFloatAmount(t *testing.T) {
	h := newHarness(t, Config{})
	h.db.PutAccount(&models.Account{AccountID: "42"})

	outcome, err := h.svc.HandleProviderEvent(context.Background(),
		[]byte(`{"order_id":"PREMIUM_42_1714557600000","invoice_id":"INV-1","amount":50000.0,"status":"PAID"}`), "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeGranted, outcome)
	pays := h.db.AllPayments()
	require.Len(t, pays, 1)
	assert.Equal(t, int64(50000), pays[0].Amount)
}

func TestReconcileConfirmed_PermanentAndRetryable(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	err := h.svc.ReconcileConfirmed(ctx, pakasir.Event{OrderID: "garbage", InvoiceID: "INV-1", Status: "PAID"})
	assert.ErrorIs(t, err, jobs.ErrPermanent)

	err = h.svc.ReconcileConfirmed(ctx, pakasir.Event{OrderID: "PREMIUM_ghost_1", InvoiceID: "INV-1", Status: "PAID"})
	assert.ErrorIs(t, err, keys.ErrNotFound)
	assert.NotErrorIs(t, err, jobs.ErrPermanent)
}

// ---------------------------------------------------------------------------
// Provider pass-through
// ---------------------------------------------------------------------------

func TestCheckInvoiceStatus_RetriesTransientErrors(t *testing.T) {
	h := newHarness(t, Config{})
	h.provider.statusErr = []error{
		&pakasir.ProviderError{Op: "get invoice", StatusCode: http.StatusBadGateway},
		&pakasir.ProviderError{Op: "get invoice", Timeout: true},
	}

	st, err := h.svc.CheckInvoiceStatus(context.Background(), "INV-1")
	require.NoError(t, err)
	assert.Equal(t, pakasir.StatusPaid, st.Status)
	assert.Equal(t, 3, h.provider.getCalls)
}

func TestCheckInvoiceStatus_DoesNotRetryClientErrors(t *testing.T) {
	h := newHarness(t, Config{})
	h.provider.statusErr = []error{&pakasir.ProviderError{Op: "get invoice", StatusCode: http.StatusNotFound}}

	_, err := h.svc.CheckInvoiceStatus(context.Background(), "INV-404")
	require.Error(t, err)
	assert.Equal(t, 1, h.provider.getCalls)
}

func TestCancelInvoice(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.svc.CancelInvoice(context.Background(), "INV-1"))
	assert.Equal(t, []string{"INV-1"}, h.provider.cancelled)
}
