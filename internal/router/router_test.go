package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inaiurai/keyservice/internal/auth"
	"github.com/inaiurai/keyservice/internal/handlers"
	"github.com/inaiurai/keyservice/internal/identity"
	"github.com/inaiurai/keyservice/internal/keys"
	"github.com/inaiurai/keyservice/internal/metrics"
	"github.com/inaiurai/keyservice/internal/middleware"
	"github.com/inaiurai/keyservice/internal/pakasir"
	"github.com/inaiurai/keyservice/internal/payments"
	"github.com/inaiurai/keyservice/internal/services"
	"github.com/inaiurai/keyservice/internal/testutil"
)

type noVerifier struct{}

func (noVerifier) Verify(context.Context, string) (*identity.User, error) {
	return nil, identity.ErrUserNotFound
}

type noProvider struct{}

func (noProvider) CreateInvoice(context.Context, pakasir.InvoiceRequest) (*pakasir.Invoice, error) {
	return nil, &pakasir.ProviderError{Op: "create invoice", StatusCode: http.StatusServiceUnavailable}
}

func (noProvider) GetInvoice(context.Context, string) (*pakasir.InvoiceStatus, error) {
	return nil, &pakasir.ProviderError{Op: "get invoice", StatusCode: http.StatusNotFound}
}

func (noProvider) CancelInvoice(context.Context, string) error { return nil }

const serviceKey = "front-end-key"

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db := testutil.NewMemDB()
	v, err := services.NewValidator()
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	keySvc := keys.NewService(db, db.Accounts, db.Keys, noVerifier{}, keys.NewHardwareHasher([]byte("s")))
	keySvc.Logger = logger
	keySvc.Metrics = m
	paySvc := payments.NewService(db, db.Accounts, db.Payments, keySvc, noProvider{}, v, payments.Config{BaseURL: "http://localhost"})
	paySvc.Logger = logger
	paySvc.Metrics = m
	paySvc.Defer = func(context.Context, pakasir.Event) error { return nil }

	authSvc := auth.NewService(auth.Config{Secret: []byte("jwt-secret"), ServiceKey: serviceKey})
	h := New(Deps{
		Auth:     auth.NewHandler(authSvc, logger),
		Keys:     &handlers.KeyHandler{Keys: keySvc, Validator: v, Logger: logger},
		Commands: &handlers.CommandHandler{Keys: keySvc, Payments: paySvc, Logger: logger},
		Payments: &handlers.PaymentHandler{Payments: paySvc, Logger: logger},
		Tokens:   authSvc,
		Limiter:  middleware.NewRateLimiter(100, 100, logger),
		Metrics:  metrics.Handler(reg),
		Logger:   logger,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func issueToken(t *testing.T, srv *httptest.Server, accountID string) string {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/auth/token", strings.NewReader(`{"account_id":"`+accountID+`","display_name":"alice"}`))
	req.Header.Set(auth.ServiceKeyHeader, serviceKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out auth.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Token
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_Health(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = do(t, http.MethodGet, srv.URL+"/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_PaymentReturnPage(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/payment/success?order_id=PREMIUM_42_1", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "PREMIUM_42_1", body["order_id"])
	assert.Contains(t, body["message"], "Payment received")
}

func TestRouter_CommandsRequireToken(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/commands/free-key", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/commands/free-key", "forged", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/api/payment/INV-1/cancel", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_TokenRequiresServiceKey(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/auth/token", "", `{"account_id":"42"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRouter_FreeKeyThenValidate(t *testing.T) {
	srv := newServer(t)
	token := issueToken(t, srv, "42")

	resp := do(t, http.MethodPost, srv.URL+"/api/commands/free-key", token, "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var body struct {
		Data struct {
			Key string `json:"key"`
		} `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.Data.Key)

	resp = do(t, http.MethodPost, srv.URL+"/api/validate-key", "", `{"key":"`+body.Data.Key+`","hwid":"HW"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/user/42", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ := io.ReadAll(resp.Body)
	assert.NotContains(t, string(raw), body.Data.Key)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, _ = io.ReadAll(resp.Body)
	assert.Contains(t, string(raw), "keyservice_")
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/api/validate-key", "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRouter_WebhookAndProviderErrors(t *testing.T) {
	srv := newServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/webhook/pakasir", "", `{"order_id":"x","invoice_id":"i","amount":1,"status":"PENDING"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/webhook/pakasir", "", `not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodGet, srv.URL+"/api/payment/status/INV-404", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
