// Package pakasir is a client for the Pakasir invoice API and its webhook
// notifications.
package pakasir

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.pakasir.com"

// Invoice statuses reported by the provider.
const (
	StatusPending    = "PENDING"
	StatusPaid       = "PAID"
	StatusSettlement = "SETTLEMENT"
	StatusExpired    = "EXPIRED"
	StatusCancelled  = "CANCELLED"
)

// IsPaid reports whether status is a terminal-success value.
func IsPaid(status string) bool {
	return status == StatusPaid || status == StatusSettlement
}

// ProviderError describes a failed provider call. Timeout is set for
// deadline and network timeouts; StatusCode is set for non-2xx responses.
type ProviderError struct {
	Op         string
	StatusCode int
	Message    string
	Timeout    bool
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("pakasir %s: timeout", e.Op)
	case e.StatusCode != 0:
		return fmt.Sprintf("pakasir %s: status %d: %s", e.Op, e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("pakasir %s: %v", e.Op, e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether repeating an idempotent call may succeed.
func (e *ProviderError) Retryable() bool {
	return e.Timeout || e.StatusCode == 0 || e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// Config is injected at construction; the client never reads the environment.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// InvoiceRequest is the body of POST /v1/invoice.
type InvoiceRequest struct {
	OrderID       string `json:"order_id"`
	Amount        int64  `json:"amount"`
	CustomerName  string `json:"customer_name"`
	CustomerEmail string `json:"customer_email"`
	Description   string `json:"description"`
	CallbackURL   string `json:"callback_url"`
	ReturnURL     string `json:"return_url"`
	ExpirySeconds int    `json:"expiry_duration"`
}

type Invoice struct {
	InvoiceID  string `json:"invoice_id"`
	PaymentURL string `json:"payment_url"`
	OrderID    string `json:"order_id"`
	Amount     int64  `json:"amount"`
	ExpiryTime string `json:"expiry_time"`
}

type InvoiceStatus struct {
	InvoiceID    string `json:"invoice_id"`
	Status       string `json:"status"`
	OrderID      string `json:"order_id"`
	Amount       int64  `json:"amount"`
	PaidAt       string `json:"paid_at,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
}

type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    *T     `json:"data"`
}

func (c *Client) CreateInvoice(ctx context.Context, in InvoiceRequest) (*Invoice, error) {
	var out envelope[Invoice]
	if err := c.do(ctx, "create invoice", http.MethodPost, "/v1/invoice", in, &out); err != nil {
		return nil, err
	}
	if out.Data == nil || out.Data.InvoiceID == "" {
		return nil, &ProviderError{Op: "create invoice", Err: errors.New("response carried no invoice")}
	}
	return out.Data, nil
}

// invoicePath builds the provider path for one invoice. The id is a single
// escaped segment; dot segments never name an invoice.
func invoicePath(op, invoiceID, suffix string) (string, error) {
	switch strings.TrimSpace(invoiceID) {
	case "", ".", "..":
		return "", &ProviderError{Op: op, StatusCode: http.StatusNotFound, Message: "invoice not found"}
	}
	return "/v1/invoice/" + url.PathEscape(invoiceID) + suffix, nil
}

func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (*InvoiceStatus, error) {
	path, err := invoicePath("get invoice", invoiceID, "")
	if err != nil {
		return nil, err
	}
	var out envelope[InvoiceStatus]
	if err := c.do(ctx, "get invoice", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, &ProviderError{Op: "get invoice", StatusCode: http.StatusNotFound, Message: "invoice not found"}
	}
	return out.Data, nil
}

func (c *Client) CancelInvoice(ctx context.Context, invoiceID string) error {
	path, err := invoicePath("cancel invoice", invoiceID, "/cancel")
	if err != nil {
		return err
	}
	var out envelope[json.RawMessage]
	if err := c.do(ctx, "cancel invoice", http.MethodPost, path, struct{}{}, &out); err != nil {
		return err
	}
	if !out.Success {
		return &ProviderError{Op: "cancel invoice", Message: out.Message, Err: errors.New("provider refused cancellation")}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Timeout: isTimeout(err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ProviderError{Op: op, Timeout: isTimeout(err), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &msg)
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Message: msg.Message}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
