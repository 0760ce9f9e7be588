package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/inaiurai/keyservice/internal/middleware"
	"github.com/inaiurai/keyservice/internal/pakasir"
	"github.com/inaiurai/keyservice/internal/payments"
)

// PaymentEngine is the reconciliation surface used by the HTTP layer.
type PaymentEngine interface {
	HandleProviderEvent(ctx context.Context, raw []byte, signature string) (payments.Outcome, error)
	CheckInvoiceStatus(ctx context.Context, invoiceID string) (*pakasir.InvoiceStatus, error)
	CancelInvoice(ctx context.Context, invoiceID string) error
}

type PaymentHandler struct {
	Payments PaymentEngine
	Logger   *slog.Logger
}

// Webhook handles POST /webhook/pakasir. The raw body is verified before it
// is decoded.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	raw := middleware.RawBodyFromCtx(r.Context())
	if raw == nil {
		b, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
		if err != nil {
			writeFail(w, http.StatusBadRequest, "could not read request body")
			return
		}
		raw = b
	}
	outcome, err := h.Payments.HandleProviderEvent(r.Context(), raw, r.Header.Get(pakasir.SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrInvalidSignature):
			h.Logger.Warn("webhook rejected", "error", err)
			writeFail(w, http.StatusBadRequest, "Invalid signature")
		case errors.Is(err, payments.ErrMalformedEvent):
			h.Logger.Warn("webhook rejected", "error", err)
			writeFail(w, http.StatusBadRequest, "Malformed event")
		default:
			h.Logger.Error("webhook failed", "error", err)
			writeFail(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}
	writeOK(w, http.StatusOK, "Webhook received", map[string]string{"outcome": string(outcome)})
}

type invoiceStatusResponse struct {
	InvoiceID string `json:"invoice_id"`
	Status    string `json:"status"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	PaidAt    string `json:"paid_at,omitempty"`
}

// InvoiceStatus handles GET /api/payment/status/{invoiceId}.
func (h *PaymentHandler) InvoiceStatus(w http.ResponseWriter, r *http.Request) {
	invoiceID := r.PathValue("invoiceId")
	st, err := h.Payments.CheckInvoiceStatus(r.Context(), invoiceID)
	if err != nil {
		status, msg := paymentErrorResponse(err)
		h.Logger.Error("invoice status", "invoice_id", invoiceID, "error", err)
		writeFail(w, status, msg)
		return
	}
	writeOK(w, http.StatusOK, "", invoiceStatusResponse{
		InvoiceID: st.InvoiceID,
		Status:    st.Status,
		OrderID:   st.OrderID,
		Amount:    st.Amount,
		PaidAt:    st.PaidAt,
	})
}

// CancelInvoice handles POST /api/payment/{invoiceId}/cancel.
func (h *PaymentHandler) CancelInvoice(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		writeFail(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	invoiceID := r.PathValue("invoiceId")
	st, err := h.Payments.CheckInvoiceStatus(r.Context(), invoiceID)
	if err != nil {
		status, msg := paymentErrorResponse(err)
		h.Logger.Error("cancel invoice lookup", "invoice_id", invoiceID, "error", err)
		writeFail(w, status, msg)
		return
	}
	// Only the purchasing account may cancel; others see the invoice as absent.
	if owner, err := payments.ParseOrderID(st.OrderID); err != nil || owner != p.AccountID {
		writeFail(w, http.StatusNotFound, "Invoice not found")
		return
	}
	if err := h.Payments.CancelInvoice(r.Context(), invoiceID); err != nil {
		status, msg := paymentErrorResponse(err)
		h.Logger.Error("cancel invoice", "invoice_id", invoiceID, "error", err)
		writeFail(w, status, msg)
		return
	}
	writeOK(w, http.StatusOK, "Invoice cancelled", nil)
}
