package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment status enums.
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusCancelled = "cancelled"
)

// Payment is an append-only audit record of a confirmed provider invoice.
// ProviderInvoiceID is unique across all accounts.
type Payment struct {
	ID                uuid.UUID  `json:"id"`
	AccountID         string     `json:"account_id"`
	ProviderInvoiceID string     `json:"provider_invoice_id"`
	OrderID           string     `json:"order_id"`
	Amount            int64      `json:"amount"`
	Status            string     `json:"status"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}
