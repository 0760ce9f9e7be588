package models

import (
	"time"
)

// Account is the durable record for one end user. AccountID is the chat
// platform's user id and never changes.
type Account struct {
	AccountID        string    `json:"account_id"`
	DisplayName      string    `json:"display_name"`
	ExternalID       *int64    `json:"external_id,omitempty"`
	ExternalUsername *string   `json:"external_username,omitempty"`
	HardwareID       *string   `json:"-"` // keyed digest, never the raw fingerprint
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// HardwareBound reports whether a hardware fingerprint is bound to the account.
func (a *Account) HardwareBound() bool {
	return a.HardwareID != nil && *a.HardwareID != ""
}
