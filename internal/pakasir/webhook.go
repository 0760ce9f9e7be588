package pakasir

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw webhook body.
const SignatureHeader = "X-Pakasir-Signature"

// Event is an inbound payment notification.
type Event struct {
	OrderID   string `json:"order_id"`
	InvoiceID string `json:"invoice_id"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	PaidAt    string `json:"paid_at,omitempty"`
}

// UnmarshalJSON accepts amounts written as whole-number floats (50000.0),
// which some provider payloads use, and rejects fractional ones.
func (e *Event) UnmarshalJSON(b []byte) error {
	type plain Event
	var aux struct {
		plain
		Amount json.Number `json:"amount"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*e = Event(aux.plain)
	if aux.Amount == "" {
		e.Amount = 0
		return nil
	}
	amount, err := parseAmount(string(aux.Amount))
	if err != nil {
		return err
	}
	e.Amount = amount
	return nil
}

func parseAmount(s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("amount %s is not a whole number", s)
	}
	return int64(f), nil
}

// PaidTime parses PaidAt, falling back to fallback when absent or unparseable.
func (e Event) PaidTime(fallback time.Time) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, e.PaidAt); err == nil {
			return t
		}
	}
	return fallback
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature with the expected MAC in constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
