package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// KeyKind enumerates the kinds of access key.
type KeyKind string

const (
	KeyKindFree KeyKind = "free"
	KeyKindPaid KeyKind = "paid"
)

// Durations granted per kind. Every paid tier grants the same duration.
const (
	FreeKeyDuration = 24 * time.Hour
	PaidKeyDuration = 30 * 24 * time.Hour
)

// Duration returns how long a key of this kind stays valid after creation.
func (k KeyKind) Duration() time.Duration {
	if k == KeyKindPaid {
		return PaidKeyDuration
	}
	return FreeKeyDuration
}

type Key struct {
	ID        uuid.UUID  `json:"id"`
	AccountID string     `json:"account_id"`
	Value     string     `json:"-"`
	Kind      KeyKind    `json:"kind"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	IsActive  bool       `json:"is_active"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// ValidAt reports whether the key is usable at now. The active flag and the
// expiry timestamp are independent; both must hold.
func (k *Key) ValidAt(now time.Time) bool {
	return k.IsActive && !now.After(k.ExpiresAt)
}

// RemainingHours is ceil((ExpiresAt - now) / hour), floored at zero.
func (k *Key) RemainingHours(now time.Time) int {
	left := k.ExpiresAt.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours()))
}
