package keys

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/keyservice/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrExpired          = errors.New("key expired")
	ErrRevoked          = errors.New("key revoked or expired")
	ErrHardwareMismatch = errors.New("hardware id does not match the bound device")
	ErrHardwareIDTaken  = errors.New("hardware id is bound to another account")
	// ErrStorage wraps persistence failures. Callers should not echo the cause.
	ErrStorage = errors.New("internal storage error")
)

// AlreadyClaimedError is returned by CreateFreeKey when the account already
// holds an active free key created today.
type AlreadyClaimedError struct {
	Key            *models.Key
	RemainingHours int
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("free key already claimed today (%d hours remaining)", e.RemainingHours)
}

// VerificationError reports a failed external identity check.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	return "identity verification failed: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
