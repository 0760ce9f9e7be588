// Package keys implements the key lifecycle: issuing free and paid keys,
// validating them with first-use hardware binding, binding identities and
// sweeping lapsed free keys.
package keys

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/inaiurai/keyservice/internal/identity"
	"github.com/inaiurai/keyservice/internal/metrics"
	"github.com/inaiurai/keyservice/internal/models"
)

// keyEntropyBytes is 160 bits of entropy per key value.
const keyEntropyBytes = 20

var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the account repository surface used by the engine.
type AccountStore interface {
	Upsert(ctx context.Context, tx pgx.Tx, accountID, displayName string) (*models.Account, error)
	GetByID(ctx context.Context, accountID string) (*models.Account, error)
	GetByIDForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (*models.Account, error)
	FindByHardwareID(ctx context.Context, digest string) (*models.Account, error)
	SetHardwareID(ctx context.Context, tx pgx.Tx, accountID, digest string) error
	BindHardwareIfUnset(ctx context.Context, tx pgx.Tx, accountID, digest string) (bool, error)
	SetExternalIdentity(ctx context.Context, tx pgx.Tx, accountID, username string, externalID int64) error
}

// KeyStore is the key repository surface used by the engine.
type KeyStore interface {
	CreateTx(ctx context.Context, tx pgx.Tx, k *models.Key) error
	FindActiveFreeSinceTx(ctx context.Context, tx pgx.Tx, accountID string, since time.Time) (*models.Key, error)
	ListByAccountID(ctx context.Context, accountID string) ([]*models.Key, error)
	GetByValue(ctx context.Context, value string) (*models.Key, error)
	MarkUsedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error
	Revoke(ctx context.Context, value string) (*models.Key, error)
	DeactivateExpiredFree(ctx context.Context, now time.Time) (int64, error)
}

type IdentityVerifier interface {
	Verify(ctx context.Context, username string) (*identity.User, error)
}

// Service is the key lifecycle engine. Location decides where "today" starts
// for the one-free-key-per-day rule; nil means UTC.
type Service struct {
	Pool     TxBeginner
	Accounts AccountStore
	Keys     KeyStore
	Identity IdentityVerifier
	Hasher   *HardwareHasher
	Location *time.Location
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

func NewService(pool TxBeginner, accounts AccountStore, keys KeyStore, verifier IdentityVerifier, hasher *HardwareHasher) *Service {
	if hasher == nil {
		hasher = unkeyedHasher
	}
	return &Service{Pool: pool, Accounts: accounts, Keys: keys, Identity: verifier, Hasher: hasher}
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

// hasher never writes to s; a Service built without NewService may be
// shared across goroutines.
func (s *Service) hasher() *HardwareHasher {
	if s.Hasher != nil {
		return s.Hasher
	}
	return unkeyedHasher
}

var unkeyedHasher = NewHardwareHasher(nil)

func (s *Service) startOfDay(now time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := now.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func newKeyValue(kind models.KeyKind) (string, error) {
	buf := make([]byte, keyEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	prefix := "FREE-"
	if kind == models.KeyKindPaid {
		prefix = "PREM-"
	}
	return prefix + keyEncoding.EncodeToString(buf), nil
}

func newKey(accountID string, kind models.KeyKind, now time.Time) (*models.Key, error) {
	value, err := newKeyValue(kind)
	if err != nil {
		return nil, err
	}
	return &models.Key{
		ID:        uuid.New(),
		AccountID: accountID,
		Value:     value,
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(kind.Duration()),
		IsActive:  true,
	}, nil
}

// CreateFreeKey issues the account's free key for today. The account row is
// locked for the whole check-then-insert, so concurrent claims serialize and
// at most one succeeds.
func (s *Service) CreateFreeKey(ctx context.Context, accountID, displayName string) (*models.Key, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.Accounts.Upsert(ctx, tx, accountID, displayName); err != nil {
		return nil, storageErr("upsert account", err)
	}
	if _, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID); err != nil {
		return nil, storageErr("lock account", err)
	}

	now := s.now()
	existing, err := s.Keys.FindActiveFreeSinceTx(ctx, tx, accountID, s.startOfDay(now))
	switch {
	case err == nil:
		return nil, &AlreadyClaimedError{Key: existing, RemainingHours: existing.RemainingHours(now)}
	case !isNoRows(err):
		return nil, storageErr("find free key", err)
	}

	key, err := newKey(accountID, models.KeyKindFree, now)
	if err != nil {
		return nil, err
	}
	if err := s.Keys.CreateTx(ctx, tx, key); err != nil {
		return nil, storageErr("create key", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("commit", err)
	}

	s.Metrics.KeyIssued(string(models.KeyKindFree))
	s.logger().Info("free key issued", "account_id", accountID, "key_id", key.ID, "expires_at", key.ExpiresAt)
	return key, nil
}

// CreatePaidKey appends a new paid key unconditionally. The account is
// created if it does not exist yet.
func (s *Service) CreatePaidKey(ctx context.Context, accountID string) (*models.Key, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.Accounts.Upsert(ctx, tx, accountID, ""); err != nil {
		return nil, storageErr("upsert account", err)
	}
	key, err := s.CreatePaidKeyTx(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("commit", err)
	}
	s.Metrics.KeyIssued(string(models.KeyKindPaid))
	return key, nil
}

// CreatePaidKeyTx issues a paid key inside the caller's transaction. It
// returns ErrNotFound when the account does not exist; the caller commits.
func (s *Service) CreatePaidKeyTx(ctx context.Context, tx pgx.Tx, accountID string) (*models.Key, error) {
	if _, err := s.Accounts.GetByIDForUpdate(ctx, tx, accountID); err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("lock account", err)
	}
	key, err := newKey(accountID, models.KeyKindPaid, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.Keys.CreateTx(ctx, tx, key); err != nil {
		return nil, storageErr("create key", err)
	}
	s.logger().Info("paid key issued", "account_id", accountID, "key_id", key.ID, "expires_at", key.ExpiresAt)
	return key, nil
}

// Validation is a successful ValidateKey result.
type Validation struct {
	Key     *models.Key
	Account *models.Account
}

// ValidateKey checks a key and, when hwid is given, enforces or performs the
// account's hardware binding. The expiry check does not depend on the sweep
// having run.
func (s *Service) ValidateKey(ctx context.Context, value, hwid string) (*Validation, error) {
	v, err := s.validateKey(ctx, value, hwid)
	s.Metrics.Validation(validationResult(err))
	return v, err
}

func (s *Service) validateKey(ctx context.Context, value, hwid string) (*Validation, error) {
	key, err := s.Keys.GetByValue(ctx, value)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get key", err)
	}
	now := s.now()
	if !key.IsActive {
		return nil, ErrRevoked
	}
	if now.After(key.ExpiresAt) {
		return nil, ErrExpired
	}

	account, err := s.Accounts.GetByID(ctx, key.AccountID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get account", err)
	}

	hwid = strings.TrimSpace(hwid)
	if hwid == "" {
		return &Validation{Key: key, Account: account}, nil
	}
	if account.HardwareBound() {
		if !s.hasher().Matches(*account.HardwareID, hwid) {
			return nil, ErrHardwareMismatch
		}
		return &Validation{Key: key, Account: account}, nil
	}

	account, err = s.bindOnFirstUse(ctx, key, hwid, now)
	if err != nil {
		return nil, err
	}
	key.UsedAt = &now
	return &Validation{Key: key, Account: account}, nil
}

func (s *Service) bindOnFirstUse(ctx context.Context, key *models.Key, hwid string, now time.Time) (*models.Account, error) {
	digest := s.hasher().Digest(hwid)

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback(ctx)

	bound, err := s.Accounts.BindHardwareIfUnset(ctx, tx, key.AccountID, digest)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrHardwareIDTaken
		}
		return nil, storageErr("bind hardware", err)
	}
	account, err := s.Accounts.GetByIDForUpdate(ctx, tx, key.AccountID)
	if err != nil {
		return nil, storageErr("lock account", err)
	}
	if !bound {
		// Lost a race with a concurrent binding; compare against the winner.
		if account.HardwareID == nil || *account.HardwareID != digest {
			return nil, ErrHardwareMismatch
		}
		return account, nil
	}
	if err := s.Keys.MarkUsedTx(ctx, tx, key.ID, now); err != nil {
		return nil, storageErr("mark key used", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrHardwareIDTaken
		}
		return nil, storageErr("commit", err)
	}
	account.HardwareID = &digest
	s.logger().Info("hardware bound on first use", "account_id", key.AccountID, "key_id", key.ID)
	return account, nil
}

func validationResult(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrRevoked):
		return "revoked"
	case errors.Is(err, ErrHardwareMismatch):
		return "hardware_mismatch"
	case errors.Is(err, ErrHardwareIDTaken):
		return "hardware_taken"
	default:
		return "error"
	}
}

// BindHardwareID binds hwid to the account, overwriting any previous binding
// of the same account. A fingerprint held by another account is rejected,
// and the unique index closes the window between check and write.
func (s *Service) BindHardwareID(ctx context.Context, accountID, displayName, hwid string) error {
	digest := s.hasher().Digest(hwid)

	holder, err := s.Accounts.FindByHardwareID(ctx, digest)
	switch {
	case err == nil && holder.AccountID != accountID:
		return ErrHardwareIDTaken
	case err != nil && !isNoRows(err):
		return storageErr("find hardware id", err)
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return storageErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.Accounts.Upsert(ctx, tx, accountID, displayName); err != nil {
		return storageErr("upsert account", err)
	}
	if err := s.Accounts.SetHardwareID(ctx, tx, accountID, digest); err != nil {
		if isUniqueViolation(err) {
			return ErrHardwareIDTaken
		}
		return storageErr("set hardware id", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return ErrHardwareIDTaken
		}
		return storageErr("commit", err)
	}
	s.logger().Info("hardware id bound", "account_id", accountID)
	return nil
}

// BindExternalIdentity resolves username with the verifier and stores the
// canonical username and id it returns. Nothing is written when
// verification fails.
func (s *Service) BindExternalIdentity(ctx context.Context, accountID, displayName, username string) (*identity.User, error) {
	user, err := s.Identity.Verify(ctx, strings.TrimSpace(username))
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrUserNotFound):
			return nil, &VerificationError{Reason: "username not found", Err: err}
		case errors.Is(err, identity.ErrUnavailable):
			s.Metrics.ProviderError("verify_identity")
			return nil, &VerificationError{Reason: "verification service unavailable", Err: err}
		default:
			s.Metrics.ProviderError("verify_identity")
			return nil, &VerificationError{Reason: "verification failed", Err: err}
		}
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, storageErr("begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.Accounts.Upsert(ctx, tx, accountID, displayName); err != nil {
		return nil, storageErr("upsert account", err)
	}
	if err := s.Accounts.SetExternalIdentity(ctx, tx, accountID, user.Username, user.ID); err != nil {
		return nil, storageErr("set identity", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("commit", err)
	}
	s.logger().Info("external identity bound", "account_id", accountID, "external_id", user.ID)
	return user, nil
}

type KeyStatus struct {
	Key            *models.Key
	RemainingHours int
}

// AccountStatus is the account view returned by Status. ValidKeys holds only
// keys that are currently valid, oldest first.
type AccountStatus struct {
	Account   *models.Account
	ValidKeys []KeyStatus
}

func (s *Service) Status(ctx context.Context, accountID string) (*AccountStatus, error) {
	account, err := s.Accounts.GetByID(ctx, accountID)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get account", err)
	}
	all, err := s.Keys.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, storageErr("list keys", err)
	}
	now := s.now()
	st := &AccountStatus{Account: account, ValidKeys: []KeyStatus{}}
	for _, k := range all {
		if k.ValidAt(now) {
			st.ValidKeys = append(st.ValidKeys, KeyStatus{Key: k, RemainingHours: k.RemainingHours(now)})
		}
	}
	return st, nil
}

// RevokeKey deactivates a key permanently.
func (s *Service) RevokeKey(ctx context.Context, value string) (*models.Key, error) {
	key, err := s.Keys.Revoke(ctx, value)
	if err != nil {
		if isNoRows(err) {
			return nil, ErrNotFound
		}
		return nil, storageErr("revoke key", err)
	}
	s.logger().Info("key revoked", "account_id", key.AccountID, "key_id", key.ID)
	return key, nil
}

// SweepExpiredFreeKeys deactivates every active free key whose expiry has
// passed. Running it again is a no-op.
func (s *Service) SweepExpiredFreeKeys(ctx context.Context) (int64, error) {
	n, err := s.Keys.DeactivateExpiredFree(ctx, s.now())
	if err != nil {
		return 0, storageErr("sweep", err)
	}
	s.Metrics.Swept(n)
	s.logger().Info("expired free keys swept", "count", n)
	return n, nil
}
