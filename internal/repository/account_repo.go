package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/keyservice/internal/models"
)

const accountColumns = `account_id, display_name, external_id, external_username, hardware_id, created_at, updated_at`

type AccountRepo struct {
	pool *pgxpool.Pool
}

func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.AccountID, &a.DisplayName, &a.ExternalID, &a.ExternalUsername, &a.HardwareID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Upsert is the atomic get-or-create for an account. A non-empty displayName
// overwrites the stored one. The conflicting row stays locked until tx ends.
func (r *AccountRepo) Upsert(ctx context.Context, tx pgx.Tx, accountID, displayName string) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `
		INSERT INTO accounts (account_id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE
		SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE accounts.display_name END,
		    updated_at = now()
		RETURNING `+accountColumns, accountID, displayName))
}

func (r *AccountRepo) GetByID(ctx context.Context, accountID string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = $1`, accountID))
}

// GetByIDForUpdate locks the account row for update. Call within a transaction.
func (r *AccountRepo) GetByIDForUpdate(ctx context.Context, tx pgx.Tx, accountID string) (*models.Account, error) {
	return scanAccount(tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_id = $1 FOR UPDATE`, accountID))
}

// FindByHardwareID returns the account currently holding digest, or pgx.ErrNoRows.
func (r *AccountRepo) FindByHardwareID(ctx context.Context, digest string) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE hardware_id = $1`, digest))
}

// SetHardwareID overwrites the binding. The partial unique index on hardware_id
// rejects a value held by another account with SQLSTATE 23505.
func (r *AccountRepo) SetHardwareID(ctx context.Context, tx pgx.Tx, accountID, digest string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET hardware_id = $2, updated_at = now() WHERE account_id = $1
	`, accountID, digest)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// BindHardwareIfUnset binds digest only when the account has no binding yet.
// Returns false when another binding already exists.
func (r *AccountRepo) BindHardwareIfUnset(ctx context.Context, tx pgx.Tx, accountID, digest string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET hardware_id = $2, updated_at = now()
		WHERE account_id = $1 AND hardware_id IS NULL
	`, accountID, digest)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *AccountRepo) SetExternalIdentity(ctx context.Context, tx pgx.Tx, accountID, username string, externalID int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET external_username = $2, external_id = $3, updated_at = now() WHERE account_id = $1
	`, accountID, username, externalID)
	return err
}
