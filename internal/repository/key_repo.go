package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/keyservice/internal/models"
)

const keyColumns = `id, account_id, value, kind, created_at, expires_at, is_active, used_at`

type KeyRepo struct {
	pool *pgxpool.Pool
}

func NewKeyRepo(pool *pgxpool.Pool) *KeyRepo {
	return &KeyRepo{pool: pool}
}

func scanKey(row pgx.Row) (*models.Key, error) {
	var k models.Key
	if err := row.Scan(&k.ID, &k.AccountID, &k.Value, &k.Kind, &k.CreatedAt, &k.ExpiresAt, &k.IsActive, &k.UsedAt); err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateTx inserts a key inside the given transaction.
func (r *KeyRepo) CreateTx(ctx context.Context, tx pgx.Tx, k *models.Key) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO license_keys (id, account_id, value, kind, created_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, k.ID, k.AccountID, k.Value, k.Kind, k.CreatedAt, k.ExpiresAt, k.IsActive)
	return err
}

// FindActiveFreeSinceTx returns the newest active free key created at or after
// since, or pgx.ErrNoRows. Call after locking the account row.
func (r *KeyRepo) FindActiveFreeSinceTx(ctx context.Context, tx pgx.Tx, accountID string, since time.Time) (*models.Key, error) {
	return scanKey(tx.QueryRow(ctx, `
		SELECT `+keyColumns+` FROM license_keys
		WHERE account_id = $1 AND kind = 'free' AND is_active AND created_at >= $2
		ORDER BY created_at DESC
		LIMIT 1
	`, accountID, since))
}

// ListByAccountID returns the account's keys in creation order.
func (r *KeyRepo) ListByAccountID(ctx context.Context, accountID string) ([]*models.Key, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+keyColumns+` FROM license_keys WHERE account_id = $1 ORDER BY created_at ASC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.Key{}
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, k)
	}
	return list, rows.Err()
}

func (r *KeyRepo) GetByValue(ctx context.Context, value string) (*models.Key, error) {
	return scanKey(r.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM license_keys WHERE value = $1`, value))
}

func (r *KeyRepo) MarkUsedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	_, err := tx.Exec(ctx, `UPDATE license_keys SET used_at = $2 WHERE id = $1`, id, at)
	return err
}

// Revoke deactivates a key by value and returns it. Deactivation is one-way.
func (r *KeyRepo) Revoke(ctx context.Context, value string) (*models.Key, error) {
	return scanKey(r.pool.QueryRow(ctx, `
		UPDATE license_keys SET is_active = FALSE WHERE value = $1
		RETURNING `+keyColumns, value))
}

// DeactivateExpiredFree flips is_active off for every lapsed free key. Paid keys
// are left alone; their expiry is enforced at validation time.
func (r *KeyRepo) DeactivateExpiredFree(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE license_keys SET is_active = FALSE
		WHERE kind = 'free' AND is_active AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
