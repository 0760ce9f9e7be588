package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inaiurai/keyservice/internal/models"
)

const paymentColumns = `id, account_id, provider_invoice_id, order_id, amount, status, paid_at, created_at`

type PaymentRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentRepo(pool *pgxpool.Pool) *PaymentRepo {
	return &PaymentRepo{pool: pool}
}

// InsertIfAbsentTx inserts the payment unless one with the same provider
// invoice id exists. Reports whether a row was written.
func (r *PaymentRepo) InsertIfAbsentTx(ctx context.Context, tx pgx.Tx, p *models.Payment) (bool, error) {
	err := tx.QueryRow(ctx, `
		INSERT INTO payments (id, account_id, provider_invoice_id, order_id, amount, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (provider_invoice_id) DO NOTHING
		RETURNING created_at
	`, p.ID, p.AccountID, p.ProviderInvoiceID, p.OrderID, p.Amount, p.Status, p.PaidAt).Scan(&p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PaymentRepo) ListByAccountID(ctx context.Context, accountID string) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE account_id = $1 ORDER BY created_at DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.AccountID, &p.ProviderInvoiceID, &p.OrderID, &p.Amount, &p.Status, &p.PaidAt, &p.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &p)
	}
	return list, rows.Err()
}
