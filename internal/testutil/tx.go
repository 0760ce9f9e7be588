// Package testutil provides in-memory stand-ins for the Postgres repositories
// so services can be exercised without a database. The fakes emulate the
// row locks and unique indexes the real schema relies on.
package testutil

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Tx satisfies pgx.Tx. Writes staged through OnEnd are applied on Commit and
// discarded on Rollback; row locks taken by the fake stores are released when
// the transaction ends.
type Tx struct {
	db *MemDB

	mu    sync.Mutex
	done  bool
	held  map[string]bool
	hooks []func(committed bool)
}

// OnEnd registers fn to run when the transaction commits or rolls back.
func (t *Tx) OnEnd(fn func(committed bool)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = append(t.hooks, fn)
}

func (t *Tx) finish(committed bool) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.done = true
	hooks := t.hooks
	held := t.held
	t.hooks, t.held = nil, nil
	t.mu.Unlock()

	if committed && t.db.CommitErr != nil {
		committed = false
		defer func() { t.db.releaseAll(held) }()
		for _, h := range hooks {
			h(false)
		}
		return t.db.CommitErr
	}
	for _, h := range hooks {
		h(committed)
	}
	t.db.releaseAll(held)
	return nil
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }
func (t *Tx) Commit(context.Context) error          { return t.finish(true) }
func (t *Tx) Rollback(context.Context) error        { return t.finish(false) }
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

func asTx(tx pgx.Tx) *Tx {
	t, ok := tx.(*Tx)
	if !ok {
		panic("testutil: transaction was not started by MemDB")
	}
	return t
}
