package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inaiurai/keyservice/internal/models"
)

// ErrUniqueViolation mirrors the error pgx returns for SQLSTATE 23505.
var ErrUniqueViolation = &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}

// MemDB holds the shared state behind the fake repositories.
type MemDB struct {
	// CommitErr, when set, makes every Commit fail and roll back.
	CommitErr error

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	mu         sync.Mutex
	accounts   map[string]*models.Account
	keys       []*models.Key
	payments   []*models.Payment
	hwReserved map[string]string // digest -> account id, uncommitted
	invoices   map[string]bool   // reserved or committed provider invoice ids

	Accounts *Accounts
	Keys     *Keys
	Payments *Payments
}

func NewMemDB() *MemDB {
	db := &MemDB{
		locks:      make(map[string]*sync.Mutex),
		accounts:   make(map[string]*models.Account),
		hwReserved: make(map[string]string),
		invoices:   make(map[string]bool),
	}
	db.Accounts = &Accounts{db: db}
	db.Keys = &Keys{db: db}
	db.Payments = &Payments{db: db}
	return db
}

// Begin starts a fake transaction.
func (db *MemDB) Begin(context.Context) (pgx.Tx, error) {
	return &Tx{db: db, held: make(map[string]bool)}, nil
}

// lock emulates a row lock held until the transaction ends. Re-entrant per tx.
func (db *MemDB) lock(tx pgx.Tx, key string) {
	t := asTx(tx)
	t.mu.Lock()
	if t.held[key] {
		t.mu.Unlock()
		return
	}
	t.held[key] = true
	t.mu.Unlock()

	db.locksMu.Lock()
	m, ok := db.locks[key]
	if !ok {
		m = &sync.Mutex{}
		db.locks[key] = m
	}
	db.locksMu.Unlock()
	m.Lock()
}

func (db *MemDB) releaseAll(held map[string]bool) {
	db.locksMu.Lock()
	defer db.locksMu.Unlock()
	for key := range held {
		db.locks[key].Unlock()
	}
}

// PutAccount seeds an account.
func (db *MemDB) PutAccount(a *models.Account) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *a
	db.accounts[a.AccountID] = &cp
}

// PutKey seeds a key.
func (db *MemDB) PutKey(k *models.Key) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *k
	db.keys = append(db.keys, &cp)
}

// AllKeys returns copies of every committed key.
func (db *MemDB) AllKeys() []*models.Key {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*models.Key, 0, len(db.keys))
	for _, k := range db.keys {
		cp := *k
		out = append(out, &cp)
	}
	return out
}

// AllPayments returns copies of every committed payment.
func (db *MemDB) AllPayments() []*models.Payment {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]*models.Payment, 0, len(db.payments))
	for _, p := range db.payments {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// ---------------------------------------------------------------------------
// Accounts
// ---------------------------------------------------------------------------

type Accounts struct {
	db *MemDB
}

func (a *Accounts) get(id string) (*models.Account, error) {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	acc, ok := a.db.accounts[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *acc
	return &cp, nil
}

func (a *Accounts) Upsert(_ context.Context, tx pgx.Tx, accountID, displayName string) (*models.Account, error) {
	a.db.lock(tx, "account:"+accountID)
	a.db.mu.Lock()
	acc, ok := a.db.accounts[accountID]
	now := time.Now()
	if !ok {
		acc = &models.Account{AccountID: accountID, CreatedAt: now}
		a.db.accounts[accountID] = acc
	}
	if displayName != "" {
		acc.DisplayName = displayName
	}
	acc.UpdatedAt = now
	cp := *acc
	a.db.mu.Unlock()
	return &cp, nil
}

func (a *Accounts) GetByID(_ context.Context, accountID string) (*models.Account, error) {
	return a.get(accountID)
}

func (a *Accounts) GetByIDForUpdate(_ context.Context, tx pgx.Tx, accountID string) (*models.Account, error) {
	if _, err := a.get(accountID); err != nil {
		return nil, err
	}
	a.db.lock(tx, "account:"+accountID)
	return a.get(accountID)
}

func (a *Accounts) FindByHardwareID(_ context.Context, digest string) (*models.Account, error) {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	for _, acc := range a.db.accounts {
		if acc.HardwareID != nil && *acc.HardwareID == digest {
			cp := *acc
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

// reserveHardware enforces the unique index across committed and in-flight writes.
func (a *Accounts) reserveHardware(tx pgx.Tx, accountID, digest string) error {
	a.db.mu.Lock()
	defer a.db.mu.Unlock()
	for id, acc := range a.db.accounts {
		if id != accountID && acc.HardwareID != nil && *acc.HardwareID == digest {
			return ErrUniqueViolation
		}
	}
	if holder, ok := a.db.hwReserved[digest]; ok && holder != accountID {
		return ErrUniqueViolation
	}
	a.db.hwReserved[digest] = accountID
	asTx(tx).OnEnd(func(committed bool) {
		a.db.mu.Lock()
		defer a.db.mu.Unlock()
		delete(a.db.hwReserved, digest)
		if committed {
			if acc, ok := a.db.accounts[accountID]; ok {
				d := digest
				acc.HardwareID = &d
			}
		}
	})
	return nil
}

func (a *Accounts) SetHardwareID(_ context.Context, tx pgx.Tx, accountID, digest string) error {
	if _, err := a.get(accountID); err != nil {
		return err
	}
	a.db.lock(tx, "account:"+accountID)
	return a.reserveHardware(tx, accountID, digest)
}

func (a *Accounts) BindHardwareIfUnset(_ context.Context, tx pgx.Tx, accountID, digest string) (bool, error) {
	a.db.lock(tx, "account:"+accountID)
	acc, err := a.get(accountID)
	if err != nil {
		return false, nil
	}
	if acc.HardwareBound() {
		return false, nil
	}
	if err := a.reserveHardware(tx, accountID, digest); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Accounts) SetExternalIdentity(_ context.Context, tx pgx.Tx, accountID, username string, externalID int64) error {
	a.db.lock(tx, "account:"+accountID)
	asTx(tx).OnEnd(func(committed bool) {
		if !committed {
			return
		}
		a.db.mu.Lock()
		defer a.db.mu.Unlock()
		if acc, ok := a.db.accounts[accountID]; ok {
			u, id := username, externalID
			acc.ExternalUsername = &u
			acc.ExternalID = &id
		}
	})
	return nil
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

type Keys struct {
	db *MemDB
	// CreateErr, when set, fails every CreateTx.
	CreateErr error
}

func (k *Keys) CreateTx(_ context.Context, tx pgx.Tx, key *models.Key) error {
	if k.CreateErr != nil {
		return k.CreateErr
	}
	cp := *key
	asTx(tx).OnEnd(func(committed bool) {
		if !committed {
			return
		}
		k.db.mu.Lock()
		defer k.db.mu.Unlock()
		k.db.keys = append(k.db.keys, &cp)
	})
	return nil
}

func (k *Keys) FindActiveFreeSinceTx(_ context.Context, _ pgx.Tx, accountID string, since time.Time) (*models.Key, error) {
	k.db.mu.Lock()
	defer k.db.mu.Unlock()
	var found *models.Key
	for _, key := range k.db.keys {
		if key.AccountID == accountID && key.Kind == models.KeyKindFree && key.IsActive && !key.CreatedAt.Before(since) {
			if found == nil || key.CreatedAt.After(found.CreatedAt) {
				found = key
			}
		}
	}
	if found == nil {
		return nil, pgx.ErrNoRows
	}
	cp := *found
	return &cp, nil
}

func (k *Keys) ListByAccountID(_ context.Context, accountID string) ([]*models.Key, error) {
	k.db.mu.Lock()
	defer k.db.mu.Unlock()
	list := []*models.Key{}
	for _, key := range k.db.keys {
		if key.AccountID == accountID {
			cp := *key
			list = append(list, &cp)
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	return list, nil
}

func (k *Keys) GetByValue(_ context.Context, value string) (*models.Key, error) {
	k.db.mu.Lock()
	defer k.db.mu.Unlock()
	for _, key := range k.db.keys {
		if key.Value == value {
			cp := *key
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (k *Keys) MarkUsedTx(_ context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	asTx(tx).OnEnd(func(committed bool) {
		if !committed {
			return
		}
		k.db.mu.Lock()
		defer k.db.mu.Unlock()
		for _, key := range k.db.keys {
			if key.ID == id {
				t := at
				key.UsedAt = &t
			}
		}
	})
	return nil
}

func (k *Keys) Revoke(_ context.Context, value string) (*models.Key, error) {
	k.db.mu.Lock()
	defer k.db.mu.Unlock()
	for _, key := range k.db.keys {
		if key.Value == value {
			key.IsActive = false
			cp := *key
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (k *Keys) DeactivateExpiredFree(_ context.Context, now time.Time) (int64, error) {
	k.db.mu.Lock()
	defer k.db.mu.Unlock()
	var n int64
	for _, key := range k.db.keys {
		if key.Kind == models.KeyKindFree && key.IsActive && key.ExpiresAt.Before(now) {
			key.IsActive = false
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

type Payments struct {
	db *MemDB
}

func (p *Payments) InsertIfAbsentTx(_ context.Context, tx pgx.Tx, pay *models.Payment) (bool, error) {
	if pay.ProviderInvoiceID == "" {
		return false, errors.New("provider_invoice_id is required")
	}
	p.db.mu.Lock()
	if p.db.invoices[pay.ProviderInvoiceID] {
		p.db.mu.Unlock()
		return false, nil
	}
	p.db.invoices[pay.ProviderInvoiceID] = true
	p.db.mu.Unlock()

	cp := *pay
	cp.CreatedAt = time.Now()
	asTx(tx).OnEnd(func(committed bool) {
		p.db.mu.Lock()
		defer p.db.mu.Unlock()
		if !committed {
			delete(p.db.invoices, cp.ProviderInvoiceID)
			return
		}
		p.db.payments = append(p.db.payments, &cp)
	})
	return true, nil
}

func (p *Payments) ListByAccountID(_ context.Context, accountID string) ([]*models.Payment, error) {
	p.db.mu.Lock()
	defer p.db.mu.Unlock()
	var list []*models.Payment
	for _, pay := range p.db.payments {
		if pay.AccountID == accountID {
			cp := *pay
			list = append(list, &cp)
		}
	}
	return list, nil
}
