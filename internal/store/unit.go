package store

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Unit is the unit of work a TransferFunc runs in. A ledger on the same
// Postgres database writes through Tx so that its rows commit or roll back
// with the store's. Any other ledger registers an undo with OnRollback.
type Unit struct {
	tx pgx.Tx

	mu   sync.Mutex
	undo []func()
}

type unitKey struct{}

// withUnit binds u to ctx for the duration of a transfer.
func withUnit(ctx context.Context, u *Unit) context.Context {
	return context.WithValue(ctx, unitKey{}, u)
}

// UnitFrom returns the unit of work ctx belongs to, if any.
func UnitFrom(ctx context.Context) (*Unit, bool) {
	u, ok := ctx.Value(unitKey{}).(*Unit)
	return u, ok
}

// Tx returns the store transaction, or nil when the store is not Postgres.
func (u *Unit) Tx() pgx.Tx { return u.tx }

// OnRollback registers fn to run if the unit fails after the transfer.
// Undos run in reverse order of registration.
func (u *Unit) OnRollback(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.undo = append(u.undo, fn)
}

func (u *Unit) rollback() {
	u.mu.Lock()
	undo := u.undo
	u.undo = nil
	u.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}

// runTransfer runs transfer inside u. On error the unit is rolled back.
func runTransfer(ctx context.Context, u *Unit, transfer TransferFunc) error {
	if transfer == nil {
		return nil
	}
	if err := transfer(withUnit(ctx, u)); err != nil {
		u.rollback()
		return err
	}
	return nil
}
