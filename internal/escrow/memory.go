package escrow

import (
	"context"
	"fmt"
	"sync"

	"github.com/atmx/oracle-engine/internal/model"
	"github.com/atmx/oracle-engine/internal/store"
)

// MemoryLedger implements Transferer with an in-memory balance map.
type MemoryLedger struct {
	mu       sync.Mutex
	sealer   *Sealer
	balances map[Account]int64
}

// NewMemoryLedger creates an empty ledger that accepts capabilities minted
// by sealer.
func NewMemoryLedger(sealer *Sealer) *MemoryLedger {
	return &MemoryLedger{
		sealer:   sealer,
		balances: make(map[Account]int64),
	}
}

func (l *MemoryLedger) Deposit(ctx context.Context, from model.Identity, to Account, amount int64) error {
	return l.transfer(ctx, UserAccount(from), to, amount)
}

func (l *MemoryLedger) Release(ctx context.Context, c Capability, to Account, amount int64) error {
	if err := l.sealer.Verify(c); err != nil {
		return err
	}
	return l.transfer(ctx, c.Account(), to, amount)
}

// transfer moves amount and, inside a store unit of work, registers the
// reverse move in case the unit fails.
func (l *MemoryLedger) transfer(ctx context.Context, from, to Account, amount int64) error {
	if err := l.move(from, to, amount); err != nil {
		return err
	}
	if u, ok := store.UnitFrom(ctx); ok {
		u.OnRollback(func() { l.undo(from, to, amount) })
	}
	return nil
}

func (l *MemoryLedger) undo(from, to Account, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[to] -= amount
	l.balances[from] += amount
}

func (l *MemoryLedger) Balance(_ context.Context, account Account) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[account], nil
}

func (l *MemoryLedger) Credit(_ context.Context, account Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] += amount
	return nil
}

func (l *MemoryLedger) move(from, to Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.balances[from] < amount {
		return fmt.Errorf("%s has %d, needs %d: %w", from, l.balances[from], amount, ErrInsufficientFunds)
	}
	l.balances[from] -= amount
	l.balances[to] += amount
	return nil
}

var _ Transferer = (*MemoryLedger)(nil)
