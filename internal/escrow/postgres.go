package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/oracle-engine/internal/model"
	"github.com/atmx/oracle-engine/internal/store"
)

// Schema creates the balances table used by PostgresLedger.
const Schema = `
CREATE TABLE IF NOT EXISTS balances (
	account TEXT   PRIMARY KEY,
	amount  BIGINT NOT NULL CHECK (amount >= 0)
);
`

// PostgresLedger implements Transferer on a balances table. Each transfer is
// one transaction, a guarded debit followed by an upserted credit, nested in
// the store's transaction when it runs inside a store.Unit. The balances
// table must live in the store's database.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	sealer *Sealer
}

// NewPostgresLedger creates a ledger backed by pool.
func NewPostgresLedger(pool *pgxpool.Pool, sealer *Sealer) *PostgresLedger {
	return &PostgresLedger{pool: pool, sealer: sealer}
}

// Migrate applies Schema.
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate balances: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Deposit(ctx context.Context, from model.Identity, to Account, amount int64) error {
	return l.move(ctx, UserAccount(from), to, amount)
}

func (l *PostgresLedger) Release(ctx context.Context, c Capability, to Account, amount int64) error {
	if err := l.sealer.Verify(c); err != nil {
		return err
	}
	return l.move(ctx, c.Account(), to, amount)
}

func (l *PostgresLedger) Balance(ctx context.Context, account Account) (int64, error) {
	var amount int64
	err := l.pool.QueryRow(ctx, `SELECT amount FROM balances WHERE account = $1`, string(account)).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("balance %s: %w", account, err)
	}
	return amount, nil
}

func (l *PostgresLedger) Credit(ctx context.Context, account Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	_, err := l.pool.Exec(ctx, creditSQL, string(account), amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", account, err)
	}
	return nil
}

const creditSQL = `INSERT INTO balances (account, amount) VALUES ($1, $2)
	ON CONFLICT (account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount`

func (l *PostgresLedger) move(ctx context.Context, from, to Account, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	// Inside a store unit of work the transfer is a savepoint on the store's
	// transaction and commits only with it.
	var db interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	} = l.pool
	if u, ok := store.UnitFrom(ctx); ok && u.Tx() != nil {
		db = u.Tx()
	}

	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE balances SET amount = amount - $2 WHERE account = $1 AND amount >= $2`,
		string(from), amount)
	if err != nil {
		return fmt.Errorf("debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s cannot cover %d: %w", from, amount, ErrInsufficientFunds)
	}

	if _, err := tx.Exec(ctx, creditSQL, string(to), amount); err != nil {
		return fmt.Errorf("credit %s: %w", to, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}
	return nil
}

var _ Transferer = (*PostgresLedger)(nil)
