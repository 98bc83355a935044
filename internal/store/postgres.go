package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/oracle-engine/internal/model"
)

// Schema creates the tables PostgresStore expects. Amounts are BIGINT base
// units; winning_outcome is NULL while unresolved.
const Schema = `
CREATE TABLE IF NOT EXISTS markets (
	id                TEXT PRIMARY KEY,
	authority         TEXT        NOT NULL,
	question          TEXT        NOT NULL,
	pool_yes          BIGINT      NOT NULL DEFAULT 0,
	pool_no           BIGINT      NOT NULL DEFAULT 0,
	total_volume      BIGINT      NOT NULL DEFAULT 0,
	participant_count BIGINT      NOT NULL DEFAULT 0,
	end_time          TIMESTAMPTZ NOT NULL,
	status            TEXT        NOT NULL,
	winning_outcome   TEXT,
	created_at        TIMESTAMPTZ NOT NULL,
	CHECK (total_volume = pool_yes + pool_no)
);

CREATE TABLE IF NOT EXISTS positions (
	user_id          TEXT        NOT NULL,
	market_id        TEXT        NOT NULL REFERENCES markets (id),
	ts               BIGINT      NOT NULL,
	stake_amount     BIGINT      NOT NULL CHECK (stake_amount > 0),
	outcome          TEXT        NOT NULL,
	odds_at_stake    BIGINT      NOT NULL,
	potential_payout BIGINT      NOT NULL,
	payout_amount    BIGINT      NOT NULL DEFAULT 0,
	claimed          BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, market_id, ts)
);

CREATE INDEX IF NOT EXISTS positions_market_idx ON positions (market_id, created_at);
`

// uniqueViolation is the SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const marketCols = `id, authority, question, pool_yes, pool_no, total_volume,
	participant_count, end_time, status, winning_outcome, created_at`

const positionCols = `user_id, market_id, ts, stake_amount, outcome, odds_at_stake,
	potential_payout, payout_amount, claimed, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (`+marketCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, string(m.Authority), m.Question,
		m.PoolYes, m.PoolNo, m.TotalVolume, m.ParticipantCount,
		m.EndTime, string(m.Status), m.WinningOutcome.NullString(), m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("market %s: %w", m.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketCols+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketCols+` FROM markets ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) RecordStake(ctx context.Context, marketID string, prepare StakeFunc, transfer TransferFunc) (*model.Market, *model.Position, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin stake: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := scanMarket(tx.QueryRow(ctx,
		`SELECT `+marketCols+` FROM markets WHERE id = $1 FOR UPDATE`, marketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("lock market %s: %w", marketID, err)
	}

	pos, err := prepare(m)
	if err != nil {
		return nil, nil, err
	}
	if pos.MarketID != marketID {
		return nil, nil, fmt.Errorf("position for market %s staked on %s", pos.MarketID, marketID)
	}

	var seen bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM positions WHERE market_id = $1 AND user_id = $2)`,
		marketID, string(pos.User)).Scan(&seen); err != nil {
		return nil, nil, fmt.Errorf("check participant: %w", err)
	}
	var inc int64
	if !seen {
		inc = 1
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO positions (`+positionCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		string(pos.User), pos.MarketID, pos.Timestamp, pos.StakeAmount, string(pos.Outcome),
		pos.OddsAtStake, pos.PotentialPayout, pos.PayoutAmount, pos.Claimed, pos.CreatedAt,
	)
	if isUniqueViolation(err) {
		return nil, nil, fmt.Errorf("position %s: %w", pos.Key(), ErrAlreadyExists)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("insert position: %w", err)
	}

	var addYes, addNo int64
	if pos.Outcome == model.OutcomeYes {
		addYes = pos.StakeAmount
	} else {
		addNo = pos.StakeAmount
	}
	after, err := scanMarket(tx.QueryRow(ctx,
		`UPDATE markets
		 SET pool_yes = pool_yes + $2, pool_no = pool_no + $3,
		     total_volume = total_volume + $4,
		     participant_count = participant_count + $5
		 WHERE id = $1
		 RETURNING `+marketCols,
		marketID, addYes, addNo, pos.StakeAmount, inc,
	))
	if err != nil {
		return nil, nil, fmt.Errorf("update pools: %w", err)
	}

	u := &Unit{tx: tx}
	if err := runTransfer(ctx, u, transfer); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		u.rollback()
		return nil, nil, fmt.Errorf("commit stake: %w", err)
	}
	return after, pos, nil
}

func (s *PostgresStore) ResolveMarket(ctx context.Context, m *model.Market) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, winning_outcome = $3
		 WHERE id = $1 AND status = $4`,
		m.ID, string(m.Status), m.WinningOutcome.NullString(), string(model.StatusActive),
	)
	if err != nil {
		return fmt.Errorf("resolve market %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s not active: %w", m.ID, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE user_id = $1 AND market_id = $2 AND ts = $3`,
		string(key.User), key.MarketID, key.Timestamp)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", key, err)
	}
	return p, nil
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE market_id = $1 ORDER BY created_at, ts`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, user model.Identity) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE user_id = $1 ORDER BY created_at, ts`, string(user))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) RecordClaim(ctx context.Context, pos *model.Position, transfer TransferFunc) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	key := pos.Key()
	tag, err := tx.Exec(ctx,
		`UPDATE positions SET payout_amount = $4, claimed = TRUE
		 WHERE user_id = $1 AND market_id = $2 AND ts = $3 AND NOT claimed`,
		string(key.User), key.MarketID, key.Timestamp, pos.PayoutAmount)
	if err != nil {
		return fmt.Errorf("claim position %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s missing or claimed: %w", key, ErrConflict)
	}

	u := &Unit{tx: tx}
	if err := runTransfer(ctx, u, transfer); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		u.rollback()
		return fmt.Errorf("commit claim: %w", err)
	}
	return nil
}

func (s *PostgresStore) Leaderboard(ctx context.Context, limit int) ([]model.UserStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id,
		        COALESCE(SUM(stake_amount), 0)::BIGINT,
		        COUNT(*),
		        COUNT(*) FILTER (WHERE claimed AND payout_amount > 0),
		        COALESCE(SUM(payout_amount) FILTER (WHERE claimed), 0)::BIGINT,
		        COALESCE(SUM(payout_amount - stake_amount) FILTER (WHERE claimed), 0)::BIGINT
		 FROM positions
		 GROUP BY user_id
		 ORDER BY 5 DESC, 2 DESC, user_id
		 LIMIT NULLIF($1::BIGINT, 0)`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []model.UserStats
	for rows.Next() {
		var st model.UserStats
		var user string
		if err := rows.Scan(&user, &st.TotalVolume, &st.TotalPositions,
			&st.Wins, &st.TotalPayout, &st.NetProfit); err != nil {
			return nil, err
		}
		st.User = model.Identity(user)
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

// scanMarket reads one market row from a pgx.Row or pgx.Rows.
func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var authority, status string
	var winner *string

	if err := row.Scan(&m.ID, &authority, &m.Question,
		&m.PoolYes, &m.PoolNo, &m.TotalVolume, &m.ParticipantCount,
		&m.EndTime, &status, &winner, &m.CreatedAt); err != nil {
		return nil, err
	}

	res, err := model.ResolutionFromNullString(winner)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}
	m.Authority = model.Identity(authority)
	m.Status = model.MarketStatus(status)
	m.WinningOutcome = res
	return &m, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var user, outcome string

	if err := row.Scan(&user, &p.MarketID, &p.Timestamp, &p.StakeAmount, &outcome,
		&p.OddsAtStake, &p.PotentialPayout, &p.PayoutAmount, &p.Claimed, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.User = model.Identity(user)
	p.Outcome = model.Outcome(outcome)
	p.ID = p.Key().String()
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
