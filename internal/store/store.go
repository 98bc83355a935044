// Package store defines the persistence interface for the oracle engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/oracle-engine/internal/model"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrAlreadyExists = errors.New("store: already exists")
	// ErrConflict is returned when a conditional write finds the record in
	// an unexpected state (already resolved, already claimed).
	ErrConflict = errors.New("store: conflicting update")
)

// TransferFunc moves value as part of a unit of work. ctx carries the Unit;
// ledgers join it so that their effects commit or roll back with the
// store's. A non-nil error aborts the whole unit; nothing is persisted.
type TransferFunc func(ctx context.Context) error

// StakeFunc builds the position to insert from the market as the unit of
// work sees it, locked against concurrent writers. It must reject stakes
// the market cannot take, including ones that would overflow its pools. A
// non-nil error aborts the unit.
type StakeFunc func(m *model.Market) (*model.Position, error)

// Store is the record store. Markets are keyed by their caller-chosen ID,
// positions by (user, market, timestamp).
type Store interface {
	// --- Markets ---

	// CreateMarket persists a new market. ErrAlreadyExists on duplicate ID.
	CreateMarket(ctx context.Context, market *model.Market) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// RecordStake locks the market, asks prepare for the position, adds its
	// stake to the stored pools, inserts it and runs transfer, all in one
	// unit of work. It returns the market after the stake and the stored
	// position. ErrAlreadyExists if the position key is taken.
	RecordStake(ctx context.Context, marketID string, prepare StakeFunc, transfer TransferFunc) (*model.Market, *model.Position, error)

	// ResolveMarket persists status and winning outcome. ErrConflict if the
	// stored market is no longer active.
	ResolveMarket(ctx context.Context, market *model.Market) error

	// --- Positions ---

	// GetPosition retrieves a position by key.
	GetPosition(ctx context.Context, key model.PositionKey) (*model.Position, error)

	// ListPositionsByMarket returns all positions in a market, oldest first.
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)

	// ListPositionsByUser returns all positions held by a user, oldest first.
	ListPositionsByUser(ctx context.Context, user model.Identity) ([]model.Position, error)

	// RecordClaim persists payout_amount and claimed=true together with
	// transfer. ErrConflict if the stored position is already claimed.
	RecordClaim(ctx context.Context, pos *model.Position, transfer TransferFunc) error

	// --- Aggregates ---

	// Leaderboard returns per-user aggregates ordered by total payout, then
	// volume.
	Leaderboard(ctx context.Context, limit int) ([]model.UserStats, error)
}

// Authoritative returns the store that reads feeding a write must use: the
// primary behind any cache.
func Authoritative(s Store) Store {
	for {
		l, ok := s.(interface{ Primary() Store })
		if !ok {
			return s
		}
		s = l.Primary()
	}
}

// applyStake adds the stake of pos to the pools of m.
func applyStake(m *model.Market, pos *model.Position) {
	if pos.Outcome == model.OutcomeYes {
		m.PoolYes += pos.StakeAmount
	} else {
		m.PoolNo += pos.StakeAmount
	}
	m.TotalVolume += pos.StakeAmount
}
