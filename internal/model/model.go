// Package model defines the core domain types shared across the oracle engine.
// All pooled value is integer base units (1e9 per token); money is never
// a float64.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// UnitDecimals is the number of decimal places between a base unit and one
// whole token.
const UnitDecimals = 9

// OddsScale is 100% expressed in basis points.
const OddsScale = 10000

// Identity is a verified account address (EIP-55 checksummed hex).
type Identity string

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "yes"
	OutcomeNo  Outcome = "no"
)

// ParseOutcome accepts "yes"/"no" in any case.
func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(strings.ToLower(strings.TrimSpace(s))) {
	case OutcomeYes:
		return OutcomeYes, nil
	case OutcomeNo:
		return OutcomeNo, nil
	}
	return "", fmt.Errorf("outcome must be yes or no, got %q", s)
}

// Valid reports whether o is one of the two known outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// MarketStatus is the lifecycle state of a market. Active → Resolved only.
type MarketStatus string

const (
	StatusActive   MarketStatus = "active"
	StatusResolved MarketStatus = "resolved"
)

// Market is the aggregate pool state for one question.
type Market struct {
	ID               string       `json:"market_id"`
	Authority        Identity     `json:"authority"`
	Question         string       `json:"question"`
	PoolYes          int64        `json:"pool_yes"`
	PoolNo           int64        `json:"pool_no"`
	TotalVolume      int64        `json:"total_volume"`
	ParticipantCount int64        `json:"participant_count"`
	EndTime          time.Time    `json:"end_time"`
	Status           MarketStatus `json:"status"`
	WinningOutcome   Resolution   `json:"winning_outcome"`
	CreatedAt        time.Time    `json:"created_at"`
}

// Pool returns the cumulative stake on one side.
func (m *Market) Pool(o Outcome) int64 {
	if o == OutcomeYes {
		return m.PoolYes
	}
	return m.PoolNo
}

// TotalPool returns pool_yes + pool_no.
func (m *Market) TotalPool() int64 {
	return m.PoolYes + m.PoolNo
}

// PositionKey locates a position: one per (user, market, client timestamp).
type PositionKey struct {
	User      Identity
	MarketID  string
	Timestamp int64
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s:%s:%d", k.User, k.MarketID, k.Timestamp)
}

// ParsePositionKey is the inverse of PositionKey.String.
func ParsePositionKey(s string) (PositionKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return PositionKey{}, fmt.Errorf("invalid position key %q", s)
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return PositionKey{}, fmt.Errorf("invalid position key %q: %w", s, err)
	}
	return PositionKey{User: Identity(parts[0]), MarketID: parts[1], Timestamp: ts}, nil
}

// Position is one user's stake record against a market. Everything except
// PayoutAmount and Claimed is fixed at creation.
type Position struct {
	ID              string    `json:"id"`
	User            Identity  `json:"user"`
	MarketID        string    `json:"market_id"`
	Timestamp       int64     `json:"timestamp"`
	StakeAmount     int64     `json:"stake_amount"`
	Outcome         Outcome   `json:"outcome"`
	OddsAtStake     int64     `json:"odds_at_stake"`    // bps, chosen side, pre-stake
	PotentialPayout int64     `json:"potential_payout"` // informational only
	PayoutAmount    int64     `json:"payout_amount"`
	Claimed         bool      `json:"claimed"`
	CreatedAt       time.Time `json:"created_at"`
}

// Key returns the storage key of p.
func (p *Position) Key() PositionKey {
	return PositionKey{User: p.User, MarketID: p.MarketID, Timestamp: p.Timestamp}
}

// UserStats aggregates one user's activity for the leaderboard.
type UserStats struct {
	User           Identity `json:"user"`
	TotalVolume    int64    `json:"total_volume"`
	TotalPositions int64    `json:"total_positions"`
	Wins           int64    `json:"wins"`
	TotalPayout    int64    `json:"total_payout"`
	NetProfit      int64    `json:"net_profit"` // claimed payouts minus stakes on claimed positions
}

// Settlement is the archived snapshot of a resolved market.
type Settlement struct {
	Market     Market     `json:"market"`
	Positions  []Position `json:"positions"`
	ArchivedAt time.Time  `json:"archived_at"`
}

// ToUnits renders a base-unit amount as whole tokens.
func ToUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -UnitDecimals)
}

// OddsPercent renders basis points as a percentage with two decimals.
func OddsPercent(bps int64) decimal.Decimal {
	return decimal.New(bps, -2)
}
