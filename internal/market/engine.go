// Package market is the pari-mutuel engine: market creation, staking,
// resolution and payout claims. Every mutation of a market runs under that
// market's lock, so stakes, the resolution and claims never interleave.
//
// Amounts are int64 base units. Odds are basis points.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/oracle-engine/internal/auth"
	"github.com/atmx/oracle-engine/internal/escrow"
	"github.com/atmx/oracle-engine/internal/lock"
	"github.com/atmx/oracle-engine/internal/metrics"
	"github.com/atmx/oracle-engine/internal/model"
	"github.com/atmx/oracle-engine/internal/store"
)

const (
	MaxMarketIDLen = 50
	MaxQuestionLen = 200
)

// Market IDs appear in URL paths and in position keys, so ':' and '/' are
// excluded.
var marketIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Engine executes market operations against a record store and a ledger.
type Engine struct {
	store  store.Store
	reader store.Store // uncached; feeds every write
	ledger escrow.Transferer
	sealer *escrow.Sealer
	locks  lock.Locker
	now    func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine wires an engine. sealer mints the escrow capabilities used for
// payouts. The ledger must join the store's unit of work (see store.Unit).
func NewEngine(st store.Store, ledger escrow.Transferer, sealer *escrow.Sealer, locks lock.Locker, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		reader: store.Authoritative(st),
		ledger: ledger,
		sealer: sealer,
		locks:  locks,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateMarketParams is the input to CreateMarket.
type CreateMarketParams struct {
	ID       string
	Question string
	EndTime  time.Time
}

// CreateMarket opens a new market with the caller as its authority.
func (e *Engine) CreateMarket(ctx context.Context, p auth.Principal, params CreateMarketParams) (*model.Market, error) {
	defer observe("create_market", time.Now())

	if err := validateMarketID(params.ID); err != nil {
		return nil, reject("create_market", err)
	}
	if len(params.Question) > MaxQuestionLen {
		return nil, reject("create_market", fmt.Errorf("%w: question is %d bytes, max %d",
			ErrInvalidQuestion, len(params.Question), MaxQuestionLen))
	}
	if params.EndTime.IsZero() {
		return nil, reject("create_market", ErrInvalidEndTime)
	}

	m := &model.Market{
		ID:             params.ID,
		Authority:      p.Identity,
		Question:       params.Question,
		EndTime:        params.EndTime.UTC(),
		Status:         model.StatusActive,
		WinningOutcome: model.Unresolved(),
		CreatedAt:      e.now().UTC(),
	}
	if err := e.store.CreateMarket(ctx, m); err != nil {
		return nil, reject("create_market", fmt.Errorf("create market %s: %w", params.ID, err))
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"market", m.ID,
		"authority", m.Authority,
		"end_time", m.EndTime,
	)
	return m, nil
}

// StakeParams is the input to PlaceStake.
type StakeParams struct {
	MarketID string
	Amount   int64
	Outcome  model.Outcome
	// Timestamp is the client-chosen position discriminator. Zero means the
	// time the request was signed, in milliseconds, or "now" for unsigned
	// callers. A replayed request therefore maps to the same position.
	Timestamp int64
}

// StakeResult is the new position and the market after the stake.
type StakeResult struct {
	Position *model.Position
	Market   *model.Market
}

// PlaceStake moves amount from the caller into the market escrow and
// records a position on the chosen outcome.
func (e *Engine) PlaceStake(ctx context.Context, p auth.Principal, params StakeParams) (*StakeResult, error) {
	const op = "place_stake"
	defer observe(op, time.Now())

	if !params.Outcome.Valid() {
		return nil, reject(op, ErrInvalidOutcome)
	}

	unlock, err := e.locks.Lock(ctx, lockKey(params.MarketID))
	if err != nil {
		return nil, reject(op, fmt.Errorf("lock market %s: %w", params.MarketID, err))
	}
	defer unlock()

	now := e.now()
	ts := params.Timestamp
	if ts == 0 {
		ts = now.UnixMilli()
		if !p.SignedAt.IsZero() {
			ts = p.SignedAt.UnixMilli()
		}
	}

	prepare := func(m *model.Market) (*model.Position, error) {
		return newPosition(m, p.Identity, params, ts, now)
	}
	deposit := func(ctx context.Context) error {
		if err := e.ledger.Deposit(ctx, p.Identity, escrow.MarketEscrow(params.MarketID), params.Amount); err != nil {
			return fmt.Errorf("deposit stake: %w", err)
		}
		return nil
	}
	m, pos, err := e.store.RecordStake(ctx, params.MarketID, prepare, deposit)
	if err != nil {
		return nil, reject(op, err)
	}

	metrics.StakesTotal.WithLabelValues(string(params.Outcome)).Inc()
	metrics.StakeVolume.WithLabelValues(string(params.Outcome)).Add(float64(params.Amount))
	slog.Info("stake placed",
		"market", m.ID,
		"user", p.Identity,
		"outcome", params.Outcome,
		"amount", params.Amount,
		"tokens", model.ToUnits(params.Amount).String(),
		"odds_bps", pos.OddsAtStake,
		"potential_payout", pos.PotentialPayout,
	)
	return &StakeResult{Position: pos, Market: m}, nil
}

// newPosition checks that m can take the stake and prices it. m is the
// market as locked by the store, before the stake.
func newPosition(m *model.Market, user model.Identity, params StakeParams, ts int64, now time.Time) (*model.Position, error) {
	if m.Status != model.StatusActive {
		return nil, ErrMarketNotActive
	}
	if !now.Before(m.EndTime) {
		return nil, ErrMarketExpired
	}
	if params.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	odds, err := OddsAtStake(m.PoolYes, m.PoolNo, params.Outcome)
	if err != nil {
		return nil, err
	}
	pool, err := add(m.Pool(params.Outcome), params.Amount)
	if err != nil {
		return nil, err
	}
	total, err := add(m.TotalPool(), params.Amount)
	if err != nil {
		return nil, err
	}
	if _, err := add(m.TotalVolume, params.Amount); err != nil {
		return nil, err
	}
	potential, err := PotentialPayout(total, params.Amount, pool)
	if err != nil {
		return nil, err
	}

	return &model.Position{
		ID:              uuid.New().String(),
		User:            user,
		MarketID:        m.ID,
		Timestamp:       ts,
		StakeAmount:     params.Amount,
		Outcome:         params.Outcome,
		OddsAtStake:     odds,
		PotentialPayout: potential,
		CreatedAt:       now.UTC(),
	}, nil
}

// ResolveMarket records the winning outcome. Only the market authority may
// resolve, and only once.
func (e *Engine) ResolveMarket(ctx context.Context, p auth.Principal, marketID string, outcome model.Outcome) (*model.Market, error) {
	const op = "resolve_market"
	defer observe(op, time.Now())

	if !outcome.Valid() {
		return nil, reject(op, ErrInvalidOutcome)
	}

	unlock, err := e.locks.Lock(ctx, lockKey(marketID))
	if err != nil {
		return nil, reject(op, fmt.Errorf("lock market %s: %w", marketID, err))
	}
	defer unlock()

	m, err := e.reader.GetMarket(ctx, marketID)
	if err != nil {
		return nil, reject(op, err)
	}
	if p.Identity != m.Authority {
		return nil, reject(op, ErrUnauthorized)
	}
	if m.Status != model.StatusActive {
		return nil, reject(op, ErrMarketAlreadyResolved)
	}

	m.Status = model.StatusResolved
	m.WinningOutcome = model.ResolvedTo(outcome)
	if err := e.store.ResolveMarket(ctx, m); err != nil {
		if errors.Is(err, store.ErrConflict) {
			err = fmt.Errorf("%w: %w", ErrMarketAlreadyResolved, err)
		}
		return nil, reject(op, err)
	}

	metrics.ActiveMarkets.Dec()
	metrics.ResolutionsTotal.WithLabelValues(string(outcome)).Inc()
	slog.Info("market resolved",
		"market", m.ID,
		"outcome", outcome,
		"pool_yes", m.PoolYes,
		"pool_no", m.PoolNo,
	)
	return m, nil
}

// ClaimPayout settles a position on a resolved market. Losing positions
// settle with a payout of zero; the position is marked claimed either way.
func (e *Engine) ClaimPayout(ctx context.Context, p auth.Principal, key model.PositionKey) (*model.Position, error) {
	const op = "claim_payout"
	defer observe(op, time.Now())

	unlock, err := e.locks.Lock(ctx, lockKey(key.MarketID))
	if err != nil {
		return nil, reject(op, fmt.Errorf("lock market %s: %w", key.MarketID, err))
	}
	defer unlock()

	m, err := e.reader.GetMarket(ctx, key.MarketID)
	if err != nil {
		return nil, reject(op, err)
	}
	pos, err := e.reader.GetPosition(ctx, key)
	if err != nil {
		return nil, reject(op, err)
	}

	if m.Status != model.StatusResolved {
		return nil, reject(op, ErrMarketNotResolved)
	}
	if pos.Claimed {
		return nil, reject(op, ErrAlreadyClaimed)
	}
	if p.Identity != pos.User {
		return nil, reject(op, ErrUnauthorized)
	}
	winner, ok := m.WinningOutcome.Winner()
	if !ok {
		slog.Error("resolved market has no winner", "market", m.ID)
		return nil, reject(op, ErrNoWinner)
	}

	payout, err := Payout(m.PoolYes, m.PoolNo, pos.StakeAmount, pos.Outcome, winner)
	if err != nil {
		return nil, reject(op, err)
	}

	var release store.TransferFunc
	if payout > 0 {
		capability := e.sealer.ForMarket(m.ID)
		release = func(ctx context.Context) error {
			if err := e.ledger.Release(ctx, capability, escrow.UserAccount(pos.User), payout); err != nil {
				return fmt.Errorf("release payout: %w", err)
			}
			return nil
		}
	}

	pos.PayoutAmount = payout
	if err := e.store.RecordClaim(ctx, pos, release); err != nil {
		if errors.Is(err, store.ErrConflict) {
			err = fmt.Errorf("%w: %w", ErrAlreadyClaimed, err)
		}
		return nil, reject(op, err)
	}
	pos.Claimed = true

	result := "lost"
	if payout > 0 {
		result = "won"
		metrics.PayoutVolume.Add(float64(payout))
	}
	metrics.ClaimsTotal.WithLabelValues(result).Inc()
	slog.Info("payout claimed",
		"market", m.ID,
		"user", pos.User,
		"outcome", pos.Outcome,
		"winner", winner,
		"stake", pos.StakeAmount,
		"payout", payout,
		"tokens", model.ToUnits(payout).String(),
	)
	return pos, nil
}

func validateMarketID(id string) error {
	if len(id) == 0 || len(id) > MaxMarketIDLen {
		return fmt.Errorf("%w: must be 1-%d bytes", ErrInvalidMarketID, MaxMarketIDLen)
	}
	if !marketIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidMarketID, id)
	}
	return nil
}

func lockKey(marketID string) string { return "market:" + marketID }

func reject(op string, err error) error {
	metrics.Rejections.WithLabelValues(op, Code(err)).Inc()
	return err
}

func observe(op string, start time.Time) {
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
