package market

import (
	"errors"

	"github.com/atmx/oracle-engine/internal/escrow"
	"github.com/atmx/oracle-engine/internal/store"
)

var (
	ErrMarketNotActive       = errors.New("market: market is not active")
	ErrMarketExpired         = errors.New("market: market has expired")
	ErrInvalidAmount         = errors.New("market: invalid stake amount")
	ErrUnauthorized          = errors.New("market: unauthorized")
	ErrMarketAlreadyResolved = errors.New("market: market already resolved")
	ErrMarketNotResolved     = errors.New("market: market not resolved yet")
	ErrAlreadyClaimed        = errors.New("market: payout already claimed")
	// ErrNoWinner means a resolved market has no recorded winner. It is an
	// invariant breach, not a user error.
	ErrNoWinner = errors.New("market: no winning outcome set")

	ErrInvalidOutcome  = errors.New("market: outcome must be yes or no")
	ErrInvalidMarketID = errors.New("market: invalid market id")
	ErrInvalidQuestion = errors.New("market: invalid question")
	ErrInvalidEndTime  = errors.New("market: end time is required")
	ErrOverflow        = errors.New("market: arithmetic overflow")
)

// codes names each error for API responses and metric labels.
var codes = []struct {
	err  error
	code string
}{
	{ErrMarketNotActive, "MarketNotActive"},
	{ErrMarketExpired, "MarketExpired"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrMarketAlreadyResolved, "MarketAlreadyResolved"},
	{ErrMarketNotResolved, "MarketNotResolved"},
	{ErrAlreadyClaimed, "AlreadyClaimed"},
	{ErrNoWinner, "NoWinner"},
	{ErrInvalidOutcome, "InvalidOutcome"},
	{ErrInvalidMarketID, "InvalidMarketID"},
	{ErrInvalidQuestion, "InvalidQuestion"},
	{ErrInvalidEndTime, "InvalidEndTime"},
	{ErrOverflow, "Overflow"},
	{store.ErrNotFound, "NotFound"},
	{store.ErrAlreadyExists, "AlreadyExists"},
	{store.ErrConflict, "Conflict"},
	{escrow.ErrInsufficientFunds, "InsufficientFunds"},
	{escrow.ErrInvalidAmount, "InvalidAmount"},
}

// Code returns the taxonomy name of err, or "Internal".
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "Internal"
}
