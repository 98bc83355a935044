package market

import (
	"math"
	"math/bits"

	"github.com/atmx/oracle-engine/internal/model"
)

// EvenOdds is quoted for the first stake on an empty market.
const EvenOdds = model.OddsScale / 2

// OddsAtStake is the implied probability, in basis points, of the chosen
// side given the pools before the stake is added.
func OddsAtStake(poolYes, poolNo int64, outcome model.Outcome) (int64, error) {
	total, err := add(poolYes, poolNo)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return EvenOdds, nil
	}
	side := poolNo
	if outcome == model.OutcomeYes {
		side = poolYes
	}
	return mulDiv(side, model.OddsScale, total)
}

// PotentialPayout applies the claim formula to a single stake as if no
// further stakes arrive. Pools are post-stake. Informational only.
func PotentialPayout(newTotal, amount, newSidePool int64) (int64, error) {
	if newSidePool == 0 {
		return 0, nil
	}
	return mulDiv(newTotal, amount, newSidePool)
}

// Payout is the single authoritative settlement formula:
// total_pool * stake / winning_pool, truncated. Losers and an empty winning
// pool pay 0.
func Payout(poolYes, poolNo, stake int64, side, winner model.Outcome) (int64, error) {
	if side != winner {
		return 0, nil
	}
	winning := poolNo
	if winner == model.OutcomeYes {
		winning = poolYes
	}
	if winning == 0 {
		return 0, nil
	}
	total, err := add(poolYes, poolNo)
	if err != nil {
		return 0, err
	}
	return mulDiv(total, stake, winning)
}

// ImpliedOdds returns the current yes/no probabilities in basis points.
// They always sum to OddsScale; an empty market is 50/50.
func ImpliedOdds(poolYes, poolNo int64) (yes, no int64, err error) {
	yes, err = OddsAtStake(poolYes, poolNo, model.OutcomeYes)
	if err != nil {
		return 0, 0, err
	}
	return yes, model.OddsScale - yes, nil
}

// mulDiv computes a*b/c with a 128-bit intermediate and truncation. All
// operands must be non-negative and c positive.
func mulDiv(a, b, c int64) (int64, error) {
	if a < 0 || b < 0 || c <= 0 {
		return 0, ErrOverflow
	}
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi >= uint64(c) {
		return 0, ErrOverflow
	}
	q, _ := bits.Div64(hi, lo, uint64(c))
	if q > math.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(q), nil
}

func add(a, b int64) (int64, error) {
	if a < 0 || b < 0 || a > math.MaxInt64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}
