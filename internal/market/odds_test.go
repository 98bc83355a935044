package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/oracle-engine/internal/model"
)

func TestOddsAtStake(t *testing.T) {
	tests := []struct {
		name    string
		yes, no int64
		outcome model.Outcome
		want    int64
	}{
		{"empty market yes", 0, 0, model.OutcomeYes, 5000},
		{"empty market no", 0, 0, model.OutcomeNo, 5000},
		{"yes favoured", 300, 100, model.OutcomeYes, 7500},
		{"no underdog", 300, 100, model.OutcomeNo, 2500},
		{"one-sided", 100, 0, model.OutcomeNo, 0},
		{"truncates", 1, 2, model.OutcomeYes, 3333},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OddsAtStake(tt.yes, tt.no, tt.outcome)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPayout_WorkedExample(t *testing.T) {
	// 300 on yes, 100 on no; yes wins.
	got, err := Payout(300, 100, 30, model.OutcomeYes, model.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, int64(40), got)

	got, err = Payout(300, 100, 50, model.OutcomeNo, model.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got, "losing side pays nothing")
}

func TestPayout_EmptyWinningPool(t *testing.T) {
	got, err := Payout(0, 500, 500, model.OutcomeNo, model.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	got, err = Payout(0, 500, 0, model.OutcomeYes, model.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestPayout_LargeValuesUse128BitIntermediate(t *testing.T) {
	// total*stake overflows int64, the quotient does not.
	yes := int64(math.MaxInt64 / 4)
	no := int64(math.MaxInt64 / 4)
	got, err := Payout(yes, no, yes, model.OutcomeYes, model.OutcomeYes)
	require.NoError(t, err)
	assert.Equal(t, yes+no, got)
}

func TestPayout_Overflow(t *testing.T) {
	_, err := Payout(math.MaxInt64, 1, 1, model.OutcomeYes, model.OutcomeYes)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestPotentialPayout(t *testing.T) {
	// First stake of 100 on an empty market: the whole pool is its own.
	got, err := PotentialPayout(100, 100, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got)

	got, err = PotentialPayout(430, 30, 330)
	require.NoError(t, err)
	assert.Equal(t, int64(39), got)
}

func TestImpliedOdds(t *testing.T) {
	yes, no, err := ImpliedOdds(0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), yes)
	assert.Equal(t, int64(5000), no)

	yes, no, err = ImpliedOdds(1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3333), yes)
	assert.Equal(t, int64(6667), no)
	assert.Equal(t, int64(model.OddsScale), yes+no)
}

func TestMulDiv(t *testing.T) {
	got, err := mulDiv(7, 3, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(10), got)

	_, err = mulDiv(1, 1, 0)
	assert.ErrorIs(t, err, ErrOverflow)
	_, err = mulDiv(-1, 1, 1)
	assert.ErrorIs(t, err, ErrOverflow)
}
