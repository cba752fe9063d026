package product

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradeValueDelta(t *testing.T) {
	notional := decimal.NewFromInt(1_000_000)

	delta := TradeValueDelta(notional, 1.25, 1.30)
	assert.True(t, decimal.NewFromInt(50_000).Equal(delta), delta.String())

	// direction of the move does not matter
	assert.True(t, delta.Equal(TradeValueDelta(notional, 1.30, 1.25)))
	assert.True(t, TradeValueDelta(notional, 1.25, 1.25).IsZero())
}

func TestExercise(t *testing.T) {
	notional := decimal.NewFromInt(1_000_000)

	remaining, err := Exercise(decimal.NewFromInt(100_000), notional, 1.25, 1.30)
	require.NoError(t, err)
	assert.Equal(t, "50000", remaining.String())

	remaining, err = Exercise(decimal.NewFromInt(10_000), notional, 1.25, 1.30)
	require.ErrorIs(t, err, ErrExposureExceeded)
	assert.True(t, remaining.IsNegative())
}
