package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

func bracket(asset string, qty float64) domain.Position {
	return domain.Position{
		Asset:       asset,
		Side:        domain.PositionSideLong,
		Kind:        domain.KindBracket,
		Qty:         qty,
		Stop:        90,
		InitialStop: 90,
		Target:      150,
		Strategy:    "test",
	}
}

func TestOpenDebitsCash(t *testing.T) {
	l := New(10000)
	pos, err := l.Open(bracket("BTC-USD", 10), 101)
	require.NoError(t, err)

	assert.InDelta(t, 8990.0, l.Cash(), 1e-9)
	assert.Equal(t, 101.0, pos.EntryPrice)
	assert.True(t, pos.Cost.Equal(decimal.NewFromInt(1010)))
	assert.Equal(t, 1, l.Count(domain.KindBracket))
	assert.InDelta(t, 1010.0, l.Turnover(), 1e-9)
}

func TestOpenRejectsDuplicateAndOverdraw(t *testing.T) {
	l := New(1000)
	_, err := l.Open(bracket("ETH-USD", 1), 100)
	require.NoError(t, err)

	_, err = l.Open(bracket("ETH-USD", 1), 100)
	assert.ErrorIs(t, err, domain.ErrPositionExists)

	_, err = l.Open(bracket("SOL-USD", 100), 100)
	assert.ErrorIs(t, err, domain.ErrInsufficientCash)

	var pe *PositionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "SOL-USD", pe.Asset)
	assert.Equal(t, "open", pe.Op)
	assert.InDelta(t, 900.0, l.Cash(), 1e-9)
}

func TestDebitToleranceZeroesCash(t *testing.T) {
	l := New(1000)
	// Overshoot of 1e-12 relative is absorbed.
	_, err := l.Open(bracket("BTC-USD", 1), 1000*(1+1e-12))
	require.NoError(t, err)
	assert.True(t, l.CashDecimal().IsZero())
}

func TestRoundTripPnLMatchesCashDelta(t *testing.T) {
	l := New(15000)
	_, err := l.Open(bracket("BTC-USD", 3.3333333), 100.0808)
	require.NoError(t, err)

	closed, pnl, err := l.Close(domain.KindBracket, "BTC-USD", 149.8801)
	require.NoError(t, err)
	assert.Equal(t, "BTC-USD", closed.Asset)
	assert.Equal(t, 0, l.Count(domain.KindBracket))

	delta := l.CashDecimal().Sub(l.InitialCash())
	assert.True(t, delta.Equal(pnl), "pnl %s != cash delta %s", pnl, delta)
	assert.Equal(t, delta.InexactFloat64(), pnl.InexactFloat64())
}

func TestBooksAreIndependent(t *testing.T) {
	l := New(10000)
	_, err := l.Open(bracket("BTC-USD", 10), 100)
	require.NoError(t, err)

	holding := domain.Position{Asset: "BTC-USD", Kind: domain.KindRebalance, Qty: 5, Strategy: "rebal"}
	_, err = l.Open(holding, 100)
	require.NoError(t, err)

	assert.Equal(t, 1, l.Count(domain.KindBracket))
	assert.Equal(t, 1, l.Count(domain.KindRebalance))
	assert.InDelta(t, 10000.0+15*10, l.Valuation(map[string]float64{"BTC-USD": 110}), 1e-9)
}

func TestAddAndReduceHolding(t *testing.T) {
	l := New(10000)
	_, err := l.Open(domain.Position{Asset: "ETH-USD", Kind: domain.KindRebalance, Qty: 10}, 100)
	require.NoError(t, err)

	pos, err := l.Add(domain.KindRebalance, "ETH-USD", 10, 200)
	require.NoError(t, err)
	assert.InDelta(t, 20.0, pos.Qty, 1e-12)
	assert.InDelta(t, 150.0, pos.EntryPrice, 1e-12)

	pnl, err := l.Reduce(domain.KindRebalance, "ETH-USD", 5, 180)
	require.NoError(t, err)
	// Cost basis of 5/20 of 3000 is 750; proceeds 900.
	assert.InDelta(t, 150.0, pnl.InexactFloat64(), 1e-9)

	pos, ok := l.Position(domain.KindRebalance, "ETH-USD")
	require.True(t, ok)
	assert.InDelta(t, 15.0, pos.Qty, 1e-12)

	// Reducing by more than held closes and removes the position.
	_, err = l.Reduce(domain.KindRebalance, "ETH-USD", 100, 180)
	require.NoError(t, err)
	_, ok = l.Position(domain.KindRebalance, "ETH-USD")
	assert.False(t, ok)
}

func TestShortCollateralAndCover(t *testing.T) {
	l := New(1000)
	short := bracket("BTC-USD", 5)
	short.Side = domain.PositionSideShort

	_, err := l.Open(short, 100)
	require.NoError(t, err)
	assert.InDelta(t, 1500.0, l.Cash(), 1e-9)
	assert.InDelta(t, 950.0, l.Valuation(map[string]float64{"BTC-USD": 110}), 1e-9)

	_, pnl, err := l.Close(domain.KindBracket, "BTC-USD", 90)
	require.NoError(t, err)
	assert.InDelta(t, 50.0, pnl.InexactFloat64(), 1e-9)
	assert.InDelta(t, 1050.0, l.Cash(), 1e-9)

	big := bracket("ETH-USD", 20)
	big.Side = domain.PositionSideShort
	_, err = l.Open(big, 100)
	assert.ErrorIs(t, err, domain.ErrInsufficientCash)
}

func TestInvalidLegs(t *testing.T) {
	l := New(1000)
	_, err := l.Open(bracket("BTC-USD", 0), 100)
	assert.ErrorIs(t, err, domain.ErrInvalidQuantity)

	_, err = l.Open(bracket("BTC-USD", 1), 0)
	assert.ErrorIs(t, err, domain.ErrInvalidFillPrice)

	_, _, err = l.Close(domain.KindBracket, "BTC-USD", 100)
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	assert.ErrorIs(t, l.SetStop("BTC-USD", 1), domain.ErrPositionNotFound)
}
