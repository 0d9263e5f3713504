// Package ledger is the portfolio's bookkeeping: cash, two books of open
// positions (bracket and rebalance holdings), and cumulative turnover. It
// performs no I/O and knows nothing about time.
package ledger

import (
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// cashTolerance is the relative overshoot of a debit over available cash
// that is absorbed by zeroing cash instead of rejecting the fill.
const cashTolerance = 1e-9

// Ledger tracks cash and open positions for one backtest run. Cash, cost
// basis, and turnover are kept in decimal so realized PnL matches the cash
// movement exactly.
type Ledger struct {
	initial  decimal.Decimal
	cash     decimal.Decimal
	turnover decimal.Decimal
	brackets map[string]*domain.Position
	holdings map[string]*domain.Position
	equity   float64
}

// New creates a Ledger holding initialCash and no positions.
func New(initialCash float64) *Ledger {
	c := decimal.NewFromFloat(initialCash)
	return &Ledger{
		initial:  c,
		cash:     c,
		brackets: make(map[string]*domain.Position),
		holdings: make(map[string]*domain.Position),
		equity:   initialCash,
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Cash returns available cash.
func (l *Ledger) Cash() float64 { return l.cash.InexactFloat64() }

// CashDecimal returns available cash without float conversion.
func (l *Ledger) CashDecimal() decimal.Decimal { return l.cash }

// InitialCash returns the cash the ledger was created with.
func (l *Ledger) InitialCash() decimal.Decimal { return l.initial }

// Turnover returns the cumulative traded notional.
func (l *Ledger) Turnover() float64 { return l.turnover.InexactFloat64() }

// Equity returns the value computed by the most recent Valuation call.
func (l *Ledger) Equity() float64 { return l.equity }

// Position returns a copy of the open position of the given kind.
func (l *Ledger) Position(kind domain.HoldingKind, asset string) (domain.Position, bool) {
	p, ok := l.book(kind)[asset]
	if !ok {
		return domain.Position{}, false
	}
	return *p, true
}

// Positions returns copies of every position in the given book, sorted by
// asset.
func (l *Ledger) Positions(kind domain.HoldingKind) []domain.Position {
	book := l.book(kind)
	out := make([]domain.Position, 0, len(book))
	for _, p := range book {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Count returns the number of open positions in the given book.
func (l *Ledger) Count(kind domain.HoldingKind) int {
	return len(l.book(kind))
}

// Valuation recomputes equity as cash plus long notional minus short
// notional. An asset missing from prices is valued at its entry price.
func (l *Ledger) Valuation(prices map[string]float64) float64 {
	eq := l.cash.InexactFloat64()
	for _, book := range []map[string]*domain.Position{l.brackets, l.holdings} {
		for _, p := range book {
			px, ok := prices[p.Asset]
			if !ok {
				px = p.EntryPrice
			}
			if p.Side == domain.PositionSideShort {
				eq -= p.Qty * px
			} else {
				eq += p.Qty * px
			}
		}
	}
	l.equity = eq
	return eq
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// Open books a new position at fillPrice. Longs debit qty*fillPrice from
// cash. Shorts require cash of at least the sold notional as collateral and
// credit the sale proceeds.
func (l *Ledger) Open(pos domain.Position, fillPrice float64) (domain.Position, error) {
	book := l.book(pos.Kind)
	if _, exists := book[pos.Asset]; exists {
		return domain.Position{}, newPositionError(pos.Asset, "open", domain.ErrPositionExists)
	}
	if err := validLeg(pos.Qty, fillPrice); err != nil {
		return domain.Position{}, newPositionError(pos.Asset, "open", err)
	}

	notional := amount(pos.Qty, fillPrice)
	switch pos.Side {
	case domain.PositionSideShort:
		if notional.GreaterThan(l.cash) {
			return domain.Position{}, newPositionError(pos.Asset, "open", domain.ErrInsufficientCash)
		}
		l.cash = l.cash.Add(notional)
		pos.Cost = notional
	default:
		pos.Side = domain.PositionSideLong
		charged, err := l.debit(notional)
		if err != nil {
			return domain.Position{}, newPositionError(pos.Asset, "open", err)
		}
		pos.Cost = charged
	}
	pos.EntryPrice = fillPrice
	l.turnover = l.turnover.Add(notional)

	p := pos
	book[pos.Asset] = &p
	return p, l.check()
}

// Add tops up an existing long position, averaging its entry price.
func (l *Ledger) Add(kind domain.HoldingKind, asset string, qty, fillPrice float64) (domain.Position, error) {
	p, ok := l.book(kind)[asset]
	if !ok {
		return domain.Position{}, newPositionError(asset, "add", domain.ErrPositionNotFound)
	}
	if p.Side == domain.PositionSideShort {
		return domain.Position{}, newPositionError(asset, "add", domain.ErrShortNotAllowed)
	}
	if err := validLeg(qty, fillPrice); err != nil {
		return domain.Position{}, newPositionError(asset, "add", err)
	}

	notional := amount(qty, fillPrice)
	charged, err := l.debit(notional)
	if err != nil {
		return domain.Position{}, newPositionError(asset, "add", err)
	}
	p.EntryPrice = (p.Qty*p.EntryPrice + qty*fillPrice) / (p.Qty + qty)
	p.Qty += qty
	p.Cost = p.Cost.Add(charged)
	l.turnover = l.turnover.Add(notional)
	return *p, l.check()
}

// Reduce sells qty of a long position and returns the realized PnL against
// the proportional cost basis. Reducing by the full quantity closes the
// position.
func (l *Ledger) Reduce(kind domain.HoldingKind, asset string, qty, fillPrice float64) (decimal.Decimal, error) {
	p, ok := l.book(kind)[asset]
	if !ok {
		return decimal.Zero, newPositionError(asset, "reduce", domain.ErrPositionNotFound)
	}
	if p.Side == domain.PositionSideShort {
		return decimal.Zero, newPositionError(asset, "reduce", domain.ErrShortNotAllowed)
	}
	if err := validLeg(qty, fillPrice); err != nil {
		return decimal.Zero, newPositionError(asset, "reduce", err)
	}
	if qty >= p.Qty {
		_, pnl, err := l.Close(kind, asset, fillPrice)
		return pnl, err
	}

	frac := decimal.NewFromFloat(qty / p.Qty)
	costPart := p.Cost.Mul(frac)
	proceeds := amount(qty, fillPrice)

	l.cash = l.cash.Add(proceeds)
	l.turnover = l.turnover.Add(proceeds)
	p.Qty -= qty
	p.Cost = p.Cost.Sub(costPart)
	return proceeds.Sub(costPart), l.check()
}

// Close removes the whole position at fillPrice and returns the closed
// position together with its realized PnL. Covering a short that costs more
// than available cash fails with ErrInsufficientCash.
func (l *Ledger) Close(kind domain.HoldingKind, asset string, fillPrice float64) (domain.Position, decimal.Decimal, error) {
	book := l.book(kind)
	p, ok := book[asset]
	if !ok {
		return domain.Position{}, decimal.Zero, newPositionError(asset, "close", domain.ErrPositionNotFound)
	}
	if err := validLeg(p.Qty, fillPrice); err != nil {
		return domain.Position{}, decimal.Zero, newPositionError(asset, "close", err)
	}

	notional := amount(p.Qty, fillPrice)
	var pnl decimal.Decimal
	if p.Side == domain.PositionSideShort {
		charged, err := l.debit(notional)
		if err != nil {
			return domain.Position{}, decimal.Zero, newPositionError(asset, "close", err)
		}
		pnl = p.Cost.Sub(charged)
	} else {
		l.cash = l.cash.Add(notional)
		pnl = notional.Sub(p.Cost)
	}
	l.turnover = l.turnover.Add(notional)

	closed := *p
	delete(book, asset)
	return closed, pnl, l.check()
}

// SetStop moves the stop of an open bracket position.
func (l *Ledger) SetStop(asset string, stop float64) error {
	p, ok := l.brackets[asset]
	if !ok {
		return newPositionError(asset, "set-stop", domain.ErrPositionNotFound)
	}
	p.Stop = stop
	return nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (l *Ledger) book(kind domain.HoldingKind) map[string]*domain.Position {
	if kind == domain.KindRebalance {
		return l.holdings
	}
	return l.brackets
}

// debit removes amt from cash and returns the amount actually charged.
func (l *Ledger) debit(amt decimal.Decimal) (decimal.Decimal, error) {
	if amt.LessThanOrEqual(l.cash) {
		l.cash = l.cash.Sub(amt)
		return amt, nil
	}
	excess := amt.Sub(l.cash)
	if l.cash.IsPositive() && excess.Div(amt).InexactFloat64() <= cashTolerance {
		charged := l.cash
		l.cash = decimal.Zero
		return charged, nil
	}
	return decimal.Zero, domain.ErrInsufficientCash
}

func (l *Ledger) check() error {
	if l.cash.IsNegative() {
		return fmt.Errorf("%w: cash went negative: %s", ErrInvariant, l.cash)
	}
	for _, book := range []map[string]*domain.Position{l.brackets, l.holdings} {
		for asset, p := range book {
			if !(p.Qty > 0) {
				return newPositionError(asset, "check", ErrInvariant)
			}
		}
	}
	return nil
}

func validLeg(qty, price float64) error {
	if !(qty > 0) || math.IsInf(qty, 0) {
		return domain.ErrInvalidQuantity
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return domain.ErrInvalidFillPrice
	}
	return nil
}

func amount(qty, price float64) decimal.Decimal {
	return decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))
}
