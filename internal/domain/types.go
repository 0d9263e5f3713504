// Package domain defines the core value types shared by the backtest
// packages: bars, signals, positions, fills, trade records, and equity
// points.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar represents a single OHLCV bar for one asset at one time step. Bars are
// immutable once loaded.
type Bar struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Open       float64   `json:"open"`
	High       float64   `json:"high"`
	Low        float64   `json:"low"`
	Close      float64   `json:"close"`
	Volume     float64   `json:"volume"`
	TradeCount int64     `json:"trade_count"`
	VWAP       float64   `json:"vwap"`
}

// Granularity is the bar interval of a price series.
type Granularity string

const (
	OneMinute      Granularity = "1m"
	FiveMinutes    Granularity = "5m"
	FifteenMinutes Granularity = "15m"
	OneHour        Granularity = "1h"
	SixHours       Granularity = "6h"
	OneDay         Granularity = "1d"
)

var granularities = map[Granularity]time.Duration{
	OneMinute:      time.Minute,
	FiveMinutes:    5 * time.Minute,
	FifteenMinutes: 15 * time.Minute,
	OneHour:        time.Hour,
	SixHours:       6 * time.Hour,
	OneDay:         24 * time.Hour,
}

// ParseGranularity accepts the short form ("1h") as well as the common
// long aliases ("ONE_HOUR", "1d", "daily").
func ParseGranularity(s string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1m", "one_minute", "1min":
		return OneMinute, nil
	case "5m", "five_minute", "5min":
		return FiveMinutes, nil
	case "15m", "fifteen_minute", "15min":
		return FifteenMinutes, nil
	case "1h", "one_hour", "hourly":
		return OneHour, nil
	case "6h", "six_hour":
		return SixHours, nil
	case "1d", "one_day", "daily":
		return OneDay, nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// Duration returns the wall-clock length of one bar, or zero for an unknown
// granularity.
func (g Granularity) Duration() time.Duration {
	return granularities[g]
}

// ---------------------------------------------------------------------------
// Enumerations
// ---------------------------------------------------------------------------

// Side is the direction of an order leg.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the side that closes a leg opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide indicates whether a position is long or short.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// HoldingKind separates stop/target-managed positions from portfolio
// rebalance holdings.
type HoldingKind string

const (
	KindBracket   HoldingKind = "bracket"
	KindRebalance HoldingKind = "rebalance"
)

// ExitReason records why a round-trip was closed.
type ExitReason string

const (
	ExitStop          ExitReason = "stop"
	ExitTarget        ExitReason = "target"
	ExitRebalanceSell ExitReason = "rebalance_sell"
	ExitFinal         ExitReason = "final"
)

// FillKind labels a single execution leg in the fill journal.
type FillKind string

const (
	FillEntry         FillKind = "entry"
	FillExit          FillKind = "exit"
	FillRebalanceBuy  FillKind = "rebalance_buy"
	FillRebalanceSell FillKind = "rebalance_sell"
	FillFinal         FillKind = "final"
)

// FillTiming selects the reference price for entries and rebalance legs.
type FillTiming string

const (
	FillAtClose    FillTiming = "close"
	FillAtNextOpen FillTiming = "next_open"
)

// ---------------------------------------------------------------------------
// Signals
// ---------------------------------------------------------------------------

// Signal is emitted by a strategy adapter at a given step. The concrete type
// is one of EntrySignal, RebalanceSignal, or ErrorSignal.
type Signal interface {
	// Source returns the name of the strategy that produced the signal.
	Source() string
	isSignal()
}

// EntrySignal asks the engine to open a bracket position.
type EntrySignal struct {
	Name       string
	Asset      string
	Side       Side
	Entry      float64
	Stop       float64
	Target     float64
	ATR        float64
	RiskReward float64
	Confidence float64

	// Optional per-signal management overrides. Nil means use the engine
	// defaults.
	TrailATRMultiple *float64
	BreakevenAfterR  *float64
}

// RebalanceSignal carries target weights as fractions of current equity.
// Weights need not sum to one.
type RebalanceSignal struct {
	Name    string
	Weights map[string]float64
}

// ErrorSignal reports an adapter failure. It is never applied.
type ErrorSignal struct {
	Name    string
	Step    int
	Message string
}

func (s EntrySignal) Source() string     { return s.Name }
func (s RebalanceSignal) Source() string { return s.Name }
func (s ErrorSignal) Source() string     { return s.Name }

func (EntrySignal) isSignal()     {}
func (RebalanceSignal) isSignal() {}
func (ErrorSignal) isSignal()     {}

// Float returns a pointer to v, for the optional EntrySignal fields.
func Float(v float64) *float64 { return &v }

// ---------------------------------------------------------------------------
// Positions, fills, trades
// ---------------------------------------------------------------------------

// Position is an open holding in one asset. Qty is always positive; Side
// carries the direction.
type Position struct {
	Asset       string
	Side        PositionSide
	Kind        HoldingKind
	Qty         float64
	EntryPrice  float64
	Stop        float64
	InitialStop float64
	Target      float64
	ATR         float64
	Strategy    string
	OpenedAt    time.Time

	TrailATRMultiple float64
	BreakevenAfterR  float64

	// Cost is the cash paid to open a long (or received to open a short),
	// including execution costs.
	Cost decimal.Decimal
}

// Notional returns the position's value at price.
func (p Position) Notional(price float64) float64 {
	return p.Qty * price
}

// InitialRisk returns the per-unit distance between entry and the stop the
// position was opened with.
func (p Position) InitialRisk() float64 {
	if p.Side == PositionSideShort {
		return p.InitialStop - p.EntryPrice
	}
	return p.EntryPrice - p.InitialStop
}

// Fill is one execution leg.
type Fill struct {
	Timestamp time.Time
	Asset     string
	Strategy  string
	Kind      FillKind
	Side      Side
	Qty       float64
	Reference float64
	Price     float64
	Notional  float64
}

// TradeRecord is the durable log row for one completed round-trip.
type TradeRecord struct {
	OpenTS     time.Time
	CloseTS    time.Time
	Asset      string
	Strategy   string
	Side       Side
	Qty        float64
	Entry      float64
	Stop       float64
	Target     float64
	Exit       float64
	ExitReason ExitReason
	RMultiple  float64
	PnL        float64
}

// EquityPoint is one observation of portfolio equity.
type EquityPoint struct {
	Timestamp time.Time
	Equity    float64
}
