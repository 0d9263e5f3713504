// Package engine runs the backtest event loop: it marks positions, manages
// bracket exits, collects adapter signals, applies rebalances and entries
// through the broker's cost model, and records fills, trades, and equity.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/scottjoyner/portfolio-management/internal/broker"
	"github.com/scottjoyner/portfolio-management/internal/domain"
	"github.com/scottjoyner/portfolio-management/internal/ledger"
	"github.com/scottjoyner/portfolio-management/internal/strategy"
	"github.com/scottjoyner/portfolio-management/internal/util"
)

// Market is the aligned price history the engine steps through.
// *portal.Portal satisfies it.
type Market interface {
	Assets() []string
	Len() int
	Time(step int) time.Time
	BarAt(asset string, step int) (domain.Bar, bool)
	Closes(step int) map[string]float64
}

// Config holds the execution and risk policy of one run.
type Config struct {
	InitialCash  float64
	RiskPerTrade float64
	MinNotional  float64
	MaxPositions int // bracket positions; 0 means unlimited
	AllowShort   bool
	FillTiming   domain.FillTiming

	// Trailing enables the engine-wide trail and breakeven defaults for
	// positions whose entry signal does not set its own.
	Trailing        bool
	TrailATRMult    float64
	BreakevenAfterR float64

	// IncludeHoldings liquidates rebalance holdings at the end of the run
	// alongside bracket positions.
	IncludeHoldings bool
}

// DefaultConfig returns the policy used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		InitialCash:     10_000,
		RiskPerTrade:    0.01,
		MinNotional:     25,
		MaxPositions:    12,
		FillTiming:      domain.FillAtNextOpen,
		Trailing:        true,
		TrailATRMult:    1.0,
		BreakevenAfterR: 1.0,
		IncludeHoldings: true,
	}
}

// Validate reports the first invalid setting, wrapped in
// domain.ErrInvalidConfig.
func (c Config) Validate() error {
	switch {
	case !(c.InitialCash > 0):
		return fmt.Errorf("%w: initial cash must be positive, got %g", domain.ErrInvalidConfig, c.InitialCash)
	case !(c.RiskPerTrade > 0) || c.RiskPerTrade > 1:
		return fmt.Errorf("%w: risk per trade must be in (0, 1], got %g", domain.ErrInvalidConfig, c.RiskPerTrade)
	case c.MinNotional < 0:
		return fmt.Errorf("%w: min notional must be non-negative", domain.ErrInvalidConfig)
	case c.MaxPositions < 0:
		return fmt.Errorf("%w: max positions must be non-negative", domain.ErrInvalidConfig)
	case c.TrailATRMult < 0 || c.BreakevenAfterR < 0:
		return fmt.Errorf("%w: trailing settings must be non-negative", domain.ErrInvalidConfig)
	}
	switch c.FillTiming {
	case domain.FillAtClose, domain.FillAtNextOpen:
	default:
		return fmt.Errorf("%w: unknown fill timing %q", domain.ErrInvalidConfig, c.FillTiming)
	}
	return nil
}

// Result is everything a run produced. On error it holds the state
// accumulated up to the failing step.
type Result struct {
	Trades        []domain.TradeRecord
	Fills         []domain.Fill
	Equity        []domain.EquityPoint
	Daily         []domain.EquityPoint
	AdapterErrors []domain.ErrorSignal
	Rejections    map[string]int

	Steps       int
	InitialCash float64
	FinalCash   float64
	FinalEquity float64
	Turnover    float64
}

// Engine drives one backtest. It is single-threaded and holds no state
// shared with other engines, so independent runs may execute in parallel.
type Engine struct {
	cfg      Config
	market   Market
	broker   broker.Broker
	adapters []strategy.Adapter
	risk     *RiskManager
	log      *slog.Logger

	ledger  *ledger.Ledger
	pending []domain.Signal
	res     *Result
}

// NewEngine creates an Engine over market, pricing fills through b and
// polling adapters in the given order.
func NewEngine(cfg Config, market Market, b broker.Broker, adapters []strategy.Adapter) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: no broker", domain.ErrInvalidConfig)
	}
	if market == nil || market.Len() == 0 {
		return nil, &domain.InsufficientDataError{Reason: "empty time index"}
	}
	return &Engine{
		cfg:      cfg,
		market:   market,
		broker:   b,
		adapters: adapters,
		risk:     NewRiskManager(cfg),
		log:      slog.Default().With("component", "engine"),
	}, nil
}

// Run steps through every timestamp, liquidates at the end, and returns the
// result. A cancelled context or a ledger invariant failure stops the run
// and returns the partial result together with the error.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	e.ledger = ledger.New(e.cfg.InitialCash)
	e.pending = nil
	e.res = &Result{
		InitialCash: e.cfg.InitialCash,
		Rejections:  make(map[string]int),
	}

	n := e.market.Len()
	e.log.Info("backtest started",
		"steps", n,
		"assets", len(e.market.Assets()),
		"adapters", len(e.adapters),
		"fill_timing", e.cfg.FillTiming,
		"broker", e.broker.Name(),
	)

	for step := 0; step < n; step++ {
		if err := ctx.Err(); err != nil {
			return e.snapshot(), fmt.Errorf("backtest stopped at step %d: %w", step, err)
		}
		if err := e.step(ctx, step); err != nil {
			return e.snapshot(), fmt.Errorf("step %d (%s): %w", step, e.market.Time(step).Format(time.RFC3339), err)
		}
		e.res.Steps = step + 1
	}
	if err := e.liquidate(n - 1); err != nil {
		return e.snapshot(), fmt.Errorf("final liquidation: %w", err)
	}

	res := e.snapshot()
	e.log.Info("backtest finished",
		"trades", len(res.Trades),
		"fills", len(res.Fills),
		"final_equity", res.FinalEquity,
		"adapter_errors", len(res.AdapterErrors),
	)
	return res, nil
}

func (e *Engine) snapshot() *Result {
	e.res.FinalCash = e.ledger.Cash()
	e.res.FinalEquity = e.ledger.Equity()
	e.res.Turnover = e.ledger.Turnover()
	return e.res
}

// step processes one timestamp in a fixed order: pending next-open orders,
// mark, bracket management, signal collection, rebalances, entries, and the
// closing equity mark.
func (e *Engine) step(ctx context.Context, step int) error {
	if len(e.pending) > 0 {
		if err := e.executePending(step); err != nil {
			return err
		}
	}

	closes := e.market.Closes(step)
	e.ledger.Valuation(closes)

	if err := e.manageBrackets(step, closes); err != nil {
		return err
	}

	var rebalances, entries []domain.Signal
	for _, sig := range e.collect(ctx, step) {
		switch s := sig.(type) {
		case domain.RebalanceSignal:
			rebalances = append(rebalances, s)
		case domain.EntrySignal:
			entries = append(entries, s)
		case domain.ErrorSignal:
			e.res.AdapterErrors = append(e.res.AdapterErrors, s)
			e.log.Warn("adapter error", "adapter", s.Name, "step", s.Step, "err", s.Message)
		}
	}

	if e.cfg.FillTiming == domain.FillAtNextOpen {
		e.pending = append(append(e.pending, rebalances...), entries...)
	} else {
		for _, sig := range append(rebalances, entries...) {
			if err := e.apply(step, sig, closes); err != nil {
				return err
			}
		}
	}

	e.mark(e.market.Time(step), e.ledger.Valuation(closes))
	return nil
}

// executePending fills the orders queued on the previous step at this
// step's opens.
func (e *Engine) executePending(step int) error {
	opens := make(map[string]float64, len(e.market.Assets()))
	for _, asset := range e.market.Assets() {
		bar, ok := e.market.BarAt(asset, step)
		if !ok {
			continue
		}
		px := bar.Open
		if !(px > 0) {
			px = bar.Close
		}
		opens[asset] = px
	}

	queued := e.pending
	e.pending = nil
	for _, sig := range queued {
		if err := e.apply(step, sig, opens); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) apply(step int, sig domain.Signal, ref map[string]float64) error {
	switch s := sig.(type) {
	case domain.RebalanceSignal:
		return e.rebalance(step, s, ref)
	case domain.EntrySignal:
		return e.enter(step, s, ref)
	}
	return nil
}

// collect polls every adapter in order. An adapter that fails or panics
// contributes a single ErrorSignal instead of its signals.
func (e *Engine) collect(ctx context.Context, step int) []domain.Signal {
	var out []domain.Signal
	for _, a := range e.adapters {
		out = append(out, e.poll(ctx, a, step)...)
	}
	return out
}

func (e *Engine) poll(ctx context.Context, a strategy.Adapter, step int) (sigs []domain.Signal) {
	defer func() {
		if r := recover(); r != nil {
			sigs = []domain.Signal{domain.ErrorSignal{Name: a.Name(), Step: step, Message: fmt.Sprintf("panic: %v", r)}}
		}
	}()
	out, err := a.OnBar(ctx, step)
	if err != nil {
		return []domain.Signal{domain.ErrorSignal{Name: a.Name(), Step: step, Message: err.Error()}}
	}
	return out
}

// liquidate drops orders that can no longer fill, closes every bracket
// position (and, when configured, every rebalance holding) at the last
// close, and re-marks the final equity point.
func (e *Engine) liquidate(step int) error {
	for _, sig := range e.pending {
		e.reject(step, sig.Source(), signalAsset(sig), domain.ErrNoNextBar)
	}
	e.pending = nil

	closes := e.market.Closes(step)
	kinds := []domain.HoldingKind{domain.KindBracket}
	if e.cfg.IncludeHoldings {
		kinds = append(kinds, domain.KindRebalance)
	}
	for _, kind := range kinds {
		for _, pos := range e.ledger.Positions(kind) {
			if err := e.exit(step, pos, closes[pos.Asset], domain.ExitFinal, domain.FillFinal); err != nil {
				return err
			}
		}
	}

	e.mark(e.market.Time(step), e.ledger.Valuation(closes))
	return nil
}

// mark appends an equity point, replacing the previous one when it has the
// same timestamp, and keeps the last observation of each UTC day.
func (e *Engine) mark(ts time.Time, equity float64) {
	pt := domain.EquityPoint{Timestamp: ts, Equity: equity}
	if n := len(e.res.Equity); n > 0 && e.res.Equity[n-1].Timestamp.Equal(ts) {
		e.res.Equity[n-1] = pt
	} else {
		e.res.Equity = append(e.res.Equity, pt)
	}

	day := domain.EquityPoint{Timestamp: util.DayKey(ts), Equity: equity}
	if n := len(e.res.Daily); n > 0 && e.res.Daily[n-1].Timestamp.Equal(day.Timestamp) {
		e.res.Daily[n-1] = day
	} else {
		e.res.Daily = append(e.res.Daily, day)
	}
}

// reject counts a skipped order under its reason.
func (e *Engine) reject(step int, source, asset string, err error) {
	reason := RejectionReason(err)
	e.res.Rejections[reason]++
	e.log.Debug("order rejected", "step", step, "strategy", source, "asset", asset, "reason", reason, "err", err)
}

// fatal reports whether a ledger error means the books are corrupt rather
// than that one order could not be filled.
func fatal(err error) bool {
	return errors.Is(err, ledger.ErrInvariant)
}

func signalAsset(sig domain.Signal) string {
	if s, ok := sig.(domain.EntrySignal); ok {
		return s.Asset
	}
	return ""
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
