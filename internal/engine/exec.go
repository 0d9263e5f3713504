package engine

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// ---------------------------------------------------------------------------
// Brackets
// ---------------------------------------------------------------------------

// manageBrackets ratchets every bracket stop against the close and exits
// positions whose stop or target was crossed. Exits fill at the threshold,
// not at the close.
func (e *Engine) manageBrackets(step int, closes map[string]float64) error {
	for _, pos := range e.ledger.Positions(domain.KindBracket) {
		px, ok := closes[pos.Asset]
		if !ok || !(px > 0) {
			continue
		}
		if stop := trailStop(pos, px); stop != pos.Stop {
			if err := e.ledger.SetStop(pos.Asset, stop); err != nil {
				return err
			}
			pos.Stop = stop
		}
		reason, level, hit := exitTrigger(pos, px)
		if !hit {
			continue
		}
		if err := e.exit(step, pos, level, reason, domain.FillExit); err != nil {
			return err
		}
	}
	return nil
}

// exit closes pos at reference through the broker and logs the fill and the
// completed trade. A close the ledger refuses is counted and the position
// stays open.
func (e *Engine) exit(step int, pos domain.Position, reference float64, reason domain.ExitReason, kind domain.FillKind) error {
	ts := e.market.Time(step)
	side := domain.SideSell
	if pos.Side == domain.PositionSideShort {
		side = domain.SideBuy
	}

	bar, _ := e.market.BarAt(pos.Asset, step)
	fill := e.broker.FillPrice(side, e.broker.Quote(bar, reference), pos.Qty*reference)
	closed, pnl, err := e.ledger.Close(pos.Kind, pos.Asset, fill)
	if err != nil {
		if fatal(err) {
			return err
		}
		e.reject(step, pos.Strategy, pos.Asset, err)
		return nil
	}

	e.recordFill(ts, closed.Asset, closed.Strategy, kind, side, closed.Qty, reference, fill)
	e.recordTrade(closed, ts, closed.Qty, fill, reason, pnl)
	e.log.Debug("position closed",
		"asset", closed.Asset,
		"strategy", closed.Strategy,
		"reason", reason,
		"price", fill,
		"pnl", pnl.InexactFloat64(),
	)
	return nil
}

// ---------------------------------------------------------------------------
// Entries
// ---------------------------------------------------------------------------

// enter opens a bracket position for sig at the reference price in ref.
func (e *Engine) enter(step int, sig domain.EntrySignal, ref map[string]float64) error {
	_, exists := e.ledger.Position(domain.KindBracket, sig.Asset)
	if err := e.risk.CheckEntry(sig, e.ledger.Count(domain.KindBracket), exists); err != nil {
		e.reject(step, sig.Name, sig.Asset, err)
		return nil
	}

	px := ref[sig.Asset]
	bar, ok := e.market.BarAt(sig.Asset, step)
	if !ok || !(px > 0) {
		e.reject(step, sig.Name, sig.Asset, domain.ErrInvalidFillPrice)
		return nil
	}

	// Impact depends on size and size on the fill price, so price once
	// without impact, size, then reprice at that size and resize.
	equity := e.ledger.Valuation(ref)
	quote := e.broker.Quote(bar, px)
	fill := e.broker.FillPrice(sig.Side, quote, 0)
	qty, err := e.risk.Size(equity, fill, sig.Stop, sig.Side)
	if err == nil {
		fill = e.broker.FillPrice(sig.Side, quote, qty*px)
		qty, err = e.risk.Size(equity, fill, sig.Stop, sig.Side)
	}
	if err != nil {
		e.reject(step, sig.Name, sig.Asset, err)
		return nil
	}

	ts := e.market.Time(step)
	pos := domain.Position{
		Asset:       sig.Asset,
		Side:        domain.PositionSideLong,
		Kind:        domain.KindBracket,
		Qty:         qty,
		Stop:        sig.Stop,
		InitialStop: sig.Stop,
		Target:      sig.Target,
		ATR:         sig.ATR,
		Strategy:    sig.Name,
		OpenedAt:    ts,
	}
	if sig.Side == domain.SideSell {
		pos.Side = domain.PositionSideShort
	}
	if !finite(pos.ATR) || pos.ATR < 0 {
		pos.ATR = 0
	}
	if !finite(pos.Target) {
		pos.Target = 0
	}
	if e.cfg.Trailing {
		pos.TrailATRMultiple = e.cfg.TrailATRMult
		pos.BreakevenAfterR = e.cfg.BreakevenAfterR
	}
	if sig.TrailATRMultiple != nil {
		pos.TrailATRMultiple = *sig.TrailATRMultiple
	}
	if sig.BreakevenAfterR != nil {
		pos.BreakevenAfterR = *sig.BreakevenAfterR
	}

	opened, err := e.ledger.Open(pos, fill)
	if err != nil {
		if fatal(err) {
			return err
		}
		e.reject(step, sig.Name, sig.Asset, err)
		return nil
	}

	e.recordFill(ts, opened.Asset, opened.Strategy, domain.FillEntry, sig.Side, opened.Qty, px, fill)
	e.log.Debug("position opened",
		"asset", opened.Asset,
		"strategy", opened.Strategy,
		"side", opened.Side,
		"qty", opened.Qty,
		"price", fill,
		"stop", opened.Stop,
		"target", opened.Target,
	)
	return nil
}

// ---------------------------------------------------------------------------
// Rebalance
// ---------------------------------------------------------------------------

// rebalance moves the rebalance book toward equity × weight per asset at the
// reference prices in ref: holdings no longer targeted are sold, then
// overweight holdings are trimmed, then underweight ones are bought with the
// cash available. Gaps under the minimum notional are left alone.
func (e *Engine) rebalance(step int, sig domain.RebalanceSignal, ref map[string]float64) error {
	equity := e.ledger.Valuation(ref)
	assets := e.market.Assets()

	targets := make(map[string]float64, len(sig.Weights))
	for _, asset := range assets {
		if w, ok := sig.Weights[asset]; ok && finite(w) {
			targets[asset] = equity * math.Max(w, 0)
		}
	}
	if len(targets) < len(sig.Weights) {
		e.log.Debug("ignoring weights outside the universe", "strategy", sig.Name, "weights", len(sig.Weights), "kept", len(targets))
	}

	for _, h := range e.ledger.Positions(domain.KindRebalance) {
		if _, ok := targets[h.Asset]; ok {
			continue
		}
		if px := ref[h.Asset]; px > 0 {
			if err := e.exit(step, h, px, domain.ExitRebalanceSell, domain.FillRebalanceSell); err != nil {
				return err
			}
		}
	}

	for _, sells := range []bool{true, false} {
		for _, asset := range assets {
			target, ok := targets[asset]
			px := ref[asset]
			if !ok || !(px > 0) {
				continue
			}
			held, have := e.ledger.Position(domain.KindRebalance, asset)
			var current float64
			if have {
				current = held.Qty * px
			}
			diff := target - current
			if diff == 0 || math.Abs(diff) < e.cfg.MinNotional {
				continue
			}

			var err error
			switch {
			case sells && diff < 0:
				err = e.trimHolding(step, held, -diff, px)
			case !sells && diff > 0:
				err = e.buyHolding(step, sig.Name, asset, diff, px)
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) trimHolding(step int, held domain.Position, notional, px float64) error {
	qty := math.Min(held.Qty, notional/px)
	if qty >= held.Qty {
		return e.exit(step, held, px, domain.ExitRebalanceSell, domain.FillRebalanceSell)
	}

	bar, _ := e.market.BarAt(held.Asset, step)
	fill := e.broker.FillPrice(domain.SideSell, e.broker.Quote(bar, px), qty*px)
	if qty*fill < e.cfg.MinNotional {
		e.reject(step, held.Strategy, held.Asset, domain.ErrBelowMinNotional)
		return nil
	}
	pnl, err := e.ledger.Reduce(domain.KindRebalance, held.Asset, qty, fill)
	if err != nil {
		if fatal(err) {
			return err
		}
		e.reject(step, held.Strategy, held.Asset, err)
		return nil
	}

	ts := e.market.Time(step)
	e.recordFill(ts, held.Asset, held.Strategy, domain.FillRebalanceSell, domain.SideSell, qty, px, fill)
	e.recordTrade(held, ts, qty, fill, domain.ExitRebalanceSell, pnl)
	return nil
}

func (e *Engine) buyHolding(step int, strategyName, asset string, notional, px float64) error {
	bar, _ := e.market.BarAt(asset, step)
	fill := e.broker.FillPrice(domain.SideBuy, e.broker.Quote(bar, px), notional)
	if !(fill > 0) {
		e.reject(step, strategyName, asset, domain.ErrInvalidFillPrice)
		return nil
	}

	qty := notional / fill
	cash := e.ledger.Cash()
	capped := qty*fill > cash
	if capped {
		qty = cash / fill
	}
	if !(qty > 0) || qty*fill < e.cfg.MinNotional {
		reason := domain.ErrBelowMinNotional
		if capped {
			reason = domain.ErrInsufficientCash
		}
		e.reject(step, strategyName, asset, reason)
		return nil
	}

	ts := e.market.Time(step)
	var err error
	if _, have := e.ledger.Position(domain.KindRebalance, asset); have {
		_, err = e.ledger.Add(domain.KindRebalance, asset, qty, fill)
	} else {
		_, err = e.ledger.Open(domain.Position{
			Asset:    asset,
			Side:     domain.PositionSideLong,
			Kind:     domain.KindRebalance,
			Qty:      qty,
			Strategy: strategyName,
			OpenedAt: ts,
		}, fill)
	}
	if err != nil {
		if fatal(err) {
			return err
		}
		e.reject(step, strategyName, asset, err)
		return nil
	}

	e.recordFill(ts, asset, strategyName, domain.FillRebalanceBuy, domain.SideBuy, qty, px, fill)
	return nil
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

func (e *Engine) recordFill(ts time.Time, asset, strategyName string, kind domain.FillKind, side domain.Side, qty, reference, price float64) {
	e.res.Fills = append(e.res.Fills, domain.Fill{
		Timestamp: ts,
		Asset:     asset,
		Strategy:  strategyName,
		Kind:      kind,
		Side:      side,
		Qty:       qty,
		Reference: reference,
		Price:     price,
		Notional:  qty * price,
	})
}

// recordTrade appends the round-trip row for qty units of pos closed at
// exit. R-multiples are reported for bracket positions only. Opening legs,
// bracket entries and rebalance buys alike, are journaled in Result.Fills.
func (e *Engine) recordTrade(pos domain.Position, ts time.Time, qty, exit float64, reason domain.ExitReason, pnl decimal.Decimal) {
	side := domain.SideBuy
	move := exit - pos.EntryPrice
	if pos.Side == domain.PositionSideShort {
		side = domain.SideSell
		move = -move
	}
	var r float64
	if risk := pos.InitialRisk(); pos.Kind == domain.KindBracket && risk > 0 {
		r = move / risk
	}

	e.res.Trades = append(e.res.Trades, domain.TradeRecord{
		OpenTS:     pos.OpenedAt,
		CloseTS:    ts,
		Asset:      pos.Asset,
		Strategy:   pos.Strategy,
		Side:       side,
		Qty:        qty,
		Entry:      pos.EntryPrice,
		Stop:       pos.InitialStop,
		Target:     pos.Target,
		Exit:       exit,
		ExitReason: reason,
		RMultiple:  r,
		PnL:        pnl.InexactFloat64(),
	})
}
