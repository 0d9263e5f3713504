package builtins

import (
	"context"
	"math"
	"sort"

	"github.com/scottjoyner/portfolio-management/internal/domain"
	"github.com/scottjoyner/portfolio-management/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Adapter = (*TripleMA)(nil)
	_ strategy.Adapter = (*Donchian)(nil)
	_ strategy.Adapter = (*Momentum)(nil)
)

// ---------------------------------------------------------------------------
// TripleMA
// ---------------------------------------------------------------------------

// TripleMA goes long when the 20-bar SMA crosses above the 50-bar SMA while
// price is above the 100-bar SMA. Stop is 2 ATR below, target 3 ATR above.
type TripleMA struct {
	data strategy.Data
}

// NewTripleMA creates a TripleMA adapter over data.
func NewTripleMA(data strategy.Data) *TripleMA {
	return &TripleMA{data: data}
}

// Name returns "triple_ma".
func (s *TripleMA) Name() string { return "triple_ma" }

// OnBar scans every asset for a fresh bullish cross at step.
func (s *TripleMA) OnBar(_ context.Context, step int) ([]domain.Signal, error) {
	var out []domain.Signal
	for _, asset := range s.data.Assets() {
		w := s.data.Window(asset, step)
		if len(w) < 110 {
			continue
		}
		cl := strategy.Closes(w)
		prev := cl[:len(cl)-1]
		m20, m50, m100 := strategy.SMA(cl, 20), strategy.SMA(cl, 50), strategy.SMA(cl, 100)
		p20, p50 := strategy.SMA(prev, 20), strategy.SMA(prev, 50)

		price := cl[len(cl)-1]
		crossed := p20 <= p50 && m20 > m50
		if !crossed || !(price > m100) {
			continue
		}
		atr := strategy.ATR(w, atrPeriod)
		if math.IsNaN(atr) {
			continue
		}
		out = append(out, bracket(s.Name(), asset, price, 2*atr, 3*atr, atr, 0.6))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Donchian
// ---------------------------------------------------------------------------

// Donchian goes long when the close breaks above the highest high of the
// previous lookback bars.
type Donchian struct {
	data     strategy.Data
	lookback int
}

// NewDonchian creates a Donchian breakout adapter. A non-positive lookback
// selects 20.
func NewDonchian(data strategy.Data, lookback int) *Donchian {
	if lookback <= 0 {
		lookback = 20
	}
	return &Donchian{data: data, lookback: lookback}
}

// Name returns "donchian_breakout".
func (s *Donchian) Name() string { return "donchian_breakout" }

// OnBar emits an entry for every asset closing above its channel.
func (s *Donchian) OnBar(_ context.Context, step int) ([]domain.Signal, error) {
	var out []domain.Signal
	for _, asset := range s.data.Assets() {
		w := s.data.Window(asset, step)
		if len(w) < max(s.lookback, 50) {
			continue
		}
		entry := w[len(w)-1].Close
		if !(entry > strategy.PriorHigh(w, s.lookback)) {
			continue
		}
		atr := strategy.ATR(w, atrPeriod)
		out = append(out, bracket(s.Name(), asset, entry, 2*atr, 3*atr, atr, 0.6))
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Momentum
// ---------------------------------------------------------------------------

// Momentum ranks assets by 30-bar return and enters the top k that are also
// breaking their 20-bar high. Positions use a tight 1.5 ATR stop, a 4 ATR
// target, a 1 ATR trail, and move to breakeven at 0.5R.
type Momentum struct {
	data strategy.Data
	topK int
}

// NewMomentum creates a Momentum adapter. A non-positive topK selects 4.
func NewMomentum(data strategy.Data, topK int) *Momentum {
	if topK <= 0 {
		topK = 4
	}
	return &Momentum{data: data, topK: topK}
}

// Name returns "aggressive_momo".
func (s *Momentum) Name() string { return "aggressive_momo" }

// OnBar ranks the universe and returns entries for qualifying leaders.
func (s *Momentum) OnBar(_ context.Context, step int) ([]domain.Signal, error) {
	type scan struct {
		asset string
		ret   float64
		bars  []domain.Bar
	}
	var scans []scan
	for _, asset := range s.data.Assets() {
		w := s.data.Window(asset, step)
		if len(w) < 60 {
			continue
		}
		n := len(w)
		var ret float64
		if base := w[n-30].Close; base > 0 {
			ret = w[n-1].Close/base - 1
		}
		scans = append(scans, scan{asset: asset, ret: ret, bars: w})
	}
	sort.SliceStable(scans, func(i, j int) bool { return scans[i].ret > scans[j].ret })
	if len(scans) > s.topK {
		scans = scans[:s.topK]
	}

	var out []domain.Signal
	for _, sc := range scans {
		px := sc.bars[len(sc.bars)-1].Close
		if !(px > strategy.PriorHigh(sc.bars, 20)) {
			continue
		}
		atr := strategy.ATR(sc.bars, atrPeriod)
		sig := bracket(s.Name(), sc.asset, px, 1.5*atr, 4*atr, atr, 0.7)
		sig.BreakevenAfterR = domain.Float(0.5)
		sig.TrailATRMultiple = domain.Float(1.0)
		out = append(out, sig)
	}
	return out, nil
}

// bracket builds a long entry with the stop and target at the given
// distances from price.
func bracket(name, asset string, price, stopDist, targetDist, atr, confidence float64) domain.EntrySignal {
	stop, target := price-stopDist, price+targetDist
	return domain.EntrySignal{
		Name:       name,
		Asset:      asset,
		Side:       domain.SideBuy,
		Entry:      price,
		Stop:       stop,
		Target:     target,
		ATR:        atr,
		RiskReward: (target - price) / math.Max(1e-9, price-stop),
		Confidence: confidence,
	}
}
