// Package metrics computes performance summaries from equity curves and trade
// logs: return, CAGR, drawdown, Calmar, Sharpe, and Sortino, plus buy-and-hold
// and equal-weight benchmarks and per-strategy trade statistics.
package metrics

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/scottjoyner/portfolio-management/internal/domain"
	"github.com/scottjoyner/portfolio-management/internal/util"
)

// Metric names, as they appear in Summary.Map and the run registry.
const (
	TotalReturn = "total_return"
	CAGR        = "cagr"
	MaxDrawdown = "max_drawdown"
	Calmar      = "calmar"
	Sharpe      = "sharpe"
	Sortino     = "sortino"
)

const periodsPerYear = 365.0

// Summary is the metric set of one equity curve.
type Summary struct {
	TotalReturn float64 `yaml:"total_return"`
	CAGR        float64 `yaml:"cagr"`
	MaxDrawdown float64 `yaml:"max_drawdown"`
	Calmar      float64 `yaml:"calmar"`
	Sharpe      float64 `yaml:"sharpe"`
	Sortino     float64 `yaml:"sortino"`
}

// Map returns the summary keyed by metric name.
func (s Summary) Map() map[string]float64 {
	return map[string]float64{
		TotalReturn: s.TotalReturn,
		CAGR:        s.CAGR,
		MaxDrawdown: s.MaxDrawdown,
		Calmar:      s.Calmar,
		Sharpe:      s.Sharpe,
		Sortino:     s.Sortino,
	}
}

// Compute derives a Summary from the full equity curve and its daily
// resample. The first point of full is the initial equity. Return, CAGR,
// and drawdown come from full; Sharpe and Sortino from the daily returns.
//
// Degenerate inputs return sentinels rather than errors: CAGR is 0 when the
// curve spans no time, Calmar is +Inf without a drawdown, and Sharpe and
// Sortino are NaN when their deviation is zero.
func Compute(full, daily []domain.EquityPoint) Summary {
	s := Summary{Calmar: math.Inf(1), Sharpe: math.NaN(), Sortino: math.NaN()}
	if len(full) == 0 {
		return s
	}

	first, last := full[0], full[len(full)-1]
	if first.Equity > 0 {
		s.TotalReturn = last.Equity/first.Equity - 1
		s.CAGR = cagr(first.Equity, last.Equity, util.Days(first.Timestamp, last.Timestamp))
	}
	s.MaxDrawdown = drawdown(full)
	if s.MaxDrawdown < 0 {
		s.Calmar = s.TotalReturn / math.Abs(s.MaxDrawdown)
	}

	rets := returns(daily)
	if mu, sd := meanStd(rets); sd > 0 {
		s.Sharpe = annualize(mu, sd)
	}
	var neg []float64
	for _, r := range rets {
		if r < 0 {
			neg = append(neg, r)
		}
	}
	if _, dsd := meanStd(neg); dsd > 0 {
		mu, _ := meanStd(rets)
		s.Sortino = annualize(mu, dsd)
	}
	return s
}

func cagr(initial, final, days float64) float64 {
	if !(days > 0) || !(initial > 0) {
		return 0
	}
	ratio := final / initial
	if ratio <= 0 {
		return -1
	}
	return math.Pow(ratio, 365.25/days) - 1
}

// drawdown returns the most negative equity/running-peak − 1.
func drawdown(points []domain.EquityPoint) float64 {
	var peak, worst float64
	for i, p := range points {
		if i == 0 || p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			worst = math.Min(worst, p.Equity/peak-1)
		}
	}
	return worst
}

// returns are simple period-over-period returns. Periods whose previous
// equity is not positive are skipped.
func returns(points []domain.EquityPoint) []float64 {
	if len(points) < 2 {
		return nil
	}
	out := make([]float64, 0, len(points)-1)
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Equity
		if !(prev > 0) {
			continue
		}
		out = append(out, points[i].Equity/prev-1)
	}
	return out
}

// meanStd returns the mean and population standard deviation, or zeros
// for an empty sample.
func meanStd(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	return stat.PopMeanStdDev(xs, nil)
}

func annualize(mean, sd float64) float64 {
	return mean * periodsPerYear / (sd * math.Sqrt(periodsPerYear))
}

// Daily keeps the last observation of each UTC day, keyed at midnight.
func Daily(points []domain.EquityPoint) []domain.EquityPoint {
	var out []domain.EquityPoint
	for _, p := range points {
		day := domain.EquityPoint{Timestamp: util.DayKey(p.Timestamp), Equity: p.Equity}
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(day.Timestamp) {
			out[n-1] = day
			continue
		}
		out = append(out, day)
	}
	return out
}

// ---------------------------------------------------------------------------
// Benchmarks
// ---------------------------------------------------------------------------

// Benchmark names.
const (
	BuyAndHold  = "buy_and_hold"
	EqualWeight = "equal_weight"
)

// DefaultReferenceAsset is the buy-and-hold benchmark when it is in the
// universe; otherwise the first asset is used.
const DefaultReferenceAsset = "BTC-USD"

// Prices is the close history benchmarks are computed from.
// *portal.Portal satisfies it.
type Prices interface {
	Assets() []string
	Len() int
	Time(step int) time.Time
	Closes(step int) map[string]float64
}

// ReferenceAsset picks the buy-and-hold asset: want when it is in assets,
// else DefaultReferenceAsset when present, else the first asset.
func ReferenceAsset(assets []string, want string) string {
	for _, candidate := range []string{want, DefaultReferenceAsset} {
		if candidate == "" {
			continue
		}
		for _, a := range assets {
			if a == candidate {
				return a
			}
		}
	}
	if len(assets) == 0 {
		return ""
	}
	return assets[0]
}

// BuyAndHoldCurve invests initial in asset at its first close and holds.
// Steps without a positive close carry the last value.
func BuyAndHoldCurve(p Prices, asset string, initial float64) []domain.EquityPoint {
	var units, last float64
	out := make([]domain.EquityPoint, 0, p.Len())
	for step := 0; step < p.Len(); step++ {
		px := p.Closes(step)[asset]
		if units == 0 && px > 0 {
			units = initial / px
		}
		switch {
		case units == 0:
			last = initial
		case px > 0:
			last = units * px
		}
		out = append(out, domain.EquityPoint{Timestamp: p.Time(step), Equity: last})
	}
	return out
}

// EqualWeightCurve splits initial evenly across all assets at their first
// closes and holds the basket.
func EqualWeightCurve(p Prices, initial float64) []domain.EquityPoint {
	assets := p.Assets()
	if len(assets) == 0 {
		return nil
	}
	legs := make([][]domain.EquityPoint, len(assets))
	for i, a := range assets {
		legs[i] = BuyAndHoldCurve(p, a, initial/float64(len(assets)))
	}
	out := make([]domain.EquityPoint, p.Len())
	for step := range out {
		out[step].Timestamp = p.Time(step)
		for _, leg := range legs {
			out[step].Equity += leg[step].Equity
		}
	}
	return out
}

// Benchmarks computes the buy-and-hold summary of reference and the
// equal-weight summary of the whole universe.
func Benchmarks(p Prices, reference string, initial float64) map[string]Summary {
	if p.Len() == 0 || len(p.Assets()) == 0 {
		return nil
	}
	bh := BuyAndHoldCurve(p, ReferenceAsset(p.Assets(), reference), initial)
	ew := EqualWeightCurve(p, initial)
	return map[string]Summary{
		BuyAndHold:  Compute(bh, Daily(bh)),
		EqualWeight: Compute(ew, Daily(ew)),
	}
}

// SortedNames returns the keys of a benchmark map in order.
func SortedNames(m map[string]Summary) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
