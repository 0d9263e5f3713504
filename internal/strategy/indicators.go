package strategy

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// Closes extracts the close prices of bars.
func Closes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SMA returns the mean of the last period values, or NaN when there are
// fewer than period values.
func SMA(xs []float64, period int) float64 {
	if period <= 0 || len(xs) < period {
		return math.NaN()
	}
	return stat.Mean(xs[len(xs)-period:], nil)
}

// ATR returns Wilder's average true range at the last bar: an exponential
// average of the true range with alpha 1/period, seeded with the first
// bar's high-low range. It is NaN for an empty window.
func ATR(bars []domain.Bar, period int) float64 {
	if len(bars) == 0 || period <= 0 {
		return math.NaN()
	}
	alpha := 1 / float64(period)
	atr := bars[0].High - bars[0].Low
	for i := 1; i < len(bars); i++ {
		atr = (1-alpha)*atr + alpha*trueRange(bars[i], bars[i-1].Close)
	}
	return atr
}

func trueRange(b domain.Bar, prevClose float64) float64 {
	return math.Max(b.High-b.Low, math.Max(math.Abs(b.High-prevClose), math.Abs(b.Low-prevClose)))
}

// PriorHigh returns the highest high of the lookback bars before the last
// one, so a close can be compared against a channel it has not yet moved.
// It is NaN when fewer than lookback+1 bars are available.
func PriorHigh(bars []domain.Bar, lookback int) float64 {
	if lookback <= 0 || len(bars) < lookback+1 {
		return math.NaN()
	}
	hi := math.Inf(-1)
	for _, b := range bars[len(bars)-1-lookback : len(bars)-1] {
		hi = math.Max(hi, b.High)
	}
	return hi
}

// Returns converts prices into simple period returns.
func Returns(xs []float64) []float64 {
	if len(xs) < 2 {
		return nil
	}
	out := make([]float64, 0, len(xs)-1)
	for i := 1; i < len(xs); i++ {
		if xs[i-1] == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, xs[i]/xs[i-1]-1)
	}
	return out
}
