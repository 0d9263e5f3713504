// Package costmodel converts a reference price into an expected fill price
// given fees, spread, slippage, and square-root market impact. Every fill in
// the engine is priced here.
package costmodel

import (
	"math"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// Params holds the per-run execution cost settings, all in basis points
// except ImpactCoeff, which scales sqrt(notional / 10000).
type Params struct {
	TakerFeeBps float64
	SlippageBps float64
	ImpactCoeff float64
}

// SpreadBps returns the relative bid-ask spread in basis points, or 0 when
// either side is non-positive.
func SpreadBps(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 {
		return 0
	}
	return 20000 * (ask - bid) / (ask + bid)
}

// ImpactBps returns coeff * sqrt(notional / 10000), or 0 for a non-positive
// notional.
func ImpactBps(notional, coeff float64) float64 {
	if notional <= 0 {
		return 0
	}
	return coeff * math.Sqrt(notional/10000)
}

// TotalBps is half the spread plus slippage, impact, and the taker fee.
func TotalBps(bid, ask, notional float64, p Params) float64 {
	return SpreadBps(bid, ask)/2 + p.SlippageBps + ImpactBps(notional, p.ImpactCoeff) + p.TakerFeeBps
}

// EffectiveFillPrice marks buys up and sells down from mid by the total cost.
// It returns 0 when mid is non-positive.
func EffectiveFillPrice(side domain.Side, mid, bid, ask, notional float64, p Params) float64 {
	if mid <= 0 {
		return 0
	}
	bps := TotalBps(bid, ask, notional, p)
	if side == domain.SideBuy {
		return mid * (1 + bps/1e4)
	}
	return mid * (1 - bps/1e4)
}
