package broker

import (
	"github.com/scottjoyner/portfolio-management/internal/costmodel"
	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// SimulatorConfig configures the synthetic quotes and execution costs.
type SimulatorConfig struct {
	Costs costmodel.Params

	// SpreadBps is a fixed full spread placed symmetrically around mid.
	SpreadBps float64

	// RangeSpread derives the spread from the bar's (high-low)/close instead
	// of SpreadBps.
	RangeSpread bool
}

// SimulatorBroker quotes a synthetic bid/ask from bar data and prices every
// leg through the cost model. It holds no state between calls.
type SimulatorBroker struct {
	cfg SimulatorConfig
}

// NewSimulatorBroker creates a SimulatorBroker with the given configuration.
func NewSimulatorBroker(cfg SimulatorConfig) *SimulatorBroker {
	return &SimulatorBroker{cfg: cfg}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Quote places bid and ask half a spread either side of reference.
func (b *SimulatorBroker) Quote(bar domain.Bar, reference float64) Quote {
	spread := b.cfg.SpreadBps
	if b.cfg.RangeSpread && bar.Close > 0 && bar.High >= bar.Low {
		spread = (bar.High - bar.Low) / bar.Close * 1e4
	}
	half := reference * spread / 2e4
	return Quote{Mid: reference, Bid: reference - half, Ask: reference + half}
}

// FillPrice delegates to costmodel.EffectiveFillPrice.
func (b *SimulatorBroker) FillPrice(side domain.Side, q Quote, notional float64) float64 {
	return costmodel.EffectiveFillPrice(side, q.Mid, q.Bid, q.Ask, notional, b.cfg.Costs)
}
