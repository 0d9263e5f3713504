// Package builtins provides the adapters that ship with the backtester:
// moving-average and channel breakouts, a momentum scanner, and a monthly
// inverse-volatility portfolio rebalance.
package builtins

import (
	"github.com/scottjoyner/portfolio-management/internal/strategy"
)

// Registry names of the built-in adapters.
const (
	TripleMAName  = "ma"
	DonchianName  = "donch"
	MomentumName  = "momo"
	RebalanceName = "rebal"
)

// atrPeriod is the ATR lookback used by every built-in entry adapter.
const atrPeriod = 14

// RegisterAll adds every built-in adapter to reg.
func RegisterAll(reg *strategy.Registry) {
	reg.Register(TripleMAName, func(d strategy.Data, _ strategy.Options) (strategy.Adapter, error) {
		return NewTripleMA(d), nil
	})
	reg.Register(DonchianName, func(d strategy.Data, _ strategy.Options) (strategy.Adapter, error) {
		return NewDonchian(d, 20), nil
	})
	reg.Register(MomentumName, func(d strategy.Data, opts strategy.Options) (strategy.Adapter, error) {
		return NewMomentum(d, opts.TopK), nil
	})
	reg.Register(RebalanceName, func(d strategy.Data, opts strategy.Options) (strategy.Adapter, error) {
		return NewRebalance(d, opts)
	})
}

// Default returns a Registry holding the built-in adapters.
func Default() *strategy.Registry {
	reg := strategy.NewRegistry()
	RegisterAll(reg)
	return reg
}
