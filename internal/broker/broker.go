// Package broker defines the Broker interface the engine prices fills
// through, and the synthetic top-of-book simulator used in backtests.
package broker

import (
	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// Quote is a synthetic top-of-book around a reference price.
type Quote struct {
	Mid float64
	Bid float64
	Ask float64
}

// Broker abstracts how a reference price becomes an executable fill.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// Quote builds a top-of-book for the given bar around reference, which is
	// the close, the open, or a stop/target threshold.
	Quote(bar domain.Bar, reference float64) Quote

	// FillPrice returns the effective price for a leg of the given side and
	// notional against q.
	FillPrice(side domain.Side, q Quote, notional float64) float64
}
