package engine

import (
	"errors"
	"fmt"
	"math"

	"github.com/scottjoyner/portfolio-management/internal/domain"
)

// Rejection reasons, as counted in Result.Rejections.
const (
	ReasonInsufficientCash = "insufficient_cash"
	ReasonBelowMinNotional = "below_min_notional"
	ReasonMaxPositions     = "max_positions"
	ReasonPositionExists   = "position_exists"
	ReasonZeroRiskDistance = "zero_risk_distance"
	ReasonShortNotAllowed  = "short_not_allowed"
	ReasonNoNextBar        = "no_next_bar"
	ReasonInvalidSignal    = "invalid_signal"
	ReasonInvalidFill      = "invalid_fill"
	ReasonOther            = "other"
)

// RejectionReason maps an admission or ledger error to its counter key.
func RejectionReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientCash):
		return ReasonInsufficientCash
	case errors.Is(err, domain.ErrBelowMinNotional):
		return ReasonBelowMinNotional
	case errors.Is(err, domain.ErrMaxPositions):
		return ReasonMaxPositions
	case errors.Is(err, domain.ErrPositionExists):
		return ReasonPositionExists
	case errors.Is(err, domain.ErrZeroRiskDistance):
		return ReasonZeroRiskDistance
	case errors.Is(err, domain.ErrShortNotAllowed):
		return ReasonShortNotAllowed
	case errors.Is(err, domain.ErrNoNextBar):
		return ReasonNoNextBar
	case errors.Is(err, domain.ErrInvalidSignal):
		return ReasonInvalidSignal
	case errors.Is(err, domain.ErrInvalidFillPrice), errors.Is(err, domain.ErrInvalidQuantity):
		return ReasonInvalidFill
	}
	return ReasonOther
}

// RiskManager enforces the pre-trade rules for bracket entries and sizes
// them by risk budget.
type RiskManager struct {
	riskPerTrade float64
	minNotional  float64
	maxPositions int
	allowShort   bool
}

// NewRiskManager creates a RiskManager from the run configuration.
func NewRiskManager(cfg Config) *RiskManager {
	return &RiskManager{
		riskPerTrade: cfg.RiskPerTrade,
		minNotional:  cfg.MinNotional,
		maxPositions: cfg.MaxPositions,
		allowShort:   cfg.AllowShort,
	}
}

// CheckEntry evaluates sig against the book before any price is computed.
// open is the number of bracket positions held; exists reports whether the
// asset already has one.
func (rm *RiskManager) CheckEntry(sig domain.EntrySignal, open int, exists bool) error {
	switch sig.Side {
	case domain.SideBuy:
	case domain.SideSell:
		if !rm.allowShort {
			return domain.ErrShortNotAllowed
		}
	default:
		return fmt.Errorf("%w: side %q", domain.ErrInvalidSignal, sig.Side)
	}
	if !finite(sig.Stop) || !finite(sig.Entry) || !(sig.Stop > 0) {
		return fmt.Errorf("%w: entry %g stop %g", domain.ErrInvalidSignal, sig.Entry, sig.Stop)
	}
	if exists {
		return domain.ErrPositionExists
	}
	if rm.maxPositions > 0 && open >= rm.maxPositions {
		return domain.ErrMaxPositions
	}
	if sig.Entry == sig.Stop {
		return domain.ErrZeroRiskDistance
	}
	return nil
}

// Size returns the quantity that risks riskPerTrade of equity between the
// fill price and the stop. A stop on the wrong side of the fill counts as
// zero risk distance.
func (rm *RiskManager) Size(equity, fill, stop float64, side domain.Side) (float64, error) {
	dist := fill - stop
	if side == domain.SideSell {
		dist = stop - fill
	}
	if !(dist > 0) {
		return 0, domain.ErrZeroRiskDistance
	}
	qty := equity * rm.riskPerTrade / dist
	if !(qty > 0) || math.IsInf(qty, 0) || qty*fill < rm.minNotional {
		return 0, fmt.Errorf("%w: %.2f < %.2f", domain.ErrBelowMinNotional, math.Max(qty*fill, 0), rm.minNotional)
	}
	return qty, nil
}

// trailStop returns the stop for pos after observing price: ratcheted
// toward price by the ATR trail, then raised to entry once the gain reaches
// BreakevenAfterR times the initial risk. The stop never loosens.
func trailStop(pos domain.Position, price float64) float64 {
	short := pos.Side == domain.PositionSideShort
	stop := pos.Stop

	if pos.TrailATRMultiple > 0 && pos.ATR > 0 {
		trail := pos.TrailATRMultiple * pos.ATR
		if short {
			stop = math.Min(stop, price+trail)
		} else {
			stop = math.Max(stop, price-trail)
		}
	}

	if pos.BreakevenAfterR > 0 {
		if risk := pos.InitialRisk(); risk > 0 {
			gain := price - pos.EntryPrice
			if short {
				gain = -gain
			}
			if gain >= pos.BreakevenAfterR*risk {
				if short {
					stop = math.Min(stop, pos.EntryPrice)
				} else {
					stop = math.Max(stop, pos.EntryPrice)
				}
			}
		}
	}
	return stop
}

// exitTrigger reports whether price crosses pos's stop or target, and the
// threshold to fill at. The stop is checked first.
func exitTrigger(pos domain.Position, price float64) (domain.ExitReason, float64, bool) {
	if pos.Side == domain.PositionSideShort {
		switch {
		case price >= pos.Stop:
			return domain.ExitStop, pos.Stop, true
		case pos.Target > 0 && price <= pos.Target:
			return domain.ExitTarget, pos.Target, true
		}
		return "", 0, false
	}
	switch {
	case price <= pos.Stop:
		return domain.ExitStop, pos.Stop, true
	case pos.Target > 0 && price >= pos.Target:
		return domain.ExitTarget, pos.Target, true
	}
	return "", 0, false
}
