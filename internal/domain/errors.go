package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across packages.
var (
	ErrInvalidConfig    = errors.New("invalid configuration")
	ErrUnknownAdapter   = errors.New("unknown adapter")
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrBelowMinNotional = errors.New("notional below minimum")
	ErrMaxPositions     = errors.New("maximum open positions reached")
	ErrPositionExists   = errors.New("position already open")
	ErrZeroRiskDistance = errors.New("zero risk distance")
	ErrShortNotAllowed  = errors.New("short selling not enabled")
	ErrNoNextBar        = errors.New("no bar left to fill at next open")
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidQuantity  = errors.New("invalid quantity")
	ErrInvalidFillPrice = errors.New("invalid fill price")
	ErrInvalidSignal    = errors.New("invalid signal")
)

// InsufficientDataError reports that the loaded history cannot support a
// backtest: no overlapping timestamps, or a required asset with no bars.
type InsufficientDataError struct {
	Assets []string
	Reason string
}

func (e *InsufficientDataError) Error() string {
	if len(e.Assets) == 0 {
		return "insufficient data: " + e.Reason
	}
	return fmt.Sprintf("insufficient data for %s: %s", strings.Join(e.Assets, ","), e.Reason)
}
