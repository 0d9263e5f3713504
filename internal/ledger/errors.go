package ledger

import (
	"errors"
	"fmt"
)

// ErrInvariant is returned when a mutation leaves cash negative or a
// position with non-positive quantity. It signals a bookkeeping bug, not a
// rejected fill.
var ErrInvariant = errors.New("ledger invariant violated")

// PositionError wraps a failed ledger mutation with the asset and operation.
type PositionError struct {
	Asset string
	Op    string
	Err   error
}

func (e *PositionError) Error() string {
	if e.Asset != "" {
		return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Asset, e.Err)
	}
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

// Unwrap supports errors.Is and errors.As against the wrapped sentinel.
func (e *PositionError) Unwrap() error {
	return e.Err
}

func newPositionError(asset, op string, err error) *PositionError {
	return &PositionError{Asset: asset, Op: op, Err: err}
}
