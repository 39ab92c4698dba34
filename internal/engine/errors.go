package engine

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicateOrder  = errors.New("duplicate order id")
	ErrOutOfSequence   = errors.New("command out of sequence")
	ErrWrongPair       = errors.New("command for another pair")
	ErrUnknownCommand  = errors.New("unknown command kind")
	ErrCrossedBook     = errors.New("crossed book after matching")
	ErrIndexMismatch   = errors.New("order index inconsistent with book")
	ErrHalted          = errors.New("engine halted")
	ErrFOKIncomplete   = errors.New("fill-or-kill order left a remainder")
	ErrOverfill        = errors.New("fill exceeds remaining quantity")
	ErrQuantityTooLow  = errors.New("quantity below pair minimum")
	ErrQuantityTooHigh = errors.New("quantity above pair maximum")
	ErrPriceTooLow     = errors.New("price below pair minimum")
	ErrPriceTooHigh    = errors.New("price above pair maximum")
	ErrOffTick         = errors.New("price not a multiple of tick size")
	ErrOffLot          = errors.New("quantity not a multiple of lot size")
)

// InvariantError signals an engine bug. The pair must stop processing once
// one is returned; continuing risks incorrect trades.
type InvariantError struct {
	Symbol   string
	Sequence uint64
	Err      error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated on %s at sequence %d: %v", e.Symbol, e.Sequence, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// IsInvariant reports whether err carries an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
