package common

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Bounds on the amounts accepted from clients. Comparing decimals of
// different exponents rescales both to the finer one, so an unbounded
// exponent turns a single comparison into arbitrary-size big.Int work.
const (
	MinDecimalExponent = -18
	MaxDecimalExponent = 18
	MaxDecimalDigits   = 38
)

var ErrDecimalOutOfRange = errors.New("decimal out of range")

// CheckDecimal refuses amounts whose exponent or coefficient digit count is
// outside the supported range.
func CheckDecimal(d decimal.Decimal) error {
	if exp := d.Exponent(); exp < MinDecimalExponent || exp > MaxDecimalExponent {
		return fmt.Errorf("%w: exponent %d outside [%d, %d]", ErrDecimalOutOfRange, exp, MinDecimalExponent, MaxDecimalExponent)
	}
	if n := d.NumDigits(); n > MaxDecimalDigits {
		return fmt.Errorf("%w: %d digits, at most %d", ErrDecimalOutOfRange, n, MaxDecimalDigits)
	}
	return nil
}
