package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Limits are the per-pair trading bounds. A zero value disables the check.
type Limits struct {
	MinQuantity decimal.Decimal `json:"minQuantity"`
	MaxQuantity decimal.Decimal `json:"maxQuantity"`
	MinPrice    decimal.Decimal `json:"minPrice"`
	MaxPrice    decimal.Decimal `json:"maxPrice"`
	TickSize    decimal.Decimal `json:"tickSize"`
	LotSize     decimal.Decimal `json:"lotSize"`
}

func (l Limits) CheckQuantity(qty decimal.Decimal) error {
	if !l.MinQuantity.IsZero() && qty.LessThan(l.MinQuantity) {
		return fmt.Errorf("%w: %s < %s", ErrQuantityTooLow, qty, l.MinQuantity)
	}
	if !l.MaxQuantity.IsZero() && qty.GreaterThan(l.MaxQuantity) {
		return fmt.Errorf("%w: %s > %s", ErrQuantityTooHigh, qty, l.MaxQuantity)
	}
	if !l.LotSize.IsZero() && !qty.Mod(l.LotSize).IsZero() {
		return fmt.Errorf("%w: %s (lot %s)", ErrOffLot, qty, l.LotSize)
	}
	return nil
}

func (l Limits) CheckPrice(price decimal.Decimal) error {
	if !l.MinPrice.IsZero() && price.LessThan(l.MinPrice) {
		return fmt.Errorf("%w: %s < %s", ErrPriceTooLow, price, l.MinPrice)
	}
	if !l.MaxPrice.IsZero() && price.GreaterThan(l.MaxPrice) {
		return fmt.Errorf("%w: %s > %s", ErrPriceTooHigh, price, l.MaxPrice)
	}
	if !l.TickSize.IsZero() && !price.Mod(l.TickSize).IsZero() {
		return fmt.Errorf("%w: %s (tick %s)", ErrOffTick, price, l.TickSize)
	}
	return nil
}
