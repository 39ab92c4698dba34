package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID            string          // Order tracked uuid
	ClientOrderID string          // Optional caller correlation id
	Owner         string          // Who owns this order
	Symbol        string          // Trading pair
	Side          Side            // Order side
	Type          OrderType       // Type as submitted
	TimeInForce   TimeInForce     //
	Price         decimal.Decimal // Limiting price, zero for market orders
	StopPrice     decimal.Decimal // Trigger price, zero unless a stop type
	Quantity      decimal.Decimal // Total volume requested
	Remaining     decimal.Decimal // Remaining quantity
	Filled        decimal.Decimal // Executed quantity
	Notional      decimal.Decimal // Sum of price * quantity over fills
	Status        Status          //
	Triggered     bool            // Stop order promoted into matching
	Sequence      uint64          // Sequence of the command that placed it in its queue
	CreatedAt     time.Time       // Time of acceptance
	UpdatedAt     time.Time       // Time of last state change
}

// NewOrder materialises a request into a NEW order.
func NewOrder(id string, seq uint64, ts time.Time, req OrderRequest) *Order {
	price, _ := req.Price()
	stop, _ := req.StopPrice()
	return &Order{
		ID:            id,
		ClientOrderID: req.ClientOrderID,
		Owner:         req.Owner,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type(),
		TimeInForce:   req.TimeInForce,
		Price:         price,
		StopPrice:     stop,
		Quantity:      req.Quantity,
		Remaining:     req.Quantity,
		Filled:        decimal.Zero,
		Notional:      decimal.Zero,
		Status:        StatusNew,
		Sequence:      seq,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}

// MatchType is the type the order matches as. Triggered stops behave as
// their underlying market or limit order.
func (o *Order) MatchType() OrderType {
	switch o.Type {
	case StopLimitOrder:
		return LimitOrder
	case StopLossOrder, TakeProfitOrder:
		return MarketOrder
	}
	return o.Type
}

// AvgFillPrice is zero until the first fill.
func (o *Order) AvgFillPrice() decimal.Decimal {
	if o.Filled.IsZero() {
		return decimal.Zero
	}
	return o.Notional.DivRound(o.Filled, 16)
}

// Fill books a match of qty at price against the order and moves it to
// PARTIALLY_FILLED or FILLED.
func (o *Order) Fill(qty, price decimal.Decimal, ts time.Time) error {
	if qty.GreaterThan(o.Remaining) {
		return fmt.Errorf("fill %s exceeds remaining %s on %s", qty, o.Remaining, o.ID)
	}
	o.Remaining = o.Remaining.Sub(qty)
	o.Filled = o.Filled.Add(qty)
	o.Notional = o.Notional.Add(qty.Mul(price))
	if o.Remaining.IsZero() {
		return o.Transition(StatusFilled, ts)
	}
	return o.Transition(StatusPartiallyFilled, ts)
}

// Transition moves the order to next, refusing to leave a terminal state.
func (o *Order) Transition(next Status, ts time.Time) error {
	if o.Status.Terminal() {
		return fmt.Errorf("order %s: %s -> %s: %w", o.ID, o.Status, next, ErrTerminalOrder)
	}
	o.Status = next
	o.UpdatedAt = ts
	return nil
}

// Clone returns a detached copy, safe to hand to readers.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

func (o Order) String() string {
	return fmt.Sprintf(
		`ID:            %v
Symbol:        %s
Side:          %v
Type:          %v (%v)
Price:         %s (Stop: %s)
Quantity:      %s (Remaining: %s)
Status:        %v
Sequence:      %d
CreatedAt:     %v
Owner:         %s`,
		o.ID,
		o.Symbol,
		o.Side,
		o.Type,
		o.TimeInForce,
		o.Price,
		o.StopPrice,
		o.Quantity,
		o.Remaining,
		o.Status,
		o.Sequence,
		o.CreatedAt.Format(time.RFC3339Nano),
		o.Owner,
	)
}
