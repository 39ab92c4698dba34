package common

import (
	"time"

	"github.com/shopspring/decimal"
)

type EventKind uint8

const (
	TradeEventKind EventKind = iota
	OrderStatusEventKind
	BookDeltaEventKind
)

var eventKindNames = [...]string{
	TradeEventKind:       "trade",
	OrderStatusEventKind: "order",
	BookDeltaEventKind:   "book",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

func (k EventKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Event is anything the engine emits towards the publisher.
type Event interface {
	Kind() EventKind
	Pair() string
	Seq() uint64
}

type TradeEvent struct {
	Trade
}

type OrderStatusEvent struct {
	OrderID        string          `json:"orderId"`
	ClientOrderID  string          `json:"clientOrderId,omitempty"`
	Owner          string          `json:"owner,omitempty"`
	Symbol         string          `json:"pair"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"type"`
	Status         Status          `json:"status"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	Remaining      decimal.Decimal `json:"remainingQuantity"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`
	Reason         string          `json:"reason,omitempty"`
	Sequence       uint64          `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`
}

// BookDeltaEvent reports the new aggregate quantity resting at one level.
// A zero NewTotalQuantity means the level was removed.
type BookDeltaEvent struct {
	Symbol           string          `json:"pair"`
	Side             Side            `json:"side"`
	Price            decimal.Decimal `json:"price"`
	NewTotalQuantity decimal.Decimal `json:"newTotalQuantity"`
	Sequence         uint64          `json:"sequence"`
}

func (TradeEvent) Kind() EventKind       { return TradeEventKind }
func (OrderStatusEvent) Kind() EventKind { return OrderStatusEventKind }
func (BookDeltaEvent) Kind() EventKind   { return BookDeltaEventKind }

func (e TradeEvent) Pair() string       { return e.Symbol }
func (e OrderStatusEvent) Pair() string { return e.Symbol }
func (e BookDeltaEvent) Pair() string   { return e.Symbol }

func (e TradeEvent) Seq() uint64       { return e.Sequence }
func (e OrderStatusEvent) Seq() uint64 { return e.Sequence }
func (e BookDeltaEvent) Seq() uint64   { return e.Sequence }

// StatusEvent captures the order's current state.
func StatusEvent(o *Order, seq uint64, reason string) OrderStatusEvent {
	return OrderStatusEvent{
		OrderID:        o.ID,
		ClientOrderID:  o.ClientOrderID,
		Owner:          o.Owner,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		Status:         o.Status,
		Quantity:       o.Quantity,
		FilledQuantity: o.Filled,
		Remaining:      o.Remaining,
		AvgFillPrice:   o.AvgFillPrice(),
		Reason:         reason,
		Sequence:       seq,
		Timestamp:      o.UpdatedAt,
	}
}
