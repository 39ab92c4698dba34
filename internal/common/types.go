package common

import (
	"fmt"
	"strings"
)

type Side uint8

const (
	Buy Side = iota
	Sell
)

var sideNames = [...]string{Buy: "BUY", Sell: "SELL"}

func (s Side) String() string {
	if int(s) < len(sideNames) {
		return sideNames[s]
	}
	return fmt.Sprintf("Side(%d)", s)
}

// Opposite returns the side a taker on s matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(s) {
	case "BUY":
		return Buy, nil
	case "SELL":
		return Sell, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

type OrderType uint8

const (
	// Market orders are instructions to buy or sell immediately at the best
	// available prices. They never rest on the book.
	MarketOrder OrderType = iota
	// Limit orders are an order to buy or sell at a specified price or
	// better. Limit orders may rest on the order book until filled.
	LimitOrder
	// StopLoss becomes a market order once the last traded price moves
	// through the stop price against the holder.
	StopLossOrder
	// StopLimit becomes a limit order once its stop price is touched.
	StopLimitOrder
	// TakeProfit becomes a market order once the last traded price moves
	// through the stop price in the holder's favour.
	TakeProfitOrder
)

var orderTypeNames = [...]string{
	MarketOrder:     "MARKET",
	LimitOrder:      "LIMIT",
	StopLossOrder:   "STOP_LOSS",
	StopLimitOrder:  "STOP_LIMIT",
	TakeProfitOrder: "TAKE_PROFIT",
}

func (t OrderType) String() string {
	if int(t) < len(orderTypeNames) {
		return orderTypeNames[t]
	}
	return fmt.Sprintf("OrderType(%d)", t)
}

// IsStop reports whether the order waits for a trigger price.
func (t OrderType) IsStop() bool {
	return t == StopLossOrder || t == StopLimitOrder || t == TakeProfitOrder
}

// HasPrice reports whether the type carries a limit price.
func (t OrderType) HasPrice() bool {
	return t == LimitOrder || t == StopLimitOrder
}

func ParseOrderType(s string) (OrderType, error) {
	upper := strings.ToUpper(s)
	for i, name := range orderTypeNames {
		if name == upper {
			return OrderType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidOrderType, s)
}

type TimeInForce uint8

const (
	GTC TimeInForce = iota // Good-Till-Canceled
	IOC                    // Immediate-Or-Cancel
	FOK                    // Fill-Or-Kill
)

var tifNames = [...]string{GTC: "GTC", IOC: "IOC", FOK: "FOK"}

func (t TimeInForce) String() string {
	if int(t) < len(tifNames) {
		return tifNames[t]
	}
	return fmt.Sprintf("TimeInForce(%d)", t)
}

// ParseTimeInForce defaults to GTC on an empty string.
func ParseTimeInForce(s string) (TimeInForce, error) {
	switch strings.ToUpper(s) {
	case "", "GTC":
		return GTC, nil
	case "IOC":
		return IOC, nil
	case "FOK":
		return FOK, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTimeInForce, s)
}

type Status uint8

const (
	StatusNew Status = iota
	StatusPartiallyFilled
	StatusFilled
	StatusCanceled
	StatusRejected
	StatusExpired
)

var statusNames = [...]string{
	StatusNew:             "NEW",
	StatusPartiallyFilled: "PARTIALLY_FILLED",
	StatusFilled:          "FILLED",
	StatusCanceled:        "CANCELED",
	StatusRejected:        "REJECTED",
	StatusExpired:         "EXPIRED",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", s)
}

// Terminal states accept no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// Text marshalling keeps the enums readable in JSON payloads.

func (s Side) MarshalText() ([]byte, error)        { return []byte(s.String()), nil }
func (t OrderType) MarshalText() ([]byte, error)   { return []byte(t.String()), nil }
func (t TimeInForce) MarshalText() ([]byte, error) { return []byte(t.String()), nil }
func (s Status) MarshalText() ([]byte, error)      { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (t *OrderType) UnmarshalText(b []byte) error {
	v, err := ParseOrderType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t *TimeInForce) UnmarshalText(b []byte) error {
	v, err := ParseTimeInForce(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (s *Status) UnmarshalText(b []byte) error {
	upper := strings.ToUpper(string(b))
	for i, name := range statusNames {
		if name == upper {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("invalid status: %q", string(b))
}
