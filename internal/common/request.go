package common

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	MaxClientOrderIDLen = 36
	MaxSymbolLen        = 16
)

var (
	ErrInvalidSide          = errors.New("invalid side")
	ErrInvalidOrderType     = errors.New("invalid order type")
	ErrInvalidTimeInForce   = errors.New("invalid time in force")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrInvalidQuantity      = errors.New("quantity must be positive")
	ErrMissingPrice         = errors.New("price required for order type")
	ErrUnexpectedPrice      = errors.New("price not allowed for order type")
	ErrInvalidPrice         = errors.New("price must be positive")
	ErrMissingStopPrice     = errors.New("stop price required for order type")
	ErrUnexpectedStopPrice  = errors.New("stop price not allowed for order type")
	ErrInvalidStopPrice     = errors.New("stop price must be positive")
	ErrClientOrderIDTooLong = errors.New("client order id too long")
	ErrTerminalOrder        = errors.New("order is in a terminal state")
)

// Instruction is the type-specific part of an order. Each variant carries
// exactly the prices its order type needs, so a constructed OrderRequest can
// never be a LIMIT without a price or a MARKET with one.
type Instruction interface {
	Type() OrderType
	sealed()
}

type Market struct{}

type Limit struct {
	Price decimal.Decimal
}

type StopLoss struct {
	StopPrice decimal.Decimal
}

type StopLimit struct {
	Price     decimal.Decimal
	StopPrice decimal.Decimal
}

type TakeProfit struct {
	StopPrice decimal.Decimal
}

func (Market) Type() OrderType     { return MarketOrder }
func (Limit) Type() OrderType      { return LimitOrder }
func (StopLoss) Type() OrderType   { return StopLossOrder }
func (StopLimit) Type() OrderType  { return StopLimitOrder }
func (TakeProfit) Type() OrderType { return TakeProfitOrder }

func (Market) sealed()     {}
func (Limit) sealed()      {}
func (StopLoss) sealed()   {}
func (StopLimit) sealed()  {}
func (TakeProfit) sealed() {}

// OrderFields is the flat, boundary form of an order as it arrives from the
// validation middleware or the wire. Optional prices use NullDecimal.
type OrderFields struct {
	Symbol        string              `json:"symbol"`
	Side          Side                `json:"side"`
	Type          OrderType           `json:"type"`
	Quantity      decimal.Decimal     `json:"quantity"`
	Price         decimal.NullDecimal `json:"price"`
	StopPrice     decimal.NullDecimal `json:"stopPrice"`
	TimeInForce   TimeInForce         `json:"timeInForce"`
	ClientOrderID string              `json:"clientOrderId,omitempty"`
	Owner         string              `json:"owner,omitempty"`
}

// OrderRequest is a validated order submission.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Instruction   Instruction
	Quantity      decimal.Decimal
	TimeInForce   TimeInForce
	ClientOrderID string
	Owner         string
}

// NewOrderRequest is the only way to build an OrderRequest. It enforces the
// per-type required and forbidden fields.
func NewOrderRequest(f OrderFields) (OrderRequest, error) {
	if err := validSymbol(f.Symbol); err != nil {
		return OrderRequest{}, err
	}
	if f.Side != Buy && f.Side != Sell {
		return OrderRequest{}, fmt.Errorf("%w: %d", ErrInvalidSide, f.Side)
	}
	if f.TimeInForce > FOK {
		return OrderRequest{}, fmt.Errorf("%w: %d", ErrInvalidTimeInForce, f.TimeInForce)
	}
	if !f.Quantity.IsPositive() {
		return OrderRequest{}, ErrInvalidQuantity
	}
	if err := CheckDecimal(f.Quantity); err != nil {
		return OrderRequest{}, fmt.Errorf("quantity: %w", err)
	}
	if len(f.ClientOrderID) > MaxClientOrderIDLen {
		return OrderRequest{}, ErrClientOrderIDTooLong
	}

	ins, err := buildInstruction(f)
	if err != nil {
		return OrderRequest{}, err
	}

	return OrderRequest{
		Symbol:        f.Symbol,
		Side:          f.Side,
		Instruction:   ins,
		Quantity:      f.Quantity,
		TimeInForce:   f.TimeInForce,
		ClientOrderID: f.ClientOrderID,
		Owner:         f.Owner,
	}, nil
}

// restoreOrderRequest rebuilds a request that was already sequenced. It
// skips validation so that a journaled reject replays as the same reject.
func restoreOrderRequest(f OrderFields) OrderRequest {
	req := OrderRequest{
		Symbol:        f.Symbol,
		Side:          f.Side,
		Quantity:      f.Quantity,
		TimeInForce:   f.TimeInForce,
		ClientOrderID: f.ClientOrderID,
		Owner:         f.Owner,
	}
	switch f.Type {
	case MarketOrder:
		req.Instruction = Market{}
	case LimitOrder:
		req.Instruction = Limit{Price: f.Price.Decimal}
	case StopLossOrder:
		req.Instruction = StopLoss{StopPrice: f.StopPrice.Decimal}
	case StopLimitOrder:
		req.Instruction = StopLimit{Price: f.Price.Decimal, StopPrice: f.StopPrice.Decimal}
	case TakeProfitOrder:
		req.Instruction = TakeProfit{StopPrice: f.StopPrice.Decimal}
	}
	return req
}

func buildInstruction(f OrderFields) (Instruction, error) {
	if f.Type > TakeProfitOrder {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOrderType, f.Type)
	}

	if f.Type.HasPrice() {
		if !f.Price.Valid {
			return nil, fmt.Errorf("%w: %s", ErrMissingPrice, f.Type)
		}
		if !f.Price.Decimal.IsPositive() {
			return nil, ErrInvalidPrice
		}
		if err := CheckDecimal(f.Price.Decimal); err != nil {
			return nil, fmt.Errorf("price: %w", err)
		}
	} else if f.Price.Valid {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedPrice, f.Type)
	}

	if f.Type.IsStop() {
		if !f.StopPrice.Valid {
			return nil, fmt.Errorf("%w: %s", ErrMissingStopPrice, f.Type)
		}
		if !f.StopPrice.Decimal.IsPositive() {
			return nil, ErrInvalidStopPrice
		}
		if err := CheckDecimal(f.StopPrice.Decimal); err != nil {
			return nil, fmt.Errorf("stop price: %w", err)
		}
	} else if f.StopPrice.Valid {
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStopPrice, f.Type)
	}

	switch f.Type {
	case MarketOrder:
		return Market{}, nil
	case LimitOrder:
		return Limit{Price: f.Price.Decimal}, nil
	case StopLossOrder:
		return StopLoss{StopPrice: f.StopPrice.Decimal}, nil
	case StopLimitOrder:
		return StopLimit{Price: f.Price.Decimal, StopPrice: f.StopPrice.Decimal}, nil
	default:
		return TakeProfit{StopPrice: f.StopPrice.Decimal}, nil
	}
}

func validSymbol(symbol string) error {
	if symbol == "" || len(symbol) > MaxSymbolLen {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	for _, r := range symbol {
		if !unicode.IsUpper(r) && !unicode.IsDigit(r) && !strings.ContainsRune("-_/", r) {
			return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
	}
	return nil
}

// CheckEnums reports enum fields outside their defined values. Such a
// request cannot be written to the journal and read back.
func (r OrderRequest) CheckEnums() error {
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("%w: %d", ErrInvalidSide, r.Side)
	}
	if r.TimeInForce > FOK {
		return fmt.Errorf("%w: %d", ErrInvalidTimeInForce, r.TimeInForce)
	}
	return nil
}

func (r OrderRequest) Type() OrderType {
	if r.Instruction == nil {
		return MarketOrder
	}
	return r.Instruction.Type()
}

// Price returns the limit price, if the instruction has one.
func (r OrderRequest) Price() (decimal.Decimal, bool) {
	switch ins := r.Instruction.(type) {
	case Limit:
		return ins.Price, true
	case StopLimit:
		return ins.Price, true
	}
	return decimal.Zero, false
}

// StopPrice returns the trigger price, if the instruction has one.
func (r OrderRequest) StopPrice() (decimal.Decimal, bool) {
	switch ins := r.Instruction.(type) {
	case StopLoss:
		return ins.StopPrice, true
	case StopLimit:
		return ins.StopPrice, true
	case TakeProfit:
		return ins.StopPrice, true
	}
	return decimal.Zero, false
}

// Fields flattens the request back to its boundary form.
func (r OrderRequest) Fields() OrderFields {
	f := OrderFields{
		Symbol:        r.Symbol,
		Side:          r.Side,
		Type:          r.Type(),
		Quantity:      r.Quantity,
		TimeInForce:   r.TimeInForce,
		ClientOrderID: r.ClientOrderID,
		Owner:         r.Owner,
	}
	if p, ok := r.Price(); ok {
		f.Price = decimal.NewNullDecimal(p)
	}
	if p, ok := r.StopPrice(); ok {
		f.StopPrice = decimal.NewNullDecimal(p)
	}
	return f
}
