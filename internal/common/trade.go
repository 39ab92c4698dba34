package common

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade accounts for the two parties who matched. Trades are created by
// the engine only and never mutated afterwards.
type Trade struct {
	ID           uint64          `json:"tradeId"`
	MakerOrderID string          `json:"makerOrderId"`
	TakerOrderID string          `json:"takerOrderId"`
	MakerOwner   string          `json:"makerOwner,omitempty"`
	TakerOwner   string          `json:"takerOwner,omitempty"`
	Symbol       string          `json:"pair"`
	TakerSide    Side            `json:"takerSide"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
}

func (t Trade) String() string {
	return fmt.Sprintf(
		`Trade:          %d
Pair:           %s
Maker:          %s
Taker:          %s (%v)
Quantity:       %s
Price:          %s
Sequence:       %d
Timestamp:      %v`,
		t.ID,
		t.Symbol,
		t.MakerOrderID,
		t.TakerOrderID,
		t.TakerSide,
		t.Quantity,
		t.Price,
		t.Sequence,
		t.Timestamp.Format(time.RFC3339Nano),
	)
}
