package engine

import (
	"time"

	"fenrir/internal/common"

	"github.com/shopspring/decimal"
)

// Level is one aggregated price level of a snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Snapshot is an immutable point-in-time view of a book. Every field
// reflects the state right after the command with Sequence was applied.
type Snapshot struct {
	Symbol         string              `json:"pair"`
	Sequence       uint64              `json:"sequence"`
	Bids           []Level             `json:"bids"`
	Asks           []Level             `json:"asks"`
	LastTradePrice decimal.NullDecimal `json:"lastTradePrice"`
	PendingStops   int                 `json:"pendingStops"`
	Timestamp      time.Time           `json:"timestamp"`
}

// BestBid returns the top bid level of the snapshot.
func (s *Snapshot) BestBid() (Level, bool) {
	if len(s.Bids) == 0 {
		return Level{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level of the snapshot.
func (s *Snapshot) BestAsk() (Level, bool) {
	if len(s.Asks) == 0 {
		return Level{}, false
	}
	return s.Asks[0], true
}

// Truncate returns a copy limited to depth levels per side.
func (s *Snapshot) Truncate(depth int) *Snapshot {
	if depth <= 0 {
		return s
	}
	c := *s
	c.Bids = s.Bids[:min(depth, len(s.Bids))]
	c.Asks = s.Asks[:min(depth, len(s.Asks))]
	return &c
}

// Snapshot copies the book into a new immutable value. depth <= 0 copies
// every level.
func (e *Engine) Snapshot(depth int) *Snapshot {
	return &Snapshot{
		Symbol:         e.symbol,
		Sequence:       e.lastSeq,
		Bids:           e.book.Depth(common.Buy, depth),
		Asks:           e.book.Depth(common.Sell, depth),
		LastTradePrice: e.lastPrice,
		PendingStops:   e.stops.Len(),
		Timestamp:      e.lastTs,
	}
}
