package engine

import (
	"fmt"
	"iter"
	"time"

	"fenrir/internal/common"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

type PriceLevels = btree.BTreeG[*PriceLevel]

type levelKey struct {
	side  common.Side
	price string
}

type OrderBook struct {
	symbol string

	// Price levels to orders sat on the price level. Both trees are owned by
	// a single engine goroutine so they are built without locks.
	bids *PriceLevels
	asks *PriceLevels

	// Resting orders by id. The order carries its side and price, which is
	// enough to find its level in O(log n).
	index map[string]*common.Order

	// Some book keeping
	nBuyOrders   int             // Track the number of bids in the book.
	nSellOrders  int             // Track the number of asks in the book.
	buyQuantity  decimal.Decimal // Track the bid-side liquidity of the book.
	sellQuantity decimal.Decimal // Track the ask-side liquidity of the book.

	// Levels changed since the last drain, in first-touch order.
	touched     []levelKey
	touchedSeen map[levelKey]struct{}
	touchedPx   map[levelKey]decimal.Decimal
}

func NewOrderBook(symbol string) *OrderBook {
	opts := btree.Options{NoLocks: true}
	// Sorted greatest first.
	bids := btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
		return a.price.GreaterThan(b.price)
	}, opts)
	// Sorted least first.
	asks := btree.NewBTreeGOptions(func(a, b *PriceLevel) bool {
		return a.price.LessThan(b.price)
	}, opts)
	return &OrderBook{
		symbol:       symbol,
		bids:         bids,
		asks:         asks,
		index:        make(map[string]*common.Order),
		buyQuantity:  decimal.Zero,
		sellQuantity: decimal.Zero,
		touchedSeen:  make(map[levelKey]struct{}),
		touchedPx:    make(map[levelKey]decimal.Decimal),
	}
}

func (book *OrderBook) Symbol() string { return book.symbol }

func (book *OrderBook) levels(side common.Side) *PriceLevels {
	if side == common.Buy {
		return book.bids
	}
	return book.asks
}

// BestBid returns the highest bid level.
func (book *OrderBook) BestBid() (*PriceLevel, bool) {
	return book.bids.Min()
}

// BestAsk returns the lowest ask level.
func (book *OrderBook) BestAsk() (*PriceLevel, bool) {
	return book.asks.Min()
}

// Len is the number of resting orders on both sides.
func (book *OrderBook) Len() int { return len(book.index) }

// Count is the number of resting orders on one side.
func (book *OrderBook) Count(side common.Side) int {
	if side == common.Buy {
		return book.nBuyOrders
	}
	return book.nSellOrders
}

// Volume is the resting quantity on one side.
func (book *OrderBook) Volume(side common.Side) decimal.Decimal {
	if side == common.Buy {
		return book.buyQuantity
	}
	return book.sellQuantity
}

// Get looks up a resting order.
func (book *OrderBook) Get(id string) (*common.Order, bool) {
	o, ok := book.index[id]
	return o, ok
}

// Level returns the level at price on side.
func (book *OrderBook) Level(side common.Side, price decimal.Decimal) (*PriceLevel, bool) {
	return book.levels(side).Get(&PriceLevel{price: price})
}

// Insert rests the order at the tail of its price level. Duplicate ids are a
// programmer error.
func (book *OrderBook) Insert(order *common.Order) error {
	if _, ok := book.index[order.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateOrder, order.ID)
	}

	levels := book.levels(order.Side)
	// Levels comparator only accounts for price levels, so we create a dummy
	// price level for the search.
	level, ok := levels.GetMut(&PriceLevel{price: order.Price})
	if !ok {
		level = newPriceLevel(order.Price)
		levels.Set(level)
	}
	level.push(order)
	book.index[order.ID] = order
	book.adjust(order.Side, 1, order.Remaining)
	book.touch(order.Side, order.Price)
	return nil
}

// Remove takes a resting order off the book, deleting its level if it is now
// empty. A missing order is not an error, it was already filled or canceled.
func (book *OrderBook) Remove(id string) (*common.Order, bool, error) {
	order, ok := book.index[id]
	if !ok {
		return nil, false, nil
	}

	levels := book.levels(order.Side)
	level, ok := levels.GetMut(&PriceLevel{price: order.Price})
	if !ok {
		return nil, false, fmt.Errorf("%w: %s has no level at %s", ErrIndexMismatch, id, order.Price)
	}
	if _, ok := level.remove(id); !ok {
		return nil, false, fmt.Errorf("%w: %s missing from level %s", ErrIndexMismatch, id, order.Price)
	}
	if level.empty() {
		levels.Delete(level)
	}
	delete(book.index, id)
	book.adjust(order.Side, -1, order.Remaining.Neg())
	book.touch(order.Side, order.Price)
	return order, true, nil
}

// Consume fills qty of a resting order at its own price and removes it from
// the book once exhausted.
func (book *OrderBook) Consume(maker *common.Order, qty decimal.Decimal, ts time.Time) error {
	level, ok := book.levels(maker.Side).GetMut(&PriceLevel{price: maker.Price})
	if !ok {
		return fmt.Errorf("%w: %s has no level at %s", ErrIndexMismatch, maker.ID, maker.Price)
	}
	if err := maker.Fill(qty, maker.Price, ts); err != nil {
		return fmt.Errorf("%w: %v", ErrOverfill, err)
	}
	level.consume(qty)
	book.adjust(maker.Side, 0, qty.Neg())
	book.touch(maker.Side, maker.Price)

	if maker.Remaining.IsZero() {
		_, _, err := book.Remove(maker.ID)
		return err
	}
	return nil
}

// Reduce shrinks a resting order's remaining quantity in place. The order
// keeps its time priority.
func (book *OrderBook) Reduce(id string, remaining decimal.Decimal) error {
	order, ok := book.index[id]
	if !ok {
		return fmt.Errorf("%w: reduce unknown order %s", ErrIndexMismatch, id)
	}
	level, ok := book.levels(order.Side).GetMut(&PriceLevel{price: order.Price})
	if !ok {
		return fmt.Errorf("%w: %s has no level at %s", ErrIndexMismatch, id, order.Price)
	}
	diff := order.Remaining.Sub(remaining)
	order.Remaining = remaining
	level.consume(diff)
	book.adjust(order.Side, 0, diff.Neg())
	book.touch(order.Side, order.Price)
	return nil
}

// IterateMatchable yields the opposing resting orders a taker on takerSide
// may match, best price first and FIFO within a price. With hasLimit unset
// every price is eligible (market orders). The sequence is lazy and can be
// restarted by calling IterateMatchable again; the consumer may fill and
// remove yielded orders between steps.
func (book *OrderBook) IterateMatchable(takerSide common.Side, limit decimal.Decimal, hasLimit bool) iter.Seq2[decimal.Decimal, *common.Order] {
	levels := book.levels(takerSide.Opposite())
	eligible := func(price decimal.Decimal) bool {
		if !hasLimit {
			return true
		}
		if takerSide == common.Buy {
			return price.LessThanOrEqual(limit)
		}
		return price.GreaterThanOrEqual(limit)
	}

	return func(yield func(decimal.Decimal, *common.Order) bool) {
		var (
			last    decimal.Decimal
			started bool
		)
		for {
			level := book.nextLevel(levels, last, started)
			if level == nil || !eligible(level.price) {
				return
			}
			started = true
			last = level.price

			for _, o := range level.Orders() {
				// Skip anything the consumer took off the book meanwhile.
				if o.Remaining.IsZero() || book.index[o.ID] != o {
					continue
				}
				if !yield(level.price, o) {
					return
				}
			}
		}
	}
}

// nextLevel finds the first level strictly after last in the tree's order.
func (book *OrderBook) nextLevel(levels *PriceLevels, last decimal.Decimal, started bool) *PriceLevel {
	var next *PriceLevel
	if !started {
		next, _ = levels.Min()
		return next
	}
	levels.Ascend(&PriceLevel{price: last}, func(l *PriceLevel) bool {
		if l.price.Equal(last) {
			return true
		}
		next = l
		return false
	})
	return next
}

// Matchable sums the quantity IterateMatchable would offer, stopping early
// once want is reached.
func (book *OrderBook) Matchable(takerSide common.Side, limit decimal.Decimal, hasLimit bool, want decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, o := range book.IterateMatchable(takerSide, limit, hasLimit) {
		total = total.Add(o.Remaining)
		if total.GreaterThanOrEqual(want) {
			break
		}
	}
	return total
}

// Depth aggregates up to n levels of one side, best first. n <= 0 means all.
func (book *OrderBook) Depth(side common.Side, n int) []Level {
	levels := book.levels(side)
	out := make([]Level, 0, min(levels.Len(), max(n, 0)))
	levels.Scan(func(l *PriceLevel) bool {
		out = append(out, Level{Price: l.price, Quantity: l.total, Orders: l.Len()})
		return n <= 0 || len(out) < n
	})
	return out
}

// Crossed reports whether the best bid is at or above the best ask.
func (book *OrderBook) Crossed() bool {
	bid, bidOk := book.BestBid()
	ask, askOk := book.BestAsk()
	return bidOk && askOk && bid.price.GreaterThanOrEqual(ask.price)
}

// DrainDeltas returns the book delta for every level touched since the last
// drain, in first-touch order.
func (book *OrderBook) DrainDeltas(seq uint64) []common.BookDeltaEvent {
	if len(book.touched) == 0 {
		return nil
	}
	out := make([]common.BookDeltaEvent, 0, len(book.touched))
	for _, key := range book.touched {
		price := book.touchedPx[key]
		total := decimal.Zero
		if level, ok := book.Level(key.side, price); ok {
			total = level.total
		}
		out = append(out, common.BookDeltaEvent{
			Symbol:           book.symbol,
			Side:             key.side,
			Price:            price,
			NewTotalQuantity: total,
			Sequence:         seq,
		})
		delete(book.touchedSeen, key)
		delete(book.touchedPx, key)
	}
	book.touched = book.touched[:0]
	return out
}

func (book *OrderBook) touch(side common.Side, price decimal.Decimal) {
	key := levelKey{side: side, price: price.String()}
	if _, ok := book.touchedSeen[key]; ok {
		return
	}
	book.touchedSeen[key] = struct{}{}
	book.touchedPx[key] = price
	book.touched = append(book.touched, key)
}

func (book *OrderBook) adjust(side common.Side, orders int, qty decimal.Decimal) {
	switch side {
	case common.Buy:
		book.nBuyOrders += orders
		book.buyQuantity = book.buyQuantity.Add(qty)
	case common.Sell:
		book.nSellOrders += orders
		book.sellQuantity = book.sellQuantity.Add(qty)
	}
}
