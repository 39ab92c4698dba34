package engine

import (
	"fenrir/internal/common"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"
)

// StopBook holds stop orders waiting for their trigger. Orders that fire on
// a rising price are kept lowest stop first, orders that fire on a falling
// price highest stop first, each tie broken by sequence.
type StopBook struct {
	rising  *btree.BTreeG[*common.Order]
	falling *btree.BTreeG[*common.Order]
	index   map[string]*common.Order
}

func NewStopBook() *StopBook {
	opts := btree.Options{NoLocks: true}
	return &StopBook{
		rising: btree.NewBTreeGOptions(func(a, b *common.Order) bool {
			if c := a.StopPrice.Cmp(b.StopPrice); c != 0 {
				return c < 0
			}
			return a.Sequence < b.Sequence
		}, opts),
		falling: btree.NewBTreeGOptions(func(a, b *common.Order) bool {
			if c := a.StopPrice.Cmp(b.StopPrice); c != 0 {
				return c > 0
			}
			return a.Sequence < b.Sequence
		}, opts),
		index: make(map[string]*common.Order),
	}
}

// risesToTrigger reports whether the order fires when the price climbs to
// its stop: buy stops and sell take-profits.
func risesToTrigger(o *common.Order) bool {
	if o.Type == common.TakeProfitOrder {
		return o.Side == common.Sell
	}
	return o.Side == common.Buy
}

// Triggered reports whether a trade at price fires the order.
func Triggered(o *common.Order, price decimal.Decimal) bool {
	if risesToTrigger(o) {
		return price.GreaterThanOrEqual(o.StopPrice)
	}
	return price.LessThanOrEqual(o.StopPrice)
}

func (s *StopBook) tree(o *common.Order) *btree.BTreeG[*common.Order] {
	if risesToTrigger(o) {
		return s.rising
	}
	return s.falling
}

func (s *StopBook) Add(o *common.Order) error {
	if _, ok := s.index[o.ID]; ok {
		return ErrDuplicateOrder
	}
	s.tree(o).Set(o)
	s.index[o.ID] = o
	return nil
}

func (s *StopBook) Get(id string) (*common.Order, bool) {
	o, ok := s.index[id]
	return o, ok
}

func (s *StopBook) Remove(id string) (*common.Order, bool) {
	o, ok := s.index[id]
	if !ok {
		return nil, false
	}
	s.tree(o).Delete(o)
	delete(s.index, id)
	return o, true
}

func (s *StopBook) Len() int { return len(s.index) }

// Orders lists pending stops, rising triggers first.
func (s *StopBook) Orders() []*common.Order {
	out := make([]*common.Order, 0, len(s.index))
	out = append(out, s.rising.Items()...)
	return append(out, s.falling.Items()...)
}

// PopTriggered removes and returns the next pending stop fired by any price
// in [low, high]. Each direction yields in price then time order; when both
// directions have a fired head, the lower sequence goes first.
func (s *StopBook) PopTriggered(low, high decimal.Decimal) (*common.Order, bool) {
	var candidate *common.Order
	if o, ok := s.rising.Min(); ok && high.GreaterThanOrEqual(o.StopPrice) {
		candidate = o
	}
	if o, ok := s.falling.Min(); ok && low.LessThanOrEqual(o.StopPrice) {
		if candidate == nil || o.Sequence < candidate.Sequence {
			candidate = o
		}
	}
	if candidate == nil {
		return nil, false
	}
	s.Remove(candidate.ID)
	return candidate, true
}
