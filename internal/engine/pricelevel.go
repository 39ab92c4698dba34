package engine

import (
	"slices"

	"fenrir/internal/common"

	"github.com/shopspring/decimal"
)

// PriceLevel holds the orders resting at one price, sorted by time added as
// they are push-back'd.
type PriceLevel struct {
	price  decimal.Decimal
	orders []*common.Order
	total  decimal.Decimal
}

func newPriceLevel(price decimal.Decimal) *PriceLevel {
	return &PriceLevel{price: price, total: decimal.Zero}
}

func (l *PriceLevel) Price() decimal.Decimal { return l.price }

// Total is the sum of the remaining quantity of every order on the level.
func (l *PriceLevel) Total() decimal.Decimal { return l.total }

func (l *PriceLevel) Len() int { return len(l.orders) }

// Front is the order with time priority on this level.
func (l *PriceLevel) Front() (*common.Order, bool) {
	if len(l.orders) == 0 {
		return nil, false
	}
	return l.orders[0], true
}

// Orders returns a copy of the FIFO.
func (l *PriceLevel) Orders() []*common.Order {
	return slices.Clone(l.orders)
}

func (l *PriceLevel) push(o *common.Order) {
	l.orders = append(l.orders, o)
	l.total = l.total.Add(o.Remaining)
}

// remove drops the order with the given id, keeping the FIFO order of the
// others. Consumed orders are almost always at the head.
func (l *PriceLevel) remove(id string) (*common.Order, bool) {
	for i, o := range l.orders {
		if o.ID != id {
			continue
		}
		if i == 0 {
			l.orders[0] = nil
			l.orders = l.orders[1:]
		} else {
			l.orders = slices.Delete(l.orders, i, i+1)
		}
		l.total = l.total.Sub(o.Remaining)
		return o, true
	}
	return nil, false
}

// consume lowers the level total after qty was filled from one of its orders.
func (l *PriceLevel) consume(qty decimal.Decimal) {
	l.total = l.total.Sub(qty)
}

func (l *PriceLevel) empty() bool { return len(l.orders) == 0 }
