package engine_test

import (
	"fmt"
	"testing"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/engine"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

const testSymbol = "BTCUSDT"

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type harness struct {
	t   *testing.T
	eng *engine.Engine
	seq uint64
	ids int
}

func newHarness(t *testing.T) *harness {
	return newHarnessWithLimits(t, engine.Limits{})
}

func newHarnessWithLimits(t *testing.T, limits engine.Limits) *harness {
	return &harness{t: t, eng: engine.New(testSymbol, limits)}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func nd(s string) decimal.NullDecimal { return decimal.NewNullDecimal(d(s)) }

func limitOrder(side common.Side, qty, price string) common.OrderFields {
	return common.OrderFields{
		Symbol:   testSymbol,
		Side:     side,
		Type:     common.LimitOrder,
		Quantity: d(qty),
		Price:    nd(price),
	}
}

func withTIF(f common.OrderFields, tif common.TimeInForce) common.OrderFields {
	f.TimeInForce = tif
	return f
}

func marketOrder(side common.Side, qty string) common.OrderFields {
	return common.OrderFields{
		Symbol:   testSymbol,
		Side:     side,
		Type:     common.MarketOrder,
		Quantity: d(qty),
	}
}

func stopOrder(typ common.OrderType, side common.Side, qty, stop string) common.OrderFields {
	return common.OrderFields{
		Symbol:    testSymbol,
		Side:      side,
		Type:      typ,
		Quantity:  d(qty),
		StopPrice: nd(stop),
	}
}

func (h *harness) next() (uint64, time.Time) {
	h.seq++
	return h.seq, epoch.Add(time.Duration(h.seq) * time.Millisecond)
}

func (h *harness) command(kind common.CommandKind, id string) common.Command {
	seq, ts := h.next()
	return common.Command{Kind: kind, Symbol: testSymbol, Sequence: seq, Timestamp: ts, OrderID: id}
}

func (h *harness) process(cmd common.Command) engine.Result {
	h.t.Helper()
	res, err := h.eng.Process(cmd)
	require.NoError(h.t, err)
	return res
}

// submitAs places an order under a caller-chosen id.
func (h *harness) submitAs(id string, f common.OrderFields) engine.Result {
	h.t.Helper()
	req, err := common.NewOrderRequest(f)
	require.NoError(h.t, err)
	cmd := h.command(common.SubmitCommand, id)
	cmd.Order = req
	return h.process(cmd)
}

func (h *harness) submit(f common.OrderFields) engine.Result {
	h.t.Helper()
	h.ids++
	return h.submitAs(fmt.Sprintf("o-%d", h.ids), f)
}

// place rests one limit order per quantity at price, like a burst of
// clients hitting the same level.
func (h *harness) place(price string, side common.Side, quantities ...string) []string {
	h.t.Helper()
	ids := make([]string, 0, len(quantities))
	for _, qty := range quantities {
		res := h.submit(limitOrder(side, qty, price))
		require.Equal(h.t, engine.Accepted, res.Kind, res.Reason)
		ids = append(ids, res.OrderID)
	}
	return ids
}

func (h *harness) cancel(id string) engine.Result {
	h.t.Helper()
	return h.process(h.command(common.CancelCommand, id))
}

func (h *harness) amend(id string, qty, price string) engine.Result {
	h.t.Helper()
	cmd := h.command(common.AmendCommand, id)
	if qty != "" {
		cmd.Amend.Quantity = nd(qty)
	}
	if price != "" {
		cmd.Amend.Price = nd(price)
	}
	return h.process(cmd)
}

// levelQuantities lists the remaining quantity of each order on a level,
// in time priority.
func (h *harness) levelQuantities(side common.Side, price string) []string {
	level, ok := h.eng.Book().Level(side, d(price))
	if !ok {
		return nil
	}
	var out []string
	for _, o := range level.Orders() {
		out = append(out, o.Remaining.String())
	}
	return out
}

// depth flattens one side to "price:total" strings, best first.
func (h *harness) depth(side common.Side) []string {
	var out []string
	for _, l := range h.eng.Book().Depth(side, 0) {
		out = append(out, l.Price.String()+":"+l.Quantity.String())
	}
	return out
}

func statuses(res engine.Result) []common.OrderStatusEvent {
	var out []common.OrderStatusEvent
	for _, ev := range res.Events {
		if se, ok := ev.(common.OrderStatusEvent); ok {
			out = append(out, se)
		}
	}
	return out
}

func deltas(res engine.Result) []common.BookDeltaEvent {
	var out []common.BookDeltaEvent
	for _, ev := range res.Events {
		if de, ok := ev.(common.BookDeltaEvent); ok {
			out = append(out, de)
		}
	}
	return out
}

func kinds(res engine.Result) []common.EventKind {
	out := make([]common.EventKind, 0, len(res.Events))
	for _, ev := range res.Events {
		out = append(out, ev.Kind())
	}
	return out
}
