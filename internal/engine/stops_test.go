package engine_test

import (
	"testing"

	"fenrir/internal/common"
	"fenrir/internal/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(id string, typ common.OrderType, side common.Side, stop string, seq uint64) *common.Order {
	return &common.Order{
		ID:        id,
		Type:      typ,
		Side:      side,
		StopPrice: d(stop),
		Quantity:  d("1"),
		Remaining: d("1"),
		Sequence:  seq,
	}
}

func TestTriggered(t *testing.T) {
	cases := []struct {
		name  string
		order *common.Order
		price string
		want  bool
	}{
		{"buy stop below", pending("a", common.StopLossOrder, common.Buy, "100", 1), "99", false},
		{"buy stop at", pending("a", common.StopLossOrder, common.Buy, "100", 1), "100", true},
		{"sell stop above", pending("a", common.StopLossOrder, common.Sell, "100", 1), "101", false},
		{"sell stop below", pending("a", common.StopLimitOrder, common.Sell, "100", 1), "99", true},
		{"sell take profit rises", pending("a", common.TakeProfitOrder, common.Sell, "100", 1), "101", true},
		{"buy take profit falls", pending("a", common.TakeProfitOrder, common.Buy, "100", 1), "99", true},
		{"buy take profit above", pending("a", common.TakeProfitOrder, common.Buy, "100", 1), "101", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, engine.Triggered(tc.order, d(tc.price)))
		})
	}
}

func TestStopBook_PopTriggered(t *testing.T) {
	stops := engine.NewStopBook()
	require.NoError(t, stops.Add(pending("buy-105", common.StopLossOrder, common.Buy, "105", 3)))
	require.NoError(t, stops.Add(pending("buy-102", common.StopLossOrder, common.Buy, "102", 4)))
	require.NoError(t, stops.Add(pending("sell-95", common.StopLossOrder, common.Sell, "95", 1)))
	require.NoError(t, stops.Add(pending("sell-98", common.StopLossOrder, common.Sell, "98", 2)))
	assert.ErrorIs(t, stops.Add(pending("sell-98", common.StopLossOrder, common.Sell, "98", 2)), engine.ErrDuplicateOrder)

	_, ok := stops.PopTriggered(d("99"), d("101"))
	assert.False(t, ok, "nothing fires inside the gap")

	// Both directions fire when the command traded from 94 up to 103. The
	// lower sequence wins between the two heads.
	var order []string
	for {
		o, ok := stops.PopTriggered(d("94"), d("103"))
		if !ok {
			break
		}
		order = append(order, o.ID)
	}
	assert.Equal(t, []string{"sell-98", "sell-95", "buy-102"}, order)
	assert.Equal(t, 1, stops.Len())

	o, ok := stops.Remove("buy-105")
	require.True(t, ok)
	assert.Equal(t, "buy-105", o.ID)
	_, ok = stops.Remove("buy-105")
	assert.False(t, ok)
	assert.Empty(t, stops.Orders())
}

func TestStopBook_TiesBySequence(t *testing.T) {
	stops := engine.NewStopBook()
	require.NoError(t, stops.Add(pending("late", common.StopLossOrder, common.Buy, "100", 9)))
	require.NoError(t, stops.Add(pending("early", common.StopLossOrder, common.Buy, "100", 2)))

	first, ok := stops.PopTriggered(d("100"), d("100"))
	require.True(t, ok)
	assert.Equal(t, "early", first.ID)
}

func TestStopBook_PriceBeforeTimeWithinDirection(t *testing.T) {
	stops := engine.NewStopBook()
	require.NoError(t, stops.Add(pending("buy-103", common.StopLossOrder, common.Buy, "103", 5)))
	require.NoError(t, stops.Add(pending("buy-101", common.StopLossOrder, common.Buy, "101", 9)))
	require.NoError(t, stops.Add(pending("tp-sell-102", common.TakeProfitOrder, common.Sell, "102", 7)))

	var order []string
	for {
		o, ok := stops.PopTriggered(d("100"), d("104"))
		if !ok {
			break
		}
		order = append(order, o.ID)
	}
	// The price crosses 101 before 102 before 103, whatever the arrival order.
	assert.Equal(t, []string{"buy-101", "tp-sell-102", "buy-103"}, order)
}

func TestStops_CascadeWithinOneCommand(t *testing.T) {
	h := newHarness(t)
	h.place("100", common.Buy, "1")
	h.submit(limitOrder(common.Sell, "1", "100"))

	// stop-a sells into 97, which fires stop-b, which sells into 94.
	h.submitAs("stop-a", stopOrder(common.StopLossOrder, common.Sell, "1", "98"))
	h.submitAs("stop-b", stopOrder(common.StopLossOrder, common.Sell, "1", "96"))
	h.place("99", common.Buy, "1")
	h.place("97", common.Buy, "1")
	h.place("94", common.Buy, "5")

	res := h.submit(limitOrder(common.Sell, "1", "99"))
	assert.Equal(t, 2, h.eng.Stops().Len(), "99 fires nothing")
	assert.Len(t, res.Trades(), 1)

	res = h.submit(limitOrder(common.Sell, "1", "97"))
	trades := res.Trades()
	require.Len(t, trades, 3)
	assert.Equal(t, "97", trades[0].Price.String())
	assert.Equal(t, "stop-a", trades[1].TakerOrderID)
	assert.Equal(t, "94", trades[1].Price.String())
	assert.Equal(t, "stop-b", trades[2].TakerOrderID)
	assert.Equal(t, 0, h.eng.Stops().Len())
	assert.Equal(t, []string{"94:3"}, h.depth(common.Buy))

	// Every event of the cascade carries the triggering command's sequence.
	for _, ev := range res.Events {
		assert.Equal(t, res.Sequence, ev.Seq())
	}
}

func TestStops_SnapshotCountsPending(t *testing.T) {
	h := newHarness(t)
	h.submitAs("s", stopOrder(common.StopLossOrder, common.Buy, "1", "110"))
	snap := h.eng.Snapshot(0)
	assert.Equal(t, 1, snap.PendingStops)
	assert.False(t, snap.LastTradePrice.Valid)
	assert.Empty(t, snap.Bids)
}
