package engine_test

import (
	"testing"

	. "fenrir/internal/common"
	"fenrir/internal/engine"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlaceOrder_Limit(t *testing.T) {
	h := newHarness(t)

	// 1. Setup: Place 3 orders on Buy side and 3 on Sell side
	h.place("99", Buy, "100", "90", "80")
	h.place("100", Sell, "100", "90", "80")

	// 2. Assertions
	assert.Equal(t, []string{"100", "90", "80"}, h.levelQuantities(Sell, "100"))
	assert.Equal(t, []string{"100", "90", "80"}, h.levelQuantities(Buy, "99"))
	assert.Equal(t, []string{"100:270"}, h.depth(Sell))
	assert.Equal(t, []string{"99:270"}, h.depth(Buy))
	assert.Equal(t, 6, h.eng.Book().Len())
}

func TestPlaceOrder_Limit_MultipleLevels_WithMatch(t *testing.T) {
	h := newHarness(t)

	// 1. Setup BIDS: Highest price first (99 -> 98)
	h.place("99", Buy, "100", "90", "80")
	h.place("98", Buy, "50")

	// 2. Setup ASKS: Lowest price first (100 -> 101)
	h.place("100", Sell, "100", "90")
	h.place("101", Sell, "20")

	// 3. Validates that the engine correctly sorts levels based on price priority
	assert.Equal(t, []string{"100:190", "101:20"}, h.depth(Sell), "Asks should be sorted Low -> High")
	assert.Equal(t, []string{"99:270", "98:50"}, h.depth(Buy), "Bids should be sorted High -> Low")

	// 4. Check complete match.
	h.place("100", Buy, "100")
	assert.Equal(t, []string{"90"}, h.levelQuantities(Sell, "100"))
	assert.Equal(t, []string{"100:90", "101:20"}, h.depth(Sell))

	// 5. Check partial match.
	h.place("100", Buy, "20")
	assert.Equal(t, []string{"70"}, h.levelQuantities(Sell, "100"))
	assert.Equal(t, []string{"100:70", "101:20"}, h.depth(Sell))
}

func TestPlaceOrder_Limit_MultipleLevels_WithMatchSweep_Bid(t *testing.T) {
	h := newHarness(t)

	h.place("99", Buy, "100", "90", "80")
	h.place("98", Buy, "50")
	h.place("100", Sell, "100", "90")
	h.place("101", Sell, "20")

	// 1. Check sweep match.
	h.place("100", Buy, "120")
	assert.Equal(t, []string{"100:70", "101:20"}, h.depth(Sell))

	// 2. Check multi-level sweep with a deep into the book order (100, 101).
	res := h.submit(limitOrder(Buy, "80", "103"))
	assert.Equal(t, []string{"101:10"}, h.depth(Sell))
	trades := res.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, "100", trades[0].Price.String(), "maker price wins")
	assert.Equal(t, "70", trades[0].Quantity.String())
	assert.Equal(t, "101", trades[1].Price.String())
	assert.Equal(t, "10", trades[1].Quantity.String())
	assert.Equal(t, StatusFilled, res.Order.Status)
}

func TestPlaceOrder_Limit_MultipleLevels_WithMatchSweep_Ask(t *testing.T) {
	h := newHarness(t)

	h.place("99", Buy, "100", "90", "80")
	h.place("98", Buy, "50")
	h.place("100", Sell, "100", "90")
	h.place("101", Sell, "20")

	// 1. Check sweep match.
	h.place("96", Sell, "310")
	assert.Equal(t, []string{"98:10"}, h.depth(Buy))
	assert.Equal(t, []string{"10"}, h.levelQuantities(Buy, "98"))
}

func TestOrderBook_InsertDuplicate(t *testing.T) {
	book := engine.NewOrderBook(testSymbol)
	o := &Order{ID: "a", Side: Buy, Price: d("10"), Remaining: d("1"), Quantity: d("1")}
	require.NoError(t, book.Insert(o))
	assert.ErrorIs(t, book.Insert(o), engine.ErrDuplicateOrder)
}

func TestOrderBook_RemoveUnknownIsNoOp(t *testing.T) {
	book := engine.NewOrderBook(testSymbol)
	o, ok, err := book.Remove("missing")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, o)
}

func TestOrderBook_RemoveDeletesEmptyLevel(t *testing.T) {
	book := engine.NewOrderBook(testSymbol)
	require.NoError(t, book.Insert(&Order{ID: "a", Side: Sell, Price: d("10"), Remaining: d("1"), Quantity: d("1")}))
	require.NoError(t, book.Insert(&Order{ID: "b", Side: Sell, Price: d("10"), Remaining: d("2"), Quantity: d("2")}))

	_, ok, err := book.Remove("a")
	require.NoError(t, err)
	require.True(t, ok)
	level, ok := book.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "2", level.Total().String())

	_, ok, err = book.Remove("b")
	require.NoError(t, err)
	require.True(t, ok)
	_, ok = book.BestAsk()
	assert.False(t, ok)
	assert.True(t, book.Volume(Sell).IsZero())
}

func TestOrderBook_IterateMatchable(t *testing.T) {
	book := engine.NewOrderBook(testSymbol)
	for _, o := range []*Order{
		{ID: "a", Side: Sell, Price: d("101"), Remaining: d("1"), Quantity: d("1")},
		{ID: "b", Side: Sell, Price: d("100"), Remaining: d("1"), Quantity: d("1")},
		{ID: "c", Side: Sell, Price: d("100"), Remaining: d("1"), Quantity: d("1")},
		{ID: "e", Side: Sell, Price: d("102"), Remaining: d("1"), Quantity: d("1")},
	} {
		require.NoError(t, book.Insert(o))
	}

	collect := func(limit decimal.Decimal, hasLimit bool) []string {
		var ids []string
		for _, o := range book.IterateMatchable(Buy, limit, hasLimit) {
			ids = append(ids, o.ID)
		}
		return ids
	}

	assert.Equal(t, []string{"b", "c", "a", "e"}, collect(decimal.Zero, false))
	assert.Equal(t, []string{"b", "c", "a"}, collect(d("101"), true))
	// Restartable: a second walk yields the same sequence.
	assert.Equal(t, []string{"b", "c", "a"}, collect(d("101"), true))
	assert.Empty(t, collect(d("99"), true))

	// A sell taker walks the bids, best first, and stops below its limit.
	require.NoError(t, book.Insert(&Order{ID: "x", Side: Buy, Price: d("98"), Remaining: d("1"), Quantity: d("1")}))
	require.NoError(t, book.Insert(&Order{ID: "y", Side: Buy, Price: d("99"), Remaining: d("1"), Quantity: d("1")}))
	var bids []string
	for price, o := range book.IterateMatchable(Sell, d("99"), true) {
		bids = append(bids, o.ID+"@"+price.String())
	}
	assert.Equal(t, []string{"y@99"}, bids)
}

func TestOrderBook_MatchableStopsAtWant(t *testing.T) {
	book := engine.NewOrderBook(testSymbol)
	require.NoError(t, book.Insert(&Order{ID: "a", Side: Buy, Price: d("10"), Remaining: d("3"), Quantity: d("3")}))
	require.NoError(t, book.Insert(&Order{ID: "b", Side: Buy, Price: d("9"), Remaining: d("3"), Quantity: d("3")}))

	assert.Equal(t, "3", book.Matchable(Sell, decimal.Zero, false, d("2")).String())
	assert.Equal(t, "6", book.Matchable(Sell, decimal.Zero, false, d("10")).String())
	assert.Equal(t, "3", book.Matchable(Sell, d("10"), true, d("10")).String())
}

func TestOrderBook_DrainDeltas(t *testing.T) {
	book := engine.NewOrderBook(testSymbol)
	require.NoError(t, book.Insert(&Order{ID: "a", Side: Buy, Price: d("10"), Remaining: d("3"), Quantity: d("3")}))
	require.NoError(t, book.Insert(&Order{ID: "b", Side: Buy, Price: d("10.0"), Remaining: d("1"), Quantity: d("1")}))
	require.NoError(t, book.Insert(&Order{ID: "c", Side: Sell, Price: d("11"), Remaining: d("1"), Quantity: d("1")}))

	out := book.DrainDeltas(7)
	require.Len(t, out, 2)
	assert.Equal(t, Buy, out[0].Side)
	assert.Equal(t, "4", out[0].NewTotalQuantity.String())
	assert.Equal(t, uint64(7), out[0].Sequence)
	assert.Equal(t, Sell, out[1].Side)
	assert.Empty(t, book.DrainDeltas(8))

	_, _, err := book.Remove("c")
	require.NoError(t, err)
	out = book.DrainDeltas(9)
	require.Len(t, out, 1)
	assert.True(t, out[0].NewTotalQuantity.IsZero(), "removed level reports zero")
}
