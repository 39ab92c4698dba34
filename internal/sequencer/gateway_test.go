package sequencer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/engine"
	"fenrir/internal/journal"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Setup & Helpers --------------------------------------------------------

const symbol = "BTCUSDT"

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type memJournal struct {
	mu   sync.Mutex
	cmds []common.Command
	fail error
}

func (m *memJournal) Append(cmd common.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.cmds = append(m.cmds, cmd)
	return nil
}

func (m *memJournal) Replay(sym string, fn func(common.Command) error) error {
	m.mu.Lock()
	cmds := append([]common.Command(nil), m.cmds...)
	m.mu.Unlock()
	for _, c := range cmds {
		if c.Symbol != sym {
			continue
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

type memPublisher struct {
	mu      sync.Mutex
	batches [][]common.Event
}

func (m *memPublisher) Publish(events []common.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, events)
}

func (m *memPublisher) events() []common.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []common.Event
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func fixedClock() func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return epoch.Add(time.Duration(n.Add(1)) * time.Millisecond)
	}
}

func counterIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("ord-%d", n.Add(1)) }
}

func newGateway(t *testing.T, cfg Config, opts ...Option) *Gateway {
	t.Helper()
	opts = append([]Option{WithClock(fixedClock()), WithIDs(counterIDs())}, opts...)
	g := New(cfg, map[string]engine.Limits{symbol: {}, "ETHUSDT": {}}, opts...)
	require.NoError(t, g.Start())
	t.Cleanup(func() { g.Stop() })
	return g
}

func limit(side common.Side, qty, price string) common.OrderRequest {
	req, err := common.NewOrderRequest(common.OrderFields{
		Symbol:   symbol,
		Side:     side,
		Type:     common.LimitOrder,
		Quantity: decimal.RequireFromString(qty),
		Price:    decimal.NewNullDecimal(decimal.RequireFromString(price)),
	})
	if err != nil {
		panic(err)
	}
	return req
}

// --- Tests ------------------------------------------------------------------

func TestGateway_SequencesAndPublishes(t *testing.T) {
	pub := &memPublisher{}
	g := newGateway(t, Config{QueueSize: 8}, WithPublisher(pub))
	ctx := context.Background()

	res, err := g.Submit(ctx, limit(common.Buy, "1.0", "50000"))
	require.NoError(t, err)
	assert.Equal(t, engine.Accepted, res.Kind)
	assert.Equal(t, uint64(1), res.Sequence)
	assert.Equal(t, "ord-1", res.OrderID)

	res, err = g.Submit(ctx, limit(common.Sell, "0.4", "50000"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Sequence)
	assert.Len(t, res.Trades(), 1)

	snap, err := g.Snapshot(symbol)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Sequence)
	bid, ok := snap.BestBid()
	require.True(t, ok)
	assert.Equal(t, "0.6", bid.Quantity.String())
	assert.Equal(t, "50000", snap.LastTradePrice.Decimal.String())

	st, ok := g.Order(symbol, "ord-1")
	require.True(t, ok)
	assert.Equal(t, common.StatusPartiallyFilled, st.Status)

	var last uint64
	for _, ev := range pub.events() {
		assert.GreaterOrEqual(t, ev.Seq(), last)
		last = ev.Seq()
	}
	assert.Equal(t, uint64(2), last)

	// Pairs keep independent sequences.
	eth, err := g.Cancel(ctx, "ETHUSDT", "nothing", "")
	require.NoError(t, err)
	assert.Equal(t, engine.NoOp, eth.Kind)
	assert.Equal(t, uint64(1), eth.Sequence)
}

func TestGateway_UnknownPair(t *testing.T) {
	g := newGateway(t, Config{})
	_, err := g.Cancel(context.Background(), "DOGEUSDT", "x", "")
	assert.ErrorIs(t, err, ErrUnknownPair)
	_, err = g.Snapshot("DOGEUSDT")
	assert.ErrorIs(t, err, ErrUnknownPair)
	assert.Equal(t, []string{symbol, "ETHUSDT"}, g.Pairs())
}

func TestGateway_NotStarted(t *testing.T) {
	g := New(Config{}, map[string]engine.Limits{symbol: {}})
	_, err := g.Submit(context.Background(), limit(common.Buy, "1", "1"))
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.NoError(t, g.Stop())
}

func TestGateway_ConcurrentSubmitsGetUniqueSequences(t *testing.T) {
	g := newGateway(t, Config{QueueSize: 4, AdmissionTimeout: 5 * time.Second})
	ctx := context.Background()

	const n = 200
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			side := common.Buy
			if i%2 == 1 {
				side = common.Sell
			}
			res, err := g.Submit(ctx, limit(side, "1", "100"))
			if assert.NoError(t, err) {
				seqs <- res.Sequence
			}
		}(i)
	}
	wg.Wait()
	close(seqs)

	seen := map[uint64]bool{}
	for s := range seqs {
		assert.False(t, seen[s], "sequence %d reused", s)
		seen[s] = true
	}
	assert.Len(t, seen, n)
	for s := uint64(1); s <= n; s++ {
		assert.True(t, seen[s], "gap at %d", s)
	}

	snap, _ := g.Snapshot(symbol)
	assert.Empty(t, snap.Bids, "every buy crossed a sell at the same price")
	assert.Empty(t, snap.Asks)
}

type blockingJournal struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingJournal() *blockingJournal {
	return &blockingJournal{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (b *blockingJournal) Append(common.Command) error {
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func (b *blockingJournal) Replay(string, func(common.Command) error) error { return nil }

func TestGateway_BusyWhenQueueFull(t *testing.T) {
	j := newBlockingJournal()
	g := newGateway(t, Config{QueueSize: 1, AdmissionTimeout: 20 * time.Millisecond}, WithJournal(j))
	ctx := context.Background()

	// First command occupies the worker, second fills the queue.
	done := make(chan error, 2)
	submit := func() {
		_, err := g.Submit(ctx, limit(common.Buy, "1", "100"))
		done <- err
	}
	go submit()
	<-j.entered
	go submit()
	require.Eventually(t, func() bool { return len(g.pairs[symbol].queue) == 1 }, time.Second, time.Millisecond)

	_, err := g.Submit(ctx, limit(common.Buy, "1", "100"))
	assert.ErrorIs(t, err, ErrBusy)

	close(j.release)
	for i := 0; i < 2; i++ {
		assert.NoError(t, <-done)
	}
}

func TestGateway_ContextCanceledWhileWaiting(t *testing.T) {
	j := newBlockingJournal()
	g := newGateway(t, Config{QueueSize: 4}, WithJournal(j))
	defer close(j.release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Submit(ctx, limit(common.Buy, "1", "100"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGateway_JournalFailureDoesNotConsumeSequence(t *testing.T) {
	j := &memJournal{fail: assert.AnError}
	g := newGateway(t, Config{}, WithJournal(j))
	ctx := context.Background()

	_, err := g.Submit(ctx, limit(common.Buy, "1", "100"))
	assert.ErrorIs(t, err, assert.AnError)

	j.mu.Lock()
	j.fail = nil
	j.mu.Unlock()
	res, err := g.Submit(ctx, limit(common.Buy, "1", "100"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Sequence)
}

func TestGateway_ReplayRebuildsBook(t *testing.T) {
	j := &memJournal{}
	ctx := context.Background()

	first := New(Config{}, map[string]engine.Limits{symbol: {}}, WithJournal(j), WithClock(fixedClock()), WithIDs(counterIDs()))
	require.NoError(t, first.Start())
	for _, req := range []common.OrderRequest{
		limit(common.Buy, "1", "99"),
		limit(common.Buy, "2", "100"),
		limit(common.Sell, "0.5", "100"),
		limit(common.Sell, "3", "101"),
	} {
		_, err := first.Submit(ctx, req)
		require.NoError(t, err)
	}
	_, err := first.Cancel(ctx, symbol, "ord-1", "")
	require.NoError(t, err)
	before, _ := first.Snapshot(symbol)
	require.NoError(t, first.Stop())

	pub := &memPublisher{}
	second := New(Config{}, map[string]engine.Limits{symbol: {}}, WithJournal(j), WithPublisher(pub), WithIDs(counterIDs()))
	require.NoError(t, second.Start())
	defer second.Stop()

	after, _ := second.Snapshot(symbol)
	wantJSON, _ := json.Marshal(before)
	gotJSON, _ := json.Marshal(after)
	assert.JSONEq(t, string(wantJSON), string(gotJSON))
	assert.Empty(t, pub.events(), "replay does not republish")

	st, ok := second.Order(symbol, "ord-2")
	require.True(t, ok)
	assert.Equal(t, "0.5", st.FilledQuantity.String())

	// Sequencing continues after the journal.
	res, err := second.Cancel(ctx, symbol, "ord-4", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(6), res.Sequence)
	assert.Equal(t, engine.Canceled, res.Kind)
}

func TestGateway_ReplayWithPebble(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, journal.Options{NoSync: true})
	require.NoError(t, err)
	ctx := context.Background()

	g := New(Config{}, map[string]engine.Limits{symbol: {}}, WithJournal(j), WithClock(fixedClock()))
	require.NoError(t, g.Start())
	_, err = g.Submit(ctx, limit(common.Sell, "1", "200"))
	require.NoError(t, err)
	require.NoError(t, g.Stop())
	require.NoError(t, j.Close())

	j, err = journal.Open(dir, journal.Options{NoSync: true})
	require.NoError(t, err)
	defer j.Close()
	g = New(Config{}, map[string]engine.Limits{symbol: {}}, WithJournal(j))
	require.NoError(t, g.Start())
	defer g.Stop()

	snap, err := g.Snapshot(symbol)
	require.NoError(t, err)
	ask, ok := snap.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "200", ask.Price.String())
	assert.Equal(t, uint64(1), snap.Sequence)
}

func TestGateway_ReplayReproducesRejects(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(dir, journal.Options{NoSync: true})
	require.NoError(t, err)
	ctx := context.Background()

	g := New(Config{}, map[string]engine.Limits{symbol: {}}, WithJournal(j), WithClock(fixedClock()), WithIDs(counterIDs()))
	require.NoError(t, g.Start())
	res, err := g.Submit(ctx, common.OrderRequest{Symbol: symbol})
	require.NoError(t, err)
	require.Equal(t, engine.Rejected, res.Kind)
	_, err = g.Submit(ctx, limit(common.Sell, "1", "200"))
	require.NoError(t, err)
	require.NoError(t, g.Stop())
	require.NoError(t, j.Close())

	j, err = journal.Open(dir, journal.Options{NoSync: true})
	require.NoError(t, err)
	defer j.Close()
	g = New(Config{}, map[string]engine.Limits{symbol: {}}, WithJournal(j), WithIDs(counterIDs()))
	require.NoError(t, g.Start())
	defer g.Stop()

	st, ok := g.Order(symbol, "ord-1")
	require.True(t, ok)
	assert.Equal(t, common.StatusRejected, st.Status)
	assert.Equal(t, res.Reason, st.Reason)

	snap, err := g.Snapshot(symbol)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Sequence)
	require.Len(t, snap.Asks, 1)

	next, err := g.Cancel(ctx, symbol, "ord-2", "")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next.Sequence)
	assert.Equal(t, engine.Canceled, next.Kind)
}

func TestGateway_RefusesUnencodableRequests(t *testing.T) {
	j := &memJournal{}
	g := newGateway(t, Config{}, WithJournal(j))

	req := limit(common.Buy, "1", "100")
	req.Side = 9
	_, err := g.Submit(context.Background(), req)
	assert.ErrorIs(t, err, common.ErrInvalidSide)
	assert.Empty(t, j.cmds, "nothing sequenced")
}

func TestGateway_InvariantHaltsOnlyThatPair(t *testing.T) {
	// The clock runs on the worker goroutine, so it can rewind the pair's
	// sequence to simulate a corrupted sequencer.
	var g *Gateway
	var calls atomic.Int64
	clock := func() time.Time {
		if calls.Add(1) == 2 {
			g.pairs[symbol].seq = 0
		}
		return epoch
	}
	g = New(Config{}, map[string]engine.Limits{symbol: {}, "ETHUSDT": {}}, WithClock(clock))
	require.NoError(t, g.Start())
	defer g.Stop()
	ctx := context.Background()

	_, err := g.Submit(ctx, limit(common.Buy, "1", "100"))
	require.NoError(t, err)

	_, err = g.Submit(ctx, limit(common.Buy, "1", "100"))
	require.Error(t, err)
	assert.True(t, engine.IsInvariant(err))

	select {
	case ie := <-g.Halts():
		assert.Equal(t, symbol, ie.Symbol)
		assert.ErrorIs(t, ie, engine.ErrOutOfSequence)
	case <-time.After(time.Second):
		t.Fatal("halt not reported")
	}
	assert.True(t, g.Halted(symbol))
	assert.False(t, g.Halted("ETHUSDT"))
	assert.True(t, engine.IsInvariant(g.Err()))

	_, err = g.Submit(ctx, limit(common.Buy, "1", "100"))
	assert.ErrorIs(t, err, ErrHalted)
	_, err = g.Cancel(ctx, symbol, "ord-1", "")
	assert.ErrorIs(t, err, ErrHalted)

	// The other pair keeps trading.
	eth := func(side common.Side, qty, price string) common.OrderRequest {
		req := limit(side, qty, price)
		req.Symbol = "ETHUSDT"
		return req
	}
	res, err := g.Submit(ctx, eth(common.Sell, "2", "3000"))
	require.NoError(t, err)
	assert.Equal(t, engine.Accepted, res.Kind)
	res, err = g.Submit(ctx, eth(common.Buy, "1", "3000"))
	require.NoError(t, err)
	require.Len(t, res.Trades(), 1)
	assert.Equal(t, uint64(2), res.Sequence)

	select {
	case <-g.Dying():
		t.Fatal("gateway stopped on a single pair halt")
	default:
	}
	assert.NoError(t, g.Stop())
}

func TestHistory_Bounded(t *testing.T) {
	h := newHistory(2)
	h.put(common.OrderStatusEvent{OrderID: "a"})
	h.put(common.OrderStatusEvent{OrderID: "b"})
	h.put(common.OrderStatusEvent{OrderID: "a", Status: common.StatusFilled})
	h.put(common.OrderStatusEvent{OrderID: "c"})

	_, ok := h.get("a")
	assert.False(t, ok)
	_, ok = h.get("b")
	assert.True(t, ok)
	_, ok = h.get("c")
	assert.True(t, ok)
}
