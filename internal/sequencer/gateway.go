package sequencer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/engine"
	"fenrir/internal/publisher"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

var (
	// ErrBusy means the pair's queue stayed full for the whole admission
	// window. The command was not sequenced; retrying is safe.
	ErrBusy        = errors.New("pair queue full, retry later")
	ErrHalted      = errors.New("pair halted")
	ErrUnknownPair = errors.New("unknown pair")
	ErrClosed      = errors.New("gateway closed")
	ErrNotStarted  = errors.New("gateway not started")
)

const (
	defaultQueueSize   = 1024
	defaultHistorySize = 10_000
)

// Journal persists sequenced commands before they are applied.
type Journal interface {
	Append(cmd common.Command) error
	Replay(symbol string, fn func(common.Command) error) error
}

type Config struct {
	QueueSize        int
	AdmissionTimeout time.Duration
	HistorySize      int // order states kept per pair for lookups
}

// Gateway serializes concurrent commands into one engine per pair. Each
// pair is owned by a single worker goroutine that stamps the command with
// the next sequence number, journals it, applies it, publishes the new
// snapshot and hands the events to the publisher.
type Gateway struct {
	cfg       Config
	pairs     map[string]*pair
	journal   Journal
	publisher publisher.Publisher
	clock     func() time.Time
	newID     func() string
	started   bool
	halts     chan *engine.InvariantError
	halt      atomic.Pointer[engine.InvariantError]
	t         tomb.Tomb
}

type Option func(*Gateway)

func WithJournal(j Journal) Option { return func(g *Gateway) { g.journal = j } }

func WithPublisher(p publisher.Publisher) Option { return func(g *Gateway) { g.publisher = p } }

func WithClock(clock func() time.Time) Option { return func(g *Gateway) { g.clock = clock } }

func WithIDs(newID func() string) Option { return func(g *Gateway) { g.newID = newID } }

func New(cfg Config, limits map[string]engine.Limits, opts ...Option) *Gateway {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	g := &Gateway{
		cfg:   cfg,
		pairs: make(map[string]*pair, len(limits)),
		clock: func() time.Time { return time.Now().UTC() },
		newID: newOrderID,
	}
	for _, o := range opts {
		o(g)
	}
	for symbol, l := range limits {
		g.pairs[symbol] = newPair(symbol, l, cfg)
	}
	// Each pair halts at most once, so sends never block.
	g.halts = make(chan *engine.InvariantError, len(g.pairs))
	return g
}

// Start replays each pair's journal into its engine and then launches the
// pair workers. Replayed events are not published again.
func (g *Gateway) Start() error {
	if g.started {
		return errors.New("gateway already started")
	}
	for _, symbol := range g.Pairs() {
		p := g.pairs[symbol]
		if err := g.replay(p); err != nil {
			return err
		}
		p.publishSnapshot()
	}
	g.started = true
	for _, p := range g.pairs {
		g.t.Go(func() error { return g.run(p) })
	}
	log.Info().Int("pairs", len(g.pairs)).Msg("sequencer running")
	return nil
}

func (g *Gateway) replay(p *pair) error {
	if g.journal == nil {
		return nil
	}
	n := 0
	err := g.journal.Replay(p.symbol, func(cmd common.Command) error {
		res, err := p.eng.Process(cmd)
		if err != nil {
			return err
		}
		p.seq = cmd.Sequence
		p.record(res)
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("replay %s: %w", p.symbol, err)
	}
	if n > 0 {
		log.Info().Str("symbol", p.symbol).Int("commands", n).Uint64("seq", p.seq).Msg("journal replayed")
	}
	return nil
}

// Stop stops every pair worker. Commands still queued are answered with
// ErrClosed.
func (g *Gateway) Stop() error {
	if !g.started {
		return nil
	}
	g.t.Kill(nil)
	return g.t.Wait()
}

// Dying is closed once Stop is called.
func (g *Gateway) Dying() <-chan struct{} { return g.t.Dying() }

// Halts delivers each invariant violation that halted a pair. Other pairs
// keep trading; the receiver decides whether that is acceptable.
func (g *Gateway) Halts() <-chan *engine.InvariantError { return g.halts }

// Err returns the first invariant violation that halted a pair, if any.
func (g *Gateway) Err() error {
	if ie := g.halt.Load(); ie != nil {
		return ie
	}
	return nil
}

// Halted reports whether the pair stopped on an invariant violation.
func (g *Gateway) Halted(symbol string) bool {
	p, ok := g.pairs[symbol]
	return ok && p.halted.Load()
}

// Pairs lists the configured symbols in order.
func (g *Gateway) Pairs() []string {
	out := make([]string, 0, len(g.pairs))
	for s := range g.pairs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Limits returns the configured limits of a pair.
func (g *Gateway) Limits(symbol string) (engine.Limits, error) {
	p, err := g.pair(symbol)
	if err != nil {
		return engine.Limits{}, err
	}
	return p.eng.Limits(), nil
}

// Submit sequences a new order. The order id is assigned here.
func (g *Gateway) Submit(ctx context.Context, req common.OrderRequest) (engine.Result, error) {
	return g.dispatch(ctx, common.Command{Kind: common.SubmitCommand, Symbol: req.Symbol, Order: req})
}

// Cancel sequences a cancel. Unknown or finished orders yield a NoOp result.
func (g *Gateway) Cancel(ctx context.Context, symbol, orderID, reason string) (engine.Result, error) {
	return g.dispatch(ctx, common.Command{Kind: common.CancelCommand, Symbol: symbol, OrderID: orderID, Reason: reason})
}

// Amend sequences an amendment.
func (g *Gateway) Amend(ctx context.Context, symbol, orderID string, change common.Amendment) (engine.Result, error) {
	return g.dispatch(ctx, common.Command{Kind: common.AmendCommand, Symbol: symbol, OrderID: orderID, Amend: change})
}

// Snapshot returns the latest published book of the pair. It never waits on
// the pair worker.
func (g *Gateway) Snapshot(symbol string) (*engine.Snapshot, error) {
	p, err := g.pair(symbol)
	if err != nil {
		return nil, err
	}
	if snap := p.snapshot.Load(); snap != nil {
		return snap, nil
	}
	return &engine.Snapshot{Symbol: symbol}, nil
}

// Order returns the last known state of an order, if still remembered.
func (g *Gateway) Order(symbol, orderID string) (common.OrderStatusEvent, bool) {
	p, err := g.pair(symbol)
	if err != nil {
		return common.OrderStatusEvent{}, false
	}
	return p.orders.get(orderID)
}

func (g *Gateway) pair(symbol string) (*pair, error) {
	p, ok := g.pairs[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPair, symbol)
	}
	return p, nil
}

func (g *Gateway) dispatch(ctx context.Context, cmd common.Command) (engine.Result, error) {
	if !g.started {
		return engine.Result{}, ErrNotStarted
	}
	if cmd.Kind == common.SubmitCommand {
		if err := cmd.Order.CheckEnums(); err != nil {
			return engine.Result{}, err
		}
	}
	p, err := g.pair(cmd.Symbol)
	if err != nil {
		return engine.Result{}, err
	}
	if p.halted.Load() {
		return engine.Result{}, fmt.Errorf("%w: %s", ErrHalted, p.symbol)
	}

	r := request{cmd: cmd, reply: make(chan reply, 1)}
	if err := g.admit(ctx, p, r); err != nil {
		return engine.Result{}, err
	}

	select {
	case rep := <-r.reply:
		return rep.res, rep.err
	case <-ctx.Done():
		// The command may still be applied; its outcome reaches the
		// event stream either way.
		return engine.Result{}, ctx.Err()
	case <-g.t.Dying():
		select {
		case rep := <-r.reply:
			return rep.res, rep.err
		default:
			return engine.Result{}, ErrClosed
		}
	}
}

// admit enqueues with a bounded wait.
func (g *Gateway) admit(ctx context.Context, p *pair, r request) error {
	select {
	case p.queue <- r:
		return nil
	default:
	}
	if g.cfg.AdmissionTimeout <= 0 {
		return ErrBusy
	}
	timer := time.NewTimer(g.cfg.AdmissionTimeout)
	defer timer.Stop()
	select {
	case p.queue <- r:
		return nil
	case <-timer.C:
		return ErrBusy
	case <-ctx.Done():
		return ctx.Err()
	case <-g.t.Dying():
		return ErrClosed
	}
}

// run is the pair worker. It is the only goroutine touching the engine. A
// halted pair keeps draining its queue, answering ErrHalted.
func (g *Gateway) run(p *pair) error {
	for {
		select {
		case <-g.t.Dying():
			return nil
		case r := <-p.queue:
			res, err := g.apply(p, r.cmd)
			r.reply <- reply{res: res, err: err}
			var ie *engine.InvariantError
			if errors.As(err, &ie) {
				g.halt.CompareAndSwap(nil, ie)
				g.halts <- ie
			}
		}
	}
}

func (g *Gateway) apply(p *pair, cmd common.Command) (engine.Result, error) {
	if p.halted.Load() {
		return engine.Result{}, fmt.Errorf("%w: %s", ErrHalted, p.symbol)
	}

	cmd.Timestamp = g.clock()
	cmd.Sequence = p.seq + 1
	if cmd.Kind == common.SubmitCommand {
		cmd.OrderID = g.newID()
	}

	if g.journal != nil {
		if err := g.journal.Append(cmd); err != nil {
			log.Error().Err(err).Str("symbol", p.symbol).Uint64("seq", cmd.Sequence).Msg("journal append failed")
			return engine.Result{}, fmt.Errorf("journal: %w", err)
		}
	}
	p.seq = cmd.Sequence

	res, err := p.eng.Process(cmd)
	if err != nil {
		if engine.IsInvariant(err) {
			p.halted.Store(true)
			log.Error().Err(err).Str("symbol", p.symbol).Uint64("seq", cmd.Sequence).Msg("invariant violated, halting pair")
		}
		return engine.Result{}, err
	}

	p.record(res)
	p.publishSnapshot()
	if g.publisher != nil {
		g.publisher.Publish(res.Events)
	}

	log.Debug().
		Str("symbol", p.symbol).
		Uint64("seq", res.Sequence).
		Stringer("result", res.Kind).
		Str("order", res.OrderID).
		Int("events", len(res.Events)).
		Msg("command applied")
	return res, nil
}
