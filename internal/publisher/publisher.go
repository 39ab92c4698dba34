package publisher

import (
	"context"
	"time"

	"fenrir/internal/common"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const defaultSinkTimeout = 5 * time.Second

// Publisher accepts the event batch of one command. Batches of a pair
// arrive in sequence order and must be delivered in that order.
type Publisher interface {
	Publish(events []common.Event)
}

// Sink is one downstream consumer of events.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, events []common.Event) error
}

// Envelope is the wire form shared by the JSON sinks.
type Envelope struct {
	Kind     common.EventKind `json:"kind"`
	Pair     string           `json:"pair"`
	Sequence uint64           `json:"sequence"`
	Data     common.Event     `json:"data"`
}

func Wrap(ev common.Event) Envelope {
	return Envelope{Kind: ev.Kind(), Pair: ev.Pair(), Sequence: ev.Seq(), Data: ev}
}

// Fanout delivers every batch to each sink, in order, from a single
// goroutine. A failing sink is logged and skipped; it never blocks the
// others or the engine beyond the buffer.
type Fanout struct {
	sinks   []Sink
	batches chan []common.Event
	timeout time.Duration
	t       tomb.Tomb
}

func NewFanout(buffer int, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = 1
	}
	return &Fanout{
		sinks:   sinks,
		batches: make(chan []common.Event, buffer),
		timeout: defaultSinkTimeout,
	}
}

// AddSink registers another sink. It must be called before Start.
func (f *Fanout) AddSink(sink Sink) {
	f.sinks = append(f.sinks, sink)
}

// Start launches the delivery loop.
func (f *Fanout) Start() {
	f.t.Go(f.loop)
}

// Publish queues a batch, blocking while the buffer is full. Batches
// published after Close are dropped.
func (f *Fanout) Publish(events []common.Event) {
	if len(events) == 0 {
		return
	}
	select {
	case f.batches <- events:
	case <-f.t.Dying():
		log.Warn().Int("events", len(events)).Msg("publisher closed, dropping events")
	}
}

// Close drains what is already queued and stops the loop.
func (f *Fanout) Close() error {
	f.t.Kill(nil)
	return f.t.Wait()
}

func (f *Fanout) loop() error {
	for {
		select {
		case batch := <-f.batches:
			f.deliver(batch)
		case <-f.t.Dying():
			for {
				select {
				case batch := <-f.batches:
					f.deliver(batch)
				default:
					return nil
				}
			}
		}
	}
}

func (f *Fanout) deliver(batch []common.Event) {
	for _, sink := range f.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		if err := sink.Deliver(ctx, batch); err != nil {
			first := batch[0]
			log.Error().
				Err(err).
				Str("sink", sink.Name()).
				Str("symbol", first.Pair()).
				Uint64("seq", first.Seq()).
				Msg("event delivery failed")
		}
		cancel()
	}
}

// LogSink writes each event to the global logger at debug level.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Deliver(_ context.Context, events []common.Event) error {
	for _, ev := range events {
		entry := log.Debug().
			Str("kind", ev.Kind().String()).
			Str("symbol", ev.Pair()).
			Uint64("seq", ev.Seq())
		switch e := ev.(type) {
		case common.TradeEvent:
			entry = entry.
				Uint64("trade", e.ID).
				Str("maker", e.MakerOrderID).
				Str("taker", e.TakerOrderID).
				Stringer("price", e.Price).
				Stringer("qty", e.Quantity)
		case common.OrderStatusEvent:
			entry = entry.
				Str("order", e.OrderID).
				Stringer("status", e.Status).
				Stringer("filled", e.FilledQuantity).
				Str("reason", e.Reason)
		case common.BookDeltaEvent:
			entry = entry.
				Stringer("side", e.Side).
				Stringer("price", e.Price).
				Stringer("total", e.NewTotalQuantity)
		}
		entry.Msg("event")
	}
	return nil
}
