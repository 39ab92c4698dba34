package engine

import (
	"fmt"
	"time"

	"fenrir/internal/common"

	"github.com/shopspring/decimal"
)

// This is the main matching engine. An Engine owns the book of exactly one
// pair and must only ever be driven from one goroutine; the sequencer
// guarantees that.

type ResultKind uint8

const (
	Accepted ResultKind = iota
	Rejected
	Canceled
	Amended
	NoOp
)

var resultKindNames = [...]string{
	Accepted: "ACCEPTED",
	Rejected: "REJECTED",
	Canceled: "CANCELED",
	Amended:  "AMENDED",
	NoOp:     "NO_OP",
}

func (k ResultKind) String() string {
	if int(k) < len(resultKindNames) {
		return resultKindNames[k]
	}
	return fmt.Sprintf("ResultKind(%d)", k)
}

func (k ResultKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Result is the synchronous outcome of one command along with every event it
// produced, in emission order.
type Result struct {
	Kind     ResultKind     `json:"result"`
	Symbol   string         `json:"pair"`
	Sequence uint64         `json:"sequence"`
	OrderID  string         `json:"orderId"`
	Order    *common.Order  `json:"-"`
	Reason   string         `json:"reason,omitempty"`
	Events   []common.Event `json:"-"`
}

// Trades filters the trade events out of the result.
func (r Result) Trades() []common.Trade {
	var out []common.Trade
	for _, ev := range r.Events {
		if te, ok := ev.(common.TradeEvent); ok {
			out = append(out, te.Trade)
		}
	}
	return out
}

type Engine struct {
	symbol string
	limits Limits
	book   *OrderBook
	stops  *StopBook

	lastPrice decimal.NullDecimal
	lastSeq   uint64
	lastTs    time.Time
	tradeID   uint64
	halted    error

	// State of the command in flight.
	seq    uint64
	ts     time.Time
	events []common.Event
	traded bool
	low    decimal.Decimal
	high   decimal.Decimal
}

func New(symbol string, limits Limits) *Engine {
	return &Engine{
		symbol: symbol,
		limits: limits,
		book:   NewOrderBook(symbol),
		stops:  NewStopBook(),
	}
}

func (e *Engine) Symbol() string                      { return e.symbol }
func (e *Engine) Limits() Limits                      { return e.limits }
func (e *Engine) Book() *OrderBook                    { return e.book }
func (e *Engine) Stops() *StopBook                    { return e.stops }
func (e *Engine) LastSequence() uint64                { return e.lastSeq }
func (e *Engine) LastTradePrice() decimal.NullDecimal { return e.lastPrice }

// Halted returns the invariant violation that stopped the engine, if any.
func (e *Engine) Halted() error { return e.halted }

// Process applies one sequenced command. It runs to completion without
// blocking. The only error it returns besides a wrong pair is an
// *InvariantError, after which the engine refuses every further command.
func (e *Engine) Process(cmd common.Command) (Result, error) {
	if e.halted != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrHalted, e.halted)
	}
	if cmd.Symbol != e.symbol {
		return Result{}, fmt.Errorf("%w: %s on %s", ErrWrongPair, cmd.Symbol, e.symbol)
	}

	var (
		res Result
		err error
	)
	if cmd.Sequence <= e.lastSeq {
		err = fmt.Errorf("%w: %d after %d", ErrOutOfSequence, cmd.Sequence, e.lastSeq)
	} else {
		e.begin(cmd)
		switch cmd.Kind {
		case common.SubmitCommand:
			res, err = e.submit(cmd)
		case common.CancelCommand:
			res, err = e.cancel(cmd)
		case common.AmendCommand:
			res, err = e.amend(cmd)
		default:
			res = e.noop(cmd.OrderID, fmt.Sprintf("%v: %d", ErrUnknownCommand, cmd.Kind))
		}
		if err == nil && e.book.Crossed() {
			err = ErrCrossedBook
		}
		e.lastSeq = cmd.Sequence
		e.lastTs = cmd.Timestamp
	}

	if err != nil {
		ie := &InvariantError{Symbol: e.symbol, Sequence: cmd.Sequence, Err: err}
		e.halted = ie
		e.events = nil
		return Result{}, ie
	}

	res.Events = e.events
	e.events = nil
	return res, nil
}

func (e *Engine) begin(cmd common.Command) {
	e.seq = cmd.Sequence
	e.ts = cmd.Timestamp
	e.events = nil
	e.traded = false
}

// -- Submit ------------------------------------------------------------------

func (e *Engine) submit(cmd common.Command) (Result, error) {
	o := common.NewOrder(cmd.OrderID, cmd.Sequence, cmd.Timestamp, cmd.Order)
	if reason := e.validate(cmd); reason != "" {
		return e.reject(o, reason)
	}

	// Stops that the last trade has not fired wait off the visible book.
	if o.Type.IsStop() && !e.stopFires(o) {
		if err := e.stops.Add(o); err != nil {
			return Result{}, err
		}
		e.emitStatus(o, "awaiting trigger")
		return e.result(Accepted, o, ""), nil
	}
	o.Triggered = o.Type.IsStop()

	reason, err := e.execute(o, "")
	if err != nil {
		return Result{}, err
	}
	if err := e.runTriggers(); err != nil {
		return Result{}, err
	}
	if o.Status == common.StatusRejected {
		return e.result(Rejected, o, reason), nil
	}
	return e.result(Accepted, o, reason), nil
}

// validate re-checks the command against the pair. The upstream validator should
// already have refused anything caught here.
func (e *Engine) validate(cmd common.Command) string {
	req := cmd.Order
	if cmd.OrderID == "" {
		return "missing order id"
	}
	if _, err := common.NewOrderRequest(req.Fields()); err != nil {
		return err.Error()
	}
	if req.Symbol != e.symbol {
		return fmt.Sprintf("order for %s sent to %s", req.Symbol, e.symbol)
	}
	if _, ok := e.book.Get(cmd.OrderID); ok {
		return ErrDuplicateOrder.Error()
	}
	if _, ok := e.stops.Get(cmd.OrderID); ok {
		return ErrDuplicateOrder.Error()
	}
	if err := e.limits.CheckQuantity(req.Quantity); err != nil {
		return err.Error()
	}
	if p, ok := req.Price(); ok {
		if err := e.limits.CheckPrice(p); err != nil {
			return err.Error()
		}
	}
	if p, ok := req.StopPrice(); ok {
		if err := e.limits.CheckPrice(p); err != nil {
			return err.Error()
		}
	}
	return ""
}

func (e *Engine) reject(o *common.Order, reason string) (Result, error) {
	if err := o.Transition(common.StatusRejected, e.ts); err != nil {
		return Result{}, err
	}
	e.emitStatus(o, reason)
	return e.result(Rejected, o, reason), nil
}

func (e *Engine) stopFires(o *common.Order) bool {
	return e.lastPrice.Valid && Triggered(o, e.lastPrice.Decimal)
}

// execute runs one matching pass for a taker and applies its time in force
// to whatever is left. Events are emitted as: trades, the taker's status,
// each touched maker's status, then the book deltas.
func (e *Engine) execute(o *common.Order, note string) (string, error) {
	limit, hasLimit := o.Price, o.MatchType() == common.LimitOrder

	// Fill-or-kill is all or nothing, so check before touching the book.
	if o.TimeInForce == common.FOK {
		if avail := e.book.Matchable(o.Side, limit, hasLimit, o.Remaining); avail.LessThan(o.Remaining) {
			reason := "fill-or-kill: insufficient liquidity"
			if _, err := e.reject(o, reason); err != nil {
				return "", err
			}
			return reason, nil
		}
	}

	var makers []*common.Order
	for price, maker := range e.book.IterateMatchable(o.Side, limit, hasLimit) {
		qty := decimal.Min(o.Remaining, maker.Remaining)
		if err := e.book.Consume(maker, qty, e.ts); err != nil {
			return "", err
		}
		if err := o.Fill(qty, price, e.ts); err != nil {
			return "", fmt.Errorf("%w: %v", ErrOverfill, err)
		}

		e.tradeID++
		e.events = append(e.events, common.TradeEvent{Trade: common.Trade{
			ID:           e.tradeID,
			MakerOrderID: maker.ID,
			TakerOrderID: o.ID,
			MakerOwner:   maker.Owner,
			TakerOwner:   o.Owner,
			Symbol:       e.symbol,
			TakerSide:    o.Side,
			Price:        price,
			Quantity:     qty,
			Sequence:     e.seq,
			Timestamp:    e.ts,
		}})
		makers = append(makers, maker)
		e.observe(price)

		if o.Remaining.IsZero() {
			break
		}
	}

	reason := note
	if o.Remaining.IsPositive() {
		var next common.Status
		switch {
		case o.TimeInForce == common.FOK:
			return "", ErrFOKIncomplete
		case o.MatchType() == common.MarketOrder:
			next, reason = common.StatusExpired, "market order: liquidity exhausted"
		case o.TimeInForce == common.IOC:
			next, reason = common.StatusCanceled, "immediate-or-cancel remainder"
		default:
			if err := e.book.Insert(o); err != nil {
				return "", err
			}
		}
		if next != common.StatusNew {
			if err := o.Transition(next, e.ts); err != nil {
				return "", err
			}
		}
	}

	e.emitStatus(o, reason)
	for _, m := range makers {
		e.emitStatus(m, "")
	}
	e.emitDeltas()
	return reason, nil
}

// observe records a trade price for stop triggering.
func (e *Engine) observe(price decimal.Decimal) {
	e.lastPrice = decimal.NewNullDecimal(price)
	if !e.traded {
		e.low, e.high, e.traded = price, price, true
		return
	}
	e.low = decimal.Min(e.low, price)
	e.high = decimal.Max(e.high, price)
}

// runTriggers promotes pending stops fired by any price traded during the
// command, including trades caused by earlier promotions.
func (e *Engine) runTriggers() error {
	for e.traded {
		o, ok := e.stops.PopTriggered(e.low, e.high)
		if !ok {
			return nil
		}
		o.Triggered = true
		o.UpdatedAt = e.ts
		if _, err := e.execute(o, "triggered"); err != nil {
			return err
		}
	}
	return nil
}

// -- Cancel ------------------------------------------------------------------

func (e *Engine) cancel(cmd common.Command) (Result, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = "canceled by request"
	}

	o, ok, err := e.book.Remove(cmd.OrderID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		o, ok = e.stops.Remove(cmd.OrderID)
	}
	if !ok {
		return e.noop(cmd.OrderID, "order not found or already terminal"), nil
	}

	if err := o.Transition(common.StatusCanceled, e.ts); err != nil {
		return Result{}, err
	}
	e.emitStatus(o, reason)
	e.emitDeltas()
	return e.result(Canceled, o, reason), nil
}

// -- Amend -------------------------------------------------------------------

func (e *Engine) amend(cmd common.Command) (Result, error) {
	o, resting := e.book.Get(cmd.OrderID)
	if !resting {
		var pending bool
		if o, pending = e.stops.Get(cmd.OrderID); !pending {
			return e.noop(cmd.OrderID, "order not found or already terminal"), nil
		}
	}

	change := cmd.Amend
	newQty := o.Quantity
	if change.Quantity.Valid {
		newQty = change.Quantity.Decimal
		if err := common.CheckDecimal(newQty); err != nil {
			return e.refuseAmend(o, "quantity: "+err.Error()), nil
		}
		if !newQty.GreaterThan(o.Filled) {
			return e.refuseAmend(o, "quantity must exceed filled quantity"), nil
		}
		if err := e.limits.CheckQuantity(newQty); err != nil {
			return e.refuseAmend(o, err.Error()), nil
		}
	}
	newPrice := o.Price
	if change.Price.Valid {
		if !o.Type.HasPrice() {
			return e.refuseAmend(o, fmt.Sprintf("price not amendable on %s", o.Type)), nil
		}
		newPrice = change.Price.Decimal
		if !newPrice.IsPositive() {
			return e.refuseAmend(o, common.ErrInvalidPrice.Error()), nil
		}
		if err := common.CheckDecimal(newPrice); err != nil {
			return e.refuseAmend(o, "price: "+err.Error()), nil
		}
		if err := e.limits.CheckPrice(newPrice); err != nil {
			return e.refuseAmend(o, err.Error()), nil
		}
	}

	priceChanged := !newPrice.Equal(o.Price)
	qtyChanged := !newQty.Equal(o.Quantity)
	if !priceChanged && !qtyChanged {
		return e.noop(o.ID, "no changes"), nil
	}
	remaining := newQty.Sub(o.Filled)

	if !resting {
		e.stops.Remove(o.ID)
		e.reprice(o, newQty, remaining, newPrice)
		if err := e.stops.Add(o); err != nil {
			return Result{}, err
		}
		e.emitStatus(o, "amended")
		return e.result(Amended, o, "amended"), nil
	}

	// A pure size reduction keeps the order's place in the queue.
	if !priceChanged && newQty.LessThan(o.Quantity) {
		if err := e.book.Reduce(o.ID, remaining); err != nil {
			return Result{}, err
		}
		o.Quantity = newQty
		o.UpdatedAt = e.ts
		e.emitStatus(o, "amended")
		e.emitDeltas()
		return e.result(Amended, o, "amended"), nil
	}

	// Anything else goes to the back: cancel, then reinsert through matching
	// under the amend's own sequence number.
	if _, _, err := e.book.Remove(o.ID); err != nil {
		return Result{}, err
	}
	e.reprice(o, newQty, remaining, newPrice)
	if _, err := e.execute(o, "amended"); err != nil {
		return Result{}, err
	}
	if err := e.runTriggers(); err != nil {
		return Result{}, err
	}
	return e.result(Amended, o, "amended"), nil
}

func (e *Engine) reprice(o *common.Order, qty, remaining, price decimal.Decimal) {
	o.Quantity = qty
	o.Remaining = remaining
	o.Price = price
	o.Sequence = e.seq
	o.UpdatedAt = e.ts
}

func (e *Engine) refuseAmend(o *common.Order, reason string) Result {
	return e.result(Rejected, o, reason)
}

// -- Helpers -----------------------------------------------------------------

func (e *Engine) emitStatus(o *common.Order, reason string) {
	e.events = append(e.events, common.StatusEvent(o, e.seq, reason))
}

func (e *Engine) emitDeltas() {
	for _, d := range e.book.DrainDeltas(e.seq) {
		e.events = append(e.events, d)
	}
}

func (e *Engine) result(kind ResultKind, o *common.Order, reason string) Result {
	return Result{
		Kind:     kind,
		Symbol:   e.symbol,
		Sequence: e.seq,
		OrderID:  o.ID,
		Order:    o.Clone(),
		Reason:   reason,
	}
}

func (e *Engine) noop(id, reason string) Result {
	return Result{
		Kind:     NoOp,
		Symbol:   e.symbol,
		Sequence: e.seq,
		OrderID:  id,
		Reason:   reason,
	}
}
