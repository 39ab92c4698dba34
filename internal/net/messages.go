package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"fenrir/internal/common"
	"fenrir/internal/engine"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrFrameTooLarge      = errors.New("frame exceeds size limit")
	// ErrMalformed wraps errors in a frame that was read completely. The
	// stream is still aligned and the session may continue.
	ErrMalformed = errors.New("malformed message")
)

type MessageType uint16

// Client to server.
const (
	Heartbeat MessageType = iota
	NewOrder
	CancelOrder
	AmendOrder
	SnapshotRequest
)

// Server to client.
const (
	AckReport MessageType = 0x100 + iota
	ExecutionReport
	StatusReport
	ErrorReport
	SnapshotReport
)

// Liquidity tells an execution report's receiver which side of the trade
// it was on.
type Liquidity uint8

const (
	Maker Liquidity = iota
	Taker
)

type Message interface {
	GetType() MessageType
	encode(e *encoder)
}

// Frame layout: 2-byte message type, 4-byte payload length, payload.
const FrameHeaderLen = 2 + 4

// Encode frames a message.
func Encode(m Message) ([]byte, error) {
	e := encoder{buf: make([]byte, FrameHeaderLen, 64)}
	m.encode(&e)
	if e.err != nil {
		return nil, fmt.Errorf("encode %T: %w", m, e.err)
	}
	binary.BigEndian.PutUint16(e.buf[0:2], uint16(m.GetType()))
	binary.BigEndian.PutUint32(e.buf[2:6], uint32(len(e.buf)-FrameHeaderLen))
	return e.buf, nil
}

func WriteMessage(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMessage reads one frame of at most max payload bytes. Decoding
// errors are wrapped in ErrMalformed; any other error leaves the stream
// unusable.
func ReadMessage(r io.Reader, max int) (Message, error) {
	var hdr [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	typeOf := MessageType(binary.BigEndian.Uint16(hdr[0:2]))
	n := binary.BigEndian.Uint32(hdr[2:6])
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	m, err := parseMessage(typeOf, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return m, nil
}

func parseMessage(typeOf MessageType, payload []byte) (Message, error) {
	d := &decoder{buf: payload}
	var m Message
	switch typeOf {
	case Heartbeat:
		m = HeartbeatMessage{}
	case NewOrder:
		m = parseNewOrder(d)
	case CancelOrder:
		m = CancelOrderMessage{Symbol: d.str(), OrderID: d.str(), Reason: d.str()}
	case AmendOrder:
		m = AmendOrderMessage{Symbol: d.str(), OrderID: d.str(), Quantity: d.nullAmount(), Price: d.nullAmount()}
	case SnapshotRequest:
		m = SnapshotRequestMessage{Symbol: d.str(), Depth: d.u16()}
	case AckReport:
		m = parseAck(d)
	case ExecutionReport:
		m = parseExecution(d)
	case StatusReport:
		m = parseStatus(d)
	case ErrorReport:
		m = ErrorReportMessage{Err: d.str(), Timestamp: d.time()}
	case SnapshotReport:
		m = parseSnapshot(d)
	default:
		return nil, fmt.Errorf("%w: %d", ErrInvalidMessageType, typeOf)
	}
	if d.err != nil {
		return nil, fmt.Errorf("type %d: %w", typeOf, d.err)
	}
	return m, nil
}

type HeartbeatMessage struct{}

func (HeartbeatMessage) GetType() MessageType { return Heartbeat }
func (HeartbeatMessage) encode(*encoder)      {}

type NewOrderMessage struct {
	Symbol        string
	Side          common.Side
	Type          common.OrderType
	TimeInForce   common.TimeInForce
	Quantity      decimal.Decimal
	Price         decimal.NullDecimal
	StopPrice     decimal.NullDecimal
	ClientOrderID string
	Owner         string
}

func (NewOrderMessage) GetType() MessageType { return NewOrder }

func (m NewOrderMessage) encode(e *encoder) {
	e.str(m.Symbol)
	e.u8(uint8(m.Side))
	e.u8(uint8(m.Type))
	e.u8(uint8(m.TimeInForce))
	e.dec(m.Quantity)
	e.nullDec(m.Price)
	e.nullDec(m.StopPrice)
	e.str(m.ClientOrderID)
	e.str(m.Owner)
}

func parseNewOrder(d *decoder) NewOrderMessage {
	return NewOrderMessage{
		Symbol:        d.str(),
		Side:          common.Side(d.u8()),
		Type:          common.OrderType(d.u8()),
		TimeInForce:   common.TimeInForce(d.u8()),
		Quantity:      d.amount(),
		Price:         d.nullAmount(),
		StopPrice:     d.nullAmount(),
		ClientOrderID: d.str(),
		Owner:         d.str(),
	}
}

// Request validates the message into an order request.
func (m NewOrderMessage) Request() (common.OrderRequest, error) {
	return common.NewOrderRequest(common.OrderFields{
		Symbol:        m.Symbol,
		Side:          m.Side,
		Type:          m.Type,
		Quantity:      m.Quantity,
		Price:         m.Price,
		StopPrice:     m.StopPrice,
		TimeInForce:   m.TimeInForce,
		ClientOrderID: m.ClientOrderID,
		Owner:         m.Owner,
	})
}

type CancelOrderMessage struct {
	Symbol  string
	OrderID string
	Reason  string
}

func (CancelOrderMessage) GetType() MessageType { return CancelOrder }

func (m CancelOrderMessage) encode(e *encoder) {
	e.str(m.Symbol)
	e.str(m.OrderID)
	e.str(m.Reason)
}

type AmendOrderMessage struct {
	Symbol   string
	OrderID  string
	Quantity decimal.NullDecimal // new total quantity
	Price    decimal.NullDecimal
}

func (AmendOrderMessage) GetType() MessageType { return AmendOrder }

func (m AmendOrderMessage) encode(e *encoder) {
	e.str(m.Symbol)
	e.str(m.OrderID)
	e.nullDec(m.Quantity)
	e.nullDec(m.Price)
}

func (m AmendOrderMessage) Amendment() common.Amendment {
	return common.Amendment{Quantity: m.Quantity, Price: m.Price}
}

type SnapshotRequestMessage struct {
	Symbol string
	Depth  uint16 // zero for the full book
}

func (SnapshotRequestMessage) GetType() MessageType { return SnapshotRequest }

func (m SnapshotRequestMessage) encode(e *encoder) {
	e.str(m.Symbol)
	e.u16(m.Depth)
}

// AckReportMessage answers a submit, cancel or amend with its result.
type AckReportMessage struct {
	Result        engine.ResultKind
	Symbol        string
	Sequence      uint64
	OrderID       string
	ClientOrderID string
	Reason        string
}

func (AckReportMessage) GetType() MessageType { return AckReport }

func (m AckReportMessage) encode(e *encoder) {
	e.u8(uint8(m.Result))
	e.str(m.Symbol)
	e.u64(m.Sequence)
	e.str(m.OrderID)
	e.str(m.ClientOrderID)
	e.str(m.Reason)
}

func parseAck(d *decoder) AckReportMessage {
	return AckReportMessage{
		Result:        engine.ResultKind(d.u8()),
		Symbol:        d.str(),
		Sequence:      d.u64(),
		OrderID:       d.str(),
		ClientOrderID: d.str(),
		Reason:        d.str(),
	}
}

// ExecutionReportMessage is one party's view of a trade.
type ExecutionReportMessage struct {
	Symbol       string
	Sequence     uint64
	TradeID      uint64
	OrderID      string
	Side         common.Side
	Liquidity    Liquidity
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	Counterparty string
	Timestamp    time.Time
}

func (ExecutionReportMessage) GetType() MessageType { return ExecutionReport }

func (m ExecutionReportMessage) encode(e *encoder) {
	e.str(m.Symbol)
	e.u64(m.Sequence)
	e.u64(m.TradeID)
	e.str(m.OrderID)
	e.u8(uint8(m.Side))
	e.u8(uint8(m.Liquidity))
	e.dec(m.Price)
	e.dec(m.Quantity)
	e.str(m.Counterparty)
	e.time(m.Timestamp)
}

func parseExecution(d *decoder) ExecutionReportMessage {
	return ExecutionReportMessage{
		Symbol:       d.str(),
		Sequence:     d.u64(),
		TradeID:      d.u64(),
		OrderID:      d.str(),
		Side:         common.Side(d.u8()),
		Liquidity:    Liquidity(d.u8()),
		Price:        d.dec(),
		Quantity:     d.dec(),
		Counterparty: d.str(),
		Timestamp:    d.time(),
	}
}

// executionReports generates both reports of a trade, one addressed to
// each party.
func executionReports(trade common.Trade) (maker, taker ExecutionReportMessage) {
	create := func(orderID string, side common.Side, liq Liquidity, counterparty string) ExecutionReportMessage {
		return ExecutionReportMessage{
			Symbol:       trade.Symbol,
			Sequence:     trade.Sequence,
			TradeID:      trade.ID,
			OrderID:      orderID,
			Side:         side,
			Liquidity:    liq,
			Price:        trade.Price,
			Quantity:     trade.Quantity,
			Counterparty: counterparty,
			Timestamp:    trade.Timestamp,
		}
	}
	maker = create(trade.MakerOrderID, trade.TakerSide.Opposite(), Maker, trade.TakerOwner)
	taker = create(trade.TakerOrderID, trade.TakerSide, Taker, trade.MakerOwner)
	return maker, taker
}

type StatusReportMessage struct {
	Status common.OrderStatusEvent
}

func (StatusReportMessage) GetType() MessageType { return StatusReport }

func (m StatusReportMessage) encode(e *encoder) {
	s := m.Status
	e.str(s.OrderID)
	e.str(s.ClientOrderID)
	e.str(s.Owner)
	e.str(s.Symbol)
	e.u8(uint8(s.Side))
	e.u8(uint8(s.Type))
	e.u8(uint8(s.Status))
	e.dec(s.Quantity)
	e.dec(s.FilledQuantity)
	e.dec(s.Remaining)
	e.dec(s.AvgFillPrice)
	e.str(s.Reason)
	e.u64(s.Sequence)
	e.time(s.Timestamp)
}

func parseStatus(d *decoder) StatusReportMessage {
	return StatusReportMessage{Status: common.OrderStatusEvent{
		OrderID:        d.str(),
		ClientOrderID:  d.str(),
		Owner:          d.str(),
		Symbol:         d.str(),
		Side:           common.Side(d.u8()),
		Type:           common.OrderType(d.u8()),
		Status:         common.Status(d.u8()),
		Quantity:       d.dec(),
		FilledQuantity: d.dec(),
		Remaining:      d.dec(),
		AvgFillPrice:   d.dec(),
		Reason:         d.str(),
		Sequence:       d.u64(),
		Timestamp:      d.time(),
	}}
}

type ErrorReportMessage struct {
	Err       string
	Timestamp time.Time
}

func (ErrorReportMessage) GetType() MessageType { return ErrorReport }

func (m ErrorReportMessage) encode(e *encoder) {
	e.str(m.Err)
	e.time(m.Timestamp)
}

type SnapshotReportMessage struct {
	Snapshot engine.Snapshot
}

func (SnapshotReportMessage) GetType() MessageType { return SnapshotReport }

func (m SnapshotReportMessage) encode(e *encoder) {
	s := m.Snapshot
	e.str(s.Symbol)
	e.u64(s.Sequence)
	e.nullDec(s.LastTradePrice)
	e.u32(uint32(s.PendingStops))
	e.time(s.Timestamp)
	for _, levels := range [][]engine.Level{s.Bids, s.Asks} {
		if len(levels) > math.MaxUint16 {
			e.fail(fmt.Errorf("%d levels: %w", len(levels), ErrFrameTooLarge))
			return
		}
		e.u16(uint16(len(levels)))
		for _, l := range levels {
			e.dec(l.Price)
			e.dec(l.Quantity)
			e.u32(uint32(l.Orders))
		}
	}
}

func parseSnapshot(d *decoder) SnapshotReportMessage {
	s := engine.Snapshot{
		Symbol:         d.str(),
		Sequence:       d.u64(),
		LastTradePrice: d.nullDec(),
		PendingStops:   int(d.u32()),
		Timestamp:      d.time(),
	}
	levels := func() []engine.Level {
		n := int(d.u16())
		out := make([]engine.Level, 0, n)
		for i := 0; i < n && d.err == nil; i++ {
			out = append(out, engine.Level{Price: d.dec(), Quantity: d.dec(), Orders: int(d.u32())})
		}
		return out
	}
	s.Bids = levels()
	s.Asks = levels()
	return SnapshotReportMessage{Snapshot: s}
}
