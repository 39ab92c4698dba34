package net

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"fenrir/internal/common"

	"github.com/shopspring/decimal"
)

var (
	ErrMessageTooShort = errors.New("message too short")
	ErrStringTooLong   = errors.New("string too long")
	ErrDecimalRange    = errors.New("decimal coefficient exceeds int64")
)

// encoder appends big-endian fields to a frame. The first failure sticks.
type encoder struct {
	buf []byte
	err error
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }

// str writes a 2-byte length followed by the bytes.
func (e *encoder) str(s string) {
	if len(s) > math.MaxUint16 {
		e.fail(ErrStringTooLong)
		return
	}
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// dec writes the decimal as an int64 coefficient and an int32 exponent.
func (e *encoder) dec(d decimal.Decimal) {
	c := d.Coefficient()
	if !c.IsInt64() {
		e.fail(ErrDecimalRange)
		return
	}
	e.i64(c.Int64())
	e.u32(uint32(d.Exponent()))
}

func (e *encoder) nullDec(d decimal.NullDecimal) {
	if !d.Valid {
		e.u8(0)
		return
	}
	e.u8(1)
	e.dec(d.Decimal)
}

// time is sent as unix nanoseconds; zero stays zero.
func (e *encoder) time(t time.Time) {
	if t.IsZero() {
		e.i64(0)
		return
	}
	e.i64(t.UnixNano())
}

// decoder reads fields back in the same order. Reading past the end sets
// ErrMessageTooShort and every later read returns zero values.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.buf) < n {
		d.err = ErrMessageTooShort
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) str() string {
	n := d.u16()
	return string(d.take(int(n)))
}

func (d *decoder) dec() decimal.Decimal {
	c := d.i64()
	exp := int32(d.u32())
	if d.err != nil {
		return decimal.Zero
	}
	return decimal.New(c, exp)
}

func (d *decoder) nullDec() decimal.NullDecimal {
	if d.u8() == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d.dec())
}

// amount reads a client-supplied decimal, refusing out of range scales.
func (d *decoder) amount() decimal.Decimal {
	v := d.dec()
	if d.err != nil {
		return decimal.Zero
	}
	if err := common.CheckDecimal(v); err != nil {
		d.err = err
		return decimal.Zero
	}
	return v
}

func (d *decoder) nullAmount() decimal.NullDecimal {
	if d.u8() == 0 {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d.amount())
}

func (d *decoder) time() time.Time {
	n := d.i64()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
