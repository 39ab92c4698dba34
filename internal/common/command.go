package common

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type CommandKind uint8

const (
	SubmitCommand CommandKind = iota
	CancelCommand
	AmendCommand
)

var commandKindNames = [...]string{
	SubmitCommand: "SUBMIT",
	CancelCommand: "CANCEL",
	AmendCommand:  "AMEND",
}

func (k CommandKind) String() string {
	if int(k) < len(commandKindNames) {
		return commandKindNames[k]
	}
	return fmt.Sprintf("CommandKind(%d)", k)
}

// Amendment carries the optional changes of an amend. Quantity is the new
// total order quantity, not the remaining quantity.
type Amendment struct {
	Quantity decimal.NullDecimal `json:"quantity"`
	Price    decimal.NullDecimal `json:"price"`
}

// Command is one sequenced instruction for a pair's engine. Sequence,
// Timestamp and, for submits, OrderID are stamped by the sequencer so that
// replaying the same commands reproduces the same events.
type Command struct {
	Kind      CommandKind
	Symbol    string
	Sequence  uint64
	Timestamp time.Time
	OrderID   string
	Order     OrderRequest
	Reason    string
	Amend     Amendment
}

type commandJSON struct {
	Kind      CommandKind  `json:"kind"`
	Symbol    string       `json:"symbol"`
	Sequence  uint64       `json:"sequence"`
	Timestamp time.Time    `json:"timestamp"`
	OrderID   string       `json:"orderId"`
	Order     *OrderFields `json:"order,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Amend     *Amendment   `json:"amend,omitempty"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	out := commandJSON{
		Kind:      c.Kind,
		Symbol:    c.Symbol,
		Sequence:  c.Sequence,
		Timestamp: c.Timestamp,
		OrderID:   c.OrderID,
		Reason:    c.Reason,
	}
	switch c.Kind {
	case SubmitCommand:
		f := c.Order.Fields()
		out.Order = &f
	case AmendCommand:
		a := c.Amend
		out.Amend = &a
	}
	return json.Marshal(out)
}

func (c *Command) UnmarshalJSON(b []byte) error {
	var in commandJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*c = Command{
		Kind:      in.Kind,
		Symbol:    in.Symbol,
		Sequence:  in.Sequence,
		Timestamp: in.Timestamp,
		OrderID:   in.OrderID,
		Reason:    in.Reason,
	}
	if in.Order != nil {
		c.Order = restoreOrderRequest(*in.Order)
	}
	if in.Amend != nil {
		c.Amend = *in.Amend
	}
	return nil
}

func (k CommandKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *CommandKind) UnmarshalText(b []byte) error {
	for i, name := range commandKindNames {
		if name == string(b) {
			*k = CommandKind(i)
			return nil
		}
	}
	return fmt.Errorf("invalid command kind: %q", string(b))
}
