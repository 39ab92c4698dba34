package journal

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fenrir/internal/common"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(dir, Options{NoSync: true})
	require.NoError(t, err)
	return j, dir
}

func submit(t *testing.T, symbol string, seq uint64) common.Command {
	t.Helper()
	req, err := common.NewOrderRequest(common.OrderFields{
		Symbol:   symbol,
		Side:     common.Buy,
		Type:     common.LimitOrder,
		Quantity: decimal.NewFromInt(1),
		Price:    decimal.NewNullDecimal(decimal.NewFromInt(100)),
	})
	require.NoError(t, err)
	return common.Command{
		Kind:      common.SubmitCommand,
		Symbol:    symbol,
		Sequence:  seq,
		Timestamp: time.Unix(int64(seq), 0).UTC(),
		OrderID:   "id",
		Order:     req,
	}
}

func TestJournal_AppendReplay(t *testing.T) {
	j, dir := openTemp(t)

	for seq := uint64(1); seq <= 12; seq++ {
		require.NoError(t, j.Append(submit(t, "BTCUSDT", seq)))
	}
	require.NoError(t, j.Append(submit(t, "BTC", 1)), "prefix of another symbol")
	require.NoError(t, j.Append(submit(t, "BTC/USDT", 1)), "slashed symbol")
	require.NoError(t, j.Append(common.Command{Kind: common.CancelCommand, Symbol: "BTCUSDT", Sequence: 13, OrderID: "id"}))
	require.NoError(t, j.Close())

	// Survives a reopen.
	j, err := Open(dir, Options{})
	require.NoError(t, err)
	defer j.Close()

	var seqs []uint64
	require.NoError(t, j.Replay("BTCUSDT", func(cmd common.Command) error {
		seqs = append(seqs, cmd.Sequence)
		return nil
	}))
	require.Len(t, seqs, 13)
	for i, s := range seqs {
		assert.Equal(t, uint64(i+1), s, "numeric order, not lexical")
	}

	last, err := j.Last("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, uint64(13), last)
	last, err = j.Last("BTC")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
	last, err = j.Last("BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
	last, err = j.Last("ETHUSDT")
	require.NoError(t, err)
	assert.Zero(t, last)
}

func TestJournal_ReplayDetectsGap(t *testing.T) {
	j, _ := openTemp(t)
	defer j.Close()

	require.NoError(t, j.Append(submit(t, "BTCUSDT", 1)))
	require.NoError(t, j.Append(submit(t, "BTCUSDT", 3)))
	err := j.Replay("BTCUSDT", func(common.Command) error { return nil })
	assert.ErrorIs(t, err, ErrGap)
}

func TestJournal_ReplayStopsOnCallbackError(t *testing.T) {
	j, _ := openTemp(t)
	defer j.Close()

	require.NoError(t, j.Append(submit(t, "BTCUSDT", 1)))
	require.NoError(t, j.Append(submit(t, "BTCUSDT", 2)))
	stop := errors.New("stop")
	calls := 0
	err := j.Replay("BTCUSDT", func(common.Command) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestJournal_AppendNeedsSequence(t *testing.T) {
	j, _ := openTemp(t)
	defer j.Close()
	assert.Error(t, j.Append(common.Command{Symbol: "BTCUSDT"}))
}

func TestJournal_PebbleLogsThroughZerolog(t *testing.T) {
	j, dir := openTemp(t)
	require.NoError(t, j.Append(submit(t, "BTCUSDT", 1)))
	require.NoError(t, j.Close())

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)
	j, err := Open(dir, Options{NoSync: true, Logger: &logger})
	require.NoError(t, err)
	defer j.Close()

	// Reopening replays the WAL, which pebble reports.
	require.NotZero(t, buf.Len())
	line, _, _ := bytes.Cut(buf.Bytes(), []byte{'\n'})
	var entry map[string]any
	require.NoError(t, json.Unmarshal(line, &entry))
	assert.Equal(t, "pebble", entry["component"])
	assert.Equal(t, "debug", entry["level"])
}
