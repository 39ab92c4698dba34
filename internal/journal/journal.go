package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"fenrir/internal/common"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrGap = errors.New("journal sequence gap")

// Journal is the durable command log. Every command the sequencer accepts
// is written here, stamped, before the engine applies it. Replaying a
// pair's commands through a fresh engine rebuilds its book exactly.
//
// Layout: cmd/<SYMBOL>:<sequence, 20 digits> -> JSON command. Symbols may
// contain a slash but never a colon.
type Journal struct {
	db   *pebble.DB
	sync *pebble.WriteOptions
}

type Options struct {
	// NoSync skips fsync on append. Only for tests and benchmarks.
	NoSync bool
	// Logger receives pebble's own messages. Defaults to the global logger.
	Logger *zerolog.Logger
}

func Open(dir string, opts Options) (*Journal, error) {
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	db, err := pebble.Open(dir, &pebble.Options{
		Logger: pebbleLogger{logger: logger.With().Str("component", "pebble").Logger()},
	})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	j := &Journal{db: db, sync: pebble.Sync}
	if opts.NoSync {
		j.sync = pebble.NoSync
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Append stores one sequenced command.
func (j *Journal) Append(cmd common.Command) error {
	if cmd.Sequence == 0 {
		return fmt.Errorf("append %s command for %s: missing sequence", cmd.Kind, cmd.Symbol)
	}
	val, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %d: %w", cmd.Sequence, err)
	}
	return j.db.Set(keyFor(cmd.Symbol, cmd.Sequence), val, j.sync)
}

// Replay feeds the pair's commands to fn in sequence order. Sequences must
// be contiguous from 1; a hole means the log was tampered with.
func (j *Journal) Replay(symbol string, fn func(common.Command) error) error {
	lower, upper := bounds(symbol)
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer iter.Close()

	var want uint64 = 1
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(symbol, iter.Key())
		if err != nil {
			return err
		}
		if seq != want {
			return fmt.Errorf("%w: %s expected %d, found %d", ErrGap, symbol, want, seq)
		}
		var cmd common.Command
		if err := json.Unmarshal(iter.Value(), &cmd); err != nil {
			return fmt.Errorf("decode %s command %d: %w", symbol, seq, err)
		}
		if err := fn(cmd); err != nil {
			return err
		}
		want++
	}
	return iter.Error()
}

// Last returns the highest sequence journaled for the pair, 0 if none.
func (j *Journal) Last(symbol string) (uint64, error) {
	lower, upper := bounds(symbol)
	iter, err := j.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseKey(symbol, iter.Key())
}

// -------------------- Helpers --------------------

func prefix(symbol string) string {
	return "cmd/" + symbol + ":"
}

func bounds(symbol string) ([]byte, []byte) {
	p := prefix(symbol)
	return []byte(p), []byte(p + "~")
}

func keyFor(symbol string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefix(symbol), seq))
}

func parseKey(symbol string, key []byte) (uint64, error) {
	raw, ok := strings.CutPrefix(string(key), prefix(symbol))
	if !ok {
		return 0, fmt.Errorf("unexpected journal key %q", key)
	}
	return strconv.ParseUint(raw, 10, 64)
}
