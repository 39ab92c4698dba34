package journal

import (
	"github.com/rs/zerolog"
)

// pebbleLogger sends pebble's internal messages to zerolog. Recovery and
// compaction notes are routine, so they go out at debug level.
type pebbleLogger struct {
	logger zerolog.Logger
}

func (l pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Msgf(format, args...)
}

// Fatalf exits the process, as pebble expects.
func (l pebbleLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msgf(format, args...)
}
