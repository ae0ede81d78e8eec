package internal

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	_ "code.cloudfoundry.org/go-diodes" // import for lockless writing
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
)

// diodeSize is the number of log messages buffered before the oldest are dropped.
const diodeSize = 1000

// CreateDefaultLogger creates the console logger used by the recovery probe. Events are
// written to out through a lock-free diode, so a slow terminal never blocks recovery.
//
// The returned io.Closer flushes the diode and must be closed before exiting.
func CreateDefaultLogger(out io.Writer, level zerolog.Level) (zerolog.Logger, io.Closer) {
	wr := diode.NewWriter(out, diodeSize, 10*time.Millisecond, func(missed int) {
		_, _ = fmt.Fprintf(os.Stderr, "Logger Dropped %d messages\n", missed)
	})

	logger := zerolog.New(zerolog.ConsoleWriter{Out: wr}).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, wr
}

// ParseLevel parses a level name such as "info" or "DEBUG". Unknown names return
// fallback.
func ParseLevel(name string, fallback zerolog.Level) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || name == "" {
		return fallback
	}
	return level
}
