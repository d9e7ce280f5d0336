package logs

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

const (
	SOURCE_LOG_FIELD_NAME = "src"
	DEFAULT_LOG_LEVEL     = zerolog.InfoLevel
)

// New creates the process-wide logger. A human-readable console writer is used when w is a terminal,
// JSON lines otherwise. Unknown levels fall back to DEFAULT_LOG_LEVEL.
func New(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = DEFAULT_LOG_LEVEL
	}

	out := w
	if f, ok := w.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// Component returns a sub-logger whose entries carry the source of the log.
func Component(logger zerolog.Logger, src string) zerolog.Logger {
	return logger.With().Str(SOURCE_LOG_FIELD_NAME, src).Logger()
}
