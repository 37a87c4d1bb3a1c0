// Package logging builds the zerolog loggers used across envfleet.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	Level  string
	Format string
	Output io.Writer
	Caller bool
}

// New returns a logger writing to opts.Output (stderr by default).
func New(opts Options) zerolog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	if consoleFormat(opts.Format, out) {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: !isTerminal(out)}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(out).With().Timestamp().Logger().Level(ParseLevel(opts.Level))
	if opts.Caller {
		logger = logger.With().Caller().Logger()
	}
	return logger
}

// consoleFormat resolves "auto" to console output on a terminal and JSON
// everywhere else.
func consoleFormat(format string, out io.Writer) bool {
	switch format {
	case "console":
		return true
	case "auto":
		return isTerminal(out)
	default:
		return false
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ParseLevel maps a level name to a zerolog level. Unknown names are info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with component.
func Component(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// FromContext returns the logger carried by ctx, or a disabled logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithFields attaches a child logger with fields to ctx and returns both.
func WithFields(ctx context.Context, fields map[string]string) (context.Context, zerolog.Logger) {
	builder := zerolog.Ctx(ctx).With()
	for k, v := range fields {
		if v != "" {
			builder = builder.Str(k, v)
		}
	}
	logger := builder.Logger()
	return logger.WithContext(ctx), logger
}
