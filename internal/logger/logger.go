// Package logger builds the process logger.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Setup returns a logger at level writing to stderr. Console mode writes
// human-readable lines, otherwise JSON.
func Setup(level string, console bool) (zerolog.Logger, error) {
	return New(os.Stderr, level, console)
}

// New is Setup with an explicit output.
func New(out io.Writer, level string, console bool) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	if console {
		out = zerolog.ConsoleWriter{Out: out, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}
	}
	l := zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	if lvl <= zerolog.DebugLevel {
		l = l.With().Caller().Logger()
	}
	return l, nil
}

// ParseLevel accepts zerolog level names; empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	if strings.TrimSpace(level) == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
}
