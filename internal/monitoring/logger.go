// Package monitoring builds the structured loggers used across the service.
package monitoring

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	console "github.com/phsym/console-slog"
)

// LevelNone disables logging entirely. It sits above every level slog emits.
const LevelNone = slog.Level(100)

// ParseLevel maps a verbosity name to a slog level. The empty string maps to
// LevelNone so that logging stays silent unless asked for.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "off", "disabled":
		return LevelNone, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return LevelNone, fmt.Errorf("unknown log level %q", name)
	}
}

// NewLogger returns a logger writing to w at the named level together with
// the LevelVar controlling it, so verbosity can be changed at runtime.
//
// With ENV=development the output is human readable console text, otherwise
// it is JSON with the time stored under "ts".
func NewLogger(w io.Writer, level string) (*slog.Logger, *slog.LevelVar, error) {
	lv, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	if w == nil {
		w = os.Stderr
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(lv)

	var handler slog.Handler
	if os.Getenv("ENV") == "development" {
		handler = console.NewHandler(w, &console.HandlerOptions{
			AddSource: true,
			Level:     levelVar,
		})
	} else {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: levelVar,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey && len(groups) == 0 {
					a.Key = "ts"
				}
				return a
			},
		})
	}
	return slog.New(handler), levelVar, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// PrintfLogger adapts a slog logger to the Printf/Verbose logger interface
// expected by golang-migrate.
type PrintfLogger struct {
	Logger *slog.Logger
	Prefix string
}

// Printf logs the formatted message at info level.
func (l *PrintfLogger) Printf(format string, v ...interface{}) {
	msg := strings.TrimRight(fmt.Sprintf(format, v...), "\n")
	l.Logger.Info(l.Prefix + msg)
}

// Verbose reports whether debug output is enabled.
func (l *PrintfLogger) Verbose() bool {
	return l.Logger.Enabled(context.Background(), slog.LevelDebug)
}
