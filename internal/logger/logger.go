// Package logger holds the process-wide structured logger. Component loggers are
// derived with With after Configure has run.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

var level = new(slog.LevelVar)

// L is the root logger. It writes JSON to stdout until Configure says otherwise.
var L = newLogger(os.Stdout, "json")

func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// Configure rebuilds L. format is "json" or "text"; level accepts the slog names
// (debug, info, warn, error) and offsets such as "info+2". Empty values keep the
// defaults.
func Configure(w io.Writer, lvl, format string) error {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "":
		format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	if err := SetLevel(lvl); err != nil {
		return err
	}
	L = newLogger(w, format)
	return nil
}

// SetLevel changes the level of every logger derived from L, including ones
// created before the call.
func SetLevel(lvl string) error {
	if strings.TrimSpace(lvl) == "" {
		level.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(lvl))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}
	level.Set(l)
	return nil
}

// With returns a logger tagged with the emitting component.
func With(component string) *slog.Logger {
	return L.With("component", component)
}
