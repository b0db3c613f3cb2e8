// Package logging initializes the gateway's structured logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the root zerolog.Logger for the daemon. If logPath is
// non-empty, logs are appended to that file instead of stdout, so a
// console UI (if one is ever attached) isn't interleaved with JSON
// lines. Falling back to stdout on an open failure is a best effort
// rather than a startup error.
func New(logPath, level string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stdout
	if logPath != "" {
		if f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			w = f
		} else {
			fmt.Fprintf(os.Stderr, "failed to open log file %q: %v\n", logPath, err)
		}
	} else if stat, err := os.Stdout.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
		// Interactive terminal: human-readable console output instead of
		// JSON lines.
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	lvl := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level))); err == nil && level != "" {
		lvl = l
	}
	zerolog.SetGlobalLevel(lvl)

	return zerolog.New(w).With().Timestamp().Logger()
}

// ForModel returns a child logger scoped to one model, so every log line
// written through it carries the model name.
func ForModel(base zerolog.Logger, modelName string) zerolog.Logger {
	return base.With().Str("model", modelName).Logger()
}

// ForInstance further scopes a model logger to a specific instance.
func ForInstance(base zerolog.Logger, instanceID string) zerolog.Logger {
	return base.With().Str("instance_id", instanceID).Logger()
}
