// Package logging constructs the single *slog.Logger threaded through every
// component constructor in the runtime.
package logging

import (
	"io"
	"log/slog"
)

// New returns a text- or JSON-handler-backed logger writing to w. format
// is "json" or anything else for text; the CLI root always passes "text".
func New(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
