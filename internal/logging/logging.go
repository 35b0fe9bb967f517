// Package logging wires the gateway's structured logger. It follows a
// functional-options construction shape so call sites can tune level and
// output without a package-level global.
package logging

import (
	"io"
	"log/slog"
	"os"
)

// Option configures a *slog.Logger built by New.
type Option func(*options)

type options struct {
	level  slog.Level
	writer io.Writer
	json   bool
}

// WithLevel sets the minimum emitted level.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithWriter redirects log output away from stderr.
func WithWriter(w io.Writer) Option {
	return func(o *options) { o.writer = w }
}

// WithJSON switches the handler to JSON output (the default is text,
// matching the teacher's dev-mode console handler).
func WithJSON(enabled bool) Option {
	return func(o *options) { o.json = enabled }
}

// New builds the process logger. Every long-lived component receives its
// logger via constructor injection rather than reaching for a global.
func New(component string, opts ...Option) *slog.Logger {
	o := options{level: slog.LevelInfo, writer: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	handlerOpts := &slog.HandlerOptions{Level: o.level}
	var handler slog.Handler
	if o.json {
		handler = slog.NewJSONHandler(o.writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(o.writer, handlerOpts)
	}
	return slog.New(handler).With(slog.String("component", component))
}
