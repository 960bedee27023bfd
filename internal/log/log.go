// Package log provides the slog setup shared by the floodctl binaries.
// Attributes attached to a context via Attrs are added to every record
// logged with the *Context functions, so job scoped fields travel with
// the context instead of being repeated at each call site.
package log

import (
	"context"
	"log/slog"
	"os"
)

type attrsKeyT struct{}

var attrsKey attrsKeyT

// Handler wraps another slog.Handler and injects context carried attrs.
type Handler struct {
	slog.Handler
}

func NewHandler(inner slog.Handler) Handler {
	return Handler{Handler: inner}
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(attrsKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

// Attrs returns a context carrying attrs in addition to those already present.
func Attrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, ok := ctx.Value(attrsKey).([]slog.Attr)
	if !ok || a == nil {
		a = make([]slog.Attr, 0, len(attrs))
	}
	a = append(a, attrs...)
	return context.WithValue(ctx, attrsKey, a)
}

// New builds a JSON logger writing to stderr. Verbose enables debug level.
func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(NewHandler(base))
}
