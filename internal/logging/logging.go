// Package logging installs the process logger and hands out component
// loggers that follow it.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
)

// Setup installs a text or json handler on w at level as the default logger.
func Setup(w io.Writer, level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch format {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// Component returns a logger tagged with component=name. The default handler
// is looked up on every record, so loggers built during package init pick up
// a later Setup.
func Component(name string) *slog.Logger {
	return slog.New(deferred{ops: []op{{attrs: []slog.Attr{slog.String("component", name)}}}})
}

type op struct {
	group string
	attrs []slog.Attr
}

type deferred struct {
	ops []op
}

func (d deferred) resolve() slog.Handler {
	h := slog.Default().Handler()
	for _, o := range d.ops {
		if o.group != "" {
			h = h.WithGroup(o.group)
		} else {
			h = h.WithAttrs(o.attrs)
		}
	}
	return h
}

func (d deferred) Enabled(ctx context.Context, l slog.Level) bool {
	return slog.Default().Handler().Enabled(ctx, l)
}

func (d deferred) Handle(ctx context.Context, r slog.Record) error {
	return d.resolve().Handle(ctx, r)
}

func (d deferred) WithAttrs(attrs []slog.Attr) slog.Handler {
	return deferred{ops: append(slices.Clip(d.ops), op{attrs: attrs})}
}

func (d deferred) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	return deferred{ops: append(slices.Clip(d.ops), op{group: name})}
}
