package shf

import (
	"context"
	"log/slog"
)

// levelHandler filters records below a per-instance level before handing
// them to the caller's handler.
type levelHandler struct {
	level *slog.LevelVar
	next  slog.Handler
}

func newLogger(l *slog.Logger, level *slog.LevelVar) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}

	return slog.New(&levelHandler{level: level, next: l.Handler()})
}

func (h *levelHandler) Enabled(ctx context.Context, lvl slog.Level) bool {
	return lvl >= h.level.Level() && h.next.Enabled(ctx, lvl)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.next.Handle(ctx, r) //nolint:wrapcheck // pass-through
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, next: h.next.WithGroup(name)}
}
