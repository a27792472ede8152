package logcontext

import (
	"context"
	"log/slog"
)

type ctxKey string

const slogFields ctxKey = "slog_fields"

// AppendCtx returns a context carrying the given attrs in addition to any
// attrs already present. Handlers created with NewHandler emit them on every
// record logged with that context.
func AppendCtx(parent context.Context, attrs ...slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if existing, ok := parent.Value(slogFields).([]slog.Attr); ok {
		merged := make([]slog.Attr, 0, len(existing)+len(attrs))
		merged = append(merged, existing...)
		merged = append(merged, attrs...)
		return context.WithValue(parent, slogFields, merged)
	}

	return context.WithValue(parent, slogFields, attrs)
}

// Attrs returns the context-scoped attrs, if any.
func Attrs(ctx context.Context) []slog.Attr {
	if attrs, ok := ctx.Value(slogFields).([]slog.Attr); ok {
		return attrs
	}
	return nil
}

// Handler decorates a slog.Handler with the context-scoped attrs.
type Handler struct {
	slog.Handler
}

func NewHandler(inner slog.Handler) *Handler {
	return &Handler{Handler: inner}
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	for _, attr := range Attrs(ctx) {
		record.AddAttrs(attr)
	}
	return h.Handler.Handle(ctx, record)
}
