package logging

import (
	"context"
	"log/slog"
	"strconv"
)

type ctxKey int

const (
	machineIDKey ctxKey = iota
	stateIDKey
	correlationIDKey
)

// WithMachineID returns a context with the state machine ID set.
func WithMachineID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, machineIDKey, id)
}

// WithStateID returns a context with the state ID set.
func WithStateID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, stateIDKey, id)
}

// WithCorrelationID returns a context with a request-scoped correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationIDKey, id)
}

// MachineID extracts the state machine ID from the context, or "" if absent.
func MachineID(ctx context.Context) string {
	v, _ := ctx.Value(machineIDKey).(string)
	return v
}

// StateID extracts the state ID from the context, or 0 if absent.
func StateID(ctx context.Context) int64 {
	v, _ := ctx.Value(stateIDKey).(int64)
	return v
}

// CorrelationID extracts the correlation ID from the context, or "" if absent.
func CorrelationID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation IDs from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := MachineID(ctx); v != "" {
		r.AddAttrs(slog.String("machine_id", v))
	}
	if v := StateID(ctx); v != 0 {
		r.AddAttrs(slog.String("state_id", strconv.FormatInt(v, 10)))
	}
	if v := CorrelationID(ctx); v != "" {
		r.AddAttrs(slog.String("correlation_id", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
