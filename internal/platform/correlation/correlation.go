// Package correlation carries log attributes on a context: a short
// correlation id per HTTP request or broker delivery, plus the relay's
// standard fields (conn_id, user_id, queue, delivery_tag).
package correlation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
)

const (
	KeyConnID      = "conn_id"
	KeyUserID      = "user_id"
	KeyQueue       = "queue"
	KeyDeliveryTag = "delivery_tag"
)

type idKey struct{}
type fieldsKey struct{}

// NewID generates an 8-character hex correlation ID (4 random bytes).
func NewID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithID returns a new context carrying the given correlation ID.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

// ID extracts the correlation ID from ctx, returning ("", false) if not present.
func ID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(idKey{}).(string)
	return id, ok && id != ""
}

// WithFields returns a context whose log records gain attrs. Fields already on
// ctx are kept; a repeated key is overridden by the newer value.
func WithFields(ctx context.Context, attrs ...slog.Attr) context.Context {
	if len(attrs) == 0 {
		return ctx
	}
	existing := Fields(ctx)
	merged := make([]slog.Attr, 0, len(existing)+len(attrs))
	for _, a := range existing {
		if !containsKey(attrs, a.Key) {
			merged = append(merged, a)
		}
	}
	merged = append(merged, attrs...)
	return context.WithValue(ctx, fieldsKey{}, merged)
}

// Fields returns the attributes stored on ctx.
func Fields(ctx context.Context) []slog.Attr {
	attrs, _ := ctx.Value(fieldsKey{}).([]slog.Attr)
	return attrs
}

func WithConnID(ctx context.Context, connID string) context.Context {
	return WithFields(ctx, slog.String(KeyConnID, connID))
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return WithFields(ctx, slog.String(KeyUserID, userID))
}

func WithDelivery(ctx context.Context, queue string, tag uint64) context.Context {
	return WithFields(ctx, slog.String(KeyQueue, queue), slog.Uint64(KeyDeliveryTag, tag))
}

func containsKey(attrs []slog.Attr, key string) bool {
	for _, a := range attrs {
		if a.Key == key {
			return true
		}
	}
	return false
}

// Handler wraps an existing slog.Handler and appends the correlation id and
// context fields to every record logged with a context.
type Handler struct {
	inner slog.Handler
}

// NewHandler creates a correlation-aware handler wrapping the given handler.
func NewHandler(inner slog.Handler) *Handler {
	return &Handler{inner: inner}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ID(ctx); ok {
		r.AddAttrs(slog.String("correlation_id", id))
	}
	if fields := Fields(ctx); len(fields) > 0 {
		r.AddAttrs(fields...)
	}
	if err := h.inner.Handle(ctx, r); err != nil {
		return fmt.Errorf("correlation handler: %w", err)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{inner: h.inner.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name)}
}
