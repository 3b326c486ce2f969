package federation

import (
	"context"

	"github.com/google/uuid"
)

type correlationKey struct{}

// WithCorrelationID stores id in ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the id stored in ctx, or "".
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// EnsureCorrelationID returns id when set, else a fresh one. Inbound ids
// from a previous hop are reused verbatim so every node records the same
// value.
func EnsureCorrelationID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
