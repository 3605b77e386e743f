// Package runid attaches a per-task-run correlation id to a context.Context
// so every log line emitted while executing one task can be grouped
// together, the same way an HTTP server tags a request id onto the
// context of each incoming request.
package runid

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// New generates a fresh run id.
func New() string {
	return uuid.NewString()
}

// WithRunID returns a child context carrying id.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the run id stored in ctx, or "" if none was set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
