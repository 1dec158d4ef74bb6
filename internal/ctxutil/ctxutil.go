// Package ctxutil provides shared context key accessors for request-scoped
// values set by server middleware and read by handlers and workers.
package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type contextKey string

const (
	keyWorkspaceID contextKey = "workspace_id"
	keyRequestID   contextKey = "request_id"
)

// WithWorkspaceID returns a new context carrying the authenticated workspace ID.
func WithWorkspaceID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, keyWorkspaceID, id)
}

// WorkspaceIDFromContext extracts the workspace ID set by the auth middleware.
func WorkspaceIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyWorkspaceID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
