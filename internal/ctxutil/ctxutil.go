// Package ctxutil provides shared context key accessors.
//
// This package exists so the server middleware and the MCP tool
// handlers can share per-request metadata without importing each
// other: server populates the context, both sides read it.
package ctxutil

import "context"

type contextKey string

const keyRequestID contextKey = "request_id"

// WithRequestID returns a new context carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestID extracts the request ID from the context, or "" when the
// request did not pass through the server middleware.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
