// Package callcontext carries per-request values (the originating
// client ID) through a context.Context, and provides a helper for
// applying a default timeout to KVPS operations that don't already
// carry a deadline.
package callcontext

import (
	"context"
	"time"
)

type contextKey int

const clientIDKey contextKey = iota

// WithClientID returns a new context carrying clientID.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey, clientID)
}

// ClientID retrieves the client ID stored in ctx, or "" if absent.
func ClientID(ctx context.Context) string {
	if id, ok := ctx.Value(clientIDKey).(string); ok {
		return id
	}
	return ""
}

// FromClient reports whether ctx carries a client ID.
func FromClient(ctx context.Context) bool {
	return ctx.Value(clientIDKey) != nil
}

// WithDefaultTimeout returns ctx unchanged if it already has a
// deadline, or a derived context bounded by timeout otherwise. KVPS
// calls use this so a slow directory never hangs the ingress task
// (spec: operations must be bounded and never hang the caller).
func WithDefaultTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
