// Package ctxutil provides shared context key accessors.
//
// Both server and mcp read the authenticated principal that server's auth
// middleware stores, so the accessors live here instead of in either package.
package ctxutil

import (
	"context"

	"github.com/ashita-ai/mamori/internal/auth"
)

type contextKey string

const (
	keyPrincipal contextKey = "principal"
	keyRequestID contextKey = "request_id"
)

// WithPrincipal returns a new context carrying the given principal.
func WithPrincipal(ctx context.Context, p *auth.Principal) context.Context {
	return context.WithValue(ctx, keyPrincipal, p)
}

// PrincipalFromContext extracts the principal from the context.
func PrincipalFromContext(ctx context.Context) *auth.Principal {
	if v, ok := ctx.Value(keyPrincipal).(*auth.Principal); ok {
		return v
	}
	return nil
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext returns the request id, or "" outside a request.
func RequestIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyRequestID).(string)
	return v
}
