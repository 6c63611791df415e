// Package ctxutil provides shared context key accessors.
//
// The auth middleware populates these values; handlers and services
// read them back without importing the server package.
package ctxutil

import (
	"context"

	"github.com/fencio-dev/prism/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyTenantID  contextKey = "tenant_id"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyTenantID, claims.TenantID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// TenantFromContext extracts the tenant_id from the context.
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyTenantID).(string); ok {
		return v
	}
	return ""
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
