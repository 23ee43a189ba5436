// Package ctxutil provides shared context key accessors.
//
// The server's auth middleware stores validated claims here; the facility
// resolver used by the orchestrator reads them back without importing the
// server package.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/sterilis/internal/auth"
)

type contextKey string

const (
	keyClaims     contextKey = "claims"
	keyFacilityID contextKey = "facility_id"
	keyRequestID  contextKey = "request_id"
)

// WithClaims returns a new context carrying the given claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyFacilityID, claims.FacilityID)
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// FacilityIDFromContext extracts the facility_id from the context.
func FacilityIDFromContext(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(keyFacilityID).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// OperatorFromContext returns the operator ID of the authenticated caller,
// or "" when the request is unauthenticated.
func OperatorFromContext(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Operator
	}
	return ""
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext returns the request ID, or "" when unset.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
