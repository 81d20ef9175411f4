// Package auth provides authentication context helpers.
//
// This package is designed to be imported by both middleware and handler
// packages without causing import cycles.
package auth

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// principalContextKey is the key used to store the authenticated caller.
	principalContextKey contextKey = "principal"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID uuid.UUID
	Email  string
}

// GetPrincipal retrieves the authenticated caller from the context.
//
// Returns nil if the request is unauthenticated.
//
// Usage:
//
//	p := auth.GetPrincipal(r.Context())
//	if p == nil {
//	    // Handle unauthenticated request
//	}
func GetPrincipal(ctx context.Context) *Principal {
	p, ok := ctx.Value(principalContextKey).(*Principal)
	if !ok {
		return nil
	}
	return p
}

// SetPrincipal stores the caller in the context.
//
// This is called by the authentication middleware after validating a
// bearer token.
func SetPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
