package auth

import (
	"context"
	"time"
)

// Claims is the authenticated caller extracted from a bearer token.
type Claims struct {
	// Subject is the user id; it doubles as the update recipient id.
	Subject        string
	Issuer         string
	Audience       []string
	ExpiresAt      time.Time
	OrganizationID string
	Scopes         []string
}

// HasScope reports whether scope was granted.
func (c *Claims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type claimsContextKey struct{}

// WithClaims stores claims in the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// GetClaims retrieves claims from the context, or nil.
func GetClaims(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey{}).(*Claims); ok {
		return claims
	}
	return nil
}
