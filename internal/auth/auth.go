package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthorized = errors.New("missing or malformed credentials")
	ErrTokenExpired = errors.New("token expired")
	ErrInvalidToken = errors.New("invalid token")
	// ErrKeysUnavailable means the identity provider could not be reached,
	// so the token was neither accepted nor rejected.
	ErrKeysUnavailable = errors.New("identity provider keys unavailable")
)

// Claims is the verified identity carried by a bearer token.
type Claims struct {
	Subject string
	Name    string
}

type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

type ctxKey struct{}

func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok && c != nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>" header.
func BearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrUnauthorized
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", ErrUnauthorized
	}
	return strings.TrimSpace(parts[1]), nil
}
