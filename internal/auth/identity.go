package auth

import (
	"context"
	"errors"
)

// Verification methods recorded on identities, metrics and audit events.
const (
	MethodJWT   = "jwt"
	MethodToken = "token"
)

var (
	ErrTokenRequired = errors.New("token required")
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
)

// Identity is a verified caller.
type Identity struct {
	Subject string `json:"sub"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
	Method  string `json:"method"`
}

// Verifier turns a bearer credential into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// ChainVerifier tries each verifier in order and returns the first success.
// When all fail the first verifier's error is returned.
type ChainVerifier []Verifier

func (c ChainVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	var first error
	for _, v := range c {
		if v == nil {
			continue
		}
		id, err := v.Verify(ctx, token)
		if err == nil {
			return id, nil
		}
		if first == nil {
			first = err
		}
	}
	if first == nil {
		first = ErrInvalidToken
	}
	return nil, first
}
