package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
)

type tokenClaims struct {
	jwt.Claims
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	TokenUse string `json:"token_use,omitempty"`
}

// JWTVerifier checks RS256 tokens signed by keys from a KeyCache. ID tokens
// must name the client in aud; access tokens in client_id.
type JWTVerifier struct {
	keys     *KeyCache
	issuer   string
	clientID string
	leeway   time.Duration
	now      func() time.Time
}

func NewJWTVerifier(keys *KeyCache, issuer, clientID string) *JWTVerifier {
	return &JWTVerifier{
		keys:     keys,
		issuer:   issuer,
		clientID: clientID,
		leeway:   time.Minute,
		now:      time.Now,
	}
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrTokenRequired
	}
	// opaque tokens are not JWTs; leave them to the next verifier
	if strings.Count(token, ".") != 2 {
		return nil, ErrInvalidToken
	}
	parsed, err := jwt.ParseSigned(token, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(parsed.Headers) == 0 || parsed.Headers[0].KeyID == "" {
		return nil, fmt.Errorf("%w: missing kid", ErrInvalidToken)
	}
	key, err := v.keys.Key(ctx, parsed.Headers[0].KeyID)
	if err != nil {
		return nil, err
	}

	var claims tokenClaims
	if err := parsed.Claims(key.Key, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	err = claims.ValidateWithLeeway(jwt.Expected{Issuer: v.issuer, Time: v.now()}, v.leeway)
	switch {
	case errors.Is(err, jwt.ErrExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Expiry == nil {
		return nil, fmt.Errorf("%w: missing exp", ErrInvalidToken)
	}
	if v.clientID != "" && !claims.Audience.Contains(v.clientID) && claims.ClientID != v.clientID {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrInvalidToken)
	}
	return &Identity{
		Subject: claims.Subject,
		Email:   claims.Email,
		Name:    claims.Name,
		Method:  MethodJWT,
	}, nil
}
