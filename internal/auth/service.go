package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"medibot/internal/redis"
)

const redisTokenPrefix = "medibot:token:"

// TokenService issues, validates, and revokes opaque bearer tokens.
type TokenService struct {
	db       *sql.DB
	cache    *redis.Client
	tokenTTL time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewTokenService constructs a token service with the supplied token lifetime.
// cache may be nil.
func NewTokenService(db *sql.DB, cache *redis.Client, ttl time.Duration, logger *slog.Logger) *TokenService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenService{
		db:       db,
		cache:    cache,
		tokenTTL: ttl,
		logger:   logger.With("component", "auth"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// IssueToken mints a new random token for the identity and persists it.
func (s *TokenService) IssueToken(ctx context.Context, id Identity) (string, error) {
	if id.Subject == "" {
		return "", errors.New("invalid subject")
	}
	id.Method = MethodToken
	now := s.now()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, subject, email, name, created_at, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
			token, id.Subject, id.Email, id.Name, now, expiresAt,
		)
		if err == nil {
			s.cacheIdentity(ctx, token, id, s.tokenTTL)
			return token, nil
		}
	}
	return "", errors.New("could not issue token")
}

// Verify implements Verifier.
func (s *TokenService) Verify(ctx context.Context, token string) (*Identity, error) {
	return s.ValidateToken(ctx, token)
}

// ValidateToken verifies the token exists and has not expired.
func (s *TokenService) ValidateToken(ctx context.Context, authToken string) (*Identity, error) {
	if authToken == "" {
		return nil, ErrTokenRequired
	}
	if id, ok := s.cachedIdentity(ctx, authToken); ok {
		return id, nil
	}

	id := &Identity{Method: MethodToken}
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT subject, email, name, expires_at FROM user_tokens WHERE token = ?`, authToken,
	).Scan(&id.Subject, &id.Email, &id.Name, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidToken
		}
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	now := s.now()
	if now.After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return nil, ErrTokenExpired
	}
	s.cacheIdentity(ctx, authToken, *id, expires.Sub(now))
	return id, nil
}

// RevokeToken deletes a single token.
func (s *TokenService) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	s.evict(ctx, authToken)
	return nil
}

// RevokeSubjectTokens removes all tokens belonging to subject.
func (s *TokenService) RevokeSubjectTokens(ctx context.Context, subject string) error {
	if subject == "" {
		return nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT token FROM user_tokens WHERE subject = ?`, subject)
	if err != nil {
		return fmt.Errorf("list subject tokens: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE subject = ?`, subject); err != nil {
		return fmt.Errorf("revoke subject tokens: %w", err)
	}
	s.evict(ctx, tokens...)
	return nil
}

// PurgeExpired removes tokens past their lifetime.
func (s *TokenService) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge tokens: %w", err)
	}
	return res.RowsAffected()
}

// TokenTTL reports the configured token lifetime.
func (s *TokenService) TokenTTL() time.Duration {
	return s.tokenTTL
}

func (s *TokenService) cacheIdentity(ctx context.Context, token string, id Identity, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	payload, err := json.Marshal(id)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, redisTokenPrefix+token, string(payload), ttl); err != nil {
		s.logger.Warn("cache token", "error", err)
	}
}

func (s *TokenService) cachedIdentity(ctx context.Context, token string) (*Identity, bool) {
	if s.cache == nil {
		return nil, false
	}
	raw, err := s.cache.Get(ctx, redisTokenPrefix+token)
	if err != nil {
		if !errors.Is(err, redis.ErrCacheMiss) {
			s.logger.Warn("read cached token", "error", err)
		}
		return nil, false
	}
	var id Identity
	if err := json.Unmarshal([]byte(raw), &id); err != nil || id.Subject == "" {
		return nil, false
	}
	return &id, true
}

func (s *TokenService) evict(ctx context.Context, tokens ...string) {
	if s.cache == nil || len(tokens) == 0 {
		return
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = redisTokenPrefix + t
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		s.logger.Warn("evict cached tokens", "error", err)
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
