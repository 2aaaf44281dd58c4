// Package cache keeps recent English answers keyed by normalized query.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"medibot/internal/metrics"
	"medibot/internal/redis"
)

const (
	DefaultTTL = 24 * time.Hour
	keyPrefix  = "medibot:response:"
)

var whitespace = regexp.MustCompile(`\s+`)

// Backend is the subset of the redis client the cache needs.
type Backend interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Entry is a cached answer.
type Entry struct {
	Answer   string    `json:"response"`
	Topic    string    `json:"topic,omitempty"`
	Model    string    `json:"model,omitempty"`
	CachedAt time.Time `json:"cached_at"`
}

type ResponseCache struct {
	backend Backend
	ttl     time.Duration
	metrics *metrics.Pipeline
	logger  *slog.Logger
}

func New(backend Backend, ttl time.Duration, m *metrics.Pipeline, logger *slog.Logger) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{backend: backend, ttl: ttl, metrics: m, logger: logger.With("component", "cache")}
}

// Normalize lowercases, collapses whitespace and strips trailing punctuation.
func Normalize(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	q = whitespace.ReplaceAllString(q, " ")
	return strings.TrimRight(q, "?!.,;:")
}

// Key is the storage key for query.
func Key(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Lookup returns the cached entry. Misses and backend failures both report false.
func (c *ResponseCache) Lookup(ctx context.Context, query string) (*Entry, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.backend.Get(ctx, Key(query))
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			c.metrics.CacheLookup("miss")
		} else {
			c.metrics.CacheLookup("error")
			c.logger.Warn("cache lookup failed", "error", err)
		}
		return nil, false
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.metrics.CacheLookup("error")
		c.logger.Warn("cache entry unreadable", "error", err)
		return nil, false
	}
	c.metrics.CacheLookup("hit")
	return &e, true
}

// Store saves an entry. Failures are logged only.
func (c *ResponseCache) Store(ctx context.Context, query string, e Entry) {
	if c == nil {
		return
	}
	if e.CachedAt.IsZero() {
		e.CachedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("encode cache entry", "error", err)
		return
	}
	if err := c.backend.Set(ctx, Key(query), string(payload), c.ttl); err != nil {
		c.logger.Warn("cache write failed", "error", err)
	}
}

// CommonQueries are first-aid questions worth answering before anyone asks.
var CommonQueries = []string{
	"How to perform CPR on an adult?",
	"How to treat a burn at home?",
	"What to do if someone is choking?",
	"How to stop a nosebleed?",
	"How to treat a sprained ankle?",
	"First aid for a bee sting",
	"How to treat a minor cut or wound?",
	"What to do for a fever?",
	"How to treat sunburn?",
	"First aid for heat stroke",
	"How to help someone who fainted?",
	"What to do for food poisoning?",
	"How to treat an allergic reaction?",
	"First aid for a fracture",
	"How to treat a headache naturally?",
}
