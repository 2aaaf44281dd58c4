package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultKeyCacheTTL        = time.Hour
	DefaultKeyRefreshInterval = 30 * time.Second
)

var ErrKeyNotFound = errors.New("signing key not found")

// KeyFetcher loads the current signing key set.
type KeyFetcher interface {
	Fetch(ctx context.Context) (*jose.JSONWebKeySet, error)
}

// HTTPKeyFetcher downloads a JWKS document.
type HTTPKeyFetcher struct {
	URL    string
	Client *http.Client
}

func (f *HTTPKeyFetcher) Fetch(ctx context.Context) (*jose.JSONWebKeySet, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch jwks: %s", resp.Status)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}
	return &set, nil
}

// KeyCache holds signing keys for ttl. When a refresh fails it keeps serving
// the previous key set if there is one. Fetches are shared between concurrent
// callers and run at most once per minInterval, whether they failed or were
// triggered by an unknown kid.
type KeyCache struct {
	fetcher     KeyFetcher
	ttl         time.Duration
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time
	group       singleflight.Group

	mu          sync.RWMutex
	keys        *jose.JSONWebKeySet
	fetchedAt   time.Time
	lastAttempt time.Time
	lastErr     error
}

func NewKeyCache(fetcher KeyFetcher, ttl time.Duration, logger *slog.Logger) *KeyCache {
	if ttl <= 0 {
		ttl = DefaultKeyCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyCache{
		fetcher:     fetcher,
		ttl:         ttl,
		minInterval: DefaultKeyRefreshInterval,
		logger:      logger.With("component", "jwks"),
		now:         time.Now,
	}
}

// Key returns the key with id kid. An unknown kid triggers a refresh so
// rotated keys are picked up before the ttl runs out.
func (c *KeyCache) Key(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	now := c.now()
	c.mu.RLock()
	keys, fetchedAt, lastAttempt, lastErr := c.keys, c.fetchedAt, c.lastAttempt, c.lastErr
	c.mu.RUnlock()

	fresh := keys != nil && now.Sub(fetchedAt) < c.ttl
	if fresh {
		if k := lookup(keys, kid); k != nil {
			return k, nil
		}
	}
	switch {
	case lastAttempt.IsZero() || now.Sub(lastAttempt) >= c.minInterval:
		set, err := c.refresh(ctx)
		if err != nil {
			return nil, err
		}
		keys = set
	case keys == nil:
		return nil, fmt.Errorf("jwks unavailable: %w", lastErr)
	}
	if k := lookup(keys, kid); k != nil {
		return k, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
}

func (c *KeyCache) refresh(ctx context.Context) (*jose.JSONWebKeySet, error) {
	v, err, _ := c.group.Do("jwks", func() (interface{}, error) {
		c.mu.RLock()
		recent := !c.lastAttempt.IsZero() && c.now().Sub(c.lastAttempt) < c.minInterval
		keys, lastErr := c.keys, c.lastErr
		c.mu.RUnlock()
		if recent {
			// another caller refreshed since our snapshot
			if keys != nil {
				return keys, nil
			}
			return nil, lastErr
		}

		set, err := c.fetcher.Fetch(ctx)

		c.mu.Lock()
		defer c.mu.Unlock()
		c.lastAttempt = c.now()
		if err != nil {
			c.lastErr = err
			if c.keys != nil {
				c.logger.Warn("jwks refresh failed, serving stale keys", "age", c.lastAttempt.Sub(c.fetchedAt).String(), "error", err)
				return c.keys, nil
			}
			return nil, err
		}
		c.keys = set
		c.fetchedAt = c.lastAttempt
		c.lastErr = nil
		return set, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*jose.JSONWebKeySet), nil
}

func lookup(set *jose.JSONWebKeySet, kid string) *jose.JSONWebKey {
	if set == nil {
		return nil
	}
	if keys := set.Key(kid); len(keys) > 0 {
		return &keys[0]
	}
	return nil
}
