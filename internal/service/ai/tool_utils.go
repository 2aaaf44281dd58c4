package ai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	WebSearchHTTPTimeout = 10 * time.Second
	WebSearchRateLimit   = 5
	WebSearchRateWindow  = time.Minute

	maxFetchBytes = 512 << 10
)

type toolCallerContextKey struct{}

// callerLimiter hands out one token bucket per caller. Each bucket refills
// limit tokens per window; a bucket idle for a whole window is full again, so
// it is dropped on the next sweep.
type callerLimiter struct {
	every rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*callerBucket
	lastSweep time.Time
}

type callerBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter(limit int, window time.Duration) *callerLimiter {
	return &callerLimiter{
		every:   rate.Every(window / time.Duration(limit)),
		burst:   limit,
		idle:    window,
		now:     time.Now,
		buckets: make(map[string]*callerBucket),
	}
}

func (l *callerLimiter) Allow(caller string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) > l.idle {
		for key, b := range l.buckets {
			if now.Sub(b.lastSeen) > l.idle {
				delete(l.buckets, key)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[caller]
	if !ok {
		b = &callerBucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[caller] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

func (l *callerLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// WithToolCaller tags ctx with the caller id used for tool rate limiting.
func WithToolCaller(ctx context.Context, callerID string) context.Context {
	if callerID == "" {
		return ctx
	}
	return context.WithValue(ctx, toolCallerContextKey{}, callerID)
}

func ToolCallerFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(toolCallerContextKey{}).(string)
	return id, ok && id != ""
}

// fetchPage downloads a public http(s) page for the model to read, capped at
// maxFetchBytes.
func fetchPage(ctx context.Context, client *http.Client, target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "MediBot-WebSearch/1.0")
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: %s", u.Host, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func looksLikeURL(input string) bool {
	lower := strings.ToLower(strings.TrimSpace(input))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
