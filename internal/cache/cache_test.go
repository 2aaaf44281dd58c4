package cache

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"medibot/internal/config"
	"medibot/internal/metrics"
	"medibot/internal/redis"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBackend struct {
	mu   sync.Mutex
	data map[string]string
	ttls map[string]time.Duration
	err  error
}

func newMemBackend() *memBackend {
	return &memBackend{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	v, ok := m.data[key]
	if !ok {
		return "", redis.ErrCacheMiss
	}
	return v, nil
}

func (m *memBackend) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.data[key] = value.(string)
	m.ttls[key] = ttl
	return nil
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "how do i treat a burn", Normalize("  How do I   treat a BURN?!  "))
	assert.Equal(t, "what is 1.5 mg", Normalize("What is 1.5 mg."))
	assert.Equal(t, Key("How do I treat a burn?"), Key("how do i treat a burn"))
	assert.NotEqual(t, Key("burn"), Key("sprain"))
}

func TestLookupAndStore(t *testing.T) {
	m := metrics.NewNop()
	backend := newMemBackend()
	c := New(backend, 0, m, nil)
	ctx := context.Background()

	_, ok := c.Lookup(ctx, "How to treat a burn?")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))

	c.Store(ctx, "How to treat a burn?", Entry{Answer: "Cool it.", Topic: "burn", Model: "flash"})
	assert.Equal(t, DefaultTTL, backend.ttls[Key("how to treat a burn")])

	e, ok := c.Lookup(ctx, "how to treat a burn")
	require.True(t, ok)
	assert.Equal(t, "Cool it.", e.Answer)
	assert.Equal(t, "burn", e.Topic)
	assert.False(t, e.CachedAt.IsZero())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
}

func TestBackendFailureIsAMiss(t *testing.T) {
	m := metrics.NewNop()
	backend := newMemBackend()
	backend.err = errors.New("connection refused")
	c := New(backend, time.Hour, m, nil)

	c.Store(context.Background(), "q", Entry{Answer: "a"})
	_, ok := c.Lookup(context.Background(), "q")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("error")))

	var nilCache *ResponseCache
	_, ok = nilCache.Lookup(context.Background(), "q")
	assert.False(t, ok)
	nilCache.Store(context.Background(), "q", Entry{})
}

func TestRedisBackend(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis-backed cache tests")
	}
	host, port := splitAddr(t, addr)
	client, err := redis.NewRedisClient(&config.Config{Redis: config.RedisConfig{Host: host, Port: port}})
	require.NoError(t, err)
	defer client.Close()

	c := New(client, time.Minute, nil, nil)
	ctx := context.Background()
	require.NoError(t, client.Del(ctx, Key("redis cache test")))

	_, ok := c.Lookup(ctx, "redis cache test")
	assert.False(t, ok)
	c.Store(ctx, "Redis cache test?", Entry{Answer: "stored"})
	e, ok := c.Lookup(ctx, "redis cache test")
	require.True(t, ok)
	assert.Equal(t, "stored", e.Answer)

	ttl, err := client.TTL(ctx, Key("redis cache test"))
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}
