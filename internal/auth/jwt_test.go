package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"medibot/internal/audit"
	"medibot/internal/metrics"
	"medibot/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeFetcher struct {
	set   *jose.JSONWebKeySet
	err   error
	calls int32
}

func (f *fakeFetcher) Fetch(context.Context) (*jose.JSONWebKeySet, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return f.set, nil
}

type signingKey struct {
	kid  string
	priv *rsa.PrivateKey
}

func newSigningKey(t *testing.T, kid string) signingKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return signingKey{kid: kid, priv: priv}
}

func (k signingKey) public() jose.JSONWebKey {
	return jose.JSONWebKey{Key: &k.priv.PublicKey, KeyID: k.kid, Algorithm: string(jose.RS256), Use: "sig"}
}

func (k signingKey) sign(t *testing.T, claims tokenClaims) string {
	t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: k.priv, KeyID: k.kid}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func validClaims() tokenClaims {
	now := time.Now()
	return tokenClaims{
		Claims: jwt.Claims{
			Issuer:   "https://issuer.example.com",
			Subject:  "sub-123",
			Audience: jwt.Audience{"client-abc"},
			Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
			IssuedAt: jwt.NewNumericDate(now),
		},
		Email: "patient@example.com",
	}
}

func TestJWTVerifier(t *testing.T) {
	key := newSigningKey(t, "k1")
	fetcher := &fakeFetcher{set: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key.public()}}}
	v := NewJWTVerifier(NewKeyCache(fetcher, time.Hour, nil), "https://issuer.example.com", "client-abc")
	ctx := context.Background()

	id, err := v.Verify(ctx, key.sign(t, validClaims()))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.Subject != "sub-123" || id.Email != "patient@example.com" || id.Method != MethodJWT {
		t.Fatalf("unexpected identity %+v", id)
	}

	access := validClaims()
	access.Audience = nil
	access.ClientID = "client-abc"
	access.TokenUse = "access"
	if _, err := v.Verify(ctx, key.sign(t, access)); err != nil {
		t.Fatalf("access token rejected: %v", err)
	}

	expired := validClaims()
	expired.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	if _, err := v.Verify(ctx, key.sign(t, expired)); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}

	wrongAud := validClaims()
	wrongAud.Audience = jwt.Audience{"someone-else"}
	if _, err := v.Verify(ctx, key.sign(t, wrongAud)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience rejection, got %v", err)
	}

	wrongIss := validClaims()
	wrongIss.Issuer = "https://evil.example.com"
	if _, err := v.Verify(ctx, key.sign(t, wrongIss)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer rejection, got %v", err)
	}

	other := newSigningKey(t, "k1")
	if _, err := v.Verify(ctx, other.sign(t, validClaims())); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature rejection, got %v", err)
	}

	if _, err := v.Verify(ctx, "opaque-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected opaque token rejection, got %v", err)
	}
}

func TestKeyCacheServesStaleOnRefreshFailure(t *testing.T) {
	key := newSigningKey(t, "k1")
	fetcher := &fakeFetcher{set: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key.public()}}}
	cache := NewKeyCache(fetcher, time.Minute, nil)
	base := time.Now()
	cache.now = func() time.Time { return base }
	ctx := context.Background()

	if _, err := cache.Key(ctx, "k1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if _, err := cache.Key(ctx, "k1"); err != nil || atomic.LoadInt32(&fetcher.calls) != 1 {
		t.Fatalf("expected cached key, calls=%d err=%v", fetcher.calls, err)
	}

	fetcher.err = errors.New("jwks endpoint down")
	cache.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := cache.Key(ctx, "k1"); err != nil {
		t.Fatalf("expected stale key, got %v", err)
	}
	if _, err := cache.Key(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	empty := NewKeyCache(&fakeFetcher{err: errors.New("down")}, time.Minute, nil)
	if _, err := empty.Key(ctx, "k1"); err == nil {
		t.Fatalf("expected fetch error without stale keys")
	}
}

func TestKeyCacheRefreshesOnUnknownKid(t *testing.T) {
	k1 := newSigningKey(t, "k1")
	k2 := newSigningKey(t, "k2")
	fetcher := &fakeFetcher{set: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k1.public()}}}
	cache := NewKeyCache(fetcher, time.Hour, nil)
	base := time.Now()
	cache.now = func() time.Time { return base }
	ctx := context.Background()

	if _, err := cache.Key(ctx, "k1"); err != nil {
		t.Fatalf("k1: %v", err)
	}
	fetcher.set = &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k1.public(), k2.public()}}

	// unknown kids inside the refresh interval do not reach the endpoint
	for i := 0; i < 10; i++ {
		if _, err := cache.Key(ctx, "forged"); !errors.Is(err, ErrKeyNotFound) {
			t.Fatalf("expected ErrKeyNotFound, got %v", err)
		}
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 1 {
		t.Fatalf("expected 1 fetch inside the interval, got %d", got)
	}

	cache.now = func() time.Time { return base.Add(DefaultKeyRefreshInterval) }
	if _, err := cache.Key(ctx, "k2"); err != nil {
		t.Fatalf("rotated key not picked up: %v", err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 2 {
		t.Fatalf("expected 2 fetches, got %d", got)
	}
}

func TestKeyCacheBacksOffWhileEndpointDown(t *testing.T) {
	key := newSigningKey(t, "k1")
	fetcher := &fakeFetcher{set: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key.public()}}}
	cache := NewKeyCache(fetcher, time.Minute, nil)
	base := time.Now()
	cache.now = func() time.Time { return base }
	ctx := context.Background()

	if _, err := cache.Key(ctx, "k1"); err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	fetcher.err = errors.New("jwks endpoint down")
	stale := base.Add(2 * time.Minute)
	cache.now = func() time.Time { return stale }

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Key(ctx, "k1"); err != nil {
				t.Errorf("expected stale key, got %v", err)
			}
		}()
	}
	wg.Wait()
	if got := atomic.LoadInt32(&fetcher.calls); got != 2 {
		t.Fatalf("expected one refresh attempt for 20 stale calls, got %d fetches", got)
	}

	cache.now = func() time.Time { return stale.Add(DefaultKeyRefreshInterval) }
	if _, err := cache.Key(ctx, "k1"); err != nil {
		t.Fatalf("expected stale key, got %v", err)
	}
	if got := atomic.LoadInt32(&fetcher.calls); got != 3 {
		t.Fatalf("expected a retry after the interval, got %d fetches", got)
	}

	down := &fakeFetcher{err: errors.New("down")}
	empty := NewKeyCache(down, time.Minute, nil)
	empty.now = func() time.Time { return base }
	for i := 0; i < 5; i++ {
		if _, err := empty.Key(ctx, "k1"); err == nil {
			t.Fatalf("expected error without any key set")
		}
	}
	if got := atomic.LoadInt32(&down.calls); got != 1 {
		t.Fatalf("expected 1 fetch while backing off, got %d", got)
	}
}

func TestHTTPKeyFetcher(t *testing.T) {
	key := newSigningKey(t, "k1")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key.public()}})
	}))
	defer srv.Close()

	set, err := (&HTTPKeyFetcher{URL: srv.URL}).Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(set.Key("k1")) != 1 {
		t.Fatalf("expected k1 in fetched set")
	}
}

func TestChainVerifier(t *testing.T) {
	db := openTestDB(t)
	defer db.Close()
	tokens := NewTokenService(db, nil, time.Hour, nil)
	token, err := tokens.IssueToken(context.Background(), Identity{Subject: "svc"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	key := newSigningKey(t, "k1")
	jwtv := NewJWTVerifier(NewKeyCache(&fakeFetcher{set: &jose.JSONWebKeySet{Keys: []jose.JSONWebKey{key.public()}}}, time.Hour, nil), "", "")

	chain := ChainVerifier{jwtv, tokens}
	if id, err := chain.Verify(context.Background(), token); err != nil || id.Method != MethodToken {
		t.Fatalf("opaque token via chain: %+v %v", id, err)
	}
	if id, err := chain.Verify(context.Background(), key.sign(t, validClaims())); err != nil || id.Method != MethodJWT {
		t.Fatalf("jwt via chain: %+v %v", id, err)
	}
	if _, err := chain.Verify(context.Background(), ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("expected ErrTokenRequired, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := openTestDB(t)
	defer db.Close()
	tokens := NewTokenService(db, nil, time.Hour, nil)
	token, err := tokens.IssueToken(context.Background(), Identity{Subject: "user-9"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	m := metrics.NewNop()
	rec := &audit.Memory{}
	a := NewAuthenticator(tokens, m, rec)

	r := gin.New()
	r.GET("/open", a.Optional(), func(c *gin.Context) {
		if id, ok := IdentityFromContext(c); ok {
			c.String(http.StatusOK, id.Subject)
			return
		}
		c.String(http.StatusOK, "anonymous")
	})
	r.GET("/closed", a.Require(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(path, header string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := do("/open", "Bearer "+token); w.Body.String() != "user-9" {
		t.Fatalf("expected authenticated, got %q", w.Body.String())
	}
	if w := do("/open", ""); w.Body.String() != "anonymous" {
		t.Fatalf("expected anonymous, got %q", w.Body.String())
	}
	if w := do("/open", "Bearer nope"); w.Code != http.StatusOK || w.Body.String() != "anonymous" {
		t.Fatalf("invalid token should fall back to anonymous, got %d %q", w.Code, w.Body.String())
	}
	if got := testutil.ToFloat64(m.AuthFailures.WithLabelValues(MethodToken)); got != 1 {
		t.Fatalf("expected 1 auth failure, got %v", got)
	}
	if len(rec.OfType(models.AuditAuth)) != 1 {
		t.Fatalf("expected auth audit event")
	}

	if w := do("/closed", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if w := do("/closed", "bearer "+token); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
}

func TestClientInfo(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "10.0.0.9:5555"
	c.Request.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	c.Request.Header.Set("User-Agent", "Mozilla/5.0")
	c.Request.Header.Set(FingerprintHeader, "fp-1")

	ip, ua, fp := ClientInfo(c)
	if ip != "203.0.113.7" || ua != "Mozilla/5.0" || fp != "fp-1" {
		t.Fatalf("unexpected client info %q %q %q", ip, ua, fp)
	}
}
