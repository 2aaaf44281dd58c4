package objectstore

import (
	"context"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), "http://localhost:8090", "secret")
	require.NoError(t, err)
	return s
}

func TestLocalStoreRoundTrip(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	key := "steps/abc123/step_1_deadbeef.png"

	require.NoError(t, s.Put(ctx, key, []byte("png-bytes"), "image/png"))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), got)

	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, key), ErrNotFound)
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s := newLocal(t)
	for _, key := range []string{"", "../etc/passwd", "steps/../../x", `a\b`} {
		assert.ErrorIs(t, s.Put(context.Background(), key, nil, ""), ErrInvalidKey, key)
	}
}

func TestSignedURLVerification(t *testing.T) {
	s := newLocal(t)
	key := "steps/abc/step_2_x.png"

	raw, err := s.SignedURL(context.Background(), key, time.Hour)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(raw, "http://localhost:8090/media/"+key+"?"))

	u, err := url.Parse(raw)
	require.NoError(t, err)
	exp, sig := u.Query().Get("exp"), u.Query().Get("sig")
	require.NoError(t, s.Verify(key, exp, sig))

	assert.ErrorIs(t, s.Verify("steps/abc/other.png", exp, sig), ErrBadSignature)
	assert.ErrorIs(t, s.Verify(key, exp, strings.Repeat("0", len(sig))), ErrBadSignature)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.ErrorIs(t, s.Verify(key, exp, sig), ErrBadSignature)
}

func TestDeleteAllContinuesPastMissing(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "a/1.png", []byte("1"), "image/png"))
	require.NoError(t, s.Put(ctx, "a/2.png", []byte("2"), "image/png"))

	require.NoError(t, DeleteAll(ctx, s, []string{"a/1.png", "missing.png", "", "a/2.png"}))
	_, err := os.Stat(s.baseDir + "/a")
	assert.True(t, os.IsNotExist(err))
}
