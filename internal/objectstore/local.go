package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// MediaRoute is the path prefix LocalStore URLs are served under.
const MediaRoute = "/media/"

// ErrBadSignature is returned for tampered or expired local URLs.
var ErrBadSignature = errors.New("invalid or expired media signature")

// LocalStore keeps objects under a base directory and signs URLs with HMAC.
type LocalStore struct {
	baseDir string
	baseURL string
	key     []byte
	now     func() time.Time
}

// NewLocalStore creates baseDir if needed. An empty signingKey gets a random
// per-process key, which invalidates URLs across restarts.
func NewLocalStore(baseDir, baseURL, signingKey string) (*LocalStore, error) {
	if baseDir == "" {
		baseDir = "./data/media"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	key := []byte(signingKey)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	return &LocalStore{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		now:     time.Now,
	}, nil
}

func (l *LocalStore) path(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || clean == "/" || strings.Contains(key, "..") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	return filepath.Join(l.baseDir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}

func (l *LocalStore) Put(_ context.Context, key string, data []byte, _ string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("commit object %s: %w", key, err)
	}
	return nil
}

func (l *LocalStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	// prune empty directories
	_ = os.Remove(filepath.Dir(p))
	return nil
}

func (l *LocalStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := l.path(key); err != nil {
		return "", err
	}
	exp := strconv.FormatInt(l.now().Add(ttl).Unix(), 10)
	q := url.Values{}
	q.Set("exp", exp)
	q.Set("sig", l.sign(key, exp))
	return l.baseURL + MediaRoute + key + "?" + q.Encode(), nil
}

// Verify checks a signature produced by SignedURL.
func (l *LocalStore) Verify(key, exp, sig string) error {
	expUnix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil || l.now().Unix() > expUnix {
		return ErrBadSignature
	}
	want := l.sign(key, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

func (l *LocalStore) sign(key, exp string) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(key + "|" + exp))
	return hex.EncodeToString(mac.Sum(nil))
}
