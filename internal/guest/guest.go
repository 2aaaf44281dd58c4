// Package guest enforces the anonymous trial quota.
//
// A guest is identified by a hash of the client signal so the same device maps
// to the same record without storing the raw IP or user agent. The message
// count is only ever changed by a store's atomic conditional increment.
package guest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"medibot/internal/audit"
	"medibot/internal/metrics"
	"medibot/internal/models"
)

const (
	DefaultLimit  = 3
	DefaultWindow = 24 * time.Hour
	// MaxLoggedText bounds the query text kept in the message log.
	MaxLoggedText = 100
)

var (
	// ErrLimitReached is returned by Charge when the increment was refused.
	ErrLimitReached = errors.New("guest trial limit reached")
	// ErrNotFound is returned by stores for unknown or expired guests.
	ErrNotFound = errors.New("guest session not found")
)

// Store persists guest sessions.
type Store interface {
	// Get returns the live session or ErrNotFound.
	Get(ctx context.Context, guestID string, now time.Time) (*models.GuestSession, error)
	// Increment atomically adds one message if the count is below limit,
	// creating or renewing the session as needed. It returns the new count and
	// false when the limit had already been reached.
	Increment(ctx context.Context, guestID, text string, limit int, window time.Duration, now time.Time) (int, bool, error)
	// Reset deletes the session.
	Reset(ctx context.Context, guestID string) error
}

// ID derives the stable guest identifier from the client signal.
func ID(ip, userAgent, fingerprint string) string {
	sum := sha256.Sum256([]byte(ip + "|" + userAgent + "|" + fingerprint))
	return hex.EncodeToString(sum[:])
}

// Tracker applies the quota policy on top of a Store.
type Tracker struct {
	store   Store
	limit   int
	window  time.Duration
	metrics *metrics.Pipeline
	audit   audit.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func NewTracker(store Store, limit int, window time.Duration, m *metrics.Pipeline, rec audit.Recorder, logger *slog.Logger) *Tracker {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if rec == nil {
		rec = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:   store,
		limit:   limit,
		window:  window,
		metrics: m,
		audit:   rec,
		logger:  logger.With("component", "guest"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (t *Tracker) Limit() int { return t.limit }

// Check is a pure read. Store failures fail open.
func (t *Tracker) Check(ctx context.Context, guestID string) models.GuestStatus {
	sess, err := t.store.Get(ctx, guestID, t.now())
	switch {
	case errors.Is(err, ErrNotFound):
		return t.status(0)
	case err != nil:
		t.storeFailure(guestID, "check", err)
		return models.GuestStatus{Allowed: true, Remaining: t.limit, Limit: t.limit}
	}
	return t.status(sess.MessageCount)
}

// Charge consumes one message. It returns ErrLimitReached when a concurrent
// request took the last slot first; store failures fail open.
func (t *Tracker) Charge(ctx context.Context, guestID, query string) (models.GuestStatus, error) {
	count, ok, err := t.store.Increment(ctx, guestID, truncate(query, MaxLoggedText), t.limit, t.window, t.now())
	if err != nil {
		t.storeFailure(guestID, "charge", err)
		return models.GuestStatus{Allowed: true, Remaining: t.limit, Limit: t.limit}, nil
	}
	if !ok {
		t.LimitHit(guestID)
		return t.status(count), ErrLimitReached
	}
	t.audit.Record(models.AuditEvent{
		Type:     models.AuditGuest,
		Action:   "message_charged",
		ActorID:  guestID,
		Severity: models.SeverityInfo,
	})
	st := t.status(count)
	// the charged message itself was allowed
	st.Allowed = true
	return st, nil
}

// LimitHit records a rejected guest request.
func (t *Tracker) LimitHit(guestID string) {
	t.metrics.GuestLimitHit()
	t.audit.Record(models.AuditEvent{
		Type:     models.AuditRateLimit,
		Action:   "guest_limit_reached",
		ActorID:  guestID,
		Severity: models.SeverityWarning,
	})
}

// Reset clears a guest's usage.
func (t *Tracker) Reset(ctx context.Context, guestID, actor string) error {
	if err := t.store.Reset(ctx, guestID); err != nil {
		return err
	}
	t.audit.Record(models.AuditEvent{
		Type:       models.AuditAdmin,
		Action:     "guest_reset",
		ActorID:    actor,
		ResourceID: guestID,
		Severity:   models.SeverityInfo,
	})
	return nil
}

func (t *Tracker) status(count int) models.GuestStatus {
	remaining := t.limit - count
	if remaining < 0 {
		remaining = 0
	}
	return models.GuestStatus{
		Allowed:      count < t.limit,
		Remaining:    remaining,
		MessageCount: count,
		Limit:        t.limit,
	}
}

func (t *Tracker) storeFailure(guestID, op string, err error) {
	t.metrics.QuotaStoreError()
	t.logger.Warn("guest store unavailable, allowing request",
		"op", op,
		"guest", shortID(guestID),
		"error", err,
	)
	t.audit.Record(models.AuditEvent{
		Type:     models.AuditGuest,
		Action:   "store_error",
		ActorID:  guestID,
		Severity: models.SeverityWarning,
		Details:  map[string]string{"op": op, "error": err.Error()},
	})
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
