// Package audit records security and usage events without blocking callers.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"medibot/internal/metrics"
	"medibot/internal/models"

	"github.com/google/uuid"
)

const (
	DefaultTTL        = 365 * 24 * time.Hour
	DefaultBufferSize = 256
	maxDetailLen      = 200
	writeTimeout      = 5 * time.Second
)

// Recorder accepts audit events. Implementations must not block.
type Recorder interface {
	Record(event models.AuditEvent)
}

// Sink persists a single event.
type Sink interface {
	Write(ctx context.Context, event models.AuditEvent) error
}

// Logger buffers events on a channel drained by one background writer.
type Logger struct {
	sink    Sink
	ttl     time.Duration
	events  chan models.AuditEvent
	metrics *metrics.Pipeline
	logger  *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewLogger starts the background writer.
func NewLogger(sink Sink, ttl time.Duration, bufferSize int, m *metrics.Pipeline, logger *slog.Logger) *Logger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Logger{
		sink:    sink,
		ttl:     ttl,
		events:  make(chan models.AuditEvent, bufferSize),
		metrics: m,
		logger:  logger.With("component", "audit"),
		done:    make(chan struct{}),
	}
	go l.run()
	return l
}

// Record enqueues event. A full buffer or closed logger drops the event and counts it.
func (l *Logger) Record(event models.AuditEvent) {
	if l == nil {
		return
	}
	now := time.Now().UTC()
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = now
	}
	if event.ExpiresAt.IsZero() {
		event.ExpiresAt = event.CreatedAt.Add(l.ttl)
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}
	event.Details = truncateDetails(event.Details)

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(event, "logger closed")
		return
	}
	select {
	case l.events <- event:
	default:
		l.drop(event, "buffer full")
	}
}

// Close stops intake and waits for buffered events to be written or ctx to end.
func (l *Logger) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.events)
		l.mu.Unlock()
	})
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Logger) run() {
	defer close(l.done)
	for event := range l.events {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := l.sink.Write(ctx, event)
		cancel()
		if err != nil {
			l.drop(event, err.Error())
		}
	}
}

func (l *Logger) drop(event models.AuditEvent, reason string) {
	l.metrics.AuditDrop()
	l.logger.Warn("audit event dropped",
		"reason", reason,
		"event_type", event.Type,
		"action", event.Action,
	)
}

func truncateDetails(details map[string]string) map[string]string {
	if len(details) == 0 {
		return details
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		if utf8.RuneCountInString(v) > maxDetailLen {
			v = string([]rune(v)[:maxDetailLen])
		}
		out[k] = v
	}
	return out
}

// SQLSink writes events to the audit_events table.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) Write(ctx context.Context, event models.AuditEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	if event.Details == nil {
		details = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, event_type, action, actor_id, resource_id, severity, details, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, string(event.Type), event.Action, event.ActorID, event.ResourceID,
		string(event.Severity), string(details), event.CreatedAt, event.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// PurgeExpired removes events past their retention.
func (s *SQLSink) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return res.RowsAffected()
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) Record(models.AuditEvent) {}
