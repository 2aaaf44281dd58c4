// Package history persists authenticated chat transcripts. Rows carry object
// keys only; URLs are regenerated on every read.
package history

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"medibot/internal/audit"
	"medibot/internal/metrics"
	"medibot/internal/models"
	"medibot/internal/objectstore"
)

const (
	DefaultTTL   = 90 * 24 * time.Hour
	DefaultLimit = 20
	MaxLimit     = 50
	// SummaryQueryLength bounds the query shown in list views.
	SummaryQueryLength = 100
)

var ErrNotFound = errors.New("chat record not found")

type Options struct {
	TTL          time.Duration
	URLTTL       time.Duration
	DefaultLimit int
	MaxLimit     int
}

type Persister struct {
	db      *sql.DB
	store   objectstore.Store
	opts    Options
	metrics *metrics.Pipeline
	audit   audit.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

func New(db *sql.DB, store objectstore.Store, opts Options, m *metrics.Pipeline, rec audit.Recorder, logger *slog.Logger) *Persister {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.URLTTL <= 0 {
		opts.URLTTL = 7 * 24 * time.Hour
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxLimit
	}
	if rec == nil {
		rec = audit.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Persister{
		db:      db,
		store:   store,
		opts:    opts,
		metrics: m,
		audit:   rec,
		logger:  logger.With("component", "history"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// NewChatID returns an id that sorts by creation time.
func NewChatID(now time.Time) string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return fmt.Sprintf("chat_%d_%s", now.UnixMilli(), hex.EncodeToString(b))
}

// Save writes rec, assigning its id and timestamps when unset.
func (p *Persister) Save(ctx context.Context, rec *models.ChatRecord) error {
	now := p.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.ChatID == "" {
		rec.ChatID = NewChatID(rec.CreatedAt)
	}
	rec.ExpiresAt = rec.CreatedAt.Add(p.opts.TTL)
	rec.StepsCount = len(rec.Steps)

	// urls are projections of keys and are never stored
	stored := make([]models.StepIllustration, len(rec.Steps))
	for i, s := range rec.Steps {
		s.URL = ""
		stored[i] = s
	}
	steps, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	attachments := rec.Attachments
	if attachments == nil {
		attachments = []models.AttachmentMeta{}
	}
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO chat_records (owner_id, chat_id, query, answer, topic, language, steps, steps_count, attachments, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OwnerID, rec.ChatID, rec.Query, rec.Answer, rec.Topic, rec.Language,
		string(steps), rec.StepsCount, string(attJSON), rec.CreatedAt.UTC(), rec.ExpiresAt.UTC(),
	)
	if err != nil {
		p.metrics.HistoryWrite("error")
		return fmt.Errorf("insert chat record: %w", err)
	}
	p.metrics.HistoryWrite("success")
	return nil
}

// Get returns the record with freshly signed URLs. The stored row is not touched.
func (p *Persister) Get(ctx context.Context, ownerID, chatID string) (*models.ChatRecord, error) {
	rec := &models.ChatRecord{OwnerID: ownerID, ChatID: chatID}
	var steps, attachments string
	err := p.db.QueryRowContext(ctx,
		`SELECT query, answer, topic, language, steps, steps_count, attachments, created_at, expires_at
		FROM chat_records WHERE owner_id = ? AND chat_id = ? AND expires_at > ?`,
		ownerID, chatID, p.now(),
	).Scan(&rec.Query, &rec.Answer, &rec.Topic, &rec.Language, &steps, &rec.StepsCount, &attachments, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup chat record: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &rec.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	if err := json.Unmarshal([]byte(attachments), &rec.Attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	if rec.Steps == nil {
		rec.Steps = []models.StepIllustration{}
	}
	p.signURLs(ctx, rec.Steps)
	return rec, nil
}

func (p *Persister) signURLs(ctx context.Context, steps []models.StepIllustration) {
	for i := range steps {
		if steps[i].ObjectKey == "" || steps[i].ImageFailed {
			continue
		}
		url, err := p.store.SignedURL(ctx, steps[i].ObjectKey, p.opts.URLTTL)
		if err != nil {
			p.logger.Warn("sign history image url", "key", steps[i].ObjectKey, "error", err)
			continue
		}
		steps[i].URL = url
	}
}

// List returns summaries newest first. before is an exclusive chat id cursor.
func (p *Persister) List(ctx context.Context, ownerID string, limit int, before string) (*models.ChatPage, error) {
	if limit <= 0 {
		limit = p.opts.DefaultLimit
	}
	if limit > p.opts.MaxLimit {
		limit = p.opts.MaxLimit
	}

	query := `SELECT chat_id, query, topic, language, steps, steps_count, created_at
		FROM chat_records WHERE owner_id = ? AND expires_at > ?`
	args := []any{ownerID, p.now()}
	if before != "" {
		query += ` AND chat_id < ?`
		args = append(args, before)
	}
	query += ` ORDER BY chat_id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list chat records: %w", err)
	}
	defer rows.Close()

	page := &models.ChatPage{Chats: []models.ChatSummary{}}
	for rows.Next() {
		var (
			s     models.ChatSummary
			steps string
		)
		if err := rows.Scan(&s.ChatID, &s.Query, &s.Topic, &s.Language, &steps, &s.StepsCount, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat record: %w", err)
		}
		if utf8.RuneCountInString(s.Query) > SummaryQueryLength {
			s.Query = string([]rune(s.Query)[:SummaryQueryLength]) + "..."
		}
		var decoded []models.StepIllustration
		if err := json.Unmarshal([]byte(steps), &decoded); err == nil {
			s.HasImages = len(keysOf(decoded)) > 0
		}
		page.Chats = append(page.Chats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(page.Chats) > limit {
		page.Chats = page.Chats[:limit]
		page.HasMore = true
	}
	return page, nil
}

// Delete removes the record's images, then the record.
func (p *Persister) Delete(ctx context.Context, ownerID, chatID string) error {
	var steps string
	err := p.db.QueryRowContext(ctx,
		`SELECT steps FROM chat_records WHERE owner_id = ? AND chat_id = ?`, ownerID, chatID,
	).Scan(&steps)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lookup chat record: %w", err)
	}
	p.deleteObjects(ctx, steps)

	if _, err := p.db.ExecContext(ctx,
		`DELETE FROM chat_records WHERE owner_id = ? AND chat_id = ?`, ownerID, chatID); err != nil {
		return fmt.Errorf("delete chat record: %w", err)
	}
	p.audit.Record(models.AuditEvent{
		Type:       models.AuditHistory,
		Action:     "chat_deleted",
		ActorID:    ownerID,
		ResourceID: chatID,
		Severity:   models.SeverityInfo,
	})
	return nil
}

// DeleteAll removes every record of ownerID and returns how many were deleted.
func (p *Persister) DeleteAll(ctx context.Context, ownerID string) (int, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT chat_id, steps FROM chat_records WHERE owner_id = ?`, ownerID)
	if err != nil {
		return 0, fmt.Errorf("list chat records: %w", err)
	}
	var ids, stepsJSON []string
	for rows.Next() {
		var id, steps string
		if err := rows.Scan(&id, &steps); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan chat record: %w", err)
		}
		ids = append(ids, id)
		stepsJSON = append(stepsJSON, steps)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	for _, steps := range stepsJSON {
		p.deleteObjects(ctx, steps)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, ownerID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM chat_records WHERE owner_id = ? AND chat_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("delete chat records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	p.audit.Record(models.AuditEvent{
		Type:     models.AuditHistory,
		Action:   "history_cleared",
		ActorID:  ownerID,
		Severity: models.SeverityInfo,
		Details:  map[string]string{"count": fmt.Sprint(n)},
	})
	return int(n), nil
}

// PurgeExpired removes records past their retention along with their images.
func (p *Persister) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT steps FROM chat_records WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("list expired chat records: %w", err)
	}
	var expired []string
	for rows.Next() {
		var steps string
		if err := rows.Scan(&steps); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan chat record: %w", err)
		}
		expired = append(expired, steps)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	for _, steps := range expired {
		p.deleteObjects(ctx, steps)
	}

	res, err := p.db.ExecContext(ctx, `DELETE FROM chat_records WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge chat records: %w", err)
	}
	return res.RowsAffected()
}

func (p *Persister) deleteObjects(ctx context.Context, stepsJSON string) {
	var steps []models.StepIllustration
	if err := json.Unmarshal([]byte(stepsJSON), &steps); err != nil {
		p.logger.Warn("decode steps for deletion", "error", err)
		return
	}
	if err := objectstore.DeleteAll(ctx, p.store, keysOf(steps)); err != nil {
		p.logger.Warn("delete step images", "error", err)
	}
}

func keysOf(steps []models.StepIllustration) []string {
	var keys []string
	for _, s := range steps {
		if r, ok := s.Outcome().(models.Rendered); ok {
			keys = append(keys, r.Key)
		}
	}
	return keys
}
