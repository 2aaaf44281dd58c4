package guest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medibot/internal/models"
	"medibot/internal/storage"
)

// SQLStore keeps guest sessions in guest_sessions and guest_messages.
type SQLStore struct {
	db     *sql.DB
	driver string
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver}
}

func (s *SQLStore) Get(ctx context.Context, guestID string, now time.Time) (*models.GuestSession, error) {
	sess := &models.GuestSession{GuestID: guestID}
	err := s.db.QueryRowContext(ctx,
		`SELECT message_count, created_at, expires_at FROM guest_sessions WHERE guest_id = ? AND expires_at > ?`,
		guestID, now,
	).Scan(&sess.MessageCount, &sess.CreatedAt, &sess.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup guest session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT text, created_at FROM guest_messages WHERE guest_id = ? ORDER BY id`, guestID)
	if err != nil {
		return nil, fmt.Errorf("list guest messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m models.GuestMessage
		if err := rows.Scan(&m.Text, &m.At); err != nil {
			return nil, fmt.Errorf("scan guest message: %w", err)
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess, rows.Err()
}

func (s *SQLStore) Increment(ctx context.Context, guestID, text string, limit int, window time.Duration, now time.Time) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin guest increment: %w", err)
	}
	defer tx.Rollback()

	expires := now.Add(window)
	if _, err := tx.ExecContext(ctx,
		storage.InsertIgnore(s.driver)+` guest_sessions (guest_id, message_count, created_at, updated_at, expires_at) VALUES (?, 0, ?, ?, ?)`,
		guestID, now, now, expires,
	); err != nil {
		return 0, false, fmt.Errorf("create guest session: %w", err)
	}

	renewed, err := tx.ExecContext(ctx,
		`UPDATE guest_sessions SET message_count = 0, created_at = ?, updated_at = ?, expires_at = ? WHERE guest_id = ? AND expires_at <= ?`,
		now, now, expires, guestID, now,
	)
	if err != nil {
		return 0, false, fmt.Errorf("renew guest session: %w", err)
	}
	if n, _ := renewed.RowsAffected(); n > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM guest_messages WHERE guest_id = ?`, guestID); err != nil {
			return 0, false, fmt.Errorf("clear guest messages: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE guest_sessions SET message_count = message_count + 1, updated_at = ?, expires_at = ? WHERE guest_id = ? AND message_count < ?`,
		now, expires, guestID, limit,
	)
	if err != nil {
		return 0, false, fmt.Errorf("increment guest session: %w", err)
	}
	applied, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("increment guest session: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT message_count FROM guest_sessions WHERE guest_id = ?`, guestID,
	).Scan(&count); err != nil {
		return 0, false, fmt.Errorf("read guest count: %w", err)
	}

	if applied > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO guest_messages (guest_id, text, created_at) VALUES (?, ?, ?)`,
			guestID, text, now,
		); err != nil {
			return 0, false, fmt.Errorf("append guest message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit guest increment: %w", err)
	}
	return count, applied > 0, nil
}

func (s *SQLStore) Reset(ctx context.Context, guestID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guest_sessions WHERE guest_id = ?`, guestID); err != nil {
		return fmt.Errorf("reset guest session: %w", err)
	}
	return nil
}

// PurgeExpired removes sessions whose window has closed.
func (s *SQLStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM guest_sessions WHERE expires_at <= ?`, now)
	if err != nil {
		return 0, fmt.Errorf("purge guest sessions: %w", err)
	}
	return res.RowsAffected()
}
