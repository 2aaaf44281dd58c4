package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"medibot/internal/models"
	"medibot/internal/storage"
)

// Store keeps one JSON document per owner in health_profiles.
type Store struct {
	db     *sql.DB
	driver string
}

func NewStore(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Get returns ErrNoProfile when the owner never saved anything.
func (s *Store) Get(ctx context.Context, ownerID string) (*models.HealthProfile, error) {
	var (
		raw                  string
		createdAt, updatedAt time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT profile, created_at, updated_at FROM health_profiles WHERE owner_id = ?`, ownerID,
	).Scan(&raw, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoProfile
		}
		return nil, fmt.Errorf("load health profile: %w", err)
	}
	return decode(raw, createdAt, updatedAt)
}

// Update applies fn to the owner's profile inside a transaction, creating an
// empty one first if needed. Nothing is written when fn reports no change.
func (s *Store) Update(ctx context.Context, ownerID string, now time.Time, fn func(*models.HealthProfile) bool) (*models.HealthProfile, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin profile update: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		storage.InsertIgnore(s.driver)+` health_profiles (owner_id, profile, created_at, updated_at) VALUES (?, '{}', ?, ?)`,
		ownerID, now, now,
	); err != nil {
		return nil, fmt.Errorf("create health profile: %w", err)
	}

	var (
		raw                  string
		createdAt, updatedAt time.Time
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT profile, created_at, updated_at FROM health_profiles WHERE owner_id = ?`+storage.ForUpdate(s.driver), ownerID,
	).Scan(&raw, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("lock health profile: %w", err)
	}
	p, err := decode(raw, createdAt, updatedAt)
	if err != nil {
		return nil, err
	}
	if !fn(p) {
		return p, nil
	}

	p.UpdatedAt = now
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode health profile: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE health_profiles SET profile = ?, updated_at = ? WHERE owner_id = ?`,
		string(payload), now, ownerID,
	); err != nil {
		return nil, fmt.Errorf("save health profile: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit health profile: %w", err)
	}
	return p, nil
}

// Delete reports whether a profile existed.
func (s *Store) Delete(ctx context.Context, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM health_profiles WHERE owner_id = ?`, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete health profile: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func decode(raw string, createdAt, updatedAt time.Time) (*models.HealthProfile, error) {
	p := &models.HealthProfile{}
	if err := json.Unmarshal([]byte(raw), p); err != nil {
		return nil, fmt.Errorf("decode health profile: %w", err)
	}
	p.CreatedAt, p.UpdatedAt = createdAt, updatedAt
	return p, nil
}
