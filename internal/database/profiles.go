package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrProfileNotFound is returned when no user exists for the given id
var ErrProfileNotFound = errors.New("user profile not found")

// UserProfile is the subset of a user record attached to message and typing
// events. Name fields are nullable in the platform schema.
type UserProfile struct {
	ID        string  `json:"id"`
	FirstName *string `json:"firstName"`
	LastName  *string `json:"lastName"`
	AvatarID  *string `json:"avatarId,omitempty"`
}

// ProfileStore loads user profiles for event enrichment
type ProfileStore struct {
	pool *pgxpool.Pool
}

// NewProfileStore creates a profile store backed by a pgx pool
func NewProfileStore(pool *pgxpool.Pool) *ProfileStore {
	return &ProfileStore{pool: pool}
}

// FetchUserProfile returns the profile for one subject
func (s *ProfileStore) FetchUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	var profile UserProfile
	err := s.pool.QueryRow(ctx, `
		SELECT id, first_name, last_name, avatar_id
		FROM users
		WHERE id = $1
	`, userID).Scan(&profile.ID, &profile.FirstName, &profile.LastName, &profile.AvatarID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch user profile: %w", err)
	}
	return &profile, nil
}
