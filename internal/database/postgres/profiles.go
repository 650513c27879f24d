package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
)

// ProfileRepository reads user display fields.
type ProfileRepository struct {
	pool *Pool
}

// NewProfileRepository creates a new PostgreSQL profile repository.
func NewProfileRepository(pool *Pool) *ProfileRepository {
	return &ProfileRepository{pool: pool}
}

// GetProfile retrieves a profile.
func (r *ProfileRepository) GetProfile(ctx context.Context, userID string) (*database.UserProfile, error) {
	var p database.UserProfile
	err := r.pool.X().GetContext(ctx, &p,
		"SELECT user_id, full_name, email, avatar_url FROM user_profiles WHERE user_id = $1", userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

// UpsertProfile inserts or replaces a profile.
func (r *ProfileRepository) UpsertProfile(ctx context.Context, profile database.UserProfile) error {
	_, err := r.pool.X().NamedExecContext(ctx, `
		INSERT INTO user_profiles (user_id, full_name, email, avatar_url)
		VALUES (:user_id, :full_name, :email, :avatar_url)
		ON CONFLICT (user_id) DO UPDATE
		SET full_name = EXCLUDED.full_name,
		    email = EXCLUDED.email,
		    avatar_url = EXCLUDED.avatar_url
	`, profile)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// LinkedAccountRepository groups accounts that share photo matches.
type LinkedAccountRepository struct {
	pool *Pool
}

// NewLinkedAccountRepository creates a new PostgreSQL linked account repository.
func NewLinkedAccountRepository(pool *Pool) *LinkedAccountRepository {
	return &LinkedAccountRepository{pool: pool}
}

// LinkedUserIDs returns the other members of userID's group.
func (r *LinkedAccountRepository) LinkedUserIDs(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.pool.X().SelectContext(ctx, &ids, `
		SELECT other.user_id
		FROM linked_accounts self
		JOIN linked_accounts other ON other.group_id = self.group_id AND other.user_id <> self.user_id
		WHERE self.user_id = $1
		ORDER BY other.user_id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query linked accounts: %w", err)
	}
	return ids, nil
}

// LinkAccount moves userID into groupID.
func (r *LinkedAccountRepository) LinkAccount(ctx context.Context, groupID, userID string) error {
	_, err := r.pool.X().ExecContext(ctx, `
		INSERT INTO linked_accounts (group_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET group_id = EXCLUDED.group_id
	`, groupID, userID)
	if err != nil {
		return fmt.Errorf("link account: %w", err)
	}
	return nil
}
