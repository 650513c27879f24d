package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
)

// IdentityRepository provides PostgreSQL-backed identity storage.
type IdentityRepository struct {
	pool *Pool
}

// NewIdentityRepository creates a new PostgreSQL identity repository.
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

func scanIdentity(row interface{ Scan(...any) error }) (*database.Identity, error) {
	var id database.Identity
	if err := row.Scan(&id.UserID, &id.CanonicalFaceID, &id.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan identity: %w", err)
	}
	return &id, nil
}

// GetIdentity retrieves the identity of a user.
func (r *IdentityRepository) GetIdentity(ctx context.Context, userID string) (*database.Identity, error) {
	return scanIdentity(r.pool.QueryRow(ctx,
		"SELECT user_id, canonical_face_id, created_at FROM identities WHERE user_id = $1", userID))
}

// GetIdentityByFaceID resolves a canonical face back to its user.
func (r *IdentityRepository) GetIdentityByFaceID(ctx context.Context, faceID string) (*database.Identity, error) {
	return scanIdentity(r.pool.QueryRow(ctx,
		"SELECT user_id, canonical_face_id, created_at FROM identities WHERE canonical_face_id = $1", faceID))
}

// ListIdentities returns all identities ordered by creation time.
func (r *IdentityRepository) ListIdentities(ctx context.Context) ([]database.Identity, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT user_id, canonical_face_id, created_at FROM identities ORDER BY created_at, user_id")
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var out []database.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// CountIdentities returns the number of registered identities.
func (r *IdentityRepository) CountIdentities(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, fmt.Errorf("count identities: %w", err)
	}
	return count, nil
}

// CreateIdentity inserts the identity. On a concurrent registration for the
// same user the first writer wins and its row is returned.
func (r *IdentityRepository) CreateIdentity(ctx context.Context, identity database.Identity) (*database.Identity, error) {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO identities (user_id, canonical_face_id)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, identity.UserID, identity.CanonicalFaceID)
	if err != nil {
		return nil, fmt.Errorf("insert identity: %w", err)
	}

	stored, err := r.GetIdentity(ctx, identity.UserID)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("identity for %s missing after insert", identity.UserID)
	}
	return stored, nil
}
