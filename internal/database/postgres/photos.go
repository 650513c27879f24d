package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
)

// PhotoRepository is the record store for photos.
type PhotoRepository struct {
	pool *Pool
}

// NewPhotoRepository creates a new PostgreSQL photo repository.
func NewPhotoRepository(pool *Pool) *PhotoRepository {
	return &PhotoRepository{pool: pool}
}

// GetPhoto retrieves a photo by id.
func (r *PhotoRepository) GetPhoto(ctx context.Context, photoID string) (*database.Photo, error) {
	var (
		p                 database.Photo
		detected, matched []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT photo_id, storage_ref, detected_faces, matched_users, created_at, updated_at
		FROM photos
		WHERE photo_id = $1
	`, photoID).Scan(&p.PhotoID, &p.StorageRef, &detected, &matched, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get photo: %w", err)
	}

	if err := json.Unmarshal(detected, &p.DetectedFaces); err != nil {
		return nil, fmt.Errorf("decode detected faces of %s: %w", photoID, err)
	}
	if err := json.Unmarshal(matched, &p.MatchedUsers); err != nil {
		return nil, fmt.Errorf("decode matched users of %s: %w", photoID, err)
	}
	return &p, nil
}

// ListPhotoIDs returns photo ids ordered by upload time.
func (r *PhotoRepository) ListPhotoIDs(ctx context.Context, limit, offset int) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT photo_id FROM photos ORDER BY created_at, photo_id LIMIT $1 OFFSET $2", limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query photo ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan photo id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate photo ids: %w", err)
	}
	return ids, nil
}

// CreatePhoto inserts a photo with empty scan results.
func (r *PhotoRepository) CreatePhoto(ctx context.Context, photo *database.Photo) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO photos (photo_id, storage_ref)
		VALUES ($1, $2)
		ON CONFLICT (photo_id) DO NOTHING
		RETURNING created_at, updated_at
	`, photo.PhotoID, photo.StorageRef).Scan(&photo.CreatedAt, &photo.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("photo %s: %w", photo.PhotoID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("insert photo: %w", err)
	}
	photo.DetectedFaces = []database.FaceSummary{}
	photo.MatchedUsers = []database.MatchedUser{}
	return nil
}

// DeletePhoto removes a photo record.
func (r *PhotoRepository) DeletePhoto(ctx context.Context, photoID string) error {
	res, err := r.pool.Exec(ctx, "DELETE FROM photos WHERE photo_id = $1", photoID)
	if err != nil {
		return fmt.Errorf("delete photo: %w", err)
	}
	return expectOneRow(res, photoID)
}

// SaveDetectedFaceSummaries replaces the detected faces summary of a photo.
func (r *PhotoRepository) SaveDetectedFaceSummaries(ctx context.Context, photoID string, faces []database.FaceSummary) error {
	if faces == nil {
		faces = []database.FaceSummary{}
	}
	data, err := json.Marshal(faces)
	if err != nil {
		return fmt.Errorf("encode detected faces: %w", err)
	}
	res, err := r.pool.Exec(ctx,
		"UPDATE photos SET detected_faces = $2::jsonb, updated_at = NOW() WHERE photo_id = $1", photoID, string(data))
	if err != nil {
		return fmt.Errorf("save detected faces: %w", err)
	}
	return expectOneRow(res, photoID)
}

// AppendMatchedUser appends through the append_matched_user procedure.
// appended is false when the user was already present.
func (r *PhotoRepository) AppendMatchedUser(ctx context.Context, photoID string, user database.MatchedUser) (bool, error) {
	entry, err := json.Marshal(user)
	if err != nil {
		return false, fmt.Errorf("encode matched user: %w", err)
	}
	var appended bool
	if err := r.pool.QueryRow(ctx, "SELECT append_matched_user($1, $2::jsonb)", photoID, string(entry)).Scan(&appended); err != nil {
		return false, fmt.Errorf("append matched user: %w", err)
	}
	return appended, nil
}

// UpdateMatchedUsers rewrites matched users and bumps updated_at.
func (r *PhotoRepository) UpdateMatchedUsers(ctx context.Context, photoID string, users []database.MatchedUser) error {
	data, err := encodeMatchedUsers(users)
	if err != nil {
		return err
	}
	res, err := r.pool.Exec(ctx,
		"UPDATE photos SET matched_users = $2::jsonb, updated_at = NOW() WHERE photo_id = $1", photoID, data)
	if err != nil {
		return fmt.Errorf("update matched users: %w", err)
	}
	return expectOneRow(res, photoID)
}

// UpdateMatchedUsersMinimal rewrites matched users without touching other columns.
func (r *PhotoRepository) UpdateMatchedUsersMinimal(ctx context.Context, photoID string, users []database.MatchedUser) error {
	data, err := encodeMatchedUsers(users)
	if err != nil {
		return err
	}
	res, err := r.pool.Exec(ctx, "UPDATE photos SET matched_users = $2::jsonb WHERE photo_id = $1", photoID, data)
	if err != nil {
		return fmt.Errorf("update matched users (minimal): %w", err)
	}
	return expectOneRow(res, photoID)
}

// WriteMatchedUsersString writes a pre-serialized JSON array as text cast to jsonb.
func (r *PhotoRepository) WriteMatchedUsersString(ctx context.Context, photoID string, payload string) error {
	res, err := r.pool.Exec(ctx,
		"UPDATE photos SET matched_users = $2::text::jsonb, updated_at = NOW() WHERE photo_id = $1", photoID, payload)
	if err != nil {
		return fmt.Errorf("write matched users string: %w", err)
	}
	return expectOneRow(res, photoID)
}

// ResetMatchedUsers sets matched users to an empty array.
func (r *PhotoRepository) ResetMatchedUsers(ctx context.Context, photoID string) error {
	res, err := r.pool.Exec(ctx,
		"UPDATE photos SET matched_users = '[]'::jsonb, updated_at = NOW() WHERE photo_id = $1", photoID)
	if err != nil {
		return fmt.Errorf("reset matched users: %w", err)
	}
	return expectOneRow(res, photoID)
}

// encodeMatchedUsers returns the JSON text; lib/pq would send []byte as bytea.
func encodeMatchedUsers(users []database.MatchedUser) (string, error) {
	if users == nil {
		users = []database.MatchedUser{}
	}
	data, err := json.Marshal(users)
	if err != nil {
		return "", fmt.Errorf("encode matched users: %w", err)
	}
	return string(data), nil
}

func expectOneRow(res sql.Result, photoID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	return nil
}
