package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/lib/pq"
)

// DetectedFaceRepository stores anonymous faces found in photos.
type DetectedFaceRepository struct {
	pool *Pool
}

// NewDetectedFaceRepository creates a new PostgreSQL detected face repository.
func NewDetectedFaceRepository(pool *Pool) *DetectedFaceRepository {
	return &DetectedFaceRepository{pool: pool}
}

const detectedFaceColumns = `face_id, photo_id, bbox_left, bbox_top, bbox_width, bbox_height,
	attributes, claimed_by_user_id, created_at`

func scanDetectedFace(row interface{ Scan(...any) error }) (database.DetectedFace, error) {
	var (
		f         database.DetectedFace
		attrs     []byte
		claimedBy sql.NullString
	)
	err := row.Scan(&f.FaceID, &f.PhotoID,
		&f.BoundingBox.Left, &f.BoundingBox.Top, &f.BoundingBox.Width, &f.BoundingBox.Height,
		&attrs, &claimedBy, &f.CreatedAt)
	if err != nil {
		return f, err
	}
	if len(attrs) > 0 {
		f.Attributes = attrs
	}
	f.ClaimedByUserID = claimedBy.String
	return f, nil
}

func scanDetectedFaces(rows *sql.Rows) ([]database.DetectedFace, error) {
	var faces []database.DetectedFace
	for rows.Next() {
		f, err := scanDetectedFace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan detected face: %w", err)
		}
		faces = append(faces, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detected faces: %w", err)
	}
	return faces, nil
}

// GetDetectedFace retrieves a face by id.
func (r *DetectedFaceRepository) GetDetectedFace(ctx context.Context, faceID string) (*database.DetectedFace, error) {
	f, err := scanDetectedFace(r.pool.QueryRow(ctx,
		"SELECT "+detectedFaceColumns+" FROM detected_faces WHERE face_id = $1", faceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get detected face: %w", err)
	}
	return &f, nil
}

// GetDetectedFaces retrieves the faces with the given ids.
func (r *DetectedFaceRepository) GetDetectedFaces(ctx context.Context, faceIDs []string) ([]database.DetectedFace, error) {
	if len(faceIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+detectedFaceColumns+" FROM detected_faces WHERE face_id = ANY($1)", pq.Array(faceIDs))
	if err != nil {
		return nil, fmt.Errorf("query detected faces: %w", err)
	}
	defer rows.Close()
	return scanDetectedFaces(rows)
}

// ListDetectedFacesByPhoto returns all faces found in a photo.
func (r *DetectedFaceRepository) ListDetectedFacesByPhoto(ctx context.Context, photoID string) ([]database.DetectedFace, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+detectedFaceColumns+" FROM detected_faces WHERE photo_id = $1 ORDER BY created_at, face_id", photoID)
	if err != nil {
		return nil, fmt.Errorf("query detected faces by photo: %w", err)
	}
	defer rows.Close()
	return scanDetectedFaces(rows)
}

// SaveDetectedFaces inserts faces in one transaction.
func (r *DetectedFaceRepository) SaveDetectedFaces(ctx context.Context, faces []database.DetectedFace) error {
	if len(faces) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO detected_faces (face_id, photo_id, bbox_left, bbox_top, bbox_width, bbox_height, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (face_id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare insert detected face: %w", err)
	}
	defer stmt.Close()

	for _, f := range faces {
		var attrs any
		if len(f.Attributes) > 0 {
			attrs = string(f.Attributes)
		}
		b := f.BoundingBox
		if _, err := stmt.ExecContext(ctx, f.FaceID, f.PhotoID, b.Left, b.Top, b.Width, b.Height, attrs); err != nil {
			return fmt.Errorf("insert detected face %s: %w", f.FaceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit detected faces: %w", err)
	}
	return nil
}

// ClaimDetectedFaces marks faces as belonging to userID.
func (r *DetectedFaceRepository) ClaimDetectedFaces(ctx context.Context, faceIDs []string, userID string) error {
	if len(faceIDs) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx,
		"UPDATE detected_faces SET claimed_by_user_id = $1 WHERE face_id = ANY($2)", userID, pq.Array(faceIDs)); err != nil {
		return fmt.Errorf("claim detected faces: %w", err)
	}
	return nil
}
