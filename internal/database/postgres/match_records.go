package postgres

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
)

// MatchRecordRepository stores the dashboard-facing match rows.
type MatchRecordRepository struct {
	pool *Pool
}

// NewMatchRecordRepository creates a new PostgreSQL match record repository.
func NewMatchRecordRepository(pool *Pool) *MatchRecordRepository {
	return &MatchRecordRepository{pool: pool}
}

// UpsertMatchRecord inserts or updates the row for (user, photo).
func (r *MatchRecordRepository) UpsertMatchRecord(ctx context.Context, record database.MatchRecord) error {
	_, err := r.pool.X().NamedExecContext(ctx, `
		INSERT INTO match_records (user_id, photo_id, confidence, match_type, matched_at)
		VALUES (:user_id, :photo_id, :confidence, :match_type, :matched_at)
		ON CONFLICT (user_id, photo_id) DO UPDATE
		SET confidence = EXCLUDED.confidence,
		    match_type = EXCLUDED.match_type,
		    matched_at = EXCLUDED.matched_at
	`, record)
	if err != nil {
		return fmt.Errorf("upsert match record: %w", err)
	}
	return nil
}

// ListMatchRecordsByUser returns a user's matches, newest first.
func (r *MatchRecordRepository) ListMatchRecordsByUser(ctx context.Context, userID string, limit int) ([]database.MatchRecord, error) {
	var records []database.MatchRecord
	err := r.pool.X().SelectContext(ctx, &records, `
		SELECT user_id, photo_id, confidence, match_type, matched_at
		FROM match_records
		WHERE user_id = $1
		ORDER BY matched_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list match records: %w", err)
	}
	return records, nil
}
