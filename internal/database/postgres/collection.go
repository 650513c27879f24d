package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

// CollectionRepository stores the face collection in PostgreSQL (pgvector)
// with an optional in-memory HNSW index per face kind.
type CollectionRepository struct {
	pool *Pool

	hnswMu        sync.RWMutex
	hnswIndexes   map[database.FaceKind]*database.HNSWIndex
	hnswIndexPath string
}

// NewCollectionRepository creates a new PostgreSQL collection repository.
func NewCollectionRepository(pool *Pool) *CollectionRepository {
	return &CollectionRepository{pool: pool}
}

const collectionColumns = "id, face_id, kind, owner_ref, embedding, bbox, det_score, created_at"

func scanCollectionFace(row interface{ Scan(...any) error }, extraDest ...any) (database.CollectionFace, error) {
	var (
		f    database.CollectionFace
		kind string
		vec  pgvector.Vector
		bbox pq.Float64Array
	)
	dest := append([]any{&f.ID, &f.FaceID, &kind, &f.OwnerRef, &vec, &bbox, &f.DetScore, &f.CreatedAt}, extraDest...)
	if err := row.Scan(dest...); err != nil {
		return f, err
	}
	f.Kind = database.FaceKind(kind)
	f.Embedding = vec.Slice()
	f.BBox = bbox
	return f, nil
}

// GetCollectionFace retrieves a face by its public id.
func (r *CollectionRepository) GetCollectionFace(ctx context.Context, faceID string) (*database.CollectionFace, error) {
	f, err := scanCollectionFace(r.pool.QueryRow(ctx,
		"SELECT "+collectionColumns+" FROM collection_faces WHERE face_id = $1", faceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get collection face: %w", err)
	}
	return &f, nil
}

// CountCollectionFaces returns the number of faces of a kind.
func (r *CollectionRepository) CountCollectionFaces(ctx context.Context, kind database.FaceKind) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM collection_faces WHERE kind = $1", string(kind)).Scan(&count); err != nil {
		return 0, fmt.Errorf("count collection faces: %w", err)
	}
	return count, nil
}

// AddCollectionFaces inserts faces in one transaction and assigns their ids.
func (r *CollectionRepository) AddCollectionFaces(ctx context.Context, faces []database.CollectionFace) error {
	if len(faces) == 0 {
		return nil
	}
	tx, err := r.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for i := range faces {
		f := &faces[i]
		err := tx.QueryRowContext(ctx, `
			INSERT INTO collection_faces (face_id, kind, owner_ref, embedding, bbox, det_score)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at
		`, f.FaceID, string(f.Kind), f.OwnerRef, pgvector.NewVector(f.Embedding), pq.Array(f.BBox), f.DetScore,
		).Scan(&f.ID, &f.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert collection face %s: %w", f.FaceID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit collection faces: %w", err)
	}

	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	for _, f := range faces {
		if idx := r.hnswIndexes[f.Kind]; idx != nil {
			idx.Add(f)
		}
	}
	return nil
}

// FindSimilarWithDistance finds faces of a kind within maxDistance, nearest first.
func (r *CollectionRepository) FindSimilarWithDistance(
	ctx context.Context, kind database.FaceKind, embedding []float32, limit int, maxDistance float64,
) ([]database.CollectionFace, []float64, error) {
	r.hnswMu.RLock()
	idx := r.hnswIndexes[kind]
	r.hnswMu.RUnlock()

	if idx != nil {
		// Other processes write to the collection without touching this index.
		count, err := r.CountCollectionFaces(ctx, kind)
		if err != nil {
			return nil, nil, err
		}
		if count != idx.Count() {
			idx, err = r.refreshIndex(ctx, kind, count)
			if err != nil {
				r.pool.logger.Warn("failed to refresh face index, searching in PostgreSQL",
					zap.String("kind", string(kind)), zap.Error(err))
				idx = nil
			}
		}
	}

	if idx != nil && !idx.IsEmpty() {
		faces, distances, err := idx.Search(embedding, limit, maxDistance)
		if err != nil {
			return nil, nil, fmt.Errorf("HNSW search: %w", err)
		}
		return faces, distances, nil
	}

	return r.findSimilarPostgres(ctx, kind, embedding, limit, maxDistance)
}

// findSimilarPostgres uses PostgreSQL for similarity search with ef_search optimization.
func (r *CollectionRepository) findSimilarPostgres(
	ctx context.Context, kind database.FaceKind, embedding []float32, limit int, maxDistance float64,
) ([]database.CollectionFace, []float64, error) {
	tx, err := r.pool.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL hnsw.ef_search = %d", database.HNSWEfSearch)); err != nil {
		return nil, nil, fmt.Errorf("set ef_search: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+collectionColumns+`, embedding <=> $1::vector AS distance
		FROM collection_faces
		WHERE kind = $2 AND embedding <=> $1::vector <= $3
		ORDER BY distance
		LIMIT $4
	`, pgvector.NewVector(embedding), string(kind), maxDistance, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("query similar faces: %w", err)
	}
	defer rows.Close()

	var (
		faces     []database.CollectionFace
		distances []float64
	)
	for rows.Next() {
		var dist float64
		face, err := scanCollectionFace(rows, &dist)
		if err != nil {
			return nil, nil, fmt.Errorf("scan similar face: %w", err)
		}
		faces = append(faces, face)
		distances = append(distances, dist)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate similar faces: %w", err)
	}
	return faces, distances, nil
}

// refreshIndex rebuilds the index of a kind from the database unless a
// concurrent search already brought it up to count.
func (r *CollectionRepository) refreshIndex(ctx context.Context, kind database.FaceKind, count int) (*database.HNSWIndex, error) {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()

	if idx := r.hnswIndexes[kind]; idx != nil && idx.Count() == count {
		return idx, nil
	}
	faces, err := r.getAllFaces(ctx, kind)
	if err != nil {
		return nil, err
	}
	idx := database.NewHNSWIndex()
	idx.BuildFromFaces(faces)
	r.hnswIndexes[kind] = idx
	r.pool.logger.Info("face index was stale, rebuilt",
		zap.String("kind", string(kind)), zap.Int("stored", count), zap.Int("indexed", idx.Count()))
	return idx, nil
}

func (r *CollectionRepository) getAllFaces(ctx context.Context, kind database.FaceKind) ([]database.CollectionFace, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+collectionColumns+" FROM collection_faces WHERE kind = $1 ORDER BY id", string(kind))
	if err != nil {
		return nil, fmt.Errorf("query collection faces: %w", err)
	}
	defer rows.Close()

	var faces []database.CollectionFace
	for rows.Next() {
		f, err := scanCollectionFace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan collection face: %w", err)
		}
		faces = append(faces, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate collection faces: %w", err)
	}
	return faces, nil
}

func (r *CollectionRepository) indexFile(kind database.FaceKind) string {
	if r.hnswIndexPath == "" {
		return ""
	}
	return filepath.Join(r.hnswIndexPath, string(kind)+".hnsw")
}

// tryLoadIndex loads a persisted index when its metadata matches the database.
func (r *CollectionRepository) tryLoadIndex(path string, count, maxID int64, logger *zap.Logger) *database.HNSWIndex {
	meta, err := database.LoadHNSWMetadata(path)
	if err != nil {
		return nil
	}
	if meta.FaceCount != count || meta.MaxFaceID != maxID {
		logger.Info("persisted face index is stale, rebuilding",
			zap.String("path", path), zap.Int64("indexed", meta.FaceCount), zap.Int64("stored", count))
		return nil
	}
	idx := database.NewHNSWIndex()
	if err := idx.Load(path); err != nil {
		logger.Warn("failed to load persisted face index", zap.String("path", path), zap.Error(err))
		return nil
	}
	return idx
}

// EnableHNSW loads or builds the in-memory indexes for both face kinds. If
// indexDir is set, indexes are loaded from and saved to it.
func (r *CollectionRepository) EnableHNSW(ctx context.Context, indexDir string) error {
	r.hnswMu.Lock()
	defer r.hnswMu.Unlock()

	r.hnswIndexPath = indexDir
	indexes := make(map[database.FaceKind]*database.HNSWIndex, 2)

	for _, kind := range []database.FaceKind{database.FaceKindIdentity, database.FaceKindDetected} {
		var count, maxID int64
		err := r.pool.QueryRow(ctx,
			"SELECT COUNT(*), COALESCE(MAX(id), 0) FROM collection_faces WHERE kind = $1", string(kind),
		).Scan(&count, &maxID)
		if err != nil {
			return fmt.Errorf("failed to get collection stats: %w", err)
		}

		path := r.indexFile(kind)
		if path != "" {
			if idx := r.tryLoadIndex(path, count, maxID, r.pool.logger); idx != nil {
				indexes[kind] = idx
				continue
			}
		}

		faces, err := r.getAllFaces(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to load faces: %w", err)
		}
		idx := database.NewHNSWIndex()
		idx.BuildFromFaces(faces)
		indexes[kind] = idx

		if path != "" && len(faces) > 0 {
			meta := database.HNSWIndexMetadata{Kind: kind, FaceCount: count, MaxFaceID: maxID, BuildTime: time.Now()}
			if err := idx.Save(path, meta); err != nil {
				r.pool.logger.Warn("failed to save face index", zap.String("path", path), zap.Error(err))
			}
		}
	}

	r.hnswIndexes = indexes
	return nil
}

// SaveHNSWIndexes persists the in-memory indexes if a directory is configured.
func (r *CollectionRepository) SaveHNSWIndexes(ctx context.Context) error {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()

	if r.hnswIndexPath == "" {
		return nil
	}
	for kind, idx := range r.hnswIndexes {
		var count, maxID int64
		err := r.pool.QueryRow(ctx,
			"SELECT COUNT(*), COALESCE(MAX(id), 0) FROM collection_faces WHERE kind = $1", string(kind),
		).Scan(&count, &maxID)
		if err != nil {
			return fmt.Errorf("failed to get collection stats: %w", err)
		}
		meta := database.HNSWIndexMetadata{Kind: kind, FaceCount: count, MaxFaceID: maxID, BuildTime: time.Now()}
		if err := idx.Save(r.indexFile(kind), meta); err != nil {
			return fmt.Errorf("save %s index: %w", kind, err)
		}
	}
	return nil
}

// HNSWCount returns the number of faces held in memory for a kind.
func (r *CollectionRepository) HNSWCount(kind database.FaceKind) int {
	r.hnswMu.RLock()
	defer r.hnswMu.RUnlock()
	if idx := r.hnswIndexes[kind]; idx != nil {
		return idx.Count()
	}
	return 0
}
