package recognition

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/fingerprint"
	"go.uber.org/zap"
)

// Embedder computes face embeddings for an image.
type Embedder interface {
	ComputeFaceEmbeddings(ctx context.Context, image []byte) (*fingerprint.FaceResponse, error)
}

// Collection implements Service on top of the embedding server and the
// face collection table. Identity faces and anonymous photo faces live in
// the same table, separated by kind.
type Collection struct {
	embedder Embedder
	store    database.CollectionStore
	logger   *zap.Logger
}

// NewCollection creates a collection-backed recognition service.
func NewCollection(embedder Embedder, store database.CollectionStore, logger *zap.Logger) *Collection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collection{embedder: embedder, store: store, logger: logger}
}

// Detect finds all faces in the image.
func (c *Collection) Detect(ctx context.Context, image []byte) ([]Face, error) {
	info, err := fingerprint.InspectImage(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
	}

	resp, err := c.embedder.ComputeFaceEmbeddings(ctx, image)
	if err != nil {
		var se *fingerprint.StatusError
		if errors.As(err, &se) && isRejectedImage(se.Code) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedImage, err)
		}
		return nil, fmt.Errorf("compute face embeddings: %w", err)
	}

	width, height := info.Width, info.Height
	if resp.Width > 0 && resp.Height > 0 {
		width, height = resp.Width, resp.Height
	}

	faces := make([]Face, 0, len(resp.Faces))
	for i, f := range resp.Faces {
		faces = append(faces, Face{
			Index:       i,
			BoundingBox: toBoundingBox(f.BBox, width, height),
			Confidence:  f.DetScore * database.MaxSimilarity,
			Embedding:   f.Embedding,
		})
	}
	return faces, nil
}

func isRejectedImage(code int) bool {
	return code == http.StatusBadRequest ||
		code == http.StatusUnsupportedMediaType ||
		code == http.StatusUnprocessableEntity
}

// toBoundingBox converts [x1, y1, x2, y2] pixels to ratios.
func toBoundingBox(bbox []float64, width, height int) database.BoundingBox {
	if len(bbox) != 4 || width <= 0 || height <= 0 {
		return database.BoundingBox{}
	}
	w, h := float64(width), float64(height)
	return database.BoundingBox{
		Left:   clampRatio(bbox[0] / w),
		Top:    clampRatio(bbox[1] / h),
		Width:  clampRatio((bbox[2] - bbox[0]) / w),
		Height: clampRatio((bbox[3] - bbox[1]) / h),
	}
}

func clampRatio(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Index stores the faces of the image in the collection. maxFaces <= 0
// stores every face; otherwise the most confident ones are kept.
func (c *Collection) Index(ctx context.Context, image []byte, ownerRef string, kind database.FaceKind, maxFaces int) ([]IndexedFace, error) {
	faces, err := c.Detect(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceDetected
	}
	if kind == database.FaceKindIdentity && len(faces) > 1 {
		return nil, fmt.Errorf("%w: found %d", ErrMultipleFacesDetected, len(faces))
	}

	sort.SliceStable(faces, func(i, j int) bool { return faces[i].Confidence > faces[j].Confidence })
	if maxFaces > 0 && len(faces) > maxFaces {
		faces = faces[:maxFaces]
	}

	rows := make([]database.CollectionFace, len(faces))
	for i, f := range faces {
		b := f.BoundingBox
		rows[i] = database.CollectionFace{
			FaceID:    uuid.NewString(),
			Kind:      kind,
			OwnerRef:  ownerRef,
			Embedding: f.Embedding,
			BBox:      []float64{b.Left, b.Top, b.Left + b.Width, b.Top + b.Height},
			DetScore:  f.Confidence / database.MaxSimilarity,
		}
	}
	if err := c.store.AddCollectionFaces(ctx, rows); err != nil {
		return nil, fmt.Errorf("store faces: %w", err)
	}

	indexed := make([]IndexedFace, len(rows))
	for i, row := range rows {
		indexed[i] = IndexedFace{FaceID: row.FaceID, BoundingBox: faces[i].BoundingBox, Confidence: faces[i].Confidence}
	}
	c.logger.Debug("indexed faces",
		zap.String("owner", ownerRef), zap.String("kind", string(kind)), zap.Int("count", len(indexed)))
	return indexed, nil
}

// SearchByFaceID finds anonymous photo faces similar to a stored face.
func (c *Collection) SearchByFaceID(ctx context.Context, faceID string, threshold float64, limit int) ([]Match, error) {
	face, err := c.store.GetCollectionFace(ctx, faceID)
	if err != nil {
		return nil, fmt.Errorf("get face: %w", err)
	}
	if face == nil {
		return nil, fmt.Errorf("%w: %s", ErrFaceNotFound, faceID)
	}

	// One extra in case the query face is itself a detected face.
	hits, dists, err := c.store.FindSimilarWithDistance(ctx, database.FaceKindDetected, face.Embedding, limit+1,
		database.MaxDistanceForThreshold(threshold))
	if err != nil {
		return nil, fmt.Errorf("search faces: %w", err)
	}

	matches := make([]Match, 0, len(hits))
	for i, h := range hits {
		if h.FaceID == faceID {
			continue
		}
		matches = append(matches, Match{
			FaceID:     h.FaceID,
			OwnerRef:   h.OwnerRef,
			Similarity: database.SimilarityFromDistance(dists[i]),
		})
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// SearchByImage finds identity faces similar to any face in the image. An
// identity hit by several faces is reported once with its best similarity.
func (c *Collection) SearchByImage(ctx context.Context, image []byte, threshold float64, limit int) ([]Match, error) {
	faces, err := c.Detect(ctx, image)
	if err != nil {
		return nil, err
	}

	maxDistance := database.MaxDistanceForThreshold(threshold)
	best := make(map[string]Match)
	for _, f := range faces {
		hits, dists, err := c.store.FindSimilarWithDistance(ctx, database.FaceKindIdentity, f.Embedding, limit, maxDistance)
		if err != nil {
			return nil, fmt.Errorf("search faces: %w", err)
		}
		for i, h := range hits {
			sim := database.SimilarityFromDistance(dists[i])
			if prev, ok := best[h.FaceID]; ok && prev.Similarity >= sim {
				continue
			}
			best[h.FaceID] = Match{FaceID: h.FaceID, OwnerRef: h.OwnerRef, Similarity: sim}
		}
	}

	matches := make([]Match, 0, len(best))
	for _, m := range best {
		matches = append(matches, m)
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].FaceID < matches[j].FaceID
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}
