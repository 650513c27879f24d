// Package recognition wraps the face recognition capability: detection,
// indexing into the face collection, and similarity search.
package recognition

import (
	"context"

	"github.com/kozaktomas/face-linker/internal/database"
)

// Face is a face found by Detect.
type Face struct {
	Index       int                  `json:"index"`
	BoundingBox database.BoundingBox `json:"boundingBox"`
	Confidence  float64              `json:"confidence"`
	Embedding   []float32            `json:"-"`
}

// Match is a search hit. Similarity is on the 0-100 scale.
type Match struct {
	FaceID     string  `json:"faceId"`
	OwnerRef   string  `json:"ownerRef"`
	Similarity float64 `json:"similarity"`
}

// IndexedFace is a face stored in the collection by Index.
type IndexedFace struct {
	FaceID      string               `json:"faceId"`
	BoundingBox database.BoundingBox `json:"boundingBox"`
	Confidence  float64              `json:"confidence"`
}

// Service is the recognition capability the adapter retries over.
type Service interface {
	Detect(ctx context.Context, image []byte) ([]Face, error)
	// Index stores up to maxFaces faces of the image under ownerRef.
	// Identity faces must be the only face in the image.
	Index(ctx context.Context, image []byte, ownerRef string, kind database.FaceKind, maxFaces int) ([]IndexedFace, error)
	// SearchByFaceID finds anonymous photo faces similar to a stored face.
	SearchByFaceID(ctx context.Context, faceID string, threshold float64, limit int) ([]Match, error)
	// SearchByImage finds identity faces similar to any face in the image.
	SearchByImage(ctx context.Context, image []byte, threshold float64, limit int) ([]Match, error)
}

// Owner reference prefixes.
const (
	OwnerUserPrefix  = "user:"
	OwnerPhotoPrefix = "photo:"
)

// UserOwner returns the owner reference for an identity face.
func UserOwner(userID string) string { return OwnerUserPrefix + userID }

// PhotoOwner returns the owner reference for an anonymous photo face.
func PhotoOwner(photoID string) string { return OwnerPhotoPrefix + photoID }
