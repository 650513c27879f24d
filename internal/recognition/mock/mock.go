// Package mock provides a scripted recognition.Service for testing.
package mock

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sort"
	"sync"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/recognition"
)

// MockService answers from per-image and per-face scripts. Images are
// keyed by their exact bytes.
type MockService struct {
	mu           sync.Mutex
	faces        map[string][]recognition.Face
	imageMatches map[string][]recognition.Match
	faceMatches  map[string][]recognition.Match
	nextIdentity int
	nextDetected int

	// Error injection
	DetectError error
	IndexError  error
	SearchError error
	// FailFirst makes the first N calls of any kind fail with TransientError.
	FailFirst      int
	TransientError error

	// Call counters
	DetectCalls      int
	IndexCalls       int
	SearchFaceCalls  int
	SearchImageCalls int
}

// NewMockService creates an empty mock service
func NewMockService() *MockService {
	return &MockService{
		faces:          make(map[string][]recognition.Face),
		imageMatches:   make(map[string][]recognition.Match),
		faceMatches:    make(map[string][]recognition.Match),
		TransientError: errors.New("service hiccup"),
	}
}

// SetFaces scripts the faces detected in an image
func (m *MockService) SetFaces(image []byte, faces ...recognition.Face) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faces[string(image)] = faces
}

// SetImageMatches scripts SearchByImage results for an image
func (m *MockService) SetImageMatches(image []byte, matches ...recognition.Match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imageMatches[string(image)] = matches
}

// SetFaceMatches scripts SearchByFaceID results for a face
func (m *MockService) SetFaceMatches(faceID string, matches ...recognition.Match) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faceMatches[faceID] = matches
}

// failTransient consumes one scripted transient failure. Caller holds mu.
func (m *MockService) failTransient() error {
	if m.FailFirst > 0 {
		m.FailFirst--
		return m.TransientError
	}
	return nil
}

func (m *MockService) Detect(ctx context.Context, image []byte) ([]recognition.Face, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DetectCalls++
	if err := m.failTransient(); err != nil {
		return nil, err
	}
	if m.DetectError != nil {
		return nil, m.DetectError
	}
	return m.faces[string(image)], nil
}

// Index hands out sequential ids: f-001, f-002 for identity faces and
// d-001, d-002 for detected faces.
func (m *MockService) Index(ctx context.Context, image []byte, ownerRef string, kind database.FaceKind, maxFaces int) ([]recognition.IndexedFace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.IndexCalls++
	if err := m.failTransient(); err != nil {
		return nil, err
	}
	if m.IndexError != nil {
		return nil, m.IndexError
	}

	faces := m.faces[string(image)]
	if len(faces) == 0 {
		return nil, recognition.ErrNoFaceDetected
	}
	if kind == database.FaceKindIdentity && len(faces) > 1 {
		return nil, recognition.ErrMultipleFacesDetected
	}
	if maxFaces > 0 && len(faces) > maxFaces {
		faces = faces[:maxFaces]
	}

	out := make([]recognition.IndexedFace, len(faces))
	for i, f := range faces {
		var id string
		if kind == database.FaceKindIdentity {
			m.nextIdentity++
			id = fmt.Sprintf("f-%03d", m.nextIdentity)
		} else {
			m.nextDetected++
			id = fmt.Sprintf("d-%03d", m.nextDetected)
		}
		out[i] = recognition.IndexedFace{FaceID: id, BoundingBox: f.BoundingBox, Confidence: f.Confidence}
	}
	return out, nil
}

func filterMatches(matches []recognition.Match, threshold float64, limit int) []recognition.Match {
	out := []recognition.Match{}
	for _, mt := range matches {
		if mt.Similarity >= threshold {
			out = append(out, mt)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MockService) SearchByFaceID(ctx context.Context, faceID string, threshold float64, limit int) ([]recognition.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchFaceCalls++
	if err := m.failTransient(); err != nil {
		return nil, err
	}
	if m.SearchError != nil {
		return nil, m.SearchError
	}
	return filterMatches(m.faceMatches[faceID], threshold, limit), nil
}

func (m *MockService) SearchByImage(ctx context.Context, image []byte, threshold float64, limit int) ([]recognition.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SearchImageCalls++
	if err := m.failTransient(); err != nil {
		return nil, err
	}
	if m.SearchError != nil {
		return nil, m.SearchError
	}
	return filterMatches(m.imageMatches[string(image)], threshold, limit), nil
}

// Calls returns a snapshot of the call counters: detect, index, search by
// face and search by image.
func (m *MockService) Calls() (detect, index, searchFace, searchImage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DetectCalls, m.IndexCalls, m.SearchFaceCalls, m.SearchImageCalls
}

// Image returns a small valid PNG; different seeds give different bytes.
func Image(seed int) []byte {
	img := image.NewGray(image.Rect(0, 0, 4+seed%16, 4))
	img.SetGray(0, 0, color.Gray{Y: uint8(seed)})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
