package database

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/coder/hnsw"
)

// HNSWIndexMetadata stores metadata for validating cached HNSW indexes.
type HNSWIndexMetadata struct {
	Kind      FaceKind  `json:"kind"`
	FaceCount int64     `json:"face_count"`
	MaxFaceID int64     `json:"max_face_id"`
	BuildTime time.Time `json:"build_time"`
	Version   int       `json:"version"`
}

const hnswMetadataVersion = 2

// HNSWIndex wraps the HNSW graph for one population of the face collection.
type HNSWIndex struct {
	graph    *hnsw.Graph[int64]
	idToFace map[int64]*CollectionFace
	mu       sync.RWMutex
}

// NewHNSWIndex creates a new empty HNSW index.
func NewHNSWIndex() *HNSWIndex {
	return &HNSWIndex{
		idToFace: make(map[int64]*CollectionFace),
	}
}

func newFaceGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = HNSWMaxNeighbors
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFromFaces builds the index from a slice of faces.
func (h *HNSWIndex) BuildFromFaces(faces []CollectionFace) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.idToFace = make(map[int64]*CollectionFace, len(faces))
	if len(faces) == 0 {
		h.graph = nil
		return
	}

	g := newFaceGraph()
	for i := range faces {
		face := &faces[i]
		if len(face.Embedding) == 0 {
			continue
		}
		g.Add(hnsw.MakeNode(face.ID, face.Embedding))
		h.idToFace[face.ID] = face
	}
	h.graph = g
}

// Add adds a single face to the index.
func (h *HNSWIndex) Add(face CollectionFace) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(face.Embedding) == 0 {
		return
	}
	if h.graph == nil {
		h.graph = newFaceGraph()
	}
	h.graph.Add(hnsw.MakeNode(face.ID, face.Embedding))
	h.idToFace[face.ID] = &face
}

// Search finds up to limit faces within maxDistance of query, nearest first.
func (h *HNSWIndex) Search(query []float32, limit int, maxDistance float64) ([]CollectionFace, []float64, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, nil, errors.New("index not initialized")
	}

	// Request more candidates to ensure we have enough after distance filtering.
	k := max(limit*HNSWSearchMultiplier, HNSWMinSearchK)
	neighbors := h.graph.Search(query, k)

	faces := make([]CollectionFace, 0, limit)
	distances := make([]float64, 0, limit)
	for _, n := range neighbors {
		d := CosineDistance(query, n.Value)
		if d > maxDistance {
			continue
		}
		face := h.idToFace[n.Key]
		if face == nil {
			continue
		}
		faces = append(faces, *face)
		distances = append(distances, d)
		if len(faces) >= limit {
			break
		}
	}
	return faces, distances, nil
}

// Count returns the number of indexed faces.
func (h *HNSWIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.idToFace)
}

// IsEmpty returns true if the index has no graph data loaded.
func (h *HNSWIndex) IsEmpty() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.graph == nil
}

// Save persists the graph, its metadata and the face records next to each
// other: path, path.meta and path.faces.
func (h *HNSWIndex) Save(path string, metadata HNSWIndexMetadata) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		_ = os.Remove(path)
		_ = os.Remove(path + ".meta")
		_ = os.Remove(path + ".faces")
		return nil
	}

	f, err := os.Create(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to create HNSW index file: %w", err)
	}
	if err := h.graph.Export(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("exporting HNSW graph: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing HNSW index file: %w", err)
	}

	metadata.Version = hnswMetadataVersion
	metaData, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(path+".meta", metaData, 0600); err != nil {
		return fmt.Errorf("failed to write metadata file: %w", err)
	}

	faces := make([]CollectionFace, 0, len(h.idToFace))
	for _, face := range h.idToFace {
		faces = append(faces, *face)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(faces); err != nil {
		return fmt.Errorf("failed to encode faces: %w", err)
	}
	if err := os.WriteFile(path+".faces", buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write faces file: %w", err)
	}
	return nil
}

// LoadHNSWMetadata loads metadata from a separate .meta file.
func LoadHNSWMetadata(path string) (HNSWIndexMetadata, error) {
	var metadata HNSWIndexMetadata

	data, err := os.ReadFile(path + ".meta") //nolint:gosec // path is from trusted config
	if err != nil {
		return metadata, fmt.Errorf("failed to read metadata file: %w", err)
	}
	if err := json.Unmarshal(data, &metadata); err != nil {
		return metadata, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	if metadata.Version != hnswMetadataVersion {
		return metadata, fmt.Errorf("unsupported index metadata version %d", metadata.Version)
	}
	return metadata, nil
}

// Load replaces the index with the graph and faces saved at path.
func (h *HNSWIndex) Load(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to open HNSW index: %w", err)
	}
	defer f.Close()

	g := newFaceGraph()
	if err := g.Import(f); err != nil {
		return fmt.Errorf("failed to import HNSW index: %w", err)
	}

	data, err := os.ReadFile(path + ".faces") //nolint:gosec // path is from trusted config
	if err != nil {
		return fmt.Errorf("failed to read faces file: %w", err)
	}
	var faces []CollectionFace
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&faces); err != nil {
		return fmt.Errorf("failed to decode faces: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.graph = g
	h.idToFace = make(map[int64]*CollectionFace, len(faces))
	for i := range faces {
		h.idToFace[faces[i].ID] = &faces[i]
	}
	return nil
}
