package database

import (
	"path/filepath"
	"testing"
)

func testFaces() []CollectionFace {
	return []CollectionFace{
		{ID: 1, FaceID: "a", Kind: FaceKindDetected, Embedding: []float32{1, 0, 0}},
		{ID: 2, FaceID: "b", Kind: FaceKindDetected, Embedding: []float32{0.9, 0.1, 0}},
		{ID: 3, FaceID: "c", Kind: FaceKindDetected, Embedding: []float32{0, 1, 0}},
		{ID: 4, FaceID: "empty", Kind: FaceKindDetected},
	}
}

func TestHNSWIndex_SearchFiltersByDistance(t *testing.T) {
	idx := NewHNSWIndex()
	idx.BuildFromFaces(testFaces())

	if idx.Count() != 3 {
		t.Fatalf("expected 3 indexed faces (empty embedding skipped), got %d", idx.Count())
	}

	faces, distances, err := idx.Search([]float32{1, 0, 0}, 10, 0.1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(faces) != 2 {
		t.Fatalf("expected 2 faces within distance 0.1, got %d", len(faces))
	}
	if faces[0].FaceID != "a" || distances[0] > 1e-6 {
		t.Errorf("expected exact match first, got %s at %v", faces[0].FaceID, distances[0])
	}
}

func TestHNSWIndex_SearchEmpty(t *testing.T) {
	idx := NewHNSWIndex()
	if !idx.IsEmpty() {
		t.Fatal("new index should be empty")
	}
	if _, _, err := idx.Search([]float32{1}, 1, 1); err == nil {
		t.Error("expected error searching an uninitialized index")
	}
}

func TestHNSWIndex_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "faces.hnsw")

	idx := NewHNSWIndex()
	idx.BuildFromFaces(testFaces())
	if err := idx.Save(path, HNSWIndexMetadata{Kind: FaceKindDetected, FaceCount: 3, MaxFaceID: 3}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	meta, err := LoadHNSWMetadata(path)
	if err != nil {
		t.Fatalf("LoadHNSWMetadata: %v", err)
	}
	if meta.FaceCount != 3 || meta.MaxFaceID != 3 || meta.Kind != FaceKindDetected {
		t.Errorf("unexpected metadata: %+v", meta)
	}

	loaded := NewHNSWIndex()
	if err := loaded.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Count() != 3 {
		t.Errorf("expected 3 faces after load, got %d", loaded.Count())
	}
	faces, _, err := loaded.Search([]float32{0, 1, 0}, 1, 0.05)
	if err != nil {
		t.Fatalf("Search after load: %v", err)
	}
	if len(faces) != 1 || faces[0].FaceID != "c" {
		t.Errorf("expected face c, got %+v", faces)
	}
}
