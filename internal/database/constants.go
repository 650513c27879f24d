package database

// HNSW index parameters for 512-dim face embeddings
const (
	// HNSWMaxNeighbors (M) is the maximum number of neighbors per node.
	HNSWMaxNeighbors = 16

	// HNSWEfSearch is the search candidate pool size used by pgvector.
	HNSWEfSearch = 100

	// HNSWSearchMultiplier is the factor to request more candidates from HNSW
	// to ensure we have enough after distance filtering.
	HNSWSearchMultiplier = 3

	// HNSWMinSearchK is the minimum number of candidates requested from HNSW.
	HNSWMinSearchK = 100
)

// Similarity scale used across the engine (0-100).
const (
	MinSimilarity = 0.0
	MaxSimilarity = 100.0
)
