// Package constants provides shared constants used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Maintenance schedule
const (
	// CacheSweepInterval is how often expired match cache entries are evicted
	CacheSweepInterval = time.Minute

	// TaskPruneInterval is how often finished background tasks are pruned
	TaskPruneInterval = time.Hour

	// HNSWSnapshotInterval is how often the in-memory face index is saved to disk
	HNSWSnapshotInterval = 10 * time.Minute
)

// Process lifecycle constants
const (
	// ShutdownTimeout bounds the graceful shutdown of the server
	ShutdownTimeout = 30 * time.Second
)

// Cache constants
const (
	// MatchCacheRedisPrefix namespaces the match cache keys in Redis
	MatchCacheRedisPrefix = "facelinker:match:"
)

// CLI constants
const (
	// DefaultTaskListLimit is the number of tasks the tasks command prints
	DefaultTaskListLimit = 50
)
