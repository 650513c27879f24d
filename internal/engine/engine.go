// Package engine links photos and registered identities. It runs face
// registration, historical backfill and upload-time matching, and hands
// every match to the reconciler.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/reconciler"
	"github.com/kozaktomas/face-linker/internal/recognition"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var (
	// ErrLinkedIdentityLookupFailed is logged when linked accounts cannot be
	// read; the match proceeds for the user alone.
	ErrLinkedIdentityLookupFailed = errors.New("linked identity lookup failed")
	// ErrBackfillResolutionGap marks a search hit with no detected face row.
	ErrBackfillResolutionGap = errors.New("backfill candidate has no detected face")
)

var matchesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "facelinker_matches_committed_total",
	Help: "Matches newly committed to photos, by match type",
}, []string{"match_type"})

// Recognizer is the recognition adapter as used by the engine.
type Recognizer interface {
	Detect(ctx context.Context, image []byte) ([]recognition.Face, error)
	IndexOnce(ctx context.Context, image []byte, ownerRef string) (string, error)
	IndexFaces(ctx context.Context, image []byte, ownerRef string, maxFaces int) ([]recognition.IndexedFace, error)
	SearchByFaceID(ctx context.Context, faceID string, threshold float64, limit int) ([]recognition.Match, error)
	SearchByImage(ctx context.Context, image []byte, threshold float64, limit int) ([]recognition.Match, error)
}

// Committer writes a match into a photo.
type Committer interface {
	Commit(ctx context.Context, photoID string, match database.MatchedUser) (*reconciler.Result, error)
}

// Enqueuer schedules background tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType database.TaskType, payload any) (*database.BackgroundTask, error)
}

// ObjectStore holds the photo bytes.
type ObjectStore interface {
	Download(ctx context.Context, ref string) ([]byte, error)
	Upload(ctx context.Context, ref string, data []byte) error
}

// Stores groups the record stores the engine reads and writes.
type Stores struct {
	Identities database.IdentityStore
	Faces      database.DetectedFaceStore
	Photos     database.PhotoStore
	Profiles   database.ProfileStore
	Links      database.LinkedAccountStore
}

// Config holds the matching parameters.
type Config struct {
	Threshold              float64
	HistoricalInitialLimit int
	HistoricalFullLimit    int
	DirectSearchLimit      int
	MaxFacesPerPhoto       int // 0 indexes every face
}

// ConfigFromMatching maps the application config.
func ConfigFromMatching(m config.MatchingConfig) Config {
	return Config{
		Threshold:              m.Threshold,
		HistoricalInitialLimit: m.HistoricalInitialLimit,
		HistoricalFullLimit:    m.HistoricalFullLimit,
		DirectSearchLimit:      m.DirectSearchLimit,
	}
}

// BackfillPayload is the payload of a historical backfill task.
type BackfillPayload struct {
	FaceID string `json:"faceId"`
	UserID string `json:"userId"`
}

// RematchPayload is the payload of a photo rematch task.
type RematchPayload struct {
	PhotoID string `json:"photoId"`
}

// Engine orchestrates matching in both directions.
type Engine struct {
	rec     Recognizer
	commit  Committer
	queue   Enqueuer
	objects ObjectStore
	stores  Stores
	cfg     Config
	logger  *zap.Logger
}

// New creates an engine. objects may be nil when photos are never uploaded
// or rematched through the engine.
func New(rec Recognizer, commit Committer, queue Enqueuer, objects ObjectStore, stores Stores, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		rec:     rec,
		commit:  commit,
		queue:   queue,
		objects: objects,
		stores:  stores,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "engine")),
	}
}

// HandleTask executes a background task. It is the task queue handler.
func (e *Engine) HandleTask(ctx context.Context, task database.BackgroundTask) error {
	switch task.Type {
	case database.TaskTypeHistoricalBackfill:
		var p BackfillPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decode backfill payload: %w", err)
		}
		if p.FaceID == "" || p.UserID == "" {
			return errors.New("backfill payload missing faceId or userId")
		}
		res, err := e.Backfill(ctx, p.UserID, p.FaceID, e.cfg.HistoricalFullLimit)
		if err != nil {
			return err
		}
		e.logger.Info("historical backfill finished",
			zap.String("task_id", task.ID), zap.String("user_id", p.UserID),
			zap.Int("candidates", res.Candidates), zap.Int("committed", res.Committed), zap.Int("gaps", res.Gaps))
		return nil

	case database.TaskTypePhotoRematch:
		var p RematchPayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			return fmt.Errorf("decode rematch payload: %w", err)
		}
		if p.PhotoID == "" {
			return errors.New("rematch payload missing photoId")
		}
		_, err := e.RematchPhoto(ctx, p.PhotoID)
		return err
	}
	return fmt.Errorf("unknown task type %q", task.Type)
}

// linkedUsers returns the users linked to userID. Lookup failures are
// logged and treated as no links.
func (e *Engine) linkedUsers(ctx context.Context, userID string) []string {
	if e.stores.Links == nil {
		return nil
	}
	ids, err := e.stores.Links.LinkedUserIDs(ctx, userID)
	if err != nil {
		e.logger.Warn("continuing without linked accounts",
			zap.String("user_id", userID), zap.Error(fmt.Errorf("%w: %w", ErrLinkedIdentityLookupFailed, err)))
		return nil
	}
	return ids
}
