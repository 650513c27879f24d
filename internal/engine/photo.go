package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/fingerprint"
	"github.com/kozaktomas/face-linker/internal/reconciler"
	"github.com/kozaktomas/face-linker/internal/recognition"
	"go.uber.org/zap"
)

// PhotoMatchResult describes one run of the photo match workflow.
type PhotoMatchResult struct {
	PhotoID        string                 `json:"photoId"`
	DetectedFaces  []database.FaceSummary `json:"detectedFaces"`
	Matched        []database.MatchedUser `json:"matched"`
	BelowThreshold int                    `json:"belowThreshold"`
	Failed         int                    `json:"failed"`
}

var errNoObjectStore = errors.New("no object storage configured")

// UploadPhoto creates the photo record, stores the image and runs the
// match workflow. An existing photo id fails with database.ErrAlreadyExists.
// Matching failures are logged and never fail the upload.
func (e *Engine) UploadPhoto(ctx context.Context, photoID string, image []byte) (*database.Photo, error) {
	info, err := fingerprint.InspectImage(image)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", recognition.ErrMalformedImage, err)
	}
	if e.objects == nil {
		return nil, errNoObjectStore
	}
	if photoID == "" {
		photoID = uuid.NewString()
	}

	// The record claims the photo id before any bytes are written, so a
	// duplicate id never touches the existing object.
	ref := fmt.Sprintf("photos/%s.%s", photoID, info.Format)
	photo := &database.Photo{PhotoID: photoID, StorageRef: ref}
	if err := e.stores.Photos.CreatePhoto(ctx, photo); err != nil {
		return nil, fmt.Errorf("create photo: %w", err)
	}
	if err := e.objects.Upload(ctx, ref, image); err != nil {
		if delErr := e.stores.Photos.DeletePhoto(context.WithoutCancel(ctx), photoID); delErr != nil {
			e.logger.Error("failed to roll back photo record",
				zap.String("photo_id", photoID), zap.Error(delErr))
		}
		return nil, fmt.Errorf("upload photo: %w", err)
	}

	if _, err := e.MatchPhoto(ctx, photoID, image); err != nil {
		e.logger.Error("photo matching failed, photo kept without matches",
			zap.String("photo_id", photoID), zap.Error(err))
	}

	stored, err := e.stores.Photos.GetPhoto(ctx, photoID)
	if err != nil || stored == nil {
		return photo, nil
	}
	return stored, nil
}

// RematchPhoto downloads a stored photo and runs the match workflow again.
func (e *Engine) RematchPhoto(ctx context.Context, photoID string) (*PhotoMatchResult, error) {
	if e.objects == nil {
		return nil, errNoObjectStore
	}
	photo, err := e.stores.Photos.GetPhoto(ctx, photoID)
	if err != nil {
		return nil, fmt.Errorf("get photo: %w", err)
	}
	if photo == nil {
		return nil, fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	image, err := e.objects.Download(ctx, photo.StorageRef)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", photo.StorageRef, err)
	}
	return e.MatchPhoto(ctx, photoID, image)
}

// RequestRematch queues a rematch of an existing photo.
func (e *Engine) RequestRematch(ctx context.Context, photoID string) (*database.BackgroundTask, error) {
	photo, err := e.stores.Photos.GetPhoto(ctx, photoID)
	if err != nil {
		return nil, fmt.Errorf("get photo: %w", err)
	}
	if photo == nil {
		return nil, fmt.Errorf("photo %s: %w", photoID, database.ErrNotFound)
	}
	return e.queue.Enqueue(ctx, database.TaskTypePhotoRematch, RematchPayload{PhotoID: photoID})
}

// MatchPhoto detects the faces in a photo, records them as anonymous
// faces and commits every registered user found above the threshold. The
// detected faces summary is saved whatever the outcome.
func (e *Engine) MatchPhoto(ctx context.Context, photoID string, image []byte) (*PhotoMatchResult, error) {
	log := e.logger.With(zap.String("photo_id", photoID))
	res := &PhotoMatchResult{PhotoID: photoID, DetectedFaces: []database.FaceSummary{}}
	defer func() {
		if err := e.stores.Photos.SaveDetectedFaceSummaries(ctx, photoID, res.DetectedFaces); err != nil {
			log.Error("failed to save detected faces", zap.Error(err))
		}
	}()

	faces, err := e.rec.Detect(ctx, image)
	if err != nil {
		return res, fmt.Errorf("detect faces: %w", err)
	}
	if len(faces) == 0 {
		log.Info("no faces in photo")
		return res, nil
	}

	summaries, err := e.detectedFaces(ctx, photoID, image)
	if err != nil {
		// Matching does not need the anonymous faces; backfill will miss this photo.
		log.Warn("failed to index anonymous faces", zap.Error(err))
	}
	if len(summaries) == 0 {
		summaries = make([]database.FaceSummary, len(faces))
		for i, f := range faces {
			summaries[i] = database.FaceSummary{BoundingBox: f.BoundingBox, Confidence: f.Confidence}
		}
	}
	res.DetectedFaces = summaries

	matches, err := e.rec.SearchByImage(ctx, image, e.cfg.Threshold, e.cfg.DirectSearchLimit)
	if err != nil {
		return res, fmt.Errorf("search by image: %w", err)
	}

	best := make(map[string]recognition.Match)
	for _, m := range matches {
		if m.Similarity < e.cfg.Threshold {
			res.BelowThreshold++
			continue
		}
		identity, err := e.stores.Identities.GetIdentityByFaceID(ctx, m.FaceID)
		if err != nil {
			log.Warn("failed to resolve matched face", zap.String("face_id", m.FaceID), zap.Error(err))
			continue
		}
		if identity == nil {
			log.Debug("matched face has no identity", zap.String("face_id", m.FaceID))
			continue
		}
		if prev, ok := best[identity.UserID]; !ok || m.Similarity > prev.Similarity {
			best[identity.UserID] = m
		}
	}

	targets := e.withLinkedUsers(ctx, best)
	for _, t := range targets {
		entry := e.matchedUser(ctx, t.userID, t.match.FaceID, t.match.Similarity, database.MatchTypeDirect)
		out, err := e.commit.Commit(ctx, photoID, entry)
		if err != nil {
			res.Failed++
			log.Error("failed to commit direct match", zap.String("user_id", t.userID), zap.Error(err))
			continue
		}
		if out.Outcome == reconciler.OutcomeCommitted {
			matchesCommitted.WithLabelValues(string(database.MatchTypeDirect)).Inc()
		}
		res.Matched = append(res.Matched, entry)
	}

	log.Info("photo matched", zap.Int("faces", len(faces)), zap.Int("matched", len(res.Matched)),
		zap.Int("below_threshold", res.BelowThreshold))
	return res, nil
}

type matchTarget struct {
	userID string
	match  recognition.Match
}

// withLinkedUsers expands the per-user best matches with linked accounts.
// A user matched directly keeps its own match. Order is by similarity.
func (e *Engine) withLinkedUsers(ctx context.Context, best map[string]recognition.Match) []matchTarget {
	direct := make([]matchTarget, 0, len(best))
	for uid, m := range best {
		direct = append(direct, matchTarget{userID: uid, match: m})
	}
	sortTargets(direct)

	out := append([]matchTarget(nil), direct...)
	seen := make(map[string]bool, len(best))
	for uid := range best {
		seen[uid] = true
	}
	for _, t := range direct {
		for _, linked := range e.linkedUsers(ctx, t.userID) {
			if seen[linked] {
				continue
			}
			seen[linked] = true
			out = append(out, matchTarget{userID: linked, match: t.match})
		}
	}
	return out
}

func sortTargets(targets []matchTarget) {
	sort.Slice(targets, func(i, j int) bool {
		if targets[i].match.Similarity != targets[j].match.Similarity {
			return targets[i].match.Similarity > targets[j].match.Similarity
		}
		return targets[i].userID < targets[j].userID
	})
}

// detectedFaces returns the anonymous faces of a photo, indexing them on
// first scan. A rematch reuses the faces already stored.
func (e *Engine) detectedFaces(ctx context.Context, photoID string, image []byte) ([]database.FaceSummary, error) {
	existing, err := e.stores.Faces.ListDetectedFacesByPhoto(ctx, photoID)
	if err != nil {
		return []database.FaceSummary{}, fmt.Errorf("list detected faces: %w", err)
	}
	if len(existing) > 0 {
		summaries := make([]database.FaceSummary, len(existing))
		for i, f := range existing {
			summaries[i] = database.FaceSummary{FaceID: f.FaceID, BoundingBox: f.BoundingBox, Confidence: confidenceOf(f)}
		}
		return summaries, nil
	}

	indexed, err := e.rec.IndexFaces(ctx, image, recognition.PhotoOwner(photoID), e.cfg.MaxFacesPerPhoto)
	if err != nil {
		return []database.FaceSummary{}, err
	}

	rows := make([]database.DetectedFace, len(indexed))
	summaries := make([]database.FaceSummary, len(indexed))
	for i, f := range indexed {
		attrs, _ := json.Marshal(faceAttributes{Confidence: f.Confidence})
		rows[i] = database.DetectedFace{FaceID: f.FaceID, PhotoID: photoID, BoundingBox: f.BoundingBox, Attributes: attrs}
		summaries[i] = database.FaceSummary{FaceID: f.FaceID, BoundingBox: f.BoundingBox, Confidence: f.Confidence}
	}
	if err := e.stores.Faces.SaveDetectedFaces(ctx, rows); err != nil {
		return summaries, fmt.Errorf("save detected faces: %w", err)
	}
	return summaries, nil
}

type faceAttributes struct {
	Confidence float64 `json:"confidence"`
}

func confidenceOf(f database.DetectedFace) float64 {
	var attrs faceAttributes
	if len(f.Attributes) > 0 {
		_ = json.Unmarshal(f.Attributes, &attrs)
	}
	return attrs.Confidence
}
