package engine

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/reconciler"
	"go.uber.org/zap"
)

// BackfillResult counts what a backfill pass did.
type BackfillResult struct {
	Candidates     int      `json:"candidates"`
	Gaps           int      `json:"gaps"`           // hits with no detected face row
	AlreadyMatched int      `json:"alreadyMatched"` // photos that already had the user
	Committed      int      `json:"committed"`
	Failed         int      `json:"failed"`
	PhotoIDs       []string `json:"photoIds"`
}

// Backfill matches a registered face against previously uploaded photos.
// The user's linked accounts receive the same matches.
func (e *Engine) Backfill(ctx context.Context, userID, faceID string, limit int) (*BackfillResult, error) {
	log := e.logger.With(zap.String("user_id", userID), zap.String("face_id", faceID))

	matches, err := e.rec.SearchByFaceID(ctx, faceID, e.cfg.Threshold, limit)
	if err != nil {
		return nil, fmt.Errorf("search by face: %w", err)
	}
	res := &BackfillResult{Candidates: len(matches)}
	if len(matches) == 0 {
		return res, nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.FaceID
	}
	faces, err := e.stores.Faces.GetDetectedFaces(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve detected faces: %w", err)
	}
	byID := make(map[string]database.DetectedFace, len(faces))
	for _, f := range faces {
		byID[f.FaceID] = f
	}

	users := append([]string{userID}, e.linkedUsers(ctx, userID)...)
	seenPhotos := make(map[string]bool)
	var claimed []string

	// Matches come best first, so the first face seen in a photo wins.
	for _, m := range matches {
		if m.Similarity < e.cfg.Threshold {
			continue
		}
		face, ok := byID[m.FaceID]
		if !ok {
			res.Gaps++
			log.Debug("skipping unresolved candidate", zap.String("candidate", m.FaceID), zap.Error(ErrBackfillResolutionGap))
			continue
		}
		claimed = append(claimed, face.FaceID)
		if seenPhotos[face.PhotoID] {
			continue
		}
		seenPhotos[face.PhotoID] = true

		photo, err := e.stores.Photos.GetPhoto(ctx, face.PhotoID)
		if err != nil {
			res.Failed++
			log.Warn("failed to load candidate photo", zap.String("photo_id", face.PhotoID), zap.Error(err))
			continue
		}
		if photo == nil {
			res.Gaps++
			log.Debug("candidate photo no longer exists", zap.String("photo_id", face.PhotoID), zap.Error(ErrBackfillResolutionGap))
			continue
		}

		for _, uid := range users {
			if photo.HasUser(uid) {
				res.AlreadyMatched++
				continue
			}
			entry := e.matchedUser(ctx, uid, m.FaceID, m.Similarity, database.MatchTypeHistorical)
			out, err := e.commit.Commit(ctx, photo.PhotoID, entry)
			if err != nil {
				res.Failed++
				log.Error("failed to commit historical match", zap.String("photo_id", photo.PhotoID),
					zap.String("match_user_id", uid), zap.Error(err))
				continue
			}
			if out.Outcome == reconciler.OutcomeAlreadyPresent {
				res.AlreadyMatched++
				continue
			}
			res.Committed++
			matchesCommitted.WithLabelValues(string(database.MatchTypeHistorical)).Inc()
			res.PhotoIDs = append(res.PhotoIDs, photo.PhotoID)
		}
	}

	if len(claimed) > 0 {
		if err := e.stores.Faces.ClaimDetectedFaces(ctx, claimed, userID); err != nil {
			log.Warn("failed to mark detected faces as claimed", zap.Int("faces", len(claimed)), zap.Error(err))
		}
	}
	if res.Gaps > 0 {
		log.Info("backfill skipped unresolved candidates", zap.Int("gaps", res.Gaps))
	}
	return res, nil
}

// BackfillAll runs a full backfill for every registered identity. progress
// is called after each identity.
func (e *Engine) BackfillAll(ctx context.Context, progress func(done, total int)) (*BackfillResult, error) {
	identities, err := e.stores.Identities.ListIdentities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	total := &BackfillResult{}
	for i, id := range identities {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		res, err := e.Backfill(ctx, id.UserID, id.CanonicalFaceID, e.cfg.HistoricalFullLimit)
		if err != nil {
			e.logger.Error("backfill failed", zap.String("user_id", id.UserID), zap.Error(err))
			total.Failed++
		} else {
			total.Candidates += res.Candidates
			total.Gaps += res.Gaps
			total.AlreadyMatched += res.AlreadyMatched
			total.Committed += res.Committed
			total.Failed += res.Failed
			total.PhotoIDs = append(total.PhotoIDs, res.PhotoIDs...)
		}
		if progress != nil {
			progress(i+1, len(identities))
		}
	}
	return total, nil
}
