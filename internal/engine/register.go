package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/recognition"
	"go.uber.org/zap"
)

// RegistrationState is a step of the registration workflow.
type RegistrationState string

const (
	StateDetectingFace            RegistrationState = "detecting_face"
	StateCheckingExistingIdentity RegistrationState = "checking_existing_identity"
	StateIndexing                 RegistrationState = "indexing"
	StatePersistingIdentity       RegistrationState = "persisting_identity"
	StateEnqueuingBackfill        RegistrationState = "enqueuing_backfill"
	StateDone                     RegistrationState = "done"

	// Terminal failure states.
	StateRejected       RegistrationState = "rejected"
	StateServiceFailure RegistrationState = "service_failure"
)

// RegistrationError reports a failed registration. State is Rejected or
// ServiceFailure; Step is where the workflow stopped.
type RegistrationError struct {
	State RegistrationState
	Step  RegistrationState
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration %s during %s: %v", e.State, e.Step, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }

// RegistrationResult is returned by a successful registration.
type RegistrationResult struct {
	UserID         string            `json:"userId"`
	FaceID         string            `json:"faceId"`
	Reused         bool              `json:"reused"`
	State          RegistrationState `json:"state"`
	InitialMatches int               `json:"initialMatches"`
	TaskID         string            `json:"taskId,omitempty"`
}

// rejects reports recognition errors caused by the submitted image.
func rejects(err error) bool {
	return errors.Is(err, recognition.ErrNoFaceDetected) ||
		errors.Is(err, recognition.ErrMultipleFacesDetected) ||
		errors.Is(err, recognition.ErrMalformedImage)
}

func failure(step RegistrationState, err error) *RegistrationError {
	state := StateServiceFailure
	if rejects(err) {
		state = StateRejected
	}
	return &RegistrationError{State: state, Step: step, Err: err}
}

// Register binds the single face in image to userID. Registering a user
// again reuses the stored canonical face and never indexes. A historical
// backfill is queued in both cases and a small first batch runs inline.
func (e *Engine) Register(ctx context.Context, userID string, image []byte) (*RegistrationResult, error) {
	log := e.logger.With(zap.String("user_id", userID))
	res := &RegistrationResult{UserID: userID}

	faces, err := e.rec.Detect(ctx, image)
	if err != nil {
		return nil, failure(StateDetectingFace, err)
	}
	switch len(faces) {
	case 0:
		return nil, failure(StateDetectingFace, recognition.ErrNoFaceDetected)
	case 1:
	default:
		return nil, failure(StateDetectingFace, fmt.Errorf("%w: found %d", recognition.ErrMultipleFacesDetected, len(faces)))
	}

	existing, err := e.stores.Identities.GetIdentity(ctx, userID)
	if err != nil {
		return nil, failure(StateCheckingExistingIdentity, fmt.Errorf("get identity: %w", err))
	}

	if existing != nil {
		res.FaceID = existing.CanonicalFaceID
		res.Reused = true
		log.Info("user already registered, reusing canonical face", zap.String("face_id", res.FaceID))
	} else {
		faceID, err := e.rec.IndexOnce(ctx, image, recognition.UserOwner(userID))
		if err != nil {
			return nil, failure(StateIndexing, err)
		}

		stored, err := e.stores.Identities.CreateIdentity(ctx, database.Identity{UserID: userID, CanonicalFaceID: faceID})
		if err != nil {
			return nil, failure(StatePersistingIdentity, fmt.Errorf("create identity: %w", err))
		}
		res.FaceID = stored.CanonicalFaceID
		if stored.CanonicalFaceID != faceID {
			// A concurrent registration won; its face stays canonical.
			res.Reused = true
			log.Warn("identity created concurrently, indexed face left unused",
				zap.String("face_id", stored.CanonicalFaceID), zap.String("unused_face_id", faceID))
		} else {
			log.Info("identity registered", zap.String("face_id", faceID))
		}
	}

	task, err := e.queue.Enqueue(ctx, database.TaskTypeHistoricalBackfill, BackfillPayload{FaceID: res.FaceID, UserID: userID})
	if err != nil {
		log.Error("failed to enqueue historical backfill", zap.Error(err))
	} else {
		res.TaskID = task.ID
	}

	initial, err := e.Backfill(ctx, userID, res.FaceID, e.cfg.HistoricalInitialLimit)
	if err != nil {
		log.Warn("initial backfill batch failed", zap.Error(err))
	} else {
		res.InitialMatches = initial.Committed
	}

	res.State = StateDone
	return res, nil
}
