package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/recognition"
	"github.com/kozaktomas/face-linker/internal/taskqueue"
	"go.uber.org/zap"
)

// PhotoService uploads photos and schedules rematches.
type PhotoService interface {
	UploadPhoto(ctx context.Context, photoID string, image []byte) (*database.Photo, error)
	RequestRematch(ctx context.Context, photoID string) (*database.BackgroundTask, error)
}

// PhotosHandler handles photo endpoints.
type PhotosHandler struct {
	service PhotoService
	photos  database.PhotoReader
	logger  *zap.Logger
}

// NewPhotosHandler creates a new photos handler.
func NewPhotosHandler(service PhotoService, photos database.PhotoReader, logger *zap.Logger) *PhotosHandler {
	return &PhotosHandler{service: service, photos: photos, logger: logger}
}

type uploadPhotoRequest struct {
	PhotoID string `validate:"omitempty,max=128,printascii,excludesall=/\\"`
}

// Upload stores a photo and matches it against registered identities. The
// photo is created even when matching fails.
func (h *PhotosHandler) Upload(w http.ResponseWriter, r *http.Request) {
	image, err := readImage(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := uploadPhotoRequest{PhotoID: r.FormValue("photo_id")}
	if err := validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	photo, err := h.service.UploadPhoto(r.Context(), req.PhotoID, image)
	if err != nil {
		if errors.Is(err, recognition.ErrMalformedImage) {
			respondError(w, http.StatusUnprocessableEntity, "unsupported or malformed image")
			return
		}
		if errors.Is(err, database.ErrAlreadyExists) {
			respondError(w, http.StatusConflict, "photo already exists")
			return
		}
		h.logger.Error("photo upload failed", zap.String("photo_id", sanitizeForLog(req.PhotoID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to store photo")
		return
	}
	respondJSON(w, http.StatusCreated, photo)
}

// Get returns a photo with its detected faces and matched users.
func (h *PhotosHandler) Get(w http.ResponseWriter, r *http.Request) {
	photoID := chi.URLParam(r, "photoId")
	photo, err := h.photos.GetPhoto(r.Context(), photoID)
	if err != nil {
		h.logger.Error("failed to get photo", zap.String("photo_id", sanitizeForLog(photoID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to get photo")
		return
	}
	if photo == nil {
		respondError(w, http.StatusNotFound, "photo not found")
		return
	}
	respondJSON(w, http.StatusOK, photo)
}

// Rematch queues the photo to be matched again.
func (h *PhotosHandler) Rematch(w http.ResponseWriter, r *http.Request) {
	photoID := chi.URLParam(r, "photoId")
	task, err := h.service.RequestRematch(r.Context(), photoID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		respondError(w, http.StatusNotFound, "photo not found")
		return
	case errors.Is(err, taskqueue.ErrQueueFull):
		respondError(w, http.StatusServiceUnavailable, "task queue is full, retry later")
		return
	case err != nil:
		h.logger.Error("failed to queue rematch", zap.String("photo_id", sanitizeForLog(photoID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to queue rematch")
		return
	}
	respondJSON(w, http.StatusAccepted, task)
}
