package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/engine"
	"go.uber.org/zap"
)

// Registrar registers a user's canonical face.
type Registrar interface {
	Register(ctx context.Context, userID string, image []byte) (*engine.RegistrationResult, error)
}

// IdentitiesHandler handles face registration endpoints.
type IdentitiesHandler struct {
	registrar  Registrar
	identities database.IdentityReader
	logger     *zap.Logger
}

// NewIdentitiesHandler creates a new identities handler.
func NewIdentitiesHandler(registrar Registrar, identities database.IdentityReader, logger *zap.Logger) *IdentitiesHandler {
	return &IdentitiesHandler{registrar: registrar, identities: identities, logger: logger}
}

type registerRequest struct {
	UserID string `validate:"required,max=128,printascii,excludesall=/"`
}

// Register binds the face in the uploaded image to a user.
func (h *IdentitiesHandler) Register(w http.ResponseWriter, r *http.Request) {
	image, err := readImage(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := registerRequest{UserID: r.FormValue("user_id")}
	if err := validate.Struct(req); err != nil {
		respondValidationError(w, err)
		return
	}

	res, err := h.registrar.Register(r.Context(), req.UserID, image)
	if err != nil {
		var regErr *engine.RegistrationError
		if errors.As(err, &regErr) {
			status := http.StatusBadGateway
			if regErr.State == engine.StateRejected {
				status = http.StatusUnprocessableEntity
			}
			respondJSON(w, status, map[string]string{
				"error": regErr.Err.Error(),
				"state": string(regErr.State),
				"step":  string(regErr.Step),
			})
			return
		}
		h.logger.Error("registration failed", zap.String("user_id", sanitizeForLog(req.UserID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	respondJSON(w, status, res)
}

// Get returns a user's identity.
func (h *IdentitiesHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	identity, err := h.identities.GetIdentity(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get identity", zap.String("user_id", sanitizeForLog(userID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to get identity")
		return
	}
	if identity == nil {
		respondError(w, http.StatusNotFound, "identity not found")
		return
	}
	respondJSON(w, http.StatusOK, identity)
}
