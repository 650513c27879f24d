package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-linker/internal/database"
	"go.uber.org/zap"
)

// UsersHandler serves a user's matches and notifications.
type UsersHandler struct {
	records       database.MatchRecordStore
	notifications database.NotificationStore
	logger        *zap.Logger
}

// NewUsersHandler creates a new users handler.
func NewUsersHandler(records database.MatchRecordStore, notifications database.NotificationStore, logger *zap.Logger) *UsersHandler {
	return &UsersHandler{records: records, notifications: notifications, logger: logger}
}

// Matches lists the photos a user was matched in, newest first.
func (h *UsersHandler) Matches(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	limit, err := parseLimit(r)
	if err != nil {
		respondValidationError(w, err)
		return
	}

	records, err := h.records.ListMatchRecordsByUser(r.Context(), userID, limit)
	if err != nil {
		h.logger.Error("failed to list matches", zap.String("user_id", sanitizeForLog(userID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list matches")
		return
	}
	if records == nil {
		records = []database.MatchRecord{}
	}
	respondJSON(w, http.StatusOK, records)
}

// Notifications lists a user's notifications. ?unread=true hides read ones.
func (h *UsersHandler) Notifications(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	limit, err := parseLimit(r)
	if err != nil {
		respondValidationError(w, err)
		return
	}
	unreadOnly := r.URL.Query().Get("unread") == "true"

	list, err := h.notifications.ListNotifications(r.Context(), userID, unreadOnly, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("user_id", sanitizeForLog(userID)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	if list == nil {
		list = []database.Notification{}
	}
	respondJSON(w, http.StatusOK, list)
}

// MarkRead marks one notification as read.
func (h *UsersHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	id := chi.URLParam(r, "id")

	ok, err := h.notifications.MarkNotificationRead(r.Context(), userID, id)
	if err != nil {
		h.logger.Error("failed to mark notification read", zap.String("notification_id", sanitizeForLog(id)), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to update notification")
		return
	}
	if !ok {
		respondError(w, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
