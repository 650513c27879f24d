package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/mock"
	"github.com/kozaktomas/face-linker/internal/engine"
	"github.com/kozaktomas/face-linker/internal/recognition"
	"github.com/kozaktomas/face-linker/internal/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRegistrar struct {
	res    *engine.RegistrationResult
	err    error
	userID string
	image  []byte
}

func (f *fakeRegistrar) Register(_ context.Context, userID string, image []byte) (*engine.RegistrationResult, error) {
	f.userID, f.image = userID, image
	return f.res, f.err
}

func TestIdentitiesHandler_Register(t *testing.T) {
	tests := []struct {
		name       string
		fields     map[string]string
		image      []byte
		res        *engine.RegistrationResult
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "created",
			fields:     map[string]string{"user_id": "U1"},
			image:      []byte("img"),
			res:        &engine.RegistrationResult{UserID: "U1", FaceID: "f-1", State: engine.StateDone},
			wantStatus: http.StatusCreated,
			wantBody:   `"faceId":"f-1"`,
		},
		{
			name:       "reused",
			fields:     map[string]string{"user_id": "U1"},
			image:      []byte("img"),
			res:        &engine.RegistrationResult{UserID: "U1", FaceID: "f-1", Reused: true, State: engine.StateDone},
			wantStatus: http.StatusOK,
			wantBody:   `"reused":true`,
		},
		{
			name:   "rejected",
			fields: map[string]string{"user_id": "U1"},
			image:  []byte("img"),
			err: &engine.RegistrationError{
				State: engine.StateRejected, Step: engine.StateDetectingFace, Err: recognition.ErrNoFaceDetected,
			},
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   `"state":"rejected"`,
		},
		{
			name:   "service failure",
			fields: map[string]string{"user_id": "U1"},
			image:  []byte("img"),
			err: &engine.RegistrationError{
				State: engine.StateServiceFailure, Step: engine.StateIndexing, Err: recognition.ErrServiceUnavailable,
			},
			wantStatus: http.StatusBadGateway,
			wantBody:   `"step":"indexing"`,
		},
		{
			name:       "unexpected error",
			fields:     map[string]string{"user_id": "U1"},
			image:      []byte("img"),
			err:        errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "missing user",
			image:      []byte("img"),
			wantStatus: http.StatusBadRequest,
			wantBody:   "user_id is invalid (required)",
		},
		{
			name:       "user with slash",
			fields:     map[string]string{"user_id": "a/b"},
			image:      []byte("img"),
			wantStatus: http.StatusBadRequest,
			wantBody:   "user_id is invalid",
		},
		{
			name:       "missing image",
			fields:     map[string]string{"user_id": "U1"},
			wantStatus: http.StatusBadRequest,
			wantBody:   "image is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := &fakeRegistrar{res: tt.res, err: tt.err}
			h := NewIdentitiesHandler(reg, mock.NewMockIdentityStore(), zap.NewNop())

			rec := httptest.NewRecorder()
			h.Register(rec, multipartRequest(t, "/api/v1/identities", tt.fields, tt.image))

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantBody != "" {
				assert.Contains(t, rec.Body.String(), tt.wantBody)
			}
			if tt.wantStatus < 300 {
				assert.Equal(t, "U1", reg.userID)
				assert.Equal(t, tt.image, reg.image)
			}
		})
	}
}

func TestIdentitiesHandler_Get(t *testing.T) {
	store := mock.NewMockIdentityStore()
	store.AddIdentity(database.Identity{UserID: "U1", CanonicalFaceID: "f-1"})
	h := NewIdentitiesHandler(nil, store, zap.NewNop())

	rec := httptest.NewRecorder()
	h.Get(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"userId": "U1"}))
	require.Equal(t, http.StatusOK, rec.Code)
	var got database.Identity
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "f-1", got.CanonicalFaceID)

	rec = httptest.NewRecorder()
	h.Get(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"userId": "U2"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store.GetError = errors.New("db down")
	rec = httptest.NewRecorder()
	h.Get(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"userId": "U1"}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

type fakePhotoService struct {
	photo     *database.Photo
	uploadErr error
	task      *database.BackgroundTask
	queueErr  error
	photoID   string
}

func (f *fakePhotoService) UploadPhoto(_ context.Context, photoID string, _ []byte) (*database.Photo, error) {
	f.photoID = photoID
	return f.photo, f.uploadErr
}

func (f *fakePhotoService) RequestRematch(_ context.Context, photoID string) (*database.BackgroundTask, error) {
	f.photoID = photoID
	return f.task, f.queueErr
}

func TestPhotosHandler_Upload(t *testing.T) {
	svc := &fakePhotoService{photo: &database.Photo{
		PhotoID:      "P1",
		MatchedUsers: []database.MatchedUser{{UserID: "U1", Confidence: 92, MatchType: database.MatchTypeDirect}},
	}}
	h := NewPhotosHandler(svc, mock.NewMockPhotoStore(), zap.NewNop())

	rec := httptest.NewRecorder()
	h.Upload(rec, multipartRequest(t, "/api/v1/photos", map[string]string{"photo_id": "P1"}, []byte("img")))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "P1", svc.photoID)
	assert.Contains(t, rec.Body.String(), `"matchType":"direct"`)

	svc.uploadErr = fmt.Errorf("%w: bad header", recognition.ErrMalformedImage)
	rec = httptest.NewRecorder()
	h.Upload(rec, multipartRequest(t, "/api/v1/photos", nil, []byte("img")))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, svc.photoID, "photo id is optional")

	svc.uploadErr = fmt.Errorf("create photo: photo P1: %w", database.ErrAlreadyExists)
	rec = httptest.NewRecorder()
	h.Upload(rec, multipartRequest(t, "/api/v1/photos", map[string]string{"photo_id": "P1"}, []byte("img")))
	assert.Equal(t, http.StatusConflict, rec.Code)

	svc.uploadErr = errors.New("disk full")
	rec = httptest.NewRecorder()
	h.Upload(rec, multipartRequest(t, "/api/v1/photos", nil, []byte("img")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.Upload(rec, multipartRequest(t, "/api/v1/photos", map[string]string{"photo_id": "../P1"}, []byte("img")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPhotosHandler_GetAndRematch(t *testing.T) {
	photos := mock.NewMockPhotoStore()
	photos.AddPhoto(database.Photo{PhotoID: "P1", StorageRef: "photos/P1.png"})
	svc := &fakePhotoService{task: &database.BackgroundTask{ID: "t1", Type: database.TaskTypePhotoRematch}}
	h := NewPhotosHandler(svc, photos, zap.NewNop())

	get := func(id string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Get(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"photoId": id}))
		return rec
	}
	assert.Equal(t, http.StatusOK, get("P1").Code)
	assert.Equal(t, http.StatusNotFound, get("P2").Code)

	rematch := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		h.Rematch(rec, requestWithChiParams(httptest.NewRequest(http.MethodPost, "/", nil), map[string]string{"photoId": "P1"}))
		return rec
	}
	rec := rematch()
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"photo_rematch"`)

	svc.queueErr = taskqueue.ErrQueueFull
	assert.Equal(t, http.StatusServiceUnavailable, rematch().Code)
	svc.queueErr = fmt.Errorf("photo P1: %w", database.ErrNotFound)
	assert.Equal(t, http.StatusNotFound, rematch().Code)
	svc.queueErr = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, rematch().Code)
}

func TestUsersHandler(t *testing.T) {
	ctx := context.Background()
	records := mock.NewMockMatchRecordStore()
	notifications := mock.NewMockNotificationStore()
	require.NoError(t, records.UpsertMatchRecord(ctx, database.MatchRecord{
		UserID: "U1", PhotoID: "P1", Confidence: 95, MatchType: database.MatchTypeHistorical, MatchedAt: time.Now(),
	}))
	require.NoError(t, notifications.CreateNotification(ctx, &database.Notification{
		ID: "n1", UserID: "U1", PhotoID: "P1", Kind: database.NotificationKindPhotoMatch, CreatedAt: time.Now(),
	}))
	h := NewUsersHandler(records, notifications, zap.NewNop())
	params := map[string]string{"userId": "U1"}

	rec := httptest.NewRecorder()
	h.Matches(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), params))
	require.Equal(t, http.StatusOK, rec.Code)
	var matches []database.MatchRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&matches))
	require.Len(t, matches, 1)
	assert.Equal(t, "P1", matches[0].PhotoID)

	rec = httptest.NewRecorder()
	h.Matches(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"userId": "nobody"}))
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = httptest.NewRecorder()
	h.Matches(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/?limit=9999", nil), params))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.Notifications(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/?unread=true", nil), params))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"n1"`)

	markRead := func(id string) int {
		rec := httptest.NewRecorder()
		h.MarkRead(rec, requestWithChiParams(httptest.NewRequest(http.MethodPost, "/", nil),
			map[string]string{"userId": "U1", "id": id}))
		return rec.Code
	}
	assert.Equal(t, http.StatusNoContent, markRead("n1"))
	assert.Equal(t, http.StatusNotFound, markRead("n2"))

	rec = httptest.NewRecorder()
	h.Notifications(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/?unread=true", nil), params))
	assert.Equal(t, "[]\n", rec.Body.String())
}

func TestTasksHandler(t *testing.T) {
	ctx := context.Background()
	store := mock.NewMockTaskStore()
	for i, status := range []database.TaskStatus{database.TaskStatusPending, database.TaskStatusFailed} {
		require.NoError(t, store.CreateTask(ctx, &database.BackgroundTask{
			ID: fmt.Sprintf("t%d", i), Type: database.TaskTypeHistoricalBackfill, Status: status,
			Payload: json.RawMessage(`{}`),
		}))
	}
	h := NewTasksHandler(store, zap.NewNop())

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/?status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []database.BackgroundTask
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, "t1", tasks[0].ID)

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/?status=bogus", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "status is invalid (oneof)")

	rec = httptest.NewRecorder()
	h.Get(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"taskId": "t0"}))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.Get(rec, requestWithChiParams(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"taskId": "nope"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(nil).Health(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	h := NewHealthHandler(map[string]HealthCheck{
		"database":    func(context.Context) error { return nil },
		"recognition": func(context.Context) error { return errors.New("connection refused") },
	})
	rec = httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Checks["database"])
	assert.True(t, strings.Contains(body.Checks["recognition"], "refused"))
}
