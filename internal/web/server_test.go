package web

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/kozaktomas/face-linker/internal/database"
	"github.com/kozaktomas/face-linker/internal/database/mock"
	"github.com/kozaktomas/face-linker/internal/web/handlers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	photos := mock.NewMockPhotoStore()
	photos.AddPhoto(database.Photo{PhotoID: "P1"})
	s := NewServer(config.WebConfig{Host: "127.0.0.1", Port: 0}, Deps{
		Identities:    mock.NewMockIdentityStore(),
		PhotoReader:   photos,
		Records:       mock.NewMockMatchRecordStore(),
		Notifications: mock.NewMockNotificationStore(),
		Tasks:         mock.NewMockTaskStore(),
		HealthChecks: map[string]handlers.HealthCheck{
			"database": func(context.Context) error { return nil },
		},
	}, zap.NewNop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestRoutes(t *testing.T) {
	srv := testServer(t)

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/health", http.StatusOK},
		{"/api/v1/photos/P1", http.StatusOK},
		{"/api/v1/photos/P2", http.StatusNotFound},
		{"/api/v1/identities/U1", http.StatusNotFound},
		{"/api/v1/users/U1/matches", http.StatusOK},
		{"/api/v1/users/U1/notifications", http.StatusOK},
		{"/api/v1/tasks", http.StatusOK},
		{"/api/v1/nope", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := testServer(t)

	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `facelinker_http_request_duration_seconds_count{method="GET",route="/api/v1/health",status="200"}`)
}
