package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/kozaktomas/face-linker/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanRef(t *testing.T) {
	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{ref: "photos/p1.jpeg", want: "photos/p1.jpeg"},
		{ref: "p1.png", want: "p1.png"},
		{ref: "", wantErr: true},
		{ref: "/etc/passwd", wantErr: true},
		{ref: "../secret", wantErr: true},
		{ref: "photos/../../secret", wantErr: true},
		{ref: "photos/", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := cleanRef(tt.ref)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocalStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "photos/p1.png", []byte("first")))
	require.NoError(t, store.Upload(ctx, "photos/p1.png", []byte("second")))

	data, err := store.Download(ctx, "photos/p1.png")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Join(dir, "photos"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestLocalStore_Errors(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Download(ctx, "missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, store.Upload(ctx, "../escape.png", []byte("x")))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, store.Upload(cancelled, "p.png", []byte("x")), context.Canceled)

	_, err = NewLocalStore("")
	assert.Error(t, err)
}

func newObjectServer(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	objects := map[string][]byte{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			body, _ := io.ReadAll(r.Body)
			objects[r.URL.Path] = body
			w.WriteHeader(http.StatusCreated)
		case http.MethodGet:
			if strings.Contains(r.URL.Path, "broken") {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			data, ok := objects[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Write(data)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPStore(t *testing.T) {
	srv := newObjectServer(t)
	store, err := NewHTTPStore(srv.URL+"/bucket/", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "photos/p1.png", []byte("img")))
	data, err := store.Download(ctx, "photos/p1.png")
	require.NoError(t, err)
	assert.Equal(t, "img", string(data))

	_, err = store.Download(ctx, "photos/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Download(ctx, "photos/broken.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestNew(t *testing.T) {
	local, err := New(config.StorageConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, local)

	remote, err := New(config.StorageConfig{Dir: t.TempDir(), BaseURL: "https://objects.example.com/photos"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPStore{}, remote)

	_, err = New(config.StorageConfig{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
}
