// Package storage holds the photo bytes referenced by Photo.StorageRef.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kozaktomas/face-linker/internal/config"
)

// ErrNotFound is returned when no object exists for a ref.
var ErrNotFound = errors.New("object not found")

// Store reads and writes objects by storage ref.
type Store interface {
	Download(ctx context.Context, ref string) ([]byte, error)
	Upload(ctx context.Context, ref string, data []byte) error
}

// New returns the HTTP store when a base URL is configured and the local
// directory store otherwise.
func New(cfg config.StorageConfig) (Store, error) {
	if cfg.BaseURL != "" {
		return NewHTTPStore(cfg.BaseURL, nil)
	}
	return NewLocalStore(cfg.Dir)
}

// cleanRef rejects refs that are absolute or escape the storage root.
func cleanRef(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty storage ref")
	}
	cleaned := path.Clean("/" + ref)[1:]
	if cleaned == "" || cleaned != ref {
		return "", fmt.Errorf("invalid storage ref %q", ref)
	}
	return cleaned, nil
}

// LocalStore keeps objects as files under a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(ref string) (string, error) {
	cleaned, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Download reads the object at ref.
func (s *LocalStore) Download(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) //nolint:gosec // path confined to root by cleanRef
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", ref, err)
	}
	return data, nil
}

// Upload writes the object through a temp file and rename, so readers
// never see a partial file.
func (s *LocalStore) Upload(ctx context.Context, ref string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("rename %s: %w", ref, err)
	}
	return nil
}

// HTTPStore reads objects with GET and writes them with PUT relative to a
// base URL.
type HTTPStore struct {
	baseURL *url.URL
	client  *http.Client
}

// NewHTTPStore creates an HTTP store. A nil client gets a 60s timeout.
func NewHTTPStore(baseURL string, client *http.Client) (*HTTPStore, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid storage base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported storage URL scheme %q", u.Scheme)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPStore{baseURL: u, client: client}, nil
}

func (s *HTTPStore) objectURL(ref string) (string, error) {
	cleaned, err := cleanRef(ref)
	if err != nil {
		return "", err
	}
	return s.baseURL.JoinPath(cleaned).String(), nil
}

// Download fetches the object at ref.
func (s *HTTPStore) Download(ctx context.Context, ref string) ([]byte, error) {
	u, err := s.objectURL(ref)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}

	resp, err := s.client.Do(req) //nolint:gosec // URL built from the configured base URL
	if err != nil {
		return nil, fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", ref, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download %s failed with status %d: %s", ref, resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	return data, nil
}

// Upload stores the object at ref.
func (s *HTTPStore) Upload(ctx context.Context, ref string, data []byte) error {
	u, err := s.objectURL(ref)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", http.DetectContentType(data))

	resp, err := s.client.Do(req) //nolint:gosec // URL built from the configured base URL
	if err != nil {
		return fmt.Errorf("could not send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload %s failed with status %d: %s", ref, resp.StatusCode, body)
	}
	return nil
}
