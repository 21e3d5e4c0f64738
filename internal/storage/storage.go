// Package storage persists uploaded and generated media as blobs and
// maps them to servable URLs.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/store"
)

// Max download size for remote media (25 MB).
const maxDownloadBytes = 25 << 20

// Storage saves media blobs and resolves their public URLs.
type Storage struct {
	store   store.Store
	client  *http.Client
	baseURL string
}

// New creates a Storage. baseURL is the externally visible server URL;
// when empty, saved files resolve to relative /uploads/{id} paths.
func New(s store.Store, baseURL string) *Storage {
	return &Storage{
		store:   s,
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Save stores raw bytes as a blob and returns the saved record and its URL.
func (s *Storage) Save(ctx context.Context, filename, contentType string, data []byte) (*models.FileBlob, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty file: %s", filename)
	}
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	blob := &models.FileBlob{
		Filename:    filename,
		ContentType: contentType,
		Data:        data,
	}
	if err := s.store.CreateBlob(ctx, blob); err != nil {
		return nil, "", err
	}
	return blob, s.URL(blob.ID), nil
}

// SaveFromURL downloads remote media and stores it as a blob. Used to
// pin provider-hosted results that expire.
func (s *Storage) SaveFromURL(ctx context.Context, srcURL string) (*models.FileBlob, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build download request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download media: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download media: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read media body: %w", err)
	}

	filename := path.Base(srcURL)
	if i := strings.IndexAny(filename, "?#"); i >= 0 {
		filename = filename[:i]
	}
	if filename == "" || filename == "." || filename == "/" {
		filename = "download"
	}

	return s.Save(ctx, filename, resp.Header.Get("Content-Type"), data)
}

// Get fetches a stored blob by ID.
func (s *Storage) Get(ctx context.Context, id string) (*models.FileBlob, error) {
	return s.store.GetBlob(ctx, id)
}

// URL returns the public URL for a blob ID. Relative when no base URL
// is configured.
func (s *Storage) URL(id string) string {
	if s.baseURL == "" {
		return "/uploads/" + id
	}
	return s.baseURL + "/uploads/" + id
}
