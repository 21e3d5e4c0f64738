package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// GalleryClient resolves social post shortcodes to image URLs through
// a scraping proxy service.
type GalleryClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewGalleryClient creates a GalleryClient.
func NewGalleryClient(baseURL, apiKey string) *GalleryClient {
	return &GalleryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type galleryPostResponse struct {
	Images []struct {
		URL     string `json:"url"`
		IsVideo bool   `json:"is_video"`
	} `json:"images"`
	Error string `json:"error"`
}

// FetchPostImages returns the non-video image URLs of a post.
func (c *GalleryClient) FetchPostImages(ctx context.Context, shortcode string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/posts/"+shortcode, nil)
	if err != nil {
		return nil, fmt.Errorf("build post request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read post response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("post not found: %s", shortcode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch post: unexpected status %d", resp.StatusCode)
	}

	var parsed galleryPostResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse post response: %w", err)
	}
	if parsed.Error != "" {
		return nil, fmt.Errorf("fetch post: %s", parsed.Error)
	}

	urls := make([]string, 0, len(parsed.Images))
	for _, img := range parsed.Images {
		if img.IsVideo {
			continue
		}
		urls = append(urls, img.URL)
	}
	return urls, nil
}
