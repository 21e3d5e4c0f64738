// Package providers contains HTTP clients for the external generation
// backends: Seedream for images and Parrot for videos.
package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// SeedreamOptions configures a SeedreamClient.
type SeedreamOptions struct {
	BaseURL       string
	APIKey        string
	AuthHeader    string // defaults to "Authorization"
	AuthScheme    string // defaults to "Bearer"; only used with the Authorization header
	PublicBaseURL string // resolves relative /uploads paths in reference image URLs
	Logger        *slog.Logger
}

// SeedreamClient calls the Seedream image generation API.
type SeedreamClient struct {
	baseURL       string
	apiKey        string
	authHeader    string
	authScheme    string
	publicBaseURL string
	client        *http.Client
	fetchClient   *http.Client
	logger        *slog.Logger
}

// NewSeedreamClient creates a Seedream client. Generation can take
// minutes, so the request timeout is generous.
func NewSeedreamClient(opts SeedreamOptions) *SeedreamClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authHeader := opts.AuthHeader
	if authHeader == "" {
		authHeader = "Authorization"
	}
	authScheme := opts.AuthScheme
	if authScheme == "" {
		authScheme = "Bearer"
	}
	return &SeedreamClient{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		apiKey:        opts.APIKey,
		authHeader:    authHeader,
		authScheme:    authScheme,
		publicBaseURL: strings.TrimRight(opts.PublicBaseURL, "/"),
		client:        &http.Client{Timeout: 300 * time.Second},
		fetchClient:   &http.Client{Timeout: 30 * time.Second},
		logger:        logger,
	}
}

// GenerateParams are the inputs to a Seedream generation request.
type GenerateParams struct {
	Prompt          string
	NegativePrompt  string
	Width           int
	Height          int
	Steps           int
	GuidanceScale   float64
	Seed            *int64
	ReferenceImages []string // URLs or data URLs; order is significant
}

// GenerateResult is a completed Seedream generation.
type GenerateResult struct {
	ImageURL string `json:"image_url"`
	Seed     int64  `json:"seed"`
}

type seedreamResponse struct {
	ImageURL string `json:"image_url"`
	Seed     int64  `json:"seed"`
	Data     []struct {
		URL      string `json:"url"`
		ImageURL string `json:"image_url"`
	} `json:"data"`
}

// Generate runs an image generation request. Reference images are
// fetched and inlined as data URLs; individual fetch failures are
// skipped with a warning rather than failing the whole request.
func (c *SeedreamClient) Generate(ctx context.Context, params GenerateParams) (*GenerateResult, error) {
	if params.Width <= 0 {
		params.Width = 1024
	}
	if params.Height <= 0 {
		params.Height = 1024
	}
	if params.Steps <= 0 {
		params.Steps = 30
	}
	if params.GuidanceScale <= 0 {
		params.GuidanceScale = 7.5
	}

	payload := map[string]any{
		"prompt":          params.Prompt,
		"negative_prompt": params.NegativePrompt,
		"steps":           params.Steps,
		"guidance_scale":  params.GuidanceScale,
		"size":            fmt.Sprintf("%dx%d", params.Width, params.Height),
	}
	if params.Seed != nil {
		payload["seed"] = *params.Seed
	}

	if len(params.ReferenceImages) > 0 {
		prepared := c.prepareReferences(ctx, params.ReferenceImages)
		switch len(prepared) {
		case 0:
			c.logger.Warn("all reference images failed to load, skipping references")
		case 1:
			payload["image"] = prepared[0]
		default:
			payload["image"] = prepared
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal generate payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("seedream generate: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read generate response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("seedream generate failed",
			"status", resp.StatusCode,
			"body", truncate(string(respBody), 2000))
		return nil, fmt.Errorf("seedream generate: unexpected status %d", resp.StatusCode)
	}

	var parsed seedreamResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse generate response: %w", err)
	}

	imageURL := parsed.ImageURL
	if imageURL == "" && len(parsed.Data) > 0 {
		imageURL = parsed.Data[0].URL
		if imageURL == "" {
			imageURL = parsed.Data[0].ImageURL
		}
	}
	if imageURL == "" {
		return nil, fmt.Errorf("seedream response missing image URL")
	}

	return &GenerateResult{ImageURL: imageURL, Seed: parsed.Seed}, nil
}

// Health reports whether the Seedream server responds on /health.
func (c *SeedreamClient) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *SeedreamClient) setAuth(req *http.Request) {
	if c.apiKey == "" {
		return
	}
	if strings.EqualFold(c.authHeader, "authorization") {
		req.Header.Set(c.authHeader, strings.TrimSpace(c.authScheme+" "+c.apiKey))
	} else {
		req.Header.Set(c.authHeader, c.apiKey)
	}
}

// prepareReferences converts reference image URLs into inline data
// URLs, dropping any that cannot be fetched.
func (c *SeedreamClient) prepareReferences(ctx context.Context, refs []string) []string {
	prepared := make([]string, 0, len(refs))
	for _, ref := range refs {
		dataURL, err := c.toDataURL(ctx, ref)
		if err != nil {
			c.logger.Warn("failed to fetch reference image", "url", ref, "error", err)
			continue
		}
		prepared = append(prepared, dataURL)
	}
	return prepared
}

func (c *SeedreamClient) toDataURL(ctx context.Context, imageURL string) (string, error) {
	if strings.HasPrefix(imageURL, "data:image/") {
		return imageURL, nil
	}
	if strings.HasPrefix(imageURL, "/") && c.publicBaseURL != "" {
		imageURL = c.publicBaseURL + imageURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return "", fmt.Errorf("build reference request: %w", err)
	}
	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch reference: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch reference: unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 25<<20))
	if err != nil {
		return "", fmt.Errorf("read reference body: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" || !strings.HasPrefix(mime, "image/") {
		mime = http.DetectContentType(data)
	}

	return BytesToDataURL(data, mime), nil
}

// BytesToDataURL encodes raw image bytes as a base64 data URL.
func BytesToDataURL(data []byte, contentType string) string {
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
