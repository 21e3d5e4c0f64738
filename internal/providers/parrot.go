package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"strings"
	"time"
)

// Default polling parameters for video jobs.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultPollTimeout  = 300 * time.Second
)

// ParrotOptions configures a ParrotClient.
type ParrotOptions struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *slog.Logger
}

// ParrotClient calls the Parrot video generation API. Jobs are
// asynchronous: create returns a job ID which is then polled.
type ParrotClient struct {
	baseURL      string
	apiKey       string
	client       *http.Client
	fetchClient  *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger
}

// NewParrotClient creates a Parrot client.
func NewParrotClient(opts ParrotOptions) *ParrotClient {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	timeout := opts.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	return &ParrotClient{
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		apiKey:       opts.APIKey,
		client:       &http.Client{Timeout: 60 * time.Second},
		fetchClient:  &http.Client{Timeout: 30 * time.Second},
		pollInterval: interval,
		pollTimeout:  timeout,
		logger:       logger,
	}
}

// VideoStatus is a normalized snapshot of a Parrot video job.
type VideoStatus struct {
	Status       string
	VideoURL     string
	ThumbnailURL string
	Duration     float64
}

type parrotCreateResponse struct {
	ID      string `json:"id"`
	VideoID string `json:"video_id"`
	JobID   string `json:"jobId"`
}

type parrotStatusResponse struct {
	Status       string  `json:"status"`
	VideoURL     string  `json:"video_url"`
	VideoURLAlt  string  `json:"videoUrl"`
	URL          string  `json:"url"`
	ThumbnailURL string  `json:"thumbnail_url"`
	ThumbnailAlt string  `json:"thumbnailUrl"`
	Duration     float64 `json:"duration"`
	Error        string  `json:"error"`
	Message      string  `json:"message"`
	ErrorMessage string  `json:"errorMessage"`
}

// CreateImageToVideo submits an image-to-video job and returns the job
// ID. imageSource may be an http(s) URL, a data URL, or a local path.
func (c *ParrotClient) CreateImageToVideo(ctx context.Context, imageSource, promptText string) (string, error) {
	filename, contentType, imageData, err := c.resolveImage(ctx, imageSource)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	if err != nil {
		return "", fmt.Errorf("build multipart image: %w", err)
	}
	if _, err := part.Write(imageData); err != nil {
		return "", fmt.Errorf("write multipart image: %w", err)
	}
	if err := w.WriteField("promptText", promptText); err != nil {
		return "", fmt.Errorf("write prompt field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	c.logger.Info("parrot create image-to-video", "prompt", truncate(promptText, 100))

	respBody, err := c.postWithAuthFallback(ctx, c.baseURL+"/image-to-video-v2", buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return "", err
	}

	var created parrotCreateResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("parse create response: %w", err)
	}

	videoID := created.ID
	if videoID == "" {
		videoID = created.VideoID
	}
	if videoID == "" {
		videoID = created.JobID
	}
	if videoID == "" {
		return "", fmt.Errorf("parrot did not return a video ID")
	}

	c.logger.Info("parrot job created", "video_id", videoID)
	return videoID, nil
}

// GetVideoStatus fetches a single job status snapshot.
func (c *ParrotClient) GetVideoStatus(ctx context.Context, videoID string) (*VideoStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/videos/"+videoID, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	c.setAuth(req, false)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("parrot status: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("parrot status: unexpected status %d", resp.StatusCode)
	}

	var parsed parrotStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse status response: %w", err)
	}

	status := &VideoStatus{
		Status:       parsed.Status,
		VideoURL:     firstNonEmpty(parsed.VideoURL, parsed.VideoURLAlt, parsed.URL),
		ThumbnailURL: firstNonEmpty(parsed.ThumbnailURL, parsed.ThumbnailAlt),
		Duration:     parsed.Duration,
	}
	if status.Status == "" {
		status.Status = "unknown"
	}
	if isFailedStatus(status.Status) {
		msg := firstNonEmpty(parsed.Error, parsed.Message, parsed.ErrorMessage)
		if msg == "" {
			msg = status.Status
		}
		return status, fmt.Errorf("video generation failed: %s", msg)
	}
	return status, nil
}

// WaitForVideo polls the job until it finishes, fails, or the poll
// ceiling elapses. Context cancellation aborts the wait.
func (c *ParrotClient) WaitForVideo(ctx context.Context, videoID string) (*VideoStatus, error) {
	deadline := time.Now().Add(c.pollTimeout)
	var lastStatus string

	for time.Now().Before(deadline) {
		status, err := c.GetVideoStatus(ctx, videoID)
		if err != nil && status != nil && isFailedStatus(status.Status) {
			return nil, err
		}
		if err == nil {
			if status.Status != lastStatus {
				c.logger.Info("parrot video status", "video_id", videoID, "status", status.Status)
				lastStatus = status.Status
			}
			if isFinishedStatus(status.Status) {
				if status.VideoURL != "" {
					return status, nil
				}
				c.logger.Warn("video completed but no URL", "video_id", videoID)
			}
		} else {
			// Transient status errors keep polling
			c.logger.Warn("parrot status check failed", "video_id", videoID, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}

	return nil, fmt.Errorf("video generation timed out after %s", c.pollTimeout)
}

// Health reports whether the Parrot server responds on /health.
func (c *ParrotClient) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	c.setAuth(req, false)
	resp, err := c.fetchClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// postWithAuthFallback posts with X-API-KEY auth and retries once with
// Bearer auth when the server rejects the key scheme.
func (c *ParrotClient) postWithAuthFallback(ctx context.Context, url string, body []byte, contentType string) ([]byte, error) {
	do := func(bearer bool) (int, []byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return 0, nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		c.setAuth(req, bearer)

		resp, err := c.client.Do(req)
		if err != nil {
			return 0, nil, fmt.Errorf("parrot request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
		}
		return resp.StatusCode, respBody, nil
	}

	code, respBody, err := do(false)
	if err != nil {
		return nil, err
	}
	if code >= 200 && code < 300 {
		return respBody, nil
	}

	if strings.Contains(string(respBody), "AUTHENTICATION_FAILED") && c.apiKey != "" {
		c.logger.Warn("parrot auth failed with X-API-KEY, retrying with Bearer")
		code, respBody, err = do(true)
		if err != nil {
			return nil, err
		}
		if code >= 200 && code < 300 {
			return respBody, nil
		}
	}

	c.logger.Error("parrot request failed", "status", code, "body", truncate(string(respBody), 2000))
	return nil, fmt.Errorf("parrot request: unexpected status %d", code)
}

func (c *ParrotClient) setAuth(req *http.Request, bearer bool) {
	if c.apiKey == "" {
		return
	}
	if bearer {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	} else {
		req.Header.Set("X-API-KEY", c.apiKey)
	}
}

// resolveImage loads image bytes from an http(s) URL, a data URL, or a
// local file path.
func (c *ParrotClient) resolveImage(ctx context.Context, source string) (filename, contentType string, data []byte, err error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		req, rerr := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if rerr != nil {
			return "", "", nil, fmt.Errorf("build image request: %w", rerr)
		}
		resp, rerr := c.fetchClient.Do(req)
		if rerr != nil {
			return "", "", nil, fmt.Errorf("download image: %w", rerr)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return "", "", nil, fmt.Errorf("download image: unexpected status %d", resp.StatusCode)
		}
		data, rerr = io.ReadAll(io.LimitReader(resp.Body, 25<<20))
		if rerr != nil {
			return "", "", nil, fmt.Errorf("read image body: %w", rerr)
		}
		return "image.jpg", "image/jpeg", data, nil

	case strings.HasPrefix(source, "data:"):
		header, encoded, ok := strings.Cut(source, ",")
		if !ok {
			return "", "", nil, fmt.Errorf("malformed data URL")
		}
		data, derr := base64.StdEncoding.DecodeString(encoded)
		if derr != nil {
			return "", "", nil, fmt.Errorf("decode data URL: %w", derr)
		}
		mime := strings.TrimPrefix(strings.SplitN(header, ";", 2)[0], "data:")
		ext := "jpg"
		if _, sub, ok := strings.Cut(mime, "/"); ok && sub != "" {
			ext = sub
		}
		return "image." + ext, mime, data, nil

	default:
		data, rerr := os.ReadFile(source)
		if rerr != nil {
			return "", "", nil, fmt.Errorf("read image file: %w", rerr)
		}
		ct := "image/jpeg"
		switch strings.ToLower(path.Ext(source)) {
		case ".png":
			ct = "image/png"
		case ".webp":
			ct = "image/webp"
		}
		return path.Base(source), ct, data, nil
	}
}

func isFinishedStatus(status string) bool {
	switch strings.ToLower(status) {
	case "finished", "completed", "done", "success":
		return true
	}
	return false
}

func isFailedStatus(status string) bool {
	switch strings.ToLower(status) {
	case "failed", "error":
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
