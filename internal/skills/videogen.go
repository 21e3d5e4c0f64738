package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/store"
)

// VideoGenerationSkill generates videos by animating an image through
// the video provider. The composite path generates the image first.
type VideoGenerationSkill struct {
	provider   VideoProvider
	imageSkill *ImageGenerationSkill
	store      store.Store
	storage    MediaStore
	logger     *slog.Logger
}

// NewVideoGenerationSkill creates a VideoGenerationSkill.
func NewVideoGenerationSkill(p VideoProvider, imageSkill *ImageGenerationSkill, s store.Store, media MediaStore, logger *slog.Logger) *VideoGenerationSkill {
	if logger == nil {
		logger = slog.Default()
	}
	return &VideoGenerationSkill{provider: p, imageSkill: imageSkill, store: s, storage: media, logger: logger}
}

// VideoResult is a completed video generation.
type VideoResult struct {
	VideoID        string
	VideoURL       string
	ThumbnailURL   string
	Duration       float64
	SourceImageID  string
	SourceImageURL string
	Message        string
}

// VideoParams are inputs for a composite image-then-video generation.
type VideoParams struct {
	CharacterID string
	ImagePrompt string
	VideoPrompt string
	AspectRatio string
	Style       string
	Clothing    string
	TaskID      string
}

const defaultMotionPrompt = "natural movement, slight motion"

// GenerateFromImage animates an existing image into a video.
func (sk *VideoGenerationSkill) GenerateFromImage(ctx context.Context, characterID, sourceImageURL, videoPrompt, taskID string) (*VideoResult, error) {
	if err := requireCharacter(characterID); err != nil {
		return nil, err
	}
	if sourceImageURL == "" {
		return nil, fmt.Errorf("source image URL is required")
	}
	if videoPrompt == "" {
		videoPrompt = defaultMotionPrompt
	}

	jobID, err := sk.provider.CreateImageToVideo(ctx, sourceImageURL, videoPrompt)
	if err != nil {
		return nil, err
	}

	status, err := sk.provider.WaitForVideo(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if status.VideoURL == "" {
		return nil, fmt.Errorf("no video URL in response")
	}

	_, savedURL, err := sk.storage.SaveFromURL(ctx, status.VideoURL)
	if err != nil {
		return nil, fmt.Errorf("save generated video: %w", err)
	}

	metaJSON, _ := json.Marshal(map[string]any{
		"prompt":           videoPrompt,
		"source_image_url": sourceImageURL,
		"job_id":           jobID,
		"task_id":          taskID,
	})
	video := &models.Video{
		CharacterID:  characterID,
		Type:         models.VideoTypeFromPrompt(videoPrompt),
		Status:       models.VideoStatusCompleted,
		URL:          savedURL,
		ThumbnailURL: status.ThumbnailURL,
		Duration:     status.Duration,
		MetadataJSON: string(metaJSON),
	}
	if err := sk.store.CreateVideo(ctx, video); err != nil {
		return nil, err
	}

	return &VideoResult{
		VideoID:      video.ID,
		VideoURL:     savedURL,
		ThumbnailURL: status.ThumbnailURL,
		Duration:     status.Duration,
		Message:      "Video generated successfully!",
	}, nil
}

// GenerateWithImage generates a content image first, then animates it.
func (sk *VideoGenerationSkill) GenerateWithImage(ctx context.Context, params VideoParams) (*VideoResult, error) {
	if err := requireCharacter(params.CharacterID); err != nil {
		return nil, err
	}
	if params.VideoPrompt == "" {
		params.VideoPrompt = defaultMotionPrompt
	}

	imageResult, err := sk.imageSkill.GenerateContent(ctx, ContentParams{
		CharacterID: params.CharacterID,
		Prompt:      params.ImagePrompt,
		AspectRatio: params.AspectRatio,
		Style:       params.Style,
		Clothing:    params.Clothing,
		TaskID:      params.TaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("image generation failed: %w", err)
	}

	result, err := sk.GenerateFromImage(ctx, params.CharacterID, imageResult.ImageURL, params.VideoPrompt, params.TaskID)
	if err != nil {
		return nil, err
	}

	result.SourceImageID = imageResult.ImageID
	result.SourceImageURL = imageResult.ImageURL
	result.Message = "Both image and video generated successfully!"
	return result, nil
}
