package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/providers"
	"github.com/musekit/muse/internal/store"
)

// ImageGenerationSkill generates character images through the image
// provider and persists the results.
type ImageGenerationSkill struct {
	provider ImageProvider
	store    store.Store
	storage  MediaStore
	logger   *slog.Logger
}

// NewImageGenerationSkill creates an ImageGenerationSkill.
func NewImageGenerationSkill(p ImageProvider, s store.Store, media MediaStore, logger *slog.Logger) *ImageGenerationSkill {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImageGenerationSkill{provider: p, store: s, storage: media, logger: logger}
}

// ImageResult is a completed image generation.
type ImageResult struct {
	ImageID  string
	ImageURL string
	Message  string
}

// IdentityParams are inputs for an identity image generation.
type IdentityParams struct {
	CharacterID string
	Prompt      string
	AspectRatio string
	TaskID      string
}

// ContentParams are inputs for a content image generation.
type ContentParams struct {
	CharacterID       string
	Prompt            string
	AspectRatio       string
	Style             string
	Clothing          string
	ReferenceImageURL string
	ReferenceMode     models.ReferenceMode
	TaskID            string
}

// GenerateIdentity generates an identity candidate with no reference
// images. The result is unapproved until the user accepts it.
func (sk *ImageGenerationSkill) GenerateIdentity(ctx context.Context, params IdentityParams) (*ImageResult, error) {
	if err := requireCharacter(params.CharacterID); err != nil {
		return nil, err
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	width, height := AspectRatioSize(params.AspectRatio)

	record, err := sk.beginRecord(ctx, params.CharacterID, models.ImageTypeIdentity, params.TaskID, map[string]any{
		"prompt": params.Prompt,
		"width":  width,
		"height": height,
	})
	if err != nil {
		return nil, err
	}

	result, err := sk.provider.Generate(ctx, providers.GenerateParams{
		Prompt: params.Prompt,
		Width:  width,
		Height: height,
	})
	if err != nil {
		return nil, sk.failRecord(ctx, record, err)
	}

	url, err := sk.finishRecord(ctx, record, result, map[string]any{
		"prompt": params.Prompt,
		"width":  width,
		"height": height,
		"seed":   result.Seed,
	})
	if err != nil {
		return nil, err
	}

	return &ImageResult{
		ImageID:  record.ID,
		ImageURL: url,
		Message:  "Identity image generated. Approve it to use it for content generation.",
	}, nil
}

// GenerateContent generates a content image grounded on the
// character's approved identity images. Reference order follows the
// mode: face_swap sends the user reference first, identity images
// after; all other modes send identity images first and the user
// reference last.
func (sk *ImageGenerationSkill) GenerateContent(ctx context.Context, params ContentParams) (*ImageResult, error) {
	if err := requireCharacter(params.CharacterID); err != nil {
		return nil, err
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	identity, err := sk.store.ListImages(ctx, store.ImageListFilter{
		CharacterID:  params.CharacterID,
		Type:         models.ImageTypeIdentity,
		ApprovedOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if len(identity) == 0 {
		return nil, fmt.Errorf("character has no approved identity images")
	}

	identityURLs := make([]string, 0, len(identity))
	for _, img := range identity {
		identityURLs = append(identityURLs, img.URL)
	}
	refs := orderReferences(identityURLs, params.ReferenceImageURL, params.ReferenceMode)

	sk.logger.Info("content generation references",
		"identity_count", len(identityURLs),
		"has_user_reference", params.ReferenceImageURL != "",
		"mode", string(params.ReferenceMode))

	width, height := AspectRatioSize(params.AspectRatio)

	meta := map[string]any{
		"prompt":   params.Prompt,
		"width":    width,
		"height":   height,
		"style":    params.Style,
		"clothing": params.Clothing,
	}
	if params.ReferenceImageURL != "" {
		meta["user_reference_url"] = params.ReferenceImageURL
		meta["reference_mode"] = string(params.ReferenceMode)
	}

	record, err := sk.beginRecord(ctx, params.CharacterID, models.ImageTypeContent, params.TaskID, meta)
	if err != nil {
		return nil, err
	}

	result, err := sk.provider.Generate(ctx, providers.GenerateParams{
		Prompt:          params.Prompt,
		Width:           width,
		Height:          height,
		ReferenceImages: refs,
	})
	if err != nil {
		return nil, sk.failRecord(ctx, record, err)
	}

	meta["seed"] = result.Seed
	meta["identity_image_count"] = len(identityURLs)
	meta["total_reference_count"] = len(refs)

	url, err := sk.finishRecord(ctx, record, result, meta)
	if err != nil {
		return nil, err
	}

	return &ImageResult{
		ImageID:  record.ID,
		ImageURL: url,
		Message:  "Image generated successfully!",
	}, nil
}

// beginRecord inserts a generating placeholder so the gallery can show
// in-flight work.
func (sk *ImageGenerationSkill) beginRecord(ctx context.Context, characterID string, typ models.ImageType, taskID string, meta map[string]any) (*models.Image, error) {
	metaJSON, _ := json.Marshal(meta)
	record := &models.Image{
		CharacterID:  characterID,
		Type:         typ,
		Status:       models.ImageStatusGenerating,
		TaskID:       taskID,
		MetadataJSON: string(metaJSON),
	}
	if err := sk.store.CreateImage(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// failRecord marks the placeholder failed and returns the original error.
func (sk *ImageGenerationSkill) failRecord(ctx context.Context, record *models.Image, genErr error) error {
	record.Status = models.ImageStatusFailed
	record.ErrorMessage = genErr.Error()
	if err := sk.store.UpdateImage(ctx, record); err != nil {
		sk.logger.Error("failed to mark image record failed", "image_id", record.ID, "error", err)
	}
	return genErr
}

// finishRecord pins the provider result into storage and completes the
// record.
func (sk *ImageGenerationSkill) finishRecord(ctx context.Context, record *models.Image, result *providers.GenerateResult, meta map[string]any) (string, error) {
	_, savedURL, err := sk.storage.SaveFromURL(ctx, result.ImageURL)
	if err != nil {
		return "", sk.failRecord(ctx, record, fmt.Errorf("save generated image: %w", err))
	}

	metaJSON, _ := json.Marshal(meta)
	record.Status = models.ImageStatusCompleted
	record.URL = savedURL
	record.MetadataJSON = string(metaJSON)
	if err := sk.store.UpdateImage(ctx, record); err != nil {
		return "", err
	}
	return savedURL, nil
}
