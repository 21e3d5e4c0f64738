package skills

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/providers"
	"github.com/musekit/muse/internal/store"
)

// ImageEditSkill edits an existing image by passing it to the image
// provider as the first reference alongside an edit prompt.
type ImageEditSkill struct {
	provider ImageProvider
	store    store.Store
	storage  MediaStore
}

// NewImageEditSkill creates an ImageEditSkill.
func NewImageEditSkill(p ImageProvider, s store.Store, media MediaStore) *ImageEditSkill {
	return &ImageEditSkill{provider: p, store: s, storage: media}
}

// EditParams are inputs for an image edit.
type EditParams struct {
	CharacterID       string
	Prompt            string
	SourceImageURL    string
	ExtraReferenceURL string
	AspectRatio       string
	EditType          string
	EditInstruction   string
	TaskID            string
}

// Edit generates an edited version of the source image. The source is
// always the first reference so the provider preserves its content.
func (sk *ImageEditSkill) Edit(ctx context.Context, params EditParams) (*ImageResult, error) {
	if err := requireCharacter(params.CharacterID); err != nil {
		return nil, err
	}
	if params.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if params.SourceImageURL == "" {
		return nil, fmt.Errorf("source image URL is required")
	}

	refs := []string{params.SourceImageURL}
	if params.ExtraReferenceURL != "" {
		refs = append(refs, params.ExtraReferenceURL)
	}

	width, height := AspectRatioSize(params.AspectRatio)

	result, err := sk.provider.Generate(ctx, providers.GenerateParams{
		Prompt:          params.Prompt,
		Width:           width,
		Height:          height,
		ReferenceImages: refs,
	})
	if err != nil {
		return nil, err
	}

	_, savedURL, err := sk.storage.SaveFromURL(ctx, result.ImageURL)
	if err != nil {
		return nil, fmt.Errorf("save edited image: %w", err)
	}

	meta := map[string]any{
		"prompt":           params.Prompt,
		"width":            width,
		"height":           height,
		"seed":             result.Seed,
		"edit_type":        params.EditType,
		"edit_instruction": params.EditInstruction,
		"source_image_url": params.SourceImageURL,
	}
	if params.ExtraReferenceURL != "" {
		meta["extra_reference_url"] = params.ExtraReferenceURL
	}
	metaJSON, _ := json.Marshal(meta)

	record := &models.Image{
		CharacterID:  params.CharacterID,
		Type:         models.ImageTypeContent,
		Status:       models.ImageStatusCompleted,
		TaskID:       params.TaskID,
		URL:          savedURL,
		MetadataJSON: string(metaJSON),
	}
	if err := sk.store.CreateImage(ctx, record); err != nil {
		return nil, err
	}

	return &ImageResult{
		ImageID:  record.ID,
		ImageURL: savedURL,
		Message:  "Image edited successfully!",
	}, nil
}
