package skills

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musekit/muse/internal/models"
)

func TestImageEdit(t *testing.T) {
	s := newSkillStore(t)
	c := seedCharacterWithIdentity(t, s, 1)
	provider := &fakeImageProvider{}
	sk := NewImageEditSkill(provider, s, &fakeMediaStore{})

	result, err := sk.Edit(context.Background(), EditParams{
		CharacterID:     c.ID,
		Prompt:          "replace the background with a beach",
		SourceImageURL:  "/uploads/source",
		AspectRatio:     AspectSquare,
		EditType:        "background",
		EditInstruction: "beach at sunset",
		TaskID:          "task-1",
	})
	require.NoError(t, err)

	// Source image is the first (and only) reference
	call := provider.lastCall(t)
	assert.Equal(t, []string{"/uploads/source"}, call.ReferenceImages)
	assert.Equal(t, 1024, call.Width)
	assert.Equal(t, 1024, call.Height)

	img, err := s.GetImage(context.Background(), result.ImageID)
	require.NoError(t, err)
	assert.Equal(t, models.ImageTypeContent, img.Type)
	assert.False(t, img.Approved)

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(img.MetadataJSON), &meta))
	assert.Equal(t, "background", meta["edit_type"])
	assert.Equal(t, "/uploads/source", meta["source_image_url"])
}

func TestImageEdit_ExtraReference(t *testing.T) {
	s := newSkillStore(t)
	c := seedCharacterWithIdentity(t, s, 1)
	provider := &fakeImageProvider{}
	sk := NewImageEditSkill(provider, s, &fakeMediaStore{})

	_, err := sk.Edit(context.Background(), EditParams{
		CharacterID:       c.ID,
		Prompt:            "wear this outfit",
		SourceImageURL:    "/uploads/source",
		ExtraReferenceURL: "/uploads/outfit",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/uploads/source", "/uploads/outfit"}, provider.lastCall(t).ReferenceImages)
}

func TestImageEdit_Validation(t *testing.T) {
	s := newSkillStore(t)
	sk := NewImageEditSkill(&fakeImageProvider{}, s, &fakeMediaStore{})
	ctx := context.Background()

	_, err := sk.Edit(ctx, EditParams{Prompt: "x", SourceImageURL: "y"})
	assert.ErrorContains(t, err, "character ID is required")

	_, err = sk.Edit(ctx, EditParams{CharacterID: "c1", SourceImageURL: "y"})
	assert.ErrorContains(t, err, "prompt is required")

	_, err = sk.Edit(ctx, EditParams{CharacterID: "c1", Prompt: "x"})
	assert.ErrorContains(t, err, "source image URL is required")
}
