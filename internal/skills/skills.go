// Package skills implements the executable units behind confirmed
// generations: character management, image generation, video
// generation, image editing and reference gallery fetching. Skills
// talk to the providers and persist their results through the store.
package skills

import (
	"context"
	"fmt"

	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/providers"
)

// Aspect ratio dimensions. Portrait is the default.
const (
	AspectPortrait  = "9:16"
	AspectSquare    = "1:1"
	AspectLandscape = "16:9"
)

// AspectRatioSize maps an aspect ratio string to pixel dimensions.
// Unknown ratios fall back to portrait.
func AspectRatioSize(aspectRatio string) (width, height int) {
	switch aspectRatio {
	case AspectSquare:
		return 1024, 1024
	case AspectLandscape:
		return 1820, 1024
	default:
		return 1024, 1820
	}
}

// ImageProvider generates images. Satisfied by *providers.SeedreamClient.
type ImageProvider interface {
	Generate(ctx context.Context, params providers.GenerateParams) (*providers.GenerateResult, error)
}

// VideoProvider creates and polls video jobs. Satisfied by
// *providers.ParrotClient.
type VideoProvider interface {
	CreateImageToVideo(ctx context.Context, imageSource, promptText string) (string, error)
	WaitForVideo(ctx context.Context, videoID string) (*providers.VideoStatus, error)
}

// MediaStore persists fetched and generated media. Satisfied by
// *storage.Storage.
type MediaStore interface {
	Save(ctx context.Context, filename, contentType string, data []byte) (*models.FileBlob, string, error)
	SaveFromURL(ctx context.Context, srcURL string) (*models.FileBlob, string, error)
	URL(id string) string
}

// orderReferences arranges reference images for the image backend.
// Identity images carry the character's face and body; the user
// reference steers composition. In face_swap mode the user reference
// leads (it is the primary composition and only the face changes); in
// every other mode identity images lead and the user reference is
// appended last.
func orderReferences(identityURLs []string, userReferenceURL string, mode models.ReferenceMode) []string {
	if userReferenceURL == "" {
		return identityURLs
	}
	if mode == models.ReferenceModeFaceSwap {
		refs := make([]string, 0, len(identityURLs)+1)
		refs = append(refs, userReferenceURL)
		return append(refs, identityURLs...)
	}
	refs := make([]string, 0, len(identityURLs)+1)
	refs = append(refs, identityURLs...)
	return append(refs, userReferenceURL)
}

func requireCharacter(characterID string) error {
	if characterID == "" {
		return fmt.Errorf("character ID is required")
	}
	return nil
}
