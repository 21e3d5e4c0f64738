package skills

import (
	"context"
	"fmt"

	"github.com/musekit/muse/internal/models"
	"github.com/musekit/muse/internal/store"
)

// CharacterSkill manages characters and their identity images.
type CharacterSkill struct {
	store   store.Store
	storage MediaStore
}

// NewCharacterSkill creates a CharacterSkill.
func NewCharacterSkill(s store.Store, media MediaStore) *CharacterSkill {
	return &CharacterSkill{store: s, storage: media}
}

// CharacterDetail is a character together with its approved identity
// images.
type CharacterDetail struct {
	Character      *models.Character
	IdentityImages []*models.Image
}

// Create creates a new draft character.
func (sk *CharacterSkill) Create(ctx context.Context, name, description, gender string) (*models.Character, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	c := &models.Character{
		Name:        name,
		Description: description,
		Gender:      gender,
		Status:      models.CharacterStatusDraft,
	}
	if err := sk.store.CreateCharacter(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Update applies non-empty fields to an existing character.
func (sk *CharacterSkill) Update(ctx context.Context, characterID, name, description string, status models.CharacterStatus) (*models.Character, error) {
	if err := requireCharacter(characterID); err != nil {
		return nil, err
	}
	c, err := sk.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if name != "" {
		c.Name = name
	}
	if description != "" {
		c.Description = description
	}
	if status != "" {
		c.Status = status
	}
	if err := sk.store.UpdateCharacter(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a character with its approved identity images.
func (sk *CharacterSkill) Get(ctx context.Context, characterID string) (*CharacterDetail, error) {
	if err := requireCharacter(characterID); err != nil {
		return nil, err
	}
	c, err := sk.store.GetCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	images, err := sk.IdentityImages(ctx, characterID)
	if err != nil {
		return nil, err
	}
	return &CharacterDetail{Character: c, IdentityImages: images}, nil
}

// List returns all characters, newest first.
func (sk *CharacterSkill) List(ctx context.Context) ([]*models.Character, error) {
	return sk.store.ListCharacters(ctx)
}

// IdentityImages returns the approved identity images of a character.
func (sk *CharacterSkill) IdentityImages(ctx context.Context, characterID string) ([]*models.Image, error) {
	return sk.store.ListImages(ctx, store.ImageListFilter{
		CharacterID:  characterID,
		Type:         models.ImageTypeIdentity,
		ApprovedOnly: true,
	})
}

// AddIdentityImage downloads an image and attaches it to the character
// as an approved identity image. At most MaxIdentityImages per
// character; a fourth is rejected.
func (sk *CharacterSkill) AddIdentityImage(ctx context.Context, characterID, imageURL string) (*models.Image, error) {
	if err := requireCharacter(characterID); err != nil {
		return nil, err
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image URL is required")
	}

	existing, err := sk.IdentityImages(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if len(existing) >= models.MaxIdentityImages {
		return nil, fmt.Errorf("identity image limit reached (%d)", models.MaxIdentityImages)
	}

	// Verify the character exists before persisting media
	if _, err := sk.store.GetCharacter(ctx, characterID); err != nil {
		return nil, err
	}

	_, savedURL, err := sk.storage.SaveFromURL(ctx, imageURL)
	if err != nil {
		return nil, fmt.Errorf("save identity image: %w", err)
	}

	img := &models.Image{
		CharacterID: characterID,
		Type:        models.ImageTypeIdentity,
		Status:      models.ImageStatusCompleted,
		URL:         savedURL,
		Approved:    true,
	}
	if err := sk.store.CreateImage(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// ApproveImage marks a generated identity image as approved, subject
// to the identity image cap.
func (sk *CharacterSkill) ApproveImage(ctx context.Context, imageID string) (*models.Image, error) {
	img, err := sk.store.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.Approved {
		return img, nil
	}
	if img.Type == models.ImageTypeIdentity {
		existing, err := sk.IdentityImages(ctx, img.CharacterID)
		if err != nil {
			return nil, err
		}
		if len(existing) >= models.MaxIdentityImages {
			return nil, fmt.Errorf("identity image limit reached (%d)", models.MaxIdentityImages)
		}
	}
	img.Approved = true
	if err := sk.store.UpdateImage(ctx, img); err != nil {
		return nil, err
	}
	return img, nil
}

// RemoveIdentityImage deletes an identity image record.
func (sk *CharacterSkill) RemoveIdentityImage(ctx context.Context, imageID string) error {
	img, err := sk.store.GetImage(ctx, imageID)
	if err != nil {
		return err
	}
	if img.Type != models.ImageTypeIdentity {
		return fmt.Errorf("image is not an identity image: %s", imageID)
	}
	return sk.store.DeleteImage(ctx, imageID)
}
