package store

import (
	"context"

	"github.com/musekit/muse/internal/models"
)

// ImageListFilter specifies filters for listing images.
type ImageListFilter struct {
	CharacterID  string
	Type         models.ImageType
	Status       models.ImageStatus
	ApprovedOnly bool
	Limit        int
}

// Store defines the persistence interface for muse.
type Store interface {
	// Characters
	CreateCharacter(ctx context.Context, c *models.Character) error
	GetCharacter(ctx context.Context, id string) (*models.Character, error)
	ListCharacters(ctx context.Context) ([]*models.Character, error)
	UpdateCharacter(ctx context.Context, c *models.Character) error
	DeleteCharacter(ctx context.Context, id string) error

	// Images
	CreateImage(ctx context.Context, img *models.Image) error
	GetImage(ctx context.Context, id string) (*models.Image, error)
	ListImages(ctx context.Context, filter ImageListFilter) ([]*models.Image, error)
	UpdateImage(ctx context.Context, img *models.Image) error
	DeleteImage(ctx context.Context, id string) error

	// Videos
	CreateVideo(ctx context.Context, v *models.Video) error
	GetVideo(ctx context.Context, id string) (*models.Video, error)
	ListVideos(ctx context.Context, characterID string) ([]*models.Video, error)

	// Users and token ledger
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	// AdjustTokenBalance applies delta to the user's balance and writes the
	// audit row in a single transaction. A negative delta that would drive
	// the balance below zero fails without mutating anything.
	AdjustTokenBalance(ctx context.Context, userID string, delta int, txType, referenceID string) (*models.TokenTransaction, error)
	ListTokenTransactions(ctx context.Context, userID string, limit int) ([]*models.TokenTransaction, error)

	// File blobs
	CreateBlob(ctx context.Context, b *models.FileBlob) error
	GetBlob(ctx context.Context, id string) (*models.FileBlob, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
