package models

import "time"

// ImageType distinguishes identity (base) images from generated content.
type ImageType string

const (
	// ImageTypeIdentity marks an image that establishes the character's
	// persistent appearance. Only approved identity images are used as
	// generation references.
	ImageTypeIdentity ImageType = "identity"
	ImageTypeContent  ImageType = "content"
)

// ImageStatus tracks the generation state of a persisted image record.
type ImageStatus string

const (
	ImageStatusGenerating ImageStatus = "generating"
	ImageStatusCompleted  ImageStatus = "completed"
	ImageStatusFailed     ImageStatus = "failed"
)

// MaxIdentityImages caps approved identity images per character.
const MaxIdentityImages = 3

// Image is a persisted image record tied to a character.
type Image struct {
	ID           string
	CharacterID  string
	Type         ImageType
	Status       ImageStatus
	TaskID       string
	URL          string
	Approved     bool
	MetadataJSON string
	ErrorMessage string
	CreatedAt    time.Time
}
