package models

import "time"

// CharacterStatus represents the lifecycle state of a character.
type CharacterStatus string

const (
	CharacterStatusDraft  CharacterStatus = "draft"
	CharacterStatusActive CharacterStatus = "active"
)

// Character is an AI persona whose appearance is anchored by approved
// identity images and reused across generations.
type Character struct {
	ID          string
	Name        string
	Description string
	Gender      string
	Status      CharacterStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
