package models

import (
	"strings"
	"time"
)

// VideoType categorizes generated videos by their motion prompt.
type VideoType string

const (
	VideoTypeVlog    VideoType = "vlog"
	VideoTypeDance   VideoType = "dance"
	VideoTypeLipsync VideoType = "lipsync"
)

// VideoStatus tracks the generation state of a persisted video record.
type VideoStatus string

const (
	VideoStatusGenerating VideoStatus = "generating"
	VideoStatusCompleted  VideoStatus = "completed"
	VideoStatusFailed     VideoStatus = "failed"
)

// Video is a persisted video record tied to a character.
type Video struct {
	ID           string
	CharacterID  string
	Type         VideoType
	Status       VideoStatus
	URL          string
	ThumbnailURL string
	Duration     float64
	MetadataJSON string
	CreatedAt    time.Time
}

// VideoTypeFromPrompt infers the video category from motion prompt keywords.
func VideoTypeFromPrompt(prompt string) VideoType {
	lower := strings.ToLower(prompt)
	switch {
	case strings.Contains(lower, "dance"):
		return VideoTypeDance
	case strings.Contains(lower, "lipsync"), strings.Contains(lower, "sing"):
		return VideoTypeLipsync
	default:
		return VideoTypeVlog
	}
}
