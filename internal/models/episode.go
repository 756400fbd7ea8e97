package models

import (
	"time"

	"github.com/google/uuid"
)

// Episode is one generated chapter of a story: markdown, scene images and a PDF.
// (StoryID, EpisodeNumber) is unique; numbers form a contiguous prefix starting at 1.
type Episode struct {
	EpisodeID         uuid.UUID  `json:"episodeId" db:"episode_id"`
	StoryID           uuid.UUID  `json:"storyId" db:"story_id"`
	EpisodeNumber     int        `json:"episodeNumber" db:"episode_number"`
	S3Key             *string    `json:"s3Key,omitempty" db:"s3_key"`
	PDFS3Key          *string    `json:"pdfS3Key,omitempty" db:"pdf_s3_key"`
	ImageCount        int        `json:"imageCount" db:"image_count"`
	Status            Status     `json:"status" db:"status"`
	ErrorMessage      *string    `json:"errorMessage,omitempty" db:"error_message"`
	ImageGenStartedAt *time.Time `json:"imageGenerationStarted,omitempty" db:"image_gen_started_at"`
	ImageGenEndedAt   *time.Time `json:"imageGenerationCompleted,omitempty" db:"image_gen_ended_at"`
	CreatedAt         time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time  `json:"updatedAt" db:"updated_at"`
}

// EpisodeFields are the optional columns settable together with a status change.
type EpisodeFields struct {
	S3Key             *string
	PDFS3Key          *string
	ImageCount        *int
	ErrorMessage      *string
	ImageGenStartedAt *time.Time
	ImageGenEndedAt   *time.Time
}
