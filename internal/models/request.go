package models

import (
	"time"

	"github.com/google/uuid"
)

// RequestType distinguishes batch workflows from single-episode continuations.
type RequestType string

const (
	RequestTypeStory   RequestType = "STORY"
	RequestTypeEpisode RequestType = "EPISODE"
)

// GenerationRequest tracks one batch workflow or one continuation.
// RelatedEntityID holds the workflowId for batches and the episodeId for
// continuations. The batch bookkeeping columns drive the sequential advancer.
type GenerationRequest struct {
	RequestID       uuid.UUID   `json:"requestId" db:"request_id"`
	UserID          string      `json:"userId" db:"user_id"`
	Type            RequestType `json:"type" db:"type"`
	Status          Status      `json:"status" db:"status"`
	RelatedEntityID string      `json:"relatedEntityId" db:"related_entity_id"`
	NumberOfStories int         `json:"numberOfStories,omitempty" db:"number_of_stories"`
	BatchSize       int         `json:"batchSize,omitempty" db:"batch_size"`
	CurrentBatch    int         `json:"currentBatch,omitempty" db:"current_batch"`
	TotalBatches    int         `json:"totalBatches,omitempty" db:"total_batches"`
	CurrentStep     *string     `json:"currentStep,omitempty" db:"current_step"`
	Progress        *int        `json:"progress,omitempty" db:"progress"`
	ErrorMessage    *string     `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt       time.Time   `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time   `json:"updatedAt" db:"updated_at"`
}

// RequestFields are the optional columns settable together with a status change.
// Nil fields are left untouched.
type RequestFields struct {
	CurrentStep  *string
	Progress     *int
	ErrorMessage *string
}
