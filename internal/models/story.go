package models

import (
	"time"

	"github.com/google/uuid"
)

// Story is one generated long-form markdown document and its metadata record.
// WorkflowID is set for stories born from a batch; continuation episodes
// attach to the story without touching it.
type Story struct {
	StoryID      uuid.UUID  `json:"storyId" db:"story_id"`
	UserID       string     `json:"userId" db:"user_id"`
	WorkflowID   *uuid.UUID `json:"workflowId,omitempty" db:"workflow_id"`
	Title        *string    `json:"title,omitempty" db:"title"`
	S3Key        *string    `json:"s3Key,omitempty" db:"s3_key"`
	Status       Status     `json:"status" db:"status"`
	ErrorMessage *string    `json:"errorMessage,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time  `json:"updatedAt" db:"updated_at"`
}

// StoryFields are the optional columns settable together with a status change.
type StoryFields struct {
	Title        *string
	S3Key        *string
	ErrorMessage *string
}
