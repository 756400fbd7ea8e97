// Package messaging carries the pipeline's event vocabulary and its RabbitMQ
// transport. Detail field names are part of the cross-component interface and
// must be preserved bit-for-bit.
package messaging

import (
	"encoding/json"
	"fmt"
	"time"

	"manga-server/internal/models"
)

// Event sources.
const (
	SourceWorkflow = "manga.workflow"
	SourceStory    = "manga.story"
	SourceEpisode  = "manga.episode"
)

// Detail type tags, one per event variant.
const (
	TypeBatchStoryRequested      = "BatchStoryRequested"
	TypeStoryRequested           = "StoryRequested"
	TypeEpisodeRequested         = "EpisodeRequested"
	TypeContinueEpisodeRequested = "ContinueEpisodeRequested"
	TypeImageRequested           = "ImageRequested"
	TypeStatusUpdate             = "StatusUpdate"
)

// Stage identifies which pipeline stage a StatusUpdate refers to.
type Stage string

const (
	StageStory   Stage = "STORY"
	StageEpisode Stage = "EPISODE"
	StageImage   Stage = "IMAGE"
)

// Outcome is the reported result of a stage.
type Outcome string

const (
	OutcomeStarted   Outcome = "STARTED"
	OutcomeCompleted Outcome = "COMPLETED"
	OutcomeFailed    Outcome = "FAILED"
)

// Envelope is the bus wire format.
type Envelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detailType"`
	Detail     json.RawMessage `json:"detail"`
}

// EventMeta is present in every detail payload. CorrelationID is the
// requestId of the GenerationRequest the work belongs to.
type EventMeta struct {
	UserID        string    `json:"userId"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     time.Time `json:"timestamp"`
}

// BatchStoryRequested starts (or advances) one batch wave.
type BatchStoryRequested struct {
	EventMeta
	WorkflowID      string             `json:"workflowId"`
	RequestID       string             `json:"requestId"`
	NumberOfStories int                `json:"numberOfStories"`
	CurrentBatch    int                `json:"currentBatch"`
	TotalBatches    int                `json:"totalBatches"`
	Preferences     models.Preferences `json:"preferences"`
	Insights        json.RawMessage    `json:"insights,omitempty"`
}

// StoryRequested asks the story handler to generate one story.
// WorkflowID is carried through the batch pipeline so terminal status
// updates can drive the advancer; continuation events leave it empty.
type StoryRequested struct {
	EventMeta
	StoryID     string             `json:"storyId"`
	RequestID   string             `json:"requestId"`
	Preferences models.Preferences `json:"preferences"`
	Insights    json.RawMessage    `json:"insights,omitempty"`
	WorkflowID  string             `json:"workflowId,omitempty"`
}

// EpisodeRequested asks the episode handler to generate one episode.
type EpisodeRequested struct {
	EventMeta
	StoryID       string             `json:"storyId"`
	EpisodeNumber int                `json:"episodeNumber"`
	StoryS3Key    string             `json:"storyS3Key"`
	Preferences   models.Preferences `json:"preferences"`
	WorkflowID    string             `json:"workflowId,omitempty"`
}

// ContinueEpisodeRequested appends the next episode to a completed story.
// Consumed by the episode handler on the same code path as EpisodeRequested.
type ContinueEpisodeRequested struct {
	EventMeta
	StoryID             string             `json:"storyId"`
	NextEpisodeNumber   int                `json:"nextEpisodeNumber"`
	OriginalPreferences models.Preferences `json:"originalPreferences"`
	StoryS3Key          string             `json:"storyS3Key"`
}

// ImageRequested asks the image/PDF handler to finish one episode.
type ImageRequested struct {
	EventMeta
	EpisodeID    string `json:"episodeId"`
	EpisodeS3Key string `json:"episodeS3Key"`
	WorkflowID   string `json:"workflowId,omitempty"`
}

// StatusUpdate reports a stage transition to observers and the advancer.
type StatusUpdate struct {
	EventMeta
	TargetID     string  `json:"targetId"`
	Stage        Stage   `json:"stage"`
	Outcome      Outcome `json:"outcome"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	WorkflowID   string  `json:"workflowId,omitempty"`
}

// NewEnvelope wraps a detail payload into the wire envelope.
func NewEnvelope(source, detailType string, detail interface{}) (Envelope, error) {
	body, err := json.Marshal(detail)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s detail: %w", detailType, err)
	}
	return Envelope{Source: source, DetailType: detailType, Detail: body}, nil
}

// NewMeta builds the common detail fields with the current time.
func NewMeta(userID, correlationID string) EventMeta {
	return EventMeta{
		UserID:        userID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
}

// IsValidDetailType reports whether t is one of the known variant tags.
func IsValidDetailType(t string) bool {
	switch t {
	case TypeBatchStoryRequested, TypeStoryRequested, TypeEpisodeRequested,
		TypeContinueEpisodeRequested, TypeImageRequested, TypeStatusUpdate:
		return true
	default:
		return false
	}
}
