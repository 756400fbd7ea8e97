// Package service holds the application logic behind the HTTP surface:
// starting batch workflows, continuing stories, preference CRUD and the
// read-side status queries.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"manga-server/internal/blob"
	"manga-server/internal/database"
	"manga-server/internal/messaging"
	"manga-server/internal/models"
)

const (
	minStoriesPerBatch = 1
	maxStoriesPerBatch = 10
	minBatchSize       = 1
	maxBatchSize       = 5

	// Completion estimates shown to the caller; the pipeline itself is
	// budgeted per stage, not per story.
	perStoryEstimate = 3 * time.Minute
	episodeEstimate  = 2 * time.Minute
)

// WorkflowService coordinates request records and pipeline kickoff events.
type WorkflowService struct {
	store  database.MetaStore
	bus    messaging.EventBus
	logger *zap.Logger
	now    func() time.Time
}

// NewWorkflowService creates the service.
func NewWorkflowService(store database.MetaStore, bus messaging.EventBus, logger *zap.Logger) *WorkflowService {
	return &WorkflowService{
		store:  store,
		bus:    bus,
		logger: logger.Named("WorkflowService"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// StartBatchInput is the body of POST /workflow/start.
type StartBatchInput struct {
	NumberOfStories int `json:"numberOfStories"`
	BatchSize       int `json:"batchSize"`
}

// StartBatchResult is returned to the caller with HTTP 202.
type StartBatchResult struct {
	WorkflowID              string    `json:"workflowId"`
	RequestID               string    `json:"requestId"`
	NumberOfStories         int       `json:"numberOfStories"`
	Status                  string    `json:"status"`
	EstimatedCompletionTime time.Time `json:"estimatedCompletionTime"`
}

// StartBatch validates the request, loads the caller's preferences, records
// the batch request and publishes the first wave. Stories of the batch run
// sequentially by default (batchSize 1).
func (s *WorkflowService) StartBatch(ctx context.Context, principal models.Principal, input StartBatchInput) (*StartBatchResult, error) {
	if input.NumberOfStories < minStoriesPerBatch || input.NumberOfStories > maxStoriesPerBatch {
		return nil, fmt.Errorf("%w: numberOfStories must be between %d and %d",
			models.ErrValidation, minStoriesPerBatch, maxStoriesPerBatch)
	}
	if input.BatchSize == 0 {
		input.BatchSize = minBatchSize
	}
	if input.BatchSize < minBatchSize || input.BatchSize > maxBatchSize {
		return nil, fmt.Errorf("%w: batchSize must be between %d and %d",
			models.ErrValidation, minBatchSize, maxBatchSize)
	}

	prefs, err := s.store.GetLatestPreferences(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrPreferencesNotFound) {
			return nil, fmt.Errorf("%w: user %s", models.ErrPreferencesNotFound, principal.UserID)
		}
		return nil, fmt.Errorf("loading preferences: %w", err)
	}

	workflowID := uuid.New()
	requestID := uuid.New()
	totalBatches := (input.NumberOfStories + input.BatchSize - 1) / input.BatchSize

	req := &models.GenerationRequest{
		RequestID:       requestID,
		UserID:          principal.UserID,
		Type:            models.RequestTypeStory,
		Status:          models.StatusProcessing,
		RelatedEntityID: workflowID.String(),
		NumberOfStories: input.NumberOfStories,
		BatchSize:       input.BatchSize,
		CurrentBatch:    0, // the worker advances this as it dispatches waves
		TotalBatches:    totalBatches,
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("creating batch request: %w", err)
	}

	detail := messaging.BatchStoryRequested{
		EventMeta:       messaging.NewMeta(principal.UserID, requestID.String()),
		WorkflowID:      workflowID.String(),
		RequestID:       requestID.String(),
		NumberOfStories: input.NumberOfStories,
		CurrentBatch:    1,
		TotalBatches:    totalBatches,
		Preferences:     prefs.Preferences,
		Insights:        prefs.Insights,
	}
	env, err := messaging.NewEnvelope(messaging.SourceWorkflow, messaging.TypeBatchStoryRequested, detail)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		// The record exists but the pipeline never heard about it; surface
		// the failure so the caller can retry with a fresh request.
		s.markRequestFailed(ctx, requestID, "failed to enqueue batch workflow")
		return nil, fmt.Errorf("publishing batch kickoff: %w", err)
	}

	s.logger.Info("Batch workflow started",
		zap.String("workflowID", workflowID.String()),
		zap.String("requestID", requestID.String()),
		zap.String("userID", principal.UserID),
		zap.Int("numberOfStories", input.NumberOfStories),
		zap.Int("batchSize", input.BatchSize),
	)
	return &StartBatchResult{
		WorkflowID:              workflowID.String(),
		RequestID:               requestID.String(),
		NumberOfStories:         input.NumberOfStories,
		Status:                  "STARTED",
		EstimatedCompletionTime: s.now().Add(time.Duration(input.NumberOfStories) * perStoryEstimate),
	}, nil
}

// EpisodeExistsError reports the episode that blocks a continuation. The HTTP
// layer surfaces its fields in the conflict response.
type EpisodeExistsError struct {
	EpisodeID     string
	EpisodeNumber int
	Status        models.Status
}

func (e *EpisodeExistsError) Error() string {
	return fmt.Sprintf("episode %d already exists with status %s", e.EpisodeNumber, e.Status)
}

func (e *EpisodeExistsError) Unwrap() error { return models.ErrEpisodeExists }

// StoryNotCompletedError carries the story's current status for the error
// response.
type StoryNotCompletedError struct {
	Status models.Status
}

func (e *StoryNotCompletedError) Error() string {
	return fmt.Sprintf("story is %s, only completed stories can be continued", e.Status)
}

func (e *StoryNotCompletedError) Unwrap() error { return models.ErrStoryNotCompleted }

// ContinueEpisodeResult is returned to the caller with HTTP 202.
type ContinueEpisodeResult struct {
	EpisodeID               string    `json:"episodeId"`
	EpisodeNumber           int       `json:"episodeNumber"`
	Status                  string    `json:"status"`
	EstimatedCompletionTime time.Time `json:"estimatedCompletionTime"`
}

// ContinueEpisode appends the next episode to one of the caller's completed
// stories. The episode record is created here, before the event goes out, so
// the number the caller sees is reserved and a concurrent continuation of the
// same story trips the uniqueness check instead of double-generating.
func (s *WorkflowService) ContinueEpisode(ctx context.Context, principal models.Principal, rawStoryID string) (*ContinueEpisodeResult, error) {
	storyID, err := uuid.Parse(rawStoryID)
	if err != nil {
		return nil, fmt.Errorf("%w: storyId must be a UUID", models.ErrValidation)
	}

	story, err := s.store.GetStory(ctx, principal.UserID, storyID)
	if err != nil {
		if errors.Is(err, models.ErrStoryNotFound) || errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrStoryNotFound, rawStoryID)
		}
		return nil, fmt.Errorf("loading story: %w", err)
	}
	if story.Status != models.StatusCompleted {
		return nil, &StoryNotCompletedError{Status: story.Status}
	}
	if story.S3Key == nil {
		return nil, fmt.Errorf("completed story %s has no markdown key", rawStoryID)
	}

	episodes, err := s.store.ListStoryEpisodes(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing story episodes: %w", err)
	}
	next := 1
	for _, episode := range episodes {
		if episode.EpisodeNumber >= next {
			next = episode.EpisodeNumber + 1
		}
		if !episode.Status.IsTerminal() {
			// A continuation is still in flight; only one runs per story.
			return nil, &EpisodeExistsError{
				EpisodeID:     episode.EpisodeID.String(),
				EpisodeNumber: episode.EpisodeNumber,
				Status:        episode.Status,
			}
		}
	}

	prefs, err := s.store.GetLatestPreferences(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrPreferencesNotFound) {
			return nil, fmt.Errorf("%w: user %s", models.ErrPreferencesNotFound, principal.UserID)
		}
		return nil, fmt.Errorf("loading preferences: %w", err)
	}

	episodeID := uuid.New()
	requestID := uuid.New()
	episodeKey := blob.EpisodeKey(principal.UserID, storyID, next)

	episode := &models.Episode{
		EpisodeID:     episodeID,
		StoryID:       storyID,
		EpisodeNumber: next,
		S3Key:         &episodeKey,
		Status:        models.StatusPending,
	}
	if err := s.store.CreateEpisode(ctx, episode); err != nil {
		if errors.Is(err, models.ErrEpisodeExists) {
			if existing, getErr := s.store.GetEpisode(ctx, storyID, next); getErr == nil {
				return nil, &EpisodeExistsError{
					EpisodeID:     existing.EpisodeID.String(),
					EpisodeNumber: existing.EpisodeNumber,
					Status:        existing.Status,
				}
			}
			return nil, &EpisodeExistsError{EpisodeNumber: next, Status: models.StatusProcessing}
		}
		return nil, fmt.Errorf("creating episode record: %w", err)
	}

	req := &models.GenerationRequest{
		RequestID:       requestID,
		UserID:          principal.UserID,
		Type:            models.RequestTypeEpisode,
		Status:          models.StatusProcessing,
		RelatedEntityID: episodeID.String(),
	}
	if err := s.store.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("creating continuation request: %w", err)
	}

	detail := messaging.ContinueEpisodeRequested{
		EventMeta:           messaging.NewMeta(principal.UserID, requestID.String()),
		StoryID:             storyID.String(),
		NextEpisodeNumber:   next,
		OriginalPreferences: prefs.Preferences,
		StoryS3Key:          *story.S3Key,
	}
	env, err := messaging.NewEnvelope(messaging.SourceStory, messaging.TypeContinueEpisodeRequested, detail)
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		s.markRequestFailed(ctx, requestID, "failed to enqueue continuation")
		return nil, fmt.Errorf("publishing continuation: %w", err)
	}

	s.logger.Info("Episode continuation started",
		zap.String("storyID", storyID.String()),
		zap.String("episodeID", episodeID.String()),
		zap.Int("episodeNumber", next),
		zap.String("userID", principal.UserID),
	)
	return &ContinueEpisodeResult{
		EpisodeID:               episodeID.String(),
		EpisodeNumber:           next,
		Status:                  "GENERATING",
		EstimatedCompletionTime: s.now().Add(episodeEstimate),
	}, nil
}

// SavePreferences validates and stores the caller's taste profile.
// Preferences capture is pure CRUD; it never starts a workflow.
func (s *WorkflowService) SavePreferences(ctx context.Context, principal models.Principal, prefs models.Preferences, insights json.RawMessage) (*models.PreferencesRecord, error) {
	if err := prefs.Validate(); err != nil {
		return nil, err
	}
	rec := &models.PreferencesRecord{
		UserID:      principal.UserID,
		Preferences: prefs,
		Insights:    insights,
	}
	if err := s.store.UpsertPreferences(ctx, rec); err != nil {
		return nil, fmt.Errorf("saving preferences: %w", err)
	}
	s.logger.Info("Preferences saved", zap.String("userID", principal.UserID))
	return rec, nil
}

// GetPreferences returns the caller's stored taste profile.
func (s *WorkflowService) GetPreferences(ctx context.Context, principal models.Principal) (*models.PreferencesRecord, error) {
	rec, err := s.store.GetLatestPreferences(ctx, principal.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrPreferencesNotFound) {
			return nil, fmt.Errorf("%w: user %s", models.ErrPreferencesNotFound, principal.UserID)
		}
		return nil, fmt.Errorf("loading preferences: %w", err)
	}
	return rec, nil
}

// GetRequestStatus returns the caller's generation request, the polling
// target for workflow progress.
func (s *WorkflowService) GetRequestStatus(ctx context.Context, principal models.Principal, rawRequestID string) (*models.GenerationRequest, error) {
	requestID, err := uuid.Parse(rawRequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: requestId must be a UUID", models.ErrValidation)
	}
	req, err := s.store.GetRequestByUserAndID(ctx, principal.UserID, requestID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrRequestNotFound, rawRequestID)
		}
		return nil, fmt.Errorf("loading request: %w", err)
	}
	return req, nil
}

// ListStories returns the caller's stories in creation order.
func (s *WorkflowService) ListStories(ctx context.Context, principal models.Principal) ([]models.Story, error) {
	stories, err := s.store.ListUserStories(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("listing stories: %w", err)
	}
	return stories, nil
}

// ListEpisodes returns the episodes of one of the caller's stories in
// ascending episode order.
func (s *WorkflowService) ListEpisodes(ctx context.Context, principal models.Principal, rawStoryID string) ([]models.Episode, error) {
	storyID, err := uuid.Parse(rawStoryID)
	if err != nil {
		return nil, fmt.Errorf("%w: storyId must be a UUID", models.ErrValidation)
	}
	if _, err := s.store.GetStory(ctx, principal.UserID, storyID); err != nil {
		if errors.Is(err, models.ErrStoryNotFound) || errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrStoryNotFound, rawStoryID)
		}
		return nil, fmt.Errorf("loading story: %w", err)
	}
	episodes, err := s.store.ListStoryEpisodes(ctx, storyID)
	if err != nil {
		return nil, fmt.Errorf("listing episodes: %w", err)
	}
	return episodes, nil
}

func (s *WorkflowService) markRequestFailed(ctx context.Context, requestID uuid.UUID, msg string) {
	if err := s.store.UpdateRequestStatus(ctx, requestID, models.StatusFailed, models.RequestFields{
		ErrorMessage: &msg,
	}); err != nil {
		s.logger.Warn("Failed to mark request failed",
			zap.String("requestID", requestID.String()),
			zap.Error(err),
		)
	}
}
