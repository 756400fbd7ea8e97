package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"manga-server/internal/blob"
	"manga-server/internal/messaging"
	"manga-server/internal/models"
)

// handleStory generates one story's markdown, persists it and requests the
// first episode.
//
// Transient failures leave the story record PROCESSING and bubble up for
// redelivery; only permanent failures mark it FAILED. A redelivered event for
// an already completed story regenerates nothing and just re-requests the
// first episode, which the downstream stages absorb the same way.
func (p *Processor) handleStory(ctx context.Context, ev messaging.StoryRequested) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.StoryBudget)
	defer cancel()

	log := p.logger.With(
		zap.String("storyID", ev.StoryID),
		zap.String("requestID", ev.RequestID),
		zap.String("userID", ev.UserID),
	)

	storyID, err := uuid.Parse(ev.StoryID)
	if err != nil {
		return fmt.Errorf("%w: bad story id %q: %v", models.ErrValidation, ev.StoryID, err)
	}
	requestID, err := uuid.Parse(ev.RequestID)
	if err != nil {
		return fmt.Errorf("%w: bad request id %q: %v", models.ErrValidation, ev.RequestID, err)
	}

	if err := p.store.UpdateStoryStatus(ctx, storyID, models.StatusProcessing, models.StoryFields{}); err != nil {
		if errors.Is(err, models.ErrAlreadyTerminal) {
			return p.replayCompletedStory(ctx, ev, storyID, log)
		}
		if errors.Is(err, models.ErrStoryNotFound) {
			return fmt.Errorf("story %s has no record: %w", ev.StoryID, err)
		}
		return fmt.Errorf("%w: marking story processing: %v", models.ErrTransient, err)
	}

	p.publishStatus(ctx, messaging.StatusUpdate{
		EventMeta:  messaging.NewMeta(ev.UserID, ev.CorrelationID),
		TargetID:   ev.StoryID,
		Stage:      messaging.StageStory,
		Outcome:    messaging.OutcomeStarted,
		WorkflowID: ev.WorkflowID,
	})

	result, err := p.textGen.GenerateStory(ctx, ev.UserID, ev.Preferences, ev.Insights)
	if err != nil {
		if models.IsTransient(err) {
			log.Warn("Story generation failed transiently, leaving for redelivery", zap.Error(err))
			return err
		}
		return p.failStory(ctx, ev, storyID, requestID, err)
	}

	key := blob.StoryKey(ev.UserID, storyID)
	if err := p.blobs.PutText(ctx, key, result.Markdown, blob.MimeMarkdown); err != nil {
		return fmt.Errorf("writing story markdown: %w", err)
	}

	if err := p.store.UpdateStoryStatus(ctx, storyID, models.StatusCompleted, models.StoryFields{
		Title: &result.Title,
		S3Key: &key,
	}); err != nil {
		return fmt.Errorf("%w: completing story record: %v", models.ErrTransient, err)
	}
	log.Info("Story generated", zap.String("title", result.Title), zap.String("s3Key", key))

	if err := p.publishEpisodeRequested(ctx, ev, key); err != nil {
		return err
	}

	// Progress on the batch request is advisory; the pipeline moves on even
	// if the refresh is lost.
	if err := p.store.UpdateRequestStatus(ctx, requestID, models.StatusProcessing, models.RequestFields{
		CurrentStep: strPtr("EPISODE_GENERATION"),
		Progress:    intPtr(33),
	}); err != nil {
		log.Warn("Failed to refresh request progress", zap.Error(err))
	}

	p.publishStatus(ctx, messaging.StatusUpdate{
		EventMeta:  messaging.NewMeta(ev.UserID, ev.CorrelationID),
		TargetID:   ev.StoryID,
		Stage:      messaging.StageStory,
		Outcome:    messaging.OutcomeCompleted,
		WorkflowID: ev.WorkflowID,
	})
	return nil
}

// replayCompletedStory handles a redelivered StoryRequested whose story is
// already terminal. Completed stories re-request their first episode so the
// rest of the pipeline can reconcile; failed stories stay failed.
func (p *Processor) replayCompletedStory(ctx context.Context, ev messaging.StoryRequested, storyID uuid.UUID, log *zap.Logger) error {
	story, err := p.store.GetStory(ctx, ev.UserID, storyID)
	if err != nil {
		return fmt.Errorf("%w: loading terminal story: %v", models.ErrTransient, err)
	}
	if story.Status != models.StatusCompleted || story.S3Key == nil {
		log.Info("Story already failed, ignoring replay")
		return nil
	}
	log.Info("Story already completed, re-requesting first episode")
	return p.publishEpisodeRequested(ctx, ev, *story.S3Key)
}

func (p *Processor) publishEpisodeRequested(ctx context.Context, ev messaging.StoryRequested, storyKey string) error {
	detail := messaging.EpisodeRequested{
		EventMeta:     messaging.NewMeta(ev.UserID, ev.CorrelationID),
		StoryID:       ev.StoryID,
		EpisodeNumber: 1,
		StoryS3Key:    storyKey,
		Preferences:   ev.Preferences,
		WorkflowID:    ev.WorkflowID,
	}
	env, err := messaging.NewEnvelope(messaging.SourceStory, messaging.TypeEpisodeRequested, detail)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("requesting episode 1 of story %s: %w", ev.StoryID, err)
	}
	return nil
}

// failStory records a permanent story failure on both the story and its
// request, then reports it. The returned error is non-transient, so the
// consumer acknowledges the event.
func (p *Processor) failStory(ctx context.Context, ev messaging.StoryRequested, storyID, requestID uuid.UUID, cause error) error {
	msg := cause.Error()
	if err := p.store.UpdateStoryStatus(ctx, storyID, models.StatusFailed, models.StoryFields{
		ErrorMessage: &msg,
	}); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: marking story failed: %v", models.ErrTransient, err)
	}
	if err := p.store.UpdateRequestStatus(ctx, requestID, models.StatusFailed, models.RequestFields{
		ErrorMessage: &msg,
	}); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: marking request failed: %v", models.ErrTransient, err)
	}

	p.publishStatus(ctx, messaging.StatusUpdate{
		EventMeta:    messaging.NewMeta(ev.UserID, ev.CorrelationID),
		TargetID:     ev.StoryID,
		Stage:        messaging.StageStory,
		Outcome:      messaging.OutcomeFailed,
		ErrorMessage: msg,
		WorkflowID:   ev.WorkflowID,
	})
	return fmt.Errorf("story generation failed for %s: %w", ev.StoryID, cause)
}
