package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"manga-server/internal/blob"
	"manga-server/internal/messaging"
	"manga-server/internal/models"
)

// handleEpisode generates one episode's markdown and requests its images.
// Both the batch path and the continue path land here; continuations arrive
// with their episode record already created by the HTTP layer.
//
// The episode record stays PROCESSING until the image stage finishes its PDF;
// COMPLETED always means the whole episode artifact set exists.
func (p *Processor) handleEpisode(ctx context.Context, ev messaging.EpisodeRequested) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.EpisodeBudget)
	defer cancel()

	log := p.logger.With(
		zap.String("storyID", ev.StoryID),
		zap.Int("episodeNumber", ev.EpisodeNumber),
		zap.String("userID", ev.UserID),
	)

	storyID, err := uuid.Parse(ev.StoryID)
	if err != nil {
		return fmt.Errorf("%w: bad story id %q: %v", models.ErrValidation, ev.StoryID, err)
	}
	if ev.EpisodeNumber < 1 {
		return fmt.Errorf("%w: bad episode number %d", models.ErrValidation, ev.EpisodeNumber)
	}
	key := blob.EpisodeKey(ev.UserID, storyID, ev.EpisodeNumber)

	episode, err := p.ensureEpisodeRecord(ctx, ev, storyID, key)
	if err != nil {
		return err
	}
	switch episode.Status {
	case models.StatusCompleted:
		// Replay of a finished episode: nothing to regenerate, hand the
		// event to the image stage which short-circuits on the stored PDF.
		log.Info("Episode already completed, re-requesting image stage")
		return p.publishImageRequested(ctx, ev, episode.EpisodeID, key)
	case models.StatusFailed:
		log.Info("Episode already failed, ignoring replay")
		return nil
	}

	if err := p.store.UpdateEpisodeStatus(ctx, storyID, ev.EpisodeNumber, models.StatusProcessing, models.EpisodeFields{}); err != nil &&
		!errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: marking episode processing: %v", models.ErrTransient, err)
	}

	p.publishStatus(ctx, messaging.StatusUpdate{
		EventMeta:  messaging.NewMeta(ev.UserID, ev.CorrelationID),
		TargetID:   episode.EpisodeID.String(),
		Stage:      messaging.StageEpisode,
		Outcome:    messaging.OutcomeStarted,
		WorkflowID: ev.WorkflowID,
	})

	storyMarkdown, err := p.blobs.GetText(ctx, ev.StoryS3Key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return p.failEpisode(ctx, ev, episode.EpisodeID, storyID,
				fmt.Errorf("story markdown %s is missing: %w", ev.StoryS3Key, err))
		}
		return fmt.Errorf("reading story markdown: %w", err)
	}
	if strings.TrimSpace(storyMarkdown) == "" {
		return p.failEpisode(ctx, ev, episode.EpisodeID, storyID,
			fmt.Errorf("story markdown %s is empty", ev.StoryS3Key))
	}

	markdown, err := p.textGen.GenerateEpisode(ctx, ev.UserID, storyMarkdown, ev.EpisodeNumber, ev.Preferences)
	if err != nil {
		if models.IsTransient(err) {
			log.Warn("Episode generation failed transiently, leaving for redelivery", zap.Error(err))
			return err
		}
		return p.failEpisode(ctx, ev, episode.EpisodeID, storyID, err)
	}

	if err := p.blobs.PutText(ctx, key, markdown, blob.MimeMarkdown); err != nil {
		return fmt.Errorf("writing episode markdown: %w", err)
	}
	if err := p.store.UpdateEpisodeStatus(ctx, storyID, ev.EpisodeNumber, models.StatusProcessing, models.EpisodeFields{
		S3Key: &key,
	}); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: recording episode markdown key: %v", models.ErrTransient, err)
	}
	log.Info("Episode markdown generated", zap.String("s3Key", key))

	p.publishStatus(ctx, messaging.StatusUpdate{
		EventMeta:  messaging.NewMeta(ev.UserID, ev.CorrelationID),
		TargetID:   episode.EpisodeID.String(),
		Stage:      messaging.StageEpisode,
		Outcome:    messaging.OutcomeCompleted,
		WorkflowID: ev.WorkflowID,
	})

	return p.publishImageRequested(ctx, ev, episode.EpisodeID, key)
}

// ensureEpisodeRecord returns the episode record for the event, creating it
// in PROCESSING when this is the first delivery of a batch-path episode.
func (p *Processor) ensureEpisodeRecord(ctx context.Context, ev messaging.EpisodeRequested, storyID uuid.UUID, key string) (*models.Episode, error) {
	episode, err := p.store.GetEpisode(ctx, storyID, ev.EpisodeNumber)
	if err == nil {
		return episode, nil
	}
	if !errors.Is(err, models.ErrEpisodeNotFound) {
		return nil, fmt.Errorf("%w: loading episode record: %v", models.ErrTransient, err)
	}

	episode = &models.Episode{
		EpisodeID:     uuid.New(),
		StoryID:       storyID,
		EpisodeNumber: ev.EpisodeNumber,
		S3Key:         &key,
		Status:        models.StatusProcessing,
	}
	if err := p.store.CreateEpisode(ctx, episode); err != nil {
		if errors.Is(err, models.ErrEpisodeExists) {
			// Lost the race against another delivery; use its record.
			return p.store.GetEpisode(ctx, storyID, ev.EpisodeNumber)
		}
		if errors.Is(err, models.ErrStoryNotFound) {
			return nil, fmt.Errorf("episode %d has no story: %w", ev.EpisodeNumber, err)
		}
		return nil, fmt.Errorf("%w: creating episode record: %v", models.ErrTransient, err)
	}
	return episode, nil
}

func (p *Processor) publishImageRequested(ctx context.Context, ev messaging.EpisodeRequested, episodeID uuid.UUID, key string) error {
	detail := messaging.ImageRequested{
		EventMeta:    messaging.NewMeta(ev.UserID, ev.CorrelationID),
		EpisodeID:    episodeID.String(),
		EpisodeS3Key: key,
		WorkflowID:   ev.WorkflowID,
	}
	env, err := messaging.NewEnvelope(messaging.SourceEpisode, messaging.TypeImageRequested, detail)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("requesting images for episode %s: %w", episodeID, err)
	}
	return nil
}

// failEpisode records a permanent episode failure, fails the continuation
// request tracking it (when there is one) and reports the failure. The
// returned error is non-transient, so the consumer acknowledges the event.
func (p *Processor) failEpisode(ctx context.Context, ev messaging.EpisodeRequested, episodeID uuid.UUID, storyID uuid.UUID, cause error) error {
	msg := cause.Error()
	if err := p.store.UpdateEpisodeStatus(ctx, storyID, ev.EpisodeNumber, models.StatusFailed, models.EpisodeFields{
		ErrorMessage: &msg,
	}); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: marking episode failed: %v", models.ErrTransient, err)
	}
	if err := p.finishTrackingRequest(ctx, episodeID, models.StatusFailed, &msg); err != nil {
		return err
	}

	p.publishStatus(ctx, messaging.StatusUpdate{
		EventMeta:    messaging.NewMeta(ev.UserID, ev.CorrelationID),
		TargetID:     episodeID.String(),
		Stage:        messaging.StageEpisode,
		Outcome:      messaging.OutcomeFailed,
		ErrorMessage: msg,
		WorkflowID:   ev.WorkflowID,
	})
	return fmt.Errorf("episode %d of story %s failed: %w", ev.EpisodeNumber, ev.StoryID, cause)
}

// finishTrackingRequest resolves the continuation request whose related
// entity is this episode, if any. Batch episodes are tracked through their
// workflow request instead and have nothing to resolve here.
func (p *Processor) finishTrackingRequest(ctx context.Context, episodeID uuid.UUID, status models.Status, errorMessage *string) error {
	req, err := p.store.GetRequestByEntityID(ctx, episodeID.String())
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: loading tracking request: %v", models.ErrTransient, err)
	}

	fields := models.RequestFields{ErrorMessage: errorMessage}
	if status == models.StatusCompleted {
		fields.Progress = intPtr(100)
		fields.CurrentStep = strPtr("DONE")
	}
	if err := p.store.UpdateRequestStatus(ctx, req.RequestID, status, fields); err != nil &&
		!errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: resolving tracking request: %v", models.ErrTransient, err)
	}
	return nil
}
