package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"manga-server/internal/messaging"
	"manga-server/internal/models"
)

// handleBatchStory dispatches one wave of a batch workflow: it tops the
// workflow's story records up to the wave boundary and publishes one
// StoryRequested per story in the wave.
//
// The handler is reconciling rather than fire-and-forget. It derives what the
// wave still needs from the story records themselves, so a redelivered wave
// event creates nothing twice and re-requests only stories that never left
// PENDING.
func (p *Processor) handleBatchStory(ctx context.Context, ev messaging.BatchStoryRequested) error {
	log := p.logger.With(
		zap.String("workflowID", ev.WorkflowID),
		zap.String("requestID", ev.RequestID),
		zap.Int("currentBatch", ev.CurrentBatch),
	)

	requestID, err := uuid.Parse(ev.RequestID)
	if err != nil {
		return fmt.Errorf("%w: bad request id %q: %v", models.ErrValidation, ev.RequestID, err)
	}
	workflowID, err := uuid.Parse(ev.WorkflowID)
	if err != nil {
		return fmt.Errorf("%w: bad workflow id %q: %v", models.ErrValidation, ev.WorkflowID, err)
	}

	req, err := p.store.GetRequestByUserAndID(ctx, ev.UserID, requestID)
	if err != nil {
		return fmt.Errorf("%w: loading batch request %s: %v", models.ErrTransient, ev.RequestID, err)
	}
	if req.Status.IsTerminal() {
		log.Info("Batch request already terminal, ignoring wave", zap.String("status", string(req.Status)))
		return nil
	}
	if ev.CurrentBatch < req.CurrentBatch {
		log.Info("Stale wave event, ignoring", zap.Int("recordBatch", req.CurrentBatch))
		return nil
	}

	// Record that this wave is being dispatched. The compare-and-set loses
	// only against another delivery of the same wave, which then proceeds
	// through the same reconciliation below.
	if ev.CurrentBatch == req.CurrentBatch+1 {
		if _, err := p.store.AdvanceRequestBatch(ctx, requestID, req.CurrentBatch, ev.CurrentBatch); err != nil {
			return fmt.Errorf("%w: advancing batch record: %v", models.ErrTransient, err)
		}
	}

	dispatched := ev.CurrentBatch * req.BatchSize
	if dispatched > req.NumberOfStories {
		dispatched = req.NumberOfStories
	}

	stories, err := p.store.ListWorkflowStories(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("%w: listing workflow stories: %v", models.ErrTransient, err)
	}

	// Re-request stories from earlier deliveries that never got picked up.
	for _, story := range stories {
		if story.Status != models.StatusPending {
			continue
		}
		if err := p.publishStoryRequested(ctx, ev, story.StoryID); err != nil {
			return err
		}
	}

	for i := len(stories); i < dispatched; i++ {
		storyID := uuid.New()
		story := &models.Story{
			StoryID:    storyID,
			UserID:     ev.UserID,
			WorkflowID: &workflowID,
			Status:     models.StatusPending,
		}
		if err := p.store.CreateStory(ctx, story); err != nil {
			return fmt.Errorf("%w: creating story record: %v", models.ErrTransient, err)
		}
		if err := p.publishStoryRequested(ctx, ev, storyID); err != nil {
			return err
		}
		log.Info("Story dispatched", zap.String("storyID", storyID.String()), zap.Int("slot", i+1))
	}
	return nil
}

func (p *Processor) publishStoryRequested(ctx context.Context, ev messaging.BatchStoryRequested, storyID uuid.UUID) error {
	detail := messaging.StoryRequested{
		EventMeta:   messaging.NewMeta(ev.UserID, ev.CorrelationID),
		StoryID:     storyID.String(),
		RequestID:   ev.RequestID,
		Preferences: ev.Preferences,
		Insights:    ev.Insights,
		WorkflowID:  ev.WorkflowID,
	}
	env, err := messaging.NewEnvelope(messaging.SourceWorkflow, messaging.TypeStoryRequested, detail)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("requesting story %s: %w", storyID, err)
	}
	return nil
}

// handleStatusUpdate is the batch advancer. Any terminal per-story signal
// (IMAGE finished either way, or an earlier stage failing for good) that
// carries a workflowId moves its batch along: progress is refreshed, the next
// wave starts once every dispatched story is settled, and the request goes
// COMPLETED when all stories are.
func (p *Processor) handleStatusUpdate(ctx context.Context, ev messaging.StatusUpdate) error {
	terminal := ev.Outcome == messaging.OutcomeFailed ||
		(ev.Stage == messaging.StageImage && ev.Outcome == messaging.OutcomeCompleted)
	if !terminal || ev.WorkflowID == "" {
		return nil
	}

	log := p.logger.With(
		zap.String("workflowID", ev.WorkflowID),
		zap.String("targetID", ev.TargetID),
		zap.String("stage", string(ev.Stage)),
		zap.String("outcome", string(ev.Outcome)),
	)

	workflowID, err := uuid.Parse(ev.WorkflowID)
	if err != nil {
		return fmt.Errorf("%w: bad workflow id %q: %v", models.ErrValidation, ev.WorkflowID, err)
	}
	req, err := p.store.GetRequestByEntityID(ctx, ev.WorkflowID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			log.Warn("No batch request for workflow, ignoring status update")
			return nil
		}
		return fmt.Errorf("%w: loading batch request: %v", models.ErrTransient, err)
	}
	if req.Status.IsTerminal() {
		return nil
	}

	settled, err := p.countSettledStories(ctx, workflowID)
	if err != nil {
		return err
	}

	if settled >= req.NumberOfStories {
		err := p.store.UpdateRequestStatus(ctx, req.RequestID, models.StatusCompleted, models.RequestFields{
			CurrentStep: strPtr("DONE"),
			Progress:    intPtr(100),
		})
		if err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
			return fmt.Errorf("%w: completing batch request: %v", models.ErrTransient, err)
		}
		log.Info("Batch workflow completed", zap.Int("stories", settled))
		return nil
	}

	progress := settled * 100 / req.NumberOfStories
	if err := p.store.UpdateRequestStatus(ctx, req.RequestID, models.StatusProcessing, models.RequestFields{
		Progress: &progress,
	}); err != nil {
		log.Warn("Failed to refresh batch progress", zap.Error(err))
	}

	dispatched := req.CurrentBatch * req.BatchSize
	if dispatched > req.NumberOfStories {
		dispatched = req.NumberOfStories
	}
	if settled < dispatched || req.CurrentBatch >= req.TotalBatches {
		return nil
	}

	// Every story dispatched so far is settled: start the next wave. The
	// wave handler's compare-and-set absorbs duplicate advancements.
	prefs, err := p.store.GetLatestPreferences(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("%w: loading preferences for next wave: %v", models.ErrTransient, err)
	}
	next := messaging.BatchStoryRequested{
		EventMeta:       messaging.NewMeta(req.UserID, req.RequestID.String()),
		WorkflowID:      ev.WorkflowID,
		RequestID:       req.RequestID.String(),
		NumberOfStories: req.NumberOfStories,
		CurrentBatch:    req.CurrentBatch + 1,
		TotalBatches:    req.TotalBatches,
		Preferences:     prefs.Preferences,
		Insights:        prefs.Insights,
	}
	env, err := messaging.NewEnvelope(messaging.SourceWorkflow, messaging.TypeBatchStoryRequested, next)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("starting wave %d: %w", next.CurrentBatch, err)
	}
	log.Info("Next batch wave requested",
		zap.Int("nextBatch", next.CurrentBatch),
		zap.Int("settled", settled),
	)
	return nil
}

// countSettledStories reports how many of the workflow's stories have run
// their whole pipeline to an end. A story record going COMPLETED only means
// its text exists; the story is settled once it FAILED outright or its first
// episode reached a terminal state.
func (p *Processor) countSettledStories(ctx context.Context, workflowID uuid.UUID) (int, error) {
	stories, err := p.store.ListWorkflowStories(ctx, workflowID)
	if err != nil {
		return 0, fmt.Errorf("%w: listing workflow stories: %v", models.ErrTransient, err)
	}

	settled := 0
	for _, story := range stories {
		if story.Status == models.StatusFailed {
			settled++
			continue
		}
		episode, err := p.store.GetEpisode(ctx, story.StoryID, 1)
		if err != nil {
			if errors.Is(err, models.ErrEpisodeNotFound) {
				continue
			}
			return 0, fmt.Errorf("%w: loading episode for story %s: %v", models.ErrTransient, story.StoryID, err)
		}
		if episode.Status.IsTerminal() {
			settled++
		}
	}
	return settled, nil
}
