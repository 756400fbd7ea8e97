package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"manga-server/internal/blob"
	"manga-server/internal/messaging"
	"manga-server/internal/models"
	"manga-server/internal/pdf"
	"manga-server/internal/scene"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

const (
	minImageBytes = 1 << 10  // 1 KB
	maxImageBytes = 10 << 20 // 10 MB

	noImagesMessage = "No images were successfully generated"
)

// handleImage finishes one episode: extract scenes, render one image per
// scene, assemble the PDF and mark the episode COMPLETED.
//
// Scene rendering is strictly sequential to respect provider rate limits and
// to keep image numbering aligned with scene order. Individual scenes may
// fail without failing the episode; only a fully imageless episode does.
func (p *Processor) handleImage(ctx context.Context, ev messaging.ImageRequested) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ImageBudget)
	defer cancel()

	log := p.logger.With(
		zap.String("episodeID", ev.EpisodeID),
		zap.String("episodeS3Key", ev.EpisodeS3Key),
	)

	userID, storyID, episodeNumber, err := blob.ParseEpisodeKey(ev.EpisodeS3Key)
	if err != nil {
		return err
	}

	episode, err := p.store.GetEpisode(ctx, storyID, episodeNumber)
	if err != nil {
		if errors.Is(err, models.ErrEpisodeNotFound) {
			return fmt.Errorf("image stage has no episode record: %w", err)
		}
		return fmt.Errorf("%w: loading episode record: %v", models.ErrTransient, err)
	}

	// Terminal episodes only re-report their outcome. This keeps replays
	// artifact-free while still feeding the batch advancer.
	if episode.Status == models.StatusFailed {
		msg := ""
		if episode.ErrorMessage != nil {
			msg = *episode.ErrorMessage
		}
		if err := p.finishTrackingRequest(ctx, episode.EpisodeID, models.StatusFailed, episode.ErrorMessage); err != nil {
			return err
		}
		return p.publishImageTerminal(ctx, ev, messaging.OutcomeFailed, msg)
	}
	if episode.PDFS3Key != nil {
		log.Info("Episode PDF already stored, replay short-circuits to success")
		if err := p.finishTrackingRequest(ctx, episode.EpisodeID, models.StatusCompleted, nil); err != nil {
			return err
		}
		return p.publishImageTerminal(ctx, ev, messaging.OutcomeCompleted, "")
	}

	now := time.Now().UTC()
	if err := p.store.UpdateEpisodeStatus(ctx, storyID, episodeNumber, models.StatusProcessing, models.EpisodeFields{
		ImageGenStartedAt: &now,
	}); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: marking image stage started: %v", models.ErrTransient, err)
	}

	p.publishStatus(ctx, messaging.StatusUpdate{
		EventMeta:  messaging.NewMeta(ev.UserID, ev.CorrelationID),
		TargetID:   ev.EpisodeID,
		Stage:      messaging.StageImage,
		Outcome:    messaging.OutcomeStarted,
		WorkflowID: ev.WorkflowID,
	})

	markdown, err := p.blobs.GetText(ctx, ev.EpisodeS3Key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return p.failImageStage(ctx, ev, episode, storyID, episodeNumber,
				fmt.Errorf("episode markdown %s is missing: %w", ev.EpisodeS3Key, err))
		}
		return fmt.Errorf("reading episode markdown: %w", err)
	}
	if strings.TrimSpace(markdown) == "" {
		return p.failImageStage(ctx, ev, episode, storyID, episodeNumber,
			fmt.Errorf("episode markdown %s is empty", ev.EpisodeS3Key))
	}

	prompts := scene.ExtractPrompts(markdown, p.cfg.MaxScenesPerEpisode)
	images, err := p.renderScenes(ctx, log, userID, storyID, episodeNumber, prompts)
	if err != nil {
		return err
	}
	if len(images) == 0 {
		return p.failImageStage(ctx, ev, episode, storyID, episodeNumber, errors.New(noImagesMessage))
	}

	pdfBytes, err := p.assembler.Assemble(markdown, images, pdf.Meta{
		UserID:        userID,
		StoryID:       storyID.String(),
		EpisodeID:     episode.EpisodeID.String(),
		EpisodeNumber: episodeNumber,
		GeneratedAt:   episode.CreatedAt.UTC(),
	})
	if err != nil {
		return p.failImageStage(ctx, ev, episode, storyID, episodeNumber,
			fmt.Errorf("assembling episode pdf: %w", err))
	}

	pdfKey := blob.PDFKey(userID, storyID, episodeNumber)
	if err := p.blobs.PutBinary(ctx, pdfKey, pdfBytes, blob.MimePDF); err != nil {
		return fmt.Errorf("writing episode pdf: %w", err)
	}

	ended := time.Now().UTC()
	if err := p.store.UpdateEpisodeStatus(ctx, storyID, episodeNumber, models.StatusCompleted, models.EpisodeFields{
		PDFS3Key:        &pdfKey,
		ImageCount:      intPtr(len(images)),
		ImageGenEndedAt: &ended,
	}); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: completing episode record: %v", models.ErrTransient, err)
	}
	if err := p.finishTrackingRequest(ctx, episode.EpisodeID, models.StatusCompleted, nil); err != nil {
		return err
	}

	log.Info("Episode completed",
		zap.String("pdfS3Key", pdfKey),
		zap.Int("imageCount", len(images)),
		zap.Int("scenes", len(prompts)),
	)
	return p.publishImageTerminal(ctx, ev, messaging.OutcomeCompleted, "")
}

// renderScenes generates one image per prompt, skipping scenes that fail for
// good and keeping whatever succeeded. Blob write failures abort the stage as
// transient; everything already saved is reused verbatim on redelivery.
func (p *Processor) renderScenes(ctx context.Context, log *zap.Logger, userID string, storyID uuid.UUID, episodeNumber int, prompts []string) ([]pdf.SceneImage, error) {
	var images []pdf.SceneImage
	for i, prompt := range prompts {
		if i > 0 {
			if err := p.sleep(ctx, p.cfg.InterSceneDelay); err != nil {
				return nil, err
			}
		}

		data, err := p.generateWithRetry(ctx, prompt)
		if err != nil {
			if ctx.Err() != nil {
				// Budget ran out, not a scene-level refusal. Redeliver.
				return nil, fmt.Errorf("%w: image stage interrupted: %v", models.ErrTransient, ctx.Err())
			}
			log.Warn("Scene image skipped",
				zap.Int("sceneIndex", i+1),
				zap.Error(err),
			)
			continue
		}
		if err := validateImage(data); err != nil {
			log.Warn("Scene image rejected",
				zap.Int("sceneIndex", i+1),
				zap.Int("bytes", len(data)),
				zap.Error(err),
			)
			continue
		}

		key := blob.ImageKey(userID, storyID, episodeNumber, i+1)
		if err := p.blobs.PutBinary(ctx, key, data, blob.MimePNG); err != nil {
			return nil, fmt.Errorf("writing scene image %d: %w", i+1, err)
		}
		images = append(images, pdf.SceneImage{Index: i + 1, Prompt: prompt, PNG: data})
	}
	return images, nil
}

// generateWithRetry drives one scene through the image provider with bounded
// exponential backoff. Content filtering and the other distinguished provider
// refusals are never retried.
func (p *Processor) generateWithRetry(ctx context.Context, prompt string) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.ImageRetryAttempts; attempt++ {
		data, err := p.imageGen.Generate(ctx, prompt)
		if err == nil {
			return data, nil
		}
		if models.IsPermanentProviderError(err) {
			return nil, err
		}
		lastErr = err
		if attempt < p.cfg.ImageRetryAttempts {
			delay := p.cfg.ImageRetryBaseDelay << (attempt - 1)
			if err := p.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("image generation exhausted %d attempts: %w", p.cfg.ImageRetryAttempts, lastErr)
}

func validateImage(data []byte) error {
	if !bytes.HasPrefix(data, pngMagic) {
		return fmt.Errorf("%w: not a png", models.ErrValidation)
	}
	if len(data) < minImageBytes || len(data) > maxImageBytes {
		return fmt.Errorf("%w: image size %d outside [%d, %d]", models.ErrValidation, len(data), minImageBytes, maxImageBytes)
	}
	return nil
}

// failImageStage records a permanent image-stage failure and reports it.
func (p *Processor) failImageStage(ctx context.Context, ev messaging.ImageRequested, episode *models.Episode, storyID uuid.UUID, episodeNumber int, cause error) error {
	msg := cause.Error()
	if err := p.store.UpdateEpisodeStatus(ctx, storyID, episodeNumber, models.StatusFailed, models.EpisodeFields{
		ErrorMessage: &msg,
	}); err != nil && !errors.Is(err, models.ErrAlreadyTerminal) {
		return fmt.Errorf("%w: marking episode failed: %v", models.ErrTransient, err)
	}
	if err := p.finishTrackingRequest(ctx, episode.EpisodeID, models.StatusFailed, &msg); err != nil {
		return err
	}
	if err := p.publishImageTerminal(ctx, ev, messaging.OutcomeFailed, msg); err != nil {
		return err
	}
	return fmt.Errorf("image stage failed for episode %s: %w", ev.EpisodeID, cause)
}

// publishImageTerminal emits the terminal status update of the image stage.
// The batch advancer depends on it, so a lost publish is transient: the
// redelivered event finds the terminal episode and publishes again.
func (p *Processor) publishImageTerminal(ctx context.Context, ev messaging.ImageRequested, outcome messaging.Outcome, errorMessage string) error {
	detail := messaging.StatusUpdate{
		EventMeta:    messaging.NewMeta(ev.UserID, ev.CorrelationID),
		TargetID:     ev.EpisodeID,
		Stage:        messaging.StageImage,
		Outcome:      outcome,
		ErrorMessage: errorMessage,
		WorkflowID:   ev.WorkflowID,
	}
	env, err := messaging.NewEnvelope(messaging.SourceEpisode, messaging.TypeStatusUpdate, detail)
	if err != nil {
		return err
	}
	if err := p.bus.Publish(ctx, env); err != nil {
		return fmt.Errorf("publishing terminal image status: %w", err)
	}
	return nil
}
