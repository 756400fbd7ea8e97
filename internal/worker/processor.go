// Package worker drives the generation pipeline: it consumes pipeline events
// and runs the story, episode and image/PDF stages plus the batch advancer.
//
// Handlers keep no state between invocations. Everything they know comes from
// the event payload, the metadata store and the blob store, so redelivered
// events can always be reconciled against what earlier attempts already wrote.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"manga-server/internal/blob"
	"manga-server/internal/config"
	"manga-server/internal/database"
	"manga-server/internal/generation"
	"manga-server/internal/messaging"
	"manga-server/internal/models"
	"manga-server/internal/pdf"
)

var (
	eventsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manga_worker_events_total",
			Help: "Total number of pipeline events processed.",
		},
		[]string{"detail_type", "outcome"},
	)
	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manga_worker_stage_duration_seconds",
			Help:    "Histogram of pipeline stage durations.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"detail_type"},
	)
)

// Processor executes one pipeline stage per consumed event.
type Processor struct {
	store     database.MetaStore
	blobs     blob.Store
	bus       messaging.EventBus
	textGen   generation.TextGen
	imageGen  generation.ImageGen
	assembler *pdf.Assembler
	cfg       *config.Config
	logger    *zap.Logger

	// sleep is replaceable so tests do not wait out inter-scene delays.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ messaging.Processor = (*Processor)(nil)

// NewProcessor wires the pipeline stages onto their collaborators.
func NewProcessor(
	store database.MetaStore,
	blobs blob.Store,
	bus messaging.EventBus,
	textGen generation.TextGen,
	imageGen generation.ImageGen,
	assembler *pdf.Assembler,
	cfg *config.Config,
	logger *zap.Logger,
) *Processor {
	return &Processor{
		store:     store,
		blobs:     blobs,
		bus:       bus,
		textGen:   textGen,
		imageGen:  imageGen,
		assembler: assembler,
		cfg:       cfg,
		logger:    logger.Named("Worker"),
		sleep:     sleepContext,
	}
}

// Process dispatches env to the stage handler for its detail type. A nil
// return acknowledges the event; a transient error sends it back for
// redelivery; any other error acknowledges after the handler has recorded
// the terminal FAILED state.
func (p *Processor) Process(ctx context.Context, env messaging.Envelope) error {
	start := time.Now()
	err := p.dispatch(ctx, env)
	stageDuration.WithLabelValues(env.DetailType).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		eventsProcessedTotal.WithLabelValues(env.DetailType, "ok").Inc()
	case models.IsTransient(err):
		eventsProcessedTotal.WithLabelValues(env.DetailType, "transient").Inc()
	default:
		eventsProcessedTotal.WithLabelValues(env.DetailType, "permanent").Inc()
	}
	return err
}

func (p *Processor) dispatch(ctx context.Context, env messaging.Envelope) error {
	switch env.DetailType {
	case messaging.TypeBatchStoryRequested:
		var ev messaging.BatchStoryRequested
		if err := decodeDetail(env, &ev); err != nil {
			return err
		}
		return p.handleBatchStory(ctx, ev)

	case messaging.TypeStoryRequested:
		var ev messaging.StoryRequested
		if err := decodeDetail(env, &ev); err != nil {
			return err
		}
		return p.handleStory(ctx, ev)

	case messaging.TypeEpisodeRequested:
		var ev messaging.EpisodeRequested
		if err := decodeDetail(env, &ev); err != nil {
			return err
		}
		return p.handleEpisode(ctx, ev)

	case messaging.TypeContinueEpisodeRequested:
		var ev messaging.ContinueEpisodeRequested
		if err := decodeDetail(env, &ev); err != nil {
			return err
		}
		// Continuations run the regular episode stage with the
		// continuation's own field names mapped over.
		return p.handleEpisode(ctx, messaging.EpisodeRequested{
			EventMeta:     ev.EventMeta,
			StoryID:       ev.StoryID,
			EpisodeNumber: ev.NextEpisodeNumber,
			StoryS3Key:    ev.StoryS3Key,
			Preferences:   ev.OriginalPreferences,
		})

	case messaging.TypeImageRequested:
		var ev messaging.ImageRequested
		if err := decodeDetail(env, &ev); err != nil {
			return err
		}
		return p.handleImage(ctx, ev)

	case messaging.TypeStatusUpdate:
		var ev messaging.StatusUpdate
		if err := decodeDetail(env, &ev); err != nil {
			return err
		}
		return p.handleStatusUpdate(ctx, ev)

	default:
		// The consumer filters unknown types already; this is a guard for
		// the in-memory bus used in tests.
		return fmt.Errorf("%w: unknown detail type %q", models.ErrValidation, env.DetailType)
	}
}

// decodeDetail unmarshals the envelope payload. Malformed payloads are
// permanent: redelivery cannot fix them.
func decodeDetail(env messaging.Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Detail, v); err != nil {
		return fmt.Errorf("%w: malformed %s detail: %v", models.ErrValidation, env.DetailType, err)
	}
	return nil
}

// publishStatus emits a StatusUpdate. Status updates are observability
// signals; failing to send one must not fail the stage that produced it.
func (p *Processor) publishStatus(ctx context.Context, ev messaging.StatusUpdate) {
	env, err := messaging.NewEnvelope(messaging.SourceWorkflow, messaging.TypeStatusUpdate, ev)
	if err == nil {
		err = p.bus.Publish(ctx, env)
	}
	if err != nil {
		p.logger.Warn("Failed to publish status update",
			zap.String("targetID", ev.TargetID),
			zap.String("stage", string(ev.Stage)),
			zap.String("outcome", string(ev.Outcome)),
			zap.Error(err),
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrTransient, ctx.Err())
	}
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }
