package worker

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"manga-server/internal/blob"
	"manga-server/internal/config"
	"manga-server/internal/database"
	"manga-server/internal/generation"
	"manga-server/internal/messaging"
	"manga-server/internal/mocks"
	"manga-server/internal/models"
	"manga-server/internal/pdf"
	"manga-server/internal/service"
)

const (
	storyMarkdown = `# The Lantern Keeper

A coastal town where the lighthouse keeper discovers the lamp bends time.
Each night the beam sweeps across decades instead of water.`

	episodeMarkdown = `# Episode: First Light

Mira climbed the spiral stairs of the lighthouse, her lantern throwing long shadows across the stone walls of the ancient tower.

[Scene Break]

At the top, the great lamp waited, cold and dark, while the storm gathered strength over the harbor below the cliffs.`
)

type pipelineFixture struct {
	store    *database.MemoryStore
	blobs    *blob.MemoryStore
	bus      *messaging.MemoryBus
	textGen  *mocks.TextGen
	imageGen *mocks.ImageGen
	proc     *Processor
	svc      *service.WorkflowService
}

func pipelineConfig() *config.Config {
	return &config.Config{
		MaxScenesPerEpisode: 8,
		StoryBudget:         time.Minute,
		EpisodeBudget:       time.Minute,
		ImageBudget:         time.Minute,
		ImageRetryAttempts:  3,
		ImageRetryBaseDelay: time.Millisecond,
		InterSceneDelay:     0,
		PDFMarginMM:         20,
		PDFPageSize:         "A4",
	}
}

func newPipeline(t *testing.T) *pipelineFixture {
	t.Helper()
	logger := zap.NewNop()
	store := database.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	bus := messaging.NewMemoryBus()
	textGen := &mocks.TextGen{}
	imageGen := &mocks.ImageGen{}
	cfg := pipelineConfig()
	assembler := pdf.NewAssembler(cfg.PDFPageSize, cfg.PDFMarginMM, cfg.MaxScenesPerEpisode, logger)

	proc := NewProcessor(store, blobs, bus, textGen, imageGen, assembler, cfg, logger)
	proc.sleep = func(context.Context, time.Duration) error { return nil }

	return &pipelineFixture{
		store:    store,
		blobs:    blobs,
		bus:      bus,
		textGen:  textGen,
		imageGen: imageGen,
		proc:     proc,
		svc:      service.NewWorkflowService(store, bus, logger),
	}
}

// runToCompletion pumps the bus like the broker would, re-queueing events
// whose processing failed transiently.
func (f *pipelineFixture) runToCompletion(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	delivered := 0
	for i := 0; i < 200; i++ {
		env, ok := f.bus.Pop()
		if !ok {
			return delivered
		}
		delivered++
		if err := f.proc.Process(ctx, env); err != nil && models.IsTransient(err) {
			require.NoError(t, f.bus.Publish(ctx, env))
		}
	}
	t.Fatal("pipeline did not settle within 200 deliveries")
	return delivered
}

func scenePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	seed := uint32(2463534242)
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			seed ^= seed << 13
			seed ^= seed >> 17
			seed ^= seed << 5
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(seed), G: uint8(seed >> 8), B: uint8(seed >> 16), A: 255,
			})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	require.GreaterOrEqual(t, buf.Len(), 1<<10, "fixture png must pass size validation")
	return buf.Bytes()
}

func seedPipelinePrefs(t *testing.T, store *database.MemoryStore, userID string) models.Preferences {
	t.Helper()
	prefs := models.Preferences{
		Genres:         []string{"Fantasy"},
		Themes:         []string{"time"},
		ArtStyle:       "Detailed",
		TargetAudience: "Adults",
		ContentRating:  "PG-13",
	}
	require.NoError(t, store.UpsertPreferences(context.Background(), &models.PreferencesRecord{
		UserID:      userID,
		Preferences: prefs,
	}))
	return prefs
}

func TestBatchPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newPipeline(t)
	seedPipelinePrefs(t, f.store, "user-1")

	f.textGen.On("GenerateStory", mock.Anything, "user-1", mock.Anything, mock.Anything).
		Return(generation.StoryResult{Title: "The Lantern Keeper", Markdown: storyMarkdown}, nil)
	f.textGen.On("GenerateEpisode", mock.Anything, "user-1", storyMarkdown, 1, mock.Anything).
		Return(episodeMarkdown, nil)
	f.imageGen.On("Generate", mock.Anything, mock.Anything).Return(scenePNG(t), nil)

	res, err := f.svc.StartBatch(ctx, models.Principal{UserID: "user-1"}, service.StartBatchInput{
		NumberOfStories: 2,
		BatchSize:       1,
	})
	require.NoError(t, err)

	f.runToCompletion(t)

	req, err := f.store.GetRequestByUserAndID(ctx, "user-1", uuid.MustParse(res.RequestID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, req.Status)
	require.NotNil(t, req.Progress)
	assert.Equal(t, 100, *req.Progress)
	assert.Equal(t, 2, req.CurrentBatch)

	stories, err := f.store.ListWorkflowStories(ctx, uuid.MustParse(res.WorkflowID))
	require.NoError(t, err)
	require.Len(t, stories, 2)

	for _, story := range stories {
		assert.Equal(t, models.StatusCompleted, story.Status)
		require.NotNil(t, story.S3Key)
		text, err := f.blobs.GetText(ctx, *story.S3Key)
		require.NoError(t, err)
		assert.Equal(t, storyMarkdown, text)

		episode, err := f.store.GetEpisode(ctx, story.StoryID, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, episode.Status)
		require.NotNil(t, episode.PDFS3Key)
		assert.Equal(t, 2, episode.ImageCount)

		pdfData, ok := f.blobs.GetBinary(*episode.PDFS3Key)
		require.True(t, ok)
		assert.NoError(t, pdf.Validate(pdfData))

		img1, ok := f.blobs.GetBinary(blob.ImageKey(story.UserID, story.StoryID, 1, 1))
		require.True(t, ok)
		assert.True(t, bytes.HasPrefix(img1, pngMagic))
	}

	// 2 stories x (story.md + episode.md + 2 images + pdf)
	assert.Equal(t, 10, f.blobs.Len())
	f.textGen.AssertNumberOfCalls(t, "GenerateStory", 2)
}

func TestStoryThrottlingRecovers(t *testing.T) {
	ctx := context.Background()
	f := newPipeline(t)
	seedPipelinePrefs(t, f.store, "user-1")

	f.textGen.On("GenerateStory", mock.Anything, "user-1", mock.Anything, mock.Anything).
		Return(generation.StoryResult{}, models.ErrTransient).Once()
	f.textGen.On("GenerateStory", mock.Anything, "user-1", mock.Anything, mock.Anything).
		Return(generation.StoryResult{Title: "Second Try", Markdown: storyMarkdown}, nil)
	f.textGen.On("GenerateEpisode", mock.Anything, "user-1", storyMarkdown, 1, mock.Anything).
		Return(episodeMarkdown, nil)
	f.imageGen.On("Generate", mock.Anything, mock.Anything).Return(scenePNG(t), nil)

	res, err := f.svc.StartBatch(ctx, models.Principal{UserID: "user-1"}, service.StartBatchInput{NumberOfStories: 1})
	require.NoError(t, err)

	f.runToCompletion(t)

	req, err := f.store.GetRequestByUserAndID(ctx, "user-1", uuid.MustParse(res.RequestID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, req.Status)

	stories, err := f.store.ListWorkflowStories(ctx, uuid.MustParse(res.WorkflowID))
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, models.StatusCompleted, stories[0].Status)
	// the throttled attempt must not have marked anything FAILED
	assert.Nil(t, stories[0].ErrorMessage)
	f.textGen.AssertNumberOfCalls(t, "GenerateStory", 2)
}

func TestAllImagesFilteredFailsEpisode(t *testing.T) {
	ctx := context.Background()
	f := newPipeline(t)
	seedPipelinePrefs(t, f.store, "user-1")

	f.textGen.On("GenerateStory", mock.Anything, "user-1", mock.Anything, mock.Anything).
		Return(generation.StoryResult{Title: "Filtered", Markdown: storyMarkdown}, nil)
	f.textGen.On("GenerateEpisode", mock.Anything, "user-1", storyMarkdown, 1, mock.Anything).
		Return(episodeMarkdown, nil)
	f.imageGen.On("Generate", mock.Anything, mock.Anything).
		Return(nil, models.ErrContentFiltered)

	res, err := f.svc.StartBatch(ctx, models.Principal{UserID: "user-1"}, service.StartBatchInput{NumberOfStories: 1})
	require.NoError(t, err)

	f.runToCompletion(t)

	stories, err := f.store.ListWorkflowStories(ctx, uuid.MustParse(res.WorkflowID))
	require.NoError(t, err)
	require.Len(t, stories, 1)
	// text generation succeeded, only the image stage failed
	assert.Equal(t, models.StatusCompleted, stories[0].Status)

	episode, err := f.store.GetEpisode(ctx, stories[0].StoryID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, episode.Status)
	require.NotNil(t, episode.ErrorMessage)
	assert.Contains(t, *episode.ErrorMessage, noImagesMessage)
	assert.Nil(t, episode.PDFS3Key)

	// the batch still settles: a failed episode is a settled story
	req, err := f.store.GetRequestByUserAndID(ctx, "user-1", uuid.MustParse(res.RequestID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, req.Status)

	// content filtering is permanent, so no per-scene retries happened
	f.imageGen.AssertNumberOfCalls(t, "Generate", 2)
}

func TestPartialImageSuccessCompletes(t *testing.T) {
	ctx := context.Background()
	f := newPipeline(t)
	seedPipelinePrefs(t, f.store, "user-1")

	f.textGen.On("GenerateStory", mock.Anything, "user-1", mock.Anything, mock.Anything).
		Return(generation.StoryResult{Title: "Partial", Markdown: storyMarkdown}, nil)
	f.textGen.On("GenerateEpisode", mock.Anything, "user-1", storyMarkdown, 1, mock.Anything).
		Return(episodeMarkdown, nil)
	// first scene yields a blob too small to be a believable render
	f.imageGen.On("Generate", mock.Anything, mock.Anything).
		Return([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0}, nil).Once()
	f.imageGen.On("Generate", mock.Anything, mock.Anything).Return(scenePNG(t), nil)

	res, err := f.svc.StartBatch(ctx, models.Principal{UserID: "user-1"}, service.StartBatchInput{NumberOfStories: 1})
	require.NoError(t, err)

	f.runToCompletion(t)

	stories, err := f.store.ListWorkflowStories(ctx, uuid.MustParse(res.WorkflowID))
	require.NoError(t, err)
	episode, err := f.store.GetEpisode(ctx, stories[0].StoryID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, episode.Status)
	assert.Equal(t, 1, episode.ImageCount)
}

func TestStoryPermanentFailureFailsRequest(t *testing.T) {
	ctx := context.Background()
	f := newPipeline(t)
	seedPipelinePrefs(t, f.store, "user-1")

	f.textGen.On("GenerateStory", mock.Anything, "user-1", mock.Anything, mock.Anything).
		Return(generation.StoryResult{}, models.ErrContentFiltered)

	res, err := f.svc.StartBatch(ctx, models.Principal{UserID: "user-1"}, service.StartBatchInput{NumberOfStories: 1})
	require.NoError(t, err)

	f.runToCompletion(t)

	req, err := f.store.GetRequestByUserAndID(ctx, "user-1", uuid.MustParse(res.RequestID))
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, req.Status)
	require.NotNil(t, req.ErrorMessage)

	stories, err := f.store.ListWorkflowStories(ctx, uuid.MustParse(res.WorkflowID))
	require.NoError(t, err)
	require.Len(t, stories, 1)
	assert.Equal(t, models.StatusFailed, stories[0].Status)
}

func TestReplayedStoryEventRegeneratesNothing(t *testing.T) {
	ctx := context.Background()
	f := newPipeline(t)
	prefs := seedPipelinePrefs(t, f.store, "user-1")

	f.textGen.On("GenerateStory", mock.Anything, "user-1", mock.Anything, mock.Anything).
		Return(generation.StoryResult{Title: "Replay", Markdown: storyMarkdown}, nil).Once()
	f.textGen.On("GenerateEpisode", mock.Anything, "user-1", storyMarkdown, 1, mock.Anything).
		Return(episodeMarkdown, nil).Once()
	f.imageGen.On("Generate", mock.Anything, mock.Anything).Return(scenePNG(t), nil)

	res, err := f.svc.StartBatch(ctx, models.Principal{UserID: "user-1"}, service.StartBatchInput{NumberOfStories: 1})
	require.NoError(t, err)
	f.runToCompletion(t)

	stories, err := f.store.ListWorkflowStories(ctx, uuid.MustParse(res.WorkflowID))
	require.NoError(t, err)
	require.Len(t, stories, 1)
	blobsBefore := f.blobs.Len()

	// simulate an at-least-once duplicate of the original story event
	replay := messaging.StoryRequested{
		EventMeta:   messaging.NewMeta("user-1", res.RequestID),
		StoryID:     stories[0].StoryID.String(),
		RequestID:   res.RequestID,
		Preferences: prefs,
		WorkflowID:  res.WorkflowID,
	}
	env, err := messaging.NewEnvelope(messaging.SourceWorkflow, messaging.TypeStoryRequested, replay)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(ctx, env))
	f.runToCompletion(t)

	assert.Equal(t, blobsBefore, f.blobs.Len())
	episode, err := f.store.GetEpisode(ctx, stories[0].StoryID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, episode.Status)

	// the mocks would have panicked on a second generation call (Once)
	f.textGen.AssertExpectations(t)
}

func TestContinuationPipeline(t *testing.T) {
	ctx := context.Background()
	f := newPipeline(t)
	seedPipelinePrefs(t, f.store, "user-1")

	// a finished story with its markdown in place
	storyID := uuid.New()
	require.NoError(t, f.store.CreateStory(ctx, &models.Story{
		StoryID: storyID,
		UserID:  "user-1",
		Status:  models.StatusPending,
	}))
	key := blob.StoryKey("user-1", storyID)
	title := "Done Before"
	require.NoError(t, f.store.UpdateStoryStatus(ctx, storyID, models.StatusProcessing, models.StoryFields{}))
	require.NoError(t, f.store.UpdateStoryStatus(ctx, storyID, models.StatusCompleted, models.StoryFields{
		Title: &title,
		S3Key: &key,
	}))
	require.NoError(t, f.blobs.PutText(ctx, key, storyMarkdown, blob.MimeMarkdown))

	f.textGen.On("GenerateEpisode", mock.Anything, "user-1", storyMarkdown, 1, mock.Anything).
		Return(episodeMarkdown, nil)
	f.imageGen.On("Generate", mock.Anything, mock.Anything).Return(scenePNG(t), nil)

	res, err := f.svc.ContinueEpisode(ctx, models.Principal{UserID: "user-1"}, storyID.String())
	require.NoError(t, err)

	f.runToCompletion(t)

	episode, err := f.store.GetEpisode(ctx, storyID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, episode.Status)
	require.NotNil(t, episode.PDFS3Key)

	req, err := f.store.GetRequestByEntityID(ctx, res.EpisodeID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, req.Status)
	require.NotNil(t, req.Progress)
	assert.Equal(t, 100, *req.Progress)
}
