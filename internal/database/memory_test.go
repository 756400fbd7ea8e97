package database_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manga-server/internal/database"
	"manga-server/internal/models"
)

const testUserID = "user-123"

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func newTestRequest(userID string) *models.GenerationRequest {
	return &models.GenerationRequest{
		RequestID:       uuid.New(),
		UserID:          userID,
		Type:            models.RequestTypeStory,
		Status:          models.StatusProcessing,
		NumberOfStories: 3,
		BatchSize:       1,
		CurrentBatch:    1,
		TotalBatches:    3,
	}
}

func TestMemoryStore_RequestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("create and fetch by user", func(t *testing.T) {
		store := database.NewMemoryStore()
		req := newTestRequest(testUserID)

		require.NoError(t, store.CreateRequest(ctx, req))

		got, err := store.GetRequestByUserAndID(ctx, testUserID, req.RequestID)
		require.NoError(t, err)
		assert.Equal(t, req.RequestID, got.RequestID)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Equal(t, 3, got.NumberOfStories)

		_, err = store.GetRequestByUserAndID(ctx, "someone-else", req.RequestID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("duplicate create conflicts", func(t *testing.T) {
		store := database.NewMemoryStore()
		req := newTestRequest(testUserID)

		require.NoError(t, store.CreateRequest(ctx, req))
		assert.ErrorIs(t, store.CreateRequest(ctx, req), models.ErrConflict)
	})

	t.Run("update applies fields and status", func(t *testing.T) {
		store := database.NewMemoryStore()
		req := newTestRequest(testUserID)
		require.NoError(t, store.CreateRequest(ctx, req))

		err := store.UpdateRequestStatus(ctx, req.RequestID, models.StatusProcessing, models.RequestFields{
			CurrentStep: strPtr("EPISODE_GENERATION"),
			Progress:    intPtr(33),
		})
		require.NoError(t, err)

		got, err := store.GetRequestByUserAndID(ctx, testUserID, req.RequestID)
		require.NoError(t, err)
		require.NotNil(t, got.CurrentStep)
		assert.Equal(t, "EPISODE_GENERATION", *got.CurrentStep)
		require.NotNil(t, got.Progress)
		assert.Equal(t, 33, *got.Progress)
	})

	t.Run("nil fields keep previous values", func(t *testing.T) {
		store := database.NewMemoryStore()
		req := newTestRequest(testUserID)
		require.NoError(t, store.CreateRequest(ctx, req))

		require.NoError(t, store.UpdateRequestStatus(ctx, req.RequestID, models.StatusProcessing, models.RequestFields{
			Progress: intPtr(33),
		}))
		require.NoError(t, store.UpdateRequestStatus(ctx, req.RequestID, models.StatusCompleted, models.RequestFields{}))

		got, err := store.GetRequestByUserAndID(ctx, testUserID, req.RequestID)
		require.NoError(t, err)
		require.NotNil(t, got.Progress)
		assert.Equal(t, 33, *got.Progress)
		assert.Equal(t, models.StatusCompleted, got.Status)
	})

	t.Run("terminal status is sticky", func(t *testing.T) {
		store := database.NewMemoryStore()
		req := newTestRequest(testUserID)
		require.NoError(t, store.CreateRequest(ctx, req))

		require.NoError(t, store.UpdateRequestStatus(ctx, req.RequestID, models.StatusFailed, models.RequestFields{
			ErrorMessage: strPtr("boom"),
		}))

		err := store.UpdateRequestStatus(ctx, req.RequestID, models.StatusCompleted, models.RequestFields{})
		assert.ErrorIs(t, err, models.ErrAlreadyTerminal)

		got, err := store.GetRequestByUserAndID(ctx, testUserID, req.RequestID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
	})

	t.Run("same status update refreshes fields", func(t *testing.T) {
		store := database.NewMemoryStore()
		req := newTestRequest(testUserID)
		require.NoError(t, store.CreateRequest(ctx, req))

		progress := 33
		step := "EPISODE_GENERATION"
		require.NoError(t, store.UpdateRequestStatus(ctx, req.RequestID, models.StatusProcessing, models.RequestFields{
			CurrentStep: &step,
			Progress:    &progress,
		}))

		got, err := store.GetRequestByUserAndID(ctx, testUserID, req.RequestID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		require.NotNil(t, got.Progress)
		assert.Equal(t, 33, *got.Progress)
		require.NotNil(t, got.CurrentStep)
		assert.Equal(t, "EPISODE_GENERATION", *got.CurrentStep)
	})

	t.Run("update of missing record conflicts", func(t *testing.T) {
		store := database.NewMemoryStore()

		err := store.UpdateRequestStatus(ctx, uuid.New(), models.StatusCompleted, models.RequestFields{})
		assert.ErrorIs(t, err, models.ErrConflict)
	})

	t.Run("fetch by related entity returns latest", func(t *testing.T) {
		store := database.NewMemoryStore()
		req := newTestRequest(testUserID)
		req.Type = models.RequestTypeEpisode
		req.RelatedEntityID = "episode-1"
		require.NoError(t, store.CreateRequest(ctx, req))

		got, err := store.GetRequestByEntityID(ctx, "episode-1")
		require.NoError(t, err)
		assert.Equal(t, req.RequestID, got.RequestID)

		_, err = store.GetRequestByEntityID(ctx, "episode-2")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestMemoryStore_AdvanceRequestBatch(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()
	req := newTestRequest(testUserID)
	require.NoError(t, store.CreateRequest(ctx, req))

	advanced, err := store.AdvanceRequestBatch(ctx, req.RequestID, 1, 2)
	require.NoError(t, err)
	assert.True(t, advanced)

	// a second delivery of the same completion must lose the race
	advanced, err = store.AdvanceRequestBatch(ctx, req.RequestID, 1, 2)
	require.NoError(t, err)
	assert.False(t, advanced)

	advanced, err = store.AdvanceRequestBatch(ctx, req.RequestID, 2, 3)
	require.NoError(t, err)
	assert.True(t, advanced)

	require.NoError(t, store.UpdateRequestStatus(ctx, req.RequestID, models.StatusCompleted, models.RequestFields{}))
	advanced, err = store.AdvanceRequestBatch(ctx, req.RequestID, 3, 4)
	require.NoError(t, err)
	assert.False(t, advanced, "terminal requests must not advance")
}

func TestMemoryStore_Stories(t *testing.T) {
	ctx := context.Background()

	t.Run("create, update and fetch", func(t *testing.T) {
		store := database.NewMemoryStore()
		story := &models.Story{StoryID: uuid.New(), UserID: testUserID, Status: models.StatusPending}
		require.NoError(t, store.CreateStory(ctx, story))

		require.NoError(t, store.UpdateStoryStatus(ctx, story.StoryID, models.StatusProcessing, models.StoryFields{}))
		require.NoError(t, store.UpdateStoryStatus(ctx, story.StoryID, models.StatusCompleted, models.StoryFields{
			Title: strPtr("The Long Night"),
			S3Key: strPtr("stories/user-123/" + story.StoryID.String() + "/story.md"),
		}))

		got, err := store.GetStory(ctx, testUserID, story.StoryID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		require.NotNil(t, got.Title)
		assert.Equal(t, "The Long Night", *got.Title)

		_, err = store.GetStory(ctx, "someone-else", story.StoryID)
		assert.ErrorIs(t, err, models.ErrStoryNotFound)
	})

	t.Run("list keeps creation order", func(t *testing.T) {
		store := database.NewMemoryStore()
		first := &models.Story{StoryID: uuid.New(), UserID: testUserID, Status: models.StatusPending}
		second := &models.Story{StoryID: uuid.New(), UserID: testUserID, Status: models.StatusPending}
		require.NoError(t, store.CreateStory(ctx, first))
		require.NoError(t, store.CreateStory(ctx, second))
		require.NoError(t, store.CreateStory(ctx, &models.Story{StoryID: uuid.New(), UserID: "someone-else", Status: models.StatusPending}))

		stories, err := store.ListUserStories(ctx, testUserID)
		require.NoError(t, err)
		require.Len(t, stories, 2)
		assert.Equal(t, first.StoryID, stories[0].StoryID)
		assert.Equal(t, second.StoryID, stories[1].StoryID)
	})

	t.Run("workflow listing is scoped and ordered", func(t *testing.T) {
		store := database.NewMemoryStore()
		workflowID := uuid.New()
		otherWorkflow := uuid.New()

		mkStory := func(wf uuid.UUID, status models.Status) uuid.UUID {
			id := uuid.New()
			require.NoError(t, store.CreateStory(ctx, &models.Story{
				StoryID: id, UserID: testUserID, WorkflowID: &wf, Status: models.StatusPending,
			}))
			if status != models.StatusPending {
				require.NoError(t, store.UpdateStoryStatus(ctx, id, status, models.StoryFields{}))
			}
			return id
		}
		first := mkStory(workflowID, models.StatusCompleted)
		second := mkStory(workflowID, models.StatusFailed)
		third := mkStory(workflowID, models.StatusPending)
		mkStory(otherWorkflow, models.StatusCompleted)

		stories, err := store.ListWorkflowStories(ctx, workflowID)
		require.NoError(t, err)
		require.Len(t, stories, 3)
		assert.Equal(t, first, stories[0].StoryID)
		assert.Equal(t, second, stories[1].StoryID)
		assert.Equal(t, third, stories[2].StoryID)
	})
}

func TestMemoryStore_Episodes(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()

	story := &models.Story{StoryID: uuid.New(), UserID: testUserID, Status: models.StatusCompleted}
	require.NoError(t, store.CreateStory(ctx, story))

	first := &models.Episode{EpisodeID: uuid.New(), StoryID: story.StoryID, EpisodeNumber: 1, Status: models.StatusProcessing}
	require.NoError(t, store.CreateEpisode(ctx, first))

	t.Run("duplicate episode number is rejected", func(t *testing.T) {
		dup := &models.Episode{EpisodeID: uuid.New(), StoryID: story.StoryID, EpisodeNumber: 1, Status: models.StatusProcessing}
		assert.ErrorIs(t, store.CreateEpisode(ctx, dup), models.ErrEpisodeExists)
	})

	t.Run("episode for missing story is rejected", func(t *testing.T) {
		orphan := &models.Episode{EpisodeID: uuid.New(), StoryID: uuid.New(), EpisodeNumber: 1, Status: models.StatusProcessing}
		assert.ErrorIs(t, store.CreateEpisode(ctx, orphan), models.ErrStoryNotFound)
	})

	t.Run("update by story and number", func(t *testing.T) {
		err := store.UpdateEpisodeStatus(ctx, story.StoryID, 1, models.StatusCompleted, models.EpisodeFields{
			PDFS3Key:   strPtr("episodes/user-123/" + story.StoryID.String() + "/001/episode.pdf"),
			ImageCount: intPtr(4),
		})
		require.NoError(t, err)

		got, err := store.GetEpisode(ctx, story.StoryID, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, 4, got.ImageCount)
		require.NotNil(t, got.PDFS3Key)

		byID, err := store.GetEpisodeByID(ctx, first.EpisodeID)
		require.NoError(t, err)
		assert.Equal(t, got.EpisodeID, byID.EpisodeID)
	})

	t.Run("list is ordered by episode number", func(t *testing.T) {
		third := &models.Episode{EpisodeID: uuid.New(), StoryID: story.StoryID, EpisodeNumber: 3, Status: models.StatusProcessing}
		second := &models.Episode{EpisodeID: uuid.New(), StoryID: story.StoryID, EpisodeNumber: 2, Status: models.StatusProcessing}
		require.NoError(t, store.CreateEpisode(ctx, third))
		require.NoError(t, store.CreateEpisode(ctx, second))

		episodes, err := store.ListStoryEpisodes(ctx, story.StoryID)
		require.NoError(t, err)
		require.Len(t, episodes, 3)
		assert.Equal(t, 1, episodes[0].EpisodeNumber)
		assert.Equal(t, 2, episodes[1].EpisodeNumber)
		assert.Equal(t, 3, episodes[2].EpisodeNumber)
	})

	t.Run("missing episode", func(t *testing.T) {
		_, err := store.GetEpisode(ctx, story.StoryID, 99)
		assert.ErrorIs(t, err, models.ErrEpisodeNotFound)
	})
}

func TestMemoryStore_Preferences(t *testing.T) {
	ctx := context.Background()
	store := database.NewMemoryStore()

	_, err := store.GetLatestPreferences(ctx, testUserID)
	assert.ErrorIs(t, err, models.ErrPreferencesNotFound)

	rec := &models.PreferencesRecord{
		UserID: testUserID,
		Preferences: models.Preferences{
			Genres:         []string{"Action", "Fantasy"},
			Themes:         []string{"redemption"},
			ArtStyle:       "Modern",
			TargetAudience: "Teens",
			ContentRating:  "PG-13",
		},
		Insights: []byte(`{"favoriteHero":"swordsman"}`),
	}
	require.NoError(t, store.UpsertPreferences(ctx, rec))

	got, err := store.GetLatestPreferences(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Action", "Fantasy"}, got.Genres)
	assert.Equal(t, "PG-13", got.ContentRating)
	assert.JSONEq(t, `{"favoriteHero":"swordsman"}`, string(got.Insights))

	// updating without insights keeps the stored ones
	update := &models.PreferencesRecord{
		UserID: testUserID,
		Preferences: models.Preferences{
			Genres:         []string{"Horror"},
			ArtStyle:       "Dark",
			TargetAudience: "Adults",
			ContentRating:  "R",
		},
	}
	require.NoError(t, store.UpsertPreferences(ctx, update))

	got, err = store.GetLatestPreferences(ctx, testUserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Horror"}, got.Genres)
	assert.JSONEq(t, `{"favoriteHero":"swordsman"}`, string(got.Insights))
}
