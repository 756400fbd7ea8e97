package database

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"manga-server/internal/models"
)

// RequestRepository manages generation request records.
//
// Status transitions are monotone: PENDING -> PROCESSING -> COMPLETED/FAILED.
// A same-status update of a non-terminal record refreshes its fields (this is
// how progress is reported mid-flight), updates that would move a record
// backwards are ignored, updates against a terminal record return
// models.ErrAlreadyTerminal, and updates against a missing record return
// models.ErrConflict so handlers notice lost writes.
type RequestRepository interface {
	CreateRequest(ctx context.Context, req *models.GenerationRequest) error
	UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status models.Status, fields models.RequestFields) error
	GetRequestByUserAndID(ctx context.Context, userID string, requestID uuid.UUID) (*models.GenerationRequest, error)
	GetRequestByEntityID(ctx context.Context, entityID string) (*models.GenerationRequest, error)
	// AdvanceRequestBatch moves current_batch from fromBatch to toBatch.
	// It reports false when another writer advanced the record first, which
	// is how duplicate deliveries of the same completion event are absorbed.
	AdvanceRequestBatch(ctx context.Context, requestID uuid.UUID, fromBatch, toBatch int) (bool, error)
}

// StoryRepository manages story records.
type StoryRepository interface {
	CreateStory(ctx context.Context, story *models.Story) error
	UpdateStoryStatus(ctx context.Context, storyID uuid.UUID, status models.Status, fields models.StoryFields) error
	GetStory(ctx context.Context, userID string, storyID uuid.UUID) (*models.Story, error)
	ListUserStories(ctx context.Context, userID string) ([]models.Story, error)
	// ListWorkflowStories returns the stories dispatched for one batch
	// workflow in creation order. The batch advancer derives wave progress
	// from it.
	ListWorkflowStories(ctx context.Context, workflowID uuid.UUID) ([]models.Story, error)
}

// EpisodeRepository manages episode records. Episodes are addressed by
// (storyID, episodeNumber); episode numbers are unique per story.
type EpisodeRepository interface {
	CreateEpisode(ctx context.Context, episode *models.Episode) error
	UpdateEpisodeStatus(ctx context.Context, storyID uuid.UUID, episodeNumber int, status models.Status, fields models.EpisodeFields) error
	GetEpisode(ctx context.Context, storyID uuid.UUID, episodeNumber int) (*models.Episode, error)
	GetEpisodeByID(ctx context.Context, episodeID uuid.UUID) (*models.Episode, error)
	ListStoryEpisodes(ctx context.Context, storyID uuid.UUID) ([]models.Episode, error)
}

// PreferencesRepository manages user generation preferences.
type PreferencesRepository interface {
	GetLatestPreferences(ctx context.Context, userID string) (*models.PreferencesRecord, error)
	UpsertPreferences(ctx context.Context, rec *models.PreferencesRecord) error
}

// MetaStore bundles every repository the API and the worker need.
type MetaStore interface {
	RequestRepository
	StoryRepository
	EpisodeRepository
	PreferencesRepository
}

type pgMetaStore struct {
	*pgRequestRepository
	*pgStoryRepository
	*pgEpisodeRepository
	*pgPreferencesRepository
}

var _ MetaStore = (*pgMetaStore)(nil)

// NewPgMetaStore wires the PostgreSQL repositories behind a single MetaStore.
func NewPgMetaStore(db DBTX, logger *zap.Logger) MetaStore {
	return &pgMetaStore{
		pgRequestRepository:     newPgRequestRepository(db, logger),
		pgStoryRepository:       newPgStoryRepository(db, logger),
		pgEpisodeRepository:     newPgEpisodeRepository(db, logger),
		pgPreferencesRepository: newPgPreferencesRepository(db, logger),
	}
}
