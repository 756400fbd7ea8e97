package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"manga-server/internal/models"
)

// MemoryStore is an in-memory MetaStore with the same transition semantics
// as the PostgreSQL implementation. It backs unit tests and local runs
// without a database.
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int
	requests map[uuid.UUID]*models.GenerationRequest
	stories  map[uuid.UUID]*models.Story
	episodes map[uuid.UUID]*models.Episode
	prefs    map[string]*models.PreferencesRecord

	// insertion order, used to keep list results stable
	storyOrder map[uuid.UUID]int
}

var _ MetaStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:   make(map[uuid.UUID]*models.GenerationRequest),
		stories:    make(map[uuid.UUID]*models.Story),
		episodes:   make(map[uuid.UUID]*models.Episode),
		prefs:      make(map[string]*models.PreferencesRecord),
		storyOrder: make(map[uuid.UUID]int),
	}
}

func (s *MemoryStore) CreateRequest(_ context.Context, req *models.GenerationRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.requests[req.RequestID]; ok {
		return fmt.Errorf("%w: request %s", models.ErrConflict, req.RequestID)
	}
	cp := *req
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.requests[req.RequestID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRequestStatus(_ context.Context, requestID uuid.UUID, status models.Status, fields models.RequestFields) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok {
		return fmt.Errorf("%w: request %s not found", models.ErrConflict, requestID)
	}
	if req.Status.IsTerminal() {
		return fmt.Errorf("%w: request %s is %s", models.ErrAlreadyTerminal, requestID, req.Status)
	}
	if req.Status != status && !req.Status.CanTransitionTo(status) {
		return nil // backwards replay, no-op
	}

	req.Status = status
	if fields.CurrentStep != nil {
		req.CurrentStep = fields.CurrentStep
	}
	if fields.Progress != nil {
		req.Progress = fields.Progress
	}
	if fields.ErrorMessage != nil {
		req.ErrorMessage = fields.ErrorMessage
	}
	req.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetRequestByUserAndID(_ context.Context, userID string, requestID uuid.UUID) (*models.GenerationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.requests[requestID]
	if !ok || req.UserID != userID {
		return nil, models.ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) GetRequestByEntityID(_ context.Context, entityID string) (*models.GenerationRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *models.GenerationRequest
	for _, req := range s.requests {
		if req.RelatedEntityID != entityID {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
		}
	}
	if latest == nil {
		return nil, models.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) AdvanceRequestBatch(_ context.Context, requestID uuid.UUID, fromBatch, toBatch int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.Status.IsTerminal() || req.CurrentBatch != fromBatch {
		return false, nil
	}
	req.CurrentBatch = toBatch
	req.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *MemoryStore) CreateStory(_ context.Context, story *models.Story) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stories[story.StoryID]; ok {
		return fmt.Errorf("%w: story %s", models.ErrConflict, story.StoryID)
	}
	cp := *story
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.seq++
	s.stories[story.StoryID] = &cp
	s.storyOrder[story.StoryID] = s.seq
	return nil
}

func (s *MemoryStore) UpdateStoryStatus(_ context.Context, storyID uuid.UUID, status models.Status, fields models.StoryFields) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	story, ok := s.stories[storyID]
	if !ok {
		return fmt.Errorf("%w: story %s", models.ErrStoryNotFound, storyID)
	}
	if story.Status.IsTerminal() {
		return fmt.Errorf("%w: story %s is %s", models.ErrAlreadyTerminal, storyID, story.Status)
	}
	if story.Status != status && !story.Status.CanTransitionTo(status) {
		return nil
	}

	story.Status = status
	if fields.Title != nil {
		story.Title = fields.Title
	}
	if fields.S3Key != nil {
		story.S3Key = fields.S3Key
	}
	if fields.ErrorMessage != nil {
		story.ErrorMessage = fields.ErrorMessage
	}
	story.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetStory(_ context.Context, userID string, storyID uuid.UUID) (*models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	story, ok := s.stories[storyID]
	if !ok || story.UserID != userID {
		return nil, models.ErrStoryNotFound
	}
	cp := *story
	return &cp, nil
}

func (s *MemoryStore) ListUserStories(_ context.Context, userID string) ([]models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stories []models.Story
	for _, story := range s.stories {
		if story.UserID == userID {
			stories = append(stories, *story)
		}
	}
	sort.Slice(stories, func(i, j int) bool {
		return s.storyOrder[stories[i].StoryID] < s.storyOrder[stories[j].StoryID]
	})
	return stories, nil
}

func (s *MemoryStore) ListWorkflowStories(_ context.Context, workflowID uuid.UUID) ([]models.Story, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stories []models.Story
	for _, story := range s.stories {
		if story.WorkflowID != nil && *story.WorkflowID == workflowID {
			stories = append(stories, *story)
		}
	}
	sort.Slice(stories, func(i, j int) bool {
		return s.storyOrder[stories[i].StoryID] < s.storyOrder[stories[j].StoryID]
	})
	return stories, nil
}

func (s *MemoryStore) CreateEpisode(_ context.Context, episode *models.Episode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.stories[episode.StoryID]; !ok {
		return fmt.Errorf("%w: story %s", models.ErrStoryNotFound, episode.StoryID)
	}
	for _, existing := range s.episodes {
		if existing.StoryID == episode.StoryID && existing.EpisodeNumber == episode.EpisodeNumber {
			return fmt.Errorf("%w: story %s episode %d", models.ErrEpisodeExists, episode.StoryID, episode.EpisodeNumber)
		}
	}

	cp := *episode
	now := time.Now().UTC()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.episodes[episode.EpisodeID] = &cp
	return nil
}

func (s *MemoryStore) UpdateEpisodeStatus(_ context.Context, storyID uuid.UUID, episodeNumber int, status models.Status, fields models.EpisodeFields) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	episode := s.findEpisodeLocked(storyID, episodeNumber)
	if episode == nil {
		return fmt.Errorf("%w: story %s episode %d", models.ErrEpisodeNotFound, storyID, episodeNumber)
	}
	if episode.Status.IsTerminal() {
		return fmt.Errorf("%w: story %s episode %d is %s", models.ErrAlreadyTerminal, storyID, episodeNumber, episode.Status)
	}
	if episode.Status != status && !episode.Status.CanTransitionTo(status) {
		return nil
	}

	episode.Status = status
	if fields.S3Key != nil {
		episode.S3Key = fields.S3Key
	}
	if fields.PDFS3Key != nil {
		episode.PDFS3Key = fields.PDFS3Key
	}
	if fields.ImageCount != nil {
		episode.ImageCount = *fields.ImageCount
	}
	if fields.ErrorMessage != nil {
		episode.ErrorMessage = fields.ErrorMessage
	}
	if fields.ImageGenStartedAt != nil {
		episode.ImageGenStartedAt = fields.ImageGenStartedAt
	}
	if fields.ImageGenEndedAt != nil {
		episode.ImageGenEndedAt = fields.ImageGenEndedAt
	}
	episode.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetEpisode(_ context.Context, storyID uuid.UUID, episodeNumber int) (*models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	episode := s.findEpisodeLocked(storyID, episodeNumber)
	if episode == nil {
		return nil, models.ErrEpisodeNotFound
	}
	cp := *episode
	return &cp, nil
}

func (s *MemoryStore) GetEpisodeByID(_ context.Context, episodeID uuid.UUID) (*models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	episode, ok := s.episodes[episodeID]
	if !ok {
		return nil, models.ErrEpisodeNotFound
	}
	cp := *episode
	return &cp, nil
}

func (s *MemoryStore) ListStoryEpisodes(_ context.Context, storyID uuid.UUID) ([]models.Episode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var episodes []models.Episode
	for _, episode := range s.episodes {
		if episode.StoryID == storyID {
			episodes = append(episodes, *episode)
		}
	}
	sort.Slice(episodes, func(i, j int) bool {
		return episodes[i].EpisodeNumber < episodes[j].EpisodeNumber
	})
	return episodes, nil
}

func (s *MemoryStore) findEpisodeLocked(storyID uuid.UUID, episodeNumber int) *models.Episode {
	for _, episode := range s.episodes {
		if episode.StoryID == storyID && episode.EpisodeNumber == episodeNumber {
			return episode
		}
	}
	return nil
}

func (s *MemoryStore) GetLatestPreferences(_ context.Context, userID string) (*models.PreferencesRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.prefs[userID]
	if !ok {
		return nil, models.ErrPreferencesNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) UpsertPreferences(_ context.Context, rec *models.PreferencesRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	now := time.Now().UTC()
	if existing, ok := s.prefs[rec.UserID]; ok {
		cp.CreatedAt = existing.CreatedAt
		if cp.Insights == nil {
			cp.Insights = existing.Insights
		}
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.prefs[rec.UserID] = &cp
	return nil
}
