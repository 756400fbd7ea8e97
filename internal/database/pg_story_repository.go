package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"manga-server/internal/models"
)

const createStoryQuery = `
INSERT INTO stories (story_id, user_id, workflow_id, title, s3_key, status)
VALUES ($1, $2, $3, $4, $5, $6)`

const updateStoryStatusQuery = `
UPDATE stories
SET status        = $2,
    title         = COALESCE($3, title),
    s3_key        = COALESCE($4, s3_key),
    error_message = COALESCE($5, error_message),
    updated_at    = NOW()
WHERE story_id = $1
  AND ((status = $2::text AND status NOT IN ('COMPLETED', 'FAILED'))
    OR (CASE status WHEN 'PENDING' THEN 0 WHEN 'PROCESSING' THEN 1 ELSE 2 END)
     < (CASE $2::text WHEN 'PENDING' THEN 0 WHEN 'PROCESSING' THEN 1 ELSE 2 END))`

const getStoryStatusQuery = `SELECT status FROM stories WHERE story_id = $1`

const getStoryQuery = `
SELECT story_id, user_id, workflow_id, title, s3_key, status, error_message, created_at, updated_at
FROM stories
WHERE story_id = $1 AND user_id = $2`

const listUserStoriesQuery = `
SELECT story_id, user_id, workflow_id, title, s3_key, status, error_message, created_at, updated_at
FROM stories
WHERE user_id = $1
ORDER BY created_at ASC, story_id ASC`

const listWorkflowStoriesQuery = `
SELECT story_id, user_id, workflow_id, title, s3_key, status, error_message, created_at, updated_at
FROM stories
WHERE workflow_id = $1
ORDER BY created_at ASC, story_id ASC`

type pgStoryRepository struct {
	db     DBTX
	logger *zap.Logger
}

var _ StoryRepository = (*pgStoryRepository)(nil)

func newPgStoryRepository(db DBTX, logger *zap.Logger) *pgStoryRepository {
	return &pgStoryRepository{
		db:     db,
		logger: logger.Named("PgStoryRepo"),
	}
}

func (r *pgStoryRepository) CreateStory(ctx context.Context, story *models.Story) error {
	logFields := []zap.Field{
		zap.String("storyID", story.StoryID.String()),
		zap.String("userID", story.UserID),
	}
	r.logger.Debug("Creating story record", logFields...)

	_, err := r.db.Exec(ctx, createStoryQuery,
		story.StoryID, story.UserID, story.WorkflowID, story.Title, story.S3Key, story.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.logger.Warn("Story already exists", logFields...)
			return fmt.Errorf("%w: story %s", models.ErrConflict, story.StoryID)
		}
		r.logger.Error("Failed to create story record", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to create story: %w", err)
	}

	r.logger.Info("Story record created", logFields...)
	return nil
}

func (r *pgStoryRepository) UpdateStoryStatus(ctx context.Context, storyID uuid.UUID, status models.Status, fields models.StoryFields) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}
	logFields := []zap.Field{
		zap.String("storyID", storyID.String()),
		zap.String("status", string(status)),
	}

	tag, err := r.db.Exec(ctx, updateStoryStatusQuery,
		storyID, status, fields.Title, fields.S3Key, fields.ErrorMessage,
	)
	if err != nil {
		r.logger.Error("Failed to update story status", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to update story status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current models.Status
		scanErr := r.db.QueryRow(ctx, getStoryStatusQuery, storyID).Scan(&current)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return fmt.Errorf("%w: story %s", models.ErrStoryNotFound, storyID)
			}
			return fmt.Errorf("failed to read story status: %w", scanErr)
		}
		if current.IsTerminal() {
			return fmt.Errorf("%w: story %s is %s", models.ErrAlreadyTerminal, storyID, current)
		}
		r.logger.Debug("Story status unchanged", append(logFields, zap.String("current", string(current)))...)
		return nil
	}

	r.logger.Debug("Story status updated", logFields...)
	return nil
}

func (r *pgStoryRepository) GetStory(ctx context.Context, userID string, storyID uuid.UUID) (*models.Story, error) {
	var story models.Story
	err := pgxscan.Get(ctx, r.db, &story, getStoryQuery, storyID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrStoryNotFound
		}
		r.logger.Error("Failed to get story",
			zap.String("storyID", storyID.String()),
			zap.String("userID", userID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to get story: %w", err)
	}
	return &story, nil
}

func (r *pgStoryRepository) ListUserStories(ctx context.Context, userID string) ([]models.Story, error) {
	var stories []models.Story
	err := pgxscan.Select(ctx, r.db, &stories, listUserStoriesQuery, userID)
	if err != nil {
		r.logger.Error("Failed to list user stories", zap.String("userID", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to list user stories: %w", err)
	}
	return stories, nil
}

func (r *pgStoryRepository) ListWorkflowStories(ctx context.Context, workflowID uuid.UUID) ([]models.Story, error) {
	var stories []models.Story
	err := pgxscan.Select(ctx, r.db, &stories, listWorkflowStoriesQuery, workflowID)
	if err != nil {
		r.logger.Error("Failed to list workflow stories",
			zap.String("workflowID", workflowID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to list workflow stories: %w", err)
	}
	return stories, nil
}
