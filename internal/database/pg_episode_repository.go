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

const createEpisodeQuery = `
INSERT INTO episodes (episode_id, story_id, episode_number, s3_key, status)
VALUES ($1, $2, $3, $4, $5)`

const updateEpisodeStatusQuery = `
UPDATE episodes
SET status               = $3,
    s3_key               = COALESCE($4, s3_key),
    pdf_s3_key           = COALESCE($5, pdf_s3_key),
    image_count          = COALESCE($6, image_count),
    error_message        = COALESCE($7, error_message),
    image_gen_started_at = COALESCE($8, image_gen_started_at),
    image_gen_ended_at   = COALESCE($9, image_gen_ended_at),
    updated_at           = NOW()
WHERE story_id = $1 AND episode_number = $2
  AND ((status = $3::text AND status NOT IN ('COMPLETED', 'FAILED'))
    OR (CASE status WHEN 'PENDING' THEN 0 WHEN 'PROCESSING' THEN 1 ELSE 2 END)
     < (CASE $3::text WHEN 'PENDING' THEN 0 WHEN 'PROCESSING' THEN 1 ELSE 2 END))`

const getEpisodeStatusQuery = `SELECT status FROM episodes WHERE story_id = $1 AND episode_number = $2`

const getEpisodeQuery = `
SELECT episode_id, story_id, episode_number, s3_key, pdf_s3_key, image_count,
       status, error_message, image_gen_started_at, image_gen_ended_at, created_at, updated_at
FROM episodes
WHERE story_id = $1 AND episode_number = $2`

const getEpisodeByIDQuery = `
SELECT episode_id, story_id, episode_number, s3_key, pdf_s3_key, image_count,
       status, error_message, image_gen_started_at, image_gen_ended_at, created_at, updated_at
FROM episodes
WHERE episode_id = $1`

const listStoryEpisodesQuery = `
SELECT episode_id, story_id, episode_number, s3_key, pdf_s3_key, image_count,
       status, error_message, image_gen_started_at, image_gen_ended_at, created_at, updated_at
FROM episodes
WHERE story_id = $1
ORDER BY episode_number ASC`

type pgEpisodeRepository struct {
	db     DBTX
	logger *zap.Logger
}

var _ EpisodeRepository = (*pgEpisodeRepository)(nil)

func newPgEpisodeRepository(db DBTX, logger *zap.Logger) *pgEpisodeRepository {
	return &pgEpisodeRepository{
		db:     db,
		logger: logger.Named("PgEpisodeRepo"),
	}
}

func (r *pgEpisodeRepository) CreateEpisode(ctx context.Context, episode *models.Episode) error {
	logFields := []zap.Field{
		zap.String("episodeID", episode.EpisodeID.String()),
		zap.String("storyID", episode.StoryID.String()),
		zap.Int("episodeNumber", episode.EpisodeNumber),
	}
	r.logger.Debug("Creating episode record", logFields...)

	_, err := r.db.Exec(ctx, createEpisodeQuery,
		episode.EpisodeID, episode.StoryID, episode.EpisodeNumber, episode.S3Key, episode.Status,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505": // episode number already taken for this story
				r.logger.Warn("Episode already exists", logFields...)
				return fmt.Errorf("%w: story %s episode %d", models.ErrEpisodeExists, episode.StoryID, episode.EpisodeNumber)
			case "23503": // story row is gone
				r.logger.Warn("Story not found for episode", logFields...)
				return fmt.Errorf("%w: story %s", models.ErrStoryNotFound, episode.StoryID)
			}
		}
		r.logger.Error("Failed to create episode record", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to create episode: %w", err)
	}

	r.logger.Info("Episode record created", logFields...)
	return nil
}

func (r *pgEpisodeRepository) UpdateEpisodeStatus(ctx context.Context, storyID uuid.UUID, episodeNumber int, status models.Status, fields models.EpisodeFields) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}
	logFields := []zap.Field{
		zap.String("storyID", storyID.String()),
		zap.Int("episodeNumber", episodeNumber),
		zap.String("status", string(status)),
	}

	tag, err := r.db.Exec(ctx, updateEpisodeStatusQuery,
		storyID, episodeNumber, status,
		fields.S3Key, fields.PDFS3Key, fields.ImageCount,
		fields.ErrorMessage, fields.ImageGenStartedAt, fields.ImageGenEndedAt,
	)
	if err != nil {
		r.logger.Error("Failed to update episode status", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to update episode status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current models.Status
		scanErr := r.db.QueryRow(ctx, getEpisodeStatusQuery, storyID, episodeNumber).Scan(&current)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return fmt.Errorf("%w: story %s episode %d", models.ErrEpisodeNotFound, storyID, episodeNumber)
			}
			return fmt.Errorf("failed to read episode status: %w", scanErr)
		}
		if current.IsTerminal() {
			return fmt.Errorf("%w: story %s episode %d is %s", models.ErrAlreadyTerminal, storyID, episodeNumber, current)
		}
		r.logger.Debug("Episode status unchanged", append(logFields, zap.String("current", string(current)))...)
		return nil
	}

	r.logger.Debug("Episode status updated", logFields...)
	return nil
}

func (r *pgEpisodeRepository) GetEpisode(ctx context.Context, storyID uuid.UUID, episodeNumber int) (*models.Episode, error) {
	var episode models.Episode
	err := pgxscan.Get(ctx, r.db, &episode, getEpisodeQuery, storyID, episodeNumber)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrEpisodeNotFound
		}
		r.logger.Error("Failed to get episode",
			zap.String("storyID", storyID.String()),
			zap.Int("episodeNumber", episodeNumber),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to get episode: %w", err)
	}
	return &episode, nil
}

func (r *pgEpisodeRepository) GetEpisodeByID(ctx context.Context, episodeID uuid.UUID) (*models.Episode, error) {
	var episode models.Episode
	err := pgxscan.Get(ctx, r.db, &episode, getEpisodeByIDQuery, episodeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrEpisodeNotFound
		}
		r.logger.Error("Failed to get episode by id",
			zap.String("episodeID", episodeID.String()),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to get episode by id: %w", err)
	}
	return &episode, nil
}

func (r *pgEpisodeRepository) ListStoryEpisodes(ctx context.Context, storyID uuid.UUID) ([]models.Episode, error) {
	var episodes []models.Episode
	err := pgxscan.Select(ctx, r.db, &episodes, listStoryEpisodesQuery, storyID)
	if err != nil {
		r.logger.Error("Failed to list story episodes", zap.String("storyID", storyID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list story episodes: %w", err)
	}
	return episodes, nil
}
