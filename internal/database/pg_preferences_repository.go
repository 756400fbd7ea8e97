package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"manga-server/internal/models"
)

const getPreferencesQuery = `
SELECT user_id, genres, themes, art_style, target_audience, content_rating,
       insights, created_at, updated_at
FROM preferences
WHERE user_id = $1`

const upsertPreferencesQuery = `
INSERT INTO preferences (user_id, genres, themes, art_style, target_audience, content_rating, insights)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE
SET genres          = EXCLUDED.genres,
    themes          = EXCLUDED.themes,
    art_style       = EXCLUDED.art_style,
    target_audience = EXCLUDED.target_audience,
    content_rating  = EXCLUDED.content_rating,
    insights        = COALESCE(EXCLUDED.insights, preferences.insights),
    updated_at      = NOW()`

type pgPreferencesRepository struct {
	db     DBTX
	logger *zap.Logger
}

var _ PreferencesRepository = (*pgPreferencesRepository)(nil)

func newPgPreferencesRepository(db DBTX, logger *zap.Logger) *pgPreferencesRepository {
	return &pgPreferencesRepository{
		db:     db,
		logger: logger.Named("PgPreferencesRepo"),
	}
}

func (r *pgPreferencesRepository) GetLatestPreferences(ctx context.Context, userID string) (*models.PreferencesRecord, error) {
	var rec models.PreferencesRecord
	err := pgxscan.Get(ctx, r.db, &rec, getPreferencesQuery, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrPreferencesNotFound
		}
		r.logger.Error("Failed to get preferences", zap.String("userID", userID), zap.Error(err))
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return &rec, nil
}

func (r *pgPreferencesRepository) UpsertPreferences(ctx context.Context, rec *models.PreferencesRecord) error {
	// Array columns are NOT NULL, so nil slices are stored as empty arrays.
	genres := rec.Genres
	if genres == nil {
		genres = []string{}
	}
	themes := rec.Themes
	if themes == nil {
		themes = []string{}
	}

	_, err := r.db.Exec(ctx, upsertPreferencesQuery,
		rec.UserID, genres, themes, rec.ArtStyle, rec.TargetAudience, rec.ContentRating, rec.Insights,
	)
	if err != nil {
		r.logger.Error("Failed to upsert preferences", zap.String("userID", rec.UserID), zap.Error(err))
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}

	r.logger.Info("Preferences saved", zap.String("userID", rec.UserID))
	return nil
}
