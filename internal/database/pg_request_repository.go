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

const createRequestQuery = `
INSERT INTO generation_requests
    (request_id, user_id, type, status, related_entity_id,
     number_of_stories, batch_size, current_batch, total_batches)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Rank comparison keeps transitions forward-only; a terminal row always has
// the highest rank, so nothing ever moves out of COMPLETED or FAILED. A
// same-status update of a non-terminal row refreshes its fields, which is
// how mid-flight progress lands on a PROCESSING request.
const updateRequestStatusQuery = `
UPDATE generation_requests
SET status        = $2,
    current_step  = COALESCE($3, current_step),
    progress      = COALESCE($4, progress),
    error_message = COALESCE($5, error_message),
    updated_at    = NOW()
WHERE request_id = $1
  AND ((status = $2::text AND status NOT IN ('COMPLETED', 'FAILED'))
    OR (CASE status WHEN 'PENDING' THEN 0 WHEN 'PROCESSING' THEN 1 ELSE 2 END)
     < (CASE $2::text WHEN 'PENDING' THEN 0 WHEN 'PROCESSING' THEN 1 ELSE 2 END))`

const getRequestStatusQuery = `SELECT status FROM generation_requests WHERE request_id = $1`

const getRequestByUserAndIDQuery = `
SELECT request_id, user_id, type, status, related_entity_id,
       number_of_stories, batch_size, current_batch, total_batches,
       current_step, progress, error_message, created_at, updated_at
FROM generation_requests
WHERE request_id = $1 AND user_id = $2`

const getRequestByEntityIDQuery = `
SELECT request_id, user_id, type, status, related_entity_id,
       number_of_stories, batch_size, current_batch, total_batches,
       current_step, progress, error_message, created_at, updated_at
FROM generation_requests
WHERE related_entity_id = $1
ORDER BY created_at DESC
LIMIT 1`

const advanceRequestBatchQuery = `
UPDATE generation_requests
SET current_batch = $3,
    updated_at    = NOW()
WHERE request_id = $1
  AND current_batch = $2
  AND status NOT IN ('COMPLETED', 'FAILED')`

type pgRequestRepository struct {
	db     DBTX
	logger *zap.Logger
}

var _ RequestRepository = (*pgRequestRepository)(nil)

func newPgRequestRepository(db DBTX, logger *zap.Logger) *pgRequestRepository {
	return &pgRequestRepository{
		db:     db,
		logger: logger.Named("PgRequestRepo"),
	}
}

func (r *pgRequestRepository) CreateRequest(ctx context.Context, req *models.GenerationRequest) error {
	logFields := []zap.Field{
		zap.String("requestID", req.RequestID.String()),
		zap.String("userID", req.UserID),
		zap.String("type", string(req.Type)),
	}
	r.logger.Debug("Creating generation request", logFields...)

	_, err := r.db.Exec(ctx, createRequestQuery,
		req.RequestID, req.UserID, req.Type, req.Status, req.RelatedEntityID,
		req.NumberOfStories, req.BatchSize, req.CurrentBatch, req.TotalBatches,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			r.logger.Warn("Generation request already exists", logFields...)
			return fmt.Errorf("%w: request %s", models.ErrConflict, req.RequestID)
		}
		r.logger.Error("Failed to create generation request", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to create generation request: %w", err)
	}

	r.logger.Info("Generation request created", logFields...)
	return nil
}

func (r *pgRequestRepository) UpdateRequestStatus(ctx context.Context, requestID uuid.UUID, status models.Status, fields models.RequestFields) error {
	if !status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", models.ErrValidation, status)
	}
	logFields := []zap.Field{
		zap.String("requestID", requestID.String()),
		zap.String("status", string(status)),
	}

	tag, err := r.db.Exec(ctx, updateRequestStatusQuery,
		requestID, status, fields.CurrentStep, fields.Progress, fields.ErrorMessage,
	)
	if err != nil {
		r.logger.Error("Failed to update request status", append(logFields, zap.Error(err))...)
		return fmt.Errorf("failed to update request status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.explainSkippedUpdate(ctx, requestID, status)
	}

	r.logger.Debug("Request status updated", logFields...)
	return nil
}

// explainSkippedUpdate decides why a conditional status update matched no
// rows: the record is gone (a lost write the caller must hear about), the
// record is terminal, or the update was a same-rank replay that is safe to
// treat as a no-op.
func (r *pgRequestRepository) explainSkippedUpdate(ctx context.Context, requestID uuid.UUID, requested models.Status) error {
	var current models.Status
	err := r.db.QueryRow(ctx, getRequestStatusQuery, requestID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: request %s not found", models.ErrConflict, requestID)
		}
		return fmt.Errorf("failed to read request status: %w", err)
	}
	if current.IsTerminal() {
		return fmt.Errorf("%w: request %s is %s", models.ErrAlreadyTerminal, requestID, current)
	}
	r.logger.Debug("Request status unchanged",
		zap.String("requestID", requestID.String()),
		zap.String("current", string(current)),
		zap.String("requested", string(requested)),
	)
	return nil
}

func (r *pgRequestRepository) GetRequestByUserAndID(ctx context.Context, userID string, requestID uuid.UUID) (*models.GenerationRequest, error) {
	var req models.GenerationRequest
	err := pgxscan.Get(ctx, r.db, &req, getRequestByUserAndIDQuery, requestID, userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get generation request",
			zap.String("requestID", requestID.String()),
			zap.String("userID", userID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to get generation request: %w", err)
	}
	return &req, nil
}

func (r *pgRequestRepository) GetRequestByEntityID(ctx context.Context, entityID string) (*models.GenerationRequest, error) {
	var req models.GenerationRequest
	err := pgxscan.Get(ctx, r.db, &req, getRequestByEntityIDQuery, entityID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get generation request by entity",
			zap.String("entityID", entityID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("failed to get generation request by entity: %w", err)
	}
	return &req, nil
}

func (r *pgRequestRepository) AdvanceRequestBatch(ctx context.Context, requestID uuid.UUID, fromBatch, toBatch int) (bool, error) {
	tag, err := r.db.Exec(ctx, advanceRequestBatchQuery, requestID, fromBatch, toBatch)
	if err != nil {
		r.logger.Error("Failed to advance request batch",
			zap.String("requestID", requestID.String()),
			zap.Int("fromBatch", fromBatch),
			zap.Error(err),
		)
		return false, fmt.Errorf("failed to advance request batch: %w", err)
	}
	advanced := tag.RowsAffected() > 0
	r.logger.Debug("Request batch advance attempted",
		zap.String("requestID", requestID.String()),
		zap.Int("fromBatch", fromBatch),
		zap.Int("toBatch", toBatch),
		zap.Bool("advanced", advanced),
	)
	return advanced, nil
}
