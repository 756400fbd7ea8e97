package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"manga-server/internal/models"
	"manga-server/internal/service"
)

// Error codes surfaced in the error envelope.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeMissingBody          = "MISSING_BODY"
	CodeInvalidJSON          = "INVALID_JSON"
	CodePreferencesNotFound  = "PREFERENCES_NOT_FOUND"
	CodePreferencesRetrieval = "PREFERENCES_RETRIEVAL_ERROR"
	CodeStoryNotFound        = "STORY_NOT_FOUND"
	CodeStoryNotCompleted    = "STORY_NOT_COMPLETED"
	CodeRequestNotFound      = "REQUEST_NOT_FOUND"
	CodeEpisodeExists        = "EPISODE_ALREADY_EXISTS"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeNotFound             = "NOT_FOUND"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeInternalError        = "INTERNAL_ERROR"
)

// respondSuccess writes the success envelope. requestId is the correlation id
// assigned by the request-id middleware.
func respondSuccess(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success":   true,
		"data":      data,
		"requestId": c.GetString(requestIDKey),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// respondError writes the error envelope and aborts the handler chain.
// Extra context fields are merged into the error object.
func respondError(c *gin.Context, status int, code, message string, extra gin.H) {
	body := gin.H{
		"code":      code,
		"message":   message,
		"requestId": c.GetString(requestIDKey),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		body[k] = v
	}
	c.AbortWithStatusJSON(status, gin.H{"error": body})
}

// respondServiceError translates service-layer errors to their HTTP shape.
// Unknown errors become opaque 500s; the details stay in the logs.
func respondServiceError(c *gin.Context, logger *zap.Logger, err error) {
	var exists *service.EpisodeExistsError
	if errors.As(err, &exists) {
		respondError(c, http.StatusConflict, CodeEpisodeExists, exists.Error(), gin.H{
			"episodeId":     exists.EpisodeID,
			"episodeNumber": exists.EpisodeNumber,
			"status":        exists.Status,
		})
		return
	}
	var notCompleted *service.StoryNotCompletedError
	if errors.As(err, &notCompleted) {
		respondError(c, http.StatusBadRequest, CodeStoryNotCompleted, notCompleted.Error(), gin.H{
			"status": notCompleted.Status,
		})
		return
	}

	switch {
	case errors.Is(err, models.ErrValidation):
		respondError(c, http.StatusBadRequest, CodeValidationError, err.Error(), nil)
	case errors.Is(err, models.ErrPreferencesNotFound):
		respondError(c, http.StatusBadRequest, CodePreferencesNotFound,
			"no generation preferences stored, save preferences first", nil)
	case errors.Is(err, models.ErrStoryNotFound):
		respondError(c, http.StatusNotFound, CodeStoryNotFound, "story not found", nil)
	case errors.Is(err, models.ErrRequestNotFound):
		respondError(c, http.StatusNotFound, CodeRequestNotFound, "request not found", nil)
	case errors.Is(err, models.ErrUnauthorized):
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
	default:
		logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("requestID", c.GetString(requestIDKey)),
			zap.Error(err),
		)
		respondError(c, http.StatusInternalServerError, CodeInternalError, "internal error", nil)
	}
}
