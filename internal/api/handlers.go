package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"manga-server/internal/models"
	"manga-server/internal/service"
)

// Handler exposes the workflow service over HTTP.
type Handler struct {
	svc    *service.WorkflowService
	logger *zap.Logger
}

// NewHandler creates the HTTP handler set.
func NewHandler(svc *service.WorkflowService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger.Named("API")}
}

// readJSONBody distinguishes an absent body from a malformed one, because the
// two get different error codes.
func readJSONBody(c *gin.Context, dst interface{}) bool {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || len(body) == 0 {
		respondError(c, http.StatusBadRequest, CodeMissingBody, "request body is required", nil)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondError(c, http.StatusBadRequest, CodeInvalidJSON, "request body is not valid JSON", nil)
		return false
	}
	return true
}

// StartWorkflow handles POST /workflow/start.
func (h *Handler) StartWorkflow(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
		return
	}

	var input service.StartBatchInput
	if !readJSONBody(c, &input) {
		return
	}

	res, err := h.svc.StartBatch(c.Request.Context(), principal, input)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	respondSuccess(c, http.StatusAccepted, res)
}

// ContinueEpisode handles POST /stories/:storyId/episodes. The request has no
// body; everything it needs is in the path and the stored preferences.
func (h *Handler) ContinueEpisode(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
		return
	}

	res, err := h.svc.ContinueEpisode(c.Request.Context(), principal, c.Param("storyId"))
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	respondSuccess(c, http.StatusAccepted, res)
}

// preferencesBody is the POST /preferences payload: the taste profile plus an
// opaque insights blob.
type preferencesBody struct {
	models.Preferences
	Insights json.RawMessage `json:"insights,omitempty"`
}

// SavePreferences handles POST /preferences.
func (h *Handler) SavePreferences(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
		return
	}

	var body preferencesBody
	if !readJSONBody(c, &body) {
		return
	}

	rec, err := h.svc.SavePreferences(c.Request.Context(), principal, body.Preferences, body.Insights)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	respondSuccess(c, http.StatusOK, rec)
}

// GetPreferences handles GET /preferences.
func (h *Handler) GetPreferences(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
		return
	}

	rec, err := h.svc.GetPreferences(c.Request.Context(), principal)
	if err != nil {
		if errors.Is(err, models.ErrPreferencesNotFound) {
			respondError(c, http.StatusNotFound, CodePreferencesNotFound, "no preferences stored", nil)
			return
		}
		h.logger.Error("Preferences retrieval failed",
			zap.String("userID", principal.UserID),
			zap.Error(err),
		)
		respondError(c, http.StatusInternalServerError, CodePreferencesRetrieval,
			"failed to load preferences", nil)
		return
	}
	respondSuccess(c, http.StatusOK, rec)
}

// WorkflowStatus handles GET /workflow/:requestId/status, the polling target
// for batch and continuation progress.
func (h *Handler) WorkflowStatus(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
		return
	}

	req, err := h.svc.GetRequestStatus(c.Request.Context(), principal, c.Param("requestId"))
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	respondSuccess(c, http.StatusOK, req)
}

// ListStories handles GET /stories.
func (h *Handler) ListStories(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
		return
	}

	stories, err := h.svc.ListStories(c.Request.Context(), principal)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"stories": stories, "count": len(stories)})
}

// ListEpisodes handles GET /stories/:storyId/episodes.
func (h *Handler) ListEpisodes(c *gin.Context) {
	principal, ok := currentPrincipal(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, CodeUnauthorized, "authentication required", nil)
		return
	}

	episodes, err := h.svc.ListEpisodes(c.Request.Context(), principal, c.Param("storyId"))
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"episodes": episodes, "count": len(episodes)})
}

// Health handles GET /health, unauthenticated.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
