package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"manga-server/internal/config"
	"manga-server/internal/database"
	"manga-server/internal/messaging"
	"manga-server/internal/models"
	"manga-server/internal/service"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	router *gin.Engine
	store  *database.MemoryStore
	bus    *messaging.MemoryBus
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:            testSecret,
		CORSOrigins:          []string{"*"},
		BatchStartLimit:      5,
		ContinueEpisodeLimit: 10,
		RateLimitWindow:      5 * time.Minute,
		MetricsEnabled:       false,
	}
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	store := database.NewMemoryStore()
	bus := messaging.NewMemoryBus()
	logger := zap.NewNop()
	svc := service.NewWorkflowService(store, bus, logger)
	router := NewRouter(cfg, NewHandler(svc, logger), nil, logger)
	return &fixture{router: router, store: store, bus: bus}
}

func signToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &models.Claims{
		Email: userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func seedPreferences(t *testing.T, store *database.MemoryStore, userID string) {
	t.Helper()
	err := store.UpsertPreferences(context.Background(), &models.PreferencesRecord{
		UserID: userID,
		Preferences: models.Preferences{
			Genres:         []string{"Fantasy"},
			Themes:         []string{"found family"},
			ArtStyle:       "Detailed",
			TargetAudience: "Young Adults",
			ContentRating:  "PG-13",
		},
	})
	require.NoError(t, err)
}

func seedCompletedStory(t *testing.T, store *database.MemoryStore, userID string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	storyID := uuid.New()
	require.NoError(t, store.CreateStory(ctx, &models.Story{
		StoryID: storyID,
		UserID:  userID,
		Status:  models.StatusPending,
	}))
	key := "stories/" + userID + "/" + storyID.String() + "/story.md"
	title := "Ember and Ash"
	require.NoError(t, store.UpdateStoryStatus(ctx, storyID, models.StatusProcessing, models.StoryFields{}))
	require.NoError(t, store.UpdateStoryStatus(ctx, storyID, models.StatusCompleted, models.StoryFields{
		Title: &title,
		S3Key: &key,
	}))
	return storyID
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body struct {
		Error map[string]interface{} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error
}

func decodeSuccess(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body struct {
		Success   bool                   `json:"success"`
		Data      map[string]interface{} `json:"data"`
		RequestID string                 `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.NotEmpty(t, body.RequestID)
	return body.Data
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	for _, path := range []string{"/workflow/start", "/preferences"} {
		w := f.do(t, http.MethodPost, path, "", []byte(`{}`))
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
		assert.Equal(t, CodeUnauthorized, decodeError(t, w)["code"], path)
	}

	w := f.do(t, http.MethodGet, "/stories", "garbage-token", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSecurityAndCorrelationHeaders(t *testing.T) {
	f := newFixture(t, nil)

	w := f.do(t, http.MethodGet, "/stories", signToken(t, "user-1"), nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestStartWorkflow(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newFixture(t, nil)
		seedPreferences(t, f.store, "user-1")

		w := f.do(t, http.MethodPost, "/workflow/start", signToken(t, "user-1"),
			[]byte(`{"numberOfStories":2}`))
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		data := decodeSuccess(t, w)
		assert.NotEmpty(t, data["workflowId"])
		assert.NotEmpty(t, data["requestId"])
		assert.Equal(t, "STARTED", data["status"])
		assert.Len(t, f.bus.Pending(), 1)
	})

	t.Run("missing body", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.do(t, http.MethodPost, "/workflow/start", signToken(t, "user-1"), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeMissingBody, decodeError(t, w)["code"])
	})

	t.Run("invalid json", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.do(t, http.MethodPost, "/workflow/start", signToken(t, "user-1"), []byte(`{"numberOfStories":`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeInvalidJSON, decodeError(t, w)["code"])
	})

	t.Run("preferences precondition", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.do(t, http.MethodPost, "/workflow/start", signToken(t, "user-1"), []byte(`{"numberOfStories":2}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodePreferencesNotFound, decodeError(t, w)["code"])
	})

	t.Run("out of range", func(t *testing.T) {
		f := newFixture(t, nil)
		seedPreferences(t, f.store, "user-1")
		w := f.do(t, http.MethodPost, "/workflow/start", signToken(t, "user-1"), []byte(`{"numberOfStories":50}`))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeValidationError, decodeError(t, w)["code"])
	})

	t.Run("rate limited", func(t *testing.T) {
		cfg := testConfig()
		cfg.BatchStartLimit = 2
		f := newFixture(t, cfg)
		seedPreferences(t, f.store, "user-1")
		token := signToken(t, "user-1")

		for i := 0; i < 2; i++ {
			w := f.do(t, http.MethodPost, "/workflow/start", token, []byte(`{"numberOfStories":1}`))
			require.Equal(t, http.StatusAccepted, w.Code)
		}
		w := f.do(t, http.MethodPost, "/workflow/start", token, []byte(`{"numberOfStories":1}`))
		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "300", w.Header().Get("Retry-After"))
		assert.Equal(t, CodeRateLimitExceeded, decodeError(t, w)["code"])
	})
}

func TestContinueEpisode(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		f := newFixture(t, nil)
		seedPreferences(t, f.store, "user-1")
		storyID := seedCompletedStory(t, f.store, "user-1")

		w := f.do(t, http.MethodPost, "/stories/"+storyID.String()+"/episodes", signToken(t, "user-1"), nil)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		data := decodeSuccess(t, w)
		assert.Equal(t, float64(1), data["episodeNumber"])
		assert.Equal(t, "GENERATING", data["status"])
	})

	t.Run("story not found", func(t *testing.T) {
		f := newFixture(t, nil)
		seedPreferences(t, f.store, "user-1")
		w := f.do(t, http.MethodPost, "/stories/"+uuid.NewString()+"/episodes", signToken(t, "user-1"), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, CodeStoryNotFound, decodeError(t, w)["code"])
	})

	t.Run("malformed story id", func(t *testing.T) {
		f := newFixture(t, nil)
		w := f.do(t, http.MethodPost, "/stories/not-a-uuid/episodes", signToken(t, "user-1"), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, CodeValidationError, decodeError(t, w)["code"])
	})

	t.Run("story not completed", func(t *testing.T) {
		f := newFixture(t, nil)
		seedPreferences(t, f.store, "user-1")
		storyID := uuid.New()
		require.NoError(t, f.store.CreateStory(context.Background(), &models.Story{
			StoryID: storyID,
			UserID:  "user-1",
			Status:  models.StatusPending,
		}))

		w := f.do(t, http.MethodPost, "/stories/"+storyID.String()+"/episodes", signToken(t, "user-1"), nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		errBody := decodeError(t, w)
		assert.Equal(t, CodeStoryNotCompleted, errBody["code"])
		assert.Equal(t, "PENDING", errBody["status"])
	})

	t.Run("conflict while in flight", func(t *testing.T) {
		f := newFixture(t, nil)
		seedPreferences(t, f.store, "user-1")
		storyID := seedCompletedStory(t, f.store, "user-1")
		token := signToken(t, "user-1")

		w := f.do(t, http.MethodPost, "/stories/"+storyID.String()+"/episodes", token, nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		first := decodeSuccess(t, w)

		w = f.do(t, http.MethodPost, "/stories/"+storyID.String()+"/episodes", token, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		errBody := decodeError(t, w)
		assert.Equal(t, CodeEpisodeExists, errBody["code"])
		assert.Equal(t, first["episodeId"], errBody["episodeId"])
		assert.Equal(t, float64(1), errBody["episodeNumber"])
		assert.Equal(t, "PENDING", errBody["status"])
	})
}

func TestPreferencesEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	token := signToken(t, "user-1")

	w := f.do(t, http.MethodGet, "/preferences", token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	body := []byte(`{
		"genres": ["Fantasy", "Mystery"],
		"themes": ["redemption"],
		"artStyle": "Dark",
		"targetAudience": "Adults",
		"contentRating": "R",
		"insights": {"readingSpeed": "fast"}
	}`)
	w = f.do(t, http.MethodPost, "/preferences", token, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(t, http.MethodGet, "/preferences", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeSuccess(t, w)
	assert.Equal(t, "Dark", data["artStyle"])
	assert.Equal(t, []interface{}{"Fantasy", "Mystery"}, data["genres"])

	w = f.do(t, http.MethodPost, "/preferences", token, []byte(`{
		"genres": ["Fantasy"],
		"themes": ["redemption"],
		"artStyle": "Oil Painting",
		"targetAudience": "Adults",
		"contentRating": "R"
	}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, CodeValidationError, decodeError(t, w)["code"])
}

func TestWorkflowStatusScoping(t *testing.T) {
	f := newFixture(t, nil)
	seedPreferences(t, f.store, "user-1")

	w := f.do(t, http.MethodPost, "/workflow/start", signToken(t, "user-1"), []byte(`{"numberOfStories":1}`))
	require.Equal(t, http.StatusAccepted, w.Code)
	requestID := decodeSuccess(t, w)["requestId"].(string)

	w = f.do(t, http.MethodGet, "/workflow/"+requestID+"/status", signToken(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeSuccess(t, w)
	assert.Equal(t, "PROCESSING", data["status"])

	w = f.do(t, http.MethodGet, "/workflow/"+requestID+"/status", signToken(t, "user-2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeRequestNotFound, decodeError(t, w)["code"])
}

func TestListingEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	storyID := seedCompletedStory(t, f.store, "user-1")
	token := signToken(t, "user-1")

	w := f.do(t, http.MethodGet, "/stories", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decodeSuccess(t, w)
	assert.Equal(t, float64(1), data["count"])

	w = f.do(t, http.MethodGet, "/stories/"+storyID.String()+"/episodes", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decodeSuccess(t, w)
	assert.Equal(t, float64(0), data["count"])

	w = f.do(t, http.MethodGet, "/stories/"+storyID.String()+"/episodes", signToken(t, "user-2"), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRoutingEdges(t *testing.T) {
	f := newFixture(t, nil)
	token := signToken(t, "user-1")

	w := f.do(t, http.MethodDelete, "/preferences", token, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, CodeMethodNotAllowed, decodeError(t, w)["code"])

	w = f.do(t, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, CodeNotFound, decodeError(t, w)["code"])

	w = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
