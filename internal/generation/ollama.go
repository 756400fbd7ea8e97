package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"manga-server/internal/config"
	"manga-server/internal/models"
)

const ollamaProvider = "ollama"

type ollamaTextGen struct {
	client      *api.Client
	model       string
	maxTokens   int
	contextSize int
	timeout     time.Duration
	logger      *zap.Logger
}

var _ TextGen = (*ollamaTextGen)(nil)

func newOllamaTextGen(cfg *config.Config, logger *zap.Logger) (*ollamaTextGen, error) {
	host := strings.TrimSuffix(strings.TrimSuffix(cfg.OllamaHost, "/v1"), "/")
	parsedURL, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ollama host %q: %w", cfg.OllamaHost, err)
	}

	log := logger.Named("OllamaTextGen")
	log.Info("Ollama text client created",
		zap.String("host", host),
		zap.String("model", cfg.AIModel),
		zap.Duration("timeout", cfg.AITimeout),
	)

	return &ollamaTextGen{
		client:      api.NewClient(parsedURL, &http.Client{Timeout: cfg.AITimeout}),
		model:       cfg.AIModel,
		maxTokens:   cfg.AIMaxTokens,
		contextSize: cfg.AIContextSize,
		timeout:     cfg.AITimeout,
		logger:      log,
	}, nil
}

func (g *ollamaTextGen) GenerateStory(ctx context.Context, userID string, prefs models.Preferences, insights json.RawMessage) (StoryResult, error) {
	markdown, err := g.chat(ctx, userID, kindStory, storySystemPrompt, buildStoryUserPrompt(prefs, insights))
	if err != nil {
		return StoryResult{}, err
	}
	return StoryResult{
		Title:    TitleFromMarkdown(markdown, "Untitled Story"),
		Markdown: markdown,
	}, nil
}

func (g *ollamaTextGen) GenerateEpisode(ctx context.Context, userID string, storyMarkdown string, episodeNumber int, prefs models.Preferences) (string, error) {
	storyContext := trimToTokenBudget(storyMarkdown, g.model, contextBudget(g.contextSize, g.maxTokens))
	return g.chat(ctx, userID, kindEpisode, episodeSystemPrompt, buildEpisodeUserPrompt(storyContext, episodeNumber, prefs))
}

func (g *ollamaTextGen) chat(ctx context.Context, userID, kind, systemPrompt, userPrompt string) (string, error) {
	requestCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	stream := false
	req := &api.ChatRequest{
		Model: g.model,
		Messages: []api.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Stream: &stream,
		Options: map[string]interface{}{
			"num_predict": g.maxTokens,
		},
	}

	start := time.Now()
	g.logger.Debug("Sending ollama chat request",
		zap.String("kind", kind),
		zap.String("model", g.model),
		zap.String("userID", userID),
	)

	var resp api.ChatResponse
	err := g.client.Chat(requestCtx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(start)

	if err != nil {
		textRequestsTotal.With(prometheus.Labels{"provider": ollamaProvider, "kind": kind, "status": "error"}).Inc()
		g.logger.Warn("Ollama chat failed",
			zap.String("kind", kind),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: ollama chat: %v", models.ErrTransient, err)
	}
	if resp.Message.Content == "" {
		textRequestsTotal.With(prometheus.Labels{"provider": ollamaProvider, "kind": kind, "status": "empty"}).Inc()
		return "", fmt.Errorf("%w: ollama returned an empty completion", models.ErrTransient)
	}

	textRequestsTotal.With(prometheus.Labels{"provider": ollamaProvider, "kind": kind, "status": "success"}).Inc()
	textRequestDuration.With(prometheus.Labels{"provider": ollamaProvider, "kind": kind}).Observe(duration.Seconds())
	if total := resp.PromptEvalCount + resp.EvalCount; total > 0 {
		textTotalTokens.With(prometheus.Labels{"provider": ollamaProvider}).Observe(float64(total))
	}

	return resp.Message.Content, nil
}
