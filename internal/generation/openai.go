package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"manga-server/internal/config"
	"manga-server/internal/models"
)

const openAIProvider = "openai"

type openAITextGen struct {
	client      *openai.Client
	model       string
	maxTokens   int
	contextSize int
	logger      *zap.Logger
}

var _ TextGen = (*openAITextGen)(nil)

func newOpenAITextGen(cfg *config.Config, logger *zap.Logger) *openAITextGen {
	clientConfig := openai.DefaultConfig(cfg.AIAPIKey)
	clientConfig.BaseURL = cfg.AIBaseURL
	clientConfig.HTTPClient = &http.Client{Timeout: cfg.AITimeout}

	log := logger.Named("OpenAITextGen")
	log.Info("OpenAI text client created",
		zap.String("baseURL", cfg.AIBaseURL),
		zap.String("model", cfg.AIModel),
		zap.Duration("timeout", cfg.AITimeout),
	)

	return &openAITextGen{
		client:      openai.NewClientWithConfig(clientConfig),
		model:       cfg.AIModel,
		maxTokens:   cfg.AIMaxTokens,
		contextSize: cfg.AIContextSize,
		logger:      log,
	}
}

func (g *openAITextGen) GenerateStory(ctx context.Context, userID string, prefs models.Preferences, insights json.RawMessage) (StoryResult, error) {
	markdown, err := g.chat(ctx, userID, kindStory, storySystemPrompt, buildStoryUserPrompt(prefs, insights))
	if err != nil {
		return StoryResult{}, err
	}
	return StoryResult{
		Title:    TitleFromMarkdown(markdown, "Untitled Story"),
		Markdown: markdown,
	}, nil
}

func (g *openAITextGen) GenerateEpisode(ctx context.Context, userID string, storyMarkdown string, episodeNumber int, prefs models.Preferences) (string, error) {
	storyContext := trimToTokenBudget(storyMarkdown, g.model, contextBudget(g.contextSize, g.maxTokens))
	return g.chat(ctx, userID, kindEpisode, episodeSystemPrompt, buildEpisodeUserPrompt(storyContext, episodeNumber, prefs))
}

func (g *openAITextGen) chat(ctx context.Context, userID, kind, systemPrompt, userPrompt string) (string, error) {
	start := time.Now()
	g.logger.Debug("Sending chat completion request",
		zap.String("kind", kind),
		zap.String("model", g.model),
		zap.String("userID", userID),
		zap.Int("promptBytes", len(systemPrompt)+len(userPrompt)),
	)

	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		MaxTokens: g.maxTokens,
	})
	duration := time.Since(start)

	if err != nil {
		textRequestsTotal.With(prometheus.Labels{"provider": openAIProvider, "kind": kind, "status": "error"}).Inc()
		g.logger.Warn("Chat completion failed",
			zap.String("kind", kind),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: openai chat completion: %v", models.ErrTransient, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		textRequestsTotal.With(prometheus.Labels{"provider": openAIProvider, "kind": kind, "status": "empty"}).Inc()
		return "", fmt.Errorf("%w: openai returned an empty completion", models.ErrTransient)
	}

	textRequestsTotal.With(prometheus.Labels{"provider": openAIProvider, "kind": kind, "status": "success"}).Inc()
	textRequestDuration.With(prometheus.Labels{"provider": openAIProvider, "kind": kind}).Observe(duration.Seconds())
	if resp.Usage.TotalTokens > 0 {
		textTotalTokens.With(prometheus.Labels{"provider": openAIProvider}).Observe(float64(resp.Usage.TotalTokens))
	}

	g.logger.Debug("Chat completion received",
		zap.String("kind", kind),
		zap.Duration("duration", duration),
		zap.Int("totalTokens", resp.Usage.TotalTokens),
		zap.Int("responseBytes", len(resp.Choices[0].Message.Content)),
	)
	return resp.Choices[0].Message.Content, nil
}
