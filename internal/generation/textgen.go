// Package generation holds the clients for the external text and image
// generators the pipeline drives.
package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"manga-server/internal/config"
	"manga-server/internal/models"
)

var (
	textRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manga_textgen_requests_total",
			Help: "Total number of text generation requests.",
		},
		[]string{"provider", "kind", "status"},
	)
	textRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manga_textgen_request_duration_seconds",
			Help:    "Histogram of text generation request durations.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"provider", "kind"},
	)
	textTotalTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "manga_textgen_total_tokens",
			Help:    "Histogram of total token counts per request.",
			Buckets: prometheus.LinearBuckets(500, 500, 16),
		},
		[]string{"provider"},
	)
)

const (
	kindStory   = "story"
	kindEpisode = "episode"
)

// StoryResult is a generated story with the title parsed out of its markdown.
type StoryResult struct {
	Title    string
	Markdown string
}

// TextGen produces story and episode markdown. Failures are transient unless
// stated otherwise; callers rely on redelivery for retries.
type TextGen interface {
	GenerateStory(ctx context.Context, userID string, prefs models.Preferences, insights json.RawMessage) (StoryResult, error)
	GenerateEpisode(ctx context.Context, userID string, storyMarkdown string, episodeNumber int, prefs models.Preferences) (string, error)
}

// NewTextGen selects the provider implementation from configuration.
func NewTextGen(cfg *config.Config, logger *zap.Logger) (TextGen, error) {
	switch strings.ToLower(cfg.TextProvider) {
	case "openai":
		return newOpenAITextGen(cfg, logger), nil
	case "ollama":
		return newOllamaTextGen(cfg, logger)
	default:
		return nil, fmt.Errorf("%w: unknown text provider %q", models.ErrValidation, cfg.TextProvider)
	}
}

// TitleFromMarkdown returns the text of the first markdown H1 line.
func TitleFromMarkdown(markdown, fallback string) string {
	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			if title := strings.TrimSpace(strings.TrimPrefix(trimmed, "# ")); title != "" {
				return title
			}
		}
	}
	return fallback
}
