package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"manga-server/internal/models"
)

var (
	imageRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manga_imagegen_requests_total",
			Help: "Total number of image generation requests.",
		},
		[]string{"status"},
	)
	imageRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "manga_imagegen_request_duration_seconds",
			Help:    "Histogram of image generation request durations.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

// manga pages are drawn in portrait
const defaultImageRatio = "2:3"

// ImageGen renders one scene image per prompt.
//
// Errors carry their retry class: ErrContentFiltered, ErrModelNotFound and
// ErrInvalidPrompt are permanent and must not be retried; everything else
// wraps ErrTransient.
type ImageGen interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

type imageRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

type httpImageGen struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

var _ ImageGen = (*httpImageGen)(nil)

// NewHTTPImageGen talks to a diffusion server that accepts
// POST {prompt, ratio} on /generate and answers with raw PNG bytes.
func NewHTTPImageGen(endpoint string, timeout time.Duration, logger *zap.Logger) ImageGen {
	return &httpImageGen{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.Named("ImageGen"),
	}
}

func (g *httpImageGen) Generate(ctx context.Context, prompt string) ([]byte, error) {
	payload, err := json.Marshal(imageRequest{Prompt: prompt, Ratio: defaultImageRatio})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/generate", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")

	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		imageRequestsTotal.With(prometheus.Labels{"status": "network_error"}).Inc()
		return nil, fmt.Errorf("%w: image request failed: %v", models.ErrTransient, err)
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	duration := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		kindErr := classifyImageError(resp.StatusCode, body)
		imageRequestsTotal.With(prometheus.Labels{"status": fmt.Sprintf("http_%d", resp.StatusCode)}).Inc()
		g.logger.Warn("Image generator rejected request",
			zap.Int("statusCode", resp.StatusCode),
			zap.Duration("duration", duration),
			zap.ByteString("body", truncateBody(body)),
		)
		return nil, kindErr
	}
	if readErr != nil {
		imageRequestsTotal.With(prometheus.Labels{"status": "read_error"}).Inc()
		return nil, fmt.Errorf("%w: failed to read image response: %v", models.ErrTransient, readErr)
	}

	imageRequestsTotal.With(prometheus.Labels{"status": "success"}).Inc()
	imageRequestDuration.Observe(duration.Seconds())
	g.logger.Debug("Image generated",
		zap.Duration("duration", duration),
		zap.Int("bytes", len(body)),
	)
	return body, nil
}

// classifyImageError maps a provider refusal to its retry class. 4xx
// responses are the provider rejecting this prompt for good; everything
// else is worth another attempt.
func classifyImageError(statusCode int, body []byte) error {
	lower := strings.ToLower(string(body))
	switch {
	case strings.Contains(lower, "content_filter") || strings.Contains(lower, "content filtered") || strings.Contains(lower, "safety"):
		return fmt.Errorf("%w: image provider refused prompt", models.ErrContentFiltered)
	case statusCode == http.StatusNotFound || strings.Contains(lower, "model not found") || strings.Contains(lower, "unknown model"):
		return fmt.Errorf("%w: image provider has no such model", models.ErrModelNotFound)
	case statusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: image provider refused prompt", models.ErrContentFiltered)
	case statusCode >= 400 && statusCode < 500 && statusCode != http.StatusTooManyRequests:
		return fmt.Errorf("%w: image provider rejected prompt (status %d)", models.ErrInvalidPrompt, statusCode)
	default:
		return fmt.Errorf("%w: image provider returned status %d", models.ErrTransient, statusCode)
	}
}

func truncateBody(body []byte) []byte {
	const maxLogged = 256
	if len(body) > maxLogged {
		return body[:maxLogged]
	}
	return body
}
