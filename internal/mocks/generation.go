// Package mocks provides testify mocks for the generation provider
// interfaces, shared by the worker and service tests.
package mocks

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"

	"manga-server/internal/generation"
	"manga-server/internal/models"
)

// TextGen mocks generation.TextGen.
type TextGen struct {
	mock.Mock
}

var _ generation.TextGen = (*TextGen)(nil)

func (m *TextGen) GenerateStory(ctx context.Context, userID string, prefs models.Preferences, insights json.RawMessage) (generation.StoryResult, error) {
	args := m.Called(ctx, userID, prefs, insights)
	return args.Get(0).(generation.StoryResult), args.Error(1)
}

func (m *TextGen) GenerateEpisode(ctx context.Context, userID string, storyMarkdown string, episodeNumber int, prefs models.Preferences) (string, error) {
	args := m.Called(ctx, userID, storyMarkdown, episodeNumber, prefs)
	return args.String(0), args.Error(1)
}

// ImageGen mocks generation.ImageGen.
type ImageGen struct {
	mock.Mock
}

var _ generation.ImageGen = (*ImageGen)(nil)

func (m *ImageGen) Generate(ctx context.Context, prompt string) ([]byte, error) {
	args := m.Called(ctx, prompt)
	if b, ok := args.Get(0).([]byte); ok {
		return b, args.Error(1)
	}
	return nil, args.Error(1)
}
