package blob

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"manga-server/internal/models"
)

// Key layout. Any deviation breaks consumers that parse identifiers back out.
//
//	stories/{userId}/{storyId}/story.md
//	episodes/{userId}/{storyId}/{NNN}/episode.md
//	episodes/{userId}/{storyId}/{NNN}/images/image-{MMM}.png
//	episodes/{userId}/{storyId}/{NNN}/episode.pdf
//
// NNN and MMM are zero-padded three-digit decimal integers.

// StoryKey returns the key of a story's markdown object.
func StoryKey(userID string, storyID uuid.UUID) string {
	return fmt.Sprintf("stories/%s/%s/story.md", userID, storyID)
}

// EpisodeKey returns the key of an episode's markdown object.
func EpisodeKey(userID string, storyID uuid.UUID, episodeNumber int) string {
	return fmt.Sprintf("episodes/%s/%s/%03d/episode.md", userID, storyID, episodeNumber)
}

// ImageKey returns the key of one scene image of an episode.
func ImageKey(userID string, storyID uuid.UUID, episodeNumber, imageNumber int) string {
	return fmt.Sprintf("episodes/%s/%s/%03d/images/image-%03d.png", userID, storyID, episodeNumber, imageNumber)
}

// PDFKey returns the key of an episode's assembled PDF.
func PDFKey(userID string, storyID uuid.UUID, episodeNumber int) string {
	return fmt.Sprintf("episodes/%s/%s/%03d/episode.pdf", userID, storyID, episodeNumber)
}

// ParseEpisodeKey extracts (userId, storyId, episodeNumber) from an episode
// markdown key. The episode number accepts any unsigned decimal >= 1, padded
// or not. A malformed key is a permanent error.
func ParseEpisodeKey(key string) (string, uuid.UUID, int, error) {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != "episodes" || parts[4] != "episode.md" {
		return "", uuid.Nil, 0, fmt.Errorf("%w: malformed episode key %q", models.ErrValidation, key)
	}
	userID := parts[1]
	if userID == "" {
		return "", uuid.Nil, 0, fmt.Errorf("%w: empty user id in key %q", models.ErrValidation, key)
	}
	storyID, err := uuid.Parse(parts[2])
	if err != nil {
		return "", uuid.Nil, 0, fmt.Errorf("%w: bad story id in key %q: %v", models.ErrValidation, key, err)
	}
	n, err := parseEpisodeNumber(key, parts[3])
	if err != nil {
		return "", uuid.Nil, 0, err
	}
	return userID, storyID, n, nil
}

// parseEpisodeNumber parses the NNN path segment: unsigned decimal, >= 1.
func parseEpisodeNumber(key, segment string) (int, error) {
	if segment == "" {
		return 0, fmt.Errorf("%w: empty episode number in key %q", models.ErrValidation, key)
	}
	n := 0
	for _, r := range segment {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: bad episode number %q in key %q", models.ErrValidation, segment, key)
		}
		n = n*10 + int(r-'0')
	}
	if n < 1 {
		return 0, fmt.Errorf("%w: episode number must be >= 1 in key %q", models.ErrValidation, key)
	}
	return n, nil
}
