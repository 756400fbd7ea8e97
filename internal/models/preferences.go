package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Closed enum sets for preference validation.
var (
	ArtStyles = []string{
		"Traditional", "Modern", "Minimalist", "Detailed", "Cartoon",
		"Realistic", "Chibi", "Dark", "Colorful", "Black and White",
	}

	TargetAudiences = []string{
		"Children", "Teens", "Young Adults", "Adults", "All Ages",
	}

	ContentRatings = []string{"G", "PG", "PG-13", "R"}

	Genres = []string{
		"Action", "Adventure", "Comedy", "Drama", "Fantasy", "Horror",
		"Mystery", "Romance", "Sci-Fi", "Slice of Life", "Sports",
		"Thriller", "Supernatural", "Historical", "Psychological", "Mecha",
	}
)

const maxPreferenceItems = 10

// Preferences is the user's taste profile consumed by the generation pipeline.
type Preferences struct {
	Genres         []string `json:"genres" db:"genres"`
	Themes         []string `json:"themes" db:"themes"`
	ArtStyle       string   `json:"artStyle" db:"art_style"`
	TargetAudience string   `json:"targetAudience" db:"target_audience"`
	ContentRating  string   `json:"contentRating" db:"content_rating"`
}

// PreferencesRecord is the persisted latest-writes-win row, one per user.
// Insights is an opaque blob from the taste provider, stored alongside.
type PreferencesRecord struct {
	UserID string `json:"userId" db:"user_id"`
	Preferences
	Insights  json.RawMessage `json:"insights,omitempty" db:"insights"`
	CreatedAt time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time       `json:"updatedAt" db:"updated_at"`
}

// Validate checks p against the closed enum sets and size limits.
// Returned errors wrap ErrValidation and name the offending field.
func (p *Preferences) Validate() error {
	if len(p.Genres) == 0 {
		return fmt.Errorf("%w: genres must not be empty", ErrValidation)
	}
	if len(p.Genres) > maxPreferenceItems {
		return fmt.Errorf("%w: at most %d genres allowed", ErrValidation, maxPreferenceItems)
	}
	for _, g := range p.Genres {
		if !containsString(Genres, g) {
			return fmt.Errorf("%w: unknown genre %q", ErrValidation, g)
		}
	}
	if len(p.Themes) == 0 {
		return fmt.Errorf("%w: themes must not be empty", ErrValidation)
	}
	if len(p.Themes) > maxPreferenceItems {
		return fmt.Errorf("%w: at most %d themes allowed", ErrValidation, maxPreferenceItems)
	}
	for _, t := range p.Themes {
		if strings.TrimSpace(t) == "" {
			return fmt.Errorf("%w: themes must not contain empty values", ErrValidation)
		}
	}
	if !containsString(ArtStyles, p.ArtStyle) {
		return fmt.Errorf("%w: unknown artStyle %q", ErrValidation, p.ArtStyle)
	}
	if !containsString(TargetAudiences, p.TargetAudience) {
		return fmt.Errorf("%w: unknown targetAudience %q", ErrValidation, p.TargetAudience)
	}
	if !containsString(ContentRatings, p.ContentRating) {
		return fmt.Errorf("%w: unknown contentRating %q", ErrValidation, p.ContentRating)
	}
	return nil
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
