// Package scene derives ordered image prompts from episode markdown.
//
// Extraction is pure: the same markdown always yields the same prompt list,
// which keeps image numbering and PDF layout stable across redeliveries.
package scene

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxScenes caps how many scenes one episode may produce.
	DefaultMaxScenes = 8

	// FallbackPrompt replaces descriptions too short to draw from.
	FallbackPrompt = "A dramatic manga scene with characters in intense action"

	minDescriptionLen  = 15
	maxDescriptionLen  = 300
	minFragmentLen     = 10
	maxFragments       = 3
	paragraphsPerScene = 3
)

var (
	quotedDialogueRe = regexp.MustCompile(`"[^"\n]*"|“[^”\n]*”`)
	speakerTagRe     = regexp.MustCompile(`(?m)^\s*[A-Z][A-Za-z .'-]{0,30}:\s*`)
	bracketedRe      = regexp.MustCompile(`\[[^\]\n]*\]`)
	decorationRe     = regexp.MustCompile("[#*_`]")
	sentenceSplitRe  = regexp.MustCompile(`[.!?]+`)
)

// ExtractPrompts parses episode markdown into an ordered list of scene image
// prompts. The result always has at least one entry and at most maxScenes.
func ExtractPrompts(markdown string, maxScenes int) []string {
	segments := Segments(markdown, maxScenes)

	prompts := make([]string, 0, len(segments))
	for _, segment := range segments {
		prompts = append(prompts, describeSegment(segment))
	}
	return prompts
}

// Segments splits episode markdown into ordered scene texts using the same
// boundaries ExtractPrompts uses, so callers can pair text with prompts by
// index. The result always has at least one entry and at most maxScenes.
func Segments(markdown string, maxScenes int) []string {
	if maxScenes < 1 {
		maxScenes = DefaultMaxScenes
	}

	content := stripFrontMatter(markdown)
	lines := strings.Split(content, "\n")

	segments := splitOnBreakMarkers(lines)
	if segments == nil {
		segments = groupParagraphs(content)
	}
	if len(segments) == 0 {
		segments = []string{""}
	}
	if len(segments) > maxScenes {
		segments = segments[:maxScenes]
	}
	return segments
}

// stripFrontMatter drops a leading ----fenced metadata block. An opening
// fence without a closing one is left alone.
func stripFrontMatter(markdown string) string {
	lines := strings.Split(markdown, "\n")

	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if strings.TrimSpace(line) == "---" {
			start = i
		}
		break
	}
	if start == -1 {
		return markdown
	}

	for i := start + 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			return strings.Join(lines[i+1:], "\n")
		}
	}
	return markdown
}

// splitOnBreakMarkers segments lines on explicit scene break markers.
// It returns nil when the text contains no markers at all, which tells the
// caller to fall back to paragraph grouping.
func splitOnBreakMarkers(lines []string) []string {
	sawMarker := false
	var segments []string
	var current []string

	flush := func() {
		segment := strings.TrimSpace(strings.Join(current, "\n"))
		if segment != "" {
			segments = append(segments, segment)
		}
		current = current[:0]
	}

	for _, line := range lines {
		if isBreakMarker(line) {
			sawMarker = true
			flush()
			continue
		}
		current = append(current, line)
	}
	flush()

	if !sawMarker {
		return nil
	}
	return segments
}

func isBreakMarker(line string) bool {
	trimmed := strings.TrimSpace(line)
	switch strings.ToLower(trimmed) {
	case "[scene break]", "[new scene]", "---", "****":
		return true
	}
	return false
}

// groupParagraphs bundles every three non-empty paragraphs into one scene.
func groupParagraphs(content string) []string {
	var paragraphs []string
	for _, block := range strings.Split(content, "\n\n") {
		if trimmed := strings.TrimSpace(block); trimmed != "" {
			paragraphs = append(paragraphs, trimmed)
		}
	}

	var segments []string
	for i := 0; i < len(paragraphs); i += paragraphsPerScene {
		end := i + paragraphsPerScene
		if end > len(paragraphs) {
			end = len(paragraphs)
		}
		segments = append(segments, strings.Join(paragraphs[i:end], "\n\n"))
	}
	return segments
}

// describeSegment turns one scene text into a visual prompt: dialogue and
// speaker tags go away, the first sentence-like fragments stay, bracketed
// stage directions come back at the end as drawing hints.
func describeSegment(segment string) string {
	text := quotedDialogueRe.ReplaceAllString(segment, " ")
	text = speakerTagRe.ReplaceAllString(text, "")

	hints := bracketedRe.FindAllString(text, -1)
	text = bracketedRe.ReplaceAllString(text, " ")
	text = decorationRe.ReplaceAllString(text, "")
	text = strings.Join(strings.Fields(text), " ")

	var fragments []string
	for _, raw := range sentenceSplitRe.Split(text, -1) {
		fragment := strings.TrimSpace(raw)
		if len(fragment) >= minFragmentLen && strings.Contains(fragment, " ") {
			fragments = append(fragments, fragment)
			if len(fragments) == maxFragments {
				break
			}
		}
	}

	description := strings.Join(fragments, ". ")
	if description != "" {
		description += "."
	}
	if len(hints) > 0 {
		description = strings.TrimSpace(description + " " + strings.Join(hints, " "))
	}

	description = truncateOnWordBoundary(description, maxDescriptionLen)
	if len(description) < minDescriptionLen {
		return FallbackPrompt
	}
	return description
}

// truncateOnWordBoundary cuts s to at most limit runes, backing up to the
// last space so words are never split.
func truncateOnWordBoundary(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := string(runes[:limit])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
