package generation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"manga-server/internal/models"
)

const storySystemPrompt = `You are a professional manga story writer. Write a complete, self-contained manga story in markdown.

Rules:
- Start with a single title line: "# <story title>".
- Write 800-1200 words of vivid, visual prose.
- Separate major scenes with a line containing only "[Scene Break]".
- Stay within the requested content rating.
- Do not include author notes or meta commentary.`

const episodeSystemPrompt = `You are a professional manga episode writer continuing an existing story. Write the next episode in markdown.

Rules:
- Start with a single title line: "# <episode title>".
- Write 600-1000 words continuing naturally from the story so far.
- Separate major scenes with a line containing only "[Scene Break]".
- Keep characters, tone and setting consistent with the story.
- Stay within the requested content rating.
- Do not include author notes or meta commentary.`

// fallback encoding when the configured model is unknown to tiktoken
const fallbackEncoding = "cl100k_base"

func buildStoryUserPrompt(prefs models.Preferences, insights json.RawMessage) string {
	var sb strings.Builder
	sb.WriteString("Write a manga story for a reader with these preferences:\n\n")
	sb.WriteString(formatPreferences(prefs))
	if len(insights) > 0 {
		sb.WriteString("\n\nReader taste insights:\n")
		sb.Write(insights)
	}
	return sb.String()
}

func buildEpisodeUserPrompt(storyContext string, episodeNumber int, prefs models.Preferences) string {
	var sb strings.Builder
	sb.WriteString("Story so far:\n\n")
	sb.WriteString(storyContext)
	sb.WriteString(fmt.Sprintf("\n\nWrite episode %d of this story.\n\n", episodeNumber))
	sb.WriteString("Reader preferences:\n\n")
	sb.WriteString(formatPreferences(prefs))
	return sb.String()
}

func formatPreferences(prefs models.Preferences) string {
	lines := []string{
		"Genres: " + joinOrNone(prefs.Genres),
		"Themes: " + joinOrNone(prefs.Themes),
		"Art style: " + valueOrNone(prefs.ArtStyle),
		"Target audience: " + valueOrNone(prefs.TargetAudience),
		"Content rating: " + valueOrNone(prefs.ContentRating),
	}
	return strings.Join(lines, "\n")
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none specified"
	}
	return strings.Join(items, ", ")
}

func valueOrNone(v string) string {
	if v == "" {
		return "none specified"
	}
	return v
}

// trimToTokenBudget cuts text down to at most budget tokens, keeping the
// tail: for episode continuation the most recent events matter most.
func trimToTokenBudget(text, model string, budget int) string {
	if budget <= 0 {
		return text
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		// no tokenizer available at all; approximate 4 chars per token
		runes := []rune(text)
		limit := budget * 4
		if len(runes) <= limit {
			return text
		}
		return string(runes[len(runes)-limit:])
	}

	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= budget {
		return text
	}
	return enc.Decode(tokens[len(tokens)-budget:])
}

// contextBudget reserves room for the completion and the instruction text
// inside the model window.
func contextBudget(contextSize, maxCompletionTokens int) int {
	const instructionReserve = 512
	budget := contextSize - maxCompletionTokens - instructionReserve
	if budget < 1024 {
		budget = 1024
	}
	return budget
}
