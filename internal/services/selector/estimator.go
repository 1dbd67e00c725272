package selector

import "github.com/lanternhq/modelgate/internal/models"

const (
	// charsPerToken is the character-based estimation heuristic. English
	// text averages roughly four characters per token across the tokenizers
	// the supported providers use.
	charsPerToken = 4

	// defaultOutputTokens is assumed when the request does not cap
	// MaxTokens; cost strategies need a non-zero completion estimate to
	// compare providers meaningfully.
	defaultOutputTokens = 256

	// messageOverheadTokens accounts for role markers and separators per
	// chat message.
	messageOverheadTokens = 4
)

// EstimateTokens estimates token counts for a raw prompt string.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / charsPerToken
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateMessages estimates prompt tokens for a chat history including
// per-message formatting overhead.
func EstimateMessages(messages []models.Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(m.Content) + messageOverheadTokens
	}
	return total
}

// estimateOutput returns the completion-size estimate used for cost ranking.
func estimateOutput(opts models.GenerationOptions) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return defaultOutputTokens
}
