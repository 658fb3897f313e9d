package llm

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for prompt budget checks before a
// request goes out. All supported models approximate with GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// Count returns the number of tokens in the given text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token).
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return count
}

// CountRequest returns the total token count across a request's messages.
func (tc *TokenCounter) CountRequest(in *Request) int {
	total := 0
	for i := range in.Messages {
		total += tc.Count(in.Messages[i].Content)
	}
	return total
}
