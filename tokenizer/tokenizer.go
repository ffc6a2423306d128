// Package tokenizer counts tokens for history budgeting.
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates the token count of a text.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts tokens using the BPE vocabulary of a specific model.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken creates a counter for the given model, falling back to the
// cl100k_base encoding for unknown models.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to load encoding: %w", err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

// Count returns the number of tokens in the text.
func (t *Tiktoken) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic approximates tokens as one per four bytes. It needs no
// vocabulary download, which keeps it usable offline and in tests.
type Heuristic struct{}

// Count returns the approximate token count.
func (Heuristic) Count(text string) int {
	return (len(text) + 3) / 4
}
