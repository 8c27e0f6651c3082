// Package usage provides token accounting and request statistics for the
// relay. Token counts are estimates produced locally: neither upstream
// platform reports usage, so the relay tokenizes the prompt and the finished
// response itself.
package usage

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter estimates token counts for prompt and completion text.
type TokenCounter struct {
	enc tokenizer.Codec
}

// NewTokenCounter builds a counter over the o200k_base encoding, the closest
// public vocabulary to the models both platforms serve.
func NewTokenCounter() (*TokenCounter, error) {
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		return nil, fmt.Errorf("usage: load tokenizer: %w", err)
	}
	return &TokenCounter{enc: enc}, nil
}

// Count returns the number of tokens in text. Errors degrade to a zero count
// rather than failing the request; token totals are advisory.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	ids, _, err := c.enc.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}
