package usecase

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token usage for cost accounting. It uses the
// cl100k_base BPE when the encoding can be loaded and falls back to a
// four-characters-per-token estimate otherwise, so cost numbers stay
// populated even without the encoding data.
type TokenCounter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewTokenCounter creates a counter. Encoding load is deferred to first use.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// Count returns the estimated token count for text.
func (t *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}

	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(tiktoken.MODEL_CL100K_BASE)
		if err == nil {
			t.enc = enc
		}
	})

	if t.enc != nil {
		return len(t.enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
