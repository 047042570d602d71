// Package tokens counts tokens with a cl100k_base encoder and prices LLM calls
// from a per-model cost table.
package tokens

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Encoding is the BPE encoding used for request-side counts.
const Encoding = "cl100k_base"

// Counter counts tokens. The encoder is loaded on first use; if it cannot be
// loaded the counter falls back to a four-bytes-per-token estimate.
type Counter struct {
	logger *slog.Logger

	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewCounter creates a counter.
func NewCounter(logger *slog.Logger) *Counter {
	return &Counter{logger: logger}
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		enc, err := tiktoken.GetEncoding(Encoding)
		if err != nil {
			c.logger.Warn("tokens: encoder unavailable, using estimate", "encoding", Encoding, "error", err)
			return
		}
		c.enc = enc
	})
	if c.enc == nil {
		return Estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// Estimate approximates a token count without an encoder.
func Estimate(text string) int {
	if text == "" {
		return 0
	}
	return max(1, (len(text)+3)/4, utf8.RuneCountInString(text)/4)
}

// AddNullable adds two optional counts. Missing counts are not treated as zero:
// nil + nil is nil and nil + n is n.
func AddNullable(a, b *int) *int {
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		v := *b
		return &v
	case b == nil:
		v := *a
		return &v
	default:
		v := *a + *b
		return &v
	}
}
