package tokenizer

import (
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token counts for budget decisions.
type Counter struct {
	encoder *tiktoken.Tiktoken
}

// NewCounter builds a cl100k_base counter, degrading to a heuristic when the
// encoding tables cannot be loaded.
func NewCounter() *Counter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		enc = nil
	}
	return &Counter{encoder: enc}
}

// Count returns the token count for the text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	return estimate(text)
}

// CountAll sums token counts across texts.
func (c *Counter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

// estimate over-counts slightly so budget checks stay under provider caps.
func estimate(text string) int {
	runes := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))
	byRunes := (runes + 1) / 2
	if byRunes < words {
		return words
	}
	return byRunes
}
