// Package tokenizer provides model-aware token counting for chunk
// sizing. Counting is deterministic: repeated calls over the same text
// always produce the same count, and a bounded memo keeps hot documents
// cheap to re-count.
package tokenizer

import (
	"hash/fnv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/haasonsaas/memvault/internal/memerr"
)

// Model token limits.
const (
	GPT35MaxTokens = 16384
	GPT4MaxTokens  = 32768

	// DefaultChunkSize is the default target chunk size in tokens.
	DefaultChunkSize = 4000
)

// charsPerToken approximates the tokenizer's compression: short words
// are one token, long words split into several.
const charsPerToken = 6

// memoLimit bounds the token-count memo.
const memoLimit = 1000

// SupportedModels maps model names to their context token limits.
var SupportedModels = map[string]int{
	"gpt-3.5-turbo": GPT35MaxTokens,
	"gpt-4":         GPT4MaxTokens,
}

// ModelLimit returns the token limit for a supported model.
func ModelLimit(model string) (int, error) {
	limit, ok := SupportedModels[model]
	if !ok {
		return 0, memerr.Newf(memerr.KindValidation, "unsupported model: %s", model).
			WithDetail("supported_models", supportedModelNames())
	}
	return limit, nil
}

func supportedModelNames() []string {
	names := make([]string, 0, len(SupportedModels))
	for name := range SupportedModels {
		names = append(names, name)
	}
	return names
}

// Counter counts tokens for a fixed model, memoizing recent texts.
type Counter struct {
	model string
	limit int

	mu    sync.Mutex
	memo  map[uint64]int
	order []uint64
}

// NewCounter creates a counter for the given model.
func NewCounter(model string) (*Counter, error) {
	limit, err := ModelLimit(model)
	if err != nil {
		return nil, err
	}
	return &Counter{
		model: model,
		limit: limit,
		memo:  make(map[uint64]int, 64),
	}, nil
}

// Model returns the model name this counter was built for.
func (c *Counter) Model() string { return c.model }

// Limit returns the model's context token limit.
func (c *Counter) Limit() int { return c.limit }

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}

	key := memoKey(text)
	c.mu.Lock()
	if n, ok := c.memo[key]; ok {
		c.mu.Unlock()
		return n
	}
	c.mu.Unlock()

	n := countTokens(text)

	c.mu.Lock()
	if len(c.memo) >= memoLimit {
		// Drop the oldest half rather than tracking true recency; the
		// memo is an accelerator, not a correctness structure.
		drop := len(c.order) / 2
		for _, k := range c.order[:drop] {
			delete(c.memo, k)
		}
		c.order = append(c.order[:0], c.order[drop:]...)
	}
	c.memo[key] = n
	c.order = append(c.order, key)
	c.mu.Unlock()

	return n
}

// CountTokens counts tokens in text for the given model.
func CountTokens(text, model string) (int, error) {
	if _, err := ModelLimit(model); err != nil {
		return 0, err
	}
	return countTokens(text), nil
}

func memoKey(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}

// countTokens scans whitespace-delimited fields; each field contributes
// at least one token, long fields contribute one per charsPerToken runes.
func countTokens(text string) int {
	total := 0
	for _, field := range strings.Fields(text) {
		runes := utf8.RuneCountInString(field)
		total += (runes + charsPerToken - 1) / charsPerToken
	}
	return total
}

// WordTokens returns the token count of a single word.
func WordTokens(word string) int {
	runes := utf8.RuneCountInString(word)
	if runes == 0 {
		return 0
	}
	return (runes + charsPerToken - 1) / charsPerToken
}
