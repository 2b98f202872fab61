// Package llm provides language-model document selection for retrieval
// strategies that rank candidates with a completion model instead of
// (or in addition to) vector similarity.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/retry"
)

// DefaultModel is the completion model used when none is configured.
const DefaultModel = "gpt-4"

// maxCandidateChars truncates candidate previews in the prompt.
const maxCandidateChars = 500

// Candidate is a document offered to the model for selection.
type Candidate struct {
	ID      string
	Content string
}

// Selection is a document the model judged relevant, with a relevance
// score in [0, 1].
type Selection struct {
	ID    string  `json:"id"`
	Score float32 `json:"score"`
}

// Usage reports model token consumption for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Reasoning is the model's free-form explanation of how the candidate
// documents relate to a query. Confidence is 1 when the model finished
// cleanly, 0 when the reply was cut off.
type Reasoning struct {
	Text       string
	Confidence float32
}

// Selector ranks candidate documents against a query.
type Selector interface {
	Select(ctx context.Context, query string, candidates []Candidate) ([]Selection, Usage, error)

	// Reason explains how the documents bear on the query, ahead of
	// selection.
	Reason(ctx context.Context, query string, documents []string) (Reasoning, Usage, error)

	// Model names the underlying model, for metric labels.
	Model() string
}

// Client implements Selector using OpenAI chat completions.
type Client struct {
	client  *openai.Client
	model   string
	retry   retry.Config
	breaker *retry.Breaker
}

var _ Selector = (*Client)(nil)

// Config contains configuration for the LLM client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// New creates a new LLM selection client.
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, memerr.New(memerr.KindValidation, "OpenAI API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
			Jitter:       true,
			RetryIf:      retryableAPIError,
		},
		breaker: retry.NewBreaker(5, time.Minute),
	}, nil
}

// Model returns the configured chat model name.
func (c *Client) Model() string { return c.model }

const selectSystemPrompt = `You rank stored documents by relevance to a query.
Respond with a JSON array only, no prose. Each element has "id" (a
document id from the list) and "score" (relevance from 0.0 to 1.0).
Omit irrelevant documents. Never invent ids.`

// Select asks the model which candidates answer the query. Results are
// ordered by descending score; ids not present in candidates are
// dropped.
func (c *Client) Select(ctx context.Context, query string, candidates []Candidate) ([]Selection, Usage, error) {
	if len(candidates) == 0 {
		return nil, Usage{}, nil
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Query: %s\n\nDocuments:\n", query)
	for _, cand := range candidates {
		preview := cand.Content
		if len(preview) > maxCandidateChars {
			preview = preview[:maxCandidateChars]
		}
		fmt.Fprintf(&prompt, "- id=%s: %s\n", cand.ID, preview)
	}

	resp, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: selectSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt.String()},
		},
	})
	if err != nil {
		return nil, Usage{}, err
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) == 0 {
		return nil, usage, memerr.New(memerr.KindUpstream, "completion returned no choices")
	}

	selections, err := parseSelections(resp.Choices[0].Message.Content, candidates)
	if err != nil {
		return nil, usage, err
	}
	return selections, usage, nil
}

// reasonMaxTokens caps the length of a reasoning reply.
const reasonMaxTokens = 1000

// Reason asks the model for a detailed reasoning over the documents
// with respect to the query.
func (c *Client) Reason(ctx context.Context, query string, documents []string) (Reasoning, Usage, error) {
	if len(documents) == 0 {
		return Reasoning{}, Usage{}, nil
	}

	var prompt strings.Builder
	prompt.WriteString("Given the following documents, answer the query:\nDocuments:\n")
	for i, doc := range documents {
		if len(doc) > maxCandidateChars {
			doc = doc[:maxCandidateChars]
		}
		fmt.Fprintf(&prompt, "[%d] %s\n", i+1, doc)
	}
	fmt.Fprintf(&prompt, "\nQuery: %s\n\nProvide a detailed reasoning based on the documents above.", query)

	resp, err := c.complete(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		MaxTokens:   reasonMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt.String()},
		},
	})
	if err != nil {
		return Reasoning{}, Usage{}, err
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) == 0 {
		return Reasoning{}, usage, memerr.New(memerr.KindUpstream, "completion returned no choices")
	}

	choice := resp.Choices[0]
	reasoning := Reasoning{Text: choice.Message.Content}
	if choice.FinishReason == openai.FinishReasonStop {
		reasoning.Confidence = 1
	}
	return reasoning, usage, nil
}

// complete issues one chat completion under the retry policy and the
// shared circuit breaker.
func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if err := c.breaker.Allow(); err != nil {
		return openai.ChatCompletionResponse{}, memerr.Wrap(err, memerr.KindUpstream, "completion service unavailable")
	}
	resp, err := retry.DoWithValue(ctx, c.retry, func() (openai.ChatCompletionResponse, error) {
		return c.client.CreateChatCompletion(ctx, req)
	})
	c.breaker.Record(err)
	if err != nil {
		return openai.ChatCompletionResponse{}, translateAPIError(err)
	}
	return resp, nil
}

// parseSelections extracts the JSON selection array from a model reply,
// tolerating surrounding prose or fencing, and filters out unknown ids
// and out-of-range scores.
func parseSelections(content string, candidates []Candidate) ([]Selection, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, memerr.New(memerr.KindUpstream, "completion reply is not a JSON array").
			WithDetail("reply_prefix", truncate(content, 120))
	}

	var raw []Selection
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, memerr.Wrap(err, memerr.KindUpstream, "parse completion reply")
	}

	known := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		known[cand.ID] = true
	}

	selections := make([]Selection, 0, len(raw))
	for _, sel := range raw {
		if !known[sel.ID] {
			continue
		}
		if sel.Score < 0 {
			sel.Score = 0
		}
		if sel.Score > 1 {
			sel.Score = 1
		}
		selections = append(selections, sel)
	}

	// Stable ordering by score, preserving model order for ties.
	for i := 1; i < len(selections); i++ {
		for j := i; j > 0 && selections[j].Score > selections[j-1].Score; j-- {
			selections[j], selections[j-1] = selections[j-1], selections[j]
		}
	}
	return selections, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func retryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == 0 || reqErr.HTTPStatusCode == 429 || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func translateAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 429 {
			return memerr.Wrap(err, memerr.KindRate, "completion rate limited")
		}
		if apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 {
			return memerr.Wrap(err, memerr.KindAuthentication, "completion authentication failed")
		}
	}
	return memerr.Wrap(err, memerr.KindUpstream, "create chat completion")
}
