// Package openai provides an embedding provider backed by OpenAI's
// embedding models.
package openai

import (
	"context"
	"crypto/sha256"
	"errors"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/memvault/internal/embeddings"
	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/retry"
)

const (
	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "text-embedding-ada-002"

	// maxBatchSize is the largest input slice sent in one API call.
	maxBatchSize = 100

	// maxConcurrentBatches bounds in-flight embedding requests.
	maxConcurrentBatches = 10

	// memoLimit bounds the content-hash embedding memo.
	memoLimit = 1000
)

// Provider implements embeddings.Provider using OpenAI.
type Provider struct {
	client  *openai.Client
	model   string
	sem     chan struct{}
	retry   retry.Config
	breaker *retry.Breaker

	mu   sync.Mutex
	memo map[[32]byte][]float32
}

var _ embeddings.Provider = (*Provider)(nil)

// Config contains configuration for the OpenAI provider.
type Config struct {
	APIKey  string
	BaseURL string // Optional custom base URL
	Model   string
}

// New creates a new OpenAI embedding provider.
func New(cfg Config) (*Provider, error) {
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

	return &Provider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		sem:    make(chan struct{}, maxConcurrentBatches),
		retry: retry.Config{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			Factor:       2.0,
			Jitter:       true,
			RetryIf:      retryableAPIError,
		},
		breaker: retry.NewBreaker(5, time.Minute),
		memo:    make(map[[32]byte][]float32, 64),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string { return "openai" }

// Dimension returns the embedding dimension for the configured model.
func (p *Provider) Dimension() int {
	switch p.model {
	case "text-embedding-3-large":
		return 3072
	default:
		return 1536
	}
}

// MaxBatchSize returns the maximum number of texts per batch.
func (p *Provider) MaxBatchSize() int { return maxBatchSize }

// Embed generates an embedding for a single text.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, memerr.New(memerr.KindUpstream, "no embedding returned")
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts. Inputs are split
// into batches of at most MaxBatchSize, embedded concurrently, and
// returned index-aligned with the input. Repeated content is served
// from a hash memo without an API call.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	results := make([][]float32, len(texts))

	// Resolve memo hits first so only misses go to the API.
	type pending struct {
		index int
		key   [32]byte
	}
	var misses []pending
	p.mu.Lock()
	for i, text := range texts {
		key := sha256.Sum256([]byte(text))
		if vec, ok := p.memo[key]; ok {
			results[i] = vec
		} else {
			misses = append(misses, pending{index: i, key: key})
		}
	}
	p.mu.Unlock()

	if len(misses) == 0 {
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < len(misses); start += maxBatchSize {
		end := start + maxBatchSize
		if end > len(misses) {
			end = len(misses)
		}
		batch := misses[start:end]

		g.Go(func() error {
			select {
			case p.sem <- struct{}{}:
				defer func() { <-p.sem }()
			case <-gctx.Done():
				return gctx.Err()
			}

			input := make([]string, len(batch))
			for i, m := range batch {
				input[i] = texts[m.index]
			}

			vectors, err := p.embedBatchOnce(gctx, input)
			if err != nil {
				return err
			}

			p.mu.Lock()
			for i, m := range batch {
				vec := embeddings.Normalize(vectors[i])
				results[m.index] = vec
				if len(p.memo) < memoLimit {
					p.memo[m.key] = vec
				}
			}
			p.mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *Provider) embedBatchOnce(ctx context.Context, input []string) ([][]float32, error) {
	if err := p.breaker.Allow(); err != nil {
		return nil, memerr.Wrap(err, memerr.KindUpstream, "embedding service unavailable")
	}
	resp, err := retry.DoWithValue(ctx, p.retry, func() (openai.EmbeddingResponse, error) {
		return p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: input,
			Model: openai.EmbeddingModel(p.model),
		})
	})
	p.breaker.Record(err)
	if err != nil {
		return nil, translateAPIError(err)
	}
	if len(resp.Data) != len(input) {
		return nil, memerr.Newf(memerr.KindUpstream,
			"embedding response has %d vectors for %d inputs", len(resp.Data), len(input))
	}

	vectors := make([][]float32, len(input))
	for _, data := range resp.Data {
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}

// retryableAPIError reports whether an OpenAI error is worth retrying:
// rate limits and server-side failures.
func retryableAPIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Transport errors without a status are treated as transient.
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
			return memerr.Wrap(err, memerr.KindRate, "embedding rate limited")
		}
		if apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 {
			return memerr.Wrap(err, memerr.KindAuthentication, "embedding authentication failed")
		}
	}
	return memerr.Wrap(err, memerr.KindUpstream, "create embeddings")
}
