package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/memvault/internal/memerr"
)

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// fakeEmbeddingServer returns deterministic vectors and counts requests.
func fakeEmbeddingServer(t *testing.T, requests *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if len(req.Input) > maxBatchSize {
			t.Errorf("batch of %d inputs exceeds limit %d", len(req.Input), maxBatchSize)
		}

		type datum struct {
			Object    string    `json:"object"`
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		data := make([]datum, len(req.Input))
		for i, text := range req.Input {
			data[i] = datum{
				Object:    "embedding",
				Index:     i,
				Embedding: []float32{float32(len(text)), 1, 2},
			}
		}
		resp := map[string]any{
			"object": "list",
			"data":   data,
			"model":  req.Model,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func newTestProvider(t *testing.T, baseURL string) *Provider {
	t.Helper()
	p, err := New(Config{APIKey: "test-key", BaseURL: baseURL + "/v1"})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	var me *memerr.Error
	if !errors.As(err, &me) || me.Kind != memerr.KindValidation {
		t.Errorf("New() error = %v, want validation", err)
	}
}

func TestProviderMetadata(t *testing.T) {
	p, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "openai" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.Dimension() != 1536 {
		t.Errorf("Dimension() = %d, want 1536 for %s", p.Dimension(), DefaultModel)
	}
	if p.MaxBatchSize() != 100 {
		t.Errorf("MaxBatchSize() = %d, want 100", p.MaxBatchSize())
	}
}

func TestEmbedBatchAlignmentAndNormalization(t *testing.T) {
	var requests atomic.Int64
	srv := fakeEmbeddingServer(t, &requests)
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	texts := []string{"a", "bb", "ccc"}
	vectors, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("len(vectors) = %d, want %d", len(vectors), len(texts))
	}

	for i, vec := range vectors {
		var sum float64
		for _, x := range vec {
			sum += float64(x) * float64(x)
		}
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("vectors[%d] not unit-normalized, norm^2 = %v", i, sum)
		}
	}

	// The fake encodes input length in the first component; alignment
	// survives normalization as relative ordering of that component.
	if !(vectors[0][0] < vectors[1][0] && vectors[1][0] < vectors[2][0]) {
		t.Errorf("vectors are not index-aligned with input: %v", vectors)
	}
}

func TestEmbedBatchSplitsLargeInput(t *testing.T) {
	var requests atomic.Int64
	srv := fakeEmbeddingServer(t, &requests)
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	texts := make([]string, maxBatchSize+50)
	for i := range texts {
		texts[i] = fmt.Sprintf("text-%04d", i)
	}

	vectors, err := p.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("len(vectors) = %d, want %d", len(vectors), len(texts))
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("API requests = %d, want 2", got)
	}
}

func TestEmbedMemoAvoidsRepeatCalls(t *testing.T) {
	var requests atomic.Int64
	srv := fakeEmbeddingServer(t, &requests)
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	first, err := p.Embed(context.Background(), "cached content")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	second, err := p.Embed(context.Background(), "cached content")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	if got := requests.Load(); got != 1 {
		t.Errorf("API requests = %d, want 1 (memo hit)", got)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("memoized embedding differs from original")
		}
	}
}

func TestEmbedBatchEmptyInput(t *testing.T) {
	p, err := New(Config{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	vectors, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vectors != nil {
		t.Errorf("EmbedBatch(nil) = (%v, %v), want (nil, nil)", vectors, err)
	}
}

func TestRetryableAPIError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", &goopenai.APIError{HTTPStatusCode: 429}, true},
		{"server error", &goopenai.APIError{HTTPStatusCode: 503}, true},
		{"bad request", &goopenai.APIError{HTTPStatusCode: 400}, false},
		{"unauthorized", &goopenai.APIError{HTTPStatusCode: 401}, false},
		{"context cancelled", context.Canceled, false},
		{"plain transport", errors.New("connection reset"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryableAPIError(tt.err); got != tt.want {
				t.Errorf("retryableAPIError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTranslateAPIErrorKinds(t *testing.T) {
	tests := []struct {
		status int
		want   memerr.Kind
	}{
		{429, memerr.KindRate},
		{401, memerr.KindAuthentication},
		{500, memerr.KindUpstream},
	}

	for _, tt := range tests {
		err := translateAPIError(&goopenai.APIError{HTTPStatusCode: tt.status})
		if memerr.KindOf(err) != tt.want {
			t.Errorf("translateAPIError(%d) kind = %v, want %v", tt.status, memerr.KindOf(err), tt.want)
		}
	}
}
