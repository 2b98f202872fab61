package models

import (
	"strings"
	"time"
)

// Strategy selects how search candidates are identified and ranked.
type Strategy string

const (
	// StrategyVector ranks by embedding similarity only.
	StrategyVector Strategy = "vector"
	// StrategyLLM ranks by LLM reasoning over a bounded candidate set.
	StrategyLLM Strategy = "llm"
	// StrategyHybrid reranks vector candidates with LLM selection.
	StrategyHybrid Strategy = "hybrid"
	// StrategyRAGKG expands vector seeds through the knowledge graph
	// before LLM selection.
	StrategyRAGKG Strategy = "rag_kg"
)

// ParseStrategy canonicalizes a strategy spelling. Both "rag_kg" and
// "rag+kg" are accepted; the canonical form is "rag_kg".
func ParseStrategy(s string) (Strategy, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vector", "":
		return StrategyVector, true
	case "llm":
		return StrategyLLM, true
	case "hybrid":
		return StrategyHybrid, true
	case "rag_kg", "rag+kg", "rag-kg":
		return StrategyRAGKG, true
	}
	return "", false
}

// SearchRequest defines parameters for document search.
type SearchRequest struct {
	// Query is the natural language query, at most 1000 characters.
	Query string `json:"query"`

	// Strategy selects the retrieval strategy. Defaults to vector.
	Strategy Strategy `json:"strategy,omitempty"`

	// Filters maps metadata keys to required values. A document matches
	// only if every pair is present in its metadata with an exact match.
	Filters map[string]any `json:"filters,omitempty"`

	// Limit is the maximum number of documents to return, in [1, 100].
	// Zero yields an empty result.
	Limit int `json:"limit,omitempty"`
}

// SearchResult is one ranked document in a search response.
type SearchResult struct {
	// DocumentID identifies the matched document.
	DocumentID string `json:"document_id"`

	// Score is the final ranking score in [0, 1].
	Score float32 `json:"score"`

	// ChunkID is the highest-scoring chunk that produced the match.
	ChunkID string `json:"chunk_id,omitempty"`

	// Content is the matched chunk text.
	Content string `json:"content,omitempty"`

	// Metadata is the document metadata.
	Metadata map[string]any `json:"metadata,omitempty"`

	// GraphDepth is the traversal depth for graph-expanded candidates
	// (0 for direct vector hits).
	GraphDepth int `json:"graph_depth,omitempty"`

	// LastAccessed is used for deterministic tie-breaking.
	LastAccessed time.Time `json:"-"`
}

// SearchResponse is the ordered result of a search.
type SearchResponse struct {
	// Results are ordered by score descending, ties broken by
	// last_accessed descending then document id ascending.
	Results []SearchResult `json:"results"`

	// Strategy is the canonical strategy that produced the results.
	Strategy Strategy `json:"strategy"`

	// Reasoning is the model's explanation of the candidate set, for
	// model-backed strategies.
	Reasoning string `json:"reasoning,omitempty"`

	// Degraded is true when a non-critical component failed or timed out
	// and the results are a partial ranked set.
	Degraded bool `json:"degraded,omitempty"`

	// Took is the total search duration.
	Took time.Duration `json:"took,omitempty"`
}
