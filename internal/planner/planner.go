// Package planner executes search requests against the catalog, the
// chunk cache, the embedding provider, the LLM selector, and the
// knowledge graph. Each strategy runs under a fixed latency budget and
// degrades to a partial ranking when a non-critical component fails.
package planner

import (
	"context"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/memvault/internal/catalog"
	"github.com/haasonsaas/memvault/internal/chunkcache"
	"github.com/haasonsaas/memvault/internal/embeddings"
	"github.com/haasonsaas/memvault/internal/graph"
	"github.com/haasonsaas/memvault/internal/llm"
	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/observability"
	"github.com/haasonsaas/memvault/pkg/models"
)

const (
	// SimilarityThreshold is the minimum cosine similarity for a vector
	// match to count as relevant.
	SimilarityThreshold = 0.8

	// maxLLMCandidates bounds how many documents are sent to the model
	// for selection.
	maxLLMCandidates = 20
)

// budgets are the per-strategy latency budgets.
var budgets = map[models.Strategy]time.Duration{
	models.StrategyVector: 500 * time.Millisecond,
	models.StrategyLLM:    3000 * time.Millisecond,
	models.StrategyHybrid: 3500 * time.Millisecond,
	models.StrategyRAGKG:  4000 * time.Millisecond,
}

// Catalog is the catalog surface the planner needs.
type Catalog interface {
	ListCandidates(ctx context.Context, filters map[string]any) ([]catalog.Candidate, error)
	ListChunks(ctx context.Context, documentIDs []string) ([]models.Chunk, error)
	RecordAccess(ctx context.Context, documentID string) error
}

// Deps holds the components the planner searches over. Cache, Selector,
// Graph, Metrics, and Tracer may be nil; the strategies that need a
// missing component degrade or fail with a validation error.
type Deps struct {
	Catalog  Catalog
	Cache    *chunkcache.Cache
	Embedder embeddings.Provider
	Selector llm.Selector
	Graph    *graph.Graph
	Logger   *observability.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// Planner plans and executes searches.
type Planner struct {
	deps   Deps
	logger *observability.Logger
	tracer *observability.Tracer
}

// New creates a planner.
func New(deps Deps) *Planner {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}
	return &Planner{
		deps:   deps,
		logger: logger.With("component", "planner"),
		tracer: tracer,
	}
}

// Search runs a request under its strategy's latency budget. Results
// are ordered by score descending, then last access descending, then
// document id ascending, at most one result per document.
func (p *Planner) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	strategy, ok := models.ParseStrategy(string(req.Strategy))
	if !ok {
		return nil, memerr.Newf(memerr.KindValidation, "unknown search strategy: %s", req.Strategy)
	}
	if req.Limit <= 0 {
		return &models.SearchResponse{Results: []models.SearchResult{}, Strategy: strategy}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, budgets[strategy])
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "search",
		attribute.String("search.strategy", string(strategy)),
		attribute.Int("search.limit", req.Limit),
	)
	defer span.End()

	start := time.Now()
	var (
		results   []models.SearchResult
		reasoning string
		degraded  bool
		err       error
	)
	switch strategy {
	case models.StrategyVector:
		results, degraded, err = p.vector(ctx, req)
	case models.StrategyLLM:
		results, reasoning, degraded, err = p.llm(ctx, req)
	case models.StrategyHybrid:
		results, reasoning, degraded, err = p.hybrid(ctx, req)
	case models.StrategyRAGKG:
		results, reasoning, degraded, err = p.ragKG(ctx, req)
	}
	elapsed := time.Since(start)

	if p.deps.Metrics != nil {
		label := "false"
		if degraded {
			label = "true"
		}
		p.deps.Metrics.SearchDuration.WithLabelValues(string(strategy), label).Observe(elapsed.Seconds())
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	results = rank(results, req.Limit)
	span.SetAttributes(
		attribute.Int("search.results", len(results)),
		attribute.Bool("search.degraded", degraded),
	)
	p.recordAccesses(ctx, results)

	return &models.SearchResponse{
		Results:   results,
		Strategy:  strategy,
		Reasoning: reasoning,
		Degraded:  degraded,
		Took:      elapsed,
	}, nil
}

// vector ranks candidates by best-chunk cosine similarity. An embedding
// failure is terminal: there is nothing to rank without a query vector.
func (p *Planner) vector(ctx context.Context, req models.SearchRequest) ([]models.SearchResult, bool, error) {
	scored, err := p.scoreByVector(ctx, req)
	if err != nil {
		return nil, false, err
	}
	return aboveThreshold(scored), false, nil
}

// llm reasons over a bounded, recently used candidate set and ranks it
// with the model. When the model is unavailable the candidates come
// back recency-ordered and the response is marked degraded.
func (p *Planner) llm(ctx context.Context, req models.SearchRequest) ([]models.SearchResult, string, bool, error) {
	if p.deps.Selector == nil {
		return nil, "", false, memerr.New(memerr.KindValidation, "llm strategy requires a configured model")
	}
	cands, err := p.deps.Catalog.ListCandidates(ctx, req.Filters)
	if err != nil {
		return nil, "", false, err
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].LastAccessed.Equal(cands[j].LastAccessed) {
			return cands[i].LastAccessed.After(cands[j].LastAccessed)
		}
		return cands[i].Document.ID < cands[j].Document.ID
	})
	if len(cands) > maxLLMCandidates {
		cands = cands[:maxLLMCandidates]
	}
	if len(cands) == 0 {
		return nil, "", false, nil
	}

	pool := make([]models.SearchResult, 0, len(cands))
	for _, cand := range cands {
		chunks := p.chunksFor(ctx, cand)
		if len(chunks) == 0 {
			continue
		}
		pool = append(pool, models.SearchResult{
			DocumentID:   cand.Document.ID,
			ChunkID:      chunks[0].ID,
			Content:      chunks[0].Content,
			Metadata:     cand.Document.Metadata,
			LastAccessed: cand.LastAccessed,
		})
	}

	reasoning, reasonDegraded := p.reasonWithModel(ctx, req.Query, pool)
	results, selectDegraded, err := p.selectWithModel(ctx, req.Query, pool)
	if err != nil {
		return nil, "", false, err
	}
	return results, reasoning, reasonDegraded || selectDegraded, nil
}

// hybrid reasons over the best vector candidates and reranks them with
// the model. The embedding step is terminal; a model failure falls back
// to the vector ranking and marks the response degraded.
func (p *Planner) hybrid(ctx context.Context, req models.SearchRequest) ([]models.SearchResult, string, bool, error) {
	if p.deps.Selector == nil {
		return nil, "", false, memerr.New(memerr.KindValidation, "hybrid strategy requires a configured model")
	}
	scored, err := p.scoreByVector(ctx, req)
	if err != nil {
		return nil, "", false, err
	}

	pool := rank(scored, maxLLMCandidates)
	reasoning, reasonDegraded := p.reasonWithModel(ctx, req.Query, pool)
	results, selectDegraded, err := p.selectWithModel(ctx, req.Query, pool)
	if err != nil {
		return nil, "", false, err
	}
	if selectDegraded {
		// Without the model the vector ranking stands, thresholded.
		return aboveThreshold(scored), reasoning, true, nil
	}
	return results, reasoning, reasonDegraded, nil
}

// ragKG expands vector seeds through the knowledge graph, scores the
// merged set as max(similarity, graph strength), reasons over it, and
// asks the model to select. Filters still bind: graph neighbors outside
// the filtered candidate set are dropped.
func (p *Planner) ragKG(ctx context.Context, req models.SearchRequest) ([]models.SearchResult, string, bool, error) {
	if p.deps.Selector == nil {
		return nil, "", false, memerr.New(memerr.KindValidation, "rag_kg strategy requires a configured model")
	}
	scored, err := p.scoreByVector(ctx, req)
	if err != nil {
		return nil, "", false, err
	}

	byDoc := make(map[string]models.SearchResult, len(scored))
	for _, r := range scored {
		byDoc[r.DocumentID] = r
	}

	merged := make(map[string]models.SearchResult)
	for _, seed := range aboveThreshold(scored) {
		merged[seed.DocumentID] = seed
		if p.deps.Graph == nil {
			continue
		}
		for _, neighbor := range p.deps.Graph.Neighbors(seed.DocumentID, graph.DefaultMaxDepth, graph.DefaultMinStrength) {
			base, ok := byDoc[neighbor.DocumentID]
			if !ok {
				// Outside the filtered candidate set.
				continue
			}
			score := base.Score
			depth := 0
			if s := float32(neighbor.Strength); s > score {
				score = s
				depth = neighbor.Depth
			}
			if prev, ok := merged[neighbor.DocumentID]; ok && prev.Score >= score {
				continue
			}
			base.Score = score
			base.GraphDepth = depth
			merged[neighbor.DocumentID] = base
		}
	}
	if len(merged) == 0 {
		return nil, "", false, nil
	}

	pool := make([]models.SearchResult, 0, len(merged))
	for _, r := range merged {
		pool = append(pool, r)
	}
	pool = rank(pool, maxLLMCandidates)

	reasoning, reasonDegraded := p.reasonWithModel(ctx, req.Query, pool)
	results, selectDegraded, err := p.selectWithModel(ctx, req.Query, pool)
	if err != nil {
		return nil, "", false, err
	}
	if selectDegraded {
		return pool, reasoning, true, nil
	}
	return results, reasoning, reasonDegraded, nil
}

// scoreByVector embeds the query and scores every filtered candidate by
// its most similar chunk.
func (p *Planner) scoreByVector(ctx context.Context, req models.SearchRequest) ([]models.SearchResult, error) {
	queryVec, err := p.deps.Embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	cands, err := p.deps.Catalog.ListCandidates(ctx, req.Filters)
	if err != nil {
		return nil, err
	}

	results := make([]models.SearchResult, 0, len(cands))
	for _, cand := range cands {
		var best models.Chunk
		var bestScore float32 = -1
		for _, chunk := range p.chunksFor(ctx, cand) {
			if score := embeddings.CosineSimilarity(queryVec, chunk.Embedding); score > bestScore {
				best, bestScore = chunk, score
			}
		}
		if bestScore < 0 {
			continue
		}
		results = append(results, models.SearchResult{
			DocumentID:   cand.Document.ID,
			Score:        bestScore,
			ChunkID:      best.ID,
			Content:      best.Content,
			Metadata:     cand.Document.Metadata,
			LastAccessed: cand.LastAccessed,
		})
	}
	return results, nil
}

// chunksFor reads a document's chunks, preferring the cache when it
// holds the full set.
func (p *Planner) chunksFor(ctx context.Context, cand catalog.Candidate) []models.Chunk {
	if p.deps.Cache != nil {
		if chunks, ok := p.deps.Cache.Document(cand.Document.ID, cand.Document.ChunkCount); ok {
			return chunks
		}
	}
	chunks, err := p.deps.Catalog.ListChunks(ctx, []string{cand.Document.ID})
	if err != nil {
		p.logger.Warn(ctx, "chunk load failed during search",
			"document_id", cand.Document.ID, "error", err)
		return nil
	}
	if p.deps.Cache != nil {
		for _, chunk := range chunks {
			p.deps.Cache.Put(chunk)
		}
	}
	return chunks
}

// reasonWithModel asks the model to reason over the pool before
// selection. A reasoning failure degrades the response instead of
// failing the search.
func (p *Planner) reasonWithModel(ctx context.Context, query string, pool []models.SearchResult) (string, bool) {
	if len(pool) == 0 {
		return "", false
	}
	docs := make([]string, len(pool))
	for i, r := range pool {
		docs[i] = r.Content
	}

	reasoning, usage, err := p.deps.Selector.Reason(ctx, query, docs)
	if err != nil {
		p.logger.Warn(ctx, "model reasoning failed, degrading", "error", err)
		return "", true
	}
	if p.deps.Metrics != nil && usage.CompletionTokens > 0 {
		p.deps.Metrics.LLMTokensUsed.
			WithLabelValues(p.deps.Selector.Model(), "reason").
			Add(float64(usage.CompletionTokens))
	}
	return reasoning.Text, false
}

// selectWithModel asks the model to rank the pool. A model failure is
// reported as degraded, never as an error.
func (p *Planner) selectWithModel(ctx context.Context, query string, pool []models.SearchResult) ([]models.SearchResult, bool, error) {
	if len(pool) == 0 {
		return nil, false, nil
	}

	byDoc := make(map[string]models.SearchResult, len(pool))
	llmCands := make([]llm.Candidate, len(pool))
	for i, r := range pool {
		byDoc[r.DocumentID] = r
		llmCands[i] = llm.Candidate{ID: r.DocumentID, Content: r.Content}
	}

	selections, usage, err := p.deps.Selector.Select(ctx, query, llmCands)
	if err != nil {
		p.logger.Warn(ctx, "model selection failed, degrading", "error", err)
		return pool, true, nil
	}
	if p.deps.Metrics != nil && usage.CompletionTokens > 0 {
		p.deps.Metrics.LLMTokensUsed.
			WithLabelValues(p.deps.Selector.Model(), "select").
			Add(float64(usage.CompletionTokens))
	}

	results := make([]models.SearchResult, 0, len(selections))
	for _, sel := range selections {
		r, ok := byDoc[sel.ID]
		if !ok {
			continue
		}
		r.Score = sel.Score
		results = append(results, r)
	}
	return results, false, nil
}

// recordAccesses bumps access bookkeeping for returned documents
// without delaying the response.
func (p *Planner) recordAccesses(ctx context.Context, results []models.SearchResult) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.DocumentID
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		for _, id := range ids {
			if err := p.deps.Catalog.RecordAccess(bg, id); err != nil {
				p.logger.Warn(bg, "record access failed", "document_id", id, "error", err)
			}
		}
	}()
}

func aboveThreshold(results []models.SearchResult) []models.SearchResult {
	out := make([]models.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= SimilarityThreshold {
			out = append(out, r)
		}
	}
	return out
}

// rank orders results by score descending, last access descending, and
// document id ascending, and truncates to limit.
func rank(results []models.SearchResult, limit int) []models.SearchResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].LastAccessed.Equal(results[j].LastAccessed) {
			return results[i].LastAccessed.After(results[j].LastAccessed)
		}
		return results[i].DocumentID < results[j].DocumentID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
