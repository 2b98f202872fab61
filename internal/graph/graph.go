// Package graph maintains an in-memory knowledge graph linking
// documents through shared entities. The graph is bipartite: document
// nodes connect to entity nodes with weighted edges, and related
// documents are found by walking document-entity-document paths.
package graph

import (
	"container/heap"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/haasonsaas/memvault/internal/observability"
)

// DefaultMaxDepth is the default traversal depth in document hops.
const DefaultMaxDepth = 3

// DefaultMinStrength is the default cutoff for path strength during
// traversal.
const DefaultMinStrength = 0.7

// MaxNeighbors caps the result set of a traversal.
const MaxNeighbors = 100

// Weight components for the default extractor.
const (
	bodyWeight  = 0.6
	chunkWeight = 0.4
	weightFloor = 0.1
)

// Extractor derives weighted entities from document content.
type Extractor interface {
	// Extract returns entity names mapped to weights in (0, 1].
	Extract(content string, chunks []string) map[string]float64
}

// TermExtractor is the default extractor: lowercase terms longer than
// three runes, weighted by body frequency and chunk frequency, max-
// normalized with a floor.
type TermExtractor struct {
	// MinLength is the minimum term length. Default: 4.
	MinLength int
}

var _ Extractor = (*TermExtractor)(nil)

// Extract implements Extractor.
func (e *TermExtractor) Extract(content string, chunks []string) map[string]float64 {
	minLen := e.MinLength
	if minLen <= 0 {
		minLen = 4
	}

	bodyFreq := termFrequencies(content, minLen)

	// Chunk contributions accumulate: a term spread across many chunks
	// outweighs the same count packed into one.
	chunkFreq := make(map[string]float64)
	for _, chunk := range chunks {
		for term, n := range termFrequencies(chunk, minLen) {
			chunkFreq[term] += n
		}
	}

	combined := make(map[string]float64, len(bodyFreq))
	for term, n := range bodyFreq {
		combined[term] = bodyWeight * n
	}
	for term, n := range chunkFreq {
		combined[term] += chunkWeight * n
	}
	if len(combined) == 0 {
		return nil
	}

	max := 0.0
	for _, w := range combined {
		if w > max {
			max = w
		}
	}
	for term, w := range combined {
		w /= max
		if w < weightFloor {
			w = weightFloor
		}
		combined[term] = w
	}
	return combined
}

func termFrequencies(text string, minLen int) map[string]float64 {
	freq := make(map[string]float64)
	for _, field := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		term := strings.ToLower(field)
		if len([]rune(term)) < minLen {
			continue
		}
		freq[term]++
	}
	return freq
}

// Neighbor is a document reachable from a traversal source.
type Neighbor struct {
	DocumentID string
	// Strength is the product of edge weights along the best path,
	// in (0, 1].
	Strength float64
	// Depth is the number of document hops on that path.
	Depth int
	// CommonEntities are entities shared with the traversal source,
	// strongest first.
	CommonEntities []string
}

// Graph is a concurrency-safe bipartite document/entity graph.
type Graph struct {
	extractor Extractor
	metrics   *observability.Metrics

	mu          sync.RWMutex
	docEntities map[string]map[string]float64
	entityDocs  map[string]map[string]float64
}

// New creates an empty graph. A nil extractor uses TermExtractor;
// metrics may be nil.
func New(extractor Extractor, metrics *observability.Metrics) *Graph {
	if extractor == nil {
		extractor = &TermExtractor{}
	}
	return &Graph{
		extractor:   extractor,
		metrics:     metrics,
		docEntities: make(map[string]map[string]float64),
		entityDocs:  make(map[string]map[string]float64),
	}
}

// Insert adds a document to the graph. Inserting an existing document
// re-extracts its entities.
func (g *Graph) Insert(documentID, content string, chunks []string) {
	entities := g.extractor.Extract(content, chunks)

	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(documentID)
	g.insertLocked(documentID, entities)
	g.gaugeLocked()
}

// Update re-extracts a document's entities. Unless force is set, a
// document that is not in the graph stays out of it.
func (g *Graph) Update(documentID, content string, chunks []string, force bool) {
	entities := g.extractor.Extract(content, chunks)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.docEntities[documentID]; !ok && !force {
		return
	}
	g.removeLocked(documentID)
	g.insertLocked(documentID, entities)
	g.gaugeLocked()
}

// Remove deletes a document and prunes entities left without any
// documents.
func (g *Graph) Remove(documentID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(documentID)
	g.gaugeLocked()
}

// Contains reports whether a document is in the graph.
func (g *Graph) Contains(documentID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.docEntities[documentID]
	return ok
}

// Stats returns document and entity node counts.
func (g *Graph) Stats() (documents, entities int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.docEntities), len(g.entityDocs)
}

func (g *Graph) insertLocked(documentID string, entities map[string]float64) {
	if len(entities) == 0 {
		// Keep the node so Contains and Update behave, even with no
		// extractable entities.
		g.docEntities[documentID] = map[string]float64{}
		return
	}
	g.docEntities[documentID] = entities
	for entity, weight := range entities {
		docs, ok := g.entityDocs[entity]
		if !ok {
			docs = make(map[string]float64)
			g.entityDocs[entity] = docs
		}
		docs[documentID] = weight
	}
}

func (g *Graph) removeLocked(documentID string) {
	entities, ok := g.docEntities[documentID]
	if !ok {
		return
	}
	delete(g.docEntities, documentID)
	for entity := range entities {
		docs := g.entityDocs[entity]
		delete(docs, documentID)
		if len(docs) == 0 {
			delete(g.entityDocs, entity)
		}
	}
}

func (g *Graph) gaugeLocked() {
	if g.metrics == nil {
		return
	}
	g.metrics.GraphNodes.WithLabelValues("document").Set(float64(len(g.docEntities)))
	g.metrics.GraphNodes.WithLabelValues("entity").Set(float64(len(g.entityDocs)))
}

// traversal state for the best-first walk.
type walkItem struct {
	docID    string
	strength float64
	depth    int
}

type walkQueue []walkItem

func (q walkQueue) Len() int { return len(q) }
func (q walkQueue) Less(i, j int) bool {
	if q[i].strength != q[j].strength {
		return q[i].strength > q[j].strength
	}
	return q[i].docID < q[j].docID
}
func (q walkQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *walkQueue) Push(x any)   { *q = append(*q, x.(walkItem)) }
func (q *walkQueue) Pop() any {
	old := *q
	item := old[len(old)-1]
	*q = old[:len(old)-1]
	return item
}

// Neighbors returns documents related to the source, best-first. A hop
// is document-entity-document; path strength is the product of edge
// weights, and paths weaker than minStrength are cut. Results are
// ordered by strength descending then document id, capped at
// MaxNeighbors.
func (g *Graph) Neighbors(documentID string, maxDepth int, minStrength float64) []Neighbor {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.docEntities[documentID]; !ok {
		return nil
	}

	best := map[string]walkItem{
		documentID: {docID: documentID, strength: 1, depth: 0},
	}
	queue := &walkQueue{{docID: documentID, strength: 1, depth: 0}}

	for queue.Len() > 0 {
		item := heap.Pop(queue).(walkItem)
		if item.strength < best[item.docID].strength {
			continue // stale entry
		}
		if item.depth >= maxDepth {
			continue
		}

		for entity, outWeight := range g.docEntities[item.docID] {
			for nextDoc, inWeight := range g.entityDocs[entity] {
				if nextDoc == item.docID {
					continue
				}
				strength := item.strength * outWeight * inWeight
				if strength < minStrength {
					continue
				}
				if prev, seen := best[nextDoc]; seen && prev.strength >= strength {
					continue
				}
				next := walkItem{docID: nextDoc, strength: strength, depth: item.depth + 1}
				best[nextDoc] = next
				heap.Push(queue, next)
			}
		}
	}

	neighbors := make([]Neighbor, 0, len(best)-1)
	for id, item := range best {
		if id == documentID {
			continue
		}
		neighbors = append(neighbors, Neighbor{
			DocumentID:     id,
			Strength:       item.strength,
			Depth:          item.depth,
			CommonEntities: g.commonEntitiesLocked(documentID, id),
		})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].Strength != neighbors[j].Strength {
			return neighbors[i].Strength > neighbors[j].Strength
		}
		return neighbors[i].DocumentID < neighbors[j].DocumentID
	})
	if len(neighbors) > MaxNeighbors {
		neighbors = neighbors[:MaxNeighbors]
	}
	return neighbors
}

// commonEntitiesLocked returns the entities both documents carry,
// ordered by the average of their two edge weights descending, ties by
// name.
func (g *Graph) commonEntitiesLocked(a, b string) []string {
	type shared struct {
		name   string
		weight float64
	}
	var common []shared
	for entity, wa := range g.docEntities[a] {
		if wb, ok := g.docEntities[b][entity]; ok {
			common = append(common, shared{name: entity, weight: (wa + wb) / 2})
		}
	}
	if len(common) == 0 {
		return nil
	}
	sort.Slice(common, func(i, j int) bool {
		if common[i].weight != common[j].weight {
			return common[i].weight > common[j].weight
		}
		return common[i].name < common[j].name
	})
	names := make([]string, len(common))
	for i, s := range common {
		names[i] = s.name
	}
	return names
}
