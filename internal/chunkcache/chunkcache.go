// Package chunkcache provides an in-memory LRU cache for document
// chunks with per-entry TTL, a memory budget, and a background sweeper.
// It is a read-through accelerator in front of the catalog; eviction
// never loses data.
package chunkcache

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/memvault/internal/observability"
	"github.com/haasonsaas/memvault/pkg/models"
)

// Options configures the cache.
type Options struct {
	// MaxEntries is the entry cap before LRU eviction. Default: 1000.
	MaxEntries int

	// TTL is how long an entry stays valid. Default: 1h.
	TTL time.Duration

	// SweepInterval is how often expired entries are collected in the
	// background. Zero disables the sweeper. Default: 5m.
	SweepInterval time.Duration

	// MemoryBudget is the total byte budget. Default: 256 MiB.
	MemoryBudget int64

	// MemoryThreshold is the fraction of MemoryBudget above which Put
	// refuses new entries. Default: 0.75.
	MemoryThreshold float64
}

// DefaultOptions returns the default cache options.
func DefaultOptions() Options {
	return Options{
		MaxEntries:      1000,
		TTL:             time.Hour,
		SweepInterval:   5 * time.Minute,
		MemoryBudget:    256 << 20,
		MemoryThreshold: 0.75,
	}
}

// Stats is a point-in-time snapshot of cache state and counters.
type Stats struct {
	Entries     int
	Bytes       int64
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	Expirations uint64
	Rejections  uint64
}

type entry struct {
	chunk   models.Chunk
	bytes   int64
	expires time.Time
	element *list.Element
}

// Cache is an LRU+TTL chunk cache. All operations are safe for
// concurrent use.
type Cache struct {
	opts    Options
	metrics *observability.Metrics

	mu      sync.Mutex
	entries map[string]*entry
	byDoc   map[string]map[string]struct{}
	order   *list.List // front = most recently used; values are chunk ids
	bytes   int64
	stats   Stats

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// New creates a cache and starts its background sweeper. Call Close to
// stop the sweeper. metrics may be nil.
func New(opts Options, metrics *observability.Metrics) *Cache {
	def := DefaultOptions()
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = def.MaxEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = def.TTL
	}
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = def.MemoryBudget
	}
	if opts.MemoryThreshold <= 0 || opts.MemoryThreshold > 1 {
		opts.MemoryThreshold = def.MemoryThreshold
	}

	c := &Cache{
		opts:    opts,
		metrics: metrics,
		entries: make(map[string]*entry),
		byDoc:   make(map[string]map[string]struct{}),
		order:   list.New(),
		now:     time.Now,
		done:    make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go c.sweeper(opts.SweepInterval)
	}
	return c
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *Cache) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Get returns a cached chunk by id. Expired entries miss and are
// removed on the spot.
func (c *Cache) Get(id string) (models.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		c.stats.Misses++
		c.countOp("get_miss")
		return models.Chunk{}, false
	}
	if c.now().After(e.expires) {
		c.removeLocked(id, e)
		c.stats.Expirations++
		c.stats.Misses++
		c.countOp("get_expired")
		return models.Chunk{}, false
	}

	c.order.MoveToFront(e.element)
	c.stats.Hits++
	c.countOp("get_hit")
	return e.chunk, true
}

// Put stores a chunk. It reports false without storing when the cache
// is over its memory threshold, or when the entry alone exceeds the
// whole budget. An existing entry with the same id is replaced.
func (c *Cache) Put(chunk models.Chunk) bool {
	size := chunkBytes(chunk)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[chunk.ID]; ok {
		c.removeLocked(chunk.ID, old)
	}

	threshold := int64(float64(c.opts.MemoryBudget) * c.opts.MemoryThreshold)
	if c.bytes+size > threshold {
		c.stats.Rejections++
		c.countOp("put_rejected")
		return false
	}

	for len(c.entries) >= c.opts.MaxEntries {
		c.evictOldestLocked()
	}

	e := &entry{
		chunk:   chunk,
		bytes:   size,
		expires: c.now().Add(c.opts.TTL),
	}
	e.element = c.order.PushFront(chunk.ID)
	c.entries[chunk.ID] = e
	if e.chunk.DocumentID != "" {
		ids, ok := c.byDoc[chunk.DocumentID]
		if !ok {
			ids = make(map[string]struct{})
			c.byDoc[chunk.DocumentID] = ids
		}
		ids[chunk.ID] = struct{}{}
	}
	c.bytes += size
	c.gaugeBytes()
	c.countOp("put")
	return true
}

// Document returns the cached chunks of a document ordered by chunk
// number, but only when all want chunks are resident and fresh. A
// partial set reports false so callers fall back to the catalog.
func (c *Cache) Document(documentID string, want int) ([]models.Chunk, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.byDoc[documentID]
	if want <= 0 || len(ids) < want {
		c.stats.Misses++
		c.countOp("doc_miss")
		return nil, false
	}

	now := c.now()
	chunks := make([]models.Chunk, 0, want)
	for id := range ids {
		e, ok := c.entries[id]
		if !ok || now.After(e.expires) {
			c.stats.Misses++
			c.countOp("doc_miss")
			return nil, false
		}
		chunks = append(chunks, e.chunk)
	}
	if len(chunks) != want {
		c.stats.Misses++
		c.countOp("doc_miss")
		return nil, false
	}

	for id := range ids {
		c.order.MoveToFront(c.entries[id].element)
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].ChunkNumber < chunks[j].ChunkNumber })
	c.stats.Hits++
	c.countOp("doc_hit")
	return chunks, true
}

// Delete removes a chunk by id. Missing ids are a no-op.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		c.removeLocked(id, e)
		c.countOp("delete")
	}
}

// DeleteDocument removes every cached chunk of a document.
func (c *Cache) DeleteDocument(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.byDoc[documentID] {
		if e, ok := c.entries[id]; ok {
			c.removeLocked(id, e)
		}
	}
	delete(c.byDoc, documentID)
	c.countOp("delete_document")
}

// Sweep removes all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for id, e := range c.entries {
		if now.After(e.expires) {
			c.removeLocked(id, e)
			removed++
		}
	}
	c.stats.Expirations += uint64(removed)
	if removed > 0 {
		c.countOp("sweep")
	}
	return removed
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	s.Bytes = c.bytes
	return s
}

func (c *Cache) evictOldestLocked() {
	back := c.order.Back()
	if back == nil {
		return
	}
	id := back.Value.(string)
	if e, ok := c.entries[id]; ok {
		c.removeLocked(id, e)
		c.stats.Evictions++
		c.countOp("evict")
	}
}

func (c *Cache) removeLocked(id string, e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, id)
	if docID := e.chunk.DocumentID; docID != "" {
		if ids, ok := c.byDoc[docID]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(c.byDoc, docID)
			}
		}
	}
	c.bytes -= e.bytes
	c.gaugeBytes()
}

func (c *Cache) countOp(op string) {
	if c.metrics != nil {
		c.metrics.CacheOps.WithLabelValues(op).Inc()
	}
}

func (c *Cache) gaugeBytes() {
	if c.metrics != nil {
		c.metrics.CacheBytes.Set(float64(c.bytes))
	}
}

// chunkBytes estimates the resident size of a chunk entry.
func chunkBytes(chunk models.Chunk) int64 {
	return int64(len(chunk.ID) + len(chunk.DocumentID) + len(chunk.Content) + 4*len(chunk.Embedding))
}
