package chunkcache

import (
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/memvault/pkg/models"
)

func newTestCache(opts Options) *Cache {
	opts.SweepInterval = 0 // no background goroutine in tests
	return New(opts, nil)
}

func testChunk(id, docID, content string) models.Chunk {
	return models.Chunk{ID: id, DocumentID: docID, Content: content}
}

func TestPutGetRoundTrip(t *testing.T) {
	c := newTestCache(Options{})
	defer c.Close()

	chunk := testChunk("c1", "d1", "some chunk content")
	if !c.Put(chunk) {
		t.Fatal("Put() = false, want stored")
	}

	got, ok := c.Get("c1")
	if !ok || got.Content != chunk.Content {
		t.Errorf("Get() = (%+v, %v), want stored chunk", got, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should miss")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("Stats() = %+v, want 1 hit, 1 miss, 1 entry", stats)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(Options{TTL: time.Minute})
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(testChunk("c1", "d1", "content"))

	now = now.Add(30 * time.Second)
	if _, ok := c.Get("c1"); !ok {
		t.Error("entry expired before TTL")
	}

	now = now.Add(45 * time.Second)
	if _, ok := c.Get("c1"); ok {
		t.Error("entry survived past TTL")
	}
	if c.Stats().Expirations != 1 {
		t.Errorf("Expirations = %d, want 1", c.Stats().Expirations)
	}
}

func TestLRUEviction(t *testing.T) {
	c := newTestCache(Options{MaxEntries: 3})
	defer c.Close()

	for i := 1; i <= 3; i++ {
		c.Put(testChunk(fmt.Sprintf("c%d", i), "d1", "x"))
	}
	// Touch c1 so c2 becomes the eviction candidate.
	c.Get("c1")
	c.Put(testChunk("c4", "d1", "x"))

	if _, ok := c.Get("c2"); ok {
		t.Error("least recently used entry c2 should have been evicted")
	}
	for _, id := range []string{"c1", "c3", "c4"} {
		if _, ok := c.Get(id); !ok {
			t.Errorf("entry %s should still be cached", id)
		}
	}
	if c.Stats().Evictions != 1 {
		t.Errorf("Evictions = %d, want 1", c.Stats().Evictions)
	}
}

func TestMemoryThresholdRejectsPut(t *testing.T) {
	// Budget 100 bytes, threshold 0.5: resident bytes may not pass 50.
	c := newTestCache(Options{MemoryBudget: 100, MemoryThreshold: 0.5})
	defer c.Close()

	if !c.Put(models.Chunk{ID: "a", Content: "0123456789012345678901234567890123456789"}) {
		t.Fatal("first Put should fit under threshold")
	}
	if c.Put(models.Chunk{ID: "b", Content: "0123456789012345678901234567890123456789"}) {
		t.Error("Put over memory threshold should be refused")
	}

	stats := c.Stats()
	if stats.Rejections != 1 {
		t.Errorf("Rejections = %d, want 1", stats.Rejections)
	}
	if stats.Entries != 1 {
		t.Errorf("Entries = %d, want 1 (rejected put must not store)", stats.Entries)
	}
}

func TestPutReplacesExisting(t *testing.T) {
	c := newTestCache(Options{})
	defer c.Close()

	c.Put(testChunk("c1", "d1", "old"))
	c.Put(testChunk("c1", "d1", "new"))

	got, ok := c.Get("c1")
	if !ok || got.Content != "new" {
		t.Errorf("Get() = (%+v, %v), want replaced content", got, ok)
	}
	if c.Stats().Entries != 1 {
		t.Errorf("Entries = %d, want 1", c.Stats().Entries)
	}
}

func TestDeleteDocumentRemovesAllChunks(t *testing.T) {
	c := newTestCache(Options{})
	defer c.Close()

	c.Put(testChunk("c1", "doc-a", "x"))
	c.Put(testChunk("c2", "doc-a", "y"))
	c.Put(testChunk("c3", "doc-b", "z"))

	c.DeleteDocument("doc-a")

	for _, id := range []string{"c1", "c2"} {
		if _, ok := c.Get(id); ok {
			t.Errorf("chunk %s of deleted document still cached", id)
		}
	}
	if _, ok := c.Get("c3"); !ok {
		t.Error("chunk of unrelated document was removed")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	c := newTestCache(Options{TTL: time.Minute})
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(testChunk("old", "d1", "x"))
	now = now.Add(45 * time.Second)
	c.Put(testChunk("new", "d1", "y"))
	now = now.Add(30 * time.Second) // old at 75s, new at 30s

	if removed := c.Sweep(); removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("unexpired entry removed by sweep")
	}
}

func TestBytesAccounting(t *testing.T) {
	c := newTestCache(Options{})
	defer c.Close()

	chunk := models.Chunk{ID: "c1", DocumentID: "d1", Content: "hello", Embedding: []float32{1, 2, 3}}
	c.Put(chunk)

	want := int64(len("c1") + len("d1") + len("hello") + 4*3)
	if got := c.Stats().Bytes; got != want {
		t.Errorf("Bytes = %d, want %d", got, want)
	}

	c.Delete("c1")
	if got := c.Stats().Bytes; got != 0 {
		t.Errorf("Bytes after delete = %d, want 0", got)
	}
}

func TestDocumentReadRequiresFullSet(t *testing.T) {
	c := newTestCache(Options{TTL: time.Minute})
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(models.Chunk{ID: "c1", DocumentID: "d1", ChunkNumber: 1, Content: "second"})
	c.Put(models.Chunk{ID: "c0", DocumentID: "d1", ChunkNumber: 0, Content: "first"})

	chunks, ok := c.Document("d1", 2)
	if !ok || len(chunks) != 2 {
		t.Fatalf("Document() = (%v, %v), want both chunks", chunks, ok)
	}
	if chunks[0].ChunkNumber != 0 || chunks[1].ChunkNumber != 1 {
		t.Errorf("chunks out of order: %+v", chunks)
	}

	// A partial set misses.
	if _, ok := c.Document("d1", 3); ok {
		t.Error("Document() reported a hit with chunks missing")
	}

	// An expired member turns the whole read into a miss.
	now = now.Add(2 * time.Minute)
	if _, ok := c.Document("d1", 2); ok {
		t.Error("Document() reported a hit with expired chunks")
	}
}
