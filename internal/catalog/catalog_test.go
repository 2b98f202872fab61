package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDocument(id string) *models.Document {
	return &models.Document{
		ID:       id,
		BlobRef:  "documents/" + id,
		Format:   models.FormatText,
		Metadata: map[string]any{"project": "memvault", "_source": "test"},
	}
}

func testChunks(docID string, n int) []models.Chunk {
	chunks := make([]models.Chunk, n)
	for i := range chunks {
		chunks[i] = models.Chunk{
			DocumentID:  docID,
			ChunkNumber: i,
			Content:     "chunk content",
			TokenCount:  10,
			Embedding:   []float32{float32(i), 1, 2},
		}
	}
	return chunks
}

func TestCreateAndGetDocument(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	doc := testDocument("doc-1")
	if err := s.CreateDocument(ctx, doc, testChunks("doc-1", 3)); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}

	got, chunks, err := s.GetDocumentWithChunks(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetDocumentWithChunks() error = %v", err)
	}
	if got.BlobRef != "documents/doc-1" || got.ChunkCount != 3 || got.TokenCount != 30 {
		t.Errorf("document = %+v", got)
	}
	if got.Metadata["project"] != "memvault" {
		t.Errorf("metadata = %v", got.Metadata)
	}
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	for i, chunk := range chunks {
		if chunk.ChunkNumber != i {
			t.Errorf("chunks[%d].ChunkNumber = %d", i, chunk.ChunkNumber)
		}
		if len(chunk.Embedding) != 3 || chunk.Embedding[0] != float32(i) {
			t.Errorf("chunks[%d].Embedding = %v", i, chunk.Embedding)
		}
	}

	idx, err := s.GetIndex(ctx, "doc-1")
	if err != nil {
		t.Fatalf("GetIndex() error = %v", err)
	}
	if idx.DocumentID != "doc-1" || idx.AccessCount != 0 {
		t.Errorf("index = %+v", idx)
	}
}

func TestCreateDocumentDerivesTokenCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := testChunks("doc-1", 2)
	chunks[0].TokenCount = 17
	chunks[1].TokenCount = 4

	doc := testDocument("doc-1")
	doc.TokenCount = 999 // stale caller value must be ignored
	if err := s.CreateDocument(ctx, doc, chunks); err != nil {
		t.Fatalf("CreateDocument() error = %v", err)
	}
	if doc.TokenCount != 21 {
		t.Errorf("doc.TokenCount = %d, want 21", doc.TokenCount)
	}

	got, err := s.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.TokenCount != 21 {
		t.Errorf("stored TokenCount = %d, want 21", got.TokenCount)
	}
}

func TestCreateDocumentDuplicateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, testDocument("doc-1"), nil); err != nil {
		t.Fatal(err)
	}
	err := s.CreateDocument(ctx, testDocument("doc-1"), nil)
	if memerr.KindOf(err) != memerr.KindValidation {
		t.Errorf("duplicate create error = %v, want validation", err)
	}
}

func TestCreateDocumentDuplicateChunkNumberRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	chunks := testChunks("doc-1", 2)
	chunks[1].ChunkNumber = 0 // violates uq_chunk_doc_number

	err := s.CreateDocument(ctx, testDocument("doc-1"), chunks)
	if memerr.KindOf(err) != memerr.KindValidation {
		t.Fatalf("error = %v, want validation", err)
	}

	// The whole transaction must roll back, including the document row.
	if _, err := s.GetDocument(ctx, "doc-1"); memerr.KindOf(err) != memerr.KindNotFound {
		t.Errorf("document row survived failed create: %v", err)
	}
}

func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDocument(context.Background(), "nope")
	if memerr.KindOf(err) != memerr.KindNotFound {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestReplaceChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, testDocument("doc-1"), testChunks("doc-1", 3)); err != nil {
		t.Fatal(err)
	}

	replacement := testChunks("doc-1", 2)
	replacement[0].TokenCount = 7
	replacement[1].TokenCount = 5
	if err := s.ReplaceChunks(ctx, "doc-1", replacement); err != nil {
		t.Fatalf("ReplaceChunks() error = %v", err)
	}

	doc, chunks, err := s.GetDocumentWithChunks(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Errorf("len(chunks) = %d, want 2", len(chunks))
	}
	if doc.ChunkCount != 2 || doc.TokenCount != 12 {
		t.Errorf("counts = (%d chunks, %d tokens), want (2, 12)", doc.ChunkCount, doc.TokenCount)
	}
}

func TestReplaceChunksMissingDocument(t *testing.T) {
	s := openTestStore(t)
	err := s.ReplaceChunks(context.Background(), "ghost", testChunks("ghost", 1))
	if memerr.KindOf(err) != memerr.KindNotFound {
		t.Errorf("error = %v, want not_found", err)
	}
}

func TestUpdateMetadataPreservesReservedKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, testDocument("doc-1"), nil); err != nil {
		t.Fatal(err)
	}

	merged, err := s.UpdateMetadata(ctx, "doc-1", map[string]any{"owner": "agent-7"})
	if err != nil {
		t.Fatalf("UpdateMetadata() error = %v", err)
	}
	if merged["_source"] != "test" {
		t.Error("reserved key dropped by metadata update")
	}
	if merged["owner"] != "agent-7" {
		t.Error("update key missing after merge")
	}
	if _, ok := merged["project"]; ok {
		t.Error("non-reserved key survived full replacement")
	}

	// The index row mirrors the merged metadata.
	idx, err := s.GetIndex(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if idx.Metadata["owner"] != "agent-7" || idx.Metadata["_source"] != "test" {
		t.Errorf("index metadata = %v", idx.Metadata)
	}
}

func TestDeleteDocumentCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, testDocument("doc-1"), testChunks("doc-1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}

	if _, err := s.GetDocument(ctx, "doc-1"); memerr.KindOf(err) != memerr.KindNotFound {
		t.Error("document survived delete")
	}
	chunks, err := s.GetChunks(ctx, "doc-1")
	if err != nil || len(chunks) != 0 {
		t.Errorf("chunks after delete = (%v, %v)", chunks, err)
	}
	if _, err := s.GetIndex(ctx, "doc-1"); memerr.KindOf(err) != memerr.KindNotFound {
		t.Error("index row survived delete")
	}

	// Idempotent.
	if err := s.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Errorf("second delete error = %v", err)
	}
}

func TestListCandidatesFilters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docA := testDocument("doc-a")
	docA.Metadata = map[string]any{"team": "infra", "tier": 1}
	docB := testDocument("doc-b")
	docB.Metadata = map[string]any{"team": "product"}
	for _, doc := range []*models.Document{docA, docB} {
		if err := s.CreateDocument(ctx, doc, nil); err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListCandidates(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Errorf("unfiltered candidates = %d, want 2", len(all))
	}

	infra, err := s.ListCandidates(ctx, map[string]any{"team": "infra"})
	if err != nil {
		t.Fatal(err)
	}
	if len(infra) != 1 || infra[0].Document.ID != "doc-a" {
		t.Errorf("filtered candidates = %+v", infra)
	}

	// Numeric filters survive the JSON round trip.
	tier, err := s.ListCandidates(ctx, map[string]any{"tier": 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(tier) != 1 {
		t.Errorf("numeric filter matched %d candidates, want 1", len(tier))
	}

	none, err := s.ListCandidates(ctx, map[string]any{"team": "nobody"})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("impossible filter matched %d candidates", len(none))
	}
}

func TestRecordAccess(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.CreateDocument(ctx, testDocument("doc-1"), nil); err != nil {
		t.Fatal(err)
	}
	before, err := s.GetIndex(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.RecordAccess(ctx, "doc-1"); err != nil {
		t.Fatalf("RecordAccess() error = %v", err)
	}

	after, err := s.GetIndex(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if after.AccessCount != before.AccessCount+1 {
		t.Errorf("AccessCount = %d, want %d", after.AccessCount, before.AccessCount+1)
	}
	if !after.LastAccessed.After(before.LastAccessed) {
		t.Error("LastAccessed did not advance")
	}

	// Missing documents are a no-op, not an error.
	if err := s.RecordAccess(ctx, "ghost"); err != nil {
		t.Errorf("RecordAccess(missing) error = %v", err)
	}
}

func TestListChunks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		if err := s.CreateDocument(ctx, testDocument(id), testChunks(id, 2)); err != nil {
			t.Fatal(err)
		}
	}

	chunks, err := s.ListChunks(ctx, []string{"doc-a", "doc-c"})
	if err != nil {
		t.Fatalf("ListChunks() error = %v", err)
	}
	if len(chunks) != 4 {
		t.Errorf("len(chunks) = %d, want 4", len(chunks))
	}
	for _, chunk := range chunks {
		if chunk.DocumentID == "doc-b" {
			t.Error("chunk from unrequested document returned")
		}
	}

	empty, err := s.ListChunks(ctx, nil)
	if err != nil || empty != nil {
		t.Errorf("ListChunks(nil) = (%v, %v), want (nil, nil)", empty, err)
	}
}

func TestEmbeddingCodec(t *testing.T) {
	tests := [][]float32{
		nil,
		{},
		{1.5, -2.25, 0, 3.14159},
	}
	for _, v := range tests {
		got := decodeEmbedding(encodeEmbedding(v))
		if len(v) == 0 {
			if got != nil {
				t.Errorf("decode(encode(%v)) = %v, want nil", v, got)
			}
			continue
		}
		if len(got) != len(v) {
			t.Fatalf("length mismatch: %v vs %v", got, v)
		}
		for i := range v {
			if got[i] != v[i] {
				t.Errorf("component %d: %v != %v", i, got[i], v[i])
			}
		}
	}
}

func TestRecordAccessStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectExec("UPDATE document_indexes").WillReturnError(context.DeadlineExceeded)

	s := NewWithDB(db)
	err = s.RecordAccess(context.Background(), "doc-1")
	if memerr.KindOf(err) != memerr.KindStorage {
		t.Errorf("error = %v, want storage", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateDocumentBeginError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin().WillReturnError(context.DeadlineExceeded)

	s := NewWithDB(db)
	err = s.CreateDocument(context.Background(), testDocument("doc-1"), nil)
	if memerr.KindOf(err) != memerr.KindStorage {
		t.Errorf("error = %v, want storage", err)
	}
}
