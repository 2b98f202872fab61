// Package catalog persists document records, chunks, and per-document
// index rows in SQLite. It is the source of truth for everything except
// raw content bytes, which live in the blob store.
package catalog

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/pkg/models"
)

// Store is the SQLite-backed document catalog.
type Store struct {
	db *sql.DB
}

// Candidate is a document with its index bookkeeping, as returned to
// the retrieval planner.
type Candidate struct {
	Document     models.Document
	LastAccessed time.Time
	AccessCount  int64
}

// Open opens (or creates) the catalog database and runs migrations.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "open catalog")
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing database handle without migrating. Used
// by tests that drive the store against a mock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) migrate() error {
	statements := []string{
		`PRAGMA foreign_keys = ON`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			blob_ref TEXT NOT NULL,
			blob_version TEXT NOT NULL DEFAULT '',
			format TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			token_count INTEGER NOT NULL DEFAULT 0,
			chunk_count INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			chunk_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			overlap_tokens INTEGER NOT NULL DEFAULT 0,
			embedding BLOB,
			created_at DATETIME NOT NULL,
			CONSTRAINT fk_chunk_doc FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE,
			CONSTRAINT uq_chunk_doc_number UNIQUE (document_id, chunk_number),
			CONSTRAINT ck_chunk_tokens_nonneg CHECK (token_count >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS document_indexes (
			id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL UNIQUE,
			metadata TEXT NOT NULL DEFAULT '{}',
			last_accessed DATETIME NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			CONSTRAINT fk_index_doc FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id)`,
		`CREATE INDEX IF NOT EXISTS idx_indexes_last_accessed ON document_indexes(last_accessed)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return memerr.Wrap(err, memerr.KindStorage, "migrate catalog")
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateDocument inserts a document, its chunks, and its index row in
// one transaction.
func (s *Store) CreateDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error {
	if doc.ID == "" {
		return memerr.New(memerr.KindValidation, "document id is required")
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	metadata, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}

	// Token count is derived from the chunks, never trusted from the
	// caller.
	tokenCount := 0
	for _, chunk := range chunks {
		tokenCount += chunk.TokenCount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "begin transaction")
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, blob_ref, blob_version, format, metadata, token_count, chunk_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.BlobRef, doc.BlobVersion, string(doc.Format), metadata,
		tokenCount, len(chunks), doc.CreatedAt, doc.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return memerr.Newf(memerr.KindValidation, "document %s already exists", doc.ID)
		}
		return memerr.Wrap(err, memerr.KindStorage, "insert document")
	}

	if err := insertChunks(ctx, tx, doc.ID, chunks, now); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_indexes (id, document_id, metadata, last_accessed, access_count)
		VALUES (?, ?, ?, ?, 0)`,
		uuid.New().String(), doc.ID, metadata, now,
	)
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "insert document index")
	}

	if err := tx.Commit(); err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "commit transaction")
	}
	doc.TokenCount = tokenCount
	doc.ChunkCount = len(chunks)
	return nil
}

// GetDocument returns a document record by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, blob_ref, blob_version, format, metadata, token_count, chunk_count, created_at, updated_at
		FROM documents WHERE id = ?`, id)
	return scanDocument(row, id)
}

// GetChunks returns a document's chunks ordered by chunk number.
func (s *Store) GetChunks(ctx context.Context, documentID string) ([]models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, chunk_number, content, token_count, overlap_tokens, embedding, created_at
		FROM chunks WHERE document_id = ? ORDER BY chunk_number`, documentID)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "query chunks")
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetDocumentWithChunks returns a document and its chunks.
func (s *Store) GetDocumentWithChunks(ctx context.Context, id string) (*models.Document, []models.Chunk, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	chunks, err := s.GetChunks(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return doc, chunks, nil
}

// ReplaceChunks swaps a document's chunks for a new set and refreshes
// the document's derived counts, in one transaction.
func (s *Store) ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "begin transaction")
	}
	defer rollback(tx)

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, documentID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return memerr.Newf(memerr.KindNotFound, "document %s not found", documentID)
	}
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "read document")
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, documentID); err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "delete old chunks")
	}
	if err := insertChunks(ctx, tx, documentID, chunks, now); err != nil {
		return err
	}

	tokenCount := 0
	for _, chunk := range chunks {
		tokenCount += chunk.TokenCount
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET token_count = ?, chunk_count = ?, updated_at = ? WHERE id = ?`,
		tokenCount, len(chunks), now, documentID,
	)
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "update document counts")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return memerr.Newf(memerr.KindNotFound, "document %s not found", documentID)
	}

	if err := tx.Commit(); err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "commit transaction")
	}
	return nil
}

// UpdateDocument updates a document's blob reference, format, and
// metadata.
func (s *Store) UpdateDocument(ctx context.Context, doc *models.Document) error {
	metadata, err := marshalMetadata(doc.Metadata)
	if err != nil {
		return err
	}
	doc.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE documents SET blob_ref = ?, blob_version = ?, format = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		doc.BlobRef, doc.BlobVersion, string(doc.Format), metadata, doc.UpdatedAt, doc.ID,
	)
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "update document")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return memerr.Newf(memerr.KindNotFound, "document %s not found", doc.ID)
	}
	return nil
}

// UpdateMetadata merges an update into a document's metadata, keeping
// reserved keys, and mirrors the result onto the index row. It returns
// the merged metadata.
func (s *Store) UpdateMetadata(ctx context.Context, id string, update map[string]any) (map[string]any, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "begin transaction")
	}
	defer rollback(tx)

	var raw string
	err = tx.QueryRowContext(ctx, `SELECT metadata FROM documents WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.Newf(memerr.KindNotFound, "document %s not found", id)
	}
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "read metadata")
	}

	existing, err := unmarshalMetadata(raw)
	if err != nil {
		return nil, err
	}
	merged := models.MergeMetadata(existing, update)
	encoded, err := marshalMetadata(merged)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET metadata = ?, updated_at = ? WHERE id = ?`, encoded, now, id); err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "update document metadata")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE document_indexes SET metadata = ? WHERE document_id = ?`, encoded, id); err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "update index metadata")
	}

	if err := tx.Commit(); err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "commit transaction")
	}
	return merged, nil
}

// DeleteDocument removes a document with its chunks and index row.
// Deleting a missing document is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "begin transaction")
	}
	defer rollback(tx)

	// Explicit child deletes so cascade does not depend on the
	// foreign_keys pragma being set on this connection.
	for _, stmt := range []string{
		`DELETE FROM chunks WHERE document_id = ?`,
		`DELETE FROM document_indexes WHERE document_id = ?`,
		`DELETE FROM documents WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return memerr.Wrap(err, memerr.KindStorage, "delete document")
		}
	}

	if err := tx.Commit(); err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "commit transaction")
	}
	return nil
}

// ListCandidates returns documents whose metadata matches every filter
// exactly, with their access bookkeeping. Nil filters match everything.
func (s *Store) ListCandidates(ctx context.Context, filters map[string]any) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.blob_ref, d.blob_version, d.format, d.metadata, d.token_count, d.chunk_count,
		       d.created_at, d.updated_at, i.last_accessed, i.access_count
		FROM documents d
		JOIN document_indexes i ON i.document_id = d.id
		ORDER BY d.id`)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "query candidates")
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var (
			doc  models.Document
			raw  string
			cand Candidate
		)
		if err := rows.Scan(&doc.ID, &doc.BlobRef, &doc.BlobVersion, &doc.Format, &raw,
			&doc.TokenCount, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt,
			&cand.LastAccessed, &cand.AccessCount); err != nil {
			return nil, memerr.Wrap(err, memerr.KindStorage, "scan candidate")
		}
		if doc.Metadata, err = unmarshalMetadata(raw); err != nil {
			return nil, err
		}
		if !matchesFilters(doc.Metadata, filters) {
			continue
		}
		cand.Document = doc
		candidates = append(candidates, cand)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "iterate candidates")
	}
	return candidates, nil
}

// ListChunks returns all chunks for the given documents, ordered by
// document id and chunk number.
func (s *Store) ListChunks(ctx context.Context, documentIDs []string) ([]models.Chunk, error) {
	if len(documentIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(documentIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(documentIDs))
	for i, id := range documentIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, document_id, chunk_number, content, token_count, overlap_tokens, embedding, created_at
		FROM chunks WHERE document_id IN (%s) ORDER BY document_id, chunk_number`, placeholders), args...)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "query chunks")
	}
	defer rows.Close()
	return scanChunks(rows)
}

// RecordAccess bumps a document's access bookkeeping. Missing index
// rows are a no-op so access recording never fails a search.
func (s *Store) RecordAccess(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE document_indexes SET last_accessed = ?, access_count = access_count + 1
		WHERE document_id = ?`, time.Now().UTC(), documentID)
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "record access")
	}
	return nil
}

// GetIndex returns the index row for a document.
func (s *Store) GetIndex(ctx context.Context, documentID string) (*models.DocumentIndex, error) {
	var (
		idx models.DocumentIndex
		raw string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, metadata, last_accessed, access_count
		FROM document_indexes WHERE document_id = ?`, documentID).
		Scan(&idx.ID, &idx.DocumentID, &raw, &idx.LastAccessed, &idx.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.Newf(memerr.KindNotFound, "index for document %s not found", documentID)
	}
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "query index")
	}
	if idx.Metadata, err = unmarshalMetadata(raw); err != nil {
		return nil, err
	}
	return &idx, nil
}

func insertChunks(ctx context.Context, tx *sql.Tx, documentID string, chunks []models.Chunk, now time.Time) error {
	if len(chunks) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO chunks (id, document_id, chunk_number, content, token_count, overlap_tokens, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return memerr.Wrap(err, memerr.KindStorage, "prepare chunk insert")
	}
	defer stmt.Close()

	for i := range chunks {
		chunk := &chunks[i]
		if chunk.ID == "" {
			chunk.ID = uuid.New().String()
		}
		if chunk.CreatedAt.IsZero() {
			chunk.CreatedAt = now
		}
		chunk.DocumentID = documentID

		if _, err := stmt.ExecContext(ctx,
			chunk.ID, documentID, chunk.ChunkNumber, chunk.Content,
			chunk.TokenCount, chunk.OverlapTokens, encodeEmbedding(chunk.Embedding), chunk.CreatedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return memerr.Newf(memerr.KindValidation,
					"duplicate chunk number %d for document %s", chunk.ChunkNumber, documentID)
			}
			return memerr.Wrap(err, memerr.KindStorage, "insert chunk")
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner, id string) (*models.Document, error) {
	var (
		doc models.Document
		raw string
	)
	err := row.Scan(&doc.ID, &doc.BlobRef, &doc.BlobVersion, &doc.Format, &raw,
		&doc.TokenCount, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.Newf(memerr.KindNotFound, "document %s not found", id)
	}
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "scan document")
	}
	if doc.Metadata, err = unmarshalMetadata(raw); err != nil {
		return nil, err
	}
	return &doc, nil
}

func scanChunks(rows *sql.Rows) ([]models.Chunk, error) {
	var chunks []models.Chunk
	for rows.Next() {
		var (
			chunk     models.Chunk
			embedding []byte
		)
		if err := rows.Scan(&chunk.ID, &chunk.DocumentID, &chunk.ChunkNumber, &chunk.Content,
			&chunk.TokenCount, &chunk.OverlapTokens, &embedding, &chunk.CreatedAt); err != nil {
			return nil, memerr.Wrap(err, memerr.KindStorage, "scan chunk")
		}
		chunk.Embedding = decodeEmbedding(embedding)
		chunks = append(chunks, chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "iterate chunks")
	}
	return chunks, nil
}

// matchesFilters reports whether metadata satisfies every filter with
// an exact match. Values are compared by their string rendering, which
// absorbs the int/float64 drift of JSON round trips.
func matchesFilters(metadata, filters map[string]any) bool {
	for k, want := range filters {
		got, ok := metadata[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", memerr.Wrap(err, memerr.KindValidation, "marshal metadata")
	}
	return string(data), nil
}

func unmarshalMetadata(raw string) (map[string]any, error) {
	if raw == "" || raw == "{}" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "unmarshal metadata")
	}
	return m, nil
}

// encodeEmbedding packs a float32 vector into little-endian bytes.
func encodeEmbedding(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeEmbedding(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		_ = err
	}
}
