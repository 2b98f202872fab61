// Package models defines the core data types for memvault.
package models

import (
	"time"
)

// Format identifies the source format of a stored document.
type Format string

const (
	// FormatText is plain UTF-8 text.
	FormatText Format = "text"
	// FormatMarkdown is Markdown text.
	FormatMarkdown Format = "markdown"
	// FormatJSON is a JSON document stored as text.
	FormatJSON Format = "json"
)

// Valid reports whether the format is one of the supported values.
func (f Format) Valid() bool {
	switch f {
	case FormatText, FormatMarkdown, FormatJSON:
		return true
	}
	return false
}

// Document represents a stored document. Content bytes live in the blob
// store; the catalog row carries the reference plus derived metadata.
type Document struct {
	// ID is the unique identifier for the document.
	ID string `json:"id"`

	// BlobRef is the blob store key holding the encrypted content.
	BlobRef string `json:"blob_ref"`

	// BlobVersion is the blob store version id of the current content.
	BlobVersion string `json:"blob_version,omitempty"`

	// Format is the source format of the content.
	Format Format `json:"format"`

	// Metadata contains caller-supplied document metadata.
	// Keys prefixed with "_" are reserved and preserved across updates.
	Metadata map[string]any `json:"metadata,omitempty"`

	// TokenCount is the sum of the token counts of all chunks.
	TokenCount int `json:"token_count"`

	// ChunkCount is the number of chunks the document was split into.
	ChunkCount int `json:"chunk_count,omitempty"`

	// Content is the decrypted document text. Populated only when the
	// caller asked for content to be loaded.
	Content string `json:"content,omitempty"`

	// CreatedAt is when the document was stored.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the document was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Chunk is a contiguous segment of a document sized to fit a model's
// token budget. Chunks are the unit of embedding and retrieval.
type Chunk struct {
	// ID is the unique identifier for this chunk.
	ID string `json:"id"`

	// DocumentID links this chunk to its parent document.
	DocumentID string `json:"document_id"`

	// ChunkNumber is the position within the document, contiguous from 0.
	ChunkNumber int `json:"chunk_number"`

	// Content is the chunk text, including any overlap from neighbors.
	Content string `json:"content"`

	// TokenCount is the token count of Content.
	TokenCount int `json:"token_count"`

	// Embedding is the unit-normalized vector for semantic search.
	// Nil until the embedding activity has run.
	Embedding []float32 `json:"-"`

	// OverlapTokens is the number of tokens contributed by neighbor
	// overlap, kept for diagnostics.
	OverlapTokens int `json:"overlap_tokens,omitempty"`

	// CreatedAt is when the chunk was created.
	CreatedAt time.Time `json:"created_at"`
}

// DocumentIndex is the per-document retrieval bookkeeping row.
// Exactly one index exists per document.
type DocumentIndex struct {
	// ID is the unique identifier for the index row.
	ID string `json:"id"`

	// DocumentID references the owning document (1:1).
	DocumentID string `json:"document_id"`

	// Metadata contains index metadata. Keys prefixed with "_" are
	// reserved and survive metadata updates.
	Metadata map[string]any `json:"metadata,omitempty"`

	// LastAccessed is the last retrieval or search hit time.
	LastAccessed time.Time `json:"last_accessed"`

	// AccessCount is the number of recorded accesses.
	AccessCount int64 `json:"access_count"`
}

// ReservedMetadataPrefix marks metadata keys that are preserved across
// metadata updates.
const ReservedMetadataPrefix = "_"

// MergeMetadata applies an update on top of existing metadata, keeping
// reserved keys from the existing map unless the update sets them.
func MergeMetadata(existing, update map[string]any) map[string]any {
	if update == nil && existing == nil {
		return nil
	}
	merged := make(map[string]any, len(update)+4)
	for k, v := range existing {
		if len(k) > 0 && k[:1] == ReservedMetadataPrefix {
			merged[k] = v
		}
	}
	for k, v := range update {
		merged[k] = v
	}
	return merged
}
