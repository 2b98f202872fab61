// Package pipeline wires the document storage components into workflow
// activities and registers the document workflows on the engine. Every
// activity is idempotent so retries and reruns are safe.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/memvault/internal/blob"
	"github.com/haasonsaas/memvault/internal/chunkcache"
	"github.com/haasonsaas/memvault/internal/chunker"
	"github.com/haasonsaas/memvault/internal/crypto"
	"github.com/haasonsaas/memvault/internal/embeddings"
	"github.com/haasonsaas/memvault/internal/graph"
	"github.com/haasonsaas/memvault/internal/kms"
	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/observability"
	"github.com/haasonsaas/memvault/internal/workflow"
	"github.com/haasonsaas/memvault/pkg/models"
)

// MaxContentBytes is the largest accepted document content.
const MaxContentBytes = 10 << 20

// Activity names.
const (
	ActivityValidateDocument = "validate_document"
	ActivityChunkDocument    = "chunk_document"
	ActivityEmbedChunks      = "embed_chunks"
	ActivityStoreBlob        = "store_blob"
	ActivityDeleteBlob       = "delete_blob"
	ActivityLoadBlob         = "load_blob"
	ActivityPersistCatalog   = "persist_catalog"
	ActivityReplaceChunks    = "replace_chunks"
	ActivityUpdateCatalog    = "update_catalog"
	ActivityUpdateMetadata   = "update_metadata"
	ActivityDeleteCatalog    = "delete_catalog"
	ActivityLoadDocument     = "load_document"
	ActivityRecordAccess     = "record_access"
	ActivityCacheChunks      = "cache_chunks"
	ActivityUncacheDocument  = "uncache_document"
	ActivityGraphInsert      = "graph_insert"
	ActivityGraphUpdate      = "graph_update"
	ActivityGraphRemove      = "graph_remove"
)

// Catalog is the catalog surface the pipeline needs.
type Catalog interface {
	CreateDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk) error
	GetDocument(ctx context.Context, id string) (*models.Document, error)
	GetDocumentWithChunks(ctx context.Context, id string) (*models.Document, []models.Chunk, error)
	ReplaceChunks(ctx context.Context, documentID string, chunks []models.Chunk) error
	UpdateDocument(ctx context.Context, doc *models.Document) error
	UpdateMetadata(ctx context.Context, id string, update map[string]any) (map[string]any, error)
	DeleteDocument(ctx context.Context, id string) error
	RecordAccess(ctx context.Context, documentID string) error
}

// Deps holds the components the activities operate on.
type Deps struct {
	Chunker  *chunker.Chunker
	Embedder embeddings.Provider
	Keys     kms.KeyManager
	Blobs    blob.Store
	Catalog  Catalog
	Cache    *chunkcache.Cache
	Graph    *graph.Graph
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Pipeline implements the document activities.
type Pipeline struct {
	deps   Deps
	logger *observability.Logger
}

// New creates a pipeline over the given dependencies.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Pipeline{deps: deps, logger: logger.With("component", "pipeline")}
}

// DocumentInput is the validated input of a store or update run.
type DocumentInput struct {
	DocumentID string
	Content    string
	Format     models.Format
	Metadata   map[string]any
}

// ChunkInput asks for a document's content to be chunked.
type ChunkInput struct {
	DocumentID string
	Content    string
	Format     models.Format
}

// BlobInput writes encrypted content for a document.
type BlobInput struct {
	DocumentID string
	Content    string
}

// BlobResult is the stored blob location.
type BlobResult struct {
	BlobRef string
	Version string
}

// PersistInput inserts a document row with its chunks.
type PersistInput struct {
	Document models.Document
	Chunks   []models.Chunk
}

// MetadataInput merges metadata into a document.
type MetadataInput struct {
	DocumentID string
	Metadata   map[string]any
}

// LoadInput fetches a document, optionally with decrypted content.
type LoadInput struct {
	DocumentID  string
	WithContent bool
}

// LoadResult is a loaded document with its chunks.
type LoadResult struct {
	Document *models.Document
	Chunks   []models.Chunk
}

// GraphInput feeds a document into the knowledge graph.
type GraphInput struct {
	DocumentID string
	Content    string
	Chunks     []string
	Force      bool
}

// Register registers every activity on the engine.
func (p *Pipeline) Register(e *workflow.Engine) {
	e.RegisterActivity(ActivityValidateDocument, workflow.Activity{Fn: p.validateDocument,
		Retry: workflow.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, BackoffCoefficient: 2}})
	e.RegisterActivity(ActivityChunkDocument, workflow.Activity{Fn: p.chunkDocument,
		Retry: workflow.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, BackoffCoefficient: 2}})
	e.RegisterActivity(ActivityEmbedChunks, workflow.Activity{Fn: p.embedChunks,
		Timeouts: workflow.TimeoutPolicy{StartToClose: 2 * time.Minute, Heartbeat: 2 * time.Second}})
	e.RegisterActivity(ActivityStoreBlob, workflow.Activity{Fn: p.storeBlob})
	e.RegisterActivity(ActivityDeleteBlob, workflow.Activity{Fn: p.deleteBlob})
	e.RegisterActivity(ActivityLoadBlob, workflow.Activity{Fn: p.loadBlob})
	e.RegisterActivity(ActivityPersistCatalog, workflow.Activity{Fn: p.persistCatalog})
	e.RegisterActivity(ActivityReplaceChunks, workflow.Activity{Fn: p.replaceChunks})
	e.RegisterActivity(ActivityUpdateCatalog, workflow.Activity{Fn: p.updateCatalog})
	e.RegisterActivity(ActivityUpdateMetadata, workflow.Activity{Fn: p.updateMetadata})
	e.RegisterActivity(ActivityDeleteCatalog, workflow.Activity{Fn: p.deleteCatalog})
	e.RegisterActivity(ActivityLoadDocument, workflow.Activity{Fn: p.loadDocument})
	e.RegisterActivity(ActivityRecordAccess, workflow.Activity{Fn: p.recordAccess})
	e.RegisterActivity(ActivityCacheChunks, workflow.Activity{Fn: p.cacheChunks,
		Retry: workflow.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, BackoffCoefficient: 2}})
	e.RegisterActivity(ActivityUncacheDocument, workflow.Activity{Fn: p.uncacheDocument,
		Retry: workflow.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, BackoffCoefficient: 2}})
	e.RegisterActivity(ActivityGraphInsert, workflow.Activity{Fn: p.graphInsert,
		Retry: workflow.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, BackoffCoefficient: 2}})
	e.RegisterActivity(ActivityGraphUpdate, workflow.Activity{Fn: p.graphUpdate,
		Retry: workflow.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, BackoffCoefficient: 2}})
	e.RegisterActivity(ActivityGraphRemove, workflow.Activity{Fn: p.graphRemove,
		Retry: workflow.RetryPolicy{MaxAttempts: 1, InitialInterval: time.Second, BackoffCoefficient: 2}})
}

func (p *Pipeline) validateDocument(_ context.Context, input any) (any, error) {
	in, ok := input.(*DocumentInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "validate_document: bad input type")
	}
	if len(in.Content) == 0 {
		return nil, memerr.New(memerr.KindValidation, "document content is empty")
	}
	if len(in.Content) > MaxContentBytes {
		return nil, memerr.Newf(memerr.KindValidation,
			"document content is %d bytes, limit is %d", len(in.Content), MaxContentBytes)
	}
	if in.Format == "" {
		in.Format = models.FormatText
	}
	if !in.Format.Valid() {
		return nil, memerr.Newf(memerr.KindValidation, "unsupported format: %s", in.Format)
	}
	for key := range in.Metadata {
		if len(key) > 0 && key[:1] == models.ReservedMetadataPrefix {
			return nil, memerr.Newf(memerr.KindValidation, "metadata key %s uses the reserved prefix", key)
		}
	}
	if in.DocumentID == "" {
		in.DocumentID = uuid.New().String()
	}
	return in, nil
}

func (p *Pipeline) chunkDocument(_ context.Context, input any) (any, error) {
	in, ok := input.(*ChunkInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "chunk_document: bad input type")
	}
	pieces, err := p.deps.Chunker.Split(in.Content, in.Format)
	if err != nil {
		return nil, err
	}

	chunks := make([]models.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = models.Chunk{
			ID:            chunkID(in.DocumentID, piece.Number),
			DocumentID:    in.DocumentID,
			ChunkNumber:   piece.Number,
			Content:       piece.Content,
			TokenCount:    piece.TokenCount,
			OverlapTokens: piece.OverlapTokens,
		}
	}
	return chunks, nil
}

// chunkID derives a stable chunk id so retried runs produce identical
// rows.
func chunkID(documentID string, number int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL,
		[]byte(fmt.Sprintf("memvault:chunk:%s:%d", documentID, number))).String()
}

func (p *Pipeline) embedChunks(ctx context.Context, input any) (any, error) {
	chunks, ok := input.([]models.Chunk)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "embed_chunks: bad input type")
	}
	if len(chunks) == 0 {
		return chunks, nil
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Content
	}

	workflow.Heartbeat(ctx)
	start := time.Now()
	vectors, err := p.deps.Embedder.EmbedBatch(ctx, texts)
	workflow.Heartbeat(ctx)
	if err != nil {
		return nil, err
	}
	if p.deps.Metrics != nil {
		p.deps.Metrics.EmbeddingDuration.WithLabelValues(p.deps.Embedder.Name()).
			Observe(time.Since(start).Seconds())
	}

	out := make([]models.Chunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		out[i].Embedding = vectors[i]
	}
	return out, nil
}

func (p *Pipeline) storeBlob(ctx context.Context, input any) (any, error) {
	in, ok := input.(*BlobInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "store_blob: bad input type")
	}

	envelope, err := crypto.Encrypt(ctx, p.deps.Keys, []byte(in.Content))
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "marshal envelope")
	}

	version, err := p.deps.Blobs.Put(ctx, in.DocumentID, payload)
	if err != nil {
		return nil, err
	}
	return &BlobResult{
		BlobRef: fmt.Sprintf("documents/%s", in.DocumentID),
		Version: version,
	}, nil
}

func (p *Pipeline) deleteBlob(ctx context.Context, input any) (any, error) {
	id, ok := input.(string)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "delete_blob: bad input type")
	}
	return nil, p.deps.Blobs.Delete(ctx, id)
}

func (p *Pipeline) loadBlob(ctx context.Context, input any) (any, error) {
	in, ok := input.(*LoadInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "load_blob: bad input type")
	}
	payload, err := p.deps.Blobs.Get(ctx, in.DocumentID, "")
	if err != nil {
		return nil, err
	}

	var envelope crypto.Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, memerr.Wrap(err, memerr.KindStorage, "unmarshal envelope")
	}
	plaintext, err := crypto.Decrypt(ctx, p.deps.Keys, &envelope)
	if err != nil {
		return nil, err
	}
	return string(plaintext), nil
}

func (p *Pipeline) persistCatalog(ctx context.Context, input any) (any, error) {
	in, ok := input.(*PersistInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "persist_catalog: bad input type")
	}
	doc := in.Document
	if err := p.deps.Catalog.CreateDocument(ctx, &doc, in.Chunks); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (p *Pipeline) replaceChunks(ctx context.Context, input any) (any, error) {
	in, ok := input.(*PersistInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "replace_chunks: bad input type")
	}
	return nil, p.deps.Catalog.ReplaceChunks(ctx, in.Document.ID, in.Chunks)
}

func (p *Pipeline) updateCatalog(ctx context.Context, input any) (any, error) {
	doc, ok := input.(*models.Document)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "update_catalog: bad input type")
	}
	if err := p.deps.Catalog.UpdateDocument(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Pipeline) updateMetadata(ctx context.Context, input any) (any, error) {
	in, ok := input.(*MetadataInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "update_metadata: bad input type")
	}
	return p.deps.Catalog.UpdateMetadata(ctx, in.DocumentID, in.Metadata)
}

func (p *Pipeline) deleteCatalog(ctx context.Context, input any) (any, error) {
	id, ok := input.(string)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "delete_catalog: bad input type")
	}
	return nil, p.deps.Catalog.DeleteDocument(ctx, id)
}

func (p *Pipeline) loadDocument(ctx context.Context, input any) (any, error) {
	in, ok := input.(*LoadInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "load_document: bad input type")
	}
	doc, chunks, err := p.deps.Catalog.GetDocumentWithChunks(ctx, in.DocumentID)
	if err != nil {
		return nil, err
	}
	if in.WithContent {
		content, err := p.loadBlob(ctx, in)
		if err != nil {
			return nil, err
		}
		doc.Content = content.(string)
	}
	return &LoadResult{Document: doc, Chunks: chunks}, nil
}

func (p *Pipeline) recordAccess(ctx context.Context, input any) (any, error) {
	id, ok := input.(string)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "record_access: bad input type")
	}
	return nil, p.deps.Catalog.RecordAccess(ctx, id)
}

// cacheChunks is best-effort: a full cache is not an error.
func (p *Pipeline) cacheChunks(ctx context.Context, input any) (any, error) {
	chunks, ok := input.([]models.Chunk)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "cache_chunks: bad input type")
	}
	if p.deps.Cache == nil {
		return 0, nil
	}
	stored := 0
	for _, chunk := range chunks {
		if p.deps.Cache.Put(chunk) {
			stored++
		}
	}
	if stored < len(chunks) {
		p.logger.Debug(ctx, "cache refused some chunks", "stored", stored, "total", len(chunks))
	}
	return stored, nil
}

func (p *Pipeline) uncacheDocument(_ context.Context, input any) (any, error) {
	id, ok := input.(string)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "uncache_document: bad input type")
	}
	if p.deps.Cache != nil {
		p.deps.Cache.DeleteDocument(id)
	}
	return nil, nil
}

func (p *Pipeline) graphInsert(_ context.Context, input any) (any, error) {
	in, ok := input.(*GraphInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "graph_insert: bad input type")
	}
	if p.deps.Graph != nil {
		p.deps.Graph.Insert(in.DocumentID, in.Content, in.Chunks)
	}
	return nil, nil
}

func (p *Pipeline) graphUpdate(_ context.Context, input any) (any, error) {
	in, ok := input.(*GraphInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "graph_update: bad input type")
	}
	if p.deps.Graph != nil {
		p.deps.Graph.Update(in.DocumentID, in.Content, in.Chunks, in.Force)
	}
	return nil, nil
}

func (p *Pipeline) graphRemove(_ context.Context, input any) (any, error) {
	id, ok := input.(string)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "graph_remove: bad input type")
	}
	if p.deps.Graph != nil {
		p.deps.Graph.Remove(id)
	}
	return nil, nil
}
