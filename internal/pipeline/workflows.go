package pipeline

import (
	"context"

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/observability"
	"github.com/haasonsaas/memvault/internal/workflow"
	"github.com/haasonsaas/memvault/pkg/models"
)

// Workflow names.
const (
	WorkflowStoreDocument    = "store_document"
	WorkflowRetrieveDocument = "retrieve_document"
	WorkflowUpdateDocument   = "update_document"
	WorkflowDeleteDocument   = "delete_document"
)

// UpdateInput drives an update run. An empty Content means a
// metadata-only update.
type UpdateInput struct {
	DocumentID string
	Content    string
	Format     models.Format
	Metadata   map[string]any
}

// RegisterWorkflows registers the document workflows on the engine. The
// activities must be registered on the same engine.
func (p *Pipeline) RegisterWorkflows(e *workflow.Engine) {
	e.RegisterWorkflow(WorkflowStoreDocument, func(ctx context.Context, input any) (any, error) {
		return p.storeDocument(ctx, e, input)
	})
	e.RegisterWorkflow(WorkflowRetrieveDocument, func(ctx context.Context, input any) (any, error) {
		return p.retrieveDocument(ctx, e, input)
	})
	e.RegisterWorkflow(WorkflowUpdateDocument, func(ctx context.Context, input any) (any, error) {
		return p.updateDocument(ctx, e, input)
	})
	e.RegisterWorkflow(WorkflowDeleteDocument, func(ctx context.Context, input any) (any, error) {
		return p.deleteDocument(ctx, e, input)
	})
}

// storeDocument runs validate, chunk, embed, store blob, persist. The
// blob write is compensated when the catalog insert fails so a half
// stored document never survives. Cache and graph population are best
// effort.
func (p *Pipeline) storeDocument(ctx context.Context, e *workflow.Engine, input any) (any, error) {
	validated, err := e.ExecuteActivity(ctx, ActivityValidateDocument, input)
	if err != nil {
		return nil, err
	}
	in := validated.(*DocumentInput)
	ctx = context.WithValue(ctx, observability.DocumentIDKey, in.DocumentID)

	chunked, err := e.ExecuteActivity(ctx, ActivityChunkDocument, &ChunkInput{
		DocumentID: in.DocumentID,
		Content:    in.Content,
		Format:     in.Format,
	})
	if err != nil {
		return nil, err
	}

	embedded, err := e.ExecuteActivity(ctx, ActivityEmbedChunks, chunked)
	if err != nil {
		return nil, err
	}
	chunks := embedded.([]models.Chunk)

	stored, err := e.ExecuteActivity(ctx, ActivityStoreBlob, &BlobInput{
		DocumentID: in.DocumentID,
		Content:    in.Content,
	})
	if err != nil {
		return nil, err
	}
	blobRes := stored.(*BlobResult)

	persisted, err := e.ExecuteActivity(ctx, ActivityPersistCatalog, &PersistInput{
		Document: models.Document{
			ID:          in.DocumentID,
			BlobRef:     blobRes.BlobRef,
			BlobVersion: blobRes.Version,
			Format:      in.Format,
			Metadata:    in.Metadata,
		},
		Chunks: chunks,
	})
	if err != nil {
		p.compensateBlob(ctx, e, in.DocumentID)
		return nil, err
	}
	doc := persisted.(*models.Document)

	if _, cacheErr := e.ExecuteActivity(ctx, ActivityCacheChunks, chunks); cacheErr != nil {
		p.logger.Warn(ctx, "chunk cache population failed", "error", cacheErr)
	}
	if _, graphErr := e.ExecuteActivity(ctx, ActivityGraphInsert, &GraphInput{
		DocumentID: in.DocumentID,
		Content:    in.Content,
		Chunks:     chunkContents(chunks),
	}); graphErr != nil {
		p.logger.Warn(ctx, "graph insert failed", "error", graphErr)
	}

	return doc, nil
}

func (p *Pipeline) retrieveDocument(ctx context.Context, e *workflow.Engine, input any) (any, error) {
	in, ok := input.(*LoadInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "retrieve_document: bad input type")
	}
	loaded, err := e.ExecuteActivity(ctx, ActivityLoadDocument, in)
	if err != nil {
		return nil, err
	}

	// Access bookkeeping must not delay or fail the read.
	bg := context.WithoutCancel(ctx)
	go func() {
		if _, err := e.ExecuteActivity(bg, ActivityRecordAccess, in.DocumentID); err != nil {
			p.logger.Warn(bg, "record access failed", "document_id", in.DocumentID, "error", err)
		}
	}()

	return loaded, nil
}

// updateDocument re-runs the content pipeline when new content is
// given; otherwise it only merges metadata. Either way the document
// must already exist.
func (p *Pipeline) updateDocument(ctx context.Context, e *workflow.Engine, input any) (any, error) {
	in, ok := input.(*UpdateInput)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "update_document: bad input type")
	}
	if in.DocumentID == "" {
		return nil, memerr.New(memerr.KindValidation, "document id is required")
	}
	ctx = context.WithValue(ctx, observability.DocumentIDKey, in.DocumentID)

	loaded, err := e.ExecuteActivity(ctx, ActivityLoadDocument, &LoadInput{DocumentID: in.DocumentID})
	if err != nil {
		return nil, err
	}
	doc := loaded.(*LoadResult).Document

	if in.Content == "" {
		merged, err := e.ExecuteActivity(ctx, ActivityUpdateMetadata, &MetadataInput{
			DocumentID: in.DocumentID,
			Metadata:   in.Metadata,
		})
		if err != nil {
			return nil, err
		}
		doc.Metadata = merged.(map[string]any)
		return doc, nil
	}

	format := in.Format
	if format == "" {
		format = doc.Format
	}
	validated, err := e.ExecuteActivity(ctx, ActivityValidateDocument, &DocumentInput{
		DocumentID: in.DocumentID,
		Content:    in.Content,
		Format:     format,
		Metadata:   in.Metadata,
	})
	if err != nil {
		return nil, err
	}
	vin := validated.(*DocumentInput)

	chunked, err := e.ExecuteActivity(ctx, ActivityChunkDocument, &ChunkInput{
		DocumentID: in.DocumentID,
		Content:    vin.Content,
		Format:     vin.Format,
	})
	if err != nil {
		return nil, err
	}
	embedded, err := e.ExecuteActivity(ctx, ActivityEmbedChunks, chunked)
	if err != nil {
		return nil, err
	}
	chunks := embedded.([]models.Chunk)

	// The blob store is versioned, so the previous content stays
	// addressable if the catalog update fails mid-way.
	stored, err := e.ExecuteActivity(ctx, ActivityStoreBlob, &BlobInput{
		DocumentID: in.DocumentID,
		Content:    vin.Content,
	})
	if err != nil {
		return nil, err
	}
	blobRes := stored.(*BlobResult)

	if _, err := e.ExecuteActivity(ctx, ActivityReplaceChunks, &PersistInput{
		Document: models.Document{ID: in.DocumentID},
		Chunks:   chunks,
	}); err != nil {
		return nil, err
	}

	doc.BlobRef = blobRes.BlobRef
	doc.BlobVersion = blobRes.Version
	doc.Format = vin.Format
	updated, err := e.ExecuteActivity(ctx, ActivityUpdateCatalog, doc)
	if err != nil {
		return nil, err
	}
	doc = updated.(*models.Document)

	if in.Metadata != nil {
		merged, err := e.ExecuteActivity(ctx, ActivityUpdateMetadata, &MetadataInput{
			DocumentID: in.DocumentID,
			Metadata:   in.Metadata,
		})
		if err != nil {
			return nil, err
		}
		doc.Metadata = merged.(map[string]any)
	}

	if _, cacheErr := e.ExecuteActivity(ctx, ActivityUncacheDocument, in.DocumentID); cacheErr != nil {
		p.logger.Warn(ctx, "cache invalidation failed", "error", cacheErr)
	}
	if _, cacheErr := e.ExecuteActivity(ctx, ActivityCacheChunks, chunks); cacheErr != nil {
		p.logger.Warn(ctx, "chunk cache population failed", "error", cacheErr)
	}
	if _, graphErr := e.ExecuteActivity(ctx, ActivityGraphUpdate, &GraphInput{
		DocumentID: in.DocumentID,
		Content:    vin.Content,
		Chunks:     chunkContents(chunks),
		Force:      true,
	}); graphErr != nil {
		p.logger.Warn(ctx, "graph update failed", "error", graphErr)
	}

	// Chunk and token counts changed with the new chunks.
	reloaded, err := e.ExecuteActivity(ctx, ActivityLoadDocument, &LoadInput{DocumentID: in.DocumentID})
	if err != nil {
		return nil, err
	}
	final := reloaded.(*LoadResult).Document
	final.Metadata = doc.Metadata
	return final, nil
}

// deleteDocument removes every trace of a document. Each step tolerates
// the piece already being gone, so reruns succeed.
func (p *Pipeline) deleteDocument(ctx context.Context, e *workflow.Engine, input any) (any, error) {
	id, ok := input.(string)
	if !ok {
		return nil, memerr.New(memerr.KindValidation, "delete_document: bad input type")
	}
	if id == "" {
		return nil, memerr.New(memerr.KindValidation, "document id is required")
	}
	ctx = context.WithValue(ctx, observability.DocumentIDKey, id)

	if _, err := e.ExecuteActivity(ctx, ActivityDeleteBlob, id); err != nil {
		return nil, err
	}
	if _, err := e.ExecuteActivity(ctx, ActivityDeleteCatalog, id); err != nil {
		return nil, err
	}
	if _, err := e.ExecuteActivity(ctx, ActivityUncacheDocument, id); err != nil {
		p.logger.Warn(ctx, "cache invalidation failed", "error", err)
	}
	if _, err := e.ExecuteActivity(ctx, ActivityGraphRemove, id); err != nil {
		p.logger.Warn(ctx, "graph removal failed", "error", err)
	}
	return nil, nil
}

// compensateBlob deletes the blob written by a failed store run.
func (p *Pipeline) compensateBlob(ctx context.Context, e *workflow.Engine, documentID string) {
	bg := context.WithoutCancel(ctx)
	if _, err := e.ExecuteActivity(bg, ActivityDeleteBlob, documentID); err != nil {
		p.logger.Error(bg, "blob compensation failed, orphaned blob remains",
			"document_id", documentID, "error", err)
	}
}

func chunkContents(chunks []models.Chunk) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		out[i] = c.Content
	}
	return out
}
