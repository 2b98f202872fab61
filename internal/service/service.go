// Package service is the facade over the document workflows and the
// search planner. It validates requests, assigns correlation ids, and
// maps error kinds to transport status codes.
package service

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/haasonsaas/memvault/internal/memerr"
	"github.com/haasonsaas/memvault/internal/observability"
	"github.com/haasonsaas/memvault/internal/pipeline"
	"github.com/haasonsaas/memvault/internal/planner"
	"github.com/haasonsaas/memvault/internal/workflow"
	"github.com/haasonsaas/memvault/pkg/models"
)

const (
	// MaxQueryChars is the longest accepted search query.
	MaxQueryChars = 1000

	// MaxSearchLimit is the largest accepted result limit.
	MaxSearchLimit = 100
)

// Deps holds the components the facade orchestrates.
type Deps struct {
	Engine  *workflow.Engine
	Planner *planner.Planner
	Logger  *observability.Logger
}

// Service exposes the document memory operations.
type Service struct {
	engine  *workflow.Engine
	planner *planner.Planner
	logger  *observability.Logger
}

// New creates the service facade.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Service{
		engine:  deps.Engine,
		planner: deps.Planner,
		logger:  logger.With("component", "service"),
	}
}

// StoreRequest stores a new document.
type StoreRequest struct {
	// RequestID deduplicates retried store calls. Empty means a fresh
	// request.
	RequestID string `json:"request_id,omitempty"`

	// DocumentID is optional; one is assigned when empty.
	DocumentID string `json:"document_id,omitempty"`

	Content  string         `json:"content"`
	Format   models.Format  `json:"format,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// UpdateRequest updates content, metadata, or both.
type UpdateRequest struct {
	RequestID  string         `json:"request_id,omitempty"`
	DocumentID string         `json:"document_id"`
	Content    string         `json:"content,omitempty"`
	Format     models.Format  `json:"format,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// StoreDocument runs the full ingest pipeline and returns the stored
// document. Calls sharing a request id run the pipeline once.
func (s *Service) StoreDocument(ctx context.Context, req StoreRequest) (*models.Document, error) {
	if len(req.Content) == 0 {
		return nil, memerr.New(memerr.KindValidation, "content is required")
	}
	if len(req.Content) > pipeline.MaxContentBytes {
		return nil, memerr.Newf(memerr.KindValidation,
			"content is %d bytes, limit is %d", len(req.Content), pipeline.MaxContentBytes)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.DocumentID == "" {
		req.DocumentID = uuid.New().String()
	}
	ctx = s.correlate(ctx, req.RequestID)

	result, err := s.engine.ExecuteWorkflow(ctx, pipeline.WorkflowStoreDocument,
		req.RequestID, req.DocumentID, &pipeline.DocumentInput{
			DocumentID: req.DocumentID,
			Content:    req.Content,
			Format:     req.Format,
			Metadata:   req.Metadata,
		})
	if err != nil {
		return nil, err
	}
	return result.(*models.Document), nil
}

// GetDocument returns a document with its chunks, decrypting content
// when asked.
func (s *Service) GetDocument(ctx context.Context, id string, withContent bool) (*models.Document, []models.Chunk, error) {
	if id == "" {
		return nil, nil, memerr.New(memerr.KindValidation, "document id is required")
	}
	requestID := uuid.New().String()
	ctx = s.correlate(ctx, requestID)

	result, err := s.engine.ExecuteWorkflow(ctx, pipeline.WorkflowRetrieveDocument,
		requestID, "", &pipeline.LoadInput{DocumentID: id, WithContent: withContent})
	if err != nil {
		return nil, nil, err
	}
	loaded := result.(*pipeline.LoadResult)
	return loaded.Document, loaded.Chunks, nil
}

// UpdateDocument updates a document's content, metadata, or both.
// Updates to the same document are serialized.
func (s *Service) UpdateDocument(ctx context.Context, req UpdateRequest) (*models.Document, error) {
	if req.DocumentID == "" {
		return nil, memerr.New(memerr.KindValidation, "document id is required")
	}
	if req.Content == "" && req.Metadata == nil {
		return nil, memerr.New(memerr.KindValidation, "nothing to update")
	}
	if len(req.Content) > pipeline.MaxContentBytes {
		return nil, memerr.Newf(memerr.KindValidation,
			"content is %d bytes, limit is %d", len(req.Content), pipeline.MaxContentBytes)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	ctx = s.correlate(ctx, req.RequestID)

	result, err := s.engine.ExecuteWorkflow(ctx, pipeline.WorkflowUpdateDocument,
		req.RequestID, req.DocumentID, &pipeline.UpdateInput{
			DocumentID: req.DocumentID,
			Content:    req.Content,
			Format:     req.Format,
			Metadata:   req.Metadata,
		})
	if err != nil {
		return nil, err
	}
	return result.(*models.Document), nil
}

// DeleteDocument removes a document everywhere. Deleting a missing
// document succeeds.
func (s *Service) DeleteDocument(ctx context.Context, requestID, id string) error {
	if id == "" {
		return memerr.New(memerr.KindValidation, "document id is required")
	}
	if requestID == "" {
		requestID = uuid.New().String()
	}
	ctx = s.correlate(ctx, requestID)

	_, err := s.engine.ExecuteWorkflow(ctx, pipeline.WorkflowDeleteDocument, requestID, id, id)
	return err
}

// Search validates and runs a search request.
func (s *Service) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	if req.Query == "" {
		return nil, memerr.New(memerr.KindValidation, "query is required")
	}
	if len([]rune(req.Query)) > MaxQueryChars {
		return nil, memerr.Newf(memerr.KindValidation,
			"query is longer than %d characters", MaxQueryChars)
	}
	if req.Limit > MaxSearchLimit {
		return nil, memerr.Newf(memerr.KindValidation, "limit exceeds %d", MaxSearchLimit)
	}
	strategy, ok := models.ParseStrategy(string(req.Strategy))
	if !ok {
		return nil, memerr.Newf(memerr.KindValidation, "unknown search strategy: %s", req.Strategy)
	}
	req.Strategy = strategy
	ctx = s.correlate(ctx, uuid.New().String())

	return s.planner.Search(ctx, req)
}

func (s *Service) correlate(ctx context.Context, requestID string) context.Context {
	if _, ok := ctx.Value(observability.CorrelationIDKey).(string); !ok {
		ctx = context.WithValue(ctx, observability.CorrelationIDKey, requestID)
	}
	return ctx
}

// HTTPStatus maps an error to the transport status code.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch memerr.KindOf(err) {
	case memerr.KindValidation:
		return http.StatusBadRequest
	case memerr.KindNotFound:
		return http.StatusNotFound
	case memerr.KindAuthentication:
		return http.StatusUnauthorized
	case memerr.KindAuthorization:
		return http.StatusForbidden
	case memerr.KindRate:
		return http.StatusTooManyRequests
	case memerr.KindUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
