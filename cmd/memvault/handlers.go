// handlers.go implements the command handlers: application wiring, the
// HTTP API, and the one-shot CLI operations.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/memvault/internal/blob"
	"github.com/haasonsaas/memvault/internal/catalog"
	"github.com/haasonsaas/memvault/internal/chunkcache"
	"github.com/haasonsaas/memvault/internal/chunker"
	"github.com/haasonsaas/memvault/internal/config"
	"github.com/haasonsaas/memvault/internal/embeddings/openai"
	"github.com/haasonsaas/memvault/internal/graph"
	"github.com/haasonsaas/memvault/internal/kms"
	"github.com/haasonsaas/memvault/internal/llm"
	"github.com/haasonsaas/memvault/internal/observability"
	"github.com/haasonsaas/memvault/internal/pipeline"
	"github.com/haasonsaas/memvault/internal/planner"
	"github.com/haasonsaas/memvault/internal/service"
	"github.com/haasonsaas/memvault/internal/tokenizer"
	"github.com/haasonsaas/memvault/internal/workflow"
	"github.com/haasonsaas/memvault/pkg/models"
)

// app holds the wired components of a running memvault instance.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	service *service.Service

	keys    kms.KeyManager
	blobs   blob.Store
	catalog *catalog.Store
	cache   *chunkcache.Cache

	shutdownTracer func(context.Context) error
}

// buildApp constructs every component from configuration. OPENAI_API_KEY
// overrides the config file key.
func buildApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	metrics := observability.NewMetrics()
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "memvault",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	apiKey := cfg.OpenAI.APIKey
	if env := os.Getenv("OPENAI_API_KEY"); env != "" {
		apiKey = env
	}

	counter, err := tokenizer.NewCounter(cfg.Chunker.Model)
	if err != nil {
		return nil, err
	}
	embedder, err := openai.New(openai.Config{
		APIKey:  apiKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.EmbeddingModel,
	})
	if err != nil {
		return nil, err
	}
	selector, err := llm.New(llm.Config{
		APIKey:  apiKey,
		BaseURL: cfg.OpenAI.BaseURL,
		Model:   cfg.OpenAI.CompletionModel,
	})
	if err != nil {
		return nil, err
	}

	keys, err := kms.NewAWS(ctx, kms.AWSConfig{
		KeyID:       cfg.KMS.KeyID,
		Region:      cfg.KMS.Region,
		KeyCacheTTL: cfg.KMS.KeyCacheTTL,
	})
	if err != nil {
		return nil, err
	}
	blobs, err := blob.NewS3(ctx, blob.S3Config{
		Bucket:          cfg.Blob.Bucket,
		Region:          cfg.Blob.Region,
		Endpoint:        cfg.Blob.Endpoint,
		Prefix:          cfg.Blob.Prefix,
		AccessKeyID:     cfg.Blob.AccessKeyID,
		SecretAccessKey: cfg.Blob.SecretAccessKey,
		UsePathStyle:    cfg.Blob.UsePathStyle,
		MaxRetries:      cfg.Blob.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		return nil, err
	}

	cache := chunkcache.New(chunkcache.Options{
		MaxEntries:      cfg.Cache.MaxSize,
		TTL:             cfg.Cache.TTL,
		SweepInterval:   cfg.Cache.CleanupInterval,
		MemoryBudget:    cfg.Cache.MemoryBudget,
		MemoryThreshold: cfg.Cache.MemoryThreshold,
	}, metrics)
	docGraph := graph.New(&graph.TermExtractor{}, metrics)

	engine := workflow.NewEngine(workflow.Options{
		MaxConcurrentActivities: cfg.Workflow.MaxConcurrentActivities,
		MaxCachedWorkflows:      cfg.Workflow.MaxCachedWorkflows,
		DefaultTimeouts: workflow.TimeoutPolicy{
			ScheduleToClose: cfg.Workflow.ScheduleToClose,
			StartToClose:    cfg.Workflow.StartToClose,
			Heartbeat:       cfg.Workflow.Heartbeat,
		},
		Logger:  logger,
		Metrics: metrics,
	})
	pipe := pipeline.New(pipeline.Deps{
		Chunker:  chunker.New(chunker.Config{TargetSize: cfg.Chunker.TargetSize, Overlap: cfg.Chunker.Overlap}, counter),
		Embedder: embedder,
		Keys:     keys,
		Blobs:    blobs,
		Catalog:  cat,
		Cache:    cache,
		Graph:    docGraph,
		Logger:   logger,
		Metrics:  metrics,
	})
	pipe.Register(engine)
	pipe.RegisterWorkflows(engine)

	plan := planner.New(planner.Deps{
		Catalog:  cat,
		Cache:    cache,
		Embedder: embedder,
		Selector: selector,
		Graph:    docGraph,
		Logger:   logger,
		Metrics:  metrics,
		Tracer:   tracer,
	})

	return &app{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		service:        service.New(service.Deps{Engine: engine, Planner: plan, Logger: logger}),
		keys:           keys,
		blobs:          blobs,
		catalog:        cat,
		cache:          cache,
		shutdownTracer: shutdownTracer,
	}, nil
}

func (a *app) close(ctx context.Context) {
	a.cache.Close()
	if err := a.catalog.Close(); err != nil {
		a.logger.Warn(ctx, "catalog close failed", "error", err)
	}
	if err := a.blobs.Close(); err != nil {
		a.logger.Warn(ctx, "blob store close failed", "error", err)
	}
	if err := a.keys.Close(); err != nil {
		a.logger.Warn(ctx, "key manager close failed", "error", err)
	}
	if err := a.shutdownTracer(ctx); err != nil {
		a.logger.Warn(ctx, "tracer shutdown failed", "error", err)
	}
}

func runServe(ctx context.Context, configPath, listen string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	// The blob store must be versioned and encrypted at rest before any
	// document is accepted.
	if err := a.blobs.Verify(ctx); err != nil {
		return fmt.Errorf("blob store verification failed: %w", err)
	}

	server := &http.Server{
		Addr:              listen,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info(ctx, "server listening", "addr", listen, "version", version)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/documents", a.handleStore)
	mux.HandleFunc("GET /v1/documents/{id}", a.handleGet)
	mux.HandleFunc("PATCH /v1/documents/{id}", a.handleUpdate)
	mux.HandleFunc("DELETE /v1/documents/{id}", a.handleDelete)
	mux.HandleFunc("POST /v1/search", a.handleSearch)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (a *app) handleStore(w http.ResponseWriter, r *http.Request) {
	var req service.StoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-ID")
	}
	doc, err := a.service.StoreDocument(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (a *app) handleGet(w http.ResponseWriter, r *http.Request) {
	withContent := r.URL.Query().Get("content") == "true"
	doc, chunks, err := a.service.GetDocument(r.Context(), r.PathValue("id"), withContent)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"document": doc,
		"chunks":   chunks,
	})
}

func (a *app) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req service.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.DocumentID = r.PathValue("id")
	if req.RequestID == "" {
		req.RequestID = r.Header.Get("X-Request-ID")
	}
	doc, err := a.service.UpdateDocument(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *app) handleDelete(w http.ResponseWriter, r *http.Request) {
	err := a.service.DeleteDocument(r.Context(), r.Header.Get("X-Request-ID"), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *app) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	resp, err := a.service.Search(r.Context(), req)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, service.HTTPStatus(err), err.Error())
}

func runStore(ctx context.Context, configPath, path, id, format string, metadata []string) error {
	content, err := readInput(path)
	if err != nil {
		return err
	}
	meta, err := parseKV(metadata)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	doc, err := a.service.StoreDocument(ctx, service.StoreRequest{
		DocumentID: id,
		Content:    string(content),
		Format:     models.Format(format),
		Metadata:   meta,
	})
	if err != nil {
		return err
	}
	return printJSON(doc)
}

func runGet(ctx context.Context, configPath, id string, withContent bool) error {
	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	doc, chunks, err := a.service.GetDocument(ctx, id, withContent)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"document": doc, "chunks": chunks})
}

func runSearch(ctx context.Context, configPath, query, strategy string, limit int, filters []string) error {
	filterMap, err := parseKV(filters)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	resp, err := a.service.Search(ctx, models.SearchRequest{
		Query:    query,
		Strategy: models.Strategy(strategy),
		Filters:  filterMap,
		Limit:    limit,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runUpdate(ctx context.Context, configPath, id, file, format string, metadata []string) error {
	var content string
	if file != "" {
		data, err := readInput(file)
		if err != nil {
			return err
		}
		content = string(data)
	}
	meta, err := parseKV(metadata)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	doc, err := a.service.UpdateDocument(ctx, service.UpdateRequest{
		DocumentID: id,
		Content:    content,
		Format:     models.Format(format),
		Metadata:   meta,
	})
	if err != nil {
		return err
	}
	return printJSON(doc)
}

func runDelete(ctx context.Context, configPath, id string) error {
	a, err := buildApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	if err := a.service.DeleteDocument(ctx, "", id); err != nil {
		return err
	}
	fmt.Println("deleted", id)
	return nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

// parseKV turns repeated key=value flags into a metadata map.
func parseKV(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair: %q", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
