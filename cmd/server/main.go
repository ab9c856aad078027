package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamcoop/rulestage/internal/columnar"
	"github.com/liamcoop/rulestage/internal/logger"
	"github.com/liamcoop/rulestage/record"
	"github.com/liamcoop/rulestage/rulebooks"
	"github.com/liamcoop/rulestage/rules"
	"github.com/liamcoop/rulestage/stage"
)

const (
	arrowStreamType      = "application/vnd.apache.arrow.stream"
	slowRequestThreshold = time.Second
)

type Server struct {
	db      *sql.DB
	catalog *rulebooks.Catalog
	stages  *stage.Manager
	router  *chi.Mux
}

// NewServer connects to databaseURL and keeps rulebooks there. An empty URL keeps
// rulebooks in memory.
func NewServer(databaseURL, namespace string) (*Server, error) {
	if databaseURL == "" {
		return NewServerWithStore(nil, rulebooks.NewInMemoryStore())
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewServerWithStore(db, rulebooks.NewPostgresStore(db, namespace))
}

// NewServerWithStore builds a server over an existing rulebook store. db may be nil.
func NewServerWithStore(db *sql.DB, store rulebooks.Store) (*Server, error) {
	catalog, err := rulebooks.NewCatalog(store, rulebooks.NewInMemoryCompiledCache(rulebooks.DefaultCacheConfig()), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create rulebook catalog: %w", err)
	}

	s := &Server{
		db:      db,
		catalog: catalog,
		stages:  stage.NewManager(catalog),
	}

	s.setupRoutes()

	return s, nil
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/v1/health", s.handleHealth)
	r.Get("/api/v1/metrics", s.handleMetrics)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/rulebooks", func(r chi.Router) {
		r.Get("/", s.handleListRulebooks)
		r.Post("/", s.handleCreateRulebook)

		r.Route("/{rulebookId}", func(r chi.Router) {
			r.Get("/", s.handleGetRulebook)
			r.Put("/", s.handleUpdateRulebook)
			r.Delete("/", s.handleDeleteRulebook)
		})
	})

	r.Route("/api/v1/stages", func(r chi.Router) {
		r.Get("/", s.handleListStages)
		r.Post("/", s.handleCreateStage)

		r.Route("/{stageName}", func(r chi.Router) {
			r.Get("/", s.handleGetStage)
			r.Put("/", s.handleReplaceStage)
			r.Delete("/", s.handleDeleteStage)
			r.Post("/transform", s.handleTransform)
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestLogger logs each request through the structured logger and counts slow ones.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		logger.Debug("Request handled",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", elapsed.String(),
			"request_id", middleware.GetReqID(r.Context()))
		if elapsed > slowRequestThreshold {
			logger.WarnSlowRequest()
			logger.Warn("Slow request", "method", r.Method, "path", r.URL.Path, "duration", elapsed.String())
		}
	})
}

// Health check handler
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Storage: "memory",
		Stages:  len(s.stages.ListStages()),
	}

	if s.db != nil {
		resp.Storage = "postgres"
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Status = "unhealthy"
			resp.Error = err.Error()
			respondJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// Metrics handler
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	resp := MetricsResponse{
		Rows: RowMetrics{
			Processed:        logger.RowsProcessed.Load(),
			Emitted:          logger.RowsEmitted.Load(),
			Skipped:          logger.RowsSkipped.Load(),
			CoercionFailures: logger.CoercionFailures.Load(),
			ActionFailures:   logger.ActionFailures.Load(),
		},
		HTTP: HTTPMetrics{
			Errors:       logger.TotalErrors.Load(),
			Warnings:     logger.TotalWarnings.Load(),
			Status5xx:    logger.Total5xxErrors.Load(),
			Status4xx:    logger.Total4xxErrors.Load(),
			SlowRequests: logger.SlowRequests.Load(),
		},
		Stages: make(map[string]stage.Stats),
	}

	for _, name := range s.stages.ListStages() {
		// A stage deleted since ListStages is left out.
		if stats, err := s.stages.Stats(name); err == nil {
			resp.Stages[name] = stats
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// List rulebooks handler
func (s *Server) handleListRulebooks(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.List()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list rulebooks", err)
		return
	}
	if entries == nil {
		entries = []*rulebooks.Entry{}
	}

	respondJSON(w, http.StatusOK, RulebooksListResponse{Rulebooks: entries})
}

// Create rulebook handler
func (s *Server) handleCreateRulebook(w http.ResponseWriter, r *http.Request) {
	var req RulebookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if strings.TrimSpace(req.Source) == "" {
		respondError(w, http.StatusBadRequest, "source is required", nil)
		return
	}

	// Compiled before it is stored
	entry, err := s.catalog.Create(req.Source, activeOrDefault(req.Active))
	if err != nil {
		respondCatalogError(w, "failed to create rulebook", err)
		return
	}

	respondJSON(w, http.StatusCreated, entry)
}

// Get rulebook handler
func (s *Server) handleGetRulebook(w http.ResponseWriter, r *http.Request) {
	entry, err := s.catalog.Get(chi.URLParam(r, "rulebookId"))
	if err != nil {
		respondCatalogError(w, "failed to get rulebook", err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// Update rulebook handler. Stages already built from the rulebook keep their
// compiled copy until they are replaced.
func (s *Server) handleUpdateRulebook(w http.ResponseWriter, r *http.Request) {
	var req RulebookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if strings.TrimSpace(req.Source) == "" {
		respondError(w, http.StatusBadRequest, "source is required", nil)
		return
	}

	entry, err := s.catalog.Update(chi.URLParam(r, "rulebookId"), req.Source, activeOrDefault(req.Active))
	if err != nil {
		respondCatalogError(w, "failed to update rulebook", err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}

// Delete rulebook handler
func (s *Server) handleDeleteRulebook(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.Delete(chi.URLParam(r, "rulebookId")); err != nil {
		respondCatalogError(w, "failed to delete rulebook", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// List stages handler
func (s *Server) handleListStages(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StagesListResponse{Stages: s.stages.ListStages()})
}

// Create stage handler
func (s *Server) handleCreateStage(w http.ResponseWriter, r *http.Request) {
	var req CreateStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.stages.CreateStage(req.Name, req.Config); err != nil {
		respondStageError(w, "failed to create stage", err)
		return
	}

	s.respondStage(w, http.StatusCreated, req.Name)
}

// Get stage handler
func (s *Server) handleGetStage(w http.ResponseWriter, r *http.Request) {
	s.respondStage(w, http.StatusOK, chi.URLParam(r, "stageName"))
}

// Replace stage handler (zero downtime: running batches finish on the old stage)
func (s *Server) handleReplaceStage(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stageName")

	var req CreateStageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if err := s.stages.ReplaceStage(name, req.Config); err != nil {
		respondStageError(w, "failed to replace stage", err)
		return
	}

	s.respondStage(w, http.StatusOK, name)
}

// Delete stage handler
func (s *Server) handleDeleteStage(w http.ResponseWriter, r *http.Request) {
	if err := s.stages.DeleteStage(chi.URLParam(r, "stageName")); err != nil {
		respondStageError(w, "failed to delete stage", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Transform handler. Records come back as JSON, or as an Arrow IPC stream when the
// client accepts one; in that case error entries are only counted in a header.
func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "stageName")

	var req TransformRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	startTime := time.Now()

	out, err := s.stages.Transform(name, req.Records)
	if err != nil {
		respondStageError(w, "transform failed", err)
		return
	}

	processingTime := time.Since(startTime)
	DefaultMetrics.RecordBatch(name, len(req.Records), processingTime)

	if strings.Contains(r.Header.Get("Accept"), arrowStreamType) {
		var buf bytes.Buffer
		if err := columnar.WriteIPC(&buf, out.Schema, out.Records); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to encode arrow response", err)
			return
		}
		w.Header().Set("Content-Type", arrowStreamType)
		w.Header().Set("X-Error-Count", fmt.Sprint(len(out.Errors)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(buf.Bytes()); err != nil {
			logger.Error("Failed to write arrow response", "stage", name, "error", err)
		}
		return
	}

	resp := TransformResponse{
		Records:        out.Records,
		Errors:         out.Errors,
		ProcessingTime: processingTime.String(),
	}
	if resp.Records == nil {
		resp.Records = []*record.Row{}
	}
	if resp.Errors == nil {
		resp.Errors = []stage.InvalidEntry{}
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) respondStage(w http.ResponseWriter, status int, name string) {
	st, err := s.stages.GetStage(name)
	if err != nil {
		respondStageError(w, "stage not found", err)
		return
	}
	stats, err := s.stages.Stats(name)
	if err != nil {
		respondStageError(w, "stage not found", err)
		return
	}

	rb := st.Rulebook()
	ruleNames := make([]string, 0, len(rb.Rules))
	for _, rule := range rb.Rules {
		ruleNames = append(ruleNames, rule.Name)
	}

	respondJSON(w, status, StageResponse{
		Name:            st.Name(),
		Rulebook:        rb.Name,
		RulebookVersion: rb.Version,
		Rules:           ruleNames,
		Schema:          st.Schema().Name,
		Fields:          st.Schema().FieldNames(),
		Stats:           stats,
	})
}

func activeOrDefault(active *bool) bool {
	return active == nil || *active
}

// Helper functions
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string, err error) {
	if status >= 500 {
		logger.ErrorHttp5xx()
		logger.Error(message, "status", status, "error", err)
	} else {
		logger.WarnHttp4xx()
	}

	response := ErrorResponse{Error: message}
	if err != nil {
		response.Details = err.Error()
	}
	respondJSON(w, status, response)
}

func respondCatalogError(w http.ResponseWriter, message string, err error) {
	var cerr *rules.CompilationError
	switch {
	case errors.Is(err, rulebooks.ErrNotFound):
		respondError(w, http.StatusNotFound, "rulebook not found", err)
	case errors.Is(err, rulebooks.ErrAlreadyExists):
		respondError(w, http.StatusConflict, message, err)
	case errors.As(err, &cerr):
		respondError(w, http.StatusBadRequest, "invalid rulebook", err)
	default:
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

func respondStageError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, stage.ErrStageNotFound):
		respondError(w, http.StatusNotFound, "stage not found", err)
	case errors.Is(err, stage.ErrStageExists):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, rulebooks.ErrNotFound):
		respondError(w, http.StatusNotFound, "rulebook not found", err)
	case errors.Is(err, rulebooks.ErrInactive):
		respondError(w, http.StatusConflict, message, err)
	case errors.Is(err, rules.ErrNotInitialized):
		respondError(w, http.StatusInternalServerError, message, err)
	default:
		// Configuration problems: bad names, rulebooks or schemas
		respondError(w, http.StatusBadRequest, message, err)
	}
}

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	namespace := os.Getenv("RULEBOOK_NAMESPACE")
	if namespace == "" {
		namespace = "default"
	}

	server, err := NewServer(databaseURL, namespace)
	if err != nil {
		logger.Fatal("Failed to create server", "error", err)
	}
	if server.db != nil {
		defer server.db.Close()
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Server starting", "port", port, "persistent", server.db != nil, "namespace", namespace)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	for _, name := range server.stages.ListStages() {
		_ = server.stages.DeleteStage(name)
	}

	logger.Info("Server stopped")
	_ = logger.Shutdown(ctx)
}
