package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/fabfab/rag-backend/evaluation"
	"github.com/fabfab/rag-backend/ingestion"
	"github.com/fabfab/rag-backend/models"
	"github.com/fabfab/rag-backend/search"
	"github.com/fabfab/rag-backend/store"
)

// Server exposes the search, evaluation, and ingestion workflows over HTTP.
type Server struct {
	searcher *search.Service
	engine   *evaluation.Engine
	ingester *ingestion.Service
	chunks   store.ChunkStore
	logger   *log.Logger
	handler  http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type ingestRequest struct {
	Dir string `json:"dir"`
}

type deleteResponse struct {
	DocumentID string `json:"document_id"`
	Removed    int    `json:"removed"`
}

func New(searcher *search.Service, engine *evaluation.Engine, ingester *ingestion.Service, chunks store.ChunkStore, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	s := &Server{
		searcher: searcher,
		engine:   engine,
		ingester: ingester,
		chunks:   chunks,
		logger:   logger,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/search", s.handleSearch)
	mux.HandleFunc("/v1/evaluate", s.handleEvaluate)
	mux.HandleFunc("/v1/ingest", s.handleIngest)
	mux.HandleFunc("/v1/documents", s.handleDocuments)
	mux.HandleFunc("/v1/documents/", s.handleDocumentByID)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	req := models.DefaultSearchRequest()
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}

	resp, err := s.searcher.Search(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, search.ErrRetrievalFailed) || errors.Is(err, store.ErrMetricMismatch) {
			status = http.StatusInternalServerError
		}
		s.writeError(w, status, fmt.Errorf("search failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	var req models.EvaluationRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	resp, err := s.engine.Evaluate(r.Context(), req)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, evaluation.ErrEvaluationBackend) {
			status = http.StatusBadGateway
		}
		s.writeError(w, status, fmt.Errorf("evaluation failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.methodNotAllowed(w, http.MethodPost)
		return
	}

	if s.ingester == nil {
		s.writeError(w, http.StatusServiceUnavailable, fmt.Errorf("ingestion is not configured"))
		return
	}

	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	dir := strings.TrimSpace(req.Dir)
	if dir == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("dir is required"))
		return
	}

	if err := s.ingester.IngestDirectory(r.Context(), dir); err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("ingestion failed: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ingestion complete"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}

	docs, err := s.chunks.Documents(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("list documents: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, models.DocumentListResponse{Documents: docs, Total: len(docs)})
}

func (s *Server) handleDocumentByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		s.methodNotAllowed(w, http.MethodDelete)
		return
	}

	docID := strings.TrimPrefix(r.URL.Path, "/v1/documents/")
	if docID == "" || strings.Contains(docID, "/") {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("document id is required"))
		return
	}

	var (
		removed int
		err     error
	)
	if s.ingester != nil {
		removed, err = s.ingester.DeleteDocument(r.Context(), docID)
	} else {
		removed, err = s.chunks.DeleteByDocument(r.Context(), docID)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("delete document: %w", err))
		return
	}

	s.writeJSON(w, http.StatusOK, deleteResponse{DocumentID: docID, Removed: removed})
}

func (s *Server) methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed, use %s", allowed))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Printf("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Printf("api error (%d): %v", status, err)
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
