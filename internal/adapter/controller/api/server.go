// Package api exposes workflow sessions over HTTP and websockets.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/archmesh/archmesh/internal/application/dto"
	"github.com/archmesh/archmesh/internal/application/port/output"
	"github.com/archmesh/archmesh/internal/application/workflow"
	"github.com/archmesh/archmesh/internal/buildinfo"
	wf "github.com/archmesh/archmesh/internal/domain/workflow"
)

// DefaultMaxDocumentBytes bounds uploaded documents
const DefaultMaxDocumentBytes = 10 << 20

// HealthFunc checks one dependency
type HealthFunc func(ctx context.Context) error

// Config holds the HTTP surface settings
type Config struct {
	Token            string   // bearer token; empty disables auth
	AllowedOrigins   []string // CORS origins
	MaxDocumentBytes int64
}

// Deps are the collaborators the API serves
type Deps struct {
	Controller *workflow.Controller
	Reporter   *workflow.Reporter
	Storage    output.StorageGateway
	Hub        *Hub
	Metrics    *Metrics
	Health     map[string]HealthFunc
	Logger     *slog.Logger
}

// Server routes HTTP requests to the workflow application layer
type Server struct {
	cfg        Config
	controller *workflow.Controller
	reporter   *workflow.Reporter
	storage    output.StorageGateway
	hub        *Hub
	metrics    *Metrics
	health     map[string]HealthFunc
	logger     *slog.Logger
}

// NewServer creates the HTTP API
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxDocumentBytes <= 0 {
		cfg.MaxDocumentBytes = DefaultMaxDocumentBytes
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Server{
		cfg:        cfg,
		controller: deps.Controller,
		reporter:   deps.Reporter,
		storage:    deps.Storage,
		hub:        deps.Hub,
		metrics:    deps.Metrics,
		health:     deps.Health,
		logger:     logger,
	}
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST /api/projects/{project}/sessions", s.handleStart)
	s.handle(mux, "GET /api/projects/{project}/sessions", s.handleList)
	s.handle(mux, "POST /api/projects/{project}/restart", s.handleRestart)
	s.handle(mux, "GET /api/sessions/{id}", s.handleStatus)
	s.handle(mux, "POST /api/sessions/{id}/feedback", s.handleFeedback)
	s.handle(mux, "GET /api/artifacts/{id}", s.handleArtifact)
	s.handle(mux, "GET /api/health", s.handleHealth)
	if s.hub != nil {
		mux.HandleFunc("GET /api/sessions/{id}/ws", s.handleWebSocket)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return Chain(mux,
		RequestIDMiddleware,
		LoggingMiddleware(s.logger),
		CORSMiddleware(s.cfg.AllowedOrigins),
		AuthMiddleware(s.cfg.Token),
	)
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			h(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.metrics.observeRequest(pattern, rec.status)
	})
}

// handleStart accepts either a JSON StartWorkflowInput or the raw document
// body (Content-Type of the document, ?filename= optional)
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	req, err := s.readStartRequest(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.controller.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+session.ID)
	writeJSON(w, http.StatusCreated, workflow.NewSessionStatus(session))
}

func (s *Server) readStartRequest(r *http.Request) (workflow.StartRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, s.cfg.MaxDocumentBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return workflow.StartRequest{}, wf.ErrValidation.WithDetails(map[string]interface{}{
				"field": "content", "reason": fmt.Sprintf("document exceeds %d bytes", tooLarge.Limit),
			})
		}
		return workflow.StartRequest{}, fmt.Errorf("read body: %w", err)
	}

	req := workflow.StartRequest{ProjectID: r.PathValue("project")}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var in dto.StartWorkflowInput
		if err := json.Unmarshal(body, &in); err != nil {
			return req, wf.ErrValidation.WithDetails(map[string]interface{}{"reason": "malformed JSON: " + err.Error()})
		}
		req.Filename = in.Filename
		req.ContentType = in.ContentType
		req.Content = []byte(in.Content)
		return req, nil
	}

	req.Filename = r.URL.Query().Get("filename")
	req.ContentType = mediaType
	req.Content = body
	return req, nil
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	session, err := s.controller.Restart(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/sessions/"+session.ID)
	writeJSON(w, http.StatusCreated, workflow.NewSessionStatus(session))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.reporter.List(r.Context(), r.PathValue("project"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.reporter.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var in dto.FeedbackInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		s.writeError(w, r, wf.ErrValidation.WithDetails(map[string]interface{}{"reason": "malformed JSON: " + err.Error()}))
		return
	}

	decision, err := wf.ParseDecision(in.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	session, err := s.controller.SubmitFeedback(r.Context(), r.PathValue("id"), wf.Feedback{
		Decision:    decision,
		Comments:    in.Comments,
		Constraints: in.Constraints,
		Preferences: in.Preferences,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, workflow.NewSessionStatus(session))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.storage.LoadArtifact(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		writeJSON(w, http.StatusOK, art.Metadata)
		return
	}
	contentType := art.Metadata.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(art.Content)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Artifact-Type", string(art.Metadata.Type))
	_, _ = w.Write(art.Content)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	status := http.StatusOK
	for name, check := range s.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":  overall,
		"version": buildinfo.GetVersion(),
		"checks":  checks,
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	// Unknown sessions get a plain 404 before the upgrade
	if _, err := s.reporter.Status(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.hub.Serve(w, r, id, func(ctx context.Context) (interface{}, error) {
		return s.reporter.Status(ctx, id)
	})
}
