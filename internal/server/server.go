// Package server exposes the retrieval job over HTTP for operators and scripts.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"grade-vista/internal/types"
	"grade-vista/utils"
)

// shutdownTimeout bounds how long in-flight requests may finish after the context ends
const shutdownTimeout = 10 * time.Second

// Retriever runs one retrieval job
type Retriever interface {
	Retrieve(ctx context.Context, payload types.Payload) (*types.Artifact, error)
}

// APIResponse is the JSON body of every non-document response
type APIResponse struct {
	Success bool   `json:"success"`
	Kind    string `json:"kind,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse reports the server status and whether the results website answers
type HealthResponse struct {
	Status   string `json:"status"`
	Upstream string `json:"upstream"`
}

// Server holds the API server configuration
type Server struct {
	config    *types.Config
	logger    types.Logger
	retriever Retriever
	reach     *utils.HTTPClient
}

// NewServer creates a new API server
func NewServer(config *types.Config, logger types.Logger, retriever Retriever) *Server {
	return &Server{
		config:    config,
		logger:    logger,
		retriever: retriever,
		reach:     utils.NewHTTPClient(config, logger),
	}
}

// Handler returns the routes of the API
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/retrieve", s.handleRetrieve)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// handleRetrieve runs a job for the posted payload and answers with the PDF
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	// Set CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	// Handle preflight requests
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		s.sendError(w, "", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload types.Payload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.sendError(w, "", "Invalid request body", http.StatusBadRequest)
		return
	}

	logger := types.WithFields(s.logger, map[string]interface{}{"roll": payload.RollNo})
	logger.Infof("API request received for exam=%q year=%q board=%q", payload.ExamName, payload.Year, payload.ExamBoard)

	artifact, err := s.retriever.Retrieve(r.Context(), payload)
	if err != nil {
		kind := types.KindOf(err)
		logger.Warnf("Retrieval failed: %v", err)
		s.sendError(w, string(kind), "Result could not be retrieved", statusFor(kind))
		return
	}
	defer func() {
		if err := artifact.Remove(); err != nil {
			logger.Warnf("Failed to remove artifacts: %v", err)
		}
	}()

	document, err := os.ReadFile(artifact.DocumentPath)
	if err != nil {
		logger.Errorf("Failed to read document: %v", err)
		s.sendError(w, string(types.FailureArtifact), "Result could not be retrieved", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(artifact.DocumentPath)+`"`)
	w.Header().Set("X-Job-Id", artifact.JobID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(document); err != nil {
		logger.Warnf("Failed to write document: %v", err)
	}
}

// statusFor maps a failure kind to the response status
func statusFor(kind types.FailureKind) int {
	switch kind {
	case types.FailureRejected, types.FailureChallenge:
		return http.StatusUnprocessableEntity
	case types.FailureTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, kind, message string, statusCode int) {
	response := APIResponse{
		Success: false,
		Kind:    kind,
		Error:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		s.logger.Errorf("Failed to encode error response: %v", err)
	}
}

// handleHealth handles the health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	upstream := "unreachable"
	if s.reach.Reachable(r.Context(), s.config.BaseURL) {
		upstream = "reachable"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Upstream: upstream}); err != nil {
		s.logger.Errorf("Failed to encode health response: %v", err)
	}
}

// Start serves the API on addr until ctx is done, then shuts down gracefully
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on %s", addr)
	s.logger.Info("Available endpoints:")
	s.logger.Info("  POST /retrieve - Retrieve a result document")
	s.logger.Info("  GET  /health   - Health check")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("API server stopped")
	return nil
}

// Close closes the server and cleanup resources
func (s *Server) Close() {
	s.reach.Close()
}
