// Package web exposes the orchestrator's JSON API.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stackmill/conveyor/internal/orchestrator"
	"github.com/stackmill/conveyor/internal/pipeline"
)

// Server serves the workflow API.
type Server struct {
	orch   *orchestrator.Orchestrator
	port   int
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(orch *orchestrator.Orchestrator, port int, logger *slog.Logger) *Server {
	return &Server{orch: orch, port: port, logger: logger}
}

// Handler returns the routed handler, exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/workflows", s.handleWorkflows)
	mux.HandleFunc("/workflows/", s.routeWorkflow)
	return mux
}

// Start registers routes and starts listening.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	log.Printf("conveyor API: http://localhost%s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreate(w, r)
	case http.MethodGet:
		s.handleList(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) routeWorkflow(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/workflows/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		s.handleGet(w, r, id)
	case len(parts) == 2 && parts[1] == "transition" && r.Method == http.MethodPost:
		s.handleTransition(w, r, id)
	case len(parts) == 2 && parts[1] == "history" && r.Method == http.MethodGet:
		s.handleHistory(w, r, id)
	case len(parts) == 2 && parts[1] == "recovery-history" && r.Method == http.MethodGet:
		s.handleRecoveryHistory(w, r, id)
	case len(parts) == 3 && parts[1] == "recovery" && parts[2] == "override" && r.Method == http.MethodPost:
		s.handleOverride(w, r, id)
	case len(parts) == 3 && parts[1] == "recovery" && parts[2] == "cancel" && r.Method == http.MethodPost:
		s.handleCancel(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses: illegal edges
// are 400, lost version races are 409 (caller re-reads and retries), missing
// workflows are 404.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidTransition):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pipeline.ErrVersionConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
