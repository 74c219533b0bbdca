// Package httpapi is the out-of-core REST surface spec.md keeps external to
// the kernel: a thin net/http layer, in the teacher's internal/http style,
// that does nothing but decode requests, call pkg/kernel.Kernel, and encode
// responses.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/internal/log"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/governance"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/kernel"
	"github.com/easir000/SwarmLite-Workflow-Orchestration-Engine/pkg/storage"
)

// Server wires pkg/kernel.Kernel to an http.Handler.
type Server struct {
	k    *kernel.Kernel
	mux  *http.ServeMux
	ping func() error
}

// NewServer builds the routed handler. ping is invoked by /health/compliance
// to prove the store is reachable; pass nil when running without a database.
func NewServer(k *kernel.Kernel, ping func() error) *Server {
	s := &Server{k: k, mux: http.NewServeMux(), ping: ping}
	s.mux.HandleFunc("GET /health", s.health)
	s.mux.HandleFunc("GET /health/governance", s.healthGovernance)
	s.mux.HandleFunc("GET /health/compliance", s.healthCompliance)
	s.mux.HandleFunc("POST /workflows/start", s.startWorkflow)
	s.mux.HandleFunc("GET /workflows/{id}/status", s.workflowStatus)
	s.mux.HandleFunc("POST /workflows/{id}/stop", s.stopWorkflow)
	return s
}

// StartServer runs the HTTP server on port, matching the teacher's
// StartServer(port, store) entrypoint shape.
func StartServer(port string, k *kernel.Kernel, ping func() error) error {
	log.GetLogger().Infof("starting SwarmLite server on :%s", port)
	return http.ListenAndServe(":"+port, NewServer(k, ping))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.withCorrelationID(s.mux).ServeHTTP(w, r)
}

// withCorrelationID stamps every request with an X-Correlation-ID, generating
// one when the caller didn't supply it, so a single request can be traced
// through the server log and the audit trail it triggers.
func (s *Server) withCorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", correlationID)
		log.GetLogger().WithField("correlation_id", correlationID).Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) healthGovernance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "component": "governance"})
}

func (s *Server) healthCompliance(w http.ResponseWriter, r *http.Request) {
	if s.ping == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "component": "compliance", "store": "in-memory"})
		return
	}
	if err := s.ping(); err != nil {
		log.GetLogger().Errorf("compliance healthcheck: store unreachable: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "component": "compliance", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "component": "compliance", "store": "postgres"})
}

type startWorkflowRequest struct {
	Definition     map[string]any `json:"definition"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type startWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// startWorkflow implements spec.md §6.5: X-Request-Source and X-Client-ID
// are required on every submission, not just logged — this is the caller
// identity the governance gate and audit trail rely on.
func (s *Server) startWorkflow(w http.ResponseWriter, r *http.Request) {
	requestSource := r.Header.Get("X-Request-Source")
	clientID := r.Header.Get("X-Client-ID")
	if requestSource == "" || clientID == "" {
		writeError(w, http.StatusBadRequest, "X-Request-Source and X-Client-ID headers are required")
		return
	}

	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Definition) == 0 {
		writeError(w, http.StatusBadRequest, "definition is required")
		return
	}
	if id, ok := req.Definition["workflow_id"].(string); !ok || id == "" {
		req.Definition["workflow_id"] = uuid.NewString()
	}

	govCtx := governance.Context{
		CallerID:          clientID,
		RequestSource:     requestSource,
		IdempotencyKeySet: req.IdempotencyKey != "",
	}

	id, err := s.k.Submit(r.Context(), req.Definition, req.IdempotencyKey, govCtx)
	if err != nil {
		var verr *kernel.ValidationError
		if errors.As(err, &verr) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.GetLogger().Errorf("submit workflow: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to submit workflow")
		return
	}
	writeJSON(w, http.StatusAccepted, startWorkflowResponse{WorkflowID: id})
}

func (s *Server) workflowStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.k.Status(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		log.GetLogger().Errorf("get workflow status %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to load workflow status")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) stopWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.k.Stop(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "workflow not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
