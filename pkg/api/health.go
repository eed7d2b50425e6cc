package api

import (
	"net/http"
)

// healthHandler implements the /health endpoint. It lists every
// component; degraded components still answer 200.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.health.HealthHandler()(w, r)
}

// readyHandler implements the /ready endpoint. The service is ready once
// every critical component reports healthy.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.health.ReadyHandler()(w, r)
}

// liveHandler implements the /live endpoint
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.health.LivenessHandler()(w, r)
}

// snapshotHandler implements the /health/snapshot endpoint
func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.snapshot == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "snapshot scheduler is disabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot.Status())
}
