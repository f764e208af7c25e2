package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"DistDegree/internal/coordinator"
	"DistDegree/internal/logger"
)

type ServerOpts struct {
	ID   string
	Port int
}

// Server exposes the job's progress over HTTP: GET /status returns the
// coordinator's task and worker tables as JSON, GET /healthz reports
// liveness. Read-only; job submission happens at the node entrypoint.
type Server struct {
	opts   ServerOpts
	master *coordinator.Master
	logger *logger.Logger
	srv    *http.Server
}

func NewServer(opts ServerOpts, master *coordinator.Master) *Server {
	s := &Server{
		opts:   opts,
		master: master,
		logger: logger.New("INFO"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Status server listening: node_id=%s port=%d", s.opts.ID, s.opts.Port)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("status server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	state := s.master.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(state); err != nil {
		s.logger.Error("Failed to encode status: %v", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok %s\n", s.opts.ID)
}
