// Package adminapi exposes the node's health, metrics, and stats surface
// over HTTP, routed with chi, separately from the RESP client listener.
package adminapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amberkv/amberkv/internal/logger"
	"github.com/amberkv/amberkv/pkg/metrics"
)

// RaftStatus is the subset of Raft diagnostics surfaced by /stats.
type RaftStatus interface {
	IsLeader() bool
	LeaderAddr() string
	Stats() map[string]string
}

// ServerStatus is the subset of the accept loop surfaced by /stats.
type ServerStatus interface {
	ActiveConnections() int32
}

// SyncStatus is the subset of the sync layer surfaced by /stats.
type SyncStatus interface {
	PendingCount() int
}

// Config controls what Server reports and how it binds.
type Config struct {
	Addr string // e.g. ":7380"
}

// Server is the admin HTTP surface: liveness, readiness, Prometheus
// scrape target, and a JSON snapshot of node state.
type Server struct {
	http         *http.Server
	raft         RaftStatus
	serverStatus ServerStatus
	sync         SyncStatus
	metrics      *metrics.Registry
	shutdownOnce sync.Once
}

// New constructs an admin Server. Any dependency may be nil; the
// corresponding data is omitted from /stats, and a nil raft makes
// /health/ready report not ready.
func New(cfg Config, raft RaftStatus, srv ServerStatus, sl SyncStatus, reg *metrics.Registry) *Server {
	s := &Server{raft: raft, serverStatus: srv, sync: sl, metrics: reg}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(10 * time.Second))

	router.Get("/health", s.liveness)
	router.Get("/health/ready", s.readiness)
	router.Get("/stats", s.stats)
	if reg != nil {
		router.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))
	}

	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("adminapi: server failed: %w", err)
	}
}

// Stop gracefully shuts down the admin server. Safe to call more than
// once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		err = s.http.Shutdown(ctx)
	})
	return err
}

func (s *Server) liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	if s.raft == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "raft not initialized"})
		return
	}
	if s.raft.LeaderAddr() == "" {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "no known leader"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"time": time.Now().UTC()}
	if s.serverStatus != nil {
		out["active_connections"] = s.serverStatus.ActiveConnections()
	}
	if s.sync != nil {
		out["pending_requests"] = s.sync.PendingCount()
	}
	if s.raft != nil {
		out["raft"] = map[string]any{
			"is_leader":   s.raft.IsLeader(),
			"leader_addr": s.raft.LeaderAddr(),
			"stats":       s.raft.Stats(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
