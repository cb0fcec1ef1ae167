// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package health exposes liveness and readiness probes over HTTP.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/driftmq/driftmq/broker"
	"github.com/driftmq/driftmq/cluster"
)

// Config holds health server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Server answers orchestrator probes. The cluster is nil in standalone
// mode.
type Server struct {
	cfg      Config
	broker   *broker.Broker
	cluster  *cluster.Cluster
	logger   *slog.Logger
	server   *http.Server
	listener net.Listener
}

// New creates a health server.
func New(cfg Config, b *broker.Broker, cl *cluster.Cluster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		broker:  b,
		cluster: cl,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Addr returns the bound address, or "" before Listen.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts the server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.listener = listener
	s.logger.Info("health server started", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if s.broker == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready", "details": "broker not initialized",
		})
		return
	}

	// A clustered node is not ready until raft has a leader.
	if s.cluster != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 100*time.Millisecond)
		defer cancel()
		if err := s.cluster.WaitForLeader(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not_ready", "details": "no raft leader",
			})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusResponse summarizes node and cluster state.
type statusResponse struct {
	NodeID      string `json:"node_id"`
	ClusterMode bool   `json:"cluster_mode"`
	IsLeader    bool   `json:"is_leader,omitempty"`
	Sessions    uint64 `json:"sessions"`
	Received    uint64 `json:"messages_received"`
	Sent        uint64 `json:"messages_sent"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := s.broker.Stats()
	resp := statusResponse{
		Sessions: stats.GetCurrentConnections(),
		Received: stats.GetMessagesReceived(),
		Sent:     stats.GetMessagesSent(),
	}

	if s.cluster != nil {
		resp.ClusterMode = true
		resp.NodeID = s.cluster.NodeID()
		resp.IsLeader = s.cluster.IsLeader()
	} else {
		resp.NodeID = "standalone"
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
