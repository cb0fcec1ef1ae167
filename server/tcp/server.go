// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package tcp serves MQTT over plain TCP and TLS.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/driftmq/driftmq/broker"
	"github.com/driftmq/driftmq/ratelimit"
)

// ErrShutdownTimeout is returned when connection draining exceeds the
// configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the TCP server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
	KeepAlivePeriod time.Duration
	MaxConnections  int
	ConnLimiter     *ratelimit.ConnLimiter
}

// Server accepts MQTT connections and hands them to the broker.
type Server struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	cfg      Config
	broker   *broker.Broker
	logger   *slog.Logger
	listener net.Listener
	connSem  chan struct{}
}

// New creates a TCP server for the given broker.
func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.KeepAlivePeriod == 0 {
		cfg.KeepAlivePeriod = 15 * time.Second
	}

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return &Server{
		cfg:     cfg,
		broker:  b,
		logger:  logger,
		connSem: connSem,
	}
}

// Addr returns the bound listener address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen starts accepting connections and blocks until the context is
// cancelled, then drains active connections.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	if s.cfg.TLSConfig != nil {
		listener = tls.NewListener(listener, s.cfg.TLSConfig)
		s.logger.Info("TLS enabled", "address", s.cfg.Address)
	}
	s.logger.Info("TCP server started", "address", s.cfg.Address)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, listener)
	}()

	<-ctx.Done()
	return s.shutdown(listener, acceptDone)
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		if s.cfg.ConnLimiter != nil && !s.cfg.ConnLimiter.Allow(conn.RemoteAddr()) {
			s.logger.Warn("connection rate limited", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}
		if !s.acquireSlot() {
			s.logger.Warn("connection limit reached", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			s.configureKeepAlive(tcpConn)
		}

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) acquireSlot() bool {
	if s.connSem == nil {
		return true
	}
	select {
	case s.connSem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.connSem != nil {
		<-s.connSem
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseSlot()
	defer conn.Close()

	// Complete the TLS handshake up front so client certificate problems
	// surface here rather than inside packet parsing.
	if tlsConn, ok := conn.(*tls.Conn); ok {
		if err := tlsConn.Handshake(); err != nil {
			s.logger.Warn("TLS handshake failed",
				"remote", conn.RemoteAddr().String(), "error", err)
			return
		}
	}

	s.broker.HandleConnection(conn)
}

func (s *Server) configureKeepAlive(conn *net.TCPConn) {
	if s.cfg.KeepAlivePeriod <= 0 {
		return
	}
	if err := conn.SetKeepAlive(true); err != nil {
		s.logger.Debug("enable keepalive", "error", err)
		return
	}
	if err := conn.SetKeepAlivePeriod(s.cfg.KeepAlivePeriod); err != nil {
		s.logger.Debug("set keepalive period", "error", err)
	}
}

func (s *Server) shutdown(listener net.Listener, acceptDone <-chan struct{}) error {
	s.logger.Info("TCP server shutting down")

	if err := listener.Close(); err != nil {
		s.logger.Error("close listener", "error", err)
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections drained")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("connection drain timed out")
		return ErrShutdownTimeout
	}
}
