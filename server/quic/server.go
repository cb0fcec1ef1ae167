// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package quic serves MQTT over QUIC. Each client opens one
// bidirectional stream carrying the packet exchange.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/driftmq/driftmq/broker"
	"github.com/driftmq/driftmq/ratelimit"
)

// ErrTLSRequired is returned when no TLS configuration is provided.
// QUIC mandates TLS 1.3.
var ErrTLSRequired = errors.New("TLS configuration is required for QUIC")

// Config holds the QUIC server configuration.
type Config struct {
	Address         string
	TLSConfig       *tls.Config
	QUICConfig      *quic.Config
	ShutdownTimeout time.Duration
	ConnLimiter     *ratelimit.ConnLimiter
}

// Server accepts MQTT connections over QUIC.
type Server struct {
	cfg    Config
	broker *broker.Broker
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a QUIC server for the given broker.
func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, broker: b, logger: logger}
}

// Listen starts accepting QUIC connections and blocks until the context
// is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	if s.cfg.TLSConfig == nil {
		return ErrTLSRequired
	}

	tlsConfig := s.cfg.TLSConfig.Clone()
	if tlsConfig.MinVersion < tls.VersionTLS13 {
		tlsConfig.MinVersion = tls.VersionTLS13
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig.NextProtos = []string{"mqtt"}
	}

	listener, err := quic.ListenAddr(s.cfg.Address, tlsConfig, s.cfg.QUICConfig)
	if err != nil {
		return err
	}
	s.logger.Info("QUIC server started", "address", s.cfg.Address)

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(ctx, listener)
	}()

	<-ctx.Done()
	listener.Close()
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("QUIC server stopped")
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("QUIC connection drain timed out")
		return nil
	}
}

func (s *Server) acceptLoop(ctx context.Context, listener *quic.Listener) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("QUIC accept failed", "error", err)
			return
		}

		if s.cfg.ConnLimiter != nil && !s.cfg.ConnLimiter.Allow(conn.RemoteAddr()) {
			s.logger.Warn("connection rate limited", "remote", conn.RemoteAddr().String())
			conn.CloseWithError(0, "rate limited")
			continue
		}

		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn *quic.Conn) {
	defer s.wg.Done()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}

	s.broker.HandleConnection(&streamConn{conn: conn, stream: stream})
}

// streamConn adapts one QUIC stream to net.Conn.
type streamConn struct {
	conn   *quic.Conn
	stream *quic.Stream
	mu     sync.Mutex
	closed bool
}

var _ net.Conn = (*streamConn)(nil)

func (c *streamConn) Read(b []byte) (int, error) {
	return c.stream.Read(b)
}

func (c *streamConn) Write(b []byte) (int, error) {
	return c.stream.Write(b)
}

func (c *streamConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stream.Close()
	return c.conn.CloseWithError(0, "")
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *streamConn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

func (c *streamConn) SetWriteDeadline(t time.Time) error {
	return c.stream.SetWriteDeadline(t)
}
