// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package websocket serves MQTT over WebSocket as described in the MQTT
// specification's network transport appendix.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/driftmq/driftmq/broker"
	"github.com/driftmq/driftmq/ratelimit"
)

// Config holds the WebSocket server configuration.
type Config struct {
	Address         string
	Path            string
	TLSConfig       *tls.Config
	ShutdownTimeout time.Duration
	ConnLimiter     *ratelimit.ConnLimiter
}

// Server upgrades HTTP requests to WebSocket MQTT connections.
type Server struct {
	cfg      Config
	broker   *broker.Broker
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader
}

// New creates a WebSocket server for the given broker.
func New(cfg Config, b *broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = "/mqtt"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		broker: b,
		logger: logger,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handleUpgrade)

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Listen starts the server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket server started",
		"address", s.cfg.Address, "path", s.cfg.Path)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("websocket server stopped")
		return nil
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if s.cfg.ConnLimiter != nil && !s.cfg.ConnLimiter.Allow(ws.RemoteAddr()) {
		s.logger.Warn("connection rate limited", "remote", ws.RemoteAddr().String())
		ws.Close()
		return
	}

	s.broker.HandleConnection(&wsConn{ws: ws})
}

// wsConn adapts a websocket connection to net.Conn. MQTT packets are
// carried in binary messages; a single message may hold several packets
// and a packet may span messages, so reads stream across frame
// boundaries.
type wsConn struct {
	ws     *websocket.Conn
	reader io.Reader
}

var _ net.Conn = (*wsConn)(nil)

func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.ws.NextReader()
			if err != nil {
				return 0, err
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

func (c *wsConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *wsConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
