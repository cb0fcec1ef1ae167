// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/driftmq/driftmq/broker"
	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/storage/memory"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := storage.New(memory.New())
	cl := broker.NewStandalone("test-node", st.Retained)

	cfg := broker.DefaultConfig()
	cfg.SysInterval = 0
	b := broker.New(cfg, st, cl, logger)

	t.Cleanup(func() {
		b.Close()
		st.Close()
	})

	return New(Config{Address: "127.0.0.1:0"}, b, nil, logger)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d", rec.Code)
	}
}

func TestReadyStandalone(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestReadyWithoutBroker(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(Config{Address: "127.0.0.1:0"}, nil, nil, logger)

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestStatusStandalone(t *testing.T) {
	s := newTestServer(t)

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}

	var resp statusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.NodeID != "standalone" || resp.ClusterMode {
		t.Errorf("status body = %+v", resp)
	}
}
