// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/sony/gobreaker"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/driftmq/driftmq/storage"
)

// RPC procedures. Connect routes on path, so hand-rolled request types
// work as long as both sides agree on these and on the JSON codec.
const (
	forwardPublishProcedure = "/driftmq.cluster.v1.ClusterService/ForwardPublish"
	proposeProcedure        = "/driftmq.cluster.v1.ClusterService/Propose"
	takeoverProcedure       = "/driftmq.cluster.v1.ClusterService/Takeover"

	clusterTokenHeader = "Driftmq-Cluster-Token"
	nodeIDHeader       = "Driftmq-Node-Id"
)

// ErrPeerUnavailable is returned when a peer's circuit breaker is open.
var ErrPeerUnavailable = errors.New("peer unavailable")

// ForwardPublishRequest carries a message to the node hosting matching
// subscribers.
type ForwardPublishRequest struct {
	Message *storage.Message `json:"message"`
}

// ForwardPublishResponse acknowledges a forwarded publish.
type ForwardPublishResponse struct{}

// ProposeRequest carries a raft command from a follower to the leader.
type ProposeRequest struct {
	Command json.RawMessage `json:"command"`
}

// ProposeResponse acknowledges a proposal.
type ProposeResponse struct{}

// TakeoverRequest asks the addressed node to drop its connection for a
// client that reconnected elsewhere.
type TakeoverRequest struct {
	ClientID string `json:"client_id"`
}

// TakeoverResponse reports whether the client had a live connection.
type TakeoverResponse struct {
	Disconnected bool `json:"disconnected"`
}

// TransportHandler receives inbound cluster RPCs.
type TransportHandler interface {
	// HandleForwardedPublish fans a forwarded message out to local
	// subscribers only.
	HandleForwardedPublish(ctx context.Context, msg *storage.Message) error

	// HandlePropose applies a command proposed by a follower. Only the
	// leader can serve it.
	HandlePropose(ctx context.Context, cmd *Command) error

	// HandleTakeover disconnects the local session for a client that
	// reconnected on another node.
	HandleTakeover(ctx context.Context, clientID string) (bool, error)
}

// jsonCodec lets connect exchange plain Go structs as JSON.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Transport is the inter-node RPC layer: an h2c server for inbound calls
// and per-peer connect clients guarded by circuit breakers.
type Transport struct {
	mu sync.RWMutex

	nodeID   string
	bindAddr string
	token    string
	handler  TransportHandler
	logger   *slog.Logger

	server   *http.Server
	listener net.Listener

	peers    map[string]string // nodeID -> base URL
	clients  map[string]*peerClient
	breakers map[string]*gobreaker.CircuitBreaker
}

type peerClient struct {
	forward  *connect.Client[ForwardPublishRequest, ForwardPublishResponse]
	propose  *connect.Client[ProposeRequest, ProposeResponse]
	takeover *connect.Client[TakeoverRequest, TakeoverResponse]
}

// NewTransport creates the RPC layer. peers maps node IDs to base URLs
// (http://host:port). token, when set, must match on both ends.
func NewTransport(nodeID, bindAddr, token string, peers map[string]string, handler TransportHandler, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		nodeID:   nodeID,
		bindAddr: bindAddr,
		token:    token,
		handler:  handler,
		logger:   logger,
		peers:    peers,
		clients:  make(map[string]*peerClient),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Start begins serving inbound cluster RPCs.
func (t *Transport) Start() error {
	mux := http.NewServeMux()
	mux.Handle(forwardPublishProcedure, connect.NewUnaryHandler(
		forwardPublishProcedure, t.handleForwardPublish, connect.WithCodec(jsonCodec{})))
	mux.Handle(proposeProcedure, connect.NewUnaryHandler(
		proposeProcedure, t.handlePropose, connect.WithCodec(jsonCodec{})))
	mux.Handle(takeoverProcedure, connect.NewUnaryHandler(
		takeoverProcedure, t.handleTakeover, connect.WithCodec(jsonCodec{})))

	listener, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", t.bindAddr, err)
	}
	t.listener = listener

	t.server = &http.Server{
		Handler:           h2c.NewHandler(t.authenticated(mux), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		t.logger.Info("cluster transport listening", "addr", t.bindAddr)
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("cluster transport server", "error", err)
		}
	}()
	return nil
}

// authenticated rejects requests without the shared cluster token.
func (t *Transport) authenticated(next http.Handler) http.Handler {
	if t.token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(clusterTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(t.token)) != 1 {
			http.Error(w, "invalid cluster token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (t *Transport) handleForwardPublish(ctx context.Context, req *connect.Request[ForwardPublishRequest]) (*connect.Response[ForwardPublishResponse], error) {
	if req.Msg.Message == nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("missing message"))
	}
	if err := t.handler.HandleForwardedPublish(ctx, req.Msg.Message); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ForwardPublishResponse{}), nil
}

func (t *Transport) handlePropose(ctx context.Context, req *connect.Request[ProposeRequest]) (*connect.Response[ProposeResponse], error) {
	var cmd Command
	if err := json.Unmarshal(req.Msg.Command, &cmd); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := t.handler.HandlePropose(ctx, &cmd); err != nil {
		if errors.Is(err, ErrNotLeader) {
			return nil, connect.NewError(connect.CodeFailedPrecondition, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&ProposeResponse{}), nil
}

func (t *Transport) handleTakeover(ctx context.Context, req *connect.Request[TakeoverRequest]) (*connect.Response[TakeoverResponse], error) {
	disconnected, err := t.handler.HandleTakeover(ctx, req.Msg.ClientID)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(&TakeoverResponse{Disconnected: disconnected}), nil
}

// client returns (building if needed) the connect clients for a peer.
func (t *Transport) client(nodeID string) (*peerClient, error) {
	t.mu.RLock()
	pc, ok := t.clients[nodeID]
	t.mu.RUnlock()
	if ok {
		return pc, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if pc, ok = t.clients[nodeID]; ok {
		return pc, nil
	}

	baseURL, ok := t.peers[nodeID]
	if !ok {
		return nil, fmt.Errorf("unknown peer node %q", nodeID)
	}

	httpClient := &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}

	opts := []connect.ClientOption{connect.WithCodec(jsonCodec{})}
	pc = &peerClient{
		forward:  connect.NewClient[ForwardPublishRequest, ForwardPublishResponse](httpClient, baseURL+forwardPublishProcedure, opts...),
		propose:  connect.NewClient[ProposeRequest, ProposeResponse](httpClient, baseURL+proposeProcedure, opts...),
		takeover: connect.NewClient[TakeoverRequest, TakeoverResponse](httpClient, baseURL+takeoverProcedure, opts...),
	}
	t.clients[nodeID] = pc
	return pc, nil
}

// breaker returns the circuit breaker for a peer, creating it on first
// use. Five consecutive failures open the circuit for ten seconds.
func (t *Transport) breaker(nodeID string) *gobreaker.CircuitBreaker {
	t.mu.RLock()
	cb, ok := t.breakers[nodeID]
	t.mu.RUnlock()
	if ok {
		return cb
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cb, ok = t.breakers[nodeID]; ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "peer-" + nodeID,
		Timeout: 10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	t.breakers[nodeID] = cb
	return cb
}

// call runs fn through the peer's circuit breaker.
func (t *Transport) call(nodeID string, fn func() error) error {
	_, err := t.breaker(nodeID).Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s", ErrPeerUnavailable, nodeID)
	}
	return err
}

func (t *Transport) newRequest() http.Header {
	h := http.Header{}
	if t.token != "" {
		h.Set(clusterTokenHeader, t.token)
	}
	h.Set(nodeIDHeader, t.nodeID)
	return h
}

// ForwardPublish sends a message to the node with matching subscribers.
func (t *Transport) ForwardPublish(ctx context.Context, nodeID string, msg *storage.Message) error {
	pc, err := t.client(nodeID)
	if err != nil {
		return err
	}
	return t.call(nodeID, func() error {
		req := connect.NewRequest(&ForwardPublishRequest{Message: msg})
		copyHeader(req.Header(), t.newRequest())
		_, err := pc.forward.CallUnary(ctx, req)
		return err
	})
}

// Propose forwards a raft command to the leader node.
func (t *Transport) Propose(ctx context.Context, nodeID string, cmd *Command) error {
	pc, err := t.client(nodeID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return t.call(nodeID, func() error {
		req := connect.NewRequest(&ProposeRequest{Command: data})
		copyHeader(req.Header(), t.newRequest())
		_, err := pc.propose.CallUnary(ctx, req)
		return err
	})
}

// Takeover asks a peer to drop its connection for a client.
func (t *Transport) Takeover(ctx context.Context, nodeID, clientID string) (bool, error) {
	pc, err := t.client(nodeID)
	if err != nil {
		return false, err
	}
	var disconnected bool
	err = t.call(nodeID, func() error {
		req := connect.NewRequest(&TakeoverRequest{ClientID: clientID})
		copyHeader(req.Header(), t.newRequest())
		resp, err := pc.takeover.CallUnary(ctx, req)
		if err != nil {
			return err
		}
		disconnected = resp.Msg.Disconnected
		return nil
	})
	return disconnected, err
}

func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// Close stops the server and drops peer clients.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.clients = make(map[string]*peerClient)
	t.mu.Unlock()

	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}
	return nil
}
