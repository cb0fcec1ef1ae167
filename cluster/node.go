// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

var (
	// ErrNotLeader is returned when a write lands on a follower.
	ErrNotLeader = errors.New("not the raft leader")
	// ErrNoLeader is returned when the cluster has no elected leader.
	ErrNoLeader = errors.New("no raft leader")
)

// NodeConfig holds raft node settings.
type NodeConfig struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// Peers maps node IDs to raft addresses, this node included.
	Peers map[string]string

	// Bootstrap forms a new cluster from Peers when no prior state
	// exists. Exactly one restartable set of nodes should set it.
	Bootstrap bool

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
	ApplyTimeout      time.Duration

	Logger *slog.Logger
}

// Node runs the raft consensus for one broker and owns its on-disk log.
type Node struct {
	cfg  NodeConfig
	fsm  *FSM
	raft *raft.Raft

	db        *badger.DB
	transport *raft.NetworkTransport
	logger    *slog.Logger
}

// NewNode starts a raft node over the given FSM.
func NewNode(cfg NodeConfig, fsm *FSM) (*Node, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HeartbeatTimeout == 0 {
		cfg.HeartbeatTimeout = time.Second
	}
	if cfg.ElectionTimeout == 0 {
		cfg.ElectionTimeout = 3 * time.Second
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = 5 * time.Minute
	}
	if cfg.SnapshotThreshold == 0 {
		cfg.SnapshotThreshold = 8192
	}
	if cfg.ApplyTimeout == 0 {
		cfg.ApplyTimeout = 5 * time.Second
	}

	raftDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(raftDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft directory: %w", err)
	}

	opts := badger.DefaultOptions(raftDir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open raft badger db: %w", err)
	}

	logStore := NewLogStore(db)
	stableStore := NewStableStore(db)

	snapStore, err := raft.NewFileSnapshotStore(filepath.Join(raftDir, "snapshots"), 3, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("resolve raft bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftCfg.ElectionTimeout = cfg.ElectionTimeout
	raftCfg.SnapshotInterval = cfg.SnapshotInterval
	raftCfg.SnapshotThreshold = cfg.SnapshotThreshold
	raftCfg.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft-" + cfg.NodeID,
		Level:  hclog.Warn,
		Output: os.Stderr,
	})

	r, err := raft.NewRaft(raftCfg, fsm, logStore, stableStore, snapStore, transport)
	if err != nil {
		transport.Close()
		db.Close()
		return nil, fmt.Errorf("create raft: %w", err)
	}

	n := &Node{
		cfg:       cfg,
		fsm:       fsm,
		raft:      r,
		db:        db,
		transport: transport,
		logger:    logger,
	}

	if cfg.Bootstrap {
		if err := n.bootstrap(logStore, stableStore, snapStore); err != nil {
			n.Shutdown()
			return nil, err
		}
	}

	logger.Info("raft node started",
		"node_id", cfg.NodeID, "bind_addr", cfg.BindAddr, "peers", len(cfg.Peers))
	return n, nil
}

func (n *Node) bootstrap(logStore raft.LogStore, stableStore raft.StableStore, snapStore raft.SnapshotStore) error {
	hasState, err := raft.HasExistingState(logStore, stableStore, snapStore)
	if err != nil {
		return fmt.Errorf("check existing raft state: %w", err)
	}
	if hasState {
		n.logger.Info("raft already bootstrapped, skipping")
		return nil
	}

	servers := make([]raft.Server, 0, len(n.cfg.Peers))
	for id, addr := range n.cfg.Peers {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(id),
			Address: raft.ServerAddress(addr),
		})
	}
	if len(servers) == 0 {
		servers = append(servers, raft.Server{
			ID:      raft.ServerID(n.cfg.NodeID),
			Address: n.transport.LocalAddr(),
		})
	}

	future := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap raft: %w", err)
	}
	n.logger.Info("raft bootstrapped", "servers", len(servers))
	return nil
}

// Apply proposes a command. It must be called on the leader; followers
// get ErrNotLeader and should forward to LeaderID.
func (n *Node) Apply(cmd *Command) error {
	if n.raft.State() != raft.Leader {
		return ErrNotLeader
	}

	cmd.Timestamp = time.Now()
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}

	future := n.raft.Apply(data, n.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if res, ok := future.Response().(*ApplyResult); ok && res.Error != nil {
		return res.Error
	}
	return nil
}

// IsLeader reports whether this node currently leads the cluster.
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// LeaderID returns the current leader's node ID, or ErrNoLeader.
func (n *Node) LeaderID() (string, error) {
	_, id := n.raft.LeaderWithID()
	if id == "" {
		return "", ErrNoLeader
	}
	return string(id), nil
}

// WaitForLeader blocks until a leader is elected or the context ends.
func (n *Node) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := n.LeaderID(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown stops raft and closes the on-disk log.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		n.logger.Error("raft shutdown", "error", err)
	}
	if err := n.transport.Close(); err != nil {
		n.logger.Error("close raft transport", "error", err)
	}
	return n.db.Close()
}
