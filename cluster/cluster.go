// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package cluster replicates broker state across nodes with raft: the
// cluster-wide subscription index, retained messages, and session
// ownership. Publishes cross node boundaries over connect RPC.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/topics"
)

// Peer describes one cluster member.
type Peer struct {
	// RaftAddr is the raft transport address (host:port).
	RaftAddr string `json:"raft_addr" yaml:"raft_addr"`
	// RPCURL is the base URL of the node's cluster RPC endpoint.
	RPCURL string `json:"rpc_url" yaml:"rpc_url"`
}

// Config holds cluster membership and transport settings.
type Config struct {
	NodeID       string
	RaftBindAddr string
	RPCBindAddr  string
	DataDir      string
	Token        string
	Bootstrap    bool

	// Peers maps node IDs to their addresses, this node included.
	Peers map[string]Peer

	HeartbeatTimeout  time.Duration
	ElectionTimeout   time.Duration
	SnapshotInterval  time.Duration
	SnapshotThreshold uint64
}

// Cluster ties the raft node, the replicated FSM and the RPC transport
// together. It satisfies the broker's cluster interface.
type Cluster struct {
	cfg       Config
	fsm       *FSM
	node      *Node
	transport *Transport
	logger    *slog.Logger

	onRemotePublish func(*storage.Message) error
	onTakeover      func(clientID string) (bool, error)
}

// New starts a cluster member. The retained store receives replicated
// retained messages; WaitForLeader should be called before serving
// clients.
func New(cfg Config, retained *storage.RetainedStore, logger *slog.Logger) (*Cluster, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("node_id", cfg.NodeID)

	c := &Cluster{
		cfg:    cfg,
		fsm:    NewFSM(retained, logger),
		logger: logger,
	}

	raftPeers := make(map[string]string, len(cfg.Peers))
	rpcPeers := make(map[string]string, len(cfg.Peers))
	for id, p := range cfg.Peers {
		raftPeers[id] = p.RaftAddr
		rpcPeers[id] = p.RPCURL
	}

	node, err := NewNode(NodeConfig{
		NodeID:            cfg.NodeID,
		BindAddr:          cfg.RaftBindAddr,
		DataDir:           cfg.DataDir,
		Peers:             raftPeers,
		Bootstrap:         cfg.Bootstrap,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ElectionTimeout:   cfg.ElectionTimeout,
		SnapshotInterval:  cfg.SnapshotInterval,
		SnapshotThreshold: cfg.SnapshotThreshold,
		Logger:            logger,
	}, c.fsm)
	if err != nil {
		return nil, err
	}
	c.node = node

	c.transport = NewTransport(cfg.NodeID, cfg.RPCBindAddr, cfg.Token, rpcPeers, c, logger)
	if err := c.transport.Start(); err != nil {
		node.Shutdown()
		return nil, err
	}

	return c, nil
}

// SetOnRemotePublish installs the callback delivering forwarded messages
// to local subscribers.
func (c *Cluster) SetOnRemotePublish(fn func(*storage.Message) error) {
	c.onRemotePublish = fn
}

// SetOnTakeover installs the callback disconnecting a local session when
// its client reconnects on another node.
func (c *Cluster) SetOnTakeover(fn func(clientID string) (bool, error)) {
	c.onTakeover = fn
}

// NodeID returns this node's identifier.
func (c *Cluster) NodeID() string { return c.cfg.NodeID }

// WaitForLeader blocks until the cluster elects a leader.
func (c *Cluster) WaitForLeader(ctx context.Context) error {
	return c.node.WaitForLeader(ctx)
}

// IsLeader reports whether this node leads the cluster.
func (c *Cluster) IsLeader() bool { return c.node.IsLeader() }

// propose commits a command, forwarding to the leader when necessary.
func (c *Cluster) propose(ctx context.Context, cmd *Command) error {
	err := c.node.Apply(cmd)
	if err == nil || err != ErrNotLeader {
		return err
	}

	leaderID, err := c.node.LeaderID()
	if err != nil {
		return err
	}
	return c.transport.Propose(ctx, leaderID, cmd)
}

// Subscribe replicates a subscription, recording this node as its home.
func (c *Cluster) Subscribe(ctx context.Context, sub *topics.Subscription) error {
	return c.propose(ctx, &Command{
		Type:              OpSubscribe,
		NodeID:            c.cfg.NodeID,
		ClientID:          sub.ClientID,
		Filter:            sub.Filter,
		QoS:               sub.QoS,
		NoLocal:           sub.NoLocal,
		RetainAsPublished: sub.RetainAsPublished,
		RetainHandling:    sub.RetainHandling,
		SubscriptionID:    sub.SubscriptionID,
	})
}

// Unsubscribe removes one replicated subscription.
func (c *Cluster) Unsubscribe(ctx context.Context, clientID, filter string) error {
	return c.propose(ctx, &Command{
		Type:     OpUnsubscribe,
		NodeID:   c.cfg.NodeID,
		ClientID: clientID,
		Filter:   filter,
	})
}

// UnsubscribeAll removes a client's subscriptions and releases its
// session ownership.
func (c *Cluster) UnsubscribeAll(ctx context.Context, clientID string) error {
	if err := c.propose(ctx, &Command{
		Type:     OpUnsubscribeAll,
		NodeID:   c.cfg.NodeID,
		ClientID: clientID,
	}); err != nil {
		return err
	}
	return c.propose(ctx, &Command{
		Type:     OpReleaseSession,
		NodeID:   c.cfg.NodeID,
		ClientID: clientID,
	})
}

// ClaimSession records this node as the client's home and evicts any
// connection the previous owner still holds.
func (c *Cluster) ClaimSession(ctx context.Context, clientID string) error {
	previous, hadOwner := c.fsm.Owner(clientID)

	if err := c.propose(ctx, &Command{
		Type:     OpClaimSession,
		NodeID:   c.cfg.NodeID,
		ClientID: clientID,
	}); err != nil {
		return err
	}

	if hadOwner && previous != c.cfg.NodeID {
		disconnected, err := c.transport.Takeover(ctx, previous, clientID)
		if err != nil {
			c.logger.Warn("takeover request failed",
				"client_id", clientID, "previous_node", previous, "error", err)
			return nil
		}
		if disconnected {
			c.logger.Info("took over session from peer",
				"client_id", clientID, "previous_node", previous)
		}
	}
	return nil
}

// SetRetained replicates a retained message; an empty payload clears the
// topic on every node.
func (c *Cluster) SetRetained(ctx context.Context, msg *storage.Message) error {
	return c.propose(ctx, &Command{
		Type:    OpSetRetained,
		NodeID:  c.cfg.NodeID,
		Message: msg,
	})
}

// RemoteNodes returns the peers hosting subscriptions that match the
// topic.
func (c *Cluster) RemoteNodes(topic string) []string {
	return c.fsm.NodesFor(topic, c.cfg.NodeID)
}

// Forward delivers a message to a peer for local fan-out there.
func (c *Cluster) Forward(ctx context.Context, nodeID string, msg *storage.Message) error {
	return c.transport.ForwardPublish(ctx, nodeID, msg)
}

// HandleForwardedPublish implements TransportHandler.
func (c *Cluster) HandleForwardedPublish(ctx context.Context, msg *storage.Message) error {
	if c.onRemotePublish == nil {
		return fmt.Errorf("no remote publish handler installed")
	}
	return c.onRemotePublish(msg)
}

// HandlePropose implements TransportHandler: a follower forwarded a
// command to us as leader.
func (c *Cluster) HandlePropose(ctx context.Context, cmd *Command) error {
	return c.node.Apply(cmd)
}

// HandleTakeover implements TransportHandler.
func (c *Cluster) HandleTakeover(ctx context.Context, clientID string) (bool, error) {
	if c.onTakeover == nil {
		return false, nil
	}
	return c.onTakeover(clientID)
}

// Close stops the transport and shuts the raft node down.
func (c *Cluster) Close() error {
	if err := c.transport.Close(); err != nil {
		c.logger.Error("close cluster transport", "error", err)
	}
	return c.node.Shutdown()
}
