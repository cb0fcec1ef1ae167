// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/topics"
)

// Cluster is the broker's view of the replication layer. Subscription and
// retained-message changes are proposed through it so every node converges
// on the same routing state; publishes for remote subscribers are
// forwarded through it exactly once per node.
//
// A standalone broker uses Standalone, which applies everything locally.
type Cluster interface {
	// NodeID returns this node's identifier.
	NodeID() string

	// Subscribe replicates a subscription.
	Subscribe(ctx context.Context, sub *topics.Subscription) error

	// Unsubscribe replicates a subscription removal.
	Unsubscribe(ctx context.Context, clientID, filter string) error

	// UnsubscribeAll replicates removal of all of a client's subscriptions.
	UnsubscribeAll(ctx context.Context, clientID string) error

	// SetRetained replicates a retained message. An empty payload clears
	// the topic.
	SetRetained(ctx context.Context, msg *storage.Message) error

	// RemoteNodes returns the IDs of peer nodes with at least one
	// subscriber matching the topic, excluding this node.
	RemoteNodes(topic string) []string

	// Forward sends a publish to a peer node for local fan-out there.
	Forward(ctx context.Context, nodeID string, msg *storage.Message) error

	// Close releases cluster resources.
	Close() error
}

// Standalone is the single-node Cluster implementation: proposals apply
// directly to local state and there are never remote subscribers.
type Standalone struct {
	nodeID   string
	retained *storage.RetainedStore
}

// NewStandalone creates a single-node cluster backed by the local retained
// store.
func NewStandalone(nodeID string, retained *storage.RetainedStore) *Standalone {
	if nodeID == "" {
		nodeID = "standalone"
	}
	return &Standalone{nodeID: nodeID, retained: retained}
}

func (s *Standalone) NodeID() string { return s.nodeID }

func (s *Standalone) Subscribe(ctx context.Context, sub *topics.Subscription) error {
	return nil
}

func (s *Standalone) Unsubscribe(ctx context.Context, clientID, filter string) error {
	return nil
}

func (s *Standalone) UnsubscribeAll(ctx context.Context, clientID string) error {
	return nil
}

func (s *Standalone) SetRetained(ctx context.Context, msg *storage.Message) error {
	return s.retained.Set(msg.Topic, msg)
}

func (s *Standalone) RemoteNodes(topic string) []string { return nil }

func (s *Standalone) Forward(ctx context.Context, nodeID string, msg *storage.Message) error {
	return nil
}

func (s *Standalone) Close() error { return nil }
