// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/topics"
)

// Router fans publishes out to local subscribers through the topic trie
// and to remote subscribers through the cluster, once per peer node.
type Router struct {
	trie    *topics.Trie
	cluster Cluster
	logger  *slog.Logger
	metrics *Metrics

	// deliver hands a matched message to a local subscriber. The message
	// is already QoS-capped for that subscription.
	deliver func(sub *topics.Subscription, msg *storage.Message)
}

// NewRouter creates a router over the given trie and cluster.
func NewRouter(trie *topics.Trie, cluster Cluster, logger *slog.Logger) *Router {
	return &Router{
		trie:    trie,
		cluster: cluster,
		logger:  logger,
	}
}

// Subscribe adds a subscription to the local trie and replicates it.
func (r *Router) Subscribe(ctx context.Context, sub *topics.Subscription) error {
	r.trie.Insert(sub)
	if err := r.cluster.Subscribe(ctx, sub); err != nil {
		r.trie.Remove(sub.ClientID, sub.Filter)
		return err
	}
	return nil
}

// Unsubscribe removes a subscription from the local trie and replicates
// the removal.
func (r *Router) Unsubscribe(ctx context.Context, clientID, filter string) error {
	r.trie.Remove(clientID, filter)
	return r.cluster.Unsubscribe(ctx, clientID, filter)
}

// UnsubscribeAll removes all of a client's subscriptions, locally and
// replicated.
func (r *Router) UnsubscribeAll(ctx context.Context, clientID string) error {
	r.trie.RemoveAll(clientID)
	return r.cluster.UnsubscribeAll(ctx, clientID)
}

// Match returns local subscriptions matching a topic.
func (r *Router) Match(topic string) []*topics.Subscription {
	return r.trie.Match(topic)
}

// Route distributes a publish: retained handling, local fan-out, then one
// forward per remote node with matching subscribers. sourceClientID is the
// publishing client (empty for wills, bridged and $SYS messages) and
// drives no-local suppression. remote marks messages that arrived from a
// peer, which must not be forwarded again.
func (r *Router) Route(ctx context.Context, msg *storage.Message, sourceClientID string, remote bool) error {
	if msg.Retain {
		// Retained state is replicated so every node answers new
		// subscriptions identically.
		if !remote {
			if err := r.cluster.SetRetained(ctx, msg); err != nil {
				return err
			}
		}
	}

	for _, sub := range r.trie.Match(msg.Topic) {
		if sub.NoLocal && sub.ClientID == sourceClientID {
			continue
		}

		out := storage.CopyMessage(msg)
		if sub.QoS < out.QoS {
			out.QoS = sub.QoS
		}
		// The retain flag on delivery is only preserved for
		// retain-as-published subscriptions.
		if !sub.RetainAsPublished {
			out.Retain = false
		}
		if sub.SubscriptionID > 0 {
			out.SubscriptionIDs = append(out.SubscriptionIDs, sub.SubscriptionID)
		}

		r.deliver(sub, out)
	}

	if remote {
		return nil
	}
	for _, nodeID := range r.cluster.RemoteNodes(msg.Topic) {
		if err := r.cluster.Forward(ctx, nodeID, msg); err != nil {
			r.logger.Warn("forward to peer failed",
				"node", nodeID, "topic", msg.Topic, "error", err)
			continue
		}
		r.metrics.RecordForwarded(nodeID)
	}
	return nil
}

// RouteRetainedFor delivers retained messages matching a fresh
// subscription, applying the v5 retain-handling option:
//
//	0 - always send
//	1 - send only if the subscription did not exist before
//	2 - never send
func (r *Router) RouteRetainedFor(retained *storage.RetainedStore, sub *topics.Subscription, existed bool) error {
	switch sub.RetainHandling {
	case 2:
		return nil
	case 1:
		if existed {
			return nil
		}
	}

	msgs, err := retained.Match(sub.Filter)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, msg := range msgs {
		if msg.Expired(now) {
			continue
		}
		out := storage.CopyMessage(msg)
		if sub.QoS < out.QoS {
			out.QoS = sub.QoS
		}
		out.Retain = true
		if sub.SubscriptionID > 0 {
			out.SubscriptionIDs = append(out.SubscriptionIDs, sub.SubscriptionID)
		}
		r.deliver(sub, out)
	}
	return nil
}
