// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"time"

	"github.com/driftmq/driftmq/storage"
)

// OpType identifies a replicated state machine operation.
type OpType uint8

const (
	// Subscription index operations
	OpSubscribe OpType = iota
	OpUnsubscribe
	OpUnsubscribeAll

	// Retained message operations
	OpSetRetained

	// Session ownership operations
	OpClaimSession
	OpReleaseSession
)

// Command is one entry in the replicated log. Commands are serialized as
// JSON; every field an operation does not use stays empty on the wire.
type Command struct {
	Type      OpType    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	NodeID   string `json:"node_id,omitempty"`
	ClientID string `json:"client_id,omitempty"`

	// For OpSubscribe / OpUnsubscribe
	Filter            string `json:"filter,omitempty"`
	QoS               byte   `json:"qos,omitempty"`
	NoLocal           bool   `json:"no_local,omitempty"`
	RetainAsPublished bool   `json:"retain_as_published,omitempty"`
	RetainHandling    byte   `json:"retain_handling,omitempty"`
	SubscriptionID    uint32 `json:"subscription_id,omitempty"`

	// For OpSetRetained; an empty payload clears the topic.
	Message *storage.Message `json:"message,omitempty"`
}

// ApplyResult is returned from FSM.Apply through the raft future.
type ApplyResult struct {
	Error error
}
