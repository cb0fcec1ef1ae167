// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the broker's storage abstraction: a generic
// ordered byte-key/byte-value store with atomic batch writes, plus the typed
// stores (messages, sessions, retained, wills) layered on top of it.
package storage

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrClosed        = errors.New("store is closed")
)

// Op is a single write in an atomic batch.
type Op struct {
	Delete bool
	Key    []byte
	Value  []byte
}

// PutOp builds a put operation.
func PutOp(key, value []byte) Op { return Op{Key: key, Value: value} }

// DeleteOp builds a delete operation.
func DeleteOp(key []byte) Op { return Op{Delete: true, Key: key} }

// KV is a uniform interface over an ordered byte store. Implementations
// guarantee that ApplyBatch is all-or-nothing and that Iterate visits keys
// in ascending byte order.
type KV interface {
	// Get returns the value for a key, or ErrNotFound.
	Get(key []byte) ([]byte, error)

	// Put stores a key/value pair.
	Put(key, value []byte) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error

	// ApplyBatch applies all operations atomically.
	ApplyBatch(ops []Op) error

	// Iterate calls fn for every key with the given prefix, in key order.
	// Returning a non-nil error from fn stops the iteration.
	Iterate(prefix []byte, fn func(key, value []byte) error) error

	// Close releases the underlying resources.
	Close() error
}

// Message is a stored application message, normalized across protocol
// versions.
type Message struct {
	Topic           string            `json:"topic"`
	Payload         []byte            `json:"payload,omitempty"`
	QoS             byte              `json:"qos"`
	Retain          bool              `json:"retain,omitempty"`
	Dup             bool              `json:"dup,omitempty"`
	PacketID        uint16            `json:"packet_id,omitempty"`
	PublishTime     time.Time         `json:"publish_time,omitzero"`
	Expiry          time.Time         `json:"expiry,omitzero"`
	ContentType     string            `json:"content_type,omitempty"`
	ResponseTopic   string            `json:"response_topic,omitempty"`
	CorrelationData []byte            `json:"correlation_data,omitempty"`
	PayloadFormat   *byte             `json:"payload_format,omitempty"`
	MessageExpiry   *uint32           `json:"message_expiry,omitempty"`
	UserProperties  map[string]string `json:"user_properties,omitempty"`
	SubscriptionIDs []uint32          `json:"subscription_ids,omitempty"`
}

// Expired reports whether the message's expiry has passed.
func (m *Message) Expired(now time.Time) bool {
	return !m.Expiry.IsZero() && now.After(m.Expiry)
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}

	cp := *msg
	if len(msg.Payload) > 0 {
		cp.Payload = make([]byte, len(msg.Payload))
		copy(cp.Payload, msg.Payload)
	}
	if len(msg.CorrelationData) > 0 {
		cp.CorrelationData = make([]byte, len(msg.CorrelationData))
		copy(cp.CorrelationData, msg.CorrelationData)
	}
	if msg.PayloadFormat != nil {
		pf := *msg.PayloadFormat
		cp.PayloadFormat = &pf
	}
	if msg.MessageExpiry != nil {
		me := *msg.MessageExpiry
		cp.MessageExpiry = &me
	}
	if len(msg.UserProperties) > 0 {
		cp.UserProperties = make(map[string]string, len(msg.UserProperties))
		for k, v := range msg.UserProperties {
			cp.UserProperties[k] = v
		}
	}
	if len(msg.SubscriptionIDs) > 0 {
		cp.SubscriptionIDs = append([]uint32(nil), msg.SubscriptionIDs...)
	}
	return &cp
}

// Session is persisted session metadata. Subscriptions are part of the
// durable state: a resumed session must route exactly what it routed
// before the restart.
type Session struct {
	ClientID       string                         `json:"client_id"`
	Version        byte                           `json:"version"`
	CleanStart     bool                           `json:"clean_start"`
	ExpiryInterval uint32                         `json:"expiry_interval"`
	ReceiveMaximum uint16                         `json:"receive_maximum,omitempty"`
	MaxPacketSize  uint32                         `json:"max_packet_size,omitempty"`
	TopicAliasMax  uint16                         `json:"topic_alias_max,omitempty"`
	Connected      bool                           `json:"connected"`
	ConnectedAt    time.Time                      `json:"connected_at,omitzero"`
	DisconnectedAt time.Time                      `json:"disconnected_at,omitzero"`
	Subscriptions  map[string]SubscriptionOptions `json:"subscriptions,omitempty"`
}

// SubscriptionOptions is the persisted per-filter subscription state.
type SubscriptionOptions struct {
	QoS               byte   `json:"qos"`
	NoLocal           bool   `json:"no_local,omitempty"`
	RetainAsPublished bool   `json:"retain_as_published,omitempty"`
	RetainHandling    byte   `json:"retain_handling,omitempty"`
	SubscriptionID    uint32 `json:"subscription_id,omitempty"`
}

// WillMessage is a stored will message, published when its owner disconnects
// ungracefully.
type WillMessage struct {
	ClientID   string            `json:"client_id"`
	Topic      string            `json:"topic"`
	Payload    []byte            `json:"payload,omitempty"`
	QoS        byte              `json:"qos"`
	Retain     bool              `json:"retain,omitempty"`
	Delay      uint32            `json:"delay,omitempty"`  // seconds before publish
	Expiry     uint32            `json:"expiry,omitempty"` // message expiry in seconds
	Properties map[string]string `json:"properties,omitempty"`
	TriggerAt  time.Time         `json:"trigger_at,omitzero"`
}

// Store bundles the typed stores sharing one KV backend.
type Store struct {
	kv       KV
	Messages *MessageStore
	Sessions *SessionStore
	Retained *RetainedStore
	Wills    *WillStore
}

// New creates a composite store over the given KV backend.
func New(kv KV) *Store {
	return &Store{
		kv:       kv,
		Messages: NewMessageStore(kv),
		Sessions: NewSessionStore(kv),
		Retained: NewRetainedStore(kv),
		Wills:    NewWillStore(kv),
	}
}

// KV returns the underlying key-value store, for cross-store batches.
func (s *Store) KV() KV { return s.kv }

// Close closes the underlying KV backend.
func (s *Store) Close() error { return s.kv.Close() }
