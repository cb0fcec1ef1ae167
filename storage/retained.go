// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/driftmq/driftmq/topics"
)

// RetainedStore persists the per-node mirror of retained messages, at most
// one per topic. Expired messages are treated as absent and purged lazily
// on access.
//
// Key layout: retained:{topic}
type RetainedStore struct {
	kv KV
}

// NewRetainedStore creates a retained message store over the given KV
// backend.
func NewRetainedStore(kv KV) *RetainedStore {
	return &RetainedStore{kv: kv}
}

const retainedPrefix = "retained:"

// Set stores or replaces the retained message for a topic. An empty payload
// clears the topic.
func (r *RetainedStore) Set(topic string, msg *Message) error {
	if len(msg.Payload) == 0 {
		return r.Delete(topic)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal retained message: %w", err)
	}
	return r.kv.Put([]byte(retainedPrefix+topic), data)
}

// Get retrieves the retained message for an exact topic.
func (r *RetainedStore) Get(topic string) (*Message, error) {
	data, err := r.kv.Get([]byte(retainedPrefix + topic))
	if err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal retained message: %w", err)
	}
	if msg.Expired(time.Now()) {
		_ = r.kv.Delete([]byte(retainedPrefix + topic))
		return nil, ErrNotFound
	}
	return msg, nil
}

// Delete removes the retained message for a topic.
func (r *RetainedStore) Delete(topic string) error {
	return r.kv.Delete([]byte(retainedPrefix + topic))
}

// Match returns all live retained messages whose topic matches the filter,
// applying the same wildcard rules as subscription matching. Expired
// entries encountered during the scan are purged.
func (r *RetainedStore) Match(filter string) ([]*Message, error) {
	now := time.Now()
	var matched []*Message
	var stale [][]byte

	err := r.kv.Iterate([]byte(retainedPrefix), func(key, value []byte) error {
		topic := string(key[len(retainedPrefix):])
		if !topics.Match(filter, topic) {
			return nil
		}

		msg := &Message{}
		if err := json.Unmarshal(value, msg); err != nil {
			return fmt.Errorf("unmarshal retained message: %w", err)
		}
		if msg.Expired(now) {
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}
		matched = append(matched, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, key := range stale {
		_ = r.kv.Delete(key)
	}
	return matched, nil
}

// All returns every live retained message, for snapshots and state
// transfer.
func (r *RetainedStore) All() ([]*Message, error) {
	now := time.Now()
	var all []*Message
	err := r.kv.Iterate([]byte(retainedPrefix), func(_, value []byte) error {
		msg := &Message{}
		if err := json.Unmarshal(value, msg); err != nil {
			return fmt.Errorf("unmarshal retained message: %w", err)
		}
		if msg.Expired(now) {
			return nil
		}
		all = append(all, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// Count returns the number of retained topics, expired entries included.
func (r *RetainedStore) Count() (int, error) {
	n := 0
	err := r.kv.Iterate([]byte(retainedPrefix), func(_, _ []byte) error {
		n++
		return nil
	})
	return n, err
}
