// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
)

// MessageStore persists per-client inflight and offline-queue messages.
//
// Key layout:
//
//	msg:{clientID}/inflight/{packetID}
//	msg:{clientID}/queue/{seq}
type MessageStore struct {
	kv KV
}

// NewMessageStore creates a message store over the given KV backend.
func NewMessageStore(kv KV) *MessageStore {
	return &MessageStore{kv: kv}
}

const msgPrefix = "msg:"

// Store stores a message under a client-scoped key.
func (s *MessageStore) Store(key string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return s.kv.Put([]byte(msgPrefix+key), data)
}

// StoreAll stores a set of messages atomically.
func (s *MessageStore) StoreAll(entries map[string]*Message) error {
	ops := make([]Op, 0, len(entries))
	for key, msg := range entries {
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		ops = append(ops, PutOp([]byte(msgPrefix+key), data))
	}
	return s.kv.ApplyBatch(ops)
}

// Get retrieves a message by key.
func (s *MessageStore) Get(key string) (*Message, error) {
	data, err := s.kv.Get([]byte(msgPrefix + key))
	if err != nil {
		return nil, err
	}
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return msg, nil
}

// Delete removes a message.
func (s *MessageStore) Delete(key string) error {
	return s.kv.Delete([]byte(msgPrefix + key))
}

// List returns all messages with the given key prefix, in key order.
func (s *MessageStore) List(prefix string) ([]*Message, error) {
	var msgs []*Message
	err := s.kv.Iterate([]byte(msgPrefix+prefix), func(_, value []byte) error {
		msg := &Message{}
		if err := json.Unmarshal(value, msg); err != nil {
			return fmt.Errorf("unmarshal message: %w", err)
		}
		msgs = append(msgs, msg)
		return nil
	})
	return msgs, err
}

// DeleteByPrefix removes all messages matching a prefix in one batch.
func (s *MessageStore) DeleteByPrefix(prefix string) error {
	ops, err := s.deleteByPrefixOps(prefix)
	if err != nil {
		return err
	}
	return s.kv.ApplyBatch(ops)
}

func (s *MessageStore) deleteByPrefixOps(prefix string) ([]Op, error) {
	var ops []Op
	err := s.kv.Iterate([]byte(msgPrefix+prefix), func(key, _ []byte) error {
		ops = append(ops, DeleteOp(append([]byte(nil), key...)))
		return nil
	})
	return ops, err
}

// DeleteClientOps returns the batch operations removing every message
// belonging to a client, for composition into a larger atomic batch.
func (s *MessageStore) DeleteClientOps(clientID string) ([]Op, error) {
	return s.deleteByPrefixOps(clientID + "/")
}
