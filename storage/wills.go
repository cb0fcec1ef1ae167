// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// WillStore persists will messages so a delayed will survives a broker
// restart. Wills fire when the owning session disconnects abnormally, after
// the configured delay.
//
// Key layout: will:{clientID}
type WillStore struct {
	kv KV
}

// NewWillStore creates a will message store over the given KV backend.
func NewWillStore(kv KV) *WillStore {
	return &WillStore{kv: kv}
}

const willPrefix = "will:"

// Set stores the will message registered by a client's CONNECT.
func (w *WillStore) Set(clientID string, will *WillMessage) error {
	data, err := json.Marshal(will)
	if err != nil {
		return fmt.Errorf("marshal will message: %w", err)
	}
	return w.kv.Put([]byte(willPrefix+clientID), data)
}

// Get retrieves the pending will for a client.
func (w *WillStore) Get(clientID string) (*WillMessage, error) {
	data, err := w.kv.Get([]byte(willPrefix + clientID))
	if err != nil {
		return nil, err
	}
	will := &WillMessage{}
	if err := json.Unmarshal(data, will); err != nil {
		return nil, fmt.Errorf("unmarshal will message: %w", err)
	}
	return will, nil
}

// Delete discards a client's will, either after it fired or on a clean
// disconnect.
func (w *WillStore) Delete(clientID string) error {
	return w.kv.Delete([]byte(willPrefix + clientID))
}

// DeleteOps returns the batch operation clearing a client's will, for use
// in a session teardown batch.
func (w *WillStore) DeleteOps(clientID string) []Op {
	return []Op{DeleteOp([]byte(willPrefix + clientID))}
}

// GetPending returns the wills whose delay elapsed at or before the given
// time, keyed by client ID. Wills with a zero TriggerAt are armed but not
// yet scheduled and are skipped.
func (w *WillStore) GetPending(before time.Time) (map[string]*WillMessage, error) {
	pending := make(map[string]*WillMessage)
	err := w.kv.Iterate([]byte(willPrefix), func(key, value []byte) error {
		will := &WillMessage{}
		if err := json.Unmarshal(value, will); err != nil {
			return fmt.Errorf("unmarshal will message: %w", err)
		}
		if will.TriggerAt.IsZero() || will.TriggerAt.After(before) {
			return nil
		}
		pending[string(key[len(willPrefix):])] = will
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pending, nil
}
