// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory key-value backend, used for
// single-node deployments without persistence and throughout the tests.
package memory

import (
	"sort"
	"strings"
	"sync"

	"github.com/driftmq/driftmq/storage"
)

// KV is an ordered in-memory key-value store. Iteration visits keys in
// lexicographic order, matching the durable backend's semantics.
type KV struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// New creates an empty in-memory store.
func New() *KV {
	return &KV{data: make(map[string][]byte)}
}

// Get retrieves the value for a key.
func (kv *KV) Get(key []byte) ([]byte, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	if kv.closed {
		return nil, storage.ErrClosed
	}
	value, ok := kv.data[string(key)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Put stores a value under a key, replacing any existing value.
func (kv *KV) Put(key, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.closed {
		return storage.ErrClosed
	}
	kv.data[string(key)] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (kv *KV) Delete(key []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.closed {
		return storage.ErrClosed
	}
	delete(kv.data, string(key))
	return nil
}

// ApplyBatch applies all operations under one lock acquisition, so readers
// never observe a partially applied batch.
func (kv *KV) ApplyBatch(ops []storage.Op) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.closed {
		return storage.ErrClosed
	}
	for _, op := range ops {
		if op.Delete {
			delete(kv.data, string(op.Key))
		} else {
			kv.data[string(op.Key)] = append([]byte(nil), op.Value...)
		}
	}
	return nil
}

// Iterate visits all keys with the given prefix in lexicographic order.
// The callback receives copies and may not mutate the store; returning an
// error stops the scan.
func (kv *KV) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	kv.mu.RLock()
	if kv.closed {
		kv.mu.RUnlock()
		return storage.ErrClosed
	}

	p := string(prefix)
	keys := make([]string, 0, len(kv.data))
	for k := range kv.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	// Snapshot values so fn can issue writes without deadlocking.
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), kv.data[k]...)
	}
	kv.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k), values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the store closed. Further operations return ErrClosed.
func (kv *KV) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	kv.closed = true
	kv.data = nil
	return nil
}
