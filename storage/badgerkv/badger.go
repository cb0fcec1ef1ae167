// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

// Package badgerkv provides a BadgerDB-backed key-value backend for durable
// broker state.
package badgerkv

import (
	"errors"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/driftmq/driftmq/storage"
)

var _ storage.KV = (*KV)(nil)

// KV is a BadgerDB-backed ordered key-value store.
type KV struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir string // Directory for BadgerDB data
}

// Open opens or creates the database at cfg.Dir.
func Open(cfg Config) (*KV, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Disable encryption to avoid "Invalid datakey id" errors on restart
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	// Async writes: in-flight MQTT state can be re-derived on redelivery.
	// SyncWrites=true fsyncs on every write, which is 10-100x slower.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	kv := &KV{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	// Start background value log GC
	go kv.runGC()

	return kv, nil
}

// Get retrieves the value for a key.
func (kv *KV) Get(key []byte) ([]byte, error) {
	var value []byte
	err := kv.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores a value under a key, replacing any existing value.
func (kv *KV) Put(key, value []byte) error {
	return kv.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	})
}

// Delete removes a key. Deleting a missing key is not an error.
func (kv *KV) Delete(key []byte) error {
	return kv.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// ApplyBatch applies all operations in a single transaction, so the batch
// commits or fails as a whole.
func (kv *KV) ApplyBatch(ops []storage.Op) error {
	return kv.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if op.Delete {
				if err := txn.Delete(op.Key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
					return err
				}
				continue
			}
			if err := txn.Set(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Iterate visits all keys with the given prefix in lexicographic order
// within a read transaction. Returning an error from fn stops the scan.
func (kv *KV) Iterate(prefix []byte, fn func(key, value []byte) error) error {
	return kv.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(item.KeyCopy(nil), value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close gracefully closes the database.
func (kv *KV) Close() error {
	kv.mu.Lock()
	if kv.closed {
		kv.mu.Unlock()
		return nil
	}
	kv.closed = true
	kv.mu.Unlock()

	close(kv.gcStopCh)
	<-kv.gcDone

	return kv.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (kv *KV) runGC() {
	defer close(kv.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim value log files that are at least half garbage. An
			// error just means no GC was needed.
			_ = kv.db.RunValueLogGC(0.5)
		case <-kv.gcStopCh:
			// Skip final GC: GC during close can corrupt the vlog.
			return
		}
	}
}
