// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/binary"
	"encoding/json"
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

// ErrKeyNotFound is returned when a key is absent from the stable store.
var ErrKeyNotFound = errors.New("key not found")

const (
	logPrefix    = "raft:log:"
	stablePrefix = "raft:stable:"
)

// LogStore implements raft.LogStore on BadgerDB. Entries are keyed by
// big-endian index under a fixed prefix so iteration order is log order.
type LogStore struct {
	db *badger.DB
}

// NewLogStore creates a Badger-backed raft log store.
func NewLogStore(db *badger.DB) *LogStore {
	return &LogStore{db: db}
}

// FirstIndex returns the index of the first log entry.
func (s *LogStore) FirstIndex() (uint64, error) {
	var first uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek([]byte(logPrefix))
		if !it.ValidForPrefix([]byte(logPrefix)) {
			return nil
		}
		first = decodeLogKey(it.Item().Key())
		return nil
	})
	return first, err
}

// LastIndex returns the index of the last log entry.
func (s *LogStore) LastIndex() (uint64, error) {
	var last uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		end := append([]byte(logPrefix), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		it.Seek(end)
		if !it.ValidForPrefix([]byte(logPrefix)) {
			return nil
		}
		last = decodeLogKey(it.Item().Key())
		return nil
	})
	return last, err
}

// GetLog retrieves the log entry at the given index.
func (s *LogStore) GetLog(index uint64, log *raft.Log) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(encodeLogKey(index))
		if err == badger.ErrKeyNotFound {
			return raft.ErrLogNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, log)
		})
	})
}

// StoreLog stores a single log entry.
func (s *LogStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores multiple log entries in one transaction.
func (s *LogStore) StoreLogs(logs []*raft.Log) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for _, log := range logs {
			val, err := json.Marshal(log)
			if err != nil {
				return err
			}
			if err := txn.Set(encodeLogKey(log.Index), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteRange deletes log entries in [min, max] inclusive.
func (s *LogStore) DeleteRange(min, max uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for idx := min; idx <= max; idx++ {
			if err := txn.Delete(encodeLogKey(idx)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

func encodeLogKey(index uint64) []byte {
	key := make([]byte, len(logPrefix)+8)
	copy(key, logPrefix)
	binary.BigEndian.PutUint64(key[len(logPrefix):], index)
	return key
}

func decodeLogKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(logPrefix):])
}

// StableStore implements raft.StableStore on BadgerDB, holding raft
// metadata like current term and vote.
type StableStore struct {
	db *badger.DB
}

// NewStableStore creates a Badger-backed raft stable store.
func NewStableStore(db *badger.DB) *StableStore {
	return &StableStore{db: db}
}

// Set stores a key-value pair.
func (s *StableStore) Set(key, val []byte) error {
	fullKey := append([]byte(stablePrefix), key...)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fullKey, val)
	})
}

// Get retrieves a value by key.
func (s *StableStore) Get(key []byte) ([]byte, error) {
	fullKey := append([]byte(stablePrefix), key...)
	var val []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fullKey)
		if err == badger.ErrKeyNotFound {
			return ErrKeyNotFound
		}
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	return val, err
}

// SetUint64 stores a uint64 value.
func (s *StableStore) SetUint64(key []byte, val uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, val)
	return s.Set(key, buf)
}

// GetUint64 retrieves a uint64 value. Absent keys read as zero, which is
// what raft expects on first boot.
func (s *StableStore) GetUint64(key []byte) (uint64, error) {
	val, err := s.Get(key)
	if errors.Is(err, ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(val) != 8 {
		return 0, errors.New("invalid uint64 value length")
	}
	return binary.BigEndian.Uint64(val), nil
}
