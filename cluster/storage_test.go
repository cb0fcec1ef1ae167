// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"bytes"
	"errors"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/hashicorp/raft"
)

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir())
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestLogStoreFirstLastIndex(t *testing.T) {
	store := NewLogStore(newTestDB(t))

	first, err := store.FirstIndex()
	if err != nil {
		t.Fatalf("first index: %v", err)
	}
	last, err := store.LastIndex()
	if err != nil {
		t.Fatalf("last index: %v", err)
	}
	if first != 0 || last != 0 {
		t.Errorf("empty store indexes = %d, %d; want 0, 0", first, last)
	}

	for i := uint64(3); i <= 7; i++ {
		if err := store.StoreLog(&raft.Log{Index: i, Term: 1, Data: []byte("entry")}); err != nil {
			t.Fatalf("store log %d: %v", i, err)
		}
	}

	first, _ = store.FirstIndex()
	last, _ = store.LastIndex()
	if first != 3 || last != 7 {
		t.Errorf("indexes = %d, %d; want 3, 7", first, last)
	}
}

func TestLogStoreGetLog(t *testing.T) {
	store := NewLogStore(newTestDB(t))

	want := &raft.Log{Index: 42, Term: 2, Type: raft.LogCommand, Data: []byte("payload")}
	if err := store.StoreLog(want); err != nil {
		t.Fatalf("store log: %v", err)
	}

	var got raft.Log
	if err := store.GetLog(42, &got); err != nil {
		t.Fatalf("get log: %v", err)
	}
	if got.Index != want.Index || got.Term != want.Term || !bytes.Equal(got.Data, want.Data) {
		t.Errorf("got log %+v, want %+v", got, want)
	}

	if err := store.GetLog(99, &got); !errors.Is(err, raft.ErrLogNotFound) {
		t.Errorf("missing log error = %v, want raft.ErrLogNotFound", err)
	}
}

func TestLogStoreStoreLogsBatch(t *testing.T) {
	store := NewLogStore(newTestDB(t))

	logs := make([]*raft.Log, 0, 10)
	for i := uint64(1); i <= 10; i++ {
		logs = append(logs, &raft.Log{Index: i, Term: 1, Data: []byte{byte(i)}})
	}
	if err := store.StoreLogs(logs); err != nil {
		t.Fatalf("store logs: %v", err)
	}

	var got raft.Log
	for i := uint64(1); i <= 10; i++ {
		if err := store.GetLog(i, &got); err != nil {
			t.Fatalf("get log %d: %v", i, err)
		}
		if got.Data[0] != byte(i) {
			t.Errorf("log %d data = %v", i, got.Data)
		}
	}
}

func TestLogStoreDeleteRange(t *testing.T) {
	store := NewLogStore(newTestDB(t))

	for i := uint64(1); i <= 10; i++ {
		if err := store.StoreLog(&raft.Log{Index: i, Term: 1}); err != nil {
			t.Fatalf("store log %d: %v", i, err)
		}
	}

	if err := store.DeleteRange(1, 5); err != nil {
		t.Fatalf("delete range: %v", err)
	}

	var got raft.Log
	if err := store.GetLog(3, &got); !errors.Is(err, raft.ErrLogNotFound) {
		t.Errorf("deleted log error = %v, want raft.ErrLogNotFound", err)
	}
	if err := store.GetLog(6, &got); err != nil {
		t.Errorf("surviving log: %v", err)
	}

	first, _ := store.FirstIndex()
	last, _ := store.LastIndex()
	if first != 6 || last != 10 {
		t.Errorf("indexes after delete = %d, %d; want 6, 10", first, last)
	}
}

func TestStableStoreSetGet(t *testing.T) {
	store := NewStableStore(newTestDB(t))

	if _, err := store.Get([]byte("missing")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("missing key error = %v, want ErrKeyNotFound", err)
	}

	if err := store.Set([]byte("current-term-holder"), []byte("node-a")); err != nil {
		t.Fatalf("set: %v", err)
	}
	val, err := store.Get([]byte("current-term-holder"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(val) != "node-a" {
		t.Errorf("value = %q, want node-a", val)
	}
}

func TestStableStoreUint64(t *testing.T) {
	store := NewStableStore(newTestDB(t))

	// Absent keys read as zero so raft can boot on a fresh store.
	val, err := store.GetUint64([]byte("current-term"))
	if err != nil {
		t.Fatalf("get absent uint64: %v", err)
	}
	if val != 0 {
		t.Errorf("absent uint64 = %d, want 0", val)
	}

	if err := store.SetUint64([]byte("current-term"), 12); err != nil {
		t.Fatalf("set uint64: %v", err)
	}
	val, err = store.GetUint64([]byte("current-term"))
	if err != nil {
		t.Fatalf("get uint64: %v", err)
	}
	if val != 12 {
		t.Errorf("uint64 = %d, want 12", val)
	}
}

func TestLogAndStableStoresShareDB(t *testing.T) {
	db := newTestDB(t)
	logs := NewLogStore(db)
	stable := NewStableStore(db)

	if err := logs.StoreLog(&raft.Log{Index: 1, Term: 1}); err != nil {
		t.Fatalf("store log: %v", err)
	}
	if err := stable.SetUint64([]byte("last-vote-term"), 1); err != nil {
		t.Fatalf("set uint64: %v", err)
	}

	// Key prefixes keep the two stores from colliding in one badger DB.
	var got raft.Log
	if err := logs.GetLog(1, &got); err != nil {
		t.Errorf("get log: %v", err)
	}
	if v, err := stable.GetUint64([]byte("last-vote-term")); err != nil || v != 1 {
		t.Errorf("get uint64 = %d, %v; want 1, nil", v, err)
	}
}
