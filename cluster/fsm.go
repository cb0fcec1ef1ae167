// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"
	"github.com/klauspost/compress/s2"

	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/topics"
)

// SubEntry is one replicated subscription: which client, on which node,
// with which options.
type SubEntry struct {
	ClientID          string `json:"client_id"`
	NodeID            string `json:"node_id"`
	Filter            string `json:"filter"`
	QoS               byte   `json:"qos"`
	NoLocal           bool   `json:"no_local,omitempty"`
	RetainAsPublished bool   `json:"retain_as_published,omitempty"`
	RetainHandling    byte   `json:"retain_handling,omitempty"`
	SubscriptionID    uint32 `json:"subscription_id,omitempty"`
}

// FSM is the replicated broker state: the cluster-wide subscription
// index, session ownership, and the retained message set. Every node
// applies the same command sequence, so the in-memory maps and the local
// retained store converge without coordination.
type FSM struct {
	mu sync.RWMutex

	// filter -> clientID -> entry
	subs map[string]map[string]*SubEntry

	// clientID -> owning nodeID
	owners map[string]string

	retained *storage.RetainedStore
	logger   *slog.Logger
}

// NewFSM creates the state machine. The retained store receives replicated
// retained messages as they commit.
func NewFSM(retained *storage.RetainedStore, logger *slog.Logger) *FSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSM{
		subs:     make(map[string]map[string]*SubEntry),
		owners:   make(map[string]string),
		retained: retained,
		logger:   logger,
	}
}

// Apply applies one committed log entry. Called by raft on every node.
func (f *FSM) Apply(l *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		f.logger.Error("unmarshal raft command", "error", err)
		return &ApplyResult{Error: err}
	}

	switch cmd.Type {
	case OpSubscribe:
		return f.applySubscribe(&cmd)
	case OpUnsubscribe:
		return f.applyUnsubscribe(&cmd)
	case OpUnsubscribeAll:
		return f.applyUnsubscribeAll(&cmd)
	case OpSetRetained:
		return f.applySetRetained(&cmd)
	case OpClaimSession:
		return f.applyClaimSession(&cmd)
	case OpReleaseSession:
		return f.applyReleaseSession(&cmd)
	default:
		err := fmt.Errorf("unknown command type: %d", cmd.Type)
		f.logger.Error("unknown raft command", "op_type", int(cmd.Type))
		return &ApplyResult{Error: err}
	}
}

func (f *FSM) applySubscribe(cmd *Command) *ApplyResult {
	if cmd.Filter == "" || cmd.ClientID == "" {
		return &ApplyResult{Error: fmt.Errorf("subscribe command missing filter or client")}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	byClient, ok := f.subs[cmd.Filter]
	if !ok {
		byClient = make(map[string]*SubEntry)
		f.subs[cmd.Filter] = byClient
	}
	byClient[cmd.ClientID] = &SubEntry{
		ClientID:          cmd.ClientID,
		NodeID:            cmd.NodeID,
		Filter:            cmd.Filter,
		QoS:               cmd.QoS,
		NoLocal:           cmd.NoLocal,
		RetainAsPublished: cmd.RetainAsPublished,
		RetainHandling:    cmd.RetainHandling,
		SubscriptionID:    cmd.SubscriptionID,
	}
	return &ApplyResult{}
}

func (f *FSM) applyUnsubscribe(cmd *Command) *ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	if byClient, ok := f.subs[cmd.Filter]; ok {
		delete(byClient, cmd.ClientID)
		if len(byClient) == 0 {
			delete(f.subs, cmd.Filter)
		}
	}
	return &ApplyResult{}
}

func (f *FSM) applyUnsubscribeAll(cmd *Command) *ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	for filter, byClient := range f.subs {
		delete(byClient, cmd.ClientID)
		if len(byClient) == 0 {
			delete(f.subs, filter)
		}
	}
	return &ApplyResult{}
}

func (f *FSM) applySetRetained(cmd *Command) *ApplyResult {
	if cmd.Message == nil {
		return &ApplyResult{Error: fmt.Errorf("nil message in retained command")}
	}
	if err := f.retained.Set(cmd.Message.Topic, cmd.Message); err != nil {
		f.logger.Error("apply retained message",
			"topic", cmd.Message.Topic, "error", err)
		return &ApplyResult{Error: err}
	}
	return &ApplyResult{}
}

func (f *FSM) applyClaimSession(cmd *Command) *ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[cmd.ClientID] = cmd.NodeID
	return &ApplyResult{}
}

func (f *FSM) applyReleaseSession(cmd *Command) *ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Only the recorded owner may release; a stale release from a node
	// that already lost the session must not clobber the new owner.
	if f.owners[cmd.ClientID] == cmd.NodeID {
		delete(f.owners, cmd.ClientID)
	}
	return &ApplyResult{}
}

// NodesFor returns the IDs of nodes holding at least one subscription
// matching the topic, excluding the given node.
func (f *FSM) NodesFor(topic, excludeNode string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	seen := make(map[string]struct{})
	for filter, byClient := range f.subs {
		if !topics.Match(filter, topic) {
			continue
		}
		for _, entry := range byClient {
			if entry.NodeID == excludeNode {
				continue
			}
			seen[entry.NodeID] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	nodes := make([]string, 0, len(seen))
	for n := range seen {
		nodes = append(nodes, n)
	}
	return nodes
}

// Owner returns the node currently owning a client session.
func (f *FSM) Owner(clientID string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	node, ok := f.owners[clientID]
	return node, ok
}

// SubscriptionCount returns the number of replicated subscriptions.
func (f *FSM) SubscriptionCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := 0
	for _, byClient := range f.subs {
		n += len(byClient)
	}
	return n
}

// snapshotData is the serialized FSM state.
type snapshotData struct {
	Subscriptions []*SubEntry         `json:"subscriptions"`
	Owners        map[string]string   `json:"owners"`
	Retained      []*storage.Message  `json:"retained"`
}

// Snapshot captures the current state for log compaction.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	data := snapshotData{
		Owners: make(map[string]string, len(f.owners)),
	}
	for _, byClient := range f.subs {
		for _, entry := range byClient {
			cp := *entry
			data.Subscriptions = append(data.Subscriptions, &cp)
		}
	}
	for client, node := range f.owners {
		data.Owners[client] = node
	}
	f.mu.RUnlock()

	retained, err := f.retained.All()
	if err != nil {
		return nil, fmt.Errorf("snapshot retained messages: %w", err)
	}
	data.Retained = retained

	f.logger.Info("creating snapshot",
		"subscriptions", len(data.Subscriptions),
		"retained", len(data.Retained))
	return &fsmSnapshot{data: data}, nil
}

// Restore replaces the FSM state from a snapshot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var data snapshotData
	if err := json.NewDecoder(s2.NewReader(rc)).Decode(&data); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.subs = make(map[string]map[string]*SubEntry)
	for _, entry := range data.Subscriptions {
		byClient, ok := f.subs[entry.Filter]
		if !ok {
			byClient = make(map[string]*SubEntry)
			f.subs[entry.Filter] = byClient
		}
		byClient[entry.ClientID] = entry
	}
	f.owners = data.Owners
	if f.owners == nil {
		f.owners = make(map[string]string)
	}
	f.mu.Unlock()

	for _, msg := range data.Retained {
		if err := f.retained.Set(msg.Topic, msg); err != nil {
			return fmt.Errorf("restore retained message %q: %w", msg.Topic, err)
		}
	}

	f.logger.Info("restored snapshot",
		"subscriptions", len(data.Subscriptions),
		"retained", len(data.Retained))
	return nil
}

// fsmSnapshot writes the captured state as s2-compressed JSON.
type fsmSnapshot struct {
	data snapshotData
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	w := s2.NewWriter(sink)
	if err := json.NewEncoder(w).Encode(&s.data); err != nil {
		sink.Cancel()
		return err
	}
	if err := w.Close(); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
