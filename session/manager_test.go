package session

import (
	"testing"
	"time"

	"github.com/driftmq/driftmq/packets"
	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/storage/memory"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	st := storage.New(memory.New())
	m := NewManager(st, nil)
	t.Cleanup(func() { m.Close() })
	return m, st
}

func TestManagerGetOrCreateNew(t *testing.T) {
	m, _ := newTestManager(t)

	sess, resumed, err := m.GetOrCreate("client1", 4, DefaultOptions())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if resumed {
		t.Error("fresh session should not report resumed state")
	}
	if sess.ID != "client1" {
		t.Errorf("ID: got %s", sess.ID)
	}
	if m.Count() != 1 {
		t.Errorf("count: got %d, want 1", m.Count())
	}
}

func TestManagerResumeReportsSessionPresent(t *testing.T) {
	m, _ := newTestManager(t)

	opts := DefaultOptions()
	opts.CleanStart = false
	opts.ExpiryInterval = 3600

	s1, _, err := m.GetOrCreate("client1", 4, opts)
	if err != nil {
		t.Fatalf("first connect: %v", err)
	}
	conn := newMockConnection()
	s1.Connect(conn)
	s1.Disconnect(false)

	s2, resumed, err := m.GetOrCreate("client1", 4, opts)
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if !resumed {
		t.Error("reconnect without clean start should resume")
	}
	if s2 != s1 {
		t.Error("expected the same session instance")
	}
}

func TestManagerCleanStartDiscardsState(t *testing.T) {
	m, st := newTestManager(t)

	opts := DefaultOptions()
	opts.CleanStart = false
	opts.ExpiryInterval = 3600

	s1, _, err := m.GetOrCreate("client1", 4, opts)
	if err != nil {
		t.Fatal(err)
	}
	s1.OfflineQueue.Enqueue(&storage.Message{Topic: "old", QoS: 1})

	clean := DefaultOptions()
	clean.CleanStart = true
	s2, resumed, err := m.GetOrCreate("client1", 4, clean)
	if err != nil {
		t.Fatal(err)
	}
	if resumed {
		t.Error("clean start must not resume state")
	}
	if s2 == s1 {
		t.Error("clean start should produce a fresh session")
	}
	if s2.OfflineQueue.Len() != 0 {
		t.Errorf("queue should be empty, got %d", s2.OfflineQueue.Len())
	}
	if _, err := st.Sessions.Get("client1"); err != nil {
		t.Errorf("new session should be persisted: %v", err)
	}
}

func TestManagerTakeover(t *testing.T) {
	m, _ := newTestManager(t)

	opts := DefaultOptions()
	opts.CleanStart = false
	opts.ExpiryInterval = 3600

	s1, _, err := m.GetOrCreate("client1", 4, opts)
	if err != nil {
		t.Fatal(err)
	}
	oldConn := newMockConnection()
	s1.Connect(oldConn)

	takeoverCh := make(chan string, 1)
	m.SetOnTakeover(func(s *Session) {
		takeoverCh <- s.ID
	})

	s2, resumed, err := m.GetOrCreate("client1", 4, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !resumed {
		t.Error("takeover should report session present")
	}
	if s2 != s1 {
		t.Error("takeover should reuse the session")
	}

	select {
	case id := <-takeoverCh:
		if id != "client1" {
			t.Errorf("takeover callback for %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("takeover callback not invoked")
	}

	oldConn.mu.Lock()
	closed := oldConn.closed
	oldConn.mu.Unlock()
	if !closed {
		t.Error("old connection should be closed")
	}
}

func TestManagerResumeRestoresSubscriptions(t *testing.T) {
	st := storage.New(memory.New())
	t.Cleanup(func() { st.Close() })

	opts := DefaultOptions()
	opts.CleanStart = false
	opts.ExpiryInterval = 3600

	m1 := NewManager(st, nil)
	s1, _, err := m1.GetOrCreate("durable", 4, opts)
	if err != nil {
		t.Fatal(err)
	}
	s1.AddSubscription("fleet/+/status", packets.SubOptions{QoS: 1})
	s1.AddSubscription("alerts/#", packets.SubOptions{QoS: 2, NoLocal: true})
	if err := m1.Save(s1); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	m1.Close()

	// A fresh manager over the same store simulates a process restart.
	m2 := NewManager(st, nil)
	t.Cleanup(func() { m2.Close() })

	s2, resumed, err := m2.GetOrCreate("durable", 4, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !resumed {
		t.Fatal("session should have been resumed from storage")
	}

	subs := s2.GetSubscriptions()
	if len(subs) != 2 {
		t.Fatalf("resumed subscriptions = %d, want 2", len(subs))
	}
	got, ok := subs["alerts/#"]
	if !ok {
		t.Fatal("alerts/# missing from resumed subscriptions")
	}
	if got.QoS != 2 || !got.NoLocal {
		t.Errorf("alerts/# options = %+v, want qos 2 no-local", got)
	}
	if subs["fleet/+/status"].QoS != 1 {
		t.Errorf("fleet/+/status qos = %d, want 1", subs["fleet/+/status"].QoS)
	}
}

func TestManagerPersistsPendingOnDisconnect(t *testing.T) {
	m, st := newTestManager(t)

	opts := DefaultOptions()
	opts.CleanStart = false
	opts.ExpiryInterval = 3600

	sess, _, err := m.GetOrCreate("client1", 4, opts)
	if err != nil {
		t.Fatal(err)
	}
	conn := newMockConnection()
	sess.Connect(conn)

	sess.OfflineQueue.Enqueue(&storage.Message{Topic: "q1", QoS: 1})
	sess.Inflight.Add(5, &storage.Message{Topic: "f1", QoS: 1}, Outbound)

	sess.Disconnect(false)

	// handleDisconnect runs in a callback goroutine.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		queued, _ := st.Messages.List("client1/queue/")
		inflight, _ := st.Messages.List("client1/inflight/")
		if len(queued) == 1 && len(inflight) == 1 {
			if inflight[0].PacketID != 5 {
				t.Errorf("inflight packet ID: got %d, want 5", inflight[0].PacketID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("pending messages never persisted")
}

func TestManagerDestroyClearsStorage(t *testing.T) {
	m, st := newTestManager(t)

	opts := DefaultOptions()
	opts.CleanStart = false
	opts.ExpiryInterval = 3600

	_, _, err := m.GetOrCreate("client1", 4, opts)
	if err != nil {
		t.Fatal(err)
	}
	st.Messages.Store("client1/queue/0000000000", &storage.Message{Topic: "a"})
	st.Wills.Set("client1", &storage.WillMessage{ClientID: "client1", Topic: "w"})

	if err := m.Destroy("client1"); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}

	if m.Get("client1") != nil {
		t.Error("session should be gone from cache")
	}
	if _, err := st.Sessions.Get("client1"); err == nil {
		t.Error("session metadata should be deleted")
	}
	msgs, _ := st.Messages.List("client1/")
	if len(msgs) != 0 {
		t.Errorf("messages should be deleted, got %d", len(msgs))
	}
	if _, err := st.Wills.Get("client1"); err == nil {
		t.Error("will should be deleted")
	}
}

func TestManagerWillTrigger(t *testing.T) {
	m, st := newTestManager(t)

	willCh := make(chan *storage.WillMessage, 1)
	m.SetOnWillTrigger(func(w *storage.WillMessage) {
		willCh <- w
	})

	st.Wills.Set("gone", &storage.WillMessage{
		ClientID:  "gone",
		Topic:     "status/gone",
		TriggerAt: time.Now().Add(-time.Second),
	})

	select {
	case will := <-willCh:
		if will.Topic != "status/gone" {
			t.Errorf("will topic: got %s", will.Topic)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("will never triggered")
	}

	// Fired wills are removed.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := st.Wills.Get("gone"); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("fired will should be deleted")
}
