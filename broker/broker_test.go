// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/driftmq/driftmq/packets"
	"github.com/driftmq/driftmq/session"
	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/storage/memory"
)

// mockConn implements session.Connection for handler tests.
type mockConn struct {
	mu      sync.Mutex
	pkts    []packets.ControlPacket
	closed  bool
}

func (c *mockConn) ReadPacket() (packets.ControlPacket, error) {
	return nil, session.ErrNotConnected
}

func (c *mockConn) WritePacket(p packets.ControlPacket) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.ErrNotConnected
	}
	c.pkts = append(c.pkts, p)
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1883}
}

func (c *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (c *mockConn) written() []packets.ControlPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]packets.ControlPacket, len(c.pkts))
	copy(out, c.pkts)
	return out
}

// waitForPacket polls until the mock has received a packet of the given
// type; delivery goes through the session's async writer.
func waitForPacket(t *testing.T, c *mockConn, packetType byte) packets.ControlPacket {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, p := range c.written() {
			if p.Type() == packetType {
				return p
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s packet arrived", packets.PacketNames[packetType])
	return nil
}

func countPackets(c *mockConn, packetType byte) int {
	n := 0
	for _, p := range c.written() {
		if p.Type() == packetType {
			n++
		}
	}
	return n
}

func newTestBroker(t *testing.T) *Broker {
	cfg := DefaultConfig()
	cfg.SysInterval = 0
	return newTestBrokerCfg(t, cfg)
}

func newTestBrokerCfg(t *testing.T, cfg Config) *Broker {
	t.Helper()
	st := storage.New(memory.New())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(cfg, st, NewStandalone("test", st.Retained), logger)
	t.Cleanup(func() {
		b.Close()
		st.Close()
	})
	return b
}

// connectClient creates a connected session bound to a fresh mock conn.
func connectClient(t *testing.T, b *Broker, clientID string, version byte) (*session.Session, *mockConn) {
	t.Helper()
	opts := session.DefaultOptions()
	opts.CleanStart = true
	sess, _, err := b.sessions.GetOrCreate(clientID, version, opts)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	conn := &mockConn{}
	if err := sess.Connect(conn); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return sess, conn
}

func subscribe(t *testing.T, b *Broker, sess *session.Session, filter string, opts packets.SubOptions) {
	t.Helper()
	sub := &packets.Subscribe{
		FixedHeader: packets.FixedHeader{PacketType: packets.SubscribeType, QoS: 1},
		Version:     sess.Version,
		ID:          1,
		Topics:      []packets.SubscribeTopic{{Filter: filter, Options: opts}},
	}
	if _, err := b.handlePacket(sess, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func publish(clientID string, version byte, topic string, qos byte, id uint16, payload []byte) *packets.Publish {
	return &packets.Publish{
		FixedHeader: packets.FixedHeader{PacketType: packets.PublishType, QoS: qos},
		Version:     version,
		TopicName:   topic,
		ID:          id,
		Payload:     payload,
	}
}

func TestPublishQoS0Delivery(t *testing.T) {
	b := newTestBroker(t)
	sub, subConn := connectClient(t, b, "subscriber", packets.V311)
	pub, _ := connectClient(t, b, "publisher", packets.V311)

	subscribe(t, b, sub, "sensors/+/temp", packets.SubOptions{QoS: 0})

	if _, err := b.handlePacket(pub, publish("publisher", packets.V311, "sensors/room1/temp", 0, 0, []byte("21.5"))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := waitForPacket(t, subConn, packets.PublishType).(*packets.Publish)
	if got.TopicName != "sensors/room1/temp" {
		t.Errorf("topic = %q, want sensors/room1/temp", got.TopicName)
	}
	if string(got.Payload) != "21.5" {
		t.Errorf("payload = %q, want 21.5", got.Payload)
	}
	if got.QoS != 0 {
		t.Errorf("qos = %d, want 0", got.QoS)
	}
}

func TestPublishQoS1AckAndDelivery(t *testing.T) {
	b := newTestBroker(t)
	sub, subConn := connectClient(t, b, "subscriber", packets.V311)
	pub, pubConn := connectClient(t, b, "publisher", packets.V311)

	subscribe(t, b, sub, "alerts/#", packets.SubOptions{QoS: 1})

	if _, err := b.handlePacket(pub, publish("publisher", packets.V311, "alerts/fire", 1, 42, []byte("evacuate"))); err != nil {
		t.Fatalf("publish: %v", err)
	}

	ack := waitForPacket(t, pubConn, packets.PubAckType).(*packets.PubAck)
	if ack.ID != 42 {
		t.Errorf("puback id = %d, want 42", ack.ID)
	}

	got := waitForPacket(t, subConn, packets.PublishType).(*packets.Publish)
	if got.QoS != 1 {
		t.Errorf("delivered qos = %d, want 1", got.QoS)
	}
	if got.ID == 0 {
		t.Error("delivered QoS 1 publish has no packet ID")
	}
	if sub.Inflight.Count() != 1 {
		t.Errorf("subscriber inflight = %d, want 1", sub.Inflight.Count())
	}

	pa := &packets.PubAck{FixedHeader: packets.FixedHeader{PacketType: packets.PubAckType}}
	pa.Version = packets.V311
	pa.ID = got.ID
	if _, err := b.handlePacket(sub, pa); err != nil {
		t.Fatalf("puback: %v", err)
	}
	if sub.Inflight.Count() != 0 {
		t.Errorf("inflight after puback = %d, want 0", sub.Inflight.Count())
	}
}

func TestPublishQoS2HandshakeAndDedup(t *testing.T) {
	b := newTestBroker(t)
	sub, subConn := connectClient(t, b, "subscriber", packets.V311)
	pub, pubConn := connectClient(t, b, "publisher", packets.V311)

	subscribe(t, b, sub, "billing/events", packets.SubOptions{QoS: 2})

	first := publish("publisher", packets.V311, "billing/events", 2, 7, []byte("charge"))
	if _, err := b.handlePacket(pub, first); err != nil {
		t.Fatalf("publish: %v", err)
	}
	rec := waitForPacket(t, pubConn, packets.PubRecType).(*packets.PubRec)
	if rec.ID != 7 {
		t.Errorf("pubrec id = %d, want 7", rec.ID)
	}

	// Nothing may reach subscribers until PUBREL releases the message.
	time.Sleep(50 * time.Millisecond)
	if n := countPackets(subConn, packets.PublishType); n != 0 {
		t.Errorf("subscriber got %d publishes before pubrel, want 0", n)
	}

	// Redelivery of the same packet ID must not replace the parked
	// message or deliver anything.
	dup := publish("publisher", packets.V311, "billing/events", 2, 7, []byte("charge"))
	dup.Dup = true
	if _, err := b.handlePacket(pub, dup); err != nil {
		t.Fatalf("dup publish: %v", err)
	}
	if n := countPackets(pubConn, packets.PubRecType); n != 2 {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && countPackets(pubConn, packets.PubRecType) < 2 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if n := countPackets(pubConn, packets.PubRecType); n != 2 {
		t.Errorf("publisher got %d pubrecs, want 2", n)
	}

	rel := &packets.PubRel{FixedHeader: packets.FixedHeader{PacketType: packets.PubRelType, QoS: 1}}
	rel.Version = packets.V311
	rel.ID = 7
	if _, err := b.handlePacket(pub, rel); err != nil {
		t.Fatalf("pubrel: %v", err)
	}

	// Exactly one delivery, and only after PUBREL.
	got := waitForPacket(t, subConn, packets.PublishType).(*packets.Publish)
	if string(got.Payload) != "charge" {
		t.Errorf("payload = %q, want charge", got.Payload)
	}
	time.Sleep(50 * time.Millisecond)
	if n := countPackets(subConn, packets.PublishType); n != 1 {
		t.Errorf("subscriber got %d publishes, want 1", n)
	}

	comp := waitForPacket(t, pubConn, packets.PubCompType).(*packets.PubComp)
	if comp.ID != 7 {
		t.Errorf("pubcomp id = %d, want 7", comp.ID)
	}
	if pub.Inflight.WasReceived(7) {
		t.Error("packet ID still marked received after pubrel")
	}
}

func TestQoS2PubRelUnknownIDV5(t *testing.T) {
	b := newTestBroker(t)
	sess, conn := connectClient(t, b, "publisher", packets.V5)

	rel := &packets.PubRel{FixedHeader: packets.FixedHeader{PacketType: packets.PubRelType, QoS: 1}}
	rel.Version = packets.V5
	rel.ID = 99
	if _, err := b.handlePacket(sess, rel); err != nil {
		t.Fatalf("pubrel: %v", err)
	}

	comp := waitForPacket(t, conn, packets.PubCompType).(*packets.PubComp)
	if comp.ReasonCode != packets.ReasonPacketIDNotFound {
		t.Errorf("pubcomp reason = 0x%02x, want 0x92", comp.ReasonCode)
	}
}

func TestRetainedReplayOnSubscribe(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connectClient(t, b, "publisher", packets.V311)

	rp := publish("publisher", packets.V311, "config/device1", 0, 0, []byte("v2"))
	rp.Retain = true
	if _, err := b.handlePacket(pub, rp); err != nil {
		t.Fatalf("retained publish: %v", err)
	}

	sub, subConn := connectClient(t, b, "late-subscriber", packets.V311)
	subscribe(t, b, sub, "config/#", packets.SubOptions{QoS: 0})

	got := waitForPacket(t, subConn, packets.PublishType).(*packets.Publish)
	if !got.Retain {
		t.Error("retained replay should carry the retain flag")
	}
	if string(got.Payload) != "v2" {
		t.Errorf("payload = %q, want v2", got.Payload)
	}
}

func TestRetainHandlingDoNotSend(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connectClient(t, b, "publisher", packets.V5)

	rp := publish("publisher", packets.V5, "config/device2", 0, 0, []byte("v3"))
	rp.Retain = true
	if _, err := b.handlePacket(pub, rp); err != nil {
		t.Fatalf("retained publish: %v", err)
	}

	sub, subConn := connectClient(t, b, "subscriber", packets.V5)
	subscribe(t, b, sub, "config/#", packets.SubOptions{QoS: 0, RetainHandling: 2})

	waitForPacket(t, subConn, packets.SubAckType)
	time.Sleep(50 * time.Millisecond)
	if n := countPackets(subConn, packets.PublishType); n != 0 {
		t.Errorf("got %d retained publishes with retain handling 2, want 0", n)
	}
}

func TestEmptyRetainedPayloadClears(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connectClient(t, b, "publisher", packets.V311)

	rp := publish("publisher", packets.V311, "config/device3", 0, 0, []byte("set"))
	rp.Retain = true
	if _, err := b.handlePacket(pub, rp); err != nil {
		t.Fatalf("retained publish: %v", err)
	}

	clr := publish("publisher", packets.V311, "config/device3", 0, 0, nil)
	clr.Retain = true
	if _, err := b.handlePacket(pub, clr); err != nil {
		t.Fatalf("clearing publish: %v", err)
	}

	sub, subConn := connectClient(t, b, "subscriber", packets.V311)
	subscribe(t, b, sub, "config/device3", packets.SubOptions{QoS: 0})
	waitForPacket(t, subConn, packets.SubAckType)
	time.Sleep(50 * time.Millisecond)
	if n := countPackets(subConn, packets.PublishType); n != 0 {
		t.Errorf("got %d publishes after retained clear, want 0", n)
	}
}

func TestNoLocalSkipsPublisher(t *testing.T) {
	b := newTestBroker(t)
	sess, conn := connectClient(t, b, "looper", packets.V5)

	subscribe(t, b, sess, "loop/topic", packets.SubOptions{QoS: 0, NoLocal: true})

	if _, err := b.handlePacket(sess, publish("looper", packets.V5, "loop/topic", 0, 0, []byte("x"))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := countPackets(conn, packets.PublishType); n != 0 {
		t.Errorf("no-local subscriber got %d publishes, want 0", n)
	}
}

func TestSubscribeInvalidFilterRejected(t *testing.T) {
	b := newTestBroker(t)
	sess, conn := connectClient(t, b, "client", packets.V311)

	sub := &packets.Subscribe{
		FixedHeader: packets.FixedHeader{PacketType: packets.SubscribeType, QoS: 1},
		Version:     packets.V311,
		ID:          3,
		Topics: []packets.SubscribeTopic{
			{Filter: "ok/topic", Options: packets.SubOptions{QoS: 1}},
			{Filter: "bad/#/middle", Options: packets.SubOptions{QoS: 1}},
		},
	}
	if _, err := b.handlePacket(sess, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ack := waitForPacket(t, conn, packets.SubAckType).(*packets.SubAck)
	if len(ack.ReasonCodes) != 2 {
		t.Fatalf("suback codes = %d, want 2", len(ack.ReasonCodes))
	}
	if ack.ReasonCodes[0] != 1 {
		t.Errorf("first code = 0x%02x, want granted qos 1", ack.ReasonCodes[0])
	}
	if ack.ReasonCodes[1] != packets.ReasonTopicFilterInvalid {
		t.Errorf("second code = 0x%02x, want 0x8F", ack.ReasonCodes[1])
	}
}

func TestUnsubscribe(t *testing.T) {
	b := newTestBroker(t)
	sess, conn := connectClient(t, b, "client", packets.V5)

	subscribe(t, b, sess, "news/sports", packets.SubOptions{QoS: 0})

	unsub := &packets.Unsubscribe{
		FixedHeader: packets.FixedHeader{PacketType: packets.UnsubscribeType, QoS: 1},
		Version:     packets.V5,
		ID:          9,
		Topics:      []string{"news/sports", "never/subscribed"},
	}
	if _, err := b.handlePacket(sess, unsub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	ack := waitForPacket(t, conn, packets.UnsubAckType).(*packets.UnsubAck)
	if ack.ReasonCodes[0] != packets.ReasonSuccess {
		t.Errorf("first code = 0x%02x, want success", ack.ReasonCodes[0])
	}
	if ack.ReasonCodes[1] != packets.ReasonNoSubscriptionExisted {
		t.Errorf("second code = 0x%02x, want 0x11", ack.ReasonCodes[1])
	}
	if sess.HasSubscription("news/sports") {
		t.Error("subscription still present after unsubscribe")
	}
}

func TestSubscribePersistedToStore(t *testing.T) {
	b := newTestBroker(t)
	sess, _ := connectClient(t, b, "durable", packets.V311)

	subscribe(t, b, sess, "inbox/durable", packets.SubOptions{QoS: 1})

	stored, err := b.store.Sessions.Get("durable")
	if err != nil {
		t.Fatalf("stored session: %v", err)
	}
	opts, ok := stored.Subscriptions["inbox/durable"]
	if !ok {
		t.Fatal("granted subscription missing from persisted session")
	}
	if opts.QoS != 1 {
		t.Errorf("persisted qos = %d, want 1", opts.QoS)
	}

	unsub := &packets.Unsubscribe{
		FixedHeader: packets.FixedHeader{PacketType: packets.UnsubscribeType, QoS: 1},
		Version:     packets.V311,
		ID:          2,
		Topics:      []string{"inbox/durable"},
	}
	if _, err := b.handlePacket(sess, unsub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	stored, err = b.store.Sessions.Get("durable")
	if err != nil {
		t.Fatalf("stored session after unsubscribe: %v", err)
	}
	if len(stored.Subscriptions) != 0 {
		t.Errorf("persisted subscriptions = %d after unsubscribe, want 0", len(stored.Subscriptions))
	}
}

func TestReadLoopErrorCountsDisconnection(t *testing.T) {
	b := newTestBroker(t)
	sess, conn := connectClient(t, b, "dropper", packets.V311)
	b.stats.IncrementConnections()

	// The mock's ReadPacket fails immediately, ending the loop on the
	// read-error path.
	b.readLoop(sess, conn)

	if got := b.stats.GetDisconnections(); got != 1 {
		t.Errorf("disconnections = %d, want 1", got)
	}
	if got := b.stats.GetCurrentConnections(); got != 0 {
		t.Errorf("current connections = %d, want 0", got)
	}
	if sess.IsConnected() {
		t.Error("session should be disconnected after a read error")
	}
}

func TestPublishToSysTopicRejected(t *testing.T) {
	b := newTestBroker(t)
	sub, subConn := connectClient(t, b, "subscriber", packets.V311)
	pub, _ := connectClient(t, b, "publisher", packets.V311)

	subscribe(t, b, sub, "$SYS/#", packets.SubOptions{QoS: 0})

	if _, err := b.handlePacket(pub, publish("publisher", packets.V311, "$SYS/broker/uptime", 0, 0, []byte("0"))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := countPackets(subConn, packets.PublishType); n != 0 {
		t.Errorf("client publish to $SYS was routed, got %d publishes", n)
	}
}

func TestOfflineQueueDrainOnReconnect(t *testing.T) {
	b := newTestBroker(t)
	pub, _ := connectClient(t, b, "publisher", packets.V311)

	opts := session.DefaultOptions()
	opts.CleanStart = false
	opts.ExpiryInterval = 300
	sub, _, err := b.sessions.GetOrCreate("roamer", packets.V311, opts)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := sub.Connect(&mockConn{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	subscribe(t, b, sub, "inbox/roamer", packets.SubOptions{QoS: 1})
	sub.Disconnect(true)

	if _, err := b.handlePacket(pub, publish("publisher", packets.V311, "inbox/roamer", 1, 11, []byte("while away"))); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if sub.OfflineQueue.Len() != 1 {
		t.Fatalf("offline queue = %d, want 1", sub.OfflineQueue.Len())
	}

	conn2 := &mockConn{}
	if err := sub.Connect(conn2); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	b.drainOfflineQueue(sub)

	got := waitForPacket(t, conn2, packets.PublishType).(*packets.Publish)
	if string(got.Payload) != "while away" {
		t.Errorf("payload = %q, want %q", got.Payload, "while away")
	}
}

func TestRetryResendsWithDupFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SysInterval = 0
	cfg.RetryInterval = 10 * time.Millisecond
	b := newTestBrokerCfg(t, cfg)
	sess, conn := connectClient(t, b, "slow-acker", packets.V311)

	msg := &storage.Message{Topic: "jobs/1", Payload: []byte("run"), QoS: 1, PacketID: 5}
	if err := sess.Inflight.Add(5, msg, session.Outbound); err != nil {
		t.Fatalf("inflight add: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	b.retrySession(sess)

	got := waitForPacket(t, conn, packets.PublishType).(*packets.Publish)
	if !got.Dup {
		t.Error("resent publish should have the DUP flag set")
	}
	if got.ID != 5 {
		t.Errorf("resent id = %d, want 5", got.ID)
	}

	inf, ok := sess.Inflight.Get(5)
	if !ok {
		t.Fatal("inflight message missing")
	}
	if inf.Retries != 1 {
		t.Errorf("retries = %d, want 1", inf.Retries)
	}
}

func TestRetryPolicyDropRemovesMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SysInterval = 0
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.RetryPolicy = RetryPolicyDrop
	cfg.MaxRetries = 1
	b := newTestBrokerCfg(t, cfg)
	sess, _ := connectClient(t, b, "dead-letter", packets.V311)

	msg := &storage.Message{Topic: "jobs/2", Payload: []byte("run"), QoS: 1, PacketID: 6}
	if err := sess.Inflight.Add(6, msg, session.Outbound); err != nil {
		t.Fatalf("inflight add: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	b.retrySession(sess)
	time.Sleep(20 * time.Millisecond)
	b.retrySession(sess)

	if sess.Inflight.Has(6) {
		t.Error("message should have been dropped after max retries")
	}
	if b.stats.GetDropped() == 0 {
		t.Error("dropped counter not incremented")
	}
}

func TestWillPublishedOnUngracefulDisconnect(t *testing.T) {
	b := newTestBroker(t)
	watcher, watchConn := connectClient(t, b, "watcher", packets.V311)
	subscribe(t, b, watcher, "status/+", packets.SubOptions{QoS: 0})

	opts := session.DefaultOptions()
	opts.CleanStart = false
	opts.ExpiryInterval = 300
	opts.Will = &storage.WillMessage{
		ClientID: "flaky",
		Topic:    "status/flaky",
		Payload:  []byte("offline"),
	}
	flaky, _, err := b.sessions.GetOrCreate("flaky", packets.V311, opts)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if err := flaky.Connect(&mockConn{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	flaky.Disconnect(false)

	// The will sweep runs on a one second tick.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if countPackets(watchConn, packets.PublishType) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	got := waitForPacket(t, watchConn, packets.PublishType).(*packets.Publish)
	if got.TopicName != "status/flaky" {
		t.Errorf("will topic = %q, want status/flaky", got.TopicName)
	}
	if string(got.Payload) != "offline" {
		t.Errorf("will payload = %q, want offline", got.Payload)
	}
}

func TestSysStatsPublished(t *testing.T) {
	b := newTestBroker(t)
	sess, conn := connectClient(t, b, "monitor", packets.V311)
	subscribe(t, b, sess, "$SYS/broker/#", packets.SubOptions{QoS: 0})

	b.publishSysStats()

	got := waitForPacket(t, conn, packets.PublishType)
	if got == nil {
		t.Fatal("no $SYS publish arrived")
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if countPackets(conn, packets.PublishType) >= 10 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("got %d $SYS publishes, want at least 10", countPackets(conn, packets.PublishType))
}

func TestTopicAlias(t *testing.T) {
	b := newTestBroker(t)
	sub, subConn := connectClient(t, b, "subscriber", packets.V5)
	pub, _ := connectClient(t, b, "publisher", packets.V5)

	subscribe(t, b, sub, "telemetry/+", packets.SubOptions{QoS: 0})

	alias := uint16(3)
	full := publish("publisher", packets.V5, "telemetry/gps", 0, 0, []byte("a"))
	full.Properties = &packets.Properties{TopicAlias: &alias}
	if _, err := b.handlePacket(pub, full); err != nil {
		t.Fatalf("publish with alias: %v", err)
	}

	short := publish("publisher", packets.V5, "", 0, 0, []byte("b"))
	short.Properties = &packets.Properties{TopicAlias: &alias}
	if _, err := b.handlePacket(pub, short); err != nil {
		t.Fatalf("publish via alias: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countPackets(subConn, packets.PublishType) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	pubs := 0
	for _, p := range subConn.written() {
		if pp, ok := p.(*packets.Publish); ok {
			pubs++
			if pp.TopicName != "telemetry/gps" {
				t.Errorf("topic = %q, want telemetry/gps", pp.TopicName)
			}
		}
	}
	if pubs != 2 {
		t.Errorf("got %d publishes, want 2", pubs)
	}

	unknown := uint16(9)
	bad := publish("publisher", packets.V5, "", 0, 0, []byte("c"))
	bad.Properties = &packets.Properties{TopicAlias: &unknown}
	if _, err := b.handlePacket(pub, bad); err == nil {
		t.Error("publish with unknown alias should fail")
	}
}

func TestRouterRouteContext(t *testing.T) {
	b := newTestBroker(t)
	sess, conn := connectClient(t, b, "subscriber", packets.V311)
	subscribe(t, b, sess, "direct/topic", packets.SubOptions{QoS: 0})

	msg := &storage.Message{Topic: "direct/topic", Payload: []byte("api")}
	if err := b.Publish(context.Background(), msg, ""); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got := waitForPacket(t, conn, packets.PublishType).(*packets.Publish)
	if string(got.Payload) != "api" {
		t.Errorf("payload = %q, want api", got.Payload)
	}
}
