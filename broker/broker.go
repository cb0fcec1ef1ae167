// Copyright (c) DriftMQ Contributors
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftmq/driftmq/packets"
	"github.com/driftmq/driftmq/ratelimit"
	"github.com/driftmq/driftmq/session"
	"github.com/driftmq/driftmq/storage"
	"github.com/driftmq/driftmq/topics"
)

// RetryPolicy controls what happens to an inflight message once it has
// been resent MaxRetries times without acknowledgment.
type RetryPolicy string

const (
	// RetryPolicyRetain keeps retrying until the session expires.
	RetryPolicyRetain RetryPolicy = "retain"
	// RetryPolicyDrop discards the message.
	RetryPolicyDrop RetryPolicy = "drop"
	// RetryPolicyDisconnect drops the whole connection.
	RetryPolicyDisconnect RetryPolicy = "disconnect"
)

// Config holds broker tunables.
type Config struct {
	NodeID string

	// QoS redelivery
	RetryInterval time.Duration
	MaxRetries    int
	RetryPolicy   RetryPolicy

	// Per-session limits
	MaxInflight        uint16
	OfflineQueueSize   int
	OfflineQueuePolicy session.OverflowPolicy

	// $SYS publishing interval; 0 disables it.
	SysInterval time.Duration

	// Maximum accepted packet size advertised to v5 clients; 0 means
	// unlimited.
	MaxPacketSize uint32
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		RetryInterval:    20 * time.Second,
		MaxRetries:       3,
		RetryPolicy:      RetryPolicyRetain,
		MaxInflight:      1024,
		OfflineQueueSize: 1000,
		SysInterval:      10 * time.Second,
	}
}

// Broker is the MQTT broker core: session management, routing, QoS
// delivery and the cluster hooks.
type Broker struct {
	cfg    Config
	logger *slog.Logger

	store    *storage.Store
	sessions *session.Manager
	trie     *topics.Trie
	router   *Router
	cluster  Cluster
	auth     *AuthEngine

	stats   *Stats
	metrics *Metrics
	limiter *ratelimit.ClientLimiter

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option customizes broker construction.
type Option func(*Broker)

// WithAuth installs authentication and authorization hooks.
func WithAuth(auth Authenticator, authz Authorizer) Option {
	return func(b *Broker) {
		b.auth = NewAuthEngine(auth, authz)
	}
}

// WithMetrics installs OpenTelemetry instruments.
func WithMetrics(m *Metrics) Option {
	return func(b *Broker) {
		b.metrics = m
	}
}

// WithRateLimit installs a per-client publish/subscribe limiter.
func WithRateLimit(l *ratelimit.ClientLimiter) Option {
	return func(b *Broker) {
		b.limiter = l
	}
}

// New creates a broker over the given store and cluster. Pass a
// Standalone cluster for single-node operation.
func New(cfg Config, st *storage.Store, cluster Cluster, logger *slog.Logger, opts ...Option) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 20 * time.Second
	}
	if cfg.RetryPolicy == "" {
		cfg.RetryPolicy = RetryPolicyRetain
	}

	trie := topics.NewTrie()
	b := &Broker{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		sessions: session.NewManager(st, logger),
		trie:     trie,
		cluster:  cluster,
		auth:     NewAuthEngine(nil, nil),
		stats:    NewStats(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.router = NewRouter(trie, cluster, logger)
	b.router.metrics = b.metrics
	b.router.deliver = b.deliverToSubscriber

	b.sessions.SetOnWillTrigger(b.publishWill)
	b.sessions.SetOnTakeover(b.notifyTakeover)
	b.sessions.SetOnSessionDestroy(func(s *session.Session) {
		if err := b.router.UnsubscribeAll(context.Background(), s.ID); err != nil {
			b.logger.Error("remove subscriptions for destroyed session",
				"client_id", s.ID, "error", err)
		}
		if b.limiter != nil {
			b.limiter.Forget(s.ID)
		}
	})

	b.wg.Add(1)
	go b.retrySweep()

	if cfg.SysInterval > 0 {
		b.wg.Add(1)
		go b.sysLoop()
	}

	return b
}

// Sessions returns the session manager.
func (b *Broker) Sessions() *session.Manager { return b.sessions }

// Store returns the storage layer.
func (b *Broker) Store() *storage.Store { return b.store }

// Stats returns the broker counters.
func (b *Broker) Stats() *Stats { return b.stats }

// Router returns the router, for cluster inbound wiring.
func (b *Broker) Router() *Router { return b.router }

// Publish routes an application message published by sourceClientID.
func (b *Broker) Publish(ctx context.Context, msg *storage.Message, sourceClientID string) error {
	return b.router.Route(ctx, msg, sourceClientID, false)
}

// HandleRemotePublish routes a message forwarded from a peer node. It is
// fanned out locally only, never forwarded again.
func (b *Broker) HandleRemotePublish(msg *storage.Message) error {
	return b.router.Route(context.Background(), msg, "", true)
}

// DestroySession removes a session and all its state.
func (b *Broker) DestroySession(clientID string) error {
	return b.sessions.Destroy(clientID)
}

// deliverToSubscriber hands a routed message to one local subscriber. The
// message QoS is already capped to the subscription's.
func (b *Broker) deliverToSubscriber(sub *topics.Subscription, msg *storage.Message) {
	sess := b.sessions.Get(sub.ClientID)
	if sess == nil {
		return
	}

	connected, err := sess.QueueOffline(msg)
	if !connected {
		if err != nil {
			b.stats.IncrementDropped()
			b.metrics.RecordDropped("offline_queue_full")
			b.logger.Debug("offline queue full",
				"client_id", sub.ClientID, "topic", msg.Topic)
		}
		return
	}

	if err := b.sendPublish(sess, msg); err != nil {
		b.logger.Debug("deliver failed",
			"client_id", sub.ClientID, "topic", msg.Topic, "error", err)
	}
}

// sendPublish builds the outbound PUBLISH and hands it to the session's
// ordered delivery path.
func (b *Broker) sendPublish(sess *session.Session, msg *storage.Message) error {
	pub := &packets.Publish{
		FixedHeader: packets.FixedHeader{
			PacketType: packets.PublishType,
			QoS:        msg.QoS,
			Retain:     msg.Retain,
		},
		Version:   sess.Version,
		TopicName: msg.Topic,
		Payload:   msg.Payload,
	}
	if sess.Version == packets.V5 {
		pub.Properties = publishProperties(msg)
	}

	if err := sess.SendPublish(pub, msg); err != nil {
		return err
	}
	b.stats.IncrementPublishSent()
	b.stats.AddBytesSent(uint64(len(msg.Payload)))
	b.metrics.RecordMessageSent(msg.QoS, int64(len(msg.Payload)))
	return nil
}

// publishProperties maps stored message attributes onto v5 PUBLISH
// properties.
func publishProperties(msg *storage.Message) *packets.Properties {
	if msg.ContentType == "" && msg.ResponseTopic == "" && msg.CorrelationData == nil &&
		msg.PayloadFormat == nil && msg.MessageExpiry == nil &&
		len(msg.UserProperties) == 0 && len(msg.SubscriptionIDs) == 0 {
		return nil
	}

	props := &packets.Properties{
		ContentType:     msg.ContentType,
		ResponseTopic:   msg.ResponseTopic,
		CorrelationData: msg.CorrelationData,
		PayloadFormat:   msg.PayloadFormat,
	}
	if msg.MessageExpiry != nil {
		props.MessageExpiry = msg.MessageExpiry
	}
	for k, v := range msg.UserProperties {
		props.User = append(props.User, packets.User{Key: k, Value: v})
	}
	if len(msg.SubscriptionIDs) > 0 {
		sid := msg.SubscriptionIDs[0]
		props.SubscriptionID = &sid
	}
	return props
}

// publishWill routes a triggered will message.
func (b *Broker) publishWill(will *storage.WillMessage) {
	msg := &storage.Message{
		Topic:       will.Topic,
		Payload:     will.Payload,
		QoS:         will.QoS,
		Retain:      will.Retain,
		PublishTime: time.Now(),
	}
	if will.Expiry > 0 {
		msg.Expiry = time.Now().Add(time.Duration(will.Expiry) * time.Second)
	}

	if err := b.router.Route(context.Background(), msg, "", false); err != nil {
		b.logger.Error("publish will", "client_id", will.ClientID, "error", err)
	}
}

// notifyTakeover sends DISCONNECT (session taken over) to the old
// connection before the manager closes it.
func (b *Broker) notifyTakeover(old *session.Session) {
	if old.Version != packets.V5 {
		return
	}
	d := &packets.Disconnect{
		FixedHeader: packets.FixedHeader{PacketType: packets.DisconnectType},
		Version:     packets.V5,
		ReasonCode:  packets.DisconnectSessionTakenOver,
	}
	if conn := old.Conn(); conn != nil {
		_ = conn.WritePacket(d)
	}
}

// retrySweep is the single per-node redelivery loop. Each tick it scans
// every connected session's inflight window and resends expired
// handshakes, applying the configured retry policy once a message runs
// out of attempts.
func (b *Broker) retrySweep() {
	defer b.wg.Done()

	interval := b.cfg.RetryInterval / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sessions.ForEach(func(sess *session.Session) {
				if !sess.IsConnected() {
					return
				}
				b.retrySession(sess)
				sess.Inflight.CleanupExpiredReceived(10 * b.cfg.RetryInterval)
			})
		case <-b.stopCh:
			return
		}
	}
}

// retrySession resends expired inflight messages for one session.
func (b *Broker) retrySession(sess *session.Session) {
	for _, inf := range sess.Inflight.GetExpired(b.cfg.RetryInterval) {
		if inf.Direction != session.Outbound {
			continue
		}

		if b.cfg.MaxRetries > 0 && inf.Retries >= b.cfg.MaxRetries {
			switch b.cfg.RetryPolicy {
			case RetryPolicyDrop:
				sess.Inflight.Remove(inf.PacketID)
				b.stats.IncrementDropped()
				b.metrics.RecordDropped("retry_exhausted")
				b.logger.Debug("dropping message after max retries",
					"client_id", sess.ID, "packet_id", inf.PacketID)
			case RetryPolicyDisconnect:
				b.logger.Warn("disconnecting client after max retries",
					"client_id", sess.ID, "packet_id", inf.PacketID)
				sess.Disconnect(false)
				return
			default:
				// Retain: keep the handshake open and keep resending.
				b.resend(sess, inf)
			}
			continue
		}

		b.resend(sess, inf)
	}
}

// resend replays the appropriate packet for an open handshake: PUBREL
// when PUBREC was already received, a duplicate PUBLISH otherwise.
func (b *Broker) resend(sess *session.Session, inf *session.InflightMessage) {
	var pkt packets.ControlPacket
	if inf.State == session.StatePubRecReceived {
		rel := packets.NewControlPacket(packets.PubRelType, sess.Version).(*packets.PubRel)
		rel.ID = inf.PacketID
		pkt = rel
	} else {
		msg := inf.Message
		pub := &packets.Publish{
			FixedHeader: packets.FixedHeader{
				PacketType: packets.PublishType,
				QoS:        msg.QoS,
				Retain:     msg.Retain,
				Dup:        true,
			},
			Version:   sess.Version,
			TopicName: msg.Topic,
			Payload:   msg.Payload,
			ID:        inf.PacketID,
		}
		if sess.Version == packets.V5 {
			pub.Properties = publishProperties(msg)
		}
		pkt = pub
	}

	if err := sess.WritePacket(pkt); err != nil {
		return
	}
	if err := sess.Inflight.MarkRetry(inf.PacketID); err == nil {
		b.stats.IncrementRetries()
		b.metrics.RecordRetry()
	}
}

// sysLoop periodically publishes broker statistics to $SYS topics.
func (b *Broker) sysLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.SysInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.publishSysStats()
		case <-b.stopCh:
			return
		}
	}
}

// publishSysStats publishes the current counters as retained $SYS topics.
func (b *Broker) publishSysStats() {
	retainedCount := 0
	if b.store != nil {
		if n, err := b.store.Retained.Count(); err == nil {
			retainedCount = n
		}
	}

	entries := []struct {
		topic string
		value string
	}{
		{"$SYS/broker/uptime", fmt.Sprintf("%d", int64(b.stats.GetUptime().Seconds()))},
		{"$SYS/broker/clients/connected", fmt.Sprintf("%d", b.sessions.ConnectedCount())},
		{"$SYS/broker/clients/total", fmt.Sprintf("%d", b.stats.GetTotalConnections())},
		{"$SYS/broker/clients/disconnected", fmt.Sprintf("%d", b.stats.GetDisconnections())},
		{"$SYS/broker/messages/received", fmt.Sprintf("%d", b.stats.GetMessagesReceived())},
		{"$SYS/broker/messages/sent", fmt.Sprintf("%d", b.stats.GetMessagesSent())},
		{"$SYS/broker/messages/publish/received", fmt.Sprintf("%d", b.stats.GetPublishReceived())},
		{"$SYS/broker/messages/publish/sent", fmt.Sprintf("%d", b.stats.GetPublishSent())},
		{"$SYS/broker/messages/retries", fmt.Sprintf("%d", b.stats.GetRetries())},
		{"$SYS/broker/messages/dropped", fmt.Sprintf("%d", b.stats.GetDropped())},
		{"$SYS/broker/bytes/received", fmt.Sprintf("%d", b.stats.GetBytesReceived())},
		{"$SYS/broker/bytes/sent", fmt.Sprintf("%d", b.stats.GetBytesSent())},
		{"$SYS/broker/subscriptions/count", fmt.Sprintf("%d", b.trie.Size())},
		{"$SYS/broker/retained/count", fmt.Sprintf("%d", retainedCount)},
		{"$SYS/broker/errors/protocol", fmt.Sprintf("%d", b.stats.GetProtocolErrors())},
		{"$SYS/broker/errors/auth", fmt.Sprintf("%d", b.stats.GetAuthErrors())},
		{"$SYS/broker/errors/authz", fmt.Sprintf("%d", b.stats.GetAuthzErrors())},
		{"$SYS/broker/errors/packet", fmt.Sprintf("%d", b.stats.GetPacketErrors())},
	}

	for _, e := range entries {
		msg := &storage.Message{Topic: e.topic, Payload: []byte(e.value)}
		// $SYS stats stay node-local: every node publishes its own.
		if err := b.router.Route(context.Background(), msg, "", true); err != nil {
			b.logger.Debug("publish $SYS stat", "topic", e.topic, "error", err)
		}
	}
}

// Close shuts down the broker, disconnecting all sessions.
func (b *Broker) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		err = b.sessions.Close()
	})
	return err
}
