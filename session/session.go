package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftmq/driftmq/packets"
	"github.com/driftmq/driftmq/storage"
)

// State represents the session state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// writeQueueSize bounds the outbound packet queue per session. A slow
// client fills its own queue without stalling fan-out to other sessions.
const writeQueueSize = 128

// Session represents an MQTT client session with full state management.
type Session struct {
	mu sync.RWMutex

	// Identity
	ID      string // Client ID
	Version byte   // MQTT version (3=3.1, 4=3.1.1, 5=5.0)

	// Connection (nil when disconnected)
	conn Connection

	// State
	state          State
	connectedAt    time.Time
	disconnectedAt time.Time

	// MQTT options from CONNECT
	CleanStart     bool
	ExpiryInterval uint32 // Session expiry in seconds (v5)
	ReceiveMaximum uint16 // Max inflight (v5), default 65535
	MaxPacketSize  uint32 // Max packet size (v5), default unlimited
	TopicAliasMax  uint16 // Max topic aliases (v5)
	KeepAlive      uint16 // Keep-alive in seconds

	// Will message (set on CONNECT, cleared on clean disconnect)
	will *storage.WillMessage

	// QoS tracking
	Inflight     *InflightTracker
	OfflineQueue *MessageQueue

	// deliverMu serializes the delivery path: the connected-check plus
	// offline enqueue against connect-and-drain, and packet ID
	// allocation against the outbound enqueue.
	deliverMu sync.Mutex

	// Packet ID generator
	nextPacketID uint32

	// Subscriptions (cached from the replicated index for fast lookup)
	subscriptions map[string]packets.SubOptions

	// Keep-alive timer
	keepAliveTimer  *time.Timer
	lastActivity    time.Time
	keepAliveExpiry time.Duration

	// Topic aliases (v5), bidirectional
	outboundAliases map[string]uint16
	inboundAliases  map[uint16]string

	// Callbacks
	onDisconnect func(s *Session, graceful bool)

	// Outbound writer
	writeCh chan packets.ControlPacket
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Options holds options for creating a new session.
type Options struct {
	CleanStart     bool
	ExpiryInterval uint32
	ReceiveMaximum uint16
	MaxPacketSize  uint32
	TopicAliasMax  uint16
	KeepAlive      uint16
	Will           *storage.WillMessage
	QueueSize      int
	QueuePolicy    OverflowPolicy
}

// DefaultOptions returns default session options.
func DefaultOptions() Options {
	return Options{
		CleanStart:     true,
		ReceiveMaximum: 65535,
		KeepAlive:      60,
		QueueSize:      1000,
	}
}

// New creates a new session.
func New(clientID string, version byte, opts Options) *Session {
	receiveMax := opts.ReceiveMaximum
	if receiveMax == 0 {
		receiveMax = 65535
	}

	s := &Session{
		ID:              clientID,
		Version:         version,
		state:           StateNew,
		CleanStart:      opts.CleanStart,
		ExpiryInterval:  opts.ExpiryInterval,
		ReceiveMaximum:  receiveMax,
		MaxPacketSize:   opts.MaxPacketSize,
		TopicAliasMax:   opts.TopicAliasMax,
		KeepAlive:       opts.KeepAlive,
		will:            opts.Will,
		Inflight:        NewInflightTracker(int(receiveMax)),
		OfflineQueue:    NewMessageQueue(opts.QueueSize, opts.QueuePolicy),
		subscriptions:   make(map[string]packets.SubOptions),
		outboundAliases: make(map[string]uint16),
		inboundAliases:  make(map[uint16]string),
		lastActivity:    time.Now(),
		stopCh:          make(chan struct{}),
	}

	if opts.KeepAlive > 0 {
		// 1.5x the keep-alive interval before the connection is dropped.
		s.keepAliveExpiry = time.Duration(opts.KeepAlive) * time.Second * 3 / 2
	}

	return s
}

// Connect attaches a connection to the session and starts the outbound
// writer.
func (s *Session) Connect(conn Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn = conn
	s.state = StateConnected
	s.connectedAt = time.Now()
	s.lastActivity = time.Now()
	s.writeCh = make(chan packets.ControlPacket, writeQueueSize)

	if s.keepAliveExpiry > 0 {
		s.startKeepAliveTimer()
	}

	s.wg.Add(1)
	go s.writeLoop(conn, s.writeCh, s.stopCh)

	return nil
}

// writeLoop drains the outbound queue to the connection. One writer per
// connection keeps packet boundaries intact and preserves enqueue order.
func (s *Session) writeLoop(conn Connection, ch <-chan packets.ControlPacket, stop <-chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case pkt := <-ch:
			conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := conn.WritePacket(pkt); err != nil {
				// The read loop notices the dead connection and runs the
				// disconnect path; just stop writing.
				return
			}
		case <-stop:
			return
		}
	}
}

// Disconnect detaches the connection. With graceful=true the will is
// discarded per a clean DISCONNECT.
func (s *Session) Disconnect(graceful bool) error {
	s.mu.Lock()

	if s.state != StateConnected {
		s.mu.Unlock()
		return nil
	}

	s.state = StateDisconnecting
	s.cleanupConnectionResources(graceful)
	callback := s.onDisconnect

	s.mu.Unlock()

	// Wait for the writer without holding the lock.
	s.wg.Wait()

	if callback != nil {
		go callback(s, graceful)
	}

	return nil
}

// cleanupConnectionResources must be called with s.mu held.
func (s *Session) cleanupConnectionResources(graceful bool) {
	if s.keepAliveTimer != nil {
		s.keepAliveTimer.Stop()
		s.keepAliveTimer = nil
	}

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	s.state = StateDisconnected
	s.disconnectedAt = time.Now()

	if graceful {
		s.will = nil
	}

	s.outboundAliases = make(map[string]uint16)
	s.inboundAliases = make(map[uint16]string)

	// Stop the writer. The loop holds the old channel, so a fresh one can
	// be installed right away for reconnection.
	close(s.stopCh)
	s.stopCh = make(chan struct{})
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsConnected reports whether the session has an active connection.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateConnected && s.conn != nil
}

// Conn returns the current connection (may be nil).
func (s *Session) Conn() Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn
}

// NextPacketID generates the next free packet ID, skipping IDs with open
// handshakes. Packet ID 0 is reserved.
func (s *Session) NextPacketID() uint16 {
	for {
		id := atomic.AddUint32(&s.nextPacketID, 1)
		id16 := uint16(id & 0xFFFF)
		if id16 == 0 {
			continue
		}
		if !s.Inflight.Has(id16) {
			return id16
		}
	}
}

// QueueOffline parks a message for a disconnected session. The check
// and the enqueue happen under one lock, so a concurrent
// connect-and-drain cannot slip between them and strand the message.
// When the session turns out to be connected it reports connected=true
// and queues nothing; the caller delivers directly.
func (s *Session) QueueOffline(msg *storage.Message) (connected bool, err error) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	if s.IsConnected() {
		return true, nil
	}
	if msg.QoS == 0 {
		return false, nil
	}
	return false, s.OfflineQueue.Enqueue(msg)
}

// DrainOffline atomically empties the offline queue for redelivery
// after a reconnect. Connect must have run first: any QueueOffline
// racing with the drain then sees the session connected and delivers
// directly instead.
func (s *Session) DrainOffline() []*storage.Message {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	return s.OfflineQueue.Drain()
}

// SendPublish allocates the packet ID, registers the QoS handshake and
// enqueues the packet as one step, so packet IDs reach the writer in
// allocation order. When the inflight window is full the message waits
// in the offline queue for the next drain.
func (s *Session) SendPublish(pub *packets.Publish, msg *storage.Message) error {
	if pub.QoS == 0 {
		return s.WritePacket(pub)
	}

	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	pub.ID = s.NextPacketID()
	msg.PacketID = pub.ID
	if err := s.Inflight.Add(pub.ID, msg, Outbound); err != nil {
		return s.OfflineQueue.Enqueue(msg)
	}
	return s.WritePacket(pub)
}

// WritePacket enqueues a packet for the outbound writer. It fails with
// ErrWriteQueueFull when the client cannot keep up.
func (s *Session) WritePacket(pkt packets.ControlPacket) error {
	s.mu.RLock()
	ch := s.writeCh
	stop := s.stopCh
	connected := s.state == StateConnected && s.conn != nil
	s.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}

	select {
	case ch <- pkt:
		return nil
	case <-stop:
		return ErrNotConnected
	default:
		return ErrWriteQueueFull
	}
}

// ReadPacket reads a packet from the connection.
func (s *Session) ReadPacket() (packets.ControlPacket, error) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()

	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.ReadPacket()
}

// TouchActivity updates the last activity timestamp.
func (s *Session) TouchActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// startKeepAliveTimer must be called with mu held.
func (s *Session) startKeepAliveTimer() {
	if s.keepAliveTimer != nil {
		s.keepAliveTimer.Stop()
	}
	s.keepAliveTimer = time.AfterFunc(s.keepAliveExpiry, s.checkKeepAlive)
}

// checkKeepAlive drops the connection when no packet arrived within 1.5x
// the keep-alive interval, otherwise reschedules for the remainder.
func (s *Session) checkKeepAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return
	}

	elapsed := time.Since(s.lastActivity)
	if elapsed >= s.keepAliveExpiry {
		s.state = StateDisconnecting
		s.cleanupConnectionResources(false)
		if s.onDisconnect != nil {
			go s.onDisconnect(s, false)
		}
		return
	}

	remaining := s.keepAliveExpiry - elapsed
	s.keepAliveTimer = time.AfterFunc(remaining, s.checkKeepAlive)
}

// SetOnDisconnect sets the disconnect callback.
func (s *Session) SetOnDisconnect(fn func(*Session, bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = fn
}

// AddSubscription adds a subscription to the cache.
func (s *Session) AddSubscription(filter string, opts packets.SubOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[filter] = opts
}

// RemoveSubscription removes a subscription from the cache.
func (s *Session) RemoveSubscription(filter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, filter)
}

// GetSubscriptions returns a copy of the subscription cache.
func (s *Session) GetSubscriptions() map[string]packets.SubOptions {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]packets.SubOptions, len(s.subscriptions))
	for k, v := range s.subscriptions {
		result[k] = v
	}
	return result
}

// HasSubscription reports whether the client holds the exact filter.
func (s *Session) HasSubscription(filter string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subscriptions[filter]
	return ok
}

// SetTopicAlias sets a topic alias for outbound use.
func (s *Session) SetTopicAlias(topic string, alias uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outboundAliases[topic] = alias
}

// GetTopicAlias returns the alias for a topic (outbound).
func (s *Session) GetTopicAlias(topic string) (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alias, ok := s.outboundAliases[topic]
	return alias, ok
}

// SetInboundAlias sets an inbound topic alias.
func (s *Session) SetInboundAlias(alias uint16, topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inboundAliases[alias] = topic
}

// ResolveInboundAlias resolves an inbound alias to a topic.
func (s *Session) ResolveInboundAlias(alias uint16) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	topic, ok := s.inboundAliases[alias]
	return topic, ok
}

// UpdateConnectionOptions updates session options during reconnection.
// Must be called before Connect.
func (s *Session) UpdateConnectionOptions(version byte, keepAlive uint16, will *storage.WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Version = version
	s.KeepAlive = keepAlive
	s.will = will

	if keepAlive > 0 {
		s.keepAliveExpiry = time.Duration(keepAlive) * time.Second * 3 / 2
	} else {
		s.keepAliveExpiry = 0
	}
}

// SetExpiryInterval updates the session expiry, as allowed on a v5
// DISCONNECT.
func (s *Session) SetExpiryInterval(seconds uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExpiryInterval = seconds
}

// SetWill replaces the session's will message.
func (s *Session) SetWill(will *storage.WillMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.will = will
}

// GetWill returns the will message, nil after a clean disconnect.
func (s *Session) GetWill() *storage.WillMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.will
}

// Info returns session metadata for persistence, subscription set
// included.
func (s *Session) Info() *storage.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := &storage.Session{
		ClientID:       s.ID,
		Version:        s.Version,
		CleanStart:     s.CleanStart,
		ExpiryInterval: s.ExpiryInterval,
		ReceiveMaximum: s.ReceiveMaximum,
		MaxPacketSize:  s.MaxPacketSize,
		TopicAliasMax:  s.TopicAliasMax,
		Connected:      s.state == StateConnected,
		ConnectedAt:    s.connectedAt,
		DisconnectedAt: s.disconnectedAt,
	}
	if len(s.subscriptions) > 0 {
		info.Subscriptions = make(map[string]storage.SubscriptionOptions, len(s.subscriptions))
		for filter, opts := range s.subscriptions {
			info.Subscriptions[filter] = storage.SubscriptionOptions{
				QoS:               opts.QoS,
				NoLocal:           opts.NoLocal,
				RetainAsPublished: opts.RetainAsPublished,
				RetainHandling:    opts.RetainHandling,
				SubscriptionID:    opts.SubscriptionID,
			}
		}
	}
	return info
}

// RestoreFrom restores session state from persistence.
func (s *Session) RestoreFrom(stored *storage.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ExpiryInterval = stored.ExpiryInterval
	s.ReceiveMaximum = stored.ReceiveMaximum
	s.MaxPacketSize = stored.MaxPacketSize
	s.TopicAliasMax = stored.TopicAliasMax

	for filter, opts := range stored.Subscriptions {
		s.subscriptions[filter] = packets.SubOptions{
			QoS:               opts.QoS,
			NoLocal:           opts.NoLocal,
			RetainAsPublished: opts.RetainAsPublished,
			RetainHandling:    opts.RetainHandling,
			SubscriptionID:    opts.SubscriptionID,
		}
	}
}

// DisconnectedAt returns when the session last lost its connection.
func (s *Session) DisconnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.disconnectedAt
}
