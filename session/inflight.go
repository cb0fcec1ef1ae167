package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/driftmq/driftmq/storage"
)

// InflightState represents the position of a message in its QoS handshake.
type InflightState int

const (
	// StatePublishSent means PUBLISH was sent, waiting for PUBACK (QoS 1)
	// or PUBREC (QoS 2).
	StatePublishSent InflightState = iota
	// StatePubRecReceived means PUBREC was received, PUBREL sent, waiting
	// for PUBCOMP (QoS 2).
	StatePubRecReceived
)

// Direction indicates message direction relative to the broker.
type Direction int

const (
	Outbound Direction = iota // Sent by broker to client
	Inbound                   // Received from client
)

// InflightMessage is a message waiting for acknowledgment.
type InflightMessage struct {
	PacketID  uint16
	Message   *storage.Message
	State     InflightState
	SentAt    time.Time
	Retries   int
	Direction Direction
}

// receivedMessage is an inbound QoS 2 message parked between PUBLISH
// and PUBREL. The message is nil when the publish was accepted for the
// handshake but must not be delivered.
type receivedMessage struct {
	at  time.Time
	msg *storage.Message
}

// InflightTracker tracks QoS 1 and QoS 2 messages in flight. Outbound
// messages live in the main table keyed by packet ID; inbound QoS 2
// messages are parked separately, keyed by the client's packet ID,
// until PUBREL releases them.
type InflightTracker struct {
	mu       sync.RWMutex
	messages map[uint16]*InflightMessage
	maxSize  int

	received map[uint16]*receivedMessage
}

// NewInflightTracker creates a tracker with the given window size.
func NewInflightTracker(maxSize int) *InflightTracker {
	if maxSize <= 0 {
		maxSize = 65535
	}
	return &InflightTracker{
		messages: make(map[uint16]*InflightMessage),
		maxSize:  maxSize,
		received: make(map[uint16]*receivedMessage),
	}
}

// Add adds a message to the tracker. Reusing an open packet ID is a
// protocol error surfaced as ErrPacketIDInUse.
func (t *InflightTracker) Add(packetID uint16, msg *storage.Message, dir Direction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.messages[packetID]; ok {
		return fmt.Errorf("add packet ID %d: %w", packetID, ErrPacketIDInUse)
	}
	if len(t.messages) >= t.maxSize {
		return ErrInflightFull
	}

	t.messages[packetID] = &InflightMessage{
		PacketID:  packetID,
		Message:   msg,
		State:     StatePublishSent,
		SentAt:    time.Now(),
		Direction: dir,
	}
	return nil
}

// Get retrieves an inflight message by packet ID.
func (t *InflightTracker) Get(packetID uint16) (*InflightMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return nil, false
	}
	cp := *msg
	return &cp, true
}

// Has reports whether the packet ID has an open handshake.
func (t *InflightTracker) Has(packetID uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.messages[packetID]
	return ok
}

// UpdateState advances the handshake state of an inflight message.
func (t *InflightTracker) UpdateState(packetID uint16, state InflightState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("update state for packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	msg.State = state
	return nil
}

// Ack completes a handshake and removes the entry (PUBACK for QoS 1,
// PUBCOMP for QoS 2).
func (t *InflightTracker) Ack(packetID uint16) (*storage.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return nil, fmt.Errorf("ack packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	delete(t.messages, packetID)
	return msg.Message, nil
}

// Remove removes an inflight message without completing it.
func (t *InflightTracker) Remove(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.messages, packetID)
}

// GetExpired returns copies of entries whose last send exceeded the
// timeout.
func (t *InflightTracker) GetExpired(timeout time.Duration) []*InflightMessage {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var expired []*InflightMessage
	for _, msg := range t.messages {
		if now.Sub(msg.SentAt) >= timeout {
			cp := *msg
			expired = append(expired, &cp)
		}
	}
	return expired
}

// MarkRetry records a resend, resetting the timeout clock.
func (t *InflightTracker) MarkRetry(packetID uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	msg, ok := t.messages[packetID]
	if !ok {
		return fmt.Errorf("mark retry for packet ID %d: %w", packetID, ErrPacketNotFound)
	}
	msg.SentAt = time.Now()
	msg.Retries++
	return nil
}

// Count returns the number of open handshakes.
func (t *InflightTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// IsFull reports whether the window is at capacity.
func (t *InflightTracker) IsFull() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages) >= t.maxSize
}

// GetAll returns copies of all open entries, for persistence on
// disconnect.
func (t *InflightTracker) GetAll() []*InflightMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make([]*InflightMessage, 0, len(t.messages))
	for _, msg := range t.messages {
		cp := *msg
		result = append(result, &cp)
	}
	return result
}

// Clear removes all state.
func (t *InflightTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = make(map[uint16]*InflightMessage)
	t.received = make(map[uint16]*receivedMessage)
}

// MarkReceived parks an inbound QoS 2 message until PUBREL. A nil
// message records the packet ID for duplicate detection without
// scheduling a delivery.
func (t *InflightTracker) MarkReceived(packetID uint16, msg *storage.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received[packetID] = &receivedMessage{at: time.Now(), msg: msg}
}

// WasReceived reports whether the inbound packet ID was already seen.
func (t *InflightTracker) WasReceived(packetID uint16) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.received[packetID]
	return ok
}

// ReleaseReceived completes the inbound handshake on PUBREL. It returns
// the parked message, if any, and whether the packet ID was known.
func (t *InflightTracker) ReleaseReceived(packetID uint16) (*storage.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.received[packetID]
	if !ok {
		return nil, false
	}
	delete(t.received, packetID)
	return entry.msg, true
}

// CleanupExpiredReceived removes inbound messages whose PUBREL never
// arrived.
func (t *InflightTracker) CleanupExpiredReceived(olderThan time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	for id, entry := range t.received {
		if entry.at.Before(cutoff) {
			delete(t.received, id)
		}
	}
}
