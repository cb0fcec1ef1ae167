package session

import (
	"fmt"
	"sync"

	"github.com/driftmq/driftmq/storage"
)

// OverflowPolicy controls what happens when the offline queue is full.
type OverflowPolicy int

const (
	// DropNew rejects the incoming message.
	DropNew OverflowPolicy = iota
	// DropOldest evicts the oldest queued message to make room.
	DropOldest
)

// MessageQueue buffers QoS > 0 messages for a disconnected client, in
// arrival order.
type MessageQueue struct {
	mu       sync.Mutex
	messages []*storage.Message
	maxSize  int
	policy   OverflowPolicy
	dropped  uint64
}

// NewMessageQueue creates a queue with the given capacity and overflow
// policy.
func NewMessageQueue(maxSize int, policy OverflowPolicy) *MessageQueue {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MessageQueue{
		messages: make([]*storage.Message, 0),
		maxSize:  maxSize,
		policy:   policy,
	}
}

// Enqueue adds a message to the queue. Under DropNew the call fails with
// ErrQueueFull when at capacity; under DropOldest the oldest message is
// evicted instead.
func (q *MessageQueue) Enqueue(msg *storage.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) >= q.maxSize {
		if q.policy == DropNew {
			q.dropped++
			return fmt.Errorf("enqueue message for topic %s (current: %d, max: %d): %w",
				msg.Topic, len(q.messages), q.maxSize, ErrQueueFull)
		}
		q.messages = q.messages[1:]
		q.dropped++
	}

	q.messages = append(q.messages, storage.CopyMessage(msg))
	return nil
}

// Dequeue removes and returns the oldest message, or nil when empty.
func (q *MessageQueue) Dequeue() *storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg
}

// Peek returns the oldest message without removing it.
func (q *MessageQueue) Peek() *storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return nil
	}
	return q.messages[0]
}

// Len returns the number of queued messages.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Dropped returns the number of messages lost to overflow.
func (q *MessageQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Drain removes and returns all queued messages in order.
func (q *MessageQueue) Drain() []*storage.Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	msgs := q.messages
	q.messages = make([]*storage.Message, 0)
	return msgs
}
