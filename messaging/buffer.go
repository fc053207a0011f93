package messaging

import (
	"sync"
	"time"
)

// BufferedMessage is one publish deferred while the broker is unreachable.
type BufferedMessage struct {
	RoutingKey string
	Payload    interface{}
	Options    PublishOptions
	EnqueuedAt time.Time
}

// PublishBuffer is the bounded FIFO holding publishes made while
// disconnected. When full, the incoming message is dropped, never an older
// one, and the buffer never grows past its capacity.
type PublishBuffer struct {
	mu       sync.Mutex
	entries  []BufferedMessage
	capacity int
}

// DefaultBufferCapacity bounds the producer buffer unless overridden.
const DefaultBufferCapacity = 100

// NewPublishBuffer creates a buffer with the given capacity. Non-positive
// capacities fall back to the default.
func NewPublishBuffer(capacity int) *PublishBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &PublishBuffer{
		entries:  make([]BufferedMessage, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a message in FIFO order. It returns false when the buffer is
// at capacity, in which case the message was not stored.
func (b *PublishBuffer) Push(msg BufferedMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) >= b.capacity {
		return false
	}
	b.entries = append(b.entries, msg)
	return true
}

// Drain atomically takes a snapshot of the buffered messages and empties the
// buffer. Flushing works on the snapshot so publishes racing with the flush
// cannot be double-sent or lost.
func (b *PublishBuffer) Drain() []BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return nil
	}
	drained := b.entries
	b.entries = make([]BufferedMessage, 0, b.capacity)
	return drained
}

// Len returns the number of buffered messages.
func (b *PublishBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Capacity returns the configured bound.
func (b *PublishBuffer) Capacity() int {
	return b.capacity
}
