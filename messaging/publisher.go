package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tradewind-app/backbone/contracts"
)

// Publisher publishes envelopes to one exchange. Publishing is
// fire-and-forget by contract: a failure is buffered or logged, never
// returned, because message durability is secondary to the caller's request
// latency. Callers that need delivery feedback consume status events instead.
type Publisher struct {
	transport TransportPublisher
	exchange  string
	source    string
	buffer    *PublishBuffer
	logger    *slog.Logger
}

// PublisherOption configures the Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger.
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithSource stamps outgoing messages with the publishing service's name.
func WithSource(source string) PublisherOption {
	return func(p *Publisher) {
		p.source = source
	}
}

// WithBufferCapacity bounds the producer buffer used while disconnected.
func WithBufferCapacity(capacity int) PublisherOption {
	return func(p *Publisher) {
		p.buffer = NewPublishBuffer(capacity)
	}
}

// NewPublisher creates a publisher bound to the given exchange.
func NewPublisher(transport TransportPublisher, exchange string, options ...PublisherOption) *Publisher {
	p := &Publisher{
		transport: transport,
		exchange:  exchange,
		buffer:    NewPublishBuffer(DefaultBufferCapacity),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// PublishOptions configures one publish.
type PublishOptions struct {
	EventID    string
	EventType  string
	Priority   uint8
	Persistent bool
}

// PublishOption configures publish behavior.
type PublishOption func(*PublishOptions)

// WithEventID fixes the event ID instead of generating one.
func WithEventID(id string) PublishOption {
	return func(opts *PublishOptions) {
		opts.EventID = id
	}
}

// WithEventType sets the event type carried in the envelope and headers.
func WithEventType(eventType string) PublishOption {
	return func(opts *PublishOptions) {
		opts.EventType = eventType
	}
}

// WithPriority sets the message priority.
func WithPriority(priority uint8) PublishOption {
	return func(opts *PublishOptions) {
		opts.Priority = priority
	}
}

// WithPersistent controls broker persistence. Defaults to true.
func WithPersistent(persistent bool) PublishOption {
	return func(opts *PublishOptions) {
		opts.Persistent = persistent
	}
}

// Publish sends payload under routingKey. While disconnected the message is
// held in the bounded producer buffer and flushed after reconnection; a full
// buffer drops the incoming message with an error log. Nothing propagates to
// the caller.
func (p *Publisher) Publish(ctx context.Context, routingKey string, payload interface{}, options ...PublishOption) {
	opts := PublishOptions{
		EventType:  routingKey,
		Persistent: true,
	}
	for _, opt := range options {
		opt(&opts)
	}

	// The event ID is assigned exactly once, before any buffering, so the
	// same identity survives buffer flushes and retries.
	if opts.EventID == "" {
		opts.EventID = uuid.New().String()
	}

	if !p.transport.IsConnected() {
		p.bufferMessage(routingKey, payload, opts)
		return
	}

	if err := p.publishNow(ctx, routingKey, payload, opts); err != nil {
		p.logger.Warn("publish failed, buffering message",
			"eventId", opts.EventID,
			"routingKey", routingKey,
			"error", err)
		p.bufferMessage(routingKey, payload, opts)
	}
}

// publishNow wraps the payload in an envelope and hands it to the transport.
func (p *Publisher) publishNow(ctx context.Context, routingKey string, payload interface{}, opts PublishOptions) error {
	env, err := contracts.NewEnvelope(opts.EventID, opts.EventType, payload)
	if err != nil {
		return err
	}

	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	msg := WireMessage{
		Body:        body,
		ContentType: "application/json",
		MessageID:   env.EventID,
		Type:        env.EventType,
		Timestamp:   time.UnixMilli(env.Timestamp),
		Persistent:  opts.Persistent,
		Priority:    opts.Priority,
		Headers: map[string]interface{}{
			"eventType": env.EventType,
			"source":    p.source,
		},
	}

	return p.transport.Publish(ctx, p.exchange, routingKey, msg)
}

// bufferMessage stores a publish for the post-reconnect flush, dropping the
// incoming message when the buffer is full.
func (p *Publisher) bufferMessage(routingKey string, payload interface{}, opts PublishOptions) {
	entry := BufferedMessage{
		RoutingKey: routingKey,
		Payload:    payload,
		Options:    opts,
		EnqueuedAt: time.Now(),
	}

	if !p.buffer.Push(entry) {
		p.logger.Error("producer buffer full, dropping message",
			"eventId", opts.EventID,
			"routingKey", routingKey,
			"capacity", p.buffer.Capacity())
		return
	}

	p.logger.Warn("broker unavailable, message buffered",
		"eventId", opts.EventID,
		"routingKey", routingKey,
		"buffered", p.buffer.Len())
}

// Flush drains the producer buffer in FIFO order. Entries that fail again
// are logged individually and not re-buffered: one retry through the buffer
// is the policy, cycling messages through it forever is not. Register this
// with the connection manager's ready callbacks.
func (p *Publisher) Flush(ctx context.Context) {
	entries := p.buffer.Drain()
	if len(entries) == 0 {
		return
	}

	p.logger.Info("flushing producer buffer", "count", len(entries))

	flushed := 0
	for _, entry := range entries {
		if err := p.publishNow(ctx, entry.RoutingKey, entry.Payload, entry.Options); err != nil {
			p.logger.Error("buffered message lost after flush failure",
				"eventId", entry.Options.EventID,
				"routingKey", entry.RoutingKey,
				"error", err)
			continue
		}
		flushed++
	}

	p.logger.Info("producer buffer flushed", "flushed", flushed, "lost", len(entries)-flushed)
}

// Buffered returns how many messages are waiting for a reconnect.
func (p *Publisher) Buffered() int {
	return p.buffer.Len()
}
