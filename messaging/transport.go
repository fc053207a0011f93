package messaging

import (
	"context"
	"time"
)

// WireMessage is the serialized unit handed to the transport.
type WireMessage struct {
	Body        []byte
	ContentType string
	MessageID   string
	Type        string
	Timestamp   time.Time
	Persistent  bool
	Priority    uint8
	Headers     map[string]interface{}
}

// TransportPublisher sends wire messages through the broker. Implementations
// must fetch the live channel per call rather than caching one, so a
// reconnect is transparent to callers.
type TransportPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg WireMessage) error
	IsConnected() bool
}

// TransportSubscriber registers a per-delivery callback on a queue.
type TransportSubscriber interface {
	Subscribe(ctx context.Context, queue string, fn DeliveryFunc, opts SubscribeOptions) error
	IsConnected() bool
}

// DeliveryFunc receives each raw delivery from the transport.
type DeliveryFunc func(ctx context.Context, delivery TransportDelivery)

// TransportDelivery is one message received from a queue. Unless the
// subscription runs in NoAck mode, exactly one of Acknowledge or Reject must
// be called exactly once per delivery; the broker stalls the consumer or
// leaks the message otherwise.
type TransportDelivery interface {
	Body() []byte
	Queue() string
	RoutingKey() string
	Acknowledge() error
	Reject(requeue bool) error
}

// SubscribeOptions configures a queue subscription.
type SubscribeOptions struct {
	NoAck     bool
	Exclusive bool
}
