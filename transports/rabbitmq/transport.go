// Package rabbitmq adapts the AMQP broker to the messaging transport
// interfaces. All amqp091 specifics stay behind this boundary.
package rabbitmq

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/tradewind-app/backbone/internal/rabbitmq"
	"github.com/tradewind-app/backbone/messaging"
)

// Transport exposes publisher and subscriber views over one connection
// manager. Both views fetch the live channel per operation; neither holds a
// channel across a reconnect.
type Transport struct {
	cm     *rabbitmq.ConnectionManager
	logger *slog.Logger
}

// NewTransport wraps a connection manager.
func NewTransport(cm *rabbitmq.ConnectionManager, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{cm: cm, logger: logger}
}

// Publisher returns the transport publisher view.
func (t *Transport) Publisher() messaging.TransportPublisher {
	return (*publisher)(t)
}

// Subscriber returns the transport subscriber view.
func (t *Transport) Subscriber() messaging.TransportSubscriber {
	return (*subscriber)(t)
}

type publisher Transport

func (p *publisher) IsConnected() bool {
	return p.cm.IsConnected()
}

func (p *publisher) Publish(ctx context.Context, exchange, routingKey string, msg messaging.WireMessage) error {
	ch, err := p.cm.Channel()
	if err != nil {
		return err
	}

	deliveryMode := amqp.Transient
	if msg.Persistent {
		deliveryMode = amqp.Persistent
	}

	return ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  msg.ContentType,
		MessageId:    msg.MessageID,
		Type:         msg.Type,
		Timestamp:    msg.Timestamp,
		DeliveryMode: deliveryMode,
		Priority:     msg.Priority,
		Headers:      amqp.Table(msg.Headers),
		Body:         msg.Body,
	})
}

type subscriber Transport

func (s *subscriber) IsConnected() bool {
	return s.cm.IsConnected()
}

func (s *subscriber) Subscribe(ctx context.Context, queue string, fn messaging.DeliveryFunc, opts messaging.SubscribeOptions) error {
	ch, err := s.cm.Channel()
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(
		queue,
		"",             // broker-generated consumer tag
		opts.NoAck,
		opts.Exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	go s.consumeLoop(ctx, queue, deliveries, fn)
	return nil
}

// consumeLoop pumps deliveries until the channel is replaced or the context
// ends. A closed delivery stream is normal during reconnect; the dispatcher
// re-subscribes through the connection manager's ready callbacks.
func (s *subscriber) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, fn messaging.DeliveryFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				s.logger.Warn("delivery stream closed", "queue", queue)
				return
			}
			fn(ctx, &delivery{d: d, queue: queue})
		}
	}
}

// delivery adapts one amqp delivery to the transport interface.
type delivery struct {
	d     amqp.Delivery
	queue string
}

func (d *delivery) Body() []byte {
	return d.d.Body
}

func (d *delivery) Queue() string {
	return d.queue
}

func (d *delivery) RoutingKey() string {
	return d.d.RoutingKey
}

func (d *delivery) Acknowledge() error {
	return d.d.Ack(false)
}

func (d *delivery) Reject(requeue bool) error {
	return d.d.Nack(false, requeue)
}
