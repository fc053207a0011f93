package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tradewind-app/backbone/contracts"
	"github.com/tradewind-app/backbone/internal/reliability"
)

// Handler processes one deserialized envelope. It never sees the raw
// transport delivery. Returning an error hands the delivery to the
// retry/dead-letter policy; returning nil acknowledges it.
type Handler func(ctx context.Context, env *contracts.Envelope) error

// Dispatcher subscribes handlers to queues and adjudicates every delivery:
// deserialize, invoke, then ack or reject according to the policy's verdict.
// Unless a subscription runs in NoAck mode, exactly one of ack/reject is
// issued per delivery.
type Dispatcher struct {
	subscriber  TransportSubscriber
	requeuer    TransportPublisher
	policy      *reliability.Policy
	deadLetters *Publisher
	dlKey       string
	status      *Publisher
	logger      *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	queue   string
	handler Handler
	cfg     HandlerConfig
}

// HandlerConfig configures one subscription.
type HandlerConfig struct {
	NoAck     bool
	Exclusive bool
	// StatusPrefix, when set, enables outcome reports published under
	// "<prefix>.sent|retrying|failed" through the status publisher.
	StatusPrefix string
	// Label tags dead-letter records and status reports with the
	// subscription's purpose. Defaults to the queue name.
	Label string
}

// HandlerOption configures a subscription.
type HandlerOption func(*HandlerConfig)

// WithNoAck disables acknowledgments for the subscription.
func WithNoAck() HandlerOption {
	return func(cfg *HandlerConfig) {
		cfg.NoAck = true
	}
}

// WithExclusive requests an exclusive consumer.
func WithExclusive() HandlerOption {
	return func(cfg *HandlerConfig) {
		cfg.Exclusive = true
	}
}

// WithStatusPrefix enables outcome reporting under the given routing key
// prefix.
func WithStatusPrefix(prefix string) HandlerOption {
	return func(cfg *HandlerConfig) {
		cfg.StatusPrefix = prefix
	}
}

// WithLabel tags the subscription's dead-letter records and status reports.
func WithLabel(label string) HandlerOption {
	return func(cfg *HandlerConfig) {
		cfg.Label = label
	}
}

// DispatcherOption configures the Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDeadLetterPublisher sets the publisher used to relocate terminal
// messages, bound to the dead-letter exchange, and the routing key the
// dead-letter queue listens on.
func WithDeadLetterPublisher(pub *Publisher, routingKey string) DispatcherOption {
	return func(d *Dispatcher) {
		d.deadLetters = pub
		d.dlKey = routingKey
	}
}

// WithStatusPublisher sets the publisher used for outcome reports, bound to
// the main exchange.
func WithStatusPublisher(pub *Publisher) DispatcherOption {
	return func(d *Dispatcher) {
		d.status = pub
	}
}

// NewDispatcher creates a dispatcher. The requeuer publishes incremented
// envelopes back to their original queue through the default exchange.
func NewDispatcher(subscriber TransportSubscriber, requeuer TransportPublisher, policy *reliability.Policy, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		subscriber: subscriber,
		requeuer:   requeuer,
		policy:     policy,
		logger:     slog.Default(),
		subs:       make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// Subscribe registers handler on the named queue. It fails fast when the
// connection is down; re-subscription after a reconnect happens through
// Resubscribe, which the connection manager's ready callbacks drive.
func (d *Dispatcher) Subscribe(ctx context.Context, queue string, handler Handler, options ...HandlerOption) error {
	if handler == nil {
		return ErrNilHandler
	}
	if !d.subscriber.IsConnected() {
		return fmt.Errorf("%w: cannot subscribe to %s", ErrNotConnected, queue)
	}

	cfg := HandlerConfig{Label: queue}
	for _, opt := range options {
		opt(&cfg)
	}

	sub := &subscription{queue: queue, handler: handler, cfg: cfg}

	d.mu.Lock()
	if _, exists := d.subs[queue]; exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}
	d.subs[queue] = sub
	d.mu.Unlock()

	if err := d.start(ctx, sub); err != nil {
		d.mu.Lock()
		delete(d.subs, queue)
		d.mu.Unlock()
		return err
	}

	d.logger.Info("subscribed to queue", "queue", queue, "noAck", cfg.NoAck)
	return nil
}

// Resubscribe re-establishes every registered subscription. Call it from the
// connection manager's ready callback: consumer registrations do not survive
// a channel replacement.
func (d *Dispatcher) Resubscribe(ctx context.Context) {
	d.mu.Lock()
	subs := make([]*subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		subs = append(subs, sub)
	}
	d.mu.Unlock()

	for _, sub := range subs {
		if err := d.start(ctx, sub); err != nil {
			d.logger.Error("failed to re-subscribe after reconnect",
				"queue", sub.queue,
				"error", err)
			continue
		}
		d.logger.Info("re-subscribed after reconnect", "queue", sub.queue)
	}
}

func (d *Dispatcher) start(ctx context.Context, sub *subscription) error {
	return d.subscriber.Subscribe(ctx, sub.queue,
		func(ctx context.Context, delivery TransportDelivery) {
			d.handleDelivery(ctx, sub, delivery)
		},
		SubscribeOptions{NoAck: sub.cfg.NoAck, Exclusive: sub.cfg.Exclusive},
	)
}

// handleDelivery walks one delivery through deserialize, handler invocation,
// and policy adjudication. Every code path below issues exactly one
// acknowledgment operation unless the subscription runs in NoAck mode.
func (d *Dispatcher) handleDelivery(ctx context.Context, sub *subscription, delivery TransportDelivery) {
	env, err := contracts.ParseEnvelope(delivery.Body())
	if err != nil {
		// Malformed payloads are permanent failures: reject without requeue,
		// never invoke the handler.
		d.logger.Error("rejecting malformed delivery",
			"queue", sub.queue,
			"error", err)
		if !sub.cfg.NoAck {
			if rejectErr := delivery.Reject(false); rejectErr != nil {
				d.logger.Error("failed to reject malformed delivery", "error", rejectErr)
			}
		}
		return
	}

	handlerErr := d.invoke(ctx, sub.handler, env)
	if handlerErr == nil {
		if !sub.cfg.NoAck {
			if ackErr := delivery.Acknowledge(); ackErr != nil {
				d.logger.Error("failed to ack delivery",
					"queue", sub.queue,
					"eventId", env.EventID,
					"error", ackErr)
			}
		}
		d.reportStatus(ctx, sub, env, "sent", reliability.Decision{})
		return
	}

	decision := d.policy.Evaluate(env, handlerErr)

	switch decision.Outcome {
	case reliability.OutcomeRequeue:
		d.requeue(ctx, sub, env, delivery)
		d.reportStatus(ctx, sub, env, "retrying", decision)

	case reliability.OutcomeDeadLetter:
		d.deadLetter(ctx, sub, env, decision)
		// The message has been durably relocated, not lost: acknowledge.
		if !sub.cfg.NoAck {
			if ackErr := delivery.Acknowledge(); ackErr != nil {
				d.logger.Error("failed to ack dead-lettered delivery",
					"queue", sub.queue,
					"eventId", env.EventID,
					"error", ackErr)
			}
		}
		d.reportStatus(ctx, sub, env, "failed", decision)
	}
}

// invoke runs the handler with panic containment: a panicking handler must
// not take the dispatcher loop down with it.
func (d *Dispatcher) invoke(ctx context.Context, handler Handler, env *contracts.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler(ctx, env)
}

// requeue redelivers by republishing the envelope, retry counter already
// incremented by the policy, to the original queue through the default
// exchange. Only if that republish fails does it fall back to a broker-level
// reject-with-requeue, which redelivers the old counter value.
func (d *Dispatcher) requeue(ctx context.Context, sub *subscription, env *contracts.Envelope, delivery TransportDelivery) {
	body, err := json.Marshal(env)
	if err == nil {
		err = d.requeuer.Publish(ctx, "", delivery.Queue(), WireMessage{
			Body:        body,
			ContentType: "application/json",
			MessageID:   env.EventID,
			Type:        env.EventType,
			Timestamp:   time.UnixMilli(env.Timestamp),
			Persistent:  true,
		})
	}

	if err != nil {
		d.logger.Error("republish for retry failed, falling back to broker requeue",
			"queue", sub.queue,
			"eventId", env.EventID,
			"error", err)
		if !sub.cfg.NoAck {
			if rejectErr := delivery.Reject(true); rejectErr != nil {
				d.logger.Error("failed to requeue delivery", "error", rejectErr)
			}
		}
		return
	}

	if !sub.cfg.NoAck {
		if ackErr := delivery.Acknowledge(); ackErr != nil {
			d.logger.Error("failed to ack requeued delivery",
				"queue", sub.queue,
				"eventId", env.EventID,
				"error", ackErr)
		}
	}
}

// deadLetter relocates a terminal message. The record rides inside a
// standard envelope so DLQ inspection and replay tools share the normal
// parse path. Publication follows the publisher contract: it buffers on
// disconnect and never fails into the ack logic.
func (d *Dispatcher) deadLetter(ctx context.Context, sub *subscription, env *contracts.Envelope, decision reliability.Decision) {
	if d.deadLetters == nil {
		d.logger.Error("no dead-letter publisher configured, terminal message dropped",
			"queue", sub.queue,
			"eventId", env.EventID)
		return
	}

	record := contracts.NewDeadLetterRecord(env, decision.Reason, decision.ErrorCode, decision.Retriable)
	record.Context = sub.cfg.Label

	d.deadLetters.Publish(ctx, d.dlKey, record,
		WithEventID(env.EventID),
		WithEventType("dead-letter"))
}

// reportStatus publishes the outcome back toward the originating service.
// Like all publishes it is fire-and-forget and cannot disturb the ack path.
func (d *Dispatcher) reportStatus(ctx context.Context, sub *subscription, env *contracts.Envelope, outcome string, decision reliability.Decision) {
	if d.status == nil || sub.cfg.StatusPrefix == "" {
		return
	}

	report := contracts.StatusReport{
		EventID:      env.EventID,
		EventType:    env.EventType,
		Context:      sub.cfg.Label,
		Outcome:      outcome,
		RetryCount:   env.RetryCount,
		Retriable:    decision.Retriable,
		FinalAttempt: decision.FinalAttempt,
		ErrorCode:    decision.ErrorCode,
		Error:        decision.Reason,
	}

	eventType := sub.cfg.StatusPrefix + "." + outcome
	d.status.Publish(ctx, contracts.RouteFor(eventType), report,
		WithEventType(eventType))
}
