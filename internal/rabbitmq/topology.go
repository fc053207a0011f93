package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology describes the exchanges, queues, and bindings a service needs.
// It is static configuration: Declare runs on every (re)connect and the
// declarations are idempotent as long as the arguments do not change.
// Re-declaring an entity with conflicting arguments is a broker-side error,
// which Declare surfaces and Connect treats as fatal.
type Topology struct {
	Exchange           string // main topic exchange
	DeadLetterExchange string // direct exchange for terminal messages
	DeadLetterQueue    string
	DeadLetterKey      string // routing key the DLQ is bound under
	Queues             []QueueSpec
}

// QueueSpec is one durable queue bound to the main exchange. Every queue is
// configured to dead-letter into the topology's dead-letter exchange.
type QueueSpec struct {
	Name       string
	BindingKey string        // topic pattern, e.g. "user.created" or "email.status.*"
	MessageTTL time.Duration // optional per-queue TTL
}

// Validate checks the descriptor before any broker round trip.
func (t Topology) Validate() error {
	if t.Exchange == "" {
		return fmt.Errorf("%w: missing main exchange name", ErrInvalidTopology)
	}
	if t.DeadLetterExchange == "" || t.DeadLetterQueue == "" || t.DeadLetterKey == "" {
		return fmt.Errorf("%w: incomplete dead-letter configuration", ErrInvalidTopology)
	}
	seen := make(map[string]bool, len(t.Queues))
	for _, q := range t.Queues {
		if q.Name == "" || q.BindingKey == "" {
			return fmt.Errorf("%w: queue spec missing name or binding key", ErrInvalidTopology)
		}
		if seen[q.Name] {
			return fmt.Errorf("%w: duplicate queue %q", ErrInvalidTopology, q.Name)
		}
		seen[q.Name] = true
	}
	return nil
}

// queueArguments builds the per-queue AMQP arguments pointing the queue at
// the dead-letter exchange.
func (t Topology) queueArguments(q QueueSpec) amqp.Table {
	args := amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": t.DeadLetterKey,
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = q.MessageTTL.Milliseconds()
	}
	return args
}

// Declare declares the full topology on the given channel, in dependency
// order: main exchange, dead-letter exchange, dead-letter queue and binding,
// then every service queue with its dead-letter arguments and binding.
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := t.Validate(); err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: t.Exchange, Op: "declare", Err: err}
	}

	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "exchange", Name: t.DeadLetterExchange, Op: "declare", Err: err}
	}

	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return &TopologyError{Component: "queue", Name: t.DeadLetterQueue, Op: "declare", Err: err}
	}

	if err := ch.QueueBind(t.DeadLetterQueue, t.DeadLetterKey, t.DeadLetterExchange, false, nil); err != nil {
		return &TopologyError{Component: "binding", Name: t.DeadLetterQueue, Op: "bind", Err: err}
	}

	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, true, false, false, false, t.queueArguments(q)); err != nil {
			return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err}
		}
		if err := ch.QueueBind(q.Name, q.BindingKey, t.Exchange, false, nil); err != nil {
			return &TopologyError{Component: "binding", Name: q.Name, Op: "bind", Err: err}
		}
	}

	return nil
}
