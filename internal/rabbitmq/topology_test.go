package rabbitmq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validTopology() Topology {
	return Topology{
		Exchange:           "tradewind.events",
		DeadLetterExchange: "tradewind.dlx",
		DeadLetterQueue:    "tradewind.failed",
		DeadLetterKey:      "failed",
		Queues: []QueueSpec{
			{Name: "email.welcome", BindingKey: "user.created"},
			{Name: "email.otp", BindingKey: "otp.generated", MessageTTL: time.Minute},
		},
	}
}

func TestTopologyValidate(t *testing.T) {
	t.Run("accepts a complete descriptor", func(t *testing.T) {
		assert.NoError(t, validTopology().Validate())
	})

	t.Run("rejects missing main exchange", func(t *testing.T) {
		topo := validTopology()
		topo.Exchange = ""

		assert.ErrorIs(t, topo.Validate(), ErrInvalidTopology)
	})

	t.Run("rejects incomplete dead-letter configuration", func(t *testing.T) {
		topo := validTopology()
		topo.DeadLetterKey = ""

		assert.ErrorIs(t, topo.Validate(), ErrInvalidTopology)
	})

	t.Run("rejects queue without binding key", func(t *testing.T) {
		topo := validTopology()
		topo.Queues = append(topo.Queues, QueueSpec{Name: "email.broken"})

		assert.ErrorIs(t, topo.Validate(), ErrInvalidTopology)
	})

	t.Run("rejects duplicate queues", func(t *testing.T) {
		topo := validTopology()
		topo.Queues = append(topo.Queues, QueueSpec{Name: "email.welcome", BindingKey: "user.created"})

		err := topo.Validate()
		assert.ErrorIs(t, err, ErrInvalidTopology)
		assert.ErrorContains(t, err, "duplicate queue")
	})
}

func TestQueueArguments(t *testing.T) {
	topo := validTopology()

	t.Run("points every queue at the dead-letter exchange", func(t *testing.T) {
		args := topo.queueArguments(topo.Queues[0])

		assert.Equal(t, "tradewind.dlx", args["x-dead-letter-exchange"])
		assert.Equal(t, "failed", args["x-dead-letter-routing-key"])
		assert.NotContains(t, args, "x-message-ttl")
	})

	t.Run("adds TTL in milliseconds when configured", func(t *testing.T) {
		args := topo.queueArguments(topo.Queues[1])

		assert.Equal(t, int64(60000), args["x-message-ttl"])
	})
}
