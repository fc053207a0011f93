package reliability

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tradewind-app/backbone/contracts"
)

type fakeTimeout struct{}

func (fakeTimeout) Error() string   { return "dial tcp: i/o deadline reached" }
func (fakeTimeout) Timeout() bool   { return true }
func (fakeTimeout) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	p := NewPolicy()

	t.Run("coded errors classify by code", func(t *testing.T) {
		code, retriable := p.Classify(contracts.NewCodedError("ETIMEDOUT", "smtp timed out"))
		assert.Equal(t, "ETIMEDOUT", code)
		assert.True(t, retriable)

		code, retriable = p.Classify(contracts.NewCodedError("INVALID_RECIPIENT", "no such mailbox"))
		assert.Equal(t, "INVALID_RECIPIENT", code)
		assert.False(t, retriable)
	})

	t.Run("wrapped coded errors are found", func(t *testing.T) {
		err := fmt.Errorf("sending welcome email: %w", contracts.NewCodedError("ECONNREFUSED", "relay down"))
		code, retriable := p.Classify(err)
		assert.Equal(t, "ECONNREFUSED", code)
		assert.True(t, retriable)
	})

	t.Run("net timeouts are transient", func(t *testing.T) {
		code, retriable := p.Classify(fakeTimeout{})
		assert.Equal(t, "ETIMEDOUT", code)
		assert.True(t, retriable)
	})

	t.Run("message patterns catch uncoded transient failures", func(t *testing.T) {
		for _, msg := range []string{
			"connection reset by peer",
			"upstream Service Unavailable",
			"429 Too Many Requests",
			"internal error, try again later",
		} {
			_, retriable := p.Classify(errors.New(msg))
			assert.True(t, retriable, msg)
		}
	})

	t.Run("anything else is permanent", func(t *testing.T) {
		_, retriable := p.Classify(errors.New("validation failed: missing subject"))
		assert.False(t, retriable)

		_, retriable = p.Classify(nil)
		assert.False(t, retriable)
	})
}

func TestEvaluate(t *testing.T) {
	t.Run("retriable error with budget left requeues and increments", func(t *testing.T) {
		p := NewPolicy(WithMaxRetries(3))
		env := &contracts.Envelope{EventID: "evt-1", EventType: "user.created"}

		d := p.Evaluate(env, contracts.NewCodedError("ETIMEDOUT", "smtp timed out"))

		assert.Equal(t, OutcomeRequeue, d.Outcome)
		assert.True(t, d.Retriable)
		assert.False(t, d.FinalAttempt)
		assert.Equal(t, 1, env.RetryCount)
	})

	t.Run("retry counter only increases across evaluations", func(t *testing.T) {
		p := NewPolicy(WithMaxRetries(3))
		env := &contracts.Envelope{EventID: "evt-2", EventType: "otp.generated"}
		err := contracts.NewCodedError("ECONNRESET", "relay dropped")

		last := 0
		for i := 0; i < 6; i++ {
			p.Evaluate(env, err)
			assert.GreaterOrEqual(t, env.RetryCount, last)
			last = env.RetryCount
		}
		assert.Equal(t, 3, env.RetryCount)
	})

	t.Run("exhausted budget dead-letters even retriable errors", func(t *testing.T) {
		p := NewPolicy(WithMaxRetries(3))
		env := &contracts.Envelope{EventID: "evt-3", EventType: "user.created", RetryCount: 3}

		d := p.Evaluate(env, contracts.NewCodedError("ETIMEDOUT", "smtp timed out"))

		assert.Equal(t, OutcomeDeadLetter, d.Outcome)
		assert.True(t, d.Retriable)
		assert.True(t, d.FinalAttempt)
		assert.Equal(t, 3, env.RetryCount)
	})

	t.Run("permanent error dead-letters on the first attempt", func(t *testing.T) {
		p := NewPolicy(WithMaxRetries(3))
		env := &contracts.Envelope{EventID: "evt-4", EventType: "user.created"}

		d := p.Evaluate(env, errors.New("INVALID_RECIPIENT"))

		assert.Equal(t, OutcomeDeadLetter, d.Outcome)
		assert.False(t, d.Retriable)
		assert.True(t, d.FinalAttempt)
		assert.Equal(t, 0, env.RetryCount)
	})

	t.Run("decision carries the classification details", func(t *testing.T) {
		p := NewPolicy()
		env := &contracts.Envelope{EventID: "evt-5", EventType: "user.created", RetryCount: 5}

		d := p.Evaluate(env, contracts.NewCodedError("RATE_LIMITED", "450 slow down"))

		assert.Equal(t, "RATE_LIMITED", d.ErrorCode)
		assert.Contains(t, d.Reason, "slow down")
	})
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "requeue", OutcomeRequeue.String())
	assert.Equal(t, "dead-letter", OutcomeDeadLetter.String())
}
