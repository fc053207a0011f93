package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Run("wraps payload with identity and timestamp", func(t *testing.T) {
		env, err := NewEnvelope("evt-1", EventUserCreated, UserCreated{UserID: "u1", Email: "a@b.test"})

		require.NoError(t, err)
		assert.Equal(t, "evt-1", env.EventID)
		assert.Equal(t, EventUserCreated, env.EventType)
		assert.Equal(t, 0, env.RetryCount)
		assert.InDelta(t, time.Now().UnixMilli(), env.Timestamp, 2000)
	})

	t.Run("generates an event ID when none is given", func(t *testing.T) {
		env, err := NewEnvelope("", EventOTPGenerated, nil)

		require.NoError(t, err)
		assert.NotEmpty(t, env.EventID)
	})

	t.Run("rejects unserializable payloads", func(t *testing.T) {
		_, err := NewEnvelope("evt-1", EventUserCreated, make(chan int))

		assert.Error(t, err)
	})
}

func TestEnvelopeWireFormat(t *testing.T) {
	env, err := NewEnvelope("evt-9", EventUserCreated, UserCreated{UserID: "u9", Email: "x@y.test"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &fields))
	for _, key := range []string{"eventId", "eventType", "timestamp", "data", "retryCount"} {
		assert.Contains(t, fields, key)
	}
}

func TestParseEnvelope(t *testing.T) {
	t.Run("round-trips a published envelope", func(t *testing.T) {
		env, err := NewEnvelope("evt-2", EventUserCreated, UserCreated{UserID: "u2", Email: "c@d.test"})
		require.NoError(t, err)
		raw, err := json.Marshal(env)
		require.NoError(t, err)

		parsed, err := ParseEnvelope(raw)

		require.NoError(t, err)
		assert.Equal(t, env.EventID, parsed.EventID)

		var payload UserCreated
		require.NoError(t, parsed.DecodeData(&payload))
		assert.Equal(t, "u2", payload.UserID)
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		_, err := ParseEnvelope([]byte("{not json"))
		assert.Error(t, err)
	})

	t.Run("rejects envelopes without identity", func(t *testing.T) {
		_, err := ParseEnvelope([]byte(`{"eventType":"user.created","data":{}}`))
		assert.ErrorContains(t, err, "missing eventId")

		_, err = ParseEnvelope([]byte(`{"eventId":"evt-3","data":{}}`))
		assert.ErrorContains(t, err, "missing eventType")
	})
}

func TestRouteFor(t *testing.T) {
	assert.Equal(t, "user.created", RouteFor(EventUserCreated))
	assert.Equal(t, "custom.event", RouteFor("custom.event"))
}

func TestNewDeadLetterRecord(t *testing.T) {
	env := &Envelope{EventID: "evt-4", EventType: EventOTPGenerated, RetryCount: 3}

	rec := NewDeadLetterRecord(env, "smtp timeout", "ETIMEDOUT", true)

	assert.Equal(t, env, rec.Envelope)
	assert.Equal(t, 3, rec.RetryCount)
	assert.True(t, rec.IsRetriable)
	assert.True(t, rec.FinalAttempt)
	assert.Equal(t, "ETIMEDOUT", rec.ErrorCode)
}
