package health

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConn struct {
	connected bool
}

func (s stubConn) IsConnected() bool { return s.connected }

type stubBuffer int

func (s stubBuffer) Buffered() int { return int(s) }

func TestReporterCheck(t *testing.T) {
	t.Run("healthy while connected", func(t *testing.T) {
		r := NewReporter(stubConn{connected: true})

		report := r.Check()

		assert.Equal(t, StatusHealthy, report.Status)
		assert.True(t, report.Details.Connected)
		assert.Zero(t, report.Details.BufferedMessages)
	})

	t.Run("unhealthy while disconnected", func(t *testing.T) {
		r := NewReporter(stubConn{connected: false})

		report := r.Check()

		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.False(t, report.Details.Connected)
	})

	t.Run("sums buffers across publishers", func(t *testing.T) {
		r := NewReporter(stubConn{connected: true}, stubBuffer(3), stubBuffer(4))

		report := r.Check()

		assert.Equal(t, 7, report.Details.BufferedMessages)
	})

	t.Run("buffered messages alone do not degrade health", func(t *testing.T) {
		r := NewReporter(stubConn{connected: true}, stubBuffer(100))

		report := r.Check()

		assert.Equal(t, StatusHealthy, report.Status)
	})

	t.Run("report serializes with stable field names", func(t *testing.T) {
		r := NewReporter(stubConn{connected: true}, stubBuffer(2))

		body, err := json.Marshal(r.Check())
		require.NoError(t, err)

		assert.JSONEq(t, `{"status":"healthy","details":{"connected":true,"bufferedMessages":2}}`, string(body))
	})
}
