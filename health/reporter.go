// Package health reports messaging-core status for external liveness checks.
package health

// Status is the overall verdict exposed to the HTTP layer.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Report is the health endpoint payload.
type Report struct {
	Status  Status  `json:"status"`
	Details Details `json:"details"`
}

// Details breaks the verdict down.
type Details struct {
	Connected        bool `json:"connected"`
	BufferedMessages int  `json:"bufferedMessages"`
}

// ConnectionChecker exposes broker connectivity.
type ConnectionChecker interface {
	IsConnected() bool
}

// BufferInspector exposes how many publishes are waiting for a reconnect.
type BufferInspector interface {
	Buffered() int
}

// Reporter aggregates the connection state and the producer buffers of every
// publisher in the process.
type Reporter struct {
	conn    ConnectionChecker
	buffers []BufferInspector
}

// NewReporter creates a reporter over the given connection and buffers.
func NewReporter(conn ConnectionChecker, buffers ...BufferInspector) *Reporter {
	return &Reporter{conn: conn, buffers: buffers}
}

// Check produces the current report. The process is unhealthy whenever the
// broker connection is down; buffered messages alone degrade nothing, they
// are the system working as designed.
func (r *Reporter) Check() Report {
	connected := r.conn.IsConnected()

	buffered := 0
	for _, b := range r.buffers {
		buffered += b.Buffered()
	}

	status := StatusHealthy
	if !connected {
		status = StatusUnhealthy
	}

	return Report{
		Status: status,
		Details: Details{
			Connected:        connected,
			BufferedMessages: buffered,
		},
	}
}
