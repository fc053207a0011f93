package rabbitmq

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Phase is the connection lifecycle state. Publish and consume operations are
// only valid in PhaseConnected; everything else makes publishers buffer and
// subscribe calls fail fast.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseReconnecting
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// amqpConnection is what the manager needs from *amqp.Connection.
type amqpConnection interface {
	Channel() (*amqp.Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// ConnectionManager owns the single broker connection and channel shared by
// every publisher and consumer in the process. Nothing else may cache the
// channel across a reconnect: callers fetch the current handle through
// Channel on every operation.
//
// Connection loss is handled by one supervising goroutine that drains the
// close notifications and drives reconnect attempts sequentially, so
// overlapping reconnects cannot happen.
type ConnectionManager struct {
	url            string
	reconnectDelay time.Duration
	maxRetries     int
	prefetchCount  int
	failFast       bool // exhausted retries terminate the process
	topology       *Topology
	logger         *slog.Logger
	fatalFn        func(error)

	mu          sync.RWMutex
	phase       Phase
	conn        amqpConnection
	ch          *amqp.Channel
	connClosed  chan *amqp.Error
	chanClosed  chan *amqp.Error
	retryCount  int
	supervising bool
	done        chan struct{}
	closeOnce   sync.Once

	readyMu sync.RWMutex
	onReady []func()
}

// Option configures the ConnectionManager.
type Option func(*ConnectionManager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the fixed delay between reconnect attempts.
func WithReconnectDelay(delay time.Duration) Option {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectAttempts sets the reconnect attempt budget. Zero or
// negative means retry forever.
func WithMaxReconnectAttempts(n int) Option {
	return func(cm *ConnectionManager) {
		cm.maxRetries = n
	}
}

// WithPrefetchCount bounds how many unacknowledged deliveries the process
// holds at once.
func WithPrefetchCount(n int) Option {
	return func(cm *ConnectionManager) {
		cm.prefetchCount = n
	}
}

// WithTopology sets the topology declared on every successful (re)connect.
// A declaration failure is fatal to Connect.
func WithTopology(t Topology) Option {
	return func(cm *ConnectionManager) {
		cm.topology = &t
	}
}

// WithFailFast controls what happens when the reconnect budget is exhausted:
// true terminates the process (production), false logs and stays
// disconnected (development).
func WithFailFast(enabled bool) Option {
	return func(cm *ConnectionManager) {
		cm.failFast = enabled
	}
}

// WithFatalHandler overrides the process-termination behavior when fail-fast
// reconnection gives up. Intended for tests and for callers that need to
// flush resources before exiting.
func WithFatalHandler(fn func(error)) Option {
	return func(cm *ConnectionManager) {
		cm.fatalFn = fn
	}
}

// NewConnectionManager creates a connection manager for the given broker URL.
func NewConnectionManager(url string, options ...Option) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: 5 * time.Second,
		maxRetries:     5,
		prefetchCount:  10,
		logger:         slog.Default(),
		phase:          PhaseDisconnected,
		done:           make(chan struct{}),
	}
	cm.fatalFn = func(err error) {
		cm.logger.Error("terminating: broker connection unrecoverable", "error", err)
		os.Exit(1)
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the connection, opens the channel, applies the
// prefetch limit, and declares the topology. It is idempotent: when already
// connected it returns immediately. On success the registered ready
// callbacks run (producer buffer flush, consumer resubscription).
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.phase {
	case PhaseConnected:
		cm.mu.Unlock()
		return nil
	case PhaseConnecting, PhaseReconnecting:
		cm.mu.Unlock()
		return ErrConnectInProgress
	}
	cm.phase = PhaseConnecting
	cm.mu.Unlock()

	if err := cm.establish(ctx); err != nil {
		cm.mu.Lock()
		cm.phase = PhaseDisconnected
		cm.mu.Unlock()
		return err
	}

	cm.mu.Lock()
	if !cm.supervising {
		cm.supervising = true
		go cm.supervise()
	}
	cm.mu.Unlock()

	cm.notifyReady()
	return nil
}

// establish performs one dial attempt and, on success, swaps in the new
// connection and channel.
func (cm *ConnectionManager) establish(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	conn, err := amqp.Dial(cm.url)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ConnectionError{
			Op:        "open channel",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if err := ch.Qos(cm.prefetchCount, 0, false); err != nil {
		conn.Close()
		return &ConnectionError{
			Op:        "set prefetch",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	if cm.topology != nil {
		if err := cm.topology.Declare(ch); err != nil {
			conn.Close()
			return err
		}
	}

	cm.mu.Lock()
	cm.conn = conn
	cm.ch = ch
	cm.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.chanClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	cm.phase = PhaseConnected
	cm.retryCount = 0
	cm.mu.Unlock()

	cm.logger.Info("connected to broker",
		"url", SanitizeURL(cm.url),
		"prefetch", cm.prefetchCount)

	return nil
}

// supervise is the single goroutine allowed to react to connection loss. It
// waits for a close notification from either level, flips the phase, and
// drives the reconnect sequence. When it stops, a later Connect starts a
// fresh supervisor.
func (cm *ConnectionManager) supervise() {
	defer func() {
		cm.mu.Lock()
		cm.supervising = false
		cm.mu.Unlock()
	}()

	for {
		cm.mu.RLock()
		connClosed := cm.connClosed
		chanClosed := cm.chanClosed
		cm.mu.RUnlock()

		var cause *amqp.Error
		select {
		case <-cm.done:
			return
		case cause = <-connClosed:
		case cause = <-chanClosed:
		}

		cm.mu.Lock()
		if cm.phase != PhaseConnected {
			// already shutting down or mid-reconnect
			cm.mu.Unlock()
			select {
			case <-cm.done:
				return
			default:
				continue
			}
		}
		cm.phase = PhaseReconnecting
		orphan := cm.conn
		cm.conn = nil
		cm.ch = nil
		cm.mu.Unlock()

		if cause != nil {
			cm.logger.Error("broker connection lost", "error", cause)
		} else {
			cm.logger.Warn("broker connection closed")
		}

		// A channel-level exception closes only the channel; the connection
		// underneath stays alive on heartbeats. Close it before dialing anew
		// or every channel loss leaks one TCP connection.
		if orphan != nil && !orphan.IsClosed() {
			if err := orphan.Close(); err != nil {
				cm.logger.Warn("error closing stale connection", "error", err)
			}
		}

		if !cm.reconnect() {
			return
		}
	}
}

// reconnect retries establish with a fixed delay until success or budget
// exhaustion. Returns false when supervision should stop.
func (cm *ConnectionManager) reconnect() bool {
	for attempt := 1; ; attempt++ {
		if cm.maxRetries > 0 && attempt > cm.maxRetries {
			err := &ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  cm.maxRetries,
			}
			// Either way the manager must land in Disconnected before this
			// returns: a fatal handler that does not exit, and any later
			// Connect, both need a resolvable phase.
			cm.mu.Lock()
			cm.phase = PhaseDisconnected
			cm.mu.Unlock()

			if cm.failFast {
				cm.fatalFn(err)
				return false
			}
			// Stop supervising: the stale notify channels are closed and
			// would fire forever. A later Connect starts a new supervisor.
			cm.logger.Error("reconnect attempts exhausted, staying disconnected",
				"attempts", cm.maxRetries,
				"url", SanitizeURL(cm.url))
			return false
		}

		cm.mu.Lock()
		cm.retryCount = attempt
		cm.mu.Unlock()

		select {
		case <-time.After(cm.reconnectDelay):
		case <-cm.done:
			return false
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt,
			"maxAttempts", cm.maxRetries,
			"url", SanitizeURL(cm.url))

		if err := cm.establish(context.Background()); err != nil {
			cm.logger.Error("reconnect attempt failed",
				"attempt", attempt,
				"error", err)
			continue
		}

		cm.logger.Info("reconnected to broker", "attempts", attempt)
		cm.notifyReady()
		return true
	}
}

// Channel returns the live channel. Callers must re-fetch it per operation
// and never hold a reference across a reconnect.
func (cm *ConnectionManager) Channel() (*amqp.Channel, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if cm.phase != PhaseConnected || cm.ch == nil {
		return nil, ErrNotConnected
	}
	return cm.ch, nil
}

// IsConnected reports whether the manager is in the Connected phase.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.phase == PhaseConnected
}

// Phase returns the current lifecycle phase.
func (cm *ConnectionManager) Phase() Phase {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.phase
}

// OnReady registers a callback invoked after every successful connect,
// including reconnects. Publishers register their buffer flush here and
// dispatchers their resubscription, since consumer registrations do not
// survive a channel replacement.
func (cm *ConnectionManager) OnReady(fn func()) {
	cm.readyMu.Lock()
	defer cm.readyMu.Unlock()
	cm.onReady = append(cm.onReady, fn)
}

func (cm *ConnectionManager) notifyReady() {
	cm.readyMu.RLock()
	callbacks := make([]func(), len(cm.onReady))
	copy(callbacks, cm.onReady)
	cm.readyMu.RUnlock()

	for _, fn := range callbacks {
		fn()
	}
}

// Close gracefully shuts down: channel first, then connection. It is
// idempotent, swallows close errors apart from logging them, and always
// leaves the manager disconnected.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		close(cm.done)
	})

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.ch != nil {
		if err := cm.ch.Close(); err != nil {
			cm.logger.Warn("error closing channel", "error", err)
		}
		cm.ch = nil
	}
	if cm.conn != nil {
		if err := cm.conn.Close(); err != nil {
			cm.logger.Warn("error closing connection", "error", err)
		}
		cm.conn = nil
	}
	cm.phase = PhaseDisconnected
	return nil
}
