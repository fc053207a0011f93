// Package reliability decides the fate of failed deliveries: redeliver with
// an incremented retry counter, or relocate to the dead-letter queue.
package reliability

import (
	"errors"
	"log/slog"
	"net"
	"strings"

	"github.com/tradewind-app/backbone/contracts"
)

// Outcome is the policy's verdict for one failed delivery.
type Outcome int

const (
	// OutcomeRequeue redelivers the message with its retry counter bumped.
	OutcomeRequeue Outcome = iota
	// OutcomeDeadLetter relocates the message to the dead-letter queue.
	OutcomeDeadLetter
)

func (o Outcome) String() string {
	switch o {
	case OutcomeRequeue:
		return "requeue"
	case OutcomeDeadLetter:
		return "dead-letter"
	default:
		return "unknown"
	}
}

// Decision carries the verdict plus the classification details the
// dead-letter record and status report need.
type Decision struct {
	Outcome      Outcome
	Retriable    bool
	FinalAttempt bool
	ErrorCode    string
	Reason       string
}

// DefaultMaxRetries is the retry budget unless configured otherwise.
const DefaultMaxRetries = 3

// retriableCodes are error codes produced by network and upstream-service
// failures that are worth retrying.
var retriableCodes = map[string]bool{
	"ECONNRESET":      true,
	"ECONNREFUSED":    true,
	"ETIMEDOUT":       true,
	"ESOCKETTIMEDOUT": true,
	"ENOTFOUND":       true,
	"EAI_AGAIN":       true,
	"EPIPE":           true,
	"EHOSTUNREACH":    true,
	"RATE_LIMITED":    true,
	"UNAVAILABLE":     true,
}

// retriablePatterns match error messages from collaborators that do not
// attach codes. Matching is case-insensitive.
var retriablePatterns = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"no such host",
	"rate limit",
	"too many requests",
	"service unavailable",
	"temporarily unavailable",
	"internal error",
	"try again",
}

// Policy classifies handler failures and tracks the per-message retry budget.
// One policy instance serves every consumer in the process; the counter
// itself travels inside the envelope, not here.
type Policy struct {
	maxRetries int
	logger     *slog.Logger
}

// PolicyOption configures the Policy.
type PolicyOption func(*Policy)

// WithMaxRetries sets the retry budget per message.
func WithMaxRetries(n int) PolicyOption {
	return func(p *Policy) {
		p.maxRetries = n
	}
}

// WithPolicyLogger sets the logger.
func WithPolicyLogger(logger *slog.Logger) PolicyOption {
	return func(p *Policy) {
		p.logger = logger
	}
}

// NewPolicy creates a retry/dead-letter policy.
func NewPolicy(options ...PolicyOption) *Policy {
	p := &Policy{
		maxRetries: DefaultMaxRetries,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// MaxRetries returns the configured budget.
func (p *Policy) MaxRetries() int {
	return p.maxRetries
}

// Evaluate adjudicates a handler failure. A retriable error with budget left
// increments the envelope's retry counter and requeues; anything else is
// dead-lettered. The counter never decreases, and once it reaches the budget
// the message is terminal regardless of classification.
func (p *Policy) Evaluate(env *contracts.Envelope, err error) Decision {
	code, retriable := p.Classify(err)

	d := Decision{
		Retriable: retriable,
		ErrorCode: code,
		Reason:    err.Error(),
	}

	if retriable && env.RetryCount < p.maxRetries {
		env.RetryCount++
		d.Outcome = OutcomeRequeue
		p.logger.Warn("delivery failed, scheduling redelivery",
			"eventId", env.EventID,
			"eventType", env.EventType,
			"retryCount", env.RetryCount,
			"maxRetries", p.maxRetries,
			"errorCode", code,
			"error", err)
		return d
	}

	d.Outcome = OutcomeDeadLetter
	d.FinalAttempt = true
	p.logger.Error("delivery failed permanently, dead-lettering",
		"eventId", env.EventID,
		"eventType", env.EventType,
		"retryCount", env.RetryCount,
		"retriable", retriable,
		"errorCode", code,
		"error", err)
	return d
}

// Classify determines whether an error is worth retrying and extracts its
// code when one is attached. Coded errors win over message matching; network
// timeouts from the standard library are always transient.
func (p *Policy) Classify(err error) (code string, retriable bool) {
	if err == nil {
		return "", false
	}

	var coded *contracts.CodedError
	if errors.As(err, &coded) {
		return coded.Code, retriableCodes[coded.Code]
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT", true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retriablePatterns {
		if strings.Contains(msg, pattern) {
			return "", true
		}
	}

	return "", false
}
