package contracts

import "time"

// DeadLetterRecord is the JSON document published to the dead-letter queue
// when a message exhausts its retry budget or fails permanently. It carries
// the full envelope so the message can be inspected or replayed by hand.
type DeadLetterRecord struct {
	Envelope     *Envelope `json:"envelope"`
	Reason       string    `json:"reason"`
	Context      string    `json:"context,omitempty"` // e.g. the email type being sent
	ErrorCode    string    `json:"errorCode,omitempty"`
	RetryCount   int       `json:"retryCount"`
	IsRetriable  bool      `json:"isRetriable"`
	FinalAttempt bool      `json:"finalAttempt"`
	Timestamp    int64     `json:"timestamp"` // ms since epoch
}

// NewDeadLetterRecord stamps a dead-letter record for the given envelope.
// FinalAttempt is always true: a record only exists once the message is
// terminal.
func NewDeadLetterRecord(env *Envelope, reason, errorCode string, retriable bool) *DeadLetterRecord {
	return &DeadLetterRecord{
		Envelope:     env,
		Reason:       reason,
		ErrorCode:    errorCode,
		RetryCount:   env.RetryCount,
		IsRetriable:  retriable,
		FinalAttempt: true,
		Timestamp:    time.Now().UnixMilli(),
	}
}
