package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire unit exchanged over the broker. The event ID is
// assigned once when the envelope is created and never changes across
// redeliveries; only the retry count moves, and it only moves up.
type Envelope struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	Timestamp  int64           `json:"timestamp"` // ms since epoch
	Data       json.RawMessage `json:"data"`
	RetryCount int             `json:"retryCount"`
}

// NewEnvelope wraps a payload for transport. The payload must be JSON
// serializable. An empty eventID gets a generated UUID.
func NewEnvelope(eventID, eventType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize payload for %s: %w", eventType, err)
	}

	if eventID == "" {
		eventID = uuid.New().String()
	}

	return &Envelope{
		EventID:   eventID,
		EventType: eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}, nil
}

// ParseEnvelope deserializes an envelope from a raw delivery body.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope carries the fields every consumer relies on.
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("malformed envelope: missing eventId")
	}
	if e.EventType == "" {
		return fmt.Errorf("malformed envelope: missing eventType")
	}
	return nil
}

// DecodeData unmarshals the opaque payload into the given target.
func (e *Envelope) DecodeData(target interface{}) error {
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return nil
}
