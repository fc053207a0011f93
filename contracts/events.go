package contracts

import "time"

// Event types published across the Tradewind services. The event type doubles
// as the topic routing key, resolved through RouteFor so queue bindings and
// publishers share one table.
const (
	EventUserCreated         = "user.created"
	EventUserPasswordChanged = "user.password_changed"
	EventUserDeactivated     = "user.deactivated"
	EventOTPGenerated        = "otp.generated"
	EventBusinessCreated     = "business.created"

	// Email delivery status events, published back by the email worker so the
	// originating service can observe side-effect failures.
	EventEmailSent     = "email.status.sent"
	EventEmailRetrying = "email.status.retrying"
	EventEmailFailed   = "email.status.failed"
)

// routingKeys maps event types to broker routing keys. Today the mapping is
// the identity, but publishers must go through RouteFor so a key can be
// remapped without touching call sites.
var routingKeys = map[string]string{
	EventUserCreated:         EventUserCreated,
	EventUserPasswordChanged: EventUserPasswordChanged,
	EventUserDeactivated:     EventUserDeactivated,
	EventOTPGenerated:        EventOTPGenerated,
	EventBusinessCreated:     EventBusinessCreated,
	EventEmailSent:           EventEmailSent,
	EventEmailRetrying:       EventEmailRetrying,
	EventEmailFailed:         EventEmailFailed,
}

// RouteFor resolves the routing key for an event type. Unknown event types
// route under their own name.
func RouteFor(eventType string) string {
	if key, ok := routingKeys[eventType]; ok {
		return key
	}
	return eventType
}

// UserCreated is emitted by the auth service after registration.
type UserCreated struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Name   string `json:"name"`
}

// OTPGenerated is emitted by the auth service when a one-time password is
// issued.
type OTPGenerated struct {
	Email     string    `json:"email"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PasswordChanged is emitted after a successful password change.
type PasswordChanged struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// UserDeactivated is emitted when an account is deactivated.
type UserDeactivated struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Reason string `json:"reason,omitempty"`
}

// BusinessCreated is emitted by the business-profile service.
type BusinessCreated struct {
	BusinessID string `json:"businessId"`
	OwnerID    string `json:"ownerId"`
	Name       string `json:"name"`
}

// StatusReport tells the originating service what happened to one consumed
// message: delivered, scheduled for redelivery, or dead-lettered. It is the
// only way side-effect failures become observable upstream.
type StatusReport struct {
	EventID      string `json:"eventId"`
	EventType    string `json:"eventType"`
	Context      string `json:"context,omitempty"` // e.g. the email type being sent
	Outcome      string `json:"outcome"`           // sent | retrying | failed
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
	Retriable    bool   `json:"retriable"`
	RetryCount   int    `json:"retryCount"`
	FinalAttempt bool   `json:"finalAttempt"`
}
