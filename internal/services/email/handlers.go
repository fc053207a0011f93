package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tradewind-app/backbone/contracts"
	"github.com/tradewind-app/backbone/messaging"
)

// CodeInvalidRecipient marks a recipient address the platform can never
// deliver to. It is not in the retriable set: these go straight to the DLQ.
const CodeInvalidRecipient = "INVALID_RECIPIENT"

// Handlers builds the email worker's queue handlers around one sender.
type Handlers struct {
	sender Sender
	logger *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(sender Sender, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{sender: sender, logger: logger}
}

// Welcome handles user.created events.
func (h *Handlers) Welcome() messaging.Handler {
	return func(ctx context.Context, env *contracts.Envelope) error {
		var payload contracts.UserCreated
		if err := env.DecodeData(&payload); err != nil {
			return err
		}
		if err := validateRecipient(payload.Email); err != nil {
			return err
		}

		subject := "Welcome to Tradewind"
		body := fmt.Sprintf("Hi %s,\n\nYour account is ready. Sign in to set up your business profile.\n\nThe Tradewind team", displayName(payload.Name))

		if err := h.sender.Send(ctx, payload.Email, subject, body); err != nil {
			return err
		}
		h.logger.Info("welcome email sent", "eventId", env.EventID, "userId", payload.UserID)
		return nil
	}
}

// OTP handles otp.generated events.
func (h *Handlers) OTP() messaging.Handler {
	return func(ctx context.Context, env *contracts.Envelope) error {
		var payload contracts.OTPGenerated
		if err := env.DecodeData(&payload); err != nil {
			return err
		}
		if err := validateRecipient(payload.Email); err != nil {
			return err
		}

		subject := "Your Tradewind verification code"
		body := fmt.Sprintf("Your verification code is %s.\n\nIt expires at %s. If you did not request it, ignore this email.",
			payload.Code, payload.ExpiresAt.UTC().Format("15:04 MST"))

		if err := h.sender.Send(ctx, payload.Email, subject, body); err != nil {
			return err
		}
		h.logger.Info("otp email sent", "eventId", env.EventID)
		return nil
	}
}

// PasswordChanged handles user.password_changed events.
func (h *Handlers) PasswordChanged() messaging.Handler {
	return func(ctx context.Context, env *contracts.Envelope) error {
		var payload contracts.PasswordChanged
		if err := env.DecodeData(&payload); err != nil {
			return err
		}
		if err := validateRecipient(payload.Email); err != nil {
			return err
		}

		subject := "Your Tradewind password was changed"
		body := "Your password was just changed. If this was not you, reset your password immediately and contact support."

		if err := h.sender.Send(ctx, payload.Email, subject, body); err != nil {
			return err
		}
		h.logger.Info("password-changed email sent", "eventId", env.EventID, "userId", payload.UserID)
		return nil
	}
}

// Deactivated handles user.deactivated events.
func (h *Handlers) Deactivated() messaging.Handler {
	return func(ctx context.Context, env *contracts.Envelope) error {
		var payload contracts.UserDeactivated
		if err := env.DecodeData(&payload); err != nil {
			return err
		}
		if err := validateRecipient(payload.Email); err != nil {
			return err
		}

		subject := "Your Tradewind account was deactivated"
		body := "Your account has been deactivated. Reply to this email within 30 days if you want it restored."
		if payload.Reason != "" {
			body = fmt.Sprintf("Your account has been deactivated (%s). Reply to this email within 30 days if you want it restored.", payload.Reason)
		}

		if err := h.sender.Send(ctx, payload.Email, subject, body); err != nil {
			return err
		}
		h.logger.Info("deactivation email sent", "eventId", env.EventID, "userId", payload.UserID)
		return nil
	}
}

func validateRecipient(addr string) error {
	if addr == "" || !strings.Contains(addr, "@") {
		return contracts.NewCodedError(CodeInvalidRecipient, fmt.Sprintf("unusable recipient address %q", addr))
	}
	return nil
}

func displayName(name string) string {
	if name == "" {
		return "there"
	}
	return name
}
