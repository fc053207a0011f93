package email

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tradewind-app/backbone/contracts"
)

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, to, subject, body string) error {
	args := m.Called(ctx, to, subject, body)
	return args.Error(0)
}

func wrap(t *testing.T, eventType string, payload interface{}) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope("evt-1", eventType, payload)
	require.NoError(t, err)
	return env
}

func TestWelcome(t *testing.T) {
	t.Run("sends to the new user", func(t *testing.T) {
		sender := &mockSender{}
		sender.On("Send", mock.Anything, "ada@tradewind.test", "Welcome to Tradewind", mock.MatchedBy(func(body string) bool {
			return len(body) > 0
		})).Return(nil)

		h := NewHandlers(sender, nil)
		env := wrap(t, contracts.EventUserCreated, contracts.UserCreated{
			UserID: "u-1",
			Email:  "ada@tradewind.test",
			Name:   "Ada",
		})

		require.NoError(t, h.Welcome()(context.Background(), env))
		sender.AssertExpectations(t)
	})

	t.Run("propagates sender failures for the retry policy", func(t *testing.T) {
		sender := &mockSender{}
		sendErr := errors.New("connection refused")
		sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(sendErr)

		h := NewHandlers(sender, nil)
		env := wrap(t, contracts.EventUserCreated, contracts.UserCreated{Email: "ada@tradewind.test"})

		assert.ErrorIs(t, h.Welcome()(context.Background(), env), sendErr)
	})

	t.Run("rejects an unusable recipient without sending", func(t *testing.T) {
		sender := &mockSender{}
		h := NewHandlers(sender, nil)
		env := wrap(t, contracts.EventUserCreated, contracts.UserCreated{Email: "not-an-address"})

		err := h.Welcome()(context.Background(), env)

		var coded *contracts.CodedError
		require.ErrorAs(t, err, &coded)
		assert.Equal(t, CodeInvalidRecipient, coded.Code)
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("fails on an undecodable payload", func(t *testing.T) {
		sender := &mockSender{}
		h := NewHandlers(sender, nil)
		env := wrap(t, contracts.EventUserCreated, nil)
		env.Data = json.RawMessage(`"just a string"`)

		assert.Error(t, h.Welcome()(context.Background(), env))
		sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestOTP(t *testing.T) {
	t.Run("includes the code in the body", func(t *testing.T) {
		sender := &mockSender{}
		var body string
		sender.On("Send", mock.Anything, "ada@tradewind.test", "Your Tradewind verification code", mock.Anything).
			Run(func(args mock.Arguments) { body = args.String(3) }).
			Return(nil)

		h := NewHandlers(sender, nil)
		env := wrap(t, contracts.EventOTPGenerated, contracts.OTPGenerated{
			Email:     "ada@tradewind.test",
			Code:      "482913",
			ExpiresAt: time.Now().Add(10 * time.Minute),
		})

		require.NoError(t, h.OTP()(context.Background(), env))
		assert.Contains(t, body, "482913")
	})

	t.Run("rejects a missing recipient", func(t *testing.T) {
		sender := &mockSender{}
		h := NewHandlers(sender, nil)
		env := wrap(t, contracts.EventOTPGenerated, contracts.OTPGenerated{Code: "482913"})

		var coded *contracts.CodedError
		require.ErrorAs(t, h.OTP()(context.Background(), env), &coded)
		assert.Equal(t, CodeInvalidRecipient, coded.Code)
	})
}

func TestPasswordChanged(t *testing.T) {
	sender := &mockSender{}
	sender.On("Send", mock.Anything, "ada@tradewind.test", "Your Tradewind password was changed", mock.Anything).
		Return(nil)

	h := NewHandlers(sender, nil)
	env := wrap(t, contracts.EventUserPasswordChanged, contracts.PasswordChanged{
		UserID: "u-1",
		Email:  "ada@tradewind.test",
	})

	require.NoError(t, h.PasswordChanged()(context.Background(), env))
	sender.AssertExpectations(t)
}

func TestDeactivated(t *testing.T) {
	t.Run("mentions the reason when present", func(t *testing.T) {
		sender := &mockSender{}
		var body string
		sender.On("Send", mock.Anything, "ada@tradewind.test", "Your Tradewind account was deactivated", mock.Anything).
			Run(func(args mock.Arguments) { body = args.String(3) }).
			Return(nil)

		h := NewHandlers(sender, nil)
		env := wrap(t, contracts.EventUserDeactivated, contracts.UserDeactivated{
			UserID: "u-1",
			Email:  "ada@tradewind.test",
			Reason: "terms violation",
		})

		require.NoError(t, h.Deactivated()(context.Background(), env))
		assert.Contains(t, body, "terms violation")
	})

	t.Run("omits the reason when absent", func(t *testing.T) {
		sender := &mockSender{}
		var body string
		sender.On("Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) { body = args.String(3) }).
			Return(nil)

		h := NewHandlers(sender, nil)
		env := wrap(t, contracts.EventUserDeactivated, contracts.UserDeactivated{
			UserID: "u-1",
			Email:  "ada@tradewind.test",
		})

		require.NoError(t, h.Deactivated()(context.Background(), env))
		assert.NotContains(t, body, "(")
	})
}
