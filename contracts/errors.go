package contracts

import "fmt"

// CodedError is an error carrying a machine-readable code. Handler failures
// are classified for retry by code first, message pattern second, so handlers
// that know their failure mode should return one of these.
type CodedError struct {
	Code    string
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code
}

func (e *CodedError) Unwrap() error {
	return e.Err
}

// NewCodedError creates a coded error with a human-readable message.
func NewCodedError(code, message string) *CodedError {
	return &CodedError{Code: code, Message: message}
}

// WrapCoded attaches a code to an underlying error.
func WrapCoded(code string, err error) *CodedError {
	return &CodedError{Code: code, Err: err}
}
