package message

import (
	"errors"
	"fmt"
)

// ErrMalformed is wrapped by every parse failure.
var ErrMalformed = errors.New("malformed SIP message")

var (
	ErrInvalidStartLine  = errors.New("invalid start line")
	ErrInvalidSIPVersion = errors.New("invalid SIP version")
	ErrInvalidStatusCode = errors.New("invalid status code")
	ErrInvalidHeader     = errors.New("invalid header")
	ErrUnterminated      = errors.New("unterminated header block")
	ErrContentLength     = errors.New("invalid Content-Length")
	ErrMessageTooLarge   = errors.New("message too large")
	ErrTooManyHeaders    = errors.New("too many headers")
	ErrInvalidURI        = errors.New("invalid URI")
	ErrMissingHeader     = errors.New("missing mandatory header")
)

// MalformedError describes why inbound bytes could not be parsed.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("malformed SIP message: %v", e.Err)
	}
	return fmt.Sprintf("malformed SIP message: %v: %s", e.Err, e.Reason)
}

// Unwrap exposes both the specific cause and ErrMalformed.
func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

func malformed(err error, format string, args ...any) error {
	return &MalformedError{Err: err, Reason: fmt.Sprintf(format, args...)}
}
