package transaction

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout is wrapped by *TimeoutError.
	ErrTimeout = errors.New("transaction timeout")

	// ErrTransactionExists is returned when the branch is already in use.
	ErrTransactionExists = errors.New("transaction already exists")

	// ErrNotCancelable is returned by Cancel unless the INVITE is Proceeding.
	ErrNotCancelable = errors.New("transaction cannot be canceled in current state")

	// ErrInvalidState is returned when an operation does not fit the state.
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrInvalidRequest is returned for requests without a usable Via or CSeq.
	ErrInvalidRequest = errors.New("invalid request")
)

// TimeoutError reports that Timer B, F or H fired.
type TimeoutError struct {
	Method string
	Branch string
	Timer  TimerID
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s transaction %s: timer %s expired", e.Method, e.Branch, e.Timer)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }
