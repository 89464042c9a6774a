package engine

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an engine failure for transport-level mapping.
type ErrorKind int

const (
	// KindPlan marks user-input faults: parse errors, bind errors,
	// references to unknown objects. Surfaced before any streaming.
	KindPlan ErrorKind = iota
	// KindExecution marks faults during physical execution. Surfaced by
	// terminating the stream with an error.
	KindExecution
)

func (k ErrorKind) String() string {
	switch k {
	case KindPlan:
		return "plan"
	case KindExecution:
		return "execution"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Error is the one error type crossing the engine boundary. Code carries
// a SQLSTATE-style diagnostic code when the engine supplies one.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// PlanErr wraps err as a plan-time engine error.
func PlanErr(code string, err error) *Error {
	return &Error{Kind: KindPlan, Code: code, Message: err.Error(), cause: err}
}

// PlanErrf builds a plan-time engine error from a format string.
func PlanErrf(code, format string, args ...any) *Error {
	return &Error{Kind: KindPlan, Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExecErr wraps err as an execution-time engine error.
func ExecErr(code string, err error) *Error {
	return &Error{Kind: KindExecution, Code: code, Message: err.Error(), cause: err}
}

// AsError extracts an *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
