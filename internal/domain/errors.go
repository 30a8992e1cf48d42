package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindPrecondition ErrorKind = "precondition"
	KindGuard        ErrorKind = "guard"
	KindValidation   ErrorKind = "validation"
	KindTransient    ErrorKind = "transient"
)

const (
	CodeRunNotFound              = "run_not_found"
	CodeFlowVersionNotFound      = "flow_version_not_found"
	CodeInvalidTransition        = "invalid_transition"
	CodeFlowVersionNotPublished  = "flow_version_not_published"
	CodeRunCodeSequenceExhausted = "run_code_sequence_exhausted"
	CodeGuardNotSatisfied        = "guard_not_satisfied"
	CodeValidation               = "validation_error"
	CodeTransient                = "transient_error"
)

// Error is a coded failure callers can map onto a response without string matching.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
	// BlockedByGuard is set when the external guard, not the run's shape, refused the transition.
	BlockedByGuard bool
	Err            error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// AsError extracts the coded error from err's chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

func KindOf(err error) ErrorKind {
	if de, ok := AsError(err); ok {
		return de.Kind
	}
	return ""
}

// Sentinels for errors.Is.
var (
	ErrRunNotFound              = &Error{Code: CodeRunNotFound}
	ErrFlowVersionNotFound      = &Error{Code: CodeFlowVersionNotFound}
	ErrInvalidTransition        = &Error{Code: CodeInvalidTransition}
	ErrFlowVersionNotPublished  = &Error{Code: CodeFlowVersionNotPublished}
	ErrRunCodeSequenceExhausted = &Error{Code: CodeRunCodeSequenceExhausted}
	ErrGuardNotSatisfied        = &Error{Code: CodeGuardNotSatisfied}
	ErrValidation               = &Error{Code: CodeValidation}
	ErrTransient                = &Error{Code: CodeTransient}
)

func RunNotFound(id string) *Error {
	return &Error{Code: CodeRunNotFound, Kind: KindNotFound, Message: fmt.Sprintf("run %q not found", id)}
}

func FlowVersionNotFound(id string) *Error {
	return &Error{Code: CodeFlowVersionNotFound, Kind: KindNotFound, Message: fmt.Sprintf("flow version %q not found", id)}
}

func InvalidTransition(t Transition, current RunStatus, required []RunStatus) *Error {
	names := make([]string, 0, len(required))
	for _, s := range required {
		names = append(names, string(s))
	}
	return &Error{
		Code:    CodeInvalidTransition,
		Kind:    KindPrecondition,
		Message: fmt.Sprintf("cannot %s a run in status %s; requires %s", t, current, strings.Join(names, " or ")),
	}
}

func FlowVersionNotPublished(id string, status FlowVersionStatus) *Error {
	return &Error{
		Code:    CodeFlowVersionNotPublished,
		Kind:    KindPrecondition,
		Message: fmt.Sprintf("flow version %q is %s; runs may only pin PUBLISHED versions", id, status),
	}
}

func SequenceExhausted(prefix string) *Error {
	return &Error{
		Code:    CodeRunCodeSequenceExhausted,
		Kind:    KindPrecondition,
		Message: fmt.Sprintf("no run code sequence left for %s", strings.TrimSuffix(prefix, "-")),
	}
}

// GuardNotSatisfied reports a step-index precondition of advance or complete.
func GuardNotSatisfied(message string) *Error {
	return &Error{Code: CodeGuardNotSatisfied, Kind: KindGuard, Message: message}
}

// GuardBlocked reports a refusal from the external guard evaluator.
func GuardBlocked(step int, reason string) *Error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "blocked"
	}
	return &Error{
		Code:           CodeGuardNotSatisfied,
		Kind:           KindGuard,
		Message:        fmt.Sprintf("guard blocked step %d: %s", step, reason),
		BlockedByGuard: true,
	}
}

func Validation(message string) *Error {
	return &Error{Code: CodeValidation, Kind: KindValidation, Message: message}
}

func Transient(message string, cause error) *Error {
	return &Error{Code: CodeTransient, Kind: KindTransient, Message: message, Err: cause}
}
