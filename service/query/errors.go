package query

import (
	"fmt"
	"net/http"
)

// Kind classifies why a question could not be answered.
type Kind string

const (
	InputInvalid      Kind = "input_invalid"
	SynthesisFailed   Kind = "synthesis_failed"
	ResponseMalformed Kind = "response_malformed"
	PersistenceFailed Kind = "persistence_failed"
)

// HTTPStatus maps a failure kind to the status code returned to the caller.
func (k Kind) HTTPStatus() int {
	switch k {
	case InputInvalid, SynthesisFailed, ResponseMalformed:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Error is returned by the Orchestrator for every failed question.
// Message is safe to show to the user; Err carries the cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}
