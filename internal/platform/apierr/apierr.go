package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Error struct {
	Status int
	Code   string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

// Error codes of the query path. Soft conditions (rerank degraded, section
// completion timeout) never surface here: they are recorded in stage metrics
// and the request still succeeds.
const (
	CodeInvalidCaller         = "invalid_caller"
	CodeInvalidRequest        = "invalid_request"
	CodeEmbeddingUnavailable  = "embedding_unavailable"
	CodeRetrievalUnavailable  = "retrieval_unavailable"
	CodeSynthesisUnavailable  = "synthesis_unavailable"
	CodeOverloaded            = "overloaded"
	CodeDeadlineExceeded      = "deadline_exceeded"
	CodeInternalInvariant     = "internal_invariant_violation"
	CodeUnauthorized          = "unauthorized"
	CodeForbidden             = "forbidden"
	CodeNotFound              = "not_found"
	CodeInternal              = "internal_error"
)

func InvalidCaller(err error) *Error {
	return New(http.StatusForbidden, CodeInvalidCaller, err)
}

func InvalidRequest(err error) *Error {
	return New(http.StatusBadRequest, CodeInvalidRequest, err)
}

func EmbeddingUnavailable(err error) *Error {
	return New(http.StatusServiceUnavailable, CodeEmbeddingUnavailable, err)
}

func RetrievalUnavailable(err error) *Error {
	return New(http.StatusServiceUnavailable, CodeRetrievalUnavailable, err)
}

func SynthesisUnavailable(err error) *Error {
	return New(http.StatusServiceUnavailable, CodeSynthesisUnavailable, err)
}

func Overloaded(err error) *Error {
	return New(http.StatusTooManyRequests, CodeOverloaded, err)
}

func Unauthorized(err error) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, err)
}

func Forbidden(err error) *Error {
	return New(http.StatusForbidden, CodeForbidden, err)
}

func DeadlineExceeded(err error) *Error {
	return New(http.StatusRequestTimeout, CodeDeadlineExceeded, err)
}

func InternalInvariant(err error) *Error {
	return New(http.StatusInternalServerError, CodeInternalInvariant, err)
}

// From extracts an *Error from an error chain, falling back to a generic 500.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return New(http.StatusInternalServerError, CodeInternal, err)
}
