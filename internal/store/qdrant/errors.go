package qdrant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

type OperationErrorCode string

const (
	OperationErrorValidation      OperationErrorCode = "validation"
	OperationErrorTimeout         OperationErrorCode = "timeout"
	OperationErrorTransportFailed OperationErrorCode = "transport_failed"
	OperationErrorQueryFailed     OperationErrorCode = "query_failed"
	OperationErrorEncodeFailed    OperationErrorCode = "encode_failed"
	OperationErrorDecodeFailed    OperationErrorCode = "decode_failed"
)

// OperationError carries enough structure for callers to distinguish
// timeouts (degrade the branch) from hard failures (fail the request).
type OperationError struct {
	Code       OperationErrorCode
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	b.WriteString("qdrant ")
	b.WriteString(e.Operation)
	b.WriteString(": ")
	b.WriteString(string(e.Code))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *OperationError) Unwrap() error { return e.Err }

// Timeout reports whether the failure was a deadline, so retrieval can mark
// the branch degraded instead of failing the request.
func (e *OperationError) Timeout() bool { return e.Code == OperationErrorTimeout }

func opErr(op string, code OperationErrorCode, message string, err error) *OperationError {
	return &OperationError{Code: code, Operation: op, Message: message, Err: err}
}

func classifyCallError(op, message string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, OperationErrorTimeout, message, err)
	}
	return opErr(op, OperationErrorTransportFailed, message, err)
}
