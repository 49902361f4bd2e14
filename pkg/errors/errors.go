package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// TestError is the error type surfaced by the measurement engine and the
// orchestrator. The code decides how the orchestrator treats a failure.
type TestError struct {
	Code    string
	Message string
	Cause   error
}

func (e *TestError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TestError) Unwrap() error { return e.Cause }

const (
	ErrCodeNetwork        = "NETWORK"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeServerNotFound = "SERVER_NOT_FOUND"
	ErrCodeProtocol       = "PROTOCOL"
	ErrCodeExternalEngine = "EXTERNAL_ENGINE"
	ErrCodeUnavailable    = "SERVICE_UNAVAILABLE"
	ErrCodeUpdateFailed   = "UPDATE_FAILED"
)

func ErrNetwork(msg string, cause error) *TestError {
	return &TestError{Code: ErrCodeNetwork, Message: msg, Cause: cause}
}

func ErrTimeout(msg string, cause error) *TestError {
	return &TestError{Code: ErrCodeTimeout, Message: msg, Cause: cause}
}

func ErrServerNotFound(id int) *TestError {
	return &TestError{
		Code:    ErrCodeServerNotFound,
		Message: fmt.Sprintf("server id %d not found in directory", id),
	}
}

func ErrProtocol(msg string, cause error) *TestError {
	return &TestError{Code: ErrCodeProtocol, Message: msg, Cause: cause}
}

func ErrExternalEngine(msg string, cause error) *TestError {
	return &TestError{Code: ErrCodeExternalEngine, Message: msg, Cause: cause}
}

func ErrUnavailable(msg string) *TestError {
	return &TestError{Code: ErrCodeUnavailable, Message: msg}
}

func ErrUpdateFailed(msg string, cause error) *TestError {
	return &TestError{Code: ErrCodeUpdateFailed, Message: msg, Cause: cause}
}

// Code extracts the TestError code from an error chain, or "".
func Code(err error) string {
	var te *TestError
	if errors.As(err, &te) {
		return te.Code
	}
	return ""
}

// IsRetryable reports whether a failed attempt should be retried with
// backoff. Timeouts and transport-level failures are transient; everything
// else (protocol, parse, external-engine, missing server) aborts the run.
func IsRetryable(err error) bool {
	switch Code(err) {
	case ErrCodeNetwork, ErrCodeTimeout:
		return true
	case "":
	default:
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
