package jsonrpc

import (
	"fmt"
	"time"
)

const (
	CODE_UNAUTHORIZED = 401
	CODE_FORBIDDEN    = 403
)

type (
	// RPCError is the error member of a JSON-RPC error response.
	RPCError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    any    `json:"data,omitempty"`
	}

	TimeoutError struct {
		method  string
		timeout time.Duration
	}

	ConnectionLostError struct {
		cause error
	}

	DecodeError struct {
		message string
		err     error
	}
)

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error %d", e.Code)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %s timed out after %v", e.method, e.timeout)
}

func (e *TimeoutError) Method() string {
	return e.method
}

func (e *TimeoutError) Timeout() time.Duration {
	return e.timeout
}

func (e *ConnectionLostError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("connection lost: %v", e.cause)
	}
	return "connection lost"
}

func (e *ConnectionLostError) Unwrap() error {
	return e.cause
}

func (e *DecodeError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("decode error: %s - %v", e.message, e.err)
	}
	return fmt.Sprintf("decode error: %s", e.message)
}

func (e *DecodeError) Unwrap() error {
	return e.err
}

func NewTimeoutError(method string, timeout time.Duration) *TimeoutError {
	return &TimeoutError{method: method, timeout: timeout}
}

func NewConnectionLostError(cause error) *ConnectionLostError {
	return &ConnectionLostError{cause: cause}
}

func NewDecodeError(message string, err error) *DecodeError {
	return &DecodeError{message: message, err: err}
}
