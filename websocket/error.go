package websocket

import "fmt"

type (
	ClientNotReadyError struct {
		state State
	}

	ClientAlreadyConnectedError struct {
		state State
	}

	ClientStoppedError struct{}

	ClientNotAuthenticatedError struct {
		message string
	}

	ClientNotAuthorizedError struct {
		message string
	}

	ConnectError struct {
		url string
		err error
	}

	WebSocketError struct {
		message string
		err     error
	}
)

func (e *ClientNotReadyError) Error() string {
	return fmt.Sprintf("client not ready (state: %s)", e.state)
}

func (e *ClientNotReadyError) State() State {
	return e.state
}

func (e *ClientAlreadyConnectedError) Error() string {
	return fmt.Sprintf("client already connecting or connected (state: %s)", e.state)
}

func (e *ClientStoppedError) Error() string {
	return "client stopped; create a new client to reconnect"
}

func (e *ClientNotAuthenticatedError) Error() string {
	if e.message != "" {
		return e.message
	}
	return "client not authenticated with server"
}

func (e *ClientNotAuthorizedError) Error() string {
	if e.message != "" {
		return e.message
	}
	return "client not authorized for this operation"
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.url, e.err)
}

func (e *ConnectError) Unwrap() error {
	return e.err
}

func (e *WebSocketError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("websocket error: %s - %v", e.message, e.err)
	}
	return fmt.Sprintf("websocket error: %s", e.message)
}

func (e *WebSocketError) Unwrap() error {
	return e.err
}

func NewClientNotReadyError(state State) *ClientNotReadyError {
	return &ClientNotReadyError{state: state}
}

func NewClientAlreadyConnectedError(state State) *ClientAlreadyConnectedError {
	return &ClientAlreadyConnectedError{state: state}
}

func NewClientStoppedError() *ClientStoppedError {
	return &ClientStoppedError{}
}

func NewClientNotAuthenticatedError(message string) *ClientNotAuthenticatedError {
	return &ClientNotAuthenticatedError{message: message}
}

func NewClientNotAuthorizedError(message string) *ClientNotAuthorizedError {
	return &ClientNotAuthorizedError{message: message}
}

func NewConnectError(url string, err error) *ConnectError {
	return &ConnectError{url: url, err: err}
}

func NewWebSocketError(message string, err error) *WebSocketError {
	return &WebSocketError{message: message, err: err}
}

// IsAuthError reports whether err rejects the configured credentials.
// Such failures are not retried.
func IsAuthError(err error) bool {
	switch err.(type) {
	case *ClientNotAuthenticatedError, *ClientNotAuthorizedError:
		return true
	}
	return false
}
