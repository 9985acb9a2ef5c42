package websocket

import "time"

// State is the connection lifecycle state of a WebSocketClient.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateReady
	StateReconnecting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const (
	IDENTIFY_METHOD      = "server.connection.identify"
	IDENTIFY_CLIENT_TYPE = "agent"
	API_KEY_HEADER       = "X-Api-Key"

	WRITE_WAIT    = 10 * time.Second
	PING_INTERVAL = 54 * time.Second
	SEND_BUFFER   = 256
)

type identifyParams struct {
	ClientName string `json:"client_name"`
	Version    string `json:"version"`
	Type       string `json:"type"`
	URL        string `json:"url"`
	APIKey     string `json:"api_key,omitempty"`
}
