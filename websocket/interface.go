package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"moonrakerapi/jsonrpc"
)

// StatusListener receives lifecycle events in the order they happened.
// Callbacks run one at a time on the client's event goroutine, after any
// notification handlers for the same frame. They may call Call and
// Disconnect, but not Connect.
type StatusListener interface {
	OnStateChanged(state State)
	OnNotification(method string, params json.RawMessage)
	OnException(err error)
}

// Transport opens websocket sessions.
type Transport interface {
	Open(ctx context.Context, url string, header http.Header) (Session, error)
}

// Session is one open websocket. Receive is only called from the read
// loop; Send may be called concurrently; Close is idempotent.
type Session interface {
	Send(ctx context.Context, frame []byte) error
	Receive() ([]byte, error)
	Close() error
}

type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	GetState() State
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Subscribe(pattern string, handler jsonrpc.NotificationHandler) (jsonrpc.Subscription, error)
	Unsubscribe(sub jsonrpc.Subscription) bool
}
