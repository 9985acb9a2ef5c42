package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"golang.org/x/net/websocket"

	"moonrakerapi/config"
	"moonrakerapi/logger"
)

var errSessionClosed = errors.New("session closed")

// NewTransport returns the transport named by kind. Unknown kinds fall back
// to gorilla.
func NewTransport(kind string, log logger.Logger) Transport {
	if kind == config.TRANSPORT_XNET {
		return &NetTransport{Logger: log}
	}
	return &GorillaTransport{Logger: log}
}

// GorillaTransport dials with github.com/gorilla/websocket. It honours the
// dial context and reports 401/403 upgrade responses as auth errors.
type GorillaTransport struct {
	Dialer *gorilla.Dialer
	Logger logger.Logger
}

func (t *GorillaTransport) Open(ctx context.Context, wsURL string, header http.Header) (Session, error) {
	dialer := t.Dialer
	if dialer == nil {
		dialer = gorilla.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized:
				return nil, NewClientNotAuthenticatedError("server rejected API key during websocket upgrade")
			case http.StatusForbidden:
				return nil, NewClientNotAuthorizedError("server refused websocket upgrade")
			}
		}
		return nil, NewConnectError(wsURL, err)
	}

	s := &gorillaSession{
		conn:   conn,
		sendCh: make(chan []byte, SEND_BUFFER),
		closed: make(chan struct{}),
		logger: t.Logger,
	}
	go s.writePump()
	return s, nil
}

type gorillaSession struct {
	conn      *gorilla.Conn
	sendCh    chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	logger    logger.Logger
}

func (s *gorillaSession) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return NewWebSocketError("send on closed session", errSessionClosed)
	default:
	}

	select {
	case s.sendCh <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return NewWebSocketError("send on closed session", errSessionClosed)
	}
}

func (s *gorillaSession) Receive() ([]byte, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == gorilla.TextMessage {
			return data, nil
		}
	}
}

func (s *gorillaSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		msg := gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "")
		_ = s.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// writePump owns all data writes on the connection and keeps it alive
// with periodic pings.
func (s *gorillaSession) writePump() {
	ticker := time.NewTicker(PING_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case frame := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
			if err := s.conn.WriteMessage(gorilla.TextMessage, frame); err != nil {
				if s.logger != nil {
					s.logger.Error("Write error: %v", err)
				}
				s.Close()
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(WRITE_WAIT)); err != nil {
				if s.logger != nil {
					s.logger.Debug("Ping failed: %v", err)
				}
				s.Close()
				return
			}
		}
	}
}

// NetTransport dials with golang.org/x/net/websocket. The dial itself
// cannot be cancelled, so it runs in its own goroutine and a late
// connection is closed once the context has given up on it.
type NetTransport struct {
	Logger logger.Logger
}

func (t *NetTransport) Open(ctx context.Context, wsURL string, header http.Header) (Session, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, NewConnectError(wsURL, fmt.Errorf("invalid WebSocket URL: %w", err))
	}

	origin := "http://" + u.Host
	if u.Scheme == "wss" {
		origin = "https://" + u.Host
	}

	wsConfig, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, NewConnectError(wsURL, fmt.Errorf("failed to create WebSocket config: %w", err))
	}
	if header != nil {
		wsConfig.Header = header.Clone()
	}

	type result struct {
		conn *websocket.Conn
		err  error
	}
	resultChan := make(chan result, 1)

	go func() {
		conn, err := websocket.DialConfig(wsConfig)
		resultChan <- result{conn: conn, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-resultChan; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, NewConnectError(wsURL, ctx.Err())
	case res := <-resultChan:
		if res.err != nil {
			return nil, NewConnectError(wsURL, res.err)
		}
		return &netSession{conn: res.conn}, nil
	}
}

type netSession struct {
	conn      *websocket.Conn
	writeMux  sync.Mutex
	closeOnce sync.Once
}

func (s *netSession) Send(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.writeMux.Lock()
	defer s.writeMux.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Now().Add(WRITE_WAIT))
	}
	if err := websocket.Message.Send(s.conn, string(frame)); err != nil {
		return NewWebSocketError("write error", err)
	}
	return nil
}

func (s *netSession) Receive() ([]byte, error) {
	var frame string
	if err := websocket.Message.Receive(s.conn, &frame); err != nil {
		return nil, err
	}
	return []byte(frame), nil
}

func (s *netSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}
