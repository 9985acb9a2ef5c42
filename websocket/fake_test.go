package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"moonrakerapi/config"
	"moonrakerapi/jsonrpc"
)

type request struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// responder is run synchronously for every frame the client sends.
type responder func(s *fakeSession, req request)

type fakeSession struct {
	incoming  chan []byte
	sent      chan request
	closed    chan struct{}
	closeOnce sync.Once
	respond   responder
}

func newFakeSession(respond responder) *fakeSession {
	return &fakeSession{
		incoming: make(chan []byte, 64),
		sent:     make(chan request, 64),
		closed:   make(chan struct{}),
		respond:  respond,
	}
}

func (s *fakeSession) Send(ctx context.Context, frame []byte) error {
	select {
	case <-s.closed:
		return errors.New("session closed")
	default:
	}

	var req request
	if err := json.Unmarshal(frame, &req); err != nil {
		return err
	}
	s.sent <- req
	if s.respond != nil {
		s.respond(s, req)
	}
	return nil
}

func (s *fakeSession) Receive() ([]byte, error) {
	select {
	case frame := <-s.incoming:
		return frame, nil
	default:
	}

	select {
	case frame := <-s.incoming:
		return frame, nil
	case <-s.closed:
		return nil, io.EOF
	}
}

func (s *fakeSession) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSession) push(frame string) {
	s.incoming <- []byte(frame)
}

func (s *fakeSession) reply(id uint64, result string) {
	s.push(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"result":` + result + `}`)
}

func (s *fakeSession) replyError(id uint64, code int, message string) {
	s.push(`{"jsonrpc":"2.0","id":` + itoa(id) + `,"error":{"code":` + itoa(uint64(code)) + `,"message":"` + message + `"}}`)
}

func (s *fakeSession) nextRequest(t *testing.T) request {
	t.Helper()
	select {
	case req := <-s.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a request")
		return request{}
	}
}

type fakeTransport struct {
	mu       sync.Mutex
	failures int
	openErr  error
	block    bool
	header   http.Header
	respond  responder
	opened   chan *fakeSession
	attempts int
}

func newFakeTransport(respond responder) *fakeTransport {
	return &fakeTransport{
		respond: respond,
		opened:  make(chan *fakeSession, 16),
	}
}

func (f *fakeTransport) Open(ctx context.Context, url string, header http.Header) (Session, error) {
	f.mu.Lock()
	f.attempts++
	f.header = header
	block := f.block
	fail := f.failures > 0 || f.openErr != nil
	if f.failures > 0 {
		f.failures--
	}
	err := f.openErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, NewConnectError(url, ctx.Err())
	}
	if fail {
		if err == nil {
			err = errors.New("connection refused")
		}
		if IsAuthError(err) {
			return nil, err
		}
		return nil, NewConnectError(url, err)
	}

	s := newFakeSession(f.respond)
	f.opened <- s
	return s, nil
}

func (f *fakeTransport) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func (f *fakeTransport) lastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header
}

func (f *fakeTransport) nextSession(t *testing.T) *fakeSession {
	t.Helper()
	select {
	case s := <-f.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a session")
		return nil
	}
}

// acceptIdentify answers server.connection.identify and leaves every other
// request unanswered.
func acceptIdentify(s *fakeSession, req request) {
	if req.Method == IDENTIFY_METHOD {
		s.reply(req.ID, `{"connection_id":1}`)
	}
}

type recordingListener struct {
	mu            sync.Mutex
	states        []State
	exceptions    []error
	notifications []string
}

func (l *recordingListener) OnStateChanged(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) OnNotification(method string, params json.RawMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifications = append(l.notifications, method)
}

func (l *recordingListener) OnException(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.exceptions = append(l.exceptions, err)
}

func (l *recordingListener) stateHistory() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.states...)
}

func (l *recordingListener) exceptionHistory() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.exceptions...)
}

func (l *recordingListener) count(state State) int {
	n := 0
	for _, s := range l.stateHistory() {
		if s == state {
			n++
		}
	}
	return n
}

func (l *recordingListener) waitFor(t *testing.T, state State, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if l.count(state) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state %s not observed %d time(s); history: %v", state, n, l.stateHistory())
}

func testConfig() *config.MoonrakerConfig {
	return &config.MoonrakerConfig{
		Host:                    "printer.local",
		Port:                    7125,
		Timeout:                 5,
		ConnectTimeout:          5,
		AutoReconnect:           true,
		ReconnectInitialDelayMs: 10,
		ReconnectMaxDelayMs:     40,
		ReconnectMultiplier:     2,
	}
}

func newTestClient(cfg *config.MoonrakerConfig, transport Transport) (*WebSocketClient, *recordingListener) {
	listener := &recordingListener{}
	return NewWebSocketClientWithTransport(cfg, transport, listener, nil), listener
}

// connectReady connects a client without credentials and returns its
// first session.
func connectReady(t *testing.T, respond responder) (*WebSocketClient, *recordingListener, *fakeTransport, *fakeSession) {
	t.Helper()
	transport := newFakeTransport(respond)
	client, listener := newTestClient(testConfig(), transport)
	t.Cleanup(func() { client.Disconnect() })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return client, listener, transport, transport.nextSession(t)
}

func itoa(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func isConnectionLost(err error) bool {
	var lost *jsonrpc.ConnectionLostError
	return errors.As(err, &lost)
}
