package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"moonrakerapi/jsonrpc"
	"moonrakerapi/logger"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateAuthenticating, "authenticating"},
		{StateReady, "ready"},
		{StateReconnecting, "reconnecting"},
		{StateStopped, "stopped"},
		{StateFailed, "failed"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConnect_WithCredentials(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "secret"
	transport := newFakeTransport(acceptIdentify)
	client, listener := newTestClient(cfg, transport)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	want := []State{StateConnecting, StateConnected, StateAuthenticating, StateReady}
	if got := listener.stateHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect")
	}
	if got := transport.lastHeader().Get(API_KEY_HEADER); got != "secret" {
		t.Errorf("%s header = %q, want %q", API_KEY_HEADER, got, "secret")
	}

	session := transport.nextSession(t)
	identify := session.nextRequest(t)
	if identify.Method != IDENTIFY_METHOD {
		t.Fatalf("first request = %s, want %s", identify.Method, IDENTIFY_METHOD)
	}
	var params identifyParams
	if err := json.Unmarshal(identify.Params, &params); err != nil {
		t.Fatalf("identify params: %v", err)
	}
	if params.APIKey != "secret" || params.Type != IDENTIFY_CLIENT_TYPE || params.ClientName == "" {
		t.Errorf("unexpected identify params: %+v", params)
	}
}

func TestConnect_WithoutCredentials(t *testing.T) {
	client, listener, _, session := connectReady(t, nil)

	want := []State{StateConnecting, StateConnected, StateReady}
	if got := listener.stateHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if client.GetState() != StateReady {
		t.Errorf("GetState() = %s, want ready", client.GetState())
	}

	select {
	case req := <-session.sent:
		t.Errorf("unexpected request %s without credentials", req.Method)
	default:
	}
}

func TestConnect_AuthRejected(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		check func(error) bool
	}{
		{
			name: "invalid key",
			code: jsonrpc.CODE_UNAUTHORIZED,
			check: func(err error) bool {
				var target *ClientNotAuthenticatedError
				return errors.As(err, &target)
			},
		},
		{
			name: "insufficient privilege",
			code: jsonrpc.CODE_FORBIDDEN,
			check: func(err error) bool {
				var target *ClientNotAuthorizedError
				return errors.As(err, &target)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.APIKey = "wrong"
			transport := newFakeTransport(func(s *fakeSession, req request) {
				s.replyError(req.ID, tt.code, "denied")
			})
			client, listener := newTestClient(cfg, transport)
			defer client.Disconnect()

			err := client.Connect(context.Background())
			if !tt.check(err) {
				t.Fatalf("Connect() error = %v (%T)", err, err)
			}

			want := []State{StateConnecting, StateConnected, StateAuthenticating, StateFailed}
			if got := listener.stateHistory(); !reflect.DeepEqual(got, want) {
				t.Errorf("states = %v, want %v", got, want)
			}
			if transport.attemptCount() != 1 {
				t.Errorf("auth failure was retried: %d attempts", transport.attemptCount())
			}
		})
	}
}

func TestConnect_HandshakeRejected(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.openErr = NewClientNotAuthenticatedError("")
	client, listener := newTestClient(testConfig(), transport)
	defer client.Disconnect()

	err := client.Connect(context.Background())
	var target *ClientNotAuthenticatedError
	if !errors.As(err, &target) {
		t.Fatalf("Connect() error = %v, want *ClientNotAuthenticatedError", err)
	}

	want := []State{StateConnecting, StateFailed}
	if got := listener.stateHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

func TestConnect_OpenFailsWithoutRetry(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	transport := newFakeTransport(nil)
	transport.openErr = errors.New("connection refused")
	client, listener := newTestClient(cfg, transport)

	err := client.Connect(context.Background())
	var target *ConnectError
	if !errors.As(err, &target) {
		t.Fatalf("Connect() error = %v, want *ConnectError", err)
	}

	want := []State{StateConnecting, StateFailed, StateDisconnected}
	if got := listener.stateHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	// A disconnected client can be connected again.
	transport.mu.Lock()
	transport.openErr = nil
	transport.mu.Unlock()
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("second Connect() error = %v", err)
	}
	client.Disconnect()
}

func TestConnect_RetriesUntilOpen(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.failures = 2
	client, listener := newTestClient(testConfig(), transport)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	want := []State{
		StateConnecting, StateFailed, StateReconnecting,
		StateConnecting, StateFailed, StateReconnecting,
		StateConnecting, StateConnected, StateReady,
	}
	if got := listener.stateHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
	if transport.attemptCount() != 3 {
		t.Errorf("attempts = %d, want 3", transport.attemptCount())
	}
}

func TestConnect_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 2
	transport := newFakeTransport(nil)
	transport.openErr = errors.New("connection refused")
	client, listener := newTestClient(cfg, transport)

	err := client.Connect(context.Background())
	var target *ConnectError
	if !errors.As(err, &target) {
		t.Fatalf("Connect() error = %v, want *ConnectError", err)
	}
	if !strings.Contains(err.Error(), "giving up") {
		t.Errorf("error %q does not mention giving up", err)
	}

	if transport.attemptCount() != 3 {
		t.Errorf("attempts = %d, want 3", transport.attemptCount())
	}
	if client.GetState() != StateFailed {
		t.Errorf("GetState() = %s, want failed", client.GetState())
	}
	if n := listener.count(StateReconnecting); n != 2 {
		t.Errorf("reconnecting announced %d times, want 2", n)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	transport := newFakeTransport(nil)
	transport.block = true
	client, _ := newTestClient(testConfig(), transport)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.Connect(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() error = %v, want deadline exceeded", err)
	}
	if client.GetState() != StateDisconnected {
		t.Errorf("GetState() = %s, want disconnected", client.GetState())
	}
}

func TestConnect_AlreadyConnected(t *testing.T) {
	client, _, _, _ := connectReady(t, nil)

	err := client.Connect(context.Background())
	var target *ClientAlreadyConnectedError
	if !errors.As(err, &target) {
		t.Errorf("second Connect() error = %v, want *ClientAlreadyConnectedError", err)
	}
}

func TestCall_NotReady(t *testing.T) {
	client, _ := newTestClient(testConfig(), newFakeTransport(nil))

	_, err := client.Call(context.Background(), "printer.info", nil, time.Second)
	var target *ClientNotReadyError
	if !errors.As(err, &target) {
		t.Fatalf("Call() error = %v, want *ClientNotReadyError", err)
	}
	if target.State() != StateDisconnected {
		t.Errorf("error state = %s, want disconnected", target.State())
	}
}

func TestCall_ResolvesResult(t *testing.T) {
	client, _, _, _ := connectReady(t, func(s *fakeSession, req request) {
		if req.Method == "printer.info" {
			s.reply(req.ID, `{"state":"ready"}`)
		}
	})

	got, err := client.Call(context.Background(), "printer.info", map[string]any{}, 5*time.Second)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if string(got) != `{"state":"ready"}` {
		t.Errorf("Call() = %s, want {\"state\":\"ready\"}", got)
	}
}

func TestCall_Throttled(t *testing.T) {
	var mu sync.Mutex
	sent := 0
	transport := newFakeTransport(func(s *fakeSession, req request) {
		mu.Lock()
		sent++
		mu.Unlock()
		s.reply(req.ID, `"ok"`)
	})
	cfg := testConfig()
	cfg.RequestsPerSecond = 0.5
	cfg.RequestBurst = 1
	client, _ := newTestClient(cfg, transport)
	t.Cleanup(func() { client.Disconnect() })

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := client.Call(context.Background(), "server.info", nil, time.Second); err != nil {
		t.Fatalf("first Call() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := client.Call(ctx, "server.info", nil, time.Second); err == nil {
		t.Fatal("second Call() error = nil, want throttled")
	}

	mu.Lock()
	defer mu.Unlock()
	if sent != 1 {
		t.Errorf("requests sent = %d, want 1", sent)
	}
}

func TestCall_OutOfOrderResponses(t *testing.T) {
	client, _, _, session := connectReady(t, nil)

	const n = 4
	results := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := client.Call(context.Background(), "printer.objects.query", map[string]int{"n": i}, 5*time.Second)
			if err != nil {
				t.Errorf("call %d error = %v", i, err)
				return
			}
			results[i] = string(got)
		}(i)
	}

	requests := make([]request, n)
	for i := range requests {
		requests[i] = session.nextRequest(t)
	}
	for i := n - 1; i >= 0; i-- {
		session.reply(requests[i].ID, string(requests[i].Params))
	}
	wg.Wait()

	for i, got := range results {
		want := fmt.Sprintf(`{"n":%d}`, i)
		if got != want {
			t.Errorf("call %d = %s, want %s", i, got, want)
		}
	}
}

func TestCall_UnknownIDDiscarded(t *testing.T) {
	client, _, _, session := connectReady(t, nil)

	done := make(chan error, 1)
	go func() {
		_, err := client.Call(context.Background(), "server.info", nil, 5*time.Second)
		done <- err
	}()

	req := session.nextRequest(t)
	session.reply(req.ID+1000, `{"bogus":true}`)

	select {
	case err := <-done:
		t.Fatalf("call resolved by a foreign id: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	session.reply(req.ID, `{}`)
	if err := <-done; err != nil {
		t.Errorf("Call() error = %v", err)
	}
}

func TestCall_Timeout(t *testing.T) {
	client, listener, _, session := connectReady(t, nil)

	_, err := client.Call(context.Background(), "printer.gcode.script", nil, 30*time.Millisecond)
	var timeoutErr *jsonrpc.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Call() error = %v, want *TimeoutError", err)
	}

	req := session.nextRequest(t)
	session.reply(req.ID, `"late"`)

	// The late response is dropped; the connection stays usable.
	time.Sleep(20 * time.Millisecond)
	if client.GetState() != StateReady {
		t.Errorf("GetState() = %s after late response, want ready", client.GetState())
	}
	if len(listener.exceptionHistory()) != 0 {
		t.Errorf("unexpected exceptions: %v", listener.exceptionHistory())
	}
	if client.registry.Len() != 0 {
		t.Errorf("pending calls = %d, want 0", client.registry.Len())
	}
}

func TestCall_RemoteError(t *testing.T) {
	client, _, _, _ := connectReady(t, func(s *fakeSession, req request) {
		s.replyError(req.ID, -32601, "Method not found")
	})

	_, err := client.Call(context.Background(), "printer.nope", nil, time.Second)
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Call() error = %v, want *RPCError", err)
	}
	if rpcErr.Code != -32601 || rpcErr.Message != "Method not found" {
		t.Errorf("unexpected remote error: %+v", rpcErr)
	}
}

func TestDisconnect_CancelsPendingCalls(t *testing.T) {
	client, listener, _, session := connectReady(t, nil)

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := client.Call(context.Background(), "printer.info", nil, time.Minute)
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		session.nextRequest(t)
	}

	if err := client.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !isConnectionLost(err) {
				t.Errorf("pending call error = %v, want *ConnectionLostError", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending call not released by Disconnect")
		}
	}

	if client.registry.Len() != 0 {
		t.Errorf("pending calls = %d after Disconnect, want 0", client.registry.Len())
	}
	if client.GetState() != StateStopped {
		t.Errorf("GetState() = %s, want stopped", client.GetState())
	}
	listener.waitFor(t, StateStopped, 1)
	if n := listener.count(StateStopped); n != 1 {
		t.Errorf("stopped announced %d times, want 1", n)
	}

	var stopped *ClientStoppedError
	if err := client.Connect(context.Background()); !errors.As(err, &stopped) {
		t.Errorf("Connect() after Disconnect error = %v, want *ClientStoppedError", err)
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

func TestConnectionLost_Reconnects(t *testing.T) {
	client, listener, transport, session := connectReady(t, nil)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := client.Call(context.Background(), "printer.info", nil, time.Minute)
			errs <- err
		}()
	}
	session.nextRequest(t)
	session.nextRequest(t)

	session.Close()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			if !isConnectionLost(err) {
				t.Errorf("pending call error = %v, want *ConnectionLostError", err)
			}
		case <-time.After(time.Second):
			t.Fatal("pending call not released after connection loss")
		}
	}

	transport.nextSession(t)
	listener.waitFor(t, StateReady, 2)

	want := []State{
		StateConnecting, StateConnected, StateReady,
		StateReconnecting, StateConnecting, StateConnected, StateReady,
	}
	if got := listener.stateHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}

	exceptions := listener.exceptionHistory()
	if len(exceptions) != 1 || !isConnectionLost(exceptions[0]) {
		t.Errorf("exceptions = %v, want one *ConnectionLostError", exceptions)
	}
}

func TestConnectionLost_WithoutRetry(t *testing.T) {
	cfg := testConfig()
	cfg.AutoReconnect = false
	transport := newFakeTransport(nil)
	client, listener := newTestClient(cfg, transport)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	transport.nextSession(t).Close()

	listener.waitFor(t, StateDisconnected, 1)
	if transport.attemptCount() != 1 {
		t.Errorf("attempts = %d, want 1", transport.attemptCount())
	}
}

func TestNotifications_DispatchedInOrder(t *testing.T) {
	client, listener, _, session := connectReady(t, nil)

	var mu sync.Mutex
	var received []string
	_, err := client.Subscribe("notify_status_update", jsonrpc.HandlerFunc(func(method string, params json.RawMessage) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, string(params))
		return nil
	}))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for i := 1; i <= 3; i++ {
		session.push(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notify_status_update","params":[{"n":%d}]}`, i))
	}
	session.push(`{"jsonrpc":"2.0","method":"notify_klippy_ready"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		listener.mu.Lock()
		n := len(listener.notifications)
		listener.mu.Unlock()
		if n == 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{`[{"n":1}]`, `[{"n":2}]`, `[{"n":3}]`}
	if !reflect.DeepEqual(received, want) {
		t.Errorf("handler received %v, want %v", received, want)
	}

	listener.mu.Lock()
	defer listener.mu.Unlock()
	wantMethods := []string{"notify_status_update", "notify_status_update", "notify_status_update", "notify_klippy_ready"}
	if !reflect.DeepEqual(listener.notifications, wantMethods) {
		t.Errorf("listener notifications = %v, want %v", listener.notifications, wantMethods)
	}
}

func TestReadLoop_SurvivesBadFramesAndHandlers(t *testing.T) {
	client, listener, _, session := connectReady(t, nil)

	client.Subscribe("notify_*", jsonrpc.HandlerFunc(func(method string, params json.RawMessage) error {
		panic("boom")
	}))
	client.Subscribe("notify_gcode_response", jsonrpc.HandlerFunc(func(method string, params json.RawMessage) error {
		return errors.New("handler failed")
	}))

	delivered := make(chan struct{}, 1)
	client.Subscribe(jsonrpc.WILDCARD, jsonrpc.HandlerFunc(func(method string, params json.RawMessage) error {
		delivered <- struct{}{}
		return nil
	}))

	session.push(`not json at all`)
	session.push(`{"jsonrpc":"2.0","method":"notify_gcode_response","params":["ok"]}`)

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered after bad frame")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(listener.exceptionHistory()) < 3 {
		time.Sleep(5 * time.Millisecond)
	}

	exceptions := listener.exceptionHistory()
	if len(exceptions) != 3 {
		t.Fatalf("exceptions = %v, want 3", exceptions)
	}
	var decodeErr *jsonrpc.DecodeError
	if !errors.As(exceptions[0], &decodeErr) {
		t.Errorf("first exception = %v, want *DecodeError", exceptions[0])
	}
	for _, err := range exceptions[1:] {
		var handlerErr *jsonrpc.HandlerError
		if !errors.As(err, &handlerErr) {
			t.Errorf("exception = %v, want *HandlerError", err)
		}
	}

	if client.GetState() != StateReady {
		t.Errorf("GetState() = %s, want ready", client.GetState())
	}
}

func TestUnsubscribe(t *testing.T) {
	client, listener, _, session := connectReady(t, nil)

	calls := 0
	sub, _ := client.Subscribe("notify_history_changed", jsonrpc.HandlerFunc(func(string, json.RawMessage) error {
		calls++
		return nil
	}))
	if !client.Unsubscribe(sub) {
		t.Fatal("Unsubscribe() = false")
	}

	session.push(`{"jsonrpc":"2.0","method":"notify_history_changed","params":[]}`)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		listener.mu.Lock()
		n := len(listener.notifications)
		listener.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if calls != 0 {
		t.Errorf("unsubscribed handler called %d times", calls)
	}
}

type callOnReadyListener struct {
	recordingListener
	client  *WebSocketClient
	results chan error
}

func (l *callOnReadyListener) OnStateChanged(state State) {
	l.recordingListener.OnStateChanged(state)
	if state == StateReady {
		go func() {
			_, err := l.client.Call(context.Background(), "server.info", nil, time.Second)
			l.results <- err
		}()
	}
}

func TestCall_ReadyAnnouncedBeforeUsable(t *testing.T) {
	transport := newFakeTransport(func(s *fakeSession, req request) {
		s.reply(req.ID, `{}`)
	})
	listener := &callOnReadyListener{results: make(chan error, 1)}
	client := NewWebSocketClientWithTransport(testConfig(), transport, listener, nil)
	listener.client = client
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	select {
	case err := <-listener.results:
		if err != nil {
			t.Errorf("Call() from Ready callback error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call() from Ready callback did not return")
	}
}

func TestClientID(t *testing.T) {
	a, _ := newTestClient(testConfig(), newFakeTransport(nil))
	b, _ := newTestClient(testConfig(), newFakeTransport(nil))

	if a.ID() == "" || a.ID() == b.ID() {
		t.Errorf("client ids not unique: %q %q", a.ID(), b.ID())
	}
}

func TestDisconnect_FromNotificationHandler(t *testing.T) {
	client, listener, _, session := connectReady(t, nil)

	returned := make(chan error, 1)
	client.Subscribe("notify_klippy_shutdown", jsonrpc.HandlerFunc(func(string, json.RawMessage) error {
		returned <- client.Disconnect()
		return nil
	}))

	session.push(`{"jsonrpc":"2.0","method":"notify_klippy_shutdown"}`)

	select {
	case err := <-returned:
		if err != nil {
			t.Errorf("Disconnect() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Disconnect from a notification handler did not return; state=%s", client.GetState())
	}

	listener.waitFor(t, StateStopped, 1)
	if err := client.Disconnect(); err != nil {
		t.Errorf("second Disconnect() error = %v", err)
	}
}

type disconnectingListener struct {
	recordingListener
	client   *WebSocketClient
	returned chan error
}

func (l *disconnectingListener) OnException(err error) {
	l.recordingListener.OnException(err)
	select {
	case l.returned <- l.client.Disconnect():
	default:
	}
}

func TestDisconnect_FromExceptionListener(t *testing.T) {
	transport := newFakeTransport(nil)
	listener := &disconnectingListener{returned: make(chan error, 1)}
	client := NewWebSocketClientWithTransport(testConfig(), transport, listener, nil)
	listener.client = client

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	transport.nextSession(t).push(`not json`)

	select {
	case err := <-listener.returned:
		if err != nil {
			t.Errorf("Disconnect() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Disconnect from OnException did not return; state=%s", client.GetState())
	}
	listener.waitFor(t, StateStopped, 1)

	// The lifecycle lock was released.
	connected := make(chan error, 1)
	go func() { connected <- client.Connect(context.Background()) }()
	select {
	case err := <-connected:
		var stopped *ClientStoppedError
		if !errors.As(err, &stopped) {
			t.Errorf("Connect() after Disconnect error = %v, want *ClientStoppedError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Connect() blocked after Disconnect from a callback")
	}
}

func TestCall_FromNotificationHandler(t *testing.T) {
	client, _, _, session := connectReady(t, func(s *fakeSession, req request) {
		if req.Method == "printer.info" {
			s.reply(req.ID, `{"state":"shutdown"}`)
		}
	})

	results := make(chan string, 1)
	client.Subscribe("notify_klippy_shutdown", jsonrpc.HandlerFunc(func(string, json.RawMessage) error {
		result, err := client.Call(context.Background(), "printer.info", nil, time.Second)
		if err != nil {
			return err
		}
		results <- string(result)
		return nil
	}))

	session.push(`{"jsonrpc":"2.0","method":"notify_klippy_shutdown"}`)

	select {
	case got := <-results:
		if got != `{"state":"shutdown"}` {
			t.Errorf("Call() from handler = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call() from a notification handler did not return")
	}
}

func TestReconnect_RevokedKeyReportedAsException(t *testing.T) {
	cfg := testConfig()
	cfg.APIKey = "secret"

	var mu sync.Mutex
	identifies := 0
	transport := newFakeTransport(func(s *fakeSession, req request) {
		if req.Method != IDENTIFY_METHOD {
			return
		}
		mu.Lock()
		identifies++
		n := identifies
		mu.Unlock()
		if n == 1 {
			s.reply(req.ID, `{"connection_id":1}`)
			return
		}
		s.replyError(req.ID, jsonrpc.CODE_UNAUTHORIZED, "revoked")
	})
	client, listener := newTestClient(cfg, transport)
	defer client.Disconnect()

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	transport.nextSession(t).Close()

	listener.waitFor(t, StateFailed, 1)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(listener.exceptionHistory()) < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	exceptions := listener.exceptionHistory()
	if len(exceptions) != 2 {
		t.Fatalf("exceptions = %v, want connection lost then auth failure", exceptions)
	}
	if !isConnectionLost(exceptions[0]) {
		t.Errorf("first exception = %v, want *ConnectionLostError", exceptions[0])
	}
	var notAuthenticated *ClientNotAuthenticatedError
	if !errors.As(exceptions[1], &notAuthenticated) {
		t.Errorf("second exception = %v, want *ClientNotAuthenticatedError", exceptions[1])
	}

	// Longer than the largest backoff: the run has ended.
	time.Sleep(100 * time.Millisecond)
	if transport.attemptCount() != 2 {
		t.Errorf("attempts = %d, want 2", transport.attemptCount())
	}
	if client.GetState() != StateFailed {
		t.Errorf("GetState() = %s, want failed", client.GetState())
	}

	want := []State{
		StateConnecting, StateConnected, StateAuthenticating, StateReady,
		StateReconnecting, StateConnecting, StateConnected, StateAuthenticating, StateFailed,
	}
	if got := listener.stateHistory(); !reflect.DeepEqual(got, want) {
		t.Errorf("states = %v, want %v", got, want)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestTransitionsLoggedWithClientID(t *testing.T) {
	out := &lockedBuffer{}
	client := NewWebSocketClientWithTransport(testConfig(), newFakeTransport(nil), nil, logger.NewWithWriter(out, logger.DEBUG, "text"))

	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Disconnect()

	for _, line := range []string{
		"Client " + client.ID() + ": state disconnected -> connecting",
		"Client " + client.ID() + ": state connected -> ready",
		"Client " + client.ID() + ": state ready -> stopped",
		"Client " + client.ID() + " disconnected from Moonraker",
	} {
		if !strings.Contains(out.String(), line) {
			t.Errorf("log missing %q:\n%s", line, out.String())
		}
	}
}
