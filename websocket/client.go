package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"moonrakerapi/config"
	"moonrakerapi/jsonrpc"
	"moonrakerapi/logger"
	"moonrakerapi/metrics"
	"moonrakerapi/retry"
	"moonrakerapi/version"
)

var errDisconnected = errors.New("client disconnected")

var _ Client = (*WebSocketClient)(nil)

func init() {
	metrics.RegisterMethods(IDENTIFY_METHOD)
}

// WebSocketClient owns the connection lifecycle. One supervisor goroutine
// runs per successful Connect; it opens sessions, authenticates, runs the
// read loop and reconnects until Disconnect or a terminal failure.
type WebSocketClient struct {
	id        string
	config    *config.MoonrakerConfig
	transport Transport
	listener  StatusListener
	logger    logger.Logger

	registry *jsonrpc.Registry
	router   *jsonrpc.Router
	limiter  *rate.Limiter
	retry    *retry.Manager
	events   *eventQueue

	// state changes under stateMux; announced trails it and is only
	// written by the event goroutine, just before OnStateChanged runs.
	state     atomic.Int32
	announced atomic.Int32
	stateMux  sync.Mutex

	lifeMux sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	sessionMux sync.RWMutex
	session    Session

	pendingReported atomic.Int64
}

func NewWebSocketClient(cfg *config.MoonrakerConfig, listener StatusListener, log logger.Logger) *WebSocketClient {
	return NewWebSocketClientWithTransport(cfg, NewTransport(cfg.Transport, log), listener, log)
}

func NewWebSocketClientWithTransport(cfg *config.MoonrakerConfig, transport Transport, listener StatusListener, log logger.Logger) *WebSocketClient {
	if log == nil {
		log = logger.Discard()
	}

	c := &WebSocketClient{
		id:        uuid.NewString(),
		config:    cfg,
		transport: transport,
		listener:  listener,
		logger:    log,
		registry:  jsonrpc.NewRegistry(),
		router:    jsonrpc.NewRouter(),
		retry:     retry.NewManager(retry.PolicyFromConfig(cfg), log),
	}
	c.events = newEventQueue(c.deliver)
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst)
	}

	c.registry.OnTimeout(func(call *jsonrpc.PendingCall) {
		c.logger.Warn("Client %s: request %d (%s) timed out", c.id, call.ID, call.Method)
		c.syncPending()
	})

	c.state.Store(int32(StateDisconnected))
	c.announced.Store(int32(StateDisconnected))
	return c
}

// ID identifies this client instance in logs.
func (c *WebSocketClient) ID() string {
	return c.id
}

func (c *WebSocketClient) GetState() State {
	return State(c.state.Load())
}

func (c *WebSocketClient) IsConnected() bool {
	return State(c.announced.Load()) == StateReady && c.GetState() == StateReady
}

// Connect starts the lifecycle and blocks until the first Ready has been
// announced or a terminal failure. Cancelling ctx before then aborts the
// attempt and returns the client to Disconnected.
func (c *WebSocketClient) Connect(ctx context.Context) error {
	c.lifeMux.Lock()

	if st := c.GetState(); st == StateStopped {
		c.lifeMux.Unlock()
		return NewClientStoppedError()
	}
	if c.done != nil {
		select {
		case <-c.done:
		default:
			c.lifeMux.Unlock()
			return NewClientAlreadyConnectedError(c.GetState())
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	outcome := make(chan error, 1)
	c.cancel, c.done = cancel, done
	c.retry.Reset()

	go c.supervise(runCtx, outcome, done)
	c.lifeMux.Unlock()

	select {
	case err := <-outcome:
		return err
	case <-ctx.Done():
	}

	select {
	case err := <-outcome:
		return err
	default:
	}

	c.abort(done)
	return fmt.Errorf("connection cancelled: %w", ctx.Err())
}

func (c *WebSocketClient) abort(done chan struct{}) {
	c.lifeMux.Lock()
	defer c.lifeMux.Unlock()

	if c.done != done {
		return
	}
	c.cancel()
	<-done
	c.registry.CancelAll(jsonrpc.NewConnectionLostError(context.Canceled))
	c.syncPending()
	c.transition(context.Background(), StateDisconnected)
}

// Disconnect moves the client to Stopped, cancels pending calls and waits
// for the session to close. A stopped client never reconnects. It may be
// called from listener callbacks and notification handlers; the Stopped
// announcement itself is delivered after Disconnect returns.
func (c *WebSocketClient) Disconnect() error {
	c.lifeMux.Lock()
	defer c.lifeMux.Unlock()

	if c.GetState() == StateStopped {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	c.transition(context.Background(), StateStopped)

	if n := c.registry.CancelAll(jsonrpc.NewConnectionLostError(errDisconnected)); n > 0 {
		c.logger.Debug("Client %s: cancelled %d pending requests on disconnect", c.id, n)
	}

	if c.done != nil {
		<-c.done
	}
	c.syncPending()

	c.logger.Info("Client %s disconnected from Moonraker", c.id)
	return nil
}

// Call sends a request and waits for its response. It fails fast with
// *ClientNotReadyError unless Ready has been announced and still holds.
func (c *WebSocketClient) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	start := time.Now()

	st := State(c.announced.Load())
	if cur := c.GetState(); st == StateReady && cur != StateReady {
		st = cur
	}
	if st != StateReady {
		metrics.RecordCall(method, metrics.OUTCOME_NOT_READY, 0)
		return nil, NewClientNotReadyError(st)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.RecordCall(method, metrics.OUTCOME_ERROR, time.Since(start))
			return nil, fmt.Errorf("request throttled: %w", err)
		}
	}

	result, err := c.invoke(ctx, method, params, timeout)
	metrics.RecordCall(method, outcomeOf(err), time.Since(start))
	return result, err
}

// invoke runs a call on the current session without the Ready gate, so
// authentication can use the same machinery.
func (c *WebSocketClient) invoke(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.config.GetTimeout()
	}

	// Registering under the read lock orders the call before the teardown
	// that clears the session, so teardown's CancelAll always sees it.
	c.sessionMux.RLock()
	session := c.session
	if session == nil {
		c.sessionMux.RUnlock()
		return nil, NewClientNotReadyError(c.GetState())
	}
	call := c.registry.Register(method, params, timeout)
	c.sessionMux.RUnlock()

	c.syncPending()
	defer c.syncPending()

	frame, err := jsonrpc.Encode(method, params, call.ID)
	if err != nil {
		c.registry.Forget(call.ID)
		return nil, err
	}

	c.logger.Debug("Sending request %d: %s", call.ID, method)
	if err := session.Send(ctx, frame); err != nil {
		if c.registry.Forget(call.ID) {
			return nil, err
		}
	}

	return call.Wait(ctx)
}

func (c *WebSocketClient) Subscribe(pattern string, handler jsonrpc.NotificationHandler) (jsonrpc.Subscription, error) {
	return c.router.Subscribe(pattern, handler)
}

func (c *WebSocketClient) Unsubscribe(sub jsonrpc.Subscription) bool {
	return c.router.Unsubscribe(sub)
}

func (c *WebSocketClient) supervise(ctx context.Context, outcome chan<- error, done chan struct{}) {
	defer close(done)

	// Connect returns only after the listener has heard every transition
	// that led to the outcome.
	reported := false
	report := func(err error) {
		if reported {
			return
		}
		reported = true
		c.events.flush(ctx)
		outcome <- err
	}
	defer func() { report(NewClientStoppedError()) }()

	for {
		ready, err := c.runSession(ctx, report)
		if ctx.Err() != nil {
			return
		}

		if IsAuthError(err) {
			c.logger.Error("Client %s: authentication failed: %v", c.id, err)
			if reported {
				c.notifyException(err)
			}
			report(err)
			return
		}

		if ready {
			c.retry.Reset()
			c.logger.Warn("Client %s: connection to Moonraker lost: %v", c.id, err)
			c.notifyException(jsonrpc.NewConnectionLostError(err))
		}

		if !c.retry.IsEnabled() {
			c.transition(ctx, StateDisconnected)
			report(err)
			return
		}

		if !c.retry.ShouldReconnect() {
			c.transition(ctx, StateFailed)
			gaveUp := NewConnectError(c.config.GetWebSocketURL(),
				fmt.Errorf("giving up after %d reconnection attempts: %w", c.retry.GetAttempt(), err))
			if reported {
				c.notifyException(gaveUp)
			}
			report(gaveUp)
			return
		}

		c.transition(ctx, StateReconnecting)
		metrics.RecordReconnectAttempt()
		if err := c.retry.WaitBeforeReconnect(ctx); err != nil {
			return
		}
	}
}

// runSession drives one connection from Connecting until it is lost. It
// reports whether Ready was reached and why the session ended.
func (c *WebSocketClient) runSession(ctx context.Context, report func(error)) (bool, error) {
	wsURL := c.config.GetWebSocketURL()
	c.transition(ctx, StateConnecting)

	openCtx, cancelOpen := context.WithTimeout(ctx, c.config.GetConnectTimeout())
	session, err := c.transport.Open(openCtx, wsURL, c.header())
	cancelOpen()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		c.logger.Error("Client %s: failed to connect to Moonraker at %s: %v", c.id, wsURL, err)
		c.transition(ctx, StateFailed)
		return false, err
	}

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	c.sessionMux.Lock()
	c.session = session
	c.sessionMux.Unlock()

	lost := make(chan error, 1)
	go c.readLoop(session, lost)
	defer c.teardown(session, lost)

	c.transition(ctx, StateConnected)

	if c.config.APIKey != "" {
		c.transition(ctx, StateAuthenticating)
		if err := c.authenticate(ctx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			c.transition(ctx, StateFailed)
			return false, err
		}
	}

	if !c.transition(ctx, StateReady) {
		return false, ctx.Err()
	}
	c.logger.Info("Client %s connected to Moonraker at %s", c.id, wsURL)
	report(nil)

	select {
	case err := <-lost:
		lost <- err
		return true, err
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// teardown detaches the session, waits for its read loop and fails any
// call still waiting on it.
func (c *WebSocketClient) teardown(session Session, lost chan error) {
	c.sessionMux.Lock()
	if c.session == session {
		c.session = nil
	}
	c.sessionMux.Unlock()

	if err := session.Close(); err != nil {
		c.logger.Debug("WebSocket connection closed during shutdown: %v", err)
	}
	err := <-lost

	if n := c.registry.CancelAll(jsonrpc.NewConnectionLostError(err)); n > 0 {
		c.logger.Debug("Client %s: cancelled %d pending requests after session end", c.id, n)
	}
	c.syncPending()
}

func (c *WebSocketClient) authenticate(ctx context.Context) error {
	identityURL := version.GitURL
	if identityURL == "" {
		identityURL = c.config.GetOrigin()
	}

	params := identifyParams{
		ClientName: c.config.GetClientName(),
		Version:    version.Version,
		Type:       IDENTIFY_CLIENT_TYPE,
		URL:        identityURL,
		APIKey:     c.config.APIKey,
	}

	_, err := c.invoke(ctx, IDENTIFY_METHOD, params, c.config.GetTimeout())
	if err == nil {
		c.logger.Debug("Client %s identified with Moonraker", c.id)
		return nil
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case jsonrpc.CODE_UNAUTHORIZED:
			return NewClientNotAuthenticatedError(rpcErr.Message)
		case jsonrpc.CODE_FORBIDDEN:
			return NewClientNotAuthorizedError(rpcErr.Message)
		}
	}
	return fmt.Errorf("identify failed: %w", err)
}

func (c *WebSocketClient) header() http.Header {
	header := http.Header{}
	if c.config.APIKey != "" {
		header.Set(API_KEY_HEADER, c.config.APIKey)
	}
	return header
}

// readLoop is the only reader of session. It ends on the first transport
// error, which it hands back through lost. Nothing it calls blocks on user
// code: notifications go through the event queue.
func (c *WebSocketClient) readLoop(session Session, lost chan<- error) {
	for {
		frame, err := session.Receive()
		if err != nil {
			c.logger.Debug("Client %s: read loop ended: %v", c.id, err)
			c.registry.CancelAll(jsonrpc.NewConnectionLostError(err))
			lost <- err
			return
		}
		c.handleFrame(frame)
	}
}

func (c *WebSocketClient) handleFrame(frame []byte) {
	msg, err := jsonrpc.Decode(frame)
	if err != nil {
		c.logger.Warn("Dropping malformed frame: %v", err)
		metrics.RecordFrameError("decode")
		c.notifyException(err)
		return
	}

	switch msg.Kind {
	case jsonrpc.KindResponse:
		if !c.registry.Resolve(msg.ID, msg.Result) {
			c.logger.Debug("Discarding response for unknown request %d", msg.ID)
		}
	case jsonrpc.KindErrorResponse:
		if !c.registry.Reject(msg.ID, msg.Error) {
			c.logger.Debug("Discarding error for unknown request %d: %v", msg.ID, msg.Error)
		}
	case jsonrpc.KindNotification:
		metrics.RecordNotification(msg.Method)
		c.events.push(event{kind: eventNotification, method: msg.Method, params: msg.Params})
	}
}

// transition moves to the target state and queues its announcement.
// Supervisor transitions pass their run context and are dropped once it
// is cancelled; Stopped is never left.
func (c *WebSocketClient) transition(ctx context.Context, to State) bool {
	c.stateMux.Lock()
	defer c.stateMux.Unlock()

	if ctx.Err() != nil {
		return false
	}
	from := State(c.state.Load())
	if from == to || from == StateStopped {
		return false
	}

	c.state.Store(int32(to))
	c.logger.Debug("Client %s: state %s -> %s", c.id, from, to)
	metrics.RecordTransition(to.String())

	c.events.push(event{kind: eventState, state: to})
	return true
}

func (c *WebSocketClient) notifyException(err error) {
	c.events.push(event{kind: eventException, err: err})
}

// deliver runs on the event goroutine. Notification handlers run before
// the listener hears the same notification.
func (c *WebSocketClient) deliver(ev event) {
	switch ev.kind {
	case eventState:
		c.announced.Store(int32(ev.state))
		c.safeCallback("OnStateChanged", func(l StatusListener) { l.OnStateChanged(ev.state) })
	case eventNotification:
		for _, err := range c.router.Dispatch(ev.method, ev.params) {
			c.logger.Error("Notification handler failed: %v", err)
			metrics.RecordFrameError("handler")
			c.safeCallback("OnException", func(l StatusListener) { l.OnException(err) })
		}
		c.safeCallback("OnNotification", func(l StatusListener) { l.OnNotification(ev.method, ev.params) })
	case eventException:
		c.safeCallback("OnException", func(l StatusListener) { l.OnException(ev.err) })
	}
}

func (c *WebSocketClient) safeCallback(name string, fn func(StatusListener)) {
	if c.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Listener %s panicked: %v", name, r)
			metrics.RecordFrameError("listener")
		}
	}()
	fn(c.listener)
}

// syncPending moves the shared pending gauge by this client's change
// since the last report.
func (c *WebSocketClient) syncPending() {
	n := int64(c.registry.Len())
	if delta := n - c.pendingReported.Swap(n); delta != 0 {
		metrics.AddPendingCalls(int(delta))
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return metrics.OUTCOME_OK
	}

	var (
		rpcErr     *jsonrpc.RPCError
		timeoutErr *jsonrpc.TimeoutError
		lostErr    *jsonrpc.ConnectionLostError
		notReady   *ClientNotReadyError
	)
	switch {
	case errors.As(err, &rpcErr):
		return metrics.OUTCOME_REMOTE_ERROR
	case errors.As(err, &timeoutErr):
		return metrics.OUTCOME_TIMEOUT
	case errors.As(err, &lostErr):
		return metrics.OUTCOME_CONNECTION_LOST
	case errors.As(err, &notReady):
		return metrics.OUTCOME_NOT_READY
	default:
		return metrics.OUTCOME_ERROR
	}
}
