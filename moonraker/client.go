package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"moonrakerapi/config"
	"moonrakerapi/jsonrpc"
	"moonrakerapi/logger"
	"moonrakerapi/websocket"
)

type Listener interface {
	OnStateChanged(state websocket.State)
	OnNotification(method string, params json.RawMessage)
	OnException(err error)
}

type Client struct {
	wsClient *websocket.WebSocketClient
	config   *config.MoonrakerConfig
	listener Listener
	logger   logger.Logger

	objectsMux sync.RWMutex
	objects    []string
}

type clientListener struct {
	client *Client
}

func NewClient(cfg *config.MoonrakerConfig, log logger.Logger, listener Listener) *Client {
	return NewClientWithTransport(cfg, websocket.NewTransport(cfg.Transport, log), log, listener)
}

func NewClientWithTransport(cfg *config.MoonrakerConfig, transport websocket.Transport, log logger.Logger, listener Listener) *Client {
	if log == nil {
		log = logger.Discard()
	}

	c := &Client{
		config:   cfg,
		listener: listener,
		logger:   log,
	}
	c.wsClient = websocket.NewWebSocketClientWithTransport(cfg, transport, &clientListener{client: c}, log)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	return c.wsClient.Connect(ctx)
}

func (c *Client) Disconnect() error {
	return c.wsClient.Disconnect()
}

func (c *Client) IsConnected() bool {
	return c.wsClient.IsConnected()
}

func (c *Client) GetState() websocket.State {
	return c.wsClient.GetState()
}

// ID identifies the underlying connection in logs.
func (c *Client) ID() string {
	return c.wsClient.ID()
}

// CallMethod calls method with the configured request timeout.
func (c *Client) CallMethod(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.wsClient.Call(ctx, method, params, c.config.GetTimeout())
}

func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return c.wsClient.Call(ctx, method, params, timeout)
}

func (c *Client) Subscribe(pattern string, handler jsonrpc.NotificationHandler) (jsonrpc.Subscription, error) {
	return c.wsClient.Subscribe(pattern, handler)
}

func (c *Client) Unsubscribe(sub jsonrpc.Subscription) bool {
	return c.wsClient.Unsubscribe(sub)
}

// SupportedObjects is the printer object list fetched after the last
// Ready. It is empty until the first fetch completes.
func (c *Client) SupportedObjects() []string {
	c.objectsMux.RLock()
	defer c.objectsMux.RUnlock()
	return slices.Clone(c.objects)
}

func (c *Client) callInto(ctx context.Context, method string, params any, out any) error {
	result, err := c.CallMethod(ctx, method, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("invalid %s response: %w", method, err)
	}
	return nil
}

func (c *Client) GetHostInfo(ctx context.Context) (*PrinterInfo, error) {
	var info PrinterInfo
	if err := c.callInto(ctx, METHOD_PRINTER_INFO, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info ServerInfo
	if err := c.callInto(ctx, METHOD_SERVER_INFO, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) GetKlippyState(ctx context.Context) (string, error) {
	info, err := c.GetServerInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.KlippyState, nil
}

func (c *Client) GetSupportedObjects(ctx context.Context) ([]string, error) {
	var list objectList
	if err := c.callInto(ctx, METHOD_OBJECTS_LIST, nil, &list); err != nil {
		return nil, err
	}

	c.objectsMux.Lock()
	c.objects = slices.Clone(list.Objects)
	c.objectsMux.Unlock()

	return list.Objects, nil
}

func (c *Client) QueryObjects(ctx context.Context, objects map[string]any) (*ObjectStatus, error) {
	var status ObjectStatus
	if err := c.callInto(ctx, METHOD_OBJECTS_QUERY, map[string]any{"objects": objects}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SubscribeObjects asks the server to push notify_status_update for the
// given objects. Subscriptions do not survive a reconnect.
func (c *Client) SubscribeObjects(ctx context.Context, objects map[string]any) (*ObjectStatus, error) {
	var status ObjectStatus
	if err := c.callInto(ctx, METHOD_OBJECTS_SUBSCRIBE, map[string]any{"objects": objects}, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) RestartPrinter(ctx context.Context) error {
	_, err := c.CallMethod(ctx, METHOD_PRINTER_RESTART, nil)
	return err
}

func (c *Client) EmergencyStop(ctx context.Context) error {
	_, err := c.CallMethod(ctx, METHOD_EMERGENCY_STOP, nil)
	return err
}

func (c *Client) RestartFirmware(ctx context.Context) error {
	_, err := c.CallMethod(ctx, METHOD_FIRMWARE_RESTART, nil)
	return err
}

func (c *Client) GetWebsocketID(ctx context.Context) (int64, error) {
	var id websocketID
	if err := c.callInto(ctx, METHOD_WEBSOCKET_ID, nil, &id); err != nil {
		return 0, err
	}
	return id.WebsocketID, nil
}

func (c *Client) ExecuteGcode(ctx context.Context, gcode string) error {
	params := map[string]any{
		"script": gcode,
	}
	_, err := c.CallMethod(ctx, METHOD_GCODE_SCRIPT, params)
	return err
}

func (c *Client) HandleCommand(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), DEFAULT_COMMAND_TIMEOUT_SECONDS*time.Second)
	defer cancel()

	c.logger.Info("Received command on topic: %s", topic)

	var cmdMsg CommandMessage
	if err := json.Unmarshal(payload, &cmdMsg); err != nil {
		c.logger.Error("Failed to parse command message: %v", err)
		return fmt.Errorf("invalid command message: %w", err)
	}

	if err := c.executeCommand(ctx, cmdMsg.Command, cmdMsg.Params); err != nil {
		c.logger.Error("Failed to execute command %s: %v", cmdMsg.Command, err)
		return err
	}

	c.logger.Info("Successfully executed command: %s", cmdMsg.Command)
	return nil
}

func (c *Client) executeCommand(ctx context.Context, command string, params map[string]any) error {
	switch command {
	case "gcode":
		return c.handleGcodeCommand(ctx, params)
	case "emergency_stop":
		return c.EmergencyStop(ctx)
	case "restart":
		return c.RestartPrinter(ctx)
	case "firmware_restart":
		return c.RestartFirmware(ctx)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func (c *Client) handleGcodeCommand(ctx context.Context, params map[string]any) error {
	script, ok := params["script"].(string)
	if !ok {
		return fmt.Errorf("missing or invalid 'script' parameter")
	}
	return c.ExecuteGcode(ctx, script)
}

func (c *Client) refreshSupportedObjects() {
	ctx, cancel := context.WithTimeout(context.Background(), c.config.GetTimeout())
	defer cancel()

	objects, err := c.GetSupportedObjects(ctx)
	if err != nil {
		c.logger.Warn("Failed to list printer objects: %v", err)
		return
	}
	c.logger.Debug("Printer exposes %d objects", len(objects))
}

func (l *clientListener) OnStateChanged(state websocket.State) {
	if state == websocket.StateReady {
		go l.client.refreshSupportedObjects()
	}
	if l.client.listener != nil {
		l.client.listener.OnStateChanged(state)
	}
}

func (l *clientListener) OnNotification(method string, params json.RawMessage) {
	if l.client.listener != nil {
		l.client.listener.OnNotification(method, params)
	}
}

func (l *clientListener) OnException(err error) {
	if l.client.listener != nil {
		l.client.listener.OnException(err)
	}
}
