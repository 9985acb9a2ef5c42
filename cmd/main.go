package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"moonrakerapi/config"
	"moonrakerapi/logger"
	"moonrakerapi/metrics"
	"moonrakerapi/moonraker"
	"moonrakerapi/mqtt"
	"moonrakerapi/version"
	"moonrakerapi/websocket"
)

const (
	DEFAULT_CONFIG_FILE     = "config.yaml"
	PUBLISH_RETRIES         = 3
	INITIAL_INFO_ATTEMPTS   = 3
	MAX_CONSECUTIVE_ERRORS  = 5
	METRICS_SHUTDOWN_WAIT   = 5 * time.Second
	METRICS_PATH            = "/metrics"
	METRICS_READ_HEADER_MAX = 5 * time.Second
	OUTBOX_SIZE             = 256
)

type outboundMessage struct {
	topic   string
	payload []byte
	retain  bool
}

type App struct {
	config          *config.Config
	moonrakerClient *moonraker.Client
	mqttClient      mqtt.MQTTClient
	logger          logger.Logger

	// outbox carries listener events to the single publisher goroutine,
	// which keeps them in the order the client announced them.
	outbox chan outboundMessage

	// ctx is the Run context; set before the Moonraker client starts.
	ctx context.Context
}

func NewApp(configFile string) (*App, error) {
	cfg, err := config.LoadOrCreateConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logger.New(&cfg.Logging, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	app := &App{
		config:     cfg,
		mqttClient: mqtt.NewPahoClient(&cfg.MQTT, logger),
		logger:     logger,
		outbox:     make(chan outboundMessage, OUTBOX_SIZE),
		ctx:        context.Background(),
	}

	app.moonrakerClient = moonraker.NewClient(&cfg.Moonraker, logger, app)

	return app, nil
}

func (a *App) topic(parts ...string) string {
	return mqtt.Topic(a.config.MQTT.TopicPrefix, parts...)
}

func (a *App) publish(topic string, payload []byte, retain bool) error {
	if !a.mqttClient.IsConnected() {
		return mqtt.ErrNotConnected
	}
	return a.mqttClient.Publish(topic, payload, a.config.MQTT.QoS, retain, PUBLISH_RETRIES)
}

// enqueue hands a message to the publisher. It only blocks while the
// outbox is full, and gives up once the app is shutting down.
func (a *App) enqueue(topic string, payload []byte, retain bool) {
	select {
	case a.outbox <- outboundMessage{topic: topic, payload: payload, retain: retain}:
	case <-a.ctx.Done():
		a.logger.Debug("Dropping message for %s during shutdown", topic)
	}
}

func (a *App) runPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.outbox:
			if err := a.publish(msg.topic, msg.payload, msg.retain); err != nil {
				a.logger.Error("Failed to publish to %s after retries: %v", msg.topic, err)
			}
		}
	}
}

func (a *App) OnStateChanged(state websocket.State) {
	a.logger.Debug("Moonraker state changed: %s", state)

	a.enqueue(a.topic("state"), []byte(state.String()), a.config.MQTT.Retain)

	if state == websocket.StateReady {
		go a.onReady(a.ctx)
	}
}

func (a *App) OnNotification(method string, params json.RawMessage) {
	a.logger.Debug("Received notification: %s", method)

	payload := []byte(params)
	if len(payload) == 0 {
		payload = []byte("null")
	}

	a.enqueue(a.topic("notifications", method), payload, a.config.MQTT.Retain)
}

func (a *App) OnException(err error) {
	a.logger.Error("Moonraker exception: %v", err)

	a.enqueue(a.topic("errors"), []byte(err.Error()), false)
}

// onReady restores per-connection server state after every (re)connect.
func (a *App) onReady(ctx context.Context) {
	objects, err := a.config.Moonraker.GetMonitoredObjects()
	if err != nil {
		a.logger.Warn("Failed to get monitored objects from config, using defaults: %v", err)
		objects = config.DefaultMonitoredObjects()
	}

	if _, err := a.moonrakerClient.SubscribeObjects(ctx, objects); err != nil {
		a.logger.Warn("Failed to subscribe to printer objects: %v", err)
	} else {
		a.logger.Info("Subscribed to %d printer objects", len(objects))
	}

	for attempt := 1; attempt <= INITIAL_INFO_ATTEMPTS; attempt++ {
		err := a.publishInitialInfo(ctx)
		if err == nil {
			a.logger.Info("Successfully published initial info")
			return
		}

		a.logger.Warn("Failed to publish initial info (attempt %d/%d): %v", attempt, INITIAL_INFO_ATTEMPTS, err)
		if attempt == INITIAL_INFO_ATTEMPTS {
			a.logger.Error("Failed to publish initial info after %d attempts, continuing anyway", INITIAL_INFO_ATTEMPTS)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second * time.Duration(attempt)):
		}
	}
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting moonrakerapi bridge %s", version.Version)
	a.ctx = ctx

	if a.config.Metrics.Enabled {
		stop := a.serveMetrics()
		defer stop()
	}

	if err := a.mqttClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	defer func() {
		if err := a.publish(a.topic("bridge", "status"), []byte(mqtt.STATUS_OFFLINE), true); err != nil {
			a.logger.Debug("Failed to publish offline status: %v", err)
		}
		if err := a.mqttClient.Disconnect(); err != nil {
			a.logger.Error("Failed to disconnect from MQTT broker: %v", err)
		}
	}()

	if err := a.publish(a.topic("bridge", "status"), []byte(mqtt.STATUS_ONLINE), true); err != nil {
		a.logger.Warn("Failed to publish online status: %v", err)
	}

	go a.runPublisher(ctx)

	if a.config.MQTT.CommandsEnabled {
		commandTopic := a.topic("commands")
		handler := func(topic string, payload []byte) {
			if err := a.moonrakerClient.HandleCommand(topic, payload); err != nil {
				a.OnException(err)
			}
		}
		if err := a.mqttClient.Subscribe(commandTopic, handler); err != nil {
			a.logger.Warn("Failed to subscribe to command topic %s: %v", commandTopic, err)
		} else {
			a.logger.Info("Subscribed to command topic: %s", commandTopic)
		}
	}

	if err := a.moonrakerClient.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to Moonraker: %w", err)
	}
	defer func() {
		if err := a.moonrakerClient.Disconnect(); err != nil {
			a.logger.Error("Failed to disconnect from Moonraker: %v", err)
		}
	}()

	a.logger.Info("Successfully connected to both Moonraker and MQTT")

	go a.periodicMonitoring(ctx)

	<-ctx.Done()
	a.logger.Info("Shutting down...")

	return nil
}

func (a *App) serveMetrics() func() {
	mux := http.NewServeMux()
	mux.Handle(METRICS_PATH, metrics.Handler())

	srv := &http.Server{
		Addr:              a.config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: METRICS_READ_HEADER_MAX,
	}

	go func() {
		a.logger.Info("Serving metrics on %s%s", srv.Addr, METRICS_PATH)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Metrics server failed: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), METRICS_SHUTDOWN_WAIT)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("Metrics server shutdown: %v", err)
		}
	}
}

func (a *App) publishInitialInfo(ctx context.Context) error {
	serverInfo, err := a.moonrakerClient.GetServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get server info: %w", err)
	}

	data, err := json.Marshal(serverInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal server info: %w", err)
	}

	if err := a.publish(a.topic("server", "info"), data, a.config.MQTT.Retain); err != nil {
		return fmt.Errorf("failed to publish server info: %w", err)
	}

	printerInfo, err := a.moonrakerClient.GetHostInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to get printer info: %w", err)
	}

	data, err = json.Marshal(printerInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal printer info: %w", err)
	}

	if err := a.publish(a.topic("printer", "info"), data, a.config.MQTT.Retain); err != nil {
		return fmt.Errorf("failed to publish printer info: %w", err)
	}

	return nil
}

func (a *App) periodicMonitoring(ctx context.Context) {
	interval := time.Duration(a.config.Moonraker.CallInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	consecutiveErrors := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !a.moonrakerClient.IsConnected() {
				continue
			}

			if err := a.publishStatus(ctx); err != nil {
				consecutiveErrors++
				a.logger.Error("Failed to publish periodic status (error %d/%d): %v", consecutiveErrors, MAX_CONSECUTIVE_ERRORS, err)

				if consecutiveErrors == MAX_CONSECUTIVE_ERRORS {
					a.logger.Warn("Too many consecutive errors, slowing down polling interval")
					ticker.Reset(interval * 2)
				}
			} else if consecutiveErrors > 0 {
				a.logger.Info("Successfully published status after %d errors, resuming normal polling", consecutiveErrors)
				consecutiveErrors = 0
				ticker.Reset(interval)
			}
		}
	}
}

func (a *App) publishStatus(ctx context.Context) error {
	klippyState, err := a.moonrakerClient.GetKlippyState(ctx)
	if err != nil {
		return fmt.Errorf("failed to get klipper state: %w", err)
	}

	if err := a.publish(a.topic("klipper", "state"), []byte(klippyState), false); err != nil {
		return fmt.Errorf("failed to publish klipper state: %w", err)
	}

	objects, err := a.config.Moonraker.GetMonitoredObjects()
	if err != nil {
		a.logger.Warn("Failed to get monitored objects from config, using defaults: %v", err)
		objects = config.DefaultMonitoredObjects()
	}

	result, err := a.moonrakerClient.QueryObjects(ctx, objects)
	if err != nil {
		return fmt.Errorf("failed to query objects: %w", err)
	}

	errorCount := 0
	totalObjects := len(result.Status)
	for objectName, objectData := range result.Status {
		if err := a.publish(a.topic("objects", objectName), objectData, false); err != nil {
			a.logger.Error("Failed to publish object %s after retries: %v", objectName, err)
			errorCount++
		}
	}

	if errorCount > 0 {
		a.logger.Warn("Published objects with %d/%d errors", errorCount, totalObjects)
		if errorCount >= totalObjects/2 {
			return fmt.Errorf("too many object publication failures (%d/%d)", errorCount, totalObjects)
		}
	}

	return nil
}

func main() {
	configFile := flag.String("config", DEFAULT_CONFIG_FILE, "Configuration file path")
	generateConfig := flag.Bool("generate-config", false, "Generate a default configuration file and exit")
	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("moonrakerapi version %s\n", version.Version)
		fmt.Printf("Git Commit: %s\n", version.GitCommit)
		fmt.Printf("Git URL: %s\n", version.GitURL)
		fmt.Printf("Build Date: %s\n", version.BuildDate)
		return
	}

	if *generateConfig {
		err := config.GenerateDefaultConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to generate config: %v", err)
		}
		fmt.Printf("Default configuration generated at %s\n", *configFile)
		return
	}

	app, err := NewApp(*configFile)
	if err != nil {
		log.Fatalf("Failed to create app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sigCount := 0
		for {
			<-sigChan
			sigCount++
			if sigCount == 1 {
				log.Println("Received shutdown signal")
				log.Println("Initiating graceful shutdown... (press Ctrl+C again to force quit)")
				cancel()

				go func() {
					time.Sleep(10 * time.Second)
					log.Println("Force shutdown after 10 seconds")
					os.Exit(1)
				}()
			} else {
				log.Println("Force quit requested")
				os.Exit(1)
			}
		}
	}()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("Application error: %v", err)
	}

	log.Println("Application shutdown complete")
}
