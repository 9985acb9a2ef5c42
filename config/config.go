package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DEFAULT_REQUEST_TIMEOUT            = 30
	DEFAULT_CONNECT_TIMEOUT            = 120
	DEFAULT_MAX_RECONNECT_ATTEMPTS     = 0
	DEFAULT_RECONNECT_INITIAL_DELAY_MS = 1000
	DEFAULT_RECONNECT_MAX_DELAY_MS     = 60000
	DEFAULT_RECONNECT_MULTIPLIER       = 2.0
	DEFAULT_CLIENT_NAME                = "moonrakerapi"

	TRANSPORT_GORILLA = "gorilla"
	TRANSPORT_XNET    = "xnet"
)

func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Printf("Warning: failed to close config file: %v\n", closeErr)
		}
	}()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	overrideWithEnv(&config)

	return &config, nil
}

func overrideWithEnv(config *Config) {
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("No .env file found or error loading it: %v", err)
	}

	envString("ENVIRONMENT", &config.Environment)

	m := &config.Moonraker
	envString("MOONRAKER_HOST", &m.Host)
	envInt("MOONRAKER_PORT", &m.Port)
	envString("MOONRAKER_API_KEY", &m.APIKey)
	envBool("MOONRAKER_SSL", &m.SSL)
	envString("MOONRAKER_TRANSPORT", &m.Transport)
	envString("MOONRAKER_CLIENT_NAME", &m.ClientName)
	envInt("MOONRAKER_TIMEOUT", &m.Timeout)
	envInt("MOONRAKER_CONNECT_TIMEOUT", &m.ConnectTimeout)
	envBool("MOONRAKER_AUTO_RECONNECT", &m.AutoReconnect)
	envInt("MOONRAKER_MAX_RECONNECT_ATTEMPTS", &m.MaxReconnectAttempts)
	envInt("MOONRAKER_RECONNECT_INITIAL_DELAY_MS", &m.ReconnectInitialDelayMs)
	envInt("MOONRAKER_RECONNECT_MAX_DELAY_MS", &m.ReconnectMaxDelayMs)
	envFloat("MOONRAKER_RECONNECT_MULTIPLIER", &m.ReconnectMultiplier)
	envFloat("MOONRAKER_REQUESTS_PER_SECOND", &m.RequestsPerSecond)
	envInt("MOONRAKER_REQUEST_BURST", &m.RequestBurst)
	envInt("MOONRAKER_CALL_INTERVAL", &m.CallInterval)
	envString("MOONRAKER_MONITORED_OBJECTS", &m.MonitoredObjects)

	q := &config.MQTT
	envString("MQTT_HOST", &q.Host)
	envInt("MQTT_PORT", &q.Port)
	envString("MQTT_USERNAME", &q.Username)
	envString("MQTT_PASSWORD", &q.Password)
	envBool("MQTT_USE_TLS", &q.UseTLS)
	envString("MQTT_CLIENT_ID", &q.ClientID)
	envString("MQTT_TOPIC_PREFIX", &q.TopicPrefix)
	if qos := os.Getenv("MQTT_QOS"); qos != "" {
		if v, err := strconv.ParseUint(qos, 10, 8); err == nil {
			q.QoS = byte(v)
		}
	}
	envBool("MQTT_RETAIN", &q.Retain)
	envBool("MQTT_AUTO_RECONNECT", &q.AutoReconnect)
	envInt("MQTT_MAX_RECONNECT_ATTEMPTS", &q.MaxReconnectAttempts)
	envBool("MQTT_COMMANDS_ENABLED", &q.CommandsEnabled)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_FILE", &config.Logging.File)
	envInt("LOG_MAX_SIZE_MB", &config.Logging.MaxSizeMB)
	envInt("LOG_MAX_BACKUPS", &config.Logging.MaxBackups)

	envBool("METRICS_ENABLED", &config.Metrics.Enabled)
	envString("METRICS_LISTEN", &config.Metrics.Listen)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func SaveConfig(config *Config, filename string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func LoadOrCreateConfig(filename string) (*Config, error) {
	if _, err := os.Stat(filename); errors.Is(err, os.ErrNotExist) {
		config := DefaultConfig()

		if err := config.Validate(); err != nil {
			return nil, fmt.Errorf("default config validation failed: %w", err)
		}

		if err := SaveConfig(config, filename); err != nil {
			return nil, fmt.Errorf("failed to save default config: %w", err)
		}
		return config, nil
	}

	config, err := LoadConfig(filename)
	if err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func GenerateDefaultConfig(filename string) error {
	return SaveConfig(DefaultConfig(), filename)
}

func (m *MoonrakerConfig) GetWebSocketURL() string {
	protocol := "ws"
	if m.SSL {
		protocol = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/websocket", protocol, m.Host, m.Port)
}

// GetOrigin is the Origin header sent on the upgrade request.
func (m *MoonrakerConfig) GetOrigin() string {
	protocol := "http"
	if m.SSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s:%d", protocol, m.Host, m.Port)
}

func (m *MoonrakerConfig) GetTimeout() time.Duration {
	if m.Timeout <= 0 {
		return time.Duration(DEFAULT_REQUEST_TIMEOUT) * time.Second
	}
	return time.Duration(m.Timeout) * time.Second
}

func (m *MoonrakerConfig) GetConnectTimeout() time.Duration {
	if m.ConnectTimeout <= 0 {
		return time.Duration(DEFAULT_CONNECT_TIMEOUT) * time.Second
	}
	return time.Duration(m.ConnectTimeout) * time.Second
}

func (m *MoonrakerConfig) GetReconnectInitialDelay() time.Duration {
	if m.ReconnectInitialDelayMs <= 0 {
		return time.Duration(DEFAULT_RECONNECT_INITIAL_DELAY_MS) * time.Millisecond
	}
	return time.Duration(m.ReconnectInitialDelayMs) * time.Millisecond
}

func (m *MoonrakerConfig) GetReconnectMaxDelay() time.Duration {
	if m.ReconnectMaxDelayMs <= 0 {
		return time.Duration(DEFAULT_RECONNECT_MAX_DELAY_MS) * time.Millisecond
	}
	return time.Duration(m.ReconnectMaxDelayMs) * time.Millisecond
}

func (m *MoonrakerConfig) GetReconnectMultiplier() float64 {
	if m.ReconnectMultiplier < 1 {
		return DEFAULT_RECONNECT_MULTIPLIER
	}
	return m.ReconnectMultiplier
}

func (m *MoonrakerConfig) GetClientName() string {
	if strings.TrimSpace(m.ClientName) == "" {
		return DEFAULT_CLIENT_NAME
	}
	return m.ClientName
}

func (m *MQTTConfig) GetMQTTBrokerURL() string {
	scheme := "tcp"
	if m.UseTLS {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)
}

func DefaultMonitoredObjects() map[string]any {
	return map[string]any{
		"print_stats": nil,
		"toolhead":    []any{"position"},
		"extruder":    []any{"temperature", "target"},
		"heater_bed":  []any{"temperature", "target"},
	}
}

func (m *MoonrakerConfig) GetMonitoredObjects() (map[string]any, error) {
	if m.MonitoredObjects == "" {
		return DefaultMonitoredObjects(), nil
	}

	trimmed := strings.TrimSpace(m.MonitoredObjects)
	if !strings.HasPrefix(trimmed, "{") || !strings.HasSuffix(trimmed, "}") {
		return nil, fmt.Errorf("monitored objects must be a valid JSON object, got: %s", trimmed)
	}

	var objects map[string]any
	if err := json.Unmarshal([]byte(trimmed), &objects); err != nil {
		return nil, fmt.Errorf("failed to parse monitored objects JSON: %w", err)
	}

	for objectName, objectValue := range objects {
		if objectValue == nil {
			continue
		}

		switch v := objectValue.(type) {
		case []any:
			for i, item := range v {
				if _, ok := item.(string); !ok {
					return nil, fmt.Errorf("monitored object '%s' field %d must be a string, got %T", objectName, i, item)
				}
			}
		default:
			return nil, fmt.Errorf("monitored object '%s' must be null or an array of strings, got %T", objectName, v)
		}
	}

	return objects, nil
}

func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Moonraker: MoonrakerConfig{
			Host:                    "localhost",
			Port:                    7125,
			APIKey:                  "",
			SSL:                     false,
			Transport:               TRANSPORT_GORILLA,
			ClientName:              DEFAULT_CLIENT_NAME,
			Timeout:                 DEFAULT_REQUEST_TIMEOUT,
			ConnectTimeout:          DEFAULT_CONNECT_TIMEOUT,
			AutoReconnect:           true,
			MaxReconnectAttempts:    DEFAULT_MAX_RECONNECT_ATTEMPTS,
			ReconnectInitialDelayMs: DEFAULT_RECONNECT_INITIAL_DELAY_MS,
			ReconnectMaxDelayMs:     DEFAULT_RECONNECT_MAX_DELAY_MS,
			ReconnectMultiplier:     DEFAULT_RECONNECT_MULTIPLIER,
			RequestsPerSecond:       0,
			RequestBurst:            1,
			CallInterval:            2,
			MonitoredObjects:        `{"print_stats":null,"toolhead":["position"],"extruder":["temperature","target"],"heater_bed":["temperature","target"]}`,
		},
		MQTT: MQTTConfig{
			Host:                 "localhost",
			Port:                 1883,
			Username:             "",
			Password:             "",
			UseTLS:               false,
			ClientID:             "moonrakerapi",
			TopicPrefix:          "moonraker",
			QoS:                  0,
			Retain:               false,
			AutoReconnect:        true,
			MaxReconnectAttempts: 10,
			CommandsEnabled:      true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			File:       "logs/moonrakerapi.log",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9125",
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Moonraker.Validate(); err != nil {
		return fmt.Errorf("moonraker config validation failed: %w", err)
	}

	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("mqtt config validation failed: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config validation failed: %w", err)
	}

	validEnvs := []string{"development", "production", "testing"}
	if !slices.Contains(validEnvs, c.Environment) {
		return fmt.Errorf("invalid environment '%s', must be one of: %s", c.Environment, strings.Join(validEnvs, ", "))
	}

	return nil
}

func (m *MoonrakerConfig) Validate() error {
	if strings.TrimSpace(m.Host) == "" {
		return fmt.Errorf("moonraker host cannot be empty")
	}

	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("moonraker port must be between 1 and 65535, got %d", m.Port)
	}

	if m.Timeout <= 0 {
		return fmt.Errorf("moonraker timeout must be positive, got %d", m.Timeout)
	}

	if m.ConnectTimeout < 0 {
		return fmt.Errorf("moonraker connect timeout must be non-negative, got %d", m.ConnectTimeout)
	}

	if m.Transport != "" && m.Transport != TRANSPORT_GORILLA && m.Transport != TRANSPORT_XNET {
		return fmt.Errorf("moonraker transport must be '%s' or '%s', got '%s'", TRANSPORT_GORILLA, TRANSPORT_XNET, m.Transport)
	}

	if m.MaxReconnectAttempts < 0 {
		return fmt.Errorf("moonraker max reconnect attempts must be non-negative, got %d", m.MaxReconnectAttempts)
	}

	if m.ReconnectInitialDelayMs < 0 || m.ReconnectMaxDelayMs < 0 {
		return fmt.Errorf("moonraker reconnect delays must be non-negative")
	}

	if m.ReconnectMaxDelayMs > 0 && m.ReconnectInitialDelayMs > m.ReconnectMaxDelayMs {
		return fmt.Errorf("moonraker reconnect initial delay (%dms) exceeds max delay (%dms)", m.ReconnectInitialDelayMs, m.ReconnectMaxDelayMs)
	}

	if m.ReconnectMultiplier != 0 && m.ReconnectMultiplier < 1 {
		return fmt.Errorf("moonraker reconnect multiplier must be at least 1, got %g", m.ReconnectMultiplier)
	}

	if m.RequestsPerSecond < 0 {
		return fmt.Errorf("moonraker requests per second must be non-negative, got %g", m.RequestsPerSecond)
	}

	if m.RequestsPerSecond > 0 && m.RequestBurst <= 0 {
		return fmt.Errorf("moonraker request burst must be positive when rate limiting, got %d", m.RequestBurst)
	}

	if m.CallInterval <= 0 {
		return fmt.Errorf("moonraker call interval must be positive, got %d", m.CallInterval)
	}

	if m.MonitoredObjects != "" {
		_, err := m.GetMonitoredObjects()
		if err != nil {
			return fmt.Errorf("invalid monitored objects: %w", err)
		}
	}

	return nil
}

func (m *MQTTConfig) Validate() error {
	if strings.TrimSpace(m.Host) == "" {
		return fmt.Errorf("mqtt host cannot be empty")
	}

	if m.Port <= 0 || m.Port > 65535 {
		return fmt.Errorf("mqtt port must be between 1 and 65535, got %d", m.Port)
	}

	if strings.TrimSpace(m.ClientID) == "" {
		return fmt.Errorf("mqtt client ID cannot be empty")
	}

	if strings.TrimSpace(m.TopicPrefix) == "" {
		return fmt.Errorf("mqtt topic prefix cannot be empty")
	}

	if m.QoS > 2 {
		return fmt.Errorf("mqtt QoS must be 0, 1, or 2, got %d", m.QoS)
	}

	if m.MaxReconnectAttempts < 0 {
		return fmt.Errorf("mqtt max reconnect attempts must be non-negative, got %d", m.MaxReconnectAttempts)
	}

	if strings.HasPrefix(m.TopicPrefix, "/") || strings.HasSuffix(m.TopicPrefix, "/") {
		return fmt.Errorf("mqtt topic prefix should not start or end with '/', got '%s'", m.TopicPrefix)
	}

	return nil
}

func (l *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "warning", "error"}
	if !slices.Contains(validLevels, strings.ToLower(l.Level)) {
		return fmt.Errorf("invalid log level '%s', must be one of: %s", l.Level, strings.Join(validLevels, ", "))
	}

	validFormats := []string{"text", "json"}
	if !slices.Contains(validFormats, strings.ToLower(l.Format)) {
		return fmt.Errorf("invalid log format '%s', must be one of: %s", l.Format, strings.Join(validFormats, ", "))
	}

	if l.MaxSizeMB < 0 || l.MaxBackups < 0 {
		return fmt.Errorf("log rotation limits must be non-negative")
	}

	return nil
}

func (m *MetricsConfig) Validate() error {
	if m.Enabled && strings.TrimSpace(m.Listen) == "" {
		return fmt.Errorf("metrics listen address cannot be empty when metrics are enabled")
	}
	return nil
}
