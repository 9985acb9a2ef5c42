// Package metrics exposes Prometheus instrumentation for the websocket
// client.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OUTCOME_OK              = "ok"
	OUTCOME_REMOTE_ERROR    = "remote_error"
	OUTCOME_TIMEOUT         = "timeout"
	OUTCOME_CONNECTION_LOST = "connection_lost"
	OUTCOME_NOT_READY       = "not_ready"
	OUTCOME_ERROR           = "error"

	// OTHER_METHOD labels any method that was not registered.
	OTHER_METHOD = "other"
)

var (
	methodsMux   sync.RWMutex
	knownMethods = map[string]struct{}{}
)

var (
	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "moonraker_call_duration_seconds",
			Help:    "Duration of JSON-RPC calls by method and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)

	pendingCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "moonraker_pending_calls",
		Help: "Calls currently waiting for a response",
	})

	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonraker_state_transitions_total",
			Help: "Connection state transitions by target state",
		},
		[]string{"state"},
	)

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "moonraker_reconnect_attempts_total",
		Help: "Reconnection attempts after a lost or failed connection",
	})

	notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonraker_notifications_total",
			Help: "Notifications received by method",
		},
		[]string{"method"},
	)

	frameErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "moonraker_frame_errors_total",
			Help: "Incoming frame handling failures by kind",
		},
		[]string{"kind"},
	)
)

// RegisterMethods allows the given method names as label values. Calls and
// notifications for anything else are counted under OTHER_METHOD.
func RegisterMethods(methods ...string) {
	methodsMux.Lock()
	defer methodsMux.Unlock()
	for _, m := range methods {
		knownMethods[m] = struct{}{}
	}
}

func methodLabel(method string) string {
	methodsMux.RLock()
	defer methodsMux.RUnlock()
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return OTHER_METHOD
}

func RecordCall(method, outcome string, duration time.Duration) {
	callDuration.WithLabelValues(methodLabel(method), outcome).Observe(duration.Seconds())
}

// AddPendingCalls moves the process-wide pending gauge by delta; every
// client reports only its own changes.
func AddPendingCalls(delta int) {
	pendingCalls.Add(float64(delta))
}

func RecordTransition(state string) {
	stateTransitions.WithLabelValues(state).Inc()
}

func RecordReconnectAttempt() {
	reconnectAttempts.Inc()
}

func RecordNotification(method string) {
	notifications.WithLabelValues(methodLabel(method)).Inc()
}

// RecordFrameError counts a per-frame failure ("decode", "handler",
// "listener", "unknown_id").
func RecordFrameError(kind string) {
	frameErrors.WithLabelValues(kind).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}
