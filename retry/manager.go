package retry

import (
	"context"
	"math"
	"time"

	"moonrakerapi/config"
	"moonrakerapi/logger"
)

const (
	INITIAL_RETRY_DELAY      = time.Second
	MAX_RETRY_DELAY          = 60 * time.Second
	RETRY_BACKOFF_MULTIPLIER = 2.0
)

// Policy describes an exponential backoff capped at MaxDelay.
// MaxAttempts of zero means retry forever.
type Policy struct {
	Enabled      bool
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

func DefaultPolicy() Policy {
	return Policy{
		Enabled:      true,
		InitialDelay: INITIAL_RETRY_DELAY,
		MaxDelay:     MAX_RETRY_DELAY,
		Multiplier:   RETRY_BACKOFF_MULTIPLIER,
	}
}

func PolicyFromConfig(cfg *config.MoonrakerConfig) Policy {
	return Policy{
		Enabled:      cfg.AutoReconnect,
		MaxAttempts:  cfg.MaxReconnectAttempts,
		InitialDelay: cfg.GetReconnectInitialDelay(),
		MaxDelay:     cfg.GetReconnectMaxDelay(),
		Multiplier:   cfg.GetReconnectMultiplier(),
	}
}

// Manager tracks reconnect attempts for a single owner goroutine; it is
// not safe for concurrent use.
type Manager struct {
	policy       Policy
	currentDelay time.Duration
	attempt      int
	logger       logger.Logger
}

func NewManager(policy Policy, logger logger.Logger) *Manager {
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = INITIAL_RETRY_DELAY
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.Multiplier < 1 {
		policy.Multiplier = RETRY_BACKOFF_MULTIPLIER
	}

	return &Manager{
		policy:       policy,
		currentDelay: policy.InitialDelay,
		logger:       logger,
	}
}

func (m *Manager) ShouldReconnect() bool {
	if !m.policy.Enabled {
		return false
	}

	if m.policy.MaxAttempts > 0 && m.attempt >= m.policy.MaxAttempts {
		m.logger.Info("Max reconnection attempts (%d) reached", m.policy.MaxAttempts)
		return false
	}

	return true
}

// NextDelay is the wait before the next attempt.
func (m *Manager) NextDelay() time.Duration {
	return m.currentDelay
}

// WaitBeforeReconnect sleeps for the current delay, then grows it.
func (m *Manager) WaitBeforeReconnect(ctx context.Context) error {
	m.logger.Warn("Waiting %v before reconnection attempt %d", m.currentDelay, m.attempt+1)

	timer := time.NewTimer(m.currentDelay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		m.currentDelay = time.Duration(
			math.Min(
				float64(m.currentDelay)*m.policy.Multiplier,
				float64(m.policy.MaxDelay),
			),
		)
		m.attempt++
		return nil
	}
}

func (m *Manager) Reset() {
	if m.attempt > 0 {
		m.logger.Info("Reconnection manager reset - connection successful")
	}
	m.attempt = 0
	m.currentDelay = m.policy.InitialDelay
}

func (m *Manager) GetAttempt() int {
	return m.attempt
}

func (m *Manager) IsEnabled() bool {
	return m.policy.Enabled
}
