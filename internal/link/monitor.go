// Package link tracks bus health per controller from poll outcomes.
package link

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openmppt/go-epever/internal/domain"
)

// ErrLinkDown signals that a controller stopped answering for the configured
// number of consecutive cycles. The service runner surfaces it so a
// supervisor can respawn the process with a fresh serial handle.
var ErrLinkDown = errors.New("link down: consecutive poll failures reached threshold")

// State represents the health of one controller's link.
type State int

const (
	// StateUp means the last cycle read every range.
	StateUp State = iota
	// StateDegraded means the controller answers but not cleanly: the last
	// cycle lost ranges, or total failures have not yet reached the threshold.
	StateDegraded
	// StateDown means consecutive total failures reached the threshold.
	StateDown
)

// String returns the string representation of the link state.
func (s State) String() string {
	switch s {
	case StateUp:
		return "up"
	case StateDegraded:
		return "degraded"
	case StateDown:
		return "down"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string name.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// deviceLink holds the per-controller counters.
type deviceLink struct {
	state         State
	failures      int
	lastSuccess   time.Time
	lastFailure   time.Time
	totalCycles   int64
	totalFailures int64
}

// Monitor counts consecutive total-failure cycles per controller and flags
// the down transition exactly once until the controller recovers.
type Monitor struct {
	threshold int
	devices   map[string]*deviceLink
	mutex     sync.RWMutex
	logger    zerolog.Logger
}

// NewMonitor creates a monitor that marks a controller down after threshold
// consecutive total-failure cycles.
func NewMonitor(threshold int) *Monitor {
	if threshold < 1 {
		threshold = 1
	}
	return &Monitor{
		threshold: threshold,
		devices:   make(map[string]*deviceLink),
		logger:    log.With().Str("component", "link").Logger(),
	}
}

// RecordOutcome feeds one poll outcome for a controller. It returns the
// resulting state and whether this call crossed the down threshold.
func (m *Monitor) RecordOutcome(device string, outcome domain.PollOutcome, at time.Time) (State, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	dl, exists := m.devices[device]
	if !exists {
		dl = &deviceLink{}
		m.devices[device] = dl
	}
	dl.totalCycles++

	switch outcome {
	case domain.OutcomeSuccess, domain.OutcomePartialFailure:
		recovered := dl.state == StateDown
		dl.failures = 0
		dl.lastSuccess = at
		if outcome == domain.OutcomeSuccess {
			dl.state = StateUp
		} else {
			dl.state = StateDegraded
		}
		if recovered {
			m.logger.Info().
				Str("device", device).
				Str("state", dl.state.String()).
				Msg("Link recovered")
		}
		return dl.state, false

	case domain.OutcomeTotalFailure:
		dl.failures++
		dl.totalFailures++
		dl.lastFailure = at

		if dl.failures >= m.threshold && dl.state != StateDown {
			dl.state = StateDown
			m.logger.Error().
				Str("device", device).
				Int("consecutive_failures", dl.failures).
				Int("threshold", m.threshold).
				Msg("Link down")
			return dl.state, true
		}
		if dl.state != StateDown {
			dl.state = StateDegraded
		}
		return dl.state, false

	default:
		return dl.state, false
	}
}

// State returns the current link state of a controller. Controllers that
// have not completed a cycle yet report up.
func (m *Monitor) State(device string) State {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if dl, exists := m.devices[device]; exists {
		return dl.state
	}
	return StateUp
}

// AllDown reports whether every tracked controller is down. It is false until
// at least one controller has been tracked.
func (m *Monitor) AllDown() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if len(m.devices) == 0 {
		return false
	}
	for _, dl := range m.devices {
		if dl.state != StateDown {
			return false
		}
	}
	return true
}

// DeviceStats is a snapshot of one controller's link counters.
type DeviceStats struct {
	Device              string    `json:"device"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	TotalCycles         int64     `json:"total_cycles"`
	TotalFailures       int64     `json:"total_failures"`
}

// Stats returns a snapshot of all tracked controllers keyed by device name.
func (m *Monitor) Stats() map[string]DeviceStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make(map[string]DeviceStats, len(m.devices))
	for name, dl := range m.devices {
		stats[name] = DeviceStats{
			Device:              name,
			State:               dl.state,
			ConsecutiveFailures: dl.failures,
			LastSuccess:         dl.lastSuccess,
			LastFailure:         dl.lastFailure,
			TotalCycles:         dl.totalCycles,
			TotalFailures:       dl.totalFailures,
		}
	}
	return stats
}
