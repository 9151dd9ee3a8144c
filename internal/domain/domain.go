// Package domain provides core domain models and interfaces for the go-epever application
package domain

import (
	"context"
	"time"
)

// PollOutcome classifies the result of one poll cycle.
type PollOutcome int

const (
	// OutcomeSuccess means every requested register range was read and decoded.
	OutcomeSuccess PollOutcome = iota
	// OutcomePartialFailure means at least one range failed while others succeeded.
	OutcomePartialFailure
	// OutcomeTotalFailure means no range could be read this cycle.
	OutcomeTotalFailure
)

// String returns the lowercase name of the outcome.
func (o PollOutcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartialFailure:
		return "partial_failure"
	case OutcomeTotalFailure:
		return "total_failure"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the outcome as its string name.
func (o PollOutcome) MarshalJSON() ([]byte, error) {
	return []byte(`"` + o.String() + `"`), nil
}

// Warning describes a recovered data-quality anomaly observed during a poll
// cycle. Warnings never abort the cycle; they ride along in the PollResult.
type Warning struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Warning codes emitted by the accumulator and the quality validator.
const (
	WarnCounterReset     = "counter_reset"
	WarnLifetimeDecrease = "lifetime_decrease"
	WarnImplausibleValue = "implausible_value"
)

// PollResult is the value set produced by one poll cycle. Values holds only
// the registers whose source range was actually read this cycle, so a field
// missing from the map means "no data" rather than zero.
type PollResult struct {
	Device       string              `json:"device"`
	UnitID       byte                `json:"unit_id"`
	Timestamp    time.Time           `json:"timestamp"`
	Values       map[string]float64  `json:"values,omitempty"`
	Flags        *StatusFlags        `json:"status,omitempty"`
	State        *ChargerState       `json:"charger_state,omitempty"`
	StateCode    *int                `json:"charger_state_code,omitempty"`
	Stats        *StatisticsSnapshot `json:"statistics,omitempty"`
	Outcome      PollOutcome         `json:"outcome"`
	FailedRanges []string            `json:"failed_ranges,omitempty"`
	Warnings     []Warning           `json:"warnings,omitempty"`
}

// Value looks up a decoded register by name. The second return reports
// whether the register was read this cycle.
func (r *PollResult) Value(name string) (float64, bool) {
	if r == nil || r.Values == nil {
		return 0, false
	}
	v, ok := r.Values[name]
	return v, ok
}

// WindowSnapshot is the published view of one statistics window. Min/max
// fields are nil until the window has seen at least one sample.
type WindowSnapshot struct {
	Since              time.Time `json:"since"`
	MinPVVoltage       *float64  `json:"min_pv_voltage,omitempty"`
	MaxPVVoltage       *float64  `json:"max_pv_voltage,omitempty"`
	MinBatteryVoltage  *float64  `json:"min_battery_voltage,omitempty"`
	MaxBatteryVoltage  *float64  `json:"max_battery_voltage,omitempty"`
	MaxChargingPower   *float64  `json:"max_charging_power,omitempty"`
	MaxChargingCurrent *float64  `json:"max_charging_current,omitempty"`
	GeneratedEnergy    float64   `json:"generated_energy"`
	ConsumedEnergy     float64   `json:"consumed_energy"`
}

// LifetimeSnapshot is the published view of the lifetime counters.
type LifetimeSnapshot struct {
	GeneratedEnergy   float64  `json:"generated_energy"`
	ConsumedEnergy    float64  `json:"consumed_energy"`
	MinPVVoltage      *float64 `json:"min_pv_voltage,omitempty"`
	MaxPVVoltage      *float64 `json:"max_pv_voltage,omitempty"`
	MinBatteryVoltage *float64 `json:"min_battery_voltage,omitempty"`
	MaxBatteryVoltage *float64 `json:"max_battery_voltage,omitempty"`
}

// StatisticsSnapshot is a JSON-safe copy of the accumulator state taken once
// per poll cycle.
type StatisticsSnapshot struct {
	Today    WindowSnapshot   `json:"today"`
	Month    WindowSnapshot   `json:"month"`
	Year     WindowSnapshot   `json:"year"`
	Lifetime LifetimeSnapshot `json:"lifetime"`
}

// RegisterReader is the transport capability consumed by the poll cycle
// controller: read a register range by class, or fail with a transport error.
// Bit-class reads (coils, discrete inputs) report each bit as a 0/1 word so
// the decode path is uniform across classes.
type RegisterReader interface {
	// Connect opens the underlying link.
	Connect() error

	// ReadInputRegisters reads count input registers starting at start.
	ReadInputRegisters(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error)

	// ReadHoldingRegisters reads count holding registers starting at start.
	ReadHoldingRegisters(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error)

	// ReadCoils reads count coils starting at start.
	ReadCoils(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error)

	// ReadDiscreteInputs reads count discrete inputs starting at start.
	ReadDiscreteInputs(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error)

	// Close releases the underlying link.
	Close() error
}

// MessagePublisher defines the interface for publishing poll results.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

// MonitoringService defines the interface for external monitoring services.
type MonitoringService interface {
	// Send publishes a poll result to the monitoring service
	Send(ctx context.Context, result *PollResult) error

	// Connect establishes a connection to the service
	Connect() error

	// Close terminates the connection to the service
	Close() error
}

// Registry keeps track of the controllers polled on the bus.
type Registry interface {
	// RegisterDevice adds or updates a controller in the registry
	RegisterDevice(name string, unitID byte) error

	// UpdateResult records the latest poll result for a controller
	UpdateResult(name string, result *PollResult) error

	// SetOnline updates the link state of a controller
	SetOnline(name string, online bool) error

	// GetDevice retrieves information about a controller
	GetDevice(name string) (*DeviceInfo, bool)

	// GetAllDevices returns information about all controllers
	GetAllDevices() []*DeviceInfo

	// GetLatest returns the most recent poll result for a controller
	GetLatest(name string) (*PollResult, bool)
}

// DeviceInfo contains information about a polled controller.
type DeviceInfo struct {
	Name        string      `json:"name"`
	UnitID      byte        `json:"unit_id"`
	Registered  time.Time   `json:"registered"`
	LastContact time.Time   `json:"last_contact"`
	LastOutcome PollOutcome `json:"last_outcome"`
	Online      bool        `json:"online"`
}
