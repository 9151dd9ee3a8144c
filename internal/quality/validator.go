// Package quality checks decoded values against plausibility bounds. A
// violated bound becomes a data-quality warning on the poll result, never a
// hard error: the value still publishes, flagged.
package quality

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/registers"
)

// Rule defines a plausibility bound for one decoded value.
type Rule struct {
	Name        string
	Description string
	Field       string
	Min         float64
	Max         float64
}

// Validator applies plausibility rules to the decoded values of a poll cycle.
type Validator struct {
	rules  []Rule
	logger zerolog.Logger

	// Statistics
	checksPerformed int64
	warningsFound   int64
}

// NewValidator creates a validator with the default rule set for the Tracer.
func NewValidator() *Validator {
	v := &Validator{
		logger: log.With().Str("component", "quality").Logger(),
	}
	v.registerDefaultRules()
	return v
}

// registerDefaultRules registers bound rules for the values a corrupted read
// or a misaddressed register map would distort most visibly. Bounds are wide
// on purpose: they catch wire garbage, not unusual weather.
func (v *Validator) registerDefaultRules() {
	v.rules = []Rule{
		{
			Name:        "pv_voltage_range",
			Description: "PV array voltage within panel limits",
			Field:       registers.PVVoltage,
			Min:         0,
			Max:         200,
		},
		{
			Name:        "pv_current_range",
			Description: "PV array current within controller limits",
			Field:       registers.PVCurrent,
			Min:         0,
			Max:         100,
		},
		{
			Name:        "pv_power_range",
			Description: "PV array power within controller limits",
			Field:       registers.PVPower,
			Min:         0,
			Max:         10000,
		},
		{
			Name:        "battery_voltage_range",
			Description: "battery voltage within 12/24/48V system limits",
			Field:       registers.BatteryVoltage,
			Min:         0,
			Max:         70,
		},
		{
			Name:        "charging_current_range",
			Description: "charging current within controller limits",
			Field:       registers.ChargingCurrent,
			Min:         0,
			Max:         100,
		},
		{
			Name:        "charging_power_range",
			Description: "charging power within controller limits",
			Field:       registers.ChargingPower,
			Min:         0,
			Max:         10000,
		},
		{
			Name:        "load_current_range",
			Description: "load current within controller limits",
			Field:       registers.LoadCurrent,
			Min:         0,
			Max:         100,
		},
		{
			Name:        "load_power_range",
			Description: "load power within controller limits",
			Field:       registers.LoadPower,
			Min:         0,
			Max:         5000,
		},
		{
			Name:        "battery_temperature_range",
			Description: "battery temperature sensor physical limits",
			Field:       registers.BatteryTemperature,
			Min:         -45,
			Max:         100,
		},
		{
			Name:        "device_temperature_range",
			Description: "case temperature sensor physical limits",
			Field:       registers.DeviceTemperature,
			Min:         -45,
			Max:         120,
		},
		{
			Name:        "battery_soc_range",
			Description: "state of charge is a percentage",
			Field:       registers.BatterySOC,
			Min:         0,
			Max:         100,
		},
		{
			Name:        "net_battery_current_range",
			Description: "net battery current within controller limits",
			Field:       registers.NetBatteryCurrent,
			Min:         -100,
			Max:         100,
		},
	}
}

// AddRule registers a custom plausibility rule.
func (v *Validator) AddRule(rule Rule) {
	v.rules = append(v.rules, rule)

	v.logger.Debug().
		Str("field", rule.Field).
		Str("rule", rule.Name).
		Msg("Added custom plausibility rule")
}

// Check inspects the decoded values and returns one warning per violated
// rule. Values absent from the map are skipped, not treated as violations.
func (v *Validator) Check(values map[string]float64) []domain.Warning {
	var warnings []domain.Warning

	for _, rule := range v.rules {
		value, exists := values[rule.Field]
		if !exists {
			continue
		}
		v.checksPerformed++

		if value < rule.Min || value > rule.Max {
			v.warningsFound++
			warnings = append(warnings, domain.Warning{
				Code:    domain.WarnImplausibleValue,
				Field:   rule.Field,
				Message: fmt.Sprintf("%s %.2f outside plausible range [%g, %g]", rule.Field, value, rule.Min, rule.Max),
			})

			v.logger.Warn().
				Str("rule", rule.Name).
				Str("field", rule.Field).
				Float64("value", value).
				Float64("min", rule.Min).
				Float64("max", rule.Max).
				Msg("Implausible value")
		}
	}

	return warnings
}

// Statistics returns check counters for the status endpoint.
func (v *Validator) Statistics() map[string]interface{} {
	return map[string]interface{}{
		"checks_performed": v.checksPerformed,
		"warnings_found":   v.warningsFound,
		"rules":            len(v.rules),
	}
}
