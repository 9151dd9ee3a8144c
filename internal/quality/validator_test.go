package quality

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/registers"
)

func TestCheckCleanValues(t *testing.T) {
	v := NewValidator()

	warnings := v.Check(map[string]float64{
		registers.PVVoltage:          81.92,
		registers.BatteryVoltage:     13.17,
		registers.ChargingCurrent:    4.32,
		registers.ChargingPower:      56.89,
		registers.BatteryTemperature: 21.5,
		registers.BatterySOC:         88,
		registers.NetBatteryCurrent:  -1.25,
	})

	assert.Empty(t, warnings)
}

func TestCheckFlagsOutOfRangeValues(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name  string
		field string
		value float64
	}{
		{"pv voltage implausibly high", registers.PVVoltage, 655.35},
		{"negative pv current", registers.PVCurrent, -3},
		{"soc above 100", registers.BatterySOC, 180},
		{"battery temperature below sensor floor", registers.BatteryTemperature, -120.5},
		{"net battery current beyond limits", registers.NetBatteryCurrent, 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			warnings := v.Check(map[string]float64{tt.field: tt.value})

			require.Len(t, warnings, 1)
			assert.Equal(t, domain.WarnImplausibleValue, warnings[0].Code)
			assert.Equal(t, tt.field, warnings[0].Field)
			assert.Contains(t, warnings[0].Message, "outside plausible range")
		})
	}
}

func TestCheckSkipsAbsentValues(t *testing.T) {
	v := NewValidator()

	// A partial-failure cycle has no entry for unread values; none of the
	// rules should fire on absence.
	warnings := v.Check(map[string]float64{})
	assert.Empty(t, warnings)
}

func TestCheckReportsEachViolation(t *testing.T) {
	v := NewValidator()

	warnings := v.Check(map[string]float64{
		registers.PVVoltage:  500,
		registers.BatterySOC: -1,
	})

	assert.Len(t, warnings, 2)
}

func TestAddRule(t *testing.T) {
	v := NewValidator()
	v.AddRule(Rule{
		Name:  "ambient_temperature_range",
		Field: registers.AmbientTemperature,
		Min:   -45,
		Max:   60,
	})

	warnings := v.Check(map[string]float64{registers.AmbientTemperature: 99})
	require.Len(t, warnings, 1)
	assert.Equal(t, registers.AmbientTemperature, warnings[0].Field)
}

func TestStatistics(t *testing.T) {
	v := NewValidator()

	v.Check(map[string]float64{
		registers.PVVoltage:  500,
		registers.BatterySOC: 50,
	})

	stats := v.Statistics()
	assert.Equal(t, int64(2), stats["checks_performed"])
	assert.Equal(t, int64(1), stats["warnings_found"])
	assert.Equal(t, len(v.rules), stats["rules"])
}
