package status

import (
	"testing"

	"github.com/openmppt/go-epever/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestDecodeBatteryStatus(t *testing.T) {
	tests := []struct {
		name string
		word uint16
		want domain.BatteryStatus
	}{
		{
			name: "all normal",
			word: 0x0000,
			want: domain.BatteryStatus{
				VoltageState:     domain.BatteryVoltageNormal,
				TemperatureState: domain.BatteryTemperatureNormal,
				Raw:              0x0000,
			},
		},
		{
			name: "overvoltage",
			word: 0x0001,
			want: domain.BatteryStatus{
				VoltageState:     domain.BatteryVoltageOver,
				TemperatureState: domain.BatteryTemperatureNormal,
				Raw:              0x0001,
			},
		},
		{
			name: "low voltage disconnect with cold battery",
			word: 0x0023,
			want: domain.BatteryStatus{
				VoltageState:     domain.BatteryVoltageLowDisconnect,
				TemperatureState: domain.BatteryTemperatureUnder,
				Raw:              0x0023,
			},
		},
		{
			name: "battery fault",
			word: 0x0004,
			want: domain.BatteryStatus{
				VoltageState:     domain.BatteryVoltageFault,
				TemperatureState: domain.BatteryTemperatureNormal,
				Raw:              0x0004,
			},
		},
		{
			name: "internal resistance abnormal",
			word: 0x0100,
			want: domain.BatteryStatus{
				VoltageState:               domain.BatteryVoltageNormal,
				TemperatureState:           domain.BatteryTemperatureNormal,
				InternalResistanceAbnormal: true,
				Raw:                        0x0100,
			},
		},
		{
			name: "rated voltage mismatch",
			word: 0x8000,
			want: domain.BatteryStatus{
				VoltageState:         domain.BatteryVoltageNormal,
				TemperatureState:     domain.BatteryTemperatureNormal,
				RatedVoltageMismatch: true,
				Raw:                  0x8000,
			},
		},
		{
			name: "undocumented nibbles map to unknown",
			word: 0x00FF,
			want: domain.BatteryStatus{
				VoltageState:     domain.BatteryVoltageUnknown,
				TemperatureState: domain.BatteryTemperatureUnknown,
				Raw:              0x00FF,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeBatteryStatus(tt.word))
		})
	}
}

func TestDecodeChargingStatus(t *testing.T) {
	// 0x0005 = running with float stage: D0 set, D3-D2 = 01
	got := DecodeChargingStatus(0x0005)
	assert.True(t, got.Running)
	assert.False(t, got.Fault)
	assert.Equal(t, domain.StageFloat, got.Stage)
	assert.Equal(t, domain.InputVoltageNormal, got.InputVoltageState)
	assert.False(t, got.Faults.Any())
	assert.Equal(t, uint16(0x0005), got.Raw)
}

func TestDecodeChargingStatusStages(t *testing.T) {
	tests := []struct {
		word  uint16
		stage domain.ChargingStage
	}{
		{0x0000, domain.StageNone},
		{0x0004, domain.StageFloat},
		{0x0008, domain.StageBoost},
		{0x000C, domain.StageEqualization},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.stage, DecodeChargingStatus(tt.word).Stage)
	}
}

func TestDecodeChargingStatusInputVoltage(t *testing.T) {
	tests := []struct {
		word  uint16
		state domain.InputVoltageState
	}{
		{0x0000, domain.InputVoltageNormal},
		{0x4000, domain.InputVoltageNoPower},
		{0x8000, domain.InputVoltageHigher},
		{0xC000, domain.InputVoltageError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.state, DecodeChargingStatus(tt.word).InputVoltageState)
	}
}

func TestDecodeChargingStatusFaultBits(t *testing.T) {
	tests := []struct {
		name  string
		word  uint16
		check func(f domain.ChargingFaults) bool
	}{
		{"charging mosfet short", 1 << 13, func(f domain.ChargingFaults) bool { return f.ChargingMosfetShort }},
		{"charging or anti-reverse short", 1 << 12, func(f domain.ChargingFaults) bool { return f.ChargingOrReverseShort }},
		{"anti-reverse mosfet short", 1 << 11, func(f domain.ChargingFaults) bool { return f.AntiReverseMosfetShort }},
		{"input over current", 1 << 10, func(f domain.ChargingFaults) bool { return f.InputOverCurrent }},
		{"load over current", 1 << 9, func(f domain.ChargingFaults) bool { return f.LoadOverCurrent }},
		{"load short", 1 << 8, func(f domain.ChargingFaults) bool { return f.LoadShort }},
		{"load mosfet short", 1 << 7, func(f domain.ChargingFaults) bool { return f.LoadMosfetShort }},
		{"pv input short", 1 << 4, func(f domain.ChargingFaults) bool { return f.PVInputShort }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeChargingStatus(tt.word)
			assert.True(t, tt.check(got.Faults))

			// Exactly one fault bit set
			cleared := DecodeChargingStatus(0x0000)
			assert.False(t, tt.check(cleared.Faults))
		})
	}
}

func TestDecodeChargingStatusFaultFlag(t *testing.T) {
	got := DecodeChargingStatus(0x0002)
	assert.True(t, got.Fault)
	assert.False(t, got.Running)
}

func TestDecodeDischargingStatus(t *testing.T) {
	// Running, light load, no faults
	got := DecodeDischargingStatus(0x0001)
	assert.True(t, got.Running)
	assert.False(t, got.Fault)
	assert.Equal(t, domain.OutputPowerLight, got.OutputPower)
	assert.False(t, got.Faults.Any())
}

func TestDecodeDischargingStatusPowerBands(t *testing.T) {
	tests := []struct {
		word uint16
		band domain.OutputPowerBand
	}{
		{0x0000, domain.OutputPowerLight},
		{0x1000, domain.OutputPowerModerate},
		{0x2000, domain.OutputPowerRated},
		{0x3000, domain.OutputPowerOverload},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.band, DecodeDischargingStatus(tt.word).OutputPower)
	}
}

func TestDecodeDischargingStatusFaultBits(t *testing.T) {
	tests := []struct {
		name  string
		word  uint16
		check func(f domain.DischargingFaults) bool
	}{
		{"short circuit", 1 << 11, func(f domain.DischargingFaults) bool { return f.ShortCircuit }},
		{"unable to discharge", 1 << 10, func(f domain.DischargingFaults) bool { return f.UnableToDischarge }},
		{"unable to stop discharge", 1 << 9, func(f domain.DischargingFaults) bool { return f.UnableToStopDischarge }},
		{"output voltage abnormal", 1 << 8, func(f domain.DischargingFaults) bool { return f.OutputVoltageAbnormal }},
		{"input over voltage", 1 << 7, func(f domain.DischargingFaults) bool { return f.InputOverVoltage }},
		{"high side short circuit", 1 << 6, func(f domain.DischargingFaults) bool { return f.HighSideShortCircuit }},
		{"boost over voltage", 1 << 5, func(f domain.DischargingFaults) bool { return f.BoostOverVoltage }},
		{"output over voltage", 1 << 4, func(f domain.DischargingFaults) bool { return f.OutputOverVoltage }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DecodeDischargingStatus(tt.word)
			assert.True(t, tt.check(got.Faults))
		})
	}
}

// Every possible word must decode without panicking and produce a
// representable state.
func TestDecodersTotalOverAllWords(t *testing.T) {
	for w := 0; w <= 0xFFFF; w++ {
		word := uint16(w)

		battery := DecodeBatteryStatus(word)
		assert.NotEqual(t, "", battery.VoltageState.String())
		assert.NotEqual(t, "", battery.TemperatureState.String())

		charging := DecodeChargingStatus(word)
		assert.NotEqual(t, "", charging.Stage.String())
		assert.NotEqual(t, "", charging.InputVoltageState.String())

		discharging := DecodeDischargingStatus(word)
		assert.NotEqual(t, "", discharging.OutputPower.String())
	}
}

func TestDecodeBundlesAllThreeWords(t *testing.T) {
	flags := Decode(0x0001, 0x0005, 0x2001)

	assert.Equal(t, domain.BatteryVoltageOver, flags.Battery.VoltageState)
	assert.Equal(t, domain.StageFloat, flags.Charging.Stage)
	assert.True(t, flags.Charging.Running)
	assert.Equal(t, domain.OutputPowerRated, flags.Discharging.OutputPower)
	assert.True(t, flags.Discharging.Running)
}

func TestChargerState(t *testing.T) {
	tests := []struct {
		name           string
		stage          domain.ChargingStage
		batteryVoltage float64
		floatSetpoint  float64
		want           domain.ChargerState
	}{
		{"idle", domain.StageNone, 12.8, 13.8, domain.ChargerOff},
		{"float", domain.StageFloat, 13.8, 13.8, domain.ChargerFloat},
		{"bulk below setpoint", domain.StageBoost, 13.1, 13.8, domain.ChargerBulk},
		{"bulk promoted to absorption", domain.StageBoost, 14.4, 13.8, domain.ChargerAbsorption},
		{"bulk at setpoint stays bulk", domain.StageBoost, 13.8, 13.8, domain.ChargerBulk},
		{"bulk without setpoint", domain.StageBoost, 14.4, 0, domain.ChargerBulk},
		{"equalization", domain.StageEqualization, 14.8, 13.8, domain.ChargerStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			charging := domain.ChargingStatus{Stage: tt.stage}
			got := ChargerState(charging, tt.batteryVoltage, tt.floatSetpoint)
			assert.Equal(t, tt.want, got)
		})
	}
}
