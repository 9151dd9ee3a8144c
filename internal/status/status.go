// Package status decodes the controller's status words into structured
// flags. The decoders are total: any 16-bit input yields a result, with
// undocumented bit combinations mapped to explicit unknown variants.
package status

import "github.com/openmppt/go-epever/internal/domain"

func bit(word uint16, n uint) bool {
	return word&(1<<n) != 0
}

// DecodeBatteryStatus interprets the battery status word (0x3200):
// D3-D0 voltage state, D7-D4 temperature state, D8 internal resistance
// abnormal, D15 wrong identification for rated voltage.
func DecodeBatteryStatus(word uint16) domain.BatteryStatus {
	voltage := domain.BatteryVoltageState(word & 0x000F)
	if voltage > domain.BatteryVoltageFault {
		voltage = domain.BatteryVoltageUnknown
	}

	temperature := domain.BatteryTemperatureState((word >> 4) & 0x000F)
	if temperature > domain.BatteryTemperatureUnder {
		temperature = domain.BatteryTemperatureUnknown
	}

	return domain.BatteryStatus{
		VoltageState:               voltage,
		TemperatureState:           temperature,
		InternalResistanceAbnormal: bit(word, 8),
		RatedVoltageMismatch:       bit(word, 15),
		Raw:                        word,
	}
}

// DecodeChargingStatus interprets the charging equipment status word
// (0x3201): D15-D14 input voltage state, D13-D4 individual fault bits,
// D3-D2 charging stage, D1 fault, D0 running.
func DecodeChargingStatus(word uint16) domain.ChargingStatus {
	return domain.ChargingStatus{
		InputVoltageState: domain.InputVoltageState((word >> 14) & 0x3),
		Stage:             domain.ChargingStage((word >> 2) & 0x3),
		Running:           bit(word, 0),
		Fault:             bit(word, 1),
		Faults: domain.ChargingFaults{
			ChargingMosfetShort:    bit(word, 13),
			ChargingOrReverseShort: bit(word, 12),
			AntiReverseMosfetShort: bit(word, 11),
			InputOverCurrent:       bit(word, 10),
			LoadOverCurrent:        bit(word, 9),
			LoadShort:              bit(word, 8),
			LoadMosfetShort:        bit(word, 7),
			PVInputShort:           bit(word, 4),
		},
		Raw: word,
	}
}

// DecodeDischargingStatus interprets the discharging equipment status word
// (0x3202): D13-D12 output power band, D11-D4 fault bits, D1 fault,
// D0 running.
func DecodeDischargingStatus(word uint16) domain.DischargingStatus {
	return domain.DischargingStatus{
		OutputPower: domain.OutputPowerBand((word >> 12) & 0x3),
		Running:     bit(word, 0),
		Fault:       bit(word, 1),
		Faults: domain.DischargingFaults{
			ShortCircuit:          bit(word, 11),
			UnableToDischarge:     bit(word, 10),
			UnableToStopDischarge: bit(word, 9),
			OutputVoltageAbnormal: bit(word, 8),
			InputOverVoltage:      bit(word, 7),
			HighSideShortCircuit:  bit(word, 6),
			BoostOverVoltage:      bit(word, 5),
			OutputOverVoltage:     bit(word, 4),
		},
		Raw: word,
	}
}

// Decode bundles all three status words of one poll cycle.
func Decode(battery, charging, discharging uint16) *domain.StatusFlags {
	return &domain.StatusFlags{
		Battery:     DecodeBatteryStatus(battery),
		Charging:    DecodeChargingStatus(charging),
		Discharging: DecodeDischargingStatus(discharging),
	}
}

// ChargerState maps the charging stage to the operational state code used by
// the monitoring ecosystem: none=off, float=float, boost=bulk,
// equalization=storage. Bulk is promoted to absorption once the battery
// voltage rises above the float setpoint. A zero setpoint means the settings
// registers have not been read yet and the promotion is skipped.
func ChargerState(charging domain.ChargingStatus, batteryVoltage, floatSetpoint float64) domain.ChargerState {
	var state domain.ChargerState
	switch charging.Stage {
	case domain.StageFloat:
		state = domain.ChargerFloat
	case domain.StageBoost:
		state = domain.ChargerBulk
	case domain.StageEqualization:
		state = domain.ChargerStorage
	default:
		state = domain.ChargerOff
	}

	if state == domain.ChargerBulk && floatSetpoint > 0 && batteryVoltage > floatSetpoint {
		state = domain.ChargerAbsorption
	}

	return state
}
