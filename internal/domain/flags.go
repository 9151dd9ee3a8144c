package domain

import "fmt"

// BatteryVoltageState is the battery voltage condition reported in bits
// D3-D0 of the battery status word. The numeric values match the raw codes.
type BatteryVoltageState int

const (
	BatteryVoltageNormal BatteryVoltageState = iota
	BatteryVoltageOver
	BatteryVoltageUnder
	BatteryVoltageLowDisconnect
	BatteryVoltageFault
	BatteryVoltageUnknown
)

// String returns the lowercase name of the state.
func (s BatteryVoltageState) String() string {
	switch s {
	case BatteryVoltageNormal:
		return "normal"
	case BatteryVoltageOver:
		return "overvoltage"
	case BatteryVoltageUnder:
		return "undervoltage"
	case BatteryVoltageLowDisconnect:
		return "low_voltage_disconnect"
	case BatteryVoltageFault:
		return "fault"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string name.
func (s BatteryVoltageState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// BatteryTemperatureState is the battery temperature condition reported in
// bits D7-D4 of the battery status word.
type BatteryTemperatureState int

const (
	BatteryTemperatureNormal BatteryTemperatureState = iota
	BatteryTemperatureOver
	BatteryTemperatureUnder
	BatteryTemperatureUnknown
)

// String returns the lowercase name of the state.
func (s BatteryTemperatureState) String() string {
	switch s {
	case BatteryTemperatureNormal:
		return "normal"
	case BatteryTemperatureOver:
		return "over"
	case BatteryTemperatureUnder:
		return "under"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string name.
func (s BatteryTemperatureState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// InputVoltageState is the PV input condition reported in bits D15-D14 of
// the charging status word. The two-bit field is fully documented, so every
// raw value maps to a named state.
type InputVoltageState int

const (
	InputVoltageNormal InputVoltageState = iota
	InputVoltageNoPower
	InputVoltageHigher
	InputVoltageError
)

// String returns the lowercase name of the state.
func (s InputVoltageState) String() string {
	switch s {
	case InputVoltageNormal:
		return "normal"
	case InputVoltageNoPower:
		return "no_power"
	case InputVoltageHigher:
		return "higher_voltage"
	case InputVoltageError:
		return "input_error"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string name.
func (s InputVoltageState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ChargingStage is the charging phase reported in bits D3-D2 of the charging
// status word.
type ChargingStage int

const (
	StageNone ChargingStage = iota
	StageFloat
	StageBoost
	StageEqualization
)

// String returns the lowercase name of the stage.
func (s ChargingStage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageFloat:
		return "float"
	case StageBoost:
		return "boost"
	case StageEqualization:
		return "equalization"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the stage as its string name.
func (s ChargingStage) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// OutputPowerBand is the load level reported in bits D13-D12 of the
// discharging status word.
type OutputPowerBand int

const (
	OutputPowerLight OutputPowerBand = iota
	OutputPowerModerate
	OutputPowerRated
	OutputPowerOverload
)

// String returns the lowercase name of the band.
func (b OutputPowerBand) String() string {
	switch b {
	case OutputPowerLight:
		return "light"
	case OutputPowerModerate:
		return "moderate"
	case OutputPowerRated:
		return "rated"
	case OutputPowerOverload:
		return "overload"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the band as its string name.
func (b OutputPowerBand) MarshalJSON() ([]byte, error) {
	return []byte(`"` + b.String() + `"`), nil
}

// ChargerState is the operational state derived from the charging stage and
// the battery voltage. The numeric values follow the Victron VE.Bus state
// codes so downstream dashboards can consume them unchanged.
type ChargerState int

const (
	ChargerOff        ChargerState = 0
	ChargerBulk       ChargerState = 3
	ChargerAbsorption ChargerState = 4
	ChargerFloat      ChargerState = 5
	ChargerStorage    ChargerState = 6
)

// Code returns the numeric state code.
func (s ChargerState) Code() int { return int(s) }

// String returns the lowercase name of the state.
func (s ChargerState) String() string {
	switch s {
	case ChargerOff:
		return "off"
	case ChargerBulk:
		return "bulk"
	case ChargerAbsorption:
		return "absorption"
	case ChargerFloat:
		return "float"
	case ChargerStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string name.
func (s ChargerState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// ChargingFaults are the individual fault bits of the charging status word.
type ChargingFaults struct {
	ChargingMosfetShort    bool `json:"charging_mosfet_short,omitempty"`
	ChargingOrReverseShort bool `json:"charging_or_anti_reverse_mosfet_short,omitempty"`
	AntiReverseMosfetShort bool `json:"anti_reverse_mosfet_short,omitempty"`
	InputOverCurrent       bool `json:"input_over_current,omitempty"`
	LoadOverCurrent        bool `json:"load_over_current,omitempty"`
	LoadShort              bool `json:"load_short,omitempty"`
	LoadMosfetShort        bool `json:"load_mosfet_short,omitempty"`
	PVInputShort           bool `json:"pv_input_short,omitempty"`
}

// Any reports whether at least one fault bit is set.
func (f ChargingFaults) Any() bool {
	return f.ChargingMosfetShort || f.ChargingOrReverseShort || f.AntiReverseMosfetShort ||
		f.InputOverCurrent || f.LoadOverCurrent || f.LoadShort || f.LoadMosfetShort || f.PVInputShort
}

// DischargingFaults are the individual fault bits of the discharging status
// word.
type DischargingFaults struct {
	ShortCircuit          bool `json:"short_circuit,omitempty"`
	UnableToDischarge     bool `json:"unable_to_discharge,omitempty"`
	UnableToStopDischarge bool `json:"unable_to_stop_discharge,omitempty"`
	OutputVoltageAbnormal bool `json:"output_voltage_abnormal,omitempty"`
	InputOverVoltage      bool `json:"input_over_voltage,omitempty"`
	HighSideShortCircuit  bool `json:"high_side_short_circuit,omitempty"`
	BoostOverVoltage      bool `json:"boost_over_voltage,omitempty"`
	OutputOverVoltage     bool `json:"output_over_voltage,omitempty"`
}

// Any reports whether at least one fault bit is set.
func (f DischargingFaults) Any() bool {
	return f.ShortCircuit || f.UnableToDischarge || f.UnableToStopDischarge ||
		f.OutputVoltageAbnormal || f.InputOverVoltage || f.HighSideShortCircuit ||
		f.BoostOverVoltage || f.OutputOverVoltage
}

// BatteryStatus is the decoded battery status word (0x3200).
type BatteryStatus struct {
	VoltageState               BatteryVoltageState     `json:"voltage_state"`
	TemperatureState           BatteryTemperatureState `json:"temperature_state"`
	InternalResistanceAbnormal bool                    `json:"internal_resistance_abnormal"`
	RatedVoltageMismatch       bool                    `json:"rated_voltage_mismatch"`
	Raw                        uint16                  `json:"raw"`
}

// ChargingStatus is the decoded charging equipment status word (0x3201).
type ChargingStatus struct {
	InputVoltageState InputVoltageState `json:"input_voltage_state"`
	Stage             ChargingStage     `json:"stage"`
	Running           bool              `json:"running"`
	Fault             bool              `json:"fault"`
	Faults            ChargingFaults    `json:"faults"`
	Raw               uint16            `json:"raw"`
}

// DischargingStatus is the decoded discharging equipment status word (0x3202).
type DischargingStatus struct {
	OutputPower OutputPowerBand   `json:"output_power"`
	Running     bool              `json:"running"`
	Fault       bool              `json:"fault"`
	Faults      DischargingFaults `json:"faults"`
	Raw         uint16            `json:"raw"`
}

// StatusFlags bundles the decoded status words of one poll cycle.
type StatusFlags struct {
	Battery     BatteryStatus     `json:"battery"`
	Charging    ChargingStatus    `json:"charging"`
	Discharging DischargingStatus `json:"discharging"`
}

// TransportError wraps a failed register-range read with enough context to
// name the range in logs and poll results.
type TransportError struct {
	Op     string
	UnitID byte
	Start  uint16
	Count  uint16
	Err    error
}

// Error formats the transport failure.
func (e *TransportError) Error() string {
	return fmt.Sprintf("%s unit %d range 0x%04X+%d: %v", e.Op, e.UnitID, e.Start, e.Count, e.Err)
}

// Unwrap returns the underlying transport failure.
func (e *TransportError) Unwrap() error { return e.Err }
