package registers

// Canonical names of the registers in the default map. Components that need
// a specific value from a PollResult look it up by these names.
const (
	RatedPVVoltage       = "rated_pv_voltage"
	RatedPVCurrent       = "rated_pv_current"
	RatedPVPower         = "rated_pv_power"
	RatedChargingVoltage = "rated_charging_voltage"
	RatedChargingCurrent = "rated_charging_current"
	RatedChargingPower   = "rated_charging_power"
	ChargingMode         = "charging_mode"

	PVVoltage       = "pv_voltage"
	PVCurrent       = "pv_current"
	PVPower         = "pv_power"
	BatteryVoltage  = "battery_voltage"
	ChargingCurrent = "charging_current"
	ChargingPower   = "charging_power"

	LoadVoltage = "load_voltage"
	LoadCurrent = "load_current"
	LoadPower   = "load_power"

	BatteryTemperature = "battery_temperature"
	DeviceTemperature  = "device_temperature"
	BatterySOC         = "battery_soc"

	MaxPVVoltageToday      = "max_pv_voltage_today"
	MinPVVoltageToday      = "min_pv_voltage_today"
	MaxBatteryVoltageToday = "max_battery_voltage_today"
	MinBatteryVoltageToday = "min_battery_voltage_today"
	ConsumedEnergyToday    = "consumed_energy_today"
	ConsumedEnergyMonth    = "consumed_energy_month"
	ConsumedEnergyYear     = "consumed_energy_year"
	ConsumedEnergyTotal    = "consumed_energy_total"
	GeneratedEnergyToday   = "generated_energy_today"
	GeneratedEnergyMonth   = "generated_energy_month"
	GeneratedEnergyYear    = "generated_energy_year"
	GeneratedEnergyTotal   = "generated_energy_total"
	CO2Reduction           = "co2_reduction"
	NetBatteryCurrent      = "net_battery_current"
	AmbientTemperature     = "ambient_temperature"

	BoostChargingVoltage = "boost_charging_voltage"
	FloatChargingVoltage = "float_charging_voltage"

	LoadManualControl = "load_manual_control"
	OverTemperature   = "over_temperature"
	NightDetected     = "night_detected"
)
