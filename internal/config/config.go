// Package config provides configuration management for the go-epever application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel    string `mapstructure:"log_level"`
	TimeZone    string `mapstructure:"timezone"`
	RegisterMap string `mapstructure:"register_map"`

	// Serial link settings. Mode rtu talks to a local RS-485 adapter; mode
	// tcp talks Modbus TCP to an RS-485 gateway.
	Serial struct {
		Mode      string `mapstructure:"mode"`
		Port      string `mapstructure:"port"`
		BaudRate  int    `mapstructure:"baud_rate"`
		DataBits  int    `mapstructure:"data_bits"`
		Parity    string `mapstructure:"parity"`
		StopBits  int    `mapstructure:"stop_bits"`
		TimeoutMs int    `mapstructure:"timeout_ms"`
	} `mapstructure:"serial"`

	// Controllers polled on the bus.
	Devices []Device `mapstructure:"devices"`

	// Poll loop settings
	Poll struct {
		IntervalMs         int `mapstructure:"interval_ms"`
		SlowIntervalCycles int `mapstructure:"slow_interval_cycles"`
		MaxAttempts        int `mapstructure:"max_attempts"`
		RetryBackoffMs     int `mapstructure:"retry_backoff_ms"`
		RetryBackoffMaxMs  int `mapstructure:"retry_backoff_max_ms"`
		ReadGapMs          int `mapstructure:"read_gap_ms"`
		LinkDownThreshold  int `mapstructure:"link_down_threshold"`
	} `mapstructure:"poll"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled           bool   `mapstructure:"enabled"`
		Host              string `mapstructure:"host"`
		Port              int    `mapstructure:"port"`
		Username          string `mapstructure:"username"`
		Password          string `mapstructure:"password"`
		Topic             string `mapstructure:"topic"`
		IncludeDeviceName bool   `mapstructure:"include_device_name"`
		Retain            bool   `mapstructure:"retain"`

		// Home Assistant Auto-Discovery settings
		HomeAssistantAutoDiscovery struct {
			Enabled             bool   `mapstructure:"enabled"`
			DiscoveryPrefix     string `mapstructure:"discovery_prefix"`
			DeviceManufacturer  string `mapstructure:"device_manufacturer"`
			DeviceModel         string `mapstructure:"device_model"`
			RetainDiscovery     bool   `mapstructure:"retain_discovery"`
			ValueTemplateSuffix string `mapstructure:"value_template_suffix"`
		} `mapstructure:"homeassistant_autodiscovery"`
	} `mapstructure:"mqtt"`

	// PVOutput settings
	PVOutput struct {
		Enabled            bool                  `mapstructure:"enabled"`
		APIKey             string                `mapstructure:"api_key"`
		SystemID           string                `mapstructure:"system_id"`
		UseDeviceTemp      bool                  `mapstructure:"use_device_temp"`
		DisableEnergyToday bool                  `mapstructure:"disable_energy_today"`
		UpdateLimitMinutes int                   `mapstructure:"update_limit_minutes"`
		DeviceMappings     []DeviceSystemMapping `mapstructure:"device_mappings"`
	} `mapstructure:"pvoutput"`
}

// Device identifies one controller on the RS-485 bus.
type Device struct {
	Name   string `mapstructure:"name"`
	UnitID int    `mapstructure:"unit_id"`
}

// DeviceSystemMapping maps device names to PVOutput system IDs.
type DeviceSystemMapping struct {
	DeviceName string `mapstructure:"device_name"`
	SystemID   string `mapstructure:"system_id"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel: "info",
		TimeZone: "Local",
	}

	// Default serial settings match the Tracer's RS-485 port
	cfg.Serial.Mode = "rtu"
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.Serial.BaudRate = 115200
	cfg.Serial.DataBits = 8
	cfg.Serial.Parity = "N"
	cfg.Serial.StopBits = 1
	cfg.Serial.TimeoutMs = 500

	// Default device: a single controller at unit 1
	cfg.Devices = []Device{{Name: "tracer", UnitID: 1}}

	// Default poll settings
	cfg.Poll.IntervalMs = 1000
	cfg.Poll.SlowIntervalCycles = 60
	cfg.Poll.MaxAttempts = 3
	cfg.Poll.RetryBackoffMs = 100
	cfg.Poll.RetryBackoffMaxMs = 2000
	cfg.Poll.ReadGapMs = 50
	cfg.Poll.LinkDownThreshold = 3

	// Default API settings
	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	// Default MQTT settings
	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.Topic = "energy/epever"
	cfg.MQTT.IncludeDeviceName = true
	cfg.MQTT.Retain = false

	// Default Home Assistant Auto-Discovery settings
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "EPEVER"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = "Tracer"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	cfg.MQTT.HomeAssistantAutoDiscovery.ValueTemplateSuffix = ""

	// Default PVOutput settings
	cfg.PVOutput.Enabled = false
	cfg.PVOutput.UpdateLimitMinutes = 5 // 5 minutes between updates

	return cfg
}

// Load reads the configuration from a file and environment variables.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Set up Viper
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// Override with specific config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		// Config file not found, use defaults
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			fmt.Println("No configuration file found, using defaults")
		} else {
			// Other errors (like invalid YAML) should be returned
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Bind environment variables
	v.SetEnvPrefix("GOEPEVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Serial.Mode {
	case "rtu", "tcp":
	default:
		return fmt.Errorf("serial.mode must be rtu or tcp, got %q", c.Serial.Mode)
	}
	if c.Serial.Port == "" {
		return errors.New("serial.port is required")
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("serial.parity must be N, E or O, got %q", c.Serial.Parity)
	}

	if len(c.Devices) == 0 {
		return errors.New("at least one device is required")
	}
	names := make(map[string]bool, len(c.Devices))
	units := make(map[int]bool, len(c.Devices))
	for _, d := range c.Devices {
		if d.Name == "" {
			return errors.New("device name is required")
		}
		if names[d.Name] {
			return fmt.Errorf("duplicate device name %q", d.Name)
		}
		names[d.Name] = true
		if d.UnitID < 1 || d.UnitID > 247 {
			return fmt.Errorf("device %q: unit_id must be 1-247, got %d", d.Name, d.UnitID)
		}
		if units[d.UnitID] {
			return fmt.Errorf("duplicate unit_id %d", d.UnitID)
		}
		units[d.UnitID] = true
	}

	if c.Poll.IntervalMs <= 0 {
		return errors.New("poll.interval_ms must be positive")
	}
	if c.Poll.MaxAttempts < 1 {
		return errors.New("poll.max_attempts must be at least 1")
	}
	if c.Poll.LinkDownThreshold < 1 {
		return errors.New("poll.link_down_threshold must be at least 1")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.TimeZone, err)
	}

	return nil
}

// Location resolves the configured time zone. Empty and "Local" mean the
// host's local zone; window boundaries are evaluated in this location.
func (c *Config) Location() (*time.Location, error) {
	if c.TimeZone == "" || c.TimeZone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.TimeZone)
}

// SerialTimeout returns the per-request transport timeout.
func (c *Config) SerialTimeout() time.Duration {
	return time.Duration(c.Serial.TimeoutMs) * time.Millisecond
}

// PollInterval returns the poll loop period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Poll.IntervalMs) * time.Millisecond
}

// RetryBackoff returns the base delay of the per-range retry backoff.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Poll.RetryBackoffMs) * time.Millisecond
}

// RetryBackoffMax returns the cap of the per-range retry backoff.
func (c *Config) RetryBackoffMax() time.Duration {
	return time.Duration(c.Poll.RetryBackoffMaxMs) * time.Millisecond
}

// ReadGap returns the settle delay between consecutive range reads.
func (c *Config) ReadGap() time.Duration {
	return time.Duration(c.Poll.ReadGapMs) * time.Millisecond
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-epever Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().Str("timezone", c.TimeZone).Msg("Timezone")
	if c.RegisterMap != "" {
		logger.Info().Str("register_map", c.RegisterMap).Msg("Register Map Override")
	}

	logger.Info().
		Str("mode", c.Serial.Mode).
		Str("port", c.Serial.Port).
		Int("baud_rate", c.Serial.BaudRate).
		Int("data_bits", c.Serial.DataBits).
		Str("parity", c.Serial.Parity).
		Int("stop_bits", c.Serial.StopBits).
		Int("timeout_ms", c.Serial.TimeoutMs).
		Msg("Serial Link")

	for _, d := range c.Devices {
		logger.Info().
			Str("name", d.Name).
			Int("unit_id", d.UnitID).
			Msg("Device")
	}

	logger.Info().
		Int("interval_ms", c.Poll.IntervalMs).
		Int("slow_interval_cycles", c.Poll.SlowIntervalCycles).
		Int("max_attempts", c.Poll.MaxAttempts).
		Int("read_gap_ms", c.Poll.ReadGapMs).
		Int("link_down_threshold", c.Poll.LinkDownThreshold).
		Msg("Poll Loop")

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Bool("include_device_name", c.MQTT.IncludeDeviceName).
			Bool("homeassistant_autodiscovery_enabled", c.MQTT.HomeAssistantAutoDiscovery.Enabled).
			Msg("MQTT Configuration")
	}

	logger.Info().Bool("enabled", c.PVOutput.Enabled).Msg("PVOutput Enabled")
	if c.PVOutput.Enabled {
		logger.Info().
			Str("system_id", c.PVOutput.SystemID).
			Int("update_limit_minutes", c.PVOutput.UpdateLimitMinutes).
			Msg("PVOutput Configuration")
	}

	logger.Info().Msg("-----------------------------")
}
