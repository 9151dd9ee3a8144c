// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/homeassistant_sensors.yaml
var homeAssistantSensorsYAML []byte

// Availability payloads understood by Home Assistant.
const (
	payloadAvailable    = "online"
	payloadNotAvailable = "offline"
)

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled             bool
	DiscoveryPrefix     string
	DeviceName          string
	DeviceManufacturer  string
	DeviceModel         string
	RetainDiscovery     bool
	ValueTemplateSuffix string
}

// SensorConfig represents a sensor configuration from the layouts YAML.
// ValuePath overrides the JSON path used in the value template; by default a
// sensor named X reads value_json.values.X from the published poll result.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
	ValuePath         string `yaml:"value_path,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery for one charge
// controller. Each controller on the bus gets its own instance so Home
// Assistant sees separate devices with separate sensor sets.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	deviceID     string
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config, baseTopic, deviceID string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		deviceID:  deviceID,
	}

	// Load the layout configuration
	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the Home Assistant sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(homeAssistantSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Info().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// GenerateDiscoveryMessages generates discovery messages for the fields
// present in data. Fields without a sensor definition in the layout are
// skipped, so callers can pass the full value set of a poll cycle.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(data map[string]interface{}) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	for fieldName := range data {
		sensorConfig, exists := ad.layoutConfig.Sensors[fieldName]
		if !exists {
			continue
		}

		topic := ad.getDiscoveryTopic(fieldName)
		messages[topic] = ad.createDiscoveryMessage(fieldName, sensorConfig)
	}

	return messages
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (ad *AutoDiscovery) createDiscoveryMessage(fieldName string, sensorConfig SensorConfig) DiscoveryMessage {
	uniqueID := fmt.Sprintf("%s_%s", ad.deviceID, fieldName)

	// Determine entity category based on sensor category
	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	deviceInfo := DeviceInfo{
		Identifiers:  []string{ad.deviceID},
		Name:         ad.config.DeviceName,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        ad.deviceModel(),
		SwVersion:    "go-epever",
	}

	return DiscoveryMessage{
		Name:                sensorConfig.Name,
		UniqueID:            uniqueID,
		StateTopic:          ad.baseTopic,
		ValueTemplate:       ad.getValueTemplate(fieldName, sensorConfig),
		DeviceClass:         sensorConfig.DeviceClass,
		UnitOfMeasurement:   sensorConfig.UnitOfMeasurement,
		StateClass:          sensorConfig.StateClass,
		Icon:                sensorConfig.Icon,
		EntityCategory:      entityCategory,
		Device:              deviceInfo,
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    payloadAvailable,
		PayloadNotAvailable: payloadNotAvailable,
	}
}

// getValueTemplate creates the value template for a sensor. Poll results
// publish register values under a nested "values" object, so the default
// path is values.<field>; synthetic fields set an explicit value_path.
func (ad *AutoDiscovery) getValueTemplate(fieldName string, sensorConfig SensorConfig) string {
	path := sensorConfig.ValuePath
	if path == "" {
		path = "values." + fieldName
	}
	return fmt.Sprintf("{{ value_json.%s }}", path) + ad.config.ValueTemplateSuffix
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor.
func (ad *AutoDiscovery) getDiscoveryTopic(fieldName string) string {
	// Home Assistant discovery topic format:
	// <discovery_prefix>/sensor/<node_id>/<object_id>/config
	nodeID := strings.ToLower(strings.ReplaceAll(ad.deviceID, " ", "_"))
	objectID := fmt.Sprintf("%s_%s", nodeID, fieldName)

	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, nodeID, objectID)
}

// deviceModel returns the configured device model or a generic fallback.
func (ad *AutoDiscovery) deviceModel() string {
	if ad.config.DeviceModel != "" {
		return ad.config.DeviceModel
	}
	return "Tracer Charge Controller"
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	suffix := "/availability"
	return fmt.Sprintf("%s%s", ad.baseTopic, suffix)
}

// CreateAvailabilityMessage creates availability messages based on configuration.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return payloadAvailable
	}
	return payloadNotAvailable
}

// CleanupDiscoveryMessages generates cleanup (empty) messages to remove sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(fieldNames []string) map[string]string {
	messages := make(map[string]string)

	for _, fieldName := range fieldNames {
		topic := ad.getDiscoveryTopic(fieldName)
		messages[topic] = "" // Empty payload removes the entity
	}

	return messages
}
