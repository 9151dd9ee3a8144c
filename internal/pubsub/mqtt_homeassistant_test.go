package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/homeassistant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func haConfig() *config.Config {
	cfg := mqttConfig()
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = true
	cfg.MQTT.HomeAssistantAutoDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceManufacturer = "EPEVER"
	cfg.MQTT.HomeAssistantAutoDiscovery.DeviceModel = "Tracer 4215BN"
	cfg.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery = true
	return cfg
}

func TestMQTTPublisher_HomeAssistantAutoDiscovery(t *testing.T) {
	fake := &fakeMQTTClient{}
	publisher := NewMQTTPublisherWithClient(haConfig(), fake)
	publisher.setConnected(true)

	ctx := context.Background()
	result := testResult()

	require.NoError(t, publisher.Publish(ctx, "", result))

	// One discovery config per published field
	discoveryTopic := "homeassistant/sensor/tracer/tracer_pv_voltage/config"
	require.Equal(t, 1, fake.countTopic(discoveryTopic))

	msg, _ := fake.lastMessage(discoveryTopic)
	assert.True(t, msg.retained, "discovery messages should honor retain_discovery")

	var discovery homeassistant.DiscoveryMessage
	require.NoError(t, json.Unmarshal(msg.payload, &discovery))
	assert.Equal(t, "PV Voltage", discovery.Name)
	assert.Equal(t, "tracer_pv_voltage", discovery.UniqueID)
	assert.Equal(t, "energy/epever/tracer", discovery.StateTopic)
	assert.Equal(t, "{{ value_json.values.pv_voltage }}", discovery.ValueTemplate)
	assert.Equal(t, "voltage", discovery.DeviceClass)
	assert.Equal(t, "tracer", discovery.Device.Name)
	assert.Equal(t, []string{"tracer"}, discovery.Device.Identifiers)
	assert.Equal(t, "EPEVER", discovery.Device.Manufacturer)
	assert.Equal(t, "Tracer 4215BN", discovery.Device.Model)
	assert.Equal(t, "energy/epever/tracer/availability", discovery.AvailabilityTopic)

	// Availability goes online alongside the data
	avail, found := fake.lastMessage("energy/epever/tracer/availability")
	require.True(t, found)
	assert.Equal(t, "online", string(avail.payload))

	// The poll result itself lands on the device topic
	assert.Equal(t, 1, fake.countTopic("energy/epever/tracer"))

	// A second publish must not re-announce already discovered sensors
	require.NoError(t, publisher.Publish(ctx, "", result))
	assert.Equal(t, 1, fake.countTopic(discoveryTopic))
	assert.Equal(t, 2, fake.countTopic("energy/epever/tracer"))
	assert.Equal(t, 2, fake.countTopic("energy/epever/tracer/availability"))
}

func TestMQTTPublisher_HomeAssistantDiscovery_ChargerState(t *testing.T) {
	fake := &fakeMQTTClient{}
	publisher := NewMQTTPublisherWithClient(haConfig(), fake)
	publisher.setConnected(true)

	require.NoError(t, publisher.Publish(context.Background(), "", testResult()))

	msg, found := fake.lastMessage("homeassistant/sensor/tracer/tracer_charger_state/config")
	require.True(t, found, "charger state should be announced as a sensor")

	var discovery homeassistant.DiscoveryMessage
	require.NoError(t, json.Unmarshal(msg.payload, &discovery))
	assert.Equal(t, "Charger State", discovery.Name)
	assert.Equal(t, "{{ value_json.charger_state }}", discovery.ValueTemplate)
}

func TestMQTTPublisher_HomeAssistantDiscovery_SeparateDevices(t *testing.T) {
	fake := &fakeMQTTClient{}
	publisher := NewMQTTPublisherWithClient(haConfig(), fake)
	publisher.setConnected(true)

	ctx := context.Background()

	roof := testResult()
	roof.Device = "roof"
	shed := testResult()
	shed.Device = "shed"
	shed.UnitID = 2

	require.NoError(t, publisher.Publish(ctx, "", roof))
	require.NoError(t, publisher.Publish(ctx, "", shed))

	// Each controller gets its own discovery namespace and topics
	assert.Equal(t, 1, fake.countTopic("homeassistant/sensor/roof/roof_pv_voltage/config"))
	assert.Equal(t, 1, fake.countTopic("homeassistant/sensor/shed/shed_pv_voltage/config"))
	assert.Equal(t, 1, fake.countTopic("energy/epever/roof"))
	assert.Equal(t, 1, fake.countTopic("energy/epever/shed"))
	assert.Equal(t, 1, fake.countTopic("energy/epever/roof/availability"))
	assert.Equal(t, 1, fake.countTopic("energy/epever/shed/availability"))
}

func TestMQTTPublisher_HomeAssistantDiscovery_OfflineOnTotalFailure(t *testing.T) {
	fake := &fakeMQTTClient{}
	publisher := NewMQTTPublisherWithClient(haConfig(), fake)
	publisher.setConnected(true)

	result := &domain.PollResult{
		Device:       "tracer",
		UnitID:       1,
		Outcome:      domain.OutcomeTotalFailure,
		FailedRanges: []string{"realtime", "status"},
	}

	require.NoError(t, publisher.Publish(context.Background(), "", result))

	// No values means no discovery configs, but availability flips offline
	avail, found := fake.lastMessage("energy/epever/tracer/availability")
	require.True(t, found)
	assert.Equal(t, "offline", string(avail.payload))

	// The failure result is still published for downstream consumers
	msg, found := fake.lastMessage("energy/epever/tracer")
	require.True(t, found)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.payload, &decoded))
	assert.Equal(t, "total_failure", decoded["outcome"])
}

func TestMQTTPublisher_HomeAssistantDiscovery_Disabled(t *testing.T) {
	cfg := haConfig()
	cfg.MQTT.HomeAssistantAutoDiscovery.Enabled = false

	fake := &fakeMQTTClient{}
	publisher := NewMQTTPublisherWithClient(cfg, fake)
	publisher.setConnected(true)

	require.NoError(t, publisher.Publish(context.Background(), "", testResult()))

	// Only the data topic, no discovery or availability traffic
	assert.Len(t, fake.published, 1)
	assert.Equal(t, 1, fake.countTopic("energy/epever/tracer"))
}

func TestMQTTPublisher_Reconnect_ClearsDiscoveryCache(t *testing.T) {
	fake := &fakeMQTTClient{}
	publisher := NewMQTTPublisherWithClient(haConfig(), fake)
	publisher.setConnected(true)

	ctx := context.Background()
	result := testResult()

	require.NoError(t, publisher.Publish(ctx, "", result))
	discoveryTopic := "homeassistant/sensor/tracer/tracer_pv_voltage/config"
	assert.Equal(t, 1, fake.countTopic(discoveryTopic))

	// Simulate a broker reconnect: the cache clears and sensors re-announce
	publisher.onConnect(fake)

	require.NoError(t, publisher.Publish(ctx, "", result))
	assert.Equal(t, 2, fake.countTopic(discoveryTopic))
}
