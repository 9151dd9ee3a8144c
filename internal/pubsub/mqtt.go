// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory func(*config.Config) mqtt.Client // Factory function for creating MQTT clients (testable)
	logger        zerolog.Logger

	mu                sync.RWMutex
	connected         bool
	haDiscovery       map[string]*homeassistant.AutoDiscovery // One discovery helper per controller
	discoveredSensors map[string]bool                         // Sensors announced on the current connection
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	logger := log.With().Str("component", "mqtt").Logger()
	p := &MQTTPublisher{
		config:            cfg,
		connected:         false,
		haDiscovery:       make(map[string]*homeassistant.AutoDiscovery),
		discoveredSensors: make(map[string]bool),
		logger:            logger,
	}
	p.clientFactory = p.newClient
	return p
}

// NewMQTTPublisherWithClient creates a new MQTT publisher with a custom client (for testing).
func NewMQTTPublisherWithClient(cfg *config.Config, client mqtt.Client) *MQTTPublisher {
	logger := log.With().Str("component", "mqtt").Logger()
	p := &MQTTPublisher{
		config:            cfg,
		client:            client,
		connected:         false,
		haDiscovery:       make(map[string]*homeassistant.AutoDiscovery),
		discoveredSensors: make(map[string]bool),
		logger:            logger,
	}
	p.clientFactory = p.newClient
	return p
}

// newClient is the default factory function for creating MQTT clients.
func (p *MQTTPublisher) newClient(cfg *config.Config) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(fmt.Sprintf("go-epever-%d", time.Now().Unix())).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetWriteTimeout(5 * time.Second).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	// Set credentials if provided
	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// onConnect runs whenever the broker connection is established, including
// paho auto-reconnects.
func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.mu.Lock()
	p.connected = true
	// Clear the discovery cache so sensors are re-announced after a reconnect
	p.discoveredSensors = make(map[string]bool)
	p.mu.Unlock()

	p.logger.Info().Msg("MQTT connection established")
}

// onConnectionLost runs when the broker connection drops.
func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()

	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	// If MQTT is disabled, do nothing
	if !p.config.MQTT.Enabled {
		return nil
	}

	// Create client if not already set (tests inject their own)
	if p.client == nil {
		p.client = p.clientFactory(p.config)
	}

	// Connect with context for timeout
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	connToken := p.client.Connect()

	// Wait for connection or context timeout
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after 10 seconds")
	case <-connToken.Done():
		if connToken.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", connToken.Error())
		}
	}

	p.setConnected(true)
	return nil
}

// Publish sends data to the specified topic. Poll results get the full
// treatment (device topic, Home Assistant discovery, availability); any
// other payload is marshaled to JSON and published as-is.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	if result, ok := data.(*domain.PollResult); ok {
		return p.publishResult(ctx, result)
	}

	return p.publishJSON(ctx, topic, p.config.MQTT.Retain, data)
}

// publishResult publishes one poll cycle to the device topic.
func (p *MQTTPublisher) publishResult(ctx context.Context, result *domain.PollResult) error {
	// Require a device name; skip message if missing
	if result.Device == "" {
		p.logger.Debug().Msg("Skipping publish: device name is empty")
		return nil
	}

	// Topic comes from configuration, not from the caller
	baseTopic := p.config.MQTT.Topic
	if p.config.MQTT.IncludeDeviceName {
		baseTopic = fmt.Sprintf("%s/%s", baseTopic, result.Device)
	}

	if p.config.MQTT.HomeAssistantAutoDiscovery.Enabled {
		if err := p.publishHomeAssistantDiscovery(ctx, baseTopic, result); err != nil {
			return fmt.Errorf("failed to publish Home Assistant discovery: %w", err)
		}
	}

	return p.publishJSON(ctx, baseTopic, p.config.MQTT.Retain, result)
}

// publishHomeAssistantDiscovery announces the sensors seen in this result and
// refreshes the availability topic.
func (p *MQTTPublisher) publishHomeAssistantDiscovery(ctx context.Context, baseTopic string, result *domain.PollResult) error {
	ad, err := p.discoveryFor(result.Device, baseTopic)
	if err != nil {
		return err
	}

	// Publish each discovery message once per connection
	for topic, message := range ad.GenerateDiscoveryMessages(discoveryFields(result)) {
		if p.alreadyDiscovered(topic) {
			continue
		}

		if err := p.publishJSON(ctx, topic, p.config.MQTT.HomeAssistantAutoDiscovery.RetainDiscovery, message); err != nil {
			return fmt.Errorf("failed to publish discovery message to %s: %w", topic, err)
		}

		p.markDiscovered(topic)
	}

	// Publish availability message
	online := result.Outcome != domain.OutcomeTotalFailure
	availMessage := ad.CreateAvailabilityMessage(online)
	if err := p.publishBytes(ctx, ad.GetAvailabilityTopic(), p.config.MQTT.Retain, []byte(availMessage)); err != nil {
		return fmt.Errorf("failed to publish availability message: %w", err)
	}

	return nil
}

// discoveryFor returns the per-device discovery helper, creating it on first
// use. Each controller appears in Home Assistant as its own device.
func (p *MQTTPublisher) discoveryFor(device, baseTopic string) (*homeassistant.AutoDiscovery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ad, ok := p.haDiscovery[device]; ok {
		return ad, nil
	}

	haCfg := p.config.MQTT.HomeAssistantAutoDiscovery
	ad, err := homeassistant.New(homeassistant.Config{
		Enabled:             haCfg.Enabled,
		DiscoveryPrefix:     haCfg.DiscoveryPrefix,
		DeviceName:          device,
		DeviceManufacturer:  haCfg.DeviceManufacturer,
		DeviceModel:         haCfg.DeviceModel,
		RetainDiscovery:     haCfg.RetainDiscovery,
		ValueTemplateSuffix: haCfg.ValueTemplateSuffix,
	}, baseTopic, device)
	if err != nil {
		return nil, fmt.Errorf("failed to set up Home Assistant discovery: %w", err)
	}

	p.haDiscovery[device] = ad
	return ad, nil
}

// discoveryFields flattens a poll result into the field set the discovery
// layout keys on: decoded register values plus the synthetic charger state.
func discoveryFields(result *domain.PollResult) map[string]interface{} {
	fields := make(map[string]interface{}, len(result.Values)+1)
	for name, value := range result.Values {
		fields[name] = value
	}
	if result.State != nil {
		fields["charger_state"] = result.State.String()
	}
	return fields
}

// publishJSON marshals data and publishes it to topic.
func (p *MQTTPublisher) publishJSON(ctx context.Context, topic string, retain bool, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}

	return p.publishBytes(ctx, topic, retain, jsonData)
}

// publishBytes publishes a raw payload and waits for broker confirmation.
func (p *MQTTPublisher) publishBytes(ctx context.Context, topic string, retain bool, payload []byte) error {
	// Publish with context for timeout
	publishCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	token := p.client.Publish(topic, 0, retain, payload)

	// Wait for publication or context timeout
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish timeout after 5 seconds")
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message: %w", token.Error())
		}
	}

	return nil
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *MQTTPublisher) setConnected(connected bool) {
	p.mu.Lock()
	p.connected = connected
	p.mu.Unlock()
}

func (p *MQTTPublisher) alreadyDiscovered(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.discoveredSensors[topic]
}

func (p *MQTTPublisher) markDiscovered(topic string) {
	p.mu.Lock()
	p.discoveredSensors[topic] = true
	p.mu.Unlock()
}

// Close terminates the connection to the MQTT broker.
func (p *MQTTPublisher) Close() error {
	if p.client != nil && p.isConnected() {
		p.client.Disconnect(250) // Disconnect with 250ms timeout
		p.setConnected(false)
	}
	return nil
}
