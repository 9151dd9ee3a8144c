// Package pvoutput provides the PVOutput.org monitoring service implementation.
package pvoutput

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/registers"
)

// defaultEndpoint is the PVOutput live status ingestion endpoint.
const defaultEndpoint = "https://pvoutput.org/service/r2/addstatus.jsp"

// NoopClient is a no-operation implementation of the MonitoringService interface.
type NoopClient struct{}

// NewNoopClient creates a new no-operation PVOutput client.
func NewNoopClient() *NoopClient {
	return &NoopClient{}
}

// Send is a no-op for the NoopClient.
func (c *NoopClient) Send(_ context.Context, _ *domain.PollResult) error {
	return nil
}

// Connect is a no-op for the NoopClient.
func (c *NoopClient) Connect() error {
	return nil
}

// Close is a no-op for the NoopClient.
func (c *NoopClient) Close() error {
	return nil
}

// Client implements the MonitoringService interface for PVOutput.org.
type Client struct {
	config        *config.Config
	httpClient    *http.Client
	endpoint      string
	lastUpdateMap map[string]time.Time
	mutex         sync.Mutex
}

// NewClient creates a new PVOutput client.
func NewClient(cfg *config.Config) *Client {
	return &Client{
		config:        cfg,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		endpoint:      defaultEndpoint,
		lastUpdateMap: make(map[string]time.Time),
	}
}

// Connect establishes a connection to the service.
// For PVOutput, this is a no-op as each request is independent.
func (c *Client) Connect() error {
	// No connection needed for PVOutput
	return nil
}

// Send publishes one poll cycle to the PVOutput service.
func (c *Client) Send(ctx context.Context, result *domain.PollResult) error {
	// If PVOutput is disabled, do nothing
	if !c.config.PVOutput.Enabled {
		return nil
	}

	// Check required configuration
	if c.config.PVOutput.APIKey == "" {
		return fmt.Errorf("PVOutput API key not configured")
	}

	// Apply rate limiting per controller
	if !c.canUpdate(result.Device) {
		return nil // Skip update due to rate limiting
	}

	// Get system ID for this controller
	systemID := c.systemIDFor(result.Device)
	if systemID == "" {
		return fmt.Errorf("no PVOutput system ID configured for device %s", result.Device)
	}

	if err := c.sendStatus(ctx, result, systemID); err != nil {
		return err
	}

	// Update rate limit timestamp
	c.updateTimestamp(result.Device)
	return nil
}

// sendStatus posts one addstatus update: generation on v1/v2, the load
// terminals as consumption on v3/v4, case temperature on v5 and battery
// voltage on v6.
func (c *Client) sendStatus(ctx context.Context, result *domain.PollResult, systemID string) error {
	// Build the PVOutput update parameters
	params := url.Values{}
	params.Set("key", c.config.PVOutput.APIKey)
	params.Set("sid", systemID)

	// PVOutput expects the local date and time of the reading
	at := result.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	params.Set("d", at.Format("20060102"))
	params.Set("t", at.Format("15:04"))

	// Energy generated today, converted to watt hours
	if !c.config.PVOutput.DisableEnergyToday {
		if energy, ok := c.generatedToday(result); ok && energy > 0 {
			params.Set("v1", strconv.FormatFloat(energy*1000, 'f', 0, 64))
		}
	}

	// Charging power in watts
	if power, ok := result.Value(registers.ChargingPower); ok && power > 0 {
		params.Set("v2", strconv.FormatFloat(power, 'f', 0, 64))
	}

	// Energy consumed by the load terminals today, converted to watt hours
	if energy, ok := c.consumedToday(result); ok && energy > 0 {
		params.Set("v3", strconv.FormatFloat(energy*1000, 'f', 0, 64))
	}

	// Load power in watts
	if power, ok := result.Value(registers.LoadPower); ok && power > 0 {
		params.Set("v4", strconv.FormatFloat(power, 'f', 0, 64))
	}

	// Set temperature if configured to use the controller's case sensor
	if c.config.PVOutput.UseDeviceTemp {
		if temp, ok := result.Value(registers.DeviceTemperature); ok && temp != 0 {
			params.Set("v5", strconv.FormatFloat(temp, 'f', 1, 64))
		}
	}

	// Battery voltage
	if voltage, ok := result.Value(registers.BatteryVoltage); ok && voltage > 0 {
		params.Set("v6", strconv.FormatFloat(voltage, 'f', 1, 64))
	}

	return c.makeRequest(ctx, params)
}

// generatedToday returns today's generated energy in kWh. The statistics
// range reads on the slow cadence, so cycles in between fall back to the
// accumulator's today window carried in the result.
func (c *Client) generatedToday(result *domain.PollResult) (float64, bool) {
	if v, ok := result.Value(registers.GeneratedEnergyToday); ok {
		return v, true
	}
	if result.Stats != nil {
		return result.Stats.Today.GeneratedEnergy, true
	}
	return 0, false
}

// consumedToday returns today's consumed energy in kWh, with the same
// fallback as generatedToday.
func (c *Client) consumedToday(result *domain.PollResult) (float64, bool) {
	if v, ok := result.Value(registers.ConsumedEnergyToday); ok {
		return v, true
	}
	if result.Stats != nil {
		return result.Stats.Today.ConsumedEnergy, true
	}
	return 0, false
}

// makeRequest makes an HTTP POST request to PVOutput API.
func (c *Client) makeRequest(ctx context.Context, params url.Values) error {
	req, err := http.NewRequestWithContext(
		ctx,
		"POST",
		c.endpoint,
		strings.NewReader(params.Encode()),
	)
	if err != nil {
		return fmt.Errorf("failed to create PVOutput request: %w", err)
	}

	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("X-Rate-Limit", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PVOutput request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close() //nolint:errcheck // Closing response body in defer, error not critical
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("PVOutput returned status code %d", resp.StatusCode)
	}

	return nil
}

// Close terminates the connection to the service.
func (c *Client) Close() error {
	// No resources to clean up for HTTP client
	return nil
}

// canUpdate checks if an update is allowed based on rate limiting.
func (c *Client) canUpdate(device string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	lastUpdate, exists := c.lastUpdateMap[device]
	if !exists {
		return true
	}

	// Check if enough time has passed since the last update
	updateInterval := time.Duration(c.config.PVOutput.UpdateLimitMinutes) * time.Minute
	return time.Since(lastUpdate) >= updateInterval
}

// updateTimestamp records when an update was made.
func (c *Client) updateTimestamp(device string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lastUpdateMap[device] = time.Now()
}

// systemIDFor returns the PVOutput system ID for a controller. A device
// mapping wins over the default system ID.
func (c *Client) systemIDFor(device string) string {
	for _, mapping := range c.config.PVOutput.DeviceMappings {
		if mapping.DeviceName == device {
			return mapping.SystemID
		}
	}
	return c.config.PVOutput.SystemID
}
