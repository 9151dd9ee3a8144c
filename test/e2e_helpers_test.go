package e2e

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/service"
)

// benchReader serves canned register words for every range of the default
// register map, the way a Tracer on a healthy bus would. Reads can be failed
// per range start address or across the board to drive fault scenarios.
type benchReader struct {
	mu         sync.Mutex
	connected  bool
	closed     bool
	failAll    bool
	failStarts map[uint16]bool

	input     map[uint16][]uint16
	holding   map[uint16][]uint16
	coils     map[uint16][]uint16
	discretes map[uint16][]uint16
}

// newBenchReader seeds a reader with a midday operating point: 68.50 V array
// at 3.12 A charging a 13.42 V battery in boost stage, 0.85 kWh generated
// today.
func newBenchReader() *benchReader {
	return &benchReader{
		failStarts: make(map[uint16]bool),
		input: map[uint16][]uint16{
			0x3000: {10000, 4000, 52000, 0, 1200, 4000, 52000, 0, 1},
			0x3100: {6850, 312, 21372, 0, 1342, 1528, 20517, 0},
			0x310C: {1342, 125, 1677, 0},
			0x3110: {1850, 2690},
			0x311A: {78},
			0x3200: {0x0000, 0x0009, 0x0001},
			0x3300: {
				8000, 50, 1440, 1280,
				42, 0, 1260, 0, 9640, 0, 23380, 0,
				85, 0, 2450, 0, 18730, 0, 41260, 0,
				41, 0,
				0, 0, 0, 0, 0,
				1403, 0, 0, 1920,
			},
		},
		holding: map[uint16][]uint16{
			0x9007: {1440, 1380},
		},
		coils: map[uint16][]uint16{
			0x0002: {1},
		},
		discretes: map[uint16][]uint16{
			0x2000: {0},
			0x200C: {0},
		},
	}
}

func (r *benchReader) Connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = true
	return nil
}

func (r *benchReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *benchReader) ReadInputRegisters(_ context.Context, _ byte, start, count uint16) ([]uint16, error) {
	return r.read(r.input, start, count)
}

func (r *benchReader) ReadHoldingRegisters(_ context.Context, _ byte, start, count uint16) ([]uint16, error) {
	return r.read(r.holding, start, count)
}

func (r *benchReader) ReadCoils(_ context.Context, _ byte, start, count uint16) ([]uint16, error) {
	return r.read(r.coils, start, count)
}

func (r *benchReader) ReadDiscreteInputs(_ context.Context, _ byte, start, count uint16) ([]uint16, error) {
	return r.read(r.discretes, start, count)
}

func (r *benchReader) read(bank map[uint16][]uint16, start, count uint16) ([]uint16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failAll || r.failStarts[start] {
		return nil, fmt.Errorf("read timeout")
	}

	words, ok := bank[start]
	if !ok || int(count) > len(words) {
		return nil, fmt.Errorf("no canned data at 0x%04X+%d", start, count)
	}

	out := make([]uint16, count)
	copy(out, words[:count])
	return out, nil
}

// setFailAll fails or heals every read.
func (r *benchReader) setFailAll(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAll = fail
}

// setFailRange fails or heals reads of the range starting at start.
func (r *benchReader) setFailRange(start uint16, fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failStarts[start] = fail
}

// resultCollector captures published poll results in place of a broker.
type resultCollector struct {
	mu      sync.Mutex
	results []*domain.PollResult
}

func (c *resultCollector) Connect(_ context.Context) error { return nil }

func (c *resultCollector) Publish(_ context.Context, _ string, data interface{}) error {
	if result, ok := data.(*domain.PollResult); ok {
		c.mu.Lock()
		c.results = append(c.results, result)
		c.mu.Unlock()
	}
	return nil
}

func (c *resultCollector) Close() error { return nil }

func (c *resultCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func (c *resultCollector) latest() *domain.PollResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.results) == 0 {
		return nil
	}
	return c.results[len(c.results)-1]
}

func (c *resultCollector) at(i int) *domain.PollResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= len(c.results) {
		return nil
	}
	return c.results[i]
}

// noopMonitoring is a no-op monitoring service for pipeline tests.
type noopMonitoring struct{}

func (n *noopMonitoring) Connect() error { return nil }

func (n *noopMonitoring) Send(_ context.Context, _ *domain.PollResult) error { return nil }

func (n *noopMonitoring) Close() error { return nil }

// e2eConfig returns a configuration tuned for fast test cycles: one
// controller, a 20 ms interval, every range on the fast cadence, and the
// outbound surfaces disabled until a test enables them.
func e2eConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Devices = []config.Device{{Name: "tracer", UnitID: 1}}
	cfg.Poll.IntervalMs = 20
	cfg.Poll.SlowIntervalCycles = 1
	cfg.Poll.MaxAttempts = 2
	cfg.Poll.RetryBackoffMs = 1
	cfg.Poll.RetryBackoffMaxMs = 2
	cfg.Poll.ReadGapMs = 0
	cfg.Poll.LinkDownThreshold = 3
	cfg.API.Enabled = false
	cfg.MQTT.Enabled = false
	return cfg
}

// stopService stops a running poll service with a bounded timeout.
func stopService(t *testing.T, srv *service.PollService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}

// startBenchService assembles the full pipeline around the reader and the
// collector and starts it. The service is stopped when the test ends.
func startBenchService(t *testing.T, cfg *config.Config, reader *benchReader, collector *resultCollector) *service.PollService {
	t.Helper()

	srv, err := service.NewPollService(cfg, reader, collector, &noopMonitoring{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { stopService(t, srv) })

	return srv
}

// waitForResults blocks until the collector has captured at least n results.
func waitForResults(t *testing.T, collector *resultCollector, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for collector.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d poll results, have %d", n, collector.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// brokerMessage represents a received MQTT message.
type brokerMessage struct {
	Topic   string
	Payload []byte
}

// startTestBroker starts an embedded MQTT broker on an ephemeral port.
func startTestBroker(t *testing.T) (*mqttserver.Server, int) {
	t.Helper()

	// Find available port
	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	broker := mqttserver.New(&mqttserver.Options{
		InlineClient: true,
	})

	// Allow all connections
	_ = broker.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "t1",
		Address: fmt.Sprintf(":%d", port),
	})
	err = broker.AddListener(tcp)
	require.NoError(t, err, "Failed to add TCP listener to MQTT broker")

	go func() {
		if err := broker.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()

	// Give broker time to start
	time.Sleep(100 * time.Millisecond)

	t.Logf("Test MQTT broker started on port %d", port)
	return broker, port
}

// subscribeTopic subscribes to an MQTT topic pattern and forwards messages to
// the channel.
func subscribeTopic(t *testing.T, brokerPort int, topicPattern string, msgChan chan<- brokerMessage) {
	t.Helper()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://localhost:%d", brokerPort))
	opts.SetClientID(fmt.Sprintf("e2e-subscriber-%d", time.Now().UnixNano()))
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "Failed to connect MQTT subscriber")
	require.NoError(t, token.Error(), "MQTT subscriber connection error")

	token = client.Subscribe(topicPattern, 0, func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case msgChan <- brokerMessage{Topic: msg.Topic(), Payload: msg.Payload()}:
		default:
			t.Logf("MQTT message channel full, dropping message on %s", msg.Topic())
		}
	})
	require.True(t, token.WaitTimeout(5*time.Second), "Failed to subscribe to MQTT topic")
	require.NoError(t, token.Error(), "MQTT subscribe error")

	t.Cleanup(func() { client.Disconnect(250) })
}
