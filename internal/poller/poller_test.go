package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/quality"
	"github.com/openmppt/go-epever/internal/registers"
)

// benchMap is a trimmed register map exercising every range class feature
// the poller dispatches on: wide fields, response gaps, status kinds, and a
// slow-cadence holding range.
const benchMap = `
model: bench
ranges:
  - name: realtime
    class: input
    registers:
      - name: pv_voltage
        address: 0x3100
        scale: 100
        unit: V
      - name: pv_current
        address: 0x3101
        scale: 100
        unit: A
      - name: pv_power
        address: 0x3102
        width: 2
        scale: 100
        unit: W
      - name: battery_voltage
        address: 0x3104
        scale: 100
        unit: V
      - name: charging_current
        address: 0x3105
        scale: 100
        unit: A
      - name: charging_power
        address: 0x3106
        width: 2
        scale: 100
        unit: W
  - name: status
    class: input
    registers:
      - name: battery_status
        address: 0x3200
        kind: battery_status
      - name: charging_status
        address: 0x3201
        kind: charging_status
      - name: discharging_status
        address: 0x3202
        kind: discharging_status
  - name: statistics
    class: input
    registers:
      - name: generated_energy_today
        address: 0x330C
        width: 2
        scale: 100
        unit: kWh
      - name: generated_energy_total
        address: 0x3312
        width: 2
        scale: 100
        unit: kWh
  - name: settings
    class: holding
    cadence: slow
    registers:
      - name: float_charging_voltage
        address: 0x9008
        scale: 100
        unit: V
`

// fakeReader satisfies domain.RegisterReader with canned per-range words.
type fakeReader struct {
	responses map[string][]uint16
	errors    map[string]error
	failures  map[string]int
	calls     map[string]int
}

func newFakeReader() *fakeReader {
	return &fakeReader{
		responses: make(map[string][]uint16),
		errors:    make(map[string]error),
		failures:  make(map[string]int),
		calls:     make(map[string]int),
	}
}

func key(class string, start uint16) string {
	return fmt.Sprintf("%s:0x%04X", class, start)
}

func (f *fakeReader) respond(class string, start uint16, words []uint16) {
	f.responses[key(class, start)] = words
}

// fail makes every read of the range fail.
func (f *fakeReader) fail(class string, start uint16, err error) {
	f.errors[key(class, start)] = err
}

// failTimes makes the first n reads of the range fail, then succeed.
func (f *fakeReader) failTimes(class string, start uint16, n int, err error) {
	f.failures[key(class, start)] = n
	f.errors[key(class, start)] = err
}

func (f *fakeReader) read(class string, start uint16) ([]uint16, error) {
	k := key(class, start)
	f.calls[k]++

	if n, transient := f.failures[k]; transient {
		if n > 0 {
			f.failures[k] = n - 1
			return nil, f.errors[k]
		}
	} else if err, exists := f.errors[k]; exists {
		return nil, err
	}

	words, exists := f.responses[k]
	if !exists {
		return nil, &domain.TransportError{Op: "read " + class, Start: start, Err: errors.New("no canned response")}
	}
	return words, nil
}

func (f *fakeReader) Connect() error { return nil }
func (f *fakeReader) Close() error   { return nil }

func (f *fakeReader) ReadInputRegisters(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransportError{Op: "read input registers", UnitID: unitID, Start: start, Count: count, Err: err}
	}
	return f.read("input", start)
}

func (f *fakeReader) ReadHoldingRegisters(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, &domain.TransportError{Op: "read holding registers", UnitID: unitID, Start: start, Count: count, Err: err}
	}
	return f.read("holding", start)
}

func (f *fakeReader) ReadCoils(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error) {
	return f.read("coil", start)
}

func (f *fakeReader) ReadDiscreteInputs(ctx context.Context, unitID byte, start, count uint16) ([]uint16, error) {
	return f.read("discrete", start)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Poll.MaxAttempts = 3
	cfg.Poll.RetryBackoffMs = 0
	cfg.Poll.ReadGapMs = 0
	cfg.Poll.SlowIntervalCycles = 2
	return cfg
}

func newBenchPoller(t *testing.T, cfg *config.Config, reader domain.RegisterReader) *Poller {
	t.Helper()

	mapFile := filepath.Join(t.TempDir(), "bench.yaml")
	require.NoError(t, os.WriteFile(mapFile, []byte(benchMap), 0o644))

	regmap, err := registers.LoadFile(mapFile)
	require.NoError(t, err)

	device := config.Device{Name: "bench", UnitID: 1}
	return New(cfg, device, reader, regmap, quality.NewValidator(), time.UTC)
}

// healthyReader programs a full set of plausible responses: panel at 81.92 V
// feeding 56.89 W into a 13.17 V battery, float stage, 1.23 kWh today.
func healthyReader() *fakeReader {
	reader := newFakeReader()
	reader.respond("input", 0x3100, []uint16{8192, 432, 5689, 0, 1317, 432, 5689, 0})
	reader.respond("input", 0x3200, []uint16{0x0000, 0x0005, 0x0000})
	reader.respond("input", 0x330C, []uint16{123, 0, 0, 0, 0, 0, 4567, 0})
	reader.respond("holding", 0x9008, []uint16{1380})
	return reader
}

func TestRunCycleSuccess(t *testing.T) {
	reader := healthyReader()
	p := newBenchPoller(t, testConfig(), reader)

	result := p.RunCycle(context.Background())
	require.NotNil(t, result)

	assert.Equal(t, domain.OutcomeSuccess, result.Outcome)
	assert.Empty(t, result.FailedRanges)
	assert.Empty(t, result.Warnings)
	assert.Equal(t, "bench", result.Device)
	assert.Equal(t, byte(1), result.UnitID)

	assert.InDelta(t, 81.92, result.Values[registers.PVVoltage], 1e-9)
	assert.InDelta(t, 4.32, result.Values[registers.PVCurrent], 1e-9)
	assert.InDelta(t, 56.89, result.Values[registers.PVPower], 1e-9)
	assert.InDelta(t, 13.17, result.Values[registers.BatteryVoltage], 1e-9)
	assert.InDelta(t, 56.89, result.Values[registers.ChargingPower], 1e-9)
	assert.InDelta(t, 1.23, result.Values[registers.GeneratedEnergyToday], 1e-9)
	assert.InDelta(t, 45.67, result.Values[registers.GeneratedEnergyTotal], 1e-9)
	assert.InDelta(t, 13.80, result.Values[registers.FloatChargingVoltage], 1e-9)

	require.NotNil(t, result.Flags)
	assert.Equal(t, domain.StageFloat, result.Flags.Charging.Stage)
	assert.True(t, result.Flags.Charging.Running)
	assert.False(t, result.Flags.Charging.Fault)

	require.NotNil(t, result.State)
	assert.Equal(t, domain.ChargerFloat, *result.State)
	require.NotNil(t, result.StateCode)
	assert.Equal(t, 5, *result.StateCode)

	require.NotNil(t, result.Stats)
	require.NotNil(t, result.Stats.Today.MaxPVVoltage)
	assert.InDelta(t, 81.92, *result.Stats.Today.MaxPVVoltage, 1e-9)
	assert.InDelta(t, 1.23, result.Stats.Today.GeneratedEnergy, 1e-9)
	assert.InDelta(t, 45.67, result.Stats.Lifetime.GeneratedEnergy, 1e-9)

	assert.Equal(t, PhaseIdle, p.Phase())
}

func TestRunCyclePartialFailure(t *testing.T) {
	reader := healthyReader()
	reader.fail("input", 0x330C, errors.New("timeout"))
	p := newBenchPoller(t, testConfig(), reader)

	result := p.RunCycle(context.Background())

	assert.Equal(t, domain.OutcomePartialFailure, result.Outcome)
	assert.Equal(t, []string{"statistics"}, result.FailedRanges)

	// The surviving ranges still decode and publish.
	assert.InDelta(t, 81.92, result.Values[registers.PVVoltage], 1e-9)
	require.NotNil(t, result.Flags)
	require.NotNil(t, result.Stats)

	// The failed range's values surface as "no data", not zero.
	_, exists := result.Value(registers.GeneratedEnergyToday)
	assert.False(t, exists)
	assert.InDelta(t, 0, result.Stats.Today.GeneratedEnergy, 1e-9)

	// Each attempt hit the transport.
	assert.Equal(t, 3, reader.calls[key("input", 0x330C)])
}

func TestRunCycleTotalFailure(t *testing.T) {
	reader := newFakeReader()
	p := newBenchPoller(t, testConfig(), reader)

	result := p.RunCycle(context.Background())

	assert.Equal(t, domain.OutcomeTotalFailure, result.Outcome)
	assert.Len(t, result.FailedRanges, 4)
	assert.Empty(t, result.Values)
	assert.Nil(t, result.Flags)
	assert.Nil(t, result.State)
	assert.Nil(t, result.Stats)
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	reader := healthyReader()
	reader.failTimes("input", 0x3100, 2, errors.New("crc error"))
	p := newBenchPoller(t, testConfig(), reader)

	result := p.RunCycle(context.Background())

	assert.Equal(t, domain.OutcomeSuccess, result.Outcome)
	assert.Equal(t, 3, reader.calls[key("input", 0x3100)])
	assert.InDelta(t, 81.92, result.Values[registers.PVVoltage], 1e-9)
}

func TestSlowCadenceSkipsSettledRanges(t *testing.T) {
	reader := healthyReader()
	// Boost stage with the battery above the float setpoint.
	reader.respond("input", 0x3200, []uint16{0x0000, 0x0009, 0x0000})
	reader.respond("input", 0x3100, []uint16{8192, 432, 5689, 0, 1450, 432, 5689, 0})
	p := newBenchPoller(t, testConfig(), reader)

	first := p.RunCycle(context.Background())
	second := p.RunCycle(context.Background())

	// The settings range was read on the first cycle only.
	assert.Equal(t, 1, reader.calls[key("holding", 0x9008)])
	_, exists := second.Value(registers.FloatChargingVoltage)
	assert.False(t, exists)

	// The remembered setpoint still promotes boost to absorption.
	require.NotNil(t, first.State)
	assert.Equal(t, domain.ChargerAbsorption, *first.State)
	require.NotNil(t, second.State)
	assert.Equal(t, domain.ChargerAbsorption, *second.State)

	third := p.RunCycle(context.Background())
	assert.Equal(t, 2, reader.calls[key("holding", 0x9008)])
	require.NotNil(t, third.State)
}

func TestRunCycleFlagsImplausibleValue(t *testing.T) {
	reader := healthyReader()
	// Battery voltage decodes to 655.35 V, beyond any supported system.
	reader.respond("input", 0x3100, []uint16{8192, 432, 5689, 0, 0xFFFF, 432, 5689, 0})
	p := newBenchPoller(t, testConfig(), reader)

	result := p.RunCycle(context.Background())

	require.NotEmpty(t, result.Warnings)
	found := false
	for _, w := range result.Warnings {
		if w.Code == domain.WarnImplausibleValue && w.Field == registers.BatteryVoltage {
			found = true
		}
	}
	assert.True(t, found, "expected an implausible-value warning for battery_voltage")
}

func TestRunCycleContextCanceled(t *testing.T) {
	reader := healthyReader()
	p := newBenchPoller(t, testConfig(), reader)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := p.RunCycle(ctx)

	assert.Equal(t, domain.OutcomeTotalFailure, result.Outcome)
	// No requests go out and no retries run against a dead context.
	assert.Equal(t, 0, reader.calls[key("input", 0x3100)])
}

func TestBackoffDelay(t *testing.T) {
	cfg := testConfig()
	cfg.Poll.RetryBackoffMs = 100
	cfg.Poll.RetryBackoffMaxMs = 2000
	p := newBenchPoller(t, cfg, newFakeReader())

	assert.Equal(t, 100*time.Millisecond, p.backoffDelay(1))
	assert.Equal(t, 200*time.Millisecond, p.backoffDelay(2))
	assert.Equal(t, 400*time.Millisecond, p.backoffDelay(3))
	assert.Equal(t, 2*time.Second, p.backoffDelay(6))
	assert.Equal(t, 2*time.Second, p.backoffDelay(20))

	cfg.Poll.RetryBackoffMs = 0
	p = newBenchPoller(t, cfg, newFakeReader())
	assert.Equal(t, time.Duration(0), p.backoffDelay(3))
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "idle", PhaseIdle.String())
	assert.Equal(t, "reading", PhaseReading.String())
	assert.Equal(t, "backoff", PhaseBackoff.String())
	assert.Equal(t, "decoding", PhaseDecoding.String())
	assert.Equal(t, "publishing", PhasePublishing.String())
	assert.Equal(t, "unknown", Phase(42).String())
}
