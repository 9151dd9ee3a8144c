// Package poller drives one controller through poll cycles: read the due
// register ranges over the transport, decode the words, fold statistics, and
// assemble the PollResult handed to the publish side.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openmppt/go-epever/internal/codec"
	"github.com/openmppt/go-epever/internal/config"
	"github.com/openmppt/go-epever/internal/domain"
	"github.com/openmppt/go-epever/internal/quality"
	"github.com/openmppt/go-epever/internal/registers"
	"github.com/openmppt/go-epever/internal/stats"
	"github.com/openmppt/go-epever/internal/status"
)

// Phase names the stations of the poll cycle state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReading
	PhaseBackoff
	PhaseDecoding
	PhasePublishing
)

// String returns the lowercase name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReading:
		return "reading"
	case PhaseBackoff:
		return "backoff"
	case PhaseDecoding:
		return "decoding"
	case PhasePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// Poller runs poll cycles for one controller on the bus. It owns the
// controller's statistics accumulator and is driven from a single goroutine;
// nothing here is safe for concurrent use.
type Poller struct {
	device    string
	unitID    byte
	reader    domain.RegisterReader
	regmap    *registers.Map
	acc       *stats.Accumulator
	validator *quality.Validator
	logger    zerolog.Logger

	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
	readGap     time.Duration
	slowCycles  int

	phase         Phase
	cycle         uint64
	floatSetpoint float64
	now           func() time.Time
}

// New creates a poller for one configured controller. Window boundaries of
// its accumulator are evaluated in loc.
func New(cfg *config.Config, device config.Device, reader domain.RegisterReader, regmap *registers.Map, validator *quality.Validator, loc *time.Location) *Poller {
	return &Poller{
		device:      device.Name,
		unitID:      byte(device.UnitID),
		reader:      reader,
		regmap:      regmap,
		acc:         stats.New(loc),
		validator:   validator,
		logger:      log.With().Str("component", "poller").Str("device", device.Name).Logger(),
		maxAttempts: cfg.Poll.MaxAttempts,
		backoffBase: cfg.RetryBackoff(),
		backoffMax:  cfg.RetryBackoffMax(),
		readGap:     cfg.ReadGap(),
		slowCycles:  cfg.Poll.SlowIntervalCycles,
		now:         time.Now,
	}
}

// RunCycle performs one poll round over the due ranges and returns its
// result. Ranges are independent: an unreadable range degrades the outcome
// to partial failure for that subset while the rest decode normally. Each
// invocation stands alone; only the accumulator carries state across cycles.
func (p *Poller) RunCycle(ctx context.Context) *domain.PollResult {
	started := p.now()
	result := &domain.PollResult{
		Device:    p.device,
		UnitID:    p.unitID,
		Timestamp: started,
		Values:    make(map[string]float64),
	}

	due := p.dueRanges()
	p.cycle++
	if len(due) == 0 {
		// Nothing scheduled this cycle: not a failure, just no data.
		result.Outcome = domain.OutcomeSuccess
		return result
	}

	p.phase = PhaseReading
	blocks := make([]*codec.Block, 0, len(due))
	for i, r := range due {
		if i > 0 {
			// Settle gap so the RS-485 transceiver releases the bus.
			p.wait(ctx, p.readGap)
		}

		words, err := p.readRange(ctx, r)
		if err != nil {
			result.FailedRanges = append(result.FailedRanges, r.Name)
			p.logger.Warn().
				Err(err).
				Str("range", r.Name).
				Int("attempts", p.maxAttempts).
				Msg("Range read failed")
			continue
		}

		block, err := codec.DecodeBlock(r, words)
		if err != nil {
			result.FailedRanges = append(result.FailedRanges, r.Name)
			p.logger.Warn().
				Err(err).
				Str("range", r.Name).
				Msg("Range decode failed")
			continue
		}
		blocks = append(blocks, block)
	}

	p.phase = PhaseDecoding
	statusWords := make(map[registers.Kind]uint16)
	for _, block := range blocks {
		for _, v := range block.Values {
			result.Values[v.Name] = v.Value
		}
		for kind, raw := range block.Status {
			statusWords[kind] = raw
		}
	}

	if battery, ok := statusWords[registers.KindBatteryStatus]; ok {
		result.Flags = status.Decode(
			battery,
			statusWords[registers.KindChargingStatus],
			statusWords[registers.KindDischargingStatus],
		)
	}

	// The float setpoint arrives on the slow cadence; remember the last one
	// so the charger state mapping works on the cycles in between.
	if v, ok := result.Value(registers.FloatChargingVoltage); ok {
		p.floatSetpoint = v
	}
	if result.Flags != nil {
		state := status.ChargerState(result.Flags.Charging, result.Values[registers.BatteryVoltage], p.floatSetpoint)
		code := state.Code()
		result.State = &state
		result.StateCode = &code
	}

	switch {
	case len(blocks) == 0:
		result.Outcome = domain.OutcomeTotalFailure
	case len(result.FailedRanges) > 0:
		result.Outcome = domain.OutcomePartialFailure
	default:
		result.Outcome = domain.OutcomeSuccess
	}

	if result.Outcome != domain.OutcomeTotalFailure {
		result.Warnings = append(result.Warnings, p.observe(result)...)
		result.Warnings = append(result.Warnings, p.validator.Check(result.Values)...)
		result.Stats = p.acc.Snapshot()
	}

	p.phase = PhasePublishing
	p.logger.Debug().
		Str("phase", p.phase.String()).
		Str("outcome", result.Outcome.String()).
		Int("ranges_due", len(due)).
		Int("ranges_failed", len(result.FailedRanges)).
		Int("values", len(result.Values)).
		Int("warnings", len(result.Warnings)).
		Dur("elapsed", p.now().Sub(started)).
		Msg("Poll cycle completed")
	p.phase = PhaseIdle

	return result
}

// Phase returns the poller's current station. Between cycles it is idle.
func (p *Poller) Phase() Phase { return p.phase }

// dueRanges selects the ranges to read this cycle. Fast ranges are always
// due; slow ranges only every slowCycles cycles, starting with the first.
func (p *Poller) dueRanges() []*registers.Range {
	interval := uint64(p.slowCycles)
	if interval < 1 {
		interval = 1
	}

	due := make([]*registers.Range, 0, len(p.regmap.Ranges))
	for i := range p.regmap.Ranges {
		r := &p.regmap.Ranges[i]
		if r.Cadence == registers.CadenceSlow && p.cycle%interval != 0 {
			continue
		}
		due = append(due, r)
	}
	return due
}

// readRange reads one range with bounded exponential backoff between
// attempts. It returns the last error once the attempts are exhausted.
func (p *Poller) readRange(ctx context.Context, r *registers.Range) ([]uint16, error) {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			p.phase = PhaseBackoff
			ok := p.wait(ctx, p.backoffDelay(attempt-1))
			p.phase = PhaseReading
			if !ok {
				break
			}
		}

		words, err := p.read(ctx, r)
		if err == nil {
			return words, nil
		}
		lastErr = err

		p.logger.Debug().
			Err(err).
			Str("range", r.Name).
			Int("attempt", attempt).
			Msg("Range read attempt failed")

		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

// read dispatches one range read to the transport call for its class.
func (p *Poller) read(ctx context.Context, r *registers.Range) ([]uint16, error) {
	switch r.Class {
	case registers.ClassInput:
		return p.reader.ReadInputRegisters(ctx, p.unitID, r.Start(), r.Count)
	case registers.ClassHolding:
		return p.reader.ReadHoldingRegisters(ctx, p.unitID, r.Start(), r.Count)
	case registers.ClassCoil:
		return p.reader.ReadCoils(ctx, p.unitID, r.Start(), r.Count)
	case registers.ClassDiscrete:
		return p.reader.ReadDiscreteInputs(ctx, p.unitID, r.Start(), r.Count)
	default:
		return nil, fmt.Errorf("unknown register class %q", r.Class)
	}
}

// backoffDelay returns the wait before retry number retry, doubling from the
// base and capped at the maximum.
func (p *Poller) backoffDelay(retry int) time.Duration {
	if p.backoffBase <= 0 {
		return 0
	}
	d := p.backoffBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.backoffMax {
			return p.backoffMax
		}
	}
	if p.backoffMax > 0 && d > p.backoffMax {
		return p.backoffMax
	}
	return d
}

// wait sleeps for d unless the context ends first.
func (p *Poller) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// observe feeds the accumulator from the values whose source range succeeded
// this cycle. Values from failed ranges are absent from the map, so a failed
// range produces no observations rather than fabricated zeros.
func (p *Poller) observe(result *domain.PollResult) []domain.Warning {
	var warnings []domain.Warning

	if pv, ok := result.Value(registers.PVVoltage); ok {
		sample := stats.Sample{
			PVVoltage:       pv,
			BatteryVoltage:  result.Values[registers.BatteryVoltage],
			ChargingPower:   result.Values[registers.ChargingPower],
			ChargingCurrent: result.Values[registers.ChargingCurrent],
		}
		warnings = append(warnings, p.acc.Observe(result.Timestamp, sample)...)
	}

	if generated, ok := result.Value(registers.GeneratedEnergyToday); ok {
		readings := stats.EnergyReadings{
			GeneratedToday: generated,
			GeneratedMonth: result.Values[registers.GeneratedEnergyMonth],
			GeneratedYear:  result.Values[registers.GeneratedEnergyYear],
			GeneratedTotal: result.Values[registers.GeneratedEnergyTotal],
			ConsumedToday:  result.Values[registers.ConsumedEnergyToday],
			ConsumedMonth:  result.Values[registers.ConsumedEnergyMonth],
			ConsumedYear:   result.Values[registers.ConsumedEnergyYear],
			ConsumedTotal:  result.Values[registers.ConsumedEnergyTotal],
		}
		warnings = append(warnings, p.acc.ObserveEnergy(result.Timestamp, readings)...)
	}

	return warnings
}
