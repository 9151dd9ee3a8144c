// Package stats maintains the running daily/monthly/yearly/lifetime
// statistics derived from poll samples: min/max voltages, peak charging
// power, and energy totals tracked against the controller's own cumulative
// counters.
package stats

import (
	"fmt"
	"time"

	"github.com/openmppt/go-epever/internal/domain"
)

// extreme folds a running min/max pair.
type extreme struct {
	min  float64
	max  float64
	seen bool
}

func (e *extreme) fold(v float64) {
	if !e.seen {
		e.min = v
		e.max = v
		e.seen = true
		return
	}
	if v < e.min {
		e.min = v
	}
	if v > e.max {
		e.max = v
	}
}

// peak folds a running maximum.
type peak struct {
	max  float64
	seen bool
}

func (p *peak) fold(v float64) {
	if !p.seen || v > p.max {
		p.max = v
		p.seen = true
	}
}

// energyCounter tracks one controller-reported cumulative counter. The
// running total follows the counter by delta; a reading smaller than the
// previous one within the same window means the controller already cleared
// its counter, so the new value replaces the total instead of being applied
// as a negative delta.
type energyCounter struct {
	total  float64
	last   float64
	seeded bool
}

// observe folds a counter reading and reports whether a controller-side
// reset discarded energy already accrued this window. A drop while the
// running total is still zero is the controller clearing its counter after a
// window roll; nothing is lost, so it is not reported.
func (c *energyCounter) observe(v float64) bool {
	if !c.seeded {
		c.total = v
		c.last = v
		c.seeded = true
		return false
	}

	if v < c.last {
		discarded := c.total > 0
		c.total = v
		c.last = v
		return discarded
	}

	c.total += v - c.last
	c.last = v
	return false
}

// rollWindow zeroes the running total at a local window boundary. The last
// reading is kept as the baseline so deltas keep accruing correctly while
// the controller's own reset lags the local clock.
func (c *energyCounter) rollWindow() {
	c.total = 0
}

// window holds the running statistics of one calendar window.
type window struct {
	since      time.Time
	pv         extreme
	battery    extreme
	maxPower   peak
	maxCurrent peak
	generated  energyCounter
	consumed   energyCounter
}

func (w *window) reset(at time.Time) {
	w.since = at
	w.pv = extreme{}
	w.battery = extreme{}
	w.maxPower = peak{}
	w.maxCurrent = peak{}
	w.generated.rollWindow()
	w.consumed.rollWindow()
}

// lifetime holds the monotonic lifetime counters and all-time extremes.
type lifetime struct {
	generated     float64
	generatedSeen bool
	consumed      float64
	consumedSeen  bool
	pv            extreme
	battery       extreme
}

// Sample carries the per-cycle real-time readings folded into min/max and
// peak statistics.
type Sample struct {
	PVVoltage       float64
	BatteryVoltage  float64
	ChargingPower   float64
	ChargingCurrent float64
}

// EnergyReadings carries the controller's cumulative energy counters from
// the statistics register block.
type EnergyReadings struct {
	GeneratedToday float64
	GeneratedMonth float64
	GeneratedYear  float64
	GeneratedTotal float64
	ConsumedToday  float64
	ConsumedMonth  float64
	ConsumedYear   float64
	ConsumedTotal  float64
}

// Accumulator owns the StatisticsState of one controller. It is driven
// exclusively from the poll loop: no internal locking, never fails, and
// recovers from anomalous input by clamping or replacing per the rules
// above, reporting each such event as a data-quality warning.
type Accumulator struct {
	loc      *time.Location
	lastSeen time.Time
	seen     bool

	today window
	month window
	year  window
	life  lifetime
}

// New creates an accumulator that evaluates window boundaries in the given
// location. A nil location means local time.
func New(loc *time.Location) *Accumulator {
	if loc == nil {
		loc = time.Local
	}
	return &Accumulator{loc: loc}
}

// roll detects wall-clock window crossings by comparing the previous
// observed timestamp with the current one. Multiple observations within the
// same window never re-reset.
func (a *Accumulator) roll(t time.Time) {
	t = t.In(a.loc)

	if !a.seen {
		a.seen = true
		a.lastSeen = t
		a.today.since = t
		a.month.since = t
		a.year.since = t
		return
	}

	prevYear, prevMonth, prevDay := a.lastSeen.Date()
	curYear, curMonth, curDay := t.Date()
	a.lastSeen = t

	if curYear != prevYear || curMonth != prevMonth || curDay != prevDay {
		a.today.reset(t)
	}
	if curYear != prevYear || curMonth != prevMonth {
		a.month.reset(t)
	}
	if curYear != prevYear {
		a.year.reset(t)
	}
}

// Observe folds one cycle's real-time readings into every open window,
// rolling windows first if the timestamp crossed a boundary.
func (a *Accumulator) Observe(t time.Time, s Sample) []domain.Warning {
	a.roll(t)

	for _, w := range []*window{&a.today, &a.month, &a.year} {
		w.pv.fold(s.PVVoltage)
		w.battery.fold(s.BatteryVoltage)
		w.maxPower.fold(s.ChargingPower)
		w.maxCurrent.fold(s.ChargingCurrent)
	}
	a.life.pv.fold(s.PVVoltage)
	a.life.battery.fold(s.BatteryVoltage)

	return nil
}

// ObserveEnergy folds one cycle's cumulative energy counters, rolling
// windows first if the timestamp crossed a boundary. Controller-side counter
// resets and lifetime decreases are recovered locally and reported as
// warnings.
func (a *Accumulator) ObserveEnergy(t time.Time, e EnergyReadings) []domain.Warning {
	a.roll(t)

	var warnings []domain.Warning
	counter := func(c *energyCounter, field string, v float64) {
		if c.observe(v) {
			warnings = append(warnings, domain.Warning{
				Code:    domain.WarnCounterReset,
				Field:   field,
				Message: fmt.Sprintf("controller reset %s counter mid-window, replaced total with %.2f", field, v),
			})
		}
	}

	counter(&a.today.generated, "generated_energy_today", e.GeneratedToday)
	counter(&a.month.generated, "generated_energy_month", e.GeneratedMonth)
	counter(&a.year.generated, "generated_energy_year", e.GeneratedYear)
	counter(&a.today.consumed, "consumed_energy_today", e.ConsumedToday)
	counter(&a.month.consumed, "consumed_energy_month", e.ConsumedMonth)
	counter(&a.year.consumed, "consumed_energy_year", e.ConsumedYear)

	warnings = append(warnings, a.observeLifetime(&a.life.generated, &a.life.generatedSeen, "generated_energy_total", e.GeneratedTotal)...)
	warnings = append(warnings, a.observeLifetime(&a.life.consumed, &a.life.consumedSeen, "consumed_energy_total", e.ConsumedTotal)...)

	return warnings
}

// observeLifetime applies the monotonic rule: lifetime totals only ever
// increase, and an observed decrease is a stale read to be ignored.
func (a *Accumulator) observeLifetime(value *float64, seen *bool, field string, v float64) []domain.Warning {
	if !*seen {
		*value = v
		*seen = true
		return nil
	}

	if v < *value {
		return []domain.Warning{{
			Code:    domain.WarnLifetimeDecrease,
			Field:   field,
			Message: fmt.Sprintf("%s decreased from %.2f to %.2f, keeping prior value", field, *value, v),
		}}
	}

	*value = v
	return nil
}

// Snapshot returns a JSON-safe copy of the accumulator state. Windows that
// have not seen a sample yet report nil min/max instead of infinities.
func (a *Accumulator) Snapshot() *domain.StatisticsSnapshot {
	return &domain.StatisticsSnapshot{
		Today: a.windowSnapshot(&a.today),
		Month: a.windowSnapshot(&a.month),
		Year:  a.windowSnapshot(&a.year),
		Lifetime: domain.LifetimeSnapshot{
			GeneratedEnergy:   a.life.generated,
			ConsumedEnergy:    a.life.consumed,
			MinPVVoltage:      extremeMin(a.life.pv),
			MaxPVVoltage:      extremeMax(a.life.pv),
			MinBatteryVoltage: extremeMin(a.life.battery),
			MaxBatteryVoltage: extremeMax(a.life.battery),
		},
	}
}

func (a *Accumulator) windowSnapshot(w *window) domain.WindowSnapshot {
	return domain.WindowSnapshot{
		Since:              w.since,
		MinPVVoltage:       extremeMin(w.pv),
		MaxPVVoltage:       extremeMax(w.pv),
		MinBatteryVoltage:  extremeMin(w.battery),
		MaxBatteryVoltage:  extremeMax(w.battery),
		MaxChargingPower:   peakMax(w.maxPower),
		MaxChargingCurrent: peakMax(w.maxCurrent),
		GeneratedEnergy:    w.generated.total,
		ConsumedEnergy:     w.consumed.total,
	}
}

func extremeMin(e extreme) *float64 {
	if !e.seen {
		return nil
	}
	v := e.min
	return &v
}

func extremeMax(e extreme) *float64 {
	if !e.seen {
		return nil
	}
	v := e.max
	return &v
}

func peakMax(p peak) *float64 {
	if !p.seen {
		return nil
	}
	v := p.max
	return &v
}
