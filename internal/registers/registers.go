// Package registers defines the controller's Modbus register map as
// versioned configuration data: named ranges of scaled registers loaded from
// an embedded YAML table, or from an external file to support related
// controller models.
package registers

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed maps/epever_tracer.yaml
var defaultMapYAML []byte

// Class identifies which Modbus entity table a register lives in.
type Class string

const (
	ClassInput    Class = "input"
	ClassHolding  Class = "holding"
	ClassCoil     Class = "coil"
	ClassDiscrete Class = "discrete"
)

// Cadence controls how often a range is polled. Fast ranges are read every
// cycle; slow ranges only every N cycles (rated data and settings change
// rarely).
type Cadence string

const (
	CadenceFast Cadence = "fast"
	CadenceSlow Cadence = "slow"
)

// Kind tells the decode path how to treat a register: as a scaled physical
// value, or as a raw status word for the bitfield decoder.
type Kind string

const (
	KindValue             Kind = "value"
	KindBatteryStatus     Kind = "battery_status"
	KindChargingStatus    Kind = "charging_status"
	KindDischargingStatus Kind = "discharging_status"
)

// Modbus limits one read request to 125 words or 2000 bits.
const (
	maxWordsPerRead = 125
	maxBitsPerRead  = 2000
)

// Spec describes a single logical register. Width is 1 (default) or 2;
// two-word fields store the low word at Address and the high word at
// Address+1. Scale is the integer divisor applied to the raw value, 0 or 1
// meaning unscaled. Signed requests a two's-complement interpretation (the
// net battery current may be negative). Kind defaults to value.
type Spec struct {
	Name    string `yaml:"name"`
	Address uint16 `yaml:"address"`
	Width   int    `yaml:"width,omitempty"`
	Unit    string `yaml:"unit,omitempty"`
	Scale   uint32 `yaml:"scale,omitempty"`
	Signed  bool   `yaml:"signed,omitempty"`
	Kind    Kind   `yaml:"kind,omitempty"`
}

// Range is one contiguous read request and the unit of partial-failure
// accounting. Start and the word count are derived from the registers it
// contains; Count may be set explicitly to pad the read beyond the last
// defined register.
type Range struct {
	Name      string  `yaml:"name"`
	Class     Class   `yaml:"class"`
	Cadence   Cadence `yaml:"cadence,omitempty"`
	Count     uint16  `yaml:"count,omitempty"`
	Registers []Spec  `yaml:"registers"`

	start uint16
}

// Start returns the first address of the range.
func (r *Range) Start() uint16 { return r.start }

// Offset returns the word index of a spec within the range's read response.
func (r *Range) Offset(s Spec) int { return int(s.Address - r.start) }

// resolve derives the range geometry from its registers and validates it.
func (r *Range) resolve() error {
	if r.Name == "" {
		return fmt.Errorf("range name is required")
	}
	switch r.Class {
	case ClassInput, ClassHolding, ClassCoil, ClassDiscrete:
	case "":
		return fmt.Errorf("class is required")
	default:
		return fmt.Errorf("unknown class %q", r.Class)
	}
	switch r.Cadence {
	case CadenceFast, CadenceSlow:
	case "":
		r.Cadence = CadenceFast
	default:
		return fmt.Errorf("unknown cadence %q", r.Cadence)
	}
	if len(r.Registers) == 0 {
		return fmt.Errorf("range defines no registers")
	}

	var (
		minAddr uint16 = 0xFFFF
		end     uint32
	)
	for i := range r.Registers {
		s := &r.Registers[i]
		if s.Name == "" {
			return fmt.Errorf("register at 0x%04X has no name", s.Address)
		}
		if s.Width == 0 {
			s.Width = 1
		}
		if s.Width != 1 && s.Width != 2 {
			return fmt.Errorf("register %q: width must be 1 or 2, got %d", s.Name, s.Width)
		}
		if s.Width == 2 && (r.Class == ClassCoil || r.Class == ClassDiscrete) {
			return fmt.Errorf("register %q: two-word fields are not valid in a %s range", s.Name, r.Class)
		}
		if s.Kind == "" {
			s.Kind = KindValue
		}
		switch s.Kind {
		case KindValue, KindBatteryStatus, KindChargingStatus, KindDischargingStatus:
		default:
			return fmt.Errorf("register %q: unknown kind %q", s.Name, s.Kind)
		}
		if s.Kind != KindValue && s.Width != 1 {
			return fmt.Errorf("register %q: status words are single-word", s.Name)
		}

		if s.Address < minAddr {
			minAddr = s.Address
		}
		if e := uint32(s.Address) + uint32(s.Width); e > end {
			end = e
		}
	}

	r.start = minAddr
	derived := uint16(end - uint32(minAddr))
	if r.Count == 0 {
		r.Count = derived
	} else if r.Count < derived {
		return fmt.Errorf("count %d does not cover registers (need %d)", r.Count, derived)
	}

	limit := uint16(maxWordsPerRead)
	if r.Class == ClassCoil || r.Class == ClassDiscrete {
		limit = maxBitsPerRead
	}
	if r.Count > limit {
		return fmt.Errorf("count %d exceeds the %d-entry read limit for class %s", r.Count, limit, r.Class)
	}

	return nil
}

// Map is the full register table of one controller model.
type Map struct {
	Model       string  `yaml:"model"`
	Vendor      string  `yaml:"vendor,omitempty"`
	Version     string  `yaml:"version,omitempty"`
	Description string  `yaml:"description,omitempty"`
	Ranges      []Range `yaml:"ranges"`
}

// Default returns the embedded EPEVER Tracer register map.
func Default() (*Map, error) {
	return parse(defaultMapYAML)
}

// LoadFile reads a register map from an external YAML file.
func LoadFile(path string) (*Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read register map %s: %w", path, err)
	}
	m, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("register map %s: %w", path, err)
	}
	return m, nil
}

// Load returns the map at path, or the embedded default when path is empty.
func Load(path string) (*Map, error) {
	if path == "" {
		return Default()
	}
	return LoadFile(path)
}

// parse unmarshals and validates a register map document.
func parse(data []byte) (*Map, error) {
	var m Map
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse register map: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// validate resolves every range and checks map-wide uniqueness.
func (m *Map) validate() error {
	if m.Model == "" {
		return fmt.Errorf("register map: model is required")
	}
	if len(m.Ranges) == 0 {
		return fmt.Errorf("register map: no ranges defined")
	}

	rangeNames := make(map[string]bool, len(m.Ranges))
	registerNames := make(map[string]bool)
	for i := range m.Ranges {
		r := &m.Ranges[i]
		if err := r.resolve(); err != nil {
			return fmt.Errorf("register map range %q: %w", r.Name, err)
		}
		if rangeNames[r.Name] {
			return fmt.Errorf("register map: duplicate range name %q", r.Name)
		}
		rangeNames[r.Name] = true

		for _, s := range r.Registers {
			if registerNames[s.Name] {
				return fmt.Errorf("register map: duplicate register name %q", s.Name)
			}
			registerNames[s.Name] = true
		}
	}

	return nil
}

// Range looks up a range by name.
func (m *Map) Range(name string) (*Range, bool) {
	for i := range m.Ranges {
		if m.Ranges[i].Name == name {
			return &m.Ranges[i], true
		}
	}
	return nil, false
}

// RegisterCount returns the total number of logical registers in the map.
func (m *Map) RegisterCount() int {
	n := 0
	for i := range m.Ranges {
		n += len(m.Ranges[i].Registers)
	}
	return n
}

// Names returns every register name in the map, sorted.
func (m *Map) Names() []string {
	names := make([]string, 0, m.RegisterCount())
	for i := range m.Ranges {
		for _, s := range m.Ranges[i].Registers {
			names = append(names, s.Name)
		}
	}
	sort.Strings(names)
	return names
}
